package pagination

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit plus either offset or a 1-based page.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if page, err := strconv.Atoi(c.QueryParam("page")); err == nil && page > 1 && offset <= 0 {
		offset = (page - 1) * limit
	}
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// SQL returns the LIMIT and OFFSET clause.
func (p Params) SQL() string {
	return fmt.Sprintf("LIMIT %d OFFSET %d", p.Limit, p.Offset)
}

func (p Params) Page() int {
	if p.Limit <= 0 {
		return 1
	}
	return p.Offset/p.Limit + 1
}

type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	Page    int         `json:"page"`
	HasMore bool        `json:"has_more"`
}

func NewResponse(data interface{}, total int, p Params) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		Page:    p.Page(),
		HasMore: p.Offset+p.Limit < total,
	}
}

// Sort is a validated ordering. Field is always one of the caller's allowed
// keys, so it is safe to map onto a column name.
type Sort struct {
	Field string
	Desc  bool
}

func (s Sort) Direction() string {
	if s.Desc {
		return "DESC"
	}
	return "ASC"
}

// SortFromContext reads sortBy and sortOrder (asc|desc). Unknown fields
// are rejected with 400; an empty sortBy yields def.
func SortFromContext(c echo.Context, allowed []string, def Sort) (Sort, error) {
	s := def
	if field := c.QueryParam("sortBy"); field != "" {
		ok := false
		for _, a := range allowed {
			if a == field {
				ok = true
				break
			}
		}
		if !ok {
			return Sort{}, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("sortBy must be one of: %s", strings.Join(allowed, ", ")))
		}
		s.Field = field
	}
	switch strings.ToLower(c.QueryParam("sortOrder")) {
	case "":
	case "asc":
		s.Desc = false
	case "desc":
		s.Desc = true
	default:
		return Sort{}, echo.NewHTTPError(http.StatusBadRequest, "sortOrder must be asc or desc")
	}
	return s, nil
}
