package db

import (
	"fmt"
	"strings"
	"time"
)

// SearchQuery builds the WHERE, ORDER BY and LIMIT parts shared by the
// list endpoints. Placeholders are numbered in the order clauses are added.
type SearchQuery struct {
	from    string
	cols    string
	where   []string
	args    []any
	orderBy string
}

// NewSearchQuery starts a query over from, which may include joins, selecting cols.
func NewSearchQuery(from, cols string) *SearchQuery {
	return &SearchQuery{from: from, cols: cols}
}

// Idx returns the next available parameter index.
func (q *SearchQuery) Idx() int { return len(q.args) + 1 }

// Add appends a raw clause. The clause must reference its arguments with
// placeholders starting at Idx().
func (q *SearchQuery) Add(clause string, args ...any) {
	q.where = append(q.where, clause)
	q.args = append(q.args, args...)
}

// AddEq adds column = value.
func (q *SearchQuery) AddEq(column string, value any) {
	q.Add(fmt.Sprintf("%s = $%d", column, q.Idx()), value)
}

// AddContains adds a case-insensitive substring match over any of columns.
func (q *SearchQuery) AddContains(text string, columns ...string) {
	text = strings.TrimSpace(text)
	if text == "" || len(columns) == 0 {
		return
	}
	idx := q.Idx()
	parts := make([]string, len(columns))
	for i, col := range columns {
		parts[i] = fmt.Sprintf("%s ILIKE $%d", col, idx)
	}
	q.Add("("+strings.Join(parts, " OR ")+")", "%"+escapeLike(text)+"%")
}

// AddRange bounds column by from (inclusive) and to (inclusive). Nil bounds are skipped.
func (q *SearchQuery) AddRange(column string, from, to *time.Time) {
	if from != nil {
		q.Add(fmt.Sprintf("%s >= $%d", column, q.Idx()), *from)
	}
	if to != nil {
		q.Add(fmt.Sprintf("%s <= $%d", column, q.Idx()), *to)
	}
}

// OrderBy sets the ORDER BY clause (without the keyword). Callers pass only
// whitelisted column names.
func (q *SearchQuery) OrderBy(orderBy string) { q.orderBy = orderBy }

func (q *SearchQuery) whereSQL() string {
	if len(q.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.where, " AND ")
}

// CountSQL returns the count query.
func (q *SearchQuery) CountSQL() string {
	return "SELECT COUNT(*) FROM " + q.from + q.whereSQL()
}

// CountArgs returns the arguments for CountSQL.
func (q *SearchQuery) CountArgs() []any { return q.args }

// DataSQL returns the page query with ORDER BY, LIMIT and OFFSET.
func (q *SearchQuery) DataSQL() string {
	sql := "SELECT " + q.cols + " FROM " + q.from + q.whereSQL()
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	n := len(q.args)
	return sql + fmt.Sprintf(" LIMIT $%d OFFSET $%d", n+1, n+2)
}

// DataArgs returns the arguments for DataSQL.
func (q *SearchQuery) DataArgs(limit, offset int) []any {
	out := make([]any, len(q.args), len(q.args)+2)
	copy(out, q.args)
	return append(out, limit, offset)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
