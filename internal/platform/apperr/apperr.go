// Package apperr defines the error kinds surfaced by the pharmacy services
// and their translation to HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/labstack/echo/v4"
)

// Kind classifies a domain failure. Kinds are matched with errors.Is.
type Kind string

func (k Kind) Error() string { return string(k) }

const (
	ErrNotFound        Kind = "not found"
	ErrConflict        Kind = "conflict"
	ErrInvalidArgument Kind = "invalid argument"
)

// ErrInsufficientStock is reported when a batch cannot cover a dispense. It
// also matches ErrInvalidArgument.
var ErrInsufficientStock = &Error{kind: ErrInvalidArgument, msg: "insufficient stock"}

// Error carries a kind and a caller-facing message.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Unwrap() []error {
	if e.cause != nil {
		return []error{e.kind, e.cause}
	}
	return []error{e.kind}
}

func (e *Error) Kind() Kind { return e.kind }

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...interface{}) error {
	return newf(ErrNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) error {
	return newf(ErrConflict, format, args...)
}

func InvalidArgument(format string, args ...interface{}) error {
	return newf(ErrInvalidArgument, format, args...)
}

// InsufficientStock reports that available units cannot cover requested.
func InsufficientStock(available, requested int) error {
	return &Error{
		kind:  ErrInvalidArgument,
		msg:   fmt.Sprintf("insufficient stock: %d available, %d requested", available, requested),
		cause: ErrInsufficientStock,
	}
}

// KindOf returns the kind of err, or "" for unclassified errors.
func KindOf(err error) Kind {
	for _, k := range []Kind{ErrNotFound, ErrConflict, ErrInvalidArgument} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ""
}

// Postgres SQLSTATE codes mapped by FromPG.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// FromPG classifies a pgx error. what names the entity for the message.
// Errors that are already classified or not recognised are returned as is.
func FromPG(err error, what string) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &Error{kind: ErrNotFound, msg: what + " not found", cause: err}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return &Error{kind: ErrConflict, msg: what + " already exists", cause: err}
		case pgForeignKeyViolation:
			return &Error{kind: ErrConflict, msg: what + " is referenced by other records", cause: err}
		case pgCheckViolation:
			return &Error{kind: ErrInvalidArgument, msg: what + " violates constraint " + pgErr.ConstraintName, cause: err}
		}
	}
	return err
}

// HTTPError converts err into an *echo.HTTPError with the matching status.
// Unclassified errors become 500 without leaking their text.
func HTTPError(err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	switch KindOf(err) {
	case ErrNotFound:
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case ErrConflict:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case ErrInvalidArgument:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}
