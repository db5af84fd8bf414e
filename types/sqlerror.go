package types

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLError is how a failed call is reported to the backend: a SQLSTATE, a
// message and the optional detail and hint, in the shape of a server error.
// The error that caused it stays reachable through Unwrap.
type SQLError struct {
	pg    *pgconn.PgError
	cause error
}

var (
	_ error     = (*SQLError)(nil)
	_ SQLStater = (*SQLError)(nil)
)

// NewSQLError builds a SQLError reported at severity ERROR.
func NewSQLError(code, message string, cause error) *SQLError {
	if code == "" {
		code = pgerrcode.ExternalRoutineException
	}
	return &SQLError{
		pg:    &pgconn.PgError{Severity: "ERROR", Code: code, Message: message},
		cause: cause,
	}
}

// WithDetail sets the detail and hint lines.
func (e *SQLError) WithDetail(detail, hint string) *SQLError {
	e.pg.Detail = detail
	e.pg.Hint = hint
	return e
}

// WithRoutine records the function that raised the error.
func (e *SQLError) WithRoutine(name string) *SQLError {
	e.pg.Routine = name
	return e
}

func (e *SQLError) Error() string { return e.pg.Error() }

func (e *SQLError) Unwrap() error { return e.cause }

func (e *SQLError) SQLState() string { return e.pg.Code }

func (e *SQLError) Message() string { return e.pg.Message }

func (e *SQLError) Detail() string { return e.pg.Detail }

func (e *SQLError) Hint() string { return e.pg.Hint }

// PgError returns a copy of the error in the form of a server error.
func (e *SQLError) PgError() *pgconn.PgError {
	c := *e.pg
	return &c
}

// AsSQLError returns the SQLError in err's chain, if any.
func AsSQLError(err error) (*SQLError, bool) {
	var e *SQLError
	ok := errors.As(err, &e)
	return e, ok
}
