package pl

import (
	"fmt"

	"github.com/jackc/pgerrcode"
)

// Error is an error raised by a function with an explicit SQLSTATE. Any other
// error reaches the client as an external routine exception.
type Error struct {
	Code    string
	Message string
	Detail  string
	Hint    string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) SQLState() string {
	if e.Code == "" {
		return pgerrcode.RaiseException
	}
	return e.Code
}

// Errorf builds an Error with the given SQLSTATE.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
