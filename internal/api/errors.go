package api

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"

	"github.com/plbridge/plbridge/pl"
	"github.com/plbridge/plbridge/types"
)

// PanicError is a panic raised by a function, recovered at the call boundary.
type PanicError struct {
	Function string
	Value    any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("function %s panicked: %v", e.Function, e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// recoverCall turns a panic into a PanicError. It must be deferred directly.
func recoverCall(fn string, err *error) {
	if rec := recover(); rec != nil {
		*err = &PanicError{Function: fn, Value: rec}
	}
}

// translate is the one place where a failure becomes a SQLError. The code is
// the one the error carries, or external routine exception.
func (d *Dispatcher) translate(fn string, err error) error {
	if err == nil {
		return nil
	}
	if se, ok := types.AsSQLError(err); ok {
		return se
	}
	var (
		out *types.SQLError
		pe  *pl.Error
	)
	switch {
	case errors.As(err, &pe):
		out = types.NewSQLError(pe.SQLState(), pe.Message, err).WithDetail(pe.Detail, pe.Hint)
	default:
		out = types.NewSQLError(types.SQLStateOf(err, pgerrcode.ExternalRoutineException), err.Error(), err)
	}
	out.WithRoutine(fn)
	if d.debugErrors {
		d.logger.Debug().Err(err).Str("function", fn).Str("sqlstate", out.SQLState()).Msg("call failed")
	}
	return out
}
