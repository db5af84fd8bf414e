package types

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/jackc/pgerrcode"
)

// Direction names the side a conversion was heading to.
type Direction uint8

const (
	ToManaged Direction = iota
	ToNative
)

func (d Direction) String() string {
	if d == ToManaged {
		return "datum->object"
	}
	return "object->datum"
}

// SQLStater is implemented by errors that carry a SQLSTATE classification.
type SQLStater interface {
	SQLState() string
}

var (
	_ error     = (*CoercionError)(nil)
	_ error     = (*UnknownTypeError)(nil)
	_ error     = (*UnsupportedTypeError)(nil)
	_ error     = (*SignatureMismatchError)(nil)
	_ error     = (*UnresolvedElementTypeError)(nil)
	_ error     = (*StaleHandleError)(nil)
	_ error     = (*TriggerContractError)(nil)
	_ SQLStater = (*CoercionError)(nil)
	_ SQLStater = (*StaleHandleError)(nil)
)

// CoercionError reports a failed conversion of one value.
type CoercionError struct {
	Oid       Oid
	TypeName  string
	Direction Direction
	Err       error
}

func (e *CoercionError) Error() string {
	name := e.TypeName
	if name == "" {
		name = "oid " + e.Oid.String()
	}
	return fmt.Sprintf("cannot convert %s (%s): %v", name, e.Direction, e.Err)
}

func (e *CoercionError) Unwrap() error { return e.Err }

func (e *CoercionError) SQLState() string {
	var s SQLStater
	if errors.As(e.Err, &s) {
		return s.SQLState()
	}
	return pgerrcode.DataException
}

// UnknownTypeError is returned for an Oid the catalog has never heard of.
type UnknownTypeError struct {
	Oid Oid
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("type with oid %d does not exist", e.Oid)
}

func (e *UnknownTypeError) SQLState() string { return pgerrcode.UndefinedObject }

// UnsupportedTypeError is returned for a type the catalog knows but that cannot
// cross the bridge, such as the internal pseudo-type.
type UnsupportedTypeError struct {
	Oid    Oid
	Name   string
	Reason string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("type %s (oid %d) is not supported: %s", e.Name, e.Oid, e.Reason)
}

func (e *UnsupportedTypeError) SQLState() string { return pgerrcode.FeatureNotSupported }

// SignatureMismatchError is returned when a declared managed type cannot carry
// the SQL type at that position.
type SignatureMismatchError struct {
	Function string
	// Position is the zero based parameter index, or -1 for the return value.
	Position int
	Declared string
	Oid      Oid
	Expected string
}

func (e *SignatureMismatchError) Error() string {
	where := "return type"
	if e.Position >= 0 {
		where = fmt.Sprintf("parameter %d", e.Position+1)
	}
	if e.Expected != "" {
		return fmt.Sprintf("function %s: %s declared as %s cannot carry oid %d (expected %s)", e.Function, where, e.Declared, e.Oid, e.Expected)
	}
	return fmt.Sprintf("function %s: %s declared as %s cannot carry oid %d", e.Function, where, e.Declared, e.Oid)
}

func (e *SignatureMismatchError) SQLState() string { return pgerrcode.InvalidFunctionDefinition }

// UnresolvedElementTypeError is returned when a container's element type has no
// usable mapping. It is never used for null elements.
type UnresolvedElementTypeError struct {
	ContainerOid Oid
	ElemOid      Oid
	Err          error
}

func (e *UnresolvedElementTypeError) Error() string {
	return fmt.Sprintf("element type %d of oid %d cannot be resolved: %v", e.ElemOid, e.ContainerOid, e.Err)
}

func (e *UnresolvedElementTypeError) Unwrap() error { return e.Err }

func (e *UnresolvedElementTypeError) SQLState() string { return pgerrcode.UndefinedObject }

// StaleHandleError is returned by every accessor of an invalidated native handle.
type StaleHandleError struct {
	Label string
}

func (e *StaleHandleError) Error() string {
	if e.Label == "" {
		return "native handle has been invalidated"
	}
	return fmt.Sprintf("native handle to %s has been invalidated", e.Label)
}

func (e *StaleHandleError) SQLState() string { return pgerrcode.ObjectNotInPrerequisiteState }

// TriggerContractError is raised when a routine used as a trigger does not follow
// the trigger calling convention.
type TriggerContractError struct {
	Function string
	Reason   string
}

func (e *TriggerContractError) Error() string {
	return fmt.Sprintf("function %s cannot be used as a trigger: %s", e.Function, e.Reason)
}

func (e *TriggerContractError) SQLState() string { return pgerrcode.TriggerProtocolViolated }

// IsStaleHandle reports whether err is, or wraps, a StaleHandleError.
func IsStaleHandle(err error) bool {
	var s *StaleHandleError
	return errors.As(err, &s)
}

// SQLStateOf returns the SQLSTATE carried by err, or the fallback.
func SQLStateOf(err error, fallback string) string {
	if IsNil(err) {
		return pgerrcode.SuccessfulCompletion
	}
	var s SQLStater
	if errors.As(err, &s) {
		if code := s.SQLState(); code != "" {
			return code
		}
	}
	return fallback
}

// IsNil checks if an interface is nil, including typed nil pointers, maps, slices
// and funcs.
func IsNil(i any) bool {
	if i == nil {
		return true
	}
	v := reflect.ValueOf(i)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return v.IsNil()
	}
	return false
}
