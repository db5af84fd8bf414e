package catalog

import (
	"fmt"

	"github.com/jackc/pgerrcode"

	"github.com/plbridge/plbridge/types"
)

var (
	_ error           = (*InvalidInputError)(nil)
	_ types.SQLStater = (*InvalidInputError)(nil)
	_ types.SQLStater = (*DomainError)(nil)
)

// InvalidInputError is returned by a type input function that cannot parse its text.
type InvalidInputError struct {
	TypeName string
	Input    string
	Err      error
}

func (e *InvalidInputError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("invalid input value for %s: %q", e.TypeName, e.Input)
	}
	return fmt.Sprintf("invalid input value for %s: %q: %v", e.TypeName, e.Input, e.Err)
}

func (e *InvalidInputError) Unwrap() error { return e.Err }

func (e *InvalidInputError) SQLState() string { return pgerrcode.InvalidTextRepresentation }

// DomainError reports a value rejected by a domain's constraints.
type DomainError struct {
	Domain string
	Reason string
	Code   string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("value for domain %s violates constraint: %s", e.Domain, e.Reason)
}

func (e *DomainError) SQLState() string { return e.Code }
