package pl

import "github.com/plbridge/plbridge/types"

// TriggerData is passed to trigger functions, which have the signature
//
//	func(td TriggerData) error
//
// optionally with a leading context.Context.
type TriggerData interface {
	Name() string
	TableName() string
	Event() types.TriggerEvent
	Arguments() []string
	// Old is the row before the operation. It is nil for inserts and
	// statement-level triggers, and never writable.
	Old() Row
	// New is the row after the operation. It is nil for deletes and
	// statement-level triggers. It is writable only in before-row triggers for
	// inserts and updates, where its edits replace the row being stored.
	New() WritableRow
	// Suppress skips the operation for this row. Only before-row triggers may
	// suppress.
	Suppress() error
}
