package api

import (
	"context"

	"github.com/jackc/pgerrcode"

	"github.com/plbridge/plbridge/internal/catalog"
	"github.com/plbridge/plbridge/internal/coerce"
	"github.com/plbridge/plbridge/pl"
	"github.com/plbridge/plbridge/types"
)

// triggerData is what a trigger method sees of one firing.
type triggerData struct {
	tg         *catalog.TriggerInfo
	table      string
	event      types.TriggerEvent
	old        *coerce.RowView
	new        *coerce.RowView
	suppressed bool
}

var _ pl.TriggerData = (*triggerData)(nil)

func (td *triggerData) Name() string { return td.tg.Name }

func (td *triggerData) TableName() string { return td.table }

func (td *triggerData) Event() types.TriggerEvent { return td.event }

func (td *triggerData) Arguments() []string { return append([]string(nil), td.tg.Args...) }

func (td *triggerData) Old() pl.Row {
	if td.old == nil {
		return nil
	}
	return td.old
}

func (td *triggerData) New() pl.WritableRow {
	if td.new == nil {
		return nil
	}
	return td.new
}

func (td *triggerData) Suppress() error {
	if !td.event.IsBefore() || !td.event.IsRow() {
		return pl.Errorf(pgerrcode.TriggerProtocolViolated, "only before row triggers can skip the operation, %s fired %s", td.tg.Name, td.event)
	}
	td.suppressed = true
	return nil
}

// FireTrigger runs the function of tg for one row or statement of rel. oldRow
// and newRow are the rows before and after the operation, nil where the event
// has none. A before row trigger returns the row to store, nil when it
// skipped the operation. Other triggers return nil.
func (d *Dispatcher) FireTrigger(ctx context.Context, tg *catalog.TriggerInfo, rel *catalog.RelationInfo, event types.TriggerEvent, oldRow, newRow *types.Tuple) (out *types.Tuple, err error) {
	f, err := d.lookup(ctx, tg.Function)
	if err != nil {
		return nil, d.translate(d.nameOf(tg.Function), err)
	}
	name := f.info.QualifiedName()
	t := d.track(name)
	t.to(Entered)
	defer func() {
		if err != nil {
			t.to(Failed)
			err = d.translate(name, err)
		}
	}()
	if f.fn != triggerFunction {
		return nil, &types.TriggerContractError{Function: name, Reason: "it does not return trigger"}
	}

	fr, leave, err := d.enter(name, f.perms, true)
	if err != nil {
		return nil, err
	}
	defer leave()

	td := &triggerData{tg: tg, table: rel.Name, event: event}
	if event.IsRow() {
		if oldRow != nil && !event.IsInsert() {
			if td.old, err = coerce.NewRowView(fr.env, oldRow, false); err != nil {
				return nil, err
			}
		}
		if newRow != nil && !event.IsDelete() {
			writable := event.IsBefore() && (event.IsInsert() || event.IsUpdate())
			if td.new, err = coerce.NewRowView(fr.env, newRow, writable); err != nil {
				return nil, err
			}
		}
	}
	t.to(ArgsCoerced)

	if _, err = d.callMethod(ctx, name, f.method, []any{pl.TriggerData(td)}); err != nil {
		return nil, err
	}
	t.to(Invoked)

	switch {
	case !event.IsBefore() || !event.IsRow():
	case td.suppressed:
		d.logger.Debug().Str("trigger", tg.Name).Str("table", rel.Name).Stringer("event", event).Msg("operation skipped by trigger")
	case td.new != nil:
		if out, err = td.new.Tuple(); err != nil {
			return nil, err
		}
	default:
		out = oldRow
	}
	t.to(ResultCoerced)
	t.to(Returned)
	return out, nil
}
