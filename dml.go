package plbridge

import (
	"context"

	"github.com/plbridge/plbridge/internal/catalog"
	"github.com/plbridge/plbridge/internal/heap"
	"github.com/plbridge/plbridge/types"
)

// CreateTable defines a relation and allocates its storage.
func (b *Backend) CreateTable(name string, attrs ...types.Attribute) (*catalog.RelationInfo, error) {
	rel, err := b.cat.CreateRelation(name, attrs...)
	if err != nil {
		return nil, err
	}
	b.heap.Create(rel.Oid, rel.Desc)
	return rel, nil
}

// CreateTrigger attaches a trigger function to a relation. The function must
// return trigger and keep to the trigger convention; both are checked here.
func (b *Backend) CreateTrigger(ctx context.Context, tg catalog.TriggerInfo) error {
	fn, err := b.cat.Function(tg.Function)
	if err != nil {
		return err
	}
	if fn.RetType != types.TriggerOid {
		return &types.TriggerContractError{Function: fn.QualifiedName(), Reason: "it does not return trigger"}
	}
	if err := b.d.Validate(ctx, tg.Function); err != nil {
		return err
	}
	if tg.Events&(types.TriggerBefore|types.TriggerAfter|types.TriggerInsteadOf) == 0 {
		tg.Events |= types.TriggerAfter
	}
	return b.cat.CreateTrigger(tg)
}

func (b *Backend) DropTrigger(rel types.Oid, name string) error {
	return b.cat.DropTrigger(rel, name)
}

// Rows returns the rows of rel in insertion order.
func (b *Backend) Rows(rel types.Oid) ([]heap.Tid, []*types.Tuple, error) {
	t, err := b.heap.Table(rel)
	if err != nil {
		return nil, nil, err
	}
	tids, rows := t.Rows()
	return tids, rows, nil
}

// Insert stores tup in rel, firing the relation's triggers. A before row
// trigger may change the stored row or skip the insert, in which case
// heap.InvalidTid is returned.
func (b *Backend) Insert(ctx context.Context, rel types.Oid, tup *types.Tuple) (tid heap.Tid, err error) {
	tid = heap.InvalidTid
	err = b.modify(ctx, rel, types.TriggerInsert, func(r *catalog.RelationInfo, t *heap.Table) error {
		stored, err := b.fireBefore(ctx, r, types.TriggerInsert, nil, tup)
		if err != nil || stored == nil {
			return err
		}
		if tid, err = t.Insert(stored); err != nil {
			return err
		}
		return b.fireAfter(ctx, r, types.TriggerInsert, nil, stored)
	})
	return tid, err
}

// Update replaces the row tid of rel with tup, firing the relation's
// triggers. It reports false when a before row trigger skipped the update.
func (b *Backend) Update(ctx context.Context, rel types.Oid, tid heap.Tid, tup *types.Tuple) (done bool, err error) {
	err = b.modify(ctx, rel, types.TriggerUpdate, func(r *catalog.RelationInfo, t *heap.Table) error {
		old, err := t.Get(tid)
		if err != nil {
			return err
		}
		stored, err := b.fireBefore(ctx, r, types.TriggerUpdate, old, tup)
		if err != nil || stored == nil {
			return err
		}
		if _, err := t.Update(tid, stored); err != nil {
			return err
		}
		done = true
		return b.fireAfter(ctx, r, types.TriggerUpdate, old, stored)
	})
	return done, err
}

// Delete removes the row tid of rel, firing the relation's triggers. It
// reports false when a before row trigger skipped the delete.
func (b *Backend) Delete(ctx context.Context, rel types.Oid, tid heap.Tid) (done bool, err error) {
	err = b.modify(ctx, rel, types.TriggerDelete, func(r *catalog.RelationInfo, t *heap.Table) error {
		old, err := t.Get(tid)
		if err != nil {
			return err
		}
		kept, err := b.fireBefore(ctx, r, types.TriggerDelete, old, nil)
		if err != nil || kept == nil {
			return err
		}
		if _, err := t.Delete(tid); err != nil {
			return err
		}
		done = true
		return b.fireAfter(ctx, r, types.TriggerDelete, old, nil)
	})
	return done, err
}

// modify runs one statement against rel with its statement level triggers
// around it.
func (b *Backend) modify(ctx context.Context, rel types.Oid, op types.TriggerEvent, stmt func(*catalog.RelationInfo, *heap.Table) error) error {
	r, err := b.cat.Relation(rel)
	if err != nil {
		return err
	}
	t, err := b.heap.Table(rel)
	if err != nil {
		return err
	}
	return b.implicit(func() error {
		if err := b.fireStatement(ctx, r, op, types.TriggerBefore); err != nil {
			return err
		}
		if err := stmt(r, t); err != nil {
			return err
		}
		return b.fireStatement(ctx, r, op, types.TriggerAfter)
	})
}

func (b *Backend) fireStatement(ctx context.Context, r *catalog.RelationInfo, op, timing types.TriggerEvent) error {
	for _, tg := range b.cat.Triggers(r.Oid, op, timing, false) {
		if _, err := b.d.FireTrigger(ctx, tg, r, op|timing, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// fireBefore runs the before row triggers in name order, each seeing the row
// the previous one returned. It returns the row to store, or for a delete the
// row to remove, nil once a trigger skipped the operation.
func (b *Backend) fireBefore(ctx context.Context, r *catalog.RelationInfo, op types.TriggerEvent, oldRow, newRow *types.Tuple) (*types.Tuple, error) {
	event := op | types.TriggerBefore | types.TriggerRow
	row := newRow
	if op == types.TriggerDelete {
		row = oldRow
	}
	for _, tg := range b.cat.Triggers(r.Oid, op, types.TriggerBefore, true) {
		var err error
		if op == types.TriggerDelete {
			row, err = b.d.FireTrigger(ctx, tg, r, event, row, nil)
		} else {
			row, err = b.d.FireTrigger(ctx, tg, r, event, oldRow, row)
		}
		if err != nil {
			return nil, err
		}
		if row == nil {
			b.logger.Debug().Str("trigger", tg.Name).Str("table", r.Name).Stringer("event", event).Msg("row skipped")
			return nil, nil
		}
	}
	return row, nil
}

func (b *Backend) fireAfter(ctx context.Context, r *catalog.RelationInfo, op types.TriggerEvent, oldRow, newRow *types.Tuple) error {
	event := op | types.TriggerAfter | types.TriggerRow
	for _, tg := range b.cat.Triggers(r.Oid, op, types.TriggerAfter, true) {
		if _, err := b.d.FireTrigger(ctx, tg, r, event, oldRow, newRow); err != nil {
			return err
		}
	}
	return nil
}
