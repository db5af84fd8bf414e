package spi

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/plbridge/plbridge/internal/coerce"
	"github.com/plbridge/plbridge/internal/handle"
	"github.com/plbridge/plbridge/internal/memory"
	"github.com/plbridge/plbridge/pl"
	"github.com/plbridge/plbridge/types"
)

var ErrCursorClosed = errors.New("cursor is closed")

// statement is the backend allocation behind a plan. Freeing it closes the
// prepared statement.
type statement struct {
	stmt   *sql.Stmt
	query  string
	logger zerolog.Logger
}

var _ memory.Releaser = (*statement)(nil)

func (s *statement) Release() { closeLogged(s.logger, s.query, s.stmt) }

// closeLogged closes c on behalf of a region reset, which has no caller to
// return the error to.
func closeLogged(logger zerolog.Logger, query string, c io.Closer) {
	if err := c.Close(); err != nil {
		logger.Warn().Err(err).Str("sql", query).Msg("closing prepared statement")
	}
}

// Plan is a prepared statement held through an owning handle. Until it is
// saved it lives in the memory context of the call that prepared it.
type Plan struct {
	x        *Executor
	query    string
	argTypes []types.Oid
	h        *handle.Handle

	mu    sync.Mutex
	saved bool
}

var _ pl.Plan = (*Plan)(nil)

// Prepare prepares query with the given parameter types.
func (x *Executor) Prepare(ctx context.Context, query string, argTypes ...types.Oid) (*Plan, error) {
	env, err := x.env()
	if err != nil {
		return nil, err
	}
	for _, oid := range argTypes {
		if _, err := env.Registry.Resolve(oid); err != nil {
			return nil, err
		}
	}
	stmt, err := x.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, translate(err)
	}
	h, err := env.Cache.New(env.Region, &statement{stmt: stmt, query: query, logger: x.logger}, "plan")
	if err != nil {
		stmt.Close()
		return nil, err
	}
	x.logger.Debug().Str("sql", query).Int("params", len(argTypes)).Msg("plan prepared")
	return &Plan{x: x, query: query, argTypes: append([]types.Oid(nil), argTypes...), h: h}, nil
}

func (p *Plan) stmt() (*sql.Stmt, error) {
	s, err := handle.Load[*statement](p.h)
	if err != nil {
		return nil, err
	}
	return s.stmt, nil
}

// SQL returns the text the plan was prepared from.
func (p *Plan) SQL() string { return p.query }

func (p *Plan) ArgTypes() []types.Oid { return append([]types.Oid(nil), p.argTypes...) }

// Handle exposes the plan's handle, mostly for tests.
func (p *Plan) Handle() *handle.Handle { return p.h }

func (p *Plan) prepareCall(ctx context.Context, args []any) (*coerce.Env, *sql.Stmt, []any, error) {
	stmt, err := p.stmt()
	if err != nil {
		return nil, nil, nil, err
	}
	env, err := p.x.env()
	if err != nil {
		return nil, nil, nil, err
	}
	vals, err := driverArgs(env, p.argTypes, args)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := p.x.ensureTx(ctx); err != nil {
		return nil, nil, nil, err
	}
	return env, stmt, vals, nil
}

func (p *Plan) Exec(ctx context.Context, args ...any) (int64, error) {
	_, stmt, vals, err := p.prepareCall(ctx, args)
	if err != nil {
		return 0, err
	}
	res, err := stmt.ExecContext(ctx, vals...)
	if err != nil {
		return 0, translate(err)
	}
	return res.RowsAffected()
}

// Query runs the plan and returns a cursor over its rows.
func (p *Plan) Query(ctx context.Context, args ...any) (pl.Cursor, error) {
	env, stmt, vals, err := p.prepareCall(ctx, args)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, vals...)
	if err != nil {
		return nil, translate(err)
	}
	desc, tuples, err := readAll(env, rows)
	if err != nil {
		return nil, err
	}
	return newCursor(env, desc, tuples)
}

// Save moves the plan to the top memory context, where it survives the call.
func (p *Plan) Save() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.saved {
		return nil
	}
	env, err := p.x.env()
	if err != nil {
		return err
	}
	if err := env.Cache.Move(p.h, env.Cache.System().Top()); err != nil {
		return err
	}
	p.saved = true
	return nil
}

func (p *Plan) IsSaved() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saved
}

// Close frees the plan ahead of its memory context.
func (p *Plan) Close() error {
	return p.h.Release()
}

// Cursor pages through the rows of a query. The rows it hands out live in a
// memory context of their own, a child of the call's context, which Close deletes.
type Cursor struct {
	env    *coerce.Env
	desc   *types.TupleDesc
	tuples []*types.Tuple
	pos    int
}

var _ pl.Cursor = (*Cursor)(nil)

func newCursor(env *coerce.Env, desc *types.TupleDesc, tuples []*types.Tuple) (*Cursor, error) {
	region, err := env.Region.NewChild("SPI cursor")
	if err != nil {
		return nil, err
	}
	scoped := *env
	scoped.Region = region
	return &Cursor{env: &scoped, desc: desc, tuples: tuples}, nil
}

func (c *Cursor) Columns() []string { return c.desc.Columns() }

// Fetch returns up to n further rows, every remaining row when n <= 0. An
// empty result means the cursor is exhausted.
func (c *Cursor) Fetch(n int) ([]pl.Row, error) {
	if c.env.Region.IsDeleted() {
		return nil, ErrCursorClosed
	}
	rest := c.tuples[c.pos:]
	if n > 0 && n < len(rest) {
		rest = rest[:n]
	}
	rows, err := views(c.env, rest)
	if err != nil {
		return nil, err
	}
	c.pos += len(rest)
	return rows, nil
}

// Close invalidates every row fetched from the cursor.
func (c *Cursor) Close() error {
	c.env.Region.Delete()
	return nil
}
