// Package spi lets functions run SQL against the backend's query engine while
// they execute. Statements go to an embedded sqlite database. Plans and rows
// handed to functions live in backend memory contexts and go stale with them.
package spi

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/plbridge/plbridge/internal/coerce"
	"github.com/plbridge/plbridge/pl"
	"github.com/plbridge/plbridge/types"
)

var (
	ErrNoCall = errors.New("SPI used outside of a function call")
	ErrClosed = errors.New("SPI executor is closed")
)

// EnvFunc returns the conversion environment of the running call.
type EnvFunc func() (*coerce.Env, error)

// Error is a failure reported by the query engine.
type Error struct {
	Code string
	Err  error
}

var _ types.SQLStater = (*Error)(nil)

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) SQLState() string { return e.Code }

// Executor runs statements on behalf of functions. Its sqlite transaction
// follows the backend transaction: it is opened by the first statement of a
// backend transaction and ends with it, savepoints map onto sqlite savepoints.
type Executor struct {
	db     *sql.DB
	env    EnvFunc
	active func() bool
	logger zerolog.Logger

	mu     sync.Mutex
	inTx   bool
	closed bool
}

var (
	_ pl.TransactionListener    = (*Executor)(nil)
	_ pl.SubTransactionListener = (*Executor)(nil)
)

// Open opens the engine described by opts. active reports whether a backend
// transaction is in progress.
func Open(opts types.SPIOptions, env EnvFunc, active func() bool, logger zerolog.Logger) (*Executor, error) {
	dsn := opts.DSN
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SPI database: %w", err)
	}
	// one connection, so that the in-memory database and the open
	// transaction are shared by every statement
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening SPI database: %w", err)
	}
	return &Executor{db: db, env: env, active: active, logger: logger.With().Str("module", "spi").Logger()}, nil
}

func (x *Executor) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	return x.db.Close()
}

// ensureTx opens the sqlite transaction when the backend has one.
func (x *Executor) ensureTx(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}
	if x.inTx || x.active == nil || !x.active() {
		return nil
	}
	if _, err := x.db.ExecContext(ctx, "BEGIN"); err != nil {
		return translate(err)
	}
	x.inTx = true
	return nil
}

func (x *Executor) endTx(stmt string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.inTx || x.closed {
		return nil
	}
	x.inTx = false
	if _, err := x.db.Exec(stmt); err != nil {
		return translate(err)
	}
	return nil
}

func (x *Executor) OnTransaction(e types.XactEvent) error {
	switch e {
	case types.XactCommit, types.XactPrepare, types.XactParallelCommit:
		return x.endTx("COMMIT")
	case types.XactAbort, types.XactParallelAbort:
		return x.endTx("ROLLBACK")
	}
	return nil
}

func (x *Executor) OnSubTransaction(e types.SubXact) error {
	name := fmt.Sprintf("plbridge_sp%d", e.Level)
	switch e.Event {
	case types.SubXactStart:
		if err := x.ensureTx(context.Background()); err != nil {
			return err
		}
		return x.exec("SAVEPOINT " + name)
	case types.SubXactCommit:
		return x.exec("RELEASE " + name)
	case types.SubXactAbort:
		if err := x.exec("ROLLBACK TO " + name); err != nil {
			return err
		}
		return x.exec("RELEASE " + name)
	}
	return nil
}

func (x *Executor) exec(stmt string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.inTx || x.closed {
		return nil
	}
	if _, err := x.db.Exec(stmt); err != nil {
		return translate(err)
	}
	return nil
}

// Exec runs a statement outside of any plan.
func (x *Executor) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	env, err := x.env()
	if err != nil {
		return 0, err
	}
	vals, err := driverArgs(env, nil, args)
	if err != nil {
		return 0, err
	}
	if err := x.ensureTx(ctx); err != nil {
		return 0, err
	}
	res, err := x.db.ExecContext(ctx, query, vals...)
	if err != nil {
		return 0, translate(err)
	}
	x.logger.Debug().Str("sql", query).Msg("exec")
	return res.RowsAffected()
}

// Query runs a query and returns its rows as views in the call's memory context.
func (x *Executor) Query(ctx context.Context, query string, args ...any) ([]pl.Row, error) {
	env, err := x.env()
	if err != nil {
		return nil, err
	}
	vals, err := driverArgs(env, nil, args)
	if err != nil {
		return nil, err
	}
	if err := x.ensureTx(ctx); err != nil {
		return nil, err
	}
	rows, err := x.db.QueryContext(ctx, query, vals...)
	if err != nil {
		return nil, translate(err)
	}
	_, tuples, err := readAll(env, rows)
	if err != nil {
		return nil, err
	}
	return views(env, tuples)
}

func views(env *coerce.Env, tuples []*types.Tuple) ([]pl.Row, error) {
	out := make([]pl.Row, len(tuples))
	for i, tup := range tuples {
		v, err := coerce.NewRowView(env, tup, false)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// readAll drains rows into tuples sharing one record descriptor, and closes rows.
func readAll(env *coerce.Env, rows *sql.Rows) (*types.TupleDesc, []*types.Tuple, error) {
	defer rows.Close()
	cols, err := rows.ColumnTypes()
	if err != nil {
		return nil, nil, translate(err)
	}
	var scanned [][]any
	for rows.Next() {
		dest := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, translate(err)
		}
		scanned = append(scanned, dest)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, translate(err)
	}

	attrs := make([]types.Attribute, len(cols))
	strategies := make([]coerce.Strategy, len(cols))
	for i, c := range cols {
		oid := types.InvalidOid
		if decl := c.DatabaseTypeName(); decl != "" {
			oid = OidOf(decl)
		} else {
			// expression columns have no declared type, go by the first value
			for _, row := range scanned {
				if row[i] != nil {
					oid = valueOid(row[i])
					break
				}
			}
		}
		if oid == types.InvalidOid {
			oid = types.TextOid
		}
		attrs[i] = types.Attribute{Name: c.Name(), TypeOid: oid}
		if strategies[i], err = env.Registry.Resolve(oid); err != nil {
			return nil, nil, err
		}
	}
	desc := types.NewTupleDesc(types.RecordOid, attrs...)

	out := make([]*types.Tuple, 0, len(scanned))
	for _, row := range scanned {
		values := make([]types.NullableDatum, len(cols))
		for i, v := range row {
			if values[i], err = coerce.Native(env, strategies[i], normalize(attrs[i].TypeOid, v)); err != nil {
				return nil, nil, err
			}
		}
		tup, err := types.NewTuple(desc, values...)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, tup)
	}
	return desc, out, nil
}

func valueOid(v any) types.Oid {
	switch v.(type) {
	case int64:
		return types.Int8Oid
	case float64:
		return types.Float8Oid
	case bool:
		return types.BoolOid
	case []byte:
		return types.ByteaOid
	case time.Time:
		return types.TimestamptzOid
	default:
		return types.TextOid
	}
}

// OidOf maps a declared sqlite column type onto a backend type. sqlite
// applies type affinity by substring, and so does this.
func OidOf(decl string) types.Oid {
	d := strings.ToUpper(decl)
	switch {
	case d == "BOOLEAN" || d == "BOOL":
		return types.BoolOid
	case d == "DATE":
		return types.DateOid
	case strings.HasPrefix(d, "TIMESTAMP") || d == "DATETIME":
		return types.TimestamptzOid
	case strings.Contains(d, "INT"):
		return types.Int8Oid
	case strings.Contains(d, "CHAR"), strings.Contains(d, "CLOB"), strings.Contains(d, "TEXT"):
		return types.TextOid
	case strings.Contains(d, "BLOB"):
		return types.ByteaOid
	case strings.Contains(d, "REAL"), strings.Contains(d, "FLOA"), strings.Contains(d, "DOUB"):
		return types.Float8Oid
	default:
		// expressions and NUMERIC affinity
		return types.TextOid
	}
}

// normalize adapts a scanned value to what the strategy of oid accepts.
func normalize(oid types.Oid, v any) any {
	switch oid {
	case types.BoolOid:
		if i, ok := v.(int64); ok {
			return i != 0
		}
	case types.TextOid:
		switch x := v.(type) {
		case []byte:
			return string(x)
		case int64, float64, bool:
			return fmt.Sprint(x)
		case time.Time:
			return x.Format(time.RFC3339Nano)
		}
	case types.Float8Oid:
		if i, ok := v.(int64); ok {
			return float64(i)
		}
	case types.ByteaOid:
		if s, ok := v.(string); ok {
			return []byte(s)
		}
	}
	return v
}

// driverArgs converts managed arguments to values the driver accepts. With
// declared types every argument is first checked against its type.
func driverArgs(env *coerce.Env, argTypes []types.Oid, args []any) ([]any, error) {
	if argTypes != nil && len(args) != len(argTypes) {
		return nil, &Error{Code: pgerrcode.UndefinedParameter, Err: fmt.Errorf("plan expects %d arguments, got %d", len(argTypes), len(args))}
	}
	out := make([]any, len(args))
	for i, a := range args {
		if types.IsNil(a) {
			continue
		}
		if argTypes == nil {
			out[i] = plain(a)
			continue
		}
		s, err := env.Registry.Resolve(argTypes[i])
		if err != nil {
			return nil, err
		}
		d, err := coerce.Native(env, s, a)
		if err != nil {
			return nil, err
		}
		m, err := coerce.Managed(env, s, d)
		if err != nil {
			return nil, err
		}
		out[i] = plain(m)
	}
	return out, nil
}

// plain turns managed values the driver does not know into text.
func plain(v any) any {
	switch x := v.(type) {
	case int, int8, int16, int32, int64, uint8, uint16, uint32, float32, float64, bool, string, []byte, time.Time:
		return x
	case types.Oid:
		return int64(x)
	case time.Duration:
		return x.String()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// translate attaches a SQLSTATE to engine errors.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if !errors.As(err, &se) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return &Error{Code: pgerrcode.QueryCanceled, Err: err}
		}
		return &Error{Code: pgerrcode.InternalError, Err: err}
	}
	code := pgerrcode.SyntaxErrorOrAccessRuleViolation
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		code = pgerrcode.UniqueViolation
	case sqlite3.SQLITE_CONSTRAINT_NOTNULL:
		code = pgerrcode.NotNullViolation
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		code = pgerrcode.ForeignKeyViolation
	case sqlite3.SQLITE_CONSTRAINT_CHECK:
		code = pgerrcode.CheckViolation
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		code = pgerrcode.LockNotAvailable
	case sqlite3.SQLITE_READONLY:
		code = pgerrcode.ReadOnlySQLTransaction
	default:
		if se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
			code = pgerrcode.IntegrityConstraintViolation
		}
	}
	return &Error{Code: code, Err: err}
}
