package pl

import (
	"context"

	"github.com/plbridge/plbridge/types"
)

// Session is the backend as seen from inside a call.
type Session interface {
	// Prepare creates a plan that lives until the end of the current call
	// unless it is saved.
	Prepare(ctx context.Context, sql string, argTypes ...types.Oid) (Plan, error)
	// Exec runs a statement and returns the number of affected rows.
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	// Query runs a query and returns all of its rows.
	Query(ctx context.Context, sql string, args ...any) ([]Row, error)
	// Log forwards a message to the backend log. Error and higher levels are
	// refused, return an error from the function instead.
	Log(level types.Level, msg string) error
	// Attributes is a key/value map whose changes become visible to other
	// calls when the transaction commits, and are dropped on abort.
	Attributes() Attributes
	AddTransactionListener(l TransactionListener) bool
	RemoveTransactionListener(l TransactionListener) bool
	AddSubTransactionListener(l SubTransactionListener) bool
	RemoveSubTransactionListener(l SubTransactionListener) bool
	// UserName is the name the session is authenticated as.
	UserName() string
}

// Plan is a prepared statement.
type Plan interface {
	Query(ctx context.Context, args ...any) (Cursor, error)
	Exec(ctx context.Context, args ...any) (int64, error)
	// Save keeps the plan beyond the current call. Saved plans live until
	// Close or the end of the session.
	Save() error
	IsSaved() bool
	Close() error
}

// Cursor walks the rows of a query. Rows fetched from it are valid until the
// cursor is closed or the call ends.
type Cursor interface {
	Columns() []string
	Fetch(n int) ([]Row, error)
	Close() error
}

type Attributes interface {
	Get(key string) (any, bool)
	Set(key string, v any)
	Remove(key string)
}

// TransactionListener is told about transaction boundaries. A listener may
// remove itself while being notified.
type TransactionListener interface {
	OnTransaction(event types.XactEvent) error
}

type SubTransactionListener interface {
	OnSubTransaction(event types.SubXact) error
}

// TransactionListenerFunc adapts a function to TransactionListener. Function
// values are not comparable, so wrap them in a pointer to register them.
type TransactionListenerFunc func(types.XactEvent) error

func (f *TransactionListenerFunc) OnTransaction(e types.XactEvent) error { return (*f)(e) }

type sessionKey struct{}

// WithSession returns a context carrying s.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom returns the session of the call ctx belongs to.
func SessionFrom(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}
