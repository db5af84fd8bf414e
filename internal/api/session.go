package api

import (
	"context"

	"github.com/jackc/pgerrcode"
	"github.com/rs/zerolog"

	"github.com/plbridge/plbridge/internal/spi"
	"github.com/plbridge/plbridge/internal/txn"
	"github.com/plbridge/plbridge/pl"
	"github.com/plbridge/plbridge/types"
)

// Session is the pl.Session handed to methods. Statements go to the SPI
// executor, attributes and listeners to the transaction manager.
type Session struct {
	d        *Dispatcher
	spi      *spi.Executor
	txn      *txn.Manager
	minLevel types.Level
	user     string
	logger   zerolog.Logger
}

var _ pl.Session = (*Session)(nil)

func NewSession(d *Dispatcher, x *spi.Executor, mgr *txn.Manager, minLevel types.Level, user string, logger zerolog.Logger) *Session {
	return &Session{
		d:        d,
		spi:      x,
		txn:      mgr,
		minLevel: minLevel,
		user:     user,
		logger:   logger.With().Str("module", "session").Logger(),
	}
}

// checkSPI refuses SPI to functions whose bundle did not ask for it.
func (s *Session) checkSPI() error {
	if s.d.Allows(types.PermissionSPI) {
		return nil
	}
	return pl.Errorf(pgerrcode.InsufficientPrivilege, "function %s may not run statements, its bundle lacks the %q permission",
		s.d.CurrentFunction(), types.PermissionSPI)
}

func (s *Session) Prepare(ctx context.Context, query string, argTypes ...types.Oid) (pl.Plan, error) {
	if err := s.checkSPI(); err != nil {
		return nil, err
	}
	p, err := s.spi.Prepare(ctx, query, argTypes...)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Session) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	if err := s.checkSPI(); err != nil {
		return 0, err
	}
	return s.spi.Exec(ctx, query, args...)
}

func (s *Session) Query(ctx context.Context, query string, args ...any) ([]pl.Row, error) {
	if err := s.checkSPI(); err != nil {
		return nil, err
	}
	return s.spi.Query(ctx, query, args...)
}

// Log writes msg at the zerolog level closest to level. Messages below the
// configured minimum are dropped.
func (s *Session) Log(level types.Level, msg string) error {
	if !level.Loggable() {
		return types.ErrLevelNotLoggable
	}
	if level < s.minLevel {
		return nil
	}
	ev := s.logger.WithLevel(zerologLevel(level)).Str("elevel", level.String())
	if fn := s.d.CurrentFunction(); fn != "" {
		ev = ev.Str("function", fn)
	}
	ev.Msg(msg)
	return nil
}

func zerologLevel(l types.Level) zerolog.Level {
	switch {
	case l <= types.Debug2:
		return zerolog.TraceLevel
	case l == types.Debug1:
		return zerolog.DebugLevel
	case l <= types.Notice:
		return zerolog.InfoLevel
	default:
		return zerolog.WarnLevel
	}
}

func (s *Session) Attributes() pl.Attributes { return s.txn.Attributes() }

func (s *Session) AddTransactionListener(l pl.TransactionListener) bool {
	return s.txn.Listeners().Register(l)
}

func (s *Session) RemoveTransactionListener(l pl.TransactionListener) bool {
	return s.txn.Listeners().Unregister(l)
}

func (s *Session) AddSubTransactionListener(l pl.SubTransactionListener) bool {
	return s.txn.SubListeners().Register(l)
}

func (s *Session) RemoveSubTransactionListener(l pl.SubTransactionListener) bool {
	return s.txn.SubListeners().Unregister(l)
}

func (s *Session) UserName() string { return s.user }
