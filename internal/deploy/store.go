// Package deploy keeps the catalog of installed code bundles and the
// per-schema classpaths used to resolve function implementations.
package deploy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/rs/zerolog"
	"github.com/shamaton/msgpack/v2"
	"golang.org/x/sys/unix"

	"github.com/plbridge/plbridge/types"
)

var (
	ErrBundleExists   = errors.New("bundle already installed")
	ErrBundleNotFound = errors.New("bundle not installed")
	ErrInvalidName    = errors.New("invalid bundle name")
)

// Kind tells how a bundle's code is executed.
type Kind string

const (
	// KindGo bundles are registered in-process, only their metadata is stored.
	KindGo Kind = "go"
	// KindWasm bundles carry their module bytes.
	KindWasm Kind = "wasm"
)

// Bundle is one installed code bundle.
type Bundle struct {
	Name        string             `msgpack:"name"`
	Kind        Kind               `msgpack:"kind"`
	Checksum    []byte             `msgpack:"checksum"`
	Code        []byte             `msgpack:"code,omitempty"`
	Permissions []types.Permission `msgpack:"permissions"`
	// Deployed records whether the bundle's deployment actions ran on install.
	Deployed    bool  `msgpack:"deployed"`
	InstalledAt int64 `msgpack:"installed_at"`
}

var (
	bundlePrefix    = []byte("b/")
	classpathPrefix = []byte("c/")
)

func bundleKey(name string) []byte    { return append(append([]byte{}, bundlePrefix...), name...) }
func classpathKey(schema string) []byte { return append(append([]byte{}, classpathPrefix...), schema...) }

// prefixEnd returns the first key after every key starting with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	end[len(end)-1]++
	return end
}

// Store persists bundles and classpaths in a cometbft-db database. With a base
// directory it holds an exclusive lock on that directory for its lifetime.
type Store struct {
	db       dbm.DB
	lockfile *os.File
	logger   zerolog.Logger
	mu       sync.Mutex
}

// Open opens the catalog described by opts. An empty BaseDir gives an
// in-memory catalog.
func Open(opts types.CatalogOptions, logger zerolog.Logger) (*Store, error) {
	logger = logger.With().Str("module", "deploy").Logger()
	if opts.BaseDir == "" {
		return &Store{db: dbm.NewMemDB(), logger: logger}, nil
	}
	base := opts.BaseDir
	if strings.Contains(base, ":") && runtime.GOOS != "windows" {
		return nil, fmt.Errorf("invalid base directory: %s", base)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("could not create base directory: %w", err)
	}
	lockPath := filepath.Join(base, "exclusive.lock")
	lf, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("could not open exclusive.lock: %w", err)
	}
	if _, err := lf.WriteString("exclusive lock for plbridge catalog\n"); err != nil {
		lf.Close()
		return nil, fmt.Errorf("error writing to exclusive.lock: %w", err)
	}
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lf.Close()
		return nil, fmt.Errorf("could not lock exclusive.lock; is another backend running? %w", err)
	}
	backend := dbm.BackendType(opts.Backend)
	if backend == "" {
		backend = dbm.GoLevelDBBackend
	}
	db, err := dbm.NewDB("bundles", backend, base)
	if err != nil {
		lf.Close()
		return nil, fmt.Errorf("could not open bundle catalog: %w", err)
	}
	logger.Debug().Str("dir", base).Str("backend", string(backend)).Msg("bundle catalog opened")
	return &Store{db: db, lockfile: lf, logger: logger}, nil
}

// Close releases the database and the directory lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Close()
	if s.lockfile != nil {
		s.lockfile.Close()
		s.lockfile = nil
	}
	return err
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, ":/ \t\n") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func (s *Store) getLocked(name string) (*Bundle, error) {
	bz, err := s.db.Get(bundleKey(name))
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return nil, fmt.Errorf("%w: %s", ErrBundleNotFound, name)
	}
	var b Bundle
	if err := msgpack.Unmarshal(bz, &b); err != nil {
		return nil, fmt.Errorf("corrupt catalog entry for bundle %s: %w", name, err)
	}
	return &b, nil
}

func (s *Store) putLocked(b *Bundle) error {
	if b.InstalledAt == 0 {
		b.InstalledAt = time.Now().Unix()
	}
	bz, err := msgpack.Marshal(b)
	if err != nil {
		return fmt.Errorf("could not encode bundle %s: %w", b.Name, err)
	}
	return s.db.SetSync(bundleKey(b.Name), bz)
}

// Install adds a new bundle. The name must not be in use.
func (s *Store) Install(b Bundle) error {
	if err := validName(b.Name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.db.Has(bundleKey(b.Name))
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %s", ErrBundleExists, b.Name)
	}
	if err := s.putLocked(&b); err != nil {
		return err
	}
	s.logger.Info().Str("bundle", b.Name).Str("kind", string(b.Kind)).Int("size", len(b.Code)).Msg("bundle installed")
	return nil
}

// Replace swaps the contents of an installed bundle. Classpaths naming it keep
// pointing at the new contents.
func (s *Store) Replace(b Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.getLocked(b.Name); err != nil {
		return err
	}
	b.InstalledAt = 0
	if err := s.putLocked(&b); err != nil {
		return err
	}
	s.logger.Info().Str("bundle", b.Name).Msg("bundle replaced")
	return nil
}

// Upsert installs or replaces b.
func (s *Store) Upsert(b Bundle) error {
	if err := validName(b.Name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(&b)
}

// Remove deletes a bundle and drops it from every classpath. It returns the
// removed bundle.
func (s *Store) Remove(name string) (*Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.getLocked(name)
	if err != nil {
		return nil, err
	}
	paths, err := s.classpathsLocked()
	if err != nil {
		return nil, err
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(bundleKey(name)); err != nil {
		return nil, err
	}
	for schema, path := range paths {
		kept := path[:0:0]
		for _, p := range path {
			if p != name {
				kept = append(kept, p)
			}
		}
		if len(kept) == len(path) {
			continue
		}
		if err := s.writeClasspath(batch, schema, kept); err != nil {
			return nil, err
		}
	}
	if err := batch.WriteSync(); err != nil {
		return nil, err
	}
	s.logger.Info().Str("bundle", name).Msg("bundle removed")
	return b, nil
}

// Get returns the bundle called name.
func (s *Store) Get(name string) (*Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(name)
}

// List returns every bundle ordered by name.
func (s *Store) List() ([]*Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, err := s.db.Iterator(bundlePrefix, prefixEnd(bundlePrefix))
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []*Bundle
	for ; it.Valid(); it.Next() {
		var b Bundle
		if err := msgpack.Unmarshal(it.Value(), &b); err != nil {
			return nil, fmt.Errorf("corrupt catalog entry %q: %w", it.Key(), err)
		}
		out = append(out, &b)
	}
	return out, it.Error()
}

// SetClasspath sets the bundles searched, in order, for functions of schema.
// Every bundle must be installed. An empty path clears the classpath.
func (s *Store) SetClasspath(schema string, path []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range path {
		ok, err := s.db.Has(bundleKey(name))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrBundleNotFound, name)
		}
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := s.writeClasspath(batch, schema, path); err != nil {
		return err
	}
	if err := batch.WriteSync(); err != nil {
		return err
	}
	s.logger.Debug().Str("schema", schema).Strs("path", path).Msg("classpath set")
	return nil
}

func (s *Store) writeClasspath(batch dbm.Batch, schema string, path []string) error {
	if len(path) == 0 {
		return batch.Delete(classpathKey(schema))
	}
	bz, err := msgpack.Marshal(path)
	if err != nil {
		return err
	}
	return batch.Set(classpathKey(schema), bz)
}

// Classpath returns the classpath of schema, nil when none is set.
func (s *Store) Classpath(schema string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bz, err := s.db.Get(classpathKey(schema))
	if err != nil || bz == nil {
		return nil, err
	}
	var path []string
	if err := msgpack.Unmarshal(bz, &path); err != nil {
		return nil, fmt.Errorf("corrupt classpath for schema %s: %w", schema, err)
	}
	return path, nil
}

// Classpaths returns every classpath by schema.
func (s *Store) Classpaths() (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.classpathsLocked()
}

func (s *Store) classpathsLocked() (map[string][]string, error) {
	it, err := s.db.Iterator(classpathPrefix, prefixEnd(classpathPrefix))
	if err != nil {
		return nil, err
	}
	defer it.Close()
	out := make(map[string][]string)
	for ; it.Valid(); it.Next() {
		var path []string
		if err := msgpack.Unmarshal(it.Value(), &path); err != nil {
			return nil, fmt.Errorf("corrupt classpath %q: %w", it.Key(), err)
		}
		out[string(it.Key()[len(classpathPrefix):])] = path
	}
	return out, it.Error()
}

// ParseClasspath splits "a:b:c" into bundle names, dropping empty entries.
func ParseClasspath(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ":") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FormatClasspath joins bundle names with ':'.
func FormatClasspath(path []string) string {
	return strings.Join(path, ":")
}

// SortedSchemas returns the keys of paths in order.
func SortedSchemas(paths map[string][]string) []string {
	out := make([]string, 0, len(paths))
	for k := range paths {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
