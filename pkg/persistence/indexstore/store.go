// Package indexstore is the SQLite index derived from the message log.
//
// Every row in the store can be rebuilt from the log. When the schema version recorded in the
// database does not match SchemaVersion the store wipes itself and starts from an empty index.
package indexstore

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed    = errors.New("index store: closed")
	ErrIntegrity = errors.New("index store: integrity check failed")
)

const DefaultRefCacheSize = 100000

type Options struct {
	// RefCacheSize bounds the identifier -> surrogate id cache. Zero uses the default.
	RefCacheSize int
}

type Option func(*Options)

func WithRefCacheSize(n int) Option {
	return func(o *Options) { o.RefCacheSize = n }
}

type SQLiteIndexStore struct {
	dsn  string
	path string

	mu   sync.Mutex
	db   *sql.DB
	refs *lru.Cache[string, int64]

	// rebuilt is set when Open found an out of date schema and reset the store.
	rebuilt bool
}

// SQLiteIndexDSNForFile builds the DSN used for an index file.
func SQLiteIndexDSNForFile(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_sync=OFF", path)
}

// Open opens (creating if needed) the index at dsn and brings its schema up to date.
func Open(dsn string, opts ...Option) (*SQLiteIndexStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("index store: empty dsn")
	}
	o := Options{RefCacheSize: DefaultRefCacheSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.RefCacheSize <= 0 {
		o.RefCacheSize = DefaultRefCacheSize
	}
	refs, err := lru.New[string, int64](o.RefCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "index store: ref cache")
	}

	s := &SQLiteIndexStore{dsn: dsn, refs: refs}
	s.path, _ = dbPathFromDSN(dsn)
	if err := s.open(); err != nil {
		return nil, err
	}
	if err := s.migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// OpenFile opens the index stored in the file at path.
func OpenFile(path string, opts ...Option) (*SQLiteIndexStore, error) {
	return Open(SQLiteIndexDSNForFile(path), opts...)
}

func (s *SQLiteIndexStore) open() error {
	db, err := sql.Open("sqlite3", s.dsn)
	if err != nil {
		return errors.Wrap(err, "index store: open")
	}
	if s.path == "" {
		// every pooled connection to a private in-memory database sees a different database
		db.SetMaxOpenConns(1)
	}
	s.db = db
	return nil
}

// dbPathFromDSN extracts the file path from a sqlite DSN, if it names one.
func dbPathFromDSN(dsn string) (string, bool) {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		if strings.Contains(p[i:], "mode=memory") {
			return "", false
		}
		p = p[:i]
	}
	if p == "" || p == ":memory:" {
		return "", false
	}
	return p, true
}

func (s *SQLiteIndexStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// DB exposes the underlying handle for read-only tooling.
func (s *SQLiteIndexStore) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// Rebuilt reports whether Open wiped an out of date index.
func (s *SQLiteIndexStore) Rebuilt() bool { return s.rebuilt }

func (s *SQLiteIndexStore) handle() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	return s.db, nil
}

// Latest returns the highest log position applied to the index, or ok=false when the index is
// empty.
func (s *SQLiteIndexStore) Latest(ctx context.Context) (uint64, bool, error) {
	db, err := s.handle()
	if err != nil {
		return 0, false, err
	}
	var latest sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(log_seq) FROM msgs`).Scan(&latest); err != nil {
		return 0, false, errors.Wrap(err, "index store: latest")
	}
	if !latest.Valid {
		return 0, false, nil
	}
	return uint64(latest.Int64), true, nil
}

// CheckIntegrity runs sqlite's structural integrity check. It never repairs anything; the only
// recovery is deleting the index and rebuilding it from the log.
func (s *SQLiteIndexStore) CheckIntegrity(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	var res string
	if err := db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&res); err != nil {
		return errors.Wrap(ErrIntegrity, err.Error())
	}
	if res != "ok" {
		return errors.Wrap(ErrIntegrity, res)
	}
	return nil
}

func removeDBFiles(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "index store: remove %s", p)
		}
	}
	log.Debug().Str("path", path).Msg("removed index database files")
	return nil
}

func uint64ToInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, errors.Errorf("value %d overflows int64", v)
	}
	return int64(v), nil
}
