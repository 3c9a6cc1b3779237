// Package config defines the glazed sections the ssb-archive commands share: where the index and
// the message log live, which keys decrypt private messages and how the follower reads.
package config

import (
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/pkg/errors"

	"github.com/ahdinosaur/ssb-archive/pkg/follower"
	"github.com/ahdinosaur/ssb-archive/pkg/persistence/indexstore"
)

// EnvPrefix prefixes the environment variables every flag can be set from
// (SSB_ARCHIVE_INDEX_DB for --index-db).
const EnvPrefix = "SSB_ARCHIVE"

const (
	IndexSlug    = "index"
	FeedLogSlug  = "feed-log"
	KeysSlug     = "keys"
	FollowerSlug = "follower"
)

const (
	LogBackendOffset = "offset"
	LogBackendPebble = "pebble"
)

var (
	ErrNoIndex   = errors.New("config: no index configured (set --index-db or --index-dsn)")
	ErrNoFeedLog = errors.New("config: no message log configured (set --feed-log)")
)

// IndexSettings locates the SQLite index.
type IndexSettings struct {
	DB           string `glazed:"index-db"`
	DSN          string `glazed:"index-dsn"`
	RefCacheSize int    `glazed:"ref-cache-size"`
}

func NewIndexSection() (schema.Section, error) {
	return schema.NewSection(
		IndexSlug,
		"SQLite index",
		schema.WithFields(
			fields.New("index-db", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("SQLite index file (DSN derived with WAL/busy_timeout)")),
			fields.New("index-dsn", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("SQLite DSN for the index (preferred over index-db)")),
			fields.New("ref-cache-size", fields.TypeInteger,
				fields.WithDefault(indexstore.DefaultRefCacheSize),
				fields.WithHelp("Identifier cache size")),
		),
	)
}

// ResolveDSN returns the explicit DSN when set, otherwise a WAL DSN for the index file.
func (s *IndexSettings) ResolveDSN() (string, error) {
	if s.DSN != "" {
		return s.DSN, nil
	}
	if s.DB == "" {
		return "", ErrNoIndex
	}
	return indexstore.SQLiteIndexDSNForFile(s.DB), nil
}

// Open opens the index the settings point at.
func (s *IndexSettings) Open() (*indexstore.SQLiteIndexStore, error) {
	dsn, err := s.ResolveDSN()
	if err != nil {
		return nil, err
	}
	var opts []indexstore.Option
	if s.RefCacheSize > 0 {
		opts = append(opts, indexstore.WithRefCacheSize(s.RefCacheSize))
	}
	return indexstore.Open(dsn, opts...)
}

// FeedLogSettings locates the message log the index follows.
type FeedLogSettings struct {
	Path    string `glazed:"feed-log"`
	Backend string `glazed:"feed-log-backend"`
}

func NewFeedLogSection() (schema.Section, error) {
	return schema.NewSection(
		FeedLogSlug,
		"Message log",
		schema.WithFields(
			fields.New("feed-log", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Message log: a flume log.offset file or a pebble directory")),
			fields.New("feed-log-backend", fields.TypeChoice,
				fields.WithChoices(LogBackendOffset, LogBackendPebble),
				fields.WithDefault(LogBackendOffset),
				fields.WithHelp("Message log backend")),
		),
	)
}

func (s *FeedLogSettings) Validate() error {
	if s.Path == "" {
		return ErrNoFeedLog
	}
	switch s.Backend {
	case LogBackendOffset, LogBackendPebble, "":
		return nil
	default:
		return errors.Errorf("config: unknown log backend %q", s.Backend)
	}
}

// KeysSettings lists the secret files used to decrypt private messages.
type KeysSettings struct {
	Secrets []string `glazed:"secret"`
}

func NewKeysSection() (schema.Section, error) {
	return schema.NewSection(
		KeysSlug,
		"Decryption keys",
		schema.WithFields(
			fields.New("secret", fields.TypeStringList,
				fields.WithDefault([]string{}),
				fields.WithHelp("SSB secret file used to decrypt private messages (repeatable)")),
		),
	)
}

// FollowerSettings tunes how much of the log is read and committed at once.
type FollowerSettings struct {
	ChunkSize int `glazed:"chunk-size"`
	ReadLimit int `glazed:"read-limit"`
}

func NewFollowerSection() (schema.Section, error) {
	return schema.NewSection(
		FollowerSlug,
		"Follower",
		schema.WithFields(
			fields.New("chunk-size", fields.TypeInteger,
				fields.WithDefault(follower.DefaultChunkSize),
				fields.WithHelp("Log entries per index transaction")),
			fields.New("read-limit", fields.TypeInteger,
				fields.WithDefault(follower.DefaultReadLimit),
				fields.WithHelp("Log entries read per catch-up step")),
		),
	)
}

// ParseInterval reads a duration flag, falling back to def when it is empty.
func ParseInterval(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "config: invalid interval %q", s)
	}
	if d <= 0 {
		return 0, errors.Errorf("config: interval must be positive, got %s", s)
	}
	return d, nil
}
