package config

import (
	"testing"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahdinosaur/ssb-archive/pkg/persistence/indexstore"
)

func TestSections_HaveStableSlugs(t *testing.T) {
	for slug, ctor := range map[string]func() (schema.Section, error){
		IndexSlug:    NewIndexSection,
		FeedLogSlug:  NewFeedLogSection,
		KeysSlug:     NewKeysSection,
		FollowerSlug: NewFollowerSection,
	} {
		s, err := ctor()
		require.NoError(t, err, slug)
		assert.Equal(t, slug, s.GetSlug())
	}
}

func TestIndexSettings_ResolveDSN(t *testing.T) {
	_, err := (&IndexSettings{}).ResolveDSN()
	require.ErrorIs(t, err, ErrNoIndex)

	dsn, err := (&IndexSettings{DB: "/var/lib/ssb/index.sqlite3"}).ResolveDSN()
	require.NoError(t, err)
	assert.Equal(t, indexstore.SQLiteIndexDSNForFile("/var/lib/ssb/index.sqlite3"), dsn)

	dsn, err = (&IndexSettings{DB: "ignored", DSN: "file:explicit.db"}).ResolveDSN()
	require.NoError(t, err)
	assert.Equal(t, "file:explicit.db", dsn)
}

func TestIndexSettings_OpenInMemory(t *testing.T) {
	store, err := (&IndexSettings{DSN: ":memory:", RefCacheSize: 16}).Open()
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestFeedLogSettings_Validate(t *testing.T) {
	require.ErrorIs(t, (&FeedLogSettings{}).Validate(), ErrNoFeedLog)
	require.NoError(t, (&FeedLogSettings{Path: "log.offset"}).Validate())
	require.NoError(t, (&FeedLogSettings{Path: "db", Backend: LogBackendPebble}).Validate())
	require.Error(t, (&FeedLogSettings{Path: "db", Backend: "leveldb"}).Validate())
}

func TestParseInterval(t *testing.T) {
	d, err := ParseInterval("", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	d, err = ParseInterval("250ms", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = ParseInterval("soon", time.Second)
	require.Error(t, err)
	_, err = ParseInterval("-1s", time.Second)
	require.Error(t, err)
}
