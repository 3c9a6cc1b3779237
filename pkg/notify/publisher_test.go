package notify

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahdinosaur/ssb-archive/pkg/feedlog"
	"github.com/ahdinosaur/ssb-archive/pkg/follower"
	"github.com/ahdinosaur/ssb-archive/pkg/persistence/indexstore"
)

func receive(t *testing.T, msgs <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-msgs:
		msg.Ack()
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestPublisher_ChunkCommitted(t *testing.T) {
	pub, ch := NewGoChannel("")
	defer func() { _ = pub.Close() }()
	assert.Equal(t, DefaultTopic, pub.Topic())

	msgs, err := ch.Subscribe(context.Background(), DefaultTopic)
	require.NoError(t, err)

	res := follower.BatchResult{
		Applied:   3,
		Skipped:   1,
		ByType:    map[string]int{"post": 3},
		Chunks:    1,
		Committed: true,
		First:     10,
		Last:      42,
	}
	published := make(chan error, 1)
	go func() { published <- pub.ChunkCommitted(context.Background(), res) }()

	msg := receive(t, msgs)
	require.NoError(t, <-published)
	assert.Equal(t, "10", msg.Metadata.Get(MetadataFirst))
	assert.Equal(t, "42", msg.Metadata.Get(MetadataLast))
	got, err := DecodeChunk(msg)
	require.NoError(t, err)
	assert.Equal(t, res, got)
}

func TestPublisher_WiredIntoPipeline(t *testing.T) {
	store, err := indexstore.OpenFile(filepath.Join(t.TempDir(), "index.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pub, ch := NewGoChannel("chunks")
	defer func() { _ = pub.Close() }()
	msgs, err := ch.Subscribe(context.Background(), "chunks")
	require.NoError(t, err)

	l := feedlog.NewMemoryLog([]byte(`not a message`), []byte(`nor this`), []byte(`or this`))
	p := follower.NewPipeline(store, follower.WithChunkSize(2), follower.WithNotifier(pub))
	done := make(chan error, 1)
	go func() {
		_, err := follower.New(l, p).CatchUp(context.Background())
		done <- err
	}()

	// chunks arrive in commit order
	positions := l.Positions()
	first, err := DecodeChunk(receive(t, msgs))
	require.NoError(t, err)
	assert.Equal(t, 2, first.Skipped)
	assert.Equal(t, positions[1], first.Last)

	second, err := DecodeChunk(receive(t, msgs))
	require.NoError(t, err)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, positions[2], second.First)

	require.NoError(t, <-done)
}

func TestPublisher_KeepsCommitOrderAcrossManyChunks(t *testing.T) {
	store, err := indexstore.OpenFile(filepath.Join(t.TempDir(), "index.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pub, ch := NewGoChannel("chunks")
	defer func() { _ = pub.Close() }()
	msgs, err := ch.Subscribe(context.Background(), "chunks")
	require.NoError(t, err)

	entries := make([][]byte, 40)
	for i := range entries {
		entries[i] = []byte(`garbage`)
	}
	l := feedlog.NewMemoryLog(entries...)
	p := follower.NewPipeline(store, follower.WithChunkSize(1), follower.WithNotifier(pub))
	done := make(chan error, 1)
	go func() {
		_, err := follower.New(l, p).CatchUp(context.Background())
		done <- err
	}()

	for _, pos := range l.Positions() {
		res, err := DecodeChunk(receive(t, msgs))
		require.NoError(t, err)
		require.Equal(t, pos, res.Last)
	}
	require.NoError(t, <-done)
}

func TestDecodeChunk_RejectsGarbage(t *testing.T) {
	_, err := DecodeChunk(message.NewMessage("x", []byte("{")))
	require.Error(t, err)
}

func TestSettings_Enabled(t *testing.T) {
	assert.False(t, Settings{}.Enabled())
	assert.True(t, Settings{RedisAddr: "localhost:6379"}.Enabled())
}

func TestNewSection(t *testing.T) {
	s, err := NewSection()
	require.NoError(t, err)
	assert.Equal(t, SectionSlug, s.GetSlug())
}
