package follower

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahdinosaur/ssb-archive/pkg/feedlog"
	"github.com/ahdinosaur/ssb-archive/pkg/persistence/indexstore"
	"github.com/ahdinosaur/ssb-archive/pkg/privatebox"
	"github.com/ahdinosaur/ssb-archive/pkg/ssbref"
)

func testMsg(i int) ssbref.Msg {
	var m ssbref.Msg
	m[0], m[1] = 'm', byte(i)
	return m
}

func testFeed(i int) ssbref.Feed {
	var f ssbref.Feed
	f[0], f[1] = 'f', byte(i)
	return f
}

func testEnvelope(key ssbref.Msg, author ssbref.Feed, seq uint64, content string) []byte {
	return []byte(fmt.Sprintf(`{"key":%q,"value":{"previous":null,"author":%q,"sequence":%d,`+
		`"timestamp":%d,"hash":"sha256","content":%s,"signature":"sig.sig.ed25519"},"timestamp":%d}`,
		key, author, seq, 1000+seq, content, 2000+seq))
}

func newTestStore(t *testing.T) (*indexstore.SQLiteIndexStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.sqlite3")
	s, err := indexstore.OpenFile(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func queryRowCount(t *testing.T, db *sql.DB, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.QueryRow(query, args...).Scan(&n))
	return n
}

// dumpRows renders every row of query as text so two indexes can be compared.
func dumpRows(t *testing.T, db *sql.DB, query string) []string {
	t.Helper()
	rows, err := db.Query(query)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()
	cols, err := rows.Columns()
	require.NoError(t, err)

	var out []string
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		require.NoError(t, rows.Scan(ptrs...))
		out = append(out, fmt.Sprint(vals...))
	}
	require.NoError(t, rows.Err())
	return out
}

func TestCatchUp_EndToEndScenario(t *testing.T) {
	store, _ := newTestStore(t)
	f, g := testFeed(1), testFeed(2)
	msg1 := testMsg(1)
	l := feedlog.NewMemoryLog(
		testEnvelope(msg1, f, 1, fmt.Sprintf(`{"type":"post","text":"hello","mentions":[{"link":%q}]}`, g)),
		testEnvelope(testMsg(2), f, 2, fmt.Sprintf(`{"type":"contact","contact":%q,"following":true}`, g)),
		testEnvelope(testMsg(3), f, 3, fmt.Sprintf(`{"type":"vote","vote":{"link":%q,"value":1}}`, msg1)),
	)

	fl := New(l, NewPipeline(store))
	res, err := fl.CatchUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, map[string]int{"post": 1, "contact": 1, "vote": 1}, res.ByType)

	db := store.DB()
	require.Equal(t, int64(3), queryRowCount(t, db, "SELECT COUNT(1) FROM msgs"))
	require.Equal(t, int64(1), queryRowCount(t, db, "SELECT COUNT(1) FROM feed_links"))
	require.Equal(t, int64(1), queryRowCount(t, db, `
		SELECT COUNT(1) FROM feed_links l
		JOIN msg_refs m ON m.id = l.link_from_msg_ref_id
		JOIN feed_refs r ON r.id = l.link_to_feed_ref_id
		WHERE m.msg_ref = ? AND r.feed_ref = ?`, msg1.String(), g.String()))
	require.Equal(t, int64(1), queryRowCount(t, db, `
		SELECT COUNT(1) FROM contacts c
		JOIN feed_refs a ON a.id = c.feed_ref_id
		JOIN feed_refs b ON b.id = c.contact_feed_ref_id
		WHERE a.feed_ref = ? AND b.feed_ref = ? AND c.state = 1`, f.String(), g.String()))
	require.Equal(t, int64(1), queryRowCount(t, db, "SELECT COUNT(1) FROM contacts"))
	require.Equal(t, int64(1), queryRowCount(t, db, `
		SELECT COUNT(1) FROM votes v
		JOIN feed_refs a ON a.id = v.link_from_feed_ref_id
		JOIN msg_refs m ON m.id = v.link_to_msg_ref_id
		WHERE a.feed_ref = ? AND m.msg_ref = ? AND v.value = 1`, f.String(), msg1.String()))
	require.Equal(t, int64(1), queryRowCount(t, db, "SELECT COUNT(1) FROM votes"))

	logLatest, _, err := l.Latest()
	require.NoError(t, err)
	indexLatest, ok, err := store.Latest(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, logLatest, indexLatest)

	state, _, err := fl.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CaughtUp, state)
}

func TestStep_EmptyLogAndIndexAreCaughtUp(t *testing.T) {
	store, _ := newTestStore(t)
	state, res, err := New(feedlog.NewMemoryLog(), NewPipeline(store)).Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CaughtUp, state)
	assert.False(t, res.Committed)
}

func TestStep_NeverReprocessesIndexedPosition(t *testing.T) {
	store, _ := newTestStore(t)
	l := feedlog.NewMemoryLog(
		testEnvelope(testMsg(1), testFeed(1), 1, `{"type":"post","text":"a"}`),
		testEnvelope(testMsg(2), testFeed(1), 2, `{"type":"post","text":"b"}`),
	)
	fl := New(l, NewPipeline(store))
	_, err := fl.CatchUp(context.Background())
	require.NoError(t, err)

	pos, err := l.Append(testEnvelope(testMsg(3), testFeed(1), 3, `{"type":"post","text":"c"}`))
	require.NoError(t, err)

	// a fresh follower has no in-process cursor and relies on the index alone
	state, res, err := New(l, NewPipeline(store)).Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Behind, state)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 0, res.Duplicates)
	assert.Equal(t, pos, res.First)
	assert.Equal(t, pos, res.Last)
}

func TestStep_NeverSkipsFirstEntryAfterGap(t *testing.T) {
	store, _ := newTestStore(t)
	l := feedlog.NewMemoryLog(
		testEnvelope(testMsg(1), testFeed(1), 1, `{"type":"post","text":"a"}`),
		testEnvelope(testMsg(2), testFeed(1), 2, `{"type":"post","text":"b"}`),
		testEnvelope(testMsg(3), testFeed(1), 3, `{"type":"post","text":"c"}`),
	)
	positions := l.Positions()

	// the index holds a position the log has no entry at, just before the second entry
	b, err := store.BeginBatch(context.Background())
	require.NoError(t, err)
	seeded := NewPipeline(store)
	rec, err := seeded.prepare(feedlog.Entry{
		Position: positions[1] - 1,
		Data:     testEnvelope(testMsg(9), testFeed(2), 1, `{"type":"post","text":"seed"}`),
	})
	require.NoError(t, err)
	_, err = b.Apply(context.Background(), rec)
	require.NoError(t, err)
	require.NoError(t, b.Commit())

	state, res, err := New(l, NewPipeline(store)).Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Behind, state)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, positions[1], res.First)

	seq, ok, err := store.GetMsgLogSeq(context.Background(), testMsg(2))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, positions[1], seq)
}

func TestStep_ReadLimitBoundsEachStep(t *testing.T) {
	store, _ := newTestStore(t)
	l := feedlog.NewMemoryLog()
	for i := 1; i <= 5; i++ {
		_, err := l.Append(testEnvelope(testMsg(i), testFeed(1), uint64(i), `{"type":"post","text":"x"}`))
		require.NoError(t, err)
	}
	fl := New(l, NewPipeline(store, WithChunkSize(1)), WithReadLimit(2))

	_, res, err := fl.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 2, res.Chunks)

	total, err := fl.CatchUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, total.Applied)
	assert.Equal(t, int64(5), queryRowCount(t, store.DB(), "SELECT COUNT(1) FROM msgs"))
}

func TestCatchUp_MalformedEntriesAreSkipped(t *testing.T) {
	store, _ := newTestStore(t)
	l := feedlog.NewMemoryLog(
		testEnvelope(testMsg(1), testFeed(1), 1, `{"type":"post","text":"ok"}`),
		[]byte(`{"key":"not a key"}`),
		testEnvelope(testMsg(2), testFeed(1), 2, `{"type":"post","text":"ok"}`),
		[]byte(`not json`),
	)
	fl := New(l, NewPipeline(store))
	res, err := fl.CatchUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 2, res.Skipped)

	res, err = fl.CatchUp(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Committed)
}

type stuckLog struct {
	*feedlog.MemoryLog
	latest uint64
}

func (s stuckLog) Latest() (uint64, bool, error) { return s.latest, true, nil }

func TestCatchUp_WaitsForFrameBeingWritten(t *testing.T) {
	store, _ := newTestStore(t)
	path := filepath.Join(t.TempDir(), "log.offset")
	w, err := feedlog.CreateOffsetWriter(path)
	require.NoError(t, err)
	_, err = w.Append(testEnvelope(testMsg(1), testFeed(1), 1, `{"type":"post","text":"a"}`))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	fi, err := os.Stat(path)
	require.NoError(t, err)
	secondPos := uint64(fi.Size())
	second, err := feedlog.EncodeFrame(nil, secondPos,
		testEnvelope(testMsg(2), testFeed(1), 2, `{"type":"post","text":"b"}`))
	require.NoError(t, err)

	appendBytes := func(b []byte) {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		require.NoError(t, err)
		_, err = f.Write(b)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}
	appendBytes(second[:len(second)/2])

	l, err := feedlog.OpenOffsetLog(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	fl := New(l, NewPipeline(store))

	res, err := fl.CatchUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, uint64(0), res.Last)

	appendBytes(second[len(second)/2:])
	res, err = fl.CatchUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, secondPos, res.Last)
}

// flakyTailLog fails every read after yielding its first good entries.
type flakyTailLog struct {
	*feedlog.MemoryLog
	good int
}

func (l flakyTailLog) ReadFrom(start uint64) feedlog.Iterator {
	return &flakyTailIterator{Iterator: l.MemoryLog.ReadFrom(start), left: l.good}
}

type flakyTailIterator struct {
	feedlog.Iterator
	left int
	err  error
}

func (it *flakyTailIterator) Next() bool {
	if it.left == 0 {
		it.err = errors.New("read failed")
		return false
	}
	it.left--
	return it.Iterator.Next()
}

func (it *flakyTailIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.Iterator.Err()
}

func TestStep_AppliesEntriesReadBeforeLogError(t *testing.T) {
	store, _ := newTestStore(t)
	mem := feedlog.NewMemoryLog(
		testEnvelope(testMsg(1), testFeed(1), 1, `{"type":"post","text":"a"}`),
		testEnvelope(testMsg(2), testFeed(1), 2, `{"type":"post","text":"b"}`),
		testEnvelope(testMsg(3), testFeed(1), 3, `{"type":"post","text":"c"}`),
	)

	state, res, err := New(flakyTailLog{MemoryLog: mem, good: 2}, NewPipeline(store)).Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Behind, state)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, mem.Positions()[1], res.Last)

	_, _, err = New(flakyTailLog{MemoryLog: mem, good: 0}, NewPipeline(store)).Step(context.Background())
	require.Error(t, err)
}

func TestStep_NoProgressWhenLogYieldsNothing(t *testing.T) {
	store, _ := newTestStore(t)
	l := stuckLog{MemoryLog: feedlog.NewMemoryLog(), latest: 500}
	_, _, err := New(l, NewPipeline(store)).Step(context.Background())
	require.ErrorIs(t, err, ErrNoProgress)
}

func TestPipeline_FailedChunkIsRolledBack(t *testing.T) {
	store, _ := newTestStore(t)
	var entries []feedlog.Entry
	l := feedlog.NewMemoryLog()
	for i := 1; i <= 4; i++ {
		data := testEnvelope(testMsg(i), testFeed(1), uint64(i), `{"type":"post","text":"x"}`)
		pos, err := l.Append(data)
		require.NoError(t, err)
		entries = append(entries, feedlog.Entry{Position: pos, Data: data})
	}

	injected := errors.New("disk on fire")
	p := NewPipeline(store, WithChunkSize(2))
	p.afterApply = func(e feedlog.Entry) error {
		if e.Position == entries[3].Position {
			return injected
		}
		return nil
	}

	res, err := p.Apply(context.Background(), entries)
	require.Error(t, err)
	require.ErrorIs(t, err, injected)
	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, entries[3].Position, applyErr.Position)
	assert.Equal(t, 2, res.Applied)

	latest, ok, err := store.Latest(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entries[1].Position, latest)
	for _, i := range []int{3, 4} {
		_, ok, err := store.GetMsgLogSeq(context.Background(), testMsg(i))
		require.NoError(t, err)
		assert.False(t, ok, "message %d", i)
	}
	assert.Equal(t, int64(2), queryRowCount(t, store.DB(), "SELECT COUNT(1) FROM posts"))
	assert.Equal(t, int64(2), queryRowCount(t, store.DB(), "SELECT COUNT(1) FROM msg_refs"))
}

func testKeys(t *testing.T, seed byte) (privatebox.SecretKey, privatebox.PublicKey) {
	t.Helper()
	priv := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize))
	sk := privatebox.SecretKeyFromEd25519(priv)
	pk, err := sk.Public()
	require.NoError(t, err)
	return sk, pk
}

func boxedContent(t *testing.T, plaintext string, recipients ...privatebox.PublicKey) string {
	t.Helper()
	ct, err := privatebox.Seal([]byte(plaintext), recipients)
	require.NoError(t, err)
	return `"` + base64.StdEncoding.EncodeToString(ct) + `.box"`
}

func TestDecryptContent(t *testing.T) {
	sk, pk := testKeys(t, 1)
	other, _ := testKeys(t, 2)
	content := boxedContent(t, `{"type":"post","text":"psst"}`, pk)

	plain, ok := DecryptContent([]byte(content), []privatebox.SecretKey{other, sk})
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"post","text":"psst"}`, string(plain))

	_, ok = DecryptContent([]byte(content), []privatebox.SecretKey{other})
	assert.False(t, ok)
	_, ok = DecryptContent([]byte(content), nil)
	assert.False(t, ok)
	_, ok = DecryptContent([]byte(`"bm90IGJveGVk"`), []privatebox.SecretKey{sk})
	assert.False(t, ok)
	_, ok = DecryptContent([]byte(`{"type":"post"}`), []privatebox.SecretKey{sk})
	assert.False(t, ok)
}

func TestPipeline_DecryptOnRebuildMatchesFirstPass(t *testing.T) {
	sk, pk := testKeys(t, 1)
	_, strangerPK := testKeys(t, 3)
	f, g := testFeed(1), testFeed(2)
	private := boxedContent(t,
		fmt.Sprintf(`{"type":"post","text":"secret","mentions":[{"link":%q}],"recps":[%q]}`, g, f), pk)
	l := feedlog.NewMemoryLog(
		testEnvelope(testMsg(1), f, 1, `{"type":"post","text":"public"}`),
		testEnvelope(testMsg(2), f, 2, private),
		testEnvelope(testMsg(3), f, 3, boxedContent(t, `{"type":"contact","contact":"x"}`, strangerPK)),
	)
	ctx := context.Background()
	keys := []privatebox.SecretKey{sk}

	firstPass, _ := newTestStore(t)
	_, err := New(l, NewPipeline(firstPass, WithKeys(keys))).CatchUp(ctx)
	require.NoError(t, err)

	rebuilt, path := newTestStore(t)
	res, err := New(l, NewPipeline(rebuilt)).CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Decrypted)
	assert.Equal(t, 2, res.Encrypted)
	require.Equal(t, int64(1), queryRowCount(t, rebuilt.DB(), "SELECT COUNT(1) FROM posts"))

	// rebuild with the key now available
	require.NoError(t, rebuilt.Close())
	for _, suffix := range []string{"", "-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
	rebuilt, err = indexstore.OpenFile(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rebuilt.Close() })
	res, err = New(l, NewPipeline(rebuilt, WithKeys(keys))).CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Decrypted)

	for _, q := range []string{
		`SELECT m.log_seq, r.msg_ref, m.feed_seq, m.content_type, m.content, m.is_encrypted, m.is_decrypted
			FROM msgs m JOIN msg_refs r ON r.id = m.msg_ref_id ORDER BY m.log_seq`,
		`SELECT r.msg_ref FROM posts p JOIN msg_refs r ON r.id = p.msg_ref_id ORDER BY r.msg_ref`,
		`SELECT m.msg_ref, f.feed_ref FROM feed_links l
			JOIN msg_refs m ON m.id = l.link_from_msg_ref_id
			JOIN feed_refs f ON f.id = l.link_to_feed_ref_id ORDER BY m.msg_ref`,
	} {
		assert.Equal(t, dumpRows(t, firstPass.DB(), q), dumpRows(t, rebuilt.DB(), q), q)
	}
	assert.Equal(t, int64(2), queryRowCount(t, rebuilt.DB(), "SELECT COUNT(1) FROM posts"))
}

func TestGetMessage_ReturnsDecryptedContent(t *testing.T) {
	sk, pk := testKeys(t, 1)
	store, _ := newTestStore(t)
	l := feedlog.NewMemoryLog(
		testEnvelope(testMsg(1), testFeed(1), 1, `{"type":"post","text":"public"}`),
		testEnvelope(testMsg(2), testFeed(1), 2, boxedContent(t, `{"type":"post","text":"private"}`, pk)),
	)
	fl := New(l, NewPipeline(store, WithKeys([]privatebox.SecretKey{sk})))
	_, err := fl.CatchUp(context.Background())
	require.NoError(t, err)

	m, ok, err := fl.GetMessage(context.Background(), testMsg(2))
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"post","text":"private"}`, string(m.Content))
	assert.Equal(t, testFeed(1), m.Author)

	_, ok, err = fl.GetMessage(context.Background(), testMsg(7))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMetrics_CountEntries(t *testing.T) {
	store, _ := newTestStore(t)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	l := feedlog.NewMemoryLog(
		testEnvelope(testMsg(1), testFeed(1), 1, `{"type":"post","text":"a"}`),
		[]byte(`garbage`),
		testEnvelope(testMsg(2), testFeed(1), 2, `{"type":"vote","vote":{"link":"bad"}}`),
	)
	_, err := New(l, NewPipeline(store, WithMetrics(m))).CatchUp(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.entries.WithLabelValues("applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.entries.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.contentTypes.WithLabelValues("vote")))
	latest, _, _ := l.Latest()
	assert.Equal(t, float64(latest), testutil.ToFloat64(m.indexLatest))
	assert.Equal(t, float64(latest), testutil.ToFloat64(m.logLatest))

	assert.Nil(t, NewMetrics(nil))
}

type manualSignal struct{ wake chan struct{} }

func (s manualSignal) Wake() <-chan struct{} { return s.wake }
func (s manualSignal) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestRun_CatchesUpOnWake(t *testing.T) {
	store, _ := newTestStore(t)
	l := feedlog.NewMemoryLog(testEnvelope(testMsg(1), testFeed(1), 1, `{"type":"post","text":"a"}`))
	fl := New(l, NewPipeline(store))
	sig := manualSignal{wake: make(chan struct{}, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fl.Run(ctx, sig) }()

	indexed := func(m ssbref.Msg) func() bool {
		return func() bool {
			_, ok, err := store.GetMsgLogSeq(context.Background(), m)
			return err == nil && ok
		}
	}
	require.Eventually(t, indexed(testMsg(1)), 5*time.Second, 10*time.Millisecond)

	_, err := l.Append(testEnvelope(testMsg(2), testFeed(1), 2, `{"type":"post","text":"b"}`))
	require.NoError(t, err)
	sig.wake <- struct{}{}
	require.Eventually(t, indexed(testMsg(2)), 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestFileSignal_WakesOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.offset")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	sig := NewFileSignal(path, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sig.Run(ctx) }()

	require.Eventually(t, func() bool {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return false
		}
		_, _ = f.Write([]byte("x"))
		_ = f.Close()
		select {
		case <-sig.Wake():
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
