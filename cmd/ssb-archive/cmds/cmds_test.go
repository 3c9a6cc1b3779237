package cmds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahdinosaur/ssb-archive/pkg/config"
	"github.com/ahdinosaur/ssb-archive/pkg/follower"
	"github.com/ahdinosaur/ssb-archive/pkg/ssbref"
)

type rowCollector struct {
	rows []types.Row
}

func (c *rowCollector) AddRow(_ context.Context, row types.Row) error {
	c.rows = append(c.rows, row)
	return nil
}

func (c *rowCollector) only(t *testing.T) types.Row {
	t.Helper()
	require.Len(t, c.rows, 1)
	return c.rows[0]
}

func field(t *testing.T, row types.Row, name string) any {
	t.Helper()
	v, ok := row.Get(name)
	require.True(t, ok, "row has no %q column", name)
	return v
}

func testEnvelope(key ssbref.Msg, author ssbref.Feed, seq uint64, content string) string {
	return fmt.Sprintf(`{"key":%q,"value":{"previous":null,"author":%q,"sequence":%d,`+
		`"timestamp":%d,"hash":"sha256","content":%s,"signature":"sig.sig.ed25519"},"timestamp":%d}`,
		key, author, seq, 1000*seq, content, 1000*seq)
}

func TestCommands_ImportIndexQuery(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fl := &config.FeedLogSettings{Path: filepath.Join(dir, "log"), Backend: config.LogBackendPebble}
	idx := &config.IndexSettings{DB: filepath.Join(dir, "index.sqlite3")}
	as := &archiveSettings{Index: *idx, FeedLog: *fl}

	var f, g ssbref.Feed
	f[0], g[0] = 1, 2
	var msg1, msg2, msg3 ssbref.Msg
	msg1[0], msg2[0], msg3[0] = 1, 2, 3
	lines := []string{
		testEnvelope(msg1, f, 1, fmt.Sprintf(`{"type":"post","text":"hello","mentions":[{"link":%q}]}`, g)),
		"not an envelope",
		testEnvelope(msg2, f, 2, fmt.Sprintf(`{"type":"contact","contact":%q,"following":true}`, g)),
		testEnvelope(msg3, f, 3, fmt.Sprintf(`{"type":"vote","vote":{"link":%q,"value":1,"expression":"yup"}}`, msg1)),
	}

	imported := &rowCollector{}
	require.NoError(t, runLogImport(ctx, strings.NewReader(strings.Join(lines, "\n")+"\n"), fl, imported))
	row := imported.only(t)
	assert.Equal(t, 3, field(t, row, "appended"))
	assert.Equal(t, 1, field(t, row, "skipped"))
	last := field(t, row, "last")

	indexed := &rowCollector{}
	require.NoError(t, runIndex(ctx, as, indexed))
	row = indexed.only(t)
	assert.Equal(t, 3, field(t, row, "applied"))
	assert.Equal(t, true, field(t, row, "committed"))
	assert.Equal(t, last, field(t, row, "last"))

	stats := &rowCollector{}
	require.NoError(t, runQueryStats(ctx, idx, stats))
	row = stats.only(t)
	assert.Equal(t, int64(3), field(t, row, "msgs"))
	assert.Equal(t, int64(1), field(t, row, "feed_links"))
	assert.Equal(t, int64(1), field(t, row, "contacts"))
	assert.Equal(t, int64(1), field(t, row, "votes"))
	assert.Equal(t, last, field(t, row, "latest"))

	msgs := &rowCollector{}
	require.NoError(t, runQueryMsg(ctx, &QueryMsgSettings{ID: msg1.String()}, as, msgs))
	row = msgs.only(t)
	assert.Equal(t, f.String(), field(t, row, "author"))
	assert.Equal(t, "post", field(t, row, "type"))
	assert.Equal(t, "hello", field(t, row, "content").(map[string]any)["text"])

	feed := &rowCollector{}
	require.NoError(t, runQueryFeed(ctx, &QueryFeedSettings{ID: f.String(), PageSize: 2}, as, feed))
	require.Len(t, feed.rows, 2)
	assert.Equal(t, uint64(3), field(t, feed.rows[0], "sequence"))
	assert.Equal(t, uint64(2), field(t, feed.rows[1], "sequence"))

	contacts := &rowCollector{}
	require.NoError(t, runQueryContacts(ctx, &QueryContactsSettings{ID: f.String(), State: "following"}, idx, contacts))
	assert.Equal(t, g.String(), field(t, contacts.only(t), "feed"))

	back := &rowCollector{}
	require.NoError(t, runQueryLinks(ctx, &QueryLinksSettings{ID: g.String(), Back: true}, idx, back))
	assert.Equal(t, msg1.String(), field(t, back.only(t), "msg"))

	maxSeq := &rowCollector{}
	require.NoError(t, runQueryMaxSeq(ctx, &QueryMaxSeqSettings{ID: f.String()}, idx, maxSeq))
	assert.Equal(t, int64(3), field(t, maxSeq.only(t), "max_seq"))

	votes := &rowCollector{}
	require.NoError(t, runQueryVotes(ctx, &QueryVotesSettings{ID: msg1.String()}, idx, votes))
	row = votes.only(t)
	assert.Equal(t, f.String(), field(t, row, "author"))
	assert.Equal(t, "yup", field(t, row, "expression"))

	thread := &rowCollector{}
	require.NoError(t, runQueryThread(ctx, &QueryThreadSettings{ID: msg1.String()}, as, thread))
	row = thread.only(t)
	assert.Equal(t, true, field(t, row, "root"))
	assert.Equal(t, "hello", field(t, row, "text"))
	assert.Equal(t, []string{g.String()}, field(t, row, "mentions"))

	verified := &rowCollector{}
	require.NoError(t, runVerify(ctx, &VerifySettings{Limit: 10, EmitOK: true}, idx, verified))
	assert.Equal(t, "ok", field(t, verified.only(t), "status"))

	latest := &rowCollector{}
	require.NoError(t, runLogLatest(ctx, fl, latest))
	row = latest.only(t)
	assert.Equal(t, false, field(t, row, "empty"))
	assert.Equal(t, last, field(t, row, "latest"))
}

func TestQueryFeed_RejectsDecryptedWithPublic(t *testing.T) {
	var f ssbref.Feed
	err := runQueryFeed(context.Background(),
		&QueryFeedSettings{ID: f.String(), Decrypted: true, Public: true}, &archiveSettings{}, &rowCollector{})
	require.Error(t, err)
}

func TestQueryContacts_RejectsUnknownState(t *testing.T) {
	var f ssbref.Feed
	err := runQueryContacts(context.Background(),
		&QueryContactsSettings{ID: f.String(), State: "muted"}, &config.IndexSettings{DSN: ":memory:"}, &rowCollector{})
	require.ErrorContains(t, err, "unknown contact state")
}

func TestLogLatest_EmptyOffsetLog(t *testing.T) {
	fl := &config.FeedLogSettings{Path: filepath.Join(t.TempDir(), "log.offset"), Backend: config.LogBackendOffset}
	w, err := openAppender(fl)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rows := &rowCollector{}
	require.NoError(t, runLogLatest(context.Background(), fl, rows))
	row := rows.only(t)
	assert.Equal(t, true, field(t, row, "empty"))
	_, ok := row.Get("latest")
	assert.False(t, ok)
}

func TestOpenLog_RequiresPath(t *testing.T) {
	_, err := openLog(&config.FeedLogSettings{})
	require.ErrorIs(t, err, config.ErrNoFeedLog)
}

func TestPrintEvents_WritesOneLinePerChunk(t *testing.T) {
	msgs := make(chan *message.Message, 3)
	for i, res := range []follower.BatchResult{
		{Applied: 2, Committed: true, First: 0, Last: 10},
		{Applied: 1, Committed: true, First: 20, Last: 20},
	} {
		payload, err := json.Marshal(res)
		require.NoError(t, err)
		msgs <- message.NewMessage(fmt.Sprintf("chunk-%d", i), payload)
	}
	msgs <- message.NewMessage("garbage", []byte("not json"))
	close(msgs)

	var out bytes.Buffer
	require.NoError(t, printEvents(msgs, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)

	var second follower.BatchResult
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, uint64(20), second.Last)
}

func TestAddToRootCommand_BuildsCommandTree(t *testing.T) {
	root := &cobra.Command{Use: "ssb-archive"}
	AddToRootCommand(root)

	for _, path := range [][]string{
		{"index"}, {"follow"}, {"verify"}, {"events"},
		{"query", "msg"}, {"query", "feed"}, {"query", "max-seq"}, {"query", "links"},
		{"query", "thread"}, {"query", "about"}, {"query", "contacts"}, {"query", "votes"},
		{"query", "stats"}, {"log", "import"}, {"log", "latest"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, strings.Join(path, " "))
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}

	index, _, err := root.Find([]string{"index"})
	require.NoError(t, err)
	for _, flag := range []string{"index-db", "index-dsn", "feed-log", "feed-log-backend", "secret", "chunk-size", "output"} {
		assert.NotNil(t, index.Flags().Lookup(flag), flag)
	}

	follow, _, err := root.Find([]string{"follow"})
	require.NoError(t, err)
	for _, flag := range []string{"poll-interval", "metrics-addr", "notify-redis-addr", "notify-max-len"} {
		assert.NotNil(t, follow.Flags().Lookup(flag), flag)
	}
}
