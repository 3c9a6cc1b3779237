package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"

	"github.com/ahdinosaur/ssb-archive/pkg/config"
	"github.com/ahdinosaur/ssb-archive/pkg/persistence/indexstore"
	"github.com/ahdinosaur/ssb-archive/pkg/ssbmsg"
	"github.com/ahdinosaur/ssb-archive/pkg/ssbref"
	"github.com/ahdinosaur/ssb-archive/pkg/threads"
)

// indexQuerySections returns the sections of a query that only reads the index.
func indexQuerySections() ([]schema.Section, error) {
	glazed, err := glazedSections()
	if err != nil {
		return nil, err
	}
	indexSection, err := config.NewIndexSection()
	if err != nil {
		return nil, err
	}
	return append(glazed, indexSection), nil
}

// archiveQuerySections returns the sections of a query that also reads messages from the log.
func archiveQuerySections() ([]schema.Section, error) {
	glazed, err := glazedSections()
	if err != nil {
		return nil, err
	}
	shared, err := archiveSections()
	if err != nil {
		return nil, err
	}
	return append(glazed, shared...), nil
}

func decodeIndexQuery(parsed *values.Values, s any) (*config.IndexSettings, error) {
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return nil, err
	}
	idx := &config.IndexSettings{}
	if err := parsed.DecodeSectionInto(config.IndexSlug, idx); err != nil {
		return nil, err
	}
	return idx, nil
}

func decodeArchiveQuery(parsed *values.Values, s any) (*archiveSettings, error) {
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return nil, err
	}
	as := &archiveSettings{}
	if err := decodeArchiveSettings(parsed, as); err != nil {
		return nil, err
	}
	return as, nil
}

// decodeJSON turns raw JSON into plain values so every output format can render it.
func decodeJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func messageRow(m *ssbmsg.Message) types.Row {
	row := types.NewRow(
		types.MRP("key", m.Key.String()),
		types.MRP("author", m.Author.String()),
		types.MRP("sequence", m.Sequence),
		types.MRP("timestamp", m.TimestampAsserted),
		types.MRP("received", m.TimestampReceived),
		types.MRP("type", m.ContentType()),
		types.MRP("content", decodeJSON(m.Content)),
	)
	if m.Previous != nil {
		row.Set("previous", m.Previous.String())
	}
	return row
}

func refStrings[T fmt.Stringer](refs []T) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.String())
	}
	return out
}

type QueryMsgCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*QueryMsgCommand)(nil)

type QueryMsgSettings struct {
	ID string `glazed:"id"`
}

func NewQueryMsgCommand() (*QueryMsgCommand, error) {
	sections, err := archiveQuerySections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"msg",
		cmds.WithShort("Print an indexed message"),
		cmds.WithArguments(
			fields.New("id", fields.TypeString, fields.WithHelp("Message id (%...sha256)"), fields.WithRequired(true)),
		),
		cmds.WithSections(sections...),
	)
	return &QueryMsgCommand{CommandDescription: desc}, nil
}

func (c *QueryMsgCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *values.Values, gp middlewares.Processor) error {
	s := &QueryMsgSettings{}
	as, err := decodeArchiveQuery(parsedLayers, s)
	if err != nil {
		return err
	}
	return runQueryMsg(ctx, s, as, gp)
}

func runQueryMsg(ctx context.Context, s *QueryMsgSettings, as *archiveSettings, rows rowSink) error {
	key, err := ssbref.ParseMsg(s.ID)
	if err != nil {
		return err
	}
	a, err := openArchive(as)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	m, ok, err := a.follower.GetMessage(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("message %s is not indexed", key)
	}
	return rows.AddRow(ctx, messageRow(m))
}

type QueryFeedCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*QueryFeedCommand)(nil)

type QueryFeedSettings struct {
	ID          string `glazed:"id"`
	ContentType string `glazed:"type"`
	PageSize    int    `glazed:"page-size"`
	Before      int    `glazed:"before"`
	Decrypted   bool   `glazed:"decrypted"`
	Public      bool   `glazed:"public"`
}

func NewQueryFeedCommand() (*QueryFeedCommand, error) {
	sections, err := archiveQuerySections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"feed",
		cmds.WithShort("List a feed's messages, newest first"),
		cmds.WithFlags(
			fields.New("type", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Only messages with this content type")),
			fields.New("page-size", fields.TypeInteger,
				fields.WithDefault(10),
				fields.WithHelp("Maximum number of messages (0 = no limit)")),
			fields.New("before", fields.TypeInteger,
				fields.WithDefault(0),
				fields.WithHelp("Only messages with a smaller feed sequence")),
			fields.New("decrypted", fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("Only private messages this index decrypted")),
			fields.New("public", fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("Only messages that were not decrypted")),
		),
		cmds.WithArguments(
			fields.New("id", fields.TypeString, fields.WithHelp("Feed id (@...ed25519)"), fields.WithRequired(true)),
		),
		cmds.WithSections(sections...),
	)
	return &QueryFeedCommand{CommandDescription: desc}, nil
}

func (c *QueryFeedCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *values.Values, gp middlewares.Processor) error {
	s := &QueryFeedSettings{}
	as, err := decodeArchiveQuery(parsedLayers, s)
	if err != nil {
		return err
	}
	return runQueryFeed(ctx, s, as, gp)
}

func runQueryFeed(ctx context.Context, s *QueryFeedSettings, as *archiveSettings, rows rowSink) error {
	feed, err := ssbref.ParseFeed(s.ID)
	if err != nil {
		return err
	}
	if s.Decrypted && s.Public {
		return errors.New("--decrypted and --public are exclusive")
	}
	if s.Before < 0 || s.PageSize < 0 {
		return errors.New("--before and --page-size must not be negative")
	}
	opts := indexstore.SelectByFeedOptions{
		Feed:        feed,
		ContentType: s.ContentType,
		PageSize:    s.PageSize,
		LessThanSeq: uint64(s.Before),
	}
	if s.Decrypted || s.Public {
		decrypted := s.Decrypted
		opts.IsDecrypted = &decrypted
	}

	a, err := openArchive(as)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	seqs, err := a.store.SelectMsgLogSeqsByFeed(ctx, opts)
	if err != nil {
		return err
	}
	for _, seq := range seqs {
		m, err := a.follower.MessageAt(ctx, seq)
		if err != nil {
			return err
		}
		row := messageRow(m)
		row.Set("log_seq", seq)
		if err := rows.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

type QueryMaxSeqCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*QueryMaxSeqCommand)(nil)

type QueryMaxSeqSettings struct {
	ID string `glazed:"id"`
}

func NewQueryMaxSeqCommand() (*QueryMaxSeqCommand, error) {
	sections, err := indexQuerySections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"max-seq",
		cmds.WithShort("Print the highest indexed sequence of a feed (0 when unknown)"),
		cmds.WithArguments(
			fields.New("id", fields.TypeString, fields.WithHelp("Feed id (@...ed25519)"), fields.WithRequired(true)),
		),
		cmds.WithSections(sections...),
	)
	return &QueryMaxSeqCommand{CommandDescription: desc}, nil
}

func (c *QueryMaxSeqCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *values.Values, gp middlewares.Processor) error {
	s := &QueryMaxSeqSettings{}
	idx, err := decodeIndexQuery(parsedLayers, s)
	if err != nil {
		return err
	}
	return runQueryMaxSeq(ctx, s, idx, gp)
}

func runQueryMaxSeq(ctx context.Context, s *QueryMaxSeqSettings, idx *config.IndexSettings, rows rowSink) error {
	feed, err := ssbref.ParseFeed(s.ID)
	if err != nil {
		return err
	}
	store, err := idx.Open()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	seq, err := store.SelectMaxSeqByFeed(ctx, feed)
	if err != nil {
		return err
	}
	return rows.AddRow(ctx, types.NewRow(
		types.MRP("feed", feed.String()),
		types.MRP("max_seq", seq),
	))
}

type QueryLinksCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*QueryLinksCommand)(nil)

type QueryLinksSettings struct {
	ID   string `glazed:"id"`
	Back bool   `glazed:"back"`
}

func NewQueryLinksCommand() (*QueryLinksCommand, error) {
	sections, err := indexQuerySections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"links",
		cmds.WithShort("List what a message links to, or with --back what links to an identifier"),
		cmds.WithFlags(
			fields.New("back", fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("List messages that mention the identifier")),
		),
		cmds.WithArguments(
			fields.New("id", fields.TypeString, fields.WithHelp("Message id, or any id with --back"), fields.WithRequired(true)),
		),
		cmds.WithSections(sections...),
	)
	return &QueryLinksCommand{CommandDescription: desc}, nil
}

func (c *QueryLinksCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *values.Values, gp middlewares.Processor) error {
	s := &QueryLinksSettings{}
	idx, err := decodeIndexQuery(parsedLayers, s)
	if err != nil {
		return err
	}
	return runQueryLinks(ctx, s, idx, gp)
}

func runQueryLinks(ctx context.Context, s *QueryLinksSettings, idx *config.IndexSettings, rows rowSink) error {
	var (
		ref ssbref.Link
		msg ssbref.Msg
		err error
	)
	if s.Back {
		ref, err = ssbref.ParseLink(s.ID)
	} else {
		msg, err = ssbref.ParseMsg(s.ID)
	}
	if err != nil {
		return err
	}

	store, err := idx.Open()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if s.Back {
		msgs, err := store.SelectBackLinks(ctx, ref)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if err := rows.AddRow(ctx, types.NewRow(types.MRP("msg", m.String()))); err != nil {
				return err
			}
		}
		return nil
	}

	links, err := store.SelectOutLinks(ctx, msg)
	if err != nil {
		return err
	}
	for _, l := range links {
		if err := rows.AddRow(ctx, types.NewRow(
			types.MRP("link", l.String()),
			types.MRP("kind", l.Kind().String()),
		)); err != nil {
			return err
		}
	}
	return nil
}

type QueryThreadCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*QueryThreadCommand)(nil)

type QueryThreadSettings struct {
	ID string `glazed:"id"`
}

func NewQueryThreadCommand() (*QueryThreadCommand, error) {
	sections, err := archiveQuerySections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"thread",
		cmds.WithShort("Print a thread, one row per post, with reactions, forks and authors"),
		cmds.WithArguments(
			fields.New("id", fields.TypeString, fields.WithHelp("Root message id"), fields.WithRequired(true)),
		),
		cmds.WithSections(sections...),
	)
	return &QueryThreadCommand{CommandDescription: desc}, nil
}

func (c *QueryThreadCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *values.Values, gp middlewares.Processor) error {
	s := &QueryThreadSettings{}
	as, err := decodeArchiveQuery(parsedLayers, s)
	if err != nil {
		return err
	}
	return runQueryThread(ctx, s, as, gp)
}

func runQueryThread(ctx context.Context, s *QueryThreadSettings, as *archiveSettings, rows rowSink) error {
	root, err := ssbref.ParseMsg(s.ID)
	if err != nil {
		return err
	}
	a, err := openArchive(as)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	b, err := threads.Load(ctx, threads.IndexSource{Follower: a.follower, SQLiteIndexStore: a.store}, root)
	if err != nil {
		return err
	}
	keys := append([]ssbref.Msg{b.Thread.Root}, b.Thread.Replies...)
	for _, key := range keys {
		if err := rows.AddRow(ctx, threadPostRow(b, key)); err != nil {
			return err
		}
	}
	return nil
}

// threadPostRow renders one post of a thread. Replies that could not be read as posts keep their
// key and are marked unreadable.
func threadPostRow(b *threads.ThreadBundle, key ssbref.Msg) types.Row {
	row := types.NewRow(
		types.MRP("key", key.String()),
		types.MRP("root", key == b.Thread.Root),
	)
	p, ok := b.Posts[key]
	row.Set("readable", ok)
	if !ok {
		return row
	}

	reactions := make([]map[string]string, 0, len(p.Reactions))
	for _, r := range p.Reactions {
		reactions = append(reactions, map[string]string{
			"feed":       r.Feed.String(),
			"name":       b.Authors[r.Feed].Name,
			"expression": r.Expression,
		})
	}
	mentions := make([]string, 0, len(p.Mentions))
	for _, m := range p.Mentions {
		mentions = append(mentions, m.Link.String())
	}

	row.Set("author", p.Author.String())
	row.Set("author_name", b.Authors[p.Author].Name)
	if p.Content != nil {
		row.Set("text", p.Content.Text)
		row.Set("channel", p.Content.Channel)
	}
	row.Set("reactions", reactions)
	row.Set("forks", refStrings(p.Forks))
	row.Set("mentions", mentions)
	row.Set("back_mentions", refStrings(p.BackMentions))
	return row
}

type QueryAboutCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*QueryAboutCommand)(nil)

type QueryAboutSettings struct {
	ID     string `glazed:"id"`
	Target string `glazed:"target"`
}

func NewQueryAboutCommand() (*QueryAboutCommand, error) {
	sections, err := indexQuerySections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"about",
		cmds.WithShort("Print what a feed has said about a feed (itself by default) or a message"),
		cmds.WithArguments(
			fields.New("id", fields.TypeString, fields.WithHelp("Feed the abouts were written by"), fields.WithRequired(true)),
			fields.New("target", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Feed or message the abouts describe (defaults to the author)")),
		),
		cmds.WithSections(sections...),
	)
	return &QueryAboutCommand{CommandDescription: desc}, nil
}

func (c *QueryAboutCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *values.Values, gp middlewares.Processor) error {
	s := &QueryAboutSettings{}
	idx, err := decodeIndexQuery(parsedLayers, s)
	if err != nil {
		return err
	}
	return runQueryAbout(ctx, s, idx, gp)
}

func runQueryAbout(ctx context.Context, s *QueryAboutSettings, idx *config.IndexSettings, rows rowSink) error {
	from, err := ssbref.ParseFeed(s.ID)
	if err != nil {
		return err
	}
	var to ssbref.Link = from
	if s.Target != "" {
		if to, err = ssbref.ParseLink(s.Target); err != nil {
			return err
		}
	}

	store, err := idx.Open()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var doc map[string]json.RawMessage
	switch t := to.(type) {
	case ssbref.Feed:
		doc, _, err = store.SelectAbout(ctx, from, t)
	case ssbref.Msg:
		doc, _, err = store.SelectAboutMsg(ctx, from, t)
	default:
		return errors.Errorf("abouts are only indexed for feeds and messages, not %s", to.Kind())
	}
	if err != nil {
		return err
	}

	row := types.NewRow(
		types.MRP("from", from.String()),
		types.MRP("about", to.String()),
	)
	for _, k := range slices.Sorted(maps.Keys(doc)) {
		row.Set(k, decodeJSON(doc[k]))
	}
	return rows.AddRow(ctx, row)
}

type QueryContactsCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*QueryContactsCommand)(nil)

type QueryContactsSettings struct {
	ID    string `glazed:"id"`
	State string `glazed:"state"`
}

var contactStates = map[string]int{"following": 1, "blocking": -1, "neutral": 0}

func NewQueryContactsCommand() (*QueryContactsCommand, error) {
	sections, err := indexQuerySections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"contacts",
		cmds.WithShort("List the feeds a feed follows or blocks"),
		cmds.WithFlags(
			fields.New("state", fields.TypeChoice,
				fields.WithChoices("following", "blocking", "neutral"),
				fields.WithDefault("following"),
				fields.WithHelp("Contact state")),
		),
		cmds.WithArguments(
			fields.New("id", fields.TypeString, fields.WithHelp("Feed id (@...ed25519)"), fields.WithRequired(true)),
		),
		cmds.WithSections(sections...),
	)
	return &QueryContactsCommand{CommandDescription: desc}, nil
}

func (c *QueryContactsCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *values.Values, gp middlewares.Processor) error {
	s := &QueryContactsSettings{}
	idx, err := decodeIndexQuery(parsedLayers, s)
	if err != nil {
		return err
	}
	return runQueryContacts(ctx, s, idx, gp)
}

func runQueryContacts(ctx context.Context, s *QueryContactsSettings, idx *config.IndexSettings, rows rowSink) error {
	feed, err := ssbref.ParseFeed(s.ID)
	if err != nil {
		return err
	}
	state, ok := contactStates[s.State]
	if !ok {
		return errors.Errorf("unknown contact state %q (following, blocking or neutral)", s.State)
	}
	store, err := idx.Open()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	feeds, err := store.SelectContacts(ctx, feed, state)
	if err != nil {
		return err
	}
	for _, f := range feeds {
		if err := rows.AddRow(ctx, types.NewRow(
			types.MRP("feed", f.String()),
			types.MRP("state", s.State),
		)); err != nil {
			return err
		}
	}
	return nil
}

type QueryVotesCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*QueryVotesCommand)(nil)

type QueryVotesSettings struct {
	ID string `glazed:"id"`
}

func NewQueryVotesCommand() (*QueryVotesCommand, error) {
	sections, err := indexQuerySections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"votes",
		cmds.WithShort("List the current vote of every feed that voted on a message"),
		cmds.WithArguments(
			fields.New("id", fields.TypeString, fields.WithHelp("Message id"), fields.WithRequired(true)),
		),
		cmds.WithSections(sections...),
	)
	return &QueryVotesCommand{CommandDescription: desc}, nil
}

func (c *QueryVotesCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *values.Values, gp middlewares.Processor) error {
	s := &QueryVotesSettings{}
	idx, err := decodeIndexQuery(parsedLayers, s)
	if err != nil {
		return err
	}
	return runQueryVotes(ctx, s, idx, gp)
}

func runQueryVotes(ctx context.Context, s *QueryVotesSettings, idx *config.IndexSettings, rows rowSink) error {
	msg, err := ssbref.ParseMsg(s.ID)
	if err != nil {
		return err
	}
	store, err := idx.Open()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	votes, err := store.SelectVotes(ctx, msg)
	if err != nil {
		return err
	}
	for _, v := range votes {
		if err := rows.AddRow(ctx, types.NewRow(
			types.MRP("author", v.Author.String()),
			types.MRP("value", v.Value),
			types.MRP("expression", v.Expression),
		)); err != nil {
			return err
		}
	}
	return nil
}

type QueryStatsCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*QueryStatsCommand)(nil)

func NewQueryStatsCommand() (*QueryStatsCommand, error) {
	sections, err := indexQuerySections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"stats",
		cmds.WithShort("Print row counts per index table and the index latest position"),
		cmds.WithSections(sections...),
	)
	return &QueryStatsCommand{CommandDescription: desc}, nil
}

func (c *QueryStatsCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *values.Values, gp middlewares.Processor) error {
	idx := &config.IndexSettings{}
	if err := parsedLayers.DecodeSectionInto(config.IndexSlug, idx); err != nil {
		return err
	}
	return runQueryStats(ctx, idx, gp)
}

// runQueryStats emits one row holding the row count of every table and the index latest position.
func runQueryStats(ctx context.Context, idx *config.IndexSettings, rows rowSink) error {
	store, err := idx.Open()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	counts, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	latest, ok, err := store.Latest(ctx)
	if err != nil {
		return err
	}

	row := types.NewRow()
	if ok {
		row.Set("latest", latest)
	} else {
		row.Set("latest", nil)
	}
	for _, t := range slices.Sorted(maps.Keys(counts)) {
		row.Set(t, counts[t])
	}
	return rows.AddRow(ctx, row)
}
