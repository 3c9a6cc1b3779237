package indexstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/ahdinosaur/ssb-archive/pkg/ssbref"
)

// GetMsgLogSeq returns the log position of an indexed message.
func (s *SQLiteIndexStore) GetMsgLogSeq(ctx context.Context, msg ssbref.Msg) (uint64, bool, error) {
	db, err := s.handle()
	if err != nil {
		return 0, false, err
	}
	var seq int64
	err = db.QueryRowContext(ctx, `
		SELECT msgs.log_seq FROM msgs
		JOIN msg_refs ON msg_refs.id = msgs.msg_ref_id
		WHERE msg_refs.msg_ref = ?
	`, msg.String()).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "index store: get msg log seq")
	}
	return uint64(seq), true, nil
}

// MsgContent returns the content stored for an indexed message along with whether it was
// decrypted by this indexer.
func (s *SQLiteIndexStore) MsgContent(ctx context.Context, msg ssbref.Msg) (json.RawMessage, bool, error) {
	db, err := s.handle()
	if err != nil {
		return nil, false, err
	}
	var (
		content     sql.NullString
		isDecrypted bool
	)
	err = db.QueryRowContext(ctx, `
		SELECT msgs.content, msgs.is_decrypted FROM msgs
		JOIN msg_refs ON msg_refs.id = msgs.msg_ref_id
		WHERE msg_refs.msg_ref = ?
	`, msg.String()).Scan(&content, &isDecrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "index store: get msg content")
	}
	if !content.Valid {
		return nil, isDecrypted, nil
	}
	return json.RawMessage(content.String), isDecrypted, nil
}

type SelectByFeedOptions struct {
	Feed ssbref.Feed
	// ContentType filters on the content type tag when non-empty.
	ContentType string
	// PageSize caps the number of positions returned. Zero means no cap.
	PageSize int
	// LessThanSeq only returns messages with a smaller feed sequence. Zero means no bound.
	LessThanSeq uint64
	// IsDecrypted filters on the decrypted flag when set.
	IsDecrypted *bool
}

// SelectMsgLogSeqsByFeed returns log positions of a feed's messages, newest feed sequence first.
func (s *SQLiteIndexStore) SelectMsgLogSeqsByFeed(ctx context.Context, opts SelectByFeedOptions) ([]uint64, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var (
		where = []string{"feed_refs.feed_ref = ?"}
		args  = []any{opts.Feed.String()}
	)
	if opts.ContentType != "" {
		where = append(where, "msgs.content_type = ?")
		args = append(args, opts.ContentType)
	}
	if opts.LessThanSeq > 0 {
		lt, err := uint64ToInt64(opts.LessThanSeq)
		if err != nil {
			return nil, errors.Wrap(err, "index store: before sequence")
		}
		where = append(where, "msgs.feed_seq < ?")
		args = append(args, lt)
	}
	if opts.IsDecrypted != nil {
		where = append(where, "msgs.is_decrypted = ?")
		args = append(args, *opts.IsDecrypted)
	}
	q := `SELECT msgs.log_seq FROM msgs
		JOIN feed_refs ON feed_refs.id = msgs.feed_ref_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY msgs.feed_seq DESC`
	if opts.PageSize > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.PageSize)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "index store: select by feed")
	}
	defer func() { _ = rows.Close() }()
	var out []uint64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, errors.Wrap(err, "index store: select by feed")
		}
		out = append(out, uint64(seq))
	}
	return out, errors.Wrap(rows.Err(), "index store: select by feed")
}

// SelectMaxSeqByFeed returns the highest indexed feed sequence for feed, or 0 if none.
func (s *SQLiteIndexStore) SelectMaxSeqByFeed(ctx context.Context, feed ssbref.Feed) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	var seq int64
	if err := db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(msgs.feed_seq), 0) FROM msgs
		JOIN feed_refs ON feed_refs.id = msgs.feed_ref_id
		WHERE feed_refs.feed_ref = ?
	`, feed.String()).Scan(&seq); err != nil {
		return 0, errors.Wrap(err, "index store: max seq by feed")
	}
	return seq, nil
}

// SelectOutLinks returns every identifier a message mentions, grouped by kind.
func (s *SQLiteIndexStore) SelectOutLinks(ctx context.Context, msg ssbref.Msg) ([]ssbref.Link, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT to_ref.msg_ref FROM msg_links l
		JOIN msg_refs from_ref ON from_ref.id = l.link_from_msg_ref_id
		JOIN msg_refs to_ref ON to_ref.id = l.link_to_msg_ref_id
		WHERE from_ref.msg_ref = ?1
		UNION ALL
		SELECT to_ref.feed_ref FROM feed_links l
		JOIN msg_refs from_ref ON from_ref.id = l.link_from_msg_ref_id
		JOIN feed_refs to_ref ON to_ref.id = l.link_to_feed_ref_id
		WHERE from_ref.msg_ref = ?1
		UNION ALL
		SELECT to_ref.blob_ref FROM blob_links l
		JOIN msg_refs from_ref ON from_ref.id = l.link_from_msg_ref_id
		JOIN blob_refs to_ref ON to_ref.id = l.link_to_blob_ref_id
		WHERE from_ref.msg_ref = ?1
	`, msg.String())
	if err != nil {
		return nil, errors.Wrap(err, "index store: select out links")
	}
	defer func() { _ = rows.Close() }()

	var out []ssbref.Link
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, errors.Wrap(err, "index store: select out links")
		}
		link, err := ssbref.ParseLink(ref)
		if err != nil {
			return nil, errors.Wrapf(err, "index store: stored ref %q", ref)
		}
		out = append(out, link)
	}
	return out, errors.Wrap(rows.Err(), "index store: select out links")
}

var backLinkQueries = map[ssbref.Kind]string{
	ssbref.KindMsg: `SELECT from_ref.msg_ref FROM msg_links l
		JOIN msg_refs from_ref ON from_ref.id = l.link_from_msg_ref_id
		JOIN msg_refs to_ref ON to_ref.id = l.link_to_msg_ref_id
		WHERE to_ref.msg_ref = ? ORDER BY l.id`,
	ssbref.KindFeed: `SELECT from_ref.msg_ref FROM feed_links l
		JOIN msg_refs from_ref ON from_ref.id = l.link_from_msg_ref_id
		JOIN feed_refs to_ref ON to_ref.id = l.link_to_feed_ref_id
		WHERE to_ref.feed_ref = ? ORDER BY l.id`,
	ssbref.KindBlob: `SELECT from_ref.msg_ref FROM blob_links l
		JOIN msg_refs from_ref ON from_ref.id = l.link_from_msg_ref_id
		JOIN blob_refs to_ref ON to_ref.id = l.link_to_blob_ref_id
		WHERE to_ref.blob_ref = ? ORDER BY l.id`,
}

// SelectBackLinks returns the messages that mention ref, oldest link first. Hashtags are not
// stored as edges and always return nothing.
func (s *SQLiteIndexStore) SelectBackLinks(ctx context.Context, ref ssbref.Link) ([]ssbref.Msg, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	q, ok := backLinkQueries[ref.Kind()]
	if !ok {
		return nil, nil
	}
	rows, err := db.QueryContext(ctx, q, ref.String())
	if err != nil {
		return nil, errors.Wrap(err, "index store: select back links")
	}
	return scanMsgRefs(rows, "index store: select back links")
}

func scanMsgRefs(rows *sql.Rows, what string) ([]ssbref.Msg, error) {
	defer func() { _ = rows.Close() }()
	var out []ssbref.Msg
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, errors.Wrap(err, what)
		}
		m, err := ssbref.ParseMsg(ref)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: stored ref %q", what, ref)
		}
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), what)
}

// MsgRow is the indexed header of a message.
type MsgRow struct {
	Key               ssbref.Msg  `json:"key"`
	Author            ssbref.Feed `json:"author"`
	LogSeq            uint64      `json:"log_seq"`
	FeedSeq           uint64      `json:"feed_seq"`
	TimestampAsserted float64     `json:"timestamp_asserted"`
	ContentType       string      `json:"content_type,omitempty"`
}

const msgRowSelect = `SELECT key_ref.msg_ref, author_ref.feed_ref, msgs.log_seq, msgs.feed_seq,
		COALESCE(msgs.timestamp_asserted, 0), COALESCE(msgs.content_type, '')
	FROM posts
	JOIN msgs ON msgs.msg_ref_id = posts.msg_ref_id
	JOIN msg_refs key_ref ON key_ref.id = posts.msg_ref_id
	JOIN feed_refs author_ref ON author_ref.id = msgs.feed_ref_id
	JOIN msg_refs target_ref ON target_ref.id = `

// SelectThreadReplies returns the posts whose root is root, in asserted-time order.
func (s *SQLiteIndexStore) SelectThreadReplies(ctx context.Context, root ssbref.Msg) ([]MsgRow, error) {
	return s.selectPostRows(ctx, msgRowSelect+`posts.root_msg_ref_id
		WHERE target_ref.msg_ref = ?
		ORDER BY msgs.timestamp_asserted, msgs.log_seq`, root, "index store: select thread replies")
}

// SelectForks returns the posts that fork off root.
func (s *SQLiteIndexStore) SelectForks(ctx context.Context, root ssbref.Msg) ([]MsgRow, error) {
	return s.selectPostRows(ctx, msgRowSelect+`posts.fork_msg_ref_id
		WHERE target_ref.msg_ref = ?
		ORDER BY msgs.timestamp_asserted, msgs.log_seq`, root, "index store: select forks")
}

func (s *SQLiteIndexStore) selectPostRows(ctx context.Context, q string, root ssbref.Msg, what string) ([]MsgRow, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, q, root.String())
	if err != nil {
		return nil, errors.Wrap(err, what)
	}
	defer func() { _ = rows.Close() }()

	var out []MsgRow
	for rows.Next() {
		var (
			key, author     string
			logSeq, feedSeq int64
			row             MsgRow
		)
		if err := rows.Scan(&key, &author, &logSeq, &feedSeq, &row.TimestampAsserted, &row.ContentType); err != nil {
			return nil, errors.Wrap(err, what)
		}
		if row.Key, err = ssbref.ParseMsg(key); err != nil {
			return nil, errors.Wrapf(err, "%s: stored ref %q", what, key)
		}
		if row.Author, err = ssbref.ParseFeed(author); err != nil {
			return nil, errors.Wrapf(err, "%s: stored ref %q", what, author)
		}
		row.LogSeq = uint64(logSeq)
		row.FeedSeq = uint64(feedSeq)
		out = append(out, row)
	}
	return out, errors.Wrap(rows.Err(), what)
}

// SelectAbout returns the merged about document that from published about to.
func (s *SQLiteIndexStore) SelectAbout(ctx context.Context, from, to ssbref.Feed) (map[string]json.RawMessage, bool, error) {
	db, err := s.handle()
	if err != nil {
		return nil, false, err
	}
	var content string
	err = db.QueryRowContext(ctx, `
		SELECT about_feeds.content FROM about_feeds
		JOIN feed_refs from_ref ON from_ref.id = about_feeds.link_from_feed_ref_id
		JOIN feed_refs to_ref ON to_ref.id = about_feeds.link_to_feed_ref_id
		WHERE from_ref.feed_ref = ? AND to_ref.feed_ref = ?
	`, from.String(), to.String()).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "index store: select about")
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return nil, false, errors.Wrap(err, "index store: decode about")
	}
	return doc, true, nil
}

// SelectAboutMsg returns the merged about document that from published about a message.
func (s *SQLiteIndexStore) SelectAboutMsg(ctx context.Context, from ssbref.Feed, to ssbref.Msg) (map[string]json.RawMessage, bool, error) {
	db, err := s.handle()
	if err != nil {
		return nil, false, err
	}
	var content string
	err = db.QueryRowContext(ctx, `
		SELECT about_msgs.content FROM about_msgs
		JOIN feed_refs from_ref ON from_ref.id = about_msgs.link_from_feed_ref_id
		JOIN msg_refs to_ref ON to_ref.id = about_msgs.link_to_msg_ref_id
		WHERE from_ref.feed_ref = ? AND to_ref.msg_ref = ?
	`, from.String(), to.String()).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "index store: select about msg")
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return nil, false, errors.Wrap(err, "index store: decode about msg")
	}
	return doc, true, nil
}

type VoteRow struct {
	Author     ssbref.Feed `json:"author"`
	Value      int         `json:"value"`
	Expression string      `json:"expression,omitempty"`
}

// SelectVotes returns the current vote of every author that voted on msg.
func (s *SQLiteIndexStore) SelectVotes(ctx context.Context, msg ssbref.Msg) ([]VoteRow, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT author_ref.feed_ref, votes.value, COALESCE(votes.expression, '') FROM votes
		JOIN feed_refs author_ref ON author_ref.id = votes.link_from_feed_ref_id
		JOIN msg_refs to_ref ON to_ref.id = votes.link_to_msg_ref_id
		WHERE to_ref.msg_ref = ?
		ORDER BY votes.id
	`, msg.String())
	if err != nil {
		return nil, errors.Wrap(err, "index store: select votes")
	}
	defer func() { _ = rows.Close() }()

	var out []VoteRow
	for rows.Next() {
		var (
			author string
			row    VoteRow
		)
		if err := rows.Scan(&author, &row.Value, &row.Expression); err != nil {
			return nil, errors.Wrap(err, "index store: select votes")
		}
		if row.Author, err = ssbref.ParseFeed(author); err != nil {
			return nil, errors.Wrapf(err, "index store: stored ref %q", author)
		}
		out = append(out, row)
	}
	return out, errors.Wrap(rows.Err(), "index store: select votes")
}

// SelectContacts returns the feeds that feed currently has in the given contact state
// (1 following, -1 blocking, 0 neutral), public or private.
func (s *SQLiteIndexStore) SelectContacts(ctx context.Context, feed ssbref.Feed, state int) ([]ssbref.Feed, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT contact_ref.feed_ref FROM contacts
		JOIN feed_refs author_ref ON author_ref.id = contacts.feed_ref_id
		JOIN feed_refs contact_ref ON contact_ref.id = contacts.contact_feed_ref_id
		WHERE author_ref.feed_ref = ? AND contacts.state = ?
		ORDER BY contact_ref.feed_ref
	`, feed.String(), state)
	if err != nil {
		return nil, errors.Wrap(err, "index store: select contacts")
	}
	defer func() { _ = rows.Close() }()

	var out []ssbref.Feed
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, errors.Wrap(err, "index store: select contacts")
		}
		f, err := ssbref.ParseFeed(ref)
		if err != nil {
			return nil, errors.Wrapf(err, "index store: stored ref %q", ref)
		}
		out = append(out, f)
	}
	return out, errors.Wrap(rows.Err(), "index store: select contacts")
}

var statsTables = []string{
	"msgs", "msg_refs", "feed_refs", "blob_refs",
	"msg_links", "feed_links", "blob_links",
	"posts", "post_branches", "contacts", "votes",
	"about_feeds", "about_msgs",
}

// Stats returns the row count of every index table.
func (s *SQLiteIndexStore) Stats(ctx context.Context) (map[string]int64, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(statsTables))
	for _, table := range statsTables {
		var n int64
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return nil, errors.Wrapf(err, "index store: count %s", table)
		}
		out[table] = n
	}
	return out, nil
}
