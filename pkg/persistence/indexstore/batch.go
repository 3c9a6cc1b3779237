package indexstore

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/ahdinosaur/ssb-archive/pkg/ssbmsg"
	"github.com/ahdinosaur/ssb-archive/pkg/ssbref"
)

// Record is one log entry ready to be written to the index.
type Record struct {
	Position uint64
	Message  *ssbmsg.Message
	// Content is the content stored in the msgs row: the plaintext after a successful decrypt,
	// otherwise the message's own content.
	Content json.RawMessage
	// Parsed is the classified content. Nil means the message is stored without typed rows,
	// which is what happens to ciphertext this indexer cannot open.
	Parsed      ssbmsg.Content
	IsEncrypted bool
	IsDecrypted bool
}

// Batch is a single write transaction. Either every record applied to it becomes visible or none
// does.
type Batch struct {
	s      *SQLiteIndexStore
	tx     *sql.Tx
	staged map[string]int64
	done   bool
}

func (s *SQLiteIndexStore) BeginBatch(ctx context.Context) (*Batch, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "index store: begin batch")
	}
	return &Batch{s: s, tx: tx, staged: map[string]int64{}}, nil
}

func (b *Batch) Commit() error {
	if b.done {
		return errors.New("index store: batch already finished")
	}
	b.done = true
	if err := b.tx.Commit(); err != nil {
		return errors.Wrap(err, "index store: commit batch")
	}
	for k, id := range b.staged {
		b.s.refs.Add(k, id)
	}
	return nil
}

// Rollback discards the batch. It is a no-op after Commit.
func (b *Batch) Rollback() error {
	if b.done {
		return nil
	}
	b.done = true
	b.staged = nil
	if err := b.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return errors.Wrap(err, "index store: rollback batch")
	}
	return nil
}

// Apply writes rec. It returns false without touching typed rows when the message key is
// already indexed; the existing row is moved to the newer log position.
func (b *Batch) Apply(ctx context.Context, rec *Record) (bool, error) {
	if b.done {
		return false, errors.New("index store: batch already finished")
	}
	m := rec.Message
	logSeq, err := uint64ToInt64(rec.Position)
	if err != nil {
		return false, errors.Wrap(err, "index store: log position")
	}
	feedSeq, err := uint64ToInt64(m.Sequence)
	if err != nil {
		return false, errors.Wrapf(err, "index store: feed sequence of %s", m.Key)
	}
	msgID, err := b.internRef(ctx, m.Key)
	if err != nil {
		return false, err
	}

	var existing int64
	err = b.tx.QueryRowContext(ctx, `SELECT log_seq FROM msgs WHERE msg_ref_id = ?`, msgID).Scan(&existing)
	switch {
	case err == nil:
		if _, err := b.tx.ExecContext(ctx,
			`UPDATE msgs SET log_seq = ? WHERE msg_ref_id = ?`, logSeq, msgID,
		); err != nil {
			return false, errors.Wrapf(err, "index store: move duplicate %s", m.Key)
		}
		return false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, errors.Wrap(err, "index store: check duplicate")
	}

	feedID, err := b.internRef(ctx, m.Author)
	if err != nil {
		return false, err
	}
	var contentType sql.NullString
	if rec.Parsed != nil && rec.Parsed.ContentType() != "" {
		contentType = sql.NullString{String: rec.Parsed.ContentType(), Valid: true}
	}
	content := rec.Content
	if len(content) == 0 {
		content = m.Content
	}
	if _, err := b.tx.ExecContext(ctx, `
		INSERT INTO msgs (
			msg_ref_id, log_seq, feed_ref_id, feed_seq,
			timestamp_received, timestamp_asserted,
			content_type, content, is_encrypted, is_decrypted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msgID, logSeq, feedID, feedSeq,
		m.TimestampReceived, m.TimestampAsserted,
		contentType, string(content), rec.IsEncrypted, rec.IsDecrypted,
	); err != nil {
		return false, errors.Wrapf(err, "index store: insert msg at %d", rec.Position)
	}

	if rec.Parsed == nil {
		return true, nil
	}
	r := rowContext{msgID: msgID, feedID: feedID, seq: m.Sequence, dbSeq: feedSeq, isDecrypted: rec.IsDecrypted}
	switch c := rec.Parsed.(type) {
	case *ssbmsg.Post:
		err = b.applyPost(ctx, r, c)
	case *ssbmsg.Contact:
		err = b.applyContact(ctx, r, c)
	case *ssbmsg.Vote:
		err = b.applyVote(ctx, r, c)
	case *ssbmsg.About:
		err = b.applyAbout(ctx, r, c)
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type rowContext struct {
	msgID       int64
	feedID      int64
	seq         uint64
	dbSeq       int64
	isDecrypted bool
}

func (b *Batch) applyPost(ctx context.Context, r rowContext, p *ssbmsg.Post) error {
	var root, fork sql.NullInt64
	if p.Root != nil {
		id, err := b.internRef(ctx, *p.Root)
		if err != nil {
			return err
		}
		root = sql.NullInt64{Int64: id, Valid: true}
	}
	if p.Fork != nil {
		id, err := b.internRef(ctx, *p.Fork)
		if err != nil {
			return err
		}
		fork = sql.NullInt64{Int64: id, Valid: true}
	}
	if _, err := b.tx.ExecContext(ctx,
		`INSERT INTO posts (msg_ref_id, root_msg_ref_id, fork_msg_ref_id) VALUES (?, ?, ?)`,
		r.msgID, root, fork,
	); err != nil {
		return errors.Wrap(err, "index store: insert post")
	}

	for _, branch := range p.Branch {
		id, err := b.internRef(ctx, branch)
		if err != nil {
			return err
		}
		if _, err := b.tx.ExecContext(ctx,
			`INSERT INTO post_branches (link_from_msg_ref_id, link_to_msg_ref_id) VALUES (?, ?)`,
			r.msgID, id,
		); err != nil {
			return errors.Wrap(err, "index store: insert post branch")
		}
	}

	for _, m := range p.Mentions {
		if err := b.insertLink(ctx, r.msgID, m.Link); err != nil {
			return err
		}
	}
	return nil
}

var linkInserts = map[ssbref.Kind]string{
	ssbref.KindMsg:  `INSERT INTO msg_links (link_from_msg_ref_id, link_to_msg_ref_id) VALUES (?, ?)`,
	ssbref.KindFeed: `INSERT INTO feed_links (link_from_msg_ref_id, link_to_feed_ref_id) VALUES (?, ?)`,
	ssbref.KindBlob: `INSERT INTO blob_links (link_from_msg_ref_id, link_to_blob_ref_id) VALUES (?, ?)`,
}

func (b *Batch) insertLink(ctx context.Context, fromID int64, link ssbref.Link) error {
	stmt, ok := linkInserts[link.Kind()]
	if !ok {
		// hashtags have no edge table
		return nil
	}
	toID, err := b.internRef(ctx, link)
	if err != nil {
		return err
	}
	if _, err := b.tx.ExecContext(ctx, stmt, fromID, toID); err != nil {
		return errors.Wrapf(err, "index store: insert %s link", link.Kind())
	}
	return nil
}

func (b *Batch) applyContact(ctx context.Context, r rowContext, c *ssbmsg.Contact) error {
	contactID, err := b.internRef(ctx, c.Contact)
	if err != nil {
		return err
	}
	if _, err := b.tx.ExecContext(ctx, `
		INSERT INTO contacts (feed_ref_id, contact_feed_ref_id, is_decrypted, state, feed_seq)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(feed_ref_id, contact_feed_ref_id, is_decrypted) DO UPDATE SET
			state = excluded.state,
			feed_seq = excluded.feed_seq
		WHERE excluded.feed_seq > contacts.feed_seq
	`, r.feedID, contactID, r.isDecrypted, c.State(), r.dbSeq); err != nil {
		return errors.Wrap(err, "index store: upsert contact")
	}
	return nil
}

func (b *Batch) applyVote(ctx context.Context, r rowContext, v *ssbmsg.Vote) error {
	linkID, err := b.internRef(ctx, v.Link)
	if err != nil {
		return err
	}
	var expression sql.NullString
	if v.Expression != "" {
		expression = sql.NullString{String: v.Expression, Valid: true}
	}
	if _, err := b.tx.ExecContext(ctx, `
		INSERT INTO votes (feed_seq, link_from_feed_ref_id, link_to_msg_ref_id, value, expression)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(link_from_feed_ref_id, link_to_msg_ref_id) DO UPDATE SET
			value = excluded.value,
			expression = excluded.expression,
			feed_seq = excluded.feed_seq
		WHERE excluded.feed_seq > votes.feed_seq
	`, r.dbSeq, r.feedID, linkID, v.Value, expression); err != nil {
		return errors.Wrap(err, "index store: upsert vote")
	}
	return nil
}

type aboutTable struct {
	name  string
	toCol string
}

var aboutTables = map[ssbref.Kind]aboutTable{
	ssbref.KindFeed: {name: "about_feeds", toCol: "link_to_feed_ref_id"},
	ssbref.KindMsg:  {name: "about_msgs", toCol: "link_to_msg_ref_id"},
}

// applyAbout merges the asserted fields into the (author, target) document. Each field keeps the
// sequence number of the message that last wrote it and is only overwritten by a higher one, so
// the result does not depend on the order messages arrive in.
func (b *Batch) applyAbout(ctx context.Context, r rowContext, a *ssbmsg.About) error {
	t, ok := aboutTables[a.About.Kind()]
	if !ok {
		return nil
	}
	toID, err := b.internRef(ctx, a.About)
	if err != nil {
		return err
	}

	var (
		rowID      int64
		storedSeq  int64
		contentRaw string
		seqsRaw    string
	)
	err = b.tx.QueryRowContext(ctx,
		`SELECT id, feed_seq, content, field_seqs FROM `+t.name+
			` WHERE link_from_feed_ref_id = ? AND `+t.toCol+` = ?`,
		r.feedID, toID,
	).Scan(&rowID, &storedSeq, &contentRaw, &seqsRaw)
	if errors.Is(err, sql.ErrNoRows) {
		doc, seqs := mergeAboutFields(nil, nil, a.Fields, r.seq)
		docJSON, seqsJSON, err := marshalAbout(doc, seqs)
		if err != nil {
			return err
		}
		if _, err := b.tx.ExecContext(ctx,
			`INSERT INTO `+t.name+` (feed_seq, link_from_feed_ref_id, `+t.toCol+`, content, field_seqs)
			VALUES (?, ?, ?, ?, ?)`,
			r.dbSeq, r.feedID, toID, docJSON, seqsJSON,
		); err != nil {
			return errors.Wrapf(err, "index store: insert %s", t.name)
		}
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "index store: load %s", t.name)
	}

	var (
		doc  map[string]json.RawMessage
		seqs map[string]uint64
	)
	if err := json.Unmarshal([]byte(contentRaw), &doc); err != nil {
		return errors.Wrapf(err, "index store: decode %s content", t.name)
	}
	if err := json.Unmarshal([]byte(seqsRaw), &seqs); err != nil {
		return errors.Wrapf(err, "index store: decode %s field seqs", t.name)
	}
	doc, seqs = mergeAboutFields(doc, seqs, a.Fields, r.seq)
	docJSON, seqsJSON, err := marshalAbout(doc, seqs)
	if err != nil {
		return err
	}
	if _, err := b.tx.ExecContext(ctx,
		`UPDATE `+t.name+` SET feed_seq = MAX(feed_seq, ?), content = ?, field_seqs = ? WHERE id = ?`,
		r.dbSeq, docJSON, seqsJSON, rowID,
	); err != nil {
		return errors.Wrapf(err, "index store: update %s", t.name)
	}
	return nil
}

func mergeAboutFields(
	doc map[string]json.RawMessage,
	seqs map[string]uint64,
	fields map[string]json.RawMessage,
	seq uint64,
) (map[string]json.RawMessage, map[string]uint64) {
	if doc == nil {
		doc = map[string]json.RawMessage{}
	}
	if seqs == nil {
		seqs = map[string]uint64{}
	}
	for k, v := range fields {
		prev, seen := seqs[k]
		if seen && prev >= seq {
			continue
		}
		doc[k] = v
		seqs[k] = seq
	}
	return doc, seqs
}

func marshalAbout(doc map[string]json.RawMessage, seqs map[string]uint64) (string, string, error) {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return "", "", errors.Wrap(err, "index store: encode about content")
	}
	seqsJSON, err := json.Marshal(seqs)
	if err != nil {
		return "", "", errors.Wrap(err, "index store: encode about field seqs")
	}
	return string(docJSON), string(seqsJSON), nil
}
