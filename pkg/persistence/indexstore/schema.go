package indexstore

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SchemaVersion is bumped whenever a table changes shape. A mismatch wipes the index.
const SchemaVersion = 2

var createTableStmts = []string{
	`CREATE TABLE IF NOT EXISTS migrations (
		id INTEGER PRIMARY KEY,
		version INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS msgs (
		msg_ref_id INTEGER UNIQUE NOT NULL,
		log_seq INTEGER PRIMARY KEY,
		feed_ref_id INTEGER NOT NULL,
		feed_seq INTEGER NOT NULL,
		timestamp_received REAL,
		timestamp_asserted REAL,
		content_type TEXT,
		content JSON,
		is_encrypted BOOLEAN NOT NULL,
		is_decrypted BOOLEAN NOT NULL,
		FOREIGN KEY(msg_ref_id) REFERENCES msg_refs(id) ON DELETE RESTRICT,
		FOREIGN KEY(feed_ref_id) REFERENCES feed_refs(id) ON DELETE RESTRICT
	)`,
	`CREATE TABLE IF NOT EXISTS msg_refs (
		id INTEGER PRIMARY KEY,
		msg_ref TEXT UNIQUE NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS feed_refs (
		id INTEGER PRIMARY KEY,
		feed_ref TEXT UNIQUE NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS blob_refs (
		id INTEGER PRIMARY KEY,
		blob_ref TEXT UNIQUE NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS msg_links (
		id INTEGER PRIMARY KEY,
		link_from_msg_ref_id INTEGER NOT NULL,
		link_to_msg_ref_id INTEGER NOT NULL,
		FOREIGN KEY(link_from_msg_ref_id) REFERENCES msg_refs(id) ON DELETE RESTRICT,
		FOREIGN KEY(link_to_msg_ref_id) REFERENCES msg_refs(id) ON DELETE RESTRICT
	)`,
	`CREATE TABLE IF NOT EXISTS feed_links (
		id INTEGER PRIMARY KEY,
		link_from_msg_ref_id INTEGER NOT NULL,
		link_to_feed_ref_id INTEGER NOT NULL,
		FOREIGN KEY(link_from_msg_ref_id) REFERENCES msg_refs(id) ON DELETE RESTRICT,
		FOREIGN KEY(link_to_feed_ref_id) REFERENCES feed_refs(id) ON DELETE RESTRICT
	)`,
	`CREATE TABLE IF NOT EXISTS blob_links (
		id INTEGER PRIMARY KEY,
		link_from_msg_ref_id INTEGER NOT NULL,
		link_to_blob_ref_id INTEGER NOT NULL,
		FOREIGN KEY(link_from_msg_ref_id) REFERENCES msg_refs(id) ON DELETE RESTRICT,
		FOREIGN KEY(link_to_blob_ref_id) REFERENCES blob_refs(id) ON DELETE RESTRICT
	)`,
	`CREATE TABLE IF NOT EXISTS posts (
		id INTEGER PRIMARY KEY,
		msg_ref_id INTEGER UNIQUE NOT NULL,
		root_msg_ref_id INTEGER,
		fork_msg_ref_id INTEGER,
		FOREIGN KEY(msg_ref_id) REFERENCES msg_refs(id) ON DELETE RESTRICT,
		FOREIGN KEY(root_msg_ref_id) REFERENCES msg_refs(id) ON DELETE RESTRICT,
		FOREIGN KEY(fork_msg_ref_id) REFERENCES msg_refs(id) ON DELETE RESTRICT
	)`,
	`CREATE TABLE IF NOT EXISTS post_branches (
		id INTEGER PRIMARY KEY,
		link_from_msg_ref_id INTEGER NOT NULL,
		link_to_msg_ref_id INTEGER NOT NULL,
		FOREIGN KEY(link_from_msg_ref_id) REFERENCES msg_refs(id) ON DELETE RESTRICT,
		FOREIGN KEY(link_to_msg_ref_id) REFERENCES msg_refs(id) ON DELETE RESTRICT
	)`,
	`CREATE TABLE IF NOT EXISTS contacts (
		id INTEGER PRIMARY KEY,
		feed_ref_id INTEGER NOT NULL,
		contact_feed_ref_id INTEGER NOT NULL,
		is_decrypted BOOLEAN NOT NULL,
		state INTEGER NOT NULL,
		feed_seq INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY(feed_ref_id) REFERENCES feed_refs(id) ON DELETE RESTRICT,
		FOREIGN KEY(contact_feed_ref_id) REFERENCES feed_refs(id) ON DELETE RESTRICT
	)`,
	`CREATE TABLE IF NOT EXISTS votes (
		id INTEGER PRIMARY KEY,
		feed_seq INTEGER NOT NULL,
		link_from_feed_ref_id INTEGER NOT NULL,
		link_to_msg_ref_id INTEGER NOT NULL,
		value INTEGER NOT NULL,
		expression TEXT,
		FOREIGN KEY(link_from_feed_ref_id) REFERENCES feed_refs(id) ON DELETE RESTRICT,
		FOREIGN KEY(link_to_msg_ref_id) REFERENCES msg_refs(id) ON DELETE RESTRICT
	)`,
	`CREATE TABLE IF NOT EXISTS about_feeds (
		id INTEGER PRIMARY KEY,
		feed_seq INTEGER NOT NULL,
		link_from_feed_ref_id INTEGER NOT NULL,
		link_to_feed_ref_id INTEGER NOT NULL,
		content JSON NOT NULL,
		field_seqs JSON NOT NULL DEFAULT '{}',
		FOREIGN KEY(link_from_feed_ref_id) REFERENCES feed_refs(id) ON DELETE RESTRICT,
		FOREIGN KEY(link_to_feed_ref_id) REFERENCES feed_refs(id) ON DELETE RESTRICT
	)`,
	`CREATE TABLE IF NOT EXISTS about_msgs (
		id INTEGER PRIMARY KEY,
		feed_seq INTEGER NOT NULL,
		link_from_feed_ref_id INTEGER NOT NULL,
		link_to_msg_ref_id INTEGER NOT NULL,
		content JSON NOT NULL,
		field_seqs JSON NOT NULL DEFAULT '{}',
		FOREIGN KEY(link_from_feed_ref_id) REFERENCES feed_refs(id) ON DELETE RESTRICT,
		FOREIGN KEY(link_to_msg_ref_id) REFERENCES msg_refs(id) ON DELETE RESTRICT
	)`,
}

var createIndexStmts = []string{
	`CREATE INDEX IF NOT EXISTS msgs_feed_seq_index ON msgs (feed_ref_id, feed_seq)`,
	`CREATE INDEX IF NOT EXISTS msgs_content_type_index ON msgs (content_type)`,
	`CREATE INDEX IF NOT EXISTS msg_links_from_index ON msg_links (link_from_msg_ref_id)`,
	`CREATE INDEX IF NOT EXISTS msg_links_to_index ON msg_links (link_to_msg_ref_id)`,
	`CREATE INDEX IF NOT EXISTS feed_links_from_index ON feed_links (link_from_msg_ref_id)`,
	`CREATE INDEX IF NOT EXISTS feed_links_to_index ON feed_links (link_to_feed_ref_id)`,
	`CREATE INDEX IF NOT EXISTS blob_links_from_index ON blob_links (link_from_msg_ref_id)`,
	`CREATE INDEX IF NOT EXISTS blob_links_to_index ON blob_links (link_to_blob_ref_id)`,
	`CREATE INDEX IF NOT EXISTS posts_root_index ON posts (root_msg_ref_id)`,
	`CREATE INDEX IF NOT EXISTS posts_fork_index ON posts (fork_msg_ref_id)`,
	`CREATE INDEX IF NOT EXISTS post_branches_from_index ON post_branches (link_from_msg_ref_id)`,
	`CREATE INDEX IF NOT EXISTS post_branches_to_index ON post_branches (link_to_msg_ref_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS contacts_pair_index ON contacts (feed_ref_id, contact_feed_ref_id, is_decrypted)`,
	`CREATE INDEX IF NOT EXISTS contacts_contact_index ON contacts (contact_feed_ref_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS votes_pair_index ON votes (link_from_feed_ref_id, link_to_msg_ref_id)`,
	`CREATE INDEX IF NOT EXISTS votes_to_index ON votes (link_to_msg_ref_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS about_feeds_pair_index ON about_feeds (link_from_feed_ref_id, link_to_feed_ref_id)`,
	`CREATE INDEX IF NOT EXISTS about_feeds_to_index ON about_feeds (link_to_feed_ref_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS about_msgs_pair_index ON about_msgs (link_from_feed_ref_id, link_to_msg_ref_id)`,
	`CREATE INDEX IF NOT EXISTS about_msgs_to_index ON about_msgs (link_to_msg_ref_id)`,
}

// schemaVersion reads the recorded version. ok=false means no usable marker was found; empty
// reports whether the database has no tables at all.
func (s *SQLiteIndexStore) schemaVersion(ctx context.Context) (version int, ok bool, empty bool, err error) {
	var tables int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`,
	).Scan(&tables); err != nil {
		return 0, false, false, err
	}
	if tables == 0 {
		return 0, false, true, nil
	}
	err = s.db.QueryRowContext(ctx, `SELECT version FROM migrations WHERE id = 1`).Scan(&version)
	switch {
	case err == nil:
		return version, true, false, nil
	case errors.Is(err, sql.ErrNoRows), strings.Contains(err.Error(), "no such table"):
		return 0, false, false, nil
	default:
		return 0, false, false, err
	}
}

func (s *SQLiteIndexStore) migrate(ctx context.Context) error {
	version, ok, empty, err := s.schemaVersion(ctx)
	if err != nil {
		// an unreadable file cannot hold anything worth keeping
		log.Warn().Err(err).Str("dsn", s.dsn).Msg("index store unreadable, rebuilding")
		if err := s.reset(ctx); err != nil {
			return err
		}
	} else if !empty && (!ok || version != SchemaVersion) {
		log.Info().
			Int("found_version", version).
			Int("want_version", SchemaVersion).
			Str("dsn", s.dsn).
			Msg("index store out of date, rebuilding")
		if err := s.reset(ctx); err != nil {
			return err
		}
	}

	for _, stmt := range createTableStmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "index store: migrate")
		}
	}
	for _, stmt := range createIndexStmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "index store: migrate indexes")
		}
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO migrations (id, version) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version
	`, SchemaVersion); err != nil {
		return errors.Wrap(err, "index store: record schema version")
	}
	return nil
}

// reset empties the store. File backed stores are deleted and reopened; anything else has its
// tables dropped.
func (s *SQLiteIndexStore) reset(ctx context.Context) error {
	s.rebuilt = true
	s.refs.Purge()

	if s.path != "" {
		if err := s.db.Close(); err != nil {
			return errors.Wrap(err, "index store: close before rebuild")
		}
		s.db = nil
		if err := removeDBFiles(s.path); err != nil {
			return err
		}
		return s.open()
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "index store: reset")
	}
	defer func() { _ = conn.Close() }()

	rows, err := conn.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return errors.Wrap(err, "index store: list tables")
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return errors.Wrap(err, "index store: list tables")
		}
		tables = append(tables, name)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "index store: list tables")
	}

	if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys = OFF`); err != nil {
		return errors.Wrap(err, "index store: reset")
	}
	for _, name := range tables {
		if _, err := conn.ExecContext(ctx, `DROP TABLE IF EXISTS "`+name+`"`); err != nil {
			return errors.Wrapf(err, "index store: drop %s", name)
		}
	}
	if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return errors.Wrap(err, "index store: reset")
	}
	return nil
}
