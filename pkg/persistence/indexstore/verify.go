package indexstore

import (
	"context"

	"github.com/pkg/errors"
)

// Issue is one problem found by Verify.
type Issue struct {
	Table   string         `json:"table" yaml:"table"`
	Issue   string         `json:"issue" yaml:"issue"`
	Details map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
}

var errLimitReached = errors.New("issue limit reached")

type rowCheck struct {
	table string
	issue string
	// query selects (row id, dangling ref id) pairs.
	query string
}

var rowChecks = []rowCheck{
	{
		table: "msgs", issue: "unknown_feed_ref",
		query: `SELECT m.log_seq, m.feed_ref_id FROM msgs m
			LEFT JOIN feed_refs r ON r.id = m.feed_ref_id WHERE r.id IS NULL`,
	},
	{
		table: "msgs", issue: "unknown_msg_ref",
		query: `SELECT m.log_seq, m.msg_ref_id FROM msgs m
			LEFT JOIN msg_refs r ON r.id = m.msg_ref_id WHERE r.id IS NULL`,
	},
	{
		table: "msg_links", issue: "missing_msg_ref",
		query: `SELECT l.id, l.link_to_msg_ref_id FROM msg_links l
			LEFT JOIN msg_refs r ON r.id = l.link_to_msg_ref_id WHERE r.id IS NULL
			UNION ALL
			SELECT l.id, l.link_from_msg_ref_id FROM msg_links l
			LEFT JOIN msg_refs r ON r.id = l.link_from_msg_ref_id WHERE r.id IS NULL`,
	},
	{
		table: "feed_links", issue: "missing_feed_ref",
		query: `SELECT l.id, l.link_to_feed_ref_id FROM feed_links l
			LEFT JOIN feed_refs r ON r.id = l.link_to_feed_ref_id WHERE r.id IS NULL`,
	},
	{
		table: "blob_links", issue: "missing_blob_ref",
		query: `SELECT l.id, l.link_to_blob_ref_id FROM blob_links l
			LEFT JOIN blob_refs r ON r.id = l.link_to_blob_ref_id WHERE r.id IS NULL`,
	},
	{
		table: "post_branches", issue: "missing_msg_ref",
		query: `SELECT l.id, l.link_to_msg_ref_id FROM post_branches l
			LEFT JOIN msg_refs r ON r.id = l.link_to_msg_ref_id WHERE r.id IS NULL`,
	},
	{
		table: "posts", issue: "post_without_msg",
		query: `SELECT p.id, p.msg_ref_id FROM posts p
			LEFT JOIN msgs m ON m.msg_ref_id = p.msg_ref_id WHERE m.log_seq IS NULL`,
	},
}

// Verify runs consistency checks against the index and calls fn for each issue. It stops after
// limit issues when limit > 0. Nothing is repaired.
func (s *SQLiteIndexStore) Verify(ctx context.Context, limit int, fn func(Issue) error) (int, error) {
	if _, err := s.handle(); err != nil {
		return 0, err
	}
	count := 0
	addIssue := func(issue Issue) error {
		if limit > 0 && count >= limit {
			return errLimitReached
		}
		count++
		return fn(issue)
	}

	err := s.verify(ctx, addIssue)
	if err == errLimitReached {
		return count, nil
	}
	return count, err
}

func (s *SQLiteIndexStore) verify(ctx context.Context, addIssue func(Issue) error) error {
	rows, err := s.db.QueryContext(ctx, `PRAGMA integrity_check`)
	if err != nil {
		return errors.Wrap(err, "index store: integrity check query failed")
	}
	var problems []string
	for rows.Next() {
		var res string
		if err := rows.Scan(&res); err != nil {
			_ = rows.Close()
			return err
		}
		if res != "ok" {
			problems = append(problems, res)
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "index store: integrity check rows")
	}
	for _, p := range problems {
		if err := addIssue(Issue{Table: "*", Issue: "integrity", Details: map[string]any{"message": p}}); err != nil {
			return err
		}
	}

	version, ok, _, err := s.schemaVersion(ctx)
	if err != nil {
		return errors.Wrap(err, "index store: read schema version")
	}
	if !ok || version != SchemaVersion {
		if err := addIssue(Issue{
			Table:   "migrations",
			Issue:   "version_mismatch",
			Details: map[string]any{"found": version, "want": SchemaVersion, "present": ok},
		}); err != nil {
			return err
		}
	}

	for _, c := range rowChecks {
		if err := s.runRowCheck(ctx, c, addIssue); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndexStore) runRowCheck(ctx context.Context, c rowCheck, addIssue func(Issue) error) error {
	rows, err := s.db.QueryContext(ctx, c.query)
	if err != nil {
		return errors.Wrapf(err, "index store: %s %s query failed", c.table, c.issue)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var rowID, refID int64
		if err := rows.Scan(&rowID, &refID); err != nil {
			return err
		}
		if err := addIssue(Issue{
			Table:   c.table,
			Issue:   c.issue,
			Details: map[string]any{"row_id": rowID, "ref_id": refID},
		}); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrapf(err, "index store: %s %s rows", c.table, c.issue)
	}
	return nil
}
