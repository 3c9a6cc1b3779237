package indexstore

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ahdinosaur/ssb-archive/pkg/ssbref"
)

type refTable struct {
	insert string
	lookup string
	name   string
}

var refTables = map[ssbref.Kind]refTable{
	ssbref.KindMsg: {
		insert: `INSERT INTO msg_refs (msg_ref) VALUES (?) ON CONFLICT(msg_ref) DO NOTHING`,
		lookup: `SELECT id FROM msg_refs WHERE msg_ref = ?`,
		name:   "msg_refs",
	},
	ssbref.KindFeed: {
		insert: `INSERT INTO feed_refs (feed_ref) VALUES (?) ON CONFLICT(feed_ref) DO NOTHING`,
		lookup: `SELECT id FROM feed_refs WHERE feed_ref = ?`,
		name:   "feed_refs",
	},
	ssbref.KindBlob: {
		insert: `INSERT INTO blob_refs (blob_ref) VALUES (?) ON CONFLICT(blob_ref) DO NOTHING`,
		lookup: `SELECT id FROM blob_refs WHERE blob_ref = ?`,
		name:   "blob_refs",
	},
}

// internRef returns the surrogate id for link, creating it if needed. Ids found or created inside
// the batch are staged and only published to the shared cache on commit, so a rolled back batch
// never leaves dangling ids behind.
func (b *Batch) internRef(ctx context.Context, link ssbref.Link) (int64, error) {
	key := link.String()
	if id, ok := b.staged[key]; ok {
		return id, nil
	}
	if id, ok := b.s.refs.Get(key); ok {
		return id, nil
	}
	t, ok := refTables[link.Kind()]
	if !ok {
		return 0, errors.Errorf("index store: no ref table for %s", link.Kind())
	}
	if _, err := b.tx.ExecContext(ctx, t.insert, key); err != nil {
		return 0, errors.Wrapf(err, "index store: intern into %s", t.name)
	}
	var id int64
	if err := b.tx.QueryRowContext(ctx, t.lookup, key).Scan(&id); err != nil {
		return 0, errors.Wrapf(err, "index store: lookup in %s", t.name)
	}
	b.staged[key] = id
	return id, nil
}
