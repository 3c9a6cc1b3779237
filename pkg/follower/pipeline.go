package follower

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ahdinosaur/ssb-archive/pkg/feedlog"
	"github.com/ahdinosaur/ssb-archive/pkg/persistence/indexstore"
	"github.com/ahdinosaur/ssb-archive/pkg/privatebox"
	"github.com/ahdinosaur/ssb-archive/pkg/ssbmsg"
	"github.com/ahdinosaur/ssb-archive/pkg/ssbref"
)

const DefaultChunkSize = 1000

// Store is the index the pipeline writes to.
type Store interface {
	Latest(ctx context.Context) (uint64, bool, error)
	BeginBatch(ctx context.Context) (*indexstore.Batch, error)
	GetMsgLogSeq(ctx context.Context, msg ssbref.Msg) (uint64, bool, error)
	MsgContent(ctx context.Context, msg ssbref.Msg) (json.RawMessage, bool, error)
}

var _ Store = &indexstore.SQLiteIndexStore{}

// Notifier is told about every committed chunk. Errors are logged and otherwise ignored.
type Notifier interface {
	ChunkCommitted(ctx context.Context, res BatchResult) error
}

// ApplyError reports the log position at which a chunk failed. The chunk was rolled back.
type ApplyError struct {
	Position uint64
	Err      error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply log entry at %d: %v", e.Position, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }
func (e *ApplyError) Cause() error  { return e.Err }

// BatchResult summarises what a run of chunks did. First and Last cover every committed entry,
// skipped ones included.
type BatchResult struct {
	Applied    int            `json:"applied" yaml:"applied"`
	Duplicates int            `json:"duplicates" yaml:"duplicates"`
	Skipped    int            `json:"skipped" yaml:"skipped"`
	Encrypted  int            `json:"encrypted" yaml:"encrypted"`
	Decrypted  int            `json:"decrypted" yaml:"decrypted"`
	Hashtags   int            `json:"hashtags" yaml:"hashtags"`
	ByType     map[string]int `json:"by_type,omitempty" yaml:"by_type,omitempty"`
	Chunks     int            `json:"chunks" yaml:"chunks"`
	Committed  bool           `json:"committed" yaml:"committed"`
	First      uint64         `json:"first" yaml:"first"`
	Last       uint64         `json:"last" yaml:"last"`
}

func (r *BatchResult) cover(pos uint64) {
	if !r.Committed {
		r.First = pos
		r.Committed = true
	}
	r.Last = pos
}

func (r *BatchResult) countType(typ string) {
	if typ == "" {
		typ = "none"
	}
	if r.ByType == nil {
		r.ByType = map[string]int{}
	}
	r.ByType[typ]++
}

func (r *BatchResult) Merge(o BatchResult) {
	if !o.Committed {
		return
	}
	r.Applied += o.Applied
	r.Duplicates += o.Duplicates
	r.Skipped += o.Skipped
	r.Encrypted += o.Encrypted
	r.Decrypted += o.Decrypted
	r.Hashtags += o.Hashtags
	r.Chunks += o.Chunks
	for k, n := range o.ByType {
		if r.ByType == nil {
			r.ByType = map[string]int{}
		}
		r.ByType[k] += n
	}
	if !r.Committed {
		r.First = o.First
		r.Committed = true
	}
	r.Last = o.Last
}

// Pipeline applies log entries to the index in chunked transactions.
type Pipeline struct {
	store     Store
	keys      []privatebox.SecretKey
	chunkSize int
	metrics   *Metrics
	notifier  Notifier

	// afterApply runs after each entry is written, inside the chunk transaction.
	afterApply func(feedlog.Entry) error
}

type PipelineOption func(*Pipeline)

func WithKeys(keys []privatebox.SecretKey) PipelineOption {
	return func(p *Pipeline) { p.keys = keys }
}

func WithChunkSize(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.chunkSize = n
		}
	}
}

func WithMetrics(m *Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

func WithNotifier(n Notifier) PipelineOption {
	return func(p *Pipeline) { p.notifier = n }
}

func NewPipeline(store Store, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{store: store, chunkSize: DefaultChunkSize}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Apply writes entries in log order, one transaction per chunk. On a storage error the failing
// chunk is rolled back and an *ApplyError is returned together with the results of the chunks
// committed before it. ctx is only checked between chunks.
func (p *Pipeline) Apply(ctx context.Context, entries []feedlog.Entry) (BatchResult, error) {
	var total BatchResult
	for start := 0; start < len(entries); start += p.chunkSize {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		end := min(start+p.chunkSize, len(entries))

		started := time.Now()
		res, err := p.applyChunk(entries[start:end])
		if err != nil {
			p.metrics.chunkFailed()
			return total, err
		}
		p.metrics.observeChunk(res, time.Since(started))
		total.Merge(res)

		if p.notifier != nil {
			if err := p.notifier.ChunkCommitted(ctx, res); err != nil {
				log.Warn().Err(err).Uint64("last", res.Last).Msg("chunk notification failed")
			}
		}
	}
	return total, nil
}

func (p *Pipeline) applyChunk(chunk []feedlog.Entry) (BatchResult, error) {
	// the chunk runs to completion or rollback regardless of the caller's context
	ctx := context.Background()
	var res BatchResult

	b, err := p.store.BeginBatch(ctx)
	if err != nil {
		return BatchResult{}, &ApplyError{Position: chunk[0].Position, Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = b.Rollback()
		}
	}()

	for _, e := range chunk {
		rec, err := p.prepare(e)
		if err != nil {
			log.Debug().Err(err).Uint64("position", e.Position).Msg("skipping malformed log entry")
			res.Skipped++
			res.cover(e.Position)
			continue
		}

		inserted, err := b.Apply(ctx, rec)
		if err != nil {
			return BatchResult{}, &ApplyError{Position: e.Position, Err: err}
		}
		if p.afterApply != nil {
			if err := p.afterApply(e); err != nil {
				return BatchResult{}, &ApplyError{Position: e.Position, Err: err}
			}
		}
		res.cover(e.Position)
		if !inserted {
			res.Duplicates++
			continue
		}
		res.Applied++
		if rec.IsEncrypted {
			res.Encrypted++
		}
		if rec.IsDecrypted {
			res.Decrypted++
		}
		if rec.Parsed == nil {
			res.countType("encrypted")
			continue
		}
		res.countType(rec.Parsed.ContentType())
		if post, ok := rec.Parsed.(*ssbmsg.Post); ok {
			res.Hashtags += len(ssbref.FindHashtags(post.Text))
		}
	}

	if err := b.Commit(); err != nil {
		return BatchResult{}, &ApplyError{Position: chunk[len(chunk)-1].Position, Err: err}
	}
	committed = true
	res.Chunks = 1
	return res, nil
}
