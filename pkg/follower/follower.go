// Package follower keeps the SQLite index in step with the message log.
//
// The index position is derived from the index itself (the highest applied log position), so a
// crash between chunks loses nothing: the next run picks up after the last committed chunk.
package follower

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ahdinosaur/ssb-archive/pkg/feedlog"
	"github.com/ahdinosaur/ssb-archive/pkg/ssbmsg"
	"github.com/ahdinosaur/ssb-archive/pkg/ssbref"
)

// ErrNoProgress is returned when the log reports entries beyond the index but yields none of
// them.
var ErrNoProgress = errors.New("follower: log is ahead of index but yielded no entries")

const DefaultReadLimit = 10000

type State int

const (
	CaughtUp State = iota
	Behind
)

func (s State) String() string {
	if s == CaughtUp {
		return "caught_up"
	}
	return "behind"
}

type Follower struct {
	log       feedlog.Log
	pipeline  *Pipeline
	readLimit int

	mu sync.Mutex
	// consumed is the last position handled in this process, skipped entries included. It lets
	// the follower move past malformed entries, which leave no row behind.
	consumed   uint64
	consumedOK bool
}

type Option func(*Follower)

func WithReadLimit(n int) Option {
	return func(f *Follower) {
		if n > 0 {
			f.readLimit = n
		}
	}
}

func New(l feedlog.Log, p *Pipeline, opts ...Option) *Follower {
	f := &Follower{log: l, pipeline: p, readLimit: DefaultReadLimit}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// cursor returns where reading should resume: the later of the index latest and what this
// process already consumed.
func (f *Follower) cursor(indexLatest uint64, indexOK bool) (uint64, bool) {
	if f.consumedOK && (!indexOK || f.consumed > indexLatest) {
		return f.consumed, true
	}
	return indexLatest, indexOK
}

// Step runs one catch-up iteration: read at most the read limit of new entries and apply them.
func (f *Follower) Step(ctx context.Context) (State, BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	logLatest, logOK, err := f.log.Latest()
	if err != nil {
		return Behind, BatchResult{}, errors.Wrap(err, "follower: log latest")
	}
	indexLatest, indexOK, err := f.pipeline.store.Latest(ctx)
	if err != nil {
		return Behind, BatchResult{}, errors.Wrap(err, "follower: index latest")
	}
	if logOK {
		f.pipeline.metrics.setLogLatest(logLatest)
	}

	cur, curOK := f.cursor(indexLatest, indexOK)
	if !logOK {
		if curOK {
			log.Warn().Uint64("index_latest", cur).Msg("log is empty but index is not")
		}
		return CaughtUp, BatchResult{}, nil
	}
	if curOK && cur >= logLatest {
		if cur > logLatest {
			log.Warn().
				Uint64("index_latest", cur).
				Uint64("log_latest", logLatest).
				Msg("index is ahead of log")
		}
		return CaughtUp, BatchResult{}, nil
	}

	var start uint64
	if curOK {
		start = cur
	}
	entries, err := f.read(start, curOK)
	if err != nil {
		return Behind, BatchResult{}, err
	}
	if len(entries) == 0 {
		return Behind, BatchResult{}, ErrNoProgress
	}

	res, err := f.pipeline.Apply(ctx, entries)
	if res.Committed {
		f.consumed, f.consumedOK = res.Last, true
	}
	return Behind, res, err
}

// read takes up to the read limit of entries from start. When skipCursor is set and the first
// entry sits exactly at start it is the already-indexed entry and is dropped. A log that yields
// a later first position has nothing at start, so nothing is dropped.
func (f *Follower) read(start uint64, skipCursor bool) ([]feedlog.Entry, error) {
	it := f.log.ReadFrom(start)
	defer func() { _ = it.Close() }()

	entries := make([]feedlog.Entry, 0, min(f.readLimit, 1024))
	first := true
	for len(entries) < f.readLimit && it.Next() {
		e := it.Entry()
		if first {
			first = false
			if skipCursor && e.Position == start {
				continue
			}
		}
		entries = append(entries, e)
	}
	if err := it.Err(); err != nil {
		if len(entries) == 0 {
			return nil, errors.Wrapf(err, "follower: read log from %d", start)
		}
		// apply what was read; the failing position is retried on the next step
		log.Warn().Err(err).
			Uint64("from", start).
			Int("read", len(entries)).
			Msg("log read stopped early")
	}
	return entries, nil
}

// CatchUp steps until the index has everything the log had when each step started.
func (f *Follower) CatchUp(ctx context.Context) (BatchResult, error) {
	runID := uuid.NewString()
	started := time.Now()
	logger := log.With().Str("component", "follower").Str("run_id", runID).Logger()

	var total BatchResult
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		state, res, err := f.Step(ctx)
		total.Merge(res)
		if err != nil {
			logger.Error().Err(err).Int("applied", total.Applied).Msg("catch-up failed")
			return total, err
		}
		if state == CaughtUp {
			break
		}
		logger.Debug().
			Int("applied", res.Applied).
			Int("skipped", res.Skipped).
			Uint64("last", res.Last).
			Msg("catch-up step")
	}

	if total.Committed {
		logger.Info().
			Int("applied", total.Applied).
			Int("skipped", total.Skipped).
			Int("decrypted", total.Decrypted).
			Uint64("first", total.First).
			Uint64("last", total.Last).
			Dur("took", time.Since(started)).
			Msg("caught up")
	}
	return total, nil
}

// Run catches up, then catches up again every time sig fires, until ctx is done.
func (f *Follower) Run(ctx context.Context, sig Signal) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sig.Run(ctx)
	})
	g.Go(func() error {
		for {
			_, err := f.CatchUp(ctx)
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, ErrNoProgress):
				// a writer may be mid-append; try again on the next wake
				log.Warn().Err(err).Msg("follower made no progress, waiting")
			case err != nil:
				return err
			}
			select {
			case <-ctx.Done():
				return nil
			case <-sig.Wake():
			}
		}
	})
	return g.Wait()
}

// GetMessage returns an indexed message. Private messages this indexer could decrypt come back
// with their plaintext content.
func (f *Follower) GetMessage(ctx context.Context, msg ssbref.Msg) (*ssbmsg.Message, bool, error) {
	pos, ok, err := f.pipeline.store.GetMsgLogSeq(ctx, msg)
	if err != nil || !ok {
		return nil, false, err
	}
	m, err := f.MessageAt(ctx, pos)
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// MessageAt reads the message stored at a log position, substituting decrypted content the same
// way GetMessage does.
func (f *Follower) MessageAt(ctx context.Context, pos uint64) (*ssbmsg.Message, error) {
	data, err := f.log.Get(pos)
	if err != nil {
		return nil, errors.Wrapf(err, "follower: get log entry at %d", pos)
	}
	m, err := ssbmsg.DecodeMessage(data)
	if err != nil {
		return nil, err
	}
	if m.IsEncrypted() {
		content, decrypted, err := f.pipeline.store.MsgContent(ctx, m.Key)
		if err != nil {
			return nil, err
		}
		if decrypted && json.Valid(content) {
			m.Content = content
		}
	}
	return m, nil
}
