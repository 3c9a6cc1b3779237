package follower

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Signal tells a running follower when the log may have grown.
type Signal interface {
	// Wake fires at least once after every change. Wakes that arrive while one is pending are
	// merged.
	Wake() <-chan struct{}
	// Run produces wakes until ctx is done.
	Run(ctx context.Context) error
}

const DefaultPollInterval = 5 * time.Second

// FileSignal watches the log with fsnotify and also wakes on a fixed interval, which covers
// filesystems that do not deliver events. A log path that is a directory (a pebble log) counts
// any change inside it. An empty path only polls.
type FileSignal struct {
	path     string
	interval time.Duration
	wake     chan struct{}
}

var _ Signal = &FileSignal{}

func NewFileSignal(path string, interval time.Duration) *FileSignal {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &FileSignal{path: path, interval: interval, wake: make(chan struct{}, 1)}
}

func (s *FileSignal) Wake() <-chan struct{} { return s.wake }

func (s *FileSignal) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *FileSignal) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var (
		events   <-chan fsnotify.Event
		errs     <-chan error
		matchAll bool
		target   string
	)
	if s.path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return errors.Wrap(err, "file signal: create watcher")
		}
		defer func() { _ = watcher.Close() }()

		target = filepath.Clean(s.path)
		dir := filepath.Dir(target)
		if fi, err := os.Stat(target); err == nil && fi.IsDir() {
			dir, matchAll = target, true
		}
		if err := watcher.Add(dir); err != nil {
			return errors.Wrapf(err, "file signal: watch %s", dir)
		}
		events, errs = watcher.Events, watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.notify()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			if matchAll || filepath.Clean(ev.Name) == target {
				s.notify()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Warn().Err(err).Str("path", s.path).Msg("file signal watcher error")
		}
	}
}
