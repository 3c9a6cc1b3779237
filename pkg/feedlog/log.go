// Package feedlog provides read access to the append-only message log the index is built from.
//
// Positions are opaque, strictly increasing uint64 addresses. For the flume offset log they are
// byte offsets of frame starts; for the pebble log they are sequence numbers.
package feedlog

import (
	"github.com/pkg/errors"
)

var (
	ErrNotFound = errors.New("feed log: no entry at position")
	ErrCorrupt  = errors.New("feed log: corrupt frame")
	ErrClosed   = errors.New("feed log: closed")
)

type Entry struct {
	Position uint64
	Data     []byte
}

// Log is the read side of a message log.
type Log interface {
	// Latest returns the position of the last complete entry, or ok=false for an empty log.
	Latest() (pos uint64, ok bool, err error)
	// ReadFrom iterates entries with position >= start, up to the end of the log as it was when
	// ReadFrom was called.
	ReadFrom(start uint64) Iterator
	Get(pos uint64) ([]byte, error)
}

type Iterator interface {
	Next() bool
	Entry() Entry
	Err() error
	Close() error
}

// Appender is implemented by logs that can be written to by this process.
type Appender interface {
	Append(data []byte) (uint64, error)
}

// Collect drains up to limit entries from it (limit <= 0 means no limit) and closes it.
func Collect(it Iterator, limit int) ([]Entry, error) {
	var out []Entry
	for (limit <= 0 || len(out) < limit) && it.Next() {
		out = append(out, it.Entry())
	}
	err := it.Err()
	if cerr := it.Close(); err == nil {
		err = cerr
	}
	return out, err
}

type errIterator struct{ err error }

func (e errIterator) Next() bool   { return false }
func (e errIterator) Entry() Entry { return Entry{} }
func (e errIterator) Err() error   { return e.err }
func (e errIterator) Close() error { return nil }
