package feedlog

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

const entryKeyPrefix = 'E'

func entryKey(pos uint64) []byte {
	key := make([]byte, 0, 9)
	key = append(key, entryKeyPrefix)
	return binary.BigEndian.AppendUint64(key, pos)
}

func entryKeyPos(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[1:])
}

// PebbleLog stores entries in a pebble database under sequential positions starting at 0.
type PebbleLog struct {
	db *pebble.DB

	mu     sync.Mutex
	next   uint64
	closed bool
}

var (
	_ Log      = &PebbleLog{}
	_ Appender = &PebbleLog{}
)

func OpenPebbleLog(dir string) (*PebbleLog, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "pebble log: open %s", dir)
	}
	l := &PebbleLog{db: db}
	latest, ok, err := l.Latest()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if ok {
		l.next = latest + 1
	}
	return l, nil
}

func (l *PebbleLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}

func (l *PebbleLog) Append(data []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	pos := l.next
	if err := l.db.Set(entryKey(pos), data, pebble.Sync); err != nil {
		return 0, errors.Wrapf(err, "pebble log: append at %d", pos)
	}
	l.next++
	return pos, nil
}

func (l *PebbleLog) entryIter(lower, upper []byte) (*pebble.Iterator, error) {
	it, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, errors.Wrap(err, "pebble log: new iterator")
	}
	return it, nil
}

func (l *PebbleLog) Latest() (uint64, bool, error) {
	it, err := l.entryIter([]byte{entryKeyPrefix}, []byte{entryKeyPrefix + 1})
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = it.Close() }()
	if !it.Last() {
		return 0, false, errors.Wrap(it.Error(), "pebble log: latest")
	}
	return entryKeyPos(it.Key()), true, nil
}

func (l *PebbleLog) Get(pos uint64) ([]byte, error) {
	value, closer, err := l.db.Get(entryKey(pos))
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "pebble log: get %d", pos)
	}
	defer func() { _ = closer.Close() }()
	return append([]byte(nil), value...), nil
}

func (l *PebbleLog) ReadFrom(start uint64) Iterator {
	latest, ok, err := l.Latest()
	if err != nil {
		return errIterator{err: err}
	}
	if !ok || start > latest {
		return &sliceIterator{idx: -1}
	}
	it, err := l.entryIter(entryKey(start), entryKey(latest+1))
	if err != nil {
		return errIterator{err: err}
	}
	return &pebbleIterator{it: it}
}

type pebbleIterator struct {
	it      *pebble.Iterator
	started bool
	cur     Entry
}

func (p *pebbleIterator) Next() bool {
	var valid bool
	if !p.started {
		p.started = true
		valid = p.it.First()
	} else {
		valid = p.it.Next()
	}
	if !valid {
		return false
	}
	p.cur = Entry{
		Position: entryKeyPos(p.it.Key()),
		Data:     append([]byte(nil), p.it.Value()...),
	}
	return true
}

func (p *pebbleIterator) Entry() Entry { return p.cur }
func (p *pebbleIterator) Err() error   { return p.it.Error() }
func (p *pebbleIterator) Close() error { return p.it.Close() }
