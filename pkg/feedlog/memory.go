package feedlog

import (
	"sort"
	"sync"
)

// MemoryLog keeps entries in a slice, addressed with the same offsets a flume offset log would
// assign to them.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []Entry
	end     uint64
}

var (
	_ Log      = &MemoryLog{}
	_ Appender = &MemoryLog{}
)

func NewMemoryLog(items ...[]byte) *MemoryLog {
	l := &MemoryLog{}
	for _, item := range items {
		_, _ = l.Append(item)
	}
	return l
}

func (l *MemoryLog) Append(data []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos := l.end
	l.entries = append(l.entries, Entry{Position: pos, Data: append([]byte(nil), data...)})
	l.end += uint64(len(data)) + frameOverhead
	return pos, nil
}

func (l *MemoryLog) Latest() (uint64, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return 0, false, nil
	}
	return l.entries[len(l.entries)-1].Position, true, nil
}

func (l *MemoryLog) Positions() []uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]uint64, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.Position
	}
	return out
}

func (l *MemoryLog) Get(pos uint64) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := l.search(pos)
	if i == len(l.entries) || l.entries[i].Position != pos {
		return nil, ErrNotFound
	}
	return l.entries[i].Data, nil
}

func (l *MemoryLog) search(pos uint64) int {
	return sort.Search(len(l.entries), func(i int) bool { return l.entries[i].Position >= pos })
}

func (l *MemoryLog) ReadFrom(start uint64) Iterator {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := l.search(start)
	snapshot := make([]Entry, len(l.entries)-i)
	copy(snapshot, l.entries[i:])
	return &sliceIterator{entries: snapshot, idx: -1}
}

type sliceIterator struct {
	entries []Entry
	idx     int
}

func (it *sliceIterator) Next() bool {
	if it.idx+1 >= len(it.entries) {
		return false
	}
	it.idx++
	return true
}

func (it *sliceIterator) Entry() Entry { return it.entries[it.idx] }
func (it *sliceIterator) Err() error   { return nil }
func (it *sliceIterator) Close() error { return nil }
