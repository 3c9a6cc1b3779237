package feedlog

import (
	"encoding/binary"
	"io"
	"math"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// Flume offset log framing (u32 variant):
//
//	[len u32][data][len u32][offset of next frame u32]
//
// all big endian. A frame's position is the byte offset of its first length field.
const (
	frameLenSize  = 4
	frameOverhead = 3 * frameLenSize
)

// EncodeFrame appends the frame for data, starting at offset, to dst.
func EncodeFrame(dst []byte, offset uint64, data []byte) ([]byte, error) {
	end := offset + uint64(len(data)) + frameOverhead
	if end > math.MaxUint32 {
		return dst, errors.Errorf("offset log: frame end %d exceeds u32", end)
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(data)))
	dst = append(dst, data...)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(data)))
	dst = binary.BigEndian.AppendUint32(dst, uint32(end))
	return dst, nil
}

// errIncomplete marks a frame that runs past the end of the file. A writer in another process
// may still be appending it.
var errIncomplete = errors.New("offset log: incomplete frame")

// OffsetLog reads a flume `log.offset` file. The file may be appended to by another process;
// every call re-reads the current size.
type OffsetLog struct {
	path string
	f    *os.File

	// end of the complete frames scanned so far, and the last of them
	mu      sync.Mutex
	scanEnd uint64
	last    uint64
	lastOK  bool
}

var _ Log = &OffsetLog{}

func OpenOffsetLog(path string) (*OffsetLog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "offset log: open %s", path)
	}
	return &OffsetLog{path: path, f: f}, nil
}

func (l *OffsetLog) Path() string { return l.path }

func (l *OffsetLog) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

func (l *OffsetLog) size() (int64, error) {
	if l == nil || l.f == nil {
		return 0, ErrClosed
	}
	fi, err := l.f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "offset log: stat")
	}
	return fi.Size(), nil
}

// Latest returns the position of the last complete frame. A frame still being written at the
// end of the file is not counted.
func (l *OffsetLog) Latest() (uint64, bool, error) {
	size, err := l.size()
	if err != nil {
		return 0, false, err
	}
	if size == 0 {
		return 0, false, nil
	}
	if size >= frameOverhead {
		var tail [2 * frameLenSize]byte
		if _, err := l.f.ReadAt(tail[:], size-int64(len(tail))); err != nil {
			return 0, false, errors.Wrap(err, "offset log: read tail")
		}
		dataLen := int64(binary.BigEndian.Uint32(tail[:frameLenSize]))
		end := int64(binary.BigEndian.Uint32(tail[frameLenSize:]))
		if start := size - frameOverhead - dataLen; end == size && start >= 0 && l.headLen(start) == dataLen {
			l.mu.Lock()
			l.scanEnd, l.last, l.lastOK = uint64(size), uint64(start), true
			l.mu.Unlock()
			return uint64(start), true, nil
		}
	}
	return l.lastComplete(size)
}

// headLen returns the leading length field of the frame at pos, or -1 when it cannot be read.
func (l *OffsetLog) headLen(pos int64) int64 {
	var head [frameLenSize]byte
	if _, err := l.f.ReadAt(head[:], pos); err != nil {
		return -1
	}
	return int64(binary.BigEndian.Uint32(head[:]))
}

// lastComplete walks frames from the end of the previous scan up to size and stops at the first
// incomplete one.
func (l *OffsetLog) lastComplete(size int64) (uint64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if int64(l.scanEnd) > size {
		l.scanEnd, l.last, l.lastOK = 0, 0, false
	}
	for pos := l.scanEnd; int64(pos) < size; {
		next, err := l.frameEnd(pos, size)
		if errors.Is(err, errIncomplete) {
			break
		}
		if err != nil {
			return 0, false, err
		}
		l.scanEnd, l.last, l.lastOK = next, pos, true
		pos = next
	}
	return l.last, l.lastOK, nil
}

// frameEnd checks the frame at pos without reading its data.
func (l *OffsetLog) frameEnd(pos uint64, limit int64) (uint64, error) {
	if int64(pos)+frameOverhead > limit {
		return 0, errIncomplete
	}
	var head [frameLenSize]byte
	if _, err := l.f.ReadAt(head[:], int64(pos)); err != nil {
		return 0, errors.Wrapf(err, "offset log: read frame at %d", pos)
	}
	dataLen := uint64(binary.BigEndian.Uint32(head[:]))
	next := pos + frameOverhead + dataLen
	if int64(next) > limit {
		return 0, errIncomplete
	}
	var tail [2 * frameLenSize]byte
	if _, err := l.f.ReadAt(tail[:], int64(next)-int64(len(tail))); err != nil {
		return 0, errors.Wrapf(err, "offset log: read frame at %d", pos)
	}
	if trailing := uint64(binary.BigEndian.Uint32(tail[:frameLenSize])); trailing != dataLen {
		return 0, errors.Wrapf(ErrCorrupt, "frame at %d has length %d/%d", pos, dataLen, trailing)
	}
	if end := uint64(binary.BigEndian.Uint32(tail[frameLenSize:])); end != next {
		return 0, errors.Wrapf(ErrCorrupt, "frame at %d claims end %d, want %d", pos, end, next)
	}
	return next, nil
}

// readFrame reads the frame at pos, which must end at or before limit.
func (l *OffsetLog) readFrame(pos uint64, limit int64) ([]byte, uint64, error) {
	if int64(pos) >= limit {
		return nil, 0, ErrNotFound
	}
	if int64(pos)+frameOverhead > limit {
		return nil, 0, errIncomplete
	}
	var head [frameLenSize]byte
	if _, err := l.f.ReadAt(head[:], int64(pos)); err != nil {
		return nil, 0, errors.Wrapf(err, "offset log: read frame at %d", pos)
	}
	dataLen := uint64(binary.BigEndian.Uint32(head[:]))
	next := pos + frameOverhead + dataLen
	if int64(next) > limit {
		return nil, 0, errIncomplete
	}

	buf := make([]byte, dataLen+2*frameLenSize)
	if _, err := l.f.ReadAt(buf, int64(pos)+frameLenSize); err != nil && err != io.EOF {
		return nil, 0, errors.Wrapf(err, "offset log: read frame at %d", pos)
	}
	if trailing := uint64(binary.BigEndian.Uint32(buf[dataLen:])); trailing != dataLen {
		return nil, 0, errors.Wrapf(ErrCorrupt, "frame at %d has length %d/%d", pos, dataLen, trailing)
	}
	if end := uint64(binary.BigEndian.Uint32(buf[dataLen+frameLenSize:])); end != next {
		return nil, 0, errors.Wrapf(ErrCorrupt, "frame at %d claims end %d, want %d", pos, end, next)
	}
	return buf[:dataLen:dataLen], next, nil
}

func (l *OffsetLog) Get(pos uint64) ([]byte, error) {
	size, err := l.size()
	if err != nil {
		return nil, err
	}
	data, _, err := l.readFrame(pos, size)
	if errors.Is(err, errIncomplete) {
		return nil, errors.Wrapf(ErrNotFound, "frame at %d is still being written", pos)
	}
	return data, err
}

func (l *OffsetLog) ReadFrom(start uint64) Iterator {
	size, err := l.size()
	if err != nil {
		return errIterator{err: err}
	}
	return &offsetIterator{log: l, next: start, limit: size}
}

type offsetIterator struct {
	log   *OffsetLog
	next  uint64
	limit int64
	cur   Entry
	err   error
}

func (it *offsetIterator) Next() bool {
	if it.err != nil || int64(it.next) >= it.limit {
		return false
	}
	data, next, err := it.log.readFrame(it.next, it.limit)
	if errors.Is(err, errIncomplete) {
		return false
	}
	if err != nil {
		it.err = err
		return false
	}
	it.cur = Entry{Position: it.next, Data: data}
	it.next = next
	return true
}

func (it *offsetIterator) Entry() Entry { return it.cur }
func (it *offsetIterator) Err() error   { return it.err }
func (it *offsetIterator) Close() error { return nil }

// OffsetWriter appends frames to a flume offset log file.
type OffsetWriter struct {
	mu  sync.Mutex
	f   *os.File
	end uint64
}

var _ Appender = &OffsetWriter{}

func CreateOffsetWriter(path string) (*OffsetWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "offset log: open %s for append", path)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "offset log: stat")
	}
	return &OffsetWriter{f: f, end: uint64(fi.Size())}, nil
}

func (w *OffsetWriter) Append(data []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return 0, ErrClosed
	}
	frame, err := EncodeFrame(nil, w.end, data)
	if err != nil {
		return 0, err
	}
	if _, err := w.f.Write(frame); err != nil {
		return 0, errors.Wrap(err, "offset log: append")
	}
	pos := w.end
	w.end += uint64(len(frame))
	return pos, nil
}

func (w *OffsetWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
