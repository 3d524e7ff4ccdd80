// Package spill provides the staging area for a write transaction's dirty
// pages: fixed-size page slots carved out of memory-mapped scratch files.
//
// Staged pages live outside the Go heap, so a large transaction does not put
// pressure on the garbage collector. The buffer grows by adding segments;
// existing segments never move, so slices handed out stay valid until their
// slot is released.
package spill

import (
	"os"
	"strconv"
	"sync"

	"github.com/Giulio2002/cowdb/mmap"
)

// DefaultSegmentPages is the number of page slots per segment.
const DefaultSegmentPages = 1024

// DefaultMaxSegments bounds the number of segments.
const DefaultMaxSegments = 256

type segment struct {
	file   *os.File
	mmap   *mmap.Map
	path   string
	bitmap *bitmap
}

// Slot identifies a staged page.
type Slot struct {
	Segment uint16
	Index   uint32
}

// Buffer is a growable set of page slots backed by mmap'd scratch files.
type Buffer struct {
	mu          sync.Mutex
	basePath    string
	pageSize    int
	segmentCap  uint32
	maxSegments int
	segments    []*segment
	cur         int // first segment that may have free slots
	allocated   uint32
}

// New creates a staging buffer with one segment at path. Further segments
// are created at path.1, path.2 and so on.
func New(path string, pageSize int, segmentPages uint32, maxSegments int) (*Buffer, error) {
	if segmentPages == 0 {
		segmentPages = DefaultSegmentPages
	}
	if maxSegments <= 0 {
		maxSegments = DefaultMaxSegments
	}
	b := &Buffer{
		basePath:    path,
		pageSize:    pageSize,
		segmentCap:  segmentPages,
		maxSegments: maxSegments,
	}
	if err := b.addSegment(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Buffer) addSegment() error {
	if len(b.segments) >= b.maxSegments {
		return ErrBufferFull
	}

	path := b.basePath
	if n := len(b.segments); n > 0 {
		path += "." + strconv.Itoa(n)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return &Error{Op: "create segment", Err: err}
	}

	size := int64(b.segmentCap) * int64(b.pageSize)
	if err := file.Truncate(size); err != nil {
		file.Close()
		os.Remove(path)
		return &Error{Op: "size segment", Err: err}
	}

	m, err := mmap.New(int(file.Fd()), 0, int(size), true)
	if err != nil {
		file.Close()
		os.Remove(path)
		return &Error{Op: "map segment", Err: err}
	}

	b.segments = append(b.segments, &segment{
		file:   file,
		mmap:   m,
		path:   path,
		bitmap: newBitmap(b.segmentCap),
	})
	return nil
}

// Allocate reserves a page slot. The returned slice is not zeroed.
func (b *Buffer) Allocate() ([]byte, Slot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		for b.cur < len(b.segments) {
			seg := b.segments[b.cur]
			if idx, ok := seg.bitmap.allocate(); ok {
				b.allocated++
				slot := Slot{Segment: uint16(b.cur), Index: idx}
				return b.slotData(seg, idx), slot, nil
			}
			b.cur++
		}
		if err := b.addSegment(); err != nil {
			return nil, Slot{}, err
		}
	}
}

func (b *Buffer) slotData(seg *segment, idx uint32) []byte {
	off := int(idx) * b.pageSize
	return seg.mmap.Data()[off : off+b.pageSize : off+b.pageSize]
}

// Get returns the page data for a slot, or nil if the slot is not allocated.
func (b *Buffer) Get(slot Slot) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if int(slot.Segment) >= len(b.segments) {
		return nil
	}
	seg := b.segments[slot.Segment]
	if !seg.bitmap.isAllocated(slot.Index) {
		return nil
	}
	return b.slotData(seg, slot.Index)
}

// Release returns a slot to the pool.
func (b *Buffer) Release(slot Slot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if int(slot.Segment) >= len(b.segments) {
		return
	}
	seg := b.segments[slot.Segment]
	if !seg.bitmap.isAllocated(slot.Index) {
		return
	}
	seg.bitmap.free(slot.Index)
	b.allocated--
	if int(slot.Segment) < b.cur {
		b.cur = int(slot.Segment)
	}
}

// Reset releases every slot. Segments past the first are handed back to the
// kernel so one huge transaction does not pin memory for the next one.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, seg := range b.segments {
		seg.bitmap.clear()
		if i > 0 {
			_ = seg.mmap.AdviseDontNeed()
		}
	}
	b.cur = 0
	b.allocated = 0
}

// Close unmaps and removes every segment file.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for _, seg := range b.segments {
		if err := seg.mmap.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := seg.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	b.segments = nil
	return firstErr
}

// Capacity returns the number of page slots currently backed by segments.
func (b *Buffer) Capacity() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint32(len(b.segments)) * b.segmentCap
}

// Allocated returns the number of slots in use.
func (b *Buffer) Allocated() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allocated
}

// PageSize returns the slot size.
func (b *Buffer) PageSize() int {
	return b.pageSize
}

// Error reports a staging buffer failure.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "spill: " + e.Op + ": " + e.Err.Error()
	}
	return "spill: " + e.Op
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrBufferFull is returned when every segment is full and no more may be added.
var ErrBufferFull = &Error{Op: "buffer full"}
