// Package mmap maps data files into memory.
//
// A Map may be longer than the file behind it. Bytes past the end of the file
// must not be touched until the file has grown to cover them; cowdb maps the
// whole configured map size once and only reads pages it has already written.
package mmap

// Map represents a memory-mapped file region.
type Map struct {
	data     []byte // Mapped memory region
	size     int64  // Mapped length
	writable bool   // True if mapped with write permission
}

// Data returns the mapped byte slice.
func (m *Map) Data() []byte {
	return m.data
}

// Size returns the mapped length.
func (m *Map) Size() int64 {
	return m.size
}

// Writable returns true if the mapping is writable.
func (m *Map) Writable() bool {
	return m.writable
}

// Error represents an mmap error.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "mmap: " + e.Op + ": " + e.Err.Error()
	}
	return "mmap: " + e.Op
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Common errors
var (
	ErrInvalidSize = &Error{Op: "invalid size"}
	ErrNotMapped   = &Error{Op: "not mapped"}
)
