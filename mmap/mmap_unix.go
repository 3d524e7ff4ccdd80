//go:build unix

package mmap

import "golang.org/x/sys/unix"

// New maps length bytes of fd starting at offset, which must be page-aligned.
// The mapping is shared, so writes made to the file with pwrite are visible
// through it.
func New(fd int, offset int64, length int, writable bool) (*Map, error) {
	if length <= 0 {
		return nil, ErrInvalidSize
	}

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	data, err := unix.Mmap(fd, offset, length, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, &Error{Op: "mmap", Err: err}
	}

	return &Map{
		data:     data,
		size:     int64(length),
		writable: writable,
	}, nil
}

// Close releases the memory mapping.
func (m *Map) Close() error {
	if m.data == nil {
		return nil
	}

	err := unix.Munmap(m.data)
	m.data = nil
	m.size = 0
	if err != nil {
		return &Error{Op: "munmap", Err: err}
	}
	return nil
}

// Advise provides hints to the kernel about memory usage patterns.
func (m *Map) Advise(advice int) error {
	if m.data == nil {
		return ErrNotMapped
	}
	return unix.Madvise(m.data, advice)
}

// AdviseRandom hints that pages will be accessed randomly (no read-ahead).
func (m *Map) AdviseRandom() error {
	return m.Advise(unix.MADV_RANDOM)
}

// AdviseDontNeed hints that the mapped pages won't be needed soon. For a
// shared file mapping the kernel drops them from the process; the file
// contents are kept.
func (m *Map) AdviseDontNeed() error {
	return m.Advise(unix.MADV_DONTNEED)
}
