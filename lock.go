//go:build unix

package cowdb

import (
	"encoding/binary"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// cachedPID is the process ID, cached at init to avoid syscall overhead
var cachedPID = uint32(os.Getpid())

// Constants for lock file
const (
	// lockMagic identifies a cowdb lock file ("cowdbLK" + version 1)
	lockMagic uint64 = 0x636f7764624c4b01

	// readerSlotSize is the size of each reader slot
	readerSlotSize = 32

	// lockHeaderSize is the size of the lock file header
	lockHeaderSize = 64

	// slotClaimed marks a slot that is owned but has not published a snapshot
	slotClaimed = ^uint64(0)
)

// readerSlot represents a reader in the lock file.
//
// Memory layout:
//
//	Offset  Size  Field
//	0       8     txnid of the pinned snapshot (atomic; 0 = free)
//	8       8     tid, a per-process transaction serial (atomic)
//	16      4     pid (atomic)
//	20      4     next pgno of the snapshot (atomic)
//	24      8     reserved
type readerSlot struct {
	txnid     uint64
	tid       uint64
	pid       uint32
	pagesUsed uint32
	_         uint64
}

// lockHeader is the lock file header.
type lockHeader struct {
	magic    uint64
	numSlots uint32
	_        uint32
	_        [48]byte
}

// lockFile manages the lock file: the shared reader table and the
// cross-process writer lock.
type lockFile struct {
	file       *os.File
	data       []byte // Memory-mapped lock file
	header     *lockHeader
	slots      []readerSlot
	writerLock bool
	lockless   bool // in-memory slots, used when the lock file is not writable

	// Slot freelist for fast acquisition (LIFO stack)
	freeSlots []int32
	freeMu    sync.Mutex

	tidSeq atomic.Uint64
}

// openLockFile opens or creates the lock file with room for maxReaders
// slots. An existing lock file keeps its slot count.
func openLockFile(path string, maxReaders int, mode os.FileMode, readOnly bool) (*lockFile, error) {
	if maxReaders <= 0 {
		maxReaders = DefaultMaxReaders
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, mode)
	if err != nil {
		if readOnly {
			return openLockless(maxReaders), nil
		}
		return nil, &lockError{"open", err}
	}

	lf := &lockFile{file: f}

	// Only one process initialises the table.
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, &lockError{"init lock", err}
	}
	err = lf.prepare(maxReaders)
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	if err != nil {
		f.Close()
		return nil, err
	}

	if err := lf.mmap(); err != nil {
		f.Close()
		return nil, err
	}
	if lf.header.magic != lockMagic {
		lf.close()
		return nil, errLockInvalidFile
	}
	return lf, nil
}

// openLockless returns an in-process reader table. Readers are then only
// visible to writers in this process.
func openLockless(maxReaders int) *lockFile {
	lf := &lockFile{lockless: true}
	lf.slots = make([]readerSlot, maxReaders)
	lf.header = &lockHeader{magic: lockMagic, numSlots: uint32(maxReaders)}
	return lf
}

// prepare writes a fresh header if the file is new or foreign.
func (lf *lockFile) prepare(maxReaders int) error {
	fi, err := lf.file.Stat()
	if err != nil {
		return &lockError{"stat", err}
	}

	if fi.Size() >= lockHeaderSize {
		var hdr [lockHeaderSize]byte
		if _, err := lf.file.ReadAt(hdr[:], 0); err != nil {
			return &lockError{"read header", err}
		}
		if binary.LittleEndian.Uint64(hdr[0:]) == lockMagic {
			n := int64(binary.LittleEndian.Uint32(hdr[8:]))
			if fi.Size() >= lockHeaderSize+n*readerSlotSize {
				return nil
			}
		}
	}

	return lf.initialize(maxReaders)
}

// initialize creates a new lock file.
func (lf *lockFile) initialize(maxReaders int) error {
	size := int64(lockHeaderSize + maxReaders*readerSlotSize)
	if err := lf.file.Truncate(0); err != nil {
		return &lockError{"truncate", err}
	}
	if err := lf.file.Truncate(size); err != nil {
		return &lockError{"extend", err}
	}

	var hdr [lockHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:], lockMagic)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(maxReaders))
	if _, err := lf.file.WriteAt(hdr[:], 0); err != nil {
		return &lockError{"write header", err}
	}
	return nil
}

// mmap memory-maps the lock file.
func (lf *lockFile) mmap() error {
	fi, err := lf.file.Stat()
	if err != nil {
		return &lockError{"stat", err}
	}

	size := int(fi.Size())
	if size < lockHeaderSize+readerSlotSize {
		return errLockFileTooSmall
	}
	data, err := unix.Mmap(int(lf.file.Fd()), 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return &lockError{"mmap", err}
	}

	lf.data = data
	lf.header = (*lockHeader)(unsafe.Pointer(&data[0]))

	slotData := data[lockHeaderSize:]
	numSlots := min(len(slotData)/readerSlotSize, int(lf.header.numSlots))
	lf.slots = unsafe.Slice((*readerSlot)(unsafe.Pointer(&slotData[0])), numSlots)
	return nil
}

// close closes the lock file.
func (lf *lockFile) close() error {
	if lf.data != nil {
		if err := unix.Munmap(lf.data); err != nil {
			return &lockError{"munmap", err}
		}
		lf.data = nil
	}

	if lf.writerLock {
		lf.unlockWriter()
	}

	if lf.file != nil {
		return lf.file.Close()
	}
	return nil
}

// lockWriter acquires the exclusive cross-process writer lock.
func (lf *lockFile) lockWriter() error {
	if lf.file == nil {
		lf.writerLock = true
		return nil
	}
	if err := unix.Flock(int(lf.file.Fd()), unix.LOCK_EX); err != nil {
		return &lockError{"acquire writer lock", err}
	}
	lf.writerLock = true
	return nil
}

// tryLockWriter attempts to acquire the writer lock without blocking.
func (lf *lockFile) tryLockWriter() (bool, error) {
	if lf.file == nil {
		lf.writerLock = true
		return true, nil
	}
	err := unix.Flock(int(lf.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		if err == unix.EWOULDBLOCK {
			return false, nil
		}
		return false, &lockError{"try writer lock", err}
	}
	lf.writerLock = true
	return true, nil
}

// unlockWriter releases the writer lock.
func (lf *lockFile) unlockWriter() error {
	if !lf.writerLock {
		return nil
	}
	lf.writerLock = false
	if lf.file == nil {
		return nil
	}
	if err := unix.Flock(int(lf.file.Fd()), unix.LOCK_UN); err != nil {
		return &lockError{"release writer lock", err}
	}
	return nil
}

// acquireReaderSlot finds and claims a free reader slot. The slot holds
// slotClaimed until the reader publishes its snapshot.
func (lf *lockFile) acquireReaderSlot() (*readerSlot, int, error) {
	tid := lf.tidSeq.Add(1)

	lf.freeMu.Lock()
	if n := len(lf.freeSlots); n > 0 {
		idx := lf.freeSlots[n-1]
		lf.freeSlots = lf.freeSlots[:n-1]
		lf.freeMu.Unlock()

		slot := &lf.slots[idx]
		if atomic.CompareAndSwapUint64(&slot.txnid, 0, slotClaimed) {
			atomic.StoreUint32(&slot.pid, cachedPID)
			atomic.StoreUint64(&slot.tid, tid)
			return slot, int(idx), nil
		}
		// Taken by another process, fall through to a scan.
	} else {
		lf.freeMu.Unlock()
	}

	for i := range lf.slots {
		slot := &lf.slots[i]
		if atomic.LoadUint64(&slot.txnid) != 0 {
			continue
		}
		if atomic.CompareAndSwapUint64(&slot.txnid, 0, slotClaimed) {
			atomic.StoreUint32(&slot.pid, cachedPID)
			atomic.StoreUint64(&slot.tid, tid)
			return slot, i, nil
		}
	}

	return nil, -1, errLockReadersFull
}

// releaseReaderSlot releases a reader slot and adds it to freelist.
func (lf *lockFile) releaseReaderSlot(slot *readerSlot, slotIdx int) {
	atomic.StoreUint32(&slot.pagesUsed, 0)
	atomic.StoreUint64(&slot.tid, 0)
	atomic.StoreUint32(&slot.pid, 0)
	atomic.StoreUint64(&slot.txnid, 0)

	lf.freeMu.Lock()
	lf.freeSlots = append(lf.freeSlots, int32(slotIdx))
	lf.freeMu.Unlock()
}

// publish records the snapshot a reader has pinned.
func (lf *lockFile) publish(slot *readerSlot, id txnid, nextPgno pgno) {
	atomic.StoreUint32(&slot.pagesUsed, uint32(nextPgno))
	atomic.StoreUint64(&slot.txnid, uint64(id))
}

// oldestReader returns the oldest pinned snapshot, or ^0 with no readers.
// Claimed but unpublished slots are skipped: such a reader re-checks the
// meta after publishing, so it can never pin a snapshot older than the
// current one.
func (lf *lockFile) oldestReader() txnid {
	oldest := ^uint64(0)
	for i := range lf.slots {
		id := atomic.LoadUint64(&lf.slots[i].txnid)
		if id != 0 && id != slotClaimed && id < oldest {
			oldest = id
		}
	}
	return txnid(oldest)
}

// numActiveReaders returns the count of readers with a published snapshot.
func (lf *lockFile) numActiveReaders() int {
	count := 0
	for i := range lf.slots {
		id := atomic.LoadUint64(&lf.slots[i].txnid)
		if id != 0 && id != slotClaimed {
			count++
		}
	}
	return count
}

// cleanupStaleReaders frees slots held by processes that no longer exist.
func (lf *lockFile) cleanupStaleReaders() int {
	cleaned := 0
	for i := range lf.slots {
		slot := &lf.slots[i]
		id := atomic.LoadUint64(&slot.txnid)
		if id == 0 {
			continue
		}
		pid := atomic.LoadUint32(&slot.pid)
		if pid == 0 || pid == cachedPID {
			continue
		}
		if !processExists(int(pid)) {
			if atomic.CompareAndSwapUint64(&slot.txnid, id, 0) {
				atomic.StoreUint32(&slot.pid, 0)
				cleaned++
			}
		}
	}
	return cleaned
}

// processExists checks if a process exists.
func processExists(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// Lock file errors
var (
	errLockFileTooSmall = &lockError{"lock file too small", nil}
	errLockInvalidFile  = &lockError{"invalid lock file", nil}
	errLockReadersFull  = &lockError{"reader slots full", nil}
)

type lockError struct {
	op  string
	err error
}

func (e *lockError) Error() string {
	if e.err != nil {
		return "lock: " + e.op + ": " + e.err.Error()
	}
	return "lock: " + e.op
}

func (e *lockError) Unwrap() error {
	return e.err
}

func loadSlotTxnid(s *readerSlot) uint64 {
	return atomic.LoadUint64(&s.txnid)
}
