package cowdb

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Giulio2002/cowdb/internal/logging"
	mmappkg "github.com/Giulio2002/cowdb/mmap"
	"github.com/Giulio2002/cowdb/spill"
)

// osPageSize is the system's memory page size. The mapping length is
// rounded to it.
var osPageSize = int64(os.Getpagesize())

// envSignature is the magic number for valid environments
const envSignature uint32 = 0x434f5745 // "COWE"

// Env represents a database environment: one data file, its lock file and
// the registry of named databases.
type Env struct {
	signature uint32
	flags     uint
	mode      os.FileMode
	path      string
	mu        sync.RWMutex

	dataPath  string
	lockPath  string
	stagePath string

	// File handles
	dataFile *os.File
	dataMap  *mmappkg.Map
	lockFile *lockFile
	stage    *spill.Buffer
	writer   *writerSlot
	opened   bool
	closing  bool

	// Close waits for every transaction to end before unmapping.
	txnWg sync.WaitGroup

	writerMu   sync.Mutex
	liveWriter *Txn // write transaction not yet ended

	// Configuration
	pageSize   int
	mapSize    int64
	maxReaders int
	maxDBs     int
	logger     *slog.Logger

	envID    uuid.UUID
	metaBuf  []byte
	fileSize int64 // writer only

	// Database handles
	dbis   []dbiInfo
	dbisMu sync.RWMutex
}

// dbiInfo holds the registry entry of an opened database.
type dbiInfo struct {
	name  string
	flags uint
	cmp   CmpFunc // nil means bytes.Compare
}

// NewEnv creates a new environment handle. Configure it with the Set*
// methods, then call Open.
func NewEnv() (*Env, error) {
	return &Env{
		signature:  envSignature,
		pageSize:   DefaultPageSize,
		mapSize:    DefaultMapSize,
		maxReaders: DefaultMaxReaders,
		maxDBs:     DefaultMaxDBs,
		logger:     logging.Discard(),
	}, nil
}

// valid returns true if the environment is usable.
func (e *Env) valid() bool {
	return e != nil && e.signature == envSignature
}

func (e *Env) setBeforeOpen(fn func()) error {
	if !e.valid() {
		return NewError(ErrInvalid)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.opened {
		return NewError(ErrIncompatible)
	}
	fn()
	return nil
}

// SetMapSize sets the maximum size of the data file. Commits that would
// grow the file past it fail with ErrMapFull.
func (e *Env) SetMapSize(size int64) error {
	if size <= 0 {
		return NewError(ErrInvalid)
	}
	return e.setBeforeOpen(func() { e.mapSize = size })
}

// SetMaxDBs sets the maximum number of named databases.
func (e *Env) SetMaxDBs(dbs int) error {
	if dbs < 0 {
		return NewError(ErrInvalid)
	}
	return e.setBeforeOpen(func() { e.maxDBs = dbs })
}

// SetMaxReaders sets the number of reader slots of a new lock file.
func (e *Env) SetMaxReaders(readers int) error {
	if readers <= 0 {
		return NewError(ErrInvalid)
	}
	return e.setBeforeOpen(func() { e.maxReaders = readers })
}

// SetPageSize sets the page size used when a new data file is created.
// Existing files keep the page size they were created with.
func (e *Env) SetPageSize(size int) error {
	if !validPageSize(size) {
		return NewError(ErrInvalid)
	}
	return e.setBeforeOpen(func() { e.pageSize = size })
}

// SetLogger sets the structured logger. A nil logger discards output.
func (e *Env) SetLogger(l *slog.Logger) {
	if l == nil {
		l = logging.Discard()
	}
	e.mu.Lock()
	e.logger = l
	e.mu.Unlock()
}

// Open opens the environment at the given path. Unless NoSubdir is set the
// path is a directory holding the data and lock files.
func (e *Env) Open(path string, flags uint, mode os.FileMode) error {
	if !e.valid() {
		return NewError(ErrInvalid)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.opened {
		return NewError(ErrIncompatible)
	}
	if mode == 0 {
		mode = 0o644
	}
	e.flags = flags
	e.mode = mode
	e.path = path

	if flags&NoSubdir != 0 {
		e.dataPath = path
		e.lockPath = path + LockSuffix
	} else {
		if flags&ReadOnly == 0 {
			if err := os.MkdirAll(path, mode|0o700); err != nil {
				return WrapError(ErrInvalid, err)
			}
		}
		e.dataPath = filepath.Join(path, DataFileName)
		e.lockPath = filepath.Join(path, LockFileName)
	}
	e.stagePath = e.dataPath + StageSuffix

	if err := e.openFiles(); err != nil {
		e.closeFiles()
		return err
	}

	e.dbis = []dbiInfo{{name: "@free"}, {name: ""}}
	e.opened = true
	e.logger.Debug("environment opened",
		"path", path,
		"page_size", e.pageSize,
		"map_size", e.mapSize,
		"env_id", e.envID.String(),
		"read_only", flags&ReadOnly != 0)
	return nil
}

func (e *Env) openFiles() error {
	readOnly := e.flags&ReadOnly != 0

	lf, err := openLockFile(e.lockPath, e.maxReaders, e.mode, readOnly)
	if err != nil {
		return WrapError(ErrInvalid, err)
	}
	e.lockFile = lf

	fileFlags := os.O_RDWR | os.O_CREATE
	if readOnly {
		fileFlags = os.O_RDONLY
	}
	f, err := os.OpenFile(e.dataPath, fileFlags, e.mode)
	if err != nil {
		return WrapError(ErrInvalid, err)
	}
	e.dataFile = f

	// Creation runs under the writer lock so two processes cannot both
	// initialise the file.
	if !readOnly {
		if err := lf.lockWriter(); err != nil {
			return WrapError(ErrInvalid, err)
		}
	}
	m, err := e.loadOrInit()
	if !readOnly {
		lf.unlockWriter()
	}
	if err != nil {
		return err
	}

	e.pageSize = int(m.PageSize)
	e.envID = m.EnvID
	e.metaBuf = make([]byte, metaWriteSize)

	fi, err := f.Stat()
	if err != nil {
		return WrapError(ErrInvalid, err)
	}
	e.fileSize = fi.Size()
	if e.mapSize < e.fileSize {
		e.mapSize = e.fileSize
	}
	e.mapSize = alignUp(e.mapSize, max(osPageSize, int64(e.pageSize)))

	dm, err := mmappkg.New(int(f.Fd()), 0, int(e.mapSize), false)
	if err != nil {
		return WrapError(ErrInvalid, err)
	}
	e.dataMap = dm
	if e.flags&NoReadAhead != 0 {
		if err := dm.AdviseRandom(); err != nil {
			e.logger.Debug("madvise failed", "error", err)
		}
	}

	if !readOnly {
		buf, err := spill.New(e.stagePath, e.pageSize, 0, 0)
		if err != nil {
			return WrapError(ErrInvalid, err)
		}
		e.stage = buf
		e.writer = newWriterSlot(lf)
	}
	return nil
}

// loadOrInit recovers the authoritative meta, creating the file if it is
// empty.
func (e *Env) loadOrInit() (*meta, error) {
	fi, err := e.dataFile.Stat()
	if err != nil {
		return nil, WrapError(ErrInvalid, err)
	}
	if fi.Size() == 0 {
		if e.flags&ReadOnly != 0 {
			return nil, WrapError(ErrInvalid, io.ErrUnexpectedEOF)
		}
		return e.initNewDB()
	}
	return e.recoverMeta()
}

// initNewDB writes the two initial meta pages of an empty database.
func (e *Env) initNewDB() (*meta, error) {
	m := &meta{
		PageSize: uint32(e.pageSize),
		NextPgno: numMetas,
		MapSize:  uint64(e.mapSize),
		EnvID:    uuid.New(),
	}

	buf := make([]byte, e.pageSize)
	for slot := 0; slot < numMetas; slot++ {
		clear(buf)
		m.Txnid = txnid(slot)
		m.encode(buf, slot)
		if _, err := e.dataFile.WriteAt(buf, int64(slot)*int64(e.pageSize)); err != nil {
			return nil, WrapError(ErrInvalid, err)
		}
	}
	if err := fdatasync(e.dataFile); err != nil {
		return nil, WrapError(ErrInvalid, err)
	}
	e.logger.Info("created database", "path", e.dataPath, "page_size", e.pageSize)
	return m, nil
}

// recoverMeta reads both meta pages from the file and picks the newer valid
// one. The page size is taken from meta 0, or probed for meta 1 when meta 0
// is unreadable.
func (e *Env) recoverMeta() (*meta, error) {
	buf := make([]byte, metaWriteSize)
	// Txnids of pages that fail verification, when still legible.
	var hint [numMetas]txnid
	var hinted [numMetas]bool
	readAt := func(slot int, off int64) (*meta, error) {
		if _, err := e.dataFile.ReadAt(buf, off); err != nil {
			hinted[slot] = false
			return nil, corruptf("read meta at %d: %v", off, err)
		}
		hint[slot], hinted[slot] = unverifiedTxnid(buf)
		return decodeMeta(buf)
	}

	m0, err0 := readAt(0, 0)
	var m1 *meta
	var err1 error
	if err0 == nil {
		m1, err1 = readAt(1, int64(m0.PageSize))
	} else {
		err1 = err0
		for ps := MinPageSize; ps <= MaxPageSize; ps <<= 1 {
			m, err := readAt(1, int64(ps))
			if err == nil && int(m.PageSize) == ps {
				m1, err1 = m, nil
				break
			}
		}
	}
	if err0 == nil && err1 == nil && (m0.PageSize != m1.PageSize || m0.EnvID != m1.EnvID) {
		err1 = corruptf("meta pages disagree on page size or identity")
	}

	m, rejected, err := pickMeta(m0, m1, err0, err1)
	if err != nil {
		return nil, err
	}
	// A rejected page that legibly carries an older txnid is a damaged
	// stale meta; the newest commit is intact.
	switch {
	case rejected < 0:
	case !hinted[rejected] || hint[rejected] > m.Txnid:
		e.logger.Warn("meta page invalid, using the other one",
			"txnid", uint64(m.Txnid), "meta0", errString(err0), "meta1", errString(err1))
	default:
		e.logger.Debug("older meta page invalid",
			"slot", rejected, "txnid", uint64(m.Txnid), "meta0", errString(err0), "meta1", errString(err1))
	}
	return m, nil
}

// currentMeta reads the authoritative meta from the shared mapping. Every
// transaction begins from it, so commits by other processes are seen.
func (e *Env) currentMeta() (*meta, error) {
	data := e.dataMap.Data()
	ps := e.pageSize
	m0, err0 := decodeMeta(data[:ps])
	m1, err1 := decodeMeta(data[ps : 2*ps])
	m, _, err := pickMeta(m0, m1, err0, err1)
	return m, err
}

// closeFiles closes all open files.
func (e *Env) closeFiles() {
	if e.stage != nil {
		if err := e.stage.Close(); err != nil {
			e.logger.Warn("closing staging buffer", "error", err)
		}
		e.stage = nil
	}
	if e.dataMap != nil {
		e.dataMap.Close()
		e.dataMap = nil
	}
	if e.dataFile != nil {
		e.dataFile.Close()
		e.dataFile = nil
	}
	if e.lockFile != nil {
		e.lockFile.close()
		e.lockFile = nil
	}
	e.writer = nil
}

// Close closes the environment and releases resources.
// A write transaction that was never ended is rolled back; it must not be
// in use by another goroutine. Close then waits for all read transactions
// to finish before unmapping.
func (e *Env) Close() {
	if !e.valid() {
		return
	}

	e.mu.Lock()
	if !e.opened || e.closing {
		e.mu.Unlock()
		return
	}
	e.closing = true
	e.mu.Unlock()

	e.writerMu.Lock()
	w := e.liveWriter
	e.liveWriter = nil
	e.writerMu.Unlock()
	if w != nil {
		e.logger.Warn("rolling back write transaction left open", "txnid", uint64(w.id))
		w.release()
	}

	// Readers hold slices of the mapping; unmapping under them would fault.
	e.txnWg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeFiles()
	e.opened = false
	e.signature = 0
	e.logger.Debug("environment closed", "path", e.path)
}

// Path returns the path the environment was opened with.
func (e *Env) Path() string {
	return e.path
}

// Flags returns the environment flags.
func (e *Env) Flags() (uint, error) {
	if !e.valid() {
		return 0, NewError(ErrInvalid)
	}
	return e.flags, nil
}

// PageSize returns the page size of the open database.
func (e *Env) PageSize() int {
	return e.pageSize
}

// ID returns the identity generated when the data file was created.
func (e *Env) ID() uuid.UUID {
	return e.envID
}

// MaxKeySize returns the maximum key length.
func (e *Env) MaxKeySize() int {
	return maxKeySize(e.pageSize)
}

// MaxValSize returns the maximum value length.
func (e *Env) MaxValSize() int {
	return maxValSize
}

// MaxDBs returns the maximum number of named databases.
func (e *Env) MaxDBs() int {
	return e.maxDBs
}

// MaxReaders returns the number of reader slots.
func (e *Env) MaxReaders() int {
	if e.lockFile != nil {
		return len(e.lockFile.slots)
	}
	return e.maxReaders
}

// BeginTxn starts a transaction. Write transactions wait for the writer
// slot; pass TxnTryWrite to fail with ErrBusy instead. Nested transactions
// are not supported: parent must be nil.
func (e *Env) BeginTxn(parent *Txn, flags uint) (*Txn, error) {
	return e.BeginTxnContext(context.Background(), parent, flags)
}

// BeginTxnContext is BeginTxn with a context bounding the wait for the
// writer slot.
func (e *Env) BeginTxnContext(ctx context.Context, parent *Txn, flags uint) (*Txn, error) {
	if !e.valid() {
		return nil, NewError(ErrInvalid)
	}
	if parent != nil {
		return nil, NewError(ErrIncompatible)
	}

	e.mu.RLock()
	if !e.opened || e.closing {
		e.mu.RUnlock()
		return nil, NewError(ErrInvalid)
	}
	if flags&TxnReadOnly == 0 && e.flags&ReadOnly != 0 {
		e.mu.RUnlock()
		return nil, NewError(ErrPermissionDenied)
	}
	e.txnWg.Add(1)
	e.mu.RUnlock()

	var txn *Txn
	var err error
	if flags&TxnReadOnly != 0 {
		txn, err = e.beginReadTxn(flags)
	} else {
		txn, err = e.beginWriteTxn(ctx, flags)
	}
	if err != nil {
		e.txnWg.Done()
		return nil, err
	}
	return txn, nil
}

// beginReadTxn registers a reader and pins the current snapshot.
func (e *Env) beginReadTxn(flags uint) (*Txn, error) {
	txn := &Txn{
		signature: txnSignature,
		env:       e,
		flags:     flags,
		readOnly:  true,
	}
	if err := txn.pin(); err != nil {
		return nil, err
	}
	return txn, nil
}

// beginWriteTxn takes the writer slot and starts from the current meta.
func (e *Env) beginWriteTxn(ctx context.Context, flags uint) (*Txn, error) {
	var err error
	if flags&TxnTryWrite != 0 {
		err = e.writer.tryAcquire()
	} else {
		err = e.writer.acquire(ctx)
	}
	if err != nil {
		return nil, err
	}

	m, err := e.currentMeta()
	if err != nil {
		e.writer.release()
		return nil, err
	}

	txn := &Txn{
		signature: txnSignature,
		env:       e,
		flags:     flags,
		started:   time.Now(),
	}
	txn.initWrite(m)

	e.writerMu.Lock()
	e.liveWriter = txn
	e.writerMu.Unlock()
	return txn, nil
}

// claimWriter clears txn as the live write transaction. It reports false
// when Close has already rolled it back.
func (e *Env) claimWriter(txn *Txn) bool {
	e.writerMu.Lock()
	defer e.writerMu.Unlock()
	if e.liveWriter != txn {
		return false
	}
	e.liveWriter = nil
	return true
}

// Stat returns statistics of the main database in the latest snapshot.
func (e *Env) Stat() (*Stat, error) {
	if !e.valid() || !e.opened {
		return nil, NewError(ErrInvalid)
	}
	m, err := e.currentMeta()
	if err != nil {
		return nil, err
	}
	return treeStat(&m.MainTree, e.pageSize), nil
}

// EnvInfo describes the environment.
type EnvInfo struct {
	ID           string
	MapSize      int64
	FileSize     int64
	PageSize     int
	LastPgNo     uint64 // highest allocated page number
	LastTxnID    uint64
	MaxReaders   int
	NumReaders   int
	OldestReader uint64 // 0 when there are no readers
	FreeEntries  uint64 // free-list records
	FreePages    uint64 // pages held by free-list records
}

// Info returns information about the environment in the latest snapshot.
func (e *Env) Info() (*EnvInfo, error) {
	if !e.valid() || !e.opened {
		return nil, NewError(ErrInvalid)
	}
	info := &EnvInfo{
		ID:         e.envID.String(),
		MapSize:    e.mapSize,
		PageSize:   e.pageSize,
		MaxReaders: len(e.lockFile.slots),
		NumReaders: e.lockFile.numActiveReaders(),
	}
	if oldest := e.lockFile.oldestReader(); oldest != txnid(^uint64(0)) {
		info.OldestReader = uint64(oldest)
	}
	if fi, err := e.dataFile.Stat(); err == nil {
		info.FileSize = fi.Size()
	}

	err := e.View(func(txn *Txn) error {
		info.LastTxnID = uint64(txn.meta.Txnid)
		info.LastPgNo = uint64(txn.meta.NextPgno) - 1
		return txn.ForEachFree(func(_ uint64, pages []uint32) error {
			info.FreeEntries++
			info.FreePages += uint64(len(pages))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// ReaderCheck clears reader slots left behind by dead processes and returns
// how many were cleared.
func (e *Env) ReaderCheck() (int, error) {
	if !e.valid() || e.lockFile == nil {
		return 0, NewError(ErrInvalid)
	}
	n := e.lockFile.cleanupStaleReaders()
	if n > 0 {
		e.logger.Info("cleared stale reader slots", "count", n)
	}
	return n, nil
}

// ReaderInfo describes one reader slot.
type ReaderInfo struct {
	Slot  int
	TxnID uint64
	PID   int
	TID   uint64
	Bytes uint64 // snapshot size
}

// ReaderList calls fn for every reader slot that has pinned a snapshot.
func (e *Env) ReaderList(fn func(info ReaderInfo) error) error {
	if !e.valid() || e.lockFile == nil {
		return NewError(ErrInvalid)
	}
	for i := range e.lockFile.slots {
		slot := &e.lockFile.slots[i]
		id := loadSlotTxnid(slot)
		if id == 0 || id == slotClaimed {
			continue
		}
		info := ReaderInfo{
			Slot:  i,
			TxnID: id,
			PID:   int(slot.pid),
			TID:   slot.tid,
			Bytes: uint64(slot.pagesUsed) * uint64(e.pageSize),
		}
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

func alignUp(n, to int64) int64 {
	return (n + to - 1) / to * to
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
