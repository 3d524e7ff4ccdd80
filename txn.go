package cowdb

import (
	"bytes"
	"time"

	"github.com/Giulio2002/cowdb/internal/fastmap"
)

// txnSignature is the magic number for live transactions
const txnSignature uint32 = 0x434f5754 // "COWT"

// maxValSize bounds a single value; larger values would not fit a large
// page run whose count is stored in 32 bits.
const maxValSize = 1 << 30

// Per-transaction database state
const (
	dbLoaded  uint8 = 0x01 // tree record read for this transaction
	dbDirty   uint8 = 0x02 // tree record must be written back at commit
	dbDropped uint8 = 0x04 // database deleted by Drop(dbi, true)
)

type txnDB struct {
	tree  tree
	state uint8
}

// Txn is a read-only or read-write transaction. A Txn must not be used from
// more than one goroutine at a time.
//
// Slices returned by Get, Lookup and cursors point into the database map or
// into pages staged by the transaction. They are valid until the
// transaction ends or, in a write transaction, until the next modification.
type Txn struct {
	signature uint32
	env       *Env
	flags     uint
	readOnly  bool

	meta meta  // snapshot this transaction started from
	id   txnid // snapshot id for readers, id being written for the writer

	// reader registration
	slot    *readerSlot
	slotIdx int
	parked  bool // Reset called, waiting for Renew

	dbs     []*txnDB
	cursors []*Cursor
	scratch *Cursor // internal cursor for Get/Put/Del
	seq     uint64  // bumped on every modification; cursors reposition when it moves

	// writer state
	nextPgno  pgno
	dirty     fastmap.Map[*dirtyPage]
	freed     []pgno // pages of older snapshots released by this txn
	loose     []pgno // pages allocated and released by this txn
	reclaimed []pgno // free-list pages ready for reuse, sorted descending
	gcKeys    []txnid
	gcNext    txnid
	gcDone    bool
	gcLocked  bool // free-list records may no longer be consumed
	gcSaving  bool // allocation only extends the file
	horizonID txnid
	horizonOK bool
	changed   bool
	err       error // first failure while staging; the txn can only abort
	started   time.Time
}

// valid returns true if the transaction has not ended.
func (txn *Txn) valid() bool {
	return txn != nil && txn.signature == txnSignature
}

// Env returns the environment of the transaction.
func (txn *Txn) Env() *Env {
	return txn.env
}

// ID returns the snapshot id of a read transaction, or the id a write
// transaction will commit as.
func (txn *Txn) ID() uint64 {
	return uint64(txn.id)
}

// IsReadOnly returns true if the transaction is read-only.
func (txn *Txn) IsReadOnly() bool {
	return txn.readOnly
}

// setSnapshot installs the trees of m.
func (txn *Txn) setSnapshot(m *meta) {
	txn.meta = *m
	txn.dbs = append(txn.dbs[:0],
		&txnDB{tree: m.FreeTree, state: dbLoaded},
		&txnDB{tree: m.MainTree, state: dbLoaded})
	txn.seq++
}

// pin registers the reader and pins the current snapshot. The snapshot id
// is published first and the meta read again, so a writer scanning the
// reader table either sees this reader or committed before it pinned.
func (txn *Txn) pin() error {
	env := txn.env
	lf := env.lockFile
	slot, idx, err := lf.acquireReaderSlot()
	if err != nil {
		return WrapError(ErrReadersFull, err)
	}

	for {
		m, err := env.currentMeta()
		if err != nil {
			lf.releaseReaderSlot(slot, idx)
			return err
		}
		lf.publish(slot, m.Txnid, m.NextPgno)
		again, err := env.currentMeta()
		if err != nil {
			lf.releaseReaderSlot(slot, idx)
			return err
		}
		if again.Txnid == m.Txnid {
			txn.setSnapshot(m)
			txn.id = m.Txnid
			break
		}
	}

	txn.slot = slot
	txn.slotIdx = idx
	txn.parked = false
	return nil
}

func (txn *Txn) unpin() {
	if txn.slot != nil {
		txn.env.lockFile.releaseReaderSlot(txn.slot, txn.slotIdx)
		txn.slot = nil
	}
}

// initWrite prepares a write transaction on top of m.
func (txn *Txn) initWrite(m *meta) {
	txn.setSnapshot(m)
	txn.id = m.Txnid + 1
	txn.nextPgno = m.NextPgno
}

// fail records the first staging failure. The transaction can then only be
// aborted.
func (txn *Txn) fail(err error) error {
	if txn.err == nil {
		txn.err = err
	}
	return err
}

// CommitLatency contains timing information about a commit operation.
type CommitLatency struct {
	Preparation time.Duration
	GC          time.Duration
	Write       time.Duration
	Sync        time.Duration
	Whole       time.Duration
}

// Commit commits the transaction. For a read-only transaction it just ends
// it. On error a write transaction is aborted.
func (txn *Txn) Commit() (CommitLatency, error) {
	var lat CommitLatency
	if !txn.valid() {
		return lat, NewError(ErrBadTxn)
	}
	start := time.Now()

	if txn.readOnly {
		txn.end()
		return lat, nil
	}

	if txn.err != nil {
		err := txn.err
		txn.end()
		return lat, WrapError(ErrBadTxn, err)
	}

	txn.closeAllCursors()
	if err := txn.commitWrite(&lat); err != nil {
		txn.env.logger.Warn("commit failed", "txnid", uint64(txn.id), "error", err)
		txn.end()
		return lat, err
	}
	txn.end()
	lat.Whole = time.Since(start)
	return lat, nil
}

func (txn *Txn) commitWrite(lat *CommitLatency) error {
	env := txn.env
	t0 := time.Now()

	if err := txn.persistNamedDBs(); err != nil {
		return err
	}
	if !txn.changed {
		return nil
	}
	t1 := time.Now()
	lat.Preparation = t1.Sub(t0)

	if err := txn.saveFreelist(); err != nil {
		return err
	}
	t2 := time.Now()
	lat.GC = t2.Sub(t1)

	pages, err := txn.writeDirty()
	if err != nil {
		return err
	}
	if env.flags&NoSync == 0 {
		if err := fdatasync(env.dataFile); err != nil {
			return WrapError(ErrPanic, err)
		}
	}
	t3 := time.Now()
	lat.Write = t3.Sub(t2)

	m := meta{
		PageSize: uint32(env.pageSize),
		Txnid:    txn.id,
		NextPgno: txn.nextPgno,
		MapSize:  uint64(env.mapSize),
		EnvID:    env.envID,
		FreeTree: txn.dbs[FreeDBI].tree,
		MainTree: txn.dbs[MainDBI].tree,
	}
	slot := metaSlot(txn.id)
	buf := env.metaBuf
	clear(buf)
	m.encode(buf, slot)
	if _, err := env.dataFile.WriteAt(buf, int64(slot)*int64(env.pageSize)); err != nil {
		return WrapError(ErrPanic, err)
	}
	if env.flags&(NoSync|NoMetaSync) == 0 {
		if err := fdatasync(env.dataFile); err != nil {
			return WrapError(ErrPanic, err)
		}
	}
	lat.Sync = time.Since(t3)

	env.logger.Debug("commit",
		"txnid", uint64(txn.id),
		"dirty_pages", pages,
		"freed_pages", len(txn.freed),
		"next_pgno", uint32(txn.nextPgno),
		"latency", time.Since(t0))
	return nil
}

// Abort discards the transaction. Nothing it staged reaches the file.
func (txn *Txn) Abort() {
	if !txn.valid() {
		return
	}
	txn.end()
}

// end releases everything the transaction holds. A writer already rolled
// back by Env.Close is left alone.
func (txn *Txn) end() {
	if !txn.readOnly && !txn.env.claimWriter(txn) {
		return
	}
	txn.release()
}

func (txn *Txn) release() {
	txn.closeAllCursors()
	env := txn.env
	if txn.readOnly {
		txn.unpin()
	} else {
		txn.dropDirty()
		env.writer.release()
	}
	txn.signature = 0
	txn.dbs = nil
	env.txnWg.Done()
}

// Reset releases the snapshot of a read-only transaction but keeps the
// handle for Renew.
func (txn *Txn) Reset() {
	if !txn.valid() || !txn.readOnly || txn.parked {
		return
	}
	txn.closeAllCursors()
	txn.unpin()
	txn.parked = true
}

// Renew pins the latest snapshot on a transaction released by Reset.
func (txn *Txn) Renew() error {
	if !txn.valid() || !txn.readOnly || !txn.parked {
		return NewError(ErrBadTxn)
	}
	return txn.pin()
}

// checkRead validates the transaction for a read.
func (txn *Txn) checkRead() error {
	if !txn.valid() || txn.parked {
		return NewError(ErrBadTxn)
	}
	return nil
}

// checkWrite validates the transaction for a modification.
func (txn *Txn) checkWrite() error {
	if !txn.valid() {
		return NewError(ErrBadTxn)
	}
	if txn.readOnly {
		return NewError(ErrPermissionDenied)
	}
	if txn.err != nil {
		return WrapError(ErrBadTxn, txn.err)
	}
	return nil
}

// db returns the state of dbi, loading its tree record on first use.
func (txn *Txn) db(dbi DBI) (*txnDB, error) {
	if int(dbi) < len(txn.dbs) && txn.dbs[dbi] != nil && txn.dbs[dbi].state&dbLoaded != 0 {
		d := txn.dbs[dbi]
		if d.state&dbDropped != 0 {
			return nil, NewError(ErrBadDBI)
		}
		return d, nil
	}

	env := txn.env
	env.dbisMu.RLock()
	if int(dbi) >= len(env.dbis) {
		env.dbisMu.RUnlock()
		return nil, NewError(ErrBadDBI)
	}
	name := env.dbis[dbi].name
	env.dbisMu.RUnlock()

	t, found, err := txn.readDBRecord(name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, NewError(ErrBadDBI)
	}
	d := txn.setDB(dbi, &txnDB{tree: t, state: dbLoaded})
	return d, nil
}

func (txn *Txn) setDB(dbi DBI, d *txnDB) *txnDB {
	for int(dbi) >= len(txn.dbs) {
		txn.dbs = append(txn.dbs, nil)
	}
	txn.dbs[dbi] = d
	return d
}

// readDBRecord looks up the tree record of a named database in the main tree.
func (txn *Txn) readDBRecord(name string) (tree, bool, error) {
	val, nflags, found, err := txn.get(MainDBI, []byte(name))
	if err != nil || !found {
		return tree{}, false, err
	}
	if nflags&nodeTree == 0 {
		return tree{}, false, NewError(ErrIncompatible)
	}
	t, err := decodeTree(val)
	if err != nil {
		return tree{}, false, err
	}
	return t, true, nil
}

// OpenDBI opens a database by name. The empty name selects the main
// database. With Create a missing database is created in a write
// transaction. The handle stays valid for the lifetime of the environment.
func (txn *Txn) OpenDBI(name string, flags uint) (DBI, error) {
	if err := txn.checkRead(); err != nil {
		return 0, err
	}
	if name == "" {
		return MainDBI, nil
	}

	env := txn.env
	env.dbisMu.Lock()
	dbi := DBI(0)
	for i := CoreDBs; i < len(env.dbis); i++ {
		if env.dbis[i].name == name {
			dbi = DBI(i)
			break
		}
	}
	if dbi == 0 && len(env.dbis)-CoreDBs >= env.maxDBs {
		env.dbisMu.Unlock()
		return 0, NewError(ErrDBsFull)
	}
	env.dbisMu.Unlock()

	if dbi != 0 && int(dbi) < len(txn.dbs) && txn.dbs[dbi] != nil {
		if txn.dbs[dbi].state&dbDropped == 0 {
			return dbi, nil
		}
		// Dropped earlier in this transaction; it can be re-created.
		if flags&Create == 0 {
			return 0, NewError(ErrNotFound)
		}
		txn.dbs[dbi] = &txnDB{tree: tree{}, state: dbLoaded | dbDirty}
		txn.changed = true
		return dbi, nil
	}

	t, found, err := txn.readDBRecord(name)
	if err != nil {
		return 0, err
	}
	d := &txnDB{tree: t, state: dbLoaded}
	if !found {
		if flags&Create == 0 {
			return 0, NewError(ErrNotFound)
		}
		if err := txn.checkWrite(); err != nil {
			return 0, err
		}
		if len(name) > txn.maxKey() {
			return 0, NewError(ErrBadValSize)
		}
		d.tree = tree{}
		d.state |= dbDirty
		txn.changed = true
	}

	dbi, err = env.registerDBI(name, flags)
	if err != nil {
		return 0, err
	}
	txn.setDB(dbi, d)
	return dbi, nil
}

// persistNamedDBs writes changed tree records of named databases into the
// main tree.
func (txn *Txn) persistNamedDBs() error {
	c := txn.internalCursor(MainDBI)
	for i := CoreDBs; i < len(txn.dbs); i++ {
		d := txn.dbs[i]
		if d == nil || d.state&dbDirty == 0 {
			continue
		}
		name := []byte(txn.env.dbiName(DBI(i)))
		if d.state&dbDropped != 0 {
			exact, err := c.descend(name)
			if err != nil {
				return err
			}
			if exact {
				if err := c.del(); err != nil {
					return err
				}
			}
			continue
		}
		rec := make([]byte, treeRecordSize)
		d.tree.encode(rec)
		if _, err := c.put(name, rec, 0, nodeTree); err != nil {
			return err
		}
		d.state &^= dbDirty
	}
	return nil
}

// Get returns the value stored under key, or ErrNotFound.
func (txn *Txn) Get(dbi DBI, key []byte) ([]byte, error) {
	val, ok, err := txn.Lookup(dbi, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, NewError(ErrNotFound)
	}
	return val, nil
}

// Lookup returns the value stored under key and whether it exists. A
// present key with an empty value returns a non-nil empty slice.
func (txn *Txn) Lookup(dbi DBI, key []byte) ([]byte, bool, error) {
	if err := txn.checkRead(); err != nil {
		return nil, false, err
	}
	if len(key) == 0 || len(key) > txn.maxKey() {
		return nil, false, NewError(ErrBadValSize)
	}
	val, nflags, found, err := txn.get(dbi, key)
	if err != nil || !found {
		return nil, false, err
	}
	if nflags&nodeTree != 0 {
		return nil, false, NewError(ErrIncompatible)
	}
	if val == nil {
		val = []byte{}
	}
	return val, true, nil
}

// get descends to key and returns its value and node flags.
func (txn *Txn) get(dbi DBI, key []byte) ([]byte, uint8, bool, error) {
	if _, err := txn.db(dbi); err != nil {
		return nil, 0, false, err
	}
	c := txn.internalCursor(dbi)
	exact, err := c.descend(key)
	if err != nil || !exact {
		return nil, 0, false, err
	}
	leaf := &c.stack[c.top]
	val, err := txn.nodeValue(leaf.pg, leaf.idx)
	if err != nil {
		return nil, 0, false, err
	}
	return val, leaf.pg.nodeFlags(leaf.idx), true, nil
}

// nodeValue returns the value of leaf node idx, following large runs.
func (txn *Txn) nodeValue(p page, idx int) ([]byte, error) {
	if p.nodeFlags(idx)&nodeBig != 0 {
		return txn.largeValue(p.largePgno(idx), p.dataSize(idx))
	}
	return p.inlineData(idx), nil
}

// Put stores value under key. With NoOverwrite an existing key fails with
// ErrKeyExist; with Append the key must sort after every existing key.
func (txn *Txn) Put(dbi DBI, key, value []byte, flags uint) error {
	_, err := txn.put(dbi, key, value, flags)
	return err
}

// Upsert stores value under key and reports whether the key existed.
func (txn *Txn) Upsert(dbi DBI, key, value []byte) (bool, error) {
	return txn.put(dbi, key, value, 0)
}

func (txn *Txn) put(dbi DBI, key, value []byte, flags uint) (bool, error) {
	if err := txn.checkWrite(); err != nil {
		return false, err
	}
	if err := txn.checkKV(dbi, key, value); err != nil {
		return false, err
	}
	if _, err := txn.db(dbi); err != nil {
		return false, err
	}
	return txn.internalCursor(dbi).put(key, value, flags, 0)
}

// Del deletes key. A non-nil value must match the stored value. A missing
// key returns ErrNotFound.
func (txn *Txn) Del(dbi DBI, key, value []byte) error {
	existed, err := txn.del(dbi, key, value)
	if err != nil {
		return err
	}
	if !existed {
		return NewError(ErrNotFound)
	}
	return nil
}

// Delete deletes key and reports whether it existed.
func (txn *Txn) Delete(dbi DBI, key []byte) (bool, error) {
	return txn.del(dbi, key, nil)
}

func (txn *Txn) del(dbi DBI, key, value []byte) (bool, error) {
	if err := txn.checkWrite(); err != nil {
		return false, err
	}
	if dbi == FreeDBI {
		return false, NewError(ErrIncompatible)
	}
	if len(key) == 0 || len(key) > txn.maxKey() {
		return false, NewError(ErrBadValSize)
	}
	if _, err := txn.db(dbi); err != nil {
		return false, err
	}
	c := txn.internalCursor(dbi)
	exact, err := c.descend(key)
	if err != nil || !exact {
		return false, err
	}
	leaf := &c.stack[c.top]
	if leaf.pg.nodeFlags(leaf.idx)&nodeTree != 0 {
		return false, NewError(ErrIncompatible)
	}
	if value != nil {
		cur, err := txn.nodeValue(leaf.pg, leaf.idx)
		if err != nil {
			return false, err
		}
		if !bytes.Equal(cur, value) {
			return false, nil
		}
	}
	if err := c.del(); err != nil {
		return false, err
	}
	return true, nil
}

// checkKV validates a key/value pair for a put.
func (txn *Txn) checkKV(dbi DBI, key, value []byte) error {
	if dbi == FreeDBI {
		return NewError(ErrIncompatible)
	}
	if len(key) == 0 || len(key) > txn.maxKey() || len(value) > maxValSize {
		return NewError(ErrBadValSize)
	}
	return nil
}

func (txn *Txn) maxKey() int {
	return maxKeySize(txn.env.pageSize)
}

// OpenCursor opens a cursor on dbi. It is closed automatically when the
// transaction ends.
func (txn *Txn) OpenCursor(dbi DBI) (*Cursor, error) {
	if err := txn.checkRead(); err != nil {
		return nil, err
	}
	if _, err := txn.db(dbi); err != nil {
		return nil, err
	}
	c := newCursor(txn, dbi)
	txn.cursors = append(txn.cursors, c)
	return c, nil
}

// internalCursor returns the transaction's scratch cursor bound to dbi.
func (txn *Txn) internalCursor(dbi DBI) *Cursor {
	if txn.scratch == nil {
		txn.scratch = newCursor(txn, dbi)
	}
	c := txn.scratch
	c.dbi = dbi
	c.reset()
	return c
}

func (txn *Txn) removeCursor(c *Cursor) {
	for i, cc := range txn.cursors {
		if cc == c {
			txn.cursors = append(txn.cursors[:i], txn.cursors[i+1:]...)
			return
		}
	}
}

func (txn *Txn) closeAllCursors() {
	for _, c := range txn.cursors {
		c.invalidate()
	}
	txn.cursors = txn.cursors[:0]
}

// markDirty records that dbi changed in this transaction.
func (txn *Txn) markDirty(dbi DBI) {
	d := txn.dbs[dbi]
	d.tree.ModTxnid = txn.id
	if dbi >= CoreDBs {
		d.state |= dbDirty
	}
	txn.changed = true
	txn.seq++
}
