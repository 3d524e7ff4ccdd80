package cowdb

import "bytes"

// Cursor operations for Get
const (
	// First positions at the first key
	First uint = iota
	// GetCurrent returns the current key and value
	GetCurrent
	// Last positions at the last key
	Last
	// Next moves to the next key
	Next
	// Prev moves to the previous key
	Prev
	// Set positions at the given key
	Set
	// SetKey positions at the given key and returns key and value
	SetKey
	// SetRange positions at the first key >= the given key
	SetRange
)

// CursorOp selects a Get operation.
type CursorOp = uint

// CmpFunc orders keys. It returns a negative number, zero or a positive
// number like bytes.Compare.
type CmpFunc = func(a, b []byte) int

// cursorState tracks cursor validity
type cursorState uint8

const (
	cursorUninitialized cursorState = iota
	cursorPointing                  // at a valid entry
	cursorEOF                       // past the last entry
)

// cursorSignature is the magic number for valid cursors
const cursorSignature uint32 = 0x43555253 // "CURS"

// cursorLevel is one page on the path from the root.
type cursorLevel struct {
	pg  page
	idx int
}

// Cursor provides ordered navigation over one database in a transaction.
//
// The cursor keeps the path of pages from the root to its leaf. When the
// transaction modifies any tree the path may point at pages that were
// copied or released, so the cursor remembers the key it sits on and
// descends to it again before the next move.
type Cursor struct {
	signature uint32
	state     cursorState
	top       int // leaf level; -1 when the tree is empty
	dbi       DBI
	txn       *Txn
	cmp       CmpFunc

	stack [cursorStackSize]cursorLevel
	seq   uint64 // txn.seq the stack was built at
	key   []byte // key at the current position
}

func newCursor(txn *Txn, dbi DBI) *Cursor {
	return &Cursor{
		signature: cursorSignature,
		top:       -1,
		dbi:       dbi,
		txn:       txn,
		cmp:       txn.env.compareFunc(dbi),
	}
}

// reset unpositions the cursor and rebinds the comparator for its dbi.
func (c *Cursor) reset() {
	c.state = cursorUninitialized
	c.top = -1
	c.cmp = c.txn.env.compareFunc(c.dbi)
}

// invalidate detaches the cursor when its transaction ends.
func (c *Cursor) invalidate() {
	c.signature = 0
	c.state = cursorUninitialized
	c.top = -1
	c.stack = [cursorStackSize]cursorLevel{}
}

// check validates the cursor and its transaction.
func (c *Cursor) check() error {
	if c == nil || c.signature != cursorSignature {
		return NewError(ErrBadTxn)
	}
	return c.txn.checkRead()
}

// Txn returns the cursor's transaction.
func (c *Cursor) Txn() *Txn {
	return c.txn
}

// DBI returns the cursor's database handle.
func (c *Cursor) DBI() DBI {
	return c.dbi
}

// Close closes the cursor. Closing twice is harmless.
func (c *Cursor) Close() {
	if c == nil || c.signature != cursorSignature {
		return
	}
	c.txn.removeCursor(c)
	c.invalidate()
}

// EOF reports whether the cursor moved past the last entry.
func (c *Cursor) EOF() bool {
	return c.state == cursorEOF
}

func (c *Cursor) tree() (*tree, error) {
	d, err := c.txn.db(c.dbi)
	if err != nil {
		return nil, err
	}
	return &d.tree, nil
}

// searchLeaf returns the first index whose key is >= key.
func (c *Cursor) searchLeaf(p page, key []byte) (int, bool) {
	lo, hi := 0, p.numEntries()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if c.cmp(p.key(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < p.numEntries() && c.cmp(p.key(lo), key) == 0
}

// searchBranch returns the child covering key: the last index whose key is
// <= key. Entry 0 stands for everything below entry 1.
func (c *Cursor) searchBranch(p page, key []byte) int {
	lo, hi := 1, p.numEntries()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if c.cmp(p.key(mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

// descend builds the path to key. The leaf index is the first entry >= key
// and may equal the number of entries. It reports whether key was found.
func (c *Cursor) descend(key []byte) (bool, error) {
	t, err := c.tree()
	if err != nil {
		return false, err
	}
	c.top = -1
	c.state = cursorUninitialized
	c.seq = c.txn.seq
	if t.isEmpty() {
		return false, nil
	}

	pn := t.Root
	for depth := 0; ; depth++ {
		if depth >= cursorStackSize {
			return false, NewError(ErrCursorFull)
		}
		p, err := c.txn.getPage(pn)
		if err != nil {
			return false, err
		}
		if p.isLeaf() {
			idx, exact := c.searchLeaf(p, key)
			c.stack[depth] = cursorLevel{pg: p, idx: idx}
			c.top = depth
			c.state = cursorPointing
			return exact, nil
		}
		if p.numEntries() == 0 {
			return false, corruptf("branch page %d is empty", pn)
		}
		idx := c.searchBranch(p, key)
		c.stack[depth] = cursorLevel{pg: p, idx: idx}
		pn = p.childPgno(idx)
	}
}

// descendFrom walks from page pn at the given depth down to its first or
// last leaf entry.
func (c *Cursor) descendFrom(pn pgno, depth int, last bool) (bool, error) {
	for ; ; depth++ {
		if depth >= cursorStackSize {
			return false, NewError(ErrCursorFull)
		}
		p, err := c.txn.getPage(pn)
		if err != nil {
			return false, err
		}
		n := p.numEntries()
		if n == 0 {
			return false, corruptf("%s reached while descending", p)
		}
		idx := 0
		if last {
			idx = n - 1
		}
		c.stack[depth] = cursorLevel{pg: p, idx: idx}
		if p.isLeaf() {
			c.top = depth
			c.state = cursorPointing
			c.seq = c.txn.seq
			return true, nil
		}
		pn = p.childPgno(idx)
	}
}

// edge positions at the first or last entry of the tree.
func (c *Cursor) edge(last bool) (bool, error) {
	t, err := c.tree()
	if err != nil {
		return false, err
	}
	c.top = -1
	c.seq = c.txn.seq
	if t.isEmpty() {
		c.state = cursorEOF
		return false, nil
	}
	return c.descendFrom(t.Root, 0, last)
}

// nextLeaf moves to the first entry of the following leaf.
func (c *Cursor) nextLeaf() (bool, error) {
	lvl := c.top - 1
	for lvl >= 0 && c.stack[lvl].idx+1 >= c.stack[lvl].pg.numEntries() {
		lvl--
	}
	if lvl < 0 {
		c.state = cursorEOF
		return false, nil
	}
	c.stack[lvl].idx++
	return c.descendFrom(c.stack[lvl].pg.childPgno(c.stack[lvl].idx), lvl+1, false)
}

// prevLeaf moves to the last entry of the preceding leaf.
func (c *Cursor) prevLeaf() (bool, error) {
	lvl := c.top - 1
	for lvl >= 0 && c.stack[lvl].idx == 0 {
		lvl--
	}
	if lvl < 0 {
		return false, nil
	}
	c.stack[lvl].idx--
	return c.descendFrom(c.stack[lvl].pg.childPgno(c.stack[lvl].idx), lvl+1, true)
}

// settle moves a position past the end of a leaf onto the next leaf.
func (c *Cursor) settle() (bool, error) {
	if c.top < 0 {
		c.state = cursorEOF
		return false, nil
	}
	leaf := &c.stack[c.top]
	if leaf.idx < leaf.pg.numEntries() {
		return true, nil
	}
	return c.nextLeaf()
}

// sync descends again to the saved key if the transaction changed pages
// since the path was built. It reports whether the key is gone, in which
// case the cursor sits on its successor.
func (c *Cursor) sync() (bool, error) {
	if c.seq == c.txn.seq {
		return false, nil
	}
	exact, err := c.descend(c.key)
	if err != nil {
		return false, err
	}
	return !exact, nil
}

// entry returns the key and value at the current position and remembers
// the key.
func (c *Cursor) entry() ([]byte, []byte, error) {
	leaf := &c.stack[c.top]
	k := leaf.pg.key(leaf.idx)
	v, err := c.txn.nodeValue(leaf.pg, leaf.idx)
	if err != nil {
		return nil, nil, err
	}
	if v == nil {
		v = []byte{}
	}
	c.key = append(c.key[:0], k...)
	return k, v, nil
}

func (c *Cursor) result(ok bool, err error) ([]byte, []byte, error) {
	if err != nil || !ok {
		return nil, nil, err
	}
	return c.entry()
}

func (c *Cursor) firstEntry() ([]byte, []byte, error) {
	return c.result(c.edge(false))
}

func (c *Cursor) lastEntry() ([]byte, []byte, error) {
	return c.result(c.edge(true))
}

func (c *Cursor) nextEntry() ([]byte, []byte, error) {
	switch c.state {
	case cursorUninitialized:
		return c.firstEntry()
	case cursorEOF:
		return nil, nil, nil
	}
	moved, err := c.sync()
	if err != nil {
		return nil, nil, err
	}
	if moved {
		return c.result(c.settle())
	}
	if c.top < 0 {
		c.state = cursorEOF
		return nil, nil, nil
	}
	leaf := &c.stack[c.top]
	leaf.idx++
	if leaf.idx < leaf.pg.numEntries() {
		return c.entry()
	}
	return c.result(c.nextLeaf())
}

func (c *Cursor) prevEntry() ([]byte, []byte, error) {
	if c.state != cursorPointing {
		return c.lastEntry()
	}
	if _, err := c.sync(); err != nil {
		return nil, nil, err
	}
	if c.top < 0 {
		c.state = cursorUninitialized
		return nil, nil, nil
	}
	leaf := &c.stack[c.top]
	if leaf.idx > 0 {
		leaf.idx--
		return c.entry()
	}
	ok, err := c.prevLeaf()
	if err == nil && !ok {
		c.state = cursorUninitialized
	}
	return c.result(ok, err)
}

func (c *Cursor) seekGE(key []byte) ([]byte, []byte, error) {
	if _, err := c.descend(key); err != nil {
		return nil, nil, err
	}
	return c.result(c.settle())
}

func (c *Cursor) seekExact(key []byte) ([]byte, []byte, error) {
	exact, err := c.descend(key)
	if err != nil {
		return nil, nil, err
	}
	if !exact {
		c.state = cursorUninitialized
		return nil, nil, nil
	}
	return c.entry()
}

func (c *Cursor) currentEntry() ([]byte, []byte, error) {
	if c.state != cursorPointing {
		return nil, nil, nil
	}
	moved, err := c.sync()
	if err != nil {
		return nil, nil, err
	}
	if moved {
		return c.result(c.settle())
	}
	if c.top < 0 {
		return nil, nil, nil
	}
	return c.entry()
}

// First positions at the first key. A nil key means the database is empty.
func (c *Cursor) First() ([]byte, []byte, error) {
	if err := c.check(); err != nil {
		return nil, nil, err
	}
	return c.firstEntry()
}

// Last positions at the last key.
func (c *Cursor) Last() ([]byte, []byte, error) {
	if err := c.check(); err != nil {
		return nil, nil, err
	}
	return c.lastEntry()
}

// Next advances to the following key. A nil key means the cursor moved
// past the end; that is not an error. On an unpositioned cursor Next
// behaves like First. If the entry under the cursor was deleted, Next
// returns its successor.
func (c *Cursor) Next() ([]byte, []byte, error) {
	if err := c.check(); err != nil {
		return nil, nil, err
	}
	return c.nextEntry()
}

// Prev moves to the preceding key. Past the end, or unpositioned, it
// behaves like Last.
func (c *Cursor) Prev() ([]byte, []byte, error) {
	if err := c.check(); err != nil {
		return nil, nil, err
	}
	return c.prevEntry()
}

// Seek positions at key or, if it is absent, at the smallest key greater
// than it.
func (c *Cursor) Seek(key []byte) ([]byte, []byte, error) {
	if err := c.check(); err != nil {
		return nil, nil, err
	}
	return c.seekGE(key)
}

// SeekExact positions at key only if it exists.
func (c *Cursor) SeekExact(key []byte) ([]byte, []byte, error) {
	if err := c.check(); err != nil {
		return nil, nil, err
	}
	return c.seekExact(key)
}

// Current returns the entry under the cursor.
func (c *Cursor) Current() ([]byte, []byte, error) {
	if err := c.check(); err != nil {
		return nil, nil, err
	}
	return c.currentEntry()
}

// Get runs a positioning operation. Unlike the named methods it returns
// ErrNotFound when no entry qualifies.
func (c *Cursor) Get(key, value []byte, op CursorOp) ([]byte, []byte, error) {
	if err := c.check(); err != nil {
		return nil, nil, err
	}

	var k, v []byte
	var err error
	switch op {
	case First:
		k, v, err = c.firstEntry()
	case Last:
		k, v, err = c.lastEntry()
	case Next:
		k, v, err = c.nextEntry()
	case Prev:
		k, v, err = c.prevEntry()
	case GetCurrent:
		k, v, err = c.currentEntry()
	case Set, SetKey:
		k, v, err = c.seekExact(key)
	case SetRange:
		k, v, err = c.seekGE(key)
	default:
		return nil, nil, NewError(ErrInvalid)
	}
	if err != nil {
		return nil, nil, err
	}
	if k == nil {
		return nil, nil, NewError(ErrNotFound)
	}
	if op == Set {
		return nil, v, nil
	}
	return k, v, nil
}

// Count returns the number of entries in the cursor's database.
func (c *Cursor) Count() (uint64, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	t, err := c.tree()
	if err != nil {
		return 0, err
	}
	return t.Items, nil
}

// compareFunc returns the key order of dbi.
func (e *Env) compareFunc(dbi DBI) CmpFunc {
	e.dbisMu.RLock()
	defer e.dbisMu.RUnlock()
	if int(dbi) < len(e.dbis) && e.dbis[dbi].cmp != nil {
		return e.dbis[dbi].cmp
	}
	return bytes.Compare
}
