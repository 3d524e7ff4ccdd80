package cowdb

// DBI is a database handle (index into environment's database registry).
type DBI uint32

// Stat contains statistics of one database.
type Stat struct {
	PSize         uint   // page size
	Depth         uint   // tree height
	BranchPages   uint64 // branch pages
	LeafPages     uint64 // leaf pages
	OverflowPages uint64 // large (overflow) pages
	Entries       uint64 // key/value pairs
	ModTxnID      uint64 // last transaction that changed the tree
	Sequence      uint64
}

func treeStat(t *tree, pageSize int) *Stat {
	return &Stat{
		PSize:         uint(pageSize),
		Depth:         uint(t.Height),
		BranchPages:   uint64(t.BranchPages),
		LeafPages:     uint64(t.LeafPages),
		OverflowPages: uint64(t.LargePages),
		Entries:       t.Items,
		ModTxnID:      uint64(t.ModTxnid),
		Sequence:      t.Sequence,
	}
}

// registerDBI returns the handle of a named database, adding it to the
// registry if needed.
func (e *Env) registerDBI(name string, flags uint) (DBI, error) {
	e.dbisMu.Lock()
	defer e.dbisMu.Unlock()
	for i := CoreDBs; i < len(e.dbis); i++ {
		if e.dbis[i].name == name {
			return DBI(i), nil
		}
	}
	if len(e.dbis)-CoreDBs >= e.maxDBs {
		return 0, NewError(ErrDBsFull)
	}
	e.dbis = append(e.dbis, dbiInfo{name: name, flags: flags &^ Create})
	return DBI(len(e.dbis) - 1), nil
}

func (e *Env) dbiName(dbi DBI) string {
	e.dbisMu.RLock()
	defer e.dbisMu.RUnlock()
	if int(dbi) < len(e.dbis) {
		return e.dbis[dbi].name
	}
	return ""
}

// Stat returns statistics of dbi as seen by the transaction.
func (txn *Txn) Stat(dbi DBI) (*Stat, error) {
	if err := txn.checkRead(); err != nil {
		return nil, err
	}
	d, err := txn.db(dbi)
	if err != nil {
		return nil, err
	}
	return treeStat(&d.tree, txn.env.pageSize), nil
}

// Drop empties a database and releases its pages. With del the database
// itself is deleted at commit and the handle stops working in this
// transaction. The free list and main databases cannot be dropped.
func (txn *Txn) Drop(dbi DBI, del bool) error {
	if err := txn.checkWrite(); err != nil {
		return err
	}
	if dbi < CoreDBs {
		return NewError(ErrIncompatible)
	}
	d, err := txn.db(dbi)
	if err != nil {
		return err
	}

	if !d.tree.isEmpty() {
		c := newCursor(txn, dbi)
		if err := c.freeSubtree(d.tree.Root, 0); err != nil {
			return txn.fail(err)
		}
	}
	d.tree.reset()
	if del {
		d.state |= dbDropped
	}
	txn.markDirty(dbi)
	return nil
}

// DBIFlags returns the flags dbi was opened with.
func (txn *Txn) DBIFlags(dbi DBI) (uint, error) {
	if err := txn.checkRead(); err != nil {
		return 0, err
	}
	if _, err := txn.db(dbi); err != nil {
		return 0, err
	}
	e := txn.env
	e.dbisMu.RLock()
	defer e.dbisMu.RUnlock()
	return e.dbis[dbi].flags, nil
}

// Sequence returns the sequence counter of dbi and adds increment to it.
// A read-only transaction can only pass zero.
func (txn *Txn) Sequence(dbi DBI, increment uint64) (uint64, error) {
	if err := txn.checkRead(); err != nil {
		return 0, err
	}
	if increment > 0 {
		if err := txn.checkWrite(); err != nil {
			return 0, err
		}
	}
	d, err := txn.db(dbi)
	if err != nil {
		return 0, err
	}
	cur := d.tree.Sequence
	if increment > 0 {
		d.tree.Sequence += increment
		txn.markDirty(dbi)
	}
	return cur, nil
}

// SetCompare sets the key order of dbi for the lifetime of the
// environment. It must be set before the database holds data and the same
// order must be used every time the database is opened.
func (txn *Txn) SetCompare(dbi DBI, cmp CmpFunc) error {
	if err := txn.checkRead(); err != nil {
		return err
	}
	if dbi == FreeDBI {
		return NewError(ErrIncompatible)
	}
	e := txn.env
	e.dbisMu.Lock()
	defer e.dbisMu.Unlock()
	if int(dbi) >= len(e.dbis) {
		return NewError(ErrBadDBI)
	}
	e.dbis[dbi].cmp = cmp
	return nil
}

// ListDBs returns the names of the named databases in the snapshot.
func (txn *Txn) ListDBs() ([]string, error) {
	if err := txn.checkRead(); err != nil {
		return nil, err
	}
	var names []string
	c := newCursor(txn, MainDBI)
	k, _, err := c.firstEntry()
	for ; err == nil && k != nil; k, _, err = c.nextEntry() {
		leaf := &c.stack[c.top]
		if leaf.pg.nodeFlags(leaf.idx)&nodeTree != 0 {
			names = append(names, string(k))
		}
	}
	return names, err
}
