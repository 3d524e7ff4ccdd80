package cowdb

import (
	"bytes"
	"fmt"
)

// CheckInfo summarises a successful integrity check.
type CheckInfo struct {
	TxnID      uint64
	TotalPages uint64 // pages below the next unallocated page, metas included
	TreePages  uint64 // branch and leaf pages of the main and named databases
	LargePages uint64 // large-value pages of the main and named databases
	GCPages    uint64 // pages of the free-list tree itself
	FreePages  uint64 // pages held by free-list records
	Databases  int    // named databases
	Entries    uint64 // entries of the main and named databases
}

type checker struct {
	txn   *Txn
	owner []string // per page: name of the tree that references it
	info  CheckInfo
}

// Check verifies the snapshot of a read-only transaction: page headers and
// checksums, key order and separator bounds, tree heights and counters.
// Every page must be referenced exactly once, either by a tree or by the
// free list. Any violation is reported as ErrCorrupted.
func (txn *Txn) Check() (*CheckInfo, error) {
	if err := txn.checkRead(); err != nil {
		return nil, err
	}
	if !txn.readOnly {
		return nil, NewError(ErrIncompatible)
	}

	ck := &checker{txn: txn, owner: make([]string, txn.meta.NextPgno)}
	ck.info.TxnID = uint64(txn.meta.Txnid)
	ck.info.TotalPages = uint64(txn.meta.NextPgno)
	for i := 0; i < numMetas; i++ {
		ck.owner[i] = "meta"
	}

	var named []namedTree
	if err := ck.walkTree("@main", &txn.meta.MainTree, bytes.Compare, &named); err != nil {
		return nil, err
	}
	ck.info.Entries += txn.meta.MainTree.Items - uint64(len(named))
	for _, nt := range named {
		cmp := bytes.Compare
		txn.env.dbisMu.RLock()
		for i := CoreDBs; i < len(txn.env.dbis); i++ {
			if txn.env.dbis[i].name == nt.name && txn.env.dbis[i].cmp != nil {
				cmp = txn.env.dbis[i].cmp
			}
		}
		txn.env.dbisMu.RUnlock()
		t := nt.tree
		if err := ck.walkTree(nt.name, &t, cmp, nil); err != nil {
			return nil, err
		}
		ck.info.Entries += t.Items
	}
	ck.info.Databases = len(named)

	if err := ck.walkTree("@free", &txn.meta.FreeTree, bytes.Compare, nil); err != nil {
		return nil, err
	}
	err := txn.ForEachFree(func(id uint64, pages []uint32) error {
		if id > uint64(txn.meta.Txnid) {
			return corruptf("free-list record %d is newer than the snapshot", id)
		}
		for _, pn := range pages {
			if err := ck.mark(pgno(pn), 1, fmt.Sprintf("free-list record %d", id)); err != nil {
				return err
			}
		}
		ck.info.FreePages += uint64(len(pages))
		return nil
	})
	if err != nil {
		return nil, err
	}

	for pn, o := range ck.owner {
		if o == "" {
			return nil, corruptf("page %d is neither referenced nor free", pn)
		}
	}
	return &ck.info, nil
}

// Check verifies the latest snapshot. See Txn.Check.
func (e *Env) Check() (*CheckInfo, error) {
	var info *CheckInfo
	err := e.View(func(txn *Txn) error {
		var err error
		info, err = txn.Check()
		return err
	})
	return info, err
}

type namedTree struct {
	name string
	tree tree
}

// mark records that n pages starting at pn belong to owner.
func (ck *checker) mark(pn pgno, n int, owner string) error {
	for i := 0; i < n; i++ {
		p := pn + pgno(i)
		if p < numMetas || int(p) >= len(ck.owner) {
			return corruptf("%s references page %d outside [%d, %d)", owner, p, numMetas, len(ck.owner))
		}
		if prev := ck.owner[p]; prev != "" {
			return corruptf("page %d referenced by %s and %s", p, prev, owner)
		}
		ck.owner[p] = owner
	}
	return nil
}

// treeWalk accumulates the counters of one tree.
type treeWalk struct {
	name   string
	cmp    CmpFunc
	height int
	stat   tree
	named  *[]namedTree
}

func (ck *checker) walkTree(name string, t *tree, cmp CmpFunc, named *[]namedTree) error {
	if t.isEmpty() {
		if t.Height != 0 || t.Items != 0 || t.BranchPages != 0 || t.LeafPages != 0 || t.LargePages != 0 {
			return corruptf("%s: empty tree with non-zero counters", name)
		}
		return nil
	}
	if t.Height == 0 || t.Height > cursorStackSize {
		return corruptf("%s: height %d", name, t.Height)
	}
	w := &treeWalk{name: name, cmp: cmp, height: int(t.Height), named: named}
	if err := ck.walkPage(w, t.Root, 1, nil, nil); err != nil {
		return err
	}
	switch {
	case w.stat.Items != t.Items:
		return corruptf("%s: %d entries found, record says %d", name, w.stat.Items, t.Items)
	case w.stat.BranchPages != t.BranchPages:
		return corruptf("%s: %d branch pages found, record says %d", name, w.stat.BranchPages, t.BranchPages)
	case w.stat.LeafPages != t.LeafPages:
		return corruptf("%s: %d leaf pages found, record says %d", name, w.stat.LeafPages, t.LeafPages)
	case w.stat.LargePages != t.LargePages:
		return corruptf("%s: %d large pages found, record says %d", name, w.stat.LargePages, t.LargePages)
	}
	if t == &ck.txn.meta.FreeTree {
		ck.info.GCPages += uint64(t.BranchPages+t.LeafPages) + uint64(t.LargePages)
		return nil
	}
	ck.info.TreePages += uint64(t.BranchPages + t.LeafPages)
	ck.info.LargePages += uint64(t.LargePages)
	return nil
}

// walkPage checks page pn and its subtree. Every key must lie in [lo, hi);
// nil bounds are open.
func (ck *checker) walkPage(w *treeWalk, pn pgno, depth int, lo, hi []byte) error {
	txn := ck.txn
	p, err := txn.getPage(pn)
	if err != nil {
		return err
	}
	if err := p.validateNodes(); err != nil {
		return err
	}
	if err := ck.mark(pn, 1, w.name); err != nil {
		return err
	}

	n := p.numEntries()
	if n == 0 {
		return corruptf("%s: %s is empty", w.name, p)
	}
	inRange := func(k []byte) bool {
		return (lo == nil || w.cmp(k, lo) >= 0) && (hi == nil || w.cmp(k, hi) < 0)
	}

	if p.isLeaf() {
		if depth != w.height {
			return corruptf("%s: leaf %d at depth %d, tree height %d", w.name, pn, depth, w.height)
		}
		w.stat.LeafPages++
		var prev []byte
		for i := 0; i < n; i++ {
			k := p.key(i)
			if len(k) == 0 {
				return corruptf("%s: %s has an empty key at %d", w.name, p, i)
			}
			if !inRange(k) || (i > 0 && w.cmp(prev, k) >= 0) {
				return corruptf("%s: %s key %d out of order", w.name, p, i)
			}
			prev = k
			w.stat.Items++
			if err := ck.checkValue(w, p, i); err != nil {
				return err
			}
		}
		return nil
	}

	if depth >= w.height {
		return corruptf("%s: branch %d at depth %d, tree height %d", w.name, pn, depth, w.height)
	}
	w.stat.BranchPages++
	for i := 1; i < n; i++ {
		k := p.key(i)
		if !inRange(k) || (i > 1 && w.cmp(p.key(i-1), k) >= 0) {
			return corruptf("%s: %s separator %d out of order", w.name, p, i)
		}
	}
	for i := 0; i < n; i++ {
		clo, chi := lo, hi
		if i > 0 {
			clo = p.key(i)
		}
		if i+1 < n {
			chi = p.key(i + 1)
		}
		if err := ck.walkPage(w, p.childPgno(i), depth+1, clo, chi); err != nil {
			return err
		}
	}
	return nil
}

// checkValue verifies a large value and collects named database records.
func (ck *checker) checkValue(w *treeWalk, p page, i int) error {
	txn := ck.txn
	flags := p.nodeFlags(i)
	var val []byte
	if flags&nodeBig == 0 {
		val = p.inlineData(i)
	} else {
		size := p.dataSize(i)
		need := largePageCount(size, txn.env.pageSize)
		lp, err := txn.getLarge(p.largePgno(i), need)
		if err != nil {
			return fmt.Errorf("%s: %w", w.name, err)
		}
		count := len(lp.Data) / txn.env.pageSize
		if err := ck.mark(p.largePgno(i), count, w.name); err != nil {
			return err
		}
		w.stat.LargePages += uint32(count)
		val = lp.Data[pageHeaderSize : pageHeaderSize+size]
	}
	if flags&nodeTree != 0 {
		if w.named == nil {
			return corruptf("%s: database record outside the main tree", w.name)
		}
		t, err := decodeTree(val)
		if err != nil {
			return err
		}
		*w.named = append(*w.named, namedTree{name: string(p.key(i)), tree: t})
	}
	return nil
}
