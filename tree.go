package cowdb

import (
	"fmt"
	"slices"
)

// treeMut returns the tree record of the cursor's database for update.
func (c *Cursor) treeMut() *tree {
	return &c.txn.dbs[c.dbi].tree
}

// touchPath makes every page on the cursor path writable, root first, and
// points each parent at the copy of its child.
func (c *Cursor) touchPath() error {
	txn := c.txn
	t := c.treeMut()
	for lvl := 0; lvl <= c.top; lvl++ {
		old := c.stack[lvl].pg
		np, err := txn.touch(old)
		if err != nil {
			return err
		}
		if np.pgno() != old.pgno() {
			if lvl == 0 {
				t.Root = np.pgno()
			} else {
				parent := &c.stack[lvl-1]
				parent.pg.setChildPgno(parent.idx, np.pgno())
			}
		}
		c.stack[lvl].pg = np
	}
	return nil
}

// touchChild makes child idx of the writable page at lvl writable.
func (c *Cursor) touchChild(lvl, idx int) (page, error) {
	parent := c.stack[lvl].pg
	pn := parent.childPgno(idx)
	p, err := c.txn.getPage(pn)
	if err != nil {
		return page{}, err
	}
	np, err := c.txn.touch(p)
	if err != nil {
		return page{}, err
	}
	if np.pgno() != pn {
		parent.setChildPgno(idx, np.pgno())
	}
	return np, nil
}

// leafNode encodes key/val, moving the value to a large run when the node
// would not fit a page four times over.
func (c *Cursor) leafNode(key, val []byte, nflags uint8) ([]byte, error) {
	ps := c.txn.env.pageSize
	if leafNodeSize(key, val) <= maxNodeSize(ps) {
		return makeLeafNode(key, val, nflags), nil
	}
	pn, err := c.txn.allocLarge(val)
	if err != nil {
		return nil, err
	}
	c.treeMut().LargePages += uint32(largePageCount(len(val), ps))
	return makeBigNode(key, len(val), pn, nflags), nil
}

// newTreePage stages a branch or leaf page and counts it in the tree.
func (c *Cursor) newTreePage(flags uint16) (page, error) {
	p, err := c.txn.newPage(flags)
	if err != nil {
		return page{}, err
	}
	t := c.treeMut()
	if flags&pageBranch != 0 {
		t.BranchPages++
	} else {
		t.LeafPages++
	}
	return p, nil
}

// releaseTreePage frees a branch or leaf page and uncounts it.
func (c *Cursor) releaseTreePage(p page) {
	t := c.treeMut()
	if p.isBranch() {
		t.BranchPages--
	} else {
		t.LeafPages--
	}
	c.txn.freePage(p.pgno(), 1)
}

// insertAt puts node at index idx of the writable page at lvl, splitting
// the page if it does not fit.
func (c *Cursor) insertAt(lvl, idx int, node []byte) error {
	p := c.stack[lvl].pg
	if p.insertNode(idx, node) {
		c.stack[lvl].idx = idx
		return nil
	}
	return c.split(lvl, idx, node)
}

// atRightEdge reports whether every page above lvl is on its last child.
func (c *Cursor) atRightEdge(lvl int) bool {
	for l := 0; l < lvl; l++ {
		if c.stack[l].idx != c.stack[l].pg.numEntries()-1 {
			return false
		}
	}
	return true
}

// split divides the page at lvl around node, which goes to index idx. The
// page keeps the left half and a new page takes the right half; the
// separator is inserted into the parent, which may split in turn. A node
// appended at the right edge of the tree goes alone to the new page, so
// sequential inserts leave full pages behind.
func (c *Cursor) split(lvl, idx int, node []byte) error {
	p := c.stack[lvl].pg
	nodes := slices.Insert(p.nodes(), idx, node)

	k := splitPoint(nodes)
	if idx == len(nodes)-1 && c.atRightEdge(lvl) {
		k = len(nodes) - 1
	}

	right, err := c.newTreePage(p.flags() & (pageBranch | pageLeaf))
	if err != nil {
		return err
	}
	sep := append([]byte(nil), nodeKey(nodes[k])...)
	if p.isBranch() {
		nodes[k] = makeBranchNode(nil, nodeChild(nodes[k]))
	}
	if !p.rebuild(nodes[:k]) || !right.rebuild(nodes[k:]) {
		return WrapError(ErrProblem, fmt.Errorf("split of %s does not fit", p))
	}
	sepNode := makeBranchNode(sep, right.pgno())

	if lvl > 0 {
		parent := &c.stack[lvl-1]
		return c.insertAt(lvl-1, parent.idx+1, sepNode)
	}

	// The root split: grow the tree by one level.
	if c.top+1 >= cursorStackSize {
		return NewError(ErrCursorFull)
	}
	root, err := c.newTreePage(pageBranch)
	if err != nil {
		return err
	}
	if !root.insertNode(0, makeBranchNode(nil, p.pgno())) || !root.insertNode(1, sepNode) {
		return WrapError(ErrProblem, fmt.Errorf("new root %d overflows", root.pgno()))
	}
	t := c.treeMut()
	t.Root = root.pgno()
	t.Height++
	copy(c.stack[1:c.top+2], c.stack[0:c.top+1])
	c.top++
	rootIdx := 0
	if idx >= k {
		rootIdx = 1
	}
	c.stack[0] = cursorLevel{pg: root, idx: rootIdx}
	return nil
}

// splitPoint returns how many nodes stay on the left page: the byte median,
// with the node straddling the middle placed on the lighter side.
func splitPoint(nodes [][]byte) int {
	total := 0
	for _, nd := range nodes {
		total += len(nd) + 2
	}
	left := 0
	for k := 0; k < len(nodes)-1; k++ {
		sz := len(nodes[k]) + 2
		left += sz
		if 2*left < total {
			continue
		}
		// Keeping node k left gives max(left, total-left); moving it right
		// gives max(left-sz, total-left+sz).
		if k > 0 && total-left+sz < left {
			return k
		}
		return k + 1
	}
	return len(nodes) - 1
}

// freeSubtree releases every page below and including pn.
func (c *Cursor) freeSubtree(pn pgno, depth int) error {
	if depth >= cursorStackSize {
		return NewError(ErrCursorFull)
	}
	txn := c.txn
	p, err := txn.getPage(pn)
	if err != nil {
		return err
	}
	n := p.numEntries()
	for i := 0; i < n; i++ {
		if p.isBranch() {
			if err := c.freeSubtree(p.childPgno(i), depth+1); err != nil {
				return err
			}
			continue
		}
		if p.nodeFlags(i)&nodeBig != 0 {
			if _, err := txn.freeLarge(p.largePgno(i), p.dataSize(i)); err != nil {
				return err
			}
		}
	}
	txn.freePage(pn, 1)
	return nil
}
