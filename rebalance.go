package cowdb

import "fmt"

// Minimum entries before a page is rebalanced
const (
	minLeafKeys   = 1
	minBranchKeys = 2
)

// rebalance restores the fill invariants of the page at lvl after a
// deletion. Every page on the cursor path down to lvl must be writable.
// An empty page is always removed; a page under a quarter full or below its
// minimum entry count borrows from or merges with a sibling.
func (c *Cursor) rebalance(lvl int) error {
	p := c.stack[lvl].pg
	n := p.numEntries()

	if lvl == 0 {
		return c.rebalanceRoot(p)
	}

	minKeys := minLeafKeys
	if p.isBranch() {
		minKeys = minBranchKeys
	}
	if n >= minKeys && p.usedSpace() >= p.usable()/4 {
		return nil
	}

	plvl := lvl - 1
	parent := &c.stack[plvl]
	if n == 0 {
		return c.dropEmpty(lvl)
	}
	if parent.pg.numEntries() < 2 {
		return nil
	}

	// Prefer the left sibling; the leftmost child pairs with its right one.
	if parent.idx > 0 {
		left, err := c.touchChild(plvl, parent.idx-1)
		if err != nil {
			return err
		}
		merged, err := c.merge(lvl, left, p, parent.idx)
		if err != nil || merged {
			return err
		}
		return c.borrowFromLeft(lvl, left, p)
	}
	right, err := c.touchChild(plvl, parent.idx+1)
	if err != nil {
		return err
	}
	merged, err := c.merge(lvl, p, right, parent.idx+1)
	if err != nil || merged {
		return err
	}
	return c.borrowFromRight(lvl, p, right)
}

// rebalanceRoot empties the tree when the root leaf is empty and removes
// branch roots with a single child.
func (c *Cursor) rebalanceRoot(p page) error {
	t := c.treeMut()
	for {
		n := p.numEntries()
		switch {
		case n == 0:
			c.releaseTreePage(p)
			t.Root = invalidPgno
			t.Height = 0
			c.top = -1
			return nil
		case p.isBranch() && n == 1:
			child := p.childPgno(0)
			c.releaseTreePage(p)
			t.Root = child
			t.Height--
			np, err := c.txn.getPage(child)
			if err != nil {
				return err
			}
			c.stack[0] = cursorLevel{pg: np}
			c.top = 0
			p = np
		default:
			return nil
		}
	}
}

// dropEmpty removes the empty page at lvl from its parent.
func (c *Cursor) dropEmpty(lvl int) error {
	plvl := lvl - 1
	parent := &c.stack[plvl]
	pp := parent.pg
	c.releaseTreePage(c.stack[lvl].pg)
	pp.removeNode(parent.idx)
	// The new first child covers everything below the old second key.
	if parent.idx == 0 && pp.numEntries() > 0 && len(pp.key(0)) > 0 {
		if !pp.replaceNode(0, makeBranchNode(nil, pp.childPgno(0))) {
			return WrapError(ErrProblem, fmt.Errorf("%s: cannot clear first key", pp))
		}
	}
	c.top = plvl
	return c.rebalance(plvl)
}

// merge moves every node of right into left when they fit, then removes
// right from the parent. rightIdx is right's index in the parent.
func (c *Cursor) merge(lvl int, left, right page, rightIdx int) (bool, error) {
	plvl := lvl - 1
	pp := c.stack[plvl].pg

	nodes := right.nodes()
	if right.isBranch() && len(nodes) > 0 {
		nodes[0] = makeBranchNode(pp.key(rightIdx), nodeChild(nodes[0]))
	}
	need := 0
	for _, nd := range nodes {
		need += len(nd) + 2
	}
	if left.usable()-left.usedSpace() < need {
		return false, nil
	}

	base := left.numEntries()
	for i, nd := range nodes {
		if !left.insertNode(base+i, nd) {
			return false, WrapError(ErrProblem, fmt.Errorf("merge into %s overflows", left))
		}
	}
	c.releaseTreePage(right)
	pp.removeNode(rightIdx)
	c.top = plvl
	return true, c.rebalance(plvl)
}

// borrowFromLeft moves the last node of left to the front of cur.
func (c *Cursor) borrowFromLeft(lvl int, left, cur page) error {
	plvl := lvl - 1
	parent := &c.stack[plvl]
	curIdx := parent.idx

	minKeys := minLeafKeys
	if cur.isBranch() {
		minKeys = minBranchKeys
	}
	k := left.numEntries() - 1
	if k+1 <= minKeys {
		return nil
	}
	moved := append([]byte(nil), left.node(k)...)
	free := cur.usable() - cur.usedSpace()

	if cur.isLeaf() {
		if free < len(moved)+2 {
			return nil
		}
		cur.insertNode(0, moved)
		left.removeNode(k)
		return c.updateSeparator(plvl, curIdx, nodeKey(moved))
	}

	// Branch: the old separator moves down onto cur's first child and the
	// moved node's key becomes the new separator.
	sep := append([]byte(nil), parent.pg.key(curIdx)...)
	if free < len(sep)+nodeHeaderSize+2 {
		return nil
	}
	if !cur.replaceNode(0, makeBranchNode(sep, cur.childPgno(0))) ||
		!cur.insertNode(0, makeBranchNode(nil, nodeChild(moved))) {
		return WrapError(ErrProblem, fmt.Errorf("borrow into %s overflows", cur))
	}
	left.removeNode(k)
	return c.updateSeparator(plvl, curIdx, nodeKey(moved))
}

// borrowFromRight moves the first node of right to the end of cur.
func (c *Cursor) borrowFromRight(lvl int, cur, right page) error {
	plvl := lvl - 1
	parent := &c.stack[plvl]
	rightIdx := parent.idx + 1

	minKeys := minLeafKeys
	if cur.isBranch() {
		minKeys = minBranchKeys
	}
	if right.numEntries() <= minKeys {
		return nil
	}
	n := cur.numEntries()
	free := cur.usable() - cur.usedSpace()

	if cur.isLeaf() {
		moved := append([]byte(nil), right.node(0)...)
		if free < len(moved)+2 {
			return nil
		}
		cur.insertNode(n, moved)
		right.removeNode(0)
		return c.updateSeparator(plvl, rightIdx, append([]byte(nil), right.key(0)...))
	}

	sep := append([]byte(nil), parent.pg.key(rightIdx)...)
	if free < len(sep)+nodeHeaderSize+2 {
		return nil
	}
	if !cur.insertNode(n, makeBranchNode(sep, right.childPgno(0))) {
		return WrapError(ErrProblem, fmt.Errorf("borrow into %s overflows", cur))
	}
	newSep := append([]byte(nil), right.key(1)...)
	right.removeNode(0)
	if !right.replaceNode(0, makeBranchNode(nil, right.childPgno(0))) {
		return WrapError(ErrProblem, fmt.Errorf("%s: cannot clear first key", right))
	}
	return c.updateSeparator(plvl, rightIdx, newSep)
}

// updateSeparator replaces the key of entry idx on the page at plvl,
// splitting the page if the longer key does not fit.
func (c *Cursor) updateSeparator(plvl, idx int, key []byte) error {
	pp := c.stack[plvl].pg
	node := makeBranchNode(key, pp.childPgno(idx))
	if pp.replaceNode(idx, node) {
		return nil
	}
	pp.removeNode(idx)
	return c.insertAt(plvl, idx, node)
}
