package cowdb

// Put stores key/value and leaves the cursor on the stored entry.
func (c *Cursor) Put(key, value []byte, flags uint) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := c.txn.checkWrite(); err != nil {
		return err
	}
	if err := c.txn.checkKV(c.dbi, key, value); err != nil {
		return err
	}
	_, err := c.put(key, value, flags, 0)
	return err
}

// Del deletes the entry under the cursor. The next call to Next returns the
// entry that followed it.
func (c *Cursor) Del() error {
	if err := c.check(); err != nil {
		return err
	}
	if err := c.txn.checkWrite(); err != nil {
		return err
	}
	if c.dbi == FreeDBI {
		return NewError(ErrIncompatible)
	}
	if c.state != cursorPointing {
		return NewError(ErrNotFound)
	}
	gone, err := c.sync()
	if err != nil {
		return err
	}
	if gone || c.top < 0 {
		return NewError(ErrNotFound)
	}
	leaf := &c.stack[c.top]
	if leaf.pg.nodeFlags(leaf.idx)&nodeTree != 0 {
		return NewError(ErrIncompatible)
	}
	return c.del()
}

// put inserts or replaces key. nflags marks special records such as named
// database trees; a record can only be replaced by one of the same kind.
// It reports whether the key existed.
func (c *Cursor) put(key, val []byte, flags uint, nflags uint8) (bool, error) {
	var exact bool
	if flags&Append != 0 {
		ok, err := c.edge(true)
		if err != nil {
			return false, err
		}
		if ok {
			leaf := &c.stack[c.top]
			if c.cmp(key, leaf.pg.key(leaf.idx)) <= 0 {
				return false, NewError(ErrKeyExist)
			}
			leaf.idx++
		}
	} else {
		var err error
		if exact, err = c.descend(key); err != nil {
			return false, err
		}
	}

	if exact {
		leaf := &c.stack[c.top]
		if leaf.pg.nodeFlags(leaf.idx)&nodeTree != nflags&nodeTree {
			return true, NewError(ErrIncompatible)
		}
		if flags&NoOverwrite != 0 {
			return true, NewError(ErrKeyExist)
		}
	}

	// From here on a failure can leave the tree half-updated.
	if err := c.store(key, val, exact, nflags); err != nil {
		return exact, c.txn.fail(err)
	}
	c.key = append(c.key[:0], key...)
	c.state = cursorPointing
	c.txn.markDirty(c.dbi)
	return exact, nil
}

// store writes the node for key at the cursor position.
func (c *Cursor) store(key, val []byte, exact bool, nflags uint8) error {
	txn := c.txn
	t := c.treeMut()

	if c.top < 0 {
		root, err := c.newTreePage(pageLeaf)
		if err != nil {
			return err
		}
		t.Root = root.pgno()
		t.Height = 1
		c.stack[0] = cursorLevel{pg: root}
		c.top = 0
	} else if err := c.touchPath(); err != nil {
		return err
	}

	leaf := &c.stack[c.top]
	var node []byte
	if exact && leaf.pg.nodeFlags(leaf.idx)&nodeBig != 0 {
		oldPn := leaf.pg.largePgno(leaf.idx)
		if leafNodeSize(key, val) > maxNodeSize(txn.env.pageSize) && txn.rewriteLarge(oldPn, val) {
			node = makeBigNode(key, len(val), oldPn, nflags)
		} else {
			n, err := txn.freeLarge(oldPn, leaf.pg.dataSize(leaf.idx))
			if err != nil {
				return err
			}
			t.LargePages -= uint32(n)
		}
	}
	if node == nil {
		var err error
		if node, err = c.leafNode(key, val, nflags); err != nil {
			return err
		}
	}

	if exact {
		if leaf.pg.replaceNode(leaf.idx, node) {
			return nil
		}
		leaf.pg.removeNode(leaf.idx)
		return c.insertAt(c.top, leaf.idx, node)
	}
	if err := c.insertAt(c.top, leaf.idx, node); err != nil {
		return err
	}
	t.Items++
	return nil
}

// del removes the entry under the cursor and rebalances the path.
func (c *Cursor) del() error {
	txn := c.txn
	t := c.treeMut()
	if err := c.touchPath(); err != nil {
		return txn.fail(err)
	}

	leaf := &c.stack[c.top]
	p, idx := leaf.pg, leaf.idx
	c.key = append(c.key[:0], p.key(idx)...)
	if p.nodeFlags(idx)&nodeBig != 0 {
		n, err := txn.freeLarge(p.largePgno(idx), p.dataSize(idx))
		if err != nil {
			return txn.fail(err)
		}
		t.LargePages -= uint32(n)
	}
	p.removeNode(idx)
	t.Items--

	if err := c.rebalance(c.top); err != nil {
		return txn.fail(err)
	}
	txn.markDirty(c.dbi)
	return nil
}
