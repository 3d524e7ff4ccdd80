package cowdb

import (
	"encoding/binary"
	"fmt"
	"slices"
)

// The free list is the tree at FreeDBI. Each record is keyed by the id of
// the transaction that freed the pages (8 bytes, big endian) and holds the
// sorted page numbers as little-endian uint32s. A record freed by txn F may
// be reused once every reader's snapshot is at least F: older snapshots can
// still reach those pages.

const (
	// gcBacklogWarn is the number of records held back by an old reader at
	// which a warning is logged.
	gcBacklogWarn = 64

	// maxFreelistRounds bounds the save loop.
	maxFreelistRounds = 16
)

func gcKey(id txnid) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(id))
	return k[:]
}

func encodePgnos(pgnos []pgno) []byte {
	b := make([]byte, 4*len(pgnos))
	for i, pn := range pgnos {
		binary.LittleEndian.PutUint32(b[4*i:], uint32(pn))
	}
	return b
}

// decodePgnos parses a free-list record and checks every page number
// against the snapshot.
func decodePgnos(b []byte, limit pgno) ([]pgno, error) {
	if len(b)%4 != 0 {
		return nil, corruptf("free-list record of %d bytes", len(b))
	}
	out := make([]pgno, len(b)/4)
	for i := range out {
		pn := pgno(binary.LittleEndian.Uint32(b[4*i:]))
		if pn < numMetas || pn >= limit {
			return nil, corruptf("free-list page %d outside [%d, %d)", pn, numMetas, limit)
		}
		out[i] = pn
	}
	return out, nil
}

// horizon is the newest free-list record that may be reused: the oldest
// snapshot pinned by a reader, or the last committed txn without readers.
// A reader that starts later pins at least the current meta, so the value
// is computed once per write transaction.
func (txn *Txn) horizon() txnid {
	if !txn.horizonOK {
		h := txn.env.lockFile.oldestReader()
		if txn.meta.Txnid < h {
			h = txn.meta.Txnid
		}
		txn.horizonID = h
		txn.horizonOK = true
	}
	return txn.horizonID
}

// gcCursor returns the cursor used to read free-list records. It is
// separate from the scratch cursor because reclamation runs in the middle
// of a put.
func (txn *Txn) gcCursor() *Cursor {
	c := newCursor(txn, FreeDBI)
	return c
}

// reclaimMore loads the next reusable free-list record into the reclaimed
// set. It reports false when no record can be loaded.
func (txn *Txn) reclaimMore() (bool, error) {
	if txn.gcDone || txn.gcLocked {
		return false, nil
	}
	c := txn.gcCursor()
	k, v, err := c.seekGE(gcKey(txn.gcNext))
	if err != nil {
		return false, txn.fail(err)
	}
	if k == nil {
		txn.gcDone = true
		return false, nil
	}
	if len(k) != 8 {
		return false, txn.fail(corruptf("free-list key of %d bytes", len(k)))
	}
	id := txnid(binary.BigEndian.Uint64(k))
	if h := txn.horizon(); id > h {
		txn.gcDone = true
		backlog := txn.dbs[FreeDBI].tree.Items - uint64(len(txn.gcKeys))
		if h < txn.meta.Txnid && backlog >= gcBacklogWarn {
			txn.env.logger.Warn("free-list reuse held back by an old reader",
				"oldest_reader", uint64(h),
				"last_txnid", uint64(txn.meta.Txnid),
				"backlog", backlog)
		}
		return false, nil
	}

	pgnos, err := decodePgnos(v, txn.meta.NextPgno)
	if err != nil {
		return false, txn.fail(err)
	}
	// Merge keeping descending order, so the smallest page is taken first.
	merged := append(txn.reclaimed, pgnos...)
	slices.SortFunc(merged, func(a, b pgno) int {
		switch {
		case a > b:
			return -1
		case a < b:
			return 1
		}
		return 0
	})
	txn.reclaimed = merged
	txn.gcKeys = append(txn.gcKeys, id)
	txn.gcNext = id + 1
	return true, nil
}

// pendingFree returns every page this transaction leaves free: pages it
// freed, reclaimed pages it did not use, and loose pages.
func (txn *Txn) pendingFree() []pgno {
	set := make([]pgno, 0, len(txn.freed)+len(txn.reclaimed)+len(txn.loose))
	set = append(set, txn.freed...)
	set = append(set, txn.reclaimed...)
	set = append(set, txn.loose...)
	slices.Sort(set)
	return slices.Compact(set)
}

// saveFreelist deletes the consumed free-list records and stores the pages
// this transaction leaves free under its own id. Saving the record can
// itself free and allocate pages, so the loop runs until the recorded set
// is stable.
func (txn *Txn) saveFreelist() error {
	txn.gcLocked = true
	c := txn.internalCursor(FreeDBI)
	for _, id := range txn.gcKeys {
		exact, err := c.descend(gcKey(id))
		if err != nil {
			return err
		}
		if !exact {
			return corruptf("free-list record %d vanished", id)
		}
		if err := c.del(); err != nil {
			return err
		}
	}
	txn.gcKeys = nil

	defer func() { txn.gcSaving = false }()

	key := gcKey(txn.id)
	var prev []pgno
	for round := 0; round < maxFreelistRounds; round++ {
		// The first put may take loose and reclaimed pages, typically for a
		// free-tree leaf emptied above. Later rounds only extend the file,
		// so the recorded set cannot shrink under the loop.
		txn.gcSaving = round > 0
		set := txn.pendingFree()
		if round == 0 && len(set) == 0 {
			return nil
		}
		if round > 0 && slices.Equal(set, prev) {
			return nil
		}
		if _, err := txn.internalCursor(FreeDBI).put(key, encodePgnos(set), 0, 0); err != nil {
			return err
		}
		prev = set
	}
	return WrapError(ErrProblem, fmt.Errorf("free-list record did not settle after %d rounds", maxFreelistRounds))
}

// ForEachFree calls fn for every free-list record in the snapshot, oldest
// first.
func (txn *Txn) ForEachFree(fn func(id uint64, pages []uint32) error) error {
	if err := txn.checkRead(); err != nil {
		return err
	}
	c := newCursor(txn, FreeDBI)
	k, v, err := c.firstEntry()
	for ; err == nil && k != nil; k, v, err = c.nextEntry() {
		if len(k) != 8 || len(v)%4 != 0 {
			return corruptf("free-list record %x malformed", k)
		}
		pages := make([]uint32, len(v)/4)
		for i := range pages {
			pages[i] = binary.LittleEndian.Uint32(v[4*i:])
		}
		if err := fn(binary.BigEndian.Uint64(k), pages); err != nil {
			return err
		}
	}
	return err
}
