package cowdb

import (
	"fmt"
	"slices"

	"github.com/Giulio2002/cowdb/spill"
)

// maxPgno is the last addressable page number.
const maxPgno = pgno(^uint32(0) - 1)

// dirtyPage is a page staged by the write transaction. Branch and leaf
// pages live in the spill buffer; large runs span several pages and are
// kept on the heap.
type dirtyPage struct {
	data  []byte
	slot  spill.Slot
	count int
	heap  bool
}

// pageData returns n committed pages starting at pn straight from the
// mapping.
func (txn *Txn) pageData(pn pgno, n int) ([]byte, error) {
	if pn < numMetas || uint64(pn)+uint64(n) > uint64(txn.meta.NextPgno) {
		return nil, WrapError(ErrPageNotFound,
			fmt.Errorf("page %d+%d outside snapshot of %d pages", pn, n, txn.meta.NextPgno))
	}
	ps := txn.env.pageSize
	data := txn.env.dataMap.Data()
	off := int(pn) * ps
	end := off + n*ps
	if end > len(data) {
		return nil, WrapError(ErrMapFull,
			fmt.Errorf("page %d lies beyond the %d byte mapping", pn, len(data)))
	}
	return data[off:end:end], nil
}

// getPage returns branch or leaf page pn. A write transaction sees its own
// staged copy first.
func (txn *Txn) getPage(pn pgno) (page, error) {
	if dp, ok := txn.dirty.Get(uint32(pn)); ok {
		return page{Data: dp.data}, nil
	}
	b, err := txn.pageData(pn, 1)
	if err != nil {
		return page{}, err
	}
	p := page{Data: b}
	if err := p.validate(pn); err != nil {
		return page{}, err
	}
	if !p.verifyChecksum() {
		return page{}, corruptf("page %d: checksum mismatch", pn)
	}
	return p, nil
}

// getLarge returns the large run starting at pn, which must hold at least
// need pages. Committed runs are checksummed as a whole.
func (txn *Txn) getLarge(pn pgno, need int) (page, error) {
	if dp, ok := txn.dirty.Get(uint32(pn)); ok {
		if dp.count < need {
			return page{}, corruptf("large page %d: %d pages, need %d", pn, dp.count, need)
		}
		return page{Data: dp.data}, nil
	}
	b, err := txn.pageData(pn, 1)
	if err != nil {
		return page{}, err
	}
	p := page{Data: b}
	if !p.isLarge() || p.pgno() != pn {
		return page{}, corruptf("page %d: not the head of a large run", pn)
	}
	count := p.largeCount()
	if count < need {
		return page{}, corruptf("large page %d: %d pages, need %d", pn, count, need)
	}
	b, err = txn.pageData(pn, count)
	if err != nil {
		return page{}, err
	}
	p = page{Data: b}
	if !p.verifyChecksum() {
		return page{}, corruptf("large page %d: checksum mismatch over %d pages", pn, count)
	}
	return p, nil
}

// largeValue returns a value stored in the large run at pn.
func (txn *Txn) largeValue(pn pgno, size int) ([]byte, error) {
	p, err := txn.getLarge(pn, largePageCount(size, txn.env.pageSize))
	if err != nil {
		return nil, err
	}
	end := pageHeaderSize + size
	return p.Data[pageHeaderSize:end:end], nil
}

// allocPgno returns n contiguous page numbers. Loose pages are reused
// first, then pages reclaimed from the free list, then the file is
// extended. Once the free-list save loop has written its first record only
// extension is used.
func (txn *Txn) allocPgno(n int) (pgno, error) {
	if !txn.gcSaving {
		if n == 1 {
			if k := len(txn.loose); k > 0 {
				pn := txn.loose[k-1]
				txn.loose = txn.loose[:k-1]
				return pn, nil
			}
		}
		for {
			if pn, ok := txn.takeReclaimed(n); ok {
				return pn, nil
			}
			more, err := txn.reclaimMore()
			if err != nil {
				return 0, err
			}
			if !more {
				break
			}
		}
	}
	return txn.extend(n)
}

// takeReclaimed removes n contiguous pages from the reclaimed set.
func (txn *Txn) takeReclaimed(n int) (pgno, bool) {
	r := txn.reclaimed
	if len(r) < n {
		return 0, false
	}
	if n == 1 {
		pn := r[len(r)-1]
		txn.reclaimed = r[:len(r)-1]
		return pn, true
	}
	// Descending order: a run occupies r[i-n+1..i] with r[i-n+1] = r[i]+n-1.
	for i := len(r) - 1; i >= n-1; i-- {
		if r[i-n+1]-r[i] == pgno(n-1) {
			pn := r[i]
			txn.reclaimed = slices.Delete(r, i-n+1, i+1)
			return pn, true
		}
	}
	return 0, false
}

// extend grows the file by n pages.
func (txn *Txn) extend(n int) (pgno, error) {
	next := uint64(txn.nextPgno) + uint64(n)
	if next > uint64(maxPgno) || next*uint64(txn.env.pageSize) > uint64(txn.env.mapSize) {
		return 0, WrapError(ErrMapFull,
			fmt.Errorf("need %d pages, map holds %d", next, txn.env.mapSize/int64(txn.env.pageSize)))
	}
	pn := txn.nextPgno
	txn.nextPgno = pgno(next)
	return pn, nil
}

// newPage stages an empty branch or leaf page.
func (txn *Txn) newPage(flags uint16) (page, error) {
	pn, err := txn.allocPgno(1)
	if err != nil {
		return page{}, err
	}
	buf, slot, err := txn.env.stage.Allocate()
	if err != nil {
		return page{}, WrapError(ErrTxnFull, err)
	}
	p := page{Data: buf}
	p.init(pn, flags, txn.id)
	txn.dirty.Set(uint32(pn), &dirtyPage{data: buf, slot: slot, count: 1})
	return p, nil
}

// allocLarge stages val in a new large run and returns its first page.
func (txn *Txn) allocLarge(val []byte) (pgno, error) {
	ps := txn.env.pageSize
	n := largePageCount(len(val), ps)
	pn, err := txn.allocPgno(n)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, n*ps)
	p := page{Data: buf}
	p.init(pn, pageLarge, txn.id)
	p.setLargeCount(n)
	copy(buf[pageHeaderSize:], val)
	txn.dirty.Set(uint32(pn), &dirtyPage{data: buf, count: n, heap: true})
	return pn, nil
}

// rewriteLarge stores val in the large run at pn if that run is staged by
// this transaction and big enough. It reports whether it did.
func (txn *Txn) rewriteLarge(pn pgno, val []byte) bool {
	dp, ok := txn.dirty.Get(uint32(pn))
	if !ok || !dp.heap || dp.count < largePageCount(len(val), txn.env.pageSize) {
		return false
	}
	copy(dp.data[pageHeaderSize:], val)
	return true
}

// touch returns a writable copy of p. A page already staged by this
// transaction is returned as is; otherwise the copy gets a new page number
// and the original is freed.
func (txn *Txn) touch(p page) (page, error) {
	pn := p.pgno()
	if dp, ok := txn.dirty.Get(uint32(pn)); ok {
		return page{Data: dp.data}, nil
	}
	np, err := txn.newPage(p.flags())
	if err != nil {
		return page{}, err
	}
	copy(np.Data[pageHeaderSize:], p.Data[pageHeaderSize:])
	np.setLower(p.lower())
	np.setUpper(p.upper())
	txn.freePage(pn, 1)
	return np, nil
}

// freePage releases n pages starting at pn. Pages staged by this
// transaction were never visible to anyone and become loose; committed
// pages are recorded under this transaction's id at commit.
func (txn *Txn) freePage(pn pgno, n int) {
	if dp, ok := txn.dirty.Get(uint32(pn)); ok {
		if !dp.heap {
			txn.env.stage.Release(dp.slot)
		}
		txn.dirty.Delete(uint32(pn))
		for i := 0; i < dp.count; i++ {
			txn.loose = append(txn.loose, pn+pgno(i))
		}
		return
	}
	for i := 0; i < n; i++ {
		txn.freed = append(txn.freed, pn+pgno(i))
	}
}

// freeLarge releases the large run at pn and returns its page count.
func (txn *Txn) freeLarge(pn pgno, size int) (int, error) {
	p, err := txn.getLarge(pn, largePageCount(size, txn.env.pageSize))
	if err != nil {
		return 0, err
	}
	n := len(p.Data) / txn.env.pageSize
	txn.freePage(pn, n)
	return n, nil
}

// writeDirty seals and writes every staged page in page order, then grows
// the file to cover the allocated range. It returns the number of staged
// entries written.
func (txn *Txn) writeDirty() (int, error) {
	env := txn.env
	ps := int64(env.pageSize)

	keys := txn.dirty.Keys(nil)
	slices.Sort(keys)
	for _, k := range keys {
		dp, _ := txn.dirty.Get(k)
		p := page{Data: dp.data}
		p.setTxnid(txn.id)
		p.seal()
		if _, err := env.dataFile.WriteAt(dp.data, int64(k)*ps); err != nil {
			return 0, WrapError(ErrPanic, err)
		}
	}

	// Loose pages past the last written one are recorded as free, so the
	// file must cover them before anyone maps and reads them.
	fi, err := env.dataFile.Stat()
	if err != nil {
		return 0, WrapError(ErrPanic, err)
	}
	env.fileSize = fi.Size()
	if end := int64(txn.nextPgno) * ps; end > env.fileSize {
		if err := env.dataFile.Truncate(end); err != nil {
			return 0, WrapError(ErrPanic, err)
		}
		env.fileSize = end
	}
	return len(keys), nil
}

// dropDirty discards staged pages and allocation state.
func (txn *Txn) dropDirty() {
	if txn.env.stage != nil {
		txn.env.stage.Reset()
	}
	txn.dirty.Clear()
	txn.freed = nil
	txn.loose = nil
	txn.reclaimed = nil
	txn.gcKeys = nil
}
