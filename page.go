package cowdb

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// pgno is a page number (32-bit). Page 0 is always a meta page, so 0 doubles
// as "no page" in tree roots.
type pgno uint32

// txnid is a transaction ID (64-bit)
type txnid uint64

const invalidPgno pgno = 0

// page provides access to a page's bytes. For large pages Data spans the
// whole run of pages.
type page struct {
	Data []byte
}

// Header field offsets (see pageHeaderSize).
const (
	offTxnid    = 0
	offChecksum = 8
	offFlags    = 12
	offLower    = 14
	offUpper    = 16
	offPgno     = 20
)

func (p page) txnid() txnid {
	return txnid(binary.LittleEndian.Uint64(p.Data[offTxnid:]))
}

func (p page) setTxnid(id txnid) {
	binary.LittleEndian.PutUint64(p.Data[offTxnid:], uint64(id))
}

func (p page) flags() uint16 {
	return binary.LittleEndian.Uint16(p.Data[offFlags:])
}

func (p page) pgno() pgno {
	return pgno(binary.LittleEndian.Uint32(p.Data[offPgno:]))
}

func (p page) setPgno(pn pgno) {
	binary.LittleEndian.PutUint32(p.Data[offPgno:], uint32(pn))
}

func (p page) lower() int {
	return int(binary.LittleEndian.Uint16(p.Data[offLower:]))
}

func (p page) upper() int {
	return int(binary.LittleEndian.Uint16(p.Data[offUpper:]))
}

func (p page) setLower(v int) {
	binary.LittleEndian.PutUint16(p.Data[offLower:], uint16(v))
}

func (p page) setUpper(v int) {
	binary.LittleEndian.PutUint16(p.Data[offUpper:], uint16(v))
}

func (p page) isBranch() bool { return p.flags()&pageBranch != 0 }
func (p page) isLeaf() bool   { return p.flags()&pageLeaf != 0 }
func (p page) isLarge() bool  { return p.flags()&pageLarge != 0 }
func (p page) isMeta() bool   { return p.flags()&pageMeta != 0 }

// numEntries returns the number of nodes on a branch or leaf page.
func (p page) numEntries() int {
	return p.lower() >> 1
}

// entryOffset returns the absolute offset of node idx.
func (p page) entryOffset(idx int) int {
	return int(binary.LittleEndian.Uint16(p.Data[pageHeaderSize+idx*2:])) + pageHeaderSize
}

func (p page) setEntryOffset(idx, abs int) {
	binary.LittleEndian.PutUint16(p.Data[pageHeaderSize+idx*2:], uint16(abs-pageHeaderSize))
}

// freeSpace is the gap between the offset array and the node area.
func (p page) freeSpace() int {
	return p.upper() - p.lower()
}

// usedSpace counts entry pointers plus node bytes, holes excluded.
func (p page) usedSpace() int {
	n := p.numEntries()
	used := n * 2
	for i := 0; i < n; i++ {
		used += p.nodeSize(i)
	}
	return used
}

// largeCount returns the number of pages in a large-page run.
func (p page) largeCount() int {
	return int(binary.LittleEndian.Uint32(p.Data[offLower:]))
}

func (p page) setLargeCount(n int) {
	binary.LittleEndian.PutUint32(p.Data[offLower:], uint32(n))
}

// init resets the header for an empty page of the given kind.
func (p page) init(pn pgno, flags uint16, id txnid) {
	clear(p.Data[:pageHeaderSize])
	p.setTxnid(id)
	binary.LittleEndian.PutUint16(p.Data[offFlags:], flags)
	p.setPgno(pn)
	if flags&(pageBranch|pageLeaf) != 0 {
		p.setLower(0)
		p.setUpper(len(p.Data) - pageHeaderSize)
	}
}

// insertNode places node bytes at index idx. It compacts the page first if
// fragmentation is the only obstacle and reports false if the node does not
// fit at all.
func (p page) insertNode(idx int, node []byte) bool {
	n := p.numEntries()
	if idx < 0 || idx > n {
		return false
	}
	need := len(node) + 2
	if p.freeSpace() < need {
		if p.usable()-p.usedSpace() < need {
			return false
		}
		p.compact()
	}

	upper := p.upper() - len(node)
	p.setUpper(upper)
	abs := upper + pageHeaderSize
	copy(p.Data[abs:], node)

	ptrs := p.Data[pageHeaderSize:]
	copy(ptrs[(idx+1)*2:(n+1)*2], ptrs[idx*2:n*2])
	p.setEntryOffset(idx, abs)
	p.setLower((n + 1) * 2)
	return true
}

// removeNode drops the pointer to node idx. The node bytes become a hole
// that the next compact reclaims; the node at the top of the area is
// reclaimed right away.
func (p page) removeNode(idx int) {
	n := p.numEntries()
	if idx < 0 || idx >= n {
		return
	}
	off := p.entryOffset(idx)
	size := p.nodeSize(idx)

	ptrs := p.Data[pageHeaderSize:]
	copy(ptrs[idx*2:], ptrs[(idx+1)*2:n*2])
	p.setLower((n - 1) * 2)

	if off-pageHeaderSize == p.upper() {
		p.setUpper(p.upper() + size)
	}
	if n == 1 {
		p.setUpper(len(p.Data) - pageHeaderSize)
	}
}

// replaceNode swaps node idx for a new encoding, compacting if needed.
func (p page) replaceNode(idx int, node []byte) bool {
	if p.nodeSize(idx) == len(node) {
		copy(p.Data[p.entryOffset(idx):], node)
		return true
	}
	if p.usable()-p.usedSpace()+p.nodeSize(idx) < len(node) {
		return false
	}
	p.removeNode(idx)
	return p.insertNode(idx, node)
}

// usable is the byte capacity for pointers and nodes.
func (p page) usable() int {
	return len(p.Data) - pageHeaderSize
}

// compact rewrites all nodes contiguously at the end of the page.
func (p page) compact() {
	n := p.numEntries()
	total := 0
	for i := 0; i < n; i++ {
		total += p.nodeSize(i)
	}
	if len(p.Data)-pageHeaderSize-total == p.upper() {
		return
	}

	buf := getCompactBuffer(total)
	pos := 0
	for i := 0; i < n; i++ {
		off := p.entryOffset(i)
		sz := p.nodeSize(i)
		copy(buf[pos:], p.Data[off:off+sz])
		pos += sz
	}

	write := len(p.Data)
	pos = 0
	for i := 0; i < n; i++ {
		sz := nodeSizeAt(buf[pos:], p.isBranch())
		write -= sz
		copy(p.Data[write:], buf[pos:pos+sz])
		p.setEntryOffset(i, write)
		pos += sz
	}
	p.setUpper(write - pageHeaderSize)
	returnCompactBuffer(buf)
}

// rebuild replaces the page contents with nodes, in order.
func (p page) rebuild(nodes [][]byte) bool {
	p.setLower(0)
	p.setUpper(len(p.Data) - pageHeaderSize)
	for i, nd := range nodes {
		if !p.insertNode(i, nd) {
			return false
		}
	}
	return true
}

// nodes returns copies of every node on the page.
func (p page) nodes() [][]byte {
	n := p.numEntries()
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		out[i] = append([]byte(nil), p.node(i)...)
	}
	return out
}

// computeChecksum hashes the page with the checksum field skipped.
func computeChecksum(data []byte) uint32 {
	d := xxhash.New()
	_, _ = d.Write(data[:offChecksum])
	_, _ = d.Write(data[offChecksum+4:])
	return uint32(d.Sum64())
}

func (p page) checksum() uint32 {
	return binary.LittleEndian.Uint32(p.Data[offChecksum:])
}

func (p page) seal() {
	binary.LittleEndian.PutUint32(p.Data[offChecksum:], computeChecksum(p.Data))
}

func (p page) verifyChecksum() bool {
	return p.checksum() == computeChecksum(p.Data)
}

// validate checks the header of a branch or leaf page read from the file.
func (p page) validate(expect pgno) error {
	if p.pgno() != expect {
		return corruptf("page %d: header claims pgno %d", expect, p.pgno())
	}
	f := p.flags()
	if f&(pageBranch|pageLeaf) == 0 || f&pageBranch != 0 && f&pageLeaf != 0 {
		return corruptf("page %d: bad flags %#x", expect, f)
	}
	lower, upper := p.lower(), p.upper()
	if lower&1 != 0 || lower > upper || upper > p.usable() {
		return corruptf("page %d: bad bounds lower=%d upper=%d", expect, lower, upper)
	}
	return nil
}

// validateNodes checks that every node lies inside the node area.
func (p page) validateNodes() error {
	n := p.numEntries()
	for i := 0; i < n; i++ {
		off := p.entryOffset(i)
		if off < p.upper()+pageHeaderSize || off+nodeHeaderSize > len(p.Data) {
			return corruptf("page %d: node %d offset %d out of range", p.pgno(), i, off)
		}
		if off+p.nodeSize(i) > len(p.Data) {
			return corruptf("page %d: node %d overruns page", p.pgno(), i)
		}
		if p.isBranch() && p.childPgno(i) == invalidPgno {
			return corruptf("page %d: branch node %d has no child", p.pgno(), i)
		}
	}
	if p.isBranch() && n > 0 && len(p.key(0)) != 0 {
		return corruptf("page %d: first branch key not empty", p.pgno())
	}
	return nil
}

func (p page) String() string {
	switch {
	case p.isMeta():
		return fmt.Sprintf("meta page %d", p.pgno())
	case p.isLarge():
		return fmt.Sprintf("large page %d (%d pages)", p.pgno(), p.largeCount())
	case p.isBranch():
		return fmt.Sprintf("branch page %d (%d entries)", p.pgno(), p.numEntries())
	}
	return fmt.Sprintf("leaf page %d (%d entries)", p.pgno(), p.numEntries())
}

// compactBufferPool holds scratch buffers for compact.
var compactBufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, MaxPageSize)
		return &b
	},
}

func getCompactBuffer(size int) []byte {
	bp := compactBufferPool.Get().(*[]byte)
	return (*bp)[:size]
}

func returnCompactBuffer(b []byte) {
	b = b[:cap(b)]
	compactBufferPool.Put(&b)
}
