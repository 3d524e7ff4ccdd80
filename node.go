package cowdb

import "encoding/binary"

// Node layout (little-endian):
//
//	Offset  Size  Field
//	0       4     value size (leaf) or child pgno (branch)
//	4       1     flags
//	5       1     reserved
//	6       2     key size
//	8       ksize key
//	8+ksize ...   value bytes, or the first pgno of a large run if nodeBig
//
// Branch nodes carry no value. The first node of a branch page has an empty
// key and stands for everything below the second key.

// Node flags
const (
	nodeBig  uint8 = 0x01 // value lives in large pages
	nodeTree uint8 = 0x02 // value is a named database record
)

// node returns the raw bytes of node idx.
func (p page) node(idx int) []byte {
	off := p.entryOffset(idx)
	return p.Data[off : off+p.nodeSize(idx)]
}

// nodeSize returns the encoded size of node idx.
func (p page) nodeSize(idx int) int {
	return nodeSizeAt(p.Data[p.entryOffset(idx):], p.isBranch())
}

// nodeSizeAt decodes the size of the node starting at b.
func nodeSizeAt(b []byte, branch bool) int {
	ksize := int(binary.LittleEndian.Uint16(b[6:]))
	if branch {
		return nodeHeaderSize + ksize
	}
	if b[4]&nodeBig != 0 {
		return nodeHeaderSize + ksize + 4
	}
	return nodeHeaderSize + ksize + int(binary.LittleEndian.Uint32(b))
}

func (p page) key(idx int) []byte {
	off := p.entryOffset(idx)
	ksize := int(binary.LittleEndian.Uint16(p.Data[off+6:]))
	start := off + nodeHeaderSize
	return p.Data[start : start+ksize : start+ksize]
}

func (p page) nodeFlags(idx int) uint8 {
	return p.Data[p.entryOffset(idx)+4]
}

func (p page) childPgno(idx int) pgno {
	return pgno(binary.LittleEndian.Uint32(p.Data[p.entryOffset(idx):]))
}

func (p page) setChildPgno(idx int, pn pgno) {
	binary.LittleEndian.PutUint32(p.Data[p.entryOffset(idx):], uint32(pn))
}

// dataSize returns the logical value length of leaf node idx.
func (p page) dataSize(idx int) int {
	return int(binary.LittleEndian.Uint32(p.Data[p.entryOffset(idx):]))
}

// inlineData returns the value bytes of a leaf node stored on the page.
func (p page) inlineData(idx int) []byte {
	off := p.entryOffset(idx)
	ksize := int(binary.LittleEndian.Uint16(p.Data[off+6:]))
	start := off + nodeHeaderSize + ksize
	end := start + p.dataSize(idx)
	return p.Data[start:end:end]
}

// largePgno returns the first page of the large run holding the value.
func (p page) largePgno(idx int) pgno {
	off := p.entryOffset(idx)
	ksize := int(binary.LittleEndian.Uint16(p.Data[off+6:]))
	return pgno(binary.LittleEndian.Uint32(p.Data[off+nodeHeaderSize+ksize:]))
}

func putNodeHeader(b []byte, word uint32, flags uint8, key []byte) {
	binary.LittleEndian.PutUint32(b, word)
	b[4] = flags
	b[5] = 0
	binary.LittleEndian.PutUint16(b[6:], uint16(len(key)))
	copy(b[nodeHeaderSize:], key)
}

// makeLeafNode encodes an inline key/value node.
func makeLeafNode(key, val []byte, flags uint8) []byte {
	b := make([]byte, nodeHeaderSize+len(key)+len(val))
	putNodeHeader(b, uint32(len(val)), flags, key)
	copy(b[nodeHeaderSize+len(key):], val)
	return b
}

// makeBigNode encodes a leaf node whose value lives in a large run.
func makeBigNode(key []byte, size int, first pgno, flags uint8) []byte {
	b := make([]byte, nodeHeaderSize+len(key)+4)
	putNodeHeader(b, uint32(size), flags|nodeBig, key)
	binary.LittleEndian.PutUint32(b[nodeHeaderSize+len(key):], uint32(first))
	return b
}

// makeBranchNode encodes a separator key and child pointer.
func makeBranchNode(key []byte, child pgno) []byte {
	b := make([]byte, nodeHeaderSize+len(key))
	putNodeHeader(b, uint32(child), 0, key)
	return b
}

// nodeKey extracts the key from raw node bytes.
func nodeKey(b []byte) []byte {
	ksize := int(binary.LittleEndian.Uint16(b[6:]))
	return b[nodeHeaderSize : nodeHeaderSize+ksize]
}

// nodeChild extracts the child pgno from raw branch node bytes.
func nodeChild(b []byte) pgno {
	return pgno(binary.LittleEndian.Uint32(b))
}

// maxNodeSize keeps at least four maximal nodes per page, so that a split
// of a full page always yields two halves that fit.
func maxNodeSize(pageSize int) int {
	return (pageSize-pageHeaderSize)/4 - 2
}

// maxKeySize leaves room in a maximal node for a large-run pointer.
func maxKeySize(pageSize int) int {
	return maxNodeSize(pageSize) - nodeHeaderSize - 4
}

// leafNodeSize is the inline encoding size of key/value.
func leafNodeSize(key, val []byte) int {
	return nodeHeaderSize + len(key) + len(val)
}

// largePageCount returns the number of pages needed for a value of size n.
func largePageCount(n, pageSize int) int {
	return (pageHeaderSize + n + pageSize - 1) / pageSize
}
