package cowdb

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Meta page constants
const (
	// metaMagic identifies a cowdb data file ("cowdb_M1")
	metaMagic uint64 = 0x636f7764625f4d31

	// metaVersion is the current data format version
	metaVersion uint32 = 1

	// treeRecordSize is the encoded size of a tree record
	treeRecordSize = 48

	// metaChecksumSize is the BLAKE3 digest length stored in the meta
	metaChecksumSize = 32

	// metaBodySize is the checksummed part of the meta record
	metaBodySize = 56 + 2*treeRecordSize

	// metaRecordSize is the on-disk meta record, written after the page header
	metaRecordSize = metaBodySize + metaChecksumSize

	// metaWriteSize is what a commit writes: header plus record, well under
	// one 512-byte sector
	metaWriteSize = pageHeaderSize + metaRecordSize
)

// tree is the persistent record of one B+tree.
//
// Memory layout:
//
//	Offset  Size  Field
//	0       2     flags
//	2       2     height
//	4       4     reserved
//	8       4     root pgno (0 = empty)
//	12      4     branch pages
//	16      4     leaf pages
//	20      4     large pages
//	24      8     sequence
//	32      8     items
//	40      8     txnid of last modification
type tree struct {
	Flags       uint16
	Height      uint16
	Root        pgno
	BranchPages uint32
	LeafPages   uint32
	LargePages  uint32
	Sequence    uint64
	Items       uint64
	ModTxnid    txnid
}

func (t *tree) isEmpty() bool {
	return t.Root == invalidPgno
}

// reset empties the tree but keeps its sequence.
func (t *tree) reset() {
	seq := t.Sequence
	*t = tree{Sequence: seq}
}

func (t *tree) encode(b []byte) {
	binary.LittleEndian.PutUint16(b[0:], t.Flags)
	binary.LittleEndian.PutUint16(b[2:], t.Height)
	binary.LittleEndian.PutUint32(b[4:], 0)
	binary.LittleEndian.PutUint32(b[8:], uint32(t.Root))
	binary.LittleEndian.PutUint32(b[12:], t.BranchPages)
	binary.LittleEndian.PutUint32(b[16:], t.LeafPages)
	binary.LittleEndian.PutUint32(b[20:], t.LargePages)
	binary.LittleEndian.PutUint64(b[24:], t.Sequence)
	binary.LittleEndian.PutUint64(b[32:], t.Items)
	binary.LittleEndian.PutUint64(b[40:], uint64(t.ModTxnid))
}

func decodeTree(b []byte) (tree, error) {
	if len(b) < treeRecordSize {
		return tree{}, corruptf("tree record is %d bytes", len(b))
	}
	return tree{
		Flags:       binary.LittleEndian.Uint16(b[0:]),
		Height:      binary.LittleEndian.Uint16(b[2:]),
		Root:        pgno(binary.LittleEndian.Uint32(b[8:])),
		BranchPages: binary.LittleEndian.Uint32(b[12:]),
		LeafPages:   binary.LittleEndian.Uint32(b[16:]),
		LargePages:  binary.LittleEndian.Uint32(b[20:]),
		Sequence:    binary.LittleEndian.Uint64(b[24:]),
		Items:       binary.LittleEndian.Uint64(b[32:]),
		ModTxnid:    txnid(binary.LittleEndian.Uint64(b[40:])),
	}, nil
}

// meta is the decoded root record of one committed snapshot.
//
// Record layout (after the 24-byte page header):
//
//	Offset  Size  Field
//	0       8     magic
//	8       4     format version
//	12      4     page size
//	16      8     txnid
//	24      4     next unallocated pgno
//	28      4     reserved
//	32      8     map size
//	40      16    environment UUID
//	56      48    free-list tree
//	104     48    main tree
//	152     32    BLAKE3 of bytes 0..151
type meta struct {
	PageSize uint32
	Txnid    txnid
	NextPgno pgno
	MapSize  uint64
	EnvID    uuid.UUID
	FreeTree tree
	MainTree tree
}

// encode writes the meta page header and record into b, which must hold
// at least metaWriteSize bytes. slot is 0 or 1.
func (m *meta) encode(b []byte, slot int) {
	p := page{Data: b[:metaWriteSize]}
	p.init(pgno(slot), pageMeta, m.Txnid)

	r := b[pageHeaderSize:metaWriteSize]
	binary.LittleEndian.PutUint64(r[0:], metaMagic)
	binary.LittleEndian.PutUint32(r[8:], metaVersion)
	binary.LittleEndian.PutUint32(r[12:], m.PageSize)
	binary.LittleEndian.PutUint64(r[16:], uint64(m.Txnid))
	binary.LittleEndian.PutUint32(r[24:], uint32(m.NextPgno))
	binary.LittleEndian.PutUint32(r[28:], 0)
	binary.LittleEndian.PutUint64(r[32:], m.MapSize)
	copy(r[40:56], m.EnvID[:])
	m.FreeTree.encode(r[56:])
	m.MainTree.encode(r[104:])

	sum := blake3.Sum256(r[:metaBodySize])
	copy(r[metaBodySize:], sum[:])
}

// decodeMeta parses and verifies a meta page. b starts at the page.
func decodeMeta(b []byte) (*meta, error) {
	if len(b) < metaWriteSize {
		return nil, corruptf("meta page truncated (%d bytes)", len(b))
	}
	r := b[pageHeaderSize:metaWriteSize]
	if binary.LittleEndian.Uint64(r[0:]) != metaMagic {
		return nil, NewError(ErrInvalid)
	}
	if v := binary.LittleEndian.Uint32(r[8:]); v != metaVersion {
		return nil, WrapError(ErrVersionMismatch, fmt.Errorf("format version %d, want %d", v, metaVersion))
	}
	sum := blake3.Sum256(r[:metaBodySize])
	if !bytes.Equal(sum[:], r[metaBodySize:metaRecordSize]) {
		return nil, corruptf("meta checksum mismatch")
	}

	m := &meta{
		PageSize: binary.LittleEndian.Uint32(r[12:]),
		Txnid:    txnid(binary.LittleEndian.Uint64(r[16:])),
		NextPgno: pgno(binary.LittleEndian.Uint32(r[24:])),
		MapSize:  binary.LittleEndian.Uint64(r[32:]),
	}
	copy(m.EnvID[:], r[40:56])
	var err error
	if m.FreeTree, err = decodeTree(r[56:]); err != nil {
		return nil, err
	}
	if m.MainTree, err = decodeTree(r[104:]); err != nil {
		return nil, err
	}
	if !validPageSize(int(m.PageSize)) {
		return nil, corruptf("meta page size %d", m.PageSize)
	}
	if m.NextPgno < numMetas {
		return nil, corruptf("meta next pgno %d", m.NextPgno)
	}
	return m, nil
}

// pickMeta returns the authoritative meta of two candidates: the valid one
// with the higher txnid. rejected is the slot of an invalid candidate that
// was passed over, or -1.
func pickMeta(m0, m1 *meta, err0, err1 error) (m *meta, rejected int, err error) {
	switch {
	case err0 == nil && err1 == nil:
		if m1.Txnid > m0.Txnid {
			return m1, -1, nil
		}
		return m0, -1, nil
	case err0 == nil:
		return m0, 1, nil
	case err1 == nil:
		return m1, 0, nil
	}
	// Prefer reporting a version mismatch over a generic failure.
	if Code(err0) == ErrVersionMismatch {
		return nil, -1, err0
	}
	if Code(err0) == ErrInvalid && Code(err1) == ErrInvalid {
		return nil, -1, err0
	}
	return nil, -1, corruptf("no valid meta page: %v; %v", err0, err1)
}

// unverifiedTxnid reads the txnid of a meta page that failed verification.
// ok is false when the page does not even carry the magic.
func unverifiedTxnid(b []byte) (id txnid, ok bool) {
	if len(b) < metaWriteSize {
		return 0, false
	}
	r := b[pageHeaderSize:metaWriteSize]
	if binary.LittleEndian.Uint64(r[0:]) != metaMagic {
		return 0, false
	}
	return txnid(binary.LittleEndian.Uint64(r[16:])), true
}

// metaSlot is the meta page a given txnid is written to.
func metaSlot(id txnid) int {
	return int(id % numMetas)
}

func validPageSize(n int) bool {
	return n >= MinPageSize && n <= MaxPageSize && n&(n-1) == 0
}
