package spill

import "math/bits"

// bitmap tracks which slots of a segment are in use.
type bitmap struct {
	words    []uint64
	numSlots uint32
	freeHint uint32 // lowest slot that may be free
}

func newBitmap(numSlots uint32) *bitmap {
	return &bitmap{
		words:    make([]uint64, (numSlots+63)/64),
		numSlots: numSlots,
	}
}

// allocate marks the lowest free slot at or after the hint as used.
func (b *bitmap) allocate() (uint32, bool) {
	for w := b.freeHint / 64; w < uint32(len(b.words)); w++ {
		word := b.words[w]
		if word == ^uint64(0) {
			continue
		}
		slot := w*64 + uint32(bits.TrailingZeros64(^word))
		if slot >= b.numSlots {
			break
		}
		b.words[w] |= 1 << (slot % 64)
		b.freeHint = slot + 1
		return slot, true
	}
	return 0, false
}

func (b *bitmap) free(slot uint32) {
	if slot >= b.numSlots {
		return
	}
	b.words[slot/64] &^= 1 << (slot % 64)
	if slot < b.freeHint {
		b.freeHint = slot
	}
}

func (b *bitmap) isAllocated(slot uint32) bool {
	if slot >= b.numSlots {
		return false
	}
	return b.words[slot/64]&(1<<(slot%64)) != 0
}

func (b *bitmap) clear() {
	clear(b.words)
	b.freeHint = 0
}

func (b *bitmap) count() uint32 {
	var n uint32
	for _, word := range b.words {
		n += uint32(bits.OnesCount64(word))
	}
	return n
}
