package storage

import "math/bits"

// Bitset is a growable set of entity indices backed by 64-bit words.
type Bitset struct {
	words []uint64
}

// Set marks index i as present.
func (b *Bitset) Set(i uint32) {
	word := int(i >> 6)
	if word >= len(b.words) {
		b.words = append(b.words, make([]uint64, word+1-len(b.words))...)
	}
	b.words[word] |= 1 << (i & 63)
}

// Clear marks index i as absent.
func (b *Bitset) Clear(i uint32) {
	word := int(i >> 6)
	if word >= len(b.words) {
		return
	}
	b.words[word] &^= 1 << (i & 63)
}

// Test reports whether index i is present.
func (b *Bitset) Test(i uint32) bool {
	word := int(i >> 6)
	if word >= len(b.words) {
		return false
	}
	return b.words[word]&(1<<(i&63)) != 0
}

// Count returns the number of set indices.
func (b *Bitset) Count() int {
	total := 0
	for _, w := range b.words {
		total += bits.OnesCount64(w)
	}
	return total
}

// Reset clears all indices while keeping the backing storage.
func (b *Bitset) Reset() {
	for i := range b.words {
		b.words[i] = 0
	}
}

// Each visits every set index in ascending order until fn returns false.
func (b *Bitset) Each(fn func(uint32) bool) {
	for wi, w := range b.words {
		for w != 0 {
			bit := uint32(bits.TrailingZeros64(w))
			if !fn(uint32(wi)<<6 | bit) {
				return
			}
			w &= w - 1
		}
	}
}
