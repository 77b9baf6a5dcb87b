// Copyright 2025 IndexFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package index

import (
	"hash/fnv"
	"math"
)

// BloomFilter is the probabilistic pre-filter over indexed name tokens.
// Membership tests never report a false negative; the false-positive rate
// is bounded by the construction parameters. There is no removal: the
// filter is rebuilt during compaction.
type BloomFilter struct {
	words     []uint64
	bits      uint64
	hashCount uint64
	added     uint64
}

// NewBloomFilter sizes a filter for the expected element count and target
// false-positive rate using the standard optima:
// m = -(n ln p)/(ln 2)^2, k = (m/n) ln 2.
func NewBloomFilter(expected int, fpRate float64) *BloomFilter {
	if expected < 1 {
		expected = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}
	bits := uint64(-float64(expected) * math.Log(fpRate) / (math.Ln2 * math.Ln2))
	if bits < 64 {
		bits = 64
	}
	hashCount := uint64(float64(bits) / float64(expected) * math.Ln2)
	if hashCount == 0 {
		hashCount = 1
	}
	return &BloomFilter{
		words:     make([]uint64, (bits+63)/64),
		bits:      bits,
		hashCount: hashCount,
	}
}

// Add inserts a term.
func (bf *BloomFilter) Add(term string) {
	h1, h2 := bf.baseHashes(term)
	for i := uint64(0); i < bf.hashCount; i++ {
		bit := (h1 + i*h2) % bf.bits
		bf.words[bit/64] |= 1 << (bit % 64)
	}
	bf.added++
}

// MayContain reports whether term might be in the set. False means
// definitely absent.
func (bf *BloomFilter) MayContain(term string) bool {
	h1, h2 := bf.baseHashes(term)
	for i := uint64(0); i < bf.hashCount; i++ {
		bit := (h1 + i*h2) % bf.bits
		if bf.words[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// Added returns how many terms were inserted.
func (bf *BloomFilter) Added() uint64 { return bf.added }

// Clone returns an independent copy. Published snapshots hold clones so
// the builder can keep adding terms without racing readers.
func (bf *BloomFilter) Clone() *BloomFilter {
	words := make([]uint64, len(bf.words))
	copy(words, bf.words)
	return &BloomFilter{words: words, bits: bf.bits, hashCount: bf.hashCount, added: bf.added}
}

// baseHashes derives two independent hashes for double hashing:
// bit_i = h1 + i*h2.
func (bf *BloomFilter) baseHashes(term string) (uint64, uint64) {
	h := fnv.New64a()
	h.Write([]byte(term))
	h1 := h.Sum64()
	h.Write([]byte{0xB1, 0x00})
	h2 := h.Sum64() | 1
	return h1, h2
}
