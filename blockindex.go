// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import "bytes"

// indexEntry pairs a strong hash with every target block position that
// produced it, preserving first-occurrence order among distinct strong
// values within one weak bucket.
type indexEntry struct {
	strong    []byte
	positions []int64
}

// BlockIndex maps a weak checksum to the (strong, positions) entries that
// share it, built once from a control file's block-sum table and frozen
// thereafter. Mirrors the teacher's LookUpTable (map[uint32][]BlockChecksum)
// but keeps strong-hash verification a short linear scan over a single
// weak bucket instead of repeating per lookup.
type BlockIndex struct {
	buckets map[uint32][]indexEntry
}

// NewBlockIndex builds the index from a control file's ordered block-sum
// table, in target order.
func NewBlockIndex(blocks []BlockSum) *BlockIndex {
	idx := &BlockIndex{buckets: make(map[uint32][]indexEntry, len(blocks))}
	for pos, b := range blocks {
		entries := idx.buckets[b.Weak]
		found := false
		for i := range entries {
			if bytes.Equal(entries[i].strong, b.Strong) {
				entries[i].positions = append(entries[i].positions, int64(pos))
				found = true
				break
			}
		}
		if !found {
			entries = append(entries, indexEntry{
				strong:    b.Strong,
				positions: []int64{int64(pos)},
			})
		}
		idx.buckets[b.Weak] = entries
	}
	return idx
}

// Lookup returns the candidate entries for a weak checksum, or nil if the
// weak value does not occur in the control file. Callers must verify the
// strong hash of a candidate entry before dispatching to its positions.
func (idx *BlockIndex) Lookup(weak uint32) []indexEntry {
	return idx.buckets[weak]
}

// positionsForStrong returns the target positions for an entry whose strong
// hash matches the given digest, or nil if none match.
func positionsForStrong(entries []indexEntry, strong []byte) []int64 {
	for _, e := range entries {
		if bytes.Equal(e.strong, strong) {
			return e.positions
		}
	}
	return nil
}
