// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"testing"

	"github.com/hooklift/assert"
)

func TestBlockIndexLookup(t *testing.T) {
	blocks := []BlockSum{
		{Weak: 1, Strong: []byte("aaaa")},
		{Weak: 1, Strong: []byte("bbbb")},
		{Weak: 2, Strong: []byte("cccc")},
		{Weak: 1, Strong: []byte("aaaa")}, // repeats position 0's pair at position 3
	}
	idx := NewBlockIndex(blocks)

	entries := idx.Lookup(1)
	assert.Equals(t, 2, len(entries))

	positions := positionsForStrong(entries, []byte("aaaa"))
	assert.Equals(t, []int64{0, 3}, positions)

	positions = positionsForStrong(entries, []byte("bbbb"))
	assert.Equals(t, []int64{1}, positions)

	assert.Equals(t, 1, len(idx.Lookup(2)))
	assert.Cond(t, idx.Lookup(99) == nil, "unknown weak checksum should return no entries")
}

func TestPositionsForStrongMiss(t *testing.T) {
	entries := []indexEntry{{strong: []byte("aaaa"), positions: []int64{0}}}
	assert.Cond(t, positionsForStrong(entries, []byte("zzzz")) == nil, "mismatched strong hash should return nil")
}
