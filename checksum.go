// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"crypto/sha1"
	"encoding/hex"
	"hash"
	"io"

	"golang.org/x/crypto/md4"
)

// weakMod bounds each half of the rolling checksum to 16 bits, as in the
// original rsync algorithm.
const weakMod = 1 << 16

// weakState holds the two halves of the Adler-style rolling checksum.
type weakState struct {
	a, b uint32
}

// rollingFull computes the weak checksum of a full window from scratch.
// a = sum(b_i); b = sum((blockSize - i) * b_i) over the window.
func rollingFull(window []byte) weakState {
	var a, b uint32
	n := uint32(len(window))
	for i, c := range window {
		a += uint32(c)
		b += (n - uint32(i)) * uint32(c)
	}
	return weakState{a: a % weakMod, b: b % weakMod}
}

// rollingRoll advances the window by one byte: o leaves, n enters.
// a <- a - o + n; b <- b - blockSize*o + a (using the new a).
func rollingRoll(s weakState, blockSize int, o, n byte) weakState {
	s.a = (s.a - uint32(o) + uint32(n)) % weakMod
	s.b = (s.b - uint32(blockSize)*uint32(o) + s.a) % weakMod
	return s
}

// weakValue returns the emitted 32-bit checksum, (b<<16)|a.
func weakValue(s weakState) uint32 {
	return s.a | (s.b << 16)
}

// weakTruncate masks a 32-bit weak checksum down to the leading weakLen
// most-significant bytes, stored big-endian as per the control-file format.
func weakTruncate(v uint32, weakLen int) uint32 {
	switch weakLen {
	case 2:
		return v >> 16
	case 3:
		return v >> 8
	default:
		return v
	}
}

// newStrongHasher returns the strong-hash implementation used to confirm
// weak-checksum hits: MD4 over a full block_size window, truncated by the
// caller to Header.StrongLen bytes. zsync's control-file format hardcodes
// MD4 as the strong hash; it is not a pluggable policy choice.
func newStrongHasher() hash.Hash {
	return md4.New()
}

// strongHash computes the MD4 digest of a block, zero-padding it to
// blockSize first when block is shorter (the logical last block).
func strongHash(h hash.Hash, block []byte, blockSize int) []byte {
	h.Reset()
	h.Write(block)
	if pad := blockSize - len(block); pad > 0 {
		var zeros [256]byte
		for pad > 0 {
			n := pad
			if n > len(zeros) {
				n = len(zeros)
			}
			h.Write(zeros[:n])
			pad -= n
		}
	}
	return h.Sum(nil)
}

// wholeFileHash streams r through SHA-1 and returns the lowercase hex
// digest, for comparison against Header.SHA1.
func wholeFileHash(r io.Reader) (string, error) {
	h := sha1.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
