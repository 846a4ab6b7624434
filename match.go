// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"bytes"
	"hash"
	"io"
)

// MatchEngine scans one local input stream with a rolling weak checksum,
// confirms candidate matches against the BlockIndex with the strong hash,
// and dispatches confirmed blocks into an Assembler. See spec.md §4.D.
type MatchEngine struct {
	index     *BlockIndex
	header    Header
	assembler *Assembler
	strong    hash.Hash
	observer  Observer
	linear    []byte // scratch buffer for linearizing the ring window, reused per confirm
}

// NewMatchEngine builds a match engine against the given index/header,
// dispatching confirmed matches into assembler.
func NewMatchEngine(index *BlockIndex, header Header, assembler *Assembler, observer Observer) *MatchEngine {
	if observer == nil {
		observer = NopObserver{}
	}
	return &MatchEngine{
		index:     index,
		header:    header,
		assembler: assembler,
		strong:    newStrongHasher(),
		observer:  observer,
		linear:    make([]byte, header.BlockSize),
	}
}

// ringWindow is a fixed-size circular buffer holding the current scan
// window. Advancing by one byte is an O(1) in-place overwrite plus a head
// increment: no allocation and no copy of the other block_size-1 bytes, per
// spec.md §1's streaming-speed requirement and the "Rolling-window
// ownership" design note. The window's contents are only linearized into a
// contiguous buffer on a confirmed weak-checksum hit, which is rare.
type ringWindow struct {
	buf  []byte
	head int
}

func newRingWindow(blockSize int) *ringWindow {
	return &ringWindow{buf: make([]byte, blockSize)}
}

// fillFrom reads len(w.buf) bytes from r into the ring, resetting head to 0
// so the buffer is linear (logical byte 0 is buf[0]). Returns the number of
// bytes actually read, which is less than len(w.buf) only at EOF.
func (w *ringWindow) fillFrom(r io.Reader) (int, error) {
	n, err := io.ReadFull(r, w.buf)
	w.head = 0
	return n, err
}

// advance evicts the oldest byte, writes n in its place, and rotates the
// head forward by one, in O(1) with no allocation.
func (w *ringWindow) advance(n byte) byte {
	o := w.buf[w.head]
	w.buf[w.head] = n
	w.head++
	if w.head == len(w.buf) {
		w.head = 0
	}
	return o
}

// linearize copies the window's logical byte order into dst, which must be
// at least len(w.buf) long. Used only to materialize a contiguous block for
// strong hashing and dispatch on a confirmed weak hit.
func (w *ringWindow) linearize(dst []byte) []byte {
	n := copy(dst, w.buf[w.head:])
	copy(dst[n:], w.buf[:w.head])
	return dst[:len(w.buf)]
}

// Scan reads r one full window at a time, rolling the checksum by a single
// byte on every miss, and returns once r is exhausted or the assembler
// reports no remaining unfilled blocks. It never returns io.EOF as an
// error: end of input is a normal termination condition. resource/length
// are reported to the Observer as the PhaseInputRead start event; pass
// length -1 when the input's size is not known up front.
func (m *MatchEngine) Scan(r io.Reader, resource string, length int64) error {
	blockSize := m.header.BlockSize
	window := newRingWindow(blockSize)

	m.observer.PhaseStarted(PhaseInputRead, resource, length)
	defer m.observer.PhaseComplete(PhaseInputRead)

	n, err := window.fillFrom(r)
	if err != nil && err != io.ErrUnexpectedEOF {
		if err == io.EOF {
			return nil
		}
		return newErr(KindIOError, err, "priming match window")
	}
	m.observer.PhaseTransferred(PhaseInputRead, int64(n))
	if n < blockSize {
		// Input shorter than one block: no matches are possible.
		return nil
	}

	state := rollingFull(window.buf)

	for {
		if m.assembler.Remaining() == 0 {
			return nil
		}

		dispatched, derr := m.probeAndDispatch(window, weakValue(state))
		if derr != nil {
			return derr
		}

		if dispatched {
			// The just-scanned window cannot also satisfy an overlapping
			// later target block at finer granularity, so refill from
			// scratch rather than rolling one byte at a time.
			n, err := window.fillFrom(r)
			if err != nil && err != io.ErrUnexpectedEOF {
				if err == io.EOF {
					return nil
				}
				return newErr(KindIOError, err, "refilling match window after dispatch")
			}
			if n == 0 {
				return nil
			}
			m.observer.PhaseTransferred(PhaseInputRead, int64(n))
			if n < blockSize {
				return nil
			}
			state = rollingFull(window.buf)
			continue
		}

		// No match: advance by a single byte, in O(1).
		var nb [1]byte
		if _, err := io.ReadFull(r, nb[:]); err != nil {
			return nil
		}
		m.observer.PhaseTransferred(PhaseInputRead, 1)
		o := window.advance(nb[0])
		state = rollingRoll(state, blockSize, o, nb[0])
	}
}

// probeAndDispatch checks weak for candidates, confirms with the strong
// hash on a hit, and writes the window to every unfilled target position
// sharing the confirmed strong hash. It reports whether any position was
// filled. The window is only linearized into a contiguous buffer here, on a
// confirmed weak hit, not on every byte advance.
func (m *MatchEngine) probeAndDispatch(window *ringWindow, weak uint32) (bool, error) {
	truncated := weakTruncate(weak, m.header.WeakLen)
	entries := m.index.Lookup(truncated)
	if len(entries) == 0 {
		return false, nil
	}

	linear := window.linearize(m.linear)
	digest := strongHash(m.strong, linear, m.header.BlockSize)
	truncatedDigest := digest[:m.header.StrongLen]

	positions := positionsForStrong(entries, truncatedDigest)
	if positions == nil {
		return false, nil
	}

	any := false
	for _, p := range positions {
		filled, err := m.assembler.WriteBlock(p, linear, 0)
		if err != nil {
			return false, err
		}
		if filled {
			any = true
		}
	}
	return any, nil
}

// verifyStrong reports whether digest (already truncated to StrongLen)
// equals the candidate's strong bytes. Kept as a small named predicate so
// match_test.go can exercise the tie-break rule in isolation.
func verifyStrong(candidate, digest []byte) bool {
	return bytes.Equal(candidate, digest)
}
