// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Range is an inclusive byte extent [First, Last] of the target file.
type Range struct {
	First, Last int64
}

// Size returns the number of bytes covered by the range.
func (r Range) Size() int64 { return r.Last - r.First + 1 }

// Assembler is the block-addressed sparse writer described in spec.md §4.E:
// a temporary file plus a completion bitmap, serving as the sink for both
// locally matched blocks and remotely fetched ranges.
type Assembler struct {
	header   Header
	partPath string
	f        *os.File

	filled    []bool
	remaining int64

	observer Observer
}

// NewAssembler opens "<targetPath>.part" for read+write and prepares the
// completion bitmap for header.NumBlocks() blocks.
func NewAssembler(targetPath string, header Header, observer Observer) (*Assembler, error) {
	if observer == nil {
		observer = NopObserver{}
	}
	partPath := targetPath + ".part"
	if err := os.MkdirAll(filepath.Dir(partPath), 0o755); err != nil {
		return nil, newErr(KindIOError, err, "creating output directory")
	}
	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, newErr(KindIOError, err, "opening %s", partPath)
	}
	if err := f.Truncate(header.Length); err != nil {
		f.Close()
		return nil, newErr(KindIOError, err, "truncating %s to %d bytes", partPath, header.Length)
	}
	numBlocks := header.NumBlocks()
	observer.PhaseStarted(PhaseOutputWrite, partPath, header.Length)
	return &Assembler{
		header:    header,
		partPath:  partPath,
		f:         f,
		filled:    make([]bool, numBlocks),
		remaining: numBlocks,
		observer:  observer,
	}, nil
}

// TargetPath returns the final path this assembler will rename its part
// file to on success.
func (a *Assembler) TargetPath() string {
	return a.partPath[:len(a.partPath)-len(".part")]
}

// Remaining reports how many blocks are still unfilled.
func (a *Assembler) Remaining() int64 { return a.remaining }

// blockWidth returns the on-disk write width of block position: BlockSize
// for every block except the last, which uses LastBlockSize.
func (a *Assembler) blockWidth(position int64) int64 {
	if position == int64(len(a.filled))-1 {
		return a.header.LastBlockSize()
	}
	return int64(a.header.BlockSize)
}

// WriteBlock writes buffer[offset:offset+width] to position's byte range,
// where width is BlockSize for non-final positions and LastBlockSize for
// the final one. Filled positions are a no-op, per the idempotence
// invariant in spec.md §8 (property 2).
func (a *Assembler) WriteBlock(position int64, buffer []byte, offset int) (bool, error) {
	if position < 0 || position >= int64(len(a.filled)) {
		return false, newErrf(KindIOError, "block position %d out of range", position)
	}
	if a.filled[position] {
		return false, nil
	}
	width := a.blockWidth(position)
	if int64(offset)+width > int64(len(buffer)) {
		return false, newErrf(KindIOError, "short buffer for block %d: need %d bytes at offset %d", position, width, offset)
	}
	if _, err := a.f.WriteAt(buffer[offset:int64(offset)+width], position*int64(a.header.BlockSize)); err != nil {
		return false, newErr(KindIOError, err, "writing block %d", position)
	}
	a.markFilled(position)
	a.observer.PhaseTransferred(PhaseOutputWrite, width)
	return true, nil
}

func (a *Assembler) markFilled(position int64) {
	if a.filled[position] {
		return
	}
	a.filled[position] = true
	a.remaining--
}

// blockRangeOf returns the block range [startBlock, endBlock] (inclusive)
// covered by r, clamping the final block index to the last block when the
// tail is short (r.Last+1 == Header.Length rather than block-aligned).
func (a *Assembler) blockRangeOf(r Range) (int64, int64) {
	blockSize := int64(a.header.BlockSize)
	startBlock := r.First / blockSize
	end := r.Last + 1
	var endBlock int64
	if end%blockSize == 0 {
		endBlock = end/blockSize - 1
	} else {
		endBlock = int64(len(a.filled)) - 1
	}
	return startBlock, endBlock
}

// ReceiveRange streams exactly r.Size() bytes from stream into the target
// at r.First, then marks every block that range fully covers as filled.
// r.First must be a multiple of BlockSize; r.Last+1 must be a multiple of
// BlockSize or equal to Header.Length, per spec.md §4.E.
func (a *Assembler) ReceiveRange(r Range, stream io.Reader) error {
	if r.First%int64(a.header.BlockSize) != 0 {
		return newErrf(KindIOError, "range start %d is not block-aligned", r.First)
	}
	if end := r.Last + 1; end%int64(a.header.BlockSize) != 0 && end != a.header.Length {
		return newErrf(KindIOError, "range end %d is neither block-aligned nor the file length", r.Last)
	}
	n, err := io.Copy(&offsetWriter{f: a.f, off: r.First}, io.LimitReader(stream, r.Size()))
	if err != nil {
		return newErr(KindIOError, err, "writing range [%d,%d]", r.First, r.Last)
	}
	if n != r.Size() {
		return newErrf(KindIncompleteRangeResponse, "range [%d,%d]: wrote %d of %d bytes", r.First, r.Last, n, r.Size())
	}
	startBlock, endBlock := a.blockRangeOf(r)
	for b := startBlock; b <= endBlock; b++ {
		a.markFilled(b)
	}
	a.observer.PhaseTransferred(PhaseOutputWrite, n)
	return nil
}

// offsetWriter writes sequentially into f starting at off.
type offsetWriter struct {
	f   *os.File
	off int64
}

func (w *offsetWriter) Write(p []byte) (int, error) {
	n, err := w.f.WriteAt(p, w.off)
	w.off += int64(n)
	return n, err
}

// MissingRanges scans the completion bitmap and returns one ascending,
// non-overlapping [first,last] extent per maximal run of unfilled blocks.
// The final extent's end is clamped to Length-1.
func (a *Assembler) MissingRanges() []Range {
	var ranges []Range
	n := int64(len(a.filled))
	var i int64
	for i < n {
		if a.filled[i] {
			i++
			continue
		}
		start := i
		for i < n && !a.filled[i] {
			i++
		}
		first := start * int64(a.header.BlockSize)
		last := i*int64(a.header.BlockSize) - 1
		if last > a.header.Length-1 {
			last = a.header.Length - 1
		}
		ranges = append(ranges, Range{First: first, Last: last})
	}
	return ranges
}

// Finalize flushes the part file, re-reads it and verifies its SHA-1
// against Header.SHA1. On success it atomically renames the part file
// over the target path (falling back to a non-atomic replace when the
// filesystem disallows an atomic move) and restores the target's mtime.
// On mismatch the part file is left in place for diagnosis. The
// PhaseOutputWrite listener is closed on all exit paths.
func (a *Assembler) Finalize() (err error) {
	defer a.observer.PhaseComplete(PhaseOutputWrite)

	if serr := syncAssemblerFile(a.f); serr != nil {
		return newErr(KindIOError, serr, "flushing %s", a.partPath)
	}

	if _, err := a.f.Seek(0, io.SeekStart); err != nil {
		return newErr(KindIOError, err, "seeking %s for checksum", a.partPath)
	}
	sum, err := wholeFileHash(io.LimitReader(a.f, a.header.Length))
	if err != nil {
		return newErr(KindIOError, err, "computing whole-file checksum")
	}
	if !bytes.EqualFold([]byte(sum), []byte(a.header.SHA1)) {
		a.f.Close() // release the handle but keep the part file for diagnosis
		return newErrf(KindChecksumMismatch, "assembled file checksum %s != expected %s", sum, a.header.SHA1)
	}

	if err := a.f.Close(); err != nil {
		return newErr(KindIOError, err, "closing %s", a.partPath)
	}

	target := a.TargetPath()
	if err := renameOrCopy(a.partPath, target); err != nil {
		return newErr(KindIOError, err, "finalizing %s", target)
	}

	if !a.header.MTime.IsZero() {
		if err := os.Chtimes(target, a.header.MTime, a.header.MTime); err != nil {
			return newErr(KindIOError, err, "restoring mtime on %s", target)
		}
	}
	return nil
}

// Abort closes the assembler's handles without finalizing, deleting the
// part file. It is used on every non-ChecksumMismatch failure path, per
// spec.md §7's retention policy.
func (a *Assembler) Abort() error {
	cerr := a.f.Close()
	rerr := os.Remove(a.partPath)
	if cerr != nil {
		return errors.Wrap(cerr, "closing part file during abort")
	}
	if rerr != nil && !os.IsNotExist(rerr) {
		return errors.Wrap(rerr, "removing part file during abort")
	}
	return nil
}

// renameOrCopy attempts an atomic rename and falls back to a non-atomic
// copy+remove when the filesystem rejects it (e.g. EXDEV across devices).
// The destination is never removed before the source is confirmed in
// place.
func renameOrCopy(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
