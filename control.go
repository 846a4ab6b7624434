// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/text/encoding/charmap"
)

// Header carries the control file's metadata block, as described in
// spec.md §3/§4.B.
type Header struct {
	Zsync      string
	Filename   string
	MTime      time.Time
	BlockSize  int
	Length     int64
	SeqMatches int // first of the three Hash-Lengths integers; unused by this core
	WeakLen    int
	StrongLen  int
	URL        string
	SHA1       string
}

// NumBlocks returns ceil(Length / BlockSize).
func (h Header) NumBlocks() int64 {
	if h.BlockSize <= 0 {
		return 0
	}
	n := h.Length / int64(h.BlockSize)
	if h.Length%int64(h.BlockSize) != 0 {
		n++
	}
	return n
}

// LastBlockSize returns the effective size of the final block.
func (h Header) LastBlockSize() int64 {
	if h.Length == 0 {
		return 0
	}
	rem := h.Length % int64(h.BlockSize)
	if rem == 0 {
		return int64(h.BlockSize)
	}
	return rem
}

// BlockSum is a single entry in the control file's block-sum table.
type BlockSum struct {
	Weak   uint32
	Strong []byte
}

// Equal reports whether two BlockSums carry the same (weak, strong) pair.
func (b BlockSum) Equal(o BlockSum) bool {
	return b.Weak == o.Weak && bytes.Equal(b.Strong, o.Strong)
}

// ControlFile is the immutable, fully parsed control file: header plus the
// ordered block-sum table.
type ControlFile struct {
	Header Header
	Blocks []BlockSum

	// TransactionID correlates observer events for one parse/assembly run.
	// It never influences parsing or byte output.
	TransactionID uuid.UUID
}

var iso88591 = charmap.ISO8859_1.NewDecoder()

// decodeHeaderLine decodes a single header line from its ISO-8859-1 wire
// encoding to a Go string, per spec.md §6 ("Text header (US-ASCII...")").
func decodeHeaderLine(raw []byte) (string, error) {
	out, err := iso88591.Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ParseControlFile decodes a control file: textual header lines up to a
// blank line, followed by exactly NumBlocks*(WeakLen+StrongLen) bytes of
// block-sum table.
func ParseControlFile(r io.Reader) (*ControlFile, error) {
	br := bufio.NewReader(r)

	hdr := Header{}
	seenRequired := map[string]bool{}

	for {
		line, err := br.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, newErr(KindMalformedControl, err, "reading control header")
		}
		trimmed := bytes.TrimRight(line, "\r\n")
		if len(trimmed) == 0 {
			break
		}
		if err == io.EOF {
			return nil, newErrf(KindMalformedControl, "control file truncated before blank line")
		}

		text, derr := decodeHeaderLine(trimmed)
		if derr != nil {
			return nil, newErr(KindMalformedControl, derr, "decoding header line")
		}

		key, value, ok := strings.Cut(text, ":")
		if !ok {
			return nil, newErrf(KindMalformedControl, "malformed header line %q", text)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "zsync":
			hdr.Zsync = value
			seenRequired["zsync"] = true
		case "Filename":
			hdr.Filename = value
			seenRequired["Filename"] = true
		case "MTime":
			t, err := time.Parse(time.RFC1123, value)
			if err != nil {
				return nil, newErr(KindMalformedControl, err, "parsing MTime %q", value)
			}
			hdr.MTime = t
			seenRequired["MTime"] = true
		case "Blocksize":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return nil, newErrf(KindMalformedControl, "invalid Blocksize %q", value)
			}
			hdr.BlockSize = n
			seenRequired["Blocksize"] = true
		case "Length":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return nil, newErrf(KindMalformedControl, "invalid Length %q", value)
			}
			hdr.Length = n
			seenRequired["Length"] = true
		case "Hash-Lengths":
			parts := strings.Split(value, ",")
			if len(parts) != 3 {
				return nil, newErrf(KindMalformedControl, "invalid Hash-Lengths %q", value)
			}
			nums := make([]int, 3)
			for i, p := range parts {
				n, err := strconv.Atoi(strings.TrimSpace(p))
				if err != nil {
					return nil, newErrf(KindMalformedControl, "invalid Hash-Lengths %q", value)
				}
				nums[i] = n
			}
			if nums[1] < 2 || nums[1] > 4 {
				return nil, newErrf(KindMalformedControl, "weak_len %d out of range [2,4]", nums[1])
			}
			if nums[2] < 1 || nums[2] > 16 {
				return nil, newErrf(KindMalformedControl, "strong_len %d out of range [1,16]", nums[2])
			}
			hdr.SeqMatches = nums[0]
			hdr.WeakLen = nums[1]
			hdr.StrongLen = nums[2]
			seenRequired["Hash-Lengths"] = true
		case "URL":
			hdr.URL = value
			seenRequired["URL"] = true
		case "SHA-1":
			hdr.SHA1 = value
			seenRequired["SHA-1"] = true
		default:
			// unknown keys are ignored, per spec.md §4.B
		}
	}

	for _, req := range []string{"Blocksize", "Length", "Hash-Lengths", "URL", "SHA-1"} {
		if !seenRequired[req] {
			return nil, newErrf(KindMalformedControl, "missing required header key %q", req)
		}
	}

	numBlocks := hdr.NumBlocks()
	recordSize := hdr.WeakLen + hdr.StrongLen
	table := make([]byte, numBlocks*int64(recordSize))
	if _, err := io.ReadFull(br, table); err != nil {
		return nil, newErr(KindMalformedControl, err, "reading block-sum table (%d blocks x %d bytes)", numBlocks, recordSize)
	}

	blocks := make([]BlockSum, numBlocks)
	for i := range blocks {
		off := int64(i) * int64(recordSize)
		rec := table[off : off+int64(recordSize)]
		blocks[i] = BlockSum{
			Weak:   decodeWeak(rec[:hdr.WeakLen]),
			Strong: append([]byte(nil), rec[hdr.WeakLen:recordSize]...),
		}
	}

	return &ControlFile{
		Header:        hdr,
		Blocks:        blocks,
		TransactionID: uuid.New(),
	}, nil
}

// decodeWeak decodes a big-endian, width-padded weak checksum as stored in
// the control file's block-sum table.
func decodeWeak(b []byte) uint32 {
	var buf [4]byte
	copy(buf[4-len(b):], b)
	return binary.BigEndian.Uint32(buf[:])
}

// encodeWeak is the inverse of decodeWeak, truncated to width bytes.
func encodeWeak(v uint32, width int) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return buf[4-width:]
}

// WriteControlFile encodes a ControlFile back to its wire format. It exists
// to support the round-trip testable property in spec.md §8 and is not on
// the data path of a transfer.
func WriteControlFile(w io.Writer, cf *ControlFile) error {
	h := cf.Header
	lines := []string{
		fmt.Sprintf("zsync: %s", h.Zsync),
		fmt.Sprintf("Filename: %s", h.Filename),
		fmt.Sprintf("MTime: %s", h.MTime.Format(time.RFC1123)),
		fmt.Sprintf("Blocksize: %d", h.BlockSize),
		fmt.Sprintf("Length: %d", h.Length),
		fmt.Sprintf("Hash-Lengths: %d,%d,%d", h.SeqMatches, h.WeakLen, h.StrongLen),
		fmt.Sprintf("URL: %s", h.URL),
		fmt.Sprintf("SHA-1: %s", h.SHA1),
	}
	if _, err := io.WriteString(w, strings.Join(lines, "\n")+"\n\n"); err != nil {
		return errors.Wrap(err, "writing control header")
	}
	for _, b := range cf.Blocks {
		if _, err := w.Write(encodeWeak(b.Weak, h.WeakLen)); err != nil {
			return errors.Wrap(err, "writing weak checksum")
		}
		if _, err := w.Write(b.Strong); err != nil {
			return errors.Wrap(err, "writing strong checksum")
		}
	}
	return nil
}
