// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"bufio"
	"io"
)

// lineReader is a small pushback wrapper over bufio.Reader, used by the
// multipart/byteranges parser in fetch.go to scan a response body line by
// line while still being able to hand a boundary line back to the caller
// that peeked it.
type lineReader struct {
	r       *bufio.Reader
	pushed  []byte
	hasPush bool
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReader(r)}
}

// readLine returns the next line, including its trailing newline if
// present. It returns io.EOF only when no bytes at all were read.
func (lr *lineReader) readLine() (string, error) {
	if lr.hasPush {
		lr.hasPush = false
		s := string(lr.pushed)
		lr.pushed = nil
		return s, nil
	}
	line, err := lr.r.ReadString('\n')
	if len(line) == 0 && err != nil {
		return "", err
	}
	if err != nil && err != io.EOF {
		return "", err
	}
	return line, nil
}

// pushBack returns a line previously obtained via readLine/readLineOrBoundary
// so the next readLine call yields it again.
func (lr *lineReader) pushBack(line []byte) {
	lr.pushed = line
	lr.hasPush = true
}

// readLineOrBoundary reads the next line and reports whether, once
// trailing CR/LF is stripped, it equals marker or marker+"--". The raw
// line bytes (including any trailing newline) are always returned so the caller
// can push them back verbatim when they turn out to be a boundary.
func (lr *lineReader) readLineOrBoundary(marker string) ([]byte, bool, error) {
	line, err := lr.readLine()
	if err != nil {
		return nil, false, err
	}
	trimmed := trimCRLF(line)
	if trimmed == marker || trimmed == marker+"--" {
		return []byte(line), true, nil
	}
	return []byte(line), false, nil
}

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
