// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hooklift/assert"
)

func sha1Hex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

func newTestAssembler(t *testing.T, data []byte, blockSize int) *Assembler {
	t.Helper()
	dir := t.TempDir()
	h := Header{BlockSize: blockSize, Length: int64(len(data)), WeakLen: 2, StrongLen: 4, SHA1: sha1Hex(data)}
	a, err := NewAssembler(filepath.Join(dir, "out.bin"), h, nil)
	assert.Ok(t, err)
	return a
}

func TestFetcherSingleRange(t *testing.T) {
	data := []byte("0123456789ABCDEF")
	wanted := data[4:12]

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 4-11/%d", len(data)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(wanted)
	}))
	defer srv.Close()

	a := newTestAssembler(t, data, 4)
	defer a.Abort()

	f := NewFetcher(srv.Client(), nil)
	err := f.FetchMissing(context.Background(), srv.URL, []Range{{First: 4, Last: 11}}, a)
	assert.Ok(t, err)
	assert.Equals(t, int64(2), a.Remaining()) // blocks [0,3] and [12,15] untouched
}

func TestFetcherMultipartByteranges(t *testing.T) {
	data := []byte("0123456789ABCDEFGHIJ") // 20 bytes
	ranges := []Range{{First: 0, Last: 3}, {First: 8, Last: 11}, {First: 16, Last: 19}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		for _, rg := range ranges {
			hdr := make(map[string][]string)
			hdr["Content-Range"] = []string{fmt.Sprintf("bytes %d-%d/%d", rg.First, rg.Last, len(data))}
			pw, err := mw.CreatePart(hdr)
			if err != nil {
				t.Errorf("creating part: %v", err)
				return
			}
			pw.Write(data[rg.First : rg.Last+1])
		}
		mw.Close()

		w.Header().Set("Content-Type", "multipart/byteranges; boundary="+mw.Boundary())
		w.WriteHeader(http.StatusPartialContent)
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	a := newTestAssembler(t, data, 4)
	defer a.Abort()

	f := NewFetcher(srv.Client(), nil)
	err := f.FetchMissing(context.Background(), srv.URL, ranges, a)
	assert.Ok(t, err)
	assert.Equals(t, int64(2), a.Remaining()) // blocks [4,7] and [12,15] untouched
}

// serveMultiRangeHeader answers a "bytes=a-b,c-d,..." Range header with a
// 206 multipart/byteranges body carrying exactly the requested ranges.
func serveMultiRangeHeader(t *testing.T, w http.ResponseWriter, rangeHeader string, data []byte) {
	t.Helper()
	spec := strings.TrimPrefix(rangeHeader, "bytes=")
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range strings.Split(spec, ",") {
		var first, last int
		if _, err := fmt.Sscanf(p, "%d-%d", &first, &last); err != nil {
			t.Fatalf("parsing requested range %q: %v", p, err)
		}
		hdr := make(map[string][]string)
		hdr["Content-Range"] = []string{fmt.Sprintf("bytes %d-%d/%d", first, last, len(data))}
		pw, err := mw.CreatePart(hdr)
		if err != nil {
			t.Fatalf("creating part: %v", err)
		}
		pw.Write(data[first : last+1])
	}
	mw.Close()
	w.Header().Set("Content-Type", "multipart/byteranges; boundary="+mw.Boundary())
	w.WriteHeader(http.StatusPartialContent)
	w.Write(buf.Bytes())
}

// TestFetcherRespectsMaxRangesPerRequest guards against a batch-size clamp
// bug where a smaller WithMaxRangesPerRequest override was silently ignored
// in favor of the package default: with 12 ranges and a batch size of 5,
// the buggy code computed n=100 (the package constant) and then sliced
// ranges[:100] on a 12-element slice, panicking. Here it must split into
// batches of 5, 5, and 2.
func TestFetcherRespectsMaxRangesPerRequest(t *testing.T) {
	data := []byte("0123456789AB") // 12 bytes
	ranges := make([]Range, len(data))
	for i := range data {
		ranges[i] = Range{First: int64(i), Last: int64(i)}
	}

	var batchSizes []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		batchSizes = append(batchSizes, len(strings.Split(strings.TrimPrefix(rng, "bytes="), ",")))
		serveMultiRangeHeader(t, w, rng, data)
	}))
	defer srv.Close()

	a := newTestAssembler(t, data, 1)
	defer a.Abort()

	f := NewFetcher(srv.Client(), nil).WithMaxRangesPerRequest(5)
	err := f.FetchMissing(context.Background(), srv.URL, ranges, a)
	assert.Ok(t, err)
	assert.Equals(t, int64(0), a.Remaining())
	assert.Equals(t, []int{5, 5, 2}, batchSizes)
}

func TestFetcherNotFound(t *testing.T) {
	data := []byte("0123456789ABCDEF")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := newTestAssembler(t, data, 4)
	defer a.Abort()

	f := NewFetcher(srv.Client(), nil)
	err := f.FetchMissing(context.Background(), srv.URL, []Range{{First: 0, Last: 3}}, a)
	assert.Cond(t, err != nil, "404 should surface as an error")
	assert.Cond(t, IsKind(err, KindRemoteMissing), "404 should produce KindRemoteMissing")
}

func TestFetcherWholeFileFallback(t *testing.T) {
	data := []byte("0123456789ABCDEF")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Server ignores Range and returns 200 with the full body.
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}))
	defer srv.Close()

	a := newTestAssembler(t, data, 4)
	defer a.Abort()

	f := NewFetcher(srv.Client(), nil)
	err := f.FetchMissing(context.Background(), srv.URL, []Range{{First: 4, Last: 11}}, a)
	assert.Ok(t, err)
	assert.Equals(t, int64(0), a.Remaining())
}
