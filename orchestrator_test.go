// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hooklift/assert"
	"github.com/pkg/profile"
)

// buildTestControlFile computes a real block-sum table for source, the way
// a server-side Signatures step would, per spec.md §4.C.
func buildTestControlFile(source []byte, blockSize int, url string) *ControlFile {
	strong := newStrongHasher()
	var blocks []BlockSum
	for off := 0; off < len(source); off += blockSize {
		end := off + blockSize
		if end > len(source) {
			end = len(source)
		}
		block := source[off:end]
		padded := padBlock(block, blockSize)
		weak := weakTruncate(weakValue(rollingFull(padded)), 2)
		digest := strongHash(strong, block, blockSize)
		blocks = append(blocks, BlockSum{Weak: weak, Strong: digest})
	}
	sum, _ := wholeFileHash(bytes.NewReader(source))
	return &ControlFile{
		Header: Header{
			Zsync:     "0.6.2",
			Filename:  "target.bin",
			MTime:     time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
			BlockSize: blockSize,
			Length:    int64(len(source)),
			WeakLen:   2,
			StrongLen: 4,
			URL:       url,
			SHA1:      sum,
		},
		Blocks: blocks,
	}
}

// TestSyncFullRemoteFetch covers the case with no usable local seed: every
// block must come from the range-fetch driver.
func TestSyncFullRemoteFetch(t *testing.T) {
	defer profile.Start().Stop()

	source := bytes.Repeat([]byte("0123456789ABCDEF"), 64) // 1024 bytes
	blockSize := 64

	var dataURL string
	dataSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.WriteHeader(http.StatusOK)
			w.Write(source)
			return
		}
		// Single-range only, to keep the handler simple: the orchestrator's
		// batching keeps every request's range list within reach of this.
		serveRangeHeader(t, w, rng, source)
	}))
	defer dataSrv.Close()
	dataURL = dataSrv.URL

	cf := buildTestControlFile(source, blockSize, dataURL)

	dir := t.TempDir()
	target := filepath.Join(dir, "target.bin")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := Sync(ctx, Options{
		ControlFile: cf,
		TargetPath:  target,
	})
	assert.Ok(t, err)

	got, err := os.ReadFile(target)
	assert.Ok(t, err)
	assert.Cond(t, bytes.Equal(source, got), "fully-fetched target should match source")
}

// TestSyncPartialLocalSeed covers the common upgrade case: a seed file
// shares a prefix with the target and the rest comes over the wire.
func TestSyncPartialLocalSeed(t *testing.T) {
	prefix := bytes.Repeat([]byte("AAAABBBBCCCCDDDD"), 20) // 320 bytes, reusable
	suffix := bytes.Repeat([]byte("ZZZZYYYYXXXXWWWW"), 5)  // 80 bytes, must be fetched
	source := append(append([]byte{}, prefix...), suffix...)
	blockSize := 16

	dataSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.WriteHeader(http.StatusOK)
			w.Write(source)
			return
		}
		serveRangeHeader(t, w, rng, source)
	}))
	defer dataSrv.Close()

	cf := buildTestControlFile(source, blockSize, dataSrv.URL)

	dir := t.TempDir()
	seed := filepath.Join(dir, "seed.bin")
	assert.Ok(t, os.WriteFile(seed, prefix, 0o644))
	target := filepath.Join(dir, "target.bin")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := Sync(ctx, Options{
		ControlFile: cf,
		TargetPath:  target,
		SeedPaths:   []string{seed},
	})
	assert.Ok(t, err)

	got, err := os.ReadFile(target)
	assert.Ok(t, err)
	assert.Cond(t, bytes.Equal(source, got), "partially-seeded target should match source")
}

// serveRangeHeader answers a "bytes=a-b" Range header with a single-part
// 206 response. For a comma-joined list only the first range is served.
func serveRangeHeader(t *testing.T, w http.ResponseWriter, rangeHeader string, source []byte) {
	t.Helper()
	const prefix = "bytes="
	if len(rangeHeader) < len(prefix) || rangeHeader[:len(prefix)] != prefix {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	spec := rangeHeader[len(prefix):]

	var first, last int
	n, err := fmt.Sscanf(spec, "%d-%d", &first, &last)
	if err != nil || n != 2 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if last >= len(source) {
		last = len(source) - 1
	}
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", first, last, len(source)))
	w.WriteHeader(http.StatusPartialContent)
	w.Write(source[first : last+1])
}
