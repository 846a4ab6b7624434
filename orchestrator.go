// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"context"
	"net/http"
	"os"

	"github.com/pkg/errors"
)

// Options configures one Sync run, per spec.md §4.H.
type Options struct {
	// ControlFile, if non-nil, is used directly instead of fetching/parsing
	// one from ControlURL.
	ControlFile *ControlFile
	// ControlURL is fetched with a plain GET when ControlFile is nil.
	ControlURL string

	// TargetPath is where the assembled file is written, via "<TargetPath>.part".
	TargetPath string

	// SeedPaths are local files scanned, in order, for reusable blocks
	// before any remote fetch is attempted. TargetPath is always scanned
	// first (as its own previous copy) if it already exists, whether or
	// not it also appears in SeedPaths.
	SeedPaths []string

	// Client is used for both the control-file GET and range fetches. It
	// defaults to http.DefaultClient.
	Client *http.Client

	// Observer receives lifecycle and progress events. It defaults to
	// NopObserver.
	Observer Observer

	// MaxRangesPerRequest overrides the range-fetch driver's per-request
	// batch size (spec.md §4.F's MaxRangesPerRequest=100 otherwise applies).
	// Zero leaves the default in place.
	MaxRangesPerRequest int
}

// Sync runs the five-step pipeline described in spec.md §4.H: obtain the
// control file, scan local candidates for reusable blocks, fetch whatever
// remains over HTTP Range requests, and finalize the assembled file.
func Sync(ctx context.Context, opts Options) (err error) {
	observer := opts.Observer
	if observer == nil {
		observer = NopObserver{}
	}

	cf, err := resolveControlFile(ctx, opts, observer)
	if err != nil {
		observer.Failed(err)
		return err
	}

	observer.Started(cf.TransactionID)
	defer func() {
		if err != nil {
			observer.Failed(err)
			return
		}
		observer.Complete()
	}()

	assembler, err := NewAssembler(opts.TargetPath, cf.Header, observer)
	if err != nil {
		return err
	}

	index := NewBlockIndex(cf.Blocks)
	if err := scanLocalCandidates(ctx, opts, cf.Header, index, assembler, observer); err != nil {
		_ = assembler.Abort()
		return err
	}

	if assembler.Remaining() > 0 {
		if err := fetchRemaining(ctx, opts, assembler, observer); err != nil {
			_ = assembler.Abort()
			return err
		}
	}

	if err := assembler.Finalize(); err != nil {
		if !IsKind(err, KindChecksumMismatch) {
			_ = assembler.Abort()
		}
		return err
	}
	return nil
}

// resolveControlFile returns opts.ControlFile if set, otherwise fetches and
// parses opts.ControlURL.
func resolveControlFile(ctx context.Context, opts Options, observer Observer) (*ControlFile, error) {
	if opts.ControlFile != nil {
		return opts.ControlFile, nil
	}

	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}

	observer.PhaseStarted(PhaseControlDownload, opts.ControlURL, -1)
	defer observer.PhaseComplete(PhaseControlDownload)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.ControlURL, nil)
	if err != nil {
		return nil, newErr(KindTransportError, err, "building control file request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, newErr(KindTransportError, err, "fetching control file from %s", opts.ControlURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, newErrf(KindTransportError, "control file request to %s returned %s", opts.ControlURL, resp.Status)
	}

	cf, err := ParseControlFile(resp.Body)
	if err != nil {
		return nil, err
	}
	observer.PhaseTransferred(PhaseControlDownload, cf.Header.Length)
	return cf, nil
}

// scanLocalCandidates runs the match engine over opts.TargetPath (if it
// already exists, as its own previous revision) and then every seed path
// in order, stopping early once the assembler has no unfilled blocks left.
// It checks ctx between candidates, per spec.md §5.
func scanLocalCandidates(ctx context.Context, opts Options, header Header, index *BlockIndex, assembler *Assembler, observer Observer) error {
	candidates := localCandidatePaths(opts)

	for _, path := range candidates {
		if assembler.Remaining() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return newErr(KindIOError, ctx.Err(), "sync cancelled between local candidates")
		default:
		}

		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return newErr(KindIOError, err, "opening local candidate %s", path)
		}

		info, serr := f.Stat()
		length := int64(-1)
		if serr == nil {
			length = info.Size()
		}

		engine := NewMatchEngine(index, header, assembler, observer)
		scanErr := engine.Scan(f, path, length)
		f.Close()
		if scanErr != nil {
			return scanErr
		}
	}
	return nil
}

// localCandidatePaths orders the target's own previous copy first, then
// every explicitly configured seed path, de-duplicated.
func localCandidatePaths(opts Options) []string {
	seen := map[string]bool{}
	var out []string
	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}
	add(opts.TargetPath)
	for _, p := range opts.SeedPaths {
		add(p)
	}
	return out
}

// fetchRemaining fetches every range the local scan left unfilled.
func fetchRemaining(ctx context.Context, opts Options, assembler *Assembler, observer Observer) error {
	missing := assembler.MissingRanges()
	if len(missing) == 0 {
		return nil
	}
	dataURL := assembler.header.URL
	fetcher := NewFetcher(opts.Client, observer).WithMaxRangesPerRequest(opts.MaxRangesPerRequest)
	if err := fetcher.FetchMissing(ctx, dataURL, missing, assembler); err != nil {
		return errors.Wrap(err, "fetching remaining ranges")
	}
	return nil
}
