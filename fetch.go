// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"golang.org/x/text/encoding/charmap"
)

// MaxRangesPerRequest caps the number of ranges batched into a single
// Range header, per spec.md §4.F.
const MaxRangesPerRequest = 100

// Fetcher issues HTTP Range requests for missing extents and streams the
// responses into an Assembler, per spec.md §4.F.
type Fetcher struct {
	client      *http.Client
	observer    Observer
	maxPerBatch int
}

// NewFetcher returns a Fetcher using client (http.DefaultClient if nil) and
// observer (NopObserver if nil), batching at MaxRangesPerRequest ranges per
// request. Use WithMaxRangesPerRequest to override the batch size.
func NewFetcher(client *http.Client, observer Observer) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Fetcher{client: client, observer: observer, maxPerBatch: MaxRangesPerRequest}
}

// WithMaxRangesPerRequest overrides the per-request batch size (the spec's
// MaxRangesPerRequest default of 100 otherwise applies). n <= 0 is ignored.
func (f *Fetcher) WithMaxRangesPerRequest(n int) *Fetcher {
	if n > 0 {
		f.maxPerBatch = n
	}
	return f
}

// FetchMissing splits ranges into batches of at most the fetcher's batch
// size, and for each batch issues a GET with a Range header, delivering the
// response body into assembler. It observes ctx.Done() between batches and
// between multipart parts, per spec.md §5.
func (f *Fetcher) FetchMissing(ctx context.Context, url string, ranges []Range, assembler *Assembler) error {
	if len(ranges) == 0 {
		return nil
	}

	f.observer.PhaseStarted(PhaseRemoteDownload, url, totalSize(ranges))
	f.observer.RemoteRangesRequested(ranges)
	defer f.observer.PhaseComplete(PhaseRemoteDownload)

	for len(ranges) > 0 {
		select {
		case <-ctx.Done():
			return newErr(KindIOError, ctx.Err(), "fetch cancelled between batches")
		default:
		}

		n := len(ranges)
		if n > f.maxPerBatch {
			n = f.maxPerBatch
		}
		batch := ranges[:n]
		ranges = ranges[n:]

		wholeFileFallback, err := f.fetchBatch(ctx, url, batch, assembler)
		if err != nil {
			return err
		}
		if wholeFileFallback {
			// Server ignored Range entirely and we delivered the whole
			// body: no further batches are needed or meaningful.
			return nil
		}
	}
	return nil
}

func totalSize(ranges []Range) int64 {
	var n int64
	for _, r := range ranges {
		n += r.Size()
	}
	return n
}

// fetchBatch issues one GET for batch and delivers its body into assembler.
// It returns wholeFileFallback=true if the server returned 200 with the
// full body instead of honoring the Range header, signalling the caller to
// stop issuing further batches.
func (f *Fetcher) fetchBatch(ctx context.Context, url string, batch []Range, assembler *Assembler) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, newErr(KindTransportError, err, "building range request")
	}
	req.Header.Set("Range", "bytes="+formatRanges(batch))

	resp, err := f.client.Do(req)
	if err != nil {
		return false, newErr(KindTransportError, err, "issuing range request")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		pending := newPendingSet(batch)
		if err := f.parsePartialBody(ctx, resp, pending, assembler); err != nil {
			return false, err
		}
		if !pending.empty() {
			return false, newErrf(KindIncompleteRangeResponse, "%d requested ranges were not delivered", pending.len())
		}
		return false, nil
	case http.StatusOK:
		r := Range{First: 0, Last: assembler.header.Length - 1}
		if err := assembler.ReceiveRange(r, resp.Body); err != nil {
			return false, err
		}
		return true, nil
	case http.StatusNotFound:
		return false, newErrf(KindRemoteMissing, "range request to %s returned 404", url)
	default:
		return false, newErrf(KindTransportError, "range request to %s returned %s", url, resp.Status)
	}
}

// formatRanges renders a batch of ranges as the inclusive-inclusive
// "a-b,c-d" syntax of an HTTP Range header.
func formatRanges(ranges []Range) string {
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		parts[i] = fmt.Sprintf("%d-%d", r.First, r.Last)
	}
	return strings.Join(parts, ",")
}

// pendingSet tracks which requested ranges of one batch have not yet been
// delivered.
type pendingSet struct {
	remaining map[Range]bool
}

func newPendingSet(ranges []Range) *pendingSet {
	m := make(map[Range]bool, len(ranges))
	for _, r := range ranges {
		m[r] = true
	}
	return &pendingSet{remaining: m}
}

func (p *pendingSet) remove(r Range) { delete(p.remaining, r) }
func (p *pendingSet) empty() bool    { return len(p.remaining) == 0 }
func (p *pendingSet) len() int       { return len(p.remaining) }

// parsePartialBody dispatches to the single-part or multipart/byteranges
// parser depending on the response's Content-Type.
func (f *Fetcher) parsePartialBody(ctx context.Context, resp *http.Response, pending *pendingSet, assembler *Assembler) error {
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil && resp.Header.Get("Content-Type") != "" {
		return newErr(KindMalformedResponse, err, "parsing Content-Type")
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary, ok := params["boundary"]
		if !ok {
			return newErrf(KindMalformedResponse, "multipart response missing boundary parameter")
		}
		return f.parseMultipart(ctx, resp.Body, boundary, pending, assembler)
	}
	return f.parseSinglePart(resp.Header.Get("Content-Range"), resp.Body, pending, assembler)
}

// parseSinglePart handles a 206 response carrying exactly one range.
func (f *Fetcher) parseSinglePart(contentRange string, body io.Reader, pending *pendingSet, assembler *Assembler) error {
	r, err := parseContentRange(contentRange)
	if err != nil {
		return err
	}
	if !pending.remaining[r] {
		return newErrf(KindMalformedResponse, "delivered range [%d,%d] was not requested", r.First, r.Last)
	}
	pending.remove(r)
	return assembler.ReceiveRange(r, body)
}

// parseMultipart handles a 206 multipart/byteranges response: one part per
// range, in the order the server chooses to send them.
func (f *Fetcher) parseMultipart(ctx context.Context, body io.Reader, boundary string, pending *pendingSet, assembler *Assembler) error {
	mr := newMultipartReader(body, boundary)
	for {
		select {
		case <-ctx.Done():
			return newErr(KindIOError, ctx.Err(), "fetch cancelled between multipart parts")
		default:
		}

		part, err := mr.nextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return newErr(KindMalformedResponse, err, "reading multipart part")
		}

		contentRanges := part.header.Values("Content-Range")
		if len(contentRanges) != 1 {
			return newErrf(KindMalformedResponse, "part has %d Content-Range headers, want exactly 1", len(contentRanges))
		}
		r, err := parseContentRange(contentRanges[0])
		if err != nil {
			return err
		}
		if !pending.remaining[r] {
			return newErrf(KindMalformedResponse, "delivered range [%d,%d] was not requested", r.First, r.Last)
		}
		pending.remove(r)

		if err := assembler.ReceiveRange(r, io.LimitReader(part.body, r.Size())); err != nil {
			return err
		}
	}
}

// parseContentRange parses "bytes <first>-<last>/<total>". A declared
// total that disagrees with last-first+1 is tolerated and not enforced,
// per spec.md §4.F/§9 Open Question 1 — server bugs in this field are
// common in the wild.
func parseContentRange(header string) (Range, error) {
	const prefix = "bytes "
	if !strings.HasPrefix(header, prefix) {
		return Range{}, newErrf(KindMalformedResponse, "malformed Content-Range %q", header)
	}
	body := strings.TrimPrefix(header, prefix)
	dash := strings.IndexByte(body, '-')
	slash := strings.IndexByte(body, '/')
	if dash < 0 || slash < 0 || slash < dash {
		return Range{}, newErrf(KindMalformedResponse, "malformed Content-Range %q", header)
	}
	first, err := strconv.ParseInt(body[:dash], 10, 64)
	if err != nil {
		return Range{}, newErrf(KindMalformedResponse, "malformed Content-Range first %q", header)
	}
	last, err := strconv.ParseInt(body[dash+1:slash], 10, 64)
	if err != nil {
		return Range{}, newErrf(KindMalformedResponse, "malformed Content-Range last %q", header)
	}
	// The /total field is parsed for validation diagnostics only; a
	// mismatch against last-first+1 is recorded at glog verbosity 2,
	// never enforced.
	if total, terr := strconv.ParseInt(body[slash+1:], 10, 64); terr == nil && total != last-first+1 {
		glog.V(2).Infof("zsync: Content-Range %q declares total %d, range width is %d", header, total, last-first+1)
	}
	return Range{First: first, Last: last}, nil
}

// multipartPart is a single decoded part: its headers and a reader bounded
// to the part's body.
type multipartPart struct {
	header textproto.MIMEHeader
	body   io.Reader
}

// multipartReader is a lenient multipart/byteranges body parser. It is
// hand-rolled rather than built on mime/multipart.Reader because it must
// decode ISO-8859-1 header bytes (per spec.md §4.F) before handing them to
// textproto.ReadMIMEHeader, which assumes ASCII/UTF-8; the opening
// delimiter may also be preceded by either "\r\n--" or "--" depending on
// placement, a looseness mime/multipart.Reader does not model directly at
// this layer.
type multipartReader struct {
	r        *lineReader
	boundary string
	done     bool
}

func newMultipartReader(r io.Reader, boundary string) *multipartReader {
	return &multipartReader{r: newLineReader(r), boundary: boundary}
}

// nextPart advances past the next boundary delimiter, reads part headers
// up to a blank line, and returns a part whose body reader is valid until
// the next nextPart call (or EOF). Returns io.EOF once the terminating
// "--boundary--" delimiter has been consumed.
func (mr *multipartReader) nextPart() (*multipartPart, error) {
	if mr.done {
		return nil, io.EOF
	}

	if err := mr.skipToBoundary(); err != nil {
		return nil, err
	}
	if mr.done {
		return nil, io.EOF
	}

	hdr, err := mr.readHeaders()
	if err != nil {
		return nil, err
	}

	return &multipartPart{
		header: hdr,
		body:   &boundaryReader{mr: mr},
	}, nil
}

// skipToBoundary reads lines until it finds the boundary delimiter line,
// tolerating both "\r\n--boundary" and a leading "--boundary" with no
// preceding blank line. Sets mr.done if the delimiter is the closing
// "--boundary--" form.
func (mr *multipartReader) skipToBoundary() error {
	marker := "--" + mr.boundary
	for {
		line, err := mr.r.readLine()
		if err != nil {
			return err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == marker {
			return nil
		}
		if trimmed == marker+"--" {
			mr.done = true
			return nil
		}
	}
}

// readHeaders reads ISO-8859-1 header lines up to a blank line and parses
// them as MIME headers, ignoring unrecognized ones per Design Notes.
func (mr *multipartReader) readHeaders() (textproto.MIMEHeader, error) {
	decoder := charmap.ISO8859_1.NewDecoder()
	hdr := make(textproto.MIMEHeader)
	for {
		raw, err := mr.r.readLine()
		if err != nil {
			return nil, err
		}
		trimmed := strings.TrimRight(raw, "\r\n")
		if trimmed == "" {
			return hdr, nil
		}
		decoded, err := decoder.String(trimmed)
		if err != nil {
			return nil, err
		}
		key, value, ok := strings.Cut(decoded, ":")
		if !ok {
			continue
		}
		hdr.Add(textproto.TrimString(key), textproto.TrimString(value))
	}
}

// boundaryReader exposes one part's body, stopping at the next boundary
// delimiter line without consuming it from the underlying lineReader.
type boundaryReader struct {
	mr  *multipartReader
	buf []byte
}

func (b *boundaryReader) Read(p []byte) (int, error) {
	if len(b.buf) == 0 {
		line, atBoundary, err := b.mr.r.readLineOrBoundary("--" + b.mr.boundary)
		if err != nil {
			return 0, err
		}
		if atBoundary {
			b.mr.r.pushBack(line)
			return 0, io.EOF
		}
		b.buf = line
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}
