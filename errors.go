// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import "github.com/pkg/errors"

// Kind identifies which branch of the error taxonomy an error belongs to.
type Kind int

const (
	// KindMalformedControl is returned for a bad header or a truncated
	// block-sum table in the control file.
	KindMalformedControl Kind = iota
	// KindChecksumMismatch is returned when the assembled file's SHA-1
	// disagrees with Header.SHA1.
	KindChecksumMismatch
	// KindRemoteMissing is returned on a 404 against the data URL.
	KindRemoteMissing
	// KindTransportError is returned for an unexpected HTTP status or a
	// network-level failure.
	KindTransportError
	// KindMalformedResponse is returned for multipart parsing failures,
	// missing Content-Range headers, boundary mismatches or unexpected EOF.
	KindMalformedResponse
	// KindIncompleteRangeResponse is returned when a requested range was
	// not delivered within its batch.
	KindIncompleteRangeResponse
	// KindIOError is returned for local file or filesystem failures.
	KindIOError
)

func (k Kind) String() string {
	switch k {
	case KindMalformedControl:
		return "MalformedControl"
	case KindChecksumMismatch:
		return "ChecksumMismatch"
	case KindRemoteMissing:
		return "RemoteMissing"
	case KindTransportError:
		return "TransportError"
	case KindMalformedResponse:
		return "MalformedResponse"
	case KindIncompleteRangeResponse:
		return "IncompleteRangeResponse"
	case KindIOError:
		return "IoError"
	default:
		return "Unknown"
	}
}

// Error is a taxonomy-tagged, wrapped error. All fatal conditions produced
// by this package are of this type so callers can branch on Kind without
// string matching.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// newErr wraps err with errors.Wrapf (matching the teacher's own wrapping
// style) and tags it with kind.
func newErr(kind Kind, err error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: errors.Wrapf(err, format, args...)}
}

// newErrf builds a new taxonomy error with no underlying cause.
func newErrf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: errors.Errorf(format, args...)}
}

// IsKind reports whether err (or something it wraps) is a *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	for err != nil {
		if ze, ok := err.(*Error); ok {
			e = ze
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == k
}
