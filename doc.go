// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package zsync implements the core of a zsync-style differential file
// transfer: given a control file describing a remote target and one or more
// local candidate inputs, it reconstructs the target by reusing matching
// blocks found locally and fetching only the missing byte ranges over HTTP.
package zsync
