// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build !unix

package zsync

import "os"

// syncAssemblerFile flushes f's data to stable storage before the
// whole-file checksum re-read in Finalize.
func syncAssemblerFile(f *os.File) error {
	return f.Sync()
}
