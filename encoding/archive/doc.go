// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package archive provides the pieces shared by the aligned-archive readers:
// a byte stream with 64-bit positioning, a growable scratch buffer, a
// little-endian decode cursor, and the error taxonomy surfaced by both
// readers.
//
// Everything here is format-agnostic. The layouts themselves live in
// encoding/aa and encoding/ap.
package archive
