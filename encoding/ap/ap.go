// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ap reads Aligned Positions archives: flat containers of per-read
// candidate alignment positions against a set of anchors. The layout is a
// fixed 34-byte header, back-to-back length-prefixed read records, and an
// anchor table reached through a stored 64-bit offset.
package ap

import "sort"

const (
	// Signature is the six-byte magic the producer writes. The "R" spelling
	// is what shipped archives contain; see SignatureAP.
	Signature = "MSKAR\x00"
	// SignatureAP is the spelling the producer appears to have intended.
	// Readers accept it only when ReadOpts.AcceptAPSignature is set.
	SignatureAP = "MSKAP\x00"

	signatureLength = 6
	headerBytes     = 34
	readPrefixBytes = 10
	// One anchor record is a name-length byte plus 12 fixed bytes plus the
	// name itself.
	anchorFixedBytes = 13
)

// Anchor is a reference segment used as an alignment target.
type Anchor struct {
	Name   string
	Length uint32
	Begin  uint32
	End    uint32
}

// AlignedPosition is one candidate alignment of a query against an anchor
// region. Anchor and Query are the gapped pairwise strings and always have
// equal length.
type AlignedPosition struct {
	AnchorBegin         uint32
	AnchorEnd           uint32
	QueryBegin          uint16
	QueryEnd            uint16
	IsReverseComplement bool
	NumSubstitutions    uint16
	NumInsertions       uint16
	NumDeletions        uint16
	Anchor              string
	Query               string
}

// Less orders positions by anchor begin, then query begin, with forward
// orientation before reverse-complement.
func (p *AlignedPosition) Less(o *AlignedPosition) bool {
	if p.AnchorBegin != o.AnchorBegin {
		return p.AnchorBegin < o.AnchorBegin
	}
	if p.QueryBegin != o.QueryBegin {
		return p.QueryBegin < o.QueryBegin
	}
	return !p.IsReverseComplement && o.IsReverseComplement
}

// SortPositions sorts positions into the default order.
func SortPositions(positions []AlignedPosition) {
	sort.SliceStable(positions, func(i, j int) bool {
		return positions[i].Less(&positions[j])
	})
}

// Read is one query read and its candidate positions. LoadNextRead fills a
// caller-supplied Read; the reader keeps no reference to it.
type Read struct {
	Name      string
	Length    uint16
	Positions []AlignedPosition
}
