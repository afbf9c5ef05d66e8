package ap

import (
	"github.com/biogo/store/interval"
)

// anchorInterval adapts one Anchor to the interval tree. Anchor coordinates
// are inclusive on disk; the tree works on half-open ranges.
type anchorInterval struct {
	anchor     Anchor
	start, end int
	id         uintptr
}

func (iv anchorInterval) Overlap(b interval.IntRange) bool {
	return iv.end > b.Start && iv.start < b.End
}

func (iv anchorInterval) ID() uintptr { return iv.id }

func (iv anchorInterval) Range() interval.IntRange {
	return interval.IntRange{Start: iv.start, End: iv.end}
}

// AnchorIndex resolves coordinate spans to the anchors covering them. It is
// immutable after construction and may be shared read-only.
type AnchorIndex struct {
	tree interval.IntTree
}

// NewAnchorIndex builds an index over anchors, typically the result of
// LoadAnchors.
func NewAnchorIndex(anchors []Anchor) (*AnchorIndex, error) {
	idx := &AnchorIndex{}
	for i, a := range anchors {
		iv := anchorInterval{
			anchor: a,
			start:  int(a.Begin),
			end:    int(a.End) + 1,
			id:     uintptr(i),
		}
		if err := idx.tree.Insert(iv, true); err != nil {
			return nil, err
		}
	}
	idx.tree.AdjustRanges()
	return idx, nil
}

// Covering returns the anchors whose inclusive [Begin, End] span overlaps
// the inclusive [begin, end] query, in tree order.
func (idx *AnchorIndex) Covering(begin, end uint32) []Anchor {
	q := anchorInterval{start: int(begin), end: int(end) + 1}
	var out []Anchor
	idx.tree.DoMatching(func(e interval.IntInterface) (done bool) {
		out = append(out, e.(anchorInterval).anchor)
		return
	}, q)
	return out
}

// Resolve returns the anchors covering an aligned position's anchor span.
func (idx *AnchorIndex) Resolve(p *AlignedPosition) []Anchor {
	return idx.Covering(p.AnchorBegin, p.AnchorEnd)
}
