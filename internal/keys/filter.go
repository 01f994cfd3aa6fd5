package keys

import "bytes"

// Filter restricts traversal to keys whose segments fall inside per-depth
// term ranges. A filter with terms [T0, T1] selects keys whose first
// segment satisfies T0 and whose second segment satisfies T1. Terms apply
// symmetrically to forward and backward traversal.
type Filter struct {
	terms    []Term
	minDepth int
	maxDepth int
}

// Term constrains a single key segment to a range of encoded segment
// values. A nil bound is open on that side (BEFORE below, AFTER above).
type Term struct {
	min, max         []byte
	minInc, maxInc   bool
	matchAll         bool
}

// AllTerm matches any segment value.
func AllTerm() Term { return Term{matchAll: true} }

// SimpleTerm matches exactly the first segment of k.
func SimpleTerm(k *Key) Term {
	seg := firstSegmentEncoding(k)
	return Term{min: seg, max: seg, minInc: true, maxInc: true}
}

// RangeTerm matches segments between the first segments of min and max.
// A BEFORE min or AFTER max leaves that side open.
func RangeTerm(min, max *Key, minInc, maxInc bool) Term {
	t := Term{minInc: minInc, maxInc: maxInc}
	if min != nil && !min.IsBefore() {
		t.min = firstSegmentEncoding(min)
	}
	if max != nil && !max.IsAfter() {
		t.max = firstSegmentEncoding(max)
	}
	return t
}

func firstSegmentEncoding(k *Key) []byte {
	rs := segmentRanges(k.enc)
	if len(rs) == 0 {
		return nil
	}
	seg := make([]byte, rs[0][1]-rs[0][0])
	copy(seg, k.enc[rs[0][0]:rs[0][1]])
	return seg
}

// NewFilter builds a filter from per-depth terms. Keys shallower than
// minDepth or deeper than maxDepth are rejected; by default minDepth is
// len(terms) and maxDepth is MaxDepth.
func NewFilter(terms ...Term) *Filter {
	return &Filter{terms: terms, minDepth: len(terms), maxDepth: MaxDepth}
}

// Limit sets explicit depth bounds and returns the filter.
func (f *Filter) Limit(minDepth, maxDepth int) *Filter {
	f.minDepth, f.maxDepth = minDepth, maxDepth
	return f
}

func (t Term) selects(seg []byte) bool {
	if t.matchAll {
		return true
	}
	if t.min != nil {
		c := bytes.Compare(seg, t.min)
		if c < 0 || (c == 0 && !t.minInc) {
			return false
		}
	}
	if t.max != nil {
		c := bytes.Compare(seg, t.max)
		if c > 0 || (c == 0 && !t.maxInc) {
			return false
		}
	}
	return true
}

// Selected reports whether k satisfies every applicable term and the depth
// bounds. Edge keys are never selected.
func (f *Filter) Selected(k *Key) bool {
	if k.IsBefore() || k.IsAfter() {
		return false
	}
	rs := segmentRanges(k.enc)
	if len(rs) < f.minDepth || len(rs) > f.maxDepth {
		return false
	}
	for i, t := range f.terms {
		if i >= len(rs) {
			break
		}
		if !t.selects(k.enc[rs[i][0]:rs[i][1]]) {
			return false
		}
	}
	return true
}

// Next repositions k to the nearest candidate position in the traversal
// direction so that a subsequent traverse step cannot skip a selected key.
// It returns false when the filter range is exhausted in that direction.
func (f *Filter) Next(k *Key, forward bool) bool {
	if len(f.terms) == 0 {
		return !(forward && k.IsAfter()) && !(!forward && k.IsBefore())
	}
	t := f.terms[0]
	if t.matchAll {
		return true
	}
	rs := segmentRanges(k.enc)
	var seg []byte
	if len(rs) > 0 && !k.IsBefore() && !k.IsAfter() {
		seg = k.enc[rs[0][0]:rs[0][1]]
	}
	if forward {
		if t.max != nil && seg != nil {
			c := bytes.Compare(seg, t.max)
			if c > 0 || (c == 0 && !t.maxInc) {
				return false
			}
		}
		if t.min != nil && (seg == nil || k.IsBefore() || belowMin(seg, t)) {
			// jump to the lower bound
			k.SetEncoded(t.min)
			if !t.minInc {
				k.NudgeRight()
			} else {
				k.NudgeLeft()
			}
		}
		return true
	}
	// backward
	if t.min != nil && seg != nil && !k.IsAfter() {
		c := bytes.Compare(seg, t.min)
		if c < 0 || (c == 0 && !t.minInc) {
			return false
		}
	}
	if t.max != nil && (seg == nil || k.IsAfter() || aboveMax(seg, t)) {
		// jump to the upper bound: position just above it so that an
		// LTEQ step lands on the bound itself when it exists
		k.SetEncoded(t.max)
		if t.maxInc {
			k.NudgeRight()
		}
	}
	return true
}

func belowMin(seg []byte, t Term) bool {
	c := bytes.Compare(seg, t.min)
	return c < 0 || (c == 0 && !t.minInc)
}

func aboveMax(seg []byte, t Term) bool {
	c := bytes.Compare(seg, t.max)
	return c > 0 || (c == 0 && !t.maxInc)
}

// segmentRanges returns [start,end) byte ranges of each segment.
func segmentRanges(p []byte) [][2]int {
	var out [][2]int
	for i := 0; i < len(p); {
		start := i
		tag := p[i]
		switch tag {
		case tagNull:
			i += 2
		case tagInt, tagFloat:
			i += 10
		case tagString, tagBytes:
			i++
			for i < len(p) {
				if p[i] == 0x00 {
					if i+1 < len(p) && p[i+1] == 0xFF {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
		default:
			out = append(out, [2]int{start, len(p)})
			return out
		}
		if i > len(p) {
			i = len(p)
		}
		out = append(out, [2]int{start, i})
	}
	return out
}
