// Package keys implements the order-preserving composite key codec.
//
// A Key is a sequence of typed segments encoded so that lexicographic
// comparison of the encoded bytes agrees with the logical ordering of the
// segments. Cross-type ordering is fixed as:
//
//	BEFORE < null < int < float < string < bytes < AFTER
//
// Two reserved edge keys, BEFORE and AFTER, sort strictly below and above
// every real key. They exist only as cursor positions and are never stored
// in a tree.
package keys

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Segment type tags. The tag byte is the first byte of every encoded
// segment; tags are spaced so new types can be added without reordering.
const (
	tagBefore byte = 0x00 // edge marker, never stored
	tagNull   byte = 0x02
	tagInt    byte = 0x20
	tagFloat  byte = 0x30
	tagString byte = 0x40
	tagBytes  byte = 0x50
	tagAfter  byte = 0xFF // edge marker, never stored
)

// segTerm terminates every variable-length segment. Zero bytes inside
// string/bytes payloads are escaped as 0x00 0xFF so the terminator stays
// unambiguous and ordering is preserved.
const segTerm byte = 0x00

const (
	// MaxDepth bounds the number of segments in one key.
	MaxDepth = 64
)

// MaxEncodedSize returns the largest encoded key permitted for a page of
// the given size. A page must hold at least two full keys plus headers.
func MaxEncodedSize(pageSize int) int {
	m := pageSize/4 - 32
	if m < 64 {
		m = 64
	}
	if m > 2047 {
		m = 2047
	}
	return m
}

// Key is a mutable composite key. The zero value is an empty key (depth 0),
// which encodes as zero bytes and is used as the BEFORE position by
// convention of the cursor layer.
type Key struct {
	enc   []byte
	depth int
}

// New returns an empty key.
func New() *Key {
	return &Key{enc: make([]byte, 0, 64)}
}

// Before returns the reserved key sorting below all real keys.
func Before() *Key {
	return &Key{enc: []byte{tagBefore}, depth: 1}
}

// After returns the reserved key sorting above all real keys.
func After() *Key {
	return &Key{enc: []byte{tagAfter}, depth: 1}
}

// IsBefore reports whether k is the BEFORE edge key.
func (k *Key) IsBefore() bool {
	return len(k.enc) == 1 && k.enc[0] == tagBefore
}

// IsAfter reports whether k is the AFTER edge key.
func (k *Key) IsAfter() bool {
	return len(k.enc) == 1 && k.enc[0] == tagAfter
}

// Clear resets the key to empty.
func (k *Key) Clear() *Key {
	k.enc = k.enc[:0]
	k.depth = 0
	return k
}

// Depth returns the number of appended segments.
func (k *Key) Depth() int { return k.depth }

// Encoded returns the encoded bytes. The slice aliases the key's internal
// buffer and is invalidated by the next mutation.
func (k *Key) Encoded() []byte { return k.enc }

// EncodedSize returns the encoded length in bytes.
func (k *Key) EncodedSize() int { return len(k.enc) }

// SetEncoded replaces the key with a copy of raw encoded bytes.
func (k *Key) SetEncoded(raw []byte) *Key {
	k.enc = append(k.enc[:0], raw...)
	k.depth = countSegments(k.enc)
	return k
}

// Copy returns an independent copy of k.
func (k *Key) Copy() *Key {
	n := &Key{enc: make([]byte, len(k.enc)), depth: k.depth}
	copy(n.enc, k.enc)
	return n
}

// CopyTo overwrites dst with k's contents.
func (k *Key) CopyTo(dst *Key) {
	dst.enc = append(dst.enc[:0], k.enc...)
	dst.depth = k.depth
}

// Compare orders two keys by their encoded bytes.
func (k *Key) Compare(o *Key) int {
	return bytes.Compare(k.enc, o.enc)
}

// Equal reports whether the two keys have identical encodings.
func (k *Key) Equal(o *Key) bool {
	return bytes.Equal(k.enc, o.enc)
}

// HasPrefix reports whether k's encoding starts with p's encoding at a
// segment boundary.
func (k *Key) HasPrefix(p *Key) bool {
	if !bytes.HasPrefix(k.enc, p.enc) {
		return false
	}
	if len(p.enc) == 0 || len(p.enc) == len(k.enc) {
		return true
	}
	for _, r := range segmentRanges(k.enc) {
		if r[1] == len(p.enc) {
			return true
		}
	}
	return false
}

func (k *Key) edgeGuard() {
	if k.IsBefore() || k.IsAfter() {
		k.Clear()
	}
}

// AppendNull appends a null segment.
func (k *Key) AppendNull() *Key {
	k.edgeGuard()
	k.enc = append(k.enc, tagNull, segTerm)
	k.depth++
	return k
}

// AppendInt appends a signed integer segment. The payload is the value's
// big-endian two's-complement representation with the sign bit flipped,
// which makes byte order agree with numeric order across the full range.
func (k *Key) AppendInt(v int64) *Key {
	k.edgeGuard()
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v)^(1<<63))
	k.enc = append(k.enc, tagInt)
	k.enc = append(k.enc, b[:]...)
	k.enc = append(k.enc, segTerm)
	k.depth++
	return k
}

// AppendFloat appends a float64 segment. Non-negative values have the sign
// bit set; negative values have all bits flipped. NaN is rejected.
func (k *Key) AppendFloat(v float64) *Key {
	if math.IsNaN(v) {
		panic("keys: NaN is not a valid key segment")
	}
	k.edgeGuard()
	u := math.Float64bits(v)
	if u&(1<<63) != 0 {
		u = ^u
	} else {
		u |= 1 << 63
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], u)
	k.enc = append(k.enc, tagFloat)
	k.enc = append(k.enc, b[:]...)
	k.enc = append(k.enc, segTerm)
	k.depth++
	return k
}

// AppendString appends a UTF-8 string segment.
func (k *Key) AppendString(s string) *Key {
	k.edgeGuard()
	k.enc = append(k.enc, tagString)
	k.enc = appendEscaped(k.enc, []byte(s))
	k.enc = append(k.enc, segTerm)
	k.depth++
	return k
}

// AppendBytes appends an opaque byte-array segment.
func (k *Key) AppendBytes(p []byte) *Key {
	k.edgeGuard()
	k.enc = append(k.enc, tagBytes)
	k.enc = appendEscaped(k.enc, p)
	k.enc = append(k.enc, segTerm)
	k.depth++
	return k
}

// appendEscaped copies payload bytes, rewriting 0x00 as 0x00 0xFF so the
// segment terminator cannot occur inside a payload. 0x00 0xFF sorts above
// the bare terminator 0x00, so a proper prefix still sorts first.
func appendEscaped(dst, p []byte) []byte {
	for _, c := range p {
		if c == 0x00 {
			dst = append(dst, 0x00, 0xFF)
		} else {
			dst = append(dst, c)
		}
	}
	return dst
}

// TruncateTo cuts the key down to at most depth segments.
func (k *Key) TruncateTo(depth int) *Key {
	if depth <= 0 {
		return k.Clear()
	}
	if k.IsBefore() || k.IsAfter() {
		return k
	}
	rs := segmentRanges(k.enc)
	if len(rs) <= depth {
		return k
	}
	k.enc = k.enc[:rs[depth-1][1]]
	k.depth = depth
	return k
}

// Cut removes the last segment. Cutting an empty key is a no-op returning
// false.
func (k *Key) Cut() bool {
	if k.depth == 0 || k.IsBefore() || k.IsAfter() {
		return false
	}
	i := lastSegmentStart(k.enc)
	if i < 0 {
		return false
	}
	k.enc = k.enc[:i]
	k.depth--
	return true
}

// Segment decoding --------------------------------------------------------

// SegmentType identifies the decoded type of one segment.
type SegmentType uint8

const (
	SegNull SegmentType = iota
	SegInt
	SegFloat
	SegString
	SegBytes
	SegEdge
)

// Segment is one decoded key segment.
type Segment struct {
	Type   SegmentType
	Int    int64
	Float  float64
	String string
	Bytes  []byte
}

// Decode returns the decoded segments of k. Edge keys decode to a single
// SegEdge segment.
func (k *Key) Decode() ([]Segment, error) {
	if k.IsBefore() || k.IsAfter() {
		return []Segment{{Type: SegEdge}}, nil
	}
	var out []Segment
	p := k.enc
	for len(p) > 0 {
		seg, rest, err := decodeSegment(p)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
		p = rest
	}
	return out, nil
}

func decodeSegment(p []byte) (Segment, []byte, error) {
	tag := p[0]
	switch tag {
	case tagNull:
		if len(p) < 2 || p[1] != segTerm {
			return Segment{}, nil, fmt.Errorf("keys: malformed null segment")
		}
		return Segment{Type: SegNull}, p[2:], nil
	case tagInt:
		if len(p) < 10 || p[9] != segTerm {
			return Segment{}, nil, fmt.Errorf("keys: malformed int segment")
		}
		u := binary.BigEndian.Uint64(p[1:9]) ^ (1 << 63)
		return Segment{Type: SegInt, Int: int64(u)}, p[10:], nil
	case tagFloat:
		if len(p) < 10 || p[9] != segTerm {
			return Segment{}, nil, fmt.Errorf("keys: malformed float segment")
		}
		u := binary.BigEndian.Uint64(p[1:9])
		if u&(1<<63) != 0 {
			u &^= 1 << 63
		} else {
			u = ^u
		}
		return Segment{Type: SegFloat, Float: math.Float64frombits(u)}, p[10:], nil
	case tagString, tagBytes:
		payload, rest, err := unescapeTo(p[1:])
		if err != nil {
			return Segment{}, nil, err
		}
		if tag == tagString {
			return Segment{Type: SegString, String: string(payload)}, rest, nil
		}
		return Segment{Type: SegBytes, Bytes: payload}, rest, nil
	default:
		return Segment{}, nil, fmt.Errorf("keys: unknown segment tag 0x%02x", tag)
	}
}

func unescapeTo(p []byte) (payload, rest []byte, err error) {
	out := make([]byte, 0, len(p))
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c != 0x00 {
			out = append(out, c)
			continue
		}
		if i+1 < len(p) && p[i+1] == 0xFF {
			out = append(out, 0x00)
			i++
			continue
		}
		return out, p[i+1:], nil
	}
	return nil, nil, fmt.Errorf("keys: unterminated segment")
}

// countSegments walks an encoding and counts segment boundaries.
func countSegments(p []byte) int {
	if len(p) == 1 && (p[0] == tagBefore || p[0] == tagAfter) {
		return 1
	}
	n := 0
	for i := 0; i < len(p); {
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
			return n + 1 // tolerate: count the malformed tail as one segment
		}
		n++
	}
	return n
}

func lastSegmentStart(p []byte) int {
	last := -1
	for i := 0; i < len(p); {
		last = i
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
			return last
		}
	}
	return last
}

// Nudging -----------------------------------------------------------------

// NudgeRight mutates k into the immediate successor of its current
// encoding: the smallest key that sorts strictly after k.
func (k *Key) NudgeRight() *Key {
	if k.IsAfter() {
		return k
	}
	k.enc = append(k.enc, 0x00)
	return k
}

// NudgeLeft mutates k into the immediate predecessor of its current
// encoding: the largest key that sorts strictly before k. Nudging an empty
// or BEFORE key is a no-op.
func (k *Key) NudgeLeft() *Key {
	if len(k.enc) == 0 || k.IsBefore() {
		return k
	}
	if k.IsAfter() {
		return k
	}
	last := len(k.enc) - 1
	if k.enc[last] == 0x00 {
		k.enc = k.enc[:last]
		return k
	}
	// predecessor of ...X is ...(X-1) followed by high padding
	k.enc[last]--
	k.enc = append(k.enc, 0xFF)
	return k
}

// String renders the key for diagnostics.
func (k *Key) String() string {
	if k.IsBefore() {
		return "{{before}}"
	}
	if k.IsAfter() {
		return "{{after}}"
	}
	segs, err := k.Decode()
	if err != nil {
		return fmt.Sprintf("{invalid:%x}", k.enc)
	}
	var b bytes.Buffer
	b.WriteByte('{')
	for i, s := range segs {
		if i > 0 {
			b.WriteByte(',')
		}
		switch s.Type {
		case SegNull:
			b.WriteString("null")
		case SegInt:
			fmt.Fprintf(&b, "%d", s.Int)
		case SegFloat:
			fmt.Fprintf(&b, "%g", s.Float)
		case SegString:
			fmt.Fprintf(&b, "%q", s.String)
		case SegBytes:
			fmt.Fprintf(&b, "0x%x", s.Bytes)
		}
	}
	b.WriteByte('}')
	return b.String()
}
