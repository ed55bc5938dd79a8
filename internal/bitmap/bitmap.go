// Package bitmap implements fixed-size node bitmaps indexed by global node position.
//
// All set operations mutate the receiver in place and require both operands to
// have the same size. Sizes are fixed at allocation time.
package bitmap

import (
	"strconv"
	"strings"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
)

// Bitmap is a fixed-length bit vector.
type Bitmap struct {
	n uint
	b *bitset.BitSet
}

// New allocates a cleared bitmap of n bits.
func New(n int) *Bitmap {
	if n < 0 {
		n = 0
	}
	return &Bitmap{n: uint(n), b: bitset.New(uint(n))}
}

// Full allocates a bitmap of n bits with every bit set.
func Full(n int) *Bitmap {
	m := New(n)
	m.SetAll()
	return m
}

// Size returns the number of bits in the bitmap.
func (m *Bitmap) Size() int {
	return int(m.n)
}

// Set sets bit i.
func (m *Bitmap) Set(i int) {
	if i >= 0 && uint(i) < m.n {
		m.b.Set(uint(i))
	}
}

// Clear clears bit i.
func (m *Bitmap) Clear(i int) {
	if i >= 0 && uint(i) < m.n {
		m.b.Clear(uint(i))
	}
}

// Test reports whether bit i is set.
func (m *Bitmap) Test(i int) bool {
	if i < 0 || uint(i) >= m.n {
		return false
	}
	return m.b.Test(uint(i))
}

// SetAll sets every bit.
func (m *Bitmap) SetAll() {
	m.b.ClearAll()
	if m.n > 0 {
		m.b.FlipRange(0, m.n)
	}
}

// ClearAll clears every bit.
func (m *Bitmap) ClearAll() {
	m.b.ClearAll()
}

// Copy returns an independent copy. Copy of nil is nil.
func (m *Bitmap) Copy() *Bitmap {
	if m == nil {
		return nil
	}
	return &Bitmap{n: m.n, b: m.b.Clone()}
}

// And keeps only bits also set in o.
func (m *Bitmap) And(o *Bitmap) {
	m.b.InPlaceIntersection(o.b)
}

// Or adds every bit set in o.
func (m *Bitmap) Or(o *Bitmap) {
	m.b.InPlaceUnion(o.b)
}

// AndNot clears every bit set in o.
func (m *Bitmap) AndNot(o *Bitmap) {
	m.b.InPlaceDifference(o.b)
}

// Not inverts every bit.
func (m *Bitmap) Not() {
	if m.n > 0 {
		m.b.FlipRange(0, m.n)
	}
}

// Count returns the number of set bits.
func (m *Bitmap) Count() int {
	if m == nil {
		return 0
	}
	return int(m.b.Count())
}

// Overlap returns the number of bits set in both m and o.
func (m *Bitmap) Overlap(o *Bitmap) int {
	if m == nil || o == nil {
		return 0
	}
	return int(m.b.IntersectionCardinality(o.b))
}

// SubsetOf reports whether every bit set in m is also set in o.
func (m *Bitmap) SubsetOf(o *Bitmap) bool {
	if o == nil {
		return m.Count() == 0
	}
	return m.b.DifferenceCardinality(o.b) == 0
}

// Equal reports whether m and o hold the same bits.
func (m *Bitmap) Equal(o *Bitmap) bool {
	if m == nil || o == nil {
		return m == nil && o == nil
	}
	return m.n == o.n && m.b.Equal(o.b)
}

// Ffs returns the index of the first set bit, or -1.
func (m *Bitmap) Ffs() int {
	i, ok := m.b.NextSet(0)
	if !ok || i >= m.n {
		return -1
	}
	return int(i)
}

// Fls returns the index of the last set bit, or -1.
func (m *Bitmap) Fls() int {
	last := -1
	for i, ok := m.b.NextSet(0); ok && i < m.n; i, ok = m.b.NextSet(i + 1) {
		last = int(i)
	}
	return last
}

// Indices returns the set bit positions in ascending order.
func (m *Bitmap) Indices() []int {
	out := make([]int, 0, m.Count())
	for i, ok := m.b.NextSet(0); ok && i < m.n; i, ok = m.b.NextSet(i + 1) {
		out = append(out, int(i))
	}
	return out
}

// PickCnt returns a new bitmap holding the first cnt set bits of m,
// or nil if m has fewer than cnt bits set.
func (m *Bitmap) PickCnt(cnt int) *Bitmap {
	if m.Count() < cnt {
		return nil
	}
	out := New(int(m.n))
	picked := 0
	for i, ok := m.b.NextSet(0); ok && picked < cnt; i, ok = m.b.NextSet(i + 1) {
		out.b.Set(i)
		picked++
	}
	return out
}

// Fmt renders set bits as comma separated index ranges, e.g. "0-3,7".
func (m *Bitmap) Fmt() string {
	if m == nil {
		return ""
	}
	var sb strings.Builder
	idx := m.Indices()
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && idx[j+1] == idx[j]+1 {
			j++
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(idx[i]))
		if j > i {
			sb.WriteByte('-')
			sb.WriteString(strconv.Itoa(idx[j]))
		}
		i = j + 1
	}
	return sb.String()
}

// Parse builds an n-bit bitmap from the Fmt representation.
func Parse(s string, n int) (*Bitmap, error) {
	m := New(n)
	if s == "" {
		return m, nil
	}
	for _, part := range strings.Split(s, ",") {
		lo, hi := part, part
		if k := strings.IndexByte(part, '-'); k >= 0 {
			lo, hi = part[:k], part[k+1:]
		}
		a, err := strconv.Atoi(lo)
		if err != nil {
			return nil, errors.Wrapf(err, "bitmap: bad range %q", part)
		}
		b, err := strconv.Atoi(hi)
		if err != nil {
			return nil, errors.Wrapf(err, "bitmap: bad range %q", part)
		}
		if a < 0 || b < a || b >= n {
			return nil, errors.Errorf("bitmap: range %q outside 0-%d", part, n-1)
		}
		for i := a; i <= b; i++ {
			m.Set(i)
		}
	}
	return m, nil
}
