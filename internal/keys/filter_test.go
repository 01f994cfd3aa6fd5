package keys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilter_SimpleTerm(t *testing.T) {
	f := NewFilter(SimpleTerm(New().AppendInt(1))).Limit(1, MaxDepth)
	require.True(t, f.Selected(New().AppendInt(1)))
	require.True(t, f.Selected(New().AppendInt(1).AppendString("x")))
	require.False(t, f.Selected(New().AppendInt(2)))
	require.False(t, f.Selected(Before()))
	require.False(t, f.Selected(After()))
}

func TestFilter_RangeTermInclusive(t *testing.T) {
	min := New().AppendString("b")
	max := New().AppendString("m")
	f := NewFilter(RangeTerm(min, max, true, true)).Limit(1, MaxDepth)

	require.True(t, f.Selected(New().AppendString("b")))
	require.True(t, f.Selected(New().AppendString("hello")))
	require.True(t, f.Selected(New().AppendString("m")))
	require.False(t, f.Selected(New().AppendString("a")))
	require.False(t, f.Selected(New().AppendString("z")))
}

func TestFilter_RangeTermExclusive(t *testing.T) {
	min := New().AppendInt(10)
	max := New().AppendInt(20)
	f := NewFilter(RangeTerm(min, max, false, false)).Limit(1, MaxDepth)
	require.False(t, f.Selected(New().AppendInt(10)))
	require.True(t, f.Selected(New().AppendInt(11)))
	require.True(t, f.Selected(New().AppendInt(19)))
	require.False(t, f.Selected(New().AppendInt(20)))
}

// A backward reposition from AFTER against a [BEFORE, x] range must land
// just above x so a following LTEQ step can return x itself.
func TestFilter_NextBackwardFromAfter(t *testing.T) {
	max := New().AppendString("arigatou")
	f := NewFilter(RangeTerm(nil, max, true, true)).Limit(1, MaxDepth)

	k := After()
	require.True(t, f.Next(k, false))
	require.Positive(t, k.Compare(max), "cursor must sit above the bound")
	require.True(t, f.Selected(New().AppendString("arigatou")))
	require.False(t, f.Selected(New().AppendString("konnichiha")))
}

func TestFilter_NextForwardJumpsToLowerBound(t *testing.T) {
	min := New().AppendInt(100)
	f := NewFilter(RangeTerm(min, nil, true, true)).Limit(1, MaxDepth)

	k := Before()
	require.True(t, f.Next(k, true))
	require.Negative(t, k.Compare(New().AppendInt(100)))
	require.Positive(t, k.Compare(New().AppendInt(99)))
}

func TestFilter_NextForwardExhausted(t *testing.T) {
	max := New().AppendInt(5)
	f := NewFilter(RangeTerm(nil, max, true, true)).Limit(1, MaxDepth)
	k := New().AppendInt(6)
	require.False(t, f.Next(k, true))
}

func TestFilter_AllTerm(t *testing.T) {
	f := NewFilter(AllTerm(), SimpleTerm(New().AppendInt(3))).Limit(2, MaxDepth)
	require.True(t, f.Selected(New().AppendString("any").AppendInt(3)))
	require.False(t, f.Selected(New().AppendString("any").AppendInt(4)))
	require.False(t, f.Selected(New().AppendString("too-shallow")))
}
