package split

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestCompare(t *testing.T) {
	tol := DefaultTolerances["float32"]
	nan := float32(math.NaN())
	negZero := float32(math.Copysign(0, -1))

	want := tensors.FromValue([][]float32{{1, nan, 0}, {4, 5, 6}})
	got := tensors.FromValue([][]float32{{1, nan, negZero}, {4, 5, 6}})
	d := Compare("x", want, got, tol)
	assert.True(t, d.Equal(), d.String())
	assert.Equal(t, 6, d.NumElements)

	got = tensors.FromValue([][]float32{{1, 2, 0}, {4, 5, 6.5}})
	d = Compare("x", want, got, tol)
	require.False(t, d.Equal())
	assert.Equal(t, 2, d.NumMismatches)
	require.Len(t, d.Mismatches, 2)
	assert.Equal(t, []int{0, 1}, d.Mismatches[0].Indices)
	assert.Equal(t, []int{1, 2}, d.Mismatches[1].Indices)
	assert.True(t, math.IsInf(d.MaxAbsErr, 1))
	assert.False(t, d.WithinTolerance)
	assert.Contains(t, d.String(), "2 of 6 elements differ")

	d = Compare("x", want, tensors.FromValue([]float32{1, 2}), tol)
	assert.False(t, d.ShapeMatch)
	assert.False(t, d.Equal())
	assert.Contains(t, d.String(), "got shape")
}

func TestCompareTolerance(t *testing.T) {
	want := tensors.FromValue([]float32{1, 2, 3, 4, 5})
	got := tensors.FromValue([]float32{1.0000001, 2.0000002, 3.0000002, 4.0000005, 5})
	d := Compare("x", want, got, DefaultTolerances["float32"])
	assert.False(t, d.Equal())
	assert.Equal(t, 4, d.NumMismatches)
	assert.Len(t, d.Mismatches, maxReportedMismatches)
	assert.True(t, d.WithinTolerance)
	assert.Contains(t, d.String(), "within atol")
	assert.Contains(t, d.String(), "...")
}

func TestCompareFloat16(t *testing.T) {
	toHalf := func(values ...float32) *tensors.Tensor {
		halfs := make([]float16.Float16, len(values))
		for ii, v := range values {
			halfs[ii] = float16.Fromfloat32(v)
		}
		return tensors.FromFlatDataAndDimensions(halfs, len(halfs))
	}
	want := toHalf(1, 2, 3)
	d := Compare("x", want, toHalf(1, 2, 3), DefaultTolerances["float16"])
	assert.True(t, d.Equal(), d.String())

	d = Compare("x", want, toHalf(1, 2, 3.5), DefaultTolerances["float16"])
	require.Equal(t, 1, d.NumMismatches)
	assert.Equal(t, 0.5, d.MaxAbsErr)
	assert.False(t, d.WithinTolerance)

	d = Compare("x", tensors.FromValue([]int32{1}), tensors.FromValue([]int32{1}), Tolerance{})
	assert.Error(t, d.Err)
	assert.False(t, d.Equal())
}

func TestUnflattenIndex(t *testing.T) {
	assert.Equal(t, []int{1, 2, 3}, unflattenIndex([]int{2, 3, 4}, 1*12+2*4+3))
	assert.Equal(t, []int{0}, unflattenIndex([]int{5}, 0))
	assert.Equal(t, []int{}, unflattenIndex(nil, 0))
}

func TestCompareListsAllMismatches(t *testing.T) {
	want := tensors.FromValue([]float32{1, 2, 3, 4})
	d := Compare("x", want, tensors.FromValue([]float32{0, 0, 0, 4}), Tolerance{})
	require.Equal(t, maxReportedMismatches, d.NumMismatches)
	assert.Len(t, d.Mismatches, maxReportedMismatches)
	assert.NotContains(t, d.String(), "...")

	d = Compare("x", want, tensors.FromValue([]float32{0, 0, 0, 0}), Tolerance{})
	assert.Len(t, d.Mismatches, maxReportedMismatches)
	assert.Contains(t, d.String(), "\n\t...")
}
