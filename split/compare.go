package split

import (
	"fmt"
	"math"
	"strings"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// maxReportedMismatches is the number of mismatching elements detailed in a Diff.
const maxReportedMismatches = 3

// Mismatch is one element that differs.
type Mismatch struct {
	Indices   []int
	Got, Want float64
}

// Diff is the result of comparing a tensor against the value it is expected to have.
type Diff struct {
	Name string

	GotShape, WantShape string
	ShapeMatch          bool

	NumElements   int
	NumMismatches int
	Mismatches    []Mismatch

	MaxAbsErr, MaxRelErr float64

	// Tolerance of the precision, and whether all elements were within it.
	Tolerance       Tolerance
	WithinTolerance bool

	// Err is set if the tensors could not be compared at all (e.g.: non-float dtypes).
	Err error
}

// Equal reports whether the tensors were exactly equal.
func (d *Diff) Equal() bool {
	return d.Err == nil && d.ShapeMatch && d.NumMismatches == 0
}

// String describes the differences found.
func (d *Diff) String() string {
	var sb strings.Builder
	switch {
	case d.Err != nil:
		fmt.Fprintf(&sb, "%s: %v", d.Name, d.Err)
	case !d.ShapeMatch:
		fmt.Fprintf(&sb, "%s: got shape %s, want %s", d.Name, d.GotShape, d.WantShape)
	case d.NumMismatches == 0:
		fmt.Fprintf(&sb, "%s: equal", d.Name)
	default:
		fmt.Fprintf(&sb, "%s: %d of %d elements differ (max abs err %g, max rel err %g",
			d.Name, d.NumMismatches, d.NumElements, d.MaxAbsErr, d.MaxRelErr)
		if d.WithinTolerance {
			fmt.Fprintf(&sb, ", within atol=%g/rtol=%g)", d.Tolerance.ATol, d.Tolerance.RTol)
		} else {
			fmt.Fprintf(&sb, ", beyond atol=%g/rtol=%g)", d.Tolerance.ATol, d.Tolerance.RTol)
		}
		for _, m := range d.Mismatches {
			fmt.Fprintf(&sb, "\n\tindex %v: got %g, want %g", m.Indices, m.Got, m.Want)
		}
		if d.NumMismatches > len(d.Mismatches) {
			sb.WriteString("\n\t...")
		}
	}
	return sb.String()
}

// Compare checks that got is exactly equal to want, element-wise.
//
// NaNs are equal to NaNs, and 0 is equal to -0. The tolerance is only used to qualify the
// differences found.
func Compare(name string, want, got *tensors.Tensor, tolerance Tolerance) *Diff {
	d := &Diff{
		Name:      name,
		GotShape:  got.Shape().String(),
		WantShape: want.Shape().String(),
		Tolerance: tolerance,
	}
	d.ShapeMatch = got.Shape().Equal(want.Shape())
	if !d.ShapeMatch {
		return d
	}
	d.NumElements = got.Size()
	d.WithinTolerance = true
	dims := got.Shape().Dimensions

	if got.DType() == dtypes.Float32 {
		gotFlat := tensors.CopyFlatData[float32](got)
		wantFlat := tensors.CopyFlatData[float32](want)
		for flatIdx, gotValue := range gotFlat {
			wantValue := wantFlat[flatIdx]
			if gotValue == wantValue || (math32.IsNaN(gotValue) && math32.IsNaN(wantValue)) {
				continue
			}
			absErr := float64(math32.Abs(gotValue - wantValue))
			d.record(dims, flatIdx, float64(gotValue), float64(wantValue), absErr)
		}
		return d
	}

	gotFlat, err := flatFloat64s(got)
	if err != nil {
		d.Err = err
		return d
	}
	wantFlat, err := flatFloat64s(want)
	if err != nil {
		d.Err = err
		return d
	}
	for flatIdx, gotValue := range gotFlat {
		wantValue := wantFlat[flatIdx]
		if gotValue == wantValue || (math.IsNaN(gotValue) && math.IsNaN(wantValue)) {
			continue
		}
		d.record(dims, flatIdx, gotValue, wantValue, math.Abs(gotValue-wantValue))
	}
	return d
}

// record accounts for one mismatching element.
func (d *Diff) record(dims []int, flatIdx int, got, want, absErr float64) {
	if math.IsNaN(absErr) {
		absErr = math.Inf(1)
	}
	relErr := absErr
	if den := math.Abs(want); den > 0 {
		relErr = absErr / den
	}
	d.MaxAbsErr = max(d.MaxAbsErr, absErr)
	d.MaxRelErr = max(d.MaxRelErr, relErr)
	if !d.Tolerance.Allows(absErr, want) {
		d.WithinTolerance = false
	}
	if d.NumMismatches < maxReportedMismatches {
		d.Mismatches = append(d.Mismatches, Mismatch{
			Indices: unflattenIndex(dims, flatIdx),
			Got:     got,
			Want:    want,
		})
	}
	d.NumMismatches++
}

// unflattenIndex converts a row-major flat index to per-axis indices.
func unflattenIndex(dims []int, flatIdx int) []int {
	indices := make([]int, len(dims))
	for axis := len(dims) - 1; axis >= 0; axis-- {
		if dims[axis] == 0 {
			continue
		}
		indices[axis] = flatIdx % dims[axis]
		flatIdx /= dims[axis]
	}
	return indices
}
