// Package benchmarks implements support functionality for the benchmark tests of the split operator
// in eager and in static execution modes.
package benchmarks

import (
	"fmt"
	"testing"
	"time"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/splitcheck/split"
	"github.com/stretchr/testify/require"
)

// BenchShapes are the input dimensions benchmarked, all split in 2 along axis 1.
var BenchShapes = [][]int{
	{16, 16},
	{64, 256},
	{32, 1024, 8},
}

// shapeName returns a name for the dimensions, used in benchmark names.
func shapeName(dims []int) string {
	name := ""
	for ii, dim := range dims {
		if ii > 0 {
			name += "x"
		}
		name += fmt.Sprintf("%d", dim)
	}
	return name
}

// benchInputs generates the inputs for the dimensions, converted to the precision's storage dtype.
func benchInputs(tb testing.TB, dims []int, precision split.Precision) *split.Inputs {
	in, err := split.GenerateInputs(dims, 1, 2, 7)
	require.NoError(tb, err)
	converted, err := split.ConvertInputs(in, precision)
	in.Finalize()
	require.NoError(tb, err)
	return converted
}

// requireSameResults fails the test if got has any element different from want, listing the first mismatches.
func requireSameResults(t testing.TB, want, got *split.Result) {
	require.Len(t, got.Forward, len(want.Forward))
	require.Len(t, got.Grads, len(want.Grads))
	compare := func(name string, want, got *tensors.Tensor) {
		d := split.Compare(name, want, got, split.Tolerance{})
		require.Truef(t, d.Equal(), "%s", d)
	}
	for ii := range want.Forward {
		compare(fmt.Sprintf("forward output #%d", ii), want.Forward[ii], got.Forward[ii])
	}
	for ii := range want.Grads {
		compare(fmt.Sprintf("gradient #%d", ii), want.Grads[ii], got.Grads[ii])
	}
}

// roundDuration prints the duration with 3 significant digits, e.g. "1.23ms".
func roundDuration(d time.Duration) string {
	switch {
	case d >= time.Second:
		return d.Round(10 * time.Millisecond).String()
	case d >= time.Millisecond:
		return d.Round(10 * time.Microsecond).String()
	case d >= time.Microsecond:
		return d.Round(10 * time.Nanosecond).String()
	default:
		return d.String()
	}
}
