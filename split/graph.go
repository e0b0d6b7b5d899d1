package split

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gopjrt/dtypes"
)

// This file builds the operator under test, and its gradient, with GoMLX ops.
// As in GoMLX graph building functions, they panic (throw exceptions) in case of errors.

// splitOp splits x along axis in num equally shaped values, using SliceAxis.
func splitOp(x *Node, axis, num int) []*Node {
	axis = AdjustAxisToOperandRank(x, axis)
	dim := x.Shape().Dim(axis)
	if num < 1 || dim%num != 0 {
		exceptions.Panicf("split: dimension %d (size=%d) not evenly divisible by number of outputs (%d)",
			axis, dim, num)
	}
	splitSize := dim / num
	outputs := make([]*Node, num)
	currentStart := 0
	for ii := range num {
		end := currentStart + splitSize
		outputs[ii] = SliceAxis(x, axis, AxisRange(currentStart, end))
		currentStart = end
	}
	return outputs
}

// castIn converts x to the compute dtype of the precision, if it differs from the storage dtype.
func castIn(x *Node, precision Precision) *Node {
	if !precision.castsInside() {
		return x
	}
	return ConvertDType(x, precision.ComputeDType())
}

// castOut converts x back to the storage dtype of the precision.
func castOut(x *Node, precision Precision) *Node {
	if x.DType() == precision.StorageDType() {
		return x
	}
	return ConvertDType(x, precision.StorageDType())
}

// forwardGraph returns the split outputs of x, in the storage dtype.
func forwardGraph(x *Node, axis, num int, precision Precision) []*Node {
	outputs := splitOp(castIn(x, precision), axis, num)
	for ii, out := range outputs {
		outputs[ii] = castOut(out, precision)
	}
	return outputs
}

// forwardAndGradientGraph returns the split outputs of x and the gradient of x, seeded with the
// upstream gradients (one per split output): that is, the vector-Jacobian product of the split
// with the upstream gradients.
//
// The gradient is taken of sum_i ReduceAllSum(out_i * dout_i), accumulated in float32. Its
// gradient with respect to out_i is dout_i, exactly, for any precision.
func forwardAndGradientGraph(x *Node, upstreamGrads []*Node, axis, num int, precision Precision) (outputs []*Node, grad *Node) {
	if len(upstreamGrads) != num {
		exceptions.Panicf("split: got %d upstream gradients for %d outputs", len(upstreamGrads), num)
	}
	splits := splitOp(castIn(x, precision), axis, num)
	var loss *Node
	for ii, out := range splits {
		dout := castIn(upstreamGrads[ii], precision)
		term := ReduceAllSum(ConvertDType(Mul(out, StopGradient(dout)), dtypes.Float32))
		if loss == nil {
			loss = term
		} else {
			loss = Add(loss, term)
		}
	}
	grad = castOut(Gradient(loss, x)[0], precision)
	outputs = make([]*Node, num)
	for ii, out := range splits {
		outputs[ii] = castOut(out, precision)
	}
	return
}
