package split

import (
	"math/rand/v2"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// GenerateInputs creates a Float32 input bundle with values uniformly drawn from [-1, 1), for an input
// shaped dims split in num parts along axis. The same seed always generates the same values.
func GenerateInputs(dims []int, axis, num int, seed uint64) (*Inputs, error) {
	if len(dims) == 0 {
		return nil, errors.New("cannot generate inputs for a scalar")
	}
	if num < 1 {
		return nil, errors.Errorf("number of splits must be >= 1, got %d", num)
	}
	if axis < -len(dims) || axis >= len(dims) {
		return nil, errors.Errorf("split axis %d out of range for dimensions %v", axis, dims)
	}
	if axis < 0 {
		axis += len(dims)
	}
	if dims[axis]%num != 0 {
		return nil, errors.Errorf("dimension %d of %v cannot be split in %d equal parts", axis, dims, num)
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x5DEECE66D))
	in := &Inputs{
		X:    randomTensor(rng, dims),
		Axis: axis,
		Num:  num,
	}
	outDims := make([]int, len(dims))
	copy(outDims, dims)
	outDims[axis] /= num
	in.UpstreamGrads = make([]*tensors.Tensor, num)
	for ii := range num {
		in.UpstreamGrads[ii] = randomTensor(rng, outDims)
	}
	if err := in.Validate(); err != nil {
		in.Finalize()
		return nil, err
	}
	return in, nil
}

func randomTensor(rng *rand.Rand, dims []int) *tensors.Tensor {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	values := make([]float32, size)
	for ii := range values {
		values[ii] = 2*rng.Float32() - 1
	}
	return tensors.FromFlatDataAndDimensions(values, dims...)
}
