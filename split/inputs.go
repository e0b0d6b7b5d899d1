package split

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/splitcheck/internal/fixtures"
	"github.com/pkg/errors"
)

// Keys of the arrays in an inputs archive. Upstream gradients are stored as "dout1", "dout2", ...
const (
	KeyX   = "x"
	KeyDim = "dim"
	KeyNum = "num"
)

// UpstreamGradKey returns the archive key of the upstream gradient of split output idx (0-based).
func UpstreamGradKey(idx int) string {
	return fmt.Sprintf("dout%d", idx+1)
}

// Inputs is the input bundle of a case: the array to split, how to split it and the upstream
// gradients, one per split output, used to seed the gradient computation.
type Inputs struct {
	X             *tensors.Tensor
	Axis          int
	Num           int
	UpstreamGrads []*tensors.Tensor
}

// LoadInputs reads the inputs archive name from the store and converts the arrays to the
// storage dtype of the precision: Float16 arrays are downcast on load, while BFloat16
// keeps Float32 storage.
func LoadInputs(store *fixtures.Store, name string, precision Precision) (*Inputs, error) {
	arrays, err := store.ReadNpz(name)
	if err != nil {
		return nil, err
	}
	defer fixtures.Release(arrays)
	in, err := inputsFromArrays(arrays, name, precision)
	if err != nil {
		return nil, err
	}
	in.detachFrom(arrays)
	return in, nil
}

// inputsFromArrays builds the Inputs from the arrays of the archive name.
//
// The arrays remain owned by the caller: on success the returned Inputs may share some of them
// (see detachFrom), and on failure only the tensors converted here are released.
func inputsFromArrays(arrays map[string]*tensors.Tensor, name string, precision Precision) (*Inputs, error) {
	in := &Inputs{}
	var x, dim, num *tensors.Tensor
	var err error
	if x, err = fixtures.Require(arrays, name, KeyX); err != nil {
		return nil, err
	}
	if dim, err = fixtures.Require(arrays, name, KeyDim); err != nil {
		return nil, err
	}
	if num, err = fixtures.Require(arrays, name, KeyNum); err != nil {
		return nil, err
	}
	if in.Axis, err = scalarInt(dim); err != nil {
		return nil, errors.WithMessagef(err, "fixture %q, array %q", name, KeyDim)
	}
	if in.Num, err = scalarInt(num); err != nil {
		return nil, errors.WithMessagef(err, "fixture %q, array %q", name, KeyNum)
	}
	if in.Num < 1 {
		return nil, errors.Errorf("fixture %q: %q must be >= 1, got %d", name, KeyNum, in.Num)
	}

	fail := func(err error) (*Inputs, error) {
		in.releaseConverted(arrays)
		return nil, err
	}
	storage := precision.StorageDType()
	if in.X, err = toStorageDType(x, storage); err != nil {
		return nil, errors.WithMessagef(err, "fixture %q, array %q", name, KeyX)
	}
	in.UpstreamGrads = make([]*tensors.Tensor, in.Num)
	for ii := range in.Num {
		key := UpstreamGradKey(ii)
		dout, err := fixtures.Require(arrays, name, key)
		if err != nil {
			return fail(err)
		}
		if in.UpstreamGrads[ii], err = toStorageDType(dout, storage); err != nil {
			return fail(errors.WithMessagef(err, "fixture %q, array %q", name, key))
		}
	}
	if err = in.Validate(); err != nil {
		return fail(errors.WithMessagef(err, "fixture %q", name))
	}
	return in, nil
}

// ConvertInputs returns a copy of the inputs with its arrays converted to the storage dtype of precision.
// The returned Inputs owns its tensors, independently of in.
func ConvertInputs(in *Inputs, precision Precision) (*Inputs, error) {
	storage := precision.StorageDType()
	convert := func(t *tensors.Tensor) (*tensors.Tensor, error) {
		converted, err := toStorageDType(t, storage)
		if err != nil || converted != t {
			return converted, err
		}
		return cloneFloatTensor(t)
	}
	out := &Inputs{Axis: in.Axis, Num: in.Num, UpstreamGrads: make([]*tensors.Tensor, len(in.UpstreamGrads))}
	var err error
	if out.X, err = convert(in.X); err != nil {
		return nil, err
	}
	for ii, dout := range in.UpstreamGrads {
		if out.UpstreamGrads[ii], err = convert(dout); err != nil {
			out.Finalize()
			return nil, err
		}
	}
	return out, nil
}

// releaseConverted finalizes the tensors of the Inputs that are not shared with arrays.
func (in *Inputs) releaseConverted(arrays map[string]*tensors.Tensor) {
	shared := make(map[*tensors.Tensor]bool, len(arrays))
	for _, t := range arrays {
		shared[t] = true
	}
	for _, t := range append([]*tensors.Tensor{in.X}, in.UpstreamGrads...) {
		if t != nil && !shared[t] {
			t.FinalizeAll()
		}
	}
	in.X, in.UpstreamGrads = nil, nil
}

// detachFrom removes from arrays the tensors that are used as is by the Inputs, so they are not released.
func (in *Inputs) detachFrom(arrays map[string]*tensors.Tensor) {
	used := make(map[*tensors.Tensor]bool, len(in.UpstreamGrads)+1)
	if in.X != nil {
		used[in.X] = true
	}
	for _, t := range in.UpstreamGrads {
		if t != nil {
			used[t] = true
		}
	}
	for key, t := range arrays {
		if used[t] {
			delete(arrays, key)
		}
	}
}

// Validate checks that the axis and number of splits are valid for X, and that each upstream
// gradient has the shape of the corresponding split output.
// A negative Axis counts from the end, and it is normalized by Validate.
func (in *Inputs) Validate() error {
	if in.X == nil {
		return errors.New("input array is missing")
	}
	xShape := in.X.Shape()
	rank := xShape.Rank()
	if rank == 0 {
		return errors.Errorf("cannot split a scalar (shape %s)", xShape)
	}
	axis := in.Axis
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return errors.Errorf("split axis %d out of range for input shaped %s", in.Axis, xShape)
	}
	in.Axis = axis
	if in.Num < 1 || xShape.Dimensions[axis]%in.Num != 0 {
		return errors.Errorf("input shaped %s cannot be split in %d equal parts along axis %d",
			xShape, in.Num, axis)
	}
	if len(in.UpstreamGrads) != in.Num {
		return errors.Errorf("got %d upstream gradients for %d split outputs", len(in.UpstreamGrads), in.Num)
	}
	want := in.OutputShape()
	for ii, dout := range in.UpstreamGrads {
		if dout == nil {
			return errors.Errorf("upstream gradient #%d is missing", ii)
		}
		if !dout.Shape().Equal(want) {
			return errors.Errorf("upstream gradient #%d shaped %s, but split outputs are shaped %s",
				ii, dout.Shape(), want)
		}
	}
	return nil
}

// OutputShape is the shape of each of the Num split outputs.
func (in *Inputs) OutputShape() shapes.Shape {
	shape := in.X.Shape().Clone()
	shape.Dimensions[in.Axis] /= in.Num
	return shape
}

// Args returns the tensors in the order the runners take them: X followed by the upstream gradients.
func (in *Inputs) Args() []any {
	args := make([]any, 0, len(in.UpstreamGrads)+1)
	args = append(args, in.X)
	for _, dout := range in.UpstreamGrads {
		args = append(args, dout)
	}
	return args
}

// Arrays returns the inputs as named arrays, as stored in an inputs archive.
func (in *Inputs) Arrays() map[string]*tensors.Tensor {
	arrays := map[string]*tensors.Tensor{
		KeyX:   in.X,
		KeyDim: tensors.FromScalar(int64(in.Axis)),
		KeyNum: tensors.FromScalar(int64(in.Num)),
	}
	for ii, dout := range in.UpstreamGrads {
		arrays[UpstreamGradKey(ii)] = dout
	}
	return arrays
}

// SaveInputs writes the inputs archive name into the store's directory.
func SaveInputs(store *fixtures.Store, name string, in *Inputs) error {
	if err := in.Validate(); err != nil {
		return err
	}
	arrays := in.Arrays()
	err := store.WriteNpz(name, arrays)
	arrays[KeyDim].FinalizeAll()
	arrays[KeyNum].FinalizeAll()
	return err
}

// Finalize releases the tensors of the inputs.
func (in *Inputs) Finalize() {
	if in.X != nil {
		in.X.FinalizeAll()
		in.X = nil
	}
	for ii, t := range in.UpstreamGrads {
		if t != nil {
			t.FinalizeAll()
			in.UpstreamGrads[ii] = nil
		}
	}
}
