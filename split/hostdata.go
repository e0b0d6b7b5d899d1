package split

import (
	"reflect"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// This file holds host-side conversions of tensor data: they never touch a backend.

// flatFloat64s returns a copy of the tensor values as float64, in row-major order.
func flatFloat64s(t *tensors.Tensor) ([]float64, error) {
	var values []float64
	var err error
	t.ConstFlatData(func(flat any) {
		switch data := flat.(type) {
		case []float32:
			values = make([]float64, len(data))
			for ii, v := range data {
				values[ii] = float64(v)
			}
		case []float64:
			values = make([]float64, len(data))
			copy(values, data)
		case []float16.Float16:
			values = make([]float64, len(data))
			for ii, v := range data {
				values[ii] = float64(v.Float32())
			}
		case []bfloat16.BFloat16:
			values = make([]float64, len(data))
			for ii, v := range data {
				values[ii] = float64(v.Float32())
			}
		default:
			err = errors.Errorf("tensor with dtype %s is not a floating point tensor", t.DType())
		}
	})
	return values, err
}

// flatFloat32s returns a copy of the tensor values as float32.
// Float64 values are rounded to the nearest float32.
func flatFloat32s(t *tensors.Tensor) ([]float32, error) {
	if t.DType() == dtypes.Float32 {
		return tensors.CopyFlatData[float32](t), nil
	}
	values, err := flatFloat64s(t)
	if err != nil {
		return nil, err
	}
	result := make([]float32, len(values))
	for ii, v := range values {
		result[ii] = float32(v)
	}
	return result, nil
}

// toStorageDType converts a floating point tensor to the given storage dtype (Float32 or Float16) on the host.
// If t already has the dtype, it is returned as is.
//
// The conversion to Float16 rounds to the nearest even value, as NumPy's astype does.
func toStorageDType(t *tensors.Tensor, dtype dtypes.DType) (*tensors.Tensor, error) {
	if t.DType() == dtype {
		return t, nil
	}
	values, err := flatFloat32s(t)
	if err != nil {
		return nil, err
	}
	dims := t.Shape().Dimensions
	switch dtype {
	case dtypes.Float32:
		return tensors.FromFlatDataAndDimensions(values, dims...), nil
	case dtypes.Float16:
		halfs := make([]float16.Float16, len(values))
		for ii, v := range values {
			halfs[ii] = float16.Fromfloat32(v)
		}
		return tensors.FromFlatDataAndDimensions(halfs, dims...), nil
	default:
		return nil, errors.Errorf("unsupported storage dtype %s", dtype)
	}
}

// cloneFloatTensor returns a local copy of a Float32 or Float16 tensor.
func cloneFloatTensor(t *tensors.Tensor) (*tensors.Tensor, error) {
	dims := t.Shape().Dimensions
	switch t.DType() {
	case dtypes.Float32:
		return tensors.FromFlatDataAndDimensions(tensors.CopyFlatData[float32](t), dims...), nil
	case dtypes.Float16:
		return tensors.FromFlatDataAndDimensions(tensors.CopyFlatData[float16.Float16](t), dims...), nil
	default:
		return nil, errors.Errorf("unsupported storage dtype %s", t.DType())
	}
}

// tensorToInts converts an integer (or float) tensor of any dtype to a slice of ints.
func tensorToInts(t *tensors.Tensor) []int {
	res := make([]int, t.Size())
	intType := reflect.TypeOf(int(0))
	t.ConstFlatData(func(flat any) {
		valueOf := reflect.ValueOf(flat)
		for ii := range valueOf.Len() {
			elemV := valueOf.Index(ii)
			res[ii] = elemV.Convert(intType).Interface().(int)
		}
	})
	return res
}

// scalarInt reads a scalar (or single element) integer tensor.
func scalarInt(t *tensors.Tensor) (int, error) {
	if t.Size() != 1 {
		return 0, errors.Errorf("expected a scalar, got a tensor shaped %s", t.Shape())
	}
	if !t.DType().IsInt() {
		return 0, errors.Errorf("expected an integer scalar, got dtype %s", t.DType())
	}
	return tensorToInts(t)[0], nil
}
