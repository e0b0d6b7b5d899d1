package split

import (
	"strings"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// gradientOps are the backend operations the split and its gradient are built from.
// Pad is used by the gradient of the slices.
var gradientOps = []backends.OpType{
	backends.OpTypeSlice,
	backends.OpTypePad,
	backends.OpTypeConvertDType,
	backends.OpTypeMul,
	backends.OpTypeAdd,
	backends.OpTypeReduceSum,
}

// missingOps returns the names of the gradientOps not listed in the capabilities.
func missingOps(capabilities backends.Capabilities) []string {
	var missing []string
	for _, op := range gradientOps {
		if !capabilities.Operations[op] {
			missing = append(missing, op.String())
		}
	}
	return missing
}

// CheckBackend returns an error if backend cannot evaluate the split and its gradient in the precision.
//
// Operations are checked against the backend capabilities. The compute dtype is checked by
// converting a value to it and back, since not every backend lists all the dtypes it supports.
func CheckBackend(backend backends.Backend, precision Precision) error {
	if missing := missingOps(backend.Capabilities()); len(missing) > 0 {
		return errors.Errorf("backend %q does not support the operations %s, needed by the split gradient",
			backend.Name(), strings.Join(missing, ", "))
	}
	compute := precision.ComputeDType()
	_, err := execOnce(backend, func(inputs []*Node) []*Node {
		return []*Node{ConvertDType(ConvertDType(inputs[0], compute), dtypes.Float32)}
	}, []float32{1})
	if err != nil {
		return errors.WithMessagef(err, "backend %q does not support dtype %s", backend.Name(), compute)
	}
	return nil
}
