package split

import (
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StaticRunner evaluates the split and its gradient with one computation graph, declared for
// fixed input shapes, compiled once by Startup and then executed any number of times by Run.
type StaticRunner struct {
	precision   Precision
	axis, num   int
	inputShapes []shapes.Shape

	exec      *Exec
	startedUp bool
}

// NewStaticRunner declares the graph for inputs shaped like in: the symbolic inputs are x followed by
// one upstream gradient per split output, with the storage dtype of the precision.
//
// The graph outputs are the split outputs followed by the gradient of x.
func NewStaticRunner(backend backends.Backend, precision Precision, in *Inputs) (*StaticRunner, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if err := CheckBackend(backend, precision); err != nil {
		return nil, err
	}
	r := &StaticRunner{
		precision:   precision,
		axis:        in.Axis,
		num:         in.Num,
		inputShapes: make([]shapes.Shape, 0, in.Num+1),
	}
	storage := precision.StorageDType()
	r.inputShapes = append(r.inputShapes, shapes.Make(storage, in.X.Shape().Dimensions...))
	outputShape := in.OutputShape()
	for range in.Num {
		r.inputShapes = append(r.inputShapes, shapes.Make(storage, outputShape.Dimensions...))
	}

	var err error
	r.exec, err = NewExecAny(backend, func(inputs []*Node) []*Node {
		outputs, grad := forwardAndGradientGraph(inputs[0], inputs[1:], r.axis, r.num, r.precision)
		return append(outputs, grad)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "static split in %s", precision)
	}
	return r, nil
}

// Startup realizes the graph: it is compiled by executing it once on zero-valued inputs of the declared shapes.
func (r *StaticRunner) Startup() error {
	if r.exec == nil {
		return errors.New("static runner already finalized")
	}
	args := make([]any, len(r.inputShapes))
	for ii, shape := range r.inputShapes {
		args[ii] = tensors.FromShape(shape)
	}
	outputs, err := r.call(args)
	for _, arg := range args {
		arg.(*tensors.Tensor).FinalizeAll()
	}
	if err != nil {
		return errors.WithMessagef(err, "static split startup in %s", r.precision)
	}
	for _, t := range outputs {
		t.FinalizeAll()
	}
	r.startedUp = true
	klog.V(1).Infof("static split graph in %s compiled for inputs %v", r.precision, r.inputShapes)
	return nil
}

// Run executes the graph against the numeric inputs, which must match the declared shapes and dtypes.
//
// The returned tensors are local (host) copies; the caller owns them and should call Result.Finalize.
func (r *StaticRunner) Run(in *Inputs) (*Result, error) {
	if !r.startedUp {
		return nil, errors.New("static split graph not realized: call Startup before Run")
	}
	args := in.Args()
	if len(args) != len(r.inputShapes) {
		return nil, errors.Errorf("static split graph declared with %d inputs, got %d", len(r.inputShapes), len(args))
	}
	for ii, arg := range args {
		if got := arg.(*tensors.Tensor).Shape(); !got.Equal(r.inputShapes[ii]) {
			return nil, errors.Errorf("static split graph input #%d declared as %s, got %s", ii, r.inputShapes[ii], got)
		}
	}
	outputs, err := r.call(args)
	if err != nil {
		return nil, errors.WithMessagef(err, "static split in %s", r.precision)
	}
	result := &Result{
		Forward: outputs[:r.num],
		Grads:   outputs[r.num:],
	}
	if err = result.detach(); err != nil {
		result.Finalize()
		return nil, err
	}
	if err = result.checkArity(in); err != nil {
		result.Finalize()
		return nil, err
	}
	return result, nil
}

func (r *StaticRunner) call(args []any) ([]*tensors.Tensor, error) {
	return r.exec.Exec(args...)
}

// Finalize releases the compiled graph. The runner can no longer be used.
func (r *StaticRunner) Finalize() {
	if r.exec != nil {
		r.exec.Finalize()
		r.exec = nil
	}
	r.startedUp = false
	reclaimDeviceMemory()
}
