package split

import (
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EagerRunner evaluates the split and its gradient op by op: each invocation builds its own
// computations, executes them immediately and releases them.
type EagerRunner struct {
	backend   backends.Backend
	precision Precision
}

// NewEagerRunner creates an EagerRunner for the precision, executing on backend.
// It fails if the backend cannot compute the split gradient in the precision (see CheckBackend).
func NewEagerRunner(backend backends.Backend, precision Precision) (*EagerRunner, error) {
	if err := CheckBackend(backend, precision); err != nil {
		return nil, err
	}
	return &EagerRunner{backend: backend, precision: precision}, nil
}

// Run computes the split outputs of in.X and the gradient of in.X seeded with in.UpstreamGrads.
//
// The returned tensors are local (host) copies; the caller owns them and should call Result.Finalize.
func (r *EagerRunner) Run(in *Inputs) (*Result, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	axis, num, precision := in.Axis, in.Num, r.precision
	result := &Result{}

	forward, err := execOnce(r.backend, func(inputs []*Node) []*Node {
		return forwardGraph(inputs[0], axis, num, precision)
	}, in.X)
	if err != nil {
		return nil, errors.WithMessagef(err, "eager split forward in %s", precision)
	}
	result.Forward = forward

	args := in.Args()
	grads, err := execOnce(r.backend, func(inputs []*Node) []*Node {
		_, grad := forwardAndGradientGraph(inputs[0], inputs[1:], axis, num, precision)
		return []*Node{grad}
	}, args...)
	if err != nil {
		result.Finalize()
		return nil, errors.WithMessagef(err, "eager split gradient in %s", precision)
	}
	result.Grads = grads
	reclaimDeviceMemory()

	if err = result.checkArity(in); err != nil {
		result.Finalize()
		return nil, err
	}
	klog.V(2).Infof("eager split in %s: %d outputs shaped %s, gradient shaped %s",
		precision, len(result.Forward), result.Forward[0].Shape(), result.Grads[0].Shape())
	return result, nil
}

// execOnce builds the graph, executes it with the given arguments and releases it.
// The outputs are moved to local storage before returning.
func execOnce(backend backends.Backend, graphFn func(inputs []*Node) []*Node, args ...any) ([]*tensors.Tensor, error) {
	exec, err := NewExecAny(backend, graphFn)
	if err != nil {
		return nil, err
	}
	defer exec.Finalize()
	outputs, err := exec.Exec(args...)
	if err != nil {
		return nil, err
	}
	partial := &Result{Forward: outputs}
	if err = partial.detach(); err != nil {
		partial.Finalize()
		return nil, err
	}
	return outputs, nil
}
