package split

import (
	"fmt"
	"runtime"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/splitcheck/internal/fixtures"
	"github.com/pkg/errors"
)

// Result holds what a runner computed, or what a reference archive recorded: the split outputs
// and the gradients of the input.
type Result struct {
	Forward []*tensors.Tensor
	Grads   []*tensors.Tensor
}

// ForwardKey is the reference archive key of forward output idx computed in the given mode.
func ForwardKey(mode Mode, idx int) string {
	return fmt.Sprintf("out_%s_%d", mode, idx)
}

// GradKey is the reference archive key of gradient idx computed in the given mode.
func GradKey(mode Mode, idx int) string {
	return fmt.Sprintf("out_grads_%s_%d", mode, idx)
}

// LoadReference reads the reference result computed in mode for a split in num outputs.
// It expects num forward outputs and one gradient.
func LoadReference(store *fixtures.Store, name string, mode Mode, num int) (*Result, error) {
	arrays, err := store.ReadNpz(name)
	if err != nil {
		return nil, err
	}
	ref := &Result{
		Forward: make([]*tensors.Tensor, num),
		Grads:   make([]*tensors.Tensor, 1),
	}
	used := make(map[string]bool, num+1)
	for ii := range ref.Forward {
		key := ForwardKey(mode, ii)
		if ref.Forward[ii], err = fixtures.Require(arrays, name, key); err != nil {
			fixtures.Release(arrays)
			return nil, err
		}
		used[key] = true
	}
	for ii := range ref.Grads {
		key := GradKey(mode, ii)
		if ref.Grads[ii], err = fixtures.Require(arrays, name, key); err != nil {
			fixtures.Release(arrays)
			return nil, err
		}
		used[key] = true
	}
	for key, t := range arrays {
		if !used[key] {
			t.FinalizeAll()
		}
	}
	return ref, nil
}

// Arrays returns the result as named arrays, as stored in a reference archive for mode.
func (r *Result) Arrays(mode Mode) map[string]*tensors.Tensor {
	arrays := make(map[string]*tensors.Tensor, len(r.Forward)+len(r.Grads))
	for ii, t := range r.Forward {
		arrays[ForwardKey(mode, ii)] = t
	}
	for ii, t := range r.Grads {
		arrays[GradKey(mode, ii)] = t
	}
	return arrays
}

// SaveReference writes the result as the reference archive name for mode.
func SaveReference(store *fixtures.Store, name string, mode Mode, r *Result) error {
	return store.WriteNpz(name, r.Arrays(mode))
}

// Finalize releases the tensors of the result.
func (r *Result) Finalize() {
	if r == nil {
		return
	}
	for _, list := range [][]*tensors.Tensor{r.Forward, r.Grads} {
		for ii, t := range list {
			if t != nil {
				t.FinalizeAll()
				list[ii] = nil
			}
		}
	}
}

// detach moves every tensor of the result to local (host) storage, releasing its on-device buffer.
func (r *Result) detach() error {
	for _, list := range [][]*tensors.Tensor{r.Forward, r.Grads} {
		for ii, t := range list {
			err := exceptions.TryCatch[error](func() { t.ToLocal() })
			if err != nil {
				return errors.WithMessagef(err, "failed to copy output #%d to host", ii)
			}
		}
	}
	return nil
}

// checkArity verifies the result has num forward outputs and one gradient shaped like the input.
func (r *Result) checkArity(in *Inputs) error {
	if len(r.Forward) != in.Num {
		return errors.Errorf("split returned %d outputs, expected %d", len(r.Forward), in.Num)
	}
	if len(r.Grads) != 1 {
		return errors.Errorf("gradient computation returned %d gradients, expected 1", len(r.Grads))
	}
	if !r.Grads[0].Shape().Equal(in.X.Shape()) {
		return errors.Errorf("gradient shaped %s, but input is shaped %s", r.Grads[0].Shape(), in.X.Shape())
	}
	return nil
}

// reclaimDeviceMemory makes sure the temporarily allocated on-device tensors are freed.
func reclaimDeviceMemory() {
	for range 3 {
		runtime.GC()
	}
}
