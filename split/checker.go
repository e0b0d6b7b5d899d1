package split

import (
	"fmt"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/splitcheck/internal/fixtures"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultRepeats is the number of repetitions of a stability check.
const DefaultRepeats = 50

// ProgressFn is called after each repetition of a stability check.
type ProgressFn func(c Case, mode Mode, repetition, total int)

// Checker runs the accuracy and stability checks of cases.
type Checker struct {
	backend    backends.Backend
	store      *fixtures.Store
	tolerances ToleranceTable
	repeats    int
	progressFn ProgressFn

	// newRunner prepares the evaluation of a case's inputs in a mode.
	newRunner func(mode Mode, precision Precision, in *Inputs) (*runner, error)
}

// NewChecker creates a checker executing on backend and reading archives from store.
func NewChecker(backend backends.Backend, store *fixtures.Store) *Checker {
	c := &Checker{
		backend:    backend,
		store:      store,
		tolerances: DefaultTolerances,
		repeats:    DefaultRepeats,
	}
	c.newRunner = c.backendRunner
	return c
}

// WithRepeats sets the number of repetitions of the stability checks. Default is DefaultRepeats.
func (c *Checker) WithRepeats(repeats int) *Checker {
	c.repeats = repeats
	return c
}

// WithTolerances sets the tolerance table used to qualify mismatches. Default is DefaultTolerances.
func (c *Checker) WithTolerances(tolerances ToleranceTable) *Checker {
	c.tolerances = tolerances
	return c
}

// WithProgress sets a function called after each stability repetition.
func (c *Checker) WithProgress(fn ProgressFn) *Checker {
	c.progressFn = fn
	return c
}

// Repeats returns the configured number of stability repetitions.
func (c *Checker) Repeats() int { return c.repeats }

// Store returns the store archives are read from.
func (c *Checker) Store() *fixtures.Store { return c.store }

// runner is a mode-independent evaluation of the case.
type runner struct {
	run      func(in *Inputs) (*Result, error)
	finalize func()
}

// backendRunner prepares an evaluation of the inputs in the mode on the checker's backend.
// For Static it declares and realizes the graph.
func (c *Checker) backendRunner(mode Mode, precision Precision, in *Inputs) (*runner, error) {
	switch mode {
	case Eager:
		eager, err := NewEagerRunner(c.backend, precision)
		if err != nil {
			return nil, err
		}
		return &runner{run: eager.Run, finalize: reclaimDeviceMemory}, nil
	case Static:
		static, err := NewStaticRunner(c.backend, precision, in)
		if err != nil {
			return nil, err
		}
		if err = static.Startup(); err != nil {
			static.Finalize()
			return nil, err
		}
		return &runner{run: static.Run, finalize: static.Finalize}, nil
	default:
		return nil, errors.Errorf("invalid execution mode %d", mode)
	}
}

// setup loads the inputs of the case and prepares the runner for mode.
func (c *Checker) setup(cs Case, mode Mode) (*Inputs, *runner, error) {
	in, err := LoadInputs(c.store, cs.Inputs, cs.Precision)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "case %s", cs)
	}
	r, err := c.prepare(cs, mode, in)
	if err != nil {
		in.Finalize()
		return nil, nil, err
	}
	return in, r, nil
}

func (c *Checker) prepare(cs Case, mode Mode, in *Inputs) (*runner, error) {
	r, err := c.newRunner(mode, cs.Precision, in)
	if err != nil {
		return nil, errors.WithMessagef(err, "case %s", cs)
	}
	return r, nil
}

// Accuracy checks that the results computed in mode are exactly equal to the reference recorded for mode.
// The inputs and the reference are loaded before any graph is compiled.
//
// Mismatches are returned as a *CheckError; other failures (missing archives, framework errors) as plain errors.
func (c *Checker) Accuracy(cs Case, mode Mode) error {
	tolerance, err := c.tolerances.For(cs.Precision)
	if err != nil {
		return err
	}
	in, err := LoadInputs(c.store, cs.Inputs, cs.Precision)
	if err != nil {
		return errors.WithMessagef(err, "case %s", cs)
	}
	defer in.Finalize()

	ref, err := LoadReference(c.store, cs.Reference(mode), mode, in.Num)
	if err != nil {
		return errors.WithMessagef(err, "case %s", cs)
	}
	defer ref.Finalize()

	r, err := c.prepare(cs, mode, in)
	if err != nil {
		return err
	}
	defer r.finalize()

	got, err := r.run(in)
	if err != nil {
		return errors.WithMessagef(err, "case %s", cs)
	}
	defer got.Finalize()

	diffs := compareResults(ref, got, tolerance)
	if len(diffs) > 0 {
		return &CheckError{Case: cs, Mode: mode, Check: Accuracy, Diffs: diffs}
	}
	klog.V(1).Infof("case %s: %s accuracy ok", cs, mode)
	return nil
}

// Stability checks that repeated evaluations in mode are exactly equal to a first, baseline, evaluation.
//
// Every repetition is released before the next one, so device memory doesn't accumulate.
func (c *Checker) Stability(cs Case, mode Mode) error {
	tolerance, err := c.tolerances.For(cs.Precision)
	if err != nil {
		return err
	}
	in, r, err := c.setup(cs, mode)
	if err != nil {
		return err
	}
	defer in.Finalize()
	defer r.finalize()

	baseline, err := r.run(in)
	if err != nil {
		return errors.WithMessagef(err, "case %s: baseline", cs)
	}
	defer baseline.Finalize()
	reclaimDeviceMemory()

	for repetition := range c.repeats {
		got, err := r.run(in)
		if err != nil {
			return errors.WithMessagef(err, "case %s: repetition %d", cs, repetition)
		}
		diffs := compareResults(baseline, got, tolerance)
		got.Finalize()
		if len(diffs) > 0 {
			return &CheckError{Case: cs, Mode: mode, Check: Stability, Iteration: repetition, Diffs: diffs}
		}
		if c.progressFn != nil {
			c.progressFn(cs, mode, repetition+1, c.repeats)
		}
	}
	klog.V(1).Infof("case %s: %s stability ok after %d repetitions", cs, mode, c.repeats)
	return nil
}

// Run runs the given check.
func (c *Checker) Run(cs Case, mode Mode, check Check) error {
	switch check {
	case Accuracy:
		return c.Accuracy(cs, mode)
	case Stability:
		return c.Stability(cs, mode)
	default:
		return errors.Errorf("invalid check %d", check)
	}
}

// compareResults compares every forward output and gradient of got against want, and returns the
// diffs of those that are not equal.
func compareResults(want, got *Result, tolerance Tolerance) []*Diff {
	var diffs []*Diff
	diffs = append(diffs, compareTensorLists("forward output", want.Forward, got.Forward, tolerance)...)
	diffs = append(diffs, compareTensorLists("gradient", want.Grads, got.Grads, tolerance)...)
	return diffs
}

func compareTensorLists(label string, want, got []*tensors.Tensor, tolerance Tolerance) []*Diff {
	var diffs []*Diff
	if len(want) != len(got) {
		diffs = append(diffs, &Diff{
			Name: label + "s",
			Err:  errors.Errorf("got %d tensors, want %d", len(got), len(want)),
		})
		return diffs
	}
	for ii := range want {
		d := Compare(fmt.Sprintf("%s #%d", label, ii), want[ii], got[ii], tolerance)
		if !d.Equal() {
			diffs = append(diffs, d)
		}
	}
	return diffs
}
