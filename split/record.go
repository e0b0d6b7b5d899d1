package split

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Record evaluates the case in both execution modes and writes the results as its reference archives,
// overwriting existing ones.
//
// References are meant to be recorded once, with a trusted version of the framework, and checked
// against afterward.
func (c *Checker) Record(cs Case) error {
	for _, mode := range Modes {
		if err := c.recordMode(cs, mode); err != nil {
			return err
		}
	}
	return nil
}

func (c *Checker) recordMode(cs Case, mode Mode) error {
	in, r, err := c.setup(cs, mode)
	if err != nil {
		return err
	}
	defer in.Finalize()
	defer r.finalize()

	result, err := r.run(in)
	if err != nil {
		return errors.WithMessagef(err, "case %s: recording %s reference", cs, mode)
	}
	defer result.Finalize()
	if err = SaveReference(c.store, cs.Reference(mode), mode, result); err != nil {
		return errors.WithMessagef(err, "case %s", cs)
	}
	klog.V(1).Infof("case %s: recorded %s reference in %q", cs, mode, c.store.LocalPath(cs.Reference(mode)))
	return nil
}
