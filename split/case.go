package split

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Case is one scenario checked in one precision: an inputs archive and the reference
// archives recorded for each execution mode.
type Case struct {
	Name      string
	Precision Precision

	Inputs          string
	EagerReference  string
	StaticReference string
}

// InputsFileName is the default inputs archive name of a case, e.g. "inputs_case1.npz".
func InputsFileName(caseName string) string {
	return fmt.Sprintf("inputs_%s.npz", caseName)
}

// ReferenceFileName is the default reference archive name, e.g. "static_develop_res_case1_fp16.npz".
func ReferenceFileName(caseName string, mode Mode, precision Precision) string {
	return fmt.Sprintf("%s_develop_res_%s_%s.npz", mode, caseName, precision.Suffix())
}

// NewCases returns the case named caseName in each of the given precisions (all if none given),
// using the default archive names.
func NewCases(caseName string, precisions ...Precision) []Case {
	if len(precisions) == 0 {
		precisions = Precisions
	}
	cases := make([]Case, 0, len(precisions))
	for _, p := range precisions {
		cases = append(cases, Case{
			Name:            caseName,
			Precision:       p,
			Inputs:          InputsFileName(caseName),
			EagerReference:  ReferenceFileName(caseName, Eager, p),
			StaticReference: ReferenceFileName(caseName, Static, p),
		})
	}
	return cases
}

// Reference returns the reference archive name of the mode.
func (c Case) Reference(mode Mode) string {
	if mode == Static {
		return c.StaticReference
	}
	return c.EagerReference
}

func (c Case) String() string {
	return fmt.Sprintf("%s/%s", c.Name, c.Precision)
}

// Check is one of the two verification protocols.
type Check int

const (
	// Accuracy compares freshly computed results with the recorded reference.
	Accuracy Check = iota
	// Stability compares repeated evaluations with a baseline evaluation.
	Stability
)

// Checks lists both verification protocols.
var Checks = []Check{Accuracy, Stability}

func (c Check) String() string {
	switch c {
	case Accuracy:
		return "accuracy"
	case Stability:
		return "stability"
	default:
		return "invalid"
	}
}

// ParseChecks parses a comma-separated list of checks. An empty list means both.
func ParseChecks(list string) ([]Check, error) {
	if strings.TrimSpace(list) == "" {
		return Checks, nil
	}
	var result []Check
	for _, part := range strings.Split(list, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "accuracy":
			result = append(result, Accuracy)
		case "stability":
			result = append(result, Stability)
		default:
			return nil, errors.Errorf("unknown check %q, valid values are accuracy or stability", part)
		}
	}
	return result, nil
}

// CheckError is returned when a check finds results that differ from what they should be.
type CheckError struct {
	Case  Case
	Mode  Mode
	Check Check

	// Iteration of the stability check that differed from the baseline. Not used by accuracy checks.
	Iteration int

	// Diffs of the tensors that were not equal.
	Diffs []*Diff
}

func (e *CheckError) Error() string {
	var sb strings.Builder
	for ii, d := range e.Diffs {
		if ii > 0 {
			sb.WriteString("\n")
		}
		if e.Check == Stability {
			fmt.Fprintf(&sb, "split %s %s is unstable in %s dtype (repetition %d differs from baseline)",
				e.Mode, d.Name, e.Case.Precision, e.Iteration)
		} else {
			fmt.Fprintf(&sb, "split %s %s differs from the reference in %s dtype", e.Mode, d.Name, e.Case.Precision)
		}
		sb.WriteString(": ")
		sb.WriteString(d.String())
	}
	return sb.String()
}

// NumMismatches returns the total number of mismatching elements in all diffs.
func (e *CheckError) NumMismatches() int {
	var total int
	for _, d := range e.Diffs {
		total += d.NumMismatches
	}
	return total
}
