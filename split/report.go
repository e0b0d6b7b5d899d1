package split

import (
	"time"

	"github.com/gomlx/splitcheck/internal/report"
	"github.com/pkg/errors"
)

// Report runs the check and returns its result as a report row. Failures are recorded in the row.
func (c *Checker) Report(cs Case, mode Mode, check Check) report.Row {
	row := report.Row{
		Case:            cs.Name,
		Precision:       cs.Precision.String(),
		Mode:            mode.String(),
		Check:           check.String(),
		WithinTolerance: true,
		StartedAt:       time.Now(),
	}
	if check == Stability {
		row.Repetitions = int64(c.repeats)
	}
	err := c.Run(cs, mode, check)
	row.DurationMs = time.Since(row.StartedAt).Milliseconds()
	if err == nil {
		row.Passed = true
		return row
	}
	row.Error = err.Error()
	var checkErr *CheckError
	if errors.As(err, &checkErr) {
		row.Mismatches = int64(checkErr.NumMismatches())
		for _, d := range checkErr.Diffs {
			row.MaxAbsErr = max(row.MaxAbsErr, d.MaxAbsErr)
			if !d.WithinTolerance {
				row.WithinTolerance = false
			}
		}
		if check == Stability {
			row.Repetitions = int64(checkErr.Iteration + 1)
		}
	} else {
		row.WithinTolerance = false
	}
	return row
}
