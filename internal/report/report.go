// Package report holds the ledger of check results, and saves it as a parquet file.
package report

import (
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
)

// Row is the result of one check of one case, in one precision and execution mode.
type Row struct {
	Case      string `parquet:"case"`
	Precision string `parquet:"precision"`
	Mode      string `parquet:"mode"`
	Check     string `parquet:"check"`

	Passed      bool  `parquet:"passed"`
	Repetitions int64 `parquet:"repetitions"`

	// Mismatches is the number of elements that differed, summed over all tensors.
	Mismatches      int64   `parquet:"mismatches"`
	MaxAbsErr       float64 `parquet:"max_abs_err"`
	WithinTolerance bool    `parquet:"within_tolerance"`

	DurationMs int64  `parquet:"duration_ms"`
	Error      string `parquet:"error,optional"`

	StartedAt time.Time `parquet:"started_at,timestamp(millisecond)"`
}

// Duration of the check.
func (r *Row) Duration() time.Duration {
	return time.Duration(r.DurationMs) * time.Millisecond
}

// Count returns the number of passed and failed rows.
func Count(rows []Row) (passed, failed int) {
	for _, row := range rows {
		if row.Passed {
			passed++
		} else {
			failed++
		}
	}
	return
}

// WriteFile saves the rows to a parquet file.
func WriteFile(filePath string, rows []Row) error {
	if err := parquet.WriteFile(filePath, rows); err != nil {
		return errors.Wrapf(err, "failed to write report to %q", filePath)
	}
	return nil
}

// ReadFile loads the rows of a parquet file saved with WriteFile.
func ReadFile(filePath string) ([]Row, error) {
	rows, err := parquet.ReadFile[Row](filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read report from %q", filePath)
	}
	return rows, nil
}
