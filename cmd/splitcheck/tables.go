package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/splitcheck/internal/report"
)

// outcome of a check, as displayed in the results table.
type outcome int

const (
	outcomeOk outcome = iota
	// outcomeDrift is a mismatch whose errors are all within the precision's tolerance.
	outcomeDrift
	outcomeFailed
)

func rowOutcome(row report.Row) outcome {
	switch {
	case row.Passed:
		return outcomeOk
	case row.Mismatches > 0 && row.WithinTolerance:
		return outcomeDrift
	default:
		return outcomeFailed
	}
}

func (o outcome) String() string {
	switch o {
	case outcomeOk:
		return "ok"
	case outcomeDrift:
		return "FAILED (within tolerance)"
	default:
		return "FAILED"
	}
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	headerStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2).Align(lipgloss.Center)
	cellStyle   = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)

	outcomeStyles = map[outcome]lipgloss.Style{
		outcomeOk:     cellStyle,
		outcomeDrift:  cellStyle.Foreground(lipgloss.AdaptiveColor{Light: "3", Dark: "11"}),
		outcomeFailed: cellStyle.Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).Bold(true),
	}
)

// resultsTable lists one check per row, colored by its outcome.
type resultsTable struct {
	table    *lgtable.Table
	outcomes []outcome
}

var resultsColumns = []struct {
	header string
	align  lipgloss.Position
}{
	{"Case", lipgloss.Left},
	{"Precision", lipgloss.Left},
	{"Mode", lipgloss.Left},
	{"Check", lipgloss.Left},
	{"Result", lipgloss.Center},
	{"Mismatches", lipgloss.Right},
	{"Max Abs Err", lipgloss.Right},
	{"Time", lipgloss.Right},
}

func newResultsTable() *resultsTable {
	rt := &resultsTable{}
	headers := make([]string, len(resultsColumns))
	for ii, col := range resultsColumns {
		headers[ii] = col.header
	}
	rt.table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			s := outcomeStyles[rt.outcomes[row]]
			if rt.outcomes[row] == outcomeOk && row%2 == 1 {
				s = s.Faint(true)
			}
			return s.Align(resultsColumns[col].align)
		})
	return rt
}

func (rt *resultsTable) add(row report.Row) {
	o := rowOutcome(row)
	rt.outcomes = append(rt.outcomes, o)
	rt.table.Row(row.Case, row.Precision, row.Mode, row.Check, o.String(),
		humanize.Comma(row.Mismatches),
		fmt.Sprintf("%g", row.MaxAbsErr),
		row.Duration().String())
}

func (rt *resultsTable) String() string { return rt.table.Render() }

// newKeyValueTable is a borderless two-column table.
func newKeyValueTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.HiddenBorder()).
		StyleFunc(func(_, col int) lipgloss.Style {
			if col == 0 {
				return cellStyle.Bold(true).Align(lipgloss.Right)
			}
			return cellStyle
		})
}
