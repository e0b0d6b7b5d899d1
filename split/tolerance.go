package split

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Tolerance is the acceptable numeric drift of a precision.
type Tolerance struct {
	ATol float64 `yaml:"atol"`
	RTol float64 `yaml:"rtol"`
}

// Allows reports whether got is within tolerance of want: |got-want| <= atol + rtol*|want|.
func (t Tolerance) Allows(absErr, want float64) bool {
	if want < 0 {
		want = -want
	}
	return absErr <= t.ATol+t.RTol*want
}

// ToleranceTable maps a precision name ("float32", "float16", "bfloat16") to its tolerance.
//
// Checks pass or fail on exact equality: the table is only used to qualify mismatches in reports.
type ToleranceTable map[string]Tolerance

// DefaultTolerances is the tolerance table used when none is configured.
var DefaultTolerances = ToleranceTable{
	"float32":  {ATol: 1e-6, RTol: 1e-6},
	"float16":  {ATol: 1e-3, RTol: 1e-3},
	"bfloat16": {ATol: 1e-2, RTol: 1e-2},
}

// For returns the tolerance of the precision, or an error if the table has no entry for it.
func (tt ToleranceTable) For(p Precision) (Tolerance, error) {
	t, found := tt[p.String()]
	if !found {
		return Tolerance{}, errors.Errorf("no tolerance configured for dtype %q", p)
	}
	return t, nil
}

// LoadTolerances reads a YAML tolerance table, e.g.:
//
//	float16: {atol: 1e-3, rtol: 1e-3}
//
// Entries not present in the file are taken from DefaultTolerances.
func LoadTolerances(filePath string) (ToleranceTable, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tolerance table %q", filePath)
	}
	var fromFile ToleranceTable
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return nil, errors.Wrapf(err, "failed to parse tolerance table %q", filePath)
	}
	tt := make(ToleranceTable, len(DefaultTolerances)+len(fromFile))
	for name, t := range DefaultTolerances {
		tt[name] = t
	}
	for name, t := range fromFile {
		if t.ATol < 0 || t.RTol < 0 {
			return nil, errors.Errorf("tolerance table %q: negative tolerance for %q", filePath, name)
		}
		tt[name] = t
	}
	return tt, nil
}
