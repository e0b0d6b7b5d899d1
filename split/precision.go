package split

import (
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Precision is the numeric precision a case is checked in.
//
// It determines the dtype the inputs are stored in and the dtype the split operator computes in.
type Precision int

const (
	Float32 Precision = iota
	Float16
	BFloat16
)

// Precisions lists all precision variants, in the order they are checked.
var Precisions = []Precision{Float32, Float16, BFloat16}

// String returns the dtype name used in messages and in the tolerance table.
func (p Precision) String() string {
	switch p {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case BFloat16:
		return "bfloat16"
	default:
		return "invalid"
	}
}

// Suffix is the short name used in reference file names (e.g. "eager_develop_res_case1_fp16.npz").
func (p Precision) Suffix() string {
	switch p {
	case Float32:
		return "fp32"
	case Float16:
		return "fp16"
	case BFloat16:
		return "bfp16"
	default:
		return "invalid"
	}
}

// StorageDType is the dtype of the inputs fed to the runners and of the outputs they return.
//
// BFloat16 is stored as Float32: the cast to bfloat16 happens inside the computation.
func (p Precision) StorageDType() dtypes.DType {
	switch p {
	case Float16:
		return dtypes.Float16
	default:
		return dtypes.Float32
	}
}

// ComputeDType is the dtype the split operator (and its gradient) is evaluated in.
func (p Precision) ComputeDType() dtypes.DType {
	switch p {
	case Float16:
		return dtypes.Float16
	case BFloat16:
		return dtypes.BFloat16
	default:
		return dtypes.Float32
	}
}

// castsInside reports whether the computation casts its inputs in and its outputs back out.
func (p Precision) castsInside() bool {
	return p.ComputeDType() != p.StorageDType()
}

// ParsePrecision accepts either the dtype name ("float16") or the file suffix ("fp16").
func ParsePrecision(s string) (Precision, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for _, p := range Precisions {
		if key == p.String() || key == p.Suffix() {
			return p, nil
		}
	}
	switch key {
	case "fp32", "f32":
		return Float32, nil
	case "f16", "half":
		return Float16, nil
	case "bf16", "bfp16":
		return BFloat16, nil
	}
	return Float32, errors.Errorf("unknown precision %q, valid values are float32, float16 or bfloat16", s)
}

// ParsePrecisions parses a comma-separated list of precisions. An empty list means all of them.
func ParsePrecisions(list string) ([]Precision, error) {
	if strings.TrimSpace(list) == "" {
		return Precisions, nil
	}
	var result []Precision
	for _, part := range strings.Split(list, ",") {
		p, err := ParsePrecision(part)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, nil
}

// Mode is the execution mode of the framework a result was computed with.
type Mode int

const (
	Eager Mode = iota
	Static
)

// Modes lists both execution modes.
var Modes = []Mode{Eager, Static}

func (m Mode) String() string {
	switch m {
	case Eager:
		return "eager"
	case Static:
		return "static"
	default:
		return "invalid"
	}
}

// ParseModes parses a comma-separated list of modes. An empty list means both.
func ParseModes(list string) ([]Mode, error) {
	if strings.TrimSpace(list) == "" {
		return Modes, nil
	}
	var result []Mode
	for _, part := range strings.Split(list, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "eager", "dygraph":
			result = append(result, Eager)
		case "static", "graph":
			result = append(result, Static)
		default:
			return nil, errors.Errorf("unknown execution mode %q, valid values are eager or static", part)
		}
	}
	return result, nil
}
