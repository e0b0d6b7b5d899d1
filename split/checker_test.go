package split

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/splitcheck/internal/fixtures"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// newTestChecker creates a store in a temporary directory with the inputs of "case1", and a checker reading from it.
// It skips the test if the test backend cannot compute the gradient in all precisions.
func newTestChecker(t *testing.T, dims []int, axis, num int) *Checker {
	backend := gradientBackend(t, Precisions...)
	return NewChecker(backend, newTestStore(t, dims, axis, num)).WithRepeats(3)
}

func newTestStore(t *testing.T, dims []int, axis, num int) *fixtures.Store {
	store := fixtures.NewStore(t.TempDir())
	in, err := GenerateInputs(dims, axis, num, 42)
	require.NoError(t, err)
	require.NoError(t, SaveInputs(store, InputsFileName("case1"), in))
	in.Finalize()
	return store
}

// hostRunner evaluates the split on the host: the upstream gradients are returned as the forward outputs
// and x as the gradient. The result of call number perturbCall (counting from 1) has its first gradient
// element changed. Calls are counted across all the runners it creates.
type hostRunner struct {
	perturbCall int
	calls       int
}

func (h *hostRunner) newRunner(_ Mode, _ Precision, _ *Inputs) (*runner, error) {
	return &runner{run: h.run, finalize: func() {}}, nil
}

func (h *hostRunner) run(in *Inputs) (*Result, error) {
	h.calls++
	r := &Result{}
	for _, dout := range in.UpstreamGrads {
		t, err := cloneFloatTensor(dout)
		if err != nil {
			return nil, err
		}
		r.Forward = append(r.Forward, t)
	}
	grad := tensors.CopyFlatData[float32](in.X)
	if h.calls == h.perturbCall {
		grad[0] += 1
	}
	r.Grads = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(grad, in.X.Shape().Dimensions...)}
	return r, nil
}

func TestRunners(t *testing.T) {
	x := tensors.FromValue([][]float32{{1, 2, 3, 4}, {5, 6, 7, 8}, {9, 10, 11, 12}})
	in32 := &Inputs{
		X:    x,
		Axis: 1,
		Num:  2,
		UpstreamGrads: []*tensors.Tensor{
			tensors.FromValue([][]float32{{1, 2}, {3, 4}, {5, 6}}),
			tensors.FromValue([][]float32{{7, 8}, {9, 10}, {11, 12}}),
		},
	}
	defer in32.Finalize()
	wantForward := [][][]float32{
		{{1, 2}, {5, 6}, {9, 10}},
		{{3, 4}, {7, 8}, {11, 12}},
	}
	wantGrad := [][]float32{{1, 2, 7, 8}, {3, 4, 9, 10}, {5, 6, 11, 12}}

	for _, precision := range Precisions {
		t.Run(precision.String(), func(t *testing.T) {
			backend := gradientBackend(t, precision)
			in, err := ConvertInputs(in32, precision)
			require.NoError(t, err)
			defer in.Finalize()
			want := func(rows [][]float32) any {
				if precision == Float16 {
					return halfs(rows)
				}
				return rows
			}
			checkResult := func(result *Result) {
				require.Len(t, result.Forward, 2)
				require.Len(t, result.Grads, 1)
				for ii, rows := range wantForward {
					assert.Equal(t, precision.StorageDType(), result.Forward[ii].DType())
					assert.Equal(t, want(rows), result.Forward[ii].Value())
				}
				assert.Equal(t, precision.StorageDType(), result.Grads[0].DType())
				assert.Equal(t, want(wantGrad), result.Grads[0].Value())
			}

			eager, err := NewEagerRunner(backend, precision)
			require.NoError(t, err)
			eagerResult, err := eager.Run(in)
			require.NoError(t, err)
			checkResult(eagerResult)
			eagerResult.Finalize()

			static, err := NewStaticRunner(backend, precision, in)
			require.NoError(t, err)
			_, err = static.Run(in)
			require.ErrorContains(t, err, "Startup")
			require.NoError(t, static.Startup())
			for range 2 {
				staticResult, err := static.Run(in)
				require.NoError(t, err)
				checkResult(staticResult)
				staticResult.Finalize()
			}

			other, err := ConvertInputs(&Inputs{
				X:             tensors.FromValue([][]float32{{1, 2}}),
				Axis:          1,
				Num:           2,
				UpstreamGrads: []*tensors.Tensor{tensors.FromValue([][]float32{{1}}), tensors.FromValue([][]float32{{1}})},
			}, precision)
			require.NoError(t, err)
			_, err = static.Run(other)
			require.ErrorContains(t, err, "declared as")
			other.Finalize()
			static.Finalize()
			_, err = static.Run(in)
			require.Error(t, err)
		})
	}
}

func TestCheckerRecordAndCheck(t *testing.T) {
	checker := newTestChecker(t, []int{6, 4}, 0, 3)
	var progress int
	checker.WithProgress(func(c Case, mode Mode, repetition, total int) {
		progress++
		assert.Equal(t, 3, total)
	})
	for _, cs := range NewCases("case1") {
		require.NoError(t, checker.Record(cs), cs.String())
		for _, mode := range Modes {
			require.FileExists(t, checker.Store().LocalPath(cs.Reference(mode)))
			require.NoErrorf(t, checker.Accuracy(cs, mode), "%s %s", cs, mode)
			require.NoErrorf(t, checker.Stability(cs, mode), "%s %s", cs, mode)
		}
	}
	assert.Equal(t, 3*len(Precisions)*len(Modes), progress)

	// Recorded references hold the split outputs and a gradient shaped like x.
	ref, err := LoadReference(checker.Store(), ReferenceFileName("case1", Static, Float16), Static, 3)
	require.NoError(t, err)
	defer ref.Finalize()
	require.Len(t, ref.Forward, 3)
	assert.Equal(t, []int{2, 4}, ref.Forward[0].Shape().Dimensions)
	assert.Equal(t, []int{6, 4}, ref.Grads[0].Shape().Dimensions)
	_, isHalf := ref.Grads[0].Value().([][]float16.Float16)
	assert.True(t, isHalf)
}

// perturbReference adds 1 to the element flatIdx of the recorded gradient of the case in mode.
func perturbReference(t *testing.T, store *fixtures.Store, cs Case, mode Mode, num, flatIdx int) {
	refName := cs.Reference(mode)
	ref, err := LoadReference(store, refName, mode, num)
	require.NoError(t, err)
	defer ref.Finalize()
	grad := tensors.CopyFlatData[float32](ref.Grads[0])
	grad[flatIdx] += 1
	dims := ref.Grads[0].Shape().Dimensions
	ref.Grads[0].FinalizeAll()
	ref.Grads[0] = tensors.FromFlatDataAndDimensions(grad, dims...)
	require.NoError(t, SaveReference(store, refName, mode, ref))
}

func TestCheckerDetectsDrift(t *testing.T) {
	checker := newTestChecker(t, []int{2, 6}, 1, 2)
	cs := NewCases("case1", Float32)[0]
	require.NoError(t, checker.Record(cs))
	perturbReference(t, checker.Store(), cs, Eager, 2, 7)

	err := checker.Accuracy(cs, Eager)
	require.Error(t, err)
	var checkErr *CheckError
	require.True(t, errors.As(err, &checkErr))
	assert.Equal(t, Accuracy, checkErr.Check)
	assert.Equal(t, Eager, checkErr.Mode)
	require.Len(t, checkErr.Diffs, 1)
	assert.Equal(t, 1, checkErr.NumMismatches())
	assert.Equal(t, []int{1, 1}, checkErr.Diffs[0].Mismatches[0].Indices)
	assert.False(t, checkErr.Diffs[0].WithinTolerance)
	assert.Contains(t, err.Error(), "split eager gradient #0 differs from the reference in float32 dtype")

	// The static reference is untouched.
	require.NoError(t, checker.Accuracy(cs, Static))

	row := checker.Report(cs, Eager, Accuracy)
	assert.False(t, row.Passed)
	assert.Equal(t, int64(1), row.Mismatches)
	assert.Equal(t, "float32", row.Precision)
	assert.Equal(t, "eager", row.Mode)
	assert.Equal(t, "accuracy", row.Check)
	assert.InDelta(t, 1.0, row.MaxAbsErr, 1e-6)
	assert.False(t, row.WithinTolerance)

	row = checker.Report(cs, Static, Stability)
	assert.True(t, row.Passed, row.Error)
	assert.Equal(t, int64(3), row.Repetitions)
}

func TestCheckerStaticDrift(t *testing.T) {
	checker := NewChecker(nil, newTestStore(t, []int{4, 2}, 0, 2))
	host := &hostRunner{}
	checker.newRunner = host.newRunner
	cs := NewCases("case1", Float32)[0]
	require.NoError(t, checker.Record(cs))
	perturbReference(t, checker.Store(), cs, Static, 2, 5)

	require.NoError(t, checker.Accuracy(cs, Eager))
	err := checker.Accuracy(cs, Static)
	var checkErr *CheckError
	require.True(t, errors.As(err, &checkErr), "got %v", err)
	assert.Equal(t, Static, checkErr.Mode)
	assert.Equal(t, Accuracy, checkErr.Check)
	require.Len(t, checkErr.Diffs, 1)
	assert.Equal(t, []int{2, 1}, checkErr.Diffs[0].Mismatches[0].Indices)
	assert.Contains(t, err.Error(), "split static gradient #0 differs from the reference in float32 dtype")
}

func TestCheckerUnstable(t *testing.T) {
	checker := NewChecker(nil, newTestStore(t, []int{4, 2}, 0, 2)).WithRepeats(5)
	cs := NewCases("case1", Float32)[0]
	var progress []int
	checker.WithProgress(func(_ Case, _ Mode, repetition, _ int) {
		progress = append(progress, repetition)
	})

	// The baseline is call 1, so call 4 is repetition 2.
	host := &hostRunner{perturbCall: 4}
	checker.newRunner = host.newRunner
	err := checker.Stability(cs, Static)
	var checkErr *CheckError
	require.True(t, errors.As(err, &checkErr), "got %v", err)
	assert.Equal(t, Stability, checkErr.Check)
	assert.Equal(t, Static, checkErr.Mode)
	assert.Equal(t, 2, checkErr.Iteration)
	assert.Equal(t, 1, checkErr.NumMismatches())
	assert.Equal(t, []int{0, 0}, checkErr.Diffs[0].Mismatches[0].Indices)
	assert.Contains(t, err.Error(), "split static gradient #0 is unstable in float32 dtype (repetition 2 differs from baseline)")
	assert.Equal(t, []int{1, 2}, progress)
	assert.Equal(t, 4, host.calls)

	row := checker.Report(cs, Eager, Stability)
	assert.True(t, row.Passed, row.Error)

	// A perturbed baseline makes every repetition differ: the first one is reported.
	host = &hostRunner{perturbCall: 1}
	checker.newRunner = host.newRunner
	err = checker.Stability(cs, Eager)
	require.True(t, errors.As(err, &checkErr), "got %v", err)
	assert.Equal(t, 0, checkErr.Iteration)
}

func TestCheckerLoadsReferenceBeforeCompiling(t *testing.T) {
	checker := NewChecker(nil, newTestStore(t, []int{4}, 0, 2))
	var prepared int
	checker.newRunner = func(Mode, Precision, *Inputs) (*runner, error) {
		prepared++
		return nil, errors.New("graph compilation failed")
	}
	cs := NewCases("case1", Float32)[0]
	err := checker.Accuracy(cs, Static)
	require.ErrorContains(t, err, "static_develop_res_case1_fp32.npz")
	assert.NotContains(t, err.Error(), "graph compilation failed")
	assert.Zero(t, prepared)

	// With the reference present, the runner is prepared and its failure reported.
	host := &hostRunner{}
	checker.newRunner = host.newRunner
	require.NoError(t, checker.Record(cs))
	checker.newRunner = func(Mode, Precision, *Inputs) (*runner, error) {
		prepared++
		return nil, errors.New("graph compilation failed")
	}
	require.ErrorContains(t, checker.Accuracy(cs, Static), "graph compilation failed")
	assert.Equal(t, 1, prepared)
}

func TestCheckerMissingFixtures(t *testing.T) {
	checker := NewChecker(nil, newTestStore(t, []int{4}, 0, 2))
	host := &hostRunner{}
	checker.newRunner = host.newRunner
	cs := NewCases("case1", BFloat16)[0]
	err := checker.Accuracy(cs, Static)
	require.ErrorContains(t, err, "static_develop_res_case1_bfp16.npz")
	var checkErr *CheckError
	assert.False(t, errors.As(err, &checkErr))

	cs = NewCases("case2", Float32)[0]
	require.ErrorContains(t, checker.Stability(cs, Eager), "inputs_case2.npz")

	checker.WithTolerances(ToleranceTable{})
	require.ErrorContains(t, checker.Accuracy(NewCases("case1", Float32)[0], Eager), "no tolerance")

	row := checker.Report(NewCases("case2", Float32)[0], Eager, Accuracy)
	assert.False(t, row.Passed)
	assert.False(t, row.WithinTolerance)
	assert.NotEmpty(t, row.Error)
	assert.Zero(t, host.calls)
}
