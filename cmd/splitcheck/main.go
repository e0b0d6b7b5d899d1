// splitcheck checks the split operator and its gradient, in eager and static execution modes,
// against recorded reference results, and checks that repeated evaluations are stable.
//
// Typical usage:
//
//	splitcheck -dir=./testdata -gen=4,6,8 -axis=1 -num=2   # Generate inputs_case1.npz.
//	splitcheck -dir=./testdata -record                     # Record the references with the current GoMLX.
//	splitcheck -dir=./testdata -report=results.parquet     # Check.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/splitcheck/internal/fixtures"
	"github.com/gomlx/splitcheck/internal/report"
	"github.com/gomlx/splitcheck/split"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagDir  = flag.String("dir", ".", "Directory with the inputs and reference archives.")
	flagCase = flag.String("case", "case1", "Name of the case: it defines the default archive names, "+
		"e.g. inputs_case1.npz and eager_develop_res_case1_fp32.npz.")
	flagInputs = flag.String("inputs", "", "Name of the inputs archive, if different from inputs_<case>.npz.")

	flagPrecisions = flag.String("precisions", "", "Comma-separated list of precisions to check: "+
		"float32, float16, bfloat16. Default is all.")
	flagModes  = flag.String("modes", "", "Comma-separated list of execution modes to check: eager, static. Default is both.")
	flagChecks = flag.String("checks", "", "Comma-separated list of checks: accuracy, stability. Default is both.")

	flagRepeats    = flag.Int("repeats", split.DefaultRepeats, "Number of repetitions of the stability checks.")
	flagTolerances = flag.String("tolerances", "", "YAML file with the tolerance table (atol/rtol per dtype), "+
		"used to qualify mismatches in the reports.")
	flagBackend = flag.String("backend", backends.DefaultConfig, "GoMLX backend configuration, e.g. \"xla:cpu\". "+
		"The split gradient needs the Pad operation, so the pure Go backend (\"go\") can't be used.")

	flagHFRepo = flag.String("hf_repo", "", "HuggingFace repository to download archives not found in -dir.")

	flagRecord = flag.Bool("record", false, "Record the reference archives with the current framework, instead of checking them.")
	flagGen    = flag.String("gen", "", "Generate the inputs archive for an input with the given comma-separated "+
		"dimensions (e.g. \"4,6,8\"), using -axis, -num and -seed.")
	flagAxis = flag.Int("axis", 0, "Split axis used by -gen.")
	flagNum  = flag.Int("num", 2, "Number of splits used by -gen.")
	flagSeed = flag.Uint64("seed", 42, "Random seed used by -gen.")

	flagReport   = flag.String("report", "", "If set, save the results to this parquet file.")
	flagProgress = flag.Bool("progress", true, "Display a progress bar during stability checks.")
)

func init() {
	klog.InitFlags(nil)
}

func main() {
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("Unknown arguments %q. See 'splitcheck -help'.", flag.Args())
		os.Exit(1)
	}

	store := fixtures.NewStore(*flagDir).WithHub(*flagHFRepo, os.Getenv("HF_TOKEN"))
	inputsName := *flagInputs
	if inputsName == "" {
		inputsName = split.InputsFileName(*flagCase)
	}

	if *flagGen != "" {
		must.M(generate(store, inputsName))
		return
	}

	precisions := must.M1(split.ParsePrecisions(*flagPrecisions))
	cases := split.NewCases(*flagCase, precisions...)
	for ii := range cases {
		cases[ii].Inputs = inputsName
	}
	describeInputs(store, inputsName)

	backend, err := backends.NewWithConfig(*flagBackend)
	if err != nil {
		klog.Fatalf("Failed to create backend %q: %+v", *flagBackend, err)
	}
	defer backend.Finalize()
	for _, precision := range precisions {
		if err := split.CheckBackend(backend, precision); err != nil {
			klog.Fatalf("Backend %q can't run the checks: %+v", *flagBackend, err)
		}
	}
	checker := split.NewChecker(backend, store).WithRepeats(*flagRepeats)
	if *flagTolerances != "" {
		checker = checker.WithTolerances(must.M1(split.LoadTolerances(*flagTolerances)))
	}

	if *flagRecord {
		for _, cs := range cases {
			if err := checker.Record(cs); err != nil {
				klog.Fatalf("Failed to record references: %+v", err)
			}
			fmt.Printf("Recorded %q and %q\n", cs.EagerReference, cs.StaticReference)
		}
		return
	}

	modes := must.M1(split.ParseModes(*flagModes))
	checks := must.M1(split.ParseChecks(*flagChecks))
	rows := runChecks(checker, cases, modes, checks)
	printResults(rows)
	if *flagReport != "" {
		must.M(report.WriteFile(*flagReport, rows))
		fmt.Printf("Results saved to %q\n", *flagReport)
	}
	if _, failed := report.Count(rows); failed > 0 {
		os.Exit(1)
	}
}

// generate creates the inputs archive from the -gen, -axis, -num and -seed flags.
func generate(store *fixtures.Store, inputsName string) error {
	var dims []int
	for _, part := range strings.Split(*flagGen, ",") {
		dim, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || dim <= 0 {
			return errors.Errorf("invalid dimension %q in -gen=%q", part, *flagGen)
		}
		dims = append(dims, dim)
	}
	in, err := split.GenerateInputs(dims, *flagAxis, *flagNum, *flagSeed)
	if err != nil {
		return err
	}
	defer in.Finalize()
	if err = split.SaveInputs(store, inputsName, in); err != nil {
		return err
	}
	fmt.Printf("Generated %q: x shaped %s, split in %d along axis %d\n",
		store.LocalPath(inputsName), in.X.Shape(), in.Num, in.Axis)
	return nil
}

// describeInputs prints a summary of the inputs archive. Errors are reported later by the checks.
func describeInputs(store *fixtures.Store, inputsName string) {
	in, err := split.LoadInputs(store, inputsName, split.Float32)
	if err != nil {
		klog.Warningf("Inputs %q: %v", inputsName, err)
		return
	}
	defer in.Finalize()
	fmt.Println(titleStyle.Render("Inputs"))
	table := newKeyValueTable().
		Row("archive", inputsName).
		Row("x", in.X.Shape().String()).
		Row("# elements", humanize.Comma(int64(in.X.Size()))).
		Row("# bytes", humanize.Bytes(uint64(in.X.Memory()))).
		Row("split", fmt.Sprintf("%d parts along axis %d", in.Num, in.Axis))
	fmt.Println(table.Render())
}

// runChecks runs all combinations of cases, modes and checks.
func runChecks(checker *split.Checker, cases []split.Case, modes []split.Mode, checks []split.Check) []report.Row {
	var bar *progressbar.ProgressBar
	if *flagProgress {
		checker.WithProgress(func(cs split.Case, mode split.Mode, repetition, total int) {
			if bar == nil {
				bar = progressbar.NewOptions(total,
					progressbar.OptionSetDescription(fmt.Sprintf("%s/%s stability", cs, mode)),
					progressbar.OptionSetTheme(progressbar.ThemeASCII),
					progressbar.OptionShowCount(),
					progressbar.OptionClearOnFinish(),
				)
			}
			_ = bar.Set(repetition)
			if repetition == total {
				_ = bar.Finish()
				bar = nil
			}
		})
	}

	var rows []report.Row
	for _, cs := range cases {
		for _, mode := range modes {
			for _, check := range checks {
				row := checker.Report(cs, mode, check)
				if !row.Passed {
					klog.Errorf("%s/%s %s: %s", cs, mode, check, row.Error)
				}
				rows = append(rows, row)
				if bar != nil {
					_ = bar.Exit()
					bar = nil
				}
			}
		}
	}
	return rows
}

func printResults(rows []report.Row) {
	fmt.Println(titleStyle.Render("Results"))
	table := newResultsTable()
	for _, row := range rows {
		table.add(row)
	}
	fmt.Println(table)
	passed, failed := report.Count(rows)
	fmt.Printf("%d passed, %d failed\n", passed, failed)
}
