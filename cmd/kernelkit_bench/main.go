// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// kernelkit_bench tunes the built-in sample kernels and records the winning
// configurations in a tuning database, so later processes start from tuned
// entries instead of paying the candidate search at first dispatch.
//
// Usage:
//
//	kernelkit_bench [flags]
//
// Without flags it tunes every sample kernel over the default size sweep on
// the default backend, writing to the default database (see
// $KERNELKIT_TUNEDB). A YAML plan (-config) scripts larger runs; flags given
// on the command line override the plan's top-level fields:
//
//	db: /var/cache/kernelkit/tunedb
//	backend: cpu:2
//	warmup: 10
//	iters: 50
//	kernels:
//	  - name: saxpy_f32
//	    sizes: [4096, 1048576]
//	    candidates: "TILE=1024;TILE=4096,num_warps=8"
//	  - name: sum_partials_f32
//	    constants: "BLOCK=8192"
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/kernelkit/backends"
	_ "github.com/gomlx/kernelkit/backends/default"
	"github.com/gomlx/kernelkit/dispatch"
	"github.com/gomlx/kernelkit/kernels"
	"github.com/gomlx/kernelkit/tunedb"
	"github.com/gomlx/kernelkit/tuning"
	"github.com/gomlx/kernelkit/types"
	"github.com/gomlx/kernelkit/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

var (
	flagDB = flag.String("db", "", "Directory of the tuning database to seed. "+
		"Default is $KERNELKIT_TUNEDB, or a \"kernelkit/tunedb\" sub-directory of the user cache directory.")
	flagBackend = flag.String("backend", "", "Backend configuration, formatted as \"<name>\" or \"<name>:<config>\". "+
		"Default is $KERNELKIT_BACKEND, or the first registered backend.")
	flagConfig = flag.String("config", "", "YAML benchmark plan to run. "+
		"Flags given on the command line override the plan's top-level fields.")
	flagList    = flag.Bool("list", false, "Lists the sample kernels and their default candidates, then exits.")
	flagKernels = flag.String("kernels", "", "Comma-separated subset of the sample kernels to tune. "+
		"Default is all of them. See -list for the names.")
	flagSizes = flag.String("sizes", "", "Comma-separated problem sizes to sweep, e.g. \"4096,1_048_576\". "+
		"Overrides the plan and the default sweep.")
	flagCandidates = flag.String("candidates", "", "Candidate configurations replacing each selected kernel's "+
		"built-in set, e.g. \"TILE=1024;TILE=4096,num_warps=8\". Constant names must match the kernel, "+
		"so this is mostly useful together with -kernels.")
	flagConstants = flag.String("constants", "", "Compile-time constants pinned on every dispatch, "+
		"e.g. \"TILE=4096\". Pinned values win over tuning, and every name must be a declared "+
		"parameter of the selected kernels.")
	flagWarmup = flag.Int("warmup", tuning.DefaultWarmup, "Warm-up launches before timing each candidate.")
	flagIters  = flag.Int("iters", tuning.DefaultBenchIters, "Timed launches per candidate; the minimum latency wins.")
	flagQuiet  = flag.Bool("quiet", false, "Disables the interactive tuning progress display.")
)

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() > 0 {
		klog.Errorf("kernelkit_bench takes no positional arguments. See 'kernelkit_bench -help'.")
		os.Exit(1)
	}
	if *flagList {
		listSamples()
		return
	}
	err := exceptions.TryCatch[error](runBench)
	if err != nil {
		klog.Fatalf("Tuning failed: %+v", err)
	}
}

// plan is the YAML shape of -config. Top-level fields mirror the flags;
// numeric fields are pointers so an absent field is told apart from zero.
type plan struct {
	DB      string       `yaml:"db"`
	Backend string       `yaml:"backend"`
	Warmup  *int         `yaml:"warmup"`
	Iters   *int         `yaml:"iters"`
	Sizes   []int        `yaml:"sizes"`
	Kernels []planKernel `yaml:"kernels"`
}

// planKernel narrows or overrides the defaults for one sample kernel.
type planKernel struct {
	Name       string `yaml:"name"`
	Sizes      []int  `yaml:"sizes"`
	Candidates string `yaml:"candidates"`
	Constants  string `yaml:"constants"`
}

// settings is the resolved bench configuration after merging the plan and
// the command line.
type settings struct {
	db      string
	backend string
	warmup  int
	iters   int
	sizes   []int
	kernels []planKernel
}

var defaultSweep = []int{1 << 12, 1 << 16, 1 << 20}

// loadPlan reads the -config plan, if any, and merges it with the command
// line. A plan field applies only when the matching flag was not given.
func loadPlan() settings {
	var p plan
	if *flagConfig != "" {
		must.M(yaml.Unmarshal(must.M1(os.ReadFile(*flagConfig)), &p))
	}
	onCmdLine := types.MakeSet[string]()
	flag.Visit(func(f *flag.Flag) { onCmdLine.Insert(f.Name) })

	s := settings{
		db:      *flagDB,
		backend: *flagBackend,
		warmup:  *flagWarmup,
		iters:   *flagIters,
		sizes:   defaultSweep,
		kernels: p.Kernels,
	}
	if p.DB != "" && !onCmdLine.Has("db") {
		s.db = p.DB
	}
	if p.Backend != "" && !onCmdLine.Has("backend") {
		s.backend = p.Backend
	}
	if p.Warmup != nil && !onCmdLine.Has("warmup") {
		s.warmup = *p.Warmup
	}
	if p.Iters != nil && !onCmdLine.Has("iters") {
		s.iters = *p.Iters
	}
	if len(p.Sizes) > 0 {
		s.sizes = p.Sizes
	}
	if onCmdLine.Has("sizes") {
		s.sizes = must.M1(parseSizes(*flagSizes))
	}
	return s
}

// parseSizes parses a comma-separated list of positive problem sizes.
// Underscore digit separators and 0x/0b prefixes are accepted.
func parseSizes(list string) ([]int, error) {
	var sizes []int
	for _, field := range strings.Split(list, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := strconv.ParseInt(strings.ReplaceAll(field, "_", ""), 0, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid problem size %q", field)
		}
		if v <= 0 {
			return nil, errors.Errorf("problem size %q is not positive", field)
		}
		sizes = append(sizes, int(v))
	}
	return sizes, nil
}

// run is one fully resolved tuning pass: a sample kernel, the sizes to
// sweep and its (possibly overridden) search space.
type run struct {
	sample     sample
	sizes      []int
	candidates []*kernels.Config
	constants  kernels.Constants
}

// selectRuns resolves which samples to tune and with what settings. Unknown
// kernel names are reported and skipped.
func selectRuns(s settings) []run {
	byName := make(map[string]sample)
	var order []string
	for _, smp := range builtinSamples() {
		byName[smp.name] = smp
		order = append(order, smp.name)
	}
	planFor := make(map[string]planKernel, len(s.kernels))
	for _, pk := range s.kernels {
		if _, found := byName[pk.Name]; !found {
			klog.Errorf("Plan kernel %q is not a sample kernel, skipping. See 'kernelkit_bench -list'.", pk.Name)
			continue
		}
		planFor[pk.Name] = pk
	}

	var selected []string
	switch {
	case *flagKernels != "":
		for _, name := range strings.Split(*flagKernels, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, found := byName[name]; !found {
				klog.Errorf("Kernel %q is not a sample kernel, skipping. See 'kernelkit_bench -list'.", name)
				continue
			}
			selected = append(selected, name)
		}
	case len(planFor) > 0:
		for _, name := range order {
			if _, found := planFor[name]; found {
				selected = append(selected, name)
			}
		}
	default:
		selected = order
	}

	var runs []run
	for _, name := range selected {
		smp := byName[name]
		r := run{sample: smp, sizes: s.sizes, candidates: smp.candidates}
		if pk, found := planFor[name]; found {
			if len(pk.Sizes) > 0 {
				r.sizes = pk.Sizes
			}
			if pk.Candidates != "" {
				r.candidates = must.M1(commandline.ParseConfigs(pk.Candidates))
			}
			if pk.Constants != "" {
				r.constants = must.M1(commandline.ParseConstants(pk.Constants))
			}
		}
		if *flagCandidates != "" {
			r.candidates = must.M1(commandline.ParseConfigs(*flagCandidates))
		}
		if *flagConstants != "" {
			r.constants = must.M1(commandline.ParseConstants(*flagConstants))
		}
		for _, n := range r.sizes {
			if n <= 0 {
				exceptions.Panicf("kernel %q: problem size %d is not positive", name, n)
			}
		}
		runs = append(runs, r)
	}
	return runs
}

func runBench() {
	s := loadPlan()
	runs := selectRuns(s)
	if len(runs) == 0 {
		fmt.Println("Nothing to tune.")
		return
	}

	backend := must.M1(backends.NewWithConfig(s.backend))
	defer backend.Finalize()
	db := must.M1(tunedb.Open(s.db))
	fmt.Printf("Backend %s, tuning database in %q.\n", backend, db.Dir())

	ctx := dispatch.NewContext(backend)
	var tuned []*tuning.Tuner
	for _, r := range runs {
		tuner := tuning.New(r.sample.name, r.sample.keyBy, r.candidates).
			WithDB(db).
			WithWarmup(s.warmup).
			WithBenchIters(s.iters)
		if !*flagQuiet {
			tuner = commandline.AttachProgressBar(tuner)
		}
		disp := dispatch.New(ctx, r.sample.build(tuner))
		for _, n := range r.sizes {
			args := r.sample.args(n)
			if len(r.constants) == 0 {
				must.M1(disp.Dispatch(args...))
			} else {
				must.M1(disp.DispatchWith(r.constants, args...))
			}
		}
		tuned = append(tuned, tuner)
	}

	// Flushes every tuner's fresh rows to the database.
	ctx.Finalize()

	for _, tuner := range tuned {
		commandline.ReportTuned(tuner)
	}
}

func listSamples() {
	fmt.Println(titleStyle.Render("Sample Kernels"))
	table := commandline.NewPlainTable(true)
	table.Row("Kernel", "Problem Key", "Default Candidates")
	for _, smp := range builtinSamples() {
		cfgs := make([]string, 0, len(smp.candidates))
		for _, cfg := range smp.candidates {
			cfgs = append(cfgs, cfg.String())
		}
		table.Row(smp.name, strings.Join(smp.keyBy, ","), strings.Join(cfgs, "  "))
	}
	fmt.Println(table.Render())
}
