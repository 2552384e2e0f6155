// Command iopulse drives configurable read/write workloads against
// files on a local filesystem and reports per-operation statistics.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/adrabkin/iopulse/pkg/affinity"
	"github.com/adrabkin/iopulse/pkg/config"
	"github.com/adrabkin/iopulse/pkg/ioerr"
	"github.com/adrabkin/iopulse/pkg/phase"
	"github.com/adrabkin/iopulse/pkg/result"
	"github.com/adrabkin/iopulse/pkg/target"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// Flags holds pointers to all supported CLI flags.
type Flags struct {
	ConfigFile *string

	FileSize   *string
	Duration   *time.Duration
	TotalBytes *string
	RunToDone  *bool

	ReadPct  *int
	WritePct *int
	RandIO   *bool
	SeqIO    *bool

	BlockSize  *string
	Threads    *int
	QueueDepth *int
	EngineType *string
	Direct     *bool

	Distribution  *string
	ZipfTheta     *float64
	ParetoH       *float64
	GaussianSigma *float64
	FileDist      *string

	ThinkTime     *int64
	ThinkMode     *string
	ThinkAdaptPct *float64

	Verify        *bool
	VerifyPattern *string

	CPUCores  *string
	NUMAZones *string

	NoRefill        *bool
	JSONOutput      *bool
	DryRun          *bool
	ImportLayout    *string
	Seed            *int64
	Unlink          *bool
	ContinueOnError *bool
}

func SetupFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}
	f.ConfigFile = fs.String("c", "", "Path to configuration file")

	f.FileSize = fs.String("file-size", "", "Target file size (bytes, with optional k/M/G/T suffix)")
	f.Duration = fs.Duration("duration", 0, "Run for a fixed duration")
	f.TotalBytes = fs.String("total-bytes", "", "Run until this many bytes have been transferred")
	f.RunToDone = fs.Bool("run-until-complete", false, "Run until one full sequential pass completes")

	f.ReadPct = fs.Int("read-percent", -1, "Read percentage (0-100)")
	f.WritePct = fs.Int("write-percent", -1, "Write percentage (0-100)")
	f.RandIO = fs.Bool("random", false, "Random offsets")
	f.SeqIO = fs.Bool("sequential", false, "Sequential offsets")

	f.BlockSize = fs.String("block-size", "", "I/O block size (bytes, with optional suffix)")
	f.Threads = fs.Int("threads", 0, "Number of worker threads")
	f.QueueDepth = fs.Int("queue-depth", 0, "Per-worker queue depth")
	f.EngineType = fs.String("engine", "", "I/O engine: sync, ring-a, ring-b, or mmap")
	f.Direct = fs.Bool("direct", false, "Bypass the page cache (O_DIRECT)")

	f.Distribution = fs.String("distribution", "", "Random offset distribution: uniform, zipf, pareto, or gaussian")
	f.ZipfTheta = fs.Float64("zipf-theta", 1.1, "Zipf theta shape parameter")
	f.ParetoH = fs.Float64("pareto-h", 0.8, "Pareto 80/20 knob")
	f.GaussianSigma = fs.Float64("gaussian-sigma", 0.1, "Gaussian sigma, as a fraction of the offset range")
	f.FileDist = fs.String("file-distribution", "", "File distribution: shared, per-worker, or partitioned")

	f.ThinkTime = fs.Int64("think-time", 0, "Think time between ops, in microseconds")
	f.ThinkMode = fs.String("think-mode", "", "Think mode: sleep or adaptive")
	f.ThinkAdaptPct = fs.Float64("think-adaptive-percent", 0, "Adaptive think time as a percentage of op latency")

	f.Verify = fs.Bool("verify", false, "Verify read payloads against the written pattern")
	f.VerifyPattern = fs.String("verify-pattern", "sequential", "Verification pattern: zeros, ones, sequential, or random")

	f.CPUCores = fs.String("cpu-cores", "", "CPU cores to pin workers to, e.g. 0-3,8")
	f.NUMAZones = fs.String("numa-zones", "", "NUMA zones to bind workers to, e.g. 0,1")

	f.NoRefill = fs.Bool("no-refill", false, "Fail instead of auto-filling a short target")
	f.JSONOutput = fs.Bool("json-output", false, "Emit the result document as JSON on stdout")
	f.DryRun = fs.Bool("dry-run", false, "Validate and print the resolved phase plan without running")
	f.ImportLayout = fs.String("import-layout", "", "Install worker bindings from a layout file unchanged")
	f.Seed = fs.Int64("seed", 1, "Global seed for reproducible offset streams")
	f.Unlink = fs.Bool("unlink", false, "Remove target files at teardown")
	f.ContinueOnError = fs.Bool("continue-on-error", false, "Keep running after per-op errors")
	return f
}

func usageErr(format string, args ...interface{}) int {
	fmt.Fprintf(os.Stderr, "iopulse: %s\n", fmt.Sprintf(format, args...))
	return ioerr.UsageError.ExitCode()
}

func run(args []string) int {
	fs := flag.NewFlagSet("iopulse", flag.ContinueOnError)
	f := SetupFlags(fs)
	if err := fs.Parse(args); err != nil {
		return ioerr.UsageError.ExitCode()
	}
	visited := map[string]bool{}
	fs.Visit(func(fl *flag.Flag) { visited[fl.Name] = true })

	if fs.NArg() > 1 {
		return usageErr("at most one positional target path, got %d", fs.NArg())
	}

	cfg := &config.Config{}
	if *f.ConfigFile != "" {
		loaded, err := config.Load(*f.ConfigFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "iopulse: %v\n", err)
			return ioerr.KindOf(err).ExitCode()
		}
		cfg = loaded
	}

	if code := applyOverrides(cfg, f, fs.Arg(0), visited); code != 0 {
		return code
	}

	phases, err := cfg.ToPhases()
	if err != nil {
		fmt.Fprintf(os.Stderr, "iopulse: %v\n", err)
		return ioerr.KindOf(err).ExitCode()
	}

	if *f.ImportLayout != "" {
		bindings, err := loadLayout(*f.ImportLayout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "iopulse: %v\n", err)
			return ioerr.KindOf(err).ExitCode()
		}
		for i := range phases {
			phases[i].Bindings = bindings
			phases[i].Workers = len(bindings)
		}
	}

	for _, p := range phases {
		if err := phase.Validate(p); err != nil {
			fmt.Fprintf(os.Stderr, "iopulse: %v\n", err)
			return ioerr.KindOf(err).ExitCode()
		}
	}

	if *f.DryRun {
		printPlan(phases)
		return 0
	}

	plan, code := buildAffinity(cfg)
	if code != 0 {
		return code
	}

	noRefill := *f.NoRefill
	if !visited["no-refill"] && cfg.Runtime.NoRefill != nil {
		noRefill = *cfg.Runtime.NoRefill
	}
	continueOnError := *f.ContinueOnError
	if !visited["continue-on-error"] && cfg.Runtime.ContinueOnError != nil {
		continueOnError = *cfg.Runtime.ContinueOnError
	}

	ctrl := phase.NewController(phase.Options{
		Seed:            *f.Seed,
		NoRefill:        noRefill,
		ContinueOnError: continueOnError,
		Affinity:        plan,
		Unlink:          *f.Unlink,
	})
	doc, runErr := ctrl.Run(phases)

	jsonOut := *f.JSONOutput
	if !visited["json-output"] && cfg.Output.JSON != nil {
		jsonOut = *cfg.Output.JSON
	}
	showLatency := true
	if cfg.Output.ShowLatency != nil {
		showLatency = *cfg.Output.ShowLatency
	}
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(doc)
	} else {
		printHuman(doc, showLatency)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "iopulse: %v\n", runErr)
		return ioerr.KindOf(runErr).ExitCode()
	}
	return 0
}

// applyOverrides overlays explicitly-set CLI flags onto the loaded
// config, key by key.
func applyOverrides(cfg *config.Config, f *Flags, targetPath string, visited map[string]bool) int {
	if visited["random"] && visited["sequential"] {
		return usageErr("--random and --sequential are mutually exclusive")
	}

	modes := 0
	for _, name := range []string{"duration", "total-bytes", "run-until-complete"} {
		if visited[name] {
			modes++
		}
	}
	if modes > 1 {
		return usageErr("exactly one of --duration, --total-bytes, --run-until-complete may be given")
	}
	if modes == 0 && (cfg.Workload.Completion == nil && !hasPhaseCompletion(cfg)) {
		return usageErr("a completion mode is required: --duration, --total-bytes, or --run-until-complete")
	}

	readPct := -1
	switch {
	case visited["read-percent"] && visited["write-percent"]:
		if *f.ReadPct+*f.WritePct != 100 {
			return usageErr("--read-percent and --write-percent must sum to 100")
		}
		readPct = *f.ReadPct
	case visited["read-percent"]:
		readPct = *f.ReadPct
	case visited["write-percent"]:
		readPct = 100 - *f.WritePct
	}
	if readPct >= 0 {
		cfg.Workload.Percent = &readPct
	}

	if targetPath != "" {
		size := int64(0)
		if len(cfg.Targets) == 1 && cfg.Targets[0].FileSize > 0 {
			size = int64(cfg.Targets[0].FileSize)
		}
		if visited["file-size"] {
			n, err := config.ParseSize(*f.FileSize)
			if err != nil {
				return usageErr("--file-size: %v", err)
			}
			size = n
		}
		if size <= 0 {
			return usageErr("--file-size is required with a positional target")
		}
		cfg.Targets = []config.Target{{Path: targetPath, FileSize: config.Size(size)}}
	} else if visited["file-size"] {
		n, err := config.ParseSize(*f.FileSize)
		if err != nil {
			return usageErr("--file-size: %v", err)
		}
		for i := range cfg.Targets {
			cfg.Targets[i].FileSize = config.Size(n)
		}
	}

	switch {
	case visited["duration"]:
		cfg.Workload.Completion = &config.Completion{Mode: "duration", Seconds: f.Duration.Seconds()}
	case visited["total-bytes"]:
		n, err := config.ParseSize(*f.TotalBytes)
		if err != nil {
			return usageErr("--total-bytes: %v", err)
		}
		cfg.Workload.Completion = &config.Completion{Mode: "total_bytes", TotalBytes: config.Size(n)}
	case visited["run-until-complete"]:
		cfg.Workload.Completion = &config.Completion{Mode: "run_until_complete"}
	}

	if visited["block-size"] {
		n, err := config.ParseSize(*f.BlockSize)
		if err != nil {
			return usageErr("--block-size: %v", err)
		}
		bs := config.Size(n)
		cfg.Workload.BlockSize = &bs
	}
	if visited["queue-depth"] {
		cfg.Workload.QueueDepth = f.QueueDepth
	}
	if visited["threads"] {
		cfg.Workers.Threads = f.Threads
	}
	if visited["random"] {
		p := "random"
		cfg.Workload.Pattern = &p
	}
	if visited["sequential"] {
		p := "sequential"
		cfg.Workload.Pattern = &p
	}
	if visited["engine"] {
		cfg.Engine = f.EngineType
	}
	if visited["direct"] {
		cfg.Direct = f.Direct
	}
	if visited["file-distribution"] {
		cfg.FileDist = f.FileDist
	}
	if visited["distribution"] {
		cfg.Workload.Distribution = &config.Distribution{
			Type:  *f.Distribution,
			Theta: *f.ZipfTheta,
			H:     *f.ParetoH,
			Sigma: *f.GaussianSigma,
		}
	}
	if visited["think-time"] {
		cfg.Workload.ThinkTimeUS = f.ThinkTime
	}
	if visited["think-mode"] {
		cfg.Workload.ThinkMode = f.ThinkMode
	}
	if visited["think-adaptive-percent"] {
		cfg.Workload.ThinkAdaptivePct = f.ThinkAdaptPct
	}
	if visited["verify"] {
		cfg.Workload.Verify = f.Verify
		cfg.Workload.VerifyPattern = f.VerifyPattern
	}
	if visited["cpu-cores"] {
		cfg.Workers.CPUCores = f.CPUCores
	}
	if visited["numa-zones"] {
		cfg.Workers.NUMAZones = f.NUMAZones
	}
	return 0
}

func hasPhaseCompletion(cfg *config.Config) bool {
	for _, p := range cfg.Phases {
		if p.Workload.Completion == nil {
			return false
		}
	}
	return len(cfg.Phases) > 0
}

func buildAffinity(cfg *config.Config) (affinity.Plan, int) {
	cores := ""
	if cfg.Workers.CPUCores != nil {
		cores = *cfg.Workers.CPUCores
	}
	zones := ""
	if cfg.Workers.NUMAZones != nil {
		zones = *cfg.Workers.NUMAZones
	}
	cpus, err := affinity.ParseCPUList(cores)
	if err != nil {
		return affinity.Plan{}, usageErr("--cpu-cores: %v", err)
	}
	zoneList, err := affinity.ParseZoneList(zones)
	if err != nil {
		return affinity.Plan{}, usageErr("--numa-zones: %v", err)
	}
	return affinity.FromLists(cpus, zoneList), 0
}

// layoutBinding is the entry shape of an imported layout document: an
// opaque, pre-built list of bindings installed unchanged.
type layoutBinding struct {
	Path   string `json:"path"`
	Lo     int64  `json:"lo"`
	Hi     int64  `json:"hi"`
	Worker int    `json:"worker"`
}

func loadLayout(path string) ([]target.Binding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ioerr.Wrap(ioerr.ConfigError, err, "read layout")
	}
	var entries []layoutBinding
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, ioerr.Wrap(ioerr.ConfigError, err, "parse layout")
	}
	if len(entries) == 0 {
		return nil, ioerr.New(ioerr.ConfigError, "layout contains no bindings")
	}
	out := make([]target.Binding, len(entries))
	for i, e := range entries {
		out[i] = target.Binding{Path: e.Path, Lo: e.Lo, Hi: e.Hi, Worker: e.Worker}
	}
	return out, nil
}

func printPlan(phases []phase.Phase) {
	type planPhase struct {
		Name       string `yaml:"name"`
		Target     string `yaml:"target"`
		Size       int64  `yaml:"size"`
		Engine     string `yaml:"engine"`
		Workers    int    `yaml:"workers"`
		FileDist   string `yaml:"file_distribution"`
		ReadPct    int    `yaml:"read_percent"`
		BlockSize  int    `yaml:"block_size"`
		QueueDepth int    `yaml:"queue_depth"`
		Pattern    string `yaml:"pattern"`
		Completion string `yaml:"completion"`
	}
	var plan []planPhase
	for _, p := range phases {
		comp := string(p.Completion.Kind)
		switch p.Completion.Kind {
		case "duration":
			comp = fmt.Sprintf("duration %v", p.Completion.Duration)
		case "total_bytes":
			comp = fmt.Sprintf("total_bytes %d", p.Completion.TotalBytes)
		}
		plan = append(plan, planPhase{
			Name:       p.Name,
			Target:     p.Target.Path,
			Size:       p.Target.Size,
			Engine:     string(p.Engine),
			Workers:    p.Workers,
			FileDist:   string(p.FileDist),
			ReadPct:    p.Workload.ReadPercent,
			BlockSize:  p.Workload.BlockSize,
			QueueDepth: p.Workload.QueueDepth,
			Pattern:    string(p.Workload.Pattern),
			Completion: comp,
		})
	}
	data, err := yaml.Marshal(plan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "iopulse: %v\n", err)
		return
	}
	fmt.Printf("dry run: %d phase(s)\n%s", len(phases), data)
}

func printHuman(doc *result.Document, showLatency bool) {
	fmt.Printf("run %s: status=%s duration=%.2fs\n", doc.RunID, doc.Status, doc.DurationS)
	for _, p := range doc.Phases {
		fmt.Printf("phase %s: %.0f IOPS, %.2f MB/s over %.2fs\n",
			p.Name, p.IOPS, p.BandwidthBPS/1e6, p.DurationS)
		fmt.Printf("  reads: %d ops / %d bytes   writes: %d ops / %d bytes   errors: %d\n",
			p.OpsRead, p.BytesRead, p.OpsWritten, p.BytesWritten, p.Errors)
		if p.OpsRead > 0 && p.OpsWritten > 0 {
			fmt.Printf("  mix: %.1f%% read / %.1f%% write\n", p.ReadRatio*100, p.WriteRatio*100)
		}
		if p.VerificationFailures > 0 {
			fmt.Printf("  verification failures: %d\n", p.VerificationFailures)
		}
		if showLatency {
			l := p.LatencyUS
			fmt.Printf("  latency (us): p50=%.1f p90=%.1f p99=%.1f p999=%.1f max=%.1f mean=%.1f\n",
				l.P50, l.P90, l.P99, l.P999, l.Max, l.Mean)
		}
	}
}
