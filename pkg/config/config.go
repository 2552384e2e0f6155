// Package config loads the hierarchical YAML configuration document
// and resolves it, together with CLI overrides, into the phase list
// the controller runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	ioengine "github.com/adrabkin/iopulse/pkg/engine"
	"github.com/adrabkin/iopulse/pkg/ioerr"
	"github.com/adrabkin/iopulse/pkg/phase"
	"github.com/adrabkin/iopulse/pkg/target"
	"github.com/adrabkin/iopulse/pkg/workload"
)

// Size is a byte count that unmarshals from either a bare integer or a
// suffixed string ("4k", "1G", "256MiB").
type Size int64

func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseSize(node.Value)
	if err != nil {
		return err
	}
	*s = Size(v)
	return nil
}

// ParseSize parses a byte count with an optional binary suffix. "1G",
// "1GiB", and "1g" all mean 1<<30.
func ParseSize(s string) (int64, error) {
	t := strings.TrimSpace(s)
	if t == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	upper := strings.ToUpper(t)
	upper = strings.TrimSuffix(upper, "IB")
	upper = strings.TrimSuffix(upper, "B")
	switch {
	case strings.HasSuffix(upper, "K"):
		mult = 1 << 10
		upper = upper[:len(upper)-1]
	case strings.HasSuffix(upper, "M"):
		mult = 1 << 20
		upper = upper[:len(upper)-1]
	case strings.HasSuffix(upper, "G"):
		mult = 1 << 30
		upper = upper[:len(upper)-1]
	case strings.HasSuffix(upper, "T"):
		mult = 1 << 40
		upper = upper[:len(upper)-1]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad size %q: %v", s, err)
	}
	return n * mult, nil
}

// Workload is the [workload] section. Pointer fields distinguish "not
// set" from zero so per-phase and CLI overrides merge key by key.
type Workload struct {
	Percent      *int          `yaml:"percent"` // read percent
	QueueDepth   *int          `yaml:"queue_depth"`
	BlockSize    *Size         `yaml:"block_size"`
	Pattern      *string       `yaml:"pattern"` // random | sequential
	WritePattern *string       `yaml:"write_pattern"`
	Completion   *Completion   `yaml:"completion_mode"`
	Distribution *Distribution `yaml:"distribution"`

	ThinkTimeUS      *int64   `yaml:"think_time_us"`
	ThinkMode        *string  `yaml:"think_mode"`
	ThinkAdaptivePct *float64 `yaml:"think_adaptive_percent"`
	Verify           *bool    `yaml:"verify"`
	VerifyPattern    *string  `yaml:"verify_pattern"`
}

// Completion is the [workload.completion_mode] section.
type Completion struct {
	Mode       string  `yaml:"mode"` // duration | total_bytes | run_until_complete
	Seconds    float64 `yaml:"seconds"`
	TotalBytes Size    `yaml:"total_bytes"`
}

// Distribution is the [workload.distribution] section.
type Distribution struct {
	Type  string  `yaml:"type"` // uniform | zipf | pareto | gaussian
	Theta float64 `yaml:"theta"`
	H     float64 `yaml:"h"`
	Sigma float64 `yaml:"sigma"`
}

// Target is one [[targets]] entry.
type Target struct {
	Path     string `yaml:"path"`
	FileSize Size   `yaml:"file_size"`
}

// Workers is the [workers] section.
type Workers struct {
	Threads   *int    `yaml:"threads"`
	CPUCores  *string `yaml:"cpu_cores"`
	NUMAZones *string `yaml:"numa_zones"`
}

// Output is the [output] section. The CSV and Prometheus exporters are
// external collaborators; their keys are recognized and carried
// through unchanged.
type Output struct {
	ShowLatency *bool `yaml:"show_latency"`
	JSON        *bool `yaml:"json"`
	CSV         *bool `yaml:"csv"`
	Prometheus  *bool `yaml:"prometheus"`
}

// Runtime is the [runtime] section.
type Runtime struct {
	ContinueOnError *bool `yaml:"continue_on_error"`
	NoRefill        *bool `yaml:"no_refill"`
}

// PhaseSection is one [[phases]] entry: any of the top-level sections
// repeated under a name, overriding the top-level values for that
// phase only.
type PhaseSection struct {
	Name      string   `yaml:"name"`
	Stonewall bool     `yaml:"stonewall"`
	Workload  Workload `yaml:"workload"`
	Targets   []Target `yaml:"targets"`
	Workers   Workers  `yaml:"workers"`

	Engine   *string `yaml:"engine"`
	FileDist *string `yaml:"file_distribution"`
	Direct   *bool   `yaml:"direct"`
}

// Config is the whole configuration document.
type Config struct {
	Workload Workload       `yaml:"workload"`
	Targets  []Target       `yaml:"targets"`
	Workers  Workers        `yaml:"workers"`
	Output   Output         `yaml:"output"`
	Runtime  Runtime        `yaml:"runtime"`
	Phases   []PhaseSection `yaml:"phases"`

	Engine   *string `yaml:"engine"`
	FileDist *string `yaml:"file_distribution"`
	Direct   *bool   `yaml:"direct"`
}

// Load reads and parses a configuration file. Malformed documents are
// reported as ConfigError.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ioerr.Wrap(ioerr.ConfigError, err, "read config")
	}
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, ioerr.Wrap(ioerr.ConfigError, err, fmt.Sprintf("parse config %s", path))
	}
	return &cfg, nil
}

// MergeWorkload overlays set fields of over onto base, key by key.
func MergeWorkload(base, over Workload) Workload {
	if over.Percent != nil {
		base.Percent = over.Percent
	}
	if over.QueueDepth != nil {
		base.QueueDepth = over.QueueDepth
	}
	if over.BlockSize != nil {
		base.BlockSize = over.BlockSize
	}
	if over.Pattern != nil {
		base.Pattern = over.Pattern
	}
	if over.WritePattern != nil {
		base.WritePattern = over.WritePattern
	}
	if over.Completion != nil {
		base.Completion = over.Completion
	}
	if over.Distribution != nil {
		base.Distribution = over.Distribution
	}
	if over.ThinkTimeUS != nil {
		base.ThinkTimeUS = over.ThinkTimeUS
	}
	if over.ThinkMode != nil {
		base.ThinkMode = over.ThinkMode
	}
	if over.ThinkAdaptivePct != nil {
		base.ThinkAdaptivePct = over.ThinkAdaptivePct
	}
	if over.Verify != nil {
		base.Verify = over.Verify
	}
	if over.VerifyPattern != nil {
		base.VerifyPattern = over.VerifyPattern
	}
	return base
}

func (w Workload) resolve() workload.Workload {
	out := workload.Workload{
		ReadPercent: 100,
		BlockSize:   4096,
		Pattern:     workload.Random,
		QueueDepth:  1,
	}
	if w.Percent != nil {
		out.ReadPercent = *w.Percent
	}
	if w.QueueDepth != nil {
		out.QueueDepth = *w.QueueDepth
	}
	if w.BlockSize != nil {
		out.BlockSize = int(*w.BlockSize)
	}
	if w.Pattern != nil {
		out.Pattern = workload.Pattern(*w.Pattern)
	}
	if w.WritePattern != nil {
		out.WritePayload = workload.VerifyPattern(*w.WritePattern)
	}
	if w.Distribution != nil {
		out.Distribution = workload.Distribution{
			Kind:  workload.DistKind(w.Distribution.Type),
			Theta: w.Distribution.Theta,
			H:     w.Distribution.H,
			Sigma: w.Distribution.Sigma,
		}
	}
	if w.ThinkTimeUS != nil {
		out.ThinkTime = time.Duration(*w.ThinkTimeUS) * time.Microsecond
	}
	if w.ThinkMode != nil {
		out.ThinkMode = workload.ThinkMode(*w.ThinkMode)
	}
	if w.ThinkAdaptivePct != nil {
		out.ThinkPercent = *w.ThinkAdaptivePct
	}
	if w.Verify != nil {
		out.Verify = *w.Verify
	}
	if w.VerifyPattern != nil {
		out.VerifyPattern = workload.VerifyPattern(*w.VerifyPattern)
	}
	return out
}

func (w Workload) completion() (workload.CompletionMode, error) {
	if w.Completion == nil {
		return workload.CompletionMode{}, ioerr.New(ioerr.ConfigError, "no completion mode configured")
	}
	c := workload.CompletionMode{Kind: workload.CompletionKind(w.Completion.Mode)}
	switch c.Kind {
	case workload.CompletionDuration:
		c.Duration = time.Duration(w.Completion.Seconds * float64(time.Second))
	case workload.CompletionTotalByte:
		c.TotalBytes = int64(w.Completion.TotalBytes)
	case workload.CompletionRunToDone:
	default:
		return c, ioerr.New(ioerr.ConfigError, fmt.Sprintf("unknown completion mode %q", w.Completion.Mode))
	}
	return c, nil
}

// ToPhases resolves the document into the controller's phase list. A
// document with no [[phases]] entries describes a single unnamed
// phase.
func (c *Config) ToPhases() ([]phase.Phase, error) {
	sections := c.Phases
	if len(sections) == 0 {
		sections = []PhaseSection{{}}
	}
	var out []phase.Phase
	for i, s := range sections {
		wl := MergeWorkload(c.Workload, s.Workload)
		resolved := wl.resolve()
		comp, err := wl.completion()
		if err != nil {
			return nil, err
		}

		targets := c.Targets
		if len(s.Targets) > 0 {
			targets = s.Targets
		}
		if len(targets) == 0 {
			return nil, ioerr.New(ioerr.ConfigError, "no targets configured")
		}

		threads := 1
		if c.Workers.Threads != nil {
			threads = *c.Workers.Threads
		}
		if s.Workers.Threads != nil {
			threads = *s.Workers.Threads
		}

		engine := ioengine.Sync
		if c.Engine != nil {
			engine = ioengine.Kind(*c.Engine)
		}
		if s.Engine != nil {
			engine = ioengine.Kind(*s.Engine)
		}
		dist := target.Shared
		if c.FileDist != nil {
			dist = target.Mode(*c.FileDist)
		}
		if s.FileDist != nil {
			dist = target.Mode(*s.FileDist)
		}
		direct := false
		if c.Direct != nil {
			direct = *c.Direct
		}
		if s.Direct != nil {
			direct = *s.Direct
		}

		name := s.Name
		if name == "" {
			name = fmt.Sprintf("phase%d", i)
		}
		for _, t := range targets {
			out = append(out, phase.Phase{
				Name:       name,
				Target:     target.Target{Path: t.Path, Size: int64(t.FileSize), Direct: direct},
				FileDist:   dist,
				Engine:     engine,
				Workers:    threads,
				Workload:   resolved,
				Completion: comp,
				Stonewall:  s.Stonewall,
			})
		}
	}
	return out, nil
}
