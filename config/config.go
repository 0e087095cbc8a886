// Package config loads nurserykit settings from a JSON or YAML file, with NURSERYKIT_*
// environment variables taking precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/joshuapare/nurserykit/heap/alloc"
	"github.com/joshuapare/nurserykit/internal/format"
	"github.com/joshuapare/nurserykit/internal/logger"
)

const envPrefix = "NURSERYKIT"

// Config holds every tunable of a simulated heap.
type Config struct {
	NurserySize    int `json:"nursery_size" yaml:"nursery_size" envconfig:"NURSERY_SIZE"`
	TLABSize       int `json:"tlab_size" yaml:"tlab_size" envconfig:"TLAB_SIZE"`
	MajorSize      int `json:"major_size" yaml:"major_size" envconfig:"MAJOR_SIZE"`
	MajorBlockSize int `json:"major_block_size" yaml:"major_block_size" envconfig:"MAJOR_BLOCK_SIZE"`
	LOSSize        int `json:"los_size" yaml:"los_size" envconfig:"LOS_SIZE"`

	// StackSize is reserved per thread, MaxThreads times.
	StackSize  int `json:"stack_size" yaml:"stack_size" envconfig:"STACK_SIZE"`
	MaxThreads int `json:"max_threads" yaml:"max_threads" envconfig:"MAX_THREADS"`

	ClearPolicy         string `json:"clear_policy" yaml:"clear_policy" envconfig:"CLEAR_POLICY"`
	CollectBeforeAllocs int    `json:"collect_before_allocs" yaml:"collect_before_allocs" envconfig:"COLLECT_BEFORE_ALLOCS"`
	VerifyBeforeAllocs  int    `json:"verify_before_allocs" yaml:"verify_before_allocs" envconfig:"VERIFY_BEFORE_ALLOCS"`
	ReclaimNursery      bool   `json:"reclaim_nursery" yaml:"reclaim_nursery" envconfig:"RECLAIM_NURSERY"`

	// TracePath receives the msgpack event stream. Empty disables tracing.
	TracePath    string `json:"trace_path,omitempty" yaml:"trace_path,omitempty" envconfig:"TRACE_PATH"`
	RegionEvents bool   `json:"region_events" yaml:"region_events" envconfig:"REGION_EVENTS"`

	LogLevel string `json:"log_level" yaml:"log_level" envconfig:"LOG_LEVEL"`
	LogJSON  bool   `json:"log_json" yaml:"log_json" envconfig:"LOG_JSON"`

	// OriginalPath is the file the configuration was read from.
	OriginalPath string `json:"-" yaml:"-" ignored:"true"`
}

// Default is the configuration used when no file is found.
var Default = Config{
	NurserySize:    format.DefaultNurserySize,
	TLABSize:       format.DefaultTLABSize,
	MajorSize:      16 << 20,
	MajorBlockSize: 64 << 10,
	LOSSize:        8 << 20,
	StackSize:      16 << 10,
	MaxThreads:     64,
	ClearPolicy:    alloc.ClearAtGC.String(),
	LogLevel:       "info",
}

// Load reads the first of paths that exists, then applies environment overrides. When no
// path exists the defaults are used. An error is returned only if a file existed but could
// not be read or decoded.
func Load(fsys afero.Fs, paths []string, conf *Config) error {
	*conf = Default
	for _, path := range paths {
		data, err := afero.ReadFile(fsys, path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		if err := decode(path, data, conf); err != nil {
			return fmt.Errorf("couldn't unmarshal config %s: %w", path, err)
		}
		conf.OriginalPath = path
		break
	}
	if conf.OriginalPath == "" {
		logger.Info("no config file found, using defaults", "paths", paths)
	}
	if err := envconfig.Process(envPrefix, conf); err != nil {
		return fmt.Errorf("failed to process config env vars: %w", err)
	}
	return nil
}

// Write stores conf at path, as YAML for .yaml/.yml files and JSON otherwise.
func Write(fsys afero.Fs, path string, conf *Config) error {
	var (
		bs  []byte
		err error
	)
	if isYAML(path) {
		bs, err = yaml.Marshal(conf)
	} else {
		bs, err = json.MarshalIndent(conf, "", "    ")
	}
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return afero.WriteFile(fsys, path, bs, 0o644)
}

// WriteDefault sets conf to the defaults plus environment overrides and writes it to
// path, if path is non-empty.
func WriteDefault(fsys afero.Fs, path string, conf *Config) error {
	*conf = Default
	if err := envconfig.Process(envPrefix, conf); err != nil {
		return err
	}
	if path == "" {
		return nil
	}
	return Write(fsys, path, conf)
}

func decode(path string, data []byte, conf *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, conf)
	}
	return json.Unmarshal(data, conf)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positive("nursery_size", c.NurserySize)
	positive("tlab_size", c.TLABSize)
	positive("major_size", c.MajorSize)
	positive("major_block_size", c.MajorBlockSize)
	positive("los_size", c.LOSSize)
	positive("stack_size", c.StackSize)
	positive("max_threads", c.MaxThreads)

	if c.TLABSize > c.NurserySize && c.NurserySize > 0 {
		errs = multierror.Append(errs, fmt.Errorf("tlab_size %d exceeds nursery_size %d", c.TLABSize, c.NurserySize))
	}
	if c.MajorBlockSize > c.MajorSize && c.MajorSize > 0 {
		errs = multierror.Append(errs, fmt.Errorf("major_block_size %d exceeds major_size %d", c.MajorBlockSize, c.MajorSize))
	}
	if c.CollectBeforeAllocs < 0 {
		errs = multierror.Append(errs, fmt.Errorf("collect_before_allocs must not be negative, got %d", c.CollectBeforeAllocs))
	}
	if c.VerifyBeforeAllocs < 0 {
		errs = multierror.Append(errs, fmt.Errorf("verify_before_allocs must not be negative, got %d", c.VerifyBeforeAllocs))
	}
	if _, err := alloc.ParseClearPolicy(c.ClearPolicy); err != nil {
		errs = multierror.Append(errs, err)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	return errs.ErrorOrNil()
}

// AllocOptions converts the allocator settings.
func (c *Config) AllocOptions() (alloc.Options, error) {
	policy, err := alloc.ParseClearPolicy(c.ClearPolicy)
	if err != nil {
		return alloc.Options{}, err
	}
	return alloc.Options{
		TLABSize:            c.TLABSize,
		ClearPolicy:         policy,
		NurserySize:         c.NurserySize,
		CollectBeforeAllocs: c.CollectBeforeAllocs,
		VerifyBeforeAllocs:  c.VerifyBeforeAllocs,
		RegionEvents:        c.RegionEvents,
	}, nil
}

// LoggerOptions converts the logging settings. Output goes to stderr.
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Enabled: true,
		Level:   logger.ParseLevel(c.LogLevel),
		JSON:    c.LogJSON,
		Writer:  os.Stderr,
	}
}
