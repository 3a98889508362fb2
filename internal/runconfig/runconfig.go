// Package runconfig loads the configuration of the cleanbench driver.
//
// Sources are applied in order, each overriding the previous one:
//
//  1. built-in defaults (Default)
//  2. a YAML file named by -config or CLEAN_CONFIG
//  3. a .env file (-env-file, default ".env"), loaded into the environment
//     without replacing variables that are already set
//  4. CLEAN_* environment variables, e.g. CLEAN_GAIN=0.05
//  5. command-line flags, e.g. -gain 0.05
package runconfig

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/gogpu/clean"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CLEAN_"

// Synthetic describes a generated input used when no image files are given.
type Synthetic struct {
	Width   int     `yaml:"width"`
	Sigma   float64 `yaml:"sigma"`
	Sources int     `yaml:"sources"`
	Noise   float64 `yaml:"noise"`
	Seed    uint64  `yaml:"seed"`
}

// Config is the driver configuration.
type Config struct {
	Dirty string `yaml:"dirty"`
	PSF   string `yaml:"psf"`

	Reference string `yaml:"reference"`
	Backend   string `yaml:"backend"`
	Warmup    bool   `yaml:"warmup"`

	Gain          float32 `yaml:"gain"`
	Threshold     float32 `yaml:"threshold"`
	MaxIterations int     `yaml:"max_iterations"`
	Workers       int     `yaml:"workers"`
	ReportEvery   int     `yaml:"report_every"`
	BlockSize     int     `yaml:"block_size"`
	GridSize      int     `yaml:"grid_size"`

	Tolerance float64 `yaml:"tolerance"`

	Synthetic Synthetic `yaml:"synthetic"`

	OutputDir string `yaml:"output_dir"`
	LogFile   string `yaml:"log_file"`
	LogLevel  string `yaml:"log_level"`
}

// Default returns the classic benchmark configuration: serial reference,
// parallel CPU test backend, and the library's DefaultConfig parameters.
func Default() Config {
	lib := clean.DefaultConfig()
	return Config{
		Reference:     clean.BackendSerial,
		Backend:       clean.BackendParallel,
		Warmup:        true,
		Gain:          lib.Gain,
		Threshold:     lib.Threshold,
		MaxIterations: lib.MaxIterations,
		Workers:       lib.Workers,
		ReportEvery:   lib.ReportEvery,
		BlockSize:     lib.BlockSize,
		GridSize:      lib.GridSize,
		Tolerance:     1e-4,
		Synthetic: Synthetic{
			Sigma:   3,
			Sources: 40,
			Seed:    1,
		},
		LogLevel: "info",
	}
}

// field is one configuration key, addressable from the environment and the
// command line.
type field struct {
	key   string
	usage string
	set   func(c *Config, v string) error
}

func stringField(key, usage string, dst func(*Config) *string) field {
	return field{key, usage, func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}}
}

func intField(key, usage string, dst func(*Config) *int) field {
	return field{key, usage, func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}}
}

func float32Field(key, usage string, dst func(*Config) *float32) field {
	return field{key, usage, func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return err
		}
		*dst(c) = float32(f)
		return nil
	}}
}

func float64Field(key, usage string, dst func(*Config) *float64) field {
	return field{key, usage, func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst(c) = f
		return nil
	}}
}

var fields = []field{
	stringField("dirty", "dirty image path (.img, .raw, .tif)", func(c *Config) *string { return &c.Dirty }),
	stringField("psf", "PSF image path (.img, .raw, .tif)", func(c *Config) *string { return &c.PSF }),
	stringField("reference", "reference backend token", func(c *Config) *string { return &c.Reference }),
	stringField("backend", "backend token under test", func(c *Config) *string { return &c.Backend }),
	{"warmup", "warm up device backends before timing", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Warmup = b
		return nil
	}},
	float32Field("gain", "loop gain in [0, 1]", func(c *Config) *float32 { return &c.Gain }),
	float32Field("threshold", "absolute stopping threshold", func(c *Config) *float32 { return &c.Threshold }),
	intField("max_iterations", "iteration budget", func(c *Config) *int { return &c.MaxIterations }),
	intField("workers", "parallel CPU workers (0 = GOMAXPROCS)", func(c *Config) *int { return &c.Workers }),
	intField("report_every", "progress log interval in iterations (0 = off)", func(c *Config) *int { return &c.ReportEvery }),
	intField("block_size", "device reduction block size", func(c *Config) *int { return &c.BlockSize }),
	intField("grid_size", "device reduction grid size", func(c *Config) *int { return &c.GridSize }),
	float64Field("tolerance", "relative error accepted by the comparison", func(c *Config) *float64 { return &c.Tolerance }),
	intField("synthetic_width", "generate a synthetic problem of this width", func(c *Config) *int { return &c.Synthetic.Width }),
	float64Field("synthetic_sigma", "synthetic PSF sigma in pixels", func(c *Config) *float64 { return &c.Synthetic.Sigma }),
	intField("synthetic_sources", "synthetic point source count", func(c *Config) *int { return &c.Synthetic.Sources }),
	float64Field("synthetic_noise", "synthetic noise standard deviation", func(c *Config) *float64 { return &c.Synthetic.Noise }),
	{"synthetic_seed", "synthetic random seed", func(c *Config, v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		c.Synthetic.Seed = n
		return nil
	}},
	stringField("output_dir", "write model and residual here", func(c *Config) *string { return &c.OutputDir }),
	stringField("log_file", "also write logs to this rotating file", func(c *Config) *string { return &c.LogFile }),
	stringField("log_level", "debug, info, warn or error", func(c *Config) *string { return &c.LogLevel }),
}

// envName returns the environment variable for key.
func envName(key string) string { return EnvPrefix + strings.ToUpper(key) }

// flagName returns the command-line flag for key.
func flagName(key string) string { return strings.ReplaceAll(key, "_", "-") }

// pending is a value given on the command line, applied after the files and
// the environment.
type pending struct {
	f     field
	value string
}

// Load builds the configuration from every source. name is used in usage
// messages; args excludes the program name. Usage and parse errors are
// written to output. A -h flag returns flag.ErrHelp.
func Load(name string, args []string, output io.Writer) (Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	configPath := fs.String("config", "", "YAML configuration file (env "+envName("config")+")")
	envFile := fs.String("env-file", ".env", "dotenv file loaded into the environment if present")

	var flags []pending
	for _, f := range fields {
		fs.Func(flagName(f.key), f.usage, func(v string) error {
			flags = append(flags, pending{f, v})
			return nil
		})
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("runconfig: unexpected arguments %q", fs.Args())
	}

	if err := loadEnvFile(*envFile); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if *configPath == "" {
		*configPath = os.Getenv(envName("config"))
	}
	if *configPath != "" {
		if err := cfg.loadYAML(*configPath); err != nil {
			return Config{}, err
		}
	}

	for _, f := range fields {
		v, ok := os.LookupEnv(envName(f.key))
		if !ok {
			continue
		}
		if err := f.set(&cfg, v); err != nil {
			return Config{}, fmt.Errorf("runconfig: %s=%q: %w", envName(f.key), v, err)
		}
	}

	for _, p := range flags {
		if err := p.f.set(&cfg, p.value); err != nil {
			return Config{}, fmt.Errorf("runconfig: -%s=%q: %w", flagName(p.f.key), p.value, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadEnvFile loads path into the environment. A missing file is not an
// error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("runconfig: load %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadYAML(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is user-provided intentionally
	if err != nil {
		return fmt.Errorf("runconfig: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("runconfig: parse %s: %w", path, err)
	}
	return nil
}

// Validate checks the driver-level settings. Solver parameters are checked
// by clean.Config.Validate.
func (c Config) Validate() error {
	switch {
	case (c.Dirty == "") != (c.PSF == ""):
		return errors.New("runconfig: dirty and psf must be given together")
	case c.Dirty == "" && c.Synthetic.Width <= 0:
		return errors.New("runconfig: no input: set dirty and psf, or synthetic.width")
	case c.Reference == "" || c.Backend == "":
		return errors.New("runconfig: reference and backend tokens are required")
	case c.Tolerance < 0:
		return fmt.Errorf("runconfig: tolerance %v is negative", c.Tolerance)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return c.Solver().Validate()
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("runconfig: log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// Solver returns the solver parameters.
func (c Config) Solver() clean.Config {
	return clean.NewConfig(
		clean.WithGain(c.Gain),
		clean.WithThreshold(c.Threshold),
		clean.WithMaxIterations(c.MaxIterations),
		clean.WithWorkers(c.Workers),
		clean.WithReportEvery(c.ReportEvery),
		clean.WithDeviceGeometry(c.BlockSize, c.GridSize),
	)
}
