package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/copyleftdev/bondfit/internal/diagnostics"
	"github.com/copyleftdev/bondfit/internal/fitting"
	"github.com/copyleftdev/bondfit/internal/logging"
	"github.com/copyleftdev/bondfit/internal/loss"
	"github.com/copyleftdev/bondfit/internal/molecule"
)

// Fit holds the fitting defaults. Requests may override them per job.
type Fit struct {
	NoiseMagnitude float64 `env:"FIT_NOISE_MAGNITUDE" envDefault:"1.0"`
	Temperature    float64 `env:"FIT_TEMPERATURE" envDefault:"1.0"`
	StepSize       float64 `env:"FIT_STEP_SIZE" envDefault:"0.5"`
	RelativeStep   bool    `env:"FIT_RELATIVE_STEP" envDefault:"false"`
	AdaptInterval  int     `env:"FIT_ADAPT_INTERVAL" envDefault:"50"`
	Hops           int     `env:"FIT_HOPS" envDefault:"100"`
	StopThreshold  float64 `env:"FIT_STOP_THRESHOLD" envDefault:"1e-3"`
	MaxIterations  int     `env:"FIT_MAX_ITERATIONS" envDefault:"500"`
	Loss           string  `env:"FIT_LOSS" envDefault:"rmse"`
	Seed           int64   `env:"FIT_SEED" envDefault:"1234"`
	// Components lists the reference force blocks summed into the target.
	Components []string `env:"FIT_COMPONENTS" envDefault:"bonds" envSeparator:","`
}

// Options converts the block to fitting options.
func (f Fit) Options() (fitting.Options, error) {
	comps, err := ParseComponents(f.Components)
	if err != nil {
		return fitting.Options{}, err
	}
	return fitting.Options{
		NoiseMagnitude: f.NoiseMagnitude,
		Temperature:    f.Temperature,
		StepSize:       f.StepSize,
		RelativeStep:   f.RelativeStep,
		AdaptInterval:  f.AdaptInterval,
		Hops:           f.Hops,
		StopThreshold:  f.StopThreshold,
		MaxIterations:  f.MaxIterations,
		Loss:           f.Loss,
		Seed:           f.Seed,
		Components:     comps,
	}, nil
}

// Validate rejects values no fit can run with.
func (f Fit) Validate() error {
	// Written so that NaN fails.
	switch {
	case !(f.NoiseMagnitude >= 0) || math.IsInf(f.NoiseMagnitude, 1):
		return fmt.Errorf("FIT_NOISE_MAGNITUDE must be finite and >= 0, got %v", f.NoiseMagnitude)
	case !(f.Temperature >= 0) || math.IsInf(f.Temperature, 1):
		return fmt.Errorf("FIT_TEMPERATURE must be finite and >= 0, got %v", f.Temperature)
	case !(f.StepSize > 0) || math.IsInf(f.StepSize, 1):
		return fmt.Errorf("FIT_STEP_SIZE must be finite and > 0, got %v", f.StepSize)
	case math.IsNaN(f.StopThreshold):
		return fmt.Errorf("FIT_STOP_THRESHOLD is NaN")
	case f.Hops < 0:
		return fmt.Errorf("FIT_HOPS must be >= 0, got %d", f.Hops)
	case f.MaxIterations <= 0:
		return fmt.Errorf("FIT_MAX_ITERATIONS must be > 0, got %d", f.MaxIterations)
	case f.AdaptInterval < 0:
		return fmt.Errorf("FIT_ADAPT_INTERVAL must be >= 0, got %d", f.AdaptInterval)
	}
	if _, err := loss.Parse(f.Loss); err != nil {
		return fmt.Errorf("FIT_LOSS: %w", err)
	}
	if _, err := ParseComponents(f.Components); err != nil {
		return fmt.Errorf("FIT_COMPONENTS: %w", err)
	}
	return nil
}

// ParseComponents maps component names to flags.
func ParseComponents(names []string) (molecule.Components, error) {
	var c molecule.Components
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "bonds":
			c.Bonds = true
		case "angles":
			c.Angles = true
		case "torsions":
			c.Torsions = true
		case "nonbonded":
			c.Nonbonded = true
		case "":
		default:
			return molecule.Components{}, fmt.Errorf("unknown force component %q", n)
		}
	}
	if c == (molecule.Components{}) {
		return c, fmt.Errorf("no force components selected")
	}
	return c, nil
}

// Artifacts configures the optional object-store upload of plots and
// traces.
type Artifacts struct {
	Enabled   bool   `env:"ARTIFACTS_ENABLED" envDefault:"false"`
	Endpoint  string `env:"ARTIFACTS_ENDPOINT" envDefault:"localhost:9000"`
	AccessKey string `env:"ARTIFACTS_ACCESS_KEY"`
	SecretKey string `env:"ARTIFACTS_SECRET_KEY"`
	Bucket    string `env:"ARTIFACTS_BUCKET" envDefault:"bondfit"`
	Region    string `env:"ARTIFACTS_REGION" envDefault:"us-east-1"`
	Prefix    string `env:"ARTIFACTS_PREFIX"`
	UseSSL    bool   `env:"ARTIFACTS_USE_SSL" envDefault:"false"`
}

// ObjectStore converts the block to the diagnostics store config.
func (a Artifacts) ObjectStore() diagnostics.ObjectStoreConfig {
	return diagnostics.ObjectStoreConfig{
		Endpoint:  a.Endpoint,
		AccessKey: a.AccessKey,
		SecretKey: a.SecretKey,
		Bucket:    a.Bucket,
		Region:    a.Region,
		Prefix:    a.Prefix,
		UseSSL:    a.UseSSL,
	}
}

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Data struct {
		Dir string `env:"DATA_DIR" envDefault:"data"`
	}
	Diagnostics struct {
		PlotDir       string `env:"PLOT_DIR" envDefault:"plots"`
		TraceDir      string `env:"TRACE_DIR" envDefault:"traces"`
		TraceParams   bool   `env:"TRACE_PARAMS" envDefault:"false"`
		DisablePlots  bool   `env:"PLOTS_DISABLED" envDefault:"false"`
		DisableTraces bool   `env:"TRACES_DISABLED" envDefault:"false"`
	}
	Jobs struct {
		// MaxConcurrent bounds the fits the server runs at once.
		MaxConcurrent int `env:"JOBS_MAX_CONCURRENT" envDefault:"4"`
	}
	Fit       Fit
	Artifacts Artifacts
}

// Load parses the environment onto the defaults and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Development runs get debug logs unless a level was set explicitly.
	if cfg.Environment == "development" && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every block.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP_PORT out of range: %d", c.HTTP.Port)
	}
	if c.Jobs.MaxConcurrent <= 0 {
		return fmt.Errorf("JOBS_MAX_CONCURRENT must be > 0, got %d", c.Jobs.MaxConcurrent)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		return fmt.Errorf("LOG_FORMAT: %w", err)
	}
	if c.Artifacts.Enabled && c.Artifacts.Bucket == "" {
		return fmt.Errorf("ARTIFACTS_BUCKET is required when artifacts are enabled")
	}
	return c.Fit.Validate()
}
