package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/bondfit/internal/molecule"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "data", cfg.Data.Dir)
	assert.Equal(t, 4, cfg.Jobs.MaxConcurrent)
	assert.False(t, cfg.Artifacts.Enabled)

	opts, err := cfg.Fit.Options()
	require.NoError(t, err)
	assert.Equal(t, 1.0, opts.NoiseMagnitude)
	assert.Equal(t, 0.5, opts.StepSize)
	assert.Equal(t, 100, opts.Hops)
	assert.Equal(t, 1e-3, opts.StopThreshold)
	assert.Equal(t, "rmse", opts.Loss)
	assert.Equal(t, int64(1234), opts.Seed)
	assert.Equal(t, molecule.BondsOnly, opts.Components)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FIT_HOPS", "7")
	t.Setenv("FIT_LOSS", "std")
	t.Setenv("FIT_COMPONENTS", "bonds,angles")
	t.Setenv("JOBS_MAX_CONCURRENT", "1")
	t.Setenv("ARTIFACTS_ENABLED", "true")
	t.Setenv("ARTIFACTS_PREFIX", "runs")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Fit.Hops)
	assert.Equal(t, 1, cfg.Jobs.MaxConcurrent)

	opts, err := cfg.Fit.Options()
	require.NoError(t, err)
	assert.Equal(t, "std", opts.Loss)
	assert.Equal(t, molecule.Components{Bonds: true, Angles: true}, opts.Components)

	store := cfg.Artifacts.ObjectStore()
	assert.Equal(t, "bondfit", store.Bucket)
	assert.Equal(t, "runs", store.Prefix)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"port", "HTTP_PORT", "70000"},
		{"jobs", "JOBS_MAX_CONCURRENT", "0"},
		{"step", "FIT_STEP_SIZE", "0"},
		{"noise", "FIT_NOISE_MAGNITUDE", "-1"},
		{"loss", "FIT_LOSS", "mae"},
		{"components", "FIT_COMPONENTS", "bonds,springs"},
		{"not a number", "FIT_HOPS", "many"},
		{"NaN temperature", "FIT_TEMPERATURE", "NaN"},
		{"infinite temperature", "FIT_TEMPERATURE", "+Inf"},
		{"NaN step", "FIT_STEP_SIZE", "NaN"},
		{"NaN noise", "FIT_NOISE_MAGNITUDE", "NaN"},
		{"NaN threshold", "FIT_STOP_THRESHOLD", "NaN"},
		{"log level", "LOG_LEVEL", "chatty"},
		{"log format", "LOG_FORMAT", "xml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestParseComponents(t *testing.T) {
	c, err := ParseComponents([]string{" Bonds ", "NONBONDED", ""})
	require.NoError(t, err)
	assert.Equal(t, molecule.Components{Bonds: true, Nonbonded: true}, c)

	_, err = ParseComponents(nil)
	assert.Error(t, err)
	_, err = ParseComponents([]string{"total"})
	assert.Error(t, err)
}
