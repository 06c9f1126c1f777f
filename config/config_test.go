package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sisegod/machina/config"
)

func TestDefaults(t *testing.T) {
	c := config.Defaults()
	require.Equal(t, 64, c.MaxSteps)
	require.Equal(t, 8, c.MaxInvalidPicks)
	require.True(t, c.LeaseEnforce)
}

func TestFromEnvOverlaysSetVars(t *testing.T) {
	t.Setenv("MACHINA_PROFILE", "prod")
	t.Setenv("MACHINA_MAX_STEPS", "128")
	t.Setenv("MACHINA_LEASE_ENFORCE", "false")

	c := config.FromEnv()
	require.Equal(t, "prod", c.Profile)
	require.Equal(t, 128, c.MaxSteps)
	require.False(t, c.LeaseEnforce)
}

func TestFromEnvIgnoresUnsetVars(t *testing.T) {
	os.Unsetenv("MACHINA_PROFILE")
	c := config.FromEnv()
	require.Equal(t, "default", c.Profile)
}

func TestLoadYAMLOverlaysNonZeroFields(t *testing.T) {
	base := config.Defaults()
	out, err := config.LoadYAML(base, []byte("profile: staging\nmax_steps: 32\n"))
	require.NoError(t, err)
	require.Equal(t, "staging", out.Profile)
	require.Equal(t, 32, out.MaxSteps)
	require.Equal(t, base.MaxInvalidPicks, out.MaxInvalidPicks)
}

func TestSelectorTimeoutDuration(t *testing.T) {
	c := config.Config{SelectorTimeoutMS: 2500}
	require.Equal(t, int64(2500), c.SelectorTimeout().Milliseconds())
}
