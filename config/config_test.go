package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func newTestViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadWithViper(newTestViper())
	require.NoError(t, err)

	require.Equal(t, DefaultHubPort, cfg.Hub.Port)
	require.Equal(t, 0, cfg.Hub.HealthPort)
	require.Equal(t, 30000, cfg.Hub.KeepaliveIntervalMS)
	require.Equal(t, 180000, cfg.Operations.TimeoutMS)
	require.Equal(t, 3600000, cfg.Operations.CleanupAgeMS)
	require.Equal(t, 1000, cfg.Reconnect.BaseMS)
	require.Equal(t, 30000, cfg.Reconnect.MaxMS)
	require.Equal(t, -1, cfg.Reconnect.MaxAttempts)
	require.False(t, cfg.Client.ForceHubCreation)
	require.Equal(t, 0, cfg.Client.ParentPID)
}

func TestBareEnvKnobsOverride(t *testing.T) {
	t.Setenv("HUB_PORT", "41000")
	t.Setenv("OPERATION_TIMEOUT_MS", "5000")
	t.Setenv("MAX_RECONNECT_ATTEMPTS", "3")
	t.Setenv("FORCE_HUB_CREATION", "true")

	v := viper.New()
	SetDefaults(v)
	BindEnvKnobs(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	require.Equal(t, 41000, cfg.Hub.Port)
	require.Equal(t, 5000, cfg.Operations.TimeoutMS)
	require.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	require.True(t, cfg.Client.ForceHubCreation)
}

func TestPrefixedEnvWinsOverBare(t *testing.T) {
	t.Setenv("HUB_PORT", "41000")
	t.Setenv("TABHUB_HUB_PORT", "42000")

	v := viper.New()
	SetDefaults(v)
	BindEnvKnobs(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	require.Equal(t, 42000, cfg.Hub.Port)
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := LoadWithViper(newTestViper())
	require.NoError(t, err)

	require.Equal(t, "30s", cfg.Hub.KeepaliveInterval().String())
	require.Equal(t, "3m0s", cfg.Operations.Timeout().String())
	require.Equal(t, "1h0m0s", cfg.Operations.CleanupAge().String())
	require.Equal(t, "1s", cfg.Reconnect.Base().String())
	require.Equal(t, "30s", cfg.Reconnect.Max().String())
}

func TestLoadCachesAndReset(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	first, err := Load()
	require.NoError(t, err)

	second, err := Load()
	require.NoError(t, err)
	require.Same(t, first, second)

	Reset()
	third, err := Load()
	require.NoError(t, err)
	require.NotSame(t, first, third)
}
