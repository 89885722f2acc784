package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STATIOND_HOME", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.AutoRunOnStart)
	require.False(t, cfg.StopOnFailure)
	require.Equal(t, 30*time.Second, cfg.AbortGrace)
	require.Equal(t, "text", cfg.LogFormat)
	require.Empty(t, cfg.NATSURL)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STATIOND_HOME", t.TempDir())
	t.Setenv("STATIOND_TEST_LIST", "/etc/stationd/main.yaml")
	t.Setenv("STATIOND_STOP_ON_FAILURE", "true")
	t.Setenv("STATIOND_ABORT_GRACE", "5s")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/etc/stationd/main.yaml", cfg.TestList)
	require.True(t, cfg.StopOnFailure)
	require.Equal(t, 5*time.Second, cfg.AbortGrace)
}
