package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NotNil(t, cfg)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "default", cfg.Namespace)

	assert.Equal(t, 30*time.Second, cfg.HTTP.ReadTimeout)
	assert.True(t, cfg.HTTP.EnableHealthCheck)
	assert.False(t, cfg.HTTP.CORS.Enabled)

	assert.Equal(t, "sqlite", cfg.Registry.Provider)
	assert.Equal(t, "orchestrator.db", cfg.Registry.SQLitePath)

	assert.Equal(t, 64, cfg.Planner.Simulations)
	assert.Equal(t, 8, cfg.Planner.ParallelSimulations)
	assert.Equal(t, 10, cfg.Planner.MaxDepth)
	assert.Equal(t, 1.4, cfg.Planner.ExplorationConstant)

	assert.Equal(t, 10, cfg.Recursion.MaxDepth)
	assert.Equal(t, 50, cfg.Recursion.MaxAgentsPerLevel)
	assert.True(t, cfg.Recursion.CycleDetection)
	assert.Equal(t, 0.8, cfg.Recursion.ResourceEscalationThreshold)

	assert.Equal(t, PreferBalanced, cfg.Router.Prioritize)

	assert.Equal(t, "inmemory", cfg.Memory.Provider)
	assert.True(t, cfg.Resilience.CircuitBreaker.Enabled)
	assert.Equal(t, 3, cfg.Resilience.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Resilience.Timeout.HealthProbe)

	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	t.Run("rejects bad port", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Port = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects redis provider without url", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Registry.Provider = "redis"
		cfg.Registry.RedisURL = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects unknown registry provider", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Registry.Provider = "mongo"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects zero parallel simulations", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Planner.ParallelSimulations = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects zero recursion max depth", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Recursion.MaxDepth = 0
		assert.Error(t, cfg.Validate())
	})
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ORCHCORE_PORT", "9090")
	t.Setenv("ORCHCORE_REGISTRY_REDIS_URL", "redis://example:6379")
	t.Setenv("ORCHCORE_PLANNER_SIMULATIONS", "128")
	t.Setenv("ORCHCORE_RECURSION_CYCLE_DETECTION", "false")
	t.Setenv("ORCHCORE_ROUTER_PRIORITIZE", "quality")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "redis://example:6379", cfg.Registry.RedisURL)
	assert.Equal(t, "redis", cfg.Registry.Provider)
	assert.Equal(t, 128, cfg.Planner.Simulations)
	assert.False(t, cfg.Recursion.CycleDetection)
	assert.Equal(t, PreferQuality, cfg.Router.Prioritize)
}

func TestLoadFromEnvRejectsInvalidPort(t *testing.T) {
	t.Setenv("ORCHCORE_PORT", "not-a-number")
	cfg := DefaultConfig()
	assert.Error(t, cfg.LoadFromEnv())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := "port: 9999\nregistry:\n  provider: sqlite\n  sqlite_path: /tmp/test.db\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromFile(path))

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, "/tmp/test.db", cfg.Registry.SQLitePath)
}

func TestNewConfigAppliesOptionsLast(t *testing.T) {
	t.Setenv("ORCHCORE_PORT", "9090")

	cfg, err := NewConfig(WithName("orchestrator-core"), WithPort(7000))
	require.NoError(t, err)
	assert.Equal(t, "orchestrator-core", cfg.Name)
	assert.Equal(t, 7000, cfg.Port) // option overrides env
}

func TestWithPortRejectsOutOfRange(t *testing.T) {
	_, err := NewConfig(WithPort(70000))
	assert.Error(t, err)
}
