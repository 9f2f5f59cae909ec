package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findRepoRootForTest(t *testing.T) string {
	cwd, err := os.Getwd()
	require.NoError(t, err)

	dir := cwd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	t.Fatalf("could not locate repo root containing go.mod from %s", cwd)
	return ""
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	// In CI containers the repo checkout may be outside $HOME.
	t.Run("CIBoundaryHint", func(t *testing.T) {
		repoRoot := findRepoRootForTest(t)
		t.Setenv("HOME", t.TempDir())
		t.Setenv("CI", "true")
		t.Setenv("SPECENV_WORKSPACE_ROOT", repoRoot)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)
	})

	// Test basic config loading with defaults
	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify server defaults
		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		// Verify logging defaults
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)

		// Verify metrics defaults
		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, 9090, cfg.Metrics.Port)

		// Verify health defaults
		assert.True(t, cfg.Health.Enabled)

		// Verify debug defaults
		assert.False(t, cfg.Debug.Enabled)
		assert.False(t, cfg.Debug.PprofEnabled)

		// Verify workers default
		assert.Equal(t, 4, cfg.Workers)

		// Verify pipeline and fetch defaults
		assert.Equal(t, "enforce", cfg.Pipeline.Compatibility)
		assert.Equal(t, 10*time.Minute, cfg.Fetch.Timeout)
		assert.Equal(t, "file", cfg.Fetch.Artifacts.Kind)
		assert.NotEmpty(t, cfg.Fetch.Artifacts.BaseDir)
		assert.Equal(t, "specenv.db", filepath.Base(cfg.Store.Path))
	})

	// Test runtime overrides
	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify overrides were applied
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)

		// Verify non-overridden values remain default
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
		assert.Equal(t, 9090, cfg.Metrics.Port)
	})

	// Test environment variable overrides
	t.Run("EnvOverrides", func(t *testing.T) {
		// Set environment variables
		require.NoError(t, os.Setenv("SPECENV_PORT", "3000"))
		require.NoError(t, os.Setenv("SPECENV_LOG_LEVEL", "warn"))
		require.NoError(t, os.Setenv("SPECENV_METRICS_ENABLED", "false"))
		defer func() {
			_ = os.Unsetenv("SPECENV_PORT")
			_ = os.Unsetenv("SPECENV_LOG_LEVEL")
			_ = os.Unsetenv("SPECENV_METRICS_ENABLED")
		}()

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify env overrides were applied
		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Metrics.Enabled)
	})

	// Test config precedence: runtime > env > defaults
	t.Run("ConfigPrecedence", func(t *testing.T) {
		// Set environment variable
		require.NoError(t, os.Setenv("SPECENV_PORT", "4000"))
		defer func() {
			_ = os.Unsetenv("SPECENV_PORT")
		}()

		// Runtime override should win
		overrides := map[string]any{
			"server": map[string]any{
				"port": 5000,
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Runtime override should take precedence over env var
		assert.Equal(t, 5000, cfg.Server.Port)
	})
}

func TestGetConfig(t *testing.T) {
	ctx := context.Background()

	// Load config first
	cfg, err := Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Test GetConfig returns the same instance
	t.Run("GetConfigReturnsLoadedConfig", func(t *testing.T) {
		retrieved := GetConfig()
		assert.NotNil(t, retrieved)
		assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
		assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
	})
}

func TestEnvSpecs(t *testing.T) {
	// Need to set app identity for env specs
	ctx := context.Background()
	_, err := Load(ctx)
	require.NoError(t, err)

	specs := getEnvSpecs()
	assert.NotEmpty(t, specs)

	// Verify critical env var mappings exist
	envVarNames := make(map[string]bool)
	for _, spec := range specs {
		envVarNames[spec.Name] = true
	}

	assert.True(t, envVarNames["SPECENV_LOG_LEVEL"], "LOG_LEVEL env var must be mapped")
	assert.True(t, envVarNames["SPECENV_PORT"], "PORT env var must be mapped")
	assert.True(t, envVarNames["SPECENV_HOST"], "HOST env var must be mapped")
	assert.True(t, envVarNames["SPECENV_METRICS_PORT"], "METRICS_PORT env var must be mapped")
	assert.True(t, envVarNames["SPECENV_DB_PATH"], "DB_PATH env var must be mapped")
	assert.True(t, envVarNames["SPECENV_COMPATIBILITY"], "COMPATIBILITY env var must be mapped")
	assert.True(t, envVarNames["SPECENV_LOCAL_ROOT"], "LOCAL_ROOT env var must be mapped")
}

func TestDurationParsing(t *testing.T) {
	ctx := context.Background()

	// Test duration parsing from string env var
	t.Run("DurationFromEnv", func(t *testing.T) {
		require.NoError(t, os.Setenv("SPECENV_READ_TIMEOUT", "45s"))
		require.NoError(t, os.Setenv("SPECENV_SHUTDOWN_TIMEOUT", "5m"))
		defer func() {
			_ = os.Unsetenv("SPECENV_READ_TIMEOUT")
			_ = os.Unsetenv("SPECENV_SHUTDOWN_TIMEOUT")
		}()

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
	})
}

func TestConfigReload(t *testing.T) {
	ctx := context.Background()

	// Load initial config
	cfg1, err := Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg1)
	initialPort := cfg1.Server.Port

	// Reload with different runtime overrides
	overrides := map[string]any{
		"server": map[string]any{
			"port": initialPort + 1000,
		},
	}

	cfg2, err := Load(ctx, overrides)
	require.NoError(t, err)
	require.NotNil(t, cfg2)

	// Verify reload updated the config
	assert.Equal(t, initialPort+1000, cfg2.Server.Port)

	// Verify GetConfig returns the updated config
	current := GetConfig()
	assert.Equal(t, cfg2.Server.Port, current.Server.Port)
}

// resetAppIdentity resets package state for isolated tests.
// Must only be used in tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestGetUserConfigPathsNilIdentity(t *testing.T) {
	// Save and restore state
	resetAppIdentity()
	defer func() {
		ctx := context.Background()
		_, _ = Load(ctx) // Restore state for other tests
	}()

	// When appIdentity is nil, getUserConfigPaths should return empty slice
	paths := getUserConfigPaths()
	assert.Empty(t, paths)
}

func TestGetEnvSpecsNilIdentity(t *testing.T) {
	// Save and restore state
	resetAppIdentity()
	defer func() {
		ctx := context.Background()
		_, _ = Load(ctx) // Restore state for other tests
	}()

	// When appIdentity is nil, getEnvSpecs should return empty slice
	specs := getEnvSpecs()
	assert.Empty(t, specs)
}

func TestFindProjectRootCIBoundaryEdgeCases(t *testing.T) {
	repoRoot := findRepoRootForTest(t)

	t.Run("CITrueButEmptyBoundaryVars", func(t *testing.T) {
		// Set CI=true but leave all boundary vars empty
		t.Setenv("CI", "true")
		t.Setenv("SPECENV_WORKSPACE_ROOT", "")
		t.Setenv("GITHUB_WORKSPACE", "")
		t.Setenv("CI_PROJECT_DIR", "")
		t.Setenv("WORKSPACE", "")

		// Should still find root via fallback
		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.NotEmpty(t, root)
	})

	t.Run("CITrueWithRelativeBoundary", func(t *testing.T) {
		t.Setenv("CI", "true")
		t.Setenv("SPECENV_WORKSPACE_ROOT", "./relative/path") // Not absolute

		// Should fall back to default discovery
		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.NotEmpty(t, root)
	})

	t.Run("CITrueWithNonexistentBoundary", func(t *testing.T) {
		t.Setenv("CI", "true")
		t.Setenv("SPECENV_WORKSPACE_ROOT", "/nonexistent/path/that/does/not/exist")

		// Should fall back to default discovery
		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.NotEmpty(t, root)
	})

	t.Run("CITrueWithBoundaryNotContainingCwd", func(t *testing.T) {
		t.Setenv("CI", "true")
		// Use a valid directory that doesn't contain our cwd
		t.Setenv("SPECENV_WORKSPACE_ROOT", os.TempDir())

		// Should fall back to default discovery
		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.NotEmpty(t, root)
	})

	t.Run("GitHubActionsEnvVar", func(t *testing.T) {
		t.Setenv("GITHUB_ACTIONS", "true")
		t.Setenv("GITHUB_WORKSPACE", repoRoot)

		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.Equal(t, repoRoot, root)
	})
}

func TestEnvSpecsPrefixHandling(t *testing.T) {
	ctx := context.Background()

	// Ensure appIdentity is loaded
	_, err := Load(ctx)
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	// Verify all specs have the SPECENV_ prefix
	for _, spec := range specs {
		assert.True(t, len(spec.Name) > 0, "env var name should not be empty")
		assert.Contains(t, spec.Name, "SPECENV_", "all specs should have SPECENV_ prefix")
	}

	// Verify path structure
	for _, spec := range specs {
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}
}

func TestLoadValidation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		overrides   map[string]any
		errContains string
	}{
		{
			name:        "unknown compatibility policy",
			overrides:   map[string]any{"pipeline": map[string]any{"compatibility": "sometimes"}},
			errContains: "pipeline.compatibility",
		},
		{
			name:        "s3 artifacts without bucket",
			overrides:   map[string]any{"fetch": map[string]any{"artifacts": map[string]any{"kind": "s3"}}},
			errContains: "bucket is required",
		},
		{
			name:        "unknown artifacts kind",
			overrides:   map[string]any{"fetch": map[string]any{"artifacts": map[string]any{"kind": "ftp"}}},
			errContains: "must be file or s3",
		},
		{
			name:        "zero workers",
			overrides:   map[string]any{"workers": 0},
			errContains: "workers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(ctx, tt.overrides)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "specenv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pipeline:
  compatibility: advisory
fetch:
  timeout: 90s
  rate_limit: 2.5
  artifacts:
    kind: s3
    bucket: artifacts
    prefix: envs/
store:
  url: postgres://specenv@localhost/specenv
`), 0o644))
	t.Setenv("SPECENV_CONFIG", path)
	t.Setenv("SPECENV_COMPATIBILITY", "off")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "off", cfg.Pipeline.Compatibility, "env beats file")
	assert.Equal(t, 90*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 2.5, cfg.Fetch.RateLimit)
	assert.Equal(t, "artifacts", cfg.Fetch.Artifacts.Bucket)
	assert.Equal(t, "envs/", cfg.Fetch.Artifacts.Prefix)
	assert.Equal(t, "postgres://specenv@localhost/specenv", cfg.Store.URL)
	assert.Empty(t, cfg.Store.Path, "url wins over the default path")
}

func TestGetAppDataDir(t *testing.T) {
	dir := GetAppDataDir()
	assert.True(t, filepath.IsAbs(dir))
	assert.Equal(t, "specenv", filepath.Base(dir))
}

func TestLoadArtifactsFromPrefixedEnv(t *testing.T) {
	t.Setenv("SPECENV_ARTIFACTS_KIND", "s3")
	t.Setenv("SPECENV_ARTIFACTS_BUCKET", "envs")
	t.Setenv("SPECENV_FETCH_ARTIFACTS_ENDPOINT", "http://localhost:5555")
	t.Setenv("SPECENV_FETCH_ARTIFACTS_FORCE_PATH_STYLE", "true")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "s3", cfg.Fetch.Artifacts.Kind)
	assert.Equal(t, "envs", cfg.Fetch.Artifacts.Bucket)
	assert.Equal(t, "http://localhost:5555", cfg.Fetch.Artifacts.Endpoint)
	assert.True(t, cfg.Fetch.Artifacts.ForcePathStyle)
}
