package cmd

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/specenv/internal/server/handlers"
)

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	t.Cleanup(func() { SetVersionInfo(orig.Version, orig.Commit, orig.BuildDate) })

	SetVersionInfo("1.2.0", "abc123", "2026-10-01")

	assert.Equal(t, "1.2.0", versionInfo.Version)
	assert.Equal(t, "abc123", versionInfo.Commit)
	assert.Equal(t, "2026-10-01", versionInfo.BuildDate)
	assert.Equal(t, "1.2.0", handlers.GetVersionInfo().Version, "version endpoint sees the same build")
}

func TestGetAppIdentity_NilBeforeInit(t *testing.T) {
	orig := appIdentity
	appIdentity = nil
	t.Cleanup(func() { appIdentity = orig })

	assert.Nil(t, GetAppIdentity())
}

func TestSetDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setDefaults()

	assert.Equal(t, 8080, viper.GetInt("server.port"))
	assert.Equal(t, "10s", viper.GetString("server.shutdown_timeout"))
	assert.Equal(t, "info", viper.GetString("logging.level"))
	assert.Equal(t, 4, viper.GetInt("workers"))
	assert.Equal(t, "enforce", viper.GetString("pipeline.compatibility"))
	assert.Equal(t, "10m", viper.GetString("fetch.timeout"))
	assert.Equal(t, "file", viper.GetString("fetch.artifacts.kind"))
}

func TestPersistentFlagsMapToConfigKeys(t *testing.T) {
	for flag, key := range persistentFlagKeys {
		require.NotNil(t, rootCmd.PersistentFlags().Lookup(flag), "flag %q", flag)
		assert.NotEmpty(t, key)
	}
}
