// Package config loads the service configuration.
//
// Precedence, highest first: runtime overrides, SPECENV_* environment
// variables, the specenv.yaml config file, built-in defaults.
package config

import (
	"time"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Health   HealthConfig   `mapstructure:"health"`
	Debug    DebugConfig    `mapstructure:"debug"`
	Workers  int            `mapstructure:"workers"`
	Store    StoreConfig    `mapstructure:"store"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// StoreConfig selects the database. URL wins over Path; an empty Path
// resolves to specenv.db under the app data dir.
type StoreConfig struct {
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

type PipelineConfig struct {
	// Compatibility is enforce, advisory or off.
	Compatibility string `mapstructure:"compatibility"`
}

type FetchConfig struct {
	Timeout   time.Duration   `mapstructure:"timeout"`
	RateLimit float64         `mapstructure:"rate_limit"`
	WorkDir   string          `mapstructure:"work_dir"`
	LocalRoot string          `mapstructure:"local_root"`
	UserAgent string          `mapstructure:"user_agent"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
}

// ArtifactsConfig selects where verified artifacts are stored: a local
// directory (kind "file") or an S3 bucket (kind "s3").
type ArtifactsConfig struct {
	Kind           string `mapstructure:"kind"`
	BaseDir        string `mapstructure:"base_dir"`
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
	Prefix         string `mapstructure:"prefix"`
}
