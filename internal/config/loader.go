package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/specenv/pkg/catalog"
)

// AppIdentity names the application for config and env discovery.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
	Vendor     string
}

// DefaultIdentity is the identity of the specenv binary.
func DefaultIdentity() *AppIdentity {
	return &AppIdentity{
		BinaryName: "specenv",
		EnvPrefix:  "SPECENV",
		ConfigName: "specenv",
		Vendor:     "3leaps",
	}
}

// EnvSpec maps an environment variable onto a config path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *AppIdentity
	appConfig   *Config
)

// envBindings lists the short env names; the prefix is added per identity.
// Every key is also reachable as <PREFIX>_<PATH> with dots as underscores.
var envBindings = []EnvSpec{
	{Name: "HOST", Path: "server.host"},
	{Name: "PORT", Path: "server.port"},
	{Name: "READ_TIMEOUT", Path: "server.read_timeout"},
	{Name: "WRITE_TIMEOUT", Path: "server.write_timeout"},
	{Name: "IDLE_TIMEOUT", Path: "server.idle_timeout"},
	{Name: "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
	{Name: "LOG_LEVEL", Path: "logging.level"},
	{Name: "LOG_PROFILE", Path: "logging.profile"},
	{Name: "METRICS_ENABLED", Path: "metrics.enabled"},
	{Name: "METRICS_PORT", Path: "metrics.port"},
	{Name: "HEALTH_ENABLED", Path: "health.enabled"},
	{Name: "WORKERS", Path: "workers"},
	{Name: "DEBUG", Path: "debug.enabled"},
	{Name: "PPROF_ENABLED", Path: "debug.pprof_enabled"},
	{Name: "DB_PATH", Path: "store.path"},
	{Name: "DB_URL", Path: "store.url"},
	{Name: "DB_AUTH_TOKEN", Path: "store.auth_token"},
	{Name: "COMPATIBILITY", Path: "pipeline.compatibility"},
	{Name: "FETCH_TIMEOUT", Path: "fetch.timeout"},
	{Name: "FETCH_RATE_LIMIT", Path: "fetch.rate_limit"},
	{Name: "WORK_DIR", Path: "fetch.work_dir"},
	{Name: "LOCAL_ROOT", Path: "fetch.local_root"},
	{Name: "ARTIFACTS_KIND", Path: "fetch.artifacts.kind"},
	{Name: "ARTIFACTS_DIR", Path: "fetch.artifacts.base_dir"},
	{Name: "ARTIFACTS_BUCKET", Path: "fetch.artifacts.bucket"},
}

// SetDefaults installs the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("workers", 4)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("store.path", "")
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("pipeline.compatibility", string(catalog.PolicyEnforce))

	v.SetDefault("fetch.timeout", "10m")
	v.SetDefault("fetch.rate_limit", 0)
	v.SetDefault("fetch.work_dir", "")
	v.SetDefault("fetch.local_root", "")
	v.SetDefault("fetch.user_agent", "specenv")
	v.SetDefault("fetch.artifacts.kind", "file")
	v.SetDefault("fetch.artifacts.base_dir", "")
	v.SetDefault("fetch.artifacts.bucket", "")
	v.SetDefault("fetch.artifacts.region", "")
	v.SetDefault("fetch.artifacts.endpoint", "")
	v.SetDefault("fetch.artifacts.profile", "")
	v.SetDefault("fetch.artifacts.prefix", "")
	v.SetDefault("fetch.artifacts.force_path_style", false)
}

// Load builds the configuration. Each map in overrides is applied on top
// of everything else; nested maps address nested keys.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	_ = ctx

	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		appIdentity = DefaultIdentity()
	}
	id := appIdentity

	v := viper.New()
	SetDefaults(v)

	if path := configFilePath(id); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(id.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range envSpecsFor(id) {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	normalize(&cfg, id)
	if err := validate(&cfg); err != nil {
		return nil, err
	}

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Identity returns the app identity, or nil before the first Load.
func Identity() *AppIdentity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// GetAppDataDir returns the per-user data directory of the app.
func GetAppDataDir() string {
	return appDataDir(Identity())
}

func appDataDir(id *AppIdentity) string {
	name := "specenv"
	if id != nil {
		name = id.ConfigName
	}
	return gfconfig.GetAppDataDir(name)
}

func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	defer configMu.RUnlock()
	if appIdentity == nil {
		return []EnvSpec{}
	}
	return envSpecsFor(appIdentity)
}

func envSpecsFor(id *AppIdentity) []EnvSpec {
	specs := make([]EnvSpec, 0, len(envBindings))
	for _, b := range envBindings {
		specs = append(specs, EnvSpec{Name: id.EnvPrefix + "_" + b.Name, Path: b.Path})
	}
	return specs
}

func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}
	return userConfigPaths(id)
}

func userConfigPaths(id *AppIdentity) []string {
	file := id.ConfigName + ".yaml"
	var paths []string
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		paths = append(paths, filepath.Join(dir, id.ConfigName, file))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", id.ConfigName, file))
	}
	return paths
}

// configFilePath picks the first existing config file: the explicit
// <PREFIX>_CONFIG file, the user config dir, then the project root.
func configFilePath(id *AppIdentity) string {
	if explicit := os.Getenv(id.EnvPrefix + "_CONFIG"); explicit != "" {
		return explicit
	}
	candidates := userConfigPaths(id)
	if root, err := findProjectRoot(); err == nil {
		candidates = append(candidates, filepath.Join(root, id.ConfigName+".yaml"))
	}
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// findProjectRoot walks up from the working directory to the nearest
// directory holding go.mod. In CI the walk stops at the workspace boundary
// when one is advertised and contains the working directory. Without a
// match the working directory itself is returned.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}

	boundary := ciBoundary(cwd)
	dir := cwd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		if dir == boundary {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return cwd, nil
}

var ciBoundaryVars = []string{"SPECENV_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"}

func ciBoundary(cwd string) string {
	if os.Getenv("CI") != "true" && os.Getenv("GITHUB_ACTIONS") != "true" {
		return ""
	}
	for _, name := range ciBoundaryVars {
		v := os.Getenv(name)
		if v == "" || !filepath.IsAbs(v) {
			continue
		}
		info, err := os.Stat(v)
		if err != nil || !info.IsDir() {
			continue
		}
		rel, err := filepath.Rel(v, cwd)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return filepath.Clean(v)
	}
	return ""
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

func normalize(cfg *Config, id *AppIdentity) {
	cfg.Logging.Profile = strings.ToUpper(strings.TrimSpace(cfg.Logging.Profile))
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Pipeline.Compatibility = strings.ToLower(strings.TrimSpace(cfg.Pipeline.Compatibility))
	cfg.Fetch.Artifacts.Kind = strings.ToLower(strings.TrimSpace(cfg.Fetch.Artifacts.Kind))

	if cfg.Store.URL == "" && cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(appDataDir(id), "specenv.db")
	}
	if cfg.Fetch.Artifacts.Kind == "file" && cfg.Fetch.Artifacts.BaseDir == "" {
		cfg.Fetch.Artifacts.BaseDir = filepath.Join(appDataDir(id), "artifacts")
	}
}

func validate(cfg *Config) error {
	var errs []error
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", cfg.Server.Port))
	}
	if cfg.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1, got %d", cfg.Workers))
	}
	if _, err := catalog.ParsePolicy(cfg.Pipeline.Compatibility); err != nil {
		errs = append(errs, fmt.Errorf("pipeline.compatibility: %w", err))
	}
	if cfg.Fetch.RateLimit < 0 {
		errs = append(errs, errors.New("fetch.rate_limit must not be negative"))
	}
	switch cfg.Fetch.Artifacts.Kind {
	case "file":
	case "s3":
		if cfg.Fetch.Artifacts.Bucket == "" {
			errs = append(errs, errors.New("fetch.artifacts.bucket is required for kind s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("fetch.artifacts.kind %q must be file or s3", cfg.Fetch.Artifacts.Kind))
	}
	return errors.Join(errs...)
}
