package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/runnerhub/pkg/lock"
)

// Identity names the binary, its env prefix and its config file name.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity used when none was set.
var DefaultIdentity = Identity{
	BinaryName: "runnerhub",
	EnvPrefix:  "RUNNERHUB",
	ConfigName: "runnerhub",
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// SetConfigFile pins the config file read by Load. Empty restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	configFile = strings.TrimSpace(path)
	configMu.Unlock()
}

// GetIdentity returns the active identity, or nil before the first Load.
func GetIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// GetConfig returns the most recently loaded config, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Load builds the config from defaults, the config file, the environment and
// runtime overrides, in increasing precedence. Overrides are nested maps
// keyed like the YAML file, or flat dotted keys.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	id := appIdentity

	v := viper.New()
	setDefaults(v)

	path, err := resolveConfigFile(id, configFile)
	if err != nil {
		return nil, err
	}
	if path != "" {
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
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	appConfig = &cfg
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("health.enabled", true)
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)
	v.SetDefault("workers", 4)

	v.SetDefault("store.path", filepath.Join("data", "runnerhub.db"))
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("dispatch.lock", string(lock.KindLocal))
	v.SetDefault("dispatch.lock_timeout", "5s")
	v.SetDefault("dispatch.claim_expiry", "0s")
	v.SetDefault("dispatch.sweep_interval", "30s")
	v.SetDefault("dispatch.requeue_expired", false)
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.redis_url", "")
	v.SetDefault("dispatch.redis_key", lock.DefaultRedisKey)
	v.SetDefault("dispatch.redis_expiry", "10s")
	v.SetDefault("dispatch.postgres_url", "")
	v.SetDefault("dispatch.advisory_key", lock.DefaultAdvisoryKey)

	v.SetDefault("runners.cache_size", 1024)
	v.SetDefault("poll.rate", 2.0)
	v.SetDefault("poll.burst", 5)
	v.SetDefault("poll.limiter_cache_size", 4096)

	v.SetDefault("jobs.max_log_bytes", 1<<20)
	v.SetDefault("jobs.default_artifact_patterns", []string{})

	v.SetDefault("artifacts.provider", "file")
	v.SetDefault("artifacts.max_upload_bytes", 64<<20)
	v.SetDefault("artifacts.max_entry_bytes", 64<<20)
	v.SetDefault("artifacts.file.dir", filepath.Join("data", "artifacts"))
	v.SetDefault("artifacts.s3.bucket", "")
	v.SetDefault("artifacts.s3.prefix", "")
	v.SetDefault("artifacts.s3.region", "")
	v.SetDefault("artifacts.s3.use_instance_region", false)
	v.SetDefault("artifacts.s3.endpoint", "")
	v.SetDefault("artifacts.s3.profile", "")
	v.SetDefault("artifacts.s3.access_key_id", "")
	v.SetDefault("artifacts.s3.secret_access_key", "")
	v.SetDefault("artifacts.s3.force_path_style", false)

	v.SetDefault("importer.enabled", true)
	v.SetDefault("importer.queue_size", 64)
	v.SetDefault("importer.output", "-")

	v.SetDefault("cors.allowed_origins", []string{})

	v.SetDefault("agent.server_url", "http://localhost:8080")
	v.SetDefault("agent.token", "")
	v.SetDefault("agent.runner_id", "")
	v.SetDefault("agent.name", "")
	v.SetDefault("agent.languages", []string{"sh"})
	v.SetDefault("agent.tags", []string{})
	v.SetDefault("agent.project_id", 0)
	v.SetDefault("agent.data_dir", filepath.Join("data", "agent"))
	v.SetDefault("agent.output_dir", "")
	v.SetDefault("agent.poll_interval", "5s")
	v.SetDefault("agent.heartbeat_interval", "1m")
	v.SetDefault("agent.job_timeout", "30m")
}

func (c *Config) normalize() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Profile = strings.ToUpper(strings.TrimSpace(c.Logging.Profile))
	c.Dispatch.Lock = strings.ToLower(strings.TrimSpace(c.Dispatch.Lock))
	c.Artifacts.Provider = strings.ToLower(strings.TrimSpace(c.Artifacts.Provider))
	c.Agent.Languages = trimAll(c.Agent.Languages)
	c.CORS.AllowedOrigins = trimAll(c.CORS.AllowedOrigins)
	c.Jobs.DefaultArtifactPatterns = trimAll(c.Jobs.DefaultArtifactPatterns)
}

func trimAll(values []string) []string {
	out := values[:0]
	for _, s := range values {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
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

type envSpec struct {
	Name string
	Path string
}

var envAliases = []struct {
	suffix string
	path   string
}{
	{"HOST", "server.host"},
	{"PORT", "server.port"},
	{"READ_TIMEOUT", "server.read_timeout"},
	{"WRITE_TIMEOUT", "server.write_timeout"},
	{"IDLE_TIMEOUT", "server.idle_timeout"},
	{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
	{"LOG_LEVEL", "logging.level"},
	{"LOG_PROFILE", "logging.profile"},
	{"METRICS_ENABLED", "metrics.enabled"},
	{"METRICS_PORT", "metrics.port"},
	{"HEALTH_ENABLED", "health.enabled"},
	{"DEBUG", "debug.enabled"},
	{"PPROF_ENABLED", "debug.pprof_enabled"},
	{"WORKERS", "workers"},
	{"STORE_PATH", "store.path"},
	{"STORE_URL", "store.url"},
	{"STORE_AUTH_TOKEN", "store.auth_token"},
	{"LOCK", "dispatch.lock"},
	{"REDIS_URL", "dispatch.redis_url"},
	{"POSTGRES_URL", "dispatch.postgres_url"},
	{"CLAIM_EXPIRY", "dispatch.claim_expiry"},
	{"ARTIFACTS_PROVIDER", "artifacts.provider"},
	{"ARTIFACTS_DIR", "artifacts.file.dir"},
	{"S3_BUCKET", "artifacts.s3.bucket"},
	{"S3_PREFIX", "artifacts.s3.prefix"},
	{"S3_REGION", "artifacts.s3.region"},
	{"S3_ENDPOINT", "artifacts.s3.endpoint"},
	{"IMPORTER_ENABLED", "importer.enabled"},
	{"IMPORTER_OUTPUT", "importer.output"},
	{"AGENT_SERVER_URL", "agent.server_url"},
	{"AGENT_TOKEN", "agent.token"},
	{"AGENT_RUNNER_ID", "agent.runner_id"},
	{"AGENT_LANGUAGES", "agent.languages"},
}

// getEnvSpecs lists the short environment aliases for the active identity.
func getEnvSpecs() []envSpec {
	configMu.RLock()
	defer configMu.RUnlock()
	return envSpecsFor(appIdentity)
}

func envSpecsFor(id *Identity) []envSpec {
	if id == nil || id.EnvPrefix == "" {
		return []envSpec{}
	}
	specs := make([]envSpec, 0, len(envAliases))
	for _, a := range envAliases {
		specs = append(specs, envSpec{Name: id.EnvPrefix + "_" + a.suffix, Path: a.path})
	}
	return specs
}

// getUserConfigPaths lists per-user config file candidates.
func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	return userConfigPaths(id)
}

func userConfigPaths(id *Identity) []string {
	if id == nil || id.ConfigName == "" {
		return []string{}
	}
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths,
			filepath.Join(dir, id.ConfigName, "config.yaml"),
			filepath.Join(dir, id.ConfigName, "config.yml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+id.ConfigName+".yaml"))
	}
	return paths
}

// resolveConfigFile picks the config file: the pinned path, then
// <PREFIX>_CONFIG, then <config name>.yaml in the project root, then the
// per-user locations. Pinned and env paths must exist; discovered ones are
// optional.
func resolveConfigFile(id *Identity, pinned string) (string, error) {
	explicit := pinned
	if explicit == "" {
		explicit = strings.TrimSpace(os.Getenv(id.EnvPrefix + "_CONFIG"))
	}
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicit, err)
		}
		return explicit, nil
	}

	root, _ := findProjectRoot()
	candidates := []string{
		filepath.Join(root, id.ConfigName+".yaml"),
		filepath.Join(root, id.ConfigName+".yml"),
	}
	candidates = append(candidates, userConfigPaths(id)...)
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", nil
}

var rootMarkers = []string{"go.mod", ".git", DefaultIdentity.ConfigName + ".yaml"}

// ciBoundaryVars name directories CI systems check the repo out into.
var ciBoundaryVars = []string{
	DefaultIdentity.EnvPrefix + "_WORKSPACE_ROOT",
	"GITHUB_WORKSPACE",
	"CI_PROJECT_DIR",
	"WORKSPACE",
}

// findProjectRoot walks up from the working directory to the nearest
// directory holding a root marker. The walk stops at the user's home
// directory, or in CI at the workspace directory named by the environment.
// Without a marker the working directory is returned.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return ".", nil
	}

	boundary := ""
	if isCI() {
		boundary = ciBoundary(cwd)
	}
	if boundary == "" {
		if home, err := os.UserHomeDir(); err == nil && within(cwd, home) {
			boundary = home
		}
	}

	dir := cwd
	for {
		for _, m := range rootMarkers {
			if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
				return dir, nil
			}
		}
		if boundary != "" && dir == boundary {
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

func isCI() bool {
	for _, name := range []string{"CI", "GITHUB_ACTIONS"} {
		if strings.EqualFold(os.Getenv(name), "true") {
			return true
		}
	}
	return false
}

func ciBoundary(cwd string) string {
	for _, name := range ciBoundaryVars {
		dir := strings.TrimSpace(os.Getenv(name))
		if dir == "" || !filepath.IsAbs(dir) {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		dir = filepath.Clean(dir)
		if within(cwd, dir) {
			return dir
		}
	}
	return ""
}

func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
