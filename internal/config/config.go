// Package config loads runnerhub configuration from defaults, an optional
// YAML file, RUNNERHUB_* environment variables and runtime overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/runnerhub/internal/observability"
	"github.com/3leaps/runnerhub/pkg/auth"
	"github.com/3leaps/runnerhub/pkg/blobstore"
	"github.com/3leaps/runnerhub/pkg/lock"
)

// Config is the complete runnerhub configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
	Debug     DebugConfig     `mapstructure:"debug"`
	Workers   int             `mapstructure:"workers"`
	Store     StoreConfig     `mapstructure:"store"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Runners   RunnersConfig   `mapstructure:"runners"`
	Poll      PollConfig      `mapstructure:"poll"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Importer  ImporterConfig  `mapstructure:"importer"`
	Auth      AuthConfig      `mapstructure:"auth"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Agent     AgentConfig     `mapstructure:"agent"`
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

// StoreConfig selects the job database. URL wins over Path.
type StoreConfig struct {
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// DispatchConfig configures the claim lock and the claim-expiry sweep.
type DispatchConfig struct {
	Lock           string        `mapstructure:"lock"`
	LockTimeout    time.Duration `mapstructure:"lock_timeout"`
	ClaimExpiry    time.Duration `mapstructure:"claim_expiry"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	RequeueExpired bool          `mapstructure:"requeue_expired"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RedisURL       string        `mapstructure:"redis_url"`
	RedisKey       string        `mapstructure:"redis_key"`
	RedisExpiry    time.Duration `mapstructure:"redis_expiry"`
	PostgresURL    string        `mapstructure:"postgres_url"`
	AdvisoryKey    int64         `mapstructure:"advisory_key"`
}

type RunnersConfig struct {
	CacheSize int `mapstructure:"cache_size"`
}

// PollConfig rate limits job polls per runner. Rate <= 0 disables limiting.
type PollConfig struct {
	Rate             float64 `mapstructure:"rate"`
	Burst            int     `mapstructure:"burst"`
	LimiterCacheSize int     `mapstructure:"limiter_cache_size"`
}

type JobsConfig struct {
	MaxLogBytes             int      `mapstructure:"max_log_bytes"`
	DefaultArtifactPatterns []string `mapstructure:"default_artifact_patterns"`
}

type ArtifactsConfig struct {
	Provider       string             `mapstructure:"provider"`
	MaxUploadBytes int64              `mapstructure:"max_upload_bytes"`
	MaxEntryBytes  int64              `mapstructure:"max_entry_bytes"`
	File           FileArtifactConfig `mapstructure:"file"`
	S3             S3ArtifactConfig   `mapstructure:"s3"`
}

type FileArtifactConfig struct {
	Dir string `mapstructure:"dir"`
}

type S3ArtifactConfig struct {
	Bucket            string `mapstructure:"bucket"`
	Prefix            string `mapstructure:"prefix"`
	Region            string `mapstructure:"region"`
	UseInstanceRegion bool   `mapstructure:"use_instance_region"`
	Endpoint          string `mapstructure:"endpoint"`
	Profile           string `mapstructure:"profile"`
	AccessKeyID       string `mapstructure:"access_key_id"`
	SecretAccessKey   string `mapstructure:"secret_access_key"`
	ForcePathStyle    bool   `mapstructure:"force_path_style"`
}

// ImporterConfig controls the background result importer. Output is a file
// path for JSONL records; "-" or empty writes to stdout.
type ImporterConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	QueueSize int    `mapstructure:"queue_size"`
	Output    string `mapstructure:"output"`
}

type AuthConfig struct {
	Tokens []auth.Token `mapstructure:"tokens"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// AgentConfig configures the reference runner started by `runnerhub agent`.
type AgentConfig struct {
	ServerURL         string        `mapstructure:"server_url"`
	Token             string        `mapstructure:"token"`
	RunnerID          string        `mapstructure:"runner_id"`
	Name              string        `mapstructure:"name"`
	Languages         []string      `mapstructure:"languages"`
	Tags              []string      `mapstructure:"tags"`
	ProjectID         int64         `mapstructure:"project_id"`
	DataDir           string        `mapstructure:"data_dir"`
	OutputDir         string        `mapstructure:"output_dir"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if err := validPort("server.port", c.Server.Port); err != nil {
		errs = append(errs, err)
	}
	if c.Metrics.Enabled {
		if err := validPort("metrics.port", c.Metrics.Port); err != nil {
			errs = append(errs, err)
		}
		if c.Metrics.Port == c.Server.Port {
			errs = append(errs, fmt.Errorf("metrics.port must differ from server.port (%d)", c.Server.Port))
		}
	}
	if _, err := observability.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch strings.ToUpper(c.Logging.Profile) {
	case "", observability.ProfileStructured, observability.ProfileConsole:
	default:
		errs = append(errs, fmt.Errorf("logging.profile: unknown profile %q", c.Logging.Profile))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}

	kind, err := lock.ParseKind(c.Dispatch.Lock)
	if err != nil {
		errs = append(errs, fmt.Errorf("dispatch.lock: %w", err))
	}
	switch {
	case kind == lock.KindRedis && strings.TrimSpace(c.Dispatch.RedisURL) == "":
		errs = append(errs, errors.New("dispatch.redis_url is required for the redis lock"))
	case kind == lock.KindPostgres && strings.TrimSpace(c.Dispatch.PostgresURL) == "":
		errs = append(errs, errors.New("dispatch.postgres_url is required for the postgres lock"))
	}
	if c.Dispatch.RequeueExpired && c.Dispatch.MaxAttempts < 1 {
		errs = append(errs, errors.New("dispatch.max_attempts must be at least 1 when requeue_expired is set"))
	}

	provider, err := blobstore.ParseKind(c.Artifacts.Provider)
	if err != nil {
		errs = append(errs, fmt.Errorf("artifacts.provider: %w", err))
	}
	switch {
	case provider == blobstore.KindS3 && strings.TrimSpace(c.Artifacts.S3.Bucket) == "":
		errs = append(errs, errors.New("artifacts.s3.bucket is required for the s3 provider"))
	case provider == blobstore.KindFile && strings.TrimSpace(c.Artifacts.File.Dir) == "":
		errs = append(errs, errors.New("artifacts.file.dir is required for the file provider"))
	}
	if c.Artifacts.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("artifacts.max_upload_bytes must be positive"))
	}
	if strings.TrimSpace(c.Store.Path) == "" && strings.TrimSpace(c.Store.URL) == "" {
		errs = append(errs, errors.New("store.path or store.url is required"))
	}
	return errors.Join(errs...)
}

func validPort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}
