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

func load(t *testing.T, overrides ...map[string]any) *Config {
	t.Helper()
	cfg, err := Load(context.Background(), overrides...)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	return cfg
}

func repoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		require.NotEqual(t, dir, parent, "go.mod not found above working directory")
		dir = parent
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg := load(t)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.False(t, cfg.Debug.PprofEnabled)

	assert.Equal(t, "local", cfg.Dispatch.Lock)
	assert.Zero(t, cfg.Dispatch.ClaimExpiry)
	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, "file", cfg.Artifacts.Provider)
	assert.Equal(t, []string{"sh"}, cfg.Agent.Languages)
	assert.Equal(t, 30*time.Minute, cfg.Agent.JobTimeout)
	assert.Same(t, cfg, GetConfig())
}

func TestLoad_Precedence(t *testing.T) {
	t.Setenv("RUNNERHUB_PORT", "3000")
	t.Setenv("RUNNERHUB_LOG_LEVEL", "warn")
	t.Setenv("RUNNERHUB_METRICS_ENABLED", "false")
	t.Setenv("RUNNERHUB_SHUTDOWN_TIMEOUT", "5m")

	cfg := load(t)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)

	cfg = load(t, map[string]any{
		"server":     map[string]any{"port": 5000},
		"agent.name": "builder-1",
		"dispatch":   map[string]any{"max_attempts": 9},
	})
	assert.Equal(t, 5000, cfg.Server.Port, "override beats env")
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "builder-1", cfg.Agent.Name)
	assert.Equal(t, 9, cfg.Dispatch.MaxAttempts)
	assert.Same(t, cfg, GetConfig())
}

func TestLoad_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Load(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEnvSpecs(t *testing.T) {
	load(t)
	names := map[string]string{}
	for _, s := range getEnvSpecs() {
		names[s.Name] = s.Path
	}
	assert.Equal(t, "server.port", names["RUNNERHUB_PORT"])
	assert.Equal(t, "dispatch.lock", names["RUNNERHUB_LOCK"])
	assert.Equal(t, "artifacts.s3.endpoint", names["RUNNERHUB_S3_ENDPOINT"])
	assert.Equal(t, "agent.languages", names["RUNNERHUB_AGENT_LANGUAGES"])

	assert.Empty(t, envSpecsFor(nil))
	assert.Empty(t, envSpecsFor(&Identity{BinaryName: "x"}))
	assert.Empty(t, userConfigPaths(nil))

	custom := envSpecsFor(&Identity{EnvPrefix: "HUB"})
	require.NotEmpty(t, custom)
	assert.Equal(t, "HUB_HOST", custom[0].Name)
}

func TestFindProjectRoot_CI(t *testing.T) {
	root := repoRoot(t)

	for name, boundary := range map[string]string{
		"empty":           "",
		"relative":        "./relative/path",
		"missing":         "/nonexistent/runnerhub/workspace",
		"not-an-ancestor": os.TempDir(),
		"workspace":       root,
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv("CI", "true")
			t.Setenv("HOME", t.TempDir())
			t.Setenv("GITHUB_WORKSPACE", "")
			t.Setenv("CI_PROJECT_DIR", "")
			t.Setenv("WORKSPACE", "")
			t.Setenv("RUNNERHUB_WORKSPACE_ROOT", boundary)

			got, err := findProjectRoot()
			require.NoError(t, err)
			assert.Equal(t, root, got)
		})
	}
}

func TestWithin(t *testing.T) {
	assert.True(t, within("/a/b", "/a"))
	assert.True(t, within("/a", "/a"))
	assert.False(t, within("/ab", "/a"))
	assert.False(t, within("/", "/a"))
}

func TestLoadConfigFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "runnerhub.yaml")
	content := `
server:
  port: 8181
dispatch:
  lock: LOCAL
  claim_expiry: 2m
  requeue_expired: true
  max_attempts: 5
artifacts:
  provider: file
  file:
    dir: /var/lib/runnerhub/artifacts
auth:
  tokens:
    - name: ci
      token: s3cret
      tenant: acme
      project_id: 7
cors:
  allowed_origins: ["https://ci.example.com"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	SetConfigFile(path)
	defer SetConfigFile("")

	t.Setenv("RUNNERHUB_CLAIM_EXPIRY", "90s")

	cfg, err := Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, "local", cfg.Dispatch.Lock)
	assert.Equal(t, 90*time.Second, cfg.Dispatch.ClaimExpiry, "env beats file")
	assert.True(t, cfg.Dispatch.RequeueExpired)
	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, "/var/lib/runnerhub/artifacts", cfg.Artifacts.File.Dir)
	require.Len(t, cfg.Auth.Tokens, 1)
	assert.Equal(t, "acme", cfg.Auth.Tokens[0].TenantID)
	assert.Equal(t, "s3cret", cfg.Auth.Tokens[0].Secret)
	require.NotNil(t, cfg.Auth.Tokens[0].ProjectID)
	assert.EqualValues(t, 7, *cfg.Auth.Tokens[0].ProjectID)
	assert.Equal(t, []string{"https://ci.example.com"}, cfg.CORS.AllowedOrigins)
}

func TestLoadMissingConfigFile(t *testing.T) {
	t.Setenv("RUNNERHUB_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absent.yaml")
}

func TestLoadCommaSeparatedEnvList(t *testing.T) {
	t.Setenv("RUNNERHUB_AGENT_LANGUAGES", "sh, Python ,node")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"sh", "Python", "node"}, cfg.Agent.Languages)
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		cfg, err := Load(context.Background())
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"metrics port collides", func(c *Config) { c.Metrics.Port = c.Server.Port }, "metrics.port must differ"},
		{"metrics disabled ignores port", func(c *Config) { c.Metrics.Enabled = false; c.Metrics.Port = 0 }, ""},
		{"unknown lock", func(c *Config) { c.Dispatch.Lock = "zookeeper" }, "dispatch.lock"},
		{"redis lock needs url", func(c *Config) { c.Dispatch.Lock = "redis" }, "dispatch.redis_url"},
		{"postgres lock needs url", func(c *Config) { c.Dispatch.Lock = "postgres" }, "dispatch.postgres_url"},
		{"unknown provider", func(c *Config) { c.Artifacts.Provider = "gcs" }, "artifacts.provider"},
		{"s3 needs bucket", func(c *Config) { c.Artifacts.Provider = "s3" }, "artifacts.s3.bucket"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"requeue needs attempts", func(c *Config) { c.Dispatch.RequeueExpired = true; c.Dispatch.MaxAttempts = 0 }, "max_attempts"},
		{"store required", func(c *Config) { c.Store.Path = ""; c.Store.URL = "" }, "store.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"server":        map[string]any{"Port": 1, "host": "h"},
		"dispatch.lock": "redis",
	})
	assert.Equal(t, map[string]any{
		"server.port":   1,
		"server.host":   "h",
		"dispatch.lock": "redis",
	}, got)
}
