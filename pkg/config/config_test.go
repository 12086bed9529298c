package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, DefaultDataDir, cfg.Storage.DataDir)
	assert.Equal(t, filepath.Join(DefaultDataDir, "runs.json"), cfg.Storage.RunsFile)
	assert.Equal(t, filepath.Join(DefaultDataDir, "projects.json"), cfg.Storage.ProjectsFile)
	assert.Equal(t, filepath.Join(DefaultDataDir, "runs"), cfg.Storage.WorkspacesDir)
	assert.Equal(t, filepath.Join(DefaultDataDir, "logs"), cfg.Storage.LogsDir)
	assert.Equal(t, DefaultRuntimeBinary, cfg.Runner.RuntimeBinary)
	assert.Equal(t, DefaultRunnerImage, cfg.Runner.Image)
	assert.Equal(t, DefaultMountPath, cfg.Runner.MountPath)
	assert.Equal(t, DefaultTool, cfg.Runner.Tool)
	assert.Equal(t, DefaultKeepAliveInterval, cfg.Stream.KeepAliveInterval)
	assert.Equal(t, DefaultViewerBuffer, cfg.Stream.ViewerBuffer)
	assert.Equal(t, DefaultArchivePrefix, cfg.Archive.S3.Prefix)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileValues(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  listen: ":8080"
  cors_origins: ["http://localhost:3001"]
storage:
  data_dir: /srv/qadash
runner:
  image: node:20
  memory: 2g
stream:
  keepalive_interval: 5s
  viewer_buffer: 16
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, []string{"http://localhost:3001"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "/srv/qadash/runs.json", cfg.Storage.RunsFile)
	assert.Equal(t, "/srv/qadash/logs", cfg.Storage.LogsDir)
	assert.Equal(t, "node:20", cfg.Runner.Image)
	assert.Equal(t, 5*time.Second, cfg.Stream.KeepAliveInterval)
	assert.Equal(t, 16, cfg.Stream.ViewerBuffer)

	mem, err := cfg.Runner.MemoryBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(2*1024*1024*1024), mem)
}

func TestLoad_LaterFilesOverride(t *testing.T) {
	base := writeConfig(t, "base.yaml", `
runner:
  image: base-image
  runtime_binary: docker
`)
	override := writeConfig(t, "override.yaml", `
runner:
  image: override-image
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, "override-image", cfg.Runner.Image)
	assert.Equal(t, "docker", cfg.Runner.RuntimeBinary)
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  listen: ":3000"
runner:
  image: original-image
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, ":3000", cfg.Server.Listen)
				assert.Equal(t, "original-image", cfg.Runner.Image)
			},
		},
		{
			name: "string override - runner image",
			envVars: map[string]string{
				"QADASH_RUNNER_IMAGE": "custom-image",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "custom-image", cfg.Runner.Image)
			},
		},
		{
			name: "key absent from file - runtime binary",
			envVars: map[string]string{
				"QADASH_RUNNER_RUNTIME_BINARY": "podman",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "podman", cfg.Runner.RuntimeBinary)
			},
		},
		{
			name: "boolean override - history enabled",
			envVars: map[string]string{
				"QADASH_HISTORY_ENABLED": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.History.Enabled)
			},
		},
		{
			name: "duration override - keepalive interval",
			envVars: map[string]string{
				"QADASH_STREAM_KEEPALIVE_INTERVAL": "30s",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 30*time.Second, cfg.Stream.KeepAliveInterval)
			},
		},
		{
			name: "PORT overrides listen address",
			envVars: map[string]string{
				"PORT": "4000",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, ":4000", cfg.Server.Listen)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := Load(path)
			require.NoError(t, err)
			tt.validate(t, cfg)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(_ *Config) {},
		},
		{
			name: "relative mount path",
			mutate: func(cfg *Config) {
				cfg.Runner.MountPath = "workspace"
			},
			wantErr: "mount_path",
		},
		{
			name: "bad memory value",
			mutate: func(cfg *Config) {
				cfg.Runner.Memory = "lots"
			},
			wantErr: "runner.memory",
		},
		{
			name: "basic auth without users",
			mutate: func(cfg *Config) {
				cfg.Auth.Basic.Enabled = true
			},
			wantErr: "no users",
		},
		{
			name: "basic auth user without hash",
			mutate: func(cfg *Config) {
				cfg.Auth.Basic.Enabled = true
				cfg.Auth.Basic.Users = []BasicAuthUser{{Username: "qa"}}
			},
			wantErr: "password_hash",
		},
		{
			name: "archive without bucket",
			mutate: func(cfg *Config) {
				cfg.Archive.S3.Enabled = true
			},
			wantErr: "bucket",
		},
		{
			name: "history with unknown driver",
			mutate: func(cfg *Config) {
				cfg.History.Enabled = true
				cfg.History.Database.Driver = "mysql"
			},
			wantErr: "unsupported driver",
		},
		{
			name: "rate limit without budget",
			mutate: func(cfg *Config) {
				cfg.Server.RateLimit.Enabled = true
				cfg.Server.RateLimit.RequestsPerMinute = 0
			},
			wantErr: "requests_per_minute",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)

			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
