package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/mitchellh/mapstructure"
	"github.com/qadash/qadash/pkg/fsutil"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "QADASH"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":3000"

	// DefaultDataDir is the default directory for runs.json and projects.json.
	DefaultDataDir = "./data"

	// DefaultRuntimeBinary is the container runtime CLI used to launch runs.
	DefaultRuntimeBinary = "docker"

	// DefaultRunnerImage is the image test suites are executed in.
	DefaultRunnerImage = "mcr.microsoft.com/playwright:v1.47.0-jammy"

	// DefaultMountPath is where the workspace is mounted inside the container.
	DefaultMountPath = "/workspace"

	// DefaultTool is the label recorded on every run.
	DefaultTool = "Docker (containerized runner)"

	// DefaultKeepAliveInterval is the interval between live-stream keep-alives.
	DefaultKeepAliveInterval = 15 * time.Second

	// DefaultViewerBuffer is the number of pending messages a live viewer may
	// queue before it is disconnected.
	DefaultViewerBuffer = 256

	// DefaultArchivePrefix is the default S3 key prefix for archived runs.
	DefaultArchivePrefix = "qadash/runs"
)

// Config is the root configuration for qadash.
type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Auth    AuthConfig    `yaml:"auth" mapstructure:"auth"`
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`
	Runner  RunnerConfig  `yaml:"runner" mapstructure:"runner"`
	Stream  StreamConfig  `yaml:"stream" mapstructure:"stream"`
	Archive ArchiveConfig `yaml:"archive,omitempty" mapstructure:"archive"`
	History HistoryConfig `yaml:"history,omitempty" mapstructure:"history"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting of run starts.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// AuthConfig guards the mutating run endpoints.
type AuthConfig struct {
	Basic BasicAuthConfig `yaml:"basic,omitempty" mapstructure:"basic"`
}

// BasicAuthConfig configures username/password authentication.
type BasicAuthConfig struct {
	Enabled bool            `yaml:"enabled" mapstructure:"enabled"`
	Users   []BasicAuthUser `yaml:"users,omitempty" mapstructure:"users"`
}

// BasicAuthUser is a user allowed to start and cancel runs. PasswordHash is
// a bcrypt hash.
type BasicAuthUser struct {
	Username     string `yaml:"username" mapstructure:"username"`
	PasswordHash string `yaml:"password_hash" mapstructure:"password_hash"`
}

// StorageConfig contains on-disk locations. Empty paths are derived from
// DataDir.
type StorageConfig struct {
	DataDir       string `yaml:"data_dir" mapstructure:"data_dir"`
	RunsFile      string `yaml:"runs_file,omitempty" mapstructure:"runs_file"`
	ProjectsFile  string `yaml:"projects_file,omitempty" mapstructure:"projects_file"`
	WorkspacesDir string `yaml:"workspaces_dir,omitempty" mapstructure:"workspaces_dir"`
	LogsDir       string `yaml:"logs_dir,omitempty" mapstructure:"logs_dir"`

	// WorkspaceOwner is an optional "UID:GID" applied to materialized files
	// so the container user can write into the workspace.
	WorkspaceOwner string `yaml:"workspace_owner,omitempty" mapstructure:"workspace_owner"`
}

// RunnerConfig describes how test suites are launched.
type RunnerConfig struct {
	RuntimeBinary     string `yaml:"runtime_binary" mapstructure:"runtime_binary"`
	Image             string `yaml:"image" mapstructure:"image"`
	MountPath         string `yaml:"mount_path" mapstructure:"mount_path"`
	Tool              string `yaml:"tool" mapstructure:"tool"`
	Network           string `yaml:"network,omitempty" mapstructure:"network"`
	Memory            string `yaml:"memory,omitempty" mapstructure:"memory"`
	CPUs              string `yaml:"cpus,omitempty" mapstructure:"cpus"`
	DetectorRulesFile string `yaml:"detector_rules_file,omitempty" mapstructure:"detector_rules_file"`
}

// StreamConfig configures live log streaming.
type StreamConfig struct {
	KeepAliveInterval time.Duration `yaml:"keepalive_interval" mapstructure:"keepalive_interval"`
	ViewerBuffer      int           `yaml:"viewer_buffer" mapstructure:"viewer_buffer"`
}

// ArchiveConfig configures archiving of finished runs.
type ArchiveConfig struct {
	S3 S3Config `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3Config contains S3 settings for run archiving.
type S3Config struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
}

// HistoryConfig configures the finished-run history database.
type HistoryConfig struct {
	Enabled  bool           `yaml:"enabled" mapstructure:"enabled"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// Load reads and merges the given configuration files (later files win),
// applies QADASH_* environment overrides and defaults. With no paths the
// configuration is built from defaults and environment only.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for _, path := range paths {
		v.SetConfigFile(path)

		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// PORT is honoured for parity with common PaaS conventions.
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Listen = ":" + port
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers every key with viper so that environment overrides
// apply even when the key is absent from all config files.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.requests_per_minute", 30)
	v.SetDefault("auth.basic.enabled", false)
	v.SetDefault("storage.data_dir", DefaultDataDir)
	v.SetDefault("storage.runs_file", "")
	v.SetDefault("storage.projects_file", "")
	v.SetDefault("storage.workspaces_dir", "")
	v.SetDefault("storage.logs_dir", "")
	v.SetDefault("storage.workspace_owner", "")
	v.SetDefault("runner.runtime_binary", DefaultRuntimeBinary)
	v.SetDefault("runner.image", DefaultRunnerImage)
	v.SetDefault("runner.mount_path", DefaultMountPath)
	v.SetDefault("runner.tool", DefaultTool)
	v.SetDefault("runner.network", "")
	v.SetDefault("runner.memory", "")
	v.SetDefault("runner.cpus", "")
	v.SetDefault("runner.detector_rules_file", "")
	v.SetDefault("stream.keepalive_interval", DefaultKeepAliveInterval.String())
	v.SetDefault("stream.viewer_buffer", DefaultViewerBuffer)
	v.SetDefault("archive.s3.enabled", false)
	v.SetDefault("archive.s3.endpoint_url", "")
	v.SetDefault("archive.s3.region", "")
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.access_key_id", "")
	v.SetDefault("archive.s3.secret_access_key", "")
	v.SetDefault("archive.s3.force_path_style", false)
	v.SetDefault("archive.s3.prefix", DefaultArchivePrefix)
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.database.driver", "sqlite")
	v.SetDefault("history.database.sqlite.path", "")
	v.SetDefault("history.database.postgres.host", "localhost")
	v.SetDefault("history.database.postgres.port", 5432)
	v.SetDefault("history.database.postgres.user", "")
	v.SetDefault("history.database.postgres.password", "")
	v.SetDefault("history.database.postgres.database", "")
	v.SetDefault("history.database.postgres.ssl_mode", "disable")
}

// applyDefaults fills derived values for unspecified options.
func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Storage.DataDir == "" {
		c.Storage.DataDir = DefaultDataDir
	}

	if c.Storage.RunsFile == "" {
		c.Storage.RunsFile = filepath.Join(c.Storage.DataDir, "runs.json")
	}

	if c.Storage.ProjectsFile == "" {
		c.Storage.ProjectsFile = filepath.Join(c.Storage.DataDir, "projects.json")
	}

	if c.Storage.WorkspacesDir == "" {
		c.Storage.WorkspacesDir = filepath.Join(c.Storage.DataDir, "runs")
	}

	if c.Storage.LogsDir == "" {
		c.Storage.LogsDir = filepath.Join(c.Storage.DataDir, "logs")
	}

	if c.Runner.RuntimeBinary == "" {
		c.Runner.RuntimeBinary = DefaultRuntimeBinary
	}

	if c.Runner.Image == "" {
		c.Runner.Image = DefaultRunnerImage
	}

	if c.Runner.MountPath == "" {
		c.Runner.MountPath = DefaultMountPath
	}

	if c.Runner.Tool == "" {
		c.Runner.Tool = DefaultTool
	}

	if c.Stream.KeepAliveInterval <= 0 {
		c.Stream.KeepAliveInterval = DefaultKeepAliveInterval
	}

	if c.Stream.ViewerBuffer <= 0 {
		c.Stream.ViewerBuffer = DefaultViewerBuffer
	}

	if c.Archive.S3.Prefix == "" {
		c.Archive.S3.Prefix = DefaultArchivePrefix
	}

	if c.History.Database.SQLite.Path == "" {
		c.History.Database.SQLite.Path = filepath.Join(c.Storage.DataDir, "history.db")
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Runner.MountPath, "/") {
		return fmt.Errorf("runner.mount_path %q must be an absolute container path", c.Runner.MountPath)
	}

	if _, err := fsutil.ParseOwner(c.Storage.WorkspaceOwner); err != nil {
		return fmt.Errorf("storage.workspace_owner: %w", err)
	}

	if _, err := c.Runner.MemoryBytes(); err != nil {
		return fmt.Errorf("runner.memory: %w", err)
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_minute must be positive")
	}

	if c.Auth.Basic.Enabled {
		if len(c.Auth.Basic.Users) == 0 {
			return fmt.Errorf("auth.basic is enabled but no users are configured")
		}

		for i, u := range c.Auth.Basic.Users {
			if u.Username == "" || u.PasswordHash == "" {
				return fmt.Errorf("auth.basic.users[%d]: username and password_hash are required", i)
			}
		}
	}

	if c.Archive.S3.Enabled && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive.s3.bucket is required when archiving is enabled")
	}

	if c.History.Enabled {
		switch c.History.Database.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("history.database.driver: unsupported driver %q", c.History.Database.Driver)
		}
	}

	return nil
}

// MemoryBytes parses the human-readable memory limit (e.g. "2g"). Zero means
// no limit.
func (r *RunnerConfig) MemoryBytes() (int64, error) {
	if r.Memory == "" {
		return 0, nil
	}

	bytes, err := units.RAMInBytes(r.Memory)
	if err != nil {
		return 0, fmt.Errorf("parsing %q: %w", r.Memory, err)
	}

	return bytes, nil
}
