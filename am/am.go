package am

import (
	"path/filepath"
	"time"
)

// Config represents the agent configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Packages PackagesConfig `mapstructure:"packages"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig configures the connection to the orchestration server
type ServerConfig struct {
	URL           string `mapstructure:"url"`
	AgentUsername string `mapstructure:"agent_username"`
	AgentPassword string `mapstructure:"agent_password"`
	AgentName     string `mapstructure:"agent_name"`
	DNSHost       string `mapstructure:"dns_host"` // Domain of the machine credential
	WhoAmI        string `mapstructure:"whoami"`   // Local user that attended runs execute as

	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"` // Per-request HTTP timeout (default: 60)
}

// AgentConfig configures timers and on-disk layout of the execution core
type AgentConfig struct {
	HeartbeatIntervalSeconds int  `mapstructure:"heartbeat_interval_seconds"` // default: 30
	JobCheckIntervalMS       int  `mapstructure:"job_check_interval_ms"`      // default: 3000
	ExecutionTimeoutSeconds  int  `mapstructure:"execution_timeout_seconds"`  // 0 = wait for exit indefinitely
	FailOnNonZeroExit        bool `mapstructure:"fail_on_nonzero_exit"`       // default: true
	PushEnabled              bool `mapstructure:"push_enabled"`               // default: true

	DataDir         string `mapstructure:"data_dir"`
	ExecutorPath    string `mapstructure:"executor_path"`    // Native engine runner binary
	TargetFramework string `mapstructure:"target_framework"` // lib/<framework> folder preferred in packages (default: net48)
}

// PackagesConfig configures dependency package sources
type PackagesConfig struct {
	Sources  []PackageSource `mapstructure:"sources"`
	CacheDir string          `mapstructure:"cache_dir"` // default: <data_dir>/packages
}

// PackageSource is one feed dependencies are resolved against
type PackageSource struct {
	Name    string `mapstructure:"name"`
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// LoggingConfig configures the log sink
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
	Sink  string `mapstructure:"sink"` // "file" mirrors logs to <path>/agent.log
	Path  string `mapstructure:"path"` // Logs directory, also used for attended script output
}

// Sink types
const (
	SinkFile = "file"
	SinkHTTP = "http"
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// HeartbeatInterval returns the heartbeat period
func (c AgentConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// JobCheckInterval returns the job-check timer period
func (c AgentConfig) JobCheckInterval() time.Duration {
	return time.Duration(c.JobCheckIntervalMS) * time.Millisecond
}

// ExecutionTimeout returns the launch timeout, zero meaning none
func (c AgentConfig) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutSeconds) * time.Second
}

// AutomationsDir is the root of the automation package cache
func (c *Config) AutomationsDir() string {
	return filepath.Join(c.Agent.DataDir, "Automations")
}

// PackagesDir is the root of installed dependency packages
func (c *Config) PackagesDir() string {
	if c.Packages.CacheDir != "" {
		return c.Packages.CacheDir
	}
	return filepath.Join(c.Agent.DataDir, "packages")
}

// LogsDir is where agent and attended-run logs are written
func (c *Config) LogsDir() string {
	if c.Logging.Path != "" {
		return c.Logging.Path
	}
	return filepath.Join(c.Agent.DataDir, "logs")
}

// StatePath is the persisted agent state file
func (c *Config) StatePath() string {
	return filepath.Join(c.Agent.DataDir, "agent_state.toml")
}

// EngineLockPath is the lock file that keeps one automation running per machine
func (c *Config) EngineLockPath() string {
	return filepath.Join(c.Agent.DataDir, "engine.lock")
}

// IndexPath is the sqlite install index of dependency packages
func (c *Config) IndexPath() string {
	return filepath.Join(c.PackagesDir(), "index.db")
}

// EnabledSources returns the package sources with Enabled set
func (c *Config) EnabledSources() []PackageSource {
	var out []PackageSource
	for _, s := range c.Packages.Sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}
