package am

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.url", "")
	v.SetDefault("server.request_timeout_seconds", 60)

	// Agent defaults
	v.SetDefault("agent.heartbeat_interval_seconds", 30)
	v.SetDefault("agent.job_check_interval_ms", 3000)
	v.SetDefault("agent.execution_timeout_seconds", 0) // Wait for exit indefinitely
	v.SetDefault("agent.fail_on_nonzero_exit", true)
	v.SetDefault("agent.push_enabled", true)
	v.SetDefault("agent.data_dir", defaultDataDir())
	v.SetDefault("agent.target_framework", "net48")

	// Package defaults
	v.SetDefault("packages.sources", []map[string]interface{}{
		{"name": "nuget.org", "url": "https://api.nuget.org/v3-flatcontainer", "enabled": true},
	})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)
	v.SetDefault("logging.sink", SinkFile)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("server.agent_username", "BOTAGENT_AGENT_USERNAME")
	v.BindEnv("server.agent_password", "BOTAGENT_AGENT_PASSWORD")
}

// defaultDataDir resolves the per-user data directory, falling back to the working directory
func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".botagent"
	}
	return filepath.Join(dir, "botagent")
}
