package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// Isolated viper instance without user/system config
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Agent.HeartbeatInterval())
	assert.Equal(t, 3*time.Second, cfg.Agent.JobCheckInterval())
	assert.Equal(t, time.Duration(0), cfg.Agent.ExecutionTimeout())
	assert.True(t, cfg.Agent.FailOnNonZeroExit)
	assert.True(t, cfg.Agent.PushEnabled)
	assert.Equal(t, "net48", cfg.Agent.TargetFramework)
	require.Len(t, cfg.Packages.Sources, 1)
	assert.Equal(t, "nuget.org", cfg.Packages.Sources[0].Name)
	assert.True(t, cfg.Packages.Sources[0].Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "am.toml")
	content := `
[server]
url = "https://orchestrator.example.com"
agent_username = "agent-01"

[agent]
heartbeat_interval_seconds = 10
execution_timeout_seconds = 600
data_dir = "` + filepath.ToSlash(dir) + `"

[[packages.sources]]
name = "local"
url = "` + filepath.ToSlash(filepath.Join(dir, "feed")) + `"
enabled = true

[[packages.sources]]
name = "disabled"
url = "https://example.com/feed"
enabled = false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "https://orchestrator.example.com", cfg.Server.URL)
	assert.Equal(t, 10*time.Second, cfg.Agent.HeartbeatInterval())
	assert.Equal(t, 10*time.Minute, cfg.Agent.ExecutionTimeout())
	assert.Equal(t, filepath.Join(dir, "Automations"), cfg.AutomationsDir())
	assert.Equal(t, filepath.Join(dir, "packages"), cfg.PackagesDir())

	enabled := cfg.EnabledSources()
	require.Len(t, enabled, 1)
	assert.Equal(t, "local", enabled[0].Name)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{Agent: AgentConfig{HeartbeatIntervalSeconds: 30, JobCheckIntervalMS: 3000}}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"zero timeout is valid (unbounded)", func(c *Config) { c.Agent.ExecutionTimeoutSeconds = 0 }, false},
		{"negative timeout is invalid", func(c *Config) { c.Agent.ExecutionTimeoutSeconds = -1 }, true},
		{"zero heartbeat is invalid", func(c *Config) { c.Agent.HeartbeatIntervalSeconds = 0 }, true},
		{"relative server url is invalid", func(c *Config) { c.Server.URL = "orchestrator" }, true},
		{"source without url is invalid", func(c *Config) {
			c.Packages.Sources = []PackageSource{{Name: "x", Enabled: true}}
		}, true},
		{"unknown sink is invalid", func(c *Config) { c.Logging.Sink = "syslog" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAgentState_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "agent_state.toml")

	state, err := LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, AgentState{}, state)

	want := AgentState{AgentID: "a1b2", AgentName: "build-box", ServerConnectionEnabled: true}
	require.NoError(t, SaveState(path, want))

	got, err := LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Second save rotates the first file into .back1
	require.NoError(t, SaveState(path, AgentState{}))
	_, err = os.Stat(path + ".back1")
	assert.NoError(t, err)
}

func TestConnectionSettings(t *testing.T) {
	cfg := &Config{
		Server:  ServerConfig{URL: "https://srv", AgentUsername: "u", AgentPassword: "secret", AgentName: "cfg-name"},
		Agent:   AgentConfig{HeartbeatIntervalSeconds: 30, DataDir: "/data"},
		Logging: LoggingConfig{Level: "info", Sink: SinkFile},
	}

	cs := cfg.ConnectionSettings(AgentState{AgentID: "a1", ServerConnectionEnabled: true})

	assert.Equal(t, "a1", cs.AgentID)
	assert.Equal(t, "cfg-name", cs.AgentName)
	assert.Equal(t, filepath.Join("/data", "logs"), cs.LoggingValue1)
	assert.True(t, cs.ServerConnectionEnabled)
	assert.Equal(t, "********", cs.Redacted().AgentPassword)
	assert.Equal(t, "secret", cs.AgentPassword)
	assert.Equal(t, AgentState{AgentID: "a1", AgentName: "cfg-name", ServerConnectionEnabled: true}, cs.State())
}
