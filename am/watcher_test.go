package am

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path string, heartbeat int) {
	t.Helper()
	content := []byte("[agent]\nheartbeat_interval_seconds = " + strconv.Itoa(heartbeat) + "\n")
	require.NoError(t, os.WriteFile(path, content, 0644))
}

func TestConfigWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	writeConfig(t, path, 30)

	cw, err := NewConfigWatcher(path)
	require.NoError(t, err)
	cw.debouncePeriod = 200 * time.Millisecond
	defer cw.Stop()

	reloaded := make(chan *Config, 1)
	cw.OnReload(func(cfg *Config) error {
		reloaded <- cfg
		return nil
	})
	cw.Start()

	writeConfig(t, path, 15)

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 15, cfg.Agent.HeartbeatIntervalSeconds)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload callback was not called")
	}
}

func TestConfigWatcher_OwnWriteFlagIsConsumedOnce(t *testing.T) {
	cw := &ConfigWatcher{}

	assert.False(t, cw.checkOwnWrite())
	cw.MarkOwnWrite()
	assert.True(t, cw.checkOwnWrite())
	assert.False(t, cw.checkOwnWrite())
}

func TestIsBackupFile(t *testing.T) {
	assert.True(t, isBackupFile("/x/am.toml.back1"))
	assert.True(t, isBackupFile("agent_state.toml.back3"))
	assert.False(t, isBackupFile("/x/am.toml"))
}
