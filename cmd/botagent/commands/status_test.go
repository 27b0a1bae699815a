package commands

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/teranos/botagent/am"
)

func testSettings() am.ConnectionSettings {
	return am.ConnectionSettings{
		ServerURL:               "https://orchestrator.example",
		AgentUsername:           "agent",
		AgentPassword:           "secret",
		AgentID:                 "agent-1",
		AgentName:               "desk-01",
		MachineName:             "DESK-01",
		HeartbeatInterval:       30,
		ServerConnectionEnabled: true,
	}
}

func TestStatusView_MasksPassword(t *testing.T) {
	v := newStatusView(testSettings())

	assert.NotEqual(t, "secret", v.AgentPassword)
	assert.NotEmpty(t, v.AgentPassword)
	assert.Equal(t, "30s", v.HeartbeatInterval)
	assert.True(t, v.Connected)
}

func TestRenderStatus_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderStatus(&buf, newStatusView(testSettings()), "json"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "agent-1", got["agent_id"])
	assert.NotContains(t, buf.String(), "secret")
}

func TestRenderStatus_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderStatus(&buf, newStatusView(testSettings()), "yaml"))

	var got statusView
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "desk-01", got.AgentName)
	assert.Equal(t, "https://orchestrator.example", got.ServerURL)
}

func TestRenderStatus_Table(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderStatus(&buf, newStatusView(testSettings()), "table"))

	assert.Contains(t, buf.String(), "agent-1")
	assert.NotContains(t, buf.String(), "secret")
}

func TestRenderStatus_UnknownFormat(t *testing.T) {
	err := renderStatus(&bytes.Buffer{}, statusView{}, "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")
}

func TestRenderSources(t *testing.T) {
	settings := []am.SettingInfo{
		{Key: "server.url", Value: "https://orchestrator.example", Source: am.SourceUser, SourcePath: "/home/u/.botagent/am.toml"},
		{Key: "logging.level", Value: "info", Source: am.SourceDefault, SourcePath: "built-in default"},
	}

	var buf bytes.Buffer
	require.NoError(t, renderSources(&buf, settings, "table"))
	assert.Contains(t, buf.String(), "user (/home/u/.botagent/am.toml)")
	assert.NotContains(t, buf.String(), "built-in default")

	buf.Reset()
	require.NoError(t, renderSources(&buf, settings, "json"))
	var decoded []map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "user", decoded[0]["source"])

	require.Error(t, renderSources(&buf, settings, "xml"))
}
