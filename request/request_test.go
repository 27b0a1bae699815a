package request

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/botagent/am"
	"github.com/teranos/botagent/job"
)

func TestEncode_WireLayout(t *testing.T) {
	r := ExecutionRequest{
		JobID:                "J1",
		AutomationID:         "A1",
		AutomationName:       "Invoices",
		MainFilePath:         "/work/A1/J1/Invoices/Main.json",
		ProjectDirectoryPath: "/work/A1/J1/Invoices",
		ProjectDependencies:  []string{"/pkgs/Lib.1.0.0/lib/net48/Lib.dll"},
		JobParameters:        []job.Parameter{{Name: "region", Value: "eu"}},
		ServerConnectionSettings: am.ConnectionSettings{
			ServerURL: "https://srv",
			AgentID:   "AG1",
		},
	}

	encoded, err := Encode(r)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)

	declared := binary.LittleEndian.Uint32(raw[:4])
	zr, err := gzip.NewReader(bytes.NewReader(raw[4:]))
	require.NoError(t, err)
	var payload bytes.Buffer
	_, err = payload.ReadFrom(zr)
	require.NoError(t, err)

	assert.Equal(t, uint32(payload.Len()), declared, "prefix is the uncompressed length")

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(payload.Bytes(), &fields))
	assert.Equal(t, "J1", fields["JobId"])
	assert.Equal(t, "/work/A1/J1/Invoices/Main.json", fields["MainFilePath"])
	settings := fields["ServerConnectionSettings"].(map[string]interface{})
	assert.Equal(t, "AG1", settings["AgentId"])
}

func TestDecode_RoundTrip(t *testing.T) {
	r := ExecutionRequest{
		MainFilePath:         "C:\\Automations\\Main.json",
		ProjectDirectoryPath: "C:\\Automations",
		ProjectDependencies:  []string{},
	}

	encoded, err := Encode(r)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, r, decoded)
}

func TestDecode_RejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not base64", "%%%"},
		{"too short", base64.StdEncoding.EncodeToString([]byte{1, 2})},
		{"not gzip", base64.StdEncoding.EncodeToString([]byte{4, 0, 0, 0, 'j', 'u', 'n', 'k'})},
		{"oversized prefix", base64.StdEncoding.EncodeToString([]byte{0xff, 0xff, 0xff, 0xff, 0})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.input)
			assert.Error(t, err)
		})
	}
}
