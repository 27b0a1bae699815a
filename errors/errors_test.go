package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestWithDetail(t *testing.T) {
	err := Wrap(ErrManifestNotFound, "failed to resolve automation")
	err = WithDetail(err, fmt.Sprintf("Job ID: %s", "J2"))

	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "Job ID: J2", details[0])
	assert.True(t, Is(err, ErrManifestNotFound))
}

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"manifest", Wrap(ErrManifestNotFound, "unpack"), "ManifestNotFoundError"},
		{"main file", Wrapf(ErrMainFileNotFound, "main %s", "x.json"), "MainFileNotFoundError"},
		{"engine", &UnsupportedEngineError{Engine: "Cobol"}, "UnsupportedEngineError"},
		{"process", Wrap(&ProcessCreationError{Op: "CreateProcessAsUser", Code: 5}, "launch"), "ProcessCreationError"},
		{"dependency", &DependencyResolutionError{}, "DependencyResolutionError"},
		{"auth", &RemoteStatusError{StatusCode: 401}, "AuthExpiredError"},
		{"transport", &RemoteStatusError{StatusCode: 503}, "RemoteTransportError"},
		{"plain", New("boom"), "Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestUnsupportedEngineError_NamesEngine(t *testing.T) {
	err := Wrap(&UnsupportedEngineError{Engine: "Cobol"}, "dispatch")

	assert.Contains(t, err.Error(), `"Cobol"`)

	var uee *UnsupportedEngineError
	require.True(t, As(err, &uee))
	assert.Equal(t, "Cobol", uee.Engine)
}

func TestDependencyResolutionError_ListsEveryFailure(t *testing.T) {
	err := &DependencyResolutionError{Failures: []DependencyFailure{
		{ID: "A", Version: "1.0.0", Reason: "Unable to load packages/A.1.0.0"},
		{ID: "B", Version: "2.0.0", Reason: "Unable to load packages/B.2.0.0"},
	}}

	assert.Equal(t, "Unable to load packages/A.1.0.0\nUnable to load packages/B.2.0.0", err.Error())
	assert.True(t, Is(err, ErrDependencyResolution))
}

func TestStatusCode(t *testing.T) {
	err := Wrap(&RemoteStatusError{Method: "GET", Path: "/api/v1/agents", StatusCode: 500}, "heartbeat")

	assert.Equal(t, 500, StatusCode(err))
	assert.Equal(t, 0, StatusCode(New("plain")))
	assert.True(t, Is(err, ErrRemoteTransport))
	assert.False(t, Is(err, ErrAuthExpired))
}
