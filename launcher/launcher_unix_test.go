//go:build !windows

package launcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/botagent/errors"
)

func TestSpawnLauncher_ExitCode(t *testing.T) {
	l := New(zap.NewNop().Sugar())

	result, err := l.Launch(context.Background(), `/bin/sh -c "exit 3"`, nil)
	require.NoError(t, err, "a non-zero exit is reported, not raised")
	assert.Equal(t, 3, result.ExitCode)
	assert.NotZero(t, result.PID)

	result, err = l.Launch(context.Background(), "/bin/sh -c true", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
}

func TestSpawnLauncher_BlocksUntilExit(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "done")
	l := New(zap.NewNop().Sugar())

	_, err := l.Launch(context.Background(), `/bin/sh -c "sleep 0.2 && touch '`+marker+`'"`, nil)
	require.NoError(t, err)

	_, statErr := os.Stat(marker)
	assert.NoError(t, statErr, "Launch must not return before the process exits")
}

func TestSpawnLauncher_ProcessCreationError(t *testing.T) {
	l := New(zap.NewNop().Sugar())

	_, err := l.Launch(context.Background(), "/nonexistent/executor --flag", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrProcessCreation))

	var pce *errors.ProcessCreationError
	require.True(t, errors.As(err, &pce))
	assert.Equal(t, "start", pce.Op)
	assert.NotZero(t, pce.Code, "platform error code is carried")
}

func TestSpawnLauncher_EmptyCommandLine(t *testing.T) {
	l := New(zap.NewNop().Sugar())

	_, err := l.Launch(context.Background(), "   ", nil)
	assert.True(t, errors.Is(err, errors.ErrProcessCreation))
}

func TestSpawnLauncher_UnknownUser(t *testing.T) {
	l := New(zap.NewNop().Sugar())

	_, err := l.Launch(context.Background(), "/bin/sh -c true", &Credential{UserName: "no-such-user-botagent"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSessionAcquisition))
	assert.Equal(t, "SessionAcquisitionError", errors.Kind(err))
}

func TestSpawnLauncher_Timeout(t *testing.T) {
	l := New(zap.NewNop().Sugar())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	result, err := l.Launch(ctx, "/bin/sh -c 'sleep 10'", nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTimeout))
	assert.Equal(t, -1, result.ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCredential_NeverPrintsPassword(t *testing.T) {
	c := &Credential{Domain: "CORP", UserName: "bot", Password: "hunter2"}

	assert.Equal(t, `CORP\bot`, c.String())
	assert.Equal(t, "bot", (&Credential{UserName: "bot"}).Account())
}
