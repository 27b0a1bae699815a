//go:build !windows

package launcher

import (
	"context"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/botagent/errors"
)

// SpawnLauncher runs the command line directly, switching to the
// credential's uid/gid when one is supplied (requires root).
type SpawnLauncher struct {
	logger *zap.SugaredLogger
}

// New returns the platform launcher
func New(logger *zap.SugaredLogger) Launcher {
	return &SpawnLauncher{logger: logger}
}

// Launch implements Launcher
func (l *SpawnLauncher) Launch(ctx context.Context, commandLine string, cred *Credential) (Result, error) {
	argv, err := shellquote.Split(commandLine)
	if err != nil {
		return Result{}, creationError("parse command line", err)
	}
	if len(argv) == 0 {
		return Result{}, creationError("parse command line", errors.New("empty command line"))
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if cred != nil {
		attr, err := credentialAttr(cred)
		if err != nil {
			return Result{}, sessionError(err, cred)
		}
		cmd.SysProcAttr = attr
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, creationError("start", err)
	}

	pid := cmd.Process.Pid
	l.logger.Debugw("Automation process started", "pid", pid)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		cmd.Process.Kill()
		<-done
		return Result{PID: pid, ExitCode: -1, Duration: time.Since(started)}, waitError(ctx)
	}

	result := Result{PID: pid, Duration: time.Since(started)}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return result, errors.Wrap(err, "failed waiting for automation process")
		}
	}
	result.ExitCode = cmd.ProcessState.ExitCode()
	return result, nil
}

// credentialAttr resolves the credential's user to a process credential
func credentialAttr(cred *Credential) (*syscall.SysProcAttr, error) {
	u, err := user.Lookup(cred.UserName)
	if err != nil {
		return nil, err
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, err
	}
	if uint32(uid) == uint32(os.Getuid()) {
		return nil, nil
	}
	return &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)},
	}, nil
}
