// Package launcher starts automation processes under a target user identity
// and waits for them to exit.
//
// On Windows the launch attaches to the user's interactive session so any
// GUI the automation produces is visible on that user's desktop. Elsewhere
// the process is spawned directly, switching uid/gid when a credential names
// another user.
package launcher

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/teranos/botagent/errors"
)

// Credential identifies the user an automation runs as. The password is
// held only for the duration of a launch and never logged.
type Credential struct {
	Domain   string
	UserName string
	Password string
}

// Account returns DOMAIN\user, or just user when no domain is set.
func (c *Credential) Account() string {
	if c.Domain == "" {
		return c.UserName
	}
	return c.Domain + `\` + c.UserName
}

// String never includes the password.
func (c *Credential) String() string {
	return c.Account()
}

// Result describes a process that ran to completion
type Result struct {
	ExitCode int
	PID      int
	Duration time.Duration
}

// Launcher starts a command line under an optional credential and blocks
// until the process exits. A nil credential launches in the current or
// active console session. Cancelling ctx terminates the process.
type Launcher interface {
	Launch(ctx context.Context, commandLine string, cred *Credential) (Result, error)
}

// LauncherFunc adapts a function to the Launcher interface
type LauncherFunc func(ctx context.Context, commandLine string, cred *Credential) (Result, error)

// Launch calls f
func (f LauncherFunc) Launch(ctx context.Context, commandLine string, cred *Credential) (Result, error) {
	return f(ctx, commandLine, cred)
}

// sessionError wraps cause as a session acquisition failure for cred
func sessionError(cause error, cred *Credential) error {
	account := "the active console user"
	if cred != nil {
		account = cred.Account()
	}
	err := errors.Wrapf(errors.ErrSessionAcquisition, "unable to find or create an active user session for %q", account)
	if cause != nil {
		err = errors.WithSecondaryError(err, cause)
		err = errors.WithDetail(err, fmt.Sprintf("Cause: %v", cause))
	}
	return err
}

// creationError wraps a failed OS call into a ProcessCreationError carrying its code
func creationError(op string, cause error) error {
	var code uint32
	var errno syscall.Errno
	if errors.As(cause, &errno) {
		code = uint32(errno)
	}
	err := errors.WithStack(&errors.ProcessCreationError{Op: op, Code: code})
	if cause != nil {
		err = errors.WithDetail(err, fmt.Sprintf("Cause: %v", cause))
	}
	return err
}

// waitError maps a context ending during the wait to a timeout or cancellation error
func waitError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrTimeout, "automation process killed after execution timeout")
	}
	return errors.Wrap(ctx.Err(), "automation process killed on cancellation")
}
