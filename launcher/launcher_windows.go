//go:build windows

package launcher

import (
	"context"
	"strings"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/windows"

	"github.com/teranos/botagent/errors"
)

const (
	invalidSessionID = 0xFFFFFFFF
	wtsActive        = 0 // WTS_CONNECTSTATE_CLASS.WTSActive

	wtsUserName   = 5 // WTS_INFO_CLASS.WTSUserName
	wtsDomainName = 7 // WTS_INFO_CLASS.WTSDomainName

	logon32LogonInteractive = 2
	logon32ProviderDefault  = 0

	normalPriorityClass = 0x00000020

	// Poll interval while waiting for exit, so cancellation is observed
	waitSlice = 250
)

var (
	modwtsapi32  = windows.NewLazySystemDLL("wtsapi32.dll")
	modadvapi32  = windows.NewLazySystemDLL("advapi32.dll")
	procWTSQuery = modwtsapi32.NewProc("WTSQuerySessionInformationW")
	procLogoff   = modwtsapi32.NewProc("WTSLogoffSession")
	procLogon    = modadvapi32.NewProc("LogonUserW")
)

// SessionLauncher creates processes in a user's interactive session from
// a service context, impersonating through a duplicated session token or a
// fresh interactive logon.
type SessionLauncher struct {
	logger *zap.SugaredLogger
}

// New returns the platform launcher
func New(logger *zap.SugaredLogger) Launcher {
	return &SessionLauncher{logger: logger}
}

// Launch implements Launcher
func (l *SessionLauncher) Launch(ctx context.Context, commandLine string, cred *Credential) (Result, error) {
	token, loggedOn, err := l.sessionToken(cred)
	if err != nil {
		return Result{}, err
	}
	defer token.Close()
	if loggedOn {
		// The interactive logon created the session, so end it with the run
		defer logoffConsoleSession()
	}

	var envBlock *uint16
	if err := windows.CreateEnvironmentBlock(&envBlock, token, false); err != nil {
		return Result{}, creationError("CreateEnvironmentBlock", err)
	}
	defer windows.DestroyEnvironmentBlock(envBlock)

	cmdLine, err := windows.UTF16PtrFromString(commandLine)
	if err != nil {
		return Result{}, creationError("encode command line", err)
	}
	desktop, _ := windows.UTF16PtrFromString(`winsta0\default`)

	si := windows.StartupInfo{Desktop: desktop}
	si.Cb = uint32(unsafe.Sizeof(si))
	var pi windows.ProcessInformation

	flags := uint32(normalPriorityClass | windows.CREATE_NEW_CONSOLE | windows.CREATE_UNICODE_ENVIRONMENT)

	started := time.Now()
	if err := windows.CreateProcessAsUser(token, nil, cmdLine, nil, nil, false, flags, envBlock, nil, &si, &pi); err != nil {
		return Result{}, creationError("CreateProcessAsUser", err)
	}
	defer windows.CloseHandle(pi.Process)
	defer windows.CloseHandle(pi.Thread)

	pid := int(pi.ProcessId)
	l.logger.Debugw("Automation process started", "pid", pid, "session_user", describe(cred))

	for {
		event, err := windows.WaitForSingleObject(pi.Process, waitSlice)
		if err != nil || event == windows.WAIT_FAILED {
			return Result{PID: pid}, creationError("WaitForSingleObject", err)
		}
		if event == windows.WAIT_OBJECT_0 {
			break
		}
		select {
		case <-ctx.Done():
			windows.TerminateProcess(pi.Process, 1)
			windows.WaitForSingleObject(pi.Process, windows.INFINITE)
			return Result{PID: pid, ExitCode: -1, Duration: time.Since(started)}, waitError(ctx)
		default:
		}
	}

	var exitCode uint32
	if err := windows.GetExitCodeProcess(pi.Process, &exitCode); err != nil {
		return Result{PID: pid}, creationError("GetExitCodeProcess", err)
	}

	return Result{PID: pid, ExitCode: int(exitCode), Duration: time.Since(started)}, nil
}

// sessionToken returns a primary token for the target user. It reports
// whether an interactive logon was performed to obtain it.
func (l *SessionLauncher) sessionToken(cred *Credential) (windows.Token, bool, error) {
	var sessionID uint32 = invalidSessionID
	if cred == nil {
		sessionID = windows.WTSGetActiveConsoleSessionId()
	} else {
		id, err := activeSessionFor(cred)
		if err != nil {
			return 0, false, sessionError(err, cred)
		}
		sessionID = id
	}

	if sessionID == invalidSessionID {
		if cred == nil {
			return 0, false, sessionError(errors.New("no active console session"), nil)
		}
		l.logger.Infow("No active session for user, performing interactive logon", "account", cred.Account())
		token, err := logonUser(cred)
		if err != nil {
			return 0, false, sessionError(err, cred)
		}
		return token, true, nil
	}

	var impersonation windows.Token
	if err := windows.WTSQueryUserToken(sessionID, &impersonation); err != nil {
		return 0, false, sessionError(err, cred)
	}
	defer impersonation.Close()

	var primary windows.Token
	if err := windows.DuplicateTokenEx(impersonation, windows.MAXIMUM_ALLOWED, nil,
		windows.SecurityImpersonation, windows.TokenPrimary, &primary); err != nil {
		return 0, false, sessionError(err, cred)
	}
	return primary, false, nil
}

// activeSessionFor finds the active WTS session whose user matches cred
func activeSessionFor(cred *Credential) (uint32, error) {
	var sessions *windows.WTS_SESSION_INFO
	var count uint32
	if err := windows.WTSEnumerateSessions(0, 0, 1, &sessions, &count); err != nil {
		return invalidSessionID, err
	}
	defer windows.WTSFreeMemory(uintptr(unsafe.Pointer(sessions)))

	for _, s := range unsafe.Slice(sessions, count) {
		if s.State != wtsActive {
			continue
		}
		user := querySessionString(s.SessionID, wtsUserName)
		domain := querySessionString(s.SessionID, wtsDomainName)
		if strings.EqualFold(user, cred.UserName) &&
			(cred.Domain == "" || strings.EqualFold(domain, cred.Domain)) {
			return s.SessionID, nil
		}
	}
	return invalidSessionID, nil
}

func querySessionString(sessionID uint32, infoClass uint32) string {
	var buf *uint16
	var size uint32
	r, _, _ := procWTSQuery.Call(0, uintptr(sessionID), uintptr(infoClass),
		uintptr(unsafe.Pointer(&buf)), uintptr(unsafe.Pointer(&size)))
	if r == 0 || buf == nil {
		return ""
	}
	defer windows.WTSFreeMemory(uintptr(unsafe.Pointer(buf)))
	return windows.UTF16PtrToString(buf)
}

func logonUser(cred *Credential) (windows.Token, error) {
	user, err := windows.UTF16PtrFromString(cred.UserName)
	if err != nil {
		return 0, err
	}
	domain, err := windows.UTF16PtrFromString(cred.Domain)
	if err != nil {
		return 0, err
	}
	password, err := windows.UTF16PtrFromString(cred.Password)
	if err != nil {
		return 0, err
	}

	var token windows.Token
	r, _, callErr := procLogon.Call(
		uintptr(unsafe.Pointer(user)),
		uintptr(unsafe.Pointer(domain)),
		uintptr(unsafe.Pointer(password)),
		logon32LogonInteractive,
		logon32ProviderDefault,
		uintptr(unsafe.Pointer(&token)))
	if r == 0 {
		return 0, callErr
	}
	return token, nil
}

func logoffConsoleSession() {
	sessionID := windows.WTSGetActiveConsoleSessionId()
	procLogoff.Call(0, uintptr(sessionID), 1)
}

func describe(cred *Credential) string {
	if cred == nil {
		return "console"
	}
	return cred.Account()
}
