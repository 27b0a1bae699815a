package execution

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/hashicorp/go-getter"
	"github.com/kballard/go-shellquote"

	"github.com/teranos/botagent/am"
	"github.com/teranos/botagent/automation"
	"github.com/teranos/botagent/errors"
)

// logTimestampLayout is MMddyyyyhhmmss, appended to script log file names
const logTimestampLayout = "01022006030405"

const windowsShell = `C:\Windows\System32\cmd.exe`

// Command is a ready-to-launch command line plus whatever has to be undone
// once the process exits.
type Command struct {
	Line string
	// LogPath receives the script's output; empty for the native engine
	LogPath string
	cleanup []func() error
}

// Cleanup undoes the side effects of building the command. It returns the
// first failure but always runs every step.
func (c *Command) Cleanup() error {
	var first error
	for _, fn := range c.cleanup {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	c.cleanup = nil
	return first
}

// Recipes turns a resolved automation into the platform command line for
// its engine.
type Recipes struct {
	ExecutorPath string
	LogsDir      string

	// GOOS selects the command dialect; defaults to runtime.GOOS
	GOOS string
	// LookPath finds engine tools; defaults to exec.LookPath
	LookPath func(file string) (string, error)
	// Now stamps log file names; defaults to time.Now
	Now func() time.Time
}

// NewRecipes builds recipes for the host platform
func NewRecipes(executorPath, logsDir string) *Recipes {
	return &Recipes{ExecutorPath: executorPath, LogsDir: logsDir}
}

// RequestEncoder produces the encoded execution request for the native engine
type RequestEncoder func() (string, error)

// Build dispatches on the engine. encode is only called for the native engine.
func (r *Recipes) Build(ctx context.Context, res *automation.Resolved, scopeID string, encode RequestEncoder) (*Command, error) {
	switch res.Engine {
	case automation.EngineNative:
		return r.native(encode)
	case automation.EnginePython:
		return r.python(res)
	case automation.EngineTagUI:
		return r.tagUI(ctx, res, scopeID)
	case automation.EngineCSScript:
		return r.csScript(res)
	default:
		return nil, errors.WithStack(&errors.UnsupportedEngineError{Engine: string(res.Engine)})
	}
}

func (r *Recipes) native(encode RequestEncoder) (*Command, error) {
	if r.ExecutorPath == "" {
		err := errors.New("no executor is configured for native automations")
		return nil, errors.WithHint(err, "Set agent.executor_path to the automation executor binary")
	}
	encoded, err := encode()
	if err != nil {
		return nil, err
	}
	return &Command{Line: r.quote(r.ExecutorPath) + " " + r.quote(encoded)}, nil
}

func (r *Recipes) python(res *automation.Resolved) (*Command, error) {
	py, err := r.lookPath("python", "python3")
	if err != nil {
		err = errors.Wrap(err, "Python installation was not detected on the machine")
		return nil, errors.WithHint(err, "Install Python and add it to PATH")
	}
	logPath, err := r.LogFile(res)
	if err != nil {
		return nil, err
	}

	name := projectName(res)
	var script, line string
	if r.windows() {
		script = filepath.Join(res.ProjectDir, name+".bat")
		line = r.shell(r.quote(script), logPath)
	} else {
		script = filepath.Join(res.ProjectDir, name+".sh")
		line = r.shell(shellquote.Join("/bin/sh", script), logPath)
	}
	if err := os.WriteFile(script, []byte(r.bootstrap(py, res)), am.DefaultFilePermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to write %s", script)
	}

	return &Command{
		Line:    line,
		LogPath: logPath,
		cleanup: []func() error{func() error { return removeIfExists(script) }},
	}, nil
}

// bootstrap is the virtual-environment wrapper that runs a Python main file
func (r *Recipes) bootstrap(py string, res *automation.Resolved) string {
	requirements := filepath.Join(res.ProjectDir, "requirements.txt")
	_, statErr := os.Stat(requirements)
	hasRequirements := statErr == nil

	q := r.quote
	env := filepath.Join(res.ProjectDir, ".env3")

	if r.windows() {
		steps := []string{
			q(py) + " -m pip install --upgrade pip",
			q(py) + " -m pip install --user virtualenv",
			q(py) + " -m venv " + q(env),
			"call " + q(filepath.Join(env, "Scripts", "activate.bat")),
		}
		run := q(py) + " " + q(res.MainScriptPath) + " && deactivate"
		if hasRequirements {
			run = q(py) + " -m pip install -r " + q(requirements) + " & " + run
		}
		return "@echo off\r\n" + strings.Join(append(steps, run), " && ") + "\r\n"
	}

	steps := []string{
		q(py) + " -m venv " + q(env),
		". " + q(filepath.Join(env, "bin", "activate")),
		"python -m pip install --upgrade pip",
	}
	run := "python " + q(res.MainScriptPath) + " && deactivate"
	if hasRequirements {
		run = "python -m pip install -r " + q(requirements) + " ; " + run
	}
	return "#!/bin/sh\n" + strings.Join(append(steps, run), " && ") + "\n"
}

func (r *Recipes) tagUI(ctx context.Context, res *automation.Resolved, scopeID string) (*Command, error) {
	exe, err := r.lookPath("tagui")
	if err != nil {
		err = errors.Wrap(err, "TagUI installation was not detected on the machine")
		return nil, errors.WithHint(err, "Install TagUI and add its src folder to PATH")
	}

	// tagui only writes run logs when this marker sits next to it
	marker := filepath.Join(filepath.Dir(exe), "tagui_logging")
	if _, err := os.Stat(marker); os.IsNotExist(err) {
		if err := os.WriteFile(marker, nil, am.DefaultFilePermissions); err != nil {
			return nil, errors.Wrapf(err, "failed to create %s", marker)
		}
	}

	flow := filepath.Join(filepath.Dir(filepath.Dir(exe)), "flows", scopeID)
	if err := copyTree(ctx, res.ProjectDir, flow); err != nil {
		return nil, err
	}
	cleanup := func() error { return os.RemoveAll(flow) }

	rel, err := filepath.Rel(res.ProjectDir, res.MainScriptPath)
	if err != nil {
		cleanup()
		return nil, errors.Wrap(err, "main file is outside the project directory")
	}
	logPath, err := r.LogFile(res)
	if err != nil {
		cleanup()
		return nil, err
	}

	return &Command{
		Line:    r.shell("tagui "+r.quote(filepath.Join(flow, rel)), logPath),
		LogPath: logPath,
		cleanup: []func() error{cleanup},
	}, nil
}

func (r *Recipes) csScript(res *automation.Resolved) (*Command, error) {
	if _, err := r.lookPath("cscs"); err != nil {
		err = errors.Wrap(err, "CS-Script installation was not detected on the machine")
		return nil, errors.WithHint(err, "Install CS-Script and add cscs to PATH")
	}
	logPath, err := r.LogFile(res)
	if err != nil {
		return nil, err
	}
	return &Command{
		Line:    r.shell("cscs "+r.quote(res.MainScriptPath), logPath),
		LogPath: logPath,
	}, nil
}

// shell wraps inner in the platform shell with output redirected to logPath
func (r *Recipes) shell(inner, logPath string) string {
	if r.windows() {
		return fmt.Sprintf(`%s /C "%s > "%s""`, windowsShell, inner, logPath)
	}
	return shellquote.Join("/bin/sh", "-c", inner+" > "+shellquote.Join(logPath)+" 2>&1")
}

// LogFile is <logs>/<engine>/<project><MMddyyyyhhmmss>.txt; its directory is created
func (r *Recipes) LogFile(res *automation.Resolved) (string, error) {
	dir := filepath.Join(r.LogsDir, string(res.Engine))
	if err := os.MkdirAll(dir, am.DefaultDirPermissions); err != nil {
		return "", errors.Wrapf(err, "failed to create log directory %s", dir)
	}
	return filepath.Join(dir, projectName(res)+r.now().Format(logTimestampLayout)+".txt"), nil
}

func (r *Recipes) quote(s string) string {
	if r.windows() {
		return `"` + s + `"`
	}
	return shellquote.Join(s)
}

func (r *Recipes) windows() bool {
	goos := r.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	return goos == "windows"
}

func (r *Recipes) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// lookPath returns the first of names found on PATH
func (r *Recipes) lookPath(names ...string) (string, error) {
	look := r.LookPath
	if look == nil {
		look = exec.LookPath
	}
	var err error
	for _, name := range names {
		var path string
		if path, err = look(name); err == nil {
			return path, nil
		}
	}
	return "", err
}

func projectName(res *automation.Resolved) string {
	if res.Manifest != nil && res.Manifest.ProjectName != "" {
		return res.Manifest.ProjectName
	}
	return res.Name
}

// copyTree copies the directory src to dst, which must not exist yet
func copyTree(ctx context.Context, src, dst string) error {
	gc := &getter.Client{
		Ctx:     ctx,
		Src:     src,
		Dst:     dst,
		Mode:    getter.ClientModeDir,
		Getters: map[string]getter.Getter{"file": &getter.FileGetter{Copy: true}},
	}
	if err := gc.Get(); err != nil {
		err = errors.Wrap(err, "failed to copy project")
		return errors.WithDetail(err, fmt.Sprintf("From: %s\nTo: %s", src, dst))
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove %s", path)
	}
	return nil
}
