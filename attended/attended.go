// Package attended runs automations on request from the local user rather
// than the server. It shares the execution Gate with the job pipeline, so an
// attended run and a server job never overlap, and it reports only pass or
// fail: there is no server job record to attach a failure to.
package attended

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/hashicorp/go-getter"
	"go.uber.org/zap"

	"github.com/teranos/botagent/am"
	"github.com/teranos/botagent/automation"
	"github.com/teranos/botagent/errors"
	"github.com/teranos/botagent/execution"
	"github.com/teranos/botagent/launcher"
	"github.com/teranos/botagent/logger"
	"github.com/teranos/botagent/request"
)

// Directory finds published automations by package name
type Directory interface {
	FindAutomationByPackage(ctx context.Context, packageName string) (*automation.Automation, error)
}

// Fetcher prepares server-published and local packages
type Fetcher interface {
	execution.Fetcher
	ResolveLocal(ctx context.Context, packagePath, scopeID string) (*automation.Resolved, error)
}

// Deps are the collaborators of a Manager
type Deps struct {
	Gate      *execution.Gate
	Directory Directory
	Fetcher   Fetcher
	Resolver  execution.Resolver
	Launcher  launcher.Launcher
	Recipes   *execution.Recipes
	// Status may be nil
	Status execution.StatusReporter
}

// Manager runs attended executions
type Manager struct {
	deps     Deps
	opts     execution.Options
	logger   *zap.SugaredLogger
	newScope func() string
}

// NewManager creates an attended-execution manager
func NewManager(deps Deps, opts execution.Options, logger *zap.SugaredLogger) *Manager {
	return &Manager{deps: deps, opts: opts, logger: logger, newScope: uuid.NewString}
}

// ExecuteTask runs the package named by packageRef and reports whether it
// succeeded. packageRef is an original package name when isRemote is set and
// a package file path otherwise. It returns false at once, with no side
// effects, when another automation holds the gate.
func (m *Manager) ExecuteTask(ctx context.Context, packageRef string, settings am.ConnectionSettings, isRemote bool) bool {
	if !m.deps.Gate.TryAcquire() {
		m.logger.Warnw("Attended execution refused, agent is busy", "package", packageRef)
		return false
	}
	defer m.deps.Gate.Release()

	scope := m.newScope()
	log := m.logger.With("package", packageRef, logger.FieldScopeID, scope)

	if err := m.execute(ctx, packageRef, scope, settings, isRemote, log); err != nil {
		log.Errorw("Attended execution failed",
			logger.FieldError, err,
			logger.FieldErrorKind, errors.Kind(err),
		)
		return false
	}
	log.Infow("Attended execution finished")
	return true
}

func (m *Manager) execute(ctx context.Context, packageRef, scope string, settings am.ConnectionSettings, isRemote bool, log *zap.SugaredLogger) error {
	res, err := m.resolve(ctx, packageRef, scope, isRemote)
	if err != nil {
		return err
	}
	defer func() {
		if err := os.RemoveAll(res.ExecutionDir); err != nil {
			log.Warnw("Failed to remove execution directory",
				logger.FieldExecutionDir, res.ExecutionDir,
				logger.FieldError, err,
			)
		}
	}()

	if m.deps.Status != nil {
		m.deps.Status.SetBusy(res.Name)
		defer m.deps.Status.SetAvailable()
	}
	log = log.With(logger.FieldAutomationName, res.Name, logger.FieldEngine, res.Engine)

	var libraries []string
	if res.Engine == automation.EngineNative && res.ManifestPath != "" {
		if libraries, err = m.deps.Resolver.InstallAndResolve(ctx, res.ManifestPath); err != nil {
			return err
		}
	}

	cmd, err := m.deps.Recipes.Build(ctx, res, scope, func() (string, error) {
		// the executor writes its own log next to the attended script logs
		logPath, err := m.deps.Recipes.LogFile(res)
		if err != nil {
			return "", err
		}
		settings.LoggingValue1 = logPath
		return request.Encode(request.ExecutionRequest{
			AutomationName:           res.Name,
			MainFilePath:             res.MainScriptPath,
			ProjectDirectoryPath:     res.ProjectDir,
			ProjectDependencies:      libraries,
			ServerConnectionSettings: settings,
		})
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := cmd.Cleanup(); err != nil {
			log.Warnw("Failed to clean up after launch", logger.FieldError, err)
		}
	}()

	if m.opts.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.ExecutionTimeout)
		defer cancel()
	}

	result, err := m.deps.Launcher.Launch(ctx, cmd.Line, localUser(settings))
	if err != nil {
		return err
	}
	log.Infow("Automation exited",
		logger.FieldExitCode, result.ExitCode,
		logger.FieldDurationMS, result.Duration.Milliseconds(),
	)
	if result.ExitCode != 0 && m.opts.FailOnNonZeroExit {
		return errors.Wrapf(errors.ErrNonZeroExit, "automation exited with code %d", result.ExitCode)
	}
	return nil
}

func (m *Manager) resolve(ctx context.Context, packageRef, scope string, isRemote bool) (*automation.Resolved, error) {
	if isRemote {
		a, err := m.deps.Directory.FindAutomationByPackage(ctx, packageRef)
		if err != nil {
			return nil, err
		}
		return m.deps.Fetcher.Resolve(ctx, a, scope)
	}

	path, err := localPath(packageRef)
	if err != nil {
		return nil, err
	}
	return m.deps.Fetcher.ResolveLocal(ctx, path, scope)
}

// localPath turns a package reference (relative path, absolute path or
// file:// URL) into an absolute file path
func localPath(ref string) (string, error) {
	if filepath.IsAbs(ref) {
		return filepath.Clean(ref), nil
	}
	pwd, err := os.Getwd()
	if err != nil {
		return "", errors.Wrap(err, "failed to determine working directory")
	}
	detected, err := getter.Detect(ref, pwd, []getter.Detector{new(getter.FileDetector)})
	if err != nil {
		return "", errors.Wrapf(err, "invalid package reference %q", ref)
	}
	u, err := url.Parse(detected)
	if err != nil {
		return "", errors.Wrapf(err, "invalid package reference %q", ref)
	}
	if u.Scheme != "file" {
		err := errors.Newf("package reference %q is not a local file", ref)
		return "", errors.WithDetail(err, fmt.Sprintf("Detected: %s", detected))
	}
	return filepath.FromSlash(u.Path), nil
}

// localUser is the logged-on user attended runs execute as. Without a
// password the launcher attaches to that user's existing session.
func localUser(settings am.ConnectionSettings) *launcher.Credential {
	if settings.WhoAmI == "" {
		return nil
	}
	return &launcher.Credential{Domain: settings.DNSHost, UserName: settings.WhoAmI}
}
