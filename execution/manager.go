// Package execution runs server-assigned jobs one at a time.
//
// A ticker checks the job queue at a fixed interval. When the queue has a
// job and the shared Gate is free, the head job goes through the pipeline
// synchronously:
//
//	fetch -> resolve dependencies (native only) -> report start -> launch -> report end
//
// The job is peeked, not popped, until reporting. Every job that enters the
// pipeline gets exactly one terminal status update (Completed or Failed) and
// is then removed from the queue.
package execution

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/botagent/am"
	"github.com/teranos/botagent/automation"
	"github.com/teranos/botagent/errors"
	"github.com/teranos/botagent/job"
	"github.com/teranos/botagent/launcher"
	"github.com/teranos/botagent/logger"
	"github.com/teranos/botagent/remote"
	"github.com/teranos/botagent/request"
)

// Directory is the part of the remote server the pipeline talks to
type Directory interface {
	GetAutomation(ctx context.Context, automationID string) (*automation.Automation, error)
	UpdateJobStatus(ctx context.Context, agentID, jobID string, status job.Status, jobErr *remote.JobError) error
	PatchJob(ctx context.Context, jobID string, ops []remote.PatchOp) error
	GetAgent(ctx context.Context, agentID string) (*remote.Agent, error)
	GetCredential(ctx context.Context, credentialID string) (*remote.Credential, error)
	CreateExecutionLog(ctx context.Context, log *remote.ExecutionLog) (*remote.ExecutionLog, error)
	UpdateExecutionLog(ctx context.Context, log *remote.ExecutionLog) error
}

// Fetcher prepares automation packages on disk
type Fetcher interface {
	Resolve(ctx context.Context, a *automation.Automation, scopeID string) (*automation.Resolved, error)
}

// Resolver installs native dependencies and returns the library paths to load
type Resolver interface {
	InstallAndResolve(ctx context.Context, manifestPath string) ([]string, error)
}

// StatusReporter is told when the agent starts and stops working
type StatusReporter interface {
	SetBusy(work string)
	SetAvailable()
}

// Options tune the pipeline
type Options struct {
	JobCheckInterval time.Duration
	// ExecutionTimeout bounds one launch; zero waits for exit indefinitely
	ExecutionTimeout  time.Duration
	FailOnNonZeroExit bool
}

// OptionsFromConfig reads pipeline options from agent configuration
func OptionsFromConfig(cfg am.AgentConfig) Options {
	return Options{
		JobCheckInterval:  cfg.JobCheckInterval(),
		ExecutionTimeout:  cfg.ExecutionTimeout(),
		FailOnNonZeroExit: cfg.FailOnNonZeroExit,
	}
}

// Deps are the collaborators of a Manager
type Deps struct {
	Queue     *job.Queue
	Gate      *Gate
	Directory Directory
	Fetcher   Fetcher
	Resolver  Resolver
	Launcher  launcher.Launcher
	Recipes   *Recipes
	// Status may be nil
	Status StatusReporter
	// Settings returns the current connection settings handed to the executor
	Settings func() am.ConnectionSettings
}

// Manager owns the job-check loop
type Manager struct {
	deps   Deps
	opts   Options
	logger *zap.SugaredLogger
	now    func() time.Time

	finished chan string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager. It does nothing until Start.
func NewManager(deps Deps, opts Options, logger *zap.SugaredLogger) *Manager {
	if opts.JobCheckInterval <= 0 {
		opts.JobCheckInterval = 3 * time.Second
	}
	if deps.Gate == nil {
		deps.Gate = &Gate{}
	}
	if deps.Settings == nil {
		deps.Settings = func() am.ConnectionSettings { return am.ConnectionSettings{} }
	}
	return &Manager{
		deps:     deps,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		finished: make(chan string, 1),
	}
}

// JobFinished delivers the id of each successfully completed job. Deliveries
// are dropped while a previous one is still unread.
func (m *Manager) JobFinished() <-chan string {
	return m.finished
}

// Start launches the job-check loop. Calling Start on a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	// subscribe before returning so a job enqueued right after Start is seen
	enqueued := m.deps.Queue.Subscribe()
	go m.loop(loopCtx, enqueued, m.done)

	m.logger.Infow("Job check started", logger.FieldInterval, m.opts.JobCheckInterval.String())
}

// Stop ends the loop. A job already launched runs to completion; Stop waits
// for it until ctx expires.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		m.logger.Infow("Job check stopped")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "job still running at shutdown")
	}
}

func (m *Manager) loop(ctx context.Context, enqueued <-chan *job.Job, done chan struct{}) {
	defer close(done)
	defer m.deps.Queue.Unsubscribe(enqueued)

	ticker := time.NewTicker(m.opts.JobCheckInterval)
	defer ticker.Stop()

	// jobs queued before Start
	m.Tick(context.WithoutCancel(ctx))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-enqueued:
		}
		m.Tick(context.WithoutCancel(ctx))
	}
}

// Tick runs the head job if the queue is non-empty and the gate is free.
// It reports whether a job ran.
func (m *Manager) Tick(ctx context.Context) bool {
	if m.deps.Queue.IsEmpty() || !m.deps.Gate.TryAcquire() {
		return false
	}

	j, err := m.deps.Queue.Peek()
	if err != nil {
		m.deps.Gate.Release()
		return false
	}

	outcome := m.Run(ctx, j)
	m.deps.Gate.Release()

	if outcome.Succeeded() {
		select {
		case m.finished <- outcome.JobID:
		default:
		}
	}
	return true
}

// run tracks what the pipeline created so failure reporting and cleanup can undo it
type run struct {
	job      *job.Job
	log      *remote.ExecutionLog
	resolved *automation.Resolved
}

// Run takes j through the pipeline. The caller must hold the gate.
func (m *Manager) Run(ctx context.Context, j *job.Job) Outcome {
	log := m.logger.With(
		logger.FieldJobID, j.ID,
		logger.FieldAutomationID, j.AutomationID,
	)
	start := m.now()
	r := &run{job: j}

	defer func() {
		if r.resolved != nil {
			if err := os.RemoveAll(r.resolved.ExecutionDir); err != nil {
				log.Warnw("Failed to remove execution directory",
					logger.FieldExecutionDir, r.resolved.ExecutionDir,
					logger.FieldError, err,
				)
			}
		}
		if m.deps.Status != nil {
			m.deps.Status.SetAvailable()
		}
	}()

	if err := m.execute(ctx, r, log); err != nil {
		return m.reportFailure(ctx, r, err, log)
	}

	m.dequeue(j, log)
	if err := m.deps.Directory.UpdateJobStatus(ctx, j.AgentID, j.ID, job.StatusCompleted, nil); err != nil {
		log.Errorw("Failed to report job completion",
			logger.FieldError, err,
			logger.FieldErrorKind, errors.Kind(err),
		)
	}
	if err := j.Complete(m.now()); err != nil {
		log.Debugw("Local job status not advanced", logger.FieldError, err)
	}

	log.Infow("Job completed", logger.FieldDurationMS, m.now().Sub(start).Milliseconds())
	return Outcome{JobID: j.ID, Status: job.StatusCompleted}
}

// execute is everything up to, but not including, the Completed status update
func (m *Manager) execute(ctx context.Context, r *run, log *zap.SugaredLogger) error {
	j := r.job

	a, err := m.deps.Directory.GetAutomation(ctx, j.AutomationID)
	if err != nil {
		return err
	}
	if a == nil {
		err := errors.Wrap(errors.ErrNotFound, "server returned no automation")
		return errors.WithDetail(err, fmt.Sprintf("Automation ID: %s", j.AutomationID))
	}
	if a.Engine == "" {
		a.Engine = string(automation.EngineNative)
	}
	if m.deps.Status != nil {
		m.deps.Status.SetBusy(a.Name)
	}
	log = log.With(logger.FieldAutomationName, a.Name, logger.FieldEngine, a.Engine)

	r.resolved, err = m.deps.Fetcher.Resolve(ctx, a, j.ID)
	if err != nil {
		return err
	}

	var libraries []string
	if r.resolved.Engine == automation.EngineNative && r.resolved.ManifestPath != "" {
		if libraries, err = m.deps.Resolver.InstallAndResolve(ctx, r.resolved.ManifestPath); err != nil {
			return err
		}
	}

	started := m.now()
	r.log, err = m.deps.Directory.CreateExecutionLog(ctx, &remote.ExecutionLog{
		JobID:        j.ID,
		AutomationID: j.AutomationID,
		AgentID:      j.AgentID,
		StartedOn:    started,
		Status:       remote.LogStarted,
	})
	if err != nil {
		return err
	}
	if err := m.deps.Directory.UpdateJobStatus(ctx, j.AgentID, j.ID, job.StatusInProgress, nil); err != nil {
		return err
	}
	if err := m.deps.Directory.PatchJob(ctx, j.ID, []remote.PatchOp{remote.ReplaceTime("/startTime", started)}); err != nil {
		return err
	}
	if err := j.Start(started); err != nil {
		log.Debugw("Local job status not advanced", logger.FieldError, err)
	}

	cred, err := m.credential(ctx, j.AgentID)
	if err != nil {
		return err
	}

	cmd, err := m.deps.Recipes.Build(ctx, r.resolved, j.ID, func() (string, error) {
		return request.Encode(request.ExecutionRequest{
			JobID:                    j.ID,
			AutomationID:             a.ID,
			AutomationName:           a.Name,
			MainFilePath:             r.resolved.MainScriptPath,
			ProjectDirectoryPath:     r.resolved.ProjectDir,
			ProjectDependencies:      libraries,
			JobParameters:            j.Parameters,
			ServerConnectionSettings: m.deps.Settings(),
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

	if err := m.launch(ctx, cmd, cred, log); err != nil {
		return err
	}

	ended := m.now()
	if err := m.deps.Directory.PatchJob(ctx, j.ID, []remote.PatchOp{remote.ReplaceTime("/endTime", ended)}); err != nil {
		return err
	}

	r.log.CompletedOn = &ended
	r.log.Status = remote.LogFinished
	return m.deps.Directory.UpdateExecutionLog(ctx, r.log)
}

// credential looks up the machine credential assigned to the agent, if any
func (m *Manager) credential(ctx context.Context, agentID string) (*launcher.Credential, error) {
	agent, err := m.deps.Directory.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.CredentialID == "" {
		return nil, nil
	}
	c, err := m.deps.Directory.GetCredential(ctx, agent.CredentialID)
	if err != nil {
		return nil, err
	}
	return &launcher.Credential{Domain: c.Domain, UserName: c.UserName, Password: c.Password}, nil
}

func (m *Manager) launch(ctx context.Context, cmd *Command, cred *launcher.Credential, log *zap.SugaredLogger) error {
	if m.opts.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.ExecutionTimeout)
		defer cancel()
	}

	res, err := m.deps.Launcher.Launch(ctx, cmd.Line, cred)
	if err != nil {
		return err
	}
	log.Infow("Automation exited",
		logger.FieldExitCode, res.ExitCode,
		logger.FieldDurationMS, res.Duration.Milliseconds(),
	)

	if res.ExitCode != 0 && m.opts.FailOnNonZeroExit {
		err := errors.Wrapf(errors.ErrNonZeroExit, "automation exited with code %d", res.ExitCode)
		if cmd.LogPath != "" {
			err = errors.WithDetail(err, fmt.Sprintf("Log: %s", cmd.LogPath))
		}
		return err
	}
	return nil
}

// reportFailure dequeues the job and reports it Failed with the structured cause
func (m *Manager) reportFailure(ctx context.Context, r *run, cause error, log *zap.SugaredLogger) Outcome {
	j := r.job
	failure := NewJobFailure(cause)
	log.Errorw("Job failed",
		logger.FieldError, cause,
		logger.FieldErrorKind, failure.Kind,
	)

	m.dequeue(j, log)

	if r.log != nil {
		ended := m.now()
		r.log.CompletedOn = &ended
		r.log.Status = remote.LogFailed
		r.log.HasErrors = true
		r.log.ErrorMessage = failure.Message
		r.log.ErrorDetails = failure.Detail
		if err := m.deps.Directory.UpdateExecutionLog(ctx, r.log); err != nil {
			log.Errorw("Failed to update execution log", logger.FieldError, err)
		}
	}

	if err := m.deps.Directory.UpdateJobStatus(ctx, j.AgentID, j.ID, job.StatusFailed, failure.JobError()); err != nil {
		log.Errorw("Failed to report job failure",
			logger.FieldError, err,
			logger.FieldErrorKind, errors.Kind(err),
		)
	}
	if err := j.Fail(m.now()); err != nil {
		log.Debugw("Local job status not advanced", logger.FieldError, err)
	}

	return Outcome{JobID: j.ID, Status: job.StatusFailed, Failure: failure}
}

func (m *Manager) dequeue(j *job.Job, log *zap.SugaredLogger) {
	if err := m.deps.Queue.Remove(j.ID); err != nil {
		log.Warnw("Job was no longer queued", logger.FieldError, err)
	}
}
