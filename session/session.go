// Package session owns the agent's connection to the server.
//
// Connecting authenticates, registers the machine and starts the heartbeat
// coordinator, the job-check loop and the push listener. A failed heartbeat
// stops all three and marks the connection disabled until the user connects
// again. The connection state is persisted so a restarted agent resumes
// where it left off.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/botagent/am"
	"github.com/teranos/botagent/attended"
	"github.com/teranos/botagent/automation"
	"github.com/teranos/botagent/errors"
	"github.com/teranos/botagent/execution"
	"github.com/teranos/botagent/heartbeat"
	"github.com/teranos/botagent/job"
	"github.com/teranos/botagent/launcher"
	"github.com/teranos/botagent/logger"
	"github.com/teranos/botagent/remote"
	"github.com/teranos/botagent/sysinfo"
)

// ErrAuthentication is returned by Connect when the server does not know the
// configured agent login
var ErrAuthentication = errors.New("Authentication Error - agent is not found for given credentials")

// Server is everything the agent asks of the remote server
type Server interface {
	execution.Directory
	attended.Directory
	heartbeat.Server
	heartbeat.TokenSource
	automation.Exporter
	GetToken(ctx context.Context) (string, error)
	Connect(ctx context.Context, agentID, machineName, macAddress string) (*remote.ConnectResponse, error)
	Disconnect(ctx context.Context, agentID, machineName, macAddress string) error
}

// Deps are the collaborators of a Manager
type Deps struct {
	Config   *am.Config
	Server   Server
	Fetcher  attended.Fetcher
	Resolver execution.Resolver
	Launcher launcher.Launcher
	Recipes  *execution.Recipes
	Identity sysinfo.Identity
	// Health may be nil
	Health heartbeat.HealthFunc
}

// services are the loops that run while connected
type services struct {
	coord *heartbeat.Coordinator
	jobs  *execution.Manager
	push  *heartbeat.PushListener
	// cancel stops the connection-lost watcher
	cancel context.CancelFunc
}

// Manager connects and disconnects the agent and runs attended tasks
type Manager struct {
	deps   Deps
	logger *zap.SugaredLogger

	queue    *job.Queue
	gate     *execution.Gate
	attended *attended.Manager

	// base outlives the calls that start services
	base      context.Context
	cancelAll context.CancelFunc

	// mu serializes connect, disconnect and connection loss
	mu      sync.Mutex
	running *services
	current atomic.Pointer[heartbeat.Coordinator]
	// draining is closed once the job loop stopped after a lost connection
	draining chan struct{}

	stateMu  sync.RWMutex
	state    am.AgentState
	interval atomic.Int64
}

// New creates a manager and loads the persisted agent state. It does not connect.
func New(deps Deps, logger *zap.SugaredLogger) (*Manager, error) {
	if deps.Config == nil {
		return nil, errors.New("session requires a configuration")
	}
	state, err := am.LoadState(deps.Config.StatePath())
	if err != nil {
		return nil, err
	}

	base, cancel := context.WithCancel(context.Background())
	m := &Manager{
		deps:      deps,
		logger:    logger,
		queue:     job.NewQueue(),
		gate:      execution.NewGate(deps.Config.EngineLockPath()),
		base:      base,
		cancelAll: cancel,
		state:     state,
	}
	m.interval.Store(int64(deps.Config.Agent.HeartbeatInterval()))
	m.attended = attended.NewManager(attended.Deps{
		Gate:      m.gate,
		Directory: deps.Server,
		Fetcher:   deps.Fetcher,
		Resolver:  deps.Resolver,
		Launcher:  deps.Launcher,
		Recipes:   deps.Recipes,
		Status:    statusProxy{m},
	}, execution.OptionsFromConfig(deps.Config.Agent), logger.Named("attended"))
	return m, nil
}

// Queue is the job queue fed by the heartbeat and drained by the job loop
func (m *Manager) Queue() *job.Queue {
	return m.queue
}

// IsConnected reports whether the server connection is enabled
func (m *Manager) IsConnected() bool {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state.ServerConnectionEnabled
}

// Settings returns the current connection settings, including the machine identity
func (m *Manager) Settings() am.ConnectionSettings {
	m.stateMu.RLock()
	s := m.deps.Config.ConnectionSettings(m.state)
	m.stateMu.RUnlock()

	s.MachineName = m.deps.Identity.MachineName
	s.MACAddress = m.deps.Identity.MACAddress
	s.IPAddress = m.deps.Identity.IPAddress
	return s
}

// Status returns the status the agent last reported, or false when not connected
func (m *Manager) Status() (remote.Heartbeat, bool) {
	if c := m.current.Load(); c != nil {
		return c.Status(), true
	}
	return remote.Heartbeat{}, false
}

// Connect authenticates, registers the agent and starts the background
// services. Connecting an already connected agent is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running != nil {
		return nil
	}

	agentID, err := m.register(ctx)
	if err != nil {
		return err
	}
	m.startServices(agentID)
	return nil
}

// Register authenticates, registers the agent and persists the connection
// state without starting heartbeat, push or job polling. One-shot commands
// use it so they never pick up server jobs; the next Resume starts them.
func (m *Manager) Register(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.register(ctx)
	return err
}

// register does the server side of connecting. Callers hold mu.
func (m *Manager) register(ctx context.Context) (string, error) {
	if _, err := m.deps.Server.GetToken(ctx); err != nil {
		return "", connectError(err)
	}

	m.stateMu.RLock()
	agentID := m.state.AgentID
	m.stateMu.RUnlock()

	resp, err := m.deps.Server.Connect(ctx, agentID, m.deps.Identity.MachineName, m.deps.Identity.MACAddress)
	if err != nil {
		return "", connectError(err)
	}
	if resp.AgentID == "" {
		return "", errors.Wrap(errors.ErrRemoteTransport, "server did not return an agent id")
	}

	if err := m.updateState(func(s *am.AgentState) {
		s.AgentID = resp.AgentID
		if resp.AgentName != "" {
			s.AgentName = resp.AgentName
		}
		s.ServerConnectionEnabled = true
	}); err != nil {
		return "", err
	}

	m.logger.Infow("Agent connected",
		logger.FieldAgentID, resp.AgentID,
		"agent_name", resp.AgentName,
		logger.FieldURL, m.deps.Config.Server.URL,
	)
	return resp.AgentID, nil
}

// Resume connects when the persisted state says the agent was connected
func (m *Manager) Resume(ctx context.Context) error {
	if !m.IsConnected() {
		return nil
	}
	return m.Connect(ctx)
}

// Disconnect stops the background services, tells the server the agent is
// leaving and clears the persisted agent id. A running job is waited for
// until ctx expires.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stopErr := errors.CombineErrors(m.stopServices(ctx), m.waitDrained(ctx))

	m.stateMu.RLock()
	agentID := m.state.AgentID
	m.stateMu.RUnlock()

	if agentID != "" {
		if err := m.deps.Server.Disconnect(ctx, agentID, m.deps.Identity.MachineName, m.deps.Identity.MACAddress); err != nil {
			m.logger.Warnw("Server disconnect failed",
				logger.FieldAgentID, agentID,
				logger.FieldError, err,
			)
		}
	}

	err := m.updateState(func(s *am.AgentState) {
		s.AgentID = ""
		s.ServerConnectionEnabled = false
	})
	m.logger.Infow("Agent disconnected", logger.FieldAgentID, agentID)
	return errors.CombineErrors(stopErr, err)
}

// Close stops the background services and keeps the persisted state, so
// the next Resume reconnects.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := errors.CombineErrors(m.stopServices(ctx), m.waitDrained(ctx))
	m.cancelAll()
	return err
}

// SetHeartbeatInterval changes the heartbeat period, including for a running coordinator
func (m *Manager) SetHeartbeatInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	m.interval.Store(int64(d))
	if c := m.current.Load(); c != nil {
		c.SetInterval(d)
	}
}

// ExecuteTask runs a package for the local user. See attended.Manager.
func (m *Manager) ExecuteTask(ctx context.Context, packageRef string, isRemote bool) bool {
	return m.attended.ExecuteTask(ctx, packageRef, m.Settings(), isRemote)
}

func (m *Manager) startServices(agentID string) {
	cfg := m.deps.Config

	coord := heartbeat.NewCoordinator(m.deps.Server, m.queue, agentID,
		time.Duration(m.interval.Load()), m.deps.Health, m.logger.Named("heartbeat"))
	jobs := execution.NewManager(execution.Deps{
		Queue:     m.queue,
		Gate:      m.gate,
		Directory: m.deps.Server,
		Fetcher:   m.deps.Fetcher,
		Resolver:  m.deps.Resolver,
		Launcher:  m.deps.Launcher,
		Recipes:   m.deps.Recipes,
		Status:    coord,
		Settings:  m.Settings,
	}, execution.OptionsFromConfig(cfg.Agent), m.logger.Named("execution"))

	svc := &services{coord: coord, jobs: jobs}
	if cfg.Agent.PushEnabled {
		svc.push = heartbeat.NewPushListener(cfg.Server.URL, agentID, m.deps.Server, coord.Trigger, m.logger.Named("push"))
	}

	watchCtx, cancel := context.WithCancel(m.base)
	svc.cancel = cancel

	m.running = svc
	m.current.Store(coord)

	coord.Start(m.base, jobs.JobFinished())
	jobs.Start(m.base)
	if svc.push != nil {
		svc.push.Start(m.base)
	}
	go m.watch(watchCtx, svc)
}

// stopServices stops whatever is running and waits for a running job until
// ctx expires. Callers hold mu.
func (m *Manager) stopServices(ctx context.Context) error {
	svc := m.running
	if svc == nil {
		return nil
	}
	m.detach(svc)
	return svc.jobs.Stop(ctx)
}

// detach stops the heartbeat, push and watcher of svc. The job loop is left
// to the caller. Callers hold mu.
func (m *Manager) detach(svc *services) {
	m.running = nil
	m.current.CompareAndSwap(svc.coord, nil)

	svc.cancel()
	if svc.push != nil {
		svc.push.Stop()
	}
	svc.coord.Stop()
}

// waitDrained waits for a job left running by a lost connection. Callers hold mu.
func (m *Manager) waitDrained(ctx context.Context) error {
	if m.draining == nil {
		return nil
	}
	select {
	case <-m.draining:
		m.draining = nil
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "job still running at shutdown")
	}
}

// watch disables the connection when the coordinator reports it lost
func (m *Manager) watch(ctx context.Context, svc *services) {
	select {
	case <-ctx.Done():
		return
	case cause := <-svc.coord.ConnectionLost():
		m.connectionLost(svc, cause)
	}
}

func (m *Manager) connectionLost(svc *services, cause error) {
	m.mu.Lock()
	if m.running != svc {
		m.mu.Unlock()
		return
	}

	m.logger.Errorw("Server connection lost, stopping heartbeat and job polling",
		logger.FieldError, cause,
		logger.FieldErrorKind, errors.Kind(cause),
	)
	m.detach(svc)
	drained := make(chan struct{})
	m.draining = drained
	if err := m.updateState(func(s *am.AgentState) { s.ServerConnectionEnabled = false }); err != nil {
		m.logger.Warnw("Failed to persist agent state", logger.FieldError, err)
	}
	m.mu.Unlock()

	// a job already launched keeps the gate; mu stays free while it runs,
	// and Close ends the wait by cancelling base
	if err := svc.jobs.Stop(m.base); err != nil {
		m.logger.Warnw("Job loop did not stop before shutdown", logger.FieldError, err)
	}
	close(drained)
}

// updateState applies fn and persists the result
func (m *Manager) updateState(fn func(*am.AgentState)) error {
	m.stateMu.Lock()
	fn(&m.state)
	state := m.state
	m.stateMu.Unlock()

	if err := am.SaveState(m.deps.Config.StatePath(), state); err != nil {
		return errors.Wrap(err, "failed to persist agent state")
	}
	return nil
}

// connectError maps a rejected login to ErrAuthentication
func connectError(err error) error {
	if errors.Is(err, errors.ErrAuthExpired) {
		err = errors.Mark(errors.WithSecondaryError(ErrAuthentication, err), errors.ErrAuthExpired)
		return errors.WithHint(err, "Check server.agent_username and server.agent_password")
	}
	return errors.Wrap(err, "failed to connect agent")
}

// statusProxy forwards attended status changes to whichever coordinator is running
type statusProxy struct{ m *Manager }

func (p statusProxy) SetBusy(work string) {
	if c := p.m.current.Load(); c != nil {
		c.SetBusy(work)
	}
}

func (p statusProxy) SetAvailable() {
	if c := p.m.current.Load(); c != nil {
		c.SetAvailable()
	}
}
