// Package heartbeat keeps the agent in touch with the server.
//
// The Coordinator posts the agent's status on a fixed interval and enqueues
// any job the server assigns in the response. A heartbeat is also sent right
// away when a job finishes. When the PushListener receives a new-job
// notification for this agent the coordinator fetches the next job directly.
// Any heartbeat failure disables the connection and is delivered on
// ConnectionLost; the coordinator then stops until it is started again.
package heartbeat

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/botagent/errors"
	"github.com/teranos/botagent/job"
	"github.com/teranos/botagent/logger"
	"github.com/teranos/botagent/remote"
)

// DefaultInterval is used when no interval is configured
const DefaultInterval = 30 * time.Second

// Server receives heartbeats and hands out jobs
type Server interface {
	SendHeartbeat(ctx context.Context, agentID string, hb *remote.Heartbeat) (int, *remote.HeartbeatResponse, error)
	GetNextJob(ctx context.Context, agentID string) (*job.Job, error)
}

// HealthFunc reports whether the machine is fit to take work
type HealthFunc func() bool

// Coordinator sends heartbeats and feeds assigned jobs into the queue
type Coordinator struct {
	server  Server
	queue   *job.Queue
	agentID string
	health  HealthFunc
	logger  *zap.SugaredLogger
	now     func() time.Time

	// limiter spaces out-of-band heartbeats
	limiter *rate.Limiter
	trigger chan struct{}
	lost    chan error
	reset   chan time.Duration

	mu       sync.Mutex
	status   remote.Heartbeat
	interval time.Duration
	enabled  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewCoordinator creates a coordinator for agentID. A nil health reports healthy.
func NewCoordinator(server Server, queue *job.Queue, agentID string, interval time.Duration, health HealthFunc, logger *zap.SugaredLogger) *Coordinator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if health == nil {
		health = func() bool { return true }
	}
	return &Coordinator{
		server:   server,
		queue:    queue,
		agentID:  agentID,
		health:   health,
		logger:   logger,
		now:      time.Now,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
		trigger:  make(chan struct{}, 1),
		lost:     make(chan error, 1),
		reset:    make(chan time.Duration, 1),
		interval: interval,
		enabled:  true,
		status: remote.Heartbeat{
			AgentID:            agentID,
			LastReportedStatus: remote.AgentAvailable,
			IsHealthy:          true,
			GetNextJob:         true,
		},
	}
}

// SetBusy reports the agent as working on work
func (c *Coordinator) SetBusy(work string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.LastReportedStatus = remote.AgentBusy
	c.status.LastReportedWork = work
}

// SetAvailable reports the agent as idle
func (c *Coordinator) SetAvailable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.LastReportedStatus = remote.AgentAvailable
	c.status.LastReportedWork = ""
	c.status.LastReportedMessage = ""
}

// Status returns a copy of the last status record
func (c *Coordinator) Status() remote.Heartbeat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Enabled reports whether the server connection is considered up
func (c *Coordinator) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// ConnectionLost delivers the error that disabled the connection
func (c *Coordinator) ConnectionLost() <-chan error {
	return c.lost
}

// SetInterval changes the heartbeat period of a running coordinator
func (c *Coordinator) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	changed := d != c.interval
	c.interval = d
	c.mu.Unlock()

	if changed {
		select {
		case c.reset <- d:
		default:
		}
	}
}

// Trigger asks for an immediate job fetch outside the timer. Requests made
// while one is pending are merged.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Beat sends one heartbeat and enqueues an assigned job, if any.
func (c *Coordinator) Beat(ctx context.Context) error {
	c.mu.Lock()
	c.status.LastReportedOn = c.now().UTC()
	c.status.IsHealthy = c.health()
	hb := c.status
	c.mu.Unlock()

	code, resp, err := c.server.SendHeartbeat(ctx, c.agentID, &hb)
	if err == nil && (code < http.StatusOK || code >= http.StatusMultipleChoices) {
		err = errors.WithStack(&errors.RemoteStatusError{Method: http.MethodPost, Path: "heartbeat", StatusCode: code})
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.disable(err)
		return err
	}

	if resp != nil {
		c.enqueue(resp.AssignedJob)
	}
	return nil
}

// Fetch asks the server for the next job and enqueues it. Failures are
// logged; only heartbeats decide whether the connection is up.
func (c *Coordinator) Fetch(ctx context.Context) error {
	j, err := c.server.GetNextJob(ctx, c.agentID)
	if err != nil {
		c.logger.Warnw("Next job fetch failed",
			logger.FieldAgentID, c.agentID,
			logger.FieldError, err,
		)
		return err
	}
	c.enqueue(j)
	return nil
}

func (c *Coordinator) enqueue(j *job.Job) {
	if j == nil || j.ID == "" {
		return
	}
	if c.queue.Enqueue(j) {
		c.logger.Infow("Job assigned",
			logger.FieldJobID, j.ID,
			logger.FieldAutomationID, j.AutomationID,
		)
	}
}

// disable marks the connection down and raises connection lost
func (c *Coordinator) disable(cause error) {
	c.mu.Lock()
	wasEnabled := c.enabled
	c.enabled = false
	c.mu.Unlock()

	c.logger.Errorw("Heartbeat failed, server connection disabled",
		logger.FieldAgentID, c.agentID,
		logger.FieldError, cause,
		logger.FieldErrorKind, errors.Kind(cause),
	)
	if wasEnabled {
		select {
		case c.lost <- cause:
		default:
		}
	}
}

// Start runs the heartbeat loop until Stop, cancellation of ctx or a failed
// heartbeat. A heartbeat is sent immediately, then on every tick and on
// every receive from finished. Trigger fetches the next job.
func (c *Coordinator) Start(ctx context.Context, finished <-chan string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		select {
		case <-c.done:
			// the previous loop ended on a failed heartbeat
			c.cancel()
		default:
			return
		}
	}

	c.enabled = true
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(loopCtx, c.interval, finished, c.done)

	c.logger.Infow("Heartbeat started",
		logger.FieldAgentID, c.agentID,
		logger.FieldInterval, c.interval.String(),
	)
}

// Stop ends the loop and waits for it
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Coordinator) loop(ctx context.Context, interval time.Duration, finished <-chan string, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if c.Beat(ctx) != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-c.reset:
			ticker.Reset(d)
			continue
		case <-ticker.C:
		case <-c.trigger:
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
			c.Fetch(ctx)
			continue
		case id, ok := <-finished:
			if !ok {
				finished = nil
				continue
			}
			c.logger.Debugw("Job finished, sending heartbeat", logger.FieldJobID, id)
		}

		if err := c.Beat(ctx); err != nil {
			return
		}
	}
}
