package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/botagent/errors"
	"github.com/teranos/botagent/job"
	"github.com/teranos/botagent/remote"
)

type fakeServer struct {
	mu    sync.Mutex
	beats []remote.Heartbeat
	code  int
	err   error
	job   *job.Job
	next  *job.Job
	sent  chan struct{}
	fetch chan struct{}
}

func newFakeServer() *fakeServer {
	return &fakeServer{code: 200, sent: make(chan struct{}, 16), fetch: make(chan struct{}, 16)}
}

func (s *fakeServer) GetNextJob(context.Context, string) (*job.Job, error) {
	s.mu.Lock()
	next := s.next
	s.next = nil
	s.mu.Unlock()
	s.fetch <- struct{}{}
	return next, nil
}

func (s *fakeServer) SendHeartbeat(_ context.Context, _ string, hb *remote.Heartbeat) (int, *remote.HeartbeatResponse, error) {
	s.mu.Lock()
	s.beats = append(s.beats, *hb)
	code, err, assigned := s.code, s.err, s.job
	s.job = nil
	s.mu.Unlock()

	select {
	case s.sent <- struct{}{}:
	default:
	}
	if err != nil {
		return 0, nil, err
	}
	return code, &remote.HeartbeatResponse{AssignedJob: assigned}, nil
}

func (s *fakeServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.beats)
}

func (s *fakeServer) last() remote.Heartbeat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beats[len(s.beats)-1]
}

func waitBeat(t *testing.T, s *fakeServer) {
	t.Helper()
	select {
	case <-s.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat sent")
	}
}

func TestCoordinator_InitialStatus(t *testing.T) {
	c := NewCoordinator(newFakeServer(), job.NewQueue(), "agent-1", 0, nil, zap.NewNop().Sugar())

	st := c.Status()
	assert.Equal(t, "agent-1", st.AgentID)
	assert.Equal(t, remote.AgentAvailable, st.LastReportedStatus)
	assert.Empty(t, st.LastReportedWork)
	assert.True(t, st.IsHealthy)
	assert.True(t, st.GetNextJob)
	assert.True(t, c.Enabled())
}

func TestCoordinator_BeatEnqueuesAssignedJob(t *testing.T) {
	srv := newFakeServer()
	srv.job = &job.Job{ID: "J1", AutomationID: "A1"}
	q := job.NewQueue()
	c := NewCoordinator(srv, q, "agent-1", time.Minute, nil, zap.NewNop().Sugar())

	require.NoError(t, c.Beat(t.Context()))

	head, err := q.Peek()
	require.NoError(t, err)
	assert.Equal(t, "J1", head.ID)
	assert.False(t, srv.last().LastReportedOn.IsZero())
}

func TestCoordinator_BusyStatusIsReported(t *testing.T) {
	srv := newFakeServer()
	c := NewCoordinator(srv, job.NewQueue(), "agent-1", time.Minute, func() bool { return false }, zap.NewNop().Sugar())

	c.SetBusy("Invoice")
	require.NoError(t, c.Beat(t.Context()))
	hb := srv.last()
	assert.Equal(t, remote.AgentBusy, hb.LastReportedStatus)
	assert.Equal(t, "Invoice", hb.LastReportedWork)
	assert.False(t, hb.IsHealthy)

	c.SetAvailable()
	require.NoError(t, c.Beat(t.Context()))
	assert.Equal(t, remote.AgentAvailable, srv.last().LastReportedStatus)
	assert.Empty(t, srv.last().LastReportedWork)
}

func TestCoordinator_NonSuccessDisablesConnection(t *testing.T) {
	srv := newFakeServer()
	srv.code = 500
	c := NewCoordinator(srv, job.NewQueue(), "agent-1", time.Minute, nil, zap.NewNop().Sugar())

	err := c.Beat(t.Context())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRemoteTransport))
	assert.False(t, c.Enabled())

	select {
	case lost := <-c.ConnectionLost():
		assert.Equal(t, 500, errors.StatusCode(lost))
	default:
		t.Fatal("expected connection lost")
	}
}

func TestCoordinator_TransportErrorStopsLoop(t *testing.T) {
	srv := newFakeServer()
	srv.err = errors.Wrap(errors.ErrRemoteTransport, "connection refused")
	c := NewCoordinator(srv, job.NewQueue(), "agent-1", 10*time.Millisecond, nil, zap.NewNop().Sugar())

	c.Start(t.Context(), nil)
	defer c.Stop()

	select {
	case err := <-c.ConnectionLost():
		assert.True(t, errors.Is(err, errors.ErrRemoteTransport))
	case <-time.After(2 * time.Second):
		t.Fatal("connection lost not raised")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, srv.count(), "no heartbeats after the connection is lost")
}

func TestCoordinator_RestartsAfterConnectionLost(t *testing.T) {
	srv := newFakeServer()
	srv.code = 503
	c := NewCoordinator(srv, job.NewQueue(), "agent-1", time.Hour, nil, zap.NewNop().Sugar())

	c.Start(t.Context(), nil)
	<-c.ConnectionLost()

	srv.mu.Lock()
	srv.code = 200
	srv.mu.Unlock()

	c.Start(t.Context(), nil)
	defer c.Stop()
	waitBeat(t, srv)
	waitBeat(t, srv)
	assert.Eventually(t, c.Enabled, time.Second, 10*time.Millisecond)
}

func TestCoordinator_JobFinishedTriggersHeartbeat(t *testing.T) {
	srv := newFakeServer()
	c := NewCoordinator(srv, job.NewQueue(), "agent-1", time.Hour, nil, zap.NewNop().Sugar())
	finished := make(chan string, 1)

	c.Start(t.Context(), finished)
	defer c.Stop()
	waitBeat(t, srv)

	finished <- "J1"
	waitBeat(t, srv)
	assert.Equal(t, 2, srv.count())
}

func TestCoordinator_TriggerFetchesNextJob(t *testing.T) {
	srv := newFakeServer()
	srv.next = &job.Job{ID: "J9", AutomationID: "A9"}
	q := job.NewQueue()
	c := NewCoordinator(srv, q, "agent-1", time.Hour, nil, zap.NewNop().Sugar())

	c.Start(t.Context(), nil)
	defer c.Stop()
	waitBeat(t, srv)

	c.Trigger()
	select {
	case <-srv.fetch:
	case <-time.After(2 * time.Second):
		t.Fatal("no fetch after trigger")
	}
	assert.Eventually(t, func() bool { return q.Contains("J9") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, srv.count(), "trigger does not send a heartbeat")
}

func TestCoordinator_TickerSendsHeartbeats(t *testing.T) {
	srv := newFakeServer()
	c := NewCoordinator(srv, job.NewQueue(), "agent-1", 10*time.Millisecond, nil, zap.NewNop().Sugar())

	c.Start(t.Context(), nil)
	assert.Eventually(t, func() bool { return srv.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	c.Stop()

	n := srv.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, srv.count())
}

func TestCoordinator_StopWithoutStart(t *testing.T) {
	c := NewCoordinator(newFakeServer(), job.NewQueue(), "agent-1", time.Minute, nil, zap.NewNop().Sugar())
	c.Stop()
}
