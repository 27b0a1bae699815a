package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/botagent/am"
	"github.com/teranos/botagent/automation"
	"github.com/teranos/botagent/errors"
	"github.com/teranos/botagent/execution"
	"github.com/teranos/botagent/internal/httpclient"
	"github.com/teranos/botagent/job"
	"github.com/teranos/botagent/launcher"
	"github.com/teranos/botagent/remote"
	"github.com/teranos/botagent/sysinfo"
)

// fakeServer implements the token, connect, disconnect and heartbeat endpoints
type fakeServer struct {
	*httptest.Server
	connects     atomic.Int32
	disconnects  atomic.Int32
	heartbeats   atomic.Int32
	beatStatus   atomic.Int32
	connectQuery atomic.Value

	// automation lookups block until unblock is called
	lookups     chan string
	release     chan struct{}
	releaseOnce sync.Once
}

func (fs *fakeServer) unblock() {
	fs.releaseOnce.Do(func() { close(fs.release) })
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{lookups: make(chan string, 4), release: make(chan struct{})}
	fs.beatStatus.Store(http.StatusOK)
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/auth/token":
			var login struct {
				UserName string `json:"userName"`
				Password string `json:"password"`
			}
			json.NewDecoder(r.Body).Decode(&login)
			if login.UserName != "agent" || login.Password != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"token": "tok"})
		case r.URL.Path == "/api/v1/Agents/connect":
			fs.connects.Add(1)
			fs.connectQuery.Store(r.URL.Query())
			json.NewEncoder(w).Encode(remote.ConnectResponse{AgentID: "agent-1", AgentName: "desk-01"})
		case r.URL.Path == "/api/v1/Agents/disconnect":
			fs.disconnects.Add(1)
		case r.URL.Path == "/api/v1/Agents/agent-1/AddHeartbeat":
			fs.heartbeats.Add(1)
			code := int(fs.beatStatus.Load())
			w.WriteHeader(code)
			if code == http.StatusOK {
				w.Write([]byte("{}"))
			}
		case strings.HasPrefix(r.URL.Path, "/api/v1/Automations/"):
			select {
			case fs.lookups <- strings.TrimPrefix(r.URL.Path, "/api/v1/Automations/"):
			default:
			}
			select {
			case <-fs.release:
			case <-r.Context().Done():
			}
			http.NotFound(w, r)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(fs.Close)
	t.Cleanup(fs.unblock)
	return fs
}

type fakeFetcher struct{ root string }

func (f *fakeFetcher) Resolve(context.Context, *automation.Automation, string) (*automation.Resolved, error) {
	return nil, errors.Wrap(errors.ErrNotFound, "no server packages in this test")
}

func (f *fakeFetcher) ResolveLocal(_ context.Context, _ string, scopeID string) (*automation.Resolved, error) {
	dir := filepath.Join(f.root, "Local", scopeID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &automation.Resolved{
		Engine:         automation.EngineCSScript,
		Name:           "Flow",
		MainScriptPath: filepath.Join(dir, "main.cs"),
		ExecutionDir:   dir,
		ProjectDir:     dir,
	}, nil
}

type fixture struct {
	server *fakeServer
	cfg    *am.Config
	deps   Deps
	launch func(ctx context.Context, line string) (launcher.Result, error)
}

func newFixture(t *testing.T, password string) *fixture {
	t.Helper()
	f := &fixture{server: newFakeServer(t)}
	dataDir := t.TempDir()
	f.cfg = &am.Config{
		Server: am.ServerConfig{
			URL:           f.server.URL,
			AgentUsername: "agent",
			AgentPassword: password,
			WhoAmI:        "alice",
		},
		Agent: am.AgentConfig{
			HeartbeatIntervalSeconds: 3600,
			JobCheckIntervalMS:       10,
			FailOnNonZeroExit:        true,
			DataDir:                  dataDir,
		},
	}
	client := remote.New(remote.Settings{
		ServerURL: f.server.URL,
		Username:  "agent",
		Password:  password,
	}, httpclient.Wrap(f.server.Client()), zap.NewNop().Sugar())

	f.deps = Deps{
		Config:   f.cfg,
		Server:   client,
		Fetcher:  &fakeFetcher{root: dataDir},
		Launcher: launcher.LauncherFunc(func(ctx context.Context, line string, _ *launcher.Credential) (launcher.Result, error) {
			if f.launch != nil {
				return f.launch(ctx, line)
			}
			return launcher.Result{}, nil
		}),
		Recipes: &execution.Recipes{
			LogsDir:  filepath.Join(dataDir, "logs"),
			GOOS:     "linux",
			LookPath: func(name string) (string, error) { return "/usr/bin/" + name, nil },
		},
		Identity: sysinfo.Identity{MachineName: "DESK-01", MACAddress: "00:11:22:33:44:55", IPAddress: "10.0.0.7"},
	}
	return f
}

func (f *fixture) manager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(f.deps, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Close(ctx)
	})
	return m
}

func TestConnect_PersistsStateAndStartsHeartbeat(t *testing.T) {
	f := newFixture(t, "secret")
	m := f.manager(t)
	assert.False(t, m.IsConnected())

	require.NoError(t, m.Connect(t.Context()))

	assert.True(t, m.IsConnected())
	assert.Eventually(t, func() bool { return f.server.heartbeats.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	query := f.server.connectQuery.Load().(url.Values)
	assert.Equal(t, []string{"DESK-01"}, query["machineName"])
	assert.Equal(t, []string{"00:11:22:33:44:55"}, query["macAddresses"])

	state, err := am.LoadState(f.cfg.StatePath())
	require.NoError(t, err)
	assert.Equal(t, am.AgentState{AgentID: "agent-1", AgentName: "desk-01", ServerConnectionEnabled: true}, state)

	s := m.Settings()
	assert.Equal(t, "agent-1", s.AgentID)
	assert.Equal(t, "desk-01", s.AgentName)
	assert.Equal(t, "DESK-01", s.MachineName)
	assert.Equal(t, "10.0.0.7", s.IPAddress)

	_, ok := m.Status()
	assert.True(t, ok)
}

func TestConnect_Twice(t *testing.T) {
	f := newFixture(t, "secret")
	m := f.manager(t)

	require.NoError(t, m.Connect(t.Context()))
	require.NoError(t, m.Connect(t.Context()))
	assert.Equal(t, int32(1), f.server.connects.Load())
}

func TestConnect_UnknownAgentLogin(t *testing.T) {
	f := newFixture(t, "wrong")
	m := f.manager(t)

	err := m.Connect(t.Context())

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthentication))
	assert.True(t, errors.Is(err, errors.ErrAuthExpired))
	assert.Contains(t, err.Error(), "Authentication Error - agent is not found for given credentials")
	assert.NotEmpty(t, errors.GetAllHints(err))
	assert.False(t, m.IsConnected())
	assert.Equal(t, int32(0), f.server.connects.Load())
	assert.NoFileExists(t, f.cfg.StatePath())
}

func TestDisconnect_ClearsStateAndStopsHeartbeat(t *testing.T) {
	f := newFixture(t, "secret")
	m := f.manager(t)
	require.NoError(t, m.Connect(t.Context()))
	require.Eventually(t, func() bool { return f.server.heartbeats.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Disconnect(t.Context()))

	assert.False(t, m.IsConnected())
	assert.Equal(t, int32(1), f.server.disconnects.Load())
	_, ok := m.Status()
	assert.False(t, ok)

	state, err := am.LoadState(f.cfg.StatePath())
	require.NoError(t, err)
	assert.Empty(t, state.AgentID)
	assert.False(t, state.ServerConnectionEnabled)

	beats := f.server.heartbeats.Load()
	m.SetHeartbeatInterval(10 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, beats, f.server.heartbeats.Load())
}

func TestConnectionLost_StopsServices(t *testing.T) {
	f := newFixture(t, "secret")
	f.server.beatStatus.Store(http.StatusInternalServerError)
	m := f.manager(t)

	require.NoError(t, m.Connect(t.Context()))

	assert.Eventually(t, func() bool { return !m.IsConnected() }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, ok := m.Status()
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		state, err := am.LoadState(f.cfg.StatePath())
		return err == nil && !state.ServerConnectionEnabled && state.AgentID == "agent-1"
	}, 2*time.Second, 10*time.Millisecond, "the agent id survives a lost connection")

	assert.Equal(t, int32(1), f.server.heartbeats.Load())

	// reconnecting explicitly starts over
	f.server.beatStatus.Store(http.StatusOK)
	require.NoError(t, m.Connect(t.Context()))
	assert.True(t, m.IsConnected())
	query := f.server.connectQuery.Load().(url.Values)
	assert.Equal(t, []string{"agent-1"}, query["agentID"])
}

func TestResume(t *testing.T) {
	f := newFixture(t, "secret")
	require.NoError(t, am.SaveState(f.cfg.StatePath(), am.AgentState{AgentID: "agent-1", ServerConnectionEnabled: true}))
	m := f.manager(t)

	require.NoError(t, m.Resume(t.Context()))

	assert.Equal(t, int32(1), f.server.connects.Load())
	assert.True(t, m.IsConnected())
}

func TestResume_NotConnected(t *testing.T) {
	f := newFixture(t, "secret")
	m := f.manager(t)

	require.NoError(t, m.Resume(t.Context()))
	assert.Equal(t, int32(0), f.server.connects.Load())
}

func TestClose_KeepsState(t *testing.T) {
	f := newFixture(t, "secret")
	m := f.manager(t)
	require.NoError(t, m.Connect(t.Context()))

	require.NoError(t, m.Close(t.Context()))

	state, err := am.LoadState(f.cfg.StatePath())
	require.NoError(t, err)
	assert.True(t, state.ServerConnectionEnabled)
	assert.Equal(t, int32(0), f.server.disconnects.Load())
}

func TestExecuteTask_ReportsBusyWhileRunning(t *testing.T) {
	f := newFixture(t, "secret")
	var m *Manager
	var busyWork atomic.Value
	f.launch = func(context.Context, string) (launcher.Result, error) {
		if st, ok := m.Status(); ok && st.LastReportedStatus == remote.AgentBusy {
			busyWork.Store(st.LastReportedWork)
		}
		return launcher.Result{}, nil
	}
	m = f.manager(t)
	require.NoError(t, m.Connect(t.Context()))

	assert.True(t, m.ExecuteTask(t.Context(), filepath.Join(t.TempDir(), "Flow.nupkg"), false))

	assert.Equal(t, "Flow", busyWork.Load())
	st, _ := m.Status()
	assert.Equal(t, remote.AgentAvailable, st.LastReportedStatus)
}

func TestExecuteTask_WithoutConnection(t *testing.T) {
	f := newFixture(t, "secret")
	m := f.manager(t)

	assert.True(t, m.ExecuteTask(t.Context(), filepath.Join(t.TempDir(), "Flow.nupkg"), false))
}

func TestRegister_DoesNotStartServices(t *testing.T) {
	f := newFixture(t, "secret")
	m := f.manager(t)

	require.NoError(t, m.Register(t.Context()))

	assert.True(t, m.IsConnected())
	_, ok := m.Status()
	assert.False(t, ok, "no heartbeat coordinator after a register-only connect")

	m.Queue().Enqueue(&job.Job{ID: "J1", AutomationID: "A1", AgentID: "agent-1"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), f.server.heartbeats.Load())
	assert.Equal(t, 1, m.Queue().Len(), "no job polling after a register-only connect")

	state, err := am.LoadState(f.cfg.StatePath())
	require.NoError(t, err)
	assert.Equal(t, am.AgentState{AgentID: "agent-1", AgentName: "desk-01", ServerConnectionEnabled: true}, state)

	// a later run resumes and starts them
	other := f.manager(t)
	require.NoError(t, other.Resume(t.Context()))
	assert.Eventually(t, func() bool { return f.server.heartbeats.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestExecuteTask_ExcludesOtherAgentOnSameDataDir(t *testing.T) {
	f := newFixture(t, "secret")
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	var active, peak atomic.Int32
	f.launch = func(context.Context, string) (launcher.Result, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		started <- struct{}{}
		<-release
		active.Add(-1)
		return launcher.Result{}, nil
	}
	host := f.manager(t)
	oneShot := f.manager(t)

	done := make(chan bool, 1)
	go func() { done <- host.ExecuteTask(t.Context(), filepath.Join(t.TempDir(), "Flow.nupkg"), false) }()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first run did not launch")
	}

	assert.False(t, oneShot.ExecuteTask(t.Context(), filepath.Join(t.TempDir(), "Other.nupkg"), false),
		"a second agent on the same data dir must be refused while the first runs")

	close(release)
	assert.True(t, <-done)
	assert.True(t, oneShot.ExecuteTask(t.Context(), filepath.Join(t.TempDir(), "Other.nupkg"), false))
	assert.Equal(t, int32(1), peak.Load())
}

func TestConnectionLost_DoesNotBlockOnRunningJob(t *testing.T) {
	f := newFixture(t, "secret")
	m := f.manager(t)
	require.NoError(t, m.Connect(t.Context()))
	require.Eventually(t, func() bool { return f.server.heartbeats.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	m.Queue().Enqueue(&job.Job{ID: "J1", AutomationID: "A1", AgentID: "agent-1"})
	select {
	case id := <-f.server.lookups:
		assert.Equal(t, "A1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not picked up")
	}

	f.server.beatStatus.Store(http.StatusInternalServerError)
	m.SetHeartbeatInterval(10 * time.Millisecond)
	require.Eventually(t, func() bool { return !m.IsConnected() }, 2*time.Second, 10*time.Millisecond)

	// the lock is free while the job is still running
	f.server.beatStatus.Store(http.StatusOK)
	connectCtx, cancelConnect := context.WithTimeout(t.Context(), time.Second)
	defer cancelConnect()
	require.NoError(t, m.Connect(connectCtx))

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := m.Close(ctx)
	assert.Less(t, time.Since(start), time.Second, "Close must honour its deadline")
	assert.Error(t, err, "the job is still running")
}
