package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/botagent/errors"
	"github.com/teranos/botagent/logger"
)

// The notification hub speaks the SignalR JSON hub protocol: every frame is
// one or more JSON messages each terminated by a record separator.
const (
	recordSeparator = 0x1e

	msgInvocation = 1
	msgPing       = 6
	msgClose      = 7

	// NewJobEvent is the hub method the server invokes with an agent id
	NewJobEvent = "botnewjobnotification"

	// HubPath is appended to the server URL
	HubPath = "/notification"
)

const (
	pingInterval     = 15 * time.Second
	handshakeTimeout = 10 * time.Second
	// DefaultReconnectDelay spaces reconnect attempts
	DefaultReconnectDelay = 5 * time.Second
)

// TokenSource supplies the bearer token for the hub connection
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// hubMessage is the subset of hub protocol fields the agent reads
type hubMessage struct {
	Type      int               `json:"type"`
	Target    string            `json:"target,omitempty"`
	Arguments []json.RawMessage `json:"arguments,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// PushListener holds a persistent connection to the server's notification
// hub and calls onNewJob whenever a new job is announced for this agent.
type PushListener struct {
	hubURL   string
	agentID  string
	tokens   TokenSource
	onNewJob func()
	logger   *zap.SugaredLogger

	dialer  websocket.Dialer
	limiter *rate.Limiter

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPushListener creates a listener for serverURL's hub. tokens may be nil
// when the hub needs no authentication.
func NewPushListener(serverURL, agentID string, tokens TokenSource, onNewJob func(), logger *zap.SugaredLogger) *PushListener {
	return &PushListener{
		hubURL:   httpToWS(strings.TrimRight(serverURL, "/")) + HubPath,
		agentID:  agentID,
		tokens:   tokens,
		onNewJob: onNewJob,
		logger:   logger,
		dialer:   websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		limiter:  rate.NewLimiter(rate.Every(DefaultReconnectDelay), 1),
	}
}

// SetReconnectDelay changes the minimum spacing between connection attempts
func (p *PushListener) SetReconnectDelay(d time.Duration) {
	p.limiter.SetLimit(rate.Every(d))
}

// Start connects in the background and reconnects until Stop
func (p *PushListener) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(runCtx, p.done)
}

// Stop closes the connection and waits for the listener to exit
func (p *PushListener) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *PushListener) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		err := p.session(ctx)
		if ctx.Err() != nil {
			return
		}
		p.logger.Warnw("Notification channel disconnected",
			logger.FieldURL, p.hubURL,
			logger.FieldError, err,
		)
	}
}

// session runs one connection from dial to disconnect
func (p *PushListener) session(ctx context.Context) error {
	target, header, err := p.endpoint(ctx)
	if err != nil {
		return err
	}

	conn, _, err := p.dialer.DialContext(ctx, target, header)
	if err != nil {
		return errors.Wrap(err, "failed to connect to notification hub")
	}
	defer conn.Close()

	// unblock the reader when ctx ends
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := p.handshake(conn); err != nil {
		return err
	}
	p.logger.Infow("Notification channel connected", logger.FieldURL, p.hubURL)

	var writeMu sync.Mutex
	write := func(data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ticker.C:
				if err := write(frame(hubMessage{Type: msgPing})); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "notification hub read failed")
		}
		for _, raw := range split(data) {
			var msg hubMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				p.logger.Debugw("Ignoring malformed hub message", logger.FieldError, err)
				continue
			}
			switch msg.Type {
			case msgInvocation:
				p.dispatch(msg)
			case msgClose:
				if msg.Error != "" {
					return errors.Newf("notification hub closed the connection: %s", msg.Error)
				}
				return errors.New("notification hub closed the connection")
			}
		}
	}
}

// endpoint builds the websocket URL and headers, carrying the token both
// ways the hub accepts it
func (p *PushListener) endpoint(ctx context.Context) (string, http.Header, error) {
	target := p.hubURL
	header := http.Header{}
	if p.tokens == nil {
		return target, header, nil
	}

	token, err := p.tokens.Token(ctx)
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to authenticate notification channel")
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", nil, errors.Wrapf(err, "invalid hub URL %s", target)
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	header.Set("Authorization", "Bearer "+token)
	return u.String(), header, nil
}

// handshake selects the JSON protocol and waits for the hub's empty reply
func (p *PushListener) handshake(conn *websocket.Conn) error {
	request, _ := json.Marshal(map[string]any{"protocol": "json", "version": 1})
	if err := conn.WriteMessage(websocket.TextMessage, append(request, recordSeparator)); err != nil {
		return errors.Wrap(err, "failed to send hub handshake")
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return errors.Wrap(err, "no hub handshake response")
	}
	conn.SetReadDeadline(time.Time{})

	parts := split(data)
	if len(parts) == 0 {
		return errors.New("empty hub handshake response")
	}
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(parts[0], &resp); err != nil {
		return errors.Wrap(err, "malformed hub handshake response")
	}
	if resp.Error != "" {
		return errors.Newf("hub rejected handshake: %s", resp.Error)
	}
	return nil
}

// dispatch calls onNewJob for new-job invocations naming this agent
func (p *PushListener) dispatch(msg hubMessage) {
	if !strings.EqualFold(msg.Target, NewJobEvent) || len(msg.Arguments) == 0 {
		return
	}
	var agentID string
	if err := json.Unmarshal(msg.Arguments[0], &agentID); err != nil {
		return
	}
	if !strings.EqualFold(agentID, p.agentID) {
		return
	}
	p.logger.Debugw("New job notification", logger.FieldAgentID, agentID)
	p.onNewJob()
}

func frame(msg hubMessage) []byte {
	data, _ := json.Marshal(msg)
	return append(data, recordSeparator)
}

// split cuts a frame into its record-separated messages
func split(data []byte) [][]byte {
	var out [][]byte
	for _, part := range bytes.Split(data, []byte{recordSeparator}) {
		if len(bytes.TrimSpace(part)) > 0 {
			out = append(out, part)
		}
	}
	return out
}

// httpToWS converts http(s) URLs to ws(s) URLs
func httpToWS(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}
