// Package remote is the agent's client for the server's job directory:
// authentication, agent lifecycle, jobs, automations, credentials and
// execution logs.
//
// Every call carries a bearer token. When the server answers 401 the
// client fetches a fresh token and retries the same call exactly once
// before surfacing the error.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/botagent/errors"
	"github.com/teranos/botagent/internal/httpclient"
	"github.com/teranos/botagent/logger"
)

// maxErrorBody caps how much of a failed response is kept in the error
const maxErrorBody = 4096

// Settings identifies the server and the agent's login
type Settings struct {
	ServerURL string
	Username  string
	Password  string
	Timeout   time.Duration
	UserAgent string
}

// Client talks to the server API
type Client struct {
	baseURL  string
	username string
	password string
	agent    string
	http     *httpclient.Client
	logger   *zap.SugaredLogger

	mu    sync.RWMutex
	token string
}

// New creates a client. A nil httpClient builds one from settings.Timeout.
func New(settings Settings, httpClient *httpclient.Client, logger *zap.SugaredLogger) *Client {
	if httpClient == nil {
		httpClient = httpclient.New(settings.Timeout, httpclient.Options{})
	}
	return &Client{
		baseURL:  strings.TrimRight(settings.ServerURL, "/"),
		username: settings.Username,
		password: settings.Password,
		agent:    settings.UserAgent,
		http:     httpClient,
		logger:   logger,
	}
}

// BaseURL returns the server root the client targets
func (c *Client) BaseURL() string {
	return c.baseURL
}

// GetToken authenticates with the agent's login and stores the token for later calls
func (c *Client) GetToken(ctx context.Context) (string, error) {
	body, err := json.Marshal(tokenRequest{UserName: c.username, Password: c.password})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode login")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "failed to build token request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", transportError(http.MethodPost, "/api/v1/auth/token", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", statusError(resp, http.MethodPost, "/api/v1/auth/token")
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", errors.Wrap(err, "failed to decode token response")
	}
	if tr.Token == "" {
		return "", errors.Wrap(errors.ErrRemoteTransport, "server returned an empty token")
	}

	c.mu.Lock()
	c.token = tr.Token
	c.mu.Unlock()
	return tr.Token, nil
}

// Token returns the current access token, authenticating first if there is none
func (c *Client) Token(ctx context.Context) (string, error) {
	if t := c.currentToken(); t != "" {
		return t, nil
	}
	return c.GetToken(ctx)
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// call describes one API request
type call struct {
	method      string
	path        string
	query       url.Values
	body        any
	contentType string
}

// do sends the call and decodes a JSON response into out (nil to discard).
// It returns the response status code.
func (c *Client) do(ctx context.Context, cl call, out any) (int, error) {
	resp, err := c.send(ctx, cl)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			err = errors.Wrap(err, "failed to decode response")
			return resp.StatusCode, errors.WithDetail(err, fmt.Sprintf("Request: %s %s", cl.method, cl.path))
		}
	}
	return resp.StatusCode, nil
}

// send performs the call with the refresh-once policy and returns a
// successful response whose body the caller must close.
func (c *Client) send(ctx context.Context, cl call) (*http.Response, error) {
	var payload []byte
	if cl.body != nil {
		var err error
		payload, err = json.Marshal(cl.body)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode %s %s body", cl.method, cl.path)
		}
	}

	if c.currentToken() == "" {
		if _, err := c.GetToken(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := c.attempt(ctx, cl, payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.logger.Debugw("Access token rejected, refreshing",
			logger.FieldMethod, cl.method,
			logger.FieldPath, cl.path,
		)
		if _, err := c.GetToken(ctx); err != nil {
			return nil, err
		}
		resp, err = c.attempt(ctx, cl, payload)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(resp, cl.method, cl.path)
	}
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, cl call, payload []byte) (*http.Response, error) {
	target := c.baseURL + cl.path
	if len(cl.query) > 0 {
		target += "?" + cl.query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, target, body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build %s %s", cl.method, cl.path)
	}
	if payload != nil {
		contentType := cl.contentType
		if contentType == "" {
			contentType = "application/json"
		}
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.currentToken())
	if c.agent != "" {
		req.Header.Set("User-Agent", c.agent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(cl.method, cl.path, err)
	}
	c.logger.Debugw("Server call",
		logger.FieldMethod, cl.method,
		logger.FieldPath, cl.path,
		logger.FieldStatusCode, resp.StatusCode,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	)
	return resp, nil
}

func transportError(method, path string, cause error) error {
	err := errors.Wrapf(errors.ErrRemoteTransport, "%s %s failed", method, path)
	err = errors.WithSecondaryError(err, cause)
	return errors.WithDetail(err, fmt.Sprintf("Cause: %v", cause))
}

func statusError(resp *http.Response, method, path string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return errors.WithStack(&errors.RemoteStatusError{
		Method:     method,
		Path:       path,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	})
}
