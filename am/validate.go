package am

import (
	"net/url"

	"github.com/teranos/botagent/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Server URL is optional until connect; when set it must be absolute
	if c.Server.URL != "" {
		u, err := url.Parse(c.Server.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.Newf("server.url must be an absolute URL, got %q", c.Server.URL)
		}
	}

	if c.Server.RequestTimeoutSeconds < 0 {
		return errors.Newf("server.request_timeout_seconds must be >= 0, got %d", c.Server.RequestTimeoutSeconds)
	}

	if c.Agent.HeartbeatIntervalSeconds <= 0 {
		return errors.Newf("agent.heartbeat_interval_seconds must be > 0, got %d", c.Agent.HeartbeatIntervalSeconds)
	}
	if c.Agent.JobCheckIntervalMS <= 0 {
		return errors.Newf("agent.job_check_interval_ms must be > 0, got %d", c.Agent.JobCheckIntervalMS)
	}

	// 0 = no timeout, negative = invalid
	if c.Agent.ExecutionTimeoutSeconds < 0 {
		return errors.Newf("agent.execution_timeout_seconds must be >= 0, got %d", c.Agent.ExecutionTimeoutSeconds)
	}

	for i, s := range c.Packages.Sources {
		if s.URL == "" {
			return errors.Newf("packages.sources[%d] (%s) has an empty url", i, s.Name)
		}
	}

	switch c.Logging.Sink {
	case "", SinkFile, SinkHTTP:
	default:
		return errors.Newf("logging.sink must be %q or %q, got %q", SinkFile, SinkHTTP, c.Logging.Sink)
	}

	return nil
}
