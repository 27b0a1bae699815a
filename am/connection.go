package am

// ConnectionSettings is the agent's view of its server connection. It is
// handed to the executor process inside every execution request, so the
// JSON names follow what the executor reads.
type ConnectionSettings struct {
	ServerURL     string `json:"ServerURL"`
	AgentUsername string `json:"AgentUsername"`
	AgentPassword string `json:"AgentPassword"`
	DNSHost       string `json:"DNSHost"`
	WhoAmI        string `json:"WhoAmI"`
	MachineName   string `json:"MachineName"`
	AgentID       string `json:"AgentId"`
	AgentName     string `json:"AgentName"`
	MACAddress    string `json:"MACAddress"`
	IPAddress     string `json:"IPAddress"`

	TracingLevel  string `json:"TracingLevel"`
	SinkType      string `json:"SinkType"`
	LoggingValue1 string `json:"LoggingValue1"` // Logs directory for the file sink

	HeartbeatInterval       int  `json:"HeartbeatInterval"`
	ServerConnectionEnabled bool `json:"ServerConnectionEnabled"`
}

// ConnectionSettings builds the connection view from configuration and persisted state.
func (c *Config) ConnectionSettings(state AgentState) ConnectionSettings {
	return ConnectionSettings{
		ServerURL:               c.Server.URL,
		AgentUsername:           c.Server.AgentUsername,
		AgentPassword:           c.Server.AgentPassword,
		DNSHost:                 c.Server.DNSHost,
		WhoAmI:                  c.Server.WhoAmI,
		AgentID:                 state.AgentID,
		AgentName:               firstNonEmpty(state.AgentName, c.Server.AgentName),
		TracingLevel:            c.Logging.Level,
		SinkType:                c.Logging.Sink,
		LoggingValue1:           c.LogsDir(),
		HeartbeatInterval:       c.Agent.HeartbeatIntervalSeconds,
		ServerConnectionEnabled: state.ServerConnectionEnabled,
	}
}

// State extracts the persisted portion of the settings.
func (s ConnectionSettings) State() AgentState {
	return AgentState{
		AgentID:                 s.AgentID,
		AgentName:               s.AgentName,
		ServerConnectionEnabled: s.ServerConnectionEnabled,
	}
}

// Redacted returns a copy safe to print or log.
func (s ConnectionSettings) Redacted() ConnectionSettings {
	if s.AgentPassword != "" {
		s.AgentPassword = "********"
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
