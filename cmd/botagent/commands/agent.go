// Package commands implements the botagent CLI.
package commands

import (
	"database/sql"
	"path/filepath"
	"time"

	"github.com/teranos/botagent/am"
	"github.com/teranos/botagent/automation"
	"github.com/teranos/botagent/db"
	"github.com/teranos/botagent/deps"
	"github.com/teranos/botagent/errors"
	"github.com/teranos/botagent/execution"
	"github.com/teranos/botagent/internal/httpclient"
	"github.com/teranos/botagent/internal/version"
	"github.com/teranos/botagent/launcher"
	"github.com/teranos/botagent/logger"
	"github.com/teranos/botagent/remote"
	"github.com/teranos/botagent/session"
	"github.com/teranos/botagent/sysinfo"
)

var (
	// ConfigFile overrides the config cascade when set
	ConfigFile string
	// Verbosity is the -v count
	Verbosity int
)

// loadConfig reads the configuration and sets up the global logger from it
func loadConfig() (*am.Config, error) {
	var (
		cfg *am.Config
		err error
	)
	if ConfigFile != "" {
		cfg, err = am.LoadFromFile(ConfigFile)
	} else {
		cfg, err = am.Load()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}

	opts := logger.Options{JSON: cfg.Logging.JSON, Level: cfg.Logging.Level, Verbosity: Verbosity}
	if cfg.Logging.Sink == am.SinkFile {
		opts.FilePath = filepath.Join(cfg.LogsDir(), "agent.log")
	}
	if err := logger.InitializeWithOptions(opts); err != nil {
		return nil, errors.Wrap(err, "failed to initialize logger")
	}
	return cfg, nil
}

// agent is the fully wired session plus what has to be closed with it
type agent struct {
	cfg      *am.Config
	session  *session.Manager
	index    *sql.DB
	identity sysinfo.Identity
}

// newAgent wires every component from configuration
func newAgent(cfg *am.Config) (*agent, error) {
	timeout := time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second
	client := httpclient.New(timeout, httpclient.Options{})
	server := remote.New(remote.Settings{
		ServerURL: cfg.Server.URL,
		Username:  cfg.Server.AgentUsername,
		Password:  cfg.Server.AgentPassword,
		Timeout:   timeout,
		UserAgent: version.Get().UserAgent(),
	}, client, logger.ComponentLogger("remote"))

	sources, err := deps.SourcesFromConfig(cfg.EnabledSources(), client)
	if err != nil {
		return nil, err
	}
	index, err := db.OpenAndMigrate(cfg.IndexPath(), logger.ComponentLogger("db"))
	if err != nil {
		return nil, err
	}
	resolver := deps.NewResolver(deps.Config{
		PackagesDir:     cfg.PackagesDir(),
		TargetFramework: cfg.Agent.TargetFramework,
	}, sources, client, deps.NewIndex(index), logger.ComponentLogger("deps"))

	identity, err := sysinfo.Identify()
	if err != nil {
		logger.Warnw("Failed to identify machine", logger.FieldError, err)
	}

	mgr, err := session.New(session.Deps{
		Config:   cfg,
		Server:   server,
		Fetcher:  automation.NewFetcher(cfg.AutomationsDir(), server, logger.ComponentLogger("automation")),
		Resolver: resolver,
		Launcher: launcher.New(logger.ComponentLogger("launcher")),
		Recipes:  execution.NewRecipes(cfg.Agent.ExecutorPath, cfg.LogsDir()),
		Identity: identity,
		Health:   sysinfo.Healthy,
	}, logger.ComponentLogger("session"))
	if err != nil {
		index.Close()
		return nil, err
	}
	return &agent{cfg: cfg, session: mgr, index: index, identity: identity}, nil
}

// close releases the install index. The session must already be closed.
func (a *agent) close() {
	if err := a.index.Close(); err != nil {
		logger.Warnw("Failed to close install index", logger.FieldError, err)
	}
}
