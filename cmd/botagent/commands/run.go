package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/botagent/am"
	"github.com/teranos/botagent/internal/version"
	"github.com/teranos/botagent/logger"
)

// shutdownTimeout bounds how long a running job may delay shutdown
const shutdownTimeout = 30 * time.Second

// RunCmd runs the agent in the foreground
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent until interrupted",
	Long: `Run the agent in the foreground.

The agent reconnects if it was connected when it last stopped; use --connect
to connect regardless. Heartbeats, job polling and the push channel run
until Ctrl+C or SIGTERM. A job that is running at shutdown is given up to
30 seconds to finish.`,
	RunE: runAgent,
}

func init() {
	RunCmd.Flags().Bool("connect", false, "Connect to the server at startup")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newAgent(cfg)
	if err != nil {
		return err
	}
	defer a.close()
	logger.Infow("Agent starting",
		"version", version.Get().Short(),
		"log_level", logger.LevelName(Verbosity),
		logger.FieldURL, cfg.Server.URL,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connect, _ := cmd.Flags().GetBool("connect")
	if connect {
		err = a.session.Connect(ctx)
	} else {
		err = a.session.Resume(ctx)
	}
	if err != nil {
		// the agent stays up for attended work and a later connect
		logger.Errorw("Failed to connect to server", logger.FieldError, err)
		pterm.Warning.Printfln("Not connected: %v", err)
	}

	stopWatch := watchConfig(a)
	defer stopWatch()

	if a.session.IsConnected() {
		pterm.Success.Printfln("Agent %s connected to %s", a.session.Settings().AgentName, cfg.Server.URL)
	} else {
		pterm.Info.Println("Agent is not connected. Run 'botagent connect' or restart with --connect.")
	}
	fmt.Println("Press Ctrl+C for graceful shutdown")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	pterm.Info.Println("Shutting down...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := a.session.Close(shutdownCtx); err != nil {
		logger.Warnw("Shutdown did not complete cleanly", logger.FieldError, err)
	}
	pterm.Success.Println("Agent stopped")
	return nil
}

// watchConfig re-applies timer settings when the config file changes
func watchConfig(a *agent) func() {
	path := ConfigFile
	if path == "" {
		path = am.ConfigPath()
	}
	if path == "" {
		return func() {}
	}
	if _, err := os.Stat(path); err != nil {
		logger.Debugw("No config file to watch", logger.FieldFile, path)
		return func() {}
	}

	w, err := am.NewConfigWatcher(path)
	if err != nil {
		logger.Warnw("Config watcher unavailable, restart to apply config changes", logger.FieldError, err)
		return func() {}
	}
	w.OnReload(func(c *am.Config) error {
		logger.Infow("Config reloaded",
			logger.FieldFile, path,
			logger.FieldInterval, c.Agent.HeartbeatInterval().String(),
		)
		a.session.SetHeartbeatInterval(c.Agent.HeartbeatInterval())
		return nil
	})
	w.Start()
	return func() {
		if err := w.Stop(); err != nil {
			logger.Warnw("Failed to stop config watcher", logger.FieldError, err)
		}
	}
}
