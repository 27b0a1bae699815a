package commands

import (
	"context"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/botagent/errors"
)

// ConnectCmd registers the agent with the server
var ConnectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Register with the server and enable the connection",
	Long: `Authenticate with the configured agent login, register this machine and
persist the connection state. Heartbeats and job polling start with the next
'botagent run', which resumes the connection.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(func(ctx context.Context, a *agent) error {
			if err := a.session.Register(ctx); err != nil {
				printHints(err)
				return err
			}
			s := a.session.Settings()
			pterm.Success.Printfln("Connected as %s (%s)", s.AgentName, s.AgentID)
			return nil
		})
	},
}

// DisconnectCmd leaves the server
var DisconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Leave the server and disable the connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(func(ctx context.Context, a *agent) error {
			if err := a.session.Disconnect(ctx); err != nil {
				return err
			}
			pterm.Success.Println("Disconnected")
			return nil
		})
	},
}

// withAgent runs fn against a wired agent and shuts it down afterwards
func withAgent(fn func(ctx context.Context, a *agent) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newAgent(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	err = fn(ctx, a)

	closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return errors.CombineErrors(err, a.session.Close(closeCtx))
}

// printHints shows the user-facing hints attached to err
func printHints(err error) {
	for _, h := range errors.GetAllHints(err) {
		pterm.Info.Println(h)
	}
}
