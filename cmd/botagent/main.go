package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/botagent/cmd/botagent/commands"
	"github.com/teranos/botagent/logger"
)

var rootCmd = &cobra.Command{
	Use:   "botagent",
	Short: "botagent - automation agent",
	Long: `botagent - machine-resident automation agent.

The agent connects to an orchestration server, receives job assignments and
runs them as OS processes, one at a time. Packages can also be run locally
on request (attended execution).

Available commands:
  run        - Run the agent until interrupted
  connect    - Register with the server and enable the connection
  disconnect - Leave the server and disable the connection
  exec       - Run a package now (attended execution)
  status     - Show connection settings
  version    - Show version information

Examples:
  botagent run                          # Resume the last connection state and serve jobs
  botagent connect                      # Connect once and persist the state
  botagent exec ./Invoices.1.0.0.nupkg  # Run a local package
  botagent exec --remote Invoices       # Run a published package
  botagent status -o yaml               # Show settings as YAML
  botagent status --sources             # Show where each setting came from
  botagent run -vv                      # Serve jobs with debug logging`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&commands.ConfigFile, "config", "c", "", "Config file (default: am.toml cascade)")
	rootCmd.PersistentFlags().CountVarP(&commands.Verbosity, "verbose", "v", "Increase log verbosity (-v info, -vv debug)")

	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.ConnectCmd)
	rootCmd.AddCommand(commands.DisconnectCmd)
	rootCmd.AddCommand(commands.ExecCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
