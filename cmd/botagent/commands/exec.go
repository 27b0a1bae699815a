package commands

import (
	"context"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/botagent/errors"
)

// ExecCmd runs a package on behalf of the local user
var ExecCmd = &cobra.Command{
	Use:   "exec <package>",
	Short: "Run a package now (attended execution)",
	Long: `Run an automation package immediately as the logged-on user.

<package> is a path to a local .nupkg file, or with --remote the original
package name of an automation published on the server. The run is refused
when the agent is already executing something.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		isRemote, _ := cmd.Flags().GetBool("remote")
		return withAgent(func(ctx context.Context, a *agent) error {
			spinner, _ := pterm.DefaultSpinner.Start("Running " + args[0])
			if !a.session.ExecuteTask(ctx, args[0], isRemote) {
				if spinner != nil {
					spinner.Fail("Execution failed")
				}
				return errors.Newf("execution of %s failed, see the agent log", args[0])
			}
			if spinner != nil {
				spinner.Success("Execution finished")
			}
			return nil
		})
	},
}

func init() {
	ExecCmd.Flags().Bool("remote", false, "Resolve <package> on the server by original package name")
}
