package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewScriptCmd returns commands for the daemon's single script slot.
func NewScriptCmd() *cobra.Command {
	var cwd string
	cmd := &cobra.Command{
		Use:   "script",
		Short: "Run user commands in a session's working copy",
	}

	run := &cobra.Command{
		Use:   "run <session-id> -- <command> [args...]",
		Short: "Run a command in the session worktree (kills any previous script)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := daemonClient(cmd)
			if err != nil {
				return err
			}
			if err := c.RunScript(cmd.Context(), args[0], args[1:], cwd); err != nil {
				return err
			}
			fmt.Println("Script started; output streams into the session")
			return nil
		},
	}
	run.Flags().StringVar(&cwd, "cwd", "", "Working directory override")
	cmd.AddCommand(run)

	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the running script, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := daemonClient(cmd)
			if err != nil {
				return err
			}
			if err := c.StopScript(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Script slot cleared")
			return nil
		},
	})

	return cmd
}
