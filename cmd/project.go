package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// NewProjectCmd returns commands for the daemon's active project.
func NewProjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage the active project repository",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path]",
		Short: "Set the active project (defaults to the current directory)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) == 1 {
				path = args[0]
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				return err
			}
			c, err := daemonClient(cmd)
			if err != nil {
				return err
			}
			if err := c.SetProject(cmd.Context(), abs); err != nil {
				return err
			}
			fmt.Printf("Active project: %s\n", abs)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := daemonClient(cmd)
			if err != nil {
				return err
			}
			repo, err := c.Project(cmd.Context())
			if err != nil {
				return err
			}
			if repo == "" {
				fmt.Println("No active project")
				os.Exit(1)
			}
			fmt.Println(repo)
			return nil
		},
	})

	return cmd
}
