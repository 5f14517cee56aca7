package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewWorktreesCmd lists the worktrees of a repository via the daemon.
func NewWorktreesCmd() *cobra.Command {
	var repo string
	cmd := &cobra.Command{
		Use:   "worktrees",
		Short: "List worktrees for the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := daemonClient(cmd)
			if err != nil {
				return err
			}
			worktrees, err := c.Worktrees(cmd.Context(), repo)
			if err != nil {
				return err
			}
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return json.NewEncoder(os.Stdout).Encode(worktrees)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tBRANCH\tCOMMIT")
			for _, wt := range worktrees {
				fmt.Fprintf(w, "%s\t%s\t%s\n", wt.Path, wt.Branch, shortID(wt.Commit))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "Repository path (defaults to the active project)")
	return cmd
}

// NewBranchesCmd lists branches with their worktree annotations.
func NewBranchesCmd() *cobra.Command {
	var repo string
	cmd := &cobra.Command{
		Use:   "branches",
		Short: "List branches for the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := daemonClient(cmd)
			if err != nil {
				return err
			}
			branches, err := c.Branches(cmd.Context(), repo)
			if err != nil {
				return err
			}
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return json.NewEncoder(os.Stdout).Encode(branches)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCURRENT\tWORKTREE")
			for _, b := range branches {
				fmt.Fprintf(w, "%s\t%v\t%v\n", b.Name, b.IsCurrent, b.HasWorktree)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "Repository path (defaults to the active project)")
	return cmd
}
