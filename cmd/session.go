package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeffjacobsen/crystal/internal/store"
	"github.com/jeffjacobsen/crystal/pkg/client"
)

// NewSessionCmd returns the session management command tree.
func NewSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "session",
		Aliases: []string{"sessions"},
		Short:   "Manage agent sessions",
	}

	cmd.AddCommand(newSessionNewCmd())
	cmd.AddCommand(newSessionListCmd())
	cmd.AddCommand(newSessionShowCmd())
	cmd.AddCommand(newSessionOutputCmd())
	cmd.AddCommand(newSessionStopCmd())
	cmd.AddCommand(newSessionContinueCmd())
	cmd.AddCommand(newSessionRenameCmd())
	cmd.AddCommand(newSessionArchiveCmd())

	return cmd
}

func newSessionNewCmd() *cobra.Command {
	var prompt, repo, base string
	cmd := &cobra.Command{
		Use:   "new <name>",
		Short: "Create a session and start its agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := daemonClient(cmd)
			if err != nil {
				return err
			}
			view, err := c.CreateSession(cmd.Context(), client.CreateSessionRequest{
				Name:       args[0],
				Prompt:     prompt,
				RepoPath:   repo,
				BaseBranch: base,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Created session %s\n", view.ID)
			fmt.Printf("  Worktree: %s\n", view.WorktreePath)
			fmt.Printf("  Branch:   %s\n", view.Branch)
			return nil
		},
	}
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Initial prompt for the agent")
	cmd.Flags().StringVar(&repo, "repo", "", "Repository path (defaults to the active project)")
	cmd.Flags().StringVar(&base, "base", "", "Base branch for the session worktree")
	cmd.MarkFlagRequired("prompt")
	return cmd
}

func newSessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := daemonClient(cmd)
			if err != nil {
				return err
			}
			views, err := c.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return json.NewEncoder(os.Stdout).Encode(views)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tBRANCH\tAGE")
			for _, v := range views {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					shortID(v.ID), v.Name, v.Status, v.Branch,
					time.Since(v.CreatedAt).Round(time.Second))
			}
			return w.Flush()
		},
	}
}

func newSessionShowCmd() *cobra.Command {
	var markViewed bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := daemonClient(cmd)
			if err != nil {
				return err
			}
			var view *store.View
			if markViewed {
				view, err = c.MarkViewed(cmd.Context(), args[0])
			} else {
				view, err = c.GetSession(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(view)
		},
	}
	cmd.Flags().BoolVar(&markViewed, "mark-viewed", false, "Record that the session result was viewed")
	return cmd
}

func newSessionOutputCmd() *cobra.Command {
	var since int
	cmd := &cobra.Command{
		Use:   "output <id>",
		Short: "Print a session's output records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := daemonClient(cmd)
			if err != nil {
				return err
			}
			records, err := c.Outputs(cmd.Context(), args[0], since)
			if err != nil {
				return err
			}
			for _, rec := range records {
				fmt.Printf("[%d %s] %s\n", rec.Seq, rec.Kind, rec.Payload)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&since, "since", 0, "Only records after this sequence index")
	return cmd
}

func newSessionStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a session's running agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := daemonClient(cmd)
			if err != nil {
				return err
			}
			if err := c.Stop(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("Stop requested")
			return nil
		},
	}
}

func newSessionContinueCmd() *cobra.Command {
	var prompt string
	cmd := &cobra.Command{
		Use:   "continue <id>",
		Short: "Continue a finished session with a follow-up prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := daemonClient(cmd)
			if err != nil {
				return err
			}
			view, err := c.Continue(cmd.Context(), args[0], prompt)
			if err != nil {
				return err
			}
			fmt.Printf("Session %s is %s\n", shortID(view.ID), view.Status)
			return nil
		},
	}
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Follow-up prompt for the agent")
	cmd.MarkFlagRequired("prompt")
	return cmd
}

func newSessionRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := daemonClient(cmd)
			if err != nil {
				return err
			}
			view, err := c.Rename(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("Renamed to %q\n", view.Name)
			return nil
		},
	}
}

func newSessionArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a session, releasing its worktree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := daemonClient(cmd)
			if err != nil {
				return err
			}
			if err := c.Archive(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("Archived")
			return nil
		},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
