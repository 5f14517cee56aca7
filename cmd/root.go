// Package cmd implements the crystal command line interface.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/jeffjacobsen/crystal/cli"
	"github.com/jeffjacobsen/crystal/config"
	"github.com/jeffjacobsen/crystal/pkg/client"
)

// NewRootCmd returns the crystal root command with all subcommands.
func NewRootCmd() *cobra.Command {
	cmd := cli.NewStandardCommand(
		"crystal",
		"Orchestrate concurrent AI coding agent sessions in isolated git worktrees",
	)

	cmd.AddCommand(NewDaemonCmd())
	cmd.AddCommand(NewProjectCmd())
	cmd.AddCommand(NewSessionCmd())
	cmd.AddCommand(NewScriptCmd())
	cmd.AddCommand(NewWorktreesCmd())
	cmd.AddCommand(NewBranchesCmd())
	cmd.AddCommand(NewWatchCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// loadConfig loads the config honoring the --config flag.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return config.Load(path)
	}
	return config.LoadDefault()
}

// daemonClient builds a Client for the configured socket.
func daemonClient(cmd *cobra.Command) (*client.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return client.New(cfg.SocketPath), nil
}
