package cmd

import (
	"github.com/spf13/cobra"

	"github.com/jeffjacobsen/crystal/cli"
	"github.com/jeffjacobsen/crystal/version"
)

// NewVersionCmd reports build information.
func NewVersionCmd() *cobra.Command {
	info := version.GetInfo()
	return cli.NewVersionCommand("crystal", cli.VersionInfo{
		Version:   info.Version,
		Commit:    info.Commit,
		BuildDate: info.BuildDate,
		BuildArch: info.Platform,
	})
}
