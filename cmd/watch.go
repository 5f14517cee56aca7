package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewWatchCmd streams daemon events to stdout.
func NewWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream session events from the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := daemonClient(cmd)
			if err != nil {
				return err
			}
			events, err := c.Events(cmd.Context())
			if err != nil {
				return err
			}
			jsonOut, _ := cmd.Flags().GetBool("json")
			enc := json.NewEncoder(os.Stdout)
			for ev := range events {
				if jsonOut {
					if err := enc.Encode(ev); err != nil {
						return err
					}
					continue
				}
				switch {
				case ev.Record != nil:
					fmt.Printf("%s %s [%d] %s\n", ev.At.Format("15:04:05"), ev.SessionID, ev.Record.Seq, ev.Record.Kind)
				case ev.Session != nil:
					fmt.Printf("%s %s %s -> %s\n", ev.At.Format("15:04:05"), ev.Type, shortID(ev.SessionID), ev.Session.Status)
				default:
					fmt.Printf("%s %s %s\n", ev.At.Format("15:04:05"), ev.Type, shortID(ev.SessionID))
				}
			}
			return nil
		},
	}
}
