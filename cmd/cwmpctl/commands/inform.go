package commands

import (
	"strings"

	"github.com/spf13/cobra"
)

var informCmd = &cobra.Command{
	Use:   "inform <event>",
	Short: "Queue a named event and start a session",
	Long: `Queue the named inform event and kick a session with the ACS.

The event uses its TR-069 wire form, e.g. "6 CONNECTION REQUEST" or
"2 PERIODIC". Quote it or pass the words as separate arguments.

Examples:
  cwmpctl inform "6 CONNECTION REQUEST"
  cwmpctl inform 2 PERIODIC`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		reply, err := client.Inform(strings.Join(args, " "))
		if err != nil {
			return err
		}
		return printReply(reply)
	},
}
