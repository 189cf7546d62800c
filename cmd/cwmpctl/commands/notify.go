package commands

import (
	"github.com/spf13/cobra"
)

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Trigger a value-change check",
	Long: `Ask the agent to poll the data model provider for changed parameter
values. Changed parameters are reported in the next Inform.

Example:
  cwmpctl notify`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		reply, err := client.Notify()
		if err != nil {
			return err
		}
		return printReply(reply)
	},
}
