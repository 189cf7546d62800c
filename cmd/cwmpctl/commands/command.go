package commands

import (
	"github.com/spf13/cobra"
)

var commandCmd = &cobra.Command{
	Use:   "command <reload|stop>",
	Short: "Send a daemon command",
	Long: `Send a management command to the daemon.

Supported commands:
  reload  Reload the configuration file
  stop    Stop the daemon

Examples:
  cwmpctl command reload
  cwmpctl command stop`,
	ValidArgs: []string{"reload", "stop"},
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		reply, err := client.Command(args[0])
		if err != nil {
			return err
		}
		return printReply(reply)
	},
}
