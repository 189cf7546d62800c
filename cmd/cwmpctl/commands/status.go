package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cpeworks/cwmpd/internal/cli/output"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent session status",
	Long: `Display the session state of the connected cwmpd agent.

Examples:
  # Show agent status
  cwmpctl status

  # Output as JSON
  cwmpctl status -o json`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	status, err := client.Status()
	if err != nil {
		return err
	}

	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, status)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, status)
	}

	fmt.Println()
	fmt.Printf("  Version:    %s\n", status.Version)
	fmt.Printf("  ACS URL:    %s\n", status.ACSURL)
	fmt.Printf("  Started:    %s\n", status.StartedAt.Local().Format(time.RFC3339))
	fmt.Printf("  Uptime:     %s\n", (time.Duration(status.UptimeSeconds) * time.Second).String())
	fmt.Printf("  Session:    active=%v retry_count=%d\n", status.SessionActive, status.RetryCount)
	fmt.Printf("  Queue:      %d event(s)\n", status.QueuedEvents)
	fmt.Printf("  Transfers:  %d download(s), %d upload(s) pending\n", status.PendingDownloads, status.PendingUploads)
	fmt.Println()
	return nil
}
