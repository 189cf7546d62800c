package commands

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cpeworks/cwmpd/internal/cli/output"
	"github.com/cpeworks/cwmpd/pkg/control"
)

var transfersCmd = &cobra.Command{
	Use:   "transfers",
	Short: "List pending downloads and uploads",
	Long: `List the ACS-requested file transfers waiting for their fire time.

Examples:
  # List pending transfers
  cwmpctl transfers

  # Output as JSON
  cwmpctl transfers -o json`,
	RunE: runTransfers,
}

// transferTable renders transfers for tablewriter.
type transferTable []control.TransferInfo

func (t transferTable) Headers() []string {
	return []string{"ID", "Kind", "Command Key", "File Type", "URL", "Fire Time"}
}

func (t transferTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, tr := range t {
		rows = append(rows, []string{
			strconv.FormatInt(tr.ID, 10),
			tr.Kind,
			tr.CommandKey,
			tr.FileType,
			tr.URL,
			tr.FireTime.Local().Format(time.RFC3339),
		})
	}
	return rows
}

func runTransfers(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	transfers, err := client.Transfers()
	if err != nil {
		return err
	}

	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, transfers)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, transfers)
	}

	if len(transfers) == 0 {
		fmt.Println("No transfers pending")
		return nil
	}
	return output.PrintTable(os.Stdout, transferTable(transfers))
}
