package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cpeworks/cwmpd/internal/cli/output"
	"github.com/cpeworks/cwmpd/pkg/control"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List queued inform events",
	Long: `List the inform events queued for the next session.

Examples:
  # List queued events
  cwmpctl events

  # Output as JSON
  cwmpctl events -o json`,
	RunE: runEvents,
}

// eventTable renders events for tablewriter.
type eventTable []control.EventInfo

func (t eventTable) Headers() []string {
	return []string{"ID", "Code", "Command Key", "Method ID", "Persisted"}
}

func (t eventTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, e := range t {
		methodID := ""
		if e.MethodID != 0 {
			methodID = strconv.Itoa(e.MethodID)
		}
		rows = append(rows, []string{
			strconv.FormatInt(e.ID, 10),
			e.Code,
			e.Key,
			methodID,
			strconv.FormatBool(e.Persisted),
		})
	}
	return rows
}

func runEvents(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	events, err := client.Events()
	if err != nil {
		return err
	}

	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, events)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, events)
	}

	if len(events) == 0 {
		fmt.Println("No events queued")
		return nil
	}
	return output.PrintTable(os.Stdout, eventTable(events))
}
