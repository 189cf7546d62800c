package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cpeworks/cwmpd/internal/cli/output"
	"github.com/cpeworks/cwmpd/pkg/apiclient"
	"github.com/cpeworks/cwmpd/pkg/config"
	"github.com/cpeworks/cwmpd/pkg/control"
)

var (
	statusPidFile string
	statusOutput  string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent status",
	Long: `Display the status of the local cwmpd agent.

Checks the PID file first, then queries the control API for the session
state, queued events and pending transfers.

Examples:
  # Show agent status
  cwmpd status

  # Output as JSON
  cwmpd status --output json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusPidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/cwmpd/cwmpd.pid)")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

// agentStatus is the status command's display payload.
type agentStatus struct {
	Running bool            `json:"running" yaml:"running"`
	PID     int             `json:"pid,omitempty" yaml:"pid,omitempty"`
	Agent   *control.Status `json:"agent,omitempty" yaml:"agent,omitempty"`
	Error   string          `json:"error,omitempty" yaml:"error,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	pidPath := statusPidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}

	status := agentStatus{}
	if pid, err := readPIDFile(pidPath); err == nil {
		status.Running = true
		status.PID = pid
	}

	// The control API answers regardless of how the daemon was started,
	// so try it even without a PID file.
	if st, err := controlStatus(); err == nil {
		status.Running = true
		status.Agent = st
	} else if status.Running {
		status.Error = fmt.Sprintf("control API unreachable: %v", err)
	}

	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}
	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, status)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, status)
	default:
		printStatus(status)
	}
	return nil
}

// controlStatus queries GET /v1/status with the configured endpoint and
// auth secret.
func controlStatus() (*control.Status, error) {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return nil, err
	}

	client := apiclient.New(fmt.Sprintf("http://%s:%d", cfg.Control.Host, cfg.Control.Port))
	if cfg.Control.AuthSecret != "" {
		token, err := control.NewToken(cfg.Control.AuthSecret, "cwmpd-status", time.Minute)
		if err != nil {
			return nil, err
		}
		client.SetToken(token)
	}
	return client.Status()
}

func printStatus(status agentStatus) {
	fmt.Println()
	fmt.Println("cwmpd Agent Status")
	fmt.Println("==================")
	fmt.Println()
	if !status.Running {
		fmt.Println("  Status:     stopped")
		fmt.Println()
		return
	}

	fmt.Println("  Status:     running")
	if status.PID != 0 {
		fmt.Printf("  PID:        %d\n", status.PID)
	}
	if a := status.Agent; a != nil {
		fmt.Printf("  Version:    %s\n", a.Version)
		fmt.Printf("  ACS URL:    %s\n", a.ACSURL)
		fmt.Printf("  Uptime:     %s\n", (time.Duration(a.UptimeSeconds) * time.Second).String())
		fmt.Printf("  Session:    active=%v retry_count=%d\n", a.SessionActive, a.RetryCount)
		fmt.Printf("  Queue:      %d event(s)\n", a.QueuedEvents)
		fmt.Printf("  Transfers:  %d download(s), %d upload(s) pending\n", a.PendingDownloads, a.PendingUploads)
	}
	if status.Error != "" {
		fmt.Printf("  Warning:    %s\n", status.Error)
	}
	fmt.Println()
}
