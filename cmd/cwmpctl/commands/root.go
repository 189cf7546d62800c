// Package commands implements the CLI commands for the cwmpctl client.
package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cpeworks/cwmpd/pkg/apiclient"
	"github.com/cpeworks/cwmpd/pkg/config"
	"github.com/cpeworks/cwmpd/pkg/control"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	serverURL    string
	bearerToken  string
	authSecret   string
	outputFormat string
	cfgFile      string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "cwmpctl",
	Short: "cwmpctl - local control client for the cwmpd agent",
	Long: `cwmpctl talks to the control API of a running cwmpd agent.

It can inspect the agent's session state, queued inform events and pending
transfers, trigger a value-change check or a named inform event, and ask
the daemon to reload its configuration or stop.

The server address and auth secret are read from the cwmpd configuration
file when present; --server, --secret and --token override it.

Use "cwmpctl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	// Global persistent flags
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Control API URL (default: from config, else "+apiclient.DefaultBaseURL+")")
	rootCmd.PersistentFlags().StringVar(&bearerToken, "token", "", "Bearer token (overrides --secret)")
	rootCmd.PersistentFlags().StringVar(&authSecret, "secret", "", "Control auth secret used to mint a token")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "cwmpd config file (default: $XDG_CONFIG_HOME/cwmpd/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table|json|yaml)")

	// Add subcommands
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(transfersCmd)
	rootCmd.AddCommand(notifyCmd)
	rootCmd.AddCommand(informCmd)
	rootCmd.AddCommand(commandCmd)
	rootCmd.AddCommand(completionCmd)

	// Hide the default completion command (we provide our own)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// newClient builds the API client from flags and the local cwmpd
// configuration.
func newClient() (*apiclient.Client, error) {
	base := serverURL
	secret := authSecret

	// The daemon's own config file is the natural credential source on
	// the device; flags win when set.
	if base == "" || (secret == "" && bearerToken == "") {
		if cfg, err := config.Load(cfgFile); err == nil {
			if base == "" {
				base = fmt.Sprintf("http://%s:%d", cfg.Control.Host, cfg.Control.Port)
			}
			if secret == "" {
				secret = cfg.Control.AuthSecret
			}
		}
	}
	if base == "" {
		base = apiclient.DefaultBaseURL
	}

	client := apiclient.New(base)
	switch {
	case bearerToken != "":
		client.SetToken(bearerToken)
	case secret != "":
		token, err := control.NewToken(secret, "cwmpctl", 5*time.Minute)
		if err != nil {
			return nil, fmt.Errorf("failed to mint control token: %w", err)
		}
		client.SetToken(token)
	}
	return client, nil
}

// printReply renders a trigger endpoint's {status, info} reply.
func printReply(reply *control.CommandReply) error {
	if reply.Status != 0 {
		return fmt.Errorf("%s", reply.Info)
	}
	fmt.Println(reply.Info)
	return nil
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}

// Exit prints an error and exits with code 1.
func Exit(format string, args ...any) {
	PrintErr(format, args...)
	os.Exit(1)
}
