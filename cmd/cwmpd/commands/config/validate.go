package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cpeworks/cwmpd/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the cwmpd configuration file.

Checks for syntax errors, missing required fields, and invalid values.

Examples:
  # Validate default config
  cwmpd config validate

  # Validate specific config file
  cwmpd config validate --config /etc/cwmpd/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	// Get config path from parent's persistent flag
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	// Determine path for display
	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	// Warnings for configurations that load but will bite later
	var warnings []string
	if cfg.ACS.Username == "" && cfg.ACS.Password == "" {
		warnings = append(warnings, "No ACS credentials configured - the session will fail against an authenticating ACS")
	}
	if !cfg.Local.HasCredentials() {
		warnings = append(warnings, "Connection-request authentication is bypassed (no local credentials)")
	}
	if cfg.Control.AuthSecret == "" {
		warnings = append(warnings, "Control API auth disabled - keep control.host on loopback")
	}
	if cfg.ACS.InsecureSkipVerify() {
		warnings = append(warnings, "ACS server certificate verification is disabled")
	}

	fmt.Printf("Configuration file: %s\n", displayPath)
	fmt.Println("Validation: OK")

	if len(warnings) > 0 {
		fmt.Println("\nWarnings:")
		for _, w := range warnings {
			fmt.Printf("  - %s\n", w)
		}
	}

	fmt.Printf("\nConfiguration summary:\n")
	fmt.Printf("  ACS URL:             %s\n", cfg.ACS.URL)
	fmt.Printf("  Periodic informs:    %v\n", cfg.ACS.PeriodicEnable)
	fmt.Printf("  Connection requests: port %d (%s)\n", cfg.Local.Port, cfg.Local.Authentication)
	fmt.Printf("  Data model provider: %s\n", cfg.DataModel.Command)
	fmt.Printf("  Backup storage:      %s at %s\n", cfg.Backup.Storage, cfg.Backup.Path)
	fmt.Printf("  Log level:           %s\n", cfg.Logging.Level)

	return nil
}
