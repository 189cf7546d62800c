package commands

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cpeworks/cwmpd/internal/cli/prompt"
	"github.com/cpeworks/cwmpd/pkg/config"
)

var (
	initForce       bool
	initInteractive bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a configuration file",
	Long: `Initialize a cwmpd configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/cwmpd/config.yaml.
Use --config to specify a custom path, or --interactive to be prompted for the
ACS endpoint and listener settings instead of editing the template afterwards.

Examples:
  # Write the commented starter file to the default location
  cwmpd init

  # Answer prompts for the ACS URL, credentials and listener port
  cwmpd init --interactive

  # Initialize with custom path
  cwmpd init --config /etc/cwmpd/config.yaml

  # Force overwrite existing config
  cwmpd init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
	initCmd.Flags().BoolVarP(&initInteractive, "interactive", "i", false, "Prompt for the essential settings")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	var err error
	if initInteractive {
		err = runInitInteractive(configPath)
	} else {
		err = config.InitConfigToPath(configPath, initForce)
	}
	if err != nil {
		if prompt.IsAborted(err) {
			fmt.Println("Aborted.")
			return nil
		}
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Review the configuration file, in particular the datamodel provider command")
	fmt.Println("  2. Start the agent with: cwmpd start --foreground --boot")
	fmt.Printf("  3. Or specify the custom config: cwmpd start --config %s\n", configPath)

	return nil
}

// runInitInteractive collects the settings a device integrator always
// has to touch and writes a loadable file; everything else keeps its
// default.
func runInitInteractive(configPath string) error {
	if config.DefaultConfigExists() && configPath == config.GetDefaultConfigPath() && !initForce {
		ok, err := prompt.Confirm("Configuration file exists, overwrite", false)
		if err != nil {
			return err
		}
		if !ok {
			return prompt.ErrAborted
		}
	}

	acsURL, err := prompt.InputWithValidation("ACS URL", func(raw string) error {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("not a valid URL")
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("scheme must be http or https")
		}
		if u.Host == "" {
			return fmt.Errorf("missing host")
		}
		return nil
	})
	if err != nil {
		return err
	}

	acsUser, err := prompt.InputOptional("ACS username")
	if err != nil {
		return err
	}
	var acsPass string
	if acsUser != "" {
		if acsPass, err = prompt.Password("ACS password"); err != nil {
			return err
		}
	}

	port, err := prompt.InputPort("Connection-request port", config.DefaultConnReqPort)
	if err != nil {
		return err
	}
	localUser, err := prompt.InputOptional("Connection-request username")
	if err != nil {
		return err
	}
	var localPass, scheme string
	if localUser != "" {
		if localPass, err = prompt.Password("Connection-request password"); err != nil {
			return err
		}
		if scheme, err = prompt.SelectString("Connection-request authentication", []string{"Digest", "Basic"}); err != nil {
			return err
		}
	}

	periodic, err := prompt.Confirm("Enable periodic informs", true)
	if err != nil {
		return err
	}
	interval := 1800
	if periodic {
		if interval, err = prompt.InputInt("Periodic interval (seconds)", interval); err != nil {
			return err
		}
	}

	providerCmd, err := prompt.Input("Data model provider command", config.DefaultProviderCommand)
	if err != nil {
		return err
	}

	cfg := config.GetDefaultConfig()
	cfg.ACS.URL = strings.TrimSpace(acsURL)
	cfg.ACS.Username = acsUser
	cfg.ACS.Password = acsPass
	cfg.ACS.PeriodicEnable = periodic
	cfg.ACS.PeriodicInterval = config.Duration(time.Duration(interval) * time.Second)
	cfg.Local.Port = port
	cfg.Local.Username = localUser
	cfg.Local.Password = localPass
	if scheme != "" {
		cfg.Local.Authentication = scheme
	}
	cfg.DataModel.Command = providerCmd

	return config.SaveConfig(cfg, configPath)
}
