package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cpeworks/cwmpd/internal/logger"
	"github.com/cpeworks/cwmpd/internal/metrics"
	promexport "github.com/cpeworks/cwmpd/internal/metrics/prometheus"
	"github.com/cpeworks/cwmpd/internal/telemetry"
	"github.com/cpeworks/cwmpd/pkg/agent"
	"github.com/cpeworks/cwmpd/pkg/config"
)

var (
	foreground   bool
	bootEvent    bool
	getRPCMethod bool
	pidFile      string
	logFile      string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the cwmpd agent",
	Long: `Start the cwmpd agent with the specified configuration.

By default, the agent runs in the background (daemon mode). Use --foreground
to run in the foreground for debugging or when managed by a process supervisor.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/cwmpd/config.yaml.

Examples:
  # Start in background (default)
  cwmpd start

  # Start in foreground after a device boot
  cwmpd start --foreground --boot

  # Ask the ACS for its RPC method list after the first inform
  cwmpd start --getrpcmethod

  # Start with custom config file
  cwmpd start --config /etc/cwmpd/config.yaml

  # Start with environment variable overrides
  CWMPD_LOGGING_LEVEL=DEBUG cwmpd start --foreground`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (default: background/daemon mode)")
	startCmd.Flags().BoolVar(&bootEvent, "boot", false, "Queue a \"1 BOOT\" event for the first inform")
	startCmd.Flags().BoolVar(&getRPCMethod, "getrpcmethod", false, "Queue a \"2 PERIODIC\" event and ask the ACS for its RPC methods")
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/cwmpd/cwmpd.pid)")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "Path to log file for daemon mode (default: $XDG_STATE_HOME/cwmpd/cwmpd.log)")
}

func runStart(cmd *cobra.Command, args []string) error {
	// Handle daemon mode (background)
	if !foreground {
		return startDaemon()
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	// Initialize the structured logger
	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Hold the PID file before touching any shared state. A second start
	// against the same PID file is a no-op, not an error.
	pidPath := pidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}
	lock, err := acquirePIDLock(pidPath)
	if err != nil {
		if errors.Is(err, errAlreadyLocked) {
			if pid, rerr := readPIDFile(pidPath); rerr == nil {
				fmt.Printf("cwmpd is already running (PID %d)\n", pid)
			} else {
				fmt.Println("cwmpd is already running")
			}
			return nil
		}
		return err
	}
	defer lock.Release()

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry (if enabled)
	telemetryCfg := telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "cwmpd",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	}
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	// Initialize Pyroscope profiling (if enabled)
	profilingCfg := telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "cwmpd",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	}
	profilingShutdown, err := telemetry.InitProfiling(profilingCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	logger.Info("cwmpd starting", "version", Version)
	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	logger.Info("ACS endpoint", "url", cfg.ACS.URL, "periodic_enable", cfg.ACS.PeriodicEnable)
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	} else {
		logger.Info("Telemetry disabled")
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("Profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint, "profile_types", cfg.Telemetry.Profiling.ProfileTypes)
	} else {
		logger.Info("Profiling disabled")
	}

	// Initialize metrics (if enabled)
	metrics.Init(cfg.Control.MetricsEnabled)
	agentMetrics := promexport.NewAgentMetrics()
	if cfg.Control.MetricsEnabled {
		logger.Info("Metrics enabled", "endpoint", fmt.Sprintf("http://%s:%d/metrics", cfg.Control.Host, cfg.Control.Port))
	} else {
		logger.Info("Metrics collection disabled")
	}

	// Reloads and the file watcher need the resolved config path.
	configPath := GetConfigFile()
	if configPath == "" && config.DefaultConfigExists() {
		configPath = config.GetDefaultConfigPath()
	}

	a, err := agent.New(agent.Options{
		Config:        cfg,
		ConfigPath:    configPath,
		Version:       Version,
		Boot:          bootEvent,
		GetRPCMethods: getRPCMethod,
		Metrics:       agentMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	// Start agent in background
	agentDone := make(chan error, 1)
	go func() {
		agentDone <- a.Run(ctx)
	}()

	// Wait for interrupt signal or agent exit
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Agent is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()

		// Wait for the agent to shut down gracefully
		if err := <-agentDone; err != nil {
			logger.Error("Agent shutdown error", "error", err)
			return err
		}
		logger.Info("Agent stopped gracefully")

	case err := <-agentDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Agent error", "error", err)
			return err
		}
		logger.Info("Agent stopped")
	}

	return nil
}

// getConfigSource returns a description of where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}
