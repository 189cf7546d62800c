package config

import (
	"strings"
	"time"
)

// Default values applied when the configuration leaves them unset.
const (
	DefaultConnReqPort    = 7547
	DefaultControlPort    = 8089
	DefaultIPPollInterval = 30 * time.Second
	DefaultMaxTransfers   = 10

	DefaultBackupPath      = "/etc/cwmpd/.backup.xml"
	DefaultDownloadDir     = "/var/lib/cwmpd/downloads"
	DefaultProviderCommand = "/usr/libexec/cwmpd/datamodel"
	DefaultProviderPrompt  = "cwmpd>"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields.
//
// This function is called after loading configuration from file and
// environment variables to fill in any missing values.
//
// Default strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyACSDefaults(&cfg.ACS)
	applyLocalDefaults(&cfg.Local)
	applyControlDefaults(&cfg.Control)
	applyTransferDefaults(&cfg.Transfer)
	applyDataModelDefaults(&cfg.DataModel)
	applyBackupDefaults(&cfg.Backup)
	applyLoggingDefaults(&cfg.Logging, cfg.Local)
	applyTelemetryDefaults(&cfg.Telemetry)
}

// applyACSDefaults sets ACS session defaults and normalizes values.
func applyACSDefaults(cfg *ACSConfig) {
	// Verify server certificates unless explicitly disabled
	if cfg.SSLVerify == "" {
		cfg.SSLVerify = "enabled"
	}
	cfg.SSLVerify = strings.ToLower(cfg.SSLVerify)
}

// applyLocalDefaults sets listener and watcher defaults.
func applyLocalDefaults(cfg *LocalConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultConnReqPort
	}

	// Anything that is not an explicit "Basic" means Digest
	if strings.EqualFold(cfg.Authentication, "Basic") {
		cfg.Authentication = "Basic"
	} else {
		cfg.Authentication = "Digest"
	}

	if cfg.IPPollInterval == 0 {
		cfg.IPPollInterval = Duration(DefaultIPPollInterval)
	}
}

// applyControlDefaults sets control API defaults.
// The API is always on; it binds to loopback unless widened explicitly.
func applyControlDefaults(cfg *ControlConfig) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultControlPort
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = Duration(10 * time.Second)
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = Duration(10 * time.Second)
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = Duration(60 * time.Second)
	}
}

// applyTransferDefaults sets transfer executor defaults.
func applyTransferDefaults(cfg *TransferConfig) {
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = DefaultDownloadDir
	}
	if cfg.MaxDownloads == 0 {
		cfg.MaxDownloads = DefaultMaxTransfers
	}
	if cfg.MaxUploads == 0 {
		cfg.MaxUploads = DefaultMaxTransfers
	}
}

// applyDataModelDefaults sets provider bridge defaults.
func applyDataModelDefaults(cfg *DataModelConfig) {
	if cfg.Command == "" {
		cfg.Command = DefaultProviderCommand
	}
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultProviderPrompt
	}
}

// applyBackupDefaults sets backup document defaults.
func applyBackupDefaults(cfg *BackupConfig) {
	if cfg.Storage == "" {
		cfg.Storage = "file"
	}
	cfg.Storage = strings.ToLower(cfg.Storage)

	if cfg.Path == "" {
		cfg.Path = DefaultBackupPath
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
// When logging.level is unset, a legacy local.logging_level (0 critical
// .. 4 debug) picks the level instead.
func applyLoggingDefaults(cfg *LoggingConfig, local LocalConfig) {
	if cfg.Level == "" {
		cfg.Level = legacyLevel(local.LoggingLevel)
	}
	// Normalize log level to uppercase for consistent internal
	// representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// legacyLevel maps the numeric syslog-style level of old configs onto a
// slog level name. 0 and the unset zero value are indistinguishable, so
// both fall back to INFO (the old default was 3, also INFO).
func legacyLevel(n int) string {
	switch n {
	case 1:
		return "WARN"
	case 4:
		return "DEBUG"
	default:
		return "INFO"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	// Enabled defaults to false (opt-in for telemetry)

	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}

	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}

	applyProfilingDefaults(&cfg.Profiling)
}

// applyProfilingDefaults sets Pyroscope profiling defaults.
func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}

	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

// GetDefaultConfig returns a Config struct with all default values
// applied.
//
// The result is not a startable configuration: acs.url has no default
// and must come from the operator.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
