package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the cwmpd configuration snapshot.
//
// The agent treats a loaded Config as immutable; a reload builds a fresh
// snapshot and swaps it between sessions.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (CWMPD_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values (lowest priority)
type Config struct {
	// Device describes the managed device itself
	Device DeviceConfig `mapstructure:"device" yaml:"device"`

	// ACS configures the management server connection
	ACS ACSConfig `mapstructure:"acs" yaml:"acs"`

	// Local configures the connection-request listener and device-side
	// triggers
	Local LocalConfig `mapstructure:"local" yaml:"local"`

	// Control configures the loopback control API used by cwmpctl
	Control ControlConfig `mapstructure:"control" yaml:"control"`

	// Transfer configures the download/upload executor
	Transfer TransferConfig `mapstructure:"transfer" yaml:"transfer"`

	// DataModel configures the external data model provider process
	DataModel DataModelConfig `mapstructure:"datamodel" yaml:"datamodel"`

	// Backup configures the durable session-state document
	Backup BackupConfig `mapstructure:"backup" yaml:"backup"`

	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry tracing and Pyroscope profiling
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// Duration is a time.Duration that decodes from either a Go duration
// string ("30s", "5m") or a bare number meaning seconds, which is how
// CPE config stores have always written intervals. It yaml-encodes as a
// duration string so saved configs reload unambiguously.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalYAML renders the duration as its string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// DeviceConfig describes the managed device.
type DeviceConfig struct {
	// SoftwareVersion is the firmware version reported to the ACS. A
	// change compared to the persisted value triggers a VALUE CHANGE
	// inform on startup.
	SoftwareVersion string `mapstructure:"software_version" yaml:"software_version"`
}

// ACSConfig configures the session with the Auto-Configuration Server.
type ACSConfig struct {
	// URL is the ACS endpoint. Scheme must be http or https.
	URL string `mapstructure:"url" validate:"required" yaml:"url"`

	// Username and Password authenticate the CPE towards the ACS
	// (Basic or Digest, negotiated from the 401 challenge)
	Username string `mapstructure:"username" yaml:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	// PeriodicEnable turns the periodic inform timer on
	PeriodicEnable bool `mapstructure:"periodic_enable" yaml:"periodic_enable"`

	// PeriodicInterval is the period between periodic informs.
	// Bare numbers mean seconds.
	PeriodicInterval Duration `mapstructure:"periodic_interval" yaml:"periodic_interval,omitempty"`

	// PeriodicTime anchors the periodic schedule phase. ISO-8601, with
	// or without a trailing 'Z'; both are interpreted as UTC. Zero
	// means "anchor at startup time".
	PeriodicTime time.Time `mapstructure:"periodic_time" yaml:"periodic_time,omitempty"`

	// HTTP100ContinueDisable suppresses the Expect: 100-continue
	// handshake on session posts
	HTTP100ContinueDisable bool `mapstructure:"http100continue_disable" yaml:"http100continue_disable"`

	// SSLCert is a combined PEM file with the client certificate and key
	SSLCert string `mapstructure:"ssl_cert" yaml:"ssl_cert,omitempty"`

	// SSLCACert is a PEM file with additional trusted CAs
	SSLCACert string `mapstructure:"ssl_cacert" yaml:"ssl_cacert,omitempty"`

	// SSLVerify is "enabled" or "disabled". Disabled skips server
	// certificate verification.
	SSLVerify string `mapstructure:"ssl_verify" validate:"omitempty,oneof=enabled disabled" yaml:"ssl_verify"`
}

// InsecureSkipVerify reports whether ACS server certificates go
// unverified.
func (c ACSConfig) InsecureSkipVerify() bool {
	return strings.EqualFold(c.SSLVerify, "disabled")
}

// LocalConfig configures the device-side listener and triggers.
type LocalConfig struct {
	// Interface is the WAN interface watched for address changes and
	// reported as the connection-request address. Empty disables the
	// IP watcher.
	Interface string `mapstructure:"interface" yaml:"interface"`

	// Port is the connection-request listener port (all interfaces)
	Port int `mapstructure:"port" validate:"required,min=1,max=65535" yaml:"port"`

	// Username and Password protect the connection-request listener.
	// When both are empty authentication is bypassed.
	Username string `mapstructure:"username" yaml:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	// LoggingLevel is the legacy numeric level (0 critical .. 4 debug).
	// Honored only when logging.level is not set.
	LoggingLevel int `mapstructure:"logging_level" validate:"omitempty,min=0,max=4" yaml:"logging_level,omitempty"`

	// Authentication selects the connection-request scheme: "Basic" or
	// "Digest" (default). Anything that is not Basic means Digest.
	Authentication string `mapstructure:"authentication" yaml:"authentication"`

	// CommandEnable turns on the command side channel on the
	// connection-request listener
	CommandEnable bool `mapstructure:"command_enable" yaml:"command_enable"`

	// IPPollInterval is how often the watcher samples interface
	// addresses. Bare numbers mean seconds.
	IPPollInterval Duration `mapstructure:"ip_poll_interval" yaml:"ip_poll_interval,omitempty"`
}

// DigestAuth reports whether the connection-request listener challenges
// with Digest (anything but an explicit "Basic").
func (c LocalConfig) DigestAuth() bool {
	return !strings.EqualFold(c.Authentication, "Basic")
}

// HasCredentials reports whether connection-request authentication is
// configured at all.
func (c LocalConfig) HasCredentials() bool {
	return c.Username != "" || c.Password != ""
}

// ControlConfig configures the loopback control API.
type ControlConfig struct {
	// Host is the bind address. Default 127.0.0.1; widen deliberately.
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the control API port
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`

	// AuthSecret enables JWT bearer auth on the API when non-empty
	AuthSecret string `mapstructure:"auth_secret" yaml:"auth_secret,omitempty"`

	// MetricsEnabled exposes Prometheus metrics at /metrics
	MetricsEnabled bool `mapstructure:"metrics_enabled" yaml:"metrics_enabled"`

	// HTTP server timeouts. Bare numbers mean seconds.
	ReadTimeout  Duration `mapstructure:"read_timeout" yaml:"read_timeout,omitempty"`
	WriteTimeout Duration `mapstructure:"write_timeout" yaml:"write_timeout,omitempty"`
	IdleTimeout  Duration `mapstructure:"idle_timeout" yaml:"idle_timeout,omitempty"`
}

// TransferConfig configures the built-in HTTP transfer executor.
type TransferConfig struct {
	// DownloadDir receives downloaded files
	DownloadDir string `mapstructure:"download_dir" yaml:"download_dir"`

	// UploadSources maps an Upload RPC FileType (e.g. "1 Vendor
	// Configuration File") to the local file to send
	UploadSources map[string]string `mapstructure:"upload_sources" yaml:"upload_sources,omitempty"`

	// MaxDownloads and MaxUploads cap the pending transfer slots
	MaxDownloads int `mapstructure:"max_downloads" validate:"omitempty,min=1" yaml:"max_downloads,omitempty"`
	MaxUploads   int `mapstructure:"max_uploads" validate:"omitempty,min=1" yaml:"max_uploads,omitempty"`
}

// DataModelConfig configures the external data model provider.
type DataModelConfig struct {
	// Command is the provider executable spawned per session
	Command string `mapstructure:"command" validate:"required" yaml:"command"`

	// Args are extra arguments passed to the provider
	Args []string `mapstructure:"args" yaml:"args,omitempty"`

	// Prompt is the line the provider prints after each command's
	// output. Default "cwmpd>".
	Prompt string `mapstructure:"prompt" yaml:"prompt,omitempty"`
}

// BackupConfig configures the durable backup document.
type BackupConfig struct {
	// Storage selects the sink: "file" keeps the XML document at Path;
	// "option" flattens it to a single line at Path for config-store
	// embedding.
	Storage string `mapstructure:"storage" validate:"omitempty,oneof=file option" yaml:"storage"`

	// Path is the backup location
	Path string `mapstructure:"path" validate:"required" yaml:"path"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
// When enabled, trace data is exported to an OTLP-compatible collector.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled
	// Default: false (opt-in)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port)
	// Default: "localhost:4317"
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Enabled true" yaml:"endpoint"`

	// Insecure controls whether to use a non-TLS collector connection
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0)
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	// Enabled controls whether continuous profiling is enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server URL
	// Default: "http://localhost:4040"
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes specifies which profile types to collect
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types,omitempty"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (CWMPD_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	// If no config file was found, use defaults
	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages.
// It checks if the config file exists and provides user-friendly
// instructions if not.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  cwmpd init\n\n"+
				"Or specify a custom config file:\n"+
				"  cwmpd <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  cwmpd init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the file carries ACS and connection-request credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file
// settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the CWMPD_ prefix and underscores.
	// Example: CWMPD_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("CWMPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/cwmpd/config.{yaml,toml}
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file
// was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types:
// second-granular durations, the periodic-time anchor, and 0/1 flags.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		periodicTimeDecodeHook(),
		numericBoolDecodeHook(),
	)
}

// durationDecodeHook converts strings and numbers to Duration. Strings
// are parsed as Go durations ("30s", "5m"); bare numbers are seconds,
// which is what legacy CPE configs contain.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if d, err := time.ParseDuration(v); err == nil {
				return Duration(d), nil
			}
			secs, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid duration %q", v)
			}
			return Duration(time.Duration(secs) * time.Second), nil
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v) * time.Second), nil
		default:
			return data, nil
		}
	}
}

// periodicTimeDecodeHook converts ISO-8601 strings to time.Time. A
// trailing 'Z' is optional; either way the timestamp is taken as UTC.
func periodicTimeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Time{}) {
			return data, nil
		}

		s, ok := data.(string)
		if !ok {
			return data, nil
		}
		if s == "" {
			return time.Time{}, nil
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC(), nil
		}
		if t, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.UTC); err == nil {
			return t, nil
		}
		return nil, fmt.Errorf("invalid time %q (want ISO-8601, e.g. 2024-01-01T00:00:00Z)", s)
	}
}

// numericBoolDecodeHook accepts the 0/1 flag style of legacy configs for
// bool fields alongside real booleans.
func numericBoolDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to.Kind() != reflect.Bool {
			return data, nil
		}

		switch v := data.(type) {
		case int:
			return v != 0, nil
		case int64:
			return v != 0, nil
		case float64:
			return v != 0, nil
		case string:
			switch v {
			case "0":
				return false, nil
			case "1":
				return true, nil
			}
			return data, nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to
// the current directory if no home directory can be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "cwmpd")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "cwmpd")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default
// location.
func DefaultConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for the
// init command).
func GetConfigDir() string {
	return getConfigDir()
}
