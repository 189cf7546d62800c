package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// startableYAML is a minimal configuration that passes validation.
const startableYAML = `
acs:
  url: "http://acs.example.com:7547/acs"
local:
  port: 7547
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
device:
  software_version: "2.4.1"
acs:
  url: "https://acs.example.com/cwmp"
  username: "cpe-user"
  password: "cpe-pass"
  periodic_enable: 1
  periodic_interval: 1800
  periodic_time: "2024-06-01T03:00:00"
  http100continue_disable: 1
  ssl_verify: disabled
local:
  interface: "eth0"
  port: 7547
  username: "acs"
  password: "conn-req"
  authentication: basic
  ip_poll_interval: 45s
control:
  port: 9001
transfer:
  download_dir: "/tmp/downloads"
  upload_sources:
    "1 Vendor Configuration File": "/etc/device.conf"
datamodel:
  command: "/usr/bin/datamodel"
logging:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Device.SoftwareVersion != "2.4.1" {
		t.Errorf("software_version = %q", cfg.Device.SoftwareVersion)
	}
	if cfg.ACS.URL != "https://acs.example.com/cwmp" {
		t.Errorf("acs.url = %q", cfg.ACS.URL)
	}
	if !cfg.ACS.PeriodicEnable {
		t.Error("periodic_enable: expected true from 1")
	}
	if got := cfg.ACS.PeriodicInterval.Std(); got != 1800*time.Second {
		t.Errorf("periodic_interval = %v, want 1800s", got)
	}
	want := time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC)
	if !cfg.ACS.PeriodicTime.Equal(want) {
		t.Errorf("periodic_time = %v, want %v (UTC without zone)", cfg.ACS.PeriodicTime, want)
	}
	if !cfg.ACS.HTTP100ContinueDisable {
		t.Error("http100continue_disable: expected true from 1")
	}
	if !cfg.ACS.InsecureSkipVerify() {
		t.Error("ssl_verify disabled should skip verification")
	}
	if cfg.Local.Authentication != "Basic" {
		t.Errorf("authentication = %q, want normalized Basic", cfg.Local.Authentication)
	}
	if cfg.Local.DigestAuth() {
		t.Error("DigestAuth() should be false for Basic")
	}
	if got := cfg.Local.IPPollInterval.Std(); got != 45*time.Second {
		t.Errorf("ip_poll_interval = %v, want 45s", got)
	}
	if cfg.Control.Port != 9001 {
		t.Errorf("control.port = %d", cfg.Control.Port)
	}
	// viper folds map keys to lowercase during Unmarshal; consumers
	// match file types case-insensitively.
	if cfg.Transfer.UploadSources["1 vendor configuration file"] != "/etc/device.conf" {
		t.Errorf("upload_sources = %v", cfg.Transfer.UploadSources)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("logging.level = %q, want normalized DEBUG", cfg.Logging.Level)
	}
}

func TestLoad_DefaultsFillGaps(t *testing.T) {
	cfg, err := Load(writeConfig(t, startableYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Local.Authentication != "Digest" {
		t.Errorf("authentication default = %q, want Digest", cfg.Local.Authentication)
	}
	if cfg.ACS.InsecureSkipVerify() {
		t.Error("ssl_verify should default to enabled (verify)")
	}
	if got := cfg.Local.IPPollInterval.Std(); got != DefaultIPPollInterval {
		t.Errorf("ip_poll_interval default = %v", got)
	}
	if cfg.Control.Host != "127.0.0.1" {
		t.Errorf("control.host default = %q", cfg.Control.Host)
	}
	if cfg.Control.Port != DefaultControlPort {
		t.Errorf("control.port default = %d", cfg.Control.Port)
	}
	if cfg.Transfer.MaxDownloads != DefaultMaxTransfers || cfg.Transfer.MaxUploads != DefaultMaxTransfers {
		t.Errorf("transfer slots default = %d/%d", cfg.Transfer.MaxDownloads, cfg.Transfer.MaxUploads)
	}
	if cfg.DataModel.Prompt != DefaultProviderPrompt {
		t.Errorf("datamodel.prompt default = %q", cfg.DataModel.Prompt)
	}
	if cfg.Backup.Storage != "file" || cfg.Backup.Path != DefaultBackupPath {
		t.Errorf("backup defaults = %q %q", cfg.Backup.Storage, cfg.Backup.Path)
	}
	if cfg.Logging.Level != "INFO" {
		t.Errorf("logging.level default = %q", cfg.Logging.Level)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	tmpDir := t.TempDir()

	oldXDG := os.Getenv("XDG_CONFIG_HOME")
	_ = os.Setenv("XDG_CONFIG_HOME", tmpDir)
	defer func() {
		if oldXDG != "" {
			_ = os.Setenv("XDG_CONFIG_HOME", oldXDG)
		} else {
			_ = os.Unsetenv("XDG_CONFIG_HOME")
		}
	}()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load without config file should fall back to defaults: %v", err)
	}
	if cfg.ACS.URL != "" {
		t.Errorf("defaults should not invent an ACS URL, got %q", cfg.ACS.URL)
	}
	if cfg.Local.Port != DefaultConnReqPort {
		t.Errorf("local.port default = %d", cfg.Local.Port)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "acs:\n  url: [unclosed")

	if _, err := Load(path); err == nil {
		t.Fatal("Expected error for invalid YAML")
	}
}

func TestLoad_TOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[acs]
url = "http://acs.example.com/acs"

[local]
port = 7547
interface = "eth0"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load TOML failed: %v", err)
	}
	if cfg.ACS.URL != "http://acs.example.com/acs" {
		t.Errorf("acs.url = %q", cfg.ACS.URL)
	}
	if cfg.Local.Interface != "eth0" {
		t.Errorf("local.interface = %q", cfg.Local.Interface)
	}
}

func TestLoad_MissingACSURL(t *testing.T) {
	path := writeConfig(t, "local:\n  port: 7547\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("Expected validation error for missing acs.url")
	}
	if !strings.Contains(err.Error(), "URL") && !strings.Contains(err.Error(), "url") {
		t.Errorf("Expected error to mention the URL, got: %v", err)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	path := writeConfig(t, startableYAML+"logging:\n  level: INFO\n  format: text\n  output: stdout\n")

	oldEnv := os.Getenv("CWMPD_LOGGING_LEVEL")
	_ = os.Setenv("CWMPD_LOGGING_LEVEL", "DEBUG")
	defer func() {
		if oldEnv != "" {
			_ = os.Setenv("CWMPD_LOGGING_LEVEL", oldEnv)
		} else {
			_ = os.Unsetenv("CWMPD_LOGGING_LEVEL")
		}
	}()

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("environment override lost: logging.level = %q", cfg.Logging.Level)
	}
}

func TestLoad_PeriodicTimeWithZone(t *testing.T) {
	path := writeConfig(t, `
acs:
  url: "http://acs.example.com/acs"
  periodic_time: "2024-06-01T03:00:00Z"
local:
  port: 7547
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC)
	if !cfg.ACS.PeriodicTime.Equal(want) {
		t.Errorf("periodic_time = %v, want %v", cfg.ACS.PeriodicTime, want)
	}
}

func TestLoad_BadPeriodicTime(t *testing.T) {
	path := writeConfig(t, `
acs:
  url: "http://acs.example.com/acs"
  periodic_time: "tomorrow at noon"
local:
  port: 7547
`)

	if _, err := Load(path); err == nil {
		t.Fatal("Expected error for unparseable periodic_time")
	}
}

func TestLoad_UnsetPeriodicInterval(t *testing.T) {
	cfg, err := Load(writeConfig(t, startableYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	// Unset interval stays zero; the schedule treats that as disabled.
	if cfg.ACS.PeriodicInterval != 0 {
		t.Errorf("periodic_interval = %v, want 0", cfg.ACS.PeriodicInterval)
	}
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Local.Port != DefaultConnReqPort {
		t.Errorf("local.port = %d", cfg.Local.Port)
	}
	if cfg.Logging.Level != "INFO" || cfg.Logging.Format != "text" || cfg.Logging.Output != "stdout" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
	if cfg.Telemetry.Endpoint != "localhost:4317" {
		t.Errorf("telemetry.endpoint = %q", cfg.Telemetry.Endpoint)
	}
	if cfg.Telemetry.SampleRate != 1.0 {
		t.Errorf("telemetry.sample_rate = %v", cfg.Telemetry.SampleRate)
	}
}

func TestConfigExists(t *testing.T) {
	tmpDir := t.TempDir()

	oldXDG := os.Getenv("XDG_CONFIG_HOME")
	_ = os.Setenv("XDG_CONFIG_HOME", tmpDir)
	defer func() {
		if oldXDG != "" {
			_ = os.Setenv("XDG_CONFIG_HOME", oldXDG)
		} else {
			_ = os.Unsetenv("XDG_CONFIG_HOME")
		}
	}()

	if DefaultConfigExists() {
		t.Error("DefaultConfigExists should be false in a fresh dir")
	}

	configDir := filepath.Join(tmpDir, "cwmpd")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte("{}"), 0600); err != nil {
		t.Fatal(err)
	}

	if !DefaultConfigExists() {
		t.Error("DefaultConfigExists should be true after creating the file")
	}
}

func TestGetDefaultConfigPath(t *testing.T) {
	oldXDG := os.Getenv("XDG_CONFIG_HOME")
	_ = os.Setenv("XDG_CONFIG_HOME", "/custom/xdg")
	defer func() {
		if oldXDG != "" {
			_ = os.Setenv("XDG_CONFIG_HOME", oldXDG)
		} else {
			_ = os.Unsetenv("XDG_CONFIG_HOME")
		}
	}()

	want := filepath.Join("/custom/xdg", "cwmpd", "config.yaml")
	if got := GetDefaultConfigPath(); got != want {
		t.Errorf("GetDefaultConfigPath() = %q, want %q", got, want)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.ACS.URL = "http://acs.example.com/acs"
	cfg.ACS.PeriodicEnable = true
	cfg.ACS.PeriodicInterval = Duration(30 * time.Minute)
	cfg.Local.Interface = "eth0"

	path := filepath.Join(t.TempDir(), "saved", "config.yaml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load of saved config failed: %v", err)
	}
	if loaded.ACS.URL != cfg.ACS.URL {
		t.Errorf("acs.url = %q", loaded.ACS.URL)
	}
	if loaded.ACS.PeriodicInterval != cfg.ACS.PeriodicInterval {
		t.Errorf("periodic_interval round trip = %v, want %v",
			loaded.ACS.PeriodicInterval.Std(), cfg.ACS.PeriodicInterval.Std())
	}
	if loaded.Local.Interface != "eth0" {
		t.Errorf("local.interface = %q", loaded.Local.Interface)
	}
}
