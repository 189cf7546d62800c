package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// configTemplate is the commented starter configuration written by
// `cwmpd init`. %s is the generated control API secret.
const configTemplate = `# cwmpd configuration file
#
# The daemon re-reads this file on SIGHUP, on 'cwmpctl command reload',
# and when the file changes on disk. Values marked (seconds) also accept
# Go durations like "30s" or "5m".

device:
  # Firmware version reported to the ACS. A change triggers a
  # "4 VALUE CHANGE" inform on the next start.
  software_version: "1.0.0"

acs:
  # Management server endpoint. http or https only.
  url: "http://acs.example.com:7547/acs"
  username: ""
  password: ""
  # Periodic inform schedule
  periodic_enable: true
  periodic_interval: 1800            # (seconds)
  # Anchor for the periodic phase, ISO-8601 UTC. Leave empty to anchor
  # at daemon start.
  # periodic_time: "2024-01-01T00:00:00Z"
  http100continue_disable: false
  # TLS towards the ACS
  ssl_verify: enabled                # enabled | disabled
  # ssl_cert: /etc/cwmpd/client.pem  # combined client cert + key (PEM)
  # ssl_cacert: /etc/cwmpd/ca.pem    # extra trusted CAs (PEM)

local:
  # WAN interface watched for address changes
  interface: "eth0"
  # Connection-request listener port (all interfaces)
  port: 7547
  # Credentials the ACS must present on connection requests. Leave both
  # empty to accept unauthenticated connection requests.
  username: ""
  password: ""
  authentication: Digest             # Digest | Basic
  # Allow command execution through the connection-request side channel
  command_enable: false
  ip_poll_interval: 30               # (seconds)

control:
  # Loopback API used by cwmpctl
  host: "127.0.0.1"
  port: 8089
  # Bearer-token secret for the control API. Generated at init; remove
  # to disable authentication on the loopback API.
  auth_secret: "%s"
  metrics_enabled: true

transfer:
  download_dir: "/var/lib/cwmpd/downloads"
  # Files served for Upload RPCs, keyed by the RPC FileType.
  upload_sources:
    "1 Vendor Configuration File": "/etc/cwmpd/device.conf"
    "2 Vendor Log File": "/var/log/cwmpd.log"

datamodel:
  # External data model provider, spawned once per session
  command: "/usr/libexec/cwmpd/datamodel"
  # args: []
  # prompt: "cwmpd>"

backup:
  storage: file                      # file | option
  path: "/etc/cwmpd/.backup.xml"

logging:
  level: INFO                        # DEBUG | INFO | WARN | ERROR
  format: text                       # text | json
  output: stdout                     # stdout | stderr | file path

telemetry:
  enabled: false
  endpoint: "localhost:4317"
  insecure: true
  sample_rate: 1.0
  profiling:
    enabled: false
    endpoint: "http://localhost:4040"
`

// InitConfig writes the starter configuration to the default location.
//
// Parameters:
//   - force: Overwrite an existing file
//
// Returns:
//   - string: Path of the written config file
//   - error: If the file exists (and force is false) or writing fails
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes the starter configuration to an explicit path,
// creating parent directories as needed.
func InitConfigToPath(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(configTemplate, generateSecret())

	// 0600: the generated file carries the control API secret.
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// generateSecret produces a random secret for the control API bearer
// tokens. Two UUIDs give 64 hex characters.
func generateSecret() string {
	a := strings.ReplaceAll(uuid.NewString(), "-", "")
	b := strings.ReplaceAll(uuid.NewString(), "-", "")
	return a + b
}
