// Package control serves the agent's local management API.
//
// The API binds to the loopback interface by default and gives local
// tooling (cwmpctl, init scripts, provisioning glue) a small set of
// verbs: trigger a value-change check, enqueue a named inform event,
// reload or stop the daemon, and inspect the agent's queue and transfer
// state. /metrics exposes the Prometheus registry and /healthz answers
// liveness probes.
//
// When an auth secret is configured every /v1 endpoint requires a bearer
// token signed with that secret (NewToken mints one); /healthz and
// /metrics stay open.
package control

import "time"

// Agent is the view of the running agent the API serves.
//
// All methods must be safe for concurrent use. The trigger methods only
// post work to the agent loop and return immediately.
type Agent interface {
	// Status reports a snapshot of the agent's state.
	Status() Status

	// Events lists the queued inform events.
	Events() []EventInfo

	// Transfers lists the scheduled downloads and uploads.
	Transfers() []TransferInfo

	// Notify asks the data model provider to check for value changes.
	Notify()

	// Inform enqueues the named event code and kicks a session. The code
	// uses its wire form, e.g. "6 CONNECTION REQUEST".
	Inform(event string) error

	// Reload schedules a configuration reload.
	Reload()

	// Stop schedules daemon shutdown.
	Stop()
}

// Status is the GET /v1/status payload.
type Status struct {
	Version          string    `json:"version"`
	StartedAt        time.Time `json:"started_at"`
	UptimeSeconds    int64     `json:"uptime_seconds"`
	ACSURL           string    `json:"acs_url"`
	SessionActive    bool      `json:"session_active"`
	RetryCount       int       `json:"retry_count"`
	QueuedEvents     int       `json:"queued_events"`
	PendingDownloads int       `json:"pending_downloads"`
	PendingUploads   int       `json:"pending_uploads"`
}

// EventInfo is one queued event in the GET /v1/events payload.
type EventInfo struct {
	ID       int64  `json:"id"`
	Code     string `json:"code"`
	Key      string `json:"key,omitempty"`
	MethodID int    `json:"method_id,omitempty"`

	// Persisted reports whether the event survives a restart.
	Persisted bool `json:"persisted"`
}

// TransferInfo is one pending transfer in the GET /v1/transfers payload.
type TransferInfo struct {
	ID         int64     `json:"id"`
	Kind       string    `json:"kind"`
	CommandKey string    `json:"command_key,omitempty"`
	FileType   string    `json:"file_type"`
	URL        string    `json:"url"`
	FileSize   string    `json:"file_size,omitempty"`
	FireTime   time.Time `json:"fire_time"`
}

// InformRequest is the POST /v1/inform payload.
type InformRequest struct {
	Event string `json:"event"`
}

// CommandRequest is the POST /v1/command payload.
type CommandRequest struct {
	Name string `json:"name"`
}

// CommandReply answers the trigger endpoints: Status is 0 when the verb
// was accepted and -1 when it is not supported.
type CommandReply struct {
	Status int    `json:"status"`
	Info   string `json:"info"`
}
