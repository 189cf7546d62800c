package logger

import (
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so sessions, RPCs
// and transfers can be correlated in aggregated logs.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Session & RPC
	// ========================================================================
	KeySessionID  = "session_id"  // CWMP session identifier
	KeyMethod     = "method"      // RPC method name: Inform, SetParameterValues, ...
	KeyCwmpID     = "cwmp_id"     // cwmp:ID header value of the envelope
	KeyEventCode  = "event_code"  // CWMP event code: "1 BOOT", "2 PERIODIC", ...
	KeyCommandKey = "command_key" // ACS-assigned command key
	KeyRetryCount = "retry_count" // Session retry counter
	KeyHoldReq    = "hold_requests"

	// ========================================================================
	// ACS & Transport
	// ========================================================================
	KeyACSURL     = "acs_url"     // Current ACS endpoint
	KeyHTTPStatus = "http_status" // HTTP status code
	KeyClientIP   = "client_ip"   // Peer IP address
	KeyAuthScheme = "auth_scheme" // basic or digest

	// ========================================================================
	// Parameters & Faults
	// ========================================================================
	KeyParameter = "parameter"  // Data-model parameter path
	KeyFaultCode = "fault_code" // CWMP fault code (9000-9019, 8005)
	KeyStatus    = "status"     // RPC status value (0/1)

	// ========================================================================
	// Transfers
	// ========================================================================
	KeyTransferKind = "transfer_kind" // download or upload
	KeyFileType     = "file_type"     // TR-069 file type string
	KeyURL          = "url"           // Transfer source/target URL
	KeyFileSize     = "file_size"     // Expected size in bytes
	KeyMethodID     = "method_id"     // Links transfer records to M events

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyPath       = "path"        // Filesystem path (backup file, cookies, ...)
	KeyCount      = "count"       // Generic count
)

// ============================================================================
// Field constructors for type safety
// ============================================================================

// TraceID returns a slog.Attr for OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// SessionID returns a slog.Attr for the CWMP session identifier
func SessionID(id string) slog.Attr {
	return slog.String(KeySessionID, id)
}

// Method returns a slog.Attr for an RPC method name
func Method(name string) slog.Attr {
	return slog.String(KeyMethod, name)
}

// EventCode returns a slog.Attr for a CWMP event code
func EventCode(code string) slog.Attr {
	return slog.String(KeyEventCode, code)
}

// CommandKey returns a slog.Attr for an ACS command key
func CommandKey(key string) slog.Attr {
	return slog.String(KeyCommandKey, key)
}

// FaultCode returns a slog.Attr for a CWMP fault code
func FaultCode(code int) slog.Attr {
	return slog.Int(KeyFaultCode, code)
}

// HTTPStatus returns a slog.Attr for an HTTP status code
func HTTPStatus(code int) slog.Attr {
	return slog.Int(KeyHTTPStatus, code)
}

// ClientIP returns a slog.Attr for the peer IP address
func ClientIP(ip string) slog.Attr {
	return slog.String(KeyClientIP, ip)
}

// Parameter returns a slog.Attr for a data-model parameter path
func Parameter(path string) slog.Attr {
	return slog.String(KeyParameter, path)
}

// DurationMs returns a slog.Attr for a duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error value
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
