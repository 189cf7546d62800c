package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for CWMP operations.
// These follow OpenTelemetry semantic conventions where applicable.
// Protocol keys use the "cwmp." prefix, transport keys use their own.
const (
	// ========================================================================
	// Session attributes
	// ========================================================================
	AttrSessionID    = "cwmp.session_id"
	AttrSessionRetry = "cwmp.session_retry"
	AttrEventCodes   = "cwmp.event_codes"
	AttrHoldRequests = "cwmp.hold_requests"

	// ========================================================================
	// RPC attributes
	// ========================================================================
	AttrMethod     = "cwmp.method"
	AttrCwmpID     = "cwmp.id"
	AttrCommandKey = "cwmp.command_key"
	AttrFaultCode  = "cwmp.fault_code"
	AttrParameter  = "cwmp.parameter"
	AttrParamCount = "cwmp.parameter_count"
	AttrStatus     = "cwmp.status"

	// ========================================================================
	// Transfer attributes
	// ========================================================================
	AttrTransferKind = "transfer.kind" // download or upload
	AttrFileType     = "transfer.file_type"
	AttrFileSize     = "transfer.file_size"
	AttrTransferURL  = "transfer.url"

	// ========================================================================
	// Transport attributes
	// ========================================================================
	AttrACSURL     = "acs.url"
	AttrHTTPStatus = "http.status_code"
	AttrClientIP   = "client.ip"
	AttrClientAddr = "client.address"
	AttrAuthMethod = "auth.method"
)

// Span names for operations.
// Format: <component>.<operation>
const (
	// Root span covering one full Inform session
	SpanSession = "cwmp.session"

	// Protocol steps inside a session
	SpanInform   = "cwmp.Inform"
	SpanTransfer = "cwmp.TransferComplete"
	SpanRPC      = "cwmp.rpc" // suffixed with the method name at call sites

	// HTTP exchanges with the ACS
	SpanACSPost = "acs.post"

	// Connection request handling
	SpanConnReq = "connreq.request"
	SpanCommand = "connreq.command"

	// File transfer execution
	SpanDownload = "transfer.download"
	SpanUpload   = "transfer.upload"

	// Backup document persistence
	SpanBackupSave = "backup.save"
	SpanBackupLoad = "backup.load"
)

// SessionID returns an attribute for the CWMP session identifier
func SessionID(id string) attribute.KeyValue {
	return attribute.String(AttrSessionID, id)
}

// SessionRetry returns an attribute for the session retry counter
func SessionRetry(n int) attribute.KeyValue {
	return attribute.Int(AttrSessionRetry, n)
}

// EventCodes returns an attribute for the event codes carried by an Inform
func EventCodes(codes []string) attribute.KeyValue {
	return attribute.StringSlice(AttrEventCodes, codes)
}

// Method returns an attribute for an RPC method name
func Method(name string) attribute.KeyValue {
	return attribute.String(AttrMethod, name)
}

// CwmpID returns an attribute for the cwmp:ID header value
func CwmpID(id string) attribute.KeyValue {
	return attribute.String(AttrCwmpID, id)
}

// CommandKey returns an attribute for an ACS command key
func CommandKey(key string) attribute.KeyValue {
	return attribute.String(AttrCommandKey, key)
}

// FaultCode returns an attribute for a CWMP fault code
func FaultCode(code int) attribute.KeyValue {
	return attribute.Int(AttrFaultCode, code)
}

// Parameter returns an attribute for a data-model parameter path
func Parameter(path string) attribute.KeyValue {
	return attribute.String(AttrParameter, path)
}

// ParamCount returns an attribute for the number of parameters in a request
func ParamCount(n int) attribute.KeyValue {
	return attribute.Int(AttrParamCount, n)
}

// Status returns an attribute for an RPC status value
func Status(status int) attribute.KeyValue {
	return attribute.Int(AttrStatus, status)
}

// TransferKind returns an attribute for the transfer direction
func TransferKind(kind string) attribute.KeyValue {
	return attribute.String(AttrTransferKind, kind)
}

// FileType returns an attribute for the TR-069 file type string
func FileType(t string) attribute.KeyValue {
	return attribute.String(AttrFileType, t)
}

// FileSize returns an attribute for the expected transfer size
func FileSize(size int64) attribute.KeyValue {
	return attribute.Int64(AttrFileSize, size)
}

// TransferURL returns an attribute for the transfer source or target URL
func TransferURL(url string) attribute.KeyValue {
	return attribute.String(AttrTransferURL, url)
}

// ACSURL returns an attribute for the current ACS endpoint
func ACSURL(url string) attribute.KeyValue {
	return attribute.String(AttrACSURL, url)
}

// HTTPStatus returns an attribute for an HTTP response status
func HTTPStatus(code int) attribute.KeyValue {
	return attribute.Int(AttrHTTPStatus, code)
}

// ClientIP returns an attribute for client IP address
func ClientIP(ip string) attribute.KeyValue {
	return attribute.String(AttrClientIP, ip)
}

// ClientAddr returns an attribute for full client address
func ClientAddr(addr string) attribute.KeyValue {
	return attribute.String(AttrClientAddr, addr)
}

// AuthMethod returns an attribute for authentication method
func AuthMethod(method string) attribute.KeyValue {
	return attribute.String(AttrAuthMethod, method)
}

// StartSessionSpan starts the root span for one Inform session.
// This is a convenience function that sets common attributes.
func StartSessionSpan(ctx context.Context, sessionID string, events []string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		SessionID(sessionID),
		EventCodes(events),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, SpanSession, trace.WithAttributes(allAttrs...))
}

// StartRPCSpan starts a span for handling one ACS-issued RPC.
func StartRPCSpan(ctx context.Context, method string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		Method(method),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, "cwmp."+method, trace.WithAttributes(allAttrs...))
}

// StartTransferSpan starts a span for a file transfer execution.
func StartTransferSpan(ctx context.Context, kind, fileType string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		TransferKind(kind),
		FileType(fileType),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, "transfer."+kind, trace.WithAttributes(allAttrs...))
}

// StartACSSpan starts a span for one HTTP POST to the ACS.
func StartACSSpan(ctx context.Context, url string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		ACSURL(url),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, SpanACSPost, trace.WithAttributes(allAttrs...))
}
