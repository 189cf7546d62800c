package metrics

import (
	"time"
)

// AgentMetrics provides observability for the CWMP agent.
//
// Implementations can collect metrics about sessions, RPC handling,
// file transfers, and connection requests. This interface is optional -
// pass nil to disable metrics collection with zero overhead.
//
// Example usage:
//
//	// With metrics enabled
//	a, err := agent.New(agent.Options{
//		Config:  cfg,
//		Metrics: prometheus.NewAgentMetrics(),
//	})
//
//	// Without metrics (leave Options.Metrics nil for zero overhead)
//	a, err := agent.New(agent.Options{Config: cfg})
type AgentMetrics interface {
	// RecordSession records a completed Inform session.
	//
	// Parameters:
	//   - duration: Wall time from first POST to session end
	//   - success: Whether the session completed without transport/fault errors
	//   - retryCount: Value of the retry counter when the session started
	RecordSession(duration time.Duration, success bool, retryCount int)

	// RecordInform records one delivered Inform with its event codes.
	//
	// Parameters:
	//   - events: Event codes carried by the Inform (e.g., "1 BOOT")
	RecordInform(events []string)

	// RecordRPC records a handled ACS-issued RPC.
	//
	// Parameters:
	//   - method: RPC method name (e.g., "SetParameterValues")
	//   - duration: Time taken to produce the response
	//   - faultCode: CWMP fault code if the RPC faulted, 0 if successful
	RecordRPC(method string, duration time.Duration, faultCode int)

	// RecordTransfer records a finished file transfer.
	//
	// Parameters:
	//   - kind: "download" or "upload"
	//   - duration: Transfer wall time
	//   - faultCode: CWMP fault code on failure, 0 on success
	RecordTransfer(kind string, duration time.Duration, faultCode int)

	// RecordConnectionRequest records one handled connection request.
	//
	// Parameters:
	//   - status: HTTP status returned (200, 401, 409)
	RecordConnectionRequest(status int)

	// RecordACSPost records one HTTP exchange with the ACS.
	//
	// Parameters:
	//   - status: HTTP response status, 0 on transport error
	RecordACSPost(status int)

	// SetEventQueueLength updates the current event queue depth.
	SetEventQueueLength(n int)

	// SetPendingTransfers updates the count of scheduled transfers.
	//
	// Parameters:
	//   - kind: "download" or "upload"
	//   - n: Current number of pending entries
	SetPendingTransfers(kind string, n int)

	// SetRetryCount updates the session retry counter gauge.
	SetRetryCount(n int)
}
