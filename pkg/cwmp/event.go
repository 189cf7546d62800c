// Package cwmp defines the core CWMP (TR-069) vocabulary shared by the
// agent: event codes, fault codes, the event queue, value-change
// notifications and session scheduling math.
//
// The types here are deliberately transport-free. Envelope encoding lives
// in pkg/soap, persistence in pkg/backup, and sequencing in pkg/agent.
package cwmp

import (
	"fmt"
)

// EventKind distinguishes events that may appear at most once in the queue
// from events that accumulate, one per outstanding ACS request.
type EventKind int

const (
	// EventSingle events are deduplicated: adding a second instance of the
	// same code is a no-op that returns the existing entry.
	EventSingle EventKind = iota

	// EventMultiple events stack; each instance is tied to one ACS command
	// (Reboot, ScheduleInform, Download, Upload) via its command key.
	EventMultiple
)

// RemovePolicy is a bitmask deciding when a queued event is discarded.
type RemovePolicy int

const (
	// RemoveAfterInform drops the event once a session delivered it and
	// terminated normally.
	RemoveAfterInform RemovePolicy = 0x1

	// RemoveAfterTransferComplete keeps the event across sessions until the
	// TransferComplete RPC carrying the matching method id is acknowledged
	// by the ACS.
	RemoveAfterTransferComplete RemovePolicy = 0x2

	// RemoveNoRetry drops the event even when the session failed; the
	// trigger is transient and will fire again if still relevant.
	RemoveNoRetry RemovePolicy = 0x4
)

// EventCode enumerates the 15 TR-069 inform event codes.
type EventCode int

const (
	EventBootstrap EventCode = iota
	EventBoot
	EventPeriodic
	EventScheduled
	EventValueChange
	EventKicked
	EventConnectionRequest
	EventTransferComplete
	EventDiagnosticsComplete
	EventRequestDownload
	EventAutonomousTransferComplete
	EventMReboot
	EventMScheduleInform
	EventMDownload
	EventMUpload

	eventCodeCount
)

// eventMeta carries the wire string, kind and removal policy of one code.
type eventMeta struct {
	code   string
	kind   EventKind
	policy RemovePolicy
}

var eventTable = [eventCodeCount]eventMeta{
	EventBootstrap:                  {"0 BOOTSTRAP", EventSingle, RemoveAfterInform},
	EventBoot:                       {"1 BOOT", EventSingle, RemoveAfterInform},
	EventPeriodic:                   {"2 PERIODIC", EventSingle, RemoveAfterInform},
	EventScheduled:                  {"3 SCHEDULED", EventSingle, RemoveAfterInform},
	EventValueChange:                {"4 VALUE CHANGE", EventSingle, RemoveAfterInform | RemoveNoRetry},
	EventKicked:                     {"5 KICKED", EventSingle, RemoveAfterInform},
	EventConnectionRequest:          {"6 CONNECTION REQUEST", EventSingle, RemoveAfterInform | RemoveNoRetry},
	EventTransferComplete:           {"7 TRANSFER COMPLETE", EventSingle, RemoveAfterTransferComplete},
	EventDiagnosticsComplete:        {"8 DIAGNOSTICS COMPLETE", EventSingle, RemoveAfterInform | RemoveNoRetry},
	EventRequestDownload:            {"9 REQUEST DOWNLOAD", EventSingle, RemoveAfterInform},
	EventAutonomousTransferComplete: {"10 AUTONOMOUS TRANSFER COMPLETE", EventSingle, RemoveAfterTransferComplete},
	EventMReboot:                    {"M Reboot", EventMultiple, RemoveAfterInform},
	EventMScheduleInform:            {"M ScheduleInform", EventMultiple, RemoveAfterInform},
	EventMDownload:                  {"M Download", EventMultiple, RemoveAfterTransferComplete},
	EventMUpload:                    {"M Upload", EventMultiple, RemoveAfterTransferComplete},
}

// String returns the exact EventCode string sent on the wire,
// e.g. "1 BOOT" or "M Download".
func (c EventCode) String() string {
	if !c.Valid() {
		return fmt.Sprintf("EventCode(%d)", int(c))
	}
	return eventTable[c].code
}

// Kind reports whether the code is single-instance or stacking.
func (c EventCode) Kind() EventKind {
	if !c.Valid() {
		return EventSingle
	}
	return eventTable[c].kind
}

// RemovePolicy returns the removal policy bitmask for the code.
func (c EventCode) RemovePolicy() RemovePolicy {
	if !c.Valid() {
		return RemoveAfterInform
	}
	return eventTable[c].policy
}

// Persistent reports whether events of this code survive a restart.
// Connection requests, kicks and value changes are transient: the condition
// that raised them either re-fires or is meaningless after a reboot.
func (c EventCode) Persistent() bool {
	switch c {
	case EventConnectionRequest, EventKicked, EventValueChange:
		return false
	default:
		return c.Valid()
	}
}

// Valid reports whether the code is one of the 15 known values.
func (c EventCode) Valid() bool {
	return c >= EventBootstrap && c < eventCodeCount
}

// ParseEventCode maps a wire string like "6 CONNECTION REQUEST" back to its
// code. The match is exact.
//
// Returns:
//   - EventCode: The parsed code
//   - error: If the string is not one of the 15 known event codes
func ParseEventCode(s string) (EventCode, error) {
	for i := range eventTable {
		if eventTable[i].code == s {
			return EventCode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown event code %q", s)
}

// Event is one entry of the inform event queue.
//
// ID is a process-stable identifier assigned by the queue; persistent events
// reuse it as their backup record id so queue entries and stored records can
// be correlated without sharing pointers.
type Event struct {
	ID       int64
	Code     EventCode
	Key      string
	MethodID int

	// Backed marks events that have a record in the backup store and must
	// be deleted there when removed from the queue.
	Backed bool
}
