package backup

import (
	"time"

	"github.com/cpeworks/cwmpd/pkg/cwmp"
)

// Kind distinguishes the two persisted transfer directions.
type Kind string

const (
	KindDownload Kind = "download"
	KindUpload   Kind = "upload"
)

// EventRecord is a persisted pending event, restored into the event queue
// at startup.
type EventRecord struct {
	ID       int64
	Code     cwmp.EventCode
	Key      string
	MethodID int
}

// TransferCompleteRecord is the durable result of a finished download or
// upload, kept until the ACS acknowledges the matching TransferComplete
// request. FaultCode zero means the transfer succeeded.
type TransferCompleteRecord struct {
	ID          int64
	CommandKey  string
	FaultCode   cwmp.FaultCode
	FaultString string

	// StartTime and CompleteTime are RFC 3339 strings as sent on the wire.
	// CompleteTime holds the unknown-time sentinel while the transfer is
	// still running.
	StartTime    string
	CompleteTime string

	// MethodID links this record to its M Download / M Upload events.
	MethodID int
}

// TransferRecord is a persisted pending download or upload, scheduled to
// run at ExecuteAt.
type TransferRecord struct {
	ID         int64
	Kind       Kind
	CommandKey string
	FileType   string
	URL        string
	Username   string
	Password   string

	// FileSize carries the Download RPC's FileSize argument verbatim;
	// empty for uploads.
	FileSize string

	ExecuteAt time.Time
}
