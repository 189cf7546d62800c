package soap

import (
	"context"
	"time"

	"github.com/cpeworks/cwmpd/pkg/cwmp"
)

// Parameter is a data-model parameter value as carried on the wire. Type
// is the value's xsi:type attribute, for example "xsd:string".
type Parameter struct {
	Name  string
	Value string
	Type  string
}

// ParameterInfo is one GetParameterNames result entry.
type ParameterInfo struct {
	Name     string
	Writable string
}

// ParameterAttribute is one GetParameterAttributes result entry.
type ParameterAttribute struct {
	Name         string
	Notification string
}

// SetValue is one name/value pair of a SetParameterValues request.
type SetValue struct {
	Name  string
	Value string
}

// AttributeChange is one SetParameterAttributes entry whose
// NotificationChange flag was true.
type AttributeChange struct {
	Name         string
	Notification string
}

// ParameterFault names a parameter that failed inside a SetParameterValues
// transaction, reported back in the fault detail.
type ParameterFault struct {
	Name string
	Code cwmp.FaultCode
}

// TransferRequest carries the arguments of a Download or Upload RPC. The
// FileSize field is only meaningful for downloads and keeps the wire text
// verbatim. Delay is the DelaySeconds argument.
type TransferRequest struct {
	Upload     bool
	CommandKey string
	FileType   string
	URL        string
	Username   string
	Password   string
	FileSize   string
	Delay      time.Duration
}

// Backend is the agent surface the RPC dispatcher drives. Operations that
// fail with a cwmp.FaultError select the fault code reported to the ACS;
// any other error is reported as an internal error.
type Backend interface {
	// GetParameterValues resolves one parameter name or partial path to
	// the values at or below it.
	GetParameterValues(ctx context.Context, name string) ([]Parameter, error)

	// GetParameterNames lists the parameters at or below path. nextLevel
	// is the request's NextLevel text, passed through verbatim.
	GetParameterNames(ctx context.Context, path, nextLevel string) ([]ParameterInfo, error)

	// GetParameterAttributes resolves one parameter name or partial path
	// to the notification attributes at or below it.
	GetParameterAttributes(ctx context.Context, name string) ([]ParameterAttribute, error)

	// SetParameterValues applies the pairs in order and commits them under
	// parameterKey. status is the data model's "0" or "1". Parameters the
	// data model rejected individually are returned in faults; a non-nil
	// error aborts the whole transaction.
	SetParameterValues(ctx context.Context, values []SetValue, parameterKey string) (status string, faults []ParameterFault, err error)

	// SetParameterAttributes applies the notification changes in order and
	// commits them.
	SetParameterAttributes(ctx context.Context, changes []AttributeChange) error

	// AddObject creates a new instance under objectName and commits it
	// under parameterKey, returning the instance number and status.
	AddObject(ctx context.Context, objectName, parameterKey string) (instance, status string, err error)

	// DeleteObject removes the instance objectName and commits under
	// parameterKey.
	DeleteObject(ctx context.Context, objectName, parameterKey string) (status string, err error)

	// ScheduleTransfer queues a file transfer for execution after
	// req.Delay.
	ScheduleTransfer(ctx context.Context, req TransferRequest) error

	// ScheduleInform arranges an additional session carrying the
	// "3 SCHEDULED" event after delay.
	ScheduleInform(ctx context.Context, commandKey string, delay time.Duration) error

	// Reboot defers a reboot to the end of the session, remembering
	// commandKey for the "M Reboot" event of the next boot.
	Reboot(ctx context.Context, commandKey string) error

	// FactoryReset defers a factory reset to the end of the session.
	FactoryReset(ctx context.Context) error
}
