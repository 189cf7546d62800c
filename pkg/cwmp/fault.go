package cwmp

import (
	"errors"
	"fmt"
	"strconv"
)

// FaultCode is a CWMP fault code as defined by TR-069 table 67
// (9000-9019 CPE faults) plus the ACS-side 8005 "Retry request".
type FaultCode int

const (
	// FaultNone means no fault. Its wire form is "0".
	FaultNone FaultCode = 0

	FaultMethodNotSupported   FaultCode = 9000
	FaultRequestDenied        FaultCode = 9001
	FaultInternalError        FaultCode = 9002
	FaultInvalidArguments     FaultCode = 9003
	FaultResourcesExceeded    FaultCode = 9004
	FaultInvalidParameterName FaultCode = 9005
	FaultInvalidParameterType FaultCode = 9006
	FaultInvalidParameterVal  FaultCode = 9007
	FaultNonWritableParameter FaultCode = 9008
	FaultNotificationRejected FaultCode = 9009
	FaultDownloadFailure      FaultCode = 9010
	FaultUploadFailure        FaultCode = 9011
	FaultTransferAuthFailure  FaultCode = 9012
	FaultTransferBadProtocol  FaultCode = 9013
	FaultMulticastJoinFailure FaultCode = 9014
	FaultServerUnreachable    FaultCode = 9015
	FaultFileAccessFailure    FaultCode = 9016
	FaultDownloadIncomplete   FaultCode = 9017
	FaultFileCorrupted        FaultCode = 9018
	FaultFileAuthFailure      FaultCode = 9019

	// FaultACSRetryRequest is raised by the ACS on Inform or
	// TransferComplete responses to ask the CPE to retry later.
	FaultACSRetryRequest FaultCode = 8005
)

// faultMeta holds the SOAP faultcode class ("Client"/"Server") and the
// human-readable description defined by the standard.
type faultMeta struct {
	class       string
	description string
}

var faultTable = map[FaultCode]faultMeta{
	FaultMethodNotSupported:   {"Server", "Method not supported"},
	FaultRequestDenied:        {"Server", "Request denied"},
	FaultInternalError:        {"Server", "Internal error"},
	FaultInvalidArguments:     {"Client", "Invalid arguments"},
	FaultResourcesExceeded:    {"Server", "Resources exceeded"},
	FaultInvalidParameterName: {"Client", "Invalid parameter name"},
	FaultInvalidParameterType: {"Client", "Invalid parameter type"},
	FaultInvalidParameterVal:  {"Client", "Invalid parameter value"},
	FaultNonWritableParameter: {"Client", "Attempt to set a non-writable parameter"},
	FaultNotificationRejected: {"Server", "Notification request rejected"},
	FaultDownloadFailure:      {"Server", "Download failure"},
	FaultUploadFailure:        {"Server", "Upload failure"},
	FaultTransferAuthFailure:  {"Server", "File transfer server authentication failure"},
	FaultTransferBadProtocol:  {"Server", "Unsupported protocol for file transfer"},
	FaultMulticastJoinFailure: {"Server", "Download failure: unable to join multicast group"},
	FaultServerUnreachable:    {"Server", "Download failure: unable to contact file server"},
	FaultFileAccessFailure:    {"Server", "Download failure: unable to access file"},
	FaultDownloadIncomplete:   {"Server", "Download failure: unable to complete download"},
	FaultFileCorrupted:        {"Server", "Download failure: file corrupted"},
	FaultFileAuthFailure:      {"Server", "Download failure: file authentication failure"},
	FaultACSRetryRequest:      {"Server", "Retry request"},
}

// Class returns the SOAP faultcode classification: "Client" for caller
// mistakes, "Server" for CPE-side failures. Unknown codes map to "Server".
func (f FaultCode) Class() string {
	if m, ok := faultTable[f]; ok {
		return m.class
	}
	return "Server"
}

// Description returns the standard fault description string.
func (f FaultCode) Description() string {
	if m, ok := faultTable[f]; ok {
		return m.description
	}
	return "Internal error"
}

// Code returns the decimal wire form, e.g. "9003". FaultNone yields "0".
func (f FaultCode) Code() string {
	return strconv.Itoa(int(f))
}

// IsFault reports whether the code denotes an actual fault.
func (f FaultCode) IsFault() bool {
	return f != FaultNone
}

// ParseFaultCode converts a decimal fault string to its code. Empty strings
// and "0" both mean no fault. Unrecognized 9xxx strings collapse to 9002
// so a misbehaving provider cannot invent fault codes.
func ParseFaultCode(s string) FaultCode {
	if s == "" || s == "0" {
		return FaultNone
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return FaultInternalError
	}
	f := FaultCode(n)
	if _, ok := faultTable[f]; !ok {
		return FaultInternalError
	}
	return f
}

// FaultError is an error carrying a CWMP fault code. It is how provider and
// transfer failures travel up to the codec, which renders them as SOAP
// fault envelopes.
type FaultError struct {
	Code FaultCode

	// Parameter optionally names the data-model parameter that faulted.
	Parameter string
}

// Error implements the error interface.
func (e *FaultError) Error() string {
	if e.Parameter != "" {
		return fmt.Sprintf("cwmp fault %s (%s): %s", e.Code.Code(), e.Parameter, e.Code.Description())
	}
	return fmt.Sprintf("cwmp fault %s: %s", e.Code.Code(), e.Code.Description())
}

// Fault builds a FaultError for the given code.
func Fault(code FaultCode) *FaultError {
	return &FaultError{Code: code}
}

// FaultOf extracts the fault code from err, walking wrapped errors.
// Returns FaultNone when err carries no CWMP fault.
func FaultOf(err error) FaultCode {
	var fe *FaultError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return FaultNone
}
