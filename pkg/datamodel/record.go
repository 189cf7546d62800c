package datamodel

import (
	"strings"

	"github.com/cpeworks/cwmpd/pkg/cwmp"
)

// providerRecord is the union of all JSON line shapes the provider emits.
// Every field is optional; which ones are populated depends on the command.
type providerRecord struct {
	Parameter    string `json:"parameter"`
	Value        string `json:"value"`
	Type         string `json:"type"`
	FaultCode    string `json:"fault_code"`
	Status       string `json:"status"`
	Instance     string `json:"instance"`
	Writable     string `json:"writable"`
	Notification string `json:"notification"`
	Manufacturer string `json:"manufacturer"`
	OUI          string `json:"oui"`
	ProductClass string `json:"product_class"`
	SerialNumber string `json:"serial_number"`
}

// faultCode maps the record's fault_code field to a typed code. Only 9xxx
// strings count as faults; anything else, including an absent field, is
// FaultNone.
func (r providerRecord) faultCode() cwmp.FaultCode {
	if !strings.HasPrefix(r.FaultCode, "9") {
		return cwmp.FaultNone
	}
	return cwmp.ParseFaultCode(r.FaultCode)
}

// Value is one parameter record returned by a value query. Fault is set when
// the provider rejected the parameter.
type Value struct {
	Parameter string
	Value     string
	Type      string
	Fault     cwmp.FaultCode
}

// Name is one entry of a name listing. Writable keeps the provider's text
// verbatim ("0" or "1").
type Name struct {
	Parameter string
	Writable  string
	Fault     cwmp.FaultCode
}

// Attribute is one entry of a notification-attribute listing.
type Attribute struct {
	Parameter    string
	Notification string
	Fault        cwmp.FaultCode
}

// Change describes a parameter whose value differs from the last reported
// one, together with its configured notification level (0 off, 1 passive,
// 2 active).
type Change struct {
	Parameter    string
	Value        string
	Type         string
	Notification int
}

// SetValue is one name/value pair of a value update batch.
type SetValue struct {
	Name  string
	Value string
}

// AttributeChange is one notification-level update. Notification keeps the
// request text verbatim.
type AttributeChange struct {
	Name         string
	Notification string
}

// ParameterFault names a parameter the provider rejected inside an update
// batch.
type ParameterFault struct {
	Parameter string
	Code      cwmp.FaultCode
}

// SetResult is the outcome of an update batch. Status is the provider's "0"
// (applied) or "1" (applied, commit pending reboot). Faults lists per
// parameter rejections; Fault is set when the provider reported a failure
// not tied to any one parameter.
type SetResult struct {
	Status string
	Fault  cwmp.FaultCode
	Faults []ParameterFault
}

// ObjectResult is the outcome of an AddObject or DeleteObject command. The
// Instance field is only populated for AddObject.
type ObjectResult struct {
	Instance string
	Status   string
	Fault    cwmp.FaultCode
}
