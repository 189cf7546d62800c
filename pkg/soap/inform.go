package soap

import (
	"fmt"
	"strconv"

	"github.com/beevik/etree"

	"github.com/cpeworks/cwmpd/pkg/cwmp"
)

// InformData carries everything that goes into one Inform request.
type InformData struct {
	DeviceID      cwmp.DeviceID
	Events        []cwmp.Event
	Parameters    []Parameter
	Notifications []cwmp.Notification
	RetryCount    int
	CurrentTime   string
}

// ResponseFlags carries the session directives parsed from an ACS reply.
// HoldValid is false when the reply carried a tolerated fault, in which
// case the session keeps its previous hold state.
type ResponseFlags struct {
	HoldRequests bool
	HoldValid    bool
}

// BuildInform renders an Inform envelope with a fresh message ID.
//
// Parameters:
//   - data: device identity, queued events, inform parameters and pending
//     value-change notifications
//
// Returns:
//   - []byte: the serialized envelope
//   - error: if serialization fails
func (c *Codec) BuildInform(data InformData) ([]byte, error) {
	env := newEnvelope()
	env.setID(c.ids.Next())

	inform := env.body.CreateElement(cwmpPrefix + ":Inform")

	deviceID := inform.CreateElement("DeviceId")
	deviceID.CreateElement("Manufacturer").SetText(data.DeviceID.Manufacturer)
	deviceID.CreateElement("OUI").SetText(data.DeviceID.OUI)
	deviceID.CreateElement("ProductClass").SetText(data.DeviceID.ProductClass)
	deviceID.CreateElement("SerialNumber").SetText(data.DeviceID.SerialNumber)

	events := inform.CreateElement("Event")
	for _, ev := range data.Events {
		st := events.CreateElement("EventStruct")
		st.CreateElement("EventCode").SetText(ev.Code.String())
		st.CreateElement("CommandKey").SetText(ev.Key)
	}
	if n := len(data.Events); n > 0 {
		events.CreateAttr(encPrefix+":arrayType",
			fmt.Sprintf("cwmp:EventStruct[%d]", n))
	}

	inform.CreateElement("MaxEnvelopes").SetText("1")
	inform.CreateElement("CurrentTime").SetText(data.CurrentTime)
	inform.CreateElement("RetryCount").SetText(strconv.Itoa(data.RetryCount))

	list := inform.CreateElement("ParameterList")
	seen := make(map[string]struct{}, len(data.Parameters))
	count := 0
	for _, p := range data.Parameters {
		addParameterValue(list, p.Name, p.Value, p.Type)
		seen[p.Name] = struct{}{}
		count++
	}
	for _, n := range data.Notifications {
		// Parameters already reported by the data model win over stale
		// notifications for the same name.
		if _, ok := seen[n.Parameter]; ok {
			continue
		}
		addParameterValue(list, n.Parameter, n.Value, n.Type)
		seen[n.Parameter] = struct{}{}
		count++
	}
	list.CreateAttr(encPrefix+":arrayType",
		fmt.Sprintf("cwmp:ParameterValueStruct[%d]", count))

	return env.bytes()
}

// addParameterValue appends one ParameterValueStruct to a parameter list.
func addParameterValue(list *etree.Element, name, value, xsiType string) {
	st := list.CreateElement("ParameterValueStruct")
	st.CreateElement("Name").SetText(name)
	val := st.CreateElement("Value")
	if xsiType == "" {
		xsiType = "xsd:string"
	}
	val.CreateAttr(xsiPrefix+":type", xsiType)
	val.SetText(value)
}

// ParseInformResponse validates an InformResponse envelope.
//
// A fault reply carrying the "8005" retry-request code is surfaced as a
// cwmp.FaultError with that code so the session can resend the Inform;
// any other fault rejects the session. The response must carry a
// MaxEnvelopes element.
func (c *Codec) ParseInformResponse(msg []byte) (ResponseFlags, error) {
	var flags ResponseFlags

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(msg); err != nil {
		return flags, fmt.Errorf("parse inform response: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return flags, fmt.Errorf("parse inform response: empty document")
	}
	ns, err := learnNamespaces(root)
	if err != nil {
		return flags, err
	}

	if fault := ns.findEnvElement(root, "Fault"); fault != nil {
		if containsText(fault, "8005") {
			return flags, cwmp.Fault(cwmp.FaultACSRetryRequest)
		}
		return flags, fmt.Errorf("inform rejected by ACS fault")
	}

	flags.HoldRequests = ns.parseHoldRequests(root)
	flags.HoldValid = true

	// MaxEnvelopes is matched by local name: TR-069 responses carry it
	// unqualified.
	maxEnv := findElement(root, "MaxEnvelopes")
	if maxEnv == nil || maxEnv.Text() == "" {
		return flags, fmt.Errorf("inform response missing MaxEnvelopes")
	}
	return flags, nil
}

// BuildGetRPCMethods renders a GetRPCMethods request envelope with a fresh
// message ID.
func (c *Codec) BuildGetRPCMethods() ([]byte, error) {
	env := newEnvelope()
	env.setID(c.ids.Next())
	env.body.CreateElement(cwmpPrefix + ":GetRPCMethods")
	return env.bytes()
}

// ParseGetRPCMethodsResponse validates a GetRPCMethodsResponse envelope.
// An "8005" fault requests a resend; any other fault is tolerated and
// leaves the hold state unchanged.
func (c *Codec) ParseGetRPCMethodsResponse(msg []byte) (ResponseFlags, error) {
	return c.parseAcknowledgement(msg, "get rpc methods response")
}

// TransferCompleteData carries the fields of a TransferComplete request.
// StartTime and CompleteTime are wire-format timestamps.
type TransferCompleteData struct {
	CommandKey   string
	FaultCode    cwmp.FaultCode
	FaultString  string
	StartTime    string
	CompleteTime string
}

// BuildTransferComplete renders a TransferComplete envelope with a fresh
// message ID.
func (c *Codec) BuildTransferComplete(data TransferCompleteData) ([]byte, error) {
	env := newEnvelope()
	env.setID(c.ids.Next())

	tc := env.body.CreateElement(cwmpPrefix + ":TransferComplete")
	tc.CreateElement("CommandKey").SetText(data.CommandKey)
	fault := tc.CreateElement("FaultStruct")
	fault.CreateElement("FaultCode").SetText(strconv.Itoa(int(data.FaultCode)))
	fault.CreateElement("FaultString").SetText(data.FaultString)
	tc.CreateElement("StartTime").SetText(data.StartTime)
	tc.CreateElement("CompleteTime").SetText(data.CompleteTime)

	return env.bytes()
}

// ParseTransferCompleteResponse validates a TransferCompleteResponse
// envelope under the same rules as ParseGetRPCMethodsResponse.
func (c *Codec) ParseTransferCompleteResponse(msg []byte) (ResponseFlags, error) {
	return c.parseAcknowledgement(msg, "transfer complete response")
}

// parseAcknowledgement handles the replies the session only needs an
// acknowledgement from. Faults other than the ACS retry request do not
// fail the session.
func (c *Codec) parseAcknowledgement(msg []byte, what string) (ResponseFlags, error) {
	var flags ResponseFlags

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(msg); err != nil {
		return flags, fmt.Errorf("parse %s: %w", what, err)
	}
	root := doc.Root()
	if root == nil {
		return flags, fmt.Errorf("parse %s: empty document", what)
	}
	ns, err := learnNamespaces(root)
	if err != nil {
		return flags, err
	}

	if fault := ns.findEnvElement(root, "Fault"); fault != nil {
		if containsText(fault, "8005") {
			return flags, cwmp.Fault(cwmp.FaultACSRetryRequest)
		}
		return flags, nil
	}

	flags.HoldRequests = ns.parseHoldRequests(root)
	flags.HoldValid = true
	return flags, nil
}

// parseHoldRequests reads the session hold flag from a response. A
// HoldRequests element overrides NoMoreRequests when both are present.
func (ns namespaces) parseHoldRequests(root *etree.Element) bool {
	hold := false
	if el := ns.findCwmpElement(root, "NoMoreRequests"); el != nil {
		v, _ := strconv.Atoi(el.Text())
		hold = v != 0
	}
	if el := ns.findCwmpElement(root, "HoldRequests"); el != nil {
		v, _ := strconv.Atoi(el.Text())
		hold = v != 0
	}
	return hold
}
