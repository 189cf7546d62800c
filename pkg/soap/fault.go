package soap

import (
	"strconv"

	"github.com/beevik/etree"

	"github.com/cpeworks/cwmpd/pkg/cwmp"
)

// writeFault renders a SOAP fault into an outgoing body. The SOAP 1.1
// faultcode carries the fault class, the CWMP detail carries the numeric
// code, and the returned element is the cwmp:Fault node so callers can
// append per-parameter detail.
func writeFault(body *etree.Element, code cwmp.FaultCode) *etree.Element {
	fault := body.CreateElement(envPrefix + ":Fault")
	fault.CreateElement("faultcode").SetText(code.Class())
	fault.CreateElement("faultstring").SetText("CWMP fault")
	detail := fault.CreateElement("detail")

	cwmpFault := detail.CreateElement(cwmpPrefix + ":Fault")
	cwmpFault.CreateElement("FaultCode").SetText(strconv.Itoa(int(code)))
	cwmpFault.CreateElement("FaultString").SetText(code.Description())
	return cwmpFault
}

// writeSetValuesFault renders the SetParameterValues failure envelope:
// the transaction fault carrying one SetParameterValuesFault entry per
// rejected parameter.
func writeSetValuesFault(body *etree.Element, code cwmp.FaultCode, faults []ParameterFault) {
	cwmpFault := writeFault(body, code)
	for _, pf := range faults {
		entry := cwmpFault.CreateElement("SetParameterValuesFault")
		entry.CreateElement("ParameterName").SetText(pf.Name)
		entry.CreateElement("FaultCode").SetText(strconv.Itoa(int(pf.Code)))
		entry.CreateElement("FaultString").SetText(pf.Code.Description())
	}
}
