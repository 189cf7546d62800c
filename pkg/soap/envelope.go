package soap

import (
	"strconv"
	"sync/atomic"

	"github.com/beevik/etree"
)

// Fixed prefixes for outgoing envelopes.
const (
	envPrefix  = "soap_env"
	encPrefix  = "soap_enc"
	xsdPrefix  = "xsd"
	xsiPrefix  = "xsi"
	cwmpPrefix = "cwmp"
)

// outgoingCwmpURL is the CWMP namespace the agent declares on messages it
// builds. Incoming messages may use any of the cwmpURLs versions.
const outgoingCwmpURL = "urn:dslforum-org:cwmp-1-2"

// IDSource issues cwmp:ID values for agent-initiated messages: an
// unsigned counter rendered in decimal, starting at 1.
type IDSource struct {
	n atomic.Uint64
}

// Next returns the next message ID.
func (s *IDSource) Next() string {
	return strconv.FormatUint(s.n.Add(1), 10)
}

// envelope is an outgoing SOAP envelope under construction.
type envelope struct {
	doc  *etree.Document
	id   *etree.Element
	body *etree.Element
}

// newEnvelope builds the outgoing envelope skeleton with the fixed
// namespace declarations and an empty cwmp:ID header.
func newEnvelope() envelope {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement(envPrefix + ":Envelope")
	env.CreateAttr("xmlns:"+envPrefix, soapEnvURL)
	env.CreateAttr("xmlns:"+encPrefix, soapEncURL)
	env.CreateAttr("xmlns:"+xsdPrefix, xsdURL)
	env.CreateAttr("xmlns:"+xsiPrefix, xsiURL)
	env.CreateAttr("xmlns:"+cwmpPrefix, outgoingCwmpURL)

	header := env.CreateElement(envPrefix + ":Header")
	id := header.CreateElement(cwmpPrefix + ":ID")
	id.CreateAttr(envPrefix+":mustUnderstand", "1")

	body := env.CreateElement(envPrefix + ":Body")

	return envelope{doc: doc, id: id, body: body}
}

// setID sets the cwmp:ID header text. An empty id leaves the header
// element empty, which is what a reply to an ID-less request carries.
func (e envelope) setID(id string) {
	if id != "" {
		e.id.SetText(id)
	}
}

// bytes serializes the envelope.
func (e envelope) bytes() ([]byte, error) {
	return e.doc.WriteToBytes()
}
