// Package soap implements the CWMP SOAP codec: building the agent's
// Inform, GetRPCMethods and TransferComplete requests, parsing the ACS
// replies, and dispatching the ACS's own RPC requests to handler logic
// behind the Backend interface.
//
// Incoming envelopes may bind any prefixes to the well-known namespaces, so
// the codec learns the peer's prefixes from each message before matching
// elements. Outgoing envelopes always use the fixed prefixes soap_env,
// soap_enc, xsd, xsi and cwmp.
package soap

import (
	"errors"

	"github.com/beevik/etree"
)

const (
	soapEnvURL = "http://schemas.xmlsoap.org/soap/envelope/"
	soapEncURL = "http://schemas.xmlsoap.org/soap/encoding/"
	xsdURL     = "http://www.w3.org/2001/XMLSchema"
	xsiURL     = "http://www.w3.org/2001/XMLSchema-instance"
)

// cwmpURLs are the device-side CWMP namespace URNs, one per protocol
// version the agent accepts.
var cwmpURLs = []string{
	"urn:dslforum-org:cwmp-1-0",
	"urn:dslforum-org:cwmp-1-1",
	"urn:dslforum-org:cwmp-1-2",
}

// ErrNamespaces is returned when an envelope does not declare the SOAP
// envelope namespace and a CWMP namespace with explicit prefixes.
var ErrNamespaces = errors.New("soap: envelope namespaces not found")

// namespaces records the prefixes the peer bound to the well-known URIs.
// A peer may bind more than one prefix to the envelope namespace.
type namespaces struct {
	soapEnv []string
	soapEnc string
	xsd     string
	xsi     string
	cwmp    string
}

// learnNamespaces scans every element's attributes for xmlns:prefix
// declarations of the well-known URIs. Only prefixed declarations count;
// a default xmlns binding carries no prefix to match element names with.
func learnNamespaces(root *etree.Element) (namespaces, error) {
	var ns namespaces
	walkElements(root, func(el *etree.Element) bool {
		for _, attr := range el.Attr {
			if attr.Space != "xmlns" {
				continue
			}
			switch attr.Value {
			case soapEnvURL:
				ns.soapEnv = append(ns.soapEnv, attr.Key)
			case soapEncURL:
				if ns.soapEnc == "" {
					ns.soapEnc = attr.Key
				}
			case xsdURL:
				if ns.xsd == "" {
					ns.xsd = attr.Key
				}
			case xsiURL:
				if ns.xsi == "" {
					ns.xsi = attr.Key
				}
			default:
				if ns.cwmp == "" {
					for _, urn := range cwmpURLs {
						if attr.Value == urn {
							ns.cwmp = attr.Key
							break
						}
					}
				}
			}
		}
		return true
	})
	if len(ns.soapEnv) == 0 || ns.cwmp == "" {
		return ns, ErrNamespaces
	}
	return ns, nil
}

// isEnvPrefix reports whether space is one of the learned envelope
// prefixes.
func (ns namespaces) isEnvPrefix(space string) bool {
	for _, p := range ns.soapEnv {
		if p == space {
			return true
		}
	}
	return false
}

// findEnvElement returns the first element with the given local tag in the
// envelope namespace, in document order.
func (ns namespaces) findEnvElement(root *etree.Element, tag string) *etree.Element {
	var found *etree.Element
	walkElements(root, func(el *etree.Element) bool {
		if el.Tag == tag && ns.isEnvPrefix(el.Space) {
			found = el
			return false
		}
		return true
	})
	return found
}

// findCwmpElement returns the first element with the given local tag in the
// learned cwmp namespace, in document order.
func (ns namespaces) findCwmpElement(root *etree.Element, tag string) *etree.Element {
	var found *etree.Element
	walkElements(root, func(el *etree.Element) bool {
		if el.Tag == tag && el.Space == ns.cwmp {
			found = el
			return false
		}
		return true
	})
	return found
}

// walkElements visits el and its element descendants in document order.
// The visitor returns false to stop the walk.
func walkElements(el *etree.Element, visit func(*etree.Element) bool) bool {
	if !visit(el) {
		return false
	}
	for _, child := range el.ChildElements() {
		if !walkElements(child, visit) {
			return false
		}
	}
	return true
}

// findElement returns the first element with the given local tag in any
// namespace, in document order.
func findElement(root *etree.Element, tag string) *etree.Element {
	var found *etree.Element
	walkElements(root, func(el *etree.Element) bool {
		if el.Tag == tag {
			found = el
			return false
		}
		return true
	})
	return found
}

// containsText reports whether any character data in el's subtree equals
// text exactly.
func containsText(el *etree.Element, text string) bool {
	found := false
	walkElements(el, func(e *etree.Element) bool {
		for _, tok := range e.Child {
			if cd, ok := tok.(*etree.CharData); ok && cd.Data == text {
				found = true
				return false
			}
		}
		return true
	})
	return found
}
