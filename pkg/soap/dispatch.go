package soap

import (
	"context"
	"fmt"
	neturl "net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/cpeworks/cwmpd/internal/logger"
	"github.com/cpeworks/cwmpd/pkg/cwmp"
)

// MethodNames lists the RPC methods the agent implements, in the order
// reported by GetRPCMethodsResponse.
var MethodNames = []string{
	"GetRPCMethods",
	"SetParameterValues",
	"GetParameterValues",
	"GetParameterNames",
	"GetParameterAttributes",
	"SetParameterAttributes",
	"AddObject",
	"DeleteObject",
	"Download",
	"Upload",
	"Reboot",
	"FactoryReset",
	"ScheduleInform",
}

// Codec builds and parses CWMP envelopes for one session at a time and
// dispatches ACS requests to the backend.
type Codec struct {
	backend Backend
	ids     *IDSource
}

// NewCodec creates a Codec driving backend. The IDSource is shared so
// message IDs stay monotonic across sessions.
func NewCodec(backend Backend, ids *IDSource) *Codec {
	return &Codec{backend: backend, ids: ids}
}

// HandleResult describes the outcome of dispatching one ACS request.
type HandleResult struct {
	// Method is the RPC name, empty when the request never reached
	// dispatch.
	Method string
	// Fault is the CWMP fault reported back, zero on success.
	Fault cwmp.FaultCode
	// Body is the reply envelope to post back to the ACS.
	Body []byte
}

// HandleMessage dispatches one ACS request envelope and builds the reply.
//
// Malformed XML fails the session. Envelopes that parse but cannot be
// dispatched (missing namespaces, missing body, a request outside the
// cwmp namespace) are answered with an invalid-arguments fault; unknown
// methods with method-not-supported. The ACS's message ID is echoed
// verbatim when present.
//
// Parameters:
//   - ctx: carries cancellation into backend calls
//   - msg: the raw request envelope
//
// Returns:
//   - HandleResult: the reply envelope plus dispatch outcome
//   - error: if the request cannot be parsed or the reply not serialized
func (c *Codec) HandleMessage(ctx context.Context, msg []byte) (HandleResult, error) {
	var res HandleResult

	in := etree.NewDocument()
	if err := in.ReadFromBytes(msg); err != nil {
		return res, fmt.Errorf("parse ACS request: %w", err)
	}
	root := in.Root()
	if root == nil {
		return res, fmt.Errorf("parse ACS request: empty document")
	}

	env := newEnvelope()

	ns, err := learnNamespaces(root)
	if err != nil {
		return c.finish(env, res, cwmp.FaultInvalidArguments)
	}

	if id := ns.findCwmpElement(root, "ID"); id != nil {
		env.setID(id.Text())
	}

	body := ns.findEnvElement(root, "Body")
	if body == nil {
		return c.finish(env, res, cwmp.FaultInvalidArguments)
	}
	children := body.ChildElements()
	if len(children) == 0 {
		return c.finish(env, res, cwmp.FaultInvalidArguments)
	}
	req := children[0]
	if req.Space != ns.cwmp {
		return c.finish(env, res, cwmp.FaultInvalidArguments)
	}
	res.Method = req.Tag

	logger.Info("Received RPC request from the ACS", "method", req.Tag)

	var fault cwmp.FaultCode
	switch req.Tag {
	case "GetRPCMethods":
		fault = c.handleGetRPCMethods(env.body)
	case "SetParameterValues":
		fault = c.handleSetParameterValues(ctx, req, env.body)
	case "GetParameterValues":
		fault = c.handleGetParameterValues(ctx, req, env.body)
	case "GetParameterNames":
		fault = c.handleGetParameterNames(ctx, req, env.body)
	case "GetParameterAttributes":
		fault = c.handleGetParameterAttributes(ctx, req, env.body)
	case "SetParameterAttributes":
		fault = c.handleSetParameterAttributes(ctx, req, env.body)
	case "AddObject":
		fault = c.handleAddObject(ctx, req, env.body)
	case "DeleteObject":
		fault = c.handleDeleteObject(ctx, req, env.body)
	case "Download":
		fault = c.handleDownload(ctx, req, env.body)
	case "Upload":
		fault = c.handleUpload(ctx, req, env.body)
	case "Reboot":
		fault = c.handleReboot(ctx, req, env.body)
	case "FactoryReset":
		fault = c.handleFactoryReset(ctx, env.body)
	case "ScheduleInform":
		fault = c.handleScheduleInform(ctx, req, env.body)
	default:
		fault = cwmp.FaultMethodNotSupported
	}

	return c.finish(env, res, fault)
}

// finish writes the generic fault when a handler reported one without
// rendering its own, then serializes the reply.
func (c *Codec) finish(env envelope, res HandleResult, fault cwmp.FaultCode) (HandleResult, error) {
	res.Fault = fault
	if fault != cwmp.FaultNone && len(env.body.ChildElements()) == 0 {
		writeFault(env.body, fault)
	}
	out, err := env.bytes()
	if err != nil {
		return res, fmt.Errorf("serialize reply for %q: %w", res.Method, err)
	}
	res.Body = out
	return res, nil
}

// backendFault maps a backend error to the fault reported to the ACS.
func backendFault(err error) cwmp.FaultCode {
	if code := cwmp.FaultOf(err); code != cwmp.FaultNone {
		return code
	}
	return cwmp.FaultInternalError
}

// ====================================================================
// Handlers
// ====================================================================

func (c *Codec) handleGetRPCMethods(body *etree.Element) cwmp.FaultCode {
	resp := body.CreateElement(cwmpPrefix + ":GetRPCMethodsResponse")
	list := resp.CreateElement("MethodList")
	for _, name := range MethodNames {
		list.CreateElement("string").SetText(name)
	}
	list.CreateAttr(encPrefix+":arrayType",
		fmt.Sprintf("xsd:string[%d]", len(MethodNames)))
	return cwmp.FaultNone
}

func (c *Codec) handleSetParameterValues(ctx context.Context, req, body *etree.Element) cwmp.FaultCode {
	if hasDuplicateNames(req) {
		writeSetValuesFault(body, cwmp.FaultInvalidArguments, nil)
		return cwmp.FaultInvalidArguments
	}

	var (
		values       []SetValue
		name, value  *string
		parameterKey string
	)
	walkElements(req, func(el *etree.Element) bool {
		switch el.Tag {
		case "Name":
			t := el.Text()
			name = &t
		case "Value":
			t := el.Text()
			value = &t
		case "ParameterKey":
			parameterKey = el.Text()
		}
		if name != nil && value != nil {
			values = append(values, SetValue{Name: *name, Value: *value})
			name, value = nil, nil
		}
		return true
	})

	status, faults, err := c.backend.SetParameterValues(ctx, values, parameterKey)
	if err != nil {
		code := backendFault(err)
		writeSetValuesFault(body, code, faults)
		return code
	}
	if len(faults) > 0 {
		writeSetValuesFault(body, cwmp.FaultInvalidArguments, faults)
		return cwmp.FaultInvalidArguments
	}
	if status == "" {
		writeSetValuesFault(body, cwmp.FaultInternalError, nil)
		return cwmp.FaultInternalError
	}

	resp := body.CreateElement(cwmpPrefix + ":SetParameterValuesResponse")
	resp.CreateElement("Status").SetText(status)
	return cwmp.FaultNone
}

func (c *Codec) handleGetParameterValues(ctx context.Context, req, body *etree.Element) cwmp.FaultCode {
	var params []Parameter
	fault := cwmp.FaultNone
	walkElements(req, func(el *etree.Element) bool {
		if el.Tag != "string" {
			return true
		}
		got, err := c.backend.GetParameterValues(ctx, el.Text())
		if err != nil {
			fault = backendFault(err)
			return false
		}
		params = append(params, got...)
		return true
	})
	if fault != cwmp.FaultNone {
		return fault
	}

	resp := body.CreateElement(cwmpPrefix + ":GetParameterValuesResponse")
	list := resp.CreateElement("ParameterList")
	for _, p := range params {
		addParameterValue(list, p.Name, p.Value, p.Type)
	}
	list.CreateAttr(encPrefix+":arrayType",
		fmt.Sprintf("cwmp:ParameterValueStruct[%d]", len(params)))
	return cwmp.FaultNone
}

func (c *Codec) handleGetParameterNames(ctx context.Context, req, body *etree.Element) cwmp.FaultCode {
	var path, nextLevel *string
	walkElements(req, func(el *etree.Element) bool {
		switch el.Tag {
		case "ParameterPath":
			t := el.Text()
			path = &t
		case "NextLevel":
			t := el.Text()
			nextLevel = &t
		}
		return true
	})

	// Both arguments must be present to consult the data model; the
	// response list stays empty otherwise.
	var infos []ParameterInfo
	if path != nil && nextLevel != nil {
		var err error
		infos, err = c.backend.GetParameterNames(ctx, *path, *nextLevel)
		if err != nil {
			return backendFault(err)
		}
	}

	resp := body.CreateElement(cwmpPrefix + ":GetParameterNamesResponse")
	list := resp.CreateElement("ParameterList")
	for _, info := range infos {
		st := list.CreateElement("ParameterInfoStruct")
		st.CreateElement("Name").SetText(info.Name)
		st.CreateElement("Writable").SetText(info.Writable)
	}
	list.CreateAttr(encPrefix+":arrayType",
		fmt.Sprintf("cwmp:ParameterInfoStruct[%d]", len(infos)))
	return cwmp.FaultNone
}

func (c *Codec) handleGetParameterAttributes(ctx context.Context, req, body *etree.Element) cwmp.FaultCode {
	var attrs []ParameterAttribute
	fault := cwmp.FaultNone
	walkElements(req, func(el *etree.Element) bool {
		if el.Tag != "string" {
			return true
		}
		got, err := c.backend.GetParameterAttributes(ctx, el.Text())
		if err != nil {
			fault = backendFault(err)
			return false
		}
		attrs = append(attrs, got...)
		return true
	})
	if fault != cwmp.FaultNone {
		return fault
	}

	resp := body.CreateElement(cwmpPrefix + ":GetParameterAttributesResponse")
	list := resp.CreateElement("ParameterList")
	for _, a := range attrs {
		st := list.CreateElement("ParameterAttributeStruct")
		st.CreateElement("Name").SetText(a.Name)
		st.CreateElement("Notification").SetText(a.Notification)
		st.CreateElement("AccessList")
	}
	list.CreateAttr(encPrefix+":arrayType",
		fmt.Sprintf("cwmp:ParameterAttributeStruct[%d]", len(attrs)))
	return cwmp.FaultNone
}

func (c *Codec) handleSetParameterAttributes(ctx context.Context, req, body *etree.Element) cwmp.FaultCode {
	var (
		changes      []AttributeChange
		updateWanted bool
		name, notif  *string
	)
	walkElements(req, func(el *etree.Element) bool {
		switch el.Tag {
		case "SetParameterAttributesStruct":
			updateWanted = false
			name, notif = nil, nil
		case "Name":
			t := el.Text()
			name = &t
		case "NotificationChange":
			updateWanted = parseNotificationChange(el.Text())
		case "Notification":
			t := el.Text()
			notif = &t
		}
		if updateWanted && name != nil && notif != nil {
			changes = append(changes, AttributeChange{Name: *name, Notification: *notif})
			updateWanted = false
			name, notif = nil, nil
		}
		return true
	})

	if err := c.backend.SetParameterAttributes(ctx, changes); err != nil {
		return backendFault(err)
	}

	body.CreateElement(cwmpPrefix + ":SetParameterAttributesResponse")
	return cwmp.FaultNone
}

func (c *Codec) handleDownload(ctx context.Context, req, body *etree.Element) cwmp.FaultCode {
	var url, fileSize, commandKey, fileType, username, password *string
	delay := -1
	walkElements(req, func(el *etree.Element) bool {
		switch el.Tag {
		case "CommandKey":
			t := el.Text()
			commandKey = &t
		case "FileType":
			if t := el.Text(); t != "" {
				fileType = &t
			}
		case "URL":
			if t := el.Text(); t != "" {
				url = &t
			}
		case "Username":
			t := el.Text()
			username = &t
		case "Password":
			t := el.Text()
			password = &t
		case "FileSize":
			t := el.Text()
			if t == "" {
				t = "0"
			}
			fileSize = &t
		case "DelaySeconds":
			if t := el.Text(); t != "" {
				delay, _ = strconv.Atoi(t)
			}
		}
		return true
	})

	if url == nil || fileSize == nil || commandKey == nil || fileType == nil ||
		username == nil || password == nil || delay < 0 {
		return cwmp.FaultInvalidArguments
	}
	if !validTransferURL(*url) {
		return cwmp.FaultInvalidArguments
	}

	err := c.backend.ScheduleTransfer(ctx, TransferRequest{
		CommandKey: *commandKey,
		FileType:   *fileType,
		URL:        *url,
		Username:   *username,
		Password:   *password,
		FileSize:   *fileSize,
		Delay:      time.Duration(delay) * time.Second,
	})
	if err != nil {
		return backendFault(err)
	}

	writeTransferResponse(body, "DownloadResponse")
	return cwmp.FaultNone
}

func (c *Codec) handleUpload(ctx context.Context, req, body *etree.Element) cwmp.FaultCode {
	var url, commandKey, fileType, username, password *string
	delay := -1
	walkElements(req, func(el *etree.Element) bool {
		switch el.Tag {
		case "CommandKey":
			t := el.Text()
			commandKey = &t
		case "FileType":
			if t := el.Text(); t != "" {
				fileType = &t
			}
		case "URL":
			if t := el.Text(); t != "" {
				url = &t
			}
		case "Username":
			t := el.Text()
			username = &t
		case "Password":
			t := el.Text()
			password = &t
		case "DelaySeconds":
			if t := el.Text(); t != "" {
				delay, _ = strconv.Atoi(t)
			}
		}
		return true
	})

	if url == nil || commandKey == nil || fileType == nil ||
		username == nil || password == nil || delay < 0 {
		return cwmp.FaultInvalidArguments
	}
	if !validTransferURL(*url) {
		return cwmp.FaultInvalidArguments
	}

	err := c.backend.ScheduleTransfer(ctx, TransferRequest{
		Upload:     true,
		CommandKey: *commandKey,
		FileType:   *fileType,
		URL:        *url,
		Username:   *username,
		Password:   *password,
		Delay:      time.Duration(delay) * time.Second,
	})
	if err != nil {
		return backendFault(err)
	}

	writeTransferResponse(body, "UploadResponse")
	return cwmp.FaultNone
}

func (c *Codec) handleReboot(ctx context.Context, req, body *etree.Element) cwmp.FaultCode {
	var commandKey *string
	walkElements(req, func(el *etree.Element) bool {
		if el.Tag == "CommandKey" {
			t := el.Text()
			commandKey = &t
		}
		return true
	})
	if commandKey == nil {
		return cwmp.FaultInvalidArguments
	}

	if err := c.backend.Reboot(ctx, *commandKey); err != nil {
		return backendFault(err)
	}

	body.CreateElement(cwmpPrefix + ":RebootResponse")
	return cwmp.FaultNone
}

func (c *Codec) handleFactoryReset(ctx context.Context, body *etree.Element) cwmp.FaultCode {
	if err := c.backend.FactoryReset(ctx); err != nil {
		return backendFault(err)
	}
	body.CreateElement(cwmpPrefix + ":FactoryResetResponse")
	return cwmp.FaultNone
}

func (c *Codec) handleScheduleInform(ctx context.Context, req, body *etree.Element) cwmp.FaultCode {
	var commandKey *string
	delay := 0
	walkElements(req, func(el *etree.Element) bool {
		switch el.Tag {
		case "CommandKey":
			t := el.Text()
			commandKey = &t
		case "DelaySeconds":
			if t := el.Text(); t != "" {
				delay, _ = strconv.Atoi(t)
			}
		}
		return true
	})

	if commandKey == nil || delay <= 0 {
		return cwmp.FaultInvalidArguments
	}
	if err := c.backend.ScheduleInform(ctx, *commandKey, time.Duration(delay)*time.Second); err != nil {
		return backendFault(err)
	}

	body.CreateElement(cwmpPrefix + ":ScheduleInformResponse")
	return cwmp.FaultNone
}

func (c *Codec) handleAddObject(ctx context.Context, req, body *etree.Element) cwmp.FaultCode {
	objectName, parameterKey := parseObjectArgs(req)
	if parameterKey == nil {
		return cwmp.FaultInvalidArguments
	}
	if objectName == nil {
		return cwmp.FaultInvalidArguments
	}

	instance, status, err := c.backend.AddObject(ctx, *objectName, *parameterKey)
	if err != nil {
		return backendFault(err)
	}
	if status == "" || instance == "" {
		return cwmp.FaultInternalError
	}

	resp := body.CreateElement(cwmpPrefix + ":AddObjectResponse")
	resp.CreateElement("InstanceNumber").SetText(instance)
	resp.CreateElement("Status").SetText(status)
	return cwmp.FaultNone
}

func (c *Codec) handleDeleteObject(ctx context.Context, req, body *etree.Element) cwmp.FaultCode {
	objectName, parameterKey := parseObjectArgs(req)
	if parameterKey == nil {
		return cwmp.FaultInvalidArguments
	}
	if objectName == nil {
		return cwmp.FaultInvalidArguments
	}

	status, err := c.backend.DeleteObject(ctx, *objectName, *parameterKey)
	if err != nil {
		return backendFault(err)
	}
	if status == "" {
		return cwmp.FaultInternalError
	}

	resp := body.CreateElement(cwmpPrefix + ":DeleteObjectResponse")
	resp.CreateElement("Status").SetText(status)
	return cwmp.FaultNone
}

// ====================================================================
// Parsing helpers
// ====================================================================

// hasDuplicateNames reports whether two Name elements in the request
// subtree carry the same text.
func hasDuplicateNames(req *etree.Element) bool {
	seen := make(map[string]struct{})
	dup := false
	walkElements(req, func(el *etree.Element) bool {
		if el.Tag != "Name" {
			return true
		}
		name := el.Text()
		if _, ok := seen[name]; ok {
			dup = true
			return false
		}
		seen[name] = struct{}{}
		return true
	})
	return dup
}

// parseNotificationChange reads a NotificationChange flag: the literals
// "true" and "false" in any case, or a numeric value.
func parseNotificationChange(text string) bool {
	switch {
	case strings.EqualFold(text, "true"):
		return true
	case strings.EqualFold(text, "false"):
		return false
	default:
		v, _ := strconv.Atoi(text)
		return v != 0
	}
}

// parseObjectArgs extracts the ObjectName and ParameterKey arguments of
// AddObject and DeleteObject. nil marks a missing argument.
func parseObjectArgs(req *etree.Element) (objectName, parameterKey *string) {
	walkElements(req, func(el *etree.Element) bool {
		switch el.Tag {
		case "ObjectName":
			t := el.Text()
			objectName = &t
		case "ParameterKey":
			t := el.Text()
			parameterKey = &t
		}
		return true
	})
	return objectName, parameterKey
}

// transferSchemeRe accepts URLs of the form scheme://rest with a
// non-empty rest.
var transferSchemeRe = regexp.MustCompile(`^[A-Za-z0-9_]+://.`)

// validTransferURL applies the transfer URL policy: a well-formed scheme
// and no credentials embedded in the authority. A ":...@" sequence in
// the path or query is not userinfo and passes.
func validTransferURL(rawURL string) bool {
	if !transferSchemeRe.MatchString(rawURL) {
		return false
	}
	u, err := neturl.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.User == nil
}

// writeTransferResponse renders the immediate reply to a Download or
// Upload request: the transfer is queued, so both times stay unknown.
func writeTransferResponse(body *etree.Element, name string) {
	resp := body.CreateElement(cwmpPrefix + ":" + name)
	resp.CreateElement("Status").SetText("1")
	resp.CreateElement("StartTime").SetText(cwmp.UnknownTime)
	resp.CreateElement("CompleteTime").SetText(cwmp.UnknownTime)
}
