package soap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpeworks/cwmpd/pkg/cwmp"
)

func testInformData() InformData {
	return InformData{
		DeviceID: cwmp.DeviceID{
			Manufacturer: "cpeworks",
			OUI:          "FFFFFF",
			ProductClass: "router",
			SerialNumber: "SN0001",
		},
		Events: []cwmp.Event{
			{Code: cwmp.EventBoot},
			{Code: cwmp.EventMReboot, Key: "reboot-1"},
		},
		Parameters: []Parameter{
			{Name: "Device.DeviceInfo.SoftwareVersion", Value: "1.2.3", Type: "xsd:string"},
			{Name: "Device.ManagementServer.ConnectionRequestURL", Value: "http://10.0.0.2:7547/conn", Type: "xsd:string"},
		},
		RetryCount:  3,
		CurrentTime: "2024-06-01T10:00:00Z",
	}
}

func TestBuildInform(t *testing.T) {
	t.Parallel()

	t.Run("carries identity, events and parameters", func(t *testing.T) {
		t.Parallel()

		codec := NewCodec(nil, &IDSource{})

		out, err := codec.BuildInform(testInformData())
		require.NoError(t, err)

		root := parseDoc(t, string(out))
		assert.Equal(t, "soap_env", root.Space)
		assert.Equal(t, "Envelope", root.Tag)
		assert.Equal(t, outgoingCwmpURL, root.SelectAttrValue("xmlns:cwmp", ""))

		id := findElement(root, "ID")
		require.NotNil(t, id)
		assert.Equal(t, "1", id.Text())
		assert.Equal(t, "1", id.SelectAttrValue("soap_env:mustUnderstand", ""))

		inform := findElement(root, "Inform")
		require.NotNil(t, inform)
		assert.Equal(t, "cwmp", inform.Space)

		deviceID := findElement(inform, "DeviceId")
		require.NotNil(t, deviceID)
		assert.Equal(t, "cpeworks", deviceID.SelectElement("Manufacturer").Text())
		assert.Equal(t, "FFFFFF", deviceID.SelectElement("OUI").Text())
		assert.Equal(t, "router", deviceID.SelectElement("ProductClass").Text())
		assert.Equal(t, "SN0001", deviceID.SelectElement("SerialNumber").Text())

		events := findElement(inform, "Event")
		require.NotNil(t, events)
		assert.Equal(t, "cwmp:EventStruct[2]",
			events.SelectAttrValue("soap_enc:arrayType", ""))
		structs := events.SelectElements("EventStruct")
		require.Len(t, structs, 2)
		assert.Equal(t, "1 BOOT", structs[0].SelectElement("EventCode").Text())
		assert.Equal(t, "", structs[0].SelectElement("CommandKey").Text())
		assert.Equal(t, "M Reboot", structs[1].SelectElement("EventCode").Text())
		assert.Equal(t, "reboot-1", structs[1].SelectElement("CommandKey").Text())

		assert.Equal(t, "1", findElement(inform, "MaxEnvelopes").Text())
		assert.Equal(t, "2024-06-01T10:00:00Z", findElement(inform, "CurrentTime").Text())
		assert.Equal(t, "3", findElement(inform, "RetryCount").Text())

		list := findElement(inform, "ParameterList")
		require.NotNil(t, list)
		assert.Equal(t, "cwmp:ParameterValueStruct[2]",
			list.SelectAttrValue("soap_enc:arrayType", ""))
		values := list.SelectElements("ParameterValueStruct")
		require.Len(t, values, 2)
		assert.Equal(t, "Device.DeviceInfo.SoftwareVersion", values[0].SelectElement("Name").Text())
		assert.Equal(t, "1.2.3", values[0].SelectElement("Value").Text())
		assert.Equal(t, "xsd:string", values[0].SelectElement("Value").SelectAttrValue("xsi:type", ""))
	})

	t.Run("omits the event array type when no events are queued", func(t *testing.T) {
		t.Parallel()

		codec := NewCodec(nil, &IDSource{})
		data := testInformData()
		data.Events = nil

		out, err := codec.BuildInform(data)
		require.NoError(t, err)

		events := findElement(parseDoc(t, string(out)), "Event")
		require.NotNil(t, events)
		assert.Empty(t, events.SelectAttrValue("soap_enc:arrayType", ""))
		assert.Empty(t, events.ChildElements())
	})

	t.Run("appends notifications the parameters do not already cover", func(t *testing.T) {
		t.Parallel()

		codec := NewCodec(nil, &IDSource{})
		data := testInformData()
		data.Notifications = []cwmp.Notification{
			// Already present among the inform parameters, must not repeat.
			{Parameter: "Device.DeviceInfo.SoftwareVersion", Value: "9.9.9", Type: "xsd:string"},
			{Parameter: "Device.WiFi.SSID.1.SSID", Value: "lab", Type: "xsd:string"},
		}

		out, err := codec.BuildInform(data)
		require.NoError(t, err)

		list := findElement(parseDoc(t, string(out)), "ParameterList")
		require.NotNil(t, list)
		assert.Equal(t, "cwmp:ParameterValueStruct[3]",
			list.SelectAttrValue("soap_enc:arrayType", ""))

		values := list.SelectElements("ParameterValueStruct")
		require.Len(t, values, 3)
		assert.Equal(t, "1.2.3", values[0].SelectElement("Value").Text(),
			"the inform parameter value wins over the notification")
		assert.Equal(t, "Device.WiFi.SSID.1.SSID", values[2].SelectElement("Name").Text())
		assert.Equal(t, "lab", values[2].SelectElement("Value").Text())
	})

	t.Run("message ids increase across builds", func(t *testing.T) {
		t.Parallel()

		codec := NewCodec(nil, &IDSource{})

		first, err := codec.BuildInform(testInformData())
		require.NoError(t, err)
		second, err := codec.BuildGetRPCMethods()
		require.NoError(t, err)

		assert.Equal(t, "1", findElement(parseDoc(t, string(first)), "ID").Text())
		assert.Equal(t, "2", findElement(parseDoc(t, string(second)), "ID").Text())
	})
}

func TestParseInformResponse(t *testing.T) {
	t.Parallel()

	codec := NewCodec(nil, &IDSource{})

	informResponse := func(extra string) string {
		return `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"
			xmlns:cwmp="urn:dslforum-org:cwmp-1-0">
			<soap:Header><cwmp:ID soap:mustUnderstand="1">1</cwmp:ID></soap:Header>
			<soap:Body><cwmp:InformResponse>` + extra +
			`<MaxEnvelopes>1</MaxEnvelopes></cwmp:InformResponse></soap:Body></soap:Envelope>`
	}

	t.Run("accepts a valid response", func(t *testing.T) {
		t.Parallel()

		flags, err := codec.ParseInformResponse([]byte(informResponse("")))
		require.NoError(t, err)

		assert.False(t, flags.HoldRequests)
		assert.True(t, flags.HoldValid)
	})

	t.Run("reads the hold flag", func(t *testing.T) {
		t.Parallel()

		flags, err := codec.ParseInformResponse([]byte(informResponse(
			"<cwmp:HoldRequests>1</cwmp:HoldRequests>")))
		require.NoError(t, err)

		assert.True(t, flags.HoldRequests)
		assert.True(t, flags.HoldValid)
	})

	t.Run("reads NoMoreRequests as the hold flag", func(t *testing.T) {
		t.Parallel()

		flags, err := codec.ParseInformResponse([]byte(informResponse(
			"<cwmp:NoMoreRequests>1</cwmp:NoMoreRequests>")))
		require.NoError(t, err)

		assert.True(t, flags.HoldRequests)
	})

	t.Run("HoldRequests wins over NoMoreRequests", func(t *testing.T) {
		t.Parallel()

		flags, err := codec.ParseInformResponse([]byte(informResponse(
			"<cwmp:NoMoreRequests>1</cwmp:NoMoreRequests><cwmp:HoldRequests>0</cwmp:HoldRequests>")))
		require.NoError(t, err)

		assert.False(t, flags.HoldRequests)
	})

	t.Run("ignores hold elements outside the cwmp namespace", func(t *testing.T) {
		t.Parallel()

		flags, err := codec.ParseInformResponse([]byte(informResponse(
			"<HoldRequests>1</HoldRequests>")))
		require.NoError(t, err)

		assert.False(t, flags.HoldRequests)
	})

	t.Run("surfaces the ACS retry-request fault", func(t *testing.T) {
		t.Parallel()

		msg := `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"
			xmlns:cwmp="urn:dslforum-org:cwmp-1-0"><soap:Body><soap:Fault>
			<faultcode>Server</faultcode><detail><cwmp:Fault>
			<FaultCode>8005</FaultCode><FaultString>Retry request</FaultString>
			</cwmp:Fault></detail></soap:Fault></soap:Body></soap:Envelope>`

		_, err := codec.ParseInformResponse([]byte(msg))

		assert.Equal(t, cwmp.FaultACSRetryRequest, cwmp.FaultOf(err))
	})

	t.Run("rejects any other fault", func(t *testing.T) {
		t.Parallel()

		msg := `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"
			xmlns:cwmp="urn:dslforum-org:cwmp-1-0"><soap:Body><soap:Fault>
			<faultcode>Server</faultcode><detail><cwmp:Fault>
			<FaultCode>8001</FaultCode></cwmp:Fault></detail></soap:Fault>
			</soap:Body></soap:Envelope>`

		_, err := codec.ParseInformResponse([]byte(msg))

		require.Error(t, err)
		assert.Equal(t, cwmp.FaultNone, cwmp.FaultOf(err))
	})

	t.Run("requires MaxEnvelopes", func(t *testing.T) {
		t.Parallel()

		msg := `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"
			xmlns:cwmp="urn:dslforum-org:cwmp-1-0"><soap:Body>
			<cwmp:InformResponse/></soap:Body></soap:Envelope>`

		_, err := codec.ParseInformResponse([]byte(msg))

		assert.Error(t, err)
	})

	t.Run("requires learnable namespaces", func(t *testing.T) {
		t.Parallel()

		msg := `<Envelope><Body><InformResponse>
			<MaxEnvelopes>1</MaxEnvelopes></InformResponse></Body></Envelope>`

		_, err := codec.ParseInformResponse([]byte(msg))

		assert.ErrorIs(t, err, ErrNamespaces)
	})

	t.Run("rejects malformed XML", func(t *testing.T) {
		t.Parallel()

		_, err := codec.ParseInformResponse([]byte("<not-xml"))

		assert.Error(t, err)
	})
}

func TestParseAcknowledgements(t *testing.T) {
	t.Parallel()

	codec := NewCodec(nil, &IDSource{})

	faultMsg := func(code string) string {
		return `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"
			xmlns:cwmp="urn:dslforum-org:cwmp-1-0"><soap:Body><soap:Fault>
			<detail><cwmp:Fault><FaultCode>` + code + `</FaultCode></cwmp:Fault></detail>
			</soap:Fault></soap:Body></soap:Envelope>`
	}

	t.Run("accepts an empty-body style response", func(t *testing.T) {
		t.Parallel()

		msg := `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"
			xmlns:cwmp="urn:dslforum-org:cwmp-1-0"><soap:Body>
			<cwmp:GetRPCMethodsResponse/></soap:Body></soap:Envelope>`

		flags, err := codec.ParseGetRPCMethodsResponse([]byte(msg))
		require.NoError(t, err)

		assert.True(t, flags.HoldValid)
		assert.False(t, flags.HoldRequests)
	})

	t.Run("requests a resend on the 8005 fault", func(t *testing.T) {
		t.Parallel()

		_, err := codec.ParseGetRPCMethodsResponse([]byte(faultMsg("8005")))

		assert.Equal(t, cwmp.FaultACSRetryRequest, cwmp.FaultOf(err))
	})

	t.Run("tolerates other faults and leaves hold state alone", func(t *testing.T) {
		t.Parallel()

		flags, err := codec.ParseTransferCompleteResponse([]byte(faultMsg("8003")))
		require.NoError(t, err)

		assert.False(t, flags.HoldValid)
	})

	t.Run("reads the hold flag on success", func(t *testing.T) {
		t.Parallel()

		msg := `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"
			xmlns:cwmp="urn:dslforum-org:cwmp-1-0"><soap:Body>
			<cwmp:TransferCompleteResponse/>
			<cwmp:HoldRequests>1</cwmp:HoldRequests></soap:Body></soap:Envelope>`

		flags, err := codec.ParseTransferCompleteResponse([]byte(msg))
		require.NoError(t, err)

		assert.True(t, flags.HoldValid)
		assert.True(t, flags.HoldRequests)
	})
}

func TestBuildGetRPCMethods(t *testing.T) {
	t.Parallel()

	codec := NewCodec(nil, &IDSource{})

	out, err := codec.BuildGetRPCMethods()
	require.NoError(t, err)

	root := parseDoc(t, string(out))
	req := findElement(root, "GetRPCMethods")
	require.NotNil(t, req)
	assert.Equal(t, "cwmp", req.Space)
	assert.Empty(t, req.ChildElements())
	assert.Equal(t, "1", findElement(root, "ID").Text())
}

func TestBuildTransferComplete(t *testing.T) {
	t.Parallel()

	codec := NewCodec(nil, &IDSource{})

	out, err := codec.BuildTransferComplete(TransferCompleteData{
		CommandKey:   "fw-upgrade",
		FaultCode:    cwmp.FaultDownloadFailure,
		FaultString:  "Download failure",
		StartTime:    "2024-06-01T10:00:00Z",
		CompleteTime: "2024-06-01T10:05:00Z",
	})
	require.NoError(t, err)

	root := parseDoc(t, string(out))
	tc := findElement(root, "TransferComplete")
	require.NotNil(t, tc)
	assert.Equal(t, "cwmp", tc.Space)
	assert.Equal(t, "fw-upgrade", tc.SelectElement("CommandKey").Text())

	fault := tc.SelectElement("FaultStruct")
	require.NotNil(t, fault)
	assert.Equal(t, "9010", fault.SelectElement("FaultCode").Text())
	assert.Equal(t, "Download failure", fault.SelectElement("FaultString").Text())

	assert.Equal(t, "2024-06-01T10:00:00Z", tc.SelectElement("StartTime").Text())
	assert.Equal(t, "2024-06-01T10:05:00Z", tc.SelectElement("CompleteTime").Text())
}

func TestBuildTransferCompleteSuccess(t *testing.T) {
	t.Parallel()

	codec := NewCodec(nil, &IDSource{})

	out, err := codec.BuildTransferComplete(TransferCompleteData{
		CommandKey:   "cfg",
		FaultCode:    cwmp.FaultNone,
		StartTime:    "2024-06-01T10:00:00Z",
		CompleteTime: "2024-06-01T10:00:30Z",
	})
	require.NoError(t, err)

	fault := findElement(parseDoc(t, string(out)), "FaultStruct")
	require.NotNil(t, fault)
	assert.Equal(t, "0", fault.SelectElement("FaultCode").Text())
	assert.Equal(t, "", fault.SelectElement("FaultString").Text())
}
