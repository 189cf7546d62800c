package agent

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpeworks/cwmpd/pkg/cwmp"
	"github.com/cpeworks/cwmpd/pkg/datamodel"
)

// acsScript is an in-process ACS: each POST pops the next scripted reply,
// and any POST past the script's end is answered 204, which ends the
// session.
type acsScript struct {
	url string

	mu       sync.Mutex
	replies  [][]byte
	requests [][]byte
}

func scriptedACS(t *testing.T, replies ...string) *acsScript {
	t.Helper()

	s := &acsScript{}
	for _, r := range replies {
		s.replies = append(s.replies, []byte(r))
	}
	srv := httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(srv.Close)
	s.url = srv.URL
	return s
}

func (s *acsScript) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.requests = append(s.requests, body)
	var reply []byte
	if len(s.replies) > 0 {
		reply = s.replies[0]
		s.replies = s.replies[1:]
	}
	s.mu.Unlock()

	if len(reply) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	w.Write(reply)
}

func (s *acsScript) posts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *acsScript) request(t *testing.T, i int) []byte {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Less(t, i, len(s.requests))
	return s.requests[i]
}

func informResponse(extra string) string {
	return `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"
		xmlns:cwmp="urn:dslforum-org:cwmp-1-0">
		<soap:Header><cwmp:ID soap:mustUnderstand="1">1</cwmp:ID></soap:Header>
		<soap:Body><cwmp:InformResponse>` + extra +
		`<MaxEnvelopes>1</MaxEnvelopes></cwmp:InformResponse></soap:Body></soap:Envelope>`
}

func acsFault(code string) string {
	return `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"
		xmlns:cwmp="urn:dslforum-org:cwmp-1-0"><soap:Body><soap:Fault>
		<faultcode>Server</faultcode><detail><cwmp:Fault><FaultCode>` + code +
		`</FaultCode></cwmp:Fault></detail></soap:Fault></soap:Body></soap:Envelope>`
}

func acsResponse(rpc string) string {
	return `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"
		xmlns:cwmp="urn:dslforum-org:cwmp-1-0"><soap:Body><cwmp:` + rpc +
		`Response/></soap:Body></soap:Envelope>`
}

func acsRPC(inner string) string {
	return `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"
		xmlns:cwmp="urn:dslforum-org:cwmp-1-0">
		<soap:Header><cwmp:ID soap:mustUnderstand="1">acs-1</cwmp:ID></soap:Header>
		<soap:Body>` + inner + `</soap:Body></soap:Envelope>`
}

func parseEnvelope(t *testing.T, body []byte) *etree.Element {
	t.Helper()

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(body))
	root := doc.Root()
	require.NotNil(t, root)
	return root
}

// findElement returns the first element with the given tag, depth first.
func findElement(root *etree.Element, tag string) *etree.Element {
	if root.Tag == tag {
		return root
	}
	for _, child := range root.ChildElements() {
		if found := findElement(child, tag); found != nil {
			return found
		}
	}
	return nil
}

// sessionAgent builds an agent pointed at the scripted ACS.
func sessionAgent(t *testing.T, script *acsScript, mods ...func(*Options)) (*Agent, *fakeProvider) {
	t.Helper()

	cfg := testConfig(t)
	cfg.ACS.URL = script.url
	return newTestAgent(t, cfg, mods...)
}

func TestRunSession(t *testing.T) {
	t.Parallel()

	t.Run("delivers the inform and ends on the empty reply", func(t *testing.T) {
		t.Parallel()

		script := scriptedACS(t, informResponse(""))
		a, provider := sessionAgent(t, script)
		provider.informParams = []datamodel.Value{
			{Parameter: "Device.DeviceInfo.SoftwareVersion", Value: "1.0.0", Type: "xsd:string"},
			{Parameter: "Device.DeviceInfo.UpTime", Fault: cwmp.FaultInternalError},
		}
		a.addEvent(cwmp.EventBoot, "", 0, true)

		require.NoError(t, a.runSession(context.Background(), a.config()))

		require.Equal(t, 2, script.posts())
		inform := findElement(parseEnvelope(t, script.request(t, 0)), "Inform")
		require.NotNil(t, inform)
		assert.Equal(t, "cpeworks", findElement(inform, "Manufacturer").Text())
		assert.Equal(t, "SN0001", findElement(inform, "SerialNumber").Text())
		assert.Equal(t, "1 BOOT", findElement(inform, "EventCode").Text())

		list := findElement(inform, "ParameterList")
		require.NotNil(t, list)
		values := list.SelectElements("ParameterValueStruct")
		require.Len(t, values, 1, "faulted parameters stay out of the inform")
		assert.Equal(t, "Device.DeviceInfo.SoftwareVersion", values[0].SelectElement("Name").Text())

		assert.Empty(t, bytes.TrimSpace(script.request(t, 1)))

		// The inform consumed the event and its record.
		assert.Zero(t, a.queue.Len())
		assert.Empty(t, a.store.Events())
		assert.True(t, provider.wasClosed())
	})

	t.Run("reports pending value changes in the same inform", func(t *testing.T) {
		t.Parallel()

		script := scriptedACS(t, informResponse(""))
		a, provider := sessionAgent(t, script)
		provider.changes = []datamodel.Change{
			{Parameter: "Device.IP.Interface.1.IPAddress", Value: "10.0.0.9", Type: "xsd:string", Notification: 1},
		}

		require.NoError(t, a.runSession(context.Background(), a.config()))

		inform := findElement(parseEnvelope(t, script.request(t, 0)), "Inform")
		require.NotNil(t, inform)
		assert.Equal(t, "4 VALUE CHANGE", findElement(inform, "EventCode").Text())

		list := findElement(inform, "ParameterList")
		require.NotNil(t, list)
		values := list.SelectElements("ParameterValueStruct")
		require.Len(t, values, 1)
		assert.Equal(t, "Device.IP.Interface.1.IPAddress", values[0].SelectElement("Name").Text())
		assert.Equal(t, "10.0.0.9", values[0].SelectElement("Value").Text())

		// Delivered notifications are not re-reported.
		assert.Zero(t, a.notifications.Len())
	})

	t.Run("keeps events and notifications when the ACS asks for a retry", func(t *testing.T) {
		t.Parallel()

		script := scriptedACS(t, acsFault("8005"))
		a, _ := sessionAgent(t, script)
		a.addEvent(cwmp.EventBoot, "", 0, true)
		a.notifications.Upsert("Device.X", "1", "xsd:string")

		err := a.runSession(context.Background(), a.config())

		assert.Equal(t, cwmp.FaultACSRetryRequest, cwmp.FaultOf(err))
		assert.Equal(t, 1, a.queue.Len())
		assert.Equal(t, 1, a.notifications.Len())
	})

	t.Run("fails when the inform gets an empty reply", func(t *testing.T) {
		t.Parallel()

		script := scriptedACS(t)
		a, _ := sessionAgent(t, script)
		a.addEvent(cwmp.EventBoot, "", 0, true)

		err := a.runSession(context.Background(), a.config())

		require.Error(t, err)
		assert.Equal(t, 1, a.queue.Len(), "events wait for the retry")
	})

	t.Run("fails when the data model is unreachable", func(t *testing.T) {
		t.Parallel()

		script := scriptedACS(t)
		cfg := testConfig(t)
		cfg.ACS.URL = script.url
		a, err := New(Options{
			Config:   cfg,
			Opener:   &fakeOpener{err: errors.New("bridge down")},
			Executor: &fakeExecutor{},
		})
		require.NoError(t, err)
		t.Cleanup(a.shutdown)

		err = a.runSession(context.Background(), a.config())

		require.ErrorContains(t, err, "open data model")
		assert.Zero(t, script.posts())
	})
}

func TestRunSessionGetRPCMethods(t *testing.T) {
	t.Parallel()

	t.Run("asks once and clears the flag", func(t *testing.T) {
		t.Parallel()

		script := scriptedACS(t, informResponse(""), acsResponse("GetRPCMethods"))
		a, _ := sessionAgent(t, script, func(o *Options) { o.GetRPCMethods = true })
		a.addEvent(cwmp.EventPeriodic, "", 0, true)

		require.NoError(t, a.runSession(context.Background(), a.config()))

		require.Equal(t, 3, script.posts())
		assert.NotNil(t, findElement(parseEnvelope(t, script.request(t, 1)), "GetRPCMethods"))
		assert.False(t, a.getRPC())
	})

	t.Run("keeps the flag when the ACS holds requests", func(t *testing.T) {
		t.Parallel()

		script := scriptedACS(t, informResponse("<cwmp:HoldRequests>1</cwmp:HoldRequests>"))
		a, _ := sessionAgent(t, script, func(o *Options) { o.GetRPCMethods = true })
		a.addEvent(cwmp.EventPeriodic, "", 0, true)

		require.NoError(t, a.runSession(context.Background(), a.config()))

		require.Equal(t, 2, script.posts())
		assert.Empty(t, bytes.TrimSpace(script.request(t, 1)),
			"hold defers agent-initiated requests")
		assert.True(t, a.getRPC())
	})
}

func TestRunSessionTransferCompletes(t *testing.T) {
	t.Parallel()

	seed := func(t *testing.T, a *Agent) {
		t.Helper()
		a.addEvent(cwmp.EventTransferComplete, "", 0, true)
		a.addEvent(cwmp.EventMDownload, "fw", 1, true)
		a.addEvent(cwmp.EventMUpload, "cfg", 2, true)

		id, err := a.store.AddTransferComplete("fw", cwmp.FaultNone, "2024-06-01T10:00:00Z", 1)
		require.NoError(t, err)
		require.NoError(t, a.store.SetTransferCompleteTime(id, time.Date(2024, 6, 1, 10, 5, 0, 0, time.UTC)))
		id, err = a.store.AddTransferComplete("cfg", cwmp.FaultUploadFailure, "2024-06-01T11:00:00Z", 2)
		require.NoError(t, err)
		require.NoError(t, a.store.SetTransferCompleteTime(id, time.Date(2024, 6, 1, 11, 1, 0, 0, time.UTC)))
	}

	t.Run("delivers every stored result in order", func(t *testing.T) {
		t.Parallel()

		script := scriptedACS(t, informResponse(""),
			acsResponse("TransferComplete"), acsResponse("TransferComplete"))
		a, _ := sessionAgent(t, script)
		seed(t, a)

		require.NoError(t, a.runSession(context.Background(), a.config()))

		require.Equal(t, 4, script.posts())

		first := findElement(parseEnvelope(t, script.request(t, 1)), "TransferComplete")
		require.NotNil(t, first)
		assert.Equal(t, "fw", first.SelectElement("CommandKey").Text())

		second := findElement(parseEnvelope(t, script.request(t, 2)), "TransferComplete")
		require.NotNil(t, second)
		assert.Equal(t, "cfg", second.SelectElement("CommandKey").Text())
		assert.Equal(t, "9011", findElement(second, "FaultCode").Text())

		assert.Empty(t, a.store.TransferCompletes())
		assert.Zero(t, a.queue.Len(), "transfer events go with their acknowledgements")
		assert.Empty(t, a.store.Events())
	})

	t.Run("keeps records the ACS rejects", func(t *testing.T) {
		t.Parallel()

		script := scriptedACS(t, informResponse(""), acsFault("8003"))
		a, _ := sessionAgent(t, script)
		seed(t, a)

		require.NoError(t, a.runSession(context.Background(), a.config()))

		// Inform, first TransferComplete, then straight to the empty post.
		require.Equal(t, 3, script.posts())
		assert.Empty(t, bytes.TrimSpace(script.request(t, 2)))
		assert.Len(t, a.store.TransferCompletes(), 2)
		assert.Equal(t, 3, a.queue.Len())
	})

	t.Run("fails the session on an 8005 during delivery", func(t *testing.T) {
		t.Parallel()

		script := scriptedACS(t, informResponse(""), acsFault("8005"))
		a, _ := sessionAgent(t, script)
		seed(t, a)

		err := a.runSession(context.Background(), a.config())

		assert.Equal(t, cwmp.FaultACSRetryRequest, cwmp.FaultOf(err))
		assert.Len(t, a.store.TransferCompletes(), 2)
	})
}

func TestRunSessionServesRPCs(t *testing.T) {
	t.Parallel()

	t.Run("answers GetParameterValues from the data model", func(t *testing.T) {
		t.Parallel()

		script := scriptedACS(t, informResponse(""), acsRPC(
			`<cwmp:GetParameterValues><ParameterNames>
			<string>Device.DeviceInfo.UpTime</string>
			</ParameterNames></cwmp:GetParameterValues>`))
		a, provider := sessionAgent(t, script)
		provider.values = map[string][]datamodel.Value{
			"Device.DeviceInfo.UpTime": {
				{Parameter: "Device.DeviceInfo.UpTime", Value: "4242", Type: "xsd:unsignedInt"},
			},
		}

		require.NoError(t, a.runSession(context.Background(), a.config()))

		require.Equal(t, 3, script.posts())
		reply := parseEnvelope(t, script.request(t, 2))
		require.NotNil(t, findElement(reply, "GetParameterValuesResponse"))
		assert.Equal(t, "acs-1", findElement(reply, "ID").Text())
		value := findElement(reply, "ParameterValueStruct")
		require.NotNil(t, value)
		assert.Equal(t, "4242", value.SelectElement("Value").Text())
	})

	t.Run("replies with a fault envelope and carries on", func(t *testing.T) {
		t.Parallel()

		script := scriptedACS(t, informResponse(""), acsRPC(
			`<cwmp:GetParameterValues><ParameterNames>
			<string>Device.Bogus.</string></ParameterNames></cwmp:GetParameterValues>`))
		a, provider := sessionAgent(t, script)
		provider.valueErr = cwmp.Fault(cwmp.FaultInvalidParameterName)

		require.NoError(t, a.runSession(context.Background(), a.config()))

		require.Equal(t, 3, script.posts())
		fault := findElement(parseEnvelope(t, script.request(t, 2)), "FaultCode")
		require.NotNil(t, fault)
		assert.Equal(t, "9005", fault.Text())
	})

	t.Run("a reboot request waits for the session to end", func(t *testing.T) {
		t.Parallel()

		script := scriptedACS(t, informResponse(""), acsRPC(
			`<cwmp:Reboot><CommandKey>rb-1</CommandKey></cwmp:Reboot>`))
		a, provider := sessionAgent(t, script)

		require.NoError(t, a.runSession(context.Background(), a.config()))

		require.Equal(t, 3, script.posts())
		require.NotNil(t, findElement(parseEnvelope(t, script.request(t, 2)), "RebootResponse"))
		assert.False(t, provider.didReboot())

		a.mu.Lock()
		ends := a.endSession
		a.mu.Unlock()
		assert.NotZero(t, ends&cwmp.EndSessionReboot)

		// The M Reboot event announcing it rides the next inform.
		events := a.queue.Snapshot()
		require.Len(t, events, 1)
		assert.Equal(t, cwmp.EventMReboot, events[0].Code)
		assert.Equal(t, "rb-1", events[0].Key)
	})

	t.Run("fails the session on a malformed request", func(t *testing.T) {
		t.Parallel()

		script := scriptedACS(t, informResponse(""), "<not-xml")
		a, _ := sessionAgent(t, script)

		err := a.runSession(context.Background(), a.config())

		assert.ErrorContains(t, err, "handle acs request")
	})
}

func TestRunSessionCycle(t *testing.T) {
	t.Parallel()

	t.Run("skips when there is nothing to report", func(t *testing.T) {
		t.Parallel()

		script := scriptedACS(t)
		a, _ := sessionAgent(t, script)
		a.mu.Lock()
		a.retryCount = 2
		a.mu.Unlock()

		a.runSessionCycle(context.Background())

		assert.Zero(t, script.posts())
		a.mu.Lock()
		retry := a.retryCount
		a.mu.Unlock()
		assert.Zero(t, retry, "nothing to deliver means nothing to retry")
	})

	t.Run("a failed session backs off and sheds no-retry events", func(t *testing.T) {
		t.Parallel()

		script := scriptedACS(t) // empty inform reply fails the session
		a, _ := sessionAgent(t, script)
		a.addEvent(cwmp.EventBoot, "", 0, true)
		a.addEvent(cwmp.EventConnectionRequest, "", 0, false)

		a.runSessionCycle(context.Background())

		a.mu.Lock()
		retry := a.retryCount
		active := a.sessionActive
		a.mu.Unlock()
		assert.Equal(t, 1, retry)
		assert.False(t, active)

		events := a.queue.Snapshot()
		require.Len(t, events, 1, "connection requests are not retried")
		assert.Equal(t, cwmp.EventBoot, events[0].Code)
	})

	t.Run("a successful session resets the backoff", func(t *testing.T) {
		t.Parallel()

		script := scriptedACS(t, informResponse(""))
		a, _ := sessionAgent(t, script)
		a.mu.Lock()
		a.retryCount = 3
		a.mu.Unlock()
		a.addEvent(cwmp.EventBoot, "", 0, true)

		a.runSessionCycle(context.Background())

		a.mu.Lock()
		retry := a.retryCount
		a.mu.Unlock()
		assert.Zero(t, retry)
		assert.Zero(t, a.queue.Len())
	})

	t.Run("the inform reports the retry count", func(t *testing.T) {
		t.Parallel()

		script := scriptedACS(t, informResponse(""))
		a, _ := sessionAgent(t, script)
		a.mu.Lock()
		a.retryCount = 2
		a.mu.Unlock()
		a.addEvent(cwmp.EventBoot, "", 0, true)

		a.runSessionCycle(context.Background())

		inform := findElement(parseEnvelope(t, script.request(t, 0)), "Inform")
		require.NotNil(t, inform)
		assert.Equal(t, "2", findElement(inform, "RetryCount").Text())
	})

	t.Run("executes a deferred reboot after the session", func(t *testing.T) {
		t.Parallel()

		script := scriptedACS(t, informResponse(""), acsRPC(
			`<cwmp:Reboot><CommandKey>rb-2</CommandKey></cwmp:Reboot>`))
		a, provider := sessionAgent(t, script)
		a.addEvent(cwmp.EventPeriodic, "", 0, true)

		a.runSessionCycle(context.Background())

		assert.True(t, provider.didReboot())
		select {
		case <-a.stopCh:
		default:
			t.Fatal("reboot must stop the daemon")
		}
	})
}
