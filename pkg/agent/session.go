package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cpeworks/cwmpd/internal/logger"
	"github.com/cpeworks/cwmpd/internal/telemetry"
	"github.com/cpeworks/cwmpd/pkg/acs"
	"github.com/cpeworks/cwmpd/pkg/config"
	"github.com/cpeworks/cwmpd/pkg/cwmp"
	"github.com/cpeworks/cwmpd/pkg/soap"
)

// runSession drives one full provisioning session.
//
// The sequence is fixed: drain pending value changes, send the Inform
// built from a snapshot of the event queue, optionally ask the ACS for
// its method list, deliver stored TransferComplete results, then serve
// ACS requests until both sides have nothing left. Any transport or
// envelope error aborts the session; queued events survive for the
// retry.
func (a *Agent) runSession(ctx context.Context, cfg *config.Config) error {
	ctx, span := telemetry.StartSpan(ctx, "agent.session")
	defer span.End()

	lc := logger.NewLogContext(uuid.NewString()).
		WithTrace(telemetry.TraceID(ctx), telemetry.SpanID(ctx))
	ctx = logger.WithContext(ctx, lc)

	var observe func(int)
	if a.metrics != nil {
		observe = a.metrics.RecordACSPost
	}
	client, err := acs.NewClient(acs.Config{
		URL:                cfg.ACS.URL,
		Username:           cfg.ACS.Username,
		Password:           cfg.ACS.Password,
		DisableExpect100:   cfg.ACS.HTTP100ContinueDisable,
		SSLCert:            cfg.ACS.SSLCert,
		SSLCACert:          cfg.ACS.SSLCACert,
		InsecureSkipVerify: cfg.ACS.InsecureSkipVerify(),
		Observe:            observe,
	})
	if err != nil {
		return fmt.Errorf("build acs client: %w", err)
	}

	conn, err := a.opener.Open(ctx)
	if err != nil {
		return fmt.Errorf("open data model: %w", err)
	}
	defer conn.Close()

	deviceID, err := a.deviceIdentity(ctx, conn)
	if err != nil {
		return fmt.Errorf("read device identity: %w", err)
	}

	// Changes found now still make this session's Inform: the snapshot
	// below happens after the drain.
	if changed, _ := a.collectValueChanges(ctx, conn); changed {
		a.addEvent(cwmp.EventValueChange, "", 0, false)
	}

	codec := soap.NewCodec(&sessionBackend{agent: a, conn: conn}, &a.ids)

	hold, err := a.sendInform(ctx, client, codec, conn, deviceID)
	if err != nil {
		return err
	}
	if hold {
		logger.Debug("ACS holds requests, deferring agent-initiated RPCs")
	}

	if a.getRPC() && !hold {
		if err := a.exchangeGetRPCMethods(ctx, client, codec); err != nil {
			return err
		}
	}

	if !hold {
		if err := a.deliverTransferCompletes(ctx, client, codec); err != nil {
			return err
		}
	}

	return a.serveRequests(ctx, client, codec)
}

// sendInform composes and delivers the Inform, returning the ACS's hold
// flag. An empty reply here fails the session: losing the InformResponse
// means the ACS may not have recorded the events, so they must be kept
// for a retry.
func (a *Agent) sendInform(ctx context.Context, client *acs.Client, codec *soap.Codec, conn Provider, deviceID cwmp.DeviceID) (hold bool, err error) {
	params, err := conn.InformParameters(ctx)
	if err != nil {
		return false, fmt.Errorf("read inform parameters: %w", err)
	}
	list := make([]soap.Parameter, 0, len(params))
	for _, p := range params {
		if p.Fault != cwmp.FaultNone {
			logger.Warn("Inform parameter faulted", "parameter", p.Parameter, "fault", int(p.Fault))
			continue
		}
		list = append(list, soap.Parameter{Name: p.Parameter, Value: p.Value, Type: p.Type})
	}

	a.mu.Lock()
	retry := a.retryCount
	a.mu.Unlock()

	events := a.queue.Snapshot()
	body, err := codec.BuildInform(soap.InformData{
		DeviceID:      deviceID,
		Events:        events,
		Parameters:    list,
		Notifications: a.notifications.Snapshot(),
		RetryCount:    retry,
		CurrentTime:   cwmp.CurrentTime(),
	})
	if err != nil {
		return false, fmt.Errorf("build inform: %w", err)
	}

	codes := make([]string, len(events))
	for i, ev := range events {
		codes[i] = ev.Code.String()
	}
	logger.InfoCtx(ctx, "Sending Inform", "events", codes, "retry", retry)

	reply, err := client.Send(ctx, body)
	if err != nil {
		return false, err
	}
	if len(bytes.TrimSpace(reply)) == 0 {
		return false, errors.New("acs answered inform with an empty response")
	}
	flags, err := codec.ParseInformResponse(reply)
	if err != nil {
		return false, err
	}

	// The Inform is delivered: events that only needed an inform and the
	// pending notifications are consumed now. Events raised later in the
	// session ride the next inform.
	a.mu.Lock()
	a.retryCount = 0
	a.mu.Unlock()
	a.sweepEvents(cwmp.RemoveAfterInform, 0)
	a.notifications.Clear()
	if a.metrics != nil {
		a.metrics.RecordInform(codes)
	}
	return flags.HoldRequests, nil
}

// exchangeGetRPCMethods asks the ACS for its supported method list. The
// agent only needs the ACS to answer; the one-shot flag is cleared on any
// tolerable reply so the request is not repeated every session.
func (a *Agent) exchangeGetRPCMethods(ctx context.Context, client *acs.Client, codec *soap.Codec) error {
	body, err := codec.BuildGetRPCMethods()
	if err != nil {
		return fmt.Errorf("build GetRPCMethods: %w", err)
	}
	reply, err := client.Send(ctx, body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(reply)) != 0 {
		if _, err := codec.ParseGetRPCMethodsResponse(reply); err != nil {
			return err
		}
	}
	logger.Debug("GetRPCMethods acknowledged")
	a.clearGetRPC()
	return nil
}

// deliverTransferCompletes reports each stored transfer result and drops
// records as the ACS acknowledges them. Delivery is in record order;
// the first rejected record stops the run so order is preserved across
// sessions.
func (a *Agent) deliverTransferCompletes(ctx context.Context, client *acs.Client, codec *soap.Codec) error {
	for _, rec := range a.store.TransferCompletes() {
		body, err := codec.BuildTransferComplete(soap.TransferCompleteData{
			CommandKey:   rec.CommandKey,
			FaultCode:    rec.FaultCode,
			FaultString:  rec.FaultString,
			StartTime:    rec.StartTime,
			CompleteTime: rec.CompleteTime,
		})
		if err != nil {
			return fmt.Errorf("build TransferComplete: %w", err)
		}
		logger.InfoCtx(ctx, "Delivering TransferComplete",
			"command_key", rec.CommandKey,
			"fault", int(rec.FaultCode),
		)

		reply, err := client.Send(ctx, body)
		if err != nil {
			return err
		}
		if len(bytes.TrimSpace(reply)) == 0 {
			// The ACS ended the session early; undelivered records wait
			// for the next one.
			return nil
		}
		flags, err := codec.ParseTransferCompleteResponse(reply)
		if err != nil {
			return err
		}
		if !flags.HoldValid {
			logger.Warn("ACS rejected TransferComplete, keeping record",
				"command_key", rec.CommandKey)
			return nil
		}

		a.sweepEvents(cwmp.RemoveAfterTransferComplete, rec.MethodID)
		if err := a.store.Remove(rec.ID); err != nil {
			logger.Warn("Cannot drop transfer-complete record", "id", rec.ID, logger.KeyError, err)
		}
	}

	// With every record acknowledged the singleton "7 TRANSFER COMPLETE"
	// event has served its purpose.
	if len(a.store.TransferCompletes()) == 0 {
		a.sweepEvents(cwmp.RemoveAfterTransferComplete, 0)
	}
	return nil
}

// serveRequests runs the request phase: the agent posts empty, the ACS
// either answers with an RPC to execute or with nothing, ending the
// session.
func (a *Agent) serveRequests(ctx context.Context, client *acs.Client, codec *soap.Codec) error {
	var next []byte
	for {
		reply, err := client.Send(ctx, next)
		if err != nil {
			return err
		}
		if len(bytes.TrimSpace(reply)) == 0 {
			return nil
		}

		start := time.Now()
		res, err := codec.HandleMessage(ctx, reply)
		if a.metrics != nil && res.Method != "" {
			a.metrics.RecordRPC(res.Method, time.Since(start), int(res.Fault))
		}
		if err != nil {
			return fmt.Errorf("handle acs request: %w", err)
		}
		if res.Fault != cwmp.FaultNone {
			logger.WarnCtx(ctx, "RPC answered with fault", "method", res.Method, "fault", int(res.Fault))
		} else {
			logger.InfoCtx(ctx, "Handled RPC", "method", res.Method)
		}
		next = res.Body
	}
}
