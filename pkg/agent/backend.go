package agent

import (
	"context"
	"time"

	"github.com/cpeworks/cwmpd/pkg/cwmp"
	"github.com/cpeworks/cwmpd/pkg/datamodel"
	"github.com/cpeworks/cwmpd/pkg/soap"
)

// sessionBackend adapts the agent and its live provider connection to
// the RPC dispatcher. Faults the provider reports per record surface as
// typed faults failing the whole call, which is how the wire protocol
// reports them for the read RPCs.
type sessionBackend struct {
	agent *Agent
	conn  Provider
}

var _ soap.Backend = (*sessionBackend)(nil)

func (b *sessionBackend) GetParameterValues(ctx context.Context, name string) ([]soap.Parameter, error) {
	values, err := b.conn.Values(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make([]soap.Parameter, 0, len(values))
	for _, v := range values {
		if v.Fault != cwmp.FaultNone {
			return nil, cwmp.Fault(v.Fault)
		}
		out = append(out, soap.Parameter{Name: v.Parameter, Value: v.Value, Type: v.Type})
	}
	return out, nil
}

func (b *sessionBackend) GetParameterNames(ctx context.Context, path, nextLevel string) ([]soap.ParameterInfo, error) {
	names, err := b.conn.Names(ctx, path, nextLevel)
	if err != nil {
		return nil, err
	}
	out := make([]soap.ParameterInfo, 0, len(names))
	for _, n := range names {
		if n.Fault != cwmp.FaultNone {
			return nil, cwmp.Fault(n.Fault)
		}
		out = append(out, soap.ParameterInfo{Name: n.Parameter, Writable: n.Writable})
	}
	return out, nil
}

func (b *sessionBackend) GetParameterAttributes(ctx context.Context, name string) ([]soap.ParameterAttribute, error) {
	attrs, err := b.conn.Attributes(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make([]soap.ParameterAttribute, 0, len(attrs))
	for _, at := range attrs {
		if at.Fault != cwmp.FaultNone {
			return nil, cwmp.Fault(at.Fault)
		}
		out = append(out, soap.ParameterAttribute{Name: at.Parameter, Notification: at.Notification})
	}
	return out, nil
}

func (b *sessionBackend) SetParameterValues(ctx context.Context, values []soap.SetValue, parameterKey string) (string, []soap.ParameterFault, error) {
	batch := make([]datamodel.SetValue, len(values))
	for i, v := range values {
		batch[i] = datamodel.SetValue{Name: v.Name, Value: v.Value}
	}
	res, err := b.conn.SetValues(ctx, batch, parameterKey)
	if err != nil {
		return "", nil, err
	}
	if len(res.Faults) > 0 {
		faults := make([]soap.ParameterFault, len(res.Faults))
		for i, f := range res.Faults {
			faults[i] = soap.ParameterFault{Name: f.Parameter, Code: f.Code}
		}
		return "", faults, nil
	}
	if res.Fault != cwmp.FaultNone {
		return "", nil, cwmp.Fault(res.Fault)
	}
	return res.Status, nil, nil
}

func (b *sessionBackend) SetParameterAttributes(ctx context.Context, changes []soap.AttributeChange) error {
	batch := make([]datamodel.AttributeChange, len(changes))
	for i, ch := range changes {
		batch[i] = datamodel.AttributeChange{Name: ch.Name, Notification: ch.Notification}
	}
	res, err := b.conn.SetNotifications(ctx, batch)
	if err != nil {
		return err
	}
	if len(res.Faults) > 0 {
		return cwmp.Fault(res.Faults[0].Code)
	}
	if res.Fault != cwmp.FaultNone {
		return cwmp.Fault(res.Fault)
	}
	return nil
}

func (b *sessionBackend) AddObject(ctx context.Context, objectName, parameterKey string) (string, string, error) {
	res, err := b.conn.AddObject(ctx, objectName, parameterKey)
	if err != nil {
		return "", "", err
	}
	if res.Fault != cwmp.FaultNone {
		return "", "", cwmp.Fault(res.Fault)
	}
	return res.Instance, res.Status, nil
}

func (b *sessionBackend) DeleteObject(ctx context.Context, objectName, parameterKey string) (string, error) {
	res, err := b.conn.DeleteObject(ctx, objectName, parameterKey)
	if err != nil {
		return "", err
	}
	if res.Fault != cwmp.FaultNone {
		return "", cwmp.Fault(res.Fault)
	}
	return res.Status, nil
}

func (b *sessionBackend) ScheduleTransfer(ctx context.Context, req soap.TransferRequest) error {
	return b.agent.scheduleTransfer(req)
}

func (b *sessionBackend) ScheduleInform(ctx context.Context, commandKey string, delay time.Duration) error {
	b.agent.scheduleInform(commandKey, delay)
	return nil
}

func (b *sessionBackend) Reboot(ctx context.Context, commandKey string) error {
	b.agent.deferReboot(commandKey)
	return nil
}

func (b *sessionBackend) FactoryReset(ctx context.Context) error {
	b.agent.deferFactoryReset()
	return nil
}
