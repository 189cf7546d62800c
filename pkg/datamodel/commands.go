package datamodel

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cpeworks/cwmpd/pkg/cwmp"
)

// Values fetches the value of every parameter matched by name. A full path
// selects one parameter, a partial path the subtree below it, the empty
// string the whole tree. Records the provider rejected carry their fault
// code in Fault.
func (c *Conn) Values(ctx context.Context, name string) ([]Value, error) {
	records, err := c.roundTrip(ctx, []string{fmt.Sprintf("get value %s", name)})
	if err != nil {
		return nil, err
	}
	values := make([]Value, 0, len(records))
	for _, r := range records {
		fault := r.faultCode()
		if r.Parameter == "" && !fault.IsFault() {
			continue
		}
		values = append(values, Value{Parameter: r.Parameter, Value: r.Value, Type: r.Type, Fault: fault})
	}
	return values, nil
}

// Names lists the parameters at or below path. nextLevel is passed through
// verbatim, the provider interprets it.
func (c *Conn) Names(ctx context.Context, path, nextLevel string) ([]Name, error) {
	records, err := c.roundTrip(ctx, []string{fmt.Sprintf("get name %s %s", path, nextLevel)})
	if err != nil {
		return nil, err
	}
	names := make([]Name, 0, len(records))
	for _, r := range records {
		fault := r.faultCode()
		if r.Parameter == "" && !fault.IsFault() {
			continue
		}
		names = append(names, Name{Parameter: r.Parameter, Writable: r.Writable, Fault: fault})
	}
	return names, nil
}

// Attributes lists the notification attributes of every parameter matched
// by name.
func (c *Conn) Attributes(ctx context.Context, name string) ([]Attribute, error) {
	records, err := c.roundTrip(ctx, []string{fmt.Sprintf("get notification %s", name)})
	if err != nil {
		return nil, err
	}
	attrs := make([]Attribute, 0, len(records))
	for _, r := range records {
		fault := r.faultCode()
		if r.Parameter == "" && !fault.IsFault() {
			continue
		}
		attrs = append(attrs, Attribute{Parameter: r.Parameter, Notification: r.Notification, Fault: fault})
	}
	return attrs, nil
}

// SetValues stages every pair in order and commits them with one apply under
// parameterKey. The whole batch travels as a single transaction so the
// provider sees the updates in request order.
func (c *Conn) SetValues(ctx context.Context, values []SetValue, parameterKey string) (SetResult, error) {
	commands := make([]string, 0, len(values)+1)
	for _, v := range values {
		commands = append(commands, fmt.Sprintf("set value %s %s", v.Name, v.Value))
	}
	commands = append(commands, fmt.Sprintf("apply value %s", parameterKey))
	return c.collectSetResult(ctx, commands)
}

// SetNotifications stages every notification-level change in order and
// commits them with one apply.
func (c *Conn) SetNotifications(ctx context.Context, changes []AttributeChange) (SetResult, error) {
	commands := make([]string, 0, len(changes)+1)
	for _, ch := range changes {
		commands = append(commands, fmt.Sprintf("set notification %s %s", ch.Name, ch.Notification))
	}
	commands = append(commands, "apply notification")
	return c.collectSetResult(ctx, commands)
}

func (c *Conn) collectSetResult(ctx context.Context, commands []string) (SetResult, error) {
	records, err := c.roundTrip(ctx, commands)
	if err != nil {
		return SetResult{}, err
	}
	var res SetResult
	for _, r := range records {
		if code := r.faultCode(); code.IsFault() {
			if r.Parameter != "" {
				res.Faults = append(res.Faults, ParameterFault{Parameter: r.Parameter, Code: code})
			} else {
				res.Fault = code
			}
		}
		if r.Status != "" {
			res.Status = r.Status
		}
	}
	return res, nil
}

// AddObject creates a new instance under objectName. The commit under
// parameterKey only runs when the provider reported no fault.
func (c *Conn) AddObject(ctx context.Context, objectName, parameterKey string) (ObjectResult, error) {
	records, err := c.roundTrip(ctx, []string{fmt.Sprintf("add object %s", objectName)})
	if err != nil {
		return ObjectResult{}, err
	}
	res := objectResult(records)
	if res.Fault.IsFault() {
		return res, nil
	}
	if _, err := c.roundTrip(ctx, []string{fmt.Sprintf("apply object %s", parameterKey)}); err != nil {
		return ObjectResult{}, err
	}
	return res, nil
}

// DeleteObject removes the instance objectName. The commit under
// parameterKey only runs when the provider reported no fault.
func (c *Conn) DeleteObject(ctx context.Context, objectName, parameterKey string) (ObjectResult, error) {
	records, err := c.roundTrip(ctx, []string{fmt.Sprintf("delete object %s", objectName)})
	if err != nil {
		return ObjectResult{}, err
	}
	res := objectResult(records)
	if res.Fault.IsFault() {
		return res, nil
	}
	if _, err := c.roundTrip(ctx, []string{fmt.Sprintf("apply object %s", parameterKey)}); err != nil {
		return ObjectResult{}, err
	}
	return res, nil
}

func objectResult(records []providerRecord) ObjectResult {
	var res ObjectResult
	for _, r := range records {
		if r.Instance != "" {
			res.Instance = r.Instance
		}
		if r.Status != "" {
			res.Status = r.Status
		}
		if code := r.faultCode(); code.IsFault() {
			res.Fault = code
		}
	}
	return res
}

// InformParameters fetches the parameter set the provider wants carried in
// every Inform.
func (c *Conn) InformParameters(ctx context.Context) ([]Value, error) {
	records, err := c.roundTrip(ctx, []string{"inform parameter"})
	if err != nil {
		return nil, err
	}
	values := make([]Value, 0, len(records))
	for _, r := range records {
		if r.Parameter == "" {
			continue
		}
		values = append(values, Value{Parameter: r.Parameter, Value: r.Value, Type: r.Type, Fault: r.faultCode()})
	}
	return values, nil
}

// DeviceID fetches the device identity. Fields the provider left out stay
// empty; the caller decides on fallbacks.
func (c *Conn) DeviceID(ctx context.Context) (cwmp.DeviceID, error) {
	records, err := c.roundTrip(ctx, []string{"inform deviceid"})
	if err != nil {
		return cwmp.DeviceID{}, err
	}
	var id cwmp.DeviceID
	for _, r := range records {
		if r.Manufacturer != "" {
			id.Manufacturer = r.Manufacturer
		}
		if r.OUI != "" {
			id.OUI = r.OUI
		}
		if r.ProductClass != "" {
			id.ProductClass = r.ProductClass
		}
		if r.SerialNumber != "" {
			id.SerialNumber = r.SerialNumber
		}
	}
	return id, nil
}

// CheckValueChange asks the provider for parameters whose values changed
// since the last check. Records without a parameter name are dropped; a
// non-numeric notification level counts as 0.
func (c *Conn) CheckValueChange(ctx context.Context) ([]Change, error) {
	records, err := c.roundTrip(ctx, []string{"check_value_change"})
	if err != nil {
		return nil, err
	}
	changes := make([]Change, 0, len(records))
	for _, r := range records {
		if r.Parameter == "" {
			continue
		}
		level, _ := strconv.Atoi(r.Notification)
		changes = append(changes, Change{Parameter: r.Parameter, Value: r.Value, Type: r.Type, Notification: level})
	}
	return changes, nil
}

// Reboot tells the provider to reboot the device. Best effort: records are
// discarded.
func (c *Conn) Reboot(ctx context.Context) error {
	_, err := c.roundTrip(ctx, []string{"reboot"})
	return err
}

// FactoryReset tells the provider to restore factory defaults. Best effort:
// records are discarded.
func (c *Conn) FactoryReset(ctx context.Context) error {
	_, err := c.roundTrip(ctx, []string{"factory_reset"})
	return err
}
