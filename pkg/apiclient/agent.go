package apiclient

import "github.com/cpeworks/cwmpd/pkg/control"

// Status returns the agent state snapshot.
func (c *Client) Status() (*control.Status, error) {
	var status control.Status
	if err := c.get("/v1/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Events lists the queued inform events.
func (c *Client) Events() ([]control.EventInfo, error) {
	var events []control.EventInfo
	if err := c.get("/v1/events", &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Transfers lists the pending downloads and uploads.
func (c *Client) Transfers() ([]control.TransferInfo, error) {
	var transfers []control.TransferInfo
	if err := c.get("/v1/transfers", &transfers); err != nil {
		return nil, err
	}
	return transfers, nil
}

// Notify asks the agent to check the data model for value changes.
func (c *Client) Notify() (*control.CommandReply, error) {
	var reply control.CommandReply
	if err := c.post("/v1/notify", nil, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Inform enqueues the named event code on the agent and starts a
// session, e.g. "6 CONNECTION REQUEST".
func (c *Client) Inform(event string) (*control.CommandReply, error) {
	var reply control.CommandReply
	if err := c.post("/v1/inform", control.InformRequest{Event: event}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Command sends a management verb to the agent. The reply carries
// status -1 when the daemon does not support the verb.
func (c *Client) Command(name string) (*control.CommandReply, error) {
	var reply control.CommandReply
	if err := c.post("/v1/command", control.CommandRequest{Name: name}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Reload asks the daemon to reload its configuration.
func (c *Client) Reload() (*control.CommandReply, error) {
	return c.Command("reload")
}

// Stop asks the daemon to shut down.
func (c *Client) Stop() (*control.CommandReply, error) {
	return c.Command("stop")
}

// Health probes the daemon liveness endpoint.
func (c *Client) Health() error {
	return c.get("/healthz", nil)
}
