package agent

import (
	"time"

	"github.com/cpeworks/cwmpd/pkg/control"
	"github.com/cpeworks/cwmpd/pkg/cwmp"
)

var _ control.Agent = (*Agent)(nil)

// Status implements control.Agent.
func (a *Agent) Status() control.Status {
	a.mu.Lock()
	startedAt := a.startedAt
	active := a.sessionActive
	retry := a.retryCount
	url := a.cfg.ACS.URL
	a.mu.Unlock()

	downloads, uploads := a.engine.Counts()
	return control.Status{
		Version:          a.version,
		StartedAt:        startedAt,
		UptimeSeconds:    int64(time.Since(startedAt) / time.Second),
		ACSURL:           url,
		SessionActive:    active,
		RetryCount:       retry,
		QueuedEvents:     a.queue.Len(),
		PendingDownloads: downloads,
		PendingUploads:   uploads,
	}
}

// Events implements control.Agent.
func (a *Agent) Events() []control.EventInfo {
	events := a.queue.Snapshot()
	out := make([]control.EventInfo, len(events))
	for i, ev := range events {
		out[i] = control.EventInfo{
			ID:        ev.ID,
			Code:      ev.Code.String(),
			Key:       ev.Key,
			MethodID:  ev.MethodID,
			Persisted: ev.Backed,
		}
	}
	return out
}

// Transfers implements control.Agent.
func (a *Agent) Transfers() []control.TransferInfo {
	pending := a.engine.Pending()
	out := make([]control.TransferInfo, len(pending))
	for i, entry := range pending {
		kind := "download"
		if entry.Upload {
			kind = "upload"
		}
		out[i] = control.TransferInfo{
			ID:         entry.ID,
			Kind:       kind,
			CommandKey: entry.CommandKey,
			FileType:   entry.FileType,
			URL:        entry.URL,
			FileSize:   entry.FileSize,
			FireTime:   entry.FireTime,
		}
	}
	return out
}

// Notify implements control.Agent: run a value-change poll soon.
func (a *Agent) Notify() {
	select {
	case a.notifyCh <- struct{}{}:
	default:
	}
}

// Inform implements control.Agent: queue the named event and kick a
// session.
func (a *Agent) Inform(event string) error {
	code, err := cwmp.ParseEventCode(event)
	if err != nil {
		return err
	}
	a.addEvent(code, "", 0, true)
	a.kickInform()
	return nil
}

// Reload implements control.Agent.
func (a *Agent) Reload() {
	a.requestReload()
}
