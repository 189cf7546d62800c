package agent

import (
	"time"

	"github.com/cpeworks/cwmpd/internal/logger"
	"github.com/cpeworks/cwmpd/pkg/backup"
	"github.com/cpeworks/cwmpd/pkg/cwmp"
	"github.com/cpeworks/cwmpd/pkg/soap"
	"github.com/cpeworks/cwmpd/pkg/transfer"
)

// scheduleTransfer persists a transfer request and hands it to the
// engine. The backup record id doubles as the engine entry id so
// completion can drop the record.
func (a *Agent) scheduleTransfer(req soap.TransferRequest) error {
	if !a.engine.HasSlot(req.Upload) {
		return cwmp.Fault(cwmp.FaultResourcesExceeded)
	}

	fireAt := time.Now().Add(req.Delay)
	var (
		id  int64
		err error
	)
	if req.Upload {
		id, err = a.store.AddUpload(req.CommandKey, req.FileType, req.URL, req.Username, req.Password, fireAt)
	} else {
		id, err = a.store.AddDownload(req.CommandKey, req.FileType, req.URL, req.Username, req.Password, req.FileSize, fireAt)
	}
	if err != nil {
		logger.Warn("Cannot persist transfer", logger.KeyError, err)
	}

	err = a.engine.Schedule(transfer.Entry{
		ID:         id,
		Upload:     req.Upload,
		CommandKey: req.CommandKey,
		FileType:   req.FileType,
		URL:        req.URL,
		Username:   req.Username,
		Password:   req.Password,
		FileSize:   req.FileSize,
		FireTime:   fireAt,
	})
	if err != nil {
		if rmErr := a.store.Remove(id); rmErr != nil {
			logger.Warn("Cannot drop unscheduled transfer record", "id", id, logger.KeyError, rmErr)
		}
		return err
	}

	logger.Info("Transfer scheduled",
		"id", id,
		"upload", req.Upload,
		"command_key", req.CommandKey,
		"url", req.URL,
		"fire_time", fireAt,
	)
	a.updateTransferGauges()
	return nil
}

// restoreTransfers reschedules transfers persisted by an earlier run.
// Entries whose time passed while the daemon was down fire immediately.
func (a *Agent) restoreTransfers() {
	for _, rec := range a.store.Downloads() {
		a.rescheduleTransfer(rec, false)
	}
	for _, rec := range a.store.Uploads() {
		a.rescheduleTransfer(rec, true)
	}
	a.updateTransferGauges()
}

func (a *Agent) rescheduleTransfer(rec backup.TransferRecord, upload bool) {
	err := a.engine.Schedule(transfer.Entry{
		ID:         rec.ID,
		Upload:     upload,
		CommandKey: rec.CommandKey,
		FileType:   rec.FileType,
		URL:        rec.URL,
		Username:   rec.Username,
		Password:   rec.Password,
		FileSize:   rec.FileSize,
		FireTime:   rec.ExecuteAt,
	})
	if err != nil {
		logger.Error("Cannot restore transfer", "id", rec.ID, logger.KeyError, err)
		return
	}
	logger.Info("Restored transfer",
		"id", rec.ID,
		"kind", string(rec.Kind),
		"fire_time", rec.ExecuteAt,
	)
}

// handleTransferResult runs on the engine worker when a transfer ends.
// The pending record is swapped for a transfer-complete record plus the
// events announcing it, and a session is kicked to deliver them.
func (a *Agent) handleTransferResult(res transfer.Result) {
	entry := res.Entry
	kind := "download"
	mEvent := cwmp.EventMDownload
	if entry.Upload {
		kind = "upload"
		mEvent = cwmp.EventMUpload
	}

	if err := a.store.Remove(entry.ID); err != nil {
		logger.Warn("Cannot drop pending transfer record", "id", entry.ID, logger.KeyError, err)
	}

	methodID := a.nextMethodID()
	tcID, err := a.store.AddTransferComplete(entry.CommandKey, res.Fault, cwmp.FormatTime(res.Start), methodID)
	if err != nil {
		logger.Warn("Cannot persist transfer result", logger.KeyError, err)
	}
	if err := a.store.SetTransferCompleteTime(tcID, res.Complete); err != nil {
		logger.Warn("Cannot stamp transfer completion time", "id", tcID, logger.KeyError, err)
	}

	a.addEvent(cwmp.EventTransferComplete, "", 0, true)
	a.addEvent(mEvent, entry.CommandKey, methodID, true)

	if a.metrics != nil {
		a.metrics.RecordTransfer(kind, res.Complete.Sub(res.Start), int(res.Fault))
	}
	a.updateTransferGauges()

	logger.Info("Transfer finished",
		"kind", kind,
		"command_key", entry.CommandKey,
		"fault", int(res.Fault),
	)
	a.kickInform()
}

func (a *Agent) updateTransferGauges() {
	if a.metrics == nil {
		return
	}
	downloads, uploads := a.engine.Counts()
	a.metrics.SetPendingTransfers("download", downloads)
	a.metrics.SetPendingTransfers("upload", uploads)
}

// scheduleInform arms a timer that queues the scheduled-session events
// after delay. Pending timers do not survive a restart; the events they
// fire do. The timer is registered under the mutex so a zero delay
// cannot fire before the bookkeeping exists.
func (a *Agent) scheduleInform(commandKey string, delay time.Duration) {
	entry := &informSchedule{}
	a.mu.Lock()
	entry.timer = time.AfterFunc(delay, func() {
		a.dropInformTimer(entry)
		a.addEvent(cwmp.EventScheduled, commandKey, 0, true)
		a.addEvent(cwmp.EventMScheduleInform, commandKey, 0, true)
		a.kickInform()
	})
	a.informTimers = append(a.informTimers, entry)
	a.mu.Unlock()
	logger.Info("Inform scheduled", "command_key", commandKey, "in", delay)
}

func (a *Agent) dropInformTimer(entry *informSchedule) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, cur := range a.informTimers {
		if cur == entry {
			a.informTimers = append(a.informTimers[:i], a.informTimers[i+1:]...)
			return
		}
	}
}

// deferReboot records a reboot request for execution once the session
// ends. The M Reboot event is persisted so the next boot reports it.
func (a *Agent) deferReboot(commandKey string) {
	a.addEvent(cwmp.EventMReboot, commandKey, 0, true)
	a.mu.Lock()
	a.endSession |= cwmp.EndSessionReboot
	a.mu.Unlock()
	logger.Info("Reboot deferred to end of session", "command_key", commandKey)
}

// deferFactoryReset arms a factory reset for the end of the session.
func (a *Agent) deferFactoryReset() {
	a.mu.Lock()
	a.endSession |= cwmp.EndSessionFactoryReset
	a.mu.Unlock()
	logger.Info("Factory reset deferred to end of session")
}
