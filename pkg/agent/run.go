package agent

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cpeworks/cwmpd/internal/logger"
	"github.com/cpeworks/cwmpd/pkg/config"
	"github.com/cpeworks/cwmpd/pkg/connreq"
	"github.com/cpeworks/cwmpd/pkg/control"
	"github.com/cpeworks/cwmpd/pkg/cwmp"
)

// providerTimeout bounds provider conversations that happen outside a
// session: value-change polls and end-of-session actions.
const providerTimeout = 30 * time.Second

// Run starts the daemon and blocks until ctx is cancelled or Stop is
// called. The listeners, the watchers and the session engine run as one
// group; the first hard failure tears everything down.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	a.mu.Lock()
	a.startedAt = time.Now()
	cfg := a.cfg
	a.mu.Unlock()

	a.restoreEvents()
	a.checkBootstrap(cfg)
	a.checkSoftwareVersion(cfg)
	a.restoreTransfers()

	if a.boot {
		a.addEvent(cwmp.EventBoot, "", 0, true)
	}
	if a.getRPC() {
		a.addEvent(cwmp.EventPeriodic, "", 0, true)
	}
	if a.queue.Len() > 0 || len(a.store.TransferCompletes()) > 0 {
		a.kickInform()
	}
	a.Notify()

	connreqServer := connreq.NewServer(connreq.Config{
		Port:          cfg.Local.Port,
		Username:      cfg.Local.Username,
		Password:      cfg.Local.Password,
		DigestAuth:    cfg.Local.DigestAuth(),
		CommandEnable: cfg.Local.CommandEnable,
	}, a.onConnectionRequest, a.metrics)

	controlServer, err := control.NewServer(control.Config{
		Host:         cfg.Control.Host,
		Port:         cfg.Control.Port,
		AuthSecret:   cfg.Control.AuthSecret,
		ReadTimeout:  cfg.Control.ReadTimeout.Std(),
		WriteTimeout: cfg.Control.WriteTimeout.Std(),
		IdleTimeout:  cfg.Control.IdleTimeout.Std(),
	}, a)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return connreqServer.Start(ctx) })
	g.Go(func() error { return controlServer.Start(ctx) })
	g.Go(func() error { return a.watchInterface(ctx) })
	g.Go(func() error { return a.watchSignals(ctx) })
	if a.configPath != "" {
		g.Go(func() error { return a.watchConfigFile(ctx) })
	}
	g.Go(func() error { return a.loop(ctx) })

	err = g.Wait()
	a.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop begins daemon shutdown. Implements control.Agent; also called
// internally after a reboot or factory reset was handed to the provider.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// shutdown releases resources the run group does not own.
func (a *Agent) shutdown() {
	a.engine.Stop()

	a.mu.Lock()
	timers := a.informTimers
	a.informTimers = nil
	a.mu.Unlock()
	for _, entry := range timers {
		entry.timer.Stop()
	}
}

// onConnectionRequest runs on every authenticated connection request.
func (a *Agent) onConnectionRequest() {
	a.addEvent(cwmp.EventConnectionRequest, "", 0, false)
	a.kickInform()
}

// restoreEvents reloads persisted events into the queue and advances the
// method-id counter past every id in use.
func (a *Agent) restoreEvents() {
	maxMethod := 0
	count := 0
	for _, rec := range a.store.Events() {
		a.queue.Restore(rec.ID, rec.Code, rec.Key, rec.MethodID)
		if rec.MethodID > maxMethod {
			maxMethod = rec.MethodID
		}
		count++
	}
	for _, rec := range a.store.TransferCompletes() {
		if rec.MethodID > maxMethod {
			maxMethod = rec.MethodID
		}
	}

	a.mu.Lock()
	if maxMethod > a.methodID {
		a.methodID = maxMethod
	}
	a.mu.Unlock()

	if count > 0 {
		logger.Info("Restored queued events", "count", count)
		if a.metrics != nil {
			a.metrics.SetEventQueueLength(a.queue.Len())
		}
	}
}

// checkBootstrap aligns the backup document with the configured ACS. A
// missing or different stored URL means this ACS has never seen the
// device: state tied to the old ACS is dropped and a BOOTSTRAP session
// is scheduled.
func (a *Agent) checkBootstrap(cfg *config.Config) {
	if a.store.ACSURL() == cfg.ACS.URL {
		return
	}
	logger.Info("ACS URL changed, scheduling BOOTSTRAP", "url", cfg.ACS.URL)

	a.queue.Clear()
	a.mu.Lock()
	a.records = make(map[int64]int64)
	a.mu.Unlock()

	if err := a.store.SetACSURL(cfg.ACS.URL); err != nil {
		logger.Error("Cannot rewrite backup for new ACS URL", logger.KeyError, err)
	}
	a.addEvent(cwmp.EventBootstrap, "", 0, true)
	a.kickInform()
}

// checkSoftwareVersion compares the running software version against the
// last recorded one. An upgrade is reported to the ACS as a value change
// on the next session.
func (a *Agent) checkSoftwareVersion(cfg *config.Config) {
	version := cfg.Device.SoftwareVersion
	if version == "" {
		return
	}
	stored := a.store.SoftwareVersion()
	if stored == version {
		return
	}
	if err := a.store.SetSoftwareVersion(version); err != nil {
		logger.Error("Cannot record software version", logger.KeyError, err)
	}
	if stored == "" {
		return
	}
	logger.Info("Software version changed", "from", stored, "to", version)
	a.addEvent(cwmp.EventValueChange, "", 0, false)
	a.kickInform()
}

// loop is the session engine. One goroutine owns session execution, the
// periodic schedule and the retry backoff; everything else only posts to
// the channels.
func (a *Agent) loop(ctx context.Context) error {
	periodic := time.NewTimer(time.Hour)
	periodic.Stop()
	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer periodic.Stop()
	defer retry.Stop()

	a.armPeriodic(periodic)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-a.notifyCh:
			a.pollValueChanges(ctx)
			continue

		case <-a.reloadCh:
			a.reloadConfig()
			a.armPeriodic(periodic)
			continue

		case <-periodic.C:
			a.addEvent(cwmp.EventPeriodic, "", 0, true)

		case <-retry.C:

		case <-a.kickCh:
		}

		a.runSessionCycle(ctx)
		a.armRetry(retry)
		a.armPeriodic(periodic)
	}
}

// armPeriodic programs the next periodic inform from the active
// configuration. Re-arming after every cycle keeps the anchored schedule
// exact: fires land on reference + k*interval regardless of session
// durations.
func (a *Agent) armPeriodic(t *time.Timer) {
	cfg := a.config()
	interval := cfg.ACS.PeriodicInterval.Std()
	if !cfg.ACS.PeriodicEnable || interval <= 0 {
		t.Stop()
		return
	}
	delay := cwmp.NextPeriodicDelay(time.Now().UTC(), cfg.ACS.PeriodicTime, interval)
	logger.Debug("Next periodic inform", "in", delay)
	t.Reset(delay)
}

// armRetry programs the backoff before the next delivery attempt, or
// stops it after a successful session.
func (a *Agent) armRetry(t *time.Timer) {
	a.mu.Lock()
	n := a.retryCount
	a.mu.Unlock()
	if n == 0 {
		t.Stop()
		return
	}
	delay := cwmp.RetryDelay(n)
	logger.Info("Session retry scheduled", "attempt", n, "in", delay)
	t.Reset(delay)
}

// runSessionCycle runs one session and the bookkeeping around it: retry
// accounting, the no-retry sweep and the deferred actions. A session
// without anything to report is skipped.
func (a *Agent) runSessionCycle(ctx context.Context) {
	if a.queue.Len() == 0 && len(a.store.TransferCompletes()) == 0 {
		// Nothing left to deliver also means nothing to retry.
		a.mu.Lock()
		a.retryCount = 0
		a.mu.Unlock()
		return
	}
	cfg := a.config()

	// A stalled session must not outlive its slot: when the periodic
	// schedule is active the session is abandoned once the next fire is
	// due.
	sctx := ctx
	var cancel context.CancelFunc
	interval := cfg.ACS.PeriodicInterval.Std()
	if cfg.ACS.PeriodicEnable && interval > 0 {
		delay := cwmp.NextPeriodicDelay(time.Now().UTC(), cfg.ACS.PeriodicTime, interval)
		sctx, cancel = context.WithTimeout(ctx, delay)
	} else {
		sctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	a.mu.Lock()
	a.sessionActive = true
	retry := a.retryCount
	a.mu.Unlock()

	start := time.Now()
	err := a.runSession(sctx, cfg)

	a.mu.Lock()
	a.sessionActive = false
	if err != nil {
		a.retryCount++
	}
	n := a.retryCount
	ends := a.endSession
	a.endSession = 0
	a.mu.Unlock()

	if err != nil {
		logger.Warn("Session failed", logger.KeyError, err, "retry", n)
		a.sweepEvents(cwmp.RemoveNoRetry, 0)
	} else {
		logger.Info("Session completed", "duration", time.Since(start))
	}

	if a.metrics != nil {
		a.metrics.RecordSession(time.Since(start), err == nil, retry)
		a.metrics.SetRetryCount(n)
		a.metrics.SetEventQueueLength(a.queue.Len())
	}

	a.execEndSession(ctx, ends)
}

// execEndSession runs the actions deferred past the session, in the
// order reload, factory reset, reboot. Factory reset and reboot hand the
// action to the provider and then stop the daemon; the platform brings
// it back up.
func (a *Agent) execEndSession(ctx context.Context, ends cwmp.EndSession) {
	if ends&cwmp.EndSessionReloadConfig != 0 {
		a.reloadConfig()
	}
	if ends&cwmp.EndSessionFactoryReset != 0 {
		logger.Info("Executing factory reset")
		a.providerAction(ctx, "factory reset", func(ctx context.Context, p Provider) error {
			return p.FactoryReset(ctx)
		})
		a.Stop()
		return
	}
	if ends&cwmp.EndSessionReboot != 0 {
		logger.Info("Executing reboot")
		a.providerAction(ctx, "reboot", func(ctx context.Context, p Provider) error {
			return p.Reboot(ctx)
		})
		a.Stop()
	}
}

// providerAction opens a short-lived provider connection for one
// best-effort call.
func (a *Agent) providerAction(ctx context.Context, name string, action func(context.Context, Provider) error) {
	ctx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()

	conn, err := a.opener.Open(ctx)
	if err != nil {
		logger.Error("Cannot reach data model", "action", name, logger.KeyError, err)
		return
	}
	defer conn.Close()
	if err := action(ctx, conn); err != nil {
		logger.Error("Data model action failed", "action", name, logger.KeyError, err)
	}
}

// reloadConfig re-reads the configuration file and re-runs the checks
// that depend on it. Listener addresses are fixed for the life of the
// process; changing them takes a restart.
func (a *Agent) reloadConfig() {
	a.mu.Lock()
	path := a.configPath
	a.mu.Unlock()
	if path == "" {
		logger.Warn("No configuration file to reload")
		return
	}

	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("Configuration reload failed, keeping previous", logger.KeyError, err)
		return
	}

	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	logger.SetLevel(cfg.Logging.Level)
	logger.Info("Configuration reloaded", "path", path)

	a.checkBootstrap(cfg)
	a.checkSoftwareVersion(cfg)
	a.Notify()
}

// pollValueChanges asks the provider which parameters changed since the
// last check. Changes ride along in the next Inform; a parameter with
// active notification starts a session now.
func (a *Agent) pollValueChanges(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()

	conn, err := a.opener.Open(ctx)
	if err != nil {
		logger.Warn("Cannot reach data model for value-change poll", logger.KeyError, err)
		return
	}
	defer conn.Close()

	changed, active := a.collectValueChanges(ctx, conn)
	if changed {
		a.addEvent(cwmp.EventValueChange, "", 0, false)
	}
	if active {
		a.kickInform()
	}
}
