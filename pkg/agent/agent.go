// Package agent assembles the CWMP subsystems into the long-running
// daemon: the event queue and its durable backup, the session engine
// driven by triggers (periodic timer, connection requests, value
// changes, schedules, transfer completions), the transfer engine, and
// the deferred end-of-session actions.
//
// One session runs at a time. Triggers coalesce into a buffered kick
// channel; the engine goroutine drains it, snapshots the queue, and
// talks to the ACS until both sides are done. Everything that must
// survive a restart (pending events, scheduled transfers, transfer
// results awaiting acknowledgement) lives in the backup store keyed by
// record id.
package agent

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cpeworks/cwmpd/internal/logger"
	"github.com/cpeworks/cwmpd/internal/metrics"
	"github.com/cpeworks/cwmpd/pkg/backup"
	"github.com/cpeworks/cwmpd/pkg/config"
	"github.com/cpeworks/cwmpd/pkg/cwmp"
	"github.com/cpeworks/cwmpd/pkg/datamodel"
	"github.com/cpeworks/cwmpd/pkg/soap"
	"github.com/cpeworks/cwmpd/pkg/transfer"
)

// Provider is the data-model surface the agent drives. *datamodel.Conn
// implements it; tests substitute an in-process fake.
type Provider interface {
	Values(ctx context.Context, name string) ([]datamodel.Value, error)
	Names(ctx context.Context, path, nextLevel string) ([]datamodel.Name, error)
	Attributes(ctx context.Context, name string) ([]datamodel.Attribute, error)
	SetValues(ctx context.Context, values []datamodel.SetValue, parameterKey string) (datamodel.SetResult, error)
	SetNotifications(ctx context.Context, changes []datamodel.AttributeChange) (datamodel.SetResult, error)
	AddObject(ctx context.Context, objectName, parameterKey string) (datamodel.ObjectResult, error)
	DeleteObject(ctx context.Context, objectName, parameterKey string) (datamodel.ObjectResult, error)
	InformParameters(ctx context.Context) ([]datamodel.Value, error)
	DeviceID(ctx context.Context) (cwmp.DeviceID, error)
	CheckValueChange(ctx context.Context) ([]datamodel.Change, error)
	Reboot(ctx context.Context) error
	FactoryReset(ctx context.Context) error
	Close() error
}

// Opener hands out provider connections. The external bridge serializes
// access to the provider process, so Open blocks while another
// connection is live.
type Opener interface {
	Open(ctx context.Context) (Provider, error)
}

// bridgeOpener adapts the external-process bridge to the Opener
// interface.
type bridgeOpener struct {
	bridge *datamodel.Bridge
}

func (o bridgeOpener) Open(ctx context.Context) (Provider, error) {
	return o.bridge.Open(ctx)
}

// informSchedule is one armed ScheduleInform timer.
type informSchedule struct {
	timer *time.Timer
}

// Options configures New.
type Options struct {
	// Config is the initial daemon configuration. Required.
	Config *config.Config

	// ConfigPath is the file reloads re-read and the file watcher
	// observes. Empty disables both.
	ConfigPath string

	// Version is reported on the control API.
	Version string

	// Boot enqueues "1 BOOT" at startup.
	Boot bool

	// GetRPCMethods enqueues "2 PERIODIC" at startup and asks the ACS
	// for its method list after the next Inform.
	GetRPCMethods bool

	// Metrics receives agent observations. Nil disables collection.
	Metrics metrics.AgentMetrics

	// Opener overrides the data-model bridge built from Config.
	Opener Opener

	// Executor overrides the HTTP transfer executor built from Config.
	Executor transfer.Executor
}

// Agent is the daemon core. Create with New, drive with Run.
type Agent struct {
	version string
	boot    bool

	store         *backup.Store
	queue         *cwmp.EventQueue
	notifications *cwmp.NotificationList
	opener        Opener
	engine        *transfer.Engine
	metrics       metrics.AgentMetrics
	ids           soap.IDSource

	kickCh   chan struct{}
	notifyCh chan struct{}
	reloadCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once

	mu            sync.Mutex
	cfg           *config.Config
	configPath    string
	deviceID      cwmp.DeviceID
	retryCount    int
	endSession    cwmp.EndSession
	getRPCMethods bool
	methodID      int
	sessionActive bool
	startedAt     time.Time
	informTimers  []*informSchedule

	// records maps queue event ids to their backup record ids. Events
	// restored from the backup keep the record id as their queue id and
	// have no entry here.
	records map[int64]int64
}

// New assembles an agent.
//
// Parameters:
//   - opts: configuration, startup flags and optional overrides
//
// Returns: an agent ready for Run, or an error when the configuration
// cannot support one.
func New(opts Options) (*Agent, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("agent: config is required")
	}
	if cfg.ACS.URL == "" {
		return nil, errors.New("agent: acs.url is required")
	}

	a := &Agent{
		version:       opts.Version,
		boot:          opts.Boot,
		cfg:           cfg,
		configPath:    opts.ConfigPath,
		queue:         cwmp.NewEventQueue(),
		notifications: cwmp.NewNotificationList(),
		opener:        opts.Opener,
		metrics:       opts.Metrics,
		getRPCMethods: opts.GetRPCMethods,
		kickCh:        make(chan struct{}, 1),
		notifyCh:      make(chan struct{}, 1),
		reloadCh:      make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		records:       make(map[int64]int64),
	}

	a.store = backup.Load(backupSink(cfg))

	if a.opener == nil {
		a.opener = bridgeOpener{datamodel.NewBridge(datamodel.Config{
			Command: cfg.DataModel.Command,
			Args:    cfg.DataModel.Args,
			Prompt:  cfg.DataModel.Prompt,
		})}
	}

	executor := opts.Executor
	if executor == nil {
		executor = transfer.NewHTTPExecutor(transfer.HTTPExecutorConfig{
			DownloadDir:   cfg.Transfer.DownloadDir,
			UploadSources: cfg.Transfer.UploadSources,
		})
	}
	a.engine = transfer.NewEngine(executor, a.handleTransferResult, transfer.Config{
		MaxDownloads: cfg.Transfer.MaxDownloads,
		MaxUploads:   cfg.Transfer.MaxUploads,
	})

	return a, nil
}

// backupSink selects the persistence backend for the backup document.
// The option backend keeps the whole document flattened on one line, the
// way daemons on option-store platforms keep state inside their host
// configuration; here it is backed by a single-value file.
func backupSink(cfg *config.Config) backup.Sink {
	path := cfg.Backup.Path
	if cfg.Backup.Storage == "option" {
		return backup.OptionSink{
			Fetch: func() (string, error) {
				data, err := os.ReadFile(path)
				if errors.Is(err, fs.ErrNotExist) {
					return "", nil
				}
				if err != nil {
					return "", err
				}
				return strings.TrimSpace(string(data)), nil
			},
			Apply: func(value string) error {
				return backup.FileSink{Path: path}.Save([]byte(value + "\n"))
			},
		}
	}
	return backup.FileSink{Path: path}
}

// config returns the active configuration snapshot. Snapshots are
// immutable; a reload swaps the pointer.
func (a *Agent) config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// addEvent queues an event, persisting it when both the persist flag and
// the event's class allow. The queue id to record id mapping is kept so
// the session sweeps can drop the record along with the event.
func (a *Agent) addEvent(code cwmp.EventCode, key string, methodID int, persist bool) {
	backed := persist && code.Persistent()
	ev, added := a.queue.Add(code, key, methodID, backed)
	if !added {
		return
	}
	logger.Debug("Queued event",
		"code", code.String(),
		"key", key,
		"method_id", methodID,
		"persisted", backed,
	)
	if backed {
		recID, err := a.store.AddEvent(code, key, methodID)
		if err != nil {
			logger.Warn("Cannot persist event", "code", code.String(), logger.KeyError, err)
		}
		a.mu.Lock()
		a.records[ev.ID] = recID
		a.mu.Unlock()
	}
	if a.metrics != nil {
		a.metrics.SetEventQueueLength(a.queue.Len())
	}
}

// sweepEvents removes queued events matching the policy mask and method
// id and drops their backup records.
func (a *Agent) sweepEvents(mask cwmp.RemovePolicy, methodID int) {
	removed := a.queue.RemoveByPolicy(mask, methodID)
	for _, ev := range removed {
		a.dropEventRecord(ev)
	}
	if len(removed) > 0 && a.metrics != nil {
		a.metrics.SetEventQueueLength(a.queue.Len())
	}
}

func (a *Agent) dropEventRecord(ev cwmp.Event) {
	if !ev.Backed {
		return
	}
	a.mu.Lock()
	recID, ok := a.records[ev.ID]
	delete(a.records, ev.ID)
	a.mu.Unlock()
	if !ok {
		// Restored events keep their backup record id as queue id.
		recID = ev.ID
	}
	if err := a.store.Remove(recID); err != nil {
		logger.Warn("Cannot drop event record", "id", recID, logger.KeyError, err)
	}
}

// kickInform schedules a session. Kicks arriving while one is already
// pending collapse into it.
func (a *Agent) kickInform() {
	select {
	case a.kickCh <- struct{}{}:
	default:
	}
}

// requestReload applies a configuration reload, or defers it to the end
// of the running session.
func (a *Agent) requestReload() {
	a.mu.Lock()
	active := a.sessionActive
	if active {
		a.endSession |= cwmp.EndSessionReloadConfig
	}
	a.mu.Unlock()

	if active {
		logger.Info("Reload deferred to end of session")
		return
	}
	select {
	case a.reloadCh <- struct{}{}:
	default:
	}
}

// nextMethodID mints the id linking a transfer's M-event to its backup
// record.
func (a *Agent) nextMethodID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.methodID++
	return a.methodID
}

func (a *Agent) getRPC() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.getRPCMethods
}

func (a *Agent) clearGetRPC() {
	a.mu.Lock()
	a.getRPCMethods = false
	a.mu.Unlock()
}

// deviceIdentity returns the cached device identity, asking the provider
// on first use.
func (a *Agent) deviceIdentity(ctx context.Context, conn Provider) (cwmp.DeviceID, error) {
	a.mu.Lock()
	id := a.deviceID
	a.mu.Unlock()
	if id != (cwmp.DeviceID{}) {
		return id, nil
	}

	id, err := conn.DeviceID(ctx)
	if err != nil {
		return cwmp.DeviceID{}, err
	}
	a.mu.Lock()
	a.deviceID = id
	a.mu.Unlock()
	return id, nil
}

// collectValueChanges folds provider-reported changes into the pending
// notification set. changed reports whether any parameter with
// notification enabled changed; active whether any of them has active
// notification.
func (a *Agent) collectValueChanges(ctx context.Context, conn Provider) (changed, active bool) {
	changes, err := conn.CheckValueChange(ctx)
	if err != nil {
		logger.Warn("Value-change check failed", logger.KeyError, err)
		return false, false
	}
	for _, ch := range changes {
		if ch.Notification < 1 {
			continue
		}
		a.notifications.Upsert(ch.Parameter, ch.Value, ch.Type)
		changed = true
		if ch.Notification >= 2 {
			active = true
		}
	}
	return changed, active
}
