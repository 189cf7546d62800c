package agent

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpeworks/cwmpd/pkg/config"
	"github.com/cpeworks/cwmpd/pkg/cwmp"
	"github.com/cpeworks/cwmpd/pkg/datamodel"
	"github.com/cpeworks/cwmpd/pkg/soap"
	"github.com/cpeworks/cwmpd/pkg/transfer"
)

// fakeProvider is a scripted in-process data model. Zero value answers
// every call with empty results and a fixed device identity.
type fakeProvider struct {
	mu sync.Mutex

	values   map[string][]datamodel.Value
	valueErr error

	names    []datamodel.Name
	namesErr error

	attrs    []datamodel.Attribute
	attrsErr error

	setResult datamodel.SetResult
	setErr    error
	gotSet    []datamodel.SetValue
	gotSetKey string

	notifyResult datamodel.SetResult
	notifyErr    error
	gotChanges   []datamodel.AttributeChange

	addResult datamodel.ObjectResult
	addErr    error

	delResult datamodel.ObjectResult
	delErr    error

	informParams []datamodel.Value
	informErr    error

	deviceID  cwmp.DeviceID
	deviceErr error

	changes   []datamodel.Change
	changeErr error

	rebooted     bool
	factoryReset bool
	closed       bool
}

func (f *fakeProvider) Values(_ context.Context, name string) ([]datamodel.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.valueErr != nil {
		return nil, f.valueErr
	}
	return f.values[name], nil
}

func (f *fakeProvider) Names(_ context.Context, _, _ string) ([]datamodel.Name, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.names, f.namesErr
}

func (f *fakeProvider) Attributes(_ context.Context, _ string) ([]datamodel.Attribute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attrs, f.attrsErr
}

func (f *fakeProvider) SetValues(_ context.Context, values []datamodel.SetValue, parameterKey string) (datamodel.SetResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotSet = values
	f.gotSetKey = parameterKey
	return f.setResult, f.setErr
}

func (f *fakeProvider) SetNotifications(_ context.Context, changes []datamodel.AttributeChange) (datamodel.SetResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotChanges = changes
	return f.notifyResult, f.notifyErr
}

func (f *fakeProvider) AddObject(_ context.Context, _, _ string) (datamodel.ObjectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addResult, f.addErr
}

func (f *fakeProvider) DeleteObject(_ context.Context, _, _ string) (datamodel.ObjectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delResult, f.delErr
}

func (f *fakeProvider) InformParameters(context.Context) ([]datamodel.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.informParams, f.informErr
}

func (f *fakeProvider) DeviceID(context.Context) (cwmp.DeviceID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deviceErr != nil {
		return cwmp.DeviceID{}, f.deviceErr
	}
	if f.deviceID == (cwmp.DeviceID{}) {
		return cwmp.DeviceID{
			Manufacturer: "cpeworks",
			OUI:          "FFFFFF",
			ProductClass: "router",
			SerialNumber: "SN0001",
		}, nil
	}
	return f.deviceID, nil
}

// CheckValueChange reports each scripted change once.
func (f *fakeProvider) CheckValueChange(context.Context) ([]datamodel.Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	changes := f.changes
	f.changes = nil
	return changes, f.changeErr
}

func (f *fakeProvider) Reboot(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebooted = true
	return nil
}

func (f *fakeProvider) FactoryReset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.factoryReset = true
	return nil
}

func (f *fakeProvider) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeProvider) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeProvider) didReboot() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rebooted
}

// fakeOpener hands out the same provider on every open.
type fakeOpener struct {
	provider *fakeProvider
	err      error
}

func (o *fakeOpener) Open(context.Context) (Provider, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.provider, nil
}

// fakeExecutor records executed transfers and fails on demand.
type fakeExecutor struct {
	mu   sync.Mutex
	err  error
	runs []transfer.Entry
}

func (f *fakeExecutor) Execute(_ context.Context, entry transfer.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, entry)
	return f.err
}

func (f *fakeExecutor) ran() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Device: config.DeviceConfig{SoftwareVersion: "1.0.0"},
		ACS:    config.ACSConfig{URL: "http://192.0.2.1:7547/acs"},
		Local:  config.LocalConfig{Port: 7547},
		Backup: config.BackupConfig{Path: filepath.Join(t.TempDir(), "cwmp.backup")},
		Transfer: config.TransferConfig{
			MaxDownloads: 2,
			MaxUploads:   2,
		},
		Logging: config.LoggingConfig{Level: "INFO", Format: "text", Output: "stdout"},
	}
}

// newTestAgent builds an agent over a scripted provider and a recording
// executor, leaving the listeners and watchers unstarted.
func newTestAgent(t *testing.T, cfg *config.Config, mods ...func(*Options)) (*Agent, *fakeProvider) {
	t.Helper()

	provider := &fakeProvider{}
	opts := Options{
		Config:   cfg,
		Version:  "test",
		Opener:   &fakeOpener{provider: provider},
		Executor: &fakeExecutor{},
	}
	for _, mod := range mods {
		mod(&opts)
	}

	a, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(a.shutdown)
	return a, provider
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("rejects a missing configuration", func(t *testing.T) {
		t.Parallel()

		_, err := New(Options{})
		assert.ErrorContains(t, err, "config")
	})

	t.Run("rejects a configuration without an ACS URL", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig(t)
		cfg.ACS.URL = ""

		_, err := New(Options{Config: cfg})
		assert.ErrorContains(t, err, "acs.url")
	})

	t.Run("starts with an empty queue and engine", func(t *testing.T) {
		t.Parallel()

		a, _ := newTestAgent(t, testConfig(t))

		assert.Zero(t, a.queue.Len())
		downloads, uploads := a.engine.Counts()
		assert.Zero(t, downloads)
		assert.Zero(t, uploads)
	})
}

func TestCheckBootstrap(t *testing.T) {
	t.Parallel()

	t.Run("schedules BOOTSTRAP for an unseen ACS", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig(t)
		a, _ := newTestAgent(t, cfg)

		a.checkBootstrap(cfg)

		events := a.queue.Snapshot()
		require.Len(t, events, 1)
		assert.Equal(t, cwmp.EventBootstrap, events[0].Code)
		assert.True(t, events[0].Backed)
		assert.Equal(t, cfg.ACS.URL, a.store.ACSURL())

		select {
		case <-a.kickCh:
		default:
			t.Fatal("no session kick after bootstrap")
		}
	})

	t.Run("does nothing when the ACS is already known", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig(t)
		a, _ := newTestAgent(t, cfg)
		require.NoError(t, a.store.SetACSURL(cfg.ACS.URL))

		a.checkBootstrap(cfg)

		assert.Zero(t, a.queue.Len())
	})

	t.Run("drops state tied to the previous ACS", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig(t)
		a, _ := newTestAgent(t, cfg)
		require.NoError(t, a.store.SetACSURL("http://old.example/acs"))
		a.addEvent(cwmp.EventMReboot, "stale", 0, true)
		require.NotEmpty(t, a.store.Events())

		a.checkBootstrap(cfg)

		events := a.queue.Snapshot()
		require.Len(t, events, 1)
		assert.Equal(t, cwmp.EventBootstrap, events[0].Code)

		records := a.store.Events()
		require.Len(t, records, 1)
		assert.Equal(t, cwmp.EventBootstrap, records[0].Code)
	})
}

func TestCheckSoftwareVersion(t *testing.T) {
	t.Parallel()

	t.Run("records the first seen version silently", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig(t)
		a, _ := newTestAgent(t, cfg)

		a.checkSoftwareVersion(cfg)

		assert.Equal(t, "1.0.0", a.store.SoftwareVersion())
		assert.Zero(t, a.queue.Len())
	})

	t.Run("reports an upgrade as a value change", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig(t)
		a, _ := newTestAgent(t, cfg)
		require.NoError(t, a.store.SetSoftwareVersion("0.9.0"))

		a.checkSoftwareVersion(cfg)

		assert.Equal(t, "1.0.0", a.store.SoftwareVersion())
		events := a.queue.Snapshot()
		require.Len(t, events, 1)
		assert.Equal(t, cwmp.EventValueChange, events[0].Code)
		assert.False(t, events[0].Backed)
	})

	t.Run("ignores an unset running version", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig(t)
		cfg.Device.SoftwareVersion = ""
		a, _ := newTestAgent(t, cfg)
		require.NoError(t, a.store.SetSoftwareVersion("0.9.0"))

		a.checkSoftwareVersion(cfg)

		assert.Equal(t, "0.9.0", a.store.SoftwareVersion())
		assert.Zero(t, a.queue.Len())
	})
}

func TestAddEvent(t *testing.T) {
	t.Parallel()

	t.Run("persists events whose class allows it", func(t *testing.T) {
		t.Parallel()

		a, _ := newTestAgent(t, testConfig(t))

		a.addEvent(cwmp.EventBoot, "", 0, true)
		a.addEvent(cwmp.EventConnectionRequest, "", 0, true)

		require.Equal(t, 2, a.queue.Len())
		records := a.store.Events()
		require.Len(t, records, 1, "connection requests are transient")
		assert.Equal(t, cwmp.EventBoot, records[0].Code)
	})

	t.Run("sweeping an event drops its record", func(t *testing.T) {
		t.Parallel()

		a, _ := newTestAgent(t, testConfig(t))
		a.addEvent(cwmp.EventBoot, "", 0, true)
		require.Len(t, a.store.Events(), 1)

		a.sweepEvents(cwmp.RemoveAfterInform, 0)

		assert.Zero(t, a.queue.Len())
		assert.Empty(t, a.store.Events())
	})

	t.Run("M-events sweep only with their method id", func(t *testing.T) {
		t.Parallel()

		a, _ := newTestAgent(t, testConfig(t))
		a.addEvent(cwmp.EventMDownload, "fw", 3, true)
		a.addEvent(cwmp.EventTransferComplete, "", 0, true)

		a.sweepEvents(cwmp.RemoveAfterTransferComplete, 3)
		events := a.queue.Snapshot()
		require.Len(t, events, 1)
		assert.Equal(t, cwmp.EventTransferComplete, events[0].Code)

		a.sweepEvents(cwmp.RemoveAfterTransferComplete, 0)
		assert.Zero(t, a.queue.Len())
		assert.Empty(t, a.store.Events())
	})
}

func TestRestoreEvents(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	first, _ := newTestAgent(t, cfg)
	first.addEvent(cwmp.EventBoot, "", 0, true)
	first.addEvent(cwmp.EventMDownload, "fw", 7, true)

	second, _ := newTestAgent(t, cfg)
	second.restoreEvents()

	events := second.queue.Snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, cwmp.EventBoot, events[0].Code)
	assert.True(t, events[0].Backed)
	assert.Equal(t, cwmp.EventMDownload, events[1].Code)
	assert.Equal(t, "fw", events[1].Key)
	assert.Equal(t, 7, events[1].MethodID)

	// New method ids continue past the restored ones.
	assert.Equal(t, 8, second.nextMethodID())

	// Sweeping a restored event still drops its record.
	second.sweepEvents(cwmp.RemoveAfterInform, 0)
	records := second.store.Events()
	require.Len(t, records, 1)
	assert.Equal(t, cwmp.EventMDownload, records[0].Code)
}

func TestRequestReload(t *testing.T) {
	t.Parallel()

	t.Run("posts a reload when idle", func(t *testing.T) {
		t.Parallel()

		a, _ := newTestAgent(t, testConfig(t))

		a.requestReload()

		select {
		case <-a.reloadCh:
		default:
			t.Fatal("no reload posted")
		}
	})

	t.Run("defers the reload while a session runs", func(t *testing.T) {
		t.Parallel()

		a, _ := newTestAgent(t, testConfig(t))
		a.mu.Lock()
		a.sessionActive = true
		a.mu.Unlock()

		a.requestReload()

		select {
		case <-a.reloadCh:
			t.Fatal("reload must wait for the session")
		default:
		}
		a.mu.Lock()
		ends := a.endSession
		a.mu.Unlock()
		assert.NotZero(t, ends&cwmp.EndSessionReloadConfig)
	})
}

func TestControlAgent(t *testing.T) {
	t.Parallel()

	t.Run("Status reports queue and engine state", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig(t)
		a, _ := newTestAgent(t, cfg)
		a.mu.Lock()
		a.startedAt = time.Now().Add(-time.Minute)
		a.mu.Unlock()
		a.addEvent(cwmp.EventBoot, "", 0, false)

		st := a.Status()

		assert.Equal(t, "test", st.Version)
		assert.Equal(t, cfg.ACS.URL, st.ACSURL)
		assert.False(t, st.SessionActive)
		assert.Equal(t, 1, st.QueuedEvents)
		assert.GreaterOrEqual(t, st.UptimeSeconds, int64(59))
	})

	t.Run("Events mirrors the queue", func(t *testing.T) {
		t.Parallel()

		a, _ := newTestAgent(t, testConfig(t))
		a.addEvent(cwmp.EventMReboot, "rb-1", 0, true)

		events := a.Events()

		require.Len(t, events, 1)
		assert.Equal(t, "M Reboot", events[0].Code)
		assert.Equal(t, "rb-1", events[0].Key)
		assert.True(t, events[0].Persisted)
	})

	t.Run("Transfers lists pending entries", func(t *testing.T) {
		t.Parallel()

		a, _ := newTestAgent(t, testConfig(t))
		require.NoError(t, a.scheduleTransfer(soap.TransferRequest{
			CommandKey: "fw-1",
			FileType:   "1 Firmware Upgrade Image",
			URL:        "http://fw.example/image",
			Delay:      time.Hour,
		}))

		transfers := a.Transfers()

		require.Len(t, transfers, 1)
		assert.Equal(t, "download", transfers[0].Kind)
		assert.Equal(t, "fw-1", transfers[0].CommandKey)
	})

	t.Run("Inform queues the named event and kicks", func(t *testing.T) {
		t.Parallel()

		a, _ := newTestAgent(t, testConfig(t))

		require.NoError(t, a.Inform("6 CONNECTION REQUEST"))

		events := a.queue.Snapshot()
		require.Len(t, events, 1)
		assert.Equal(t, cwmp.EventConnectionRequest, events[0].Code)
		select {
		case <-a.kickCh:
		default:
			t.Fatal("no session kick")
		}
	})

	t.Run("Inform rejects unknown codes", func(t *testing.T) {
		t.Parallel()

		a, _ := newTestAgent(t, testConfig(t))

		assert.Error(t, a.Inform("99 NONSENSE"))
		assert.Zero(t, a.queue.Len())
	})
}
