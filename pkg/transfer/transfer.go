// Package transfer schedules and executes the file transfers the ACS
// requests through Download and Upload RPCs.
//
// Every accepted request becomes an Entry with an absolute fire time.
// Entries restored from the backup document reschedule against the wall
// clock, so a fire time that passed while the agent was down fires
// immediately. When a fire time elapses the engine hands the entry to the
// Executor, one at a time, and reports the outcome through the completion
// handler; the agent side persists the TransferComplete record, queues the
// M event and kicks an inform from there.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cpeworks/cwmpd/internal/logger"
	"github.com/cpeworks/cwmpd/pkg/cwmp"
)

// Default slot capacities for concurrent pending transfers.
const (
	DefaultMaxDownloads = 10
	DefaultMaxUploads   = 10
)

// Entry is one pending transfer. ID is the backup record id the agent
// assigned, which ties the entry to its persisted form.
type Entry struct {
	ID         int64
	Upload     bool
	CommandKey string
	FileType   string
	URL        string
	Username   string
	Password   string
	FileSize   string
	FireTime   time.Time
}

// Result is the outcome of an executed transfer.
type Result struct {
	Entry    Entry
	Fault    cwmp.FaultCode
	Start    time.Time
	Complete time.Time
}

// Executor performs one transfer. Returning an error wrapping a
// cwmp.FaultError selects the fault code reported to the ACS; any other
// error maps to the generic download or upload failure.
type Executor interface {
	Execute(ctx context.Context, entry Entry) error
}

// Config tunes the engine's slot capacities. Zero values pick defaults.
type Config struct {
	MaxDownloads int
	MaxUploads   int
}

// Engine owns the pending transfer set. Executions run on a single worker
// goroutine in fire order.
type Engine struct {
	executor Executor
	handler  func(Result)

	maxDownloads int
	maxUploads   int

	ctx    context.Context
	cancel context.CancelFunc
	fires  chan int64
	done   chan struct{}

	mu      sync.Mutex
	pending map[int64]*pendingEntry
	closed  bool
}

type pendingEntry struct {
	entry Entry
	timer *time.Timer
}

// NewEngine starts an engine delivering outcomes to handler from the
// worker goroutine.
func NewEngine(executor Executor, handler func(Result), cfg Config) *Engine {
	if cfg.MaxDownloads <= 0 {
		cfg.MaxDownloads = DefaultMaxDownloads
	}
	if cfg.MaxUploads <= 0 {
		cfg.MaxUploads = DefaultMaxUploads
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		executor:     executor,
		handler:      handler,
		maxDownloads: cfg.MaxDownloads,
		maxUploads:   cfg.MaxUploads,
		ctx:          ctx,
		cancel:       cancel,
		fires:        make(chan int64, cfg.MaxDownloads+cfg.MaxUploads),
		done:         make(chan struct{}),
		pending:      make(map[int64]*pendingEntry),
	}
	go e.run()
	return e
}

// HasSlot reports whether another transfer of the given kind fits. The
// caller checks this before persisting a new request so a full engine
// turns into a 9004 fault without touching the backup document.
func (e *Engine) HasSlot(upload bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	downloads, uploads := e.countLocked()
	if upload {
		return uploads < e.maxUploads
	}
	return downloads < e.maxDownloads
}

// Schedule accepts a transfer and arms its fire timer. Fire times in the
// past fire immediately. A full slot set fails with the resources-exceeded
// fault.
func (e *Engine) Schedule(entry Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errors.New("transfer engine stopped")
	}
	if _, dup := e.pending[entry.ID]; dup {
		return fmt.Errorf("transfer %d already scheduled", entry.ID)
	}
	downloads, uploads := e.countLocked()
	if entry.Upload && uploads >= e.maxUploads {
		return cwmp.Fault(cwmp.FaultResourcesExceeded)
	}
	if !entry.Upload && downloads >= e.maxDownloads {
		return cwmp.Fault(cwmp.FaultResourcesExceeded)
	}

	delay := time.Until(entry.FireTime)
	if delay < 0 {
		delay = 0
	}
	id := entry.ID
	e.pending[id] = &pendingEntry{
		entry: entry,
		timer: time.AfterFunc(delay, func() { e.fire(id) }),
	}
	logger.Info("Scheduled transfer",
		"id", entry.ID,
		"upload", entry.Upload,
		"command_key", entry.CommandKey,
		"delay", delay.Round(time.Second),
	)
	return nil
}

// Counts returns the number of pending downloads and uploads, including
// one currently executing.
func (e *Engine) Counts() (downloads, uploads int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.countLocked()
}

func (e *Engine) countLocked() (downloads, uploads int) {
	for _, p := range e.pending {
		if p.entry.Upload {
			uploads++
		} else {
			downloads++
		}
	}
	return downloads, uploads
}

// Pending returns the pending entries ordered by fire time.
func (e *Engine) Pending() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries := make([]Entry, 0, len(e.pending))
	for _, p := range e.pending {
		entries = append(entries, p.entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].FireTime.Equal(entries[j].FireTime) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].FireTime.Before(entries[j].FireTime)
	})
	return entries
}

// Stop disarms every timer and cancels an in-flight execution. A transfer
// interrupted by Stop reports no result: its backup record survives, so
// the next start reschedules it.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, p := range e.pending {
		p.timer.Stop()
	}
	e.mu.Unlock()

	e.cancel()
	close(e.done)
}

func (e *Engine) fire(id int64) {
	select {
	case e.fires <- id:
	case <-e.done:
	}
}

func (e *Engine) run() {
	for {
		select {
		case id := <-e.fires:
			e.execute(id)
		case <-e.done:
			return
		}
	}
}

func (e *Engine) execute(id int64) {
	e.mu.Lock()
	p, ok := e.pending[id]
	e.mu.Unlock()
	if !ok {
		return
	}
	entry := p.entry

	start := time.Now().UTC()
	err := e.executor.Execute(e.ctx, entry)
	complete := time.Now().UTC()

	e.mu.Lock()
	delete(e.pending, id)
	closed := e.closed
	e.mu.Unlock()

	if closed && errors.Is(err, context.Canceled) {
		// Interrupted by Stop: leave the persisted entry for the next run.
		return
	}

	fault := cwmp.FaultOf(err)
	if err != nil && fault == cwmp.FaultNone {
		if entry.Upload {
			fault = cwmp.FaultUploadFailure
		} else {
			fault = cwmp.FaultDownloadFailure
		}
	}
	if err != nil {
		logger.Warn("Transfer failed",
			"id", entry.ID,
			"command_key", entry.CommandKey,
			"fault", fault.Code(),
			"error", err,
		)
	} else {
		logger.Info("Transfer finished",
			"id", entry.ID,
			"command_key", entry.CommandKey,
			"duration", complete.Sub(start).Round(time.Millisecond),
		)
	}

	if e.handler != nil {
		e.handler(Result{Entry: entry, Fault: fault, Start: start, Complete: complete})
	}
}
