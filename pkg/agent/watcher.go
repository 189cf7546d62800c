package agent

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cpeworks/cwmpd/internal/logger"
	"github.com/cpeworks/cwmpd/pkg/cwmp"
)

const (
	defaultIPPollInterval = 30 * time.Second

	// reloadDebounce folds the event burst a config-file replace
	// produces into one reload.
	reloadDebounce = 500 * time.Millisecond
)

// watchInterface polls the management interface address and reports a
// change as a value change, the signal ACSes key NAT re-traversal and
// connection-request URL updates on.
func (a *Agent) watchInterface(ctx context.Context) error {
	var last string
	for {
		cfg := a.config()
		interval := cfg.Local.IPPollInterval.Std()
		if interval <= 0 {
			interval = defaultIPPollInterval
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		if cfg.Local.Interface == "" {
			continue
		}
		addr, err := interfaceAddr(cfg.Local.Interface)
		if err != nil {
			logger.Debug("Cannot read interface address",
				"interface", cfg.Local.Interface, logger.KeyError, err)
			continue
		}
		if addr == "" {
			continue
		}
		if last != "" && addr != last {
			logger.Info("Interface address changed",
				"interface", cfg.Local.Interface,
				"from", last,
				"to", addr,
			)
			a.addEvent(cwmp.EventValueChange, "", 0, false)
			a.kickInform()
		}
		last = addr
	}
}

// interfaceAddr returns the interface's first IPv4 address, falling back
// to its first address of any kind.
func interfaceAddr(name string) (string, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return "", err
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return "", err
	}
	var fallback string
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
		if fallback == "" {
			fallback = ipNet.IP.String()
		}
	}
	return fallback, nil
}

// watchConfigFile reloads the daemon when the configuration file is
// rewritten. Editors and config managers replace the file rather than
// writing in place, so the watch covers the directory and filters on
// the file name.
func (a *Agent) watchConfigFile(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	a.mu.Lock()
	path := filepath.Clean(a.configPath)
	a.mu.Unlock()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(reloadDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Config watcher error", logger.KeyError, err)

		case <-debounce:
			debounce = nil
			logger.Info("Configuration file changed on disk")
			a.requestReload()
		}
	}
}

// watchSignals maps SIGHUP to a configuration reload. Termination
// signals are the caller's business.
func (a *Agent) watchSignals(ctx context.Context) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
			logger.Info("SIGHUP received, scheduling reload")
			a.requestReload()
		}
	}
}
