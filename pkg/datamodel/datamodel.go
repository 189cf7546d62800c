// Package datamodel bridges the agent to the external provider process that
// owns the TR-069 parameter tree. The provider is a helper executable: the
// agent writes one command per line to its stdin ("get value <name>",
// "set value <name> <value>", "apply value <key>", ...) and reads back JSON
// records, one per line, with a prompt line closing each command's output.
//
// The provider carries no concurrency guarantees, so the bridge is strictly
// serial: Open hands out the single connection slot, and each operation runs
// as one write-then-read transaction against the helper's pipes. Response
// ordering matches command ordering.
package datamodel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cpeworks/cwmpd/internal/logger"
)

// DefaultPrompt is the line the provider prints after finishing each
// command's output.
const DefaultPrompt = "cwmpd>"

// closeGrace is how long Close waits for the provider to exit on stdin EOF
// before killing it.
const closeGrace = 2 * time.Second

// maxLineSize bounds a single provider output line. Larger lines abort the
// connection.
const maxLineSize = 1 << 20

// ErrClosed is returned by operations on a connection that was closed or
// abandoned after a transport failure.
var ErrClosed = errors.New("datamodel: provider connection closed")

// Config selects the provider executable.
type Config struct {
	// Command is the provider executable path.
	Command string

	// Args are passed to the provider on every spawn.
	Args []string

	// Prompt overrides DefaultPrompt when the provider uses a different
	// end-of-output marker.
	Prompt string
}

// Bridge spawns provider processes and enforces that at most one connection
// exists at a time.
type Bridge struct {
	command string
	args    []string
	prompt  string
	slot    *semaphore.Weighted
}

// NewBridge returns a bridge for the configured provider executable.
func NewBridge(cfg Config) *Bridge {
	prompt := cfg.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}
	return &Bridge{
		command: cfg.Command,
		args:    append([]string(nil), cfg.Args...),
		prompt:  prompt,
		slot:    semaphore.NewWeighted(1),
	}
}

// Open spawns the provider and reserves exclusive use of the bridge until
// Close is called on the returned connection. Open blocks while another
// connection is live; ctx bounds the wait.
func (b *Bridge) Open(ctx context.Context) (*Conn, error) {
	if err := b.slot.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire data model bridge: %w", err)
	}

	cmd := exec.Command(b.command, b.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		b.slot.Release(1)
		return nil, fmt.Errorf("open provider stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		b.slot.Release(1)
		return nil, fmt.Errorf("open provider stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		b.slot.Release(1)
		return nil, fmt.Errorf("open provider stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		b.slot.Release(1)
		return nil, fmt.Errorf("start data model provider: %w", err)
	}
	logger.Debug("Started data model provider", "command", b.command, "pid", cmd.Process.Pid)

	return newConn(b.prompt, stdin, stdout, stderr, cmd, func() { b.slot.Release(1) }), nil
}

// Conn is one live provider process. Operations are serialized on the
// connection; a transport failure marks it broken and every later operation
// returns ErrClosed.
type Conn struct {
	prompt  string
	stdin   io.WriteCloser
	proc    *exec.Cmd
	release func()

	lines      chan string
	readerDone chan struct{}
	stderrDone chan struct{}

	mu     sync.Mutex
	closed bool
	broken bool
}

// newConn wraps already-connected pipes. proc, stderr and release may be nil
// when the caller manages the process itself.
func newConn(prompt string, stdin io.WriteCloser, stdout, stderr io.Reader, proc *exec.Cmd, release func()) *Conn {
	c := &Conn{
		prompt:     prompt,
		stdin:      stdin,
		proc:       proc,
		release:    release,
		lines:      make(chan string, 64),
		readerDone: make(chan struct{}),
		stderrDone: make(chan struct{}),
	}

	go func() {
		defer close(c.readerDone)
		defer close(c.lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			c.lines <- strings.TrimRight(scanner.Text(), "\r")
		}
		if err := scanner.Err(); err != nil {
			logger.Debug("Data model provider output ended", "error", err)
		}
	}()

	if stderr == nil {
		close(c.stderrDone)
	} else {
		go func() {
			defer close(c.stderrDone)
			scanner := bufio.NewScanner(stderr)
			scanner.Buffer(make([]byte, 0, 4*1024), maxLineSize)
			for scanner.Scan() {
				logger.Debug("Data model provider stderr", "line", scanner.Text())
			}
		}()
	}

	return c
}

// roundTrip writes the command lines and collects every JSON record the
// provider emits until one prompt line per command has been consumed.
// Records arrive in command order. Non-JSON lines are ignored.
func (c *Conn) roundTrip(ctx context.Context, commands []string) ([]providerRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.broken {
		return nil, ErrClosed
	}

	var batch strings.Builder
	for _, command := range commands {
		batch.WriteString(command)
		batch.WriteByte('\n')
	}
	if _, err := io.WriteString(c.stdin, batch.String()); err != nil {
		c.fail()
		return nil, fmt.Errorf("write provider command: %w", err)
	}

	var records []providerRecord
	prompts := 0
	for prompts < len(commands) {
		select {
		case line, ok := <-c.lines:
			if !ok {
				c.fail()
				return nil, errors.New("data model provider closed the response stream")
			}
			if line == "" {
				continue
			}
			if line == c.prompt {
				prompts++
				continue
			}
			var rec providerRecord
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				logger.Debug("Ignoring non-JSON provider output", "line", line)
				continue
			}
			records = append(records, rec)
		case <-ctx.Done():
			c.fail()
			return nil, ctx.Err()
		}
	}
	return records, nil
}

// fail abandons the connection after a transport error. Caller holds c.mu.
func (c *Conn) fail() {
	if c.broken {
		return
	}
	c.broken = true
	c.stdin.Close()
	if c.proc != nil && c.proc.Process != nil {
		c.proc.Process.Kill()
	}
}

// Close terminates the provider and releases the bridge slot. The provider
// gets a short grace period to exit on stdin EOF before it is killed.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.stdin.Close()

	// Unblock the reader goroutine if output is still buffered.
	go func() {
		for range c.lines {
		}
	}()

	if c.proc != nil {
		select {
		case <-c.readerDone:
		case <-time.After(closeGrace):
			c.proc.Process.Kill()
			<-c.readerDone
		}
		<-c.stderrDone
		if err := c.proc.Wait(); err != nil {
			logger.Debug("Data model provider exited", "error", err)
		}
	} else {
		<-c.readerDone
		<-c.stderrDone
	}

	if c.release != nil {
		c.release()
	}
	return nil
}
