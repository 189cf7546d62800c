package connreq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	// DefaultCommandTimeout applies when a command carries no timeout of
	// its own, in seconds.
	DefaultCommandTimeout = 30

	// maxCommandTimeout bounds the per-command timeout in seconds.
	maxCommandTimeout = 300

	maxCommandLength = 1024
	maxArgsLength    = 2048

	// maxOutputBytes caps each captured output stream.
	maxOutputBytes = 1 << 20

	commandTimeLayout = "2006-01-02T15:04:05.000"
)

// ErrCommandRejected reports a command whose prefix is not whitelisted.
var ErrCommandRejected = errors.New("connreq: command not allowed")

// commandWhitelist lists the allowed command prefixes. A pattern ending
// in "/" matches as a plain prefix; any other pattern must be followed by
// a separator or the end of the command line, so "ip link" passes but
// "ipkg" does not.
var commandWhitelist = []string{
	"ping", "ping6",
	"traceroute", "traceroute6",
	"nslookup", "dig",
	"curl", "wget",
	"iperf", "iperf3", "speedtest",
	"uci",
	"cat /proc/", "cat /sys/",
	"ls", "ps", "top", "free", "df", "uptime", "date",
	"whoami", "id", "uname",
	"ifconfig", "ip", "route", "netstat", "ss",
	"iwconfig", "iwlist", "iw", "iwinfo",
	"logread", "dmesg", "log", "logcat",
	"ethtool", "spectraltool",
	"luci-reload",
	"/etc/init.d/",
}

// Command is one parsed side-channel request.
type Command struct {
	// Command is the command line to run; its prefix must be
	// whitelisted.
	Command string `json:"command"`

	// Args is appended to the command line verbatim.
	Args string `json:"args,omitempty"`

	// Timeout in seconds, 1 to 300. Out-of-range values fall back to
	// DefaultCommandTimeout.
	Timeout int `json:"timeout,omitempty"`

	// Workdir is the working directory, sanitized against traversal
	// sequences. Defaults to /tmp.
	Workdir string `json:"workdir,omitempty"`

	// User is accepted for wire compatibility and logged; the agent does
	// not switch users.
	User string `json:"user,omitempty"`
}

// CommandResult is the JSON reply for one executed command. Status is
// "success" for any run that finished, including nonzero exits, and
// "timeout" for a run the deadline killed. Timestamps are local time
// with millisecond precision.
type CommandResult struct {
	Status          string `json:"status"`
	ExitCode        int    `json:"exit_code"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
}

// ParseCommand parses one X-Agent-Command header value. A value that
// parses as a JSON object selects the structured form; anything else is
// taken as a literal command line with default settings.
//
// Returns:
//   - *Command: the parsed command with defaults applied
//   - error: when the value is empty or a field exceeds its bound
func ParseCommand(header string) (*Command, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, errors.New("connreq: empty command")
	}

	cmd := &Command{}
	if err := json.Unmarshal([]byte(header), cmd); err != nil {
		// Literal form: the whole value is the command line.
		cmd = &Command{Command: header}
	}

	if cmd.Command == "" {
		return nil, errors.New("connreq: no command given")
	}
	if len(cmd.Command) > maxCommandLength {
		return nil, fmt.Errorf("connreq: command exceeds %d bytes", maxCommandLength)
	}
	if len(cmd.Args) > maxArgsLength {
		return nil, fmt.Errorf("connreq: args exceed %d bytes", maxArgsLength)
	}

	if cmd.Timeout <= 0 || cmd.Timeout > maxCommandTimeout {
		cmd.Timeout = DefaultCommandTimeout
	}
	if cmd.Workdir == "" {
		cmd.Workdir = "/tmp"
	}
	cmd.Workdir = sanitizePath(cmd.Workdir)
	if cmd.User == "" {
		cmd.User = "root"
	}
	return cmd, nil
}

// RunCommand validates cmd against the whitelist and executes it through
// /bin/sh with its output captured.
//
// Parameters:
//   - ctx: Cancels the command early (client disconnect, shutdown)
//   - cmd: The parsed command; ParseCommand applies the defaults
//
// Returns:
//   - *CommandResult: the outcome with capped stdout/stderr
//   - error: when the command is rejected or cannot be started
func RunCommand(ctx context.Context, cmd *Command) (*CommandResult, error) {
	if !commandAllowed(cmd.Command) {
		return nil, fmt.Errorf("%w: %q", ErrCommandRejected, cmd.Command)
	}
	return run(ctx, cmd)
}

// run executes an already validated command.
func run(ctx context.Context, cmd *Command) (*CommandResult, error) {
	line := cmd.Command
	if cmd.Args != "" {
		line += " " + cmd.Args
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	stdout := &cappedBuffer{max: maxOutputBytes}
	stderr := &cappedBuffer{max: maxOutputBytes}

	proc := exec.CommandContext(runCtx, "/bin/sh", "-c", line)
	proc.Dir = cmd.Workdir
	proc.Stdout = stdout
	proc.Stderr = stderr
	// A killed shell can leave children holding the output pipes open;
	// WaitDelay makes Wait abandon them instead of hanging.
	proc.WaitDelay = time.Second

	start := time.Now()
	err := proc.Run()
	end := time.Now()

	result := &CommandResult{
		Status:          "success",
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		ExecutionTimeMS: end.Sub(start).Milliseconds(),
		StartTime:       start.Format(commandTimeLayout),
		EndTime:         end.Format(commandTimeLayout),
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		result.Status = "timeout"
		result.ExitCode = -1
		result.Stderr = "Command timed out"
	case err == nil:
	default:
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		case errors.Is(err, exec.ErrWaitDelay):
			result.ExitCode = proc.ProcessState.ExitCode()
		default:
			return nil, fmt.Errorf("start command: %w", err)
		}
	}
	return result, nil
}

// commandAllowed reports whether the command line starts with a
// whitelisted prefix.
func commandAllowed(command string) bool {
	for _, pattern := range commandWhitelist {
		if !strings.HasPrefix(command, pattern) {
			continue
		}
		if strings.HasSuffix(pattern, "/") || len(command) == len(pattern) {
			return true
		}
		if next := command[len(pattern)]; next == ' ' || next == '\t' {
			return true
		}
	}
	return false
}

// sanitizePath masks directory traversal sequences with underscores.
// Masking keeps the string length stable, and a mask can never form a
// new traversal with its neighbors.
func sanitizePath(path string) string {
	for _, seq := range []string{"../", "..\\", "/..", "\\.."} {
		path = strings.ReplaceAll(path, seq, strings.Repeat("_", len(seq)))
	}
	return path
}

// cappedBuffer keeps at most max bytes and silently drops the rest, so a
// chatty child keeps draining its pipe without growing the capture.
type cappedBuffer struct {
	buf bytes.Buffer
	max int
}

// Write reports the full length as written even past the cap, so the
// pipe copier never sees a short write.
func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}
