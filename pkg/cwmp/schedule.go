package cwmp

import (
	"math/rand"
	"time"
)

// EndSession is a bitmask of actions the agent must run after the current
// session terminates. Handlers set bits while the session is live; the
// engine executes them once the connection is closed.
type EndSession uint32

const (
	EndSessionReboot EndSession = 1 << iota
	EndSessionFactoryReset
	EndSessionReloadConfig
)

// RetryMax caps the inform retry backoff at four hours.
const RetryMax = 14400 * time.Second

// RetryBase is the backoff before the first retry.
const RetryBase = 5 * time.Second

// RetryWindow returns the backoff bounds for retry attempt n (1-based):
// the base delay min(5·2^(n−1), 14400) seconds widened by ±10% jitter.
func RetryWindow(n int) (min, max time.Duration) {
	if n < 1 {
		n = 1
	}
	shift := n - 1
	if shift > 12 {
		shift = 12
	}
	base := time.Duration(5<<uint(shift)) * time.Second
	if base > RetryMax {
		base = RetryMax
	}
	return base - base/10, base + base/10
}

// RetryDelay returns a jittered backoff before inform retry attempt n
// (1-based). The delay doubles per attempt from 5s and saturates at
// RetryMax, with ±10% uniform jitter to decorrelate retries across a
// fleet pointed at the same ACS.
func RetryDelay(n int) time.Duration {
	lo, hi := RetryWindow(n)
	return lo + time.Duration(rand.Int63n(int64(hi-lo)+1))
}

// NextPeriodicDelay returns the wait until the next periodic inform.
//
// The reference instant anchors the schedule: fires happen at
// reference + k·interval for whole (possibly negative) k, and the next
// fire is the first such instant strictly after now. A zero reference
// anchors at now, yielding a plain fixed-interval timer.
//
// Parameters:
//   - now: Current time
//   - reference: Schedule anchor (PeriodicInformTime), zero if unset
//   - interval: Periodic inform interval, must be positive
//
// Returns:
//   - time.Duration: Positive delay until the next scheduled fire
func NextPeriodicDelay(now, reference time.Time, interval time.Duration) time.Duration {
	if interval <= 0 {
		interval = time.Second
	}
	if reference.IsZero() {
		return interval
	}
	delta := now.Sub(reference)
	k := delta / interval
	if delta < 0 && delta%interval != 0 {
		k--
	}
	return reference.Add((k + 1) * interval).Sub(now)
}
