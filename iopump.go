package proxsmtp

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"
)

// pollGranularity bounds how long any single Read/Write on a filter pipe
// blocks before re-checking cancellation/clock state. It plays the role the
// original's 20ms wait_process polling plays for reaping, generalized to
// the I/O loops themselves so cancellation (quit flag, sibling timeout) is
// noticed promptly without changing the *real* inactivity timeout, which is
// tracked separately by activityClock.
const pollGranularity = 100 * time.Millisecond

// activityClock tracks a single shared "no activity across the fd set for
// this long" deadline, matching the original's select(2) semantics: one
// timeout value shared across stdin/stdout/stderr, reset whenever any one
// of them makes progress — not an independent per-fd timeout.
type activityClock struct {
	mu       sync.Mutex
	deadline time.Time
	timeout  time.Duration
}

func newActivityClock(timeout time.Duration) *activityClock {
	return &activityClock{deadline: time.Now().Add(timeout), timeout: timeout}
}

// kick extends the shared deadline; called after any successful read or
// write on any of the pumped descriptors.
func (c *activityClock) kick() {
	c.mu.Lock()
	c.deadline = time.Now().Add(c.timeout)
	c.mu.Unlock()
}

func (c *activityClock) current() time.Time {
	c.mu.Lock()
	d := c.deadline
	c.mu.Unlock()
	return d
}

func (c *activityClock) expired() bool {
	return time.Now().After(c.current())
}

// pollDeadline picks the nearer of the poll tick and the real shared
// deadline, so a blocking Read/Write wakes up often enough to notice
// cancellation but still genuinely blocks up to the real timeout when the
// filter is simply slow.
func pollDeadline(clock *activityClock) time.Time {
	tick := time.Now().Add(pollGranularity)
	real := clock.current()
	if real.Before(tick) {
		return real
	}
	return tick
}

// pumpRead performs one logical "read, respecting the shared deadline"
// step, retrying internally across poll ticks. It returns (0, nil, true) on
// a clean EOF, (0, ErrTimeout, false) when the shared clock has genuinely
// expired, and (0, ctx.Err(), false) on cancellation.
func pumpRead(ctx context.Context, f *os.File, buf []byte, clock *activityClock) (n int, err error, eof bool) {
	for {
		if ctx.Err() != nil {
			return 0, ctx.Err(), false
		}
		if err := f.SetReadDeadline(pollDeadline(clock)); err != nil {
			return 0, err, false
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			clock.kick()
			return n, nil, false
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, os.ErrDeadlineExceeded) {
			if clock.expired() {
				return 0, ErrTimeout, false
			}
			continue
		}
		if isRetryable(rerr) {
			continue
		}
		if isEOFError(rerr) {
			return 0, nil, true
		}
		return 0, rerr, false
	}
}

// pumpWrite is pumpRead's write-side counterpart. An EPIPE is returned as-is,
// so callers can tell "filter closed its stdin early" (not an error, per
// spec.md §4.C) from a genuine write failure by checking it with isEPIPE.
func pumpWrite(ctx context.Context, f *os.File, buf []byte, clock *activityClock) (n int, err error) {
	for {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if err := f.SetWriteDeadline(pollDeadline(clock)); err != nil {
			return 0, err
		}
		n, werr := f.Write(buf)
		if n > 0 {
			clock.kick()
			return n, nil
		}
		if werr == nil {
			continue
		}
		if errors.Is(werr, os.ErrDeadlineExceeded) {
			if clock.expired() {
				return 0, ErrTimeout
			}
			continue
		}
		if isRetryable(werr) {
			continue
		}
		return 0, werr
	}
}
