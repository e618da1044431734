// Package poll implements the timeout-bounded call policy used for every
// native call that may report InProgress.
//
// A single strategy is used for all calls: sleep a fixed small interval
// between polls (2ms by default), or yield the processor when the interval
// is zero. The policy never holds a lock while waiting.
package poll

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/core"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/native"
)

// DefaultInterval is the sleep between polls.
const DefaultInterval = 2 * time.Millisecond

// DefaultTimeout bounds non-blocking native calls.
const DefaultTimeout = 30 * time.Minute

// Policy converts a possibly in-progress native call into success, a
// Timeout error, or a Fatal error.
type Policy struct {
	Timeout  time.Duration
	Interval time.Duration

	// Now and Sleep are overridable for deterministic tests.
	Now   func() time.Time
	Sleep func(time.Duration)
}

// New returns a policy with the given timeout and interval. Non-positive
// timeouts fall back to DefaultTimeout; a negative interval falls back to
// DefaultInterval.
func New(timeout, interval time.Duration) Policy {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if interval < 0 {
		interval = DefaultInterval
	}
	return Policy{Timeout: timeout, Interval: interval}
}

// Call describes one bounded native call.
type Call struct {
	// Lib formats native error text. May be nil.
	Lib native.Library
	// Op names the call in error messages.
	Op string
	// Refresh re-reads the status of the call.
	Refresh func() native.Result
	// FailureReason is attached to fatal errors when set.
	FailureReason string
}

// Run evaluates initial (the result of issuing the call) and polls
// c.Refresh while it is InProgress.
func (p Policy) Run(ctx context.Context, initial native.Result, c Call) error {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = p.defaultSleep
	}

	start := now()
	result := initial
	for result == native.InProgress {
		if elapsed := now().Sub(start); elapsed > p.Timeout {
			return core.ErrTimeout(fmt.Sprintf("NCCL timeout in %s after %s (timeout %s)", c.Op, elapsed, p.Timeout)).
				WithReason(c.FailureReason)
		}
		if err := ctx.Err(); err != nil {
			return core.ErrTimeout(fmt.Sprintf("NCCL wait in %s cancelled", c.Op)).WithCause(err)
		}
		sleep(p.Interval)
		result = c.Refresh()
	}
	return Check(c.Lib, result, c.Op, c.FailureReason)
}

func (p Policy) defaultSleep(d time.Duration) {
	if d <= 0 {
		runtime.Gosched()
		return
	}
	time.Sleep(d)
}

// Check converts a final result into an error; anything but Success fails.
func Check(lib native.Library, r native.Result, op, failureReason string) error {
	if r == native.Success {
		return nil
	}
	text := r.String()
	if lib != nil {
		text = native.ErrorWithVersion(lib, r)
	}
	msg := fmt.Sprintf("NCCL error in: %s, %s\n%s", op, text, native.ErrorDetail(r, failureReason))
	return core.ErrFatal(r.String(), msg).WithReason(failureReason)
}

// CheckNonBlocking is Check for calls issued on non-blocking communicators,
// where InProgress means the call was accepted.
func CheckNonBlocking(lib native.Library, r native.Result, op, failureReason string) error {
	if r == native.InProgress {
		return nil
	}
	return Check(lib, r, op, failureReason)
}
