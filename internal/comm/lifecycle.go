package comm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/core"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/native"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/poll"
)

// refreshFor polls the asynchronous state of handle. It does not touch the
// handle mutex.
func (c *Comm) refreshFor(handle native.Comm) func() native.Result {
	return func() native.Result {
		state := native.InProgress
		if r := c.lib.CommGetAsyncError(handle, &state); r != native.Success {
			return r
		}
		return state
	}
}

// abortedErrLocked builds the fail-fast error for an aborted handle.
func (c *Comm) abortedErrLocked(op string) error {
	err := core.ErrAborted(op)
	err.Message = fmt.Sprintf("NCCL communicator was aborted on rank %d", c.rank)
	if c.hasReason {
		err.Message += ". Original reason for failure was: " + c.reason
		err.Reason = c.reason
	}
	return err
}

// WaitReady blocks until a non-blocking communicator has finished its
// pending operation, bounded by the policy timeout. For blocking
// communicators it only checks state.
func (c *Comm) WaitReady(ctx context.Context) error {
	_, err := c.NativeComm(ctx)
	return err
}

// NativeComm returns the native handle once it is ready. A non-blocking
// handle is polled only while initialization or an accepted operation is
// still in progress. Callers must not use the returned value after Abort
// or Destroy.
func (c *Comm) NativeComm(ctx context.Context) (native.Comm, error) {
	c.mu.Lock()
	if c.aborted {
		defer c.mu.Unlock()
		return 0, c.abortedErrLocked("use communicator")
	}
	handle := c.handle
	pending := c.nonBlocking && (!c.initialized || c.opPending)
	c.mu.Unlock()

	if pending {
		err := c.policy.Run(ctx, native.InProgress, poll.Call{
			Lib:     c.lib,
			Op:      "waitReady",
			Refresh: c.refreshFor(handle),
		})
		if err != nil {
			return 0, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return 0, c.abortedErrLocked("use communicator")
	}
	c.opPending = false
	c.markInitializedLocked()
	return c.handle, nil
}

func (c *Comm) markInitializedLocked() {
	if c.initialized {
		return
	}
	c.initialized = true
	c.logger.Info("NCCL communicator is initialized", "comm", c.reprLocked())
}

// CheckForError returns the asynchronous error state of the communicator.
// A non-success error, once observed, is cached and returned without
// querying the library again. Always Success when the library lacks error
// checking.
func (c *Comm) CheckForError() (native.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.caps.ErrorChecking {
		return native.Success, nil
	}
	if c.asyncErr != native.Success || c.handle == 0 {
		return c.asyncErr, nil
	}
	state := native.Success
	r := c.lib.CommGetAsyncError(c.handle, &state)
	if err := poll.Check(c.lib, r, "ncclCommGetAsyncError", c.reason); err != nil {
		return state, err
	}
	switch state {
	case native.Success:
		c.markInitializedLocked()
	case native.InProgress:
		// Still initializing; not an error and not cached.
	default:
		c.asyncErr = state
	}
	return state, nil
}

// Abort tears the communicator down so that no pending operation can hang
// the caller. It is idempotent: later calls return nil and keep the first
// failure reason. An empty reason records none. Abort is a no-op when the
// library lacks error checking.
func (c *Comm) Abort(ctx context.Context, reason string) error {
	c.mu.Lock()
	if !c.caps.ErrorChecking || c.aborted {
		c.mu.Unlock()
		return nil
	}
	handle, segErr := c.beginAbortLocked(reason)
	c.mu.Unlock()

	return errors.Join(segErr, c.issueAbort(ctx, handle, reason))
}

// beginAbortLocked releases registrations, records the reason and marks
// the handle aborted. It returns the native handle to abort.
func (c *Comm) beginAbortLocked(reason string) (native.Comm, error) {
	handle := c.handle
	segErr := c.deregisterAllLocked(handle)

	c.reason, c.hasReason = reason, reason != ""
	logReason := reason
	if logReason == "" {
		logReason = "No abort reason provided."
	}
	c.logger.Info("aborting NCCL communicator", "comm", c.reprLocked(), "reason", logReason)

	c.aborted = true
	c.handle = 0
	// Make sure nobody mistakes the handle for a healthy one.
	if c.asyncErr == native.Success {
		c.asyncErr = native.SystemError
	}
	return handle, segErr
}

// issueAbort calls the native abort without holding the mutex.
func (c *Comm) issueAbort(ctx context.Context, handle native.Comm, reason string) error {
	if handle == 0 {
		return nil
	}
	r := c.lib.CommAbort(handle)
	if !c.caps.NonBlocking {
		return poll.Check(c.lib, r, "ncclCommAbort", reason)
	}
	return c.policy.Run(ctx, r, poll.Call{
		Lib:           c.lib,
		Op:            "ncclCommAbort",
		Refresh:       c.refreshFor(handle),
		FailureReason: reason,
	})
}

// Finalize asks the library to flush outstanding operations. Blocking
// handles wait for completion; non-blocking handles return as soon as the
// request is accepted and the next readiness wait observes completion.
func (c *Comm) Finalize(ctx context.Context) error {
	handle, err := c.NativeComm(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return c.abortedErrLocked("finalize")
	}
	r := c.lib.CommFinalize(handle)
	if c.nonBlocking {
		if r == native.InProgress {
			c.opPending = true
		}
		return poll.CheckNonBlocking(c.lib, r, "ncclCommFinalize", c.reason)
	}
	return poll.Check(c.lib, r, "ncclCommFinalize", c.reason)
}

// Destroy releases the communicator gracefully, without abort semantics.
// Destroying an aborted or destroyed handle is a no-op.
func (c *Comm) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.aborted {
		c.mu.Unlock()
		c.logger.Info("NCCL communicator already invalidated, skipping destroy")
		return nil
	}
	c.mu.Unlock()

	handle, err := c.NativeComm(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return nil
	}
	r := c.lib.CommDestroy(handle)
	if err := poll.Check(c.lib, r, "ncclCommDestroy", c.reason); err != nil {
		return err
	}
	// Poison future use of the handle.
	c.aborted = true
	c.destroyed = true
	c.handle = 0
	c.segments = make(map[uintptr]native.SegmentHandle)
	return nil
}

// Release drops one owner. When the last owner releases an initialized,
// non-aborted handle, the abort path runs so no native resources leak;
// without error checking the handle is destroyed instead.
func (c *Comm) Release(ctx context.Context) error {
	n := c.refs.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		c.refs.Store(0)
		return nil
	}

	c.mu.Lock()
	if c.handle == 0 || !c.initialized || c.aborted {
		c.mu.Unlock()
		return nil
	}
	if !c.caps.ErrorChecking {
		handle := c.handle
		c.aborted = true
		c.destroyed = true
		c.handle = 0
		c.mu.Unlock()
		return poll.Check(c.lib, c.lib.CommDestroy(handle), "ncclCommDestroy", "")
	}
	handle, segErr := c.beginAbortLocked("")
	c.mu.Unlock()

	err := errors.Join(segErr, c.issueAbort(ctx, handle, ""))
	if err != nil {
		c.logger.Error("failed to release NCCL communicator", "error", err)
	}
	return err
}

// Dump returns the library's view of the communicator state. An aborted
// handle yields an empty map.
func (c *Comm) Dump(ctx context.Context) (map[string]string, error) {
	if !c.caps.CommDump {
		return nil, core.ErrInvalidUsage("ncclCommDump")
	}
	out := make(map[string]string)
	if c.IsAborted() {
		c.logger.Info("communicator was aborted before trying to dump its state")
		return out, nil
	}
	handle, err := c.NativeComm(ctx)
	if err != nil {
		return nil, err
	}
	if err := poll.Check(c.lib, c.lib.CommDump(handle, out), "ncclCommDump", ""); err != nil {
		return nil, err
	}
	return out, nil
}

// DumpAll collects the state of every live communicator in comms, keyed by
// native handle. Aborted handles and libraries without dump support are
// skipped; other failures are logged and skipped.
func DumpAll(ctx context.Context, comms []*Comm, logger *slog.Logger) map[string]map[string]string {
	if logger == nil {
		logger = slog.Default()
	}
	out := make(map[string]map[string]string)
	for _, c := range comms {
		if c.IsAborted() {
			continue
		}
		state, err := c.Dump(ctx)
		if err != nil {
			if !core.IsCategory(err, core.ErrCatInvalidUsage) {
				logger.Warn("could not dump communicator state", "comm", c.String(), "error", err)
			}
			continue
		}
		out[c.String()] = state
	}
	return out
}
