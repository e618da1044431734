package comm

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/core"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/native"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/poll"
)

// RegisterSegment registers [addr, addr+size) for zero-copy transfers.
// Segments come from a caching allocator with disjoint ranges, so an
// address maps to at most one registration at a time.
func (c *Comm) RegisterSegment(ctx context.Context, addr uintptr, size uint64) error {
	if !c.caps.Register {
		return core.ErrInvalidUsage("ncclCommRegister")
	}
	// Registration must never race initialization.
	handle, err := c.NativeComm(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return c.abortedErrLocked("register segment")
	}
	if _, ok := c.segments[addr]; ok {
		return core.ErrDuplicateSegment(addr, c.reprLocked())
	}
	var seg native.SegmentHandle
	r := c.lib.CommRegister(handle, addr, size, &seg)
	if err := poll.Check(c.lib, r, fmt.Sprintf("ncclCommRegister(ptr %#x, size %d)", addr, size), c.reason); err != nil {
		return err
	}
	c.segments[addr] = seg
	return nil
}

// DeregisterSegment removes the registration for addr.
func (c *Comm) DeregisterSegment(ctx context.Context, addr uintptr) error {
	if !c.caps.Register {
		return core.ErrInvalidUsage("ncclCommDeregister")
	}
	handle, err := c.NativeComm(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return c.abortedErrLocked("deregister segment")
	}
	seg, ok := c.segments[addr]
	if !ok {
		return core.ErrNotRegistered(addr, c.reprLocked())
	}
	r := c.lib.CommDeregister(handle, seg)
	if err := poll.Check(c.lib, r, fmt.Sprintf("ncclCommDeregister(handle %#x, ptr %#x)", uintptr(seg), addr), c.reason); err != nil {
		return err
	}
	delete(c.segments, addr)
	return nil
}

// RegisteredSegments returns the registered addresses in ascending order.
func (c *Comm) RegisteredSegments() []uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	addrs := make([]uintptr, 0, len(c.segments))
	for addr := range c.segments {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// deregisterAllLocked drops every registration, attempting each one even
// if an earlier one fails. The map is always cleared.
func (c *Comm) deregisterAllLocked(handle native.Comm) error {
	if !c.caps.Register || handle == 0 {
		c.segments = make(map[uintptr]native.SegmentHandle)
		return nil
	}
	var errs []error
	for addr, seg := range c.segments {
		r := c.lib.CommDeregister(handle, seg)
		op := fmt.Sprintf("ncclCommDeregister(handle %#x, ptr %#x) on comm %s", uintptr(seg), addr, c.reprLocked())
		if err := poll.Check(c.lib, r, op, c.reason); err != nil {
			errs = append(errs, err)
		}
	}
	c.segments = make(map[uintptr]native.SegmentHandle)
	return errors.Join(errs...)
}
