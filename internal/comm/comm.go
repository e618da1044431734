// Package comm wraps one native communicator per rank and owns its
// lifecycle: blocking and non-blocking creation, split, readiness, error
// polling, abort, finalize, destroy and zero-copy segment registration.
//
// Every public method takes the handle mutex exactly once and delegates to
// unlocked helpers, so no re-entrant locking is needed. Waiting on the
// native library (readiness, non-blocking abort) happens with the mutex
// released.
package comm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/core"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/native"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/poll"
)

// Comm is a shared, reference-counted handle to one native communicator.
type Comm struct {
	lib    native.Library
	caps   native.Capabilities
	policy poll.Policy
	logger *slog.Logger

	mu           sync.Mutex
	handle       native.Comm
	id           native.UniqueID
	rank         int
	deviceIndex  int
	initialized  bool
	aborted      bool
	destroyed    bool
	nonBlocking  bool
	opPending    bool
	splitCounter uint64
	asyncErr     native.Result
	reason       string
	hasReason    bool
	memberRanks  []uint64
	segments     map[uintptr]native.SegmentHandle

	refs atomic.Int32
}

// Option configures a handle at creation.
type Option func(*Comm)

// WithPolicy sets the timeout-bounded call policy.
func WithPolicy(p poll.Policy) Option {
	return func(c *Comm) {
		c.policy = p
	}
}

// WithLogger sets the handle logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Comm) {
		c.logger = logger
	}
}

func newComm(lib native.Library, rank, deviceIndex int, opts ...Option) *Comm {
	c := &Comm{
		lib:         lib,
		caps:        native.CapabilitiesOf(lib),
		policy:      poll.New(poll.DefaultTimeout, poll.DefaultInterval),
		logger:      slog.Default(),
		rank:        rank,
		deviceIndex: deviceIndex,
		nonBlocking: true,
		segments:    make(map[uintptr]native.SegmentHandle),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("rank", rank, "device", deviceIndex)
	c.refs.Store(1)
	return c
}

// Create initializes a blocking communicator for rank in a group of nRanks.
// The handle is initialized as soon as Create returns.
func Create(lib native.Library, nRanks, rank int, id native.UniqueID, deviceIndex int, opts ...Option) (*Comm, error) {
	c := newComm(lib, rank, deviceIndex, opts...)
	r := lib.CommInitRank(&c.handle, nRanks, id, rank)
	if err := poll.Check(lib, r, "ncclCommInitRank", ""); err != nil {
		return nil, err
	}
	c.id = id
	c.initialized = true
	// Old style comm is always blocking.
	c.nonBlocking = false
	c.logger.Debug("created NCCL communicator", "comm", c.reprLocked(), "mode", "blocking")
	return c, nil
}

// CreateWithConfig initializes a communicator with a capability
// configuration. In non-blocking mode the handle becomes initialized the
// next time readiness is observed (WaitReady, CheckForError, or any call
// that needs the native handle).
func CreateWithConfig(lib native.Library, nRanks, rank int, id native.UniqueID, deviceIndex int, cfg native.Config, opts ...Option) (*Comm, error) {
	c := newComm(lib, rank, deviceIndex, opts...)
	if !c.caps.NonBlocking {
		return nil, core.ErrInvalidUsage("ncclCommInitRankConfig")
	}
	c.nonBlocking = !cfg.Blocking
	c.logger.Info("creating NCCL communicator", "mode", modeName(c.nonBlocking))
	r := lib.CommInitRankConfig(&c.handle, nRanks, id, rank, &cfg)
	if err := poll.CheckNonBlocking(lib, r, "ncclCommInitRankConfig", ""); err != nil {
		return nil, err
	}
	c.id = id
	c.initialized = !c.nonBlocking
	return c, nil
}

// Split derives a communicator from source, grouping ranks by color. It
// waits for source to be ready first. A negative color excludes this rank
// from every new group; the returned handle is then nil.
func Split(ctx context.Context, source *Comm, color, rank int, cfg native.Config, memberRanks []uint64, opts ...Option) (*Comm, error) {
	if !source.caps.Split {
		return nil, core.ErrInvalidUsage("ncclCommSplit")
	}
	parent, err := source.NativeComm(ctx)
	if err != nil {
		return nil, err
	}

	source.mu.Lock()
	deviceIndex := source.deviceIndex
	id := source.id
	source.mu.Unlock()

	opts = append([]Option{WithPolicy(source.policy), WithLogger(source.logger)}, opts...)
	c := newComm(source.lib, rank, deviceIndex, opts...)
	r := source.lib.CommSplit(parent, color, rank, &c.handle, &cfg)
	if err := poll.CheckNonBlocking(source.lib, r, "ncclCommSplit", ""); err != nil {
		return nil, err
	}

	source.mu.Lock()
	source.splitCounter++
	source.mu.Unlock()

	if c.handle == 0 {
		return nil, nil
	}
	c.id = id
	c.nonBlocking = !cfg.Blocking
	c.initialized = !c.nonBlocking
	c.memberRanks = append([]uint64(nil), memberRanks...)
	c.logger.Info("split NCCL communicator",
		"parent", fmt.Sprintf("%#x", uintptr(parent)),
		"comm", c.reprLocked(),
		"color", color,
		"mode", modeName(c.nonBlocking),
	)
	return c, nil
}

func modeName(nonBlocking bool) string {
	if nonBlocking {
		return "nonblocking"
	}
	return "blocking"
}

// Retain adds an owner and returns c.
func (c *Comm) Retain() *Comm {
	c.refs.Add(1)
	return c
}

// UniqueID returns the group bootstrap token.
func (c *Comm) UniqueID() native.UniqueID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Rank returns the rank this handle was created for.
func (c *Comm) Rank() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rank
}

// DeviceIndex returns the device the handle is bound to.
func (c *Comm) DeviceIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceIndex
}

// MemberRanks returns the global ranks passed at split time, if any.
func (c *Comm) MemberRanks() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.memberRanks...)
}

// IsInitialized reports whether the native communicator is known ready.
func (c *Comm) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// IsAborted reports whether the handle was aborted or destroyed.
func (c *Comm) IsAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

// IsNonBlocking reports whether the handle uses non-blocking mode.
func (c *Comm) IsNonBlocking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonBlocking
}

// SplitCounter returns how many splits were derived from this handle.
func (c *Comm) SplitCounter() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.splitCounter
}

// FailureReason returns the reason supplied to Abort, if any.
func (c *Comm) FailureReason() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason, c.hasReason
}

// Capabilities returns the capability set resolved for the library.
func (c *Comm) Capabilities() native.Capabilities {
	return c.caps
}

// String returns the native handle representation.
func (c *Comm) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reprLocked()
}

func (c *Comm) reprLocked() string {
	return fmt.Sprintf("%#x", uintptr(c.handle))
}

// Info is a point-in-time view of a handle for health reporting.
type Info struct {
	Comm          string `json:"comm"`
	Rank          int    `json:"rank"`
	DeviceIndex   int    `json:"device_index"`
	Initialized   bool   `json:"initialized"`
	Aborted       bool   `json:"aborted"`
	NonBlocking   bool   `json:"nonblocking"`
	AsyncError    string `json:"async_error"`
	FailureReason string `json:"failure_reason,omitempty"`
	Segments      int    `json:"segments"`
	SplitCounter  uint64 `json:"split_counter"`
}

// Info returns the current state of the handle without touching the
// native library.
func (c *Comm) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		Comm:          c.reprLocked(),
		Rank:          c.rank,
		DeviceIndex:   c.deviceIndex,
		Initialized:   c.initialized,
		Aborted:       c.aborted,
		NonBlocking:   c.nonBlocking,
		AsyncError:    c.asyncErr.String(),
		FailureReason: c.reason,
		Segments:      len(c.segments),
		SplitCounter:  c.splitCounter,
	}
}
