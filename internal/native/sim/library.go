// Package sim implements native.Library entirely in memory. It models the
// observable protocol of a collective library (blocking and non-blocking
// initialization, asynchronous errors, abort, segment registration, split)
// without any hardware, so handles and watchdogs can be exercised anywhere.
package sim

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/native"
)

// Op names a native call for failure injection and call counting.
type Op string

const (
	OpInit       Op = "init"
	OpSplit      Op = "split"
	OpAbort      Op = "abort"
	OpFinalize   Op = "finalize"
	OpDestroy    Op = "destroy"
	OpAsyncError Op = "async_error"
	OpRegister   Op = "register"
	OpDeregister Op = "deregister"
	OpDump       Op = "dump"
)

type segment struct {
	addr uintptr
	size uint64
}

type commState struct {
	nRanks    int
	rank      int
	id        native.UniqueID
	blocking  bool
	asyncErr  native.Result
	pending   int // remaining InProgress polls; negative stalls forever
	aborted   bool
	destroyed bool
	finalized bool
	parent    native.Comm
	color     int
	segments  map[native.SegmentHandle]segment
}

// Library is a thread-safe simulated collective library.
type Library struct {
	mu         sync.Mutex
	version    native.Version
	initPolls  int
	abortPolls int
	next       native.Comm
	nextSeg    native.SegmentHandle
	comms      map[native.Comm]*commState
	failures   map[Op]native.Result
	calls      map[Op]int
	lastError  string
}

// Option configures a simulated library.
type Option func(*Library)

// WithVersion overrides the advertised library version.
func WithVersion(v native.Version) Option {
	return func(l *Library) {
		l.version = v
	}
}

// WithInitPolls sets how many async-error polls a non-blocking call reports
// InProgress before it becomes ready.
func WithInitPolls(n int) Option {
	return func(l *Library) {
		l.initPolls = n
	}
}

// WithAbortPolls sets how many polls a non-blocking abort stays in progress.
func WithAbortPolls(n int) Option {
	return func(l *Library) {
		l.abortPolls = n
	}
}

// New creates a simulated library advertising version 2.21.5 with
// communicator dumps enabled.
func New(opts ...Option) *Library {
	l := &Library{
		version:  native.Version{Major: 2, Minor: 21, Patch: 5, CommDump: true},
		next:     0x1000,
		nextSeg:  0x1,
		comms:    make(map[native.Comm]*commState),
		failures: make(map[Op]native.Result),
		calls:    make(map[Op]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FailNext makes the next call of op return r.
func (l *Library) FailNext(op Op, r native.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[op] = r
}

// InjectAsyncError sets the asynchronous error reported for comm, as if a
// remote peer failed.
func (l *Library) InjectAsyncError(comm native.Comm, r native.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.comms[comm]; ok {
		st.asyncErr = r
		st.pending = 0
		l.lastError = fmt.Sprintf("injected %s on comm %#x", r, uintptr(comm))
	}
}

// Stall keeps comm in progress forever, simulating a hung native call.
func (l *Library) Stall(comm native.Comm) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.comms[comm]; ok {
		st.asyncErr = native.InProgress
		st.pending = -1
	}
}

// Calls returns how many times op was invoked.
func (l *Library) Calls(op Op) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

// Segments returns the number of live segment registrations on comm.
func (l *Library) Segments(comm native.Comm) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.comms[comm]; ok {
		return len(st.segments)
	}
	return 0
}

// Aborted reports whether comm was aborted.
func (l *Library) Aborted(comm native.Comm) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.comms[comm]
	return ok && st.aborted
}

// Destroyed reports whether comm was destroyed.
func (l *Library) Destroyed(comm native.Comm) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.comms[comm]
	return ok && st.destroyed
}

// Version implements native.Library.
func (l *Library) Version() native.Version {
	return l.version
}

// GetUniqueID fills id with a fresh random token.
func (l *Library) GetUniqueID(id *native.UniqueID) native.Result {
	for off := 0; off < native.UniqueIDBytes; off += 16 {
		u := uuid.New()
		copy(id[off:], u[:])
	}
	return native.Success
}

// takeFailure must be called with l.mu held.
func (l *Library) takeFailure(op Op) (native.Result, bool) {
	l.calls[op]++
	r, ok := l.failures[op]
	if ok {
		delete(l.failures, op)
		l.lastError = fmt.Sprintf("simulated %s failure: %s", op, r)
	}
	return r, ok
}

// newCommLocked must be called with l.mu held.
func (l *Library) newCommLocked(st *commState) native.Comm {
	comm := l.next
	l.next += 0x10
	l.comms[comm] = st
	return comm
}

// startLocked puts st into the in-progress state when it is non-blocking.
func (l *Library) startLocked(st *commState, polls int) native.Result {
	if st.blocking || polls == 0 {
		st.asyncErr = native.Success
		return native.Success
	}
	st.asyncErr = native.InProgress
	st.pending = polls
	return native.InProgress
}

// CommInitRank implements blocking creation.
func (l *Library) CommInitRank(comm *native.Comm, nRanks int, id native.UniqueID, rank int) native.Result {
	return l.CommInitRankConfig(comm, nRanks, id, rank, &native.Config{Blocking: true})
}

// CommInitRankConfig implements creation with a capability configuration.
func (l *Library) CommInitRankConfig(comm *native.Comm, nRanks int, id native.UniqueID, rank int, cfg *native.Config) native.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.takeFailure(OpInit); ok {
		return r
	}
	if nRanks < 1 || rank < 0 || rank >= nRanks {
		l.lastError = fmt.Sprintf("invalid rank %d for group of %d", rank, nRanks)
		return native.InvalidArgument
	}
	blocking := cfg == nil || cfg.Blocking
	st := &commState{
		nRanks:   nRanks,
		rank:     rank,
		id:       id,
		blocking: blocking,
		segments: make(map[native.SegmentHandle]segment),
	}
	*comm = l.newCommLocked(st)
	return l.startLocked(st, l.initPolls)
}

// CommSplit derives a communicator. A negative color yields the null comm.
func (l *Library) CommSplit(parent native.Comm, color, key int, newComm *native.Comm, cfg *native.Config) native.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.takeFailure(OpSplit); ok {
		return r
	}
	p, ok := l.comms[parent]
	if !ok || p.aborted || p.destroyed {
		l.lastError = "split from invalid parent communicator"
		return native.InvalidArgument
	}
	if p.asyncErr == native.InProgress {
		return native.InvalidUsage
	}
	if color < 0 {
		*newComm = 0
		return native.Success
	}
	blocking := cfg == nil || cfg.Blocking
	st := &commState{
		nRanks:   p.nRanks,
		rank:     key,
		id:       p.id,
		blocking: blocking,
		parent:   parent,
		color:    color,
		segments: make(map[native.SegmentHandle]segment),
	}
	*newComm = l.newCommLocked(st)
	return l.startLocked(st, l.initPolls)
}

// CommAbort tears comm down. Registrations are dropped.
func (l *Library) CommAbort(comm native.Comm) native.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.takeFailure(OpAbort); ok {
		return r
	}
	st, ok := l.comms[comm]
	if !ok {
		return native.InvalidArgument
	}
	st.aborted = true
	st.segments = make(map[native.SegmentHandle]segment)
	return l.startLocked(st, l.abortPolls)
}

// CommFinalize flushes outstanding operations.
func (l *Library) CommFinalize(comm native.Comm) native.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.takeFailure(OpFinalize); ok {
		return r
	}
	st, ok := l.comms[comm]
	if !ok || st.aborted {
		return native.InvalidArgument
	}
	st.finalized = true
	return l.startLocked(st, l.initPolls)
}

// CommDestroy releases comm.
func (l *Library) CommDestroy(comm native.Comm) native.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.takeFailure(OpDestroy); ok {
		return r
	}
	st, ok := l.comms[comm]
	if !ok {
		return native.InvalidArgument
	}
	st.destroyed = true
	st.segments = make(map[native.SegmentHandle]segment)
	return native.Success
}

// CommGetAsyncError reports and advances the asynchronous state of comm.
func (l *Library) CommGetAsyncError(comm native.Comm, result *native.Result) native.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.takeFailure(OpAsyncError); ok {
		return r
	}
	st, ok := l.comms[comm]
	if !ok {
		return native.InvalidArgument
	}
	if st.asyncErr == native.InProgress && st.pending > 0 {
		st.pending--
		if st.pending == 0 {
			st.asyncErr = native.Success
		}
	}
	*result = st.asyncErr
	return native.Success
}

// CommRegister registers a memory segment. The communicator must be ready.
func (l *Library) CommRegister(comm native.Comm, addr uintptr, size uint64, handle *native.SegmentHandle) native.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.takeFailure(OpRegister); ok {
		return r
	}
	st, ok := l.comms[comm]
	if !ok || st.aborted {
		return native.InvalidArgument
	}
	if st.asyncErr == native.InProgress {
		l.lastError = "register issued before communicator was ready"
		return native.InvalidUsage
	}
	h := l.nextSeg
	l.nextSeg++
	st.segments[h] = segment{addr: addr, size: size}
	*handle = h
	return native.Success
}

// CommDeregister removes a segment registration.
func (l *Library) CommDeregister(comm native.Comm, handle native.SegmentHandle) native.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.takeFailure(OpDeregister); ok {
		return r
	}
	st, ok := l.comms[comm]
	if !ok {
		return native.InvalidArgument
	}
	if _, ok := st.segments[handle]; !ok {
		return native.InvalidArgument
	}
	delete(st.segments, handle)
	return native.Success
}

// CommDump reports communicator state as flat key/value pairs.
func (l *Library) CommDump(comm native.Comm, out map[string]string) native.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.takeFailure(OpDump); ok {
		return r
	}
	if !l.version.CommDump {
		return native.InvalidUsage
	}
	st, ok := l.comms[comm]
	if !ok {
		return native.InvalidArgument
	}
	out["rank"] = fmt.Sprint(st.rank)
	out["nranks"] = fmt.Sprint(st.nRanks)
	out["blocking"] = fmt.Sprint(st.blocking)
	out["async_error"] = st.asyncErr.String()
	out["segments"] = fmt.Sprint(len(st.segments))
	out["finalized"] = fmt.Sprint(st.finalized)
	if st.parent != 0 {
		out["parent"] = fmt.Sprintf("%#x", uintptr(st.parent))
		out["color"] = fmt.Sprint(st.color)
	}
	return native.Success
}

// GetErrorString returns the library's text for r.
func (l *Library) GetErrorString(r native.Result) string {
	switch r {
	case native.Success:
		return "no error"
	case native.UnhandledCudaError:
		return "unhandled cuda error (run with NCCL_DEBUG=INFO for details)"
	case native.SystemError:
		return "unhandled system error (run with NCCL_DEBUG=INFO for details)"
	case native.InternalError:
		return "internal error - please report this issue to the NCCL developers"
	case native.InvalidArgument:
		return "invalid argument (run with NCCL_DEBUG=WARN for details)"
	case native.InvalidUsage:
		return "invalid usage (run with NCCL_DEBUG=WARN for details)"
	case native.RemoteError:
		return "remote process exited or there was a network error"
	case native.InProgress:
		return "NCCL operation in progress"
	default:
		return "unknown result code"
	}
}

// GetLastError returns the most recent failure description.
func (l *Library) GetLastError(native.Comm) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastError
}
