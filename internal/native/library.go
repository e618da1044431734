// Package native defines the narrow port through which communicator handles
// talk to a collective-communication library. A binding (cgo, a simulator, a
// remote agent) implements Library; everything above this package only sees
// opaque handles and Result codes.
package native

import (
	"encoding/hex"
	"fmt"
	"time"
)

// Result is a native status code.
type Result int

const (
	Success Result = iota
	UnhandledCudaError
	SystemError
	InternalError
	InvalidArgument
	InvalidUsage
	RemoteError
	InProgress
)

// String returns the native name of the result.
func (r Result) String() string {
	switch r {
	case Success:
		return "ncclSuccess"
	case UnhandledCudaError:
		return "ncclUnhandledCudaError"
	case SystemError:
		return "ncclSystemError"
	case InternalError:
		return "ncclInternalError"
	case InvalidArgument:
		return "ncclInvalidArgument"
	case InvalidUsage:
		return "ncclInvalidUsage"
	case RemoteError:
		return "ncclRemoteError"
	case InProgress:
		return "ncclInProgress"
	default:
		return fmt.Sprintf("ncclResult(%d)", int(r))
	}
}

// UniqueIDBytes is the size of the group bootstrap token.
const UniqueIDBytes = 128

// UniqueID is the opaque token agreed out-of-band by all ranks of a group.
type UniqueID [UniqueIDBytes]byte

// String returns the hex encoding of the token.
func (u UniqueID) String() string {
	return hex.EncodeToString(u[:])
}

// Comm is an opaque native communicator. The zero value is the null handle.
type Comm uintptr

// SegmentHandle is the opaque token returned by segment registration.
type SegmentHandle uintptr

// Config is the capability configuration passed at creation or split time.
type Config struct {
	Blocking bool
}

// Library is the native collective-communication API surface used by
// communicator handles. Every call returns a Result; calls on non-blocking
// communicators may return InProgress and must then be polled with
// CommGetAsyncError.
type Library interface {
	Version() Version
	GetUniqueID(id *UniqueID) Result
	CommInitRank(comm *Comm, nRanks int, id UniqueID, rank int) Result
	CommInitRankConfig(comm *Comm, nRanks int, id UniqueID, rank int, cfg *Config) Result
	CommSplit(comm Comm, color, key int, newComm *Comm, cfg *Config) Result
	CommAbort(comm Comm) Result
	CommFinalize(comm Comm) Result
	CommDestroy(comm Comm) Result
	CommGetAsyncError(comm Comm, result *Result) Result
	CommRegister(comm Comm, addr uintptr, size uint64, handle *SegmentHandle) Result
	CommDeregister(comm Comm, handle SegmentHandle) Result
	CommDump(comm Comm, out map[string]string) Result
	GetErrorString(r Result) string
	GetLastError(comm Comm) string
}

// Event is a hardware event marker owned by the issuing layer.
type Event interface {
	// Query reports whether the event has completed. It never blocks.
	Query() bool
	// ElapsedTime returns the time between this event and end. It may block
	// and must only be called once both events have completed.
	ElapsedTime(end Event) (time.Duration, error)
}

// ErrorWithVersion formats a result the way diagnostics expect it:
// the native error string followed by the library version.
func ErrorWithVersion(lib Library, r Result) string {
	return fmt.Sprintf("%s, NCCL version %s", lib.GetErrorString(r), lib.Version())
}

// ErrorDetail expands a result code into a human-readable explanation,
// appending the process-group failure reason when one is known.
func ErrorDetail(r Result, failureReason string) string {
	if failureReason != "" {
		return "Process Group failure reason: " + failureReason
	}
	switch r {
	case UnhandledCudaError:
		return "ncclUnhandledCudaError: Call to CUDA function failed."
	case SystemError:
		return "ncclSystemError: System call (e.g. socket, malloc) or external library call failed or device error. " +
			"It can be also caused by unexpected exit of a remote peer, you can check NCCL warnings for failure reason and see if there is connection closure by a peer."
	case InternalError:
		return "ncclInternalError: Internal check failed."
	case InvalidArgument:
		return "ncclInvalidArgument: Invalid value for an argument."
	case InvalidUsage:
		return "ncclInvalidUsage: This usually reflects invalid usage of NCCL library."
	case RemoteError:
		return "ncclRemoteError: A call failed possibly due to a network error or a remote process exiting prematurely."
	default:
		return "Unknown NCCL error!"
	}
}
