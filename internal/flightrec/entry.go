package flightrec

import (
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/core"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/native"
)

// DType is the element type of a tensor, named as the framework prints it.
type DType string

const (
	Float32  DType = "Float"
	Float64  DType = "Double"
	Float16  DType = "Half"
	BFloat16 DType = "BFloat16"
	Int64    DType = "Long"
	Int32    DType = "Int"
	Uint8    DType = "Byte"
	Bool     DType = "Bool"
)

// TensorMeta describes one collective input or output.
type TensorMeta struct {
	Shape []int64
	DType DType
}

// Numel returns the number of elements of the tensor.
func (t TensorMeta) Numel() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// GroupName identifies a process group by name and description.
type GroupName struct {
	Name string
	Desc string
}

// Frame is one captured call-stack frame.
type Frame struct {
	Name     string `json:"name" yaml:"name"`
	Filename string `json:"filename" yaml:"filename"`
	Line     int    `json:"line" yaml:"line"`
}

// Entry is one recorded collective.
type Entry struct {
	ID     uint64
	PGID   uint64
	PGName GroupName

	// CollectiveSeqID counts true collectives across the group, P2PSeqID
	// counts non-collective ops, OpID counts logical ops including each
	// member of a coalesced batch.
	CollectiveSeqID uint64
	P2PSeqID        uint64
	OpID            uint64
	ProfilingName   string
	Frames          []Frame

	TimeCreated time.Time
	Timeout     time.Duration
	IsP2P       bool

	// Duration is set at retirement when timing was enabled and both
	// events completed.
	Duration *time.Duration
	// TimeDiscoveredStarted and TimeDiscoveredCompleted are when a poller
	// observed the transition, always after the device reached it.
	TimeDiscoveredStarted   *time.Time
	TimeDiscoveredCompleted *time.Time

	InputDims    []int
	InputDTypes  []DType
	OutputDims   []int
	OutputDTypes []DType
	// Sizes is the flattened shape list of inputs followed by outputs.
	Sizes []int64

	// Retired is set once the issuing layer stops tracking the entry and
	// never reverts. Retired without completion indicates a hang.
	Retired bool

	timing bool
	// start and end are borrowed from the issuing layer and cleared at
	// retirement.
	start    native.Event
	end      native.Event
	released bool
}

func newEntry(op Op, timing bool) Entry {
	e := Entry{
		PGID:            op.PGID,
		PGName:          op.PGName,
		CollectiveSeqID: op.CollectiveSeqID,
		P2PSeqID:        op.P2PSeqID,
		OpID:            op.OpID,
		ProfilingName:   op.ProfilingName,
		Timeout:         op.Timeout,
		IsP2P:           op.IsP2P,
		timing:          timing,
		start:           op.Start,
		end:             op.End,
	}
	for _, in := range op.Inputs {
		e.InputDims = append(e.InputDims, len(in.Shape))
		e.InputDTypes = append(e.InputDTypes, in.DType)
		e.Sizes = append(e.Sizes, in.Shape...)
	}
	for _, out := range op.Outputs {
		e.OutputDims = append(e.OutputDims, len(out.Shape))
		e.OutputDTypes = append(e.OutputDTypes, out.DType)
		e.Sizes = append(e.Sizes, out.Shape...)
	}
	return e
}

// StartEvent returns the borrowed start event, nil if none was recorded.
// It panics once the reference has been released, since the owner may
// already have freed the event.
func (e *Entry) StartEvent() native.Event {
	e.mustHoldEvents()
	return e.start
}

// EndEvent returns the borrowed end event, nil if none was recorded.
// It panics once the reference has been released.
func (e *Entry) EndEvent() native.Event {
	e.mustHoldEvents()
	return e.end
}

// HoldsEvents reports whether the event references are still valid.
func (e *Entry) HoldsEvents() bool {
	return !e.released
}

func (e *Entry) mustHoldEvents() {
	if e.released {
		panic(fmt.Sprintf("flightrec: %s: event reference of entry %d used after release",
			core.CodeBorrowedEventUsed, e.ID))
	}
}

func (e *Entry) releaseEvents() {
	e.start, e.end = nil, nil
	e.released = true
}

// State returns scheduled, started or completed as last discovered.
func (e *Entry) State() string {
	switch {
	case e.TimeDiscoveredCompleted != nil:
		return core.StateCompleted
	case e.TimeDiscoveredStarted != nil:
		return core.StateStarted
	default:
		return core.StateScheduled
	}
}

// InputSizes rebuilds the input shapes from the flattened size list.
func (e *Entry) InputSizes() [][]int64 {
	shapes, _ := splitSizes(e.Sizes, e.InputDims)
	return shapes
}

// OutputSizes rebuilds the output shapes from the flattened size list.
func (e *Entry) OutputSizes() [][]int64 {
	_, rest := splitSizes(e.Sizes, e.InputDims)
	shapes, _ := splitSizes(rest, e.OutputDims)
	return shapes
}

func splitSizes(sizes []int64, dims []int) ([][]int64, []int64) {
	shapes := make([][]int64, 0, len(dims))
	for _, d := range dims {
		if d > len(sizes) {
			d = len(sizes)
		}
		shape := make([]int64, d)
		copy(shape, sizes[:d])
		shapes = append(shapes, shape)
		sizes = sizes[d:]
	}
	return shapes, sizes
}
