// Package flightrec implements the flight recorder: a fixed-capacity
// circular log of recent collective operations, kept so that a hang can be
// diagnosed after the fact.
//
// Ids increase monotonically and are never reused; the slot holding id n is
// n % capacity, so lookups verify the stored id before returning an entry.
// Every operation takes a single buffer-wide mutex. Insertion, update and
// retirement are O(1) under the lock; only dumps scan the buffer.
package flightrec

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/native"
)

// Options configures a Buffer.
type Options struct {
	// MaxEntries is the capacity. Zero disables recording.
	MaxEntries int
	// CaptureStack records the caller's stack with every entry.
	CaptureStack bool
	// EnableTiming allows durations to be measured from the entry events.
	// Measuring may block on an unsynchronized stream, so it stays off
	// unless requested.
	EnableTiming bool

	Logger *slog.Logger
	// Now is overridable for tests.
	Now func() time.Time
}

// Op describes a collective about to be issued.
type Op struct {
	PGID            uint64
	PGName          GroupName
	CollectiveSeqID uint64
	P2PSeqID        uint64
	OpID            uint64
	ProfilingName   string
	Inputs          []TensorMeta
	Outputs         []TensorMeta
	// Start and End are borrowed; the buffer never frees them.
	Start    native.Event
	End      native.Event
	Timeout  time.Duration
	PGStatus *ProcessGroupStatus
	IsP2P    bool
}

// Buffer is the flight recorder.
type Buffer struct {
	enabled      bool
	captureStack bool
	enableTiming bool
	maxEntries   int
	logger       *slog.Logger
	now          func() time.Time

	mu       sync.Mutex
	entries  []Entry
	next     int
	id       uint64
	pgStatus map[uint64]*ProcessGroupStatus
	pgRanks  map[GroupName][]uint64
}

// New creates a buffer. A non-positive capacity yields a disabled buffer
// on which every operation is a no-op.
func New(opts Options) *Buffer {
	b := &Buffer{
		enabled:      opts.MaxEntries > 0,
		captureStack: opts.CaptureStack,
		enableTiming: opts.EnableTiming,
		maxEntries:   opts.MaxEntries,
		logger:       opts.Logger,
		now:          opts.Now,
		pgStatus:     make(map[uint64]*ProcessGroupStatus),
		pgRanks:      make(map[GroupName][]uint64),
	}
	if b.maxEntries < 0 {
		b.maxEntries = 0
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.enabled {
		b.entries = make([]Entry, 0, b.maxEntries)
	}
	return b
}

// Enabled reports whether the buffer records anything.
func (b *Buffer) Enabled() bool {
	return b.enabled
}

// Capacity returns the maximum number of entries kept.
func (b *Buffer) Capacity() int {
	return b.maxEntries
}

// Len returns the number of entries currently held.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Record stores op and returns its id. It returns false when the buffer is
// disabled. Once full, the oldest slot is overwritten.
func (b *Buffer) Record(op Op) (uint64, bool) {
	if !b.enabled {
		return 0, false
	}
	e := newEntry(op, b.enableTiming)
	if b.captureStack {
		e.Frames = captureStack(1)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	e.ID = b.id
	e.TimeCreated = b.now()
	if len(b.entries) < b.maxEntries {
		b.entries = append(b.entries, e)
	} else {
		b.entries[b.next] = e
		b.next++
		if b.next == b.maxEntries {
			b.next = 0
		}
	}
	if op.PGStatus != nil {
		b.pgStatus[op.PGID] = op.PGStatus
	}
	b.id++
	return e.ID, true
}

// RecordPGRanks stores the member ranks of a process group. Only the first
// call for a given group is kept.
func (b *Buffer) RecordPGRanks(name GroupName, ranks []uint64) {
	if !b.enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pgRanks[name]; ok {
		return
	}
	b.pgRanks[name] = append([]uint64(nil), ranks...)
}

// entryLocked returns the live entry for id, or nil if its slot was
// recycled or it never existed.
func (b *Buffer) entryLocked(id uint64) *Entry {
	if b.maxEntries == 0 {
		return nil
	}
	idx := int(id % uint64(b.maxEntries))
	if idx >= len(b.entries) {
		return nil
	}
	e := &b.entries[idx]
	if e.ID != id {
		return nil
	}
	return e
}

// updateStateLocked stamps discovery times from the borrowed events. An
// entry whose references were released is left as is.
func (b *Buffer) updateStateLocked(e *Entry) {
	if e.released {
		return
	}
	if e.start != nil && e.TimeDiscoveredStarted == nil && e.start.Query() {
		t := b.now()
		e.TimeDiscoveredStarted = &t
	}
	if e.end != nil && e.TimeDiscoveredCompleted == nil && e.end.Query() {
		t := b.now()
		e.TimeDiscoveredCompleted = &t
	}
}

// UpdateState polls the events of entry id and records newly discovered
// transitions. It returns false if the id is unknown.
func (b *Buffer) UpdateState(id uint64) bool {
	if !b.enabled {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entryLocked(id)
	if e == nil {
		return false
	}
	b.updateStateLocked(e)
	return true
}

// RetireID marks entry id as no longer tracked by the issuing layer and
// releases its event references. With computeDuration and timing enabled,
// the duration is measured outside the lock once both events were seen
// completed.
// Unknown or recycled ids are ignored.
func (b *Buffer) RetireID(id uint64, computeDuration bool) {
	if !b.enabled {
		return
	}
	var start, end native.Event

	b.mu.Lock()
	e := b.entryLocked(id)
	if e == nil {
		b.mu.Unlock()
		return
	}
	b.updateStateLocked(e)
	measurable := e.TimeDiscoveredStarted != nil && e.TimeDiscoveredCompleted != nil
	if computeDuration && e.timing && measurable && e.start != nil && e.end != nil {
		start, end = e.start, e.end
	}
	e.Retired = true
	e.releaseEvents()
	b.mu.Unlock()

	if start == nil {
		return
	}
	// May block until the device catches up.
	d, err := start.ElapsedTime(end)
	if err != nil {
		b.logger.Debug("could not measure collective duration", "record_id", id, "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if e := b.entryLocked(id); e != nil {
		e.Duration = &d
	}
}

// GetEntry returns a copy of entry id. The copy holds no event references.
// The second result is false if the id was never recorded or its slot has
// been reused.
func (b *Buffer) GetEntry(id uint64) (Entry, bool) {
	if !b.enabled {
		return Entry{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entryLocked(id)
	if e == nil {
		return Entry{}, false
	}
	c := *e
	c.releaseEvents()
	return c, true
}

// DumpEntries refreshes every entry from its events and returns copies in
// insertion order, oldest first. The copies hold no event references.
func (b *Buffer) DumpEntries() []Entry {
	if !b.enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.entries)
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		e := &b.entries[(b.next+i)%n]
		b.updateStateLocked(e)
		c := *e
		c.releaseEvents()
		out = append(out, c)
	}
	return out
}
