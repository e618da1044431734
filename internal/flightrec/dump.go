package flightrec

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/core"
)

// Document is a flight-recorder dump. The entries key is present, possibly
// empty, whenever collectives were requested; a nil Entries omits it.
type Document struct {
	Version       string                       `json:"version" yaml:"version"`
	Entries       []EntryRecord                `json:"entries" yaml:"entries"`
	NCCLCommState map[string]map[string]string `json:"nccl_comm_state,omitempty" yaml:"nccl_comm_state,omitempty"`
	PGConfig      map[string]GroupConfig       `json:"pg_config" yaml:"pg_config"`
	PGStatus      map[string]PGStatusRecord    `json:"pg_status" yaml:"pg_status"`
}

// EntryRecord is the dump view of an Entry.
type EntryRecord struct {
	RecordID        uint64   `json:"record_id" yaml:"record_id"`
	PGID            uint64   `json:"pg_id" yaml:"pg_id"`
	ProcessGroup    []string `json:"process_group" yaml:"process_group"`
	CollectiveSeqID uint64   `json:"collective_seq_id" yaml:"collective_seq_id"`
	P2PSeqID        uint64   `json:"p2p_seq_id" yaml:"p2p_seq_id"`
	OpID            uint64   `json:"op_id" yaml:"op_id"`
	ProfilingName   string   `json:"profiling_name" yaml:"profiling_name"`
	TimeCreatedNS   int64    `json:"time_created_ns" yaml:"time_created_ns"`
	// DurationMS is null unless measured at retirement.
	DurationMS   *float64  `json:"duration_ms" yaml:"duration_ms"`
	InputSizes   [][]int64 `json:"input_sizes" yaml:"input_sizes"`
	InputDtypes  []string  `json:"input_dtypes" yaml:"input_dtypes"`
	OutputSizes  [][]int64 `json:"output_sizes" yaml:"output_sizes"`
	OutputDtypes []string  `json:"output_dtypes" yaml:"output_dtypes"`
	Frames       []Frame   `json:"frames,omitempty" yaml:"frames,omitempty"`
	State        string    `json:"state" yaml:"state"`
	Retired      bool      `json:"retired" yaml:"retired"`
	TimeoutMS    int64     `json:"timeout_ms" yaml:"timeout_ms"`
	IsP2P        bool      `json:"is_p2p" yaml:"is_p2p"`

	TimeDiscoveredStartedNS   *int64 `json:"time_discovered_started_ns" yaml:"time_discovered_started_ns"`
	TimeDiscoveredCompletedNS *int64 `json:"time_discovered_completed_ns" yaml:"time_discovered_completed_ns"`
}

// Active reports whether the entry is still in flight or was retired
// without completing.
func (r EntryRecord) Active() bool {
	return !(r.Retired && r.State == core.StateCompleted)
}

// GroupConfig is the dump view of one process group.
type GroupConfig struct {
	Name  string `json:"name" yaml:"name"`
	Desc  string `json:"desc" yaml:"desc"`
	Ranks string `json:"ranks" yaml:"ranks"`
}

func newEntryRecord(e *Entry, includeStacks bool) EntryRecord {
	r := EntryRecord{
		RecordID:        e.ID,
		PGID:            e.PGID,
		ProcessGroup:    []string{e.PGName.Name, e.PGName.Desc},
		CollectiveSeqID: e.CollectiveSeqID,
		P2PSeqID:        e.P2PSeqID,
		OpID:            e.OpID,
		ProfilingName:   e.ProfilingName,
		TimeCreatedNS:   e.TimeCreated.UnixNano(),
		InputSizes:      e.InputSizes(),
		InputDtypes:     dtypeNames(e.InputDTypes),
		OutputSizes:     e.OutputSizes(),
		OutputDtypes:    dtypeNames(e.OutputDTypes),
		State:           e.State(),
		Retired:         e.Retired,
		TimeoutMS:       e.Timeout.Milliseconds(),
		IsP2P:           e.IsP2P,
	}
	if includeStacks {
		r.Frames = e.Frames
	}
	if e.Duration != nil {
		ms := float64(*e.Duration) / 1e6
		r.DurationMS = &ms
	}
	if e.TimeDiscoveredStarted != nil {
		ns := e.TimeDiscoveredStarted.UnixNano()
		r.TimeDiscoveredStartedNS = &ns
	}
	if e.TimeDiscoveredCompleted != nil {
		ns := e.TimeDiscoveredCompleted.UnixNano()
		r.TimeDiscoveredCompletedNS = &ns
	}
	return r
}

func dtypeNames(dtypes []DType) []string {
	out := make([]string, len(dtypes))
	for i, d := range dtypes {
		out[i] = string(d)
	}
	return out
}

// CollectiveTrace returns the entries in insertion order. With onlyActive,
// entries that were retired after completing are skipped, leaving the ones
// still in flight and the suspected hangs.
func (b *Buffer) CollectiveTrace(includeStacks, onlyActive bool) []EntryRecord {
	entries := b.DumpEntries()
	out := make([]EntryRecord, 0, len(entries))
	for i := range entries {
		r := newEntryRecord(&entries[i], includeStacks)
		if onlyActive && !r.Active() {
			continue
		}
		out = append(out, r)
	}
	return out
}

// EntryRecord returns the dump view of entry id after refreshing it from
// its events. The second result is false if the id is unknown.
func (b *Buffer) EntryRecord(id uint64, includeStacks bool) (EntryRecord, bool) {
	if !b.enabled {
		return EntryRecord{}, false
	}
	b.mu.Lock()
	e := b.entryLocked(id)
	if e == nil {
		b.mu.Unlock()
		return EntryRecord{}, false
	}
	b.updateStateLocked(e)
	c := *e
	b.mu.Unlock()

	c.releaseEvents()
	return newEntryRecord(&c, includeStacks), true
}

// PGConfig returns the recorded process groups keyed by name.
func (b *Buffer) PGConfig() map[string]GroupConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]GroupConfig, len(b.pgRanks))
	for name, ranks := range b.pgRanks {
		out[name.Name] = GroupConfig{
			Name:  name.Name,
			Desc:  name.Desc,
			Ranks: formatRanks(ranks),
		}
	}
	return out
}

// PGStatus returns the status of every process group seen by Record,
// keyed by the decimal group id.
func (b *Buffer) PGStatus() map[string]PGStatusRecord {
	b.mu.Lock()
	statuses := make(map[uint64]*ProcessGroupStatus, len(b.pgStatus))
	for id, s := range b.pgStatus {
		statuses[id] = s
	}
	b.mu.Unlock()

	out := make(map[string]PGStatusRecord, len(statuses))
	for id, s := range statuses {
		out[strconv.FormatUint(id, 10)] = s.Snapshot()
	}
	return out
}

func formatRanks(ranks []uint64) string {
	parts := make([]string, len(ranks))
	for i, r := range ranks {
		parts[i] = strconv.FormatUint(r, 10)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Dump assembles the full document. commState carries per-communicator
// native dumps keyed by communicator and may be nil.
func (b *Buffer) Dump(commState map[string]map[string]string, includeCollectives, includeStacks, onlyActive bool) Document {
	doc := Document{
		Version:  core.DumpVersion,
		PGConfig: b.PGConfig(),
		PGStatus: b.PGStatus(),
	}
	if includeCollectives {
		doc.Entries = b.CollectiveTrace(includeStacks, onlyActive)
	}
	if len(commState) > 0 {
		doc.NCCLCommState = commState
	}
	return doc
}

// DumpJSON renders the document as JSON, without stack traces.
func (b *Buffer) DumpJSON(commState map[string]map[string]string, includeCollectives, onlyActive bool) ([]byte, error) {
	return b.Dump(commState, includeCollectives, false, onlyActive).JSON()
}

// documentFields has the same encoding as Document without its methods.
type documentFields Document

// documentWithoutEntries is the encoding of a dump taken without
// collectives.
type documentWithoutEntries struct {
	Version       string                       `json:"version" yaml:"version"`
	NCCLCommState map[string]map[string]string `json:"nccl_comm_state,omitempty" yaml:"nccl_comm_state,omitempty"`
	PGConfig      map[string]GroupConfig       `json:"pg_config" yaml:"pg_config"`
	PGStatus      map[string]PGStatusRecord    `json:"pg_status" yaml:"pg_status"`
}

func (d Document) encoded() any {
	if d.Entries == nil {
		return documentWithoutEntries{
			Version:       d.Version,
			NCCLCommState: d.NCCLCommState,
			PGConfig:      d.PGConfig,
			PGStatus:      d.PGStatus,
		}
	}
	return documentFields(d)
}

// MarshalJSON implements json.Marshaler.
func (d Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.encoded())
}

// MarshalYAML implements yaml.Marshaler.
func (d Document) MarshalYAML() (any, error) {
	return d.encoded(), nil
}

// JSON encodes the document.
func (d Document) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding dump: %w", err)
	}
	return data, nil
}

// YAML encodes the document.
func (d Document) YAML() ([]byte, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encoding dump: %w", err)
	}
	return data, nil
}

// ParseDocument decodes a JSON or YAML dump.
func ParseDocument(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("decoding dump: %w", err)
	}
	if doc.Version == "" {
		return Document{}, fmt.Errorf("decoding dump: missing %q", "version")
	}
	return doc, nil
}

// SortedGroupIDs returns the keys of PGStatus in numeric order.
func (d Document) SortedGroupIDs() []string {
	ids := make([]string, 0, len(d.PGStatus))
	for id := range d.PGStatus {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.ParseUint(ids[i], 10, 64)
		c, errC := strconv.ParseUint(ids[j], 10, 64)
		if errA != nil || errC != nil {
			return ids[i] < ids[j]
		}
		return a < c
	})
	return ids
}
