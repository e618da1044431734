package report

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/core"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/flightrec"
)

func sampleDoc() flightrec.Document {
	ms := 1.25
	return flightrec.Document{
		Version: core.DumpVersion,
		Entries: []flightrec.EntryRecord{
			{RecordID: 0, PGID: 0, ProcessGroup: []string{"0", "default_pg"}, CollectiveSeqID: 1,
				ProfilingName: "nccl:all_reduce", State: core.StateCompleted, Retired: true,
				DurationMS: &ms, TimeoutMS: 600000,
				InputSizes: [][]int64{{4, 4}}, InputDtypes: []string{"Float"}},
			{RecordID: 1, PGID: 0, ProcessGroup: []string{"0", "default_pg"}, CollectiveSeqID: 2,
				ProfilingName: "nccl:broadcast", State: core.StateStarted, TimeoutMS: 600000},
			{RecordID: 2, PGID: 1, ProcessGroup: []string{"1", "tp"}, CollectiveSeqID: 1,
				ProfilingName: "nccl:all_reduce", State: core.StateStarted, Retired: true, TimeoutMS: 1000},
			{RecordID: 3, PGID: 1, ProcessGroup: []string{"1", "tp"}, P2PSeqID: 7, IsP2P: true,
				ProfilingName: "nccl:send 0->1", State: core.StateScheduled, TimeoutMS: 1000},
		},
		PGStatus: map[string]flightrec.PGStatusRecord{
			"1": {LastEnqueuedCollective: 1, LastStartedCollective: 1, LastCompletedCollective: -1},
			"0": {LastEnqueuedCollective: 2, LastStartedCollective: 2, LastCompletedCollective: 1,
				LastCompletedWorkName: "nccl:all_reduce"},
		},
		NCCLCommState: map[string]map[string]string{
			"comm0": {"status": "ok"},
		},
	}
}

func ids(entries []flightrec.EntryRecord) []uint64 {
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.RecordID
	}
	return out
}

func TestFilter_Apply(t *testing.T) {
	entries := sampleDoc().Entries

	tests := []struct {
		name   string
		filter Filter
		want   []uint64
	}{
		{"empty keeps all", Filter{}, []uint64{0, 1, 2, 3}},
		{"only active", Filter{OnlyActive: true}, []uint64{1, 2, 3}},
		{"by group", Filter{PG: "1"}, []uint64{2, 3}},
		{"fuzzy match", Filter{Match: "allred"}, []uint64{0, 2}},
		{"combined", Filter{OnlyActive: true, Match: "allred"}, []uint64{2}},
		{"no match", Filter{Match: "zzz"}, []uint64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(tt.filter.Apply(entries)))
		})
	}
}

func TestSummarize(t *testing.T) {
	doc := sampleDoc()
	s := Summarize(doc, doc.Entries)

	assert.Equal(t, "2.4", s.Version)
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 3, s.Active)
	assert.Equal(t, 1, s.Suspects)
	assert.Equal(t, 2, s.ByState[core.StateStarted])
	require.NotNil(t, s.Oldest)
	assert.Equal(t, uint64(1), s.Oldest.RecordID)
}

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleDoc(), Filter{}))
	out := buf.String()

	for _, want := range []string{
		"Flight recorder dump 2.4",
		"4 entries, 3 active, 1 suspect",
		"oldest in flight: #1 nccl:broadcast",
		"Process groups",
		"nccl:all_reduce",
		"started (retired)",
		"1.250ms",
		"[4,4]Float",
		"Communicator state",
		"comm0",
	} {
		assert.Contains(t, out, want)
	}
}

func TestWrite_NoEntries(t *testing.T) {
	var buf bytes.Buffer
	doc := flightrec.Document{Version: core.DumpVersion}
	require.NoError(t, Write(&buf, doc, Filter{Match: "anything"}))
	assert.Contains(t, buf.String(), "no entries")
	assert.NotContains(t, buf.String(), "Process groups")
}

func TestEntryTable_P2PUsesP2PSeq(t *testing.T) {
	doc := sampleDoc()
	out := EntryTable(doc.Entries[3:])
	assert.Contains(t, out, "nccl:send 0->1")
	assert.Contains(t, out, " 7 ")
	assert.Contains(t, out, "-")
}

func TestCommStateTable_Sorted(t *testing.T) {
	out := CommStateTable(map[string]map[string]string{
		"b": {"z": "1", "a": "2"},
		"a": {"k": "v"},
	})
	assert.Less(t, bytes.Index([]byte(out), []byte(" a ")), bytes.Index([]byte(out), []byte(" b ")))
}
