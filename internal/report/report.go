// Package report renders flight-recorder dumps for terminals.
package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/sahilm/fuzzy"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/core"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/flightrec"
)

// Filter selects which entries are shown.
type Filter struct {
	// OnlyActive drops entries that were retired after completing.
	OnlyActive bool
	// Match fuzzy-matches profiling names. Empty keeps every entry.
	Match string
	// PG restricts output to one process group name.
	PG string
}

// Apply returns the entries that pass f, in their original order.
func (f Filter) Apply(entries []flightrec.EntryRecord) []flightrec.EntryRecord {
	kept := make([]flightrec.EntryRecord, 0, len(entries))
	for _, e := range entries {
		if f.OnlyActive && !e.Active() {
			continue
		}
		if f.PG != "" && (len(e.ProcessGroup) == 0 || e.ProcessGroup[0] != f.PG) {
			continue
		}
		kept = append(kept, e)
	}
	if f.Match == "" {
		return kept
	}

	names := make([]string, len(kept))
	for i, e := range kept {
		names[i] = e.ProfilingName
	}
	matches := fuzzy.Find(f.Match, names)
	idx := make([]int, len(matches))
	for i, m := range matches {
		idx[i] = m.Index
	}
	sort.Ints(idx)

	out := make([]flightrec.EntryRecord, len(idx))
	for i, j := range idx {
		out[i] = kept[j]
	}
	return out
}

// Summary aggregates a dump.
type Summary struct {
	Version string
	Total   int
	Active  int
	// Suspects were retired without completing, typically by a timeout.
	Suspects int
	ByState  map[string]int
	// Oldest is the first entry still in flight, if any.
	Oldest *flightrec.EntryRecord
}

// Summarize computes a Summary over entries.
func Summarize(doc flightrec.Document, entries []flightrec.EntryRecord) Summary {
	s := Summary{
		Version: doc.Version,
		Total:   len(entries),
		ByState: make(map[string]int, len(core.States)),
	}
	for i := range entries {
		e := entries[i]
		s.ByState[e.State]++
		if e.Active() {
			s.Active++
		}
		if e.Retired && e.State != core.StateCompleted {
			s.Suspects++
		}
		if !e.Retired && e.State != core.StateCompleted && s.Oldest == nil {
			s.Oldest = &entries[i]
		}
	}
	return s
}

// Write renders doc as titled tables: a summary, process-group status and
// the filtered entries.
func Write(w io.Writer, doc flightrec.Document, f Filter) error {
	entries := f.Apply(doc.Entries)
	s := Summarize(doc, entries)

	var b strings.Builder
	b.WriteString(HeaderStyle.Render("Flight recorder dump " + s.Version))
	b.WriteByte('\n')
	fmt.Fprintf(&b, "%d entries, %d active, %d suspect", s.Total, s.Active, s.Suspects)
	for _, state := range core.States {
		fmt.Fprintf(&b, ", %s=%d", state, s.ByState[state])
	}
	b.WriteByte('\n')
	if s.Oldest != nil {
		b.WriteString(MutedStyle.Render(fmt.Sprintf("oldest in flight: #%d %s (%s seq %d)",
			s.Oldest.RecordID, s.Oldest.ProfilingName, groupName(*s.Oldest), s.Oldest.CollectiveSeqID)))
		b.WriteByte('\n')
	}

	if len(doc.PGStatus) > 0 {
		b.WriteByte('\n')
		b.WriteString(HeaderStyle.Render("Process groups"))
		b.WriteByte('\n')
		b.WriteString(StatusTable(doc))
		b.WriteByte('\n')
	}

	b.WriteByte('\n')
	b.WriteString(HeaderStyle.Render("Entries"))
	b.WriteByte('\n')
	if len(entries) == 0 {
		b.WriteString(MutedStyle.Render("no entries"))
	} else {
		b.WriteString(EntryTable(entries))
	}
	b.WriteByte('\n')

	if len(doc.NCCLCommState) > 0 {
		b.WriteByte('\n')
		b.WriteString(HeaderStyle.Render("Communicator state"))
		b.WriteByte('\n')
		b.WriteString(CommStateTable(doc.NCCLCommState))
		b.WriteByte('\n')
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorBorder)).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return TableHeaderStyle
			}
			return CellStyle
		})
}

// EntryTable renders one row per entry.
func EntryTable(entries []flightrec.EntryRecord) string {
	t := newTable("ID", "PG", "SEQ", "OP", "STATE", "DURATION", "TIMEOUT", "IN", "OUT")
	for _, e := range entries {
		seq := e.CollectiveSeqID
		if e.IsP2P {
			seq = e.P2PSeqID
		}
		t.Row(
			strconv.FormatUint(e.RecordID, 10),
			groupName(e),
			strconv.FormatUint(seq, 10),
			e.ProfilingName,
			stateCell(e),
			durationCell(e.DurationMS),
			fmt.Sprintf("%dms", e.TimeoutMS),
			shapes(e.InputSizes, e.InputDtypes),
			shapes(e.OutputSizes, e.OutputDtypes),
		)
	}
	return t.String()
}

// StatusTable renders the per-group progress counters.
func StatusTable(doc flightrec.Document) string {
	t := newTable("PG", "ENQUEUED", "STARTED", "COMPLETED", "LAST COMPLETED")
	for _, id := range doc.SortedGroupIDs() {
		st := doc.PGStatus[id]
		t.Row(
			id,
			strconv.FormatInt(st.LastEnqueuedCollective, 10),
			strconv.FormatInt(st.LastStartedCollective, 10),
			strconv.FormatInt(st.LastCompletedCollective, 10),
			st.LastCompletedWorkName,
		)
	}
	return t.String()
}

// CommStateTable renders the native communicator dumps, one row per key.
func CommStateTable(state map[string]map[string]string) string {
	t := newTable("COMM", "KEY", "VALUE")
	comms := make([]string, 0, len(state))
	for c := range state {
		comms = append(comms, c)
	}
	sort.Strings(comms)
	for _, c := range comms {
		keys := make([]string, 0, len(state[c]))
		for k := range state[c] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.Row(c, k, state[c][k])
		}
	}
	return t.String()
}

func groupName(e flightrec.EntryRecord) string {
	if len(e.ProcessGroup) == 0 || e.ProcessGroup[0] == "" {
		return strconv.FormatUint(e.PGID, 10)
	}
	return e.ProcessGroup[0]
}

func stateCell(e flightrec.EntryRecord) string {
	label := e.State
	if e.Retired {
		label += " (retired)"
	}
	switch {
	case e.Retired && e.State != core.StateCompleted:
		return SuspectStyle.Render(label)
	case e.State == core.StateCompleted:
		return CompletedStyle.Render(label)
	case e.State == core.StateStarted:
		return StartedStyle.Render(label)
	default:
		return ScheduledStyle.Render(label)
	}
}

func durationCell(ms *float64) string {
	if ms == nil {
		return "-"
	}
	return strconv.FormatFloat(*ms, 'f', 3, 64) + "ms"
}

func shapes(sizes [][]int64, dtypes []string) string {
	parts := make([]string, len(sizes))
	for i, dims := range sizes {
		d := make([]string, len(dims))
		for j, n := range dims {
			d[j] = strconv.FormatInt(n, 10)
		}
		parts[i] = "[" + strings.Join(d, ",") + "]"
		if i < len(dtypes) {
			parts[i] += dtypes[i]
		}
	}
	return strings.Join(parts, " ")
}
