package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/comm"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/core"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/flightrec"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/native"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/native/sim"
)

type commList []*comm.Comm

func (l commList) Comms() []*comm.Comm { return l }

type fakeDumper struct {
	calls int
	err   error
}

func (d *fakeDumper) DumpNow(context.Context) error {
	d.calls++
	return d.err
}

type fixture struct {
	buf   *flightrec.Buffer
	comm  *comm.Comm
	start *sim.Event
	end   *sim.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	lib := sim.New()
	var id native.UniqueID
	require.Equal(t, native.Success, lib.GetUniqueID(&id))
	c, err := comm.Create(lib, 2, 0, id, 0)
	require.NoError(t, err)

	f := &fixture{
		buf:   flightrec.New(flightrec.Options{MaxEntries: 8, CaptureStack: true}),
		comm:  c,
		start: sim.NewEvent(),
		end:   sim.NewEvent(),
	}
	f.buf.RecordPGRanks(flightrec.GroupName{Name: "0", Desc: "default_pg"}, []uint64{0, 1})
	for seq := uint64(1); seq <= 2; seq++ {
		op := flightrec.Op{
			PGName:          flightrec.GroupName{Name: "0", Desc: "default_pg"},
			CollectiveSeqID: seq,
			OpID:            seq,
			ProfilingName:   "nccl:all_reduce",
			Inputs:          []flightrec.TensorMeta{{Shape: []int64{8}, DType: flightrec.Float32}},
			Outputs:         []flightrec.TensorMeta{{Shape: []int64{8}, DType: flightrec.Float32}},
			Timeout:         time.Minute,
		}
		if seq == 1 {
			op.Start, op.End = f.start, f.end
		}
		_, ok := f.buf.Record(op)
		require.True(t, ok)
	}
	return f
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestPing(t *testing.T) {
	s := NewServer(flightrec.New(flightrec.Options{}))
	rec := get(t, s.Handler(), "/handler/ping")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pong")
}

func TestDumpTraceJSON(t *testing.T) {
	f := newFixture(t)
	s := NewServer(f.buf, WithComms(commList{f.comm}))

	rec := get(t, s.Handler(), "/handler/dump_nccl_trace_json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.Equal(t, core.DumpVersion, raw["version"])
	assert.Contains(t, raw, "nccl_comm_state")
	assert.Contains(t, raw, "pg_config")
	entries := raw["entries"].([]any)
	require.Len(t, entries, 2)
	assert.NotContains(t, entries[0].(map[string]any), "frames", "json trace omits stacks")

	rec = get(t, s.Handler(), "/handler/dump_nccl_trace_json?includecollectives=false")
	raw = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.NotContains(t, raw, "entries")
}

func TestDumpTraceJSON_OnlyActive(t *testing.T) {
	f := newFixture(t)
	f.start.Complete()
	f.end.Complete()
	f.buf.RetireID(0, false)
	s := NewServer(f.buf)

	rec := get(t, s.Handler(), "/handler/dump_nccl_trace_json?onlyactive=true")
	doc, err := flightrec.ParseDocument(rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, doc.Entries, 1)
	assert.Equal(t, uint64(1), doc.Entries[0].RecordID)
}

func TestDump_Formats(t *testing.T) {
	f := newFixture(t)
	s := NewServer(f.buf)

	rec := get(t, s.Handler(), "/handler/dump?format=yaml")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	var doc flightrec.Document
	require.NoError(t, yaml.Unmarshal(rec.Body.Bytes(), &doc))
	require.Len(t, doc.Entries, 2)
	assert.NotEmpty(t, doc.Entries[0].Frames, "stacks are included by default")

	rec = get(t, s.Handler(), "/handler/dump?includestacktraces=false")
	require.Equal(t, http.StatusOK, rec.Code)
	doc, err := flightrec.ParseDocument(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Empty(t, doc.Entries[0].Frames)

	rec = get(t, s.Handler(), "/handler/dump?format=xml")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, s.Handler(), "/handler/dump?onlyactive=maybe")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "onlyactive")
}

func TestGetEntry(t *testing.T) {
	f := newFixture(t)
	f.start.Complete()
	s := NewServer(f.buf)

	rec := get(t, s.Handler(), "/handler/entries/0")
	require.Equal(t, http.StatusOK, rec.Code)
	var entry flightrec.EntryRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, core.StateStarted, entry.State)
	assert.Equal(t, []string{"Float"}, entry.InputDtypes)

	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/handler/entries/42").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/handler/entries/-1").Code)
}

func TestListComms(t *testing.T) {
	f := newFixture(t)
	s := NewServer(f.buf, WithComms(commList{f.comm}))
	require.NoError(t, f.comm.Abort(context.Background(), "test teardown"))

	rec := get(t, s.Handler(), "/handler/comms")
	require.Equal(t, http.StatusOK, rec.Code)
	var infos []comm.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Aborted)
	assert.Equal(t, "test teardown", infos[0].FailureReason)

	empty := get(t, NewServer(f.buf).Handler(), "/handler/comms")
	assert.JSONEq(t, "[]", empty.Body.String())
}

func TestDumpToSink(t *testing.T) {
	f := newFixture(t)
	post := func(s *Server) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/handler/dump_to_sink", nil))
		return rec
	}

	assert.Equal(t, http.StatusNotImplemented, post(NewServer(f.buf)).Code)

	d := &fakeDumper{}
	assert.Equal(t, http.StatusAccepted, post(NewServer(f.buf, WithDumper(d))).Code)
	assert.Equal(t, 1, d.calls)

	d.err = core.ErrTimeout("writing dump")
	assert.Equal(t, http.StatusGatewayTimeout, post(NewServer(f.buf, WithDumper(d))).Code)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "ncclwatch_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	s := NewServer(flightrec.New(flightrec.Options{}), WithGatherer(reg))
	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), "ncclwatch_test_total 1"))
}

func TestCORSPreflight(t *testing.T) {
	s := NewServer(flightrec.New(flightrec.Options{}))
	req := httptest.NewRequest(http.MethodOptions, "/handler/dump", nil)
	req.Header.Set("Origin", "http://notebook.local")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHTTPStatusForError(t *testing.T) {
	assert.Equal(t, http.StatusNotImplemented, httpStatusForError(core.ErrInvalidUsage("ncclCommDump")))
	assert.Equal(t, http.StatusConflict, httpStatusForError(core.ErrAborted("dump")))
	assert.Equal(t, http.StatusInternalServerError, httpStatusForError(errors.New("plain")))
}
