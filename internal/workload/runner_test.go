package workload

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/core"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/flightrec"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/native/sim"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/watchdog"
)

type memSink struct {
	mu    sync.Mutex
	dumps [][]byte
}

func (s *memSink) Write(_ context.Context, dump []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dumps = append(s.dumps, dump)
	return nil
}

func (s *memSink) Target() string { return "memory" }

func (s *memSink) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.dumps) == 0 {
		return nil
	}
	return s.dumps[len(s.dumps)-1]
}

func newFixture(t *testing.T, cfg *Config) (*Runner, *watchdog.Watchdog, *memSink, *sim.Library) {
	t.Helper()
	buf := flightrec.New(flightrec.Options{MaxEntries: 64})
	sink := &memSink{}
	wd := watchdog.New(buf, sink, watchdog.Config{
		Rank:          cfg.Rank,
		Interval:      5 * time.Millisecond,
		DumpOnTimeout: true,
	})
	lib := sim.New()
	r := NewRunner(cfg, lib, wd, nil)
	require.NoError(t, r.Setup(context.Background()))
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r, wd, sink, lib
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Rank = 1
	cfg.Ops = 4
	cfg.Latency = 5 * time.Millisecond
	cfg.Timeout = time.Second
	return cfg
}

func TestSetup_CreatesWorldAndSubgroup(t *testing.T) {
	r, wd, _, _ := newFixture(t, testConfig())

	comms := r.Comms()
	require.Len(t, comms, 2)
	assert.Equal(t, []uint64{1, 3}, comms[1].MemberRanks())
	assert.Len(t, wd.Comms(), 2)

	pg := wd.Buffer().PGConfig()
	assert.Equal(t, "[0, 1, 2, 3]", pg["0"].Ranks)
	assert.Equal(t, "parity_1", pg["1"].Desc)
}

func TestSetup_InvalidRank(t *testing.T) {
	cfg := testConfig()
	cfg.Rank = 4
	buf := flightrec.New(flightrec.Options{MaxEntries: 8})
	r := NewRunner(cfg, sim.New(), watchdog.New(buf, &memSink{}, watchdog.Config{}), nil)
	assert.Error(t, r.Setup(context.Background()))
	assert.Error(t, r.Run(context.Background()), "run before setup")
}

func TestRun_AllComplete(t *testing.T) {
	r, wd, sink, _ := newFixture(t, testConfig())
	ctx := context.Background()

	require.NoError(t, r.Run(ctx))
	assert.Eventually(t, func() bool {
		return wd.Tick(ctx) == nil && wd.Pending() == 0
	}, 2*time.Second, 5*time.Millisecond)

	entries := wd.Buffer().CollectiveTrace(false, false)
	require.Len(t, entries, 4)
	for _, e := range entries {
		assert.Equal(t, core.StateCompleted, e.State)
		assert.True(t, e.Retired)
	}
	assert.Equal(t, "nccl:all_reduce", entries[0].ProfilingName)
	assert.Equal(t, uint64(2), entries[3].CollectiveSeqID)
	assert.Nil(t, sink.last())
}

func TestRun_HangTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.HangAt = 3
	cfg.Timeout = 50 * time.Millisecond
	r, wd, sink, lib := newFixture(t, cfg)
	ctx := context.Background()

	wd.Start(ctx)
	defer wd.Stop()
	require.NoError(t, r.Run(ctx))

	world := r.Comms()[0]
	assert.Eventually(t, world.IsAborted, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return sink.last() != nil }, time.Second, 5*time.Millisecond)

	doc, err := flightrec.ParseDocument(sink.last())
	require.NoError(t, err)
	var hung *flightrec.EntryRecord
	for i := range doc.Entries {
		if doc.Entries[i].ProfilingName == "nccl:all_gather" {
			hung = &doc.Entries[i]
		}
	}
	require.NotNil(t, hung)
	assert.Equal(t, core.StateStarted, hung.State)

	assert.False(t, r.Comms()[1].IsAborted(), "subgroup unaffected")
	assert.Equal(t, 1, lib.Calls(sim.OpAbort))
}

func TestRun_RemoteFailureAborts(t *testing.T) {
	cfg := testConfig()
	cfg.FailAt = 2
	r, wd, _, _ := newFixture(t, cfg)
	ctx := context.Background()

	require.NoError(t, r.Run(ctx))
	require.NoError(t, wd.Tick(ctx))

	sub := r.Comms()[1]
	assert.True(t, sub.IsAborted())
	reason, ok := sub.FailureReason()
	assert.True(t, ok)
	assert.Contains(t, reason, "ncclRemoteError")
}

func TestRun_ContextCancelled(t *testing.T) {
	r, _, _, _ := newFixture(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Run(ctx), context.Canceled)
}

func TestRun_UnboundedUntilDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.Ops = 0
	r, wd, _, _ := newFixture(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, r.Run(ctx), context.DeadlineExceeded)
	assert.Greater(t, wd.Buffer().Len(), 1)
}
