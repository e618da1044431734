// Package workload drives a simulated process group through the watchdog:
// it creates a world communicator and a split subgroup on the in-memory
// library, issues collectives whose events complete on a timer, and can
// inject a hang or a remote failure at a chosen sequence number.
package workload

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/comm"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/flightrec"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/native"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/native/sim"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/poll"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/watchdog"
)

// Config holds workload configuration.
type Config struct {
	WorldSize int
	Rank      int
	// Ops is the number of collectives to issue. Non-positive runs until
	// the context is done.
	Ops int
	// HangAt is the 1-based op that starts but never completes. Zero
	// disables the hang.
	HangAt int
	// FailAt is the 1-based op whose communicator reports a remote error.
	FailAt      int
	Latency     time.Duration
	Timeout     time.Duration
	Nonblocking bool
	Policy      poll.Policy
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		WorldSize: 4,
		Ops:       16,
		Latency:   20 * time.Millisecond,
		Timeout:   2 * time.Second,
		Policy:    poll.New(poll.DefaultTimeout, poll.DefaultInterval),
	}
}

// group is one process group of the workload.
type group struct {
	id     uint64
	name   flightrec.GroupName
	comm   *comm.Comm
	status *flightrec.ProcessGroupStatus
	seq    uint64
}

// Runner issues collectives on a simulated group.
type Runner struct {
	config *Config
	lib    *sim.Library
	wd     *watchdog.Watchdog
	logger *slog.Logger

	groups []*group
	opID   uint64
}

// NewRunner creates a runner. lib may be shared with other components
// that inspect the simulated communicators.
func NewRunner(config *Config, lib *sim.Library, wd *watchdog.Watchdog, logger *slog.Logger) *Runner {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		config: config,
		lib:    lib,
		wd:     wd,
		logger: logger.With("component", "workload", "rank", config.Rank),
	}
}

// Setup creates the world communicator and splits a subgroup holding the
// ranks with the same parity as this rank.
func (r *Runner) Setup(ctx context.Context) error {
	if r.config.WorldSize < 1 || r.config.Rank < 0 || r.config.Rank >= r.config.WorldSize {
		return fmt.Errorf("rank %d outside world of %d", r.config.Rank, r.config.WorldSize)
	}

	var id native.UniqueID
	if res := r.lib.GetUniqueID(&id); res != native.Success {
		return fmt.Errorf("getting unique id: %s", r.lib.GetErrorString(res))
	}

	opts := []comm.Option{comm.WithPolicy(r.config.Policy), comm.WithLogger(r.logger)}
	cfg := native.Config{Blocking: !r.config.Nonblocking}
	world, err := comm.CreateWithConfig(r.lib, r.config.WorldSize, r.config.Rank, id, 0, cfg, opts...)
	if err != nil {
		return fmt.Errorf("creating world communicator: %w", err)
	}
	if err := world.WaitReady(ctx); err != nil {
		return fmt.Errorf("waiting for world communicator: %w", err)
	}
	r.addGroup(0, "0", "default_pg", world, r.ranks(func(int) bool { return true }))

	parity := r.config.Rank % 2
	members := r.ranks(func(rank int) bool { return rank%2 == parity })
	sub, err := comm.Split(ctx, world, parity, r.config.Rank, cfg, members, opts...)
	if err != nil {
		return fmt.Errorf("splitting subgroup: %w", err)
	}
	if sub != nil {
		if err := sub.WaitReady(ctx); err != nil {
			return fmt.Errorf("waiting for subgroup: %w", err)
		}
		r.addGroup(1, "1", fmt.Sprintf("parity_%d", parity), sub, members)
	}
	return nil
}

func (r *Runner) ranks(keep func(int) bool) []uint64 {
	var out []uint64
	for i := 0; i < r.config.WorldSize; i++ {
		if keep(i) {
			out = append(out, uint64(i))
		}
	}
	return out
}

func (r *Runner) addGroup(id uint64, name, desc string, c *comm.Comm, members []uint64) {
	g := &group{
		id:     id,
		name:   flightrec.GroupName{Name: name, Desc: desc},
		comm:   c,
		status: flightrec.NewProcessGroupStatus(),
	}
	r.groups = append(r.groups, g)
	r.wd.Buffer().RecordPGRanks(g.name, members)
	r.wd.Track(c)
}

// Comms returns the communicators created by Setup.
func (r *Runner) Comms() []*comm.Comm {
	out := make([]*comm.Comm, len(r.groups))
	for i, g := range r.groups {
		out[i] = g.comm
	}
	return out
}

var opNames = []string{"all_reduce", "broadcast", "all_gather", "reduce_scatter"}

// Run issues Ops collectives, one per Latency, alternating between the
// groups. It returns when every op has been issued or ctx is done; issued
// ops keep completing in the background.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.groups) == 0 {
		return fmt.Errorf("workload not set up")
	}
	for i := 1; r.config.Ops <= 0 || i <= r.config.Ops; i++ {
		g := r.groups[(i-1)%len(r.groups)]
		if err := r.issue(ctx, i, g); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.config.Latency):
		}
	}
	return nil
}

func (r *Runner) issue(ctx context.Context, n int, g *group) error {
	g.seq++
	r.opID++
	name := opNames[(n-1)%len(opNames)]
	numel := int64(1024 * n)

	start, end := sim.NewEvent(), sim.NewEvent()
	work := r.wd.Enqueue(g.comm, flightrec.Op{
		PGID:            g.id,
		PGName:          g.name,
		CollectiveSeqID: g.seq,
		OpID:            r.opID,
		ProfilingName:   "nccl:" + name,
		Inputs:          []flightrec.TensorMeta{{Shape: []int64{numel}, DType: flightrec.Float32}},
		Outputs:         []flightrec.TensorMeta{{Shape: []int64{numel}, DType: flightrec.Float32}},
		Start:           start,
		End:             end,
		Timeout:         r.config.Timeout,
		PGStatus:        g.status,
	})
	log := r.logger.With("pg", g.name.Name, "seq", g.seq, "op", work.OpName)

	switch n {
	case r.config.HangAt:
		start.Complete()
		log.Warn("collective will hang")
	case r.config.FailAt:
		start.Complete()
		handle, err := g.comm.NativeComm(ctx)
		if err != nil {
			return err
		}
		r.lib.InjectAsyncError(handle, native.RemoteError)
		log.Warn("injected remote error")
	default:
		time.AfterFunc(r.config.Latency/4, start.Complete)
		time.AfterFunc(r.config.Latency/2, end.Complete)
		log.Debug("collective issued")
	}
	return nil
}

// Close releases every communicator. Aborted ones are released without
// further native calls.
func (r *Runner) Close(ctx context.Context) error {
	var firstErr error
	for i := len(r.groups) - 1; i >= 0; i-- {
		if err := r.groups[i].comm.Release(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.groups = nil
	return firstErr
}
