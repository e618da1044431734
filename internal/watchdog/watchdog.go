// Package watchdog drives in-flight collectives to completion on the
// recorder and tears communicators down when one hangs or fails.
//
// Each pass polls every tracked communicator for asynchronous errors,
// refreshes the recorder entries of pending work, retires completed work,
// and for work that timed out or whose communicator failed: dumps the
// recorder through the diagnostic sink, aborts the communicator with a
// reason and retires the work without a duration.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/comm"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/flightrec"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/native"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultInterval = 100 * time.Millisecond
	DefaultTimeout  = 10 * time.Minute
)

// Config configures a Watchdog.
type Config struct {
	// Rank selects the default sink when no Writer is given.
	Rank           int
	Interval       time.Duration
	DefaultTimeout time.Duration
	DumpOnTimeout  bool
	IncludeStacks  bool
	Logger         *slog.Logger
	Now            func() time.Time
}

// Work is one collective handed to the watchdog.
type Work struct {
	RecordID uint64
	Recorded bool
	Comm     *comm.Comm
	Start    native.Event
	End      native.Event
	PGStatus *flightrec.ProcessGroupStatus
	SeqID    int64
	OpName   string
	NumelIn  int64
	NumelOut int64
	Enqueued time.Time
	Timeout  time.Duration

	started bool
}

// Watchdog tracks communicators and their in-flight work.
type Watchdog struct {
	buf     *flightrec.Buffer
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics

	mu    sync.Mutex
	sink  diagnostics.Writer
	comms []*comm.Comm
	works []*Work

	tickMu  sync.Mutex
	dumpMu  sync.Mutex
	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// New creates a watchdog over buf. A nil sink resolves the process-wide
// diagnostic sink for cfg.Rank on the first dump.
func New(buf *flightrec.Buffer, sink diagnostics.Writer, cfg Config) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		buf:     buf,
		cfg:     cfg,
		logger:  logger.With("component", "watchdog"),
		metrics: NewMetrics(),
		sink:    sink,
		stopCh:  make(chan struct{}),
	}
}

// Metrics returns the watchdog's metric set.
func (w *Watchdog) Metrics() *Metrics {
	return w.metrics
}

// Buffer returns the recorder the watchdog updates.
func (w *Watchdog) Buffer() *flightrec.Buffer {
	return w.buf
}

// Track adds c to the set of polled communicators.
func (w *Watchdog) Track(c *comm.Comm) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trackLocked(c)
}

func (w *Watchdog) trackLocked(c *comm.Comm) {
	for _, have := range w.comms {
		if have == c {
			return
		}
	}
	w.comms = append(w.comms, c)
}

// Comms returns the tracked communicators.
func (w *Watchdog) Comms() []*comm.Comm {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*comm.Comm(nil), w.comms...)
}

// Enqueue records op on the recorder and starts watching it. op.End must
// be set; it is polled to detect completion.
func (w *Watchdog) Enqueue(c *comm.Comm, op flightrec.Op) *Work {
	if op.Timeout <= 0 {
		op.Timeout = w.cfg.DefaultTimeout
	}
	seq := int64(op.CollectiveSeqID)
	if op.IsP2P {
		seq = int64(op.P2PSeqID)
	}
	work := &Work{
		Comm:     c,
		Start:    op.Start,
		End:      op.End,
		PGStatus: op.PGStatus,
		SeqID:    seq,
		OpName:   op.ProfilingName,
		NumelIn:  totalNumel(op.Inputs),
		NumelOut: totalNumel(op.Outputs),
		Enqueued: w.cfg.Now(),
		Timeout:  op.Timeout,
	}
	work.RecordID, work.Recorded = w.buf.Record(op)
	if work.PGStatus != nil {
		work.PGStatus.Enqueued(seq, work.OpName, work.NumelIn, work.NumelOut)
	}

	w.mu.Lock()
	w.trackLocked(c)
	w.works = append(w.works, work)
	pending := len(w.works)
	w.mu.Unlock()

	w.metrics.Recorded.Inc()
	w.metrics.Pending.Set(float64(pending))
	return work
}

func totalNumel(ts []flightrec.TensorMeta) int64 {
	var n int64
	for _, t := range ts {
		n += t.Numel()
	}
	return n
}

// Pending returns the number of works not yet completed or failed.
func (w *Watchdog) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.works)
}

type failure struct {
	work    *Work
	reason  string
	timeout bool
}

// Tick runs one watchdog pass.
func (w *Watchdog) Tick(ctx context.Context) error {
	w.tickMu.Lock()
	defer w.tickMu.Unlock()
	begin := time.Now()
	defer func() { w.metrics.TickTimes.Observe(time.Since(begin).Seconds()) }()

	w.mu.Lock()
	comms := append([]*comm.Comm(nil), w.comms...)
	works := append([]*Work(nil), w.works...)
	w.mu.Unlock()

	faults, err := w.checkComms(ctx, comms)
	if err != nil {
		return err
	}

	now := w.cfg.Now()
	done := make(map[*Work]bool)
	var failures []failure
	for _, work := range works {
		if work.Recorded {
			w.buf.UpdateState(work.RecordID)
		}
		if !work.started && work.Start != nil && work.Start.Query() {
			work.started = true
			if work.PGStatus != nil {
				work.PGStatus.Started(work.SeqID, work.OpName)
			}
		}

		switch {
		case work.End != nil && work.End.Query():
			w.complete(work)
			done[work] = true
		case faults[work.Comm] != "":
			failures = append(failures, failure{work: work, reason: faults[work.Comm]})
			done[work] = true
		case work.Comm.IsAborted():
			reason, _ := work.Comm.FailureReason()
			failures = append(failures, failure{work: work, reason: "communicator aborted: " + reason})
			done[work] = true
		case now.Sub(work.Enqueued) > work.Timeout:
			reason := fmt.Sprintf(
				"Watchdog caught collective operation timeout: WorkNCCL(SeqNum=%d, OpType=%s) ran for %d milliseconds before timing out.",
				work.SeqID, work.OpName, now.Sub(work.Enqueued).Milliseconds())
			failures = append(failures, failure{work: work, reason: reason, timeout: true})
			// Everything else on this communicator is torn down with it.
			faults[work.Comm] = reason
			done[work] = true
		}
	}

	// Work sharing a communicator with a timed-out one fails in this pass.
	for _, work := range works {
		if !done[work] && faults[work.Comm] != "" {
			failures = append(failures, failure{work: work, reason: faults[work.Comm]})
			done[work] = true
		}
	}

	w.mu.Lock()
	kept := w.works[:0]
	for _, work := range w.works {
		if !done[work] {
			kept = append(kept, work)
		}
	}
	w.works = kept
	pending := len(w.works)
	w.mu.Unlock()
	w.metrics.Pending.Set(float64(pending))

	if len(failures) == 0 && len(faults) == 0 {
		return nil
	}
	return w.handleFailures(ctx, failures, faults)
}

// checkComms polls every live communicator concurrently and returns the
// failure reason of each one that reported an asynchronous error.
func (w *Watchdog) checkComms(ctx context.Context, comms []*comm.Comm) (map[*comm.Comm]string, error) {
	reasons := make([]string, len(comms))
	var g errgroup.Group
	for i, c := range comms {
		if c.IsAborted() {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := c.CheckForError()
			if err != nil {
				reasons[i] = err.Error()
				w.metrics.Errors.WithLabelValues("query_failed").Inc()
				return nil
			}
			if r != native.Success && r != native.InProgress {
				reasons[i] = fmt.Sprintf("NCCL communicator %s encountered error: %s", c, r)
				w.metrics.Errors.WithLabelValues(r.String()).Inc()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	faults := make(map[*comm.Comm]string)
	for i, reason := range reasons {
		if reason != "" {
			faults[comms[i]] = reason
		}
	}
	return faults, nil
}

func (w *Watchdog) complete(work *Work) {
	if work.Recorded {
		w.buf.RetireID(work.RecordID, true)
	}
	if work.PGStatus != nil {
		if !work.started {
			work.PGStatus.Started(work.SeqID, work.OpName)
		}
		work.PGStatus.Completed(work.SeqID, work.OpName, work.NumelIn, work.NumelOut)
	}
	w.metrics.Retired.Inc()
}

// handleFailures dumps while the communicators can still describe
// themselves, then aborts them and retires the failed work.
func (w *Watchdog) handleFailures(ctx context.Context, failures []failure, faults map[*comm.Comm]string) error {
	timedOut := false
	for _, f := range failures {
		attrs := []any{"comm", f.work.Comm.String(), "seq", f.work.SeqID, "op", f.work.OpName, "reason", f.reason}
		if f.work.Recorded {
			attrs = append(attrs, "record_id", f.work.RecordID)
		}
		if f.timeout {
			timedOut = true
			w.metrics.Timeouts.Inc()
			w.logger.Error("collective operation timed out", attrs...)
		} else {
			w.logger.Warn("collective operation failed", attrs...)
		}
	}
	if timedOut {
		host := diagnostics.CollectHost(ctx, "")
		w.logger.Warn("host state at timeout",
			"hostname", host.Hostname, "mem_used_mb", host.MemUsedMB, "load_avg_1", host.LoadAvg1, "gpus", len(host.GPUs))
	}

	var errs []error
	if w.cfg.DumpOnTimeout {
		if err := w.DumpNow(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	for c, reason := range faults {
		if c.IsAborted() {
			continue
		}
		if err := c.Abort(ctx, reason); err != nil {
			w.logger.Error("failed to abort communicator", "comm", c.String(), "error", err)
			errs = append(errs, err)
			continue
		}
		w.metrics.Aborts.Inc()
	}

	for _, f := range failures {
		if f.work.Recorded {
			w.buf.RetireID(f.work.RecordID, false)
		}
	}
	return errors.Join(errs...)
}

// DumpNow serializes the recorder together with the state of every live
// communicator and writes it to the diagnostic sink. Concurrent calls are
// serialized.
func (w *Watchdog) DumpNow(ctx context.Context) error {
	w.dumpMu.Lock()
	defer w.dumpMu.Unlock()

	commState := comm.DumpAll(ctx, w.Comms(), w.logger)
	doc := w.buf.Dump(commState, true, w.cfg.IncludeStacks, false)
	data, err := doc.JSON()
	if err != nil {
		w.metrics.Dumps.WithLabelValues("error").Inc()
		return fmt.Errorf("serializing debug info: %w", err)
	}

	sink := w.resolveSink()
	if err := sink.Write(ctx, data); err != nil {
		w.metrics.Dumps.WithLabelValues("error").Inc()
		return fmt.Errorf("writing debug info to %s: %w", sink.Target(), err)
	}
	w.metrics.Dumps.WithLabelValues("ok").Inc()
	w.logger.Info("dumped flight recorder", "target", sink.Target(), "entries", len(doc.Entries))
	return nil
}

func (w *Watchdog) resolveSink() diagnostics.Writer {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sink == nil {
		w.sink = diagnostics.GetWriter(w.cfg.Rank)
	}
	return w.sink
}

// Start runs Tick every interval until ctx is done or Stop is called.
func (w *Watchdog) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-ticker.C:
				if err := w.Tick(ctx); err != nil && ctx.Err() == nil {
					w.logger.Error("watchdog pass failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the loop started by Start and waits for the current pass.
func (w *Watchdog) Stop() {
	if w.stopped.CompareAndSwap(false, true) {
		close(w.stopCh)
	}
	w.wg.Wait()
}
