package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/config"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/core"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/flightrec"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/logging"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/poll"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/watchdog"
)

// defaultSimBufferSize is used by the simulated workloads when the
// configuration leaves the recorder disabled.
const defaultSimBufferSize = 2000

// runtime bundles the recorder, sink and watchdog of one rank.
type runtime struct {
	cfg    *config.Config
	logger *logging.Logger
	buf    *flightrec.Buffer
	sink   diagnostics.Writer
	wd     *watchdog.Watchdog
	policy poll.Policy

	closers []func() error
}

// newRuntime wires a rank from cfg. bufferSize overrides the configured
// recorder capacity when positive.
func newRuntime(cfg *config.Config, logger *logging.Logger, rank, bufferSize int) (*runtime, error) {
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if bufferSize <= 0 {
		bufferSize = cfg.Recorder.BufferSize
	}

	rt := &runtime{cfg: cfg, logger: logger.WithRank(rank)}
	rt.buf = flightrec.New(flightrec.Options{
		MaxEntries:   bufferSize,
		CaptureStack: cfg.Recorder.CaptureStack,
		EnableTiming: cfg.Recorder.EnableTiming,
		Logger:       rt.logger.Logger,
	})

	sink, err := newSink(cfg.Diagnostics, rank, rt.logger)
	if err != nil {
		return nil, err
	}
	if closer, ok := sink.(interface{ Close() error }); ok {
		rt.closers = append(rt.closers, closer.Close)
	}
	rt.sink = sink
	if err := diagnostics.RegisterWriter(sink); err != nil {
		// A sink registered earlier in this process keeps serving other
		// components; the watchdog still writes to ours.
		if !errors.Is(err, core.ErrWriterRegisteredSentinel) {
			return nil, err
		}
		rt.logger.Debug("diagnostic sink already registered", "target", sink.Target())
	}

	// All durations were checked by ValidateConfig.
	timeout, _ := cfg.Comm.NonblockingTimeoutDuration()
	interval, _ := cfg.Comm.PollIntervalDuration()
	rt.policy = poll.New(timeout, interval)

	wdInterval, _ := cfg.Watchdog.IntervalDuration()
	wdTimeout, _ := cfg.Watchdog.TimeoutDuration()
	rt.wd = watchdog.New(rt.buf, sink, watchdog.Config{
		Rank:           rank,
		Interval:       wdInterval,
		DefaultTimeout: wdTimeout,
		DumpOnTimeout:  cfg.Watchdog.DumpOnTimeout,
		IncludeStacks:  cfg.Diagnostics.IncludeStack,
		Logger:         rt.logger.Logger,
	})
	return rt, nil
}

func newSink(cfg config.DiagnosticsConfig, rank int, logger *logging.Logger) (diagnostics.Writer, error) {
	switch cfg.Sink {
	case config.SinkSQLite:
		w, err := diagnostics.NewSQLiteWriter(cfg.SQLitePath, rank)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite sink: %w", err)
		}
		return w, nil
	default:
		return diagnostics.NewFileWriter(cfg.DumpPrefix, rank, logger.Logger), nil
	}
}

// waitIdle blocks until the watchdog has no pending work or ctx is done.
func (rt *runtime) waitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for rt.wd.Pending() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	return errors.Join(errs...)
}
