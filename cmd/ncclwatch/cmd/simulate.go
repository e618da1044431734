package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/comm"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/native/sim"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/report"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/workload"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulated process group under the watchdog",
	Long: `Run a simulated rank against the in-memory collective library. The rank
joins a world group and a split subgroup, issues collectives, and is
watched exactly like a real job: a hang or remote failure triggers a dump
through the configured sink and aborts the affected communicator.

Examples:
  # Sixteen healthy collectives on rank 0 of 4
  ncclwatch simulate

  # Make the fifth collective hang and time it out after 500ms
  ncclwatch simulate --hang-at 5 --timeout 500ms

  # Inject a remote failure and show only unfinished entries
  ncclwatch simulate --fail-at 3 --only-active`,
	RunE: runSimulate,
}

var (
	simWorldSize   int
	simRank        int
	simOps         int
	simHangAt      int
	simFailAt      int
	simLatency     time.Duration
	simTimeout     time.Duration
	simBufferSize  int
	simOnlyActive  bool
	simNonblocking bool
)

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().IntVar(&simWorldSize, "world-size", 4, "number of ranks in the world group")
	simulateCmd.Flags().IntVar(&simRank, "rank", 0, "rank simulated by this process")
	simulateCmd.Flags().IntVar(&simOps, "ops", 16, "collectives to issue")
	simulateCmd.Flags().IntVar(&simHangAt, "hang-at", 0, "1-based collective that never completes (0 = none)")
	simulateCmd.Flags().IntVar(&simFailAt, "fail-at", 0, "1-based collective whose communicator fails remotely (0 = none)")
	simulateCmd.Flags().DurationVar(&simLatency, "latency", 20*time.Millisecond, "time between collectives")
	simulateCmd.Flags().DurationVar(&simTimeout, "timeout", 2*time.Second, "per-collective timeout")
	simulateCmd.Flags().IntVar(&simBufferSize, "buffer-size", 0, "recorder capacity (default: recorder.buffer_size, or 2000 when disabled)")
	simulateCmd.Flags().BoolVar(&simOnlyActive, "only-active", false, "report only entries not retired as completed")
	simulateCmd.Flags().BoolVar(&simNonblocking, "nonblocking", false, "create non-blocking communicators (default: comm.nonblocking)")
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	bufferSize := simBufferSize
	if bufferSize <= 0 && appConfig.Recorder.BufferSize <= 0 {
		bufferSize = defaultSimBufferSize
	}
	rt, err := newRuntime(appConfig, appLogger, simRank, bufferSize)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wcfg := &workload.Config{
		WorldSize:   simWorldSize,
		Rank:        simRank,
		Ops:         simOps,
		HangAt:      simHangAt,
		FailAt:      simFailAt,
		Latency:     simLatency,
		Timeout:     simTimeout,
		Nonblocking: appConfig.Comm.Nonblocking,
		Policy:      rt.policy,
	}
	if cmd.Flags().Changed("nonblocking") {
		wcfg.Nonblocking = simNonblocking
	}
	runner := workload.NewRunner(wcfg, sim.New(), rt.wd, rt.logger.Logger)
	if err := runner.Setup(ctx); err != nil {
		return err
	}
	defer func() { _ = runner.Close(context.Background()) }()

	rt.wd.Start(ctx)
	defer rt.wd.Stop()

	if err := runner.Run(ctx); err != nil {
		return fmt.Errorf("running workload: %w", err)
	}
	// A hang resolves once the watchdog times it out.
	waitCtx, cancel := context.WithTimeout(ctx, simTimeout+5*simLatency+time.Second)
	defer cancel()
	if err := rt.waitIdle(waitCtx); err != nil {
		rt.logger.Warn("collectives still pending", "pending", rt.wd.Pending())
	}

	doc := rt.buf.Dump(comm.DumpAll(ctx, runner.Comms(), rt.logger.Logger), true, false, false)
	if err := report.Write(cmd.OutOrStdout(), doc, report.Filter{OnlyActive: simOnlyActive}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\ndumps go to %s\n", rt.sink.Target())
	return nil
}
