package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/api"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/native/sim"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/workload"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a watched rank with its control-plane server",
	Long: `Run a continuous simulated workload under the watchdog and serve the
rank's control plane: recorder dumps, communicator health and metrics.

When diagnostics.trigger_file is set, touching <trigger_file><rank>.pipe
writes a dump through the configured sink.

Examples:
  # Serve on the configured address (default 127.0.0.1:9780)
  ncclwatch serve

  # Serve rank 2 on all interfaces
  ncclwatch serve --rank 2 --addr 0.0.0.0:9780

  # Fetch the current dump
  curl 127.0.0.1:9780/handler/dump_nccl_trace_json`,
	RunE: runServe,
}

var (
	serveAddr    string
	serveRank    int
	serveWorld   int
	serveLatency time.Duration
	serveTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default: server.addr)")
	serveCmd.Flags().IntVar(&serveRank, "rank", 0, "rank served by this process")
	serveCmd.Flags().IntVar(&serveWorld, "world-size", 4, "number of ranks in the world group")
	serveCmd.Flags().DurationVar(&serveLatency, "latency", 250*time.Millisecond, "time between collectives")
	serveCmd.Flags().DurationVar(&serveTimeout, "timeout", 0, "per-collective timeout (default: watchdog.timeout)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	bufferSize := 0
	if appConfig.Recorder.BufferSize <= 0 {
		bufferSize = defaultSimBufferSize
	}
	rt, err := newRuntime(appConfig, appLogger, serveRank, bufferSize)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	if err := rt.wd.Metrics().Register(reg); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	runner := workload.NewRunner(&workload.Config{
		WorldSize:   serveWorld,
		Rank:        serveRank,
		Latency:     serveLatency,
		Timeout:     serveTimeout,
		Nonblocking: appConfig.Comm.Nonblocking,
		Policy:      rt.policy,
	}, sim.New(), rt.wd, rt.logger.Logger)
	if err := runner.Setup(ctx); err != nil {
		return err
	}
	defer func() { _ = runner.Close(context.Background()) }()

	rt.wd.Start(ctx)
	defer rt.wd.Stop()

	if prefix := appConfig.Diagnostics.TriggerFile; prefix != "" {
		trigger := diagnostics.NewDumpTrigger(prefix, serveRank, func(ctx context.Context) {
			if err := rt.wd.DumpNow(ctx); err != nil {
				rt.logger.Error("triggered dump failed", "error", err)
			}
		}, rt.logger.Logger)
		if err := trigger.Start(ctx); err != nil {
			return err
		}
		defer trigger.Stop()
		rt.logger.Info("dump trigger armed", "path", trigger.Path())
	}

	addr := serveAddr
	if addr == "" {
		addr = appConfig.Server.Addr
	}
	server := api.NewServer(rt.buf,
		api.WithLogger(rt.logger.Logger),
		api.WithComms(rt.wd),
		api.WithDumper(rt.wd),
		api.WithGatherer(reg),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx, addr)
	})
	g.Go(func() error {
		return runner.Run(gctx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
