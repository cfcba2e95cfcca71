package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	grpchandler "fuzzbench.harness/internal/adapters/handler/grpc"
	httphandler "fuzzbench.harness/internal/adapters/handler/http"
	redisqueue "fuzzbench.harness/internal/adapters/queue/redis"
	"fuzzbench.harness/internal/adapters/repository/fsstore"
	"fuzzbench.harness/internal/config"
	"fuzzbench.harness/internal/core/domain"
	"fuzzbench.harness/internal/core/logger"
	"fuzzbench.harness/internal/core/ports"
	"fuzzbench.harness/internal/core/services"
)

func serveCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	var dirs dirList
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Var(&dirs, "output-dir", "result store to serve (repeatable)")
	httpAddr := fs.String("http-addr", cfg.HTTPAddr, "HTTP report API address")
	grpcAddr := fs.String("grpc-addr", cfg.GRPCAddr, "gRPC report API address")
	follow := fs.Bool("follow-redis", false, "stream outcomes that runs publish to REDIS_URL")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	switch {
	case len(dirs) == 0:
		fmt.Fprintln(stderr, "fuzzbench serve: at least one --output-dir is required")
		return exitUsage
	case *httpAddr == "" && *grpcAddr == "":
		fmt.Fprintln(stderr, "fuzzbench serve: set --http-addr, --grpc-addr or both")
		return exitUsage
	case *follow && cfg.RedisURL == "":
		fmt.Fprintln(stderr, "fuzzbench serve: --follow-redis needs REDIS_URL")
		return exitUsage
	}

	closeObs, err := setupObservability(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "fuzzbench serve: %v\n", err)
		return exitUsage
	}
	defer closeObs()

	readers := make([]ports.ResultReader, len(dirs))
	for i, d := range dirs {
		readers[i] = fsstore.New(d)
	}
	agg := services.NewAggregator(readers...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var redisSink *redisqueue.Sink
	m := &mirrors{}
	if cfg.RedisURL != "" {
		sink, client, err := redisqueue.NewSink(cfg.RedisURL)
		if err != nil {
			logger.Error("Invalid REDIS_URL", "error", err)
			return exitUsage
		}
		redisSink, m.redisClient = sink, client
	}
	defer m.Close()

	g, gctx := errgroup.WithContext(ctx)
	var live []ports.OutcomeSink

	if *httpAddr != "" {
		hub := httphandler.NewHub()
		g.Go(func() error {
			hub.Run(gctx)
			return nil
		})
		live = append(live, hub)

		health := services.NewHealthService(readers, nil, m.redisClient, version)
		srv := httphandler.NewServer(agg, health, hub)
		g.Go(func() error { return srv.Run(gctx, *httpAddr) })
	}
	if *grpcAddr != "" {
		gs := grpchandler.NewServer(agg, cfg.GRPCToken)
		live = append(live, gs)
		g.Go(func() error { return gs.Run(gctx, *grpcAddr) })
	}
	if *follow {
		events, err := redisSink.Subscribe(gctx)
		if err != nil {
			logger.Error("Failed to follow live runs", "error", err)
			stop()
			g.Wait()
			return exitFatal
		}
		g.Go(func() error {
			forward(gctx, events, live)
			return nil
		})
	}

	fmt.Fprintf(stdout, "serving %d result store(s)\n", len(readers))
	if err := g.Wait(); err != nil {
		logger.Error("Report server failed", "error", err)
		return exitFatal
	}
	return exitOK
}

// forward hands events from other processes to the live surfaces.
func forward(ctx context.Context, events <-chan redisqueue.OutcomeEvent, sinks []ports.OutcomeSink) {
	for ev := range events {
		run := &domain.RunMeta{RunID: ev.RunID, BenchmarkSet: ev.BenchmarkSet}
		for _, s := range sinks {
			if err := s.Publish(ctx, run, ev.Outcome); err != nil {
				logger.Debug("Failed to forward outcome", "sink", s.Name(), "job_id", ev.Outcome.JobID, "error", err)
			}
		}
	}
}
