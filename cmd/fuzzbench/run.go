package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	httphandler "fuzzbench.harness/internal/adapters/handler/http"
	"fuzzbench.harness/internal/adapters/repository/fsstore"
	"fuzzbench.harness/internal/config"
	"fuzzbench.harness/internal/core/domain"
	"fuzzbench.harness/internal/core/logger"
	"fuzzbench.harness/internal/core/ports"
	"fuzzbench.harness/internal/core/services"
	"fuzzbench.harness/internal/executor"
)

type runFlags struct {
	fuzzerPath    string
	fuzzerOptions string
	timeoutFlag   string
	baseDir       string
	listFile      string
	outputDir     string
	benchmarkSet  string
	timeout       int
	usePTX        bool
	gpuSlots      int
	httpAddr      string
}

func runCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	var f runFlags
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.fuzzerPath, "fuzzer-path", "ityfuzz", "fuzzer executable")
	fs.StringVar(&f.fuzzerOptions, "fuzzer-options", strings.Join(services.DefaultFuzzerOptions, " "), "space separated fuzzer options placed before the per-job arguments")
	fs.StringVar(&f.baseDir, "benchmark-base-dir", "", "directory holding one compiled artifact directory per job (required)")
	fs.StringVar(&f.listFile, "list-file", "", "contract list; when empty every artifact directory is a job")
	fs.StringVar(&f.outputDir, "output-dir", "analysis_output", "result store directory; must not hold outcome records")
	fs.StringVar(&f.benchmarkSet, "benchmark-set", "", "name reported for the benchmark set (default: list file or base dir name)")
	fs.IntVar(&f.timeout, "fuzz-timeout-seconds", 15, "wall-clock budget per job")
	fs.StringVar(&f.timeoutFlag, "fuzzer-timeout-flag", "", "fuzzer flag that receives the budget in seconds (default: none, the budget is only enforced by the harness)")
	fs.BoolVar(&f.usePTX, "use-ptx", false, "run every job in GPU mode with its kernel.ptx")
	fs.IntVar(&f.gpuSlots, "gpu-slots", 1, "concurrent GPU jobs in PTX mode")
	fs.StringVar(&f.httpAddr, "http-addr", cfg.HTTPAddr, "serve the live report API on this address")
	jobs := fs.Int("jobs", cfg.Jobs, "concurrent CPU jobs")
	grace := fs.Duration("kill-grace", cfg.KillGrace, "time between terminate and kill")
	launcherName := fs.String("launcher", cfg.Launcher, "process launcher: local or docker")
	image := fs.String("docker-image", cfg.DockerImage, "image for the docker launcher")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	cfg.Jobs, cfg.KillGrace, cfg.Launcher, cfg.DockerImage = *jobs, *grace, *launcherName, *image
	if err := f.validate(cfg); err != nil {
		fmt.Fprintf(stderr, "fuzzbench run: %v\n", err)
		return exitUsage
	}

	closeObs, err := setupObservability(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "fuzzbench run: %v\n", err)
		return exitUsage
	}
	defer closeObs()

	return executeRun(cfg, f, stdout)
}

func (f *runFlags) validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if f.baseDir == "" {
		return fmt.Errorf("--benchmark-base-dir is required")
	}
	if f.fuzzerPath == "" {
		return fmt.Errorf("--fuzzer-path must not be empty")
	}
	if f.gpuSlots < 0 {
		return fmt.Errorf("--gpu-slots must not be negative, got %d", f.gpuSlots)
	}
	var err error
	if f.baseDir, err = filepath.Abs(f.baseDir); err != nil {
		return err
	}
	if f.outputDir, err = filepath.Abs(f.outputDir); err != nil {
		return err
	}
	if f.benchmarkSet == "" {
		name := f.listFile
		if name == "" {
			name = f.baseDir
		}
		f.benchmarkSet = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	}
	return nil
}

func executeRun(cfg *config.Config, f runFlags, stdout io.Writer) int {
	var (
		entries []domain.ManifestEntry
		err     error
	)
	if f.listFile != "" {
		entries, err = services.LoadManifest(f.listFile)
	} else {
		entries, err = services.DiscoverManifest(f.baseDir)
	}
	if err != nil {
		logger.Error("Failed to read job list", "error", err)
		return exitUsage
	}

	resolver := &services.Resolver{
		BaseDir:        f.baseDir,
		OutputDir:      f.outputDir,
		UsePTX:         f.usePTX,
		TimeoutSeconds: f.timeout,
	}
	specs, err := resolver.Resolve(entries)
	if err != nil {
		logger.Error("Invalid run configuration", "error", err)
		return exitUsage
	}

	// A PTX run is GPU-only: every job needs the device.
	cpuSlots, gpuSlots := cfg.Jobs, 0
	if f.usePTX {
		cpuSlots, gpuSlots = 0, f.gpuSlots
	}
	arbiter, err := services.NewArbiter(cpuSlots, gpuSlots, httphandler.ObserveSlots)
	if err != nil {
		logger.Error("Invalid slot configuration", "error", err)
		return exitUsage
	}

	store := fsstore.New(f.outputDir)
	if err := store.Init(); err != nil {
		logger.Error("Cannot use output directory", "error", err)
		if errors.Is(err, domain.ErrStoreNotEmpty) {
			return exitUsage
		}
		return exitFatal
	}

	launcher, err := newLauncher(cfg)
	if err != nil {
		logger.Error("Failed to create launcher", "launcher", cfg.Launcher, "error", err)
		return exitFatal
	}

	builder := services.NewInvocationBuilder(f.fuzzerPath, strings.Fields(f.fuzzerOptions))
	builder.TimeoutFlag = f.timeoutFlag
	meta := &domain.RunMeta{
		RunID:            uuid.NewString(),
		BenchmarkSet:     f.benchmarkSet,
		BenchmarkBaseDir: f.baseDir,
		OutputDir:        f.outputDir,
		FuzzerPath:       f.fuzzerPath,
		FuzzerArgs:       builder.Template(f.usePTX),
		TimeoutSeconds:   f.timeout,
		UsePTX:           f.usePTX,
		CPUSlots:         cpuSlots,
		GPUSlots:         gpuSlots,
		Launcher:         cfg.Launcher,
		JobIDs:           jobIDs(specs),
		StartedAt:        time.Now(),
	}
	if err := store.WriteRun(meta); err != nil {
		logger.Error("Failed to write run metadata", "error", err)
		return exitFatal
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.ContextWithRun(ctx, meta.RunID)

	m := openMirrors(cfg)
	defer m.Close()
	m.startRun(meta)

	sinks := m.sinks()
	if cfg.EnableMetrics {
		sinks = append(sinks, httphandler.MetricsSink{})
	}

	// The live server outlives the signal context so the final records stay
	// readable until the run returns.
	serveCtx, stopServe := context.WithCancel(context.Background())
	defer stopServe()
	if f.httpAddr != "" {
		hub := httphandler.NewHub()
		go hub.Run(serveCtx)
		sinks = append(sinks, hub)

		health := services.NewHealthService([]ports.ResultReader{store}, m.db(), m.redisClient, version)
		srv := httphandler.NewServer(services.NewAggregator(store), health, hub)
		go func() {
			if err := srv.Run(serveCtx, f.httpAddr); err != nil {
				logger.ErrorContext(ctx, "Live report server failed", "error", err)
			}
		}()
	}

	collector := services.NewCollector(store, meta, sinks...)
	sched := services.NewScheduler(meta.RunID, arbiter, launcher, builder, collector, cfg.KillGrace)

	logger.InfoContext(ctx, "Starting run", "benchmark_set", meta.BenchmarkSet, "jobs", len(specs),
		"output_dir", f.outputDir, "launcher", cfg.Launcher, "use_ptx", f.usePTX)
	runErr := sched.Run(ctx, specs)
	cancelled := ctx.Err() != nil

	summary, finishErr := collector.Finish(cancelled)
	m.finishRun(summary)
	printSummary(stdout, summary, f.outputDir)

	switch {
	case runErr != nil || finishErr != nil:
		logger.ErrorContext(ctx, "Run failed", "error", errors.Join(runErr, finishErr))
		return exitFatal
	case cancelled:
		logger.WarnContext(ctx, "Run interrupted", "recorded", summary.Total, "expected", len(specs))
		return exitInterrupted
	}
	logger.InfoContext(ctx, "Run finished", "recorded", summary.Total)
	return exitOK
}

func newLauncher(cfg *config.Config) (ports.Launcher, error) {
	if cfg.Launcher == "docker" {
		return executor.NewDockerLauncher(cfg.DockerImage)
	}
	return executor.NewLocalLauncher(), nil
}

func jobIDs(specs []domain.JobSpec) []string {
	ids := make([]string, len(specs))
	for i, s := range specs {
		ids[i] = s.JobID
	}
	return ids
}

func printSummary(w io.Writer, s *domain.Summary, outputDir string) {
	fmt.Fprintf(w, "run %s: %d jobs recorded in %s\n", s.RunID, s.Total, outputDir)
	for _, st := range domain.AllStatuses {
		fmt.Fprintf(w, "  %-22s %d\n", st, s.Counts[st])
	}
	if s.Cancelled {
		fmt.Fprintln(w, "  (interrupted)")
	}
	if s.FatalError != "" {
		fmt.Fprintf(w, "  fatal: %s\n", s.FatalError)
	}
}
