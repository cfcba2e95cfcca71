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
	"syscall"
	"time"

	"fuzzbench.harness/internal/config"
	"fuzzbench.harness/internal/core/logger"
	"fuzzbench.harness/internal/core/services"
	"fuzzbench.harness/internal/executor"
)

func compileCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	var opts services.CompileOptions
	fs := flag.NewFlagSet("compile", flag.ContinueOnError)
	fs.SetOutput(stderr)
	listFile := fs.String("list-file", filepath.Join("release", "benchmarks", "assets", "B1.list"), "contract list to compile")
	fs.StringVar(&opts.InputDir, "solc-input-dir", "", "directory holding <id>.sol sources (required)")
	fs.StringVar(&opts.OutputDir, "solc-output-dir", "", "directory receiving one artifact directory per contract (required)")
	solcTimeout := fs.Int("solc-timeout-seconds", 30, "per-contract solc budget")
	fs.StringVar(&opts.SolcBinary, "solc-binary", "", "solc executable; overrides the per-version solc-select lookup")
	fs.BoolVar(&opts.GeneratePTX, "generate-ptx", false, "also lower each contract to kernel.ptx")
	fs.StringVar(&opts.PTXRuntime, "ptx-runtime", "rt.o.bc", "runtime bitcode linked into each kernel")
	fs.StringVar(&opts.LLC, "llc", "llc-16", "llc executable used for the PTX target")
	fs.IntVar(&opts.Jobs, "jobs", cfg.Jobs, "contracts compiled concurrently")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if opts.InputDir == "" || opts.OutputDir == "" {
		fmt.Fprintln(stderr, "fuzzbench compile: --solc-input-dir and --solc-output-dir are required")
		return exitUsage
	}
	if *solcTimeout <= 0 {
		fmt.Fprintf(stderr, "fuzzbench compile: --solc-timeout-seconds must be positive, got %d\n", *solcTimeout)
		return exitUsage
	}
	opts.SolcTimeout = time.Duration(*solcTimeout) * time.Second
	opts.Grace = cfg.KillGrace

	closeObs, err := setupObservability(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "fuzzbench compile: %v\n", err)
		return exitUsage
	}
	defer closeObs()

	entries, err := services.LoadManifest(*listFile)
	if err != nil {
		logger.Error("Failed to read contract list", "error", err)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Toolchain steps always run on the host.
	compiler := services.NewCompiler(executor.NewLocalLauncher(), opts)
	report, err := compiler.Compile(ctx, entries)
	if report != nil {
		fmt.Fprintf(stdout, "compiled %d, failed %d (%s)\n", len(report.Compiled), len(report.Failed),
			filepath.Join(opts.OutputDir, services.CompileReportName))
		for _, f := range report.Failed {
			fmt.Fprintf(stdout, "  %s: %s\n", f.ID, f.Reason)
		}
	}
	switch {
	case ctx.Err() != nil:
		return exitInterrupted
	case err != nil && report == nil:
		logger.Error("Compilation could not start", "error", err)
		return exitUsage
	case err != nil:
		logger.Error("Failed to write compile report", "error", err)
		return exitFatal
	}
	return exitOK
}
