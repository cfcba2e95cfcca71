package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"fuzzbench.harness/internal/config"
	"fuzzbench.harness/internal/core/logger"
	"fuzzbench.harness/internal/core/tracing"
)

const version = "0.1.0"

const (
	exitOK          = 0
	exitFatal       = 1
	exitUsage       = 2
	exitInterrupted = 130
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "fuzzbench: %v\n", err)
		return exitUsage
	}

	switch args[0] {
	case "run":
		return runCmd(cfg, args[1:], stdout, stderr)
	case "compile":
		return compileCmd(cfg, args[1:], stdout, stderr)
	case "plot":
		return plotCmd(cfg, args[1:], stdout, stderr)
	case "serve":
		return serveCmd(cfg, args[1:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return exitOK
	case "version", "--version":
		fmt.Fprintln(stdout, "fuzzbench", version)
		return exitOK
	default:
		fmt.Fprintf(stderr, "fuzzbench: unknown command %q\n", args[0])
		usage(stderr)
		return exitUsage
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `usage: fuzzbench <command> [flags]

commands:
  compile   compile a contract list with solc (and optionally to PTX)
  run       fuzz every benchmark and record one outcome per job
  plot      aggregate result stores into coverage CSVs and a report
  serve     serve result stores over HTTP and gRPC

Run "fuzzbench <command> -h" for the flags of a command.
`)
}

// setupObservability starts logging and tracing from cfg. The returned func
// flushes both.
func setupObservability(cfg *config.Config, stderr io.Writer) (func(), error) {
	closeLog, err := logger.InitWithFile(cfg.LogLevel, cfg.LogFormat, stderr, cfg.LogFile)
	if err != nil {
		return nil, err
	}

	shutdownTracing := func(context.Context) error { return nil }
	if cfg.EnableTracing {
		shutdownTracing, err = tracing.Init(cfg.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("Failed to initialize tracing", "error", err)
			shutdownTracing = func(context.Context) error { return nil }
		}
	}

	return func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("Failed to shutdown tracing", "error", err)
		}
		closeLog()
	}, nil
}
