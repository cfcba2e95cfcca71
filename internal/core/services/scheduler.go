package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"fuzzbench.harness/internal/core/domain"
	"fuzzbench.harness/internal/core/logger"
	"fuzzbench.harness/internal/core/ports"
	"fuzzbench.harness/internal/core/tracing"
)

const (
	StdoutLogName = "stdout.log"
	StderrLogName = "stderr.log"
)

// OutcomeRecorder accepts terminal job records. Collector implements it.
type OutcomeRecorder interface {
	Record(o *domain.JobOutcome) error
}

// Scheduler drives every JobSpec of a run through
// Queued -> SlotAcquired -> Running -> terminal -> SlotReleased -> Reported.
type Scheduler struct {
	runID    string
	arbiter  *Arbiter
	launcher ports.Launcher
	builder  *InvocationBuilder
	recorder OutcomeRecorder
	grace    time.Duration
	log      *slog.Logger
}

func NewScheduler(runID string, arbiter *Arbiter, launcher ports.Launcher, builder *InvocationBuilder, recorder OutcomeRecorder, grace time.Duration) *Scheduler {
	return &Scheduler{
		runID:    runID,
		arbiter:  arbiter,
		launcher: launcher,
		builder:  builder,
		recorder: recorder,
		grace:    grace,
		log:      logger.Get().With("run_id", runID),
	}
}

// Run processes all specs. Every spec is reported exactly once; specs reached
// after ctx is cancelled are reported as cancelled. Job failures never stop
// the run. A recorder error is fatal: the remaining jobs are cancelled, their
// processes terminated, and the first such error is returned.
//
// Each slot kind has its own dispatcher that walks its specs in manifest
// order and acquires a slot before starting the job goroutine, so jobs
// waiting for the GPU never hold back CPU jobs.
func (s *Scheduler) Run(ctx context.Context, specs []domain.JobSpec) error {
	if len(specs) == 0 {
		return nil
	}
	ctx, span := tracing.StartSpan(logger.ContextWithRun(ctx, s.runID), "fuzzbench.run")
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var cpuSpecs, gpuSpecs []domain.JobSpec
	for _, spec := range specs {
		if spec.RequiresGPU {
			gpuSpecs = append(gpuSpecs, spec)
		} else {
			cpuSpecs = append(cpuSpecs, spec)
		}
	}
	s.log.Info("Scheduling jobs", "jobs", len(specs), "cpu_jobs", len(cpuSpecs), "gpu_jobs", len(gpuSpecs),
		"cpu_slots", s.arbiter.Capacity(domain.SlotCPU), "gpu_slots", s.arbiter.Capacity(domain.SlotGPU))

	// Concurrency is bounded by the arbiter, not by the group.
	var jobs errgroup.Group
	report := func(out *domain.JobOutcome) error {
		if err := s.recorder.Record(out); err != nil {
			cancel()
			return fmt.Errorf("record outcome for %s: %w", out.JobID, err)
		}
		return nil
	}

	var dispatchers sync.WaitGroup
	for _, group := range [][]domain.JobSpec{cpuSpecs, gpuSpecs} {
		if len(group) == 0 {
			continue
		}
		dispatchers.Add(1)
		go func(group []domain.JobSpec) {
			defer dispatchers.Done()
			s.dispatch(runCtx, group, &jobs, report)
		}(group)
	}
	dispatchers.Wait()
	return jobs.Wait()
}

// dispatch starts the specs of one slot kind in order, each once it holds a
// slot. Specs that never get a slot are reported without running.
func (s *Scheduler) dispatch(ctx context.Context, specs []domain.JobSpec, jobs *errgroup.Group, report func(*domain.JobOutcome) error) {
	for _, spec := range specs {
		spec := spec
		out := domain.NewOutcome(s.runID, spec)
		out.StartedAt = time.Now()
		jobCtx := logger.ContextWithJob(ctx, spec.JobID)
		log := logger.WithContext(jobCtx)

		switch {
		case spec.MissingReason != "":
			log.Warn("Artifact missing", "reason", spec.MissingReason)
			jobs.Go(func() error { return report(finish(out, domain.JobStatusArtifactMissing, spec.MissingReason)) })
			continue
		case ctx.Err() != nil:
			jobs.Go(func() error {
				return report(finish(out, domain.JobStatusCancelled, "run cancelled before the job started"))
			})
			continue
		}

		slot, err := s.arbiter.Acquire(ctx, spec.RequiresGPU)
		if err != nil {
			status, reason := domain.JobStatusCancelled, "run cancelled while waiting for a slot"
			if errors.Is(err, ErrNoGPUSlot) || errors.Is(err, ErrNoCPUSlot) {
				log.Error("No slot for job", "error", err)
				status, reason = domain.JobStatusSlotUnavailable, err.Error()
			}
			jobs.Go(func() error { return report(finish(out, status, reason)) })
			continue
		}

		jobs.Go(func() error {
			s.runWithSlot(jobCtx, spec, slot, out, log)
			return report(out)
		})
	}
}

// runWithSlot runs the job and returns the slot before the outcome is reported.
func (s *Scheduler) runWithSlot(ctx context.Context, spec domain.JobSpec, slot *Slot, out *domain.JobOutcome, log *slog.Logger) {
	defer s.arbiter.Release(slot)
	if ctx.Err() != nil {
		finish(out, domain.JobStatusCancelled, "run cancelled while waiting for a slot")
		return
	}
	s.execute(ctx, spec, slot, out, log)
}

func finish(out *domain.JobOutcome, status domain.JobStatus, reason string) *domain.JobOutcome {
	out.Status = status
	out.Error = reason
	out.FinishedAt = time.Now()
	return out
}

func (s *Scheduler) execute(ctx context.Context, spec domain.JobSpec, slot *Slot, out *domain.JobOutcome, log *slog.Logger) {
	ctx, span := tracing.StartJobSpan(ctx, spec)
	defer tracing.EndJobSpan(span, out)

	out.StartedAt = time.Now()
	out.StdoutLogPath = filepath.Join(spec.OutputDir, StdoutLogName)
	out.StderrLogPath = filepath.Join(spec.OutputDir, StderrLogName)

	if err := os.MkdirAll(filepath.Join(spec.OutputDir, "work"), 0o755); err != nil {
		finish(out, domain.JobStatusSpawnFailed, fmt.Sprintf("create job output dir: %v", err))
		return
	}
	stdout, err := os.Create(out.StdoutLogPath)
	if err != nil {
		finish(out, domain.JobStatusSpawnFailed, fmt.Sprintf("create stdout log: %v", err))
		return
	}
	defer stdout.Close()
	stderr, err := os.Create(out.StderrLogPath)
	if err != nil {
		finish(out, domain.JobStatusSpawnFailed, fmt.Sprintf("create stderr log: %v", err))
		return
	}
	defer stderr.Close()

	inv := s.builder.Build(spec)
	inv.Stdout = stdout
	inv.Stderr = stderr

	log.Info("Starting fuzzer", "slot", fmt.Sprintf("%s-%d", slot.Kind, slot.Index), "timeout_seconds", spec.TimeoutSeconds)
	start := time.Now()
	proc, err := s.launcher.Launch(ctx, inv)
	if err != nil {
		out.WallTimeMs = time.Since(start).Milliseconds()
		log.Error("Failed to spawn fuzzer", "error", err)
		finish(out, domain.JobStatusSpawnFailed, err.Error())
		return
	}

	res := Supervise(ctx, proc, spec.Timeout(), s.grace)
	out.WallTimeMs = res.Elapsed.Milliseconds()
	out.FinishedAt = time.Now()
	classify(out, res)

	if err := stdout.Sync(); err != nil {
		log.Warn("Failed to sync stdout log", "error", err)
	}
	if err := stderr.Sync(); err != nil {
		log.Warn("Failed to sync stderr log", "error", err)
	}
	s.attachCoverage(out, log)

	log.Info("Job finished", "status", out.Status, "wall_time_ms", out.WallTimeMs, "exit_code", out.ExitCode, "signal", out.Signal)
}

func classify(out *domain.JobOutcome, res SuperviseResult) {
	if res.Exit.Signal == "" && res.WaitErr == nil {
		code := res.Exit.Code
		out.ExitCode = &code
	}
	out.Signal = res.Exit.Signal

	switch {
	case res.TimedOut:
		out.Status = domain.JobStatusTimedOut
	case res.Cancelled:
		out.Status = domain.JobStatusCancelled
	case res.WaitErr != nil:
		out.Status = domain.JobStatusCrashed
	case res.Exit.Success():
		out.Status = domain.JobStatusCompleted
	default:
		out.Status = domain.JobStatusCrashed
	}
	if res.WaitErr != nil {
		out.Error = res.WaitErr.Error()
	}
}

// attachCoverage reads coverage samples from stdout, falling back to stderr.
func (s *Scheduler) attachCoverage(out *domain.JobOutcome, log *slog.Logger) {
	for _, path := range []string{out.StdoutLogPath, out.StderrLogPath} {
		series, err := ParseCoverageFile(path)
		if err != nil {
			log.Warn("Failed to parse coverage", "log", path, "error", err)
			continue
		}
		if len(series.Entries) == 0 {
			continue
		}
		out.Series = series.Entries
		out.Metrics = series.Metrics()
		return
	}
}
