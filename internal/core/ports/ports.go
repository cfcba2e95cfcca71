package ports

import (
	"context"
	"io"
	"time"

	"fuzzbench.harness/internal/core/domain"
)

// Invocation is a fully built external command.
type Invocation struct {
	Name        string // job or step id, used for container names and logs
	Path        string
	Args        []string
	Dir         string
	Env         []string
	Stdout      io.Writer
	Stderr      io.Writer
	RequiresGPU bool
	Mounts      []string // host directories the process reads or writes
}

type Launcher interface {
	Launch(ctx context.Context, inv Invocation) (Process, error)
}

// Process is a started command. Terminate must be safe to call after the
// process has exited and must not block longer than grace plus the kill.
type Process interface {
	Wait() (domain.ExitStatus, error)
	Terminate(grace time.Duration) error
}

// ResultWriter persists one run. Callers serialize access.
type ResultWriter interface {
	WriteRun(meta *domain.RunMeta) error
	WriteOutcome(o *domain.JobOutcome) error
	WriteSeries(jobID string, entries []domain.StatsEntry) error
	AppendEvent(o *domain.JobOutcome) error
	WriteSummary(s *domain.Summary) error
}

type ResultReader interface {
	Root() string
	ReadRun() (*domain.RunMeta, error)
	// ListOutcomes returns every readable record and the paths of records it skipped.
	ListOutcomes() ([]*domain.JobOutcome, []string, error)
	ReadOutcome(jobID string) (*domain.JobOutcome, error)
	ReadSeries(jobID string) ([]domain.StatsEntry, error)
	ReadSummary() (*domain.Summary, error)
}

// OutcomeSink mirrors recorded outcomes to an external system.
type OutcomeSink interface {
	Name() string
	Publish(ctx context.Context, run *domain.RunMeta, o *domain.JobOutcome) error
}
