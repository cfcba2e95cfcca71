package domain

import (
	"time"
)

type JobStatus string

const (
	JobStatusCompleted       JobStatus = "completed"
	JobStatusTimedOut        JobStatus = "timed_out"
	JobStatusCrashed         JobStatus = "crashed_non_zero_exit"
	JobStatusSpawnFailed     JobStatus = "spawn_failed"
	JobStatusArtifactMissing JobStatus = "artifact_missing"
	JobStatusSlotUnavailable JobStatus = "slot_unavailable" // run has no slot of the required kind
	JobStatusCancelled       JobStatus = "cancelled"
)

// AllStatuses lists every terminal status in report order.
var AllStatuses = []JobStatus{
	JobStatusCompleted,
	JobStatusTimedOut,
	JobStatusCrashed,
	JobStatusSpawnFailed,
	JobStatusArtifactMissing,
	JobStatusSlotUnavailable,
	JobStatusCancelled,
}

// JobSpec describes one benchmark unit. It is immutable once resolved.
type JobSpec struct {
	JobID          string `json:"job_id"`
	Contract       string `json:"contract,omitempty"`
	ArtifactPath   string `json:"artifact_path"`
	PTXPath        string `json:"ptx_path,omitempty"`
	RequiresGPU    bool   `json:"requires_gpu"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	OutputDir      string `json:"output_dir"`
	MissingReason  string `json:"missing_reason,omitempty"` // non-empty: report artifact_missing without running
}

func (s JobSpec) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// ExitStatus is how a reaped process ended. Signal is empty for a normal exit.
type ExitStatus struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

func (e ExitStatus) Success() bool {
	return e.Code == 0 && e.Signal == ""
}

// JobOutcome is the terminal record of a job.
type JobOutcome struct {
	RunID         string           `json:"run_id"`
	JobID         string           `json:"job_id"`
	Status        JobStatus        `json:"status"`
	WallTimeMs    int64            `json:"wall_time_ms"`
	StdoutLogPath string           `json:"stdout_log_path,omitempty"`
	StderrLogPath string           `json:"stderr_log_path,omitempty"`
	ExitCode      *int             `json:"exit_code,omitempty"`
	Signal        string           `json:"signal,omitempty"`
	Error         string           `json:"error,omitempty"`
	RequiresGPU   bool             `json:"requires_gpu"`
	ArtifactPath  string           `json:"artifact_path"`
	OutputDir     string           `json:"output_dir"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    time.Time        `json:"finished_at"`
	Metrics       *CoverageMetrics `json:"metrics,omitempty"`

	// Series is persisted separately as CSV.
	Series []StatsEntry `json:"-"`
}

// NewOutcome starts an outcome carrying the identity fields of spec.
func NewOutcome(runID string, spec JobSpec) *JobOutcome {
	return &JobOutcome{
		RunID:        runID,
		JobID:        spec.JobID,
		RequiresGPU:  spec.RequiresGPU,
		ArtifactPath: spec.ArtifactPath,
		OutputDir:    spec.OutputDir,
	}
}
