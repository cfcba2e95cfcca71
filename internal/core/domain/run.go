package domain

import "time"

type SlotKind string

const (
	SlotCPU SlotKind = "cpu"
	SlotGPU SlotKind = "gpu"
)

// ManifestEntry is one line of a contract list.
type ManifestEntry struct {
	ID              string `json:"id"`
	Contract        string `json:"contract,omitempty"`
	CompilerVersion string `json:"compiler_version,omitempty"`
}

// RunMeta identifies a run and the configuration it was started with.
type RunMeta struct {
	RunID            string    `json:"run_id"`
	BenchmarkSet     string    `json:"benchmark_set"`
	BenchmarkBaseDir string    `json:"benchmark_base_dir"`
	OutputDir        string    `json:"output_dir"`
	FuzzerPath       string    `json:"fuzzer_path"`
	FuzzerArgs       []string  `json:"fuzzer_args"`
	TimeoutSeconds   int       `json:"timeout_seconds"`
	UsePTX           bool      `json:"use_ptx"`
	CPUSlots         int       `json:"cpu_slots"`
	GPUSlots         int       `json:"gpu_slots"`
	Launcher         string    `json:"launcher"`
	JobIDs           []string  `json:"job_ids"`
	StartedAt        time.Time `json:"started_at"`
}

// Summary is the run-level count of outcomes by status.
type Summary struct {
	RunID      string            `json:"run_id"`
	Total      int               `json:"total"`
	Counts     map[JobStatus]int `json:"counts"`
	Cancelled  bool              `json:"cancelled"`
	FatalError string            `json:"fatal_error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

type CompileFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type CompileReport struct {
	Compiled []string         `json:"compiled"`
	Failed   []CompileFailure `json:"failed"`
}
