package domain

// StatsEntry is one coverage sample relative to fuzzer start.
type StatsEntry struct {
	InstructionsCovered uint64 `json:"instructions_covered"`
	BranchesCovered     uint64 `json:"branches_covered"`
	TimeTakenMillis     uint64 `json:"time_taken_millis"`
}

type CoverageMetrics struct {
	InstructionsCovered uint64 `json:"instructions_covered"`
	TotalInstructions   uint64 `json:"total_instructions,omitempty"`
	BranchesCovered     uint64 `json:"branches_covered"`
	TotalBranches       uint64 `json:"total_branches,omitempty"`
	Samples             int    `json:"samples"`
	LastSampleMillis    uint64 `json:"last_sample_millis"`
}

// SeriesPoint is one point of the aggregated instructions-over-time curve.
type SeriesPoint struct {
	TimeSeconds     float64 `json:"time_seconds"`
	InstructionsK   float64 `json:"instructions_k"`
	TimeTakenMillis uint64  `json:"time_taken_millis"`
	Instructions    uint64  `json:"instructions"`
}
