package services

import (
	"path/filepath"
	"strconv"

	"fuzzbench.harness/internal/core/domain"
	"fuzzbench.harness/internal/core/ports"
)

// DefaultFuzzerOptions are passed before the target arguments.
var DefaultFuzzerOptions = []string{"evm", "--run-forever", "-d", "all"}

// InvocationBuilder maps a JobSpec to the fuzzer command line. One builder
// is used for a whole run so every job sees the same argument contract.
type InvocationBuilder struct {
	FuzzerPath  string
	Options     []string
	TargetFlag  string // followed by "<artifact_path>/*"
	WorkDirFlag string // followed by "<output_dir>/work"
	GPUFlag     string // followed by the PTX kernel path in GPU mode
	TimeoutFlag string // optional, followed by the timeout in seconds
}

func NewInvocationBuilder(fuzzerPath string, options []string) *InvocationBuilder {
	if options == nil {
		options = DefaultFuzzerOptions
	}
	return &InvocationBuilder{
		FuzzerPath:  fuzzerPath,
		Options:     options,
		TargetFlag:  "-t",
		WorkDirFlag: "-w",
		GPUFlag:     "--ptx-path",
	}
}

// Template renders the argument contract with placeholders, for run.json.
func (b *InvocationBuilder) Template(usePTX bool) []string {
	return b.args(domain.JobSpec{
		ArtifactPath:   "{artifact_path}",
		OutputDir:      "{output_dir}",
		PTXPath:        "{ptx_path}",
		RequiresGPU:    usePTX,
		TimeoutSeconds: -1,
	})
}

func (b *InvocationBuilder) Build(spec domain.JobSpec) ports.Invocation {
	return ports.Invocation{
		Name:        spec.JobID,
		Path:        b.FuzzerPath,
		Args:        b.args(spec),
		Dir:         spec.OutputDir,
		RequiresGPU: spec.RequiresGPU,
		Mounts:      []string{spec.ArtifactPath, spec.OutputDir},
		Env: []string{
			"FUZZBENCH_JOB_ID=" + spec.JobID,
			"FUZZBENCH_OUTPUT_DIR=" + spec.OutputDir,
			"FUZZBENCH_TIMEOUT_SECONDS=" + strconv.Itoa(spec.TimeoutSeconds),
		},
	}
}

func (b *InvocationBuilder) args(spec domain.JobSpec) []string {
	args := append([]string{}, b.Options...)
	if b.TargetFlag != "" {
		args = append(args, b.TargetFlag, spec.ArtifactPath+"/*")
	}
	if b.WorkDirFlag != "" {
		args = append(args, b.WorkDirFlag, filepath.Join(spec.OutputDir, "work"))
	}
	if spec.RequiresGPU && b.GPUFlag != "" {
		args = append(args, b.GPUFlag, spec.PTXPath)
	}
	if b.TimeoutFlag != "" {
		timeout := "{timeout_seconds}"
		if spec.TimeoutSeconds >= 0 {
			timeout = strconv.Itoa(spec.TimeoutSeconds)
		}
		args = append(args, b.TimeoutFlag, timeout)
	}
	return args
}
