package services

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fuzzbench.harness/internal/core/domain"
)

const PTXKernelName = "kernel.ptx"

// Resolver turns manifest entries into JobSpecs rooted in BaseDir and OutputDir.
type Resolver struct {
	BaseDir        string
	OutputDir      string
	UsePTX         bool
	TimeoutSeconds int
}

// Resolve validates the configuration and returns one JobSpec per entry in
// manifest order. Missing artifacts do not fail resolution; the JobSpec carries
// a MissingReason instead.
func (r *Resolver) Resolve(entries []domain.ManifestEntry) ([]domain.JobSpec, error) {
	if r.TimeoutSeconds <= 0 {
		return nil, fmt.Errorf("fuzz timeout must be positive, got %d", r.TimeoutSeconds)
	}
	info, err := os.Stat(r.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("benchmark base dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("benchmark base dir %s is not a directory", r.BaseDir)
	}
	if r.OutputDir == "" {
		return nil, fmt.Errorf("output dir is required")
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no jobs listed", ErrInvalidManifest)
	}

	seen := make(map[string]struct{}, len(entries))
	specs := make([]domain.JobSpec, 0, len(entries))
	for _, e := range entries {
		if err := validJobID(e.ID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
		}
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidManifest, e.ID)
		}
		seen[e.ID] = struct{}{}
		specs = append(specs, r.resolveOne(e))
	}
	return specs, nil
}

func (r *Resolver) resolveOne(e domain.ManifestEntry) domain.JobSpec {
	spec := domain.JobSpec{
		JobID:          e.ID,
		Contract:       e.Contract,
		ArtifactPath:   filepath.Join(r.BaseDir, e.ID),
		RequiresGPU:    r.UsePTX,
		TimeoutSeconds: r.TimeoutSeconds,
		OutputDir:      filepath.Join(r.OutputDir, "jobs", e.ID),
	}
	if r.UsePTX {
		spec.PTXPath = filepath.Join(spec.ArtifactPath, PTXKernelName)
	}

	info, err := os.Stat(spec.ArtifactPath)
	if err != nil || !info.IsDir() {
		spec.MissingReason = fmt.Sprintf("artifact directory %s not found", spec.ArtifactPath)
		return spec
	}
	newest, err := newestBytecode(spec.ArtifactPath, e.Contract)
	if err != nil {
		spec.MissingReason = err.Error()
		return spec
	}
	if r.UsePTX {
		if err := checkPTXCompatible(spec.PTXPath, newest); err != nil {
			spec.MissingReason = err.Error()
		}
	}
	return spec
}

// newestBytecode returns the mtime of the newest bytecode file of the artifact:
// <contract>.bin when the contract is known, any *.bin otherwise.
func newestBytecode(dir, contract string) (time.Time, error) {
	var candidates []string
	if contract != "" {
		candidates = []string{filepath.Join(dir, contract+".bin")}
	} else {
		matches, err := filepath.Glob(filepath.Join(dir, "*.bin"))
		if err != nil {
			return time.Time{}, err
		}
		candidates = matches
	}
	var newest time.Time
	found := false
	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		found = true
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	if !found {
		if contract != "" {
			return time.Time{}, fmt.Errorf("bytecode %s.bin not found in %s", contract, dir)
		}
		return time.Time{}, fmt.Errorf("no bytecode (*.bin) found in %s", dir)
	}
	return newest, nil
}

// checkPTXCompatible requires a non-empty kernel generated no earlier than
// the bytecode it was compiled from.
func checkPTXCompatible(ptxPath string, bytecodeTime time.Time) error {
	info, err := os.Stat(ptxPath)
	if err != nil {
		return fmt.Errorf("PTX kernel %s not found", ptxPath)
	}
	if info.IsDir() || info.Size() == 0 {
		return fmt.Errorf("PTX kernel %s is empty", ptxPath)
	}
	if info.ModTime().Before(bytecodeTime) {
		return fmt.Errorf("PTX kernel %s is older than its bytecode", ptxPath)
	}
	return nil
}

func validJobID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("empty id")
	case id == "." || id == "..":
		return fmt.Errorf("id %q is not a directory name", id)
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("id %q must not contain path separators", id)
	}
	return nil
}
