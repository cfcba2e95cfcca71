package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"fuzzbench.harness/internal/core/domain"
	"fuzzbench.harness/internal/core/logger"
	"fuzzbench.harness/internal/core/ports"
)

const (
	CompileReportName = "compile_report.json"
	compileLogDir     = ".logs"
)

// CompileOptions configures the solc and PTX toolchain.
type CompileOptions struct {
	InputDir    string
	OutputDir   string
	SolcBinary  string // overrides version lookup when set
	SolcTimeout time.Duration
	StepTimeout time.Duration // per PTX toolchain step
	Jobs        int
	Grace       time.Duration

	GeneratePTX bool
	PTXRuntime  string
	PTXSema     string
	LLVMLink    string
	LLVMDis     string
	LLC         string
	LLCArch     string
}

func (o *CompileOptions) setDefaults() {
	if o.SolcTimeout <= 0 {
		o.SolcTimeout = 30 * time.Second
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = 10 * time.Minute
	}
	if o.Jobs < 1 {
		o.Jobs = 1
	}
	if o.PTXRuntime == "" {
		o.PTXRuntime = "rt.o.bc"
	}
	if o.PTXSema == "" {
		o.PTXSema = "ptxsema"
	}
	if o.LLVMLink == "" {
		o.LLVMLink = "llvm-link"
	}
	if o.LLVMDis == "" {
		o.LLVMDis = "llvm-dis"
	}
	if o.LLC == "" {
		o.LLC = "llc-16"
	}
	if o.LLCArch == "" {
		o.LLCArch = "sm_86"
	}
}

// Compiler turns <InputDir>/<id>.sol into artifact directories
// <OutputDir>/<id>/ that the resolver accepts.
type Compiler struct {
	opts     CompileOptions
	launcher ports.Launcher
	log      *slog.Logger
}

func NewCompiler(launcher ports.Launcher, opts CompileOptions) *Compiler {
	opts.setDefaults()
	return &Compiler{opts: opts, launcher: launcher, log: logger.Get()}
}

// Compile builds every entry and writes compile_report.json. A contract that
// fails is reported, never fatal. The returned error covers configuration
// problems and cancellation.
func (c *Compiler) Compile(ctx context.Context, entries []domain.ManifestEntry) (*domain.CompileReport, error) {
	info, err := os.Stat(c.opts.InputDir)
	if err != nil {
		return nil, fmt.Errorf("solc input dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("solc input dir %s is not a directory", c.opts.InputDir)
	}
	if err := os.MkdirAll(filepath.Join(c.opts.OutputDir, compileLogDir), 0o755); err != nil {
		return nil, fmt.Errorf("create solc output dir: %w", err)
	}

	c.log.Info("Compiling contracts", "contracts", len(entries), "input_dir", c.opts.InputDir,
		"output_dir", c.opts.OutputDir, "generate_ptx", c.opts.GeneratePTX, "jobs", c.opts.Jobs)

	reasons := make([]string, len(entries))
	var g errgroup.Group
	g.SetLimit(c.opts.Jobs)
	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				reasons[i] = "cancelled"
				return nil
			}
			if err := c.compileOne(ctx, entry); err != nil {
				reasons[i] = err.Error()
				c.log.Error("Compilation failed", "id", entry.ID, "error", err)
				return nil
			}
			c.log.Info("Compilation successful", "id", entry.ID)
			return nil
		})
	}
	_ = g.Wait()

	report := &domain.CompileReport{Compiled: []string{}, Failed: []domain.CompileFailure{}}
	for i, entry := range entries {
		if reasons[i] == "" {
			report.Compiled = append(report.Compiled, entry.ID)
		} else {
			report.Failed = append(report.Failed, domain.CompileFailure{ID: entry.ID, Reason: reasons[i]})
		}
	}
	if err := writeCompileReport(filepath.Join(c.opts.OutputDir, CompileReportName), report); err != nil {
		return report, err
	}
	c.log.Info("All contract processing finished", "compiled", len(report.Compiled), "failed", len(report.Failed))
	return report, ctx.Err()
}

func (c *Compiler) compileOne(ctx context.Context, e domain.ManifestEntry) error {
	if e.Contract == "" {
		return fmt.Errorf("no main contract listed for %s", e.ID)
	}
	if err := validJobID(e.ID); err != nil {
		return err
	}
	source := filepath.Join(c.opts.InputDir, e.ID+".sol")
	if _, err := os.Stat(source); err != nil {
		return fmt.Errorf("solidity file %s not found", source)
	}
	outDir := filepath.Join(c.opts.OutputDir, e.ID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	solc := c.solcBinary(e.CompilerVersion)
	args := []string{"--bin", "--bin-runtime", "--abi", "--overwrite", "--allow-paths", ".", source, "-o", outDir}
	if err := c.step(ctx, e.ID, "solc", solc, args, c.opts.SolcTimeout); err != nil {
		return err
	}
	for _, ext := range []string{".abi", ".bin", ".bin-runtime"} {
		if _, err := os.Stat(filepath.Join(outDir, e.Contract+ext)); err != nil {
			return fmt.Errorf("solc output %s%s missing", e.Contract, ext)
		}
	}

	if c.opts.GeneratePTX {
		if err := c.generatePTX(ctx, e, outDir); err != nil {
			return err
		}
	}
	return c.prune(outDir, e.Contract)
}

func (c *Compiler) generatePTX(ctx context.Context, e domain.ManifestEntry, outDir string) error {
	var (
		bin        = filepath.Join(outDir, e.Contract+".bin")
		bytecodeLL = filepath.Join(outDir, "bytecode.ll")
		kernelBC   = filepath.Join(outDir, "kernel.bc")
		kernelLL   = filepath.Join(outDir, "kernel.ll")
		kernelPTX  = filepath.Join(outDir, PTXKernelName)
	)
	steps := []struct {
		name string
		path string
		args []string
	}{
		{"ptxsema", c.opts.PTXSema, []string{bin, "-o", bytecodeLL, "--hex", "--dump"}},
		{"llvm-link", c.opts.LLVMLink, []string{c.opts.PTXRuntime, bytecodeLL, "-o", kernelBC}},
		{"llvm-dis", c.opts.LLVMDis, []string{kernelBC, "-o", kernelLL}},
		{"llc", c.opts.LLC, []string{"-mcpu=" + c.opts.LLCArch, kernelBC, "-o", kernelPTX}},
	}
	for _, s := range steps {
		if err := c.step(ctx, e.ID, s.name, s.path, s.args, c.opts.StepTimeout); err != nil {
			return err
		}
	}
	return nil
}

// step runs one tool through the launcher with its output in .logs/.
func (c *Compiler) step(ctx context.Context, id, name, path string, args []string, timeout time.Duration) error {
	base := filepath.Join(c.opts.OutputDir, compileLogDir, id+"."+name)
	stdout, err := os.Create(base + ".stdout.log")
	if err != nil {
		return fmt.Errorf("create %s log: %w", name, err)
	}
	defer stdout.Close()
	stderr, err := os.Create(base + ".stderr.log")
	if err != nil {
		return fmt.Errorf("create %s log: %w", name, err)
	}
	defer stderr.Close()

	c.log.Debug("Running compile step", "id", id, "step", name, "path", path, "args", args)
	proc, err := c.launcher.Launch(ctx, ports.Invocation{
		Name:   id + "-" + name,
		Path:   path,
		Args:   args,
		Stdout: stdout,
		Stderr: stderr,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	res := Supervise(ctx, proc, timeout, c.opts.Grace)
	switch {
	case res.TimedOut:
		return fmt.Errorf("%s timed out after %s", name, timeout)
	case res.Cancelled:
		return fmt.Errorf("%s cancelled", name)
	case res.WaitErr != nil:
		return fmt.Errorf("%s: %w", name, res.WaitErr)
	case !res.Exit.Success():
		if res.Exit.Signal != "" {
			return fmt.Errorf("%s killed by %s", name, res.Exit.Signal)
		}
		return fmt.Errorf("%s exited with status %d", name, res.Exit.Code)
	}
	return nil
}

// solcBinary picks --solc-binary, then the solc-select install of version,
// then solc on PATH.
func (c *Compiler) solcBinary(version string) string {
	if c.opts.SolcBinary != "" {
		return c.opts.SolcBinary
	}
	if version != "" {
		if home, err := os.UserHomeDir(); err == nil {
			path := filepath.Join(home, ".solc-select", "artifacts", "solc-"+version, "solc-"+version)
			if _, err := os.Stat(path); err == nil {
				return path
			}
			c.log.Warn("solc version not installed, using solc from PATH", "version", version, "path", path)
		}
	}
	return "solc"
}

// prune keeps <contract>.* and PTX kernels.
func (c *Compiler) prune(dir, contract string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read output dir: %w", err)
	}
	kept, removed := 0, 0
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if strings.HasPrefix(name, contract+".") || strings.HasSuffix(name, ".ptx") {
			kept++
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("remove %s: %w", name, err)
		}
		removed++
	}
	c.log.Debug("Cleanup complete", "dir", dir, "kept", kept, "removed", removed)
	return nil
}

func writeCompileReport(path string, report *domain.CompileReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal compile report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write compile report: %w", err)
	}
	return nil
}
