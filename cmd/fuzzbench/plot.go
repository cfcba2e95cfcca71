package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"fuzzbench.harness/internal/adapters/repository/fsstore"
	"fuzzbench.harness/internal/config"
	"fuzzbench.harness/internal/core/domain"
	"fuzzbench.harness/internal/core/logger"
	"fuzzbench.harness/internal/core/ports"
	"fuzzbench.harness/internal/core/services"
)

const overallSeriesSuffix = "_overall_instructions_stats.csv"

var overallSeriesHeader = []string{"time_seconds", "instructions(k)"}

// dirList is a repeatable string flag.
type dirList []string

func (d *dirList) String() string { return strings.Join(*d, ",") }

func (d *dirList) Set(v string) error {
	if v == "" {
		return fmt.Errorf("empty directory")
	}
	*d = append(*d, v)
	return nil
}

func plotCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	var dirs dirList
	fs := flag.NewFlagSet("plot", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Var(&dirs, "output-dir", "result store to aggregate (repeatable)")
	reportPath := fs.String("report", "report.json", "path of the aggregated JSON report")
	plotDir := fs.String("plot-dir", "", "directory for the coverage CSVs (default: each result store)")
	prefix := fs.String("title-prefix", "", "CSV name prefix (default: the result store directory name)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if len(dirs) == 0 {
		fmt.Fprintln(stderr, "fuzzbench plot: at least one --output-dir is required")
		return exitUsage
	}

	closeObs, err := setupObservability(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "fuzzbench plot: %v\n", err)
		return exitUsage
	}
	defer closeObs()

	readers := make([]ports.ResultReader, len(dirs))
	for i, d := range dirs {
		readers[i] = fsstore.New(d)
	}
	agg := services.NewAggregator(readers...)
	ctx := context.Background()

	report, err := agg.Report(ctx)
	if err != nil {
		logger.Error("Failed to aggregate results", "error", err)
		if errors.Is(err, domain.ErrNotFound) {
			return exitUsage
		}
		return exitFatal
	}

	written := make(map[string]bool, len(readers))
	for _, r := range readers {
		points, err := agg.OverallSeries(ctx, r)
		if err != nil {
			logger.Error("Failed to aggregate coverage", "store", r.Root(), "error", err)
			return exitFatal
		}
		if len(points) == 0 {
			logger.Info("No coverage samples, skipping CSV", "store", r.Root())
			continue
		}
		dir := *plotDir
		if dir == "" {
			dir = r.Root()
		}
		path := seriesPath(dir, *prefix, r.Root(), len(readers) > 1, written)
		written[path] = true
		if err := writeOverallSeries(path, points); err != nil {
			logger.Error("Failed to write coverage CSV", "path", path, "error", err)
			return exitFatal
		}
		fmt.Fprintf(stdout, "wrote %s (%d points)\n", path, len(points))
	}

	if err := writeReport(*reportPath, report); err != nil {
		logger.Error("Failed to write report", "path", *reportPath, "error", err)
		return exitFatal
	}
	for _, set := range report.Sets {
		for _, run := range set.Runs {
			fmt.Fprintf(stdout, "%s %s: %d/%d recorded", set.BenchmarkSet, run.OutputDir, run.Recorded, run.Expected)
			if !run.Finished() {
				fmt.Fprint(stdout, " (unfinished)")
			}
			fmt.Fprintln(stdout)
		}
	}
	fmt.Fprintf(stdout, "wrote %s\n", *reportPath)
	return exitOK
}

// seriesPath names the CSV of the store at root. With several stores the
// store name joins the prefix, and a name already written gets a counter.
func seriesPath(dir, prefix, root string, several bool, written map[string]bool) string {
	store := filepath.Base(filepath.Clean(root))
	name := prefix
	switch {
	case name == "":
		name = store
	case several:
		name = prefix + "_" + store
	}
	path := filepath.Join(dir, name+overallSeriesSuffix)
	for n := 2; written[path]; n++ {
		path = filepath.Join(dir, name+"_"+strconv.Itoa(n)+overallSeriesSuffix)
	}
	return path
}

func writeOverallSeries(path string, points []domain.SeriesPoint) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(overallSeriesHeader); err != nil {
		f.Close()
		return err
	}
	for _, p := range points {
		record := []string{
			strconv.FormatFloat(p.TimeSeconds, 'f', -1, 64),
			strconv.FormatFloat(p.InstructionsK, 'f', -1, 64),
		}
		if err := w.Write(record); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeReport(path string, report *services.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
