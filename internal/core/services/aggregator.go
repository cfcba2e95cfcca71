package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"fuzzbench.harness/internal/core/domain"
	"fuzzbench.harness/internal/core/ports"
)

// RunReport describes one result store as it exists on disk, which may be a
// run that is still in progress or was interrupted.
type RunReport struct {
	OutputDir    string                   `json:"output_dir"`
	BenchmarkSet string                   `json:"benchmark_set"`
	Run          *domain.RunMeta          `json:"run,omitempty"`
	Summary      *domain.Summary          `json:"summary,omitempty"`
	Counts       map[domain.JobStatus]int `json:"counts"`
	Expected     int                      `json:"expected"`
	Recorded     int                      `json:"recorded"`
	Missing      []string                 `json:"missing,omitempty"`
	Skipped      []string                 `json:"skipped,omitempty"`
	Jobs         []*domain.JobOutcome     `json:"jobs"`
}

// Finished reports whether the run wrote its summary.
func (r *RunReport) Finished() bool {
	return r.Summary != nil
}

type SetReport struct {
	BenchmarkSet string       `json:"benchmark_set"`
	Runs         []*RunReport `json:"runs"`
}

type Report struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Sets        []*SetReport `json:"sets"`
}

// Aggregator is a read-only view over one or more result stores.
type Aggregator struct {
	readers []ports.ResultReader
}

func NewAggregator(readers ...ports.ResultReader) *Aggregator {
	return &Aggregator{readers: readers}
}

// Readers returns the stores the aggregator reads.
func (a *Aggregator) Readers() []ports.ResultReader {
	return a.readers
}

// Reader picks the store whose run id or directory name is name. An empty
// name selects the first store.
func (a *Aggregator) Reader(name string) (ports.ResultReader, error) {
	if len(a.readers) == 0 {
		return nil, fmt.Errorf("no result stores: %w", domain.ErrNotFound)
	}
	if name == "" {
		return a.readers[0], nil
	}
	for _, r := range a.readers {
		if filepath.Base(filepath.Clean(r.Root())) == name {
			return r, nil
		}
		if meta, err := r.ReadRun(); err == nil && meta.RunID == name {
			return r, nil
		}
	}
	return nil, fmt.Errorf("run %q: %w", name, domain.ErrNotFound)
}

// Report groups every store's run report by benchmark set.
func (a *Aggregator) Report(ctx context.Context) (*Report, error) {
	report := &Report{GeneratedAt: time.Now()}
	bySet := make(map[string]*SetReport)
	for _, r := range a.readers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rr, err := a.RunReport(ctx, r)
		if err != nil {
			return nil, err
		}
		set, ok := bySet[rr.BenchmarkSet]
		if !ok {
			set = &SetReport{BenchmarkSet: rr.BenchmarkSet}
			bySet[rr.BenchmarkSet] = set
			report.Sets = append(report.Sets, set)
		}
		set.Runs = append(set.Runs, rr)
	}
	sort.Slice(report.Sets, func(i, j int) bool {
		return report.Sets[i].BenchmarkSet < report.Sets[j].BenchmarkSet
	})
	return report, nil
}

// RunReport reads one store. A missing run.json or summary.json is tolerated;
// a store with neither run metadata nor records is an error.
func (a *Aggregator) RunReport(ctx context.Context, r ports.ResultReader) (*RunReport, error) {
	rr := &RunReport{
		OutputDir: r.Root(),
		Counts:    make(map[domain.JobStatus]int, len(domain.AllStatuses)),
	}
	for _, st := range domain.AllStatuses {
		rr.Counts[st] = 0
	}

	run, err := r.ReadRun()
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("read run metadata: %w", err)
	}
	rr.Run = run

	summary, err := r.ReadSummary()
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("read summary: %w", err)
	}
	rr.Summary = summary

	outcomes, skipped, err := r.ListOutcomes()
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	if run == nil && len(outcomes) == 0 && len(skipped) == 0 {
		return nil, fmt.Errorf("no result store at %s: %w", r.Root(), domain.ErrNotFound)
	}
	rr.Jobs = outcomes
	rr.Skipped = skipped
	rr.Recorded = len(outcomes)

	recorded := make(map[string]struct{}, len(outcomes))
	for _, o := range outcomes {
		rr.Counts[o.Status]++
		recorded[o.JobID] = struct{}{}
	}

	if run != nil {
		rr.BenchmarkSet = run.BenchmarkSet
		rr.Expected = len(run.JobIDs)
		for _, id := range run.JobIDs {
			if _, ok := recorded[id]; !ok {
				rr.Missing = append(rr.Missing, id)
			}
		}
	} else {
		rr.Expected = rr.Recorded
	}
	if rr.BenchmarkSet == "" {
		rr.BenchmarkSet = filepath.Base(filepath.Clean(r.Root()))
	}
	return rr, nil
}

// JobSeries loads the coverage series of every recorded job that has one.
func (a *Aggregator) JobSeries(ctx context.Context, r ports.ResultReader) (map[string][]domain.StatsEntry, error) {
	outcomes, _, err := r.ListOutcomes()
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	series := make(map[string][]domain.StatsEntry)
	for _, o := range outcomes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := r.ReadSeries(o.JobID)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read series %s: %w", o.JobID, err)
		}
		if len(entries) > 0 {
			series[o.JobID] = entries
		}
	}
	return series, nil
}

// OverallSeries is the instructions-over-time curve of one store.
func (a *Aggregator) OverallSeries(ctx context.Context, r ports.ResultReader) ([]domain.SeriesPoint, error) {
	series, err := a.JobSeries(ctx, r)
	if err != nil {
		return nil, err
	}
	return OverallSeries(series), nil
}

// OverallSeries sums, at every distinct sample time across all jobs, the
// latest instructions_covered each job had reached by that time. Jobs with no
// sample yet contribute zero.
func OverallSeries(series map[string][]domain.StatsEntry) []domain.SeriesPoint {
	type cursor struct {
		entries []domain.StatsEntry
		next    int
		current uint64
	}
	var (
		cursors    []*cursor
		timestamps []uint64
	)
	for _, entries := range series {
		sorted := append([]domain.StatsEntry(nil), entries...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TimeTakenMillis < sorted[j].TimeTakenMillis })
		cursors = append(cursors, &cursor{entries: sorted})
		for _, e := range sorted {
			timestamps = append(timestamps, e.TimeTakenMillis)
		}
	}
	if len(timestamps) == 0 {
		return nil
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })

	var points []domain.SeriesPoint
	for i, ts := range timestamps {
		if i > 0 && ts == timestamps[i-1] {
			continue
		}
		var total uint64
		for _, c := range cursors {
			for c.next < len(c.entries) && c.entries[c.next].TimeTakenMillis <= ts {
				c.current = c.entries[c.next].InstructionsCovered
				c.next++
			}
			total += c.current
		}
		points = append(points, domain.SeriesPoint{
			TimeSeconds:     float64(ts) / 1000.0,
			InstructionsK:   float64(total) / 1000.0,
			TimeTakenMillis: ts,
			Instructions:    total,
		})
	}
	return points
}
