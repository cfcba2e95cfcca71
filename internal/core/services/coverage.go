package services

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"

	"fuzzbench.harness/internal/core/domain"
)

var (
	// INFO Ityfuzz start at 1749625856722
	ityStartRe = regexp.MustCompile(`Ityfuzz start at (\d+)`)
	// INFO Coverage stat: time-millis: 1749628484080 instructions: 957/2248 branches: 49/112
	ityCoverageRe = regexp.MustCompile(`Coverage stat: time-millis: (\d+) instructions: (\d+)/(\d+) branches: (\d+)/(\d+)`)

	// Older engines log nanosecond timestamps.
	legacyStartRe    = regexp.MustCompile(`Began at (\d+)`)
	legacyCoverageRe = regexp.MustCompile(`Instruction Covered: (\d+); Branch Covered: (\d+) Timestamp Nanos: (\d+)`)
)

// CoverageSeries is a parsed fuzzer log.
type CoverageSeries struct {
	Entries           []domain.StatsEntry
	TotalInstructions uint64
	TotalBranches     uint64
}

// Metrics summarizes the series, or returns nil when it is empty.
func (c *CoverageSeries) Metrics() *domain.CoverageMetrics {
	if c == nil || len(c.Entries) == 0 {
		return nil
	}
	last := c.Entries[len(c.Entries)-1]
	return &domain.CoverageMetrics{
		InstructionsCovered: last.InstructionsCovered,
		TotalInstructions:   c.TotalInstructions,
		BranchesCovered:     last.BranchesCovered,
		TotalBranches:       c.TotalBranches,
		Samples:             len(c.Entries),
		LastSampleMillis:    last.TimeTakenMillis,
	}
}

// ParseCoverage extracts coverage samples relative to the fuzzer start marker.
// Samples logged before the start marker are ignored; a sample stamped
// earlier than the start is an error. Entries are sorted and deduplicated by time.
func ParseCoverage(r io.Reader) (*CoverageSeries, error) {
	series := &CoverageSeries{}
	var (
		started       bool
		startMillis   uint64
		startNanos    uint64
		legacy        bool
		orphanSamples int
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		if !started {
			if m := ityStartRe.FindStringSubmatch(line); m != nil {
				startMillis, _ = strconv.ParseUint(m[1], 10, 64)
				started = true
				continue
			}
			if m := legacyStartRe.FindStringSubmatch(line); m != nil {
				startNanos, _ = strconv.ParseUint(m[1], 10, 64)
				started, legacy = true, true
				continue
			}
		}

		if m := ityCoverageRe.FindStringSubmatch(line); m != nil {
			if !started || legacy {
				orphanSamples++
				continue
			}
			ts := mustUint(m[1])
			if ts < startMillis {
				return nil, fmt.Errorf("line %d: sample at %d precedes start %d", lineNo, ts, startMillis)
			}
			series.Entries = append(series.Entries, domain.StatsEntry{
				InstructionsCovered: mustUint(m[2]),
				BranchesCovered:     mustUint(m[4]),
				TimeTakenMillis:     ts - startMillis,
			})
			series.TotalInstructions = mustUint(m[3])
			series.TotalBranches = mustUint(m[5])
			continue
		}

		if m := legacyCoverageRe.FindStringSubmatch(line); m != nil {
			if !started || !legacy {
				orphanSamples++
				continue
			}
			ts := mustUint(m[3])
			if ts < startNanos {
				return nil, fmt.Errorf("line %d: sample at %d precedes start %d", lineNo, ts, startNanos)
			}
			series.Entries = append(series.Entries, domain.StatsEntry{
				InstructionsCovered: mustUint(m[1]),
				BranchesCovered:     mustUint(m[2]),
				TimeTakenMillis:     (ts - startNanos) / 1_000_000,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log: %w", err)
	}
	if !started && orphanSamples > 0 {
		return nil, fmt.Errorf("%d coverage samples but no start marker", orphanSamples)
	}

	sort.SliceStable(series.Entries, func(i, j int) bool {
		return series.Entries[i].TimeTakenMillis < series.Entries[j].TimeTakenMillis
	})
	series.Entries = dedupByTime(series.Entries)
	return series, nil
}

// ParseCoverageFile parses the log at path.
func ParseCoverageFile(path string) (*CoverageSeries, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseCoverage(f)
}

func dedupByTime(entries []domain.StatsEntry) []domain.StatsEntry {
	if len(entries) < 2 {
		return entries
	}
	out := entries[:1]
	for _, e := range entries[1:] {
		if e.TimeTakenMillis != out[len(out)-1].TimeTakenMillis {
			out = append(out, e)
		}
	}
	return out
}

// mustUint parses digits already matched by \d+.
func mustUint(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}
