package fsstore

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"fuzzbench.harness/internal/core/domain"
)

const (
	runFile      = "run.json"
	summaryFile  = "summary.json"
	eventsFile   = "events.jsonl"
	outcomesDir  = "outcomes"
	statsDir     = "stats"
	jobsDir      = "jobs"
	seriesSuffix = ".instructions.stats.csv"
)

var seriesHeader = []string{"instructions_covered", "branches_covered", "time_taken_millis"}

// Store is a run's result store laid out under one output directory:
//
//	run.json  summary.json  events.jsonl
//	outcomes/<job_id>.json
//	stats/<job_id>.instructions.stats.csv
//	jobs/<job_id>/{stdout.log,stderr.log,work/}
type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) Root() string { return s.root }

// Init creates the layout for a new run. It refuses a directory that already
// holds outcome records.
func (s *Store) Init() error {
	for _, dir := range []string{s.root, filepath.Join(s.root, outcomesDir), filepath.Join(s.root, statsDir), filepath.Join(s.root, jobsDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	existing, err := filepath.Glob(filepath.Join(s.root, outcomesDir, "*.json"))
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return fmt.Errorf("%w: %s has %d records", domain.ErrStoreNotEmpty, s.root, len(existing))
	}
	return nil
}

func (s *Store) OutcomePath(jobID string) string {
	return filepath.Join(s.root, outcomesDir, jobID+".json")
}

func (s *Store) SeriesPath(jobID string) string {
	return filepath.Join(s.root, statsDir, jobID+seriesSuffix)
}

func (s *Store) WriteRun(meta *domain.RunMeta) error {
	return writeJSONAtomic(filepath.Join(s.root, runFile), meta)
}

func (s *Store) WriteSummary(summary *domain.Summary) error {
	return writeJSONAtomic(filepath.Join(s.root, summaryFile), summary)
}

// WriteOutcome writes the record durably and never replaces an existing one.
func (s *Store) WriteOutcome(o *domain.JobOutcome) error {
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	final := s.OutcomePath(o.JobID)
	if _, err := os.Stat(final); err == nil {
		return fmt.Errorf("%w %q: %s exists", domain.ErrDuplicateOutcome, o.JobID, final)
	}

	tmp, err := writeTemp(filepath.Dir(final), append(data, '\n'))
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w %q: %s exists", domain.ErrDuplicateOutcome, o.JobID, final)
		}
		// filesystems without hard links
		if err := os.Rename(tmp, final); err != nil {
			return fmt.Errorf("publish outcome: %w", err)
		}
	}
	return syncDir(filepath.Dir(final))
}

func (s *Store) WriteSeries(jobID string, entries []domain.StatsEntry) error {
	path := s.SeriesPath(jobID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	var b strings.Builder
	w := csv.NewWriter(&b)
	if err := w.Write(seriesHeader); err != nil {
		return err
	}
	for _, e := range entries {
		record := []string{
			strconv.FormatUint(e.InstructionsCovered, 10),
			strconv.FormatUint(e.BranchesCovered, 10),
			strconv.FormatUint(e.TimeTakenMillis, 10),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encode series: %w", err)
	}
	return writeFileAtomic(path, []byte(b.String()))
}

func (s *Store) AppendEvent(o *domain.JobOutcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.root, eventsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *Store) ReadRun() (*domain.RunMeta, error) {
	var meta domain.RunMeta
	if err := readJSON(filepath.Join(s.root, runFile), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *Store) ReadSummary() (*domain.Summary, error) {
	var summary domain.Summary
	if err := readJSON(filepath.Join(s.root, summaryFile), &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

func (s *Store) ReadOutcome(jobID string) (*domain.JobOutcome, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return nil, fmt.Errorf("outcome %q: %w", jobID, domain.ErrNotFound)
	}
	var o domain.JobOutcome
	if err := readJSON(s.OutcomePath(jobID), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// ListOutcomes reads every record sorted by job id. Records that cannot be
// parsed are skipped and returned by path.
func (s *Store) ListOutcomes() ([]*domain.JobOutcome, []string, error) {
	paths, err := filepath.Glob(filepath.Join(s.root, outcomesDir, "*.json"))
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(paths)
	var (
		outcomes []*domain.JobOutcome
		skipped  []string
	)
	for _, path := range paths {
		var o domain.JobOutcome
		if err := readJSON(path, &o); err != nil || o.JobID == "" {
			skipped = append(skipped, path)
			continue
		}
		outcomes = append(outcomes, &o)
	}
	return outcomes, skipped, nil
}

func (s *Store) ReadSeries(jobID string) ([]domain.StatsEntry, error) {
	f, err := os.Open(s.SeriesPath(jobID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("series %q: %w", jobID, domain.ErrNotFound)
		}
		return nil, err
	}
	defer f.Close()
	return decodeSeries(f)
}

func decodeSeries(r io.Reader) ([]domain.StatsEntry, error) {
	rd := csv.NewReader(r)
	rd.FieldsPerRecord = len(seriesHeader)
	records, err := rd.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("decode series: %w", err)
	}
	var entries []domain.StatsEntry
	for i, rec := range records {
		if i == 0 && rec[0] == seriesHeader[0] {
			continue
		}
		var vals [3]uint64
		for j := range vals {
			v, err := strconv.ParseUint(rec[j], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("decode series row %d: %w", i+1, err)
			}
			vals[j] = v
		}
		entries = append(entries, domain.StatsEntry{
			InstructionsCovered: vals[0],
			BranchesCovered:     vals[1],
			TimeTakenMillis:     vals[2],
		})
	}
	return entries, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, domain.ErrNotFound)
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := writeTemp(dir, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return syncDir(dir)
}

// writeTemp writes data to a synced temp file in dir and returns its path.
func writeTemp(dir string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return f.Name(), nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Directory fsync is unsupported on some platforms.
	_ = d.Sync()
	return nil
}
