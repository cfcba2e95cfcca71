package services

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"fuzzbench.harness/internal/core/domain"
	"fuzzbench.harness/internal/core/ports"
)

// behavior scripts one fake process.
type behavior struct {
	run      time.Duration
	code     int
	signal   string
	stdout   string
	stderr   string
	spawnErr error
}

type fakeLauncher struct {
	mu         sync.Mutex
	behaviors  map[string]behavior
	fallback   behavior
	running    int
	maxRunning int
	started    []string
	invs       []ports.Invocation
}

func newFakeLauncher(fallback behavior) *fakeLauncher {
	return &fakeLauncher{behaviors: make(map[string]behavior), fallback: fallback}
}

func (l *fakeLauncher) Launch(ctx context.Context, inv ports.Invocation) (ports.Process, error) {
	l.mu.Lock()
	b, ok := l.behaviors[inv.Name]
	if !ok {
		b = l.fallback
	}
	l.invs = append(l.invs, inv)
	if b.spawnErr != nil {
		l.mu.Unlock()
		return nil, b.spawnErr
	}
	l.running++
	if l.running > l.maxRunning {
		l.maxRunning = l.running
	}
	l.started = append(l.started, inv.Name)
	l.mu.Unlock()

	if b.stdout != "" && inv.Stdout != nil {
		_, _ = io.WriteString(inv.Stdout, b.stdout)
	}
	if b.stderr != "" && inv.Stderr != nil {
		_, _ = io.WriteString(inv.Stderr, b.stderr)
	}

	p := newFakeProcess(b, func() {
		l.mu.Lock()
		l.running--
		l.mu.Unlock()
	})
	return p, nil
}

func (l *fakeLauncher) Started() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.started...)
}

func (l *fakeLauncher) MaxRunning() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxRunning
}

type fakeProcess struct {
	b          behavior
	killed     chan struct{}
	killOnce   sync.Once
	done       chan struct{}
	exit       domain.ExitStatus
	terminates int
	mu         sync.Mutex
}

func newFakeProcess(b behavior, onExit func()) *fakeProcess {
	p := &fakeProcess{b: b, killed: make(chan struct{}), done: make(chan struct{})}
	go func() {
		timer := time.NewTimer(b.run)
		defer timer.Stop()
		select {
		case <-timer.C:
			p.exit = domain.ExitStatus{Code: b.code, Signal: b.signal}
		case <-p.killed:
			p.exit = domain.ExitStatus{Code: -1, Signal: "terminated"}
		}
		if onExit != nil {
			onExit()
		}
		close(p.done)
	}()
	return p
}

func (p *fakeProcess) Wait() (domain.ExitStatus, error) {
	<-p.done
	return p.exit, nil
}

func (p *fakeProcess) Terminate(grace time.Duration) error {
	p.mu.Lock()
	p.terminates++
	p.mu.Unlock()
	p.killOnce.Do(func() { close(p.killed) })
	return nil
}

// recorderFunc adapts a function to OutcomeRecorder.
type recorderFunc func(o *domain.JobOutcome) error

func (f recorderFunc) Record(o *domain.JobOutcome) error { return f(o) }

type memRecorder struct {
	mu       sync.Mutex
	outcomes map[string]*domain.JobOutcome
	order    []string
}

func newMemRecorder() *memRecorder {
	return &memRecorder{outcomes: make(map[string]*domain.JobOutcome)}
}

func (r *memRecorder) Record(o *domain.JobOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.outcomes[o.JobID]; dup {
		return domain.ErrDuplicateOutcome
	}
	r.outcomes[o.JobID] = o
	r.order = append(r.order, o.JobID)
	return nil
}

func (r *memRecorder) Get(id string) *domain.JobOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[id]
}

func (r *memRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outcomes)
}

// memStore is an in-memory ResultWriter with failure injection.
type memStore struct {
	mu         sync.Mutex
	run        *domain.RunMeta
	outcomes   map[string]*domain.JobOutcome
	series     map[string][]domain.StatsEntry
	events     int
	summary    *domain.Summary
	failOn     string
	failEvents bool
}

func newMemStore() *memStore {
	return &memStore{
		outcomes: make(map[string]*domain.JobOutcome),
		series:   make(map[string][]domain.StatsEntry),
	}
}

var errDiskFull = errors.New("disk full")

func (s *memStore) WriteRun(meta *domain.RunMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run = meta
	return nil
}

func (s *memStore) WriteOutcome(o *domain.JobOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.JobID == s.failOn {
		return errDiskFull
	}
	if _, ok := s.outcomes[o.JobID]; ok {
		return domain.ErrDuplicateOutcome
	}
	s.outcomes[o.JobID] = o
	return nil
}

func (s *memStore) WriteSeries(jobID string, entries []domain.StatsEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series[jobID] = entries
	return nil
}

func (s *memStore) AppendEvent(o *domain.JobOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failEvents {
		return errDiskFull
	}
	s.events++
	return nil
}

func (s *memStore) WriteSummary(summary *domain.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = summary
	return nil
}

type sinkFunc struct {
	name string
	fn   func(o *domain.JobOutcome) error
}

func (s sinkFunc) Name() string { return s.name }

func (s sinkFunc) Publish(ctx context.Context, run *domain.RunMeta, o *domain.JobOutcome) error {
	return s.fn(o)
}
