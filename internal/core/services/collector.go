package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fuzzbench.harness/internal/core/circuitbreaker"
	"fuzzbench.harness/internal/core/domain"
	"fuzzbench.harness/internal/core/logger"
	"fuzzbench.harness/internal/core/ports"
)

var ErrCollectorClosed = errors.New("collector closed")

const sinkPublishTimeout = 5 * time.Second

type recordRequest struct {
	outcome *domain.JobOutcome
	reply   chan error
}

type guardedSink struct {
	sink    ports.OutcomeSink
	breaker *circuitbreaker.CircuitBreaker
}

// Collector is the single writer of a run's result store. Record may be
// called from any goroutine; writes happen one at a time on the collector's
// own goroutine and are durable when Record returns.
type Collector struct {
	store ports.ResultWriter
	run   *domain.RunMeta
	sinks []guardedSink
	log   *slog.Logger

	reqs     chan recordRequest
	quit     chan struct{}
	done     chan struct{}
	dispatch chan *domain.JobOutcome
	sent     chan struct{}

	// owned by the writer goroutine until done is closed
	seen   map[string]struct{}
	counts map[domain.JobStatus]int
	total  int
	fatal  error

	finishOnce sync.Once
	summary    *domain.Summary
	finishErr  error
}

func NewCollector(store ports.ResultWriter, run *domain.RunMeta, sinks ...ports.OutcomeSink) *Collector {
	c := &Collector{
		store:    store,
		run:      run,
		log:      logger.Get().With("run_id", run.RunID),
		reqs:     make(chan recordRequest),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		dispatch: make(chan *domain.JobOutcome, 256),
		sent:     make(chan struct{}),
		seen:     make(map[string]struct{}),
		counts:   make(map[domain.JobStatus]int),
	}
	for _, s := range sinks {
		c.sinks = append(c.sinks, guardedSink{sink: s, breaker: circuitbreaker.New("sink-" + s.Name())})
	}
	go c.writeLoop()
	go c.publishLoop()
	return c
}

// Record persists o. A duplicate job id or a store failure is fatal: the
// error is returned now and from every later call.
func (c *Collector) Record(o *domain.JobOutcome) error {
	if o == nil || o.JobID == "" {
		return fmt.Errorf("record: outcome without job id")
	}
	req := recordRequest{outcome: o, reply: make(chan error, 1)}
	select {
	case c.reqs <- req:
	case <-c.done:
		return ErrCollectorClosed
	}
	return <-req.reply
}

func (c *Collector) writeLoop() {
	defer close(c.done)
	for {
		select {
		case req := <-c.reqs:
			req.reply <- c.write(req.outcome)
		case <-c.quit:
			return
		}
	}
}

func (c *Collector) write(o *domain.JobOutcome) error {
	if c.fatal != nil {
		return fmt.Errorf("collector stopped: %w", c.fatal)
	}
	if _, dup := c.seen[o.JobID]; dup {
		c.fatal = fmt.Errorf("%w %q", domain.ErrDuplicateOutcome, o.JobID)
		c.log.Error("Duplicate outcome reported", "job_id", o.JobID)
		return c.fatal
	}
	if err := c.store.WriteOutcome(o); err != nil {
		c.fatal = fmt.Errorf("write outcome %s: %w", o.JobID, err)
		c.log.Error("Failed to persist outcome", "job_id", o.JobID, "error", err)
		return c.fatal
	}
	c.seen[o.JobID] = struct{}{}
	c.counts[o.Status]++
	c.total++

	if len(o.Series) > 0 {
		if err := c.store.WriteSeries(o.JobID, o.Series); err != nil {
			c.fatal = fmt.Errorf("write coverage series %s: %w", o.JobID, err)
			return c.fatal
		}
	}
	if err := c.store.AppendEvent(o); err != nil {
		c.log.Warn("Failed to append outcome event", "job_id", o.JobID, "error", err)
	}

	c.log.Debug("Outcome recorded", "job_id", o.JobID, "status", o.Status)
	if len(c.sinks) > 0 {
		c.dispatch <- o
	}
	return nil
}

func (c *Collector) publishLoop() {
	defer close(c.sent)
	for o := range c.dispatch {
		for _, s := range c.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sinkPublishTimeout)
			err := s.breaker.Execute(ctx, func() error {
				return s.sink.Publish(ctx, c.run, o)
			})
			cancel()
			if err != nil {
				c.log.Warn("Failed to publish outcome", "sink", s.sink.Name(), "job_id", o.JobID, "error", err)
			}
		}
	}
}

// Finish stops intake, drains the sinks and writes the run summary. It
// returns the fatal error that stopped the collector, if any. Calling Finish
// again returns the first result.
func (c *Collector) Finish(cancelled bool) (*domain.Summary, error) {
	c.finishOnce.Do(func() {
		close(c.quit)
		<-c.done
		close(c.dispatch)
		<-c.sent

		counts := make(map[domain.JobStatus]int, len(domain.AllStatuses))
		for _, st := range domain.AllStatuses {
			counts[st] = c.counts[st]
		}
		summary := &domain.Summary{
			RunID:      c.run.RunID,
			Total:      c.total,
			Counts:     counts,
			Cancelled:  cancelled,
			StartedAt:  c.run.StartedAt,
			FinishedAt: time.Now(),
		}
		if c.fatal != nil {
			summary.FatalError = c.fatal.Error()
		}
		c.summary = summary
		c.finishErr = c.fatal
		if err := c.store.WriteSummary(summary); err != nil {
			c.finishErr = errors.Join(c.finishErr, fmt.Errorf("write summary: %w", err))
		}
	})
	return c.summary, c.finishErr
}
