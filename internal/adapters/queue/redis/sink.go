package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fuzzbench.harness/internal/core/domain"
	"fuzzbench.harness/internal/core/logger"
)

const (
	OutcomeChannel = "fuzzbench:outcomes"
	runKeyPrefix   = "fuzzbench:run:"
	runKeyTTL      = 30 * 24 * time.Hour
)

// OutcomeEvent is the message published on OutcomeChannel.
type OutcomeEvent struct {
	RunID        string             `json:"run_id"`
	BenchmarkSet string             `json:"benchmark_set"`
	Outcome      *domain.JobOutcome `json:"outcome"`
}

// Sink mirrors outcomes into Redis. Each record is stored in the run's
// outcome hash and announced on OutcomeChannel; jobs that did not complete
// are also indexed in a sorted set by finish time.
type Sink struct {
	client *redis.Client
}

// NewSink parses a redis:// URL. The client is returned for health checks.
func NewSink(url string) (*Sink, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	return NewSinkFromClient(client), client, nil
}

func NewSinkFromClient(client *redis.Client) *Sink {
	return &Sink{client: client}
}

// OutcomesKey is the hash of job_id to outcome JSON for a run.
func OutcomesKey(runID string) string {
	return runKeyPrefix + runID + ":outcomes"
}

// FailedKey is the sorted set of job ids that did not complete, scored by
// finish time in milliseconds.
func FailedKey(runID string) string {
	return runKeyPrefix + runID + ":failed"
}

func (s *Sink) Name() string { return "redis" }

func (s *Sink) Publish(ctx context.Context, run *domain.RunMeta, o *domain.JobOutcome) error {
	record, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	event, err := json.Marshal(OutcomeEvent{RunID: run.RunID, BenchmarkSet: run.BenchmarkSet, Outcome: o})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := OutcomesKey(run.RunID)
		pipe.HSet(ctx, key, o.JobID, record)
		pipe.Expire(ctx, key, runKeyTTL)
		if o.Status != domain.JobStatusCompleted {
			failed := FailedKey(run.RunID)
			pipe.ZAdd(ctx, failed, redis.Z{
				Score:  float64(o.FinishedAt.UnixMilli()),
				Member: o.JobID,
			})
			pipe.Expire(ctx, failed, runKeyTTL)
		}
		pipe.Publish(ctx, OutcomeChannel, event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror outcome %s: %w", o.JobID, err)
	}
	return nil
}

// Subscribe streams events published by runs in other processes. The
// channel closes when ctx is done.
func (s *Sink) Subscribe(ctx context.Context) (<-chan OutcomeEvent, error) {
	pubsub := s.client.Subscribe(ctx, OutcomeChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", OutcomeChannel, err)
	}

	ch := make(chan OutcomeEvent)
	go func() {
		defer pubsub.Close()
		defer close(ch)

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev OutcomeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil || ev.Outcome == nil {
					logger.Warn("Dropping malformed outcome event", "channel", msg.Channel)
					continue
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}
