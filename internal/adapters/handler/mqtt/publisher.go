package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"fuzzbench.harness/internal/core/domain"
	"fuzzbench.harness/internal/core/logger"
)

const (
	defaultPrefix  = "fuzzbench"
	publishQoS     = 1
	publishTimeout = 10 * time.Second
)

// publishClient is the part of mqtt.Client the publisher uses.
type publishClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// event is the envelope every message is wrapped in.
type event struct {
	Type    string      `json:"type"` // "job_outcome", "run_summary"
	Payload interface{} `json:"payload"`
}

type outcomePayload struct {
	BenchmarkSet string             `json:"benchmark_set"`
	Outcome      *domain.JobOutcome `json:"outcome"`
}

// Publisher mirrors outcomes to an MQTT broker under
// <prefix>/<run_id>/outcomes/<job_id>.
type Publisher struct {
	client publishClient
	prefix string
}

// NewPublisher connects to brokerURL.
func NewPublisher(brokerURL string) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("fuzzbench-%d", time.Now().UnixNano()))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		return nil, fmt.Errorf("connect to mqtt broker %s: timed out", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", brokerURL, err)
	}

	logger.Info("Connected to MQTT broker", "broker", brokerURL)
	return newPublisher(client, defaultPrefix), nil
}

func newPublisher(client publishClient, prefix string) *Publisher {
	return &Publisher{client: client, prefix: prefix}
}

func (p *Publisher) Name() string { return "mqtt" }

func (p *Publisher) Publish(ctx context.Context, run *domain.RunMeta, o *domain.JobOutcome) error {
	topic := fmt.Sprintf("%s/%s/outcomes/%s", p.prefix, run.RunID, o.JobID)
	return p.send(ctx, topic, false, event{
		Type:    "job_outcome",
		Payload: outcomePayload{BenchmarkSet: run.BenchmarkSet, Outcome: o},
	})
}

// PublishSummary sends the run summary as a retained message so late
// subscribers see how the run ended.
func (p *Publisher) PublishSummary(ctx context.Context, s *domain.Summary) error {
	topic := fmt.Sprintf("%s/%s/summary", p.prefix, s.RunID)
	return p.send(ctx, topic, true, event{Type: "run_summary", Payload: s})
}

func (p *Publisher) send(ctx context.Context, topic string, retained bool, ev event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Type, err)
	}
	token := p.client.Publish(topic, publishQoS, retained, data)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
