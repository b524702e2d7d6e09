package shadowgate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Topic carrying shadow decisions for downstream analysis.
const Topic = "freight.shadow.decisions"

// Sink receives published decisions.
type Sink interface {
	Publish(ctx context.Context, decision Decision) error
}

// Publisher emits every shadow decision to a sink. Publishing is strictly
// best-effort: a sink failure is logged and never surfaced to the caller,
// because observability must not perturb the flow it observes.
type Publisher struct {
	sink   Sink
	logger *slog.Logger
}

func NewPublisher(sink Sink, logger *slog.Logger) *Publisher {
	return &Publisher{sink: sink, logger: logger}
}

// Emit publishes the decision. Safe to call with a nil publisher or sink.
func (p *Publisher) Emit(ctx context.Context, decision Decision) {
	if p == nil || p.sink == nil {
		return
	}
	if err := p.sink.Publish(ctx, decision); err != nil {
		p.logger.WarnContext(ctx, "shadow decision publish failed",
			"trigger", string(decision.Trigger),
			"run_id", decision.RunID,
			"error", err.Error(),
		)
	}
}

// KafkaSink publishes decisions to Kafka, keyed by run id so decisions for
// one run land in one partition.
type KafkaSink struct {
	client *kgo.Client
	topic  string
}

// NewKafkaSink connects to the given seed brokers. Returns nil when no seeds
// are configured so deployments without Kafka skip publishing entirely.
func NewKafkaSink(seeds []string) (*KafkaSink, error) {
	if len(seeds) == 0 {
		return nil, nil
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(seeds...),
		kgo.DefaultProduceTopic(Topic),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &KafkaSink{client: client, topic: Topic}, nil
}

func (s *KafkaSink) Publish(ctx context.Context, decision Decision) error {
	payload, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("marshal shadow decision: %w", err)
	}
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(decision.RunID),
		Value: payload,
	}
	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce shadow decision: %w", err)
	}
	return nil
}

// Close flushes and releases the Kafka client.
func (s *KafkaSink) Close() {
	if s != nil && s.client != nil {
		s.client.Close()
	}
}

// MemorySink collects decisions in memory for tests and for deployments
// without a broker.
type MemorySink struct {
	mu        sync.RWMutex
	decisions []Decision
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Publish(_ context.Context, decision Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, decision)
	return nil
}

// Decisions returns a snapshot of everything published.
func (s *MemorySink) Decisions() []Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Decision{}, s.decisions...)
}
