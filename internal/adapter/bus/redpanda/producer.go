// Package redpanda publishes engine events to Redpanda/Kafka. The topics are
// notification fan-out, not the work queue: delivery is at-least-once and
// consumers dedupe by event id, while job execution itself stays on the
// entity runtime.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/jobmesh/jobmesh/internal/adapter/observability"
	"github.com/jobmesh/jobmesh/internal/domain"
)

const (
	// TopicJobStatus carries one event per status transition, keyed by job id.
	TopicJobStatus = "job.status"
	// TopicJobLifecycle carries the coarse terminal events.
	TopicJobLifecycle = "job.lifecycle"
	// TopicDLQAlerts carries replay-budget-exhausted alerts.
	TopicDLQAlerts = "job.dlq.alerts"
	// TopicPollingAlerts carries threshold breaches from the polling alerter.
	TopicPollingAlerts = "ops.polling.alerts"
)

// Producer wraps a franz-go client and implements domain.EventPublisher.
type Producer struct {
	client *kgo.Client
}

// NewProducer connects to the brokers and makes sure the event topics exist.
func NewProducer(brokers []string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	slog.Info("creating event bus producer", slog.Any("brokers", brokers))

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))),
	)
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
		kgo.WithHooks(kotelService.Hooks()...),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := EnsureTopics(ctx, client); err != nil {
		slog.Warn("failed to ensure event topics, they may already exist", slog.Any("error", err))
	}

	slog.Info("event bus producer created")
	return &Producer{client: client}, nil
}

func (p *Producer) publish(ctx domain.Context, topic, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("op=bus.publish: marshal: %w", err)
	}
	rec := &kgo.Record{Topic: topic, Key: []byte(key), Value: b}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("op=bus.publish: topic=%s: %w", topic, err)
	}
	observability.PublishEvent(topic)
	return nil
}

// PublishStatus emits a status transition event keyed by job id so each
// job's events stay ordered within a partition.
func (p *Producer) PublishStatus(ctx domain.Context, ev domain.JobStatusEvent) error {
	return p.publish(ctx, TopicJobStatus, ev.JobID, ev)
}

// PublishLifecycle emits a terminal lifecycle event.
func (p *Producer) PublishLifecycle(ctx domain.Context, ev domain.JobLifecycleEvent) error {
	return p.publish(ctx, TopicJobLifecycle, ev.JobID, ev)
}

// PublishDLQAlert emits an alert for an entry that exhausted its replays.
func (p *Producer) PublishDLQAlert(ctx domain.Context, ev domain.DLQAlertEvent) error {
	return p.publish(ctx, TopicDLQAlerts, ev.DLQID, ev)
}

// PublishPollingAlert emits an operational threshold breach.
func (p *Producer) PublishPollingAlert(ctx domain.Context, ev domain.PollingAlertEvent) error {
	return p.publish(ctx, TopicPollingAlerts, ev.Metric, ev)
}

// Ping checks broker connectivity, for readiness probes.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes and closes the underlying client.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
