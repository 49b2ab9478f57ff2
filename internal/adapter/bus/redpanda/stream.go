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

	"github.com/jobmesh/jobmesh/internal/domain"
)

// StatusStream tails the job status topic for the event gateway. Every
// server instance needs the full stream, so it joins no consumer group and
// starts at the end of the log.
type StatusStream struct {
	client *kgo.Client
}

// NewStatusStream connects a groupless consumer to the status topic.
func NewStatusStream(brokers []string) (*StatusStream, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))),
	)
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(TopicJobStatus),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.DialTimeout(10 * time.Second),
		kgo.FetchMaxWait(2 * time.Second),
		kgo.WithHooks(kotelService.Hooks()...),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda stream client: %w", err)
	}
	return &StatusStream{client: client}, nil
}

// Run polls until ctx is cancelled, handing each decoded event to fn.
// Decode failures are logged and skipped; they never stop the stream.
func (s *StatusStream) Run(ctx context.Context, fn func(domain.JobStatusEvent)) error {
	slog.Info("status stream started", slog.String("topic", TopicJobStatus))
	for {
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("status stream fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err))
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			var ev domain.JobStatusEvent
			if err := json.Unmarshal(rec.Value, &ev); err != nil {
				slog.Error("status stream decode error", slog.Any("error", err))
				return
			}
			fn(ev)
		})
	}
}

// Close closes the underlying client, which unblocks Run.
func (s *StatusStream) Close() {
	if s.client != nil {
		s.client.Close()
	}
}
