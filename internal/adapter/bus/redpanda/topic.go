package redpanda

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// topicPartitions fixes the partition count per event topic. The status
// stream is the hot one; alert topics see a trickle.
var topicPartitions = map[string]int32{
	TopicJobStatus:     8,
	TopicJobLifecycle:  8,
	TopicDLQAlerts:     1,
	TopicPollingAlerts: 1,
}

// EnsureTopics creates every event topic that does not exist yet.
func EnsureTopics(ctx context.Context, client *kgo.Client) error {
	for topic, partitions := range topicPartitions {
		if err := createTopicIfNotExists(ctx, client, topic, partitions, 1); err != nil {
			return err
		}
	}
	return nil
}

// createTopicIfNotExists creates a topic through the Kafka admin API and
// treats TOPIC_ALREADY_EXISTS as success, so concurrent runners can race on
// startup without failing.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	if topic == "" {
		return fmt.Errorf("topic name cannot be empty")
	}
	if partitions <= 0 {
		return fmt.Errorf("partitions must be greater than 0")
	}
	if replicationFactor <= 0 {
		return fmt.Errorf("replication factor must be greater than 0")
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("create topics request: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}

	for _, topicResp := range createResp.Topics {
		if topicResp.ErrorCode != 0 {
			// error code 36 = TOPIC_ALREADY_EXISTS
			if topicResp.ErrorCode == 36 {
				continue
			}
			errorMsg := ""
			if topicResp.ErrorMessage != nil {
				errorMsg = *topicResp.ErrorMessage
			}
			return fmt.Errorf("create topic %s: %s (code %d)", topicResp.Topic, errorMsg, topicResp.ErrorCode)
		}
		slog.Info("topic created",
			slog.String("topic", topicResp.Topic),
			slog.Int("partitions", int(partitions)))
	}
	return nil
}
