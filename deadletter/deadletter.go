// Package deadletter announces jobs that exhausted their retry attempts.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/isdmx/codequeue/config"
	"github.com/isdmx/codequeue/queue"
)

// EventType tags every published dead-letter message.
const EventType = "job.dead_lettered"

// Notifier is a dead-letter sink owning its connections.
type Notifier interface {
	queue.DeadLetterNotifier
	Close() error
}

type event struct {
	Type string `json:"type"`
	queue.DeadLetter
}

func encode(dl queue.DeadLetter) ([]byte, error) {
	return json.Marshal(event{Type: EventType, DeadLetter: dl})
}

// New creates the sink selected by deadletter.sink.
func New(logger *zap.Logger, cfg *config.Config, rdb redis.UniversalClient) (Notifier, error) {
	switch cfg.DeadLetter.Sink {
	case "log":
		return NewLogNotifier(logger), nil
	case "redis":
		return NewRedisNotifier(rdb, cfg.DeadLetter.Channel), nil
	case "kafka":
		return NewKafkaNotifier(cfg.DeadLetter.Kafka.Brokers, cfg.DeadLetter.Kafka.Topic), nil
	default:
		return nil, fmt.Errorf("unsupported deadletter.sink: %s", cfg.DeadLetter.Sink)
	}
}

// LogNotifier writes dead letters to the log only.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("deadletter")}
}

// Notify logs dl at error level.
func (n *LogNotifier) Notify(_ context.Context, dl queue.DeadLetter) error {
	n.logger.Error("job dead-lettered",
		zap.String("job_id", dl.JobID),
		zap.String("language", dl.Language),
		zap.Int("attempts", dl.Attempts),
		zap.String("reason", dl.Reason),
		zap.Time("failed_at", dl.FailedAt))
	return nil
}

func (n *LogNotifier) Close() error { return nil }

// RedisNotifier publishes dead letters on a Redis pub/sub channel.
type RedisNotifier struct {
	rdb     redis.UniversalClient
	channel string
}

// NewRedisNotifier creates a RedisNotifier. The client is shared and not closed by Close.
func NewRedisNotifier(rdb redis.UniversalClient, channel string) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, channel: channel}
}

// Notify publishes dl as JSON.
func (n *RedisNotifier) Notify(ctx context.Context, dl queue.DeadLetter) error {
	data, err := encode(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := n.rdb.Publish(ctx, n.channel, data).Err(); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

func (n *RedisNotifier) Close() error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier produces dead letters to a Kafka topic keyed by job id.
type KafkaNotifier struct {
	writer messageWriter
}

// NewKafkaNotifier creates a KafkaNotifier writing to topic on brokers.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}}
}

// Notify writes dl as a single message.
func (n *KafkaNotifier) Notify(ctx context.Context, dl queue.DeadLetter) error {
	data, err := encode(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	msg := kafka.Message{
		Key:     []byte(dl.JobID),
		Value:   data,
		Headers: []kafka.Header{{Key: "event", Value: []byte(EventType)}},
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("produce dead letter: %w", err)
	}
	return nil
}

// Close flushes and closes the producer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
