// Package intake feeds the coordinator's task queue from a Kafka topic, so
// upstream content systems publish presentation jobs without talking to the
// coordinator's HTTP surface. Offsets are committed manually: a task message
// is committed once it sits in the queue, and poison messages are committed
// immediately so they cannot wedge the partition.
package intake

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	kgo "github.com/segmentio/kafka-go"

	screenagent "github.com/screenfleet/ScreenAgent"
	"github.com/screenfleet/ScreenAgent/internal/env"
)

const (
	// EnvKafkaBrokers lists the bootstrap brokers, comma separated. Empty
	// disables the intake.
	EnvKafkaBrokers = "KAFKA_BROKERS"
	// EnvKafkaTopic names the task topic.
	EnvKafkaTopic = "KAFKA_TOPIC"
	// EnvKafkaGroupID names the consumer group.
	EnvKafkaGroupID = "KAFKA_GROUP_ID"

	defaultTopic   = "fleet-tasks"
	defaultGroupID = "screenagent-coordinator"

	fetchRetryDelay = 500 * time.Millisecond
	commitTimeout   = 3 * time.Second
)

// taskMessage is the wire shape producers publish.
type taskMessage struct {
	TaskID   string `json:"task_id"`
	Content  string `json:"content"`
	ImageRef string `json:"image_ref"`
}

// Enqueuer is the slice of the coordinator the intake needs.
type Enqueuer interface {
	Enqueue(task screenagent.Task) screenagent.Task
}

// messageReader is the slice of kafka-go's Reader the consumer drives.
type messageReader interface {
	FetchMessage(ctx context.Context) (kgo.Message, error)
	CommitMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// Consumer 消费任务主题并把消息转入调度队列。
type Consumer struct {
	reader messageReader
	sink   Enqueuer
	topic  string
}

// NewConsumerFromEnv builds a consumer from KAFKA_* config. A nil consumer
// with nil error means the intake is disabled (no brokers configured).
func NewConsumerFromEnv(sink Enqueuer) (*Consumer, error) {
	brokers := splitCSV(env.String(EnvKafkaBrokers, ""))
	if len(brokers) == 0 {
		log.Info().Msg("no kafka brokers configured, task intake disabled")
		return nil, nil
	}
	if sink == nil {
		return nil, errors.New("intake sink cannot be nil")
	}
	topic := env.String(EnvKafkaTopic, defaultTopic)
	groupID := env.String(EnvKafkaGroupID, defaultGroupID)

	reader := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})
	log.Info().
		Strs("brokers", brokers).
		Str("topic", topic).
		Str("group", groupID).
		Msg("task intake configured")
	return &Consumer{reader: reader, sink: sink, topic: topic}, nil
}

// Close releases the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// Run consumes until ctx is canceled. Fetch failures are logged and retried
// after a short pause; they must not kill the intake while brokers flap.
func (c *Consumer) Run(ctx context.Context) error {
	log.Info().Str("topic", c.topic).Msg("task intake started")
	for {
		if err := c.consumeOne(ctx); err != nil {
			if ctx.Err() != nil {
				log.Info().Str("topic", c.topic).Msg("task intake stopped")
				return ctx.Err()
			}
			log.Error().Err(err).Str("topic", c.topic).Msg("task intake fetch failed")
			select {
			case <-ctx.Done():
				log.Info().Str("topic", c.topic).Msg("task intake stopped")
				return ctx.Err()
			case <-time.After(fetchRetryDelay):
			}
		}
	}
}

// consumeOne moves a single message into the queue. Undecodable or empty
// messages are committed and skipped.
func (c *Consumer) consumeOne(ctx context.Context) error {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch task message")
	}

	var tm taskMessage
	if err := json.Unmarshal(m.Value, &tm); err != nil || strings.TrimSpace(tm.Content) == "" {
		log.Warn().
			Err(err).
			Str("topic", m.Topic).
			Int("partition", m.Partition).
			Int64("offset", m.Offset).
			Msg("skipping undecodable task message")
		return c.commit(ctx, m)
	}

	queued := c.sink.Enqueue(screenagent.Task{
		ID:       strings.TrimSpace(tm.TaskID),
		Content:  tm.Content,
		ImageRef: tm.ImageRef,
	})
	if err := c.commit(ctx, m); err != nil {
		// The task is already queued; redelivery would duplicate it, so the
		// commit failure is worth a loud log.
		log.Error().Err(err).Str("taskId", queued.ID).Msg("offset commit failed after enqueue")
		return nil
	}
	log.Info().
		Str("taskId", queued.ID).
		Int64("offset", m.Offset).
		Msg("task enqueued from kafka")
	return nil
}

func (c *Consumer) commit(ctx context.Context, m kgo.Message) error {
	cctx, cancel := context.WithTimeout(ctx, commitTimeout)
	defer cancel()
	return errors.Wrap(c.reader.CommitMessages(cctx, m), "commit offset")
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
