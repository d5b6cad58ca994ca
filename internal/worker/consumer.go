package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledger-service/internal/domain"
	"ledger-service/internal/publisher"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	log "github.com/sirupsen/logrus"
)

const (
	pollTimeout  = 500 * time.Millisecond
	retryBackoff = 2 * time.Second
)

// messageSource is the part of *kafka.Consumer the chain consumer uses.
type messageSource interface {
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
	Seek(partition kafka.TopicPartition, ignoredTimeoutMs int) error
	Close() error
}

// ChainConsumer processes chain tasks from Kafka with at-least-once delivery.
// An offset is committed only once the event is chained or known to be gone.
type ChainConsumer struct {
	source    messageSource
	processor Processor
	backoff   time.Duration
}

func NewChainConsumer(bootstrapServers, groupID, topic string, processor Processor) (*ChainConsumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"group.id":           groupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	if err := c.SubscribeTopics([]string{topic}, nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	log.WithFields(log.Fields{
		"topic": topic,
		"group": groupID,
	}).Info("Chain task Kafka consumer subscribed")

	return &ChainConsumer{source: c, processor: processor, backoff: retryBackoff}, nil
}

// Run consumes until ctx is cancelled, then closes the consumer.
func (c *ChainConsumer) Run(ctx context.Context) {
	defer func() {
		if err := c.source.Close(); err != nil {
			log.WithError(err).Warn("Failed to close chain task consumer")
		}
	}()

	for ctx.Err() == nil {
		msg, err := c.source.ReadMessage(pollTimeout)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			log.WithError(err).Warn("Chain task consumer read failed")
			c.sleep(ctx)
			continue
		}

		if !c.handle(ctx, msg) {
			c.sleep(ctx)
		}
	}
}

// handle processes one message and reports whether it was committed.
func (c *ChainConsumer) handle(ctx context.Context, msg *kafka.Message) bool {
	task, err := publisher.DecodeTask(msg.Value)
	if err != nil {
		log.WithError(err).WithField("offset", msg.TopicPartition.Offset).Error("Skipping malformed chain task")
		return c.commit(msg)
	}

	err = c.processor.Process(ctx, task.EventID)
	if err != nil && !errors.Is(err, domain.ErrEventNotFound) {
		log.WithError(err).WithField("event_id", task.EventID).Warn("Chain task failed, will be redelivered")
		if serr := c.source.Seek(msg.TopicPartition, 0); serr != nil {
			log.WithError(serr).Error("Failed to rewind chain task partition")
		}
		return false
	}
	if err != nil {
		log.WithField("event_id", task.EventID).Warn("Chain task for unknown event, skipping")
	}

	return c.commit(msg)
}

func (c *ChainConsumer) commit(msg *kafka.Message) bool {
	if _, err := c.source.CommitMessage(msg); err != nil {
		log.WithError(err).Error("Failed to commit chain task offset")
		return false
	}
	return true
}

func (c *ChainConsumer) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(c.backoff):
	}
}
