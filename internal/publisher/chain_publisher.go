package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"ledger-service/internal/domain"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	log "github.com/sirupsen/logrus"
)

const deliveryBuffer = 1024

// messageProducer is the part of *kafka.Producer the publisher uses.
type messageProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// ChainTaskPublisher schedules chain processing by producing one message per
// appended event to the chain task topic. Schedule does not wait for the
// broker; delivery reports are drained in the background and failures are
// left to the backlog sweeper.
type ChainTaskPublisher struct {
	producer   messageProducer
	topic      string
	deliveries chan kafka.Event
	done       chan struct{}
	failed     atomic.Int64
}

func NewChainTaskPublisher(bootstrapServers, topic string) (*ChainTaskPublisher, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"enable.idempotence": true,
		"acks":               "all",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	log.WithField("topic", topic).Info("Chain task Kafka producer created")

	return newChainTaskPublisher(p, topic), nil
}

func newChainTaskPublisher(producer messageProducer, topic string) *ChainTaskPublisher {
	p := &ChainTaskPublisher{
		producer:   producer,
		topic:      topic,
		deliveries: make(chan kafka.Event, deliveryBuffer),
		done:       make(chan struct{}),
	}
	go p.drainDeliveries()
	return p
}

// EncodeTask is the wire form shared with the consumer.
func EncodeTask(task domain.ChainTask) ([]byte, error) {
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = time.Now().UTC()
	}
	return json.Marshal(task)
}

func DecodeTask(value []byte) (domain.ChainTask, error) {
	var task domain.ChainTask
	if err := json.Unmarshal(value, &task); err != nil {
		return task, fmt.Errorf("failed to decode chain task: %w", err)
	}
	if task.EventID == "" {
		return task, fmt.Errorf("chain task without event id")
	}
	return task, nil
}

// Schedule hands the task to the producer's queue and returns. Only local
// failures, such as a full queue, are reported.
func (p *ChainTaskPublisher) Schedule(_ context.Context, task domain.ChainTask) error {
	payload, err := EncodeTask(task)
	if err != nil {
		return fmt.Errorf("failed to marshal chain task: %w", err)
	}

	if err := p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(task.EventID),
		Value:          payload,
	}, p.deliveries); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

func (p *ChainTaskPublisher) drainDeliveries() {
	defer close(p.done)
	for e := range p.deliveries {
		if err := deliveryError(e); err != nil {
			p.failed.Add(1)
			log.WithError(err).Warn("Chain task not delivered, leaving it to the backlog sweeper")
		}
	}
}

func deliveryError(e kafka.Event) error {
	msg, ok := e.(*kafka.Message)
	if !ok {
		return fmt.Errorf("unexpected event type: %T", e)
	}
	if msg.TopicPartition.Error != nil {
		return fmt.Errorf("delivery of chain task %s failed: %w", string(msg.Key), msg.TopicPartition.Error)
	}
	return nil
}

func (p *ChainTaskPublisher) Close() {
	log.Info("Closing chain task Kafka producer...")
	p.producer.Flush(15 * 1000)
	p.producer.Close()
	close(p.deliveries)
	<-p.done
}
