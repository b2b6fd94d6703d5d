// Package kafka publishes lifecycle events to Kafka. The runner treats
// publishing as best effort: producer errors are logged, never propagated
// into the scheduling path.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/IBM/sarama"

	"github.com/pranaflow/prana/internal/platform/logger"
	"github.com/pranaflow/prana/internal/shared/events"
)

// Config holds producer configuration.
type Config struct {
	Brokers []string
	// TopicPrefix prefixes the per-family topics, e.g. "prana" yields
	// "prana.execution-events".
	TopicPrefix string
}

// Publisher sends event envelopes through a sarama async producer.
type Publisher struct {
	producer sarama.AsyncProducer
	prefix   string
	log      logger.Logger
	done     chan struct{}
}

// NewPublisher connects an async producer to the brokers.
func NewPublisher(cfg Config, log logger.Logger) (*Publisher, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 5
	saramaConfig.Producer.Return.Successes = false
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	p := &Publisher{
		producer: producer,
		prefix:   cfg.TopicPrefix,
		log:      log,
		done:     make(chan struct{}),
	}
	go p.drainErrors()
	return p, nil
}

// Publish enqueues one event. The partition key is the execution id so one
// execution's events stay ordered within a partition.
func (p *Publisher) Publish(ctx context.Context, event *events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serialize event %s: %w", event.ID, err)
	}

	key := event.ID
	if executionID, ok := event.Payload["execution_id"].(string); ok {
		key = executionID
	}

	message := &sarama.ProducerMessage{
		Topic: p.topicFor(event.Type),
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("eventType"), Value: []byte(event.Type)},
		},
		Timestamp: event.OccurredAt,
	}

	select {
	case p.producer.Input() <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the producer down and stops the error drain.
func (p *Publisher) Close() error {
	err := p.producer.Close()
	<-p.done
	return err
}

func (p *Publisher) drainErrors() {
	defer close(p.done)
	for perr := range p.producer.Errors() {
		p.log.Warn("kafka publish failed",
			"topic", perr.Msg.Topic,
			"error", perr.Err.Error(),
		)
	}
}

// topicFor maps an event type to its topic family.
func (p *Publisher) topicFor(typ events.Type) string {
	family := "execution-events"
	if strings.HasPrefix(string(typ), "node.") {
		family = "node-events"
	}
	if p.prefix == "" {
		return family
	}
	return p.prefix + "." + family
}
