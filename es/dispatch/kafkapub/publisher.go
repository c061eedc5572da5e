// Package kafkapub publishes appended events to a Kafka topic. A Publisher
// is an EventDispatcher, so it can sit next to query stores behind a runner.
package kafkapub

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/getpup/cqrsstore/es"
	"github.com/getpup/cqrsstore/es/codec"
	"github.com/getpup/cqrsstore/es/store"
)

// Header names set on every message.
const (
	HeaderAggregateType = "aggregate_type"
	HeaderSequence      = "sequence"
	HeaderEventID       = "event_id"

	// MetadataHeaderPrefix prefixes one header per metadata entry.
	MetadataHeaderPrefix = "meta-"
)

// EventIDNamespace is the UUID namespace of event ids.
var EventIDNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("cqrsstore:event"))

// EventID returns the id published for one event. It only depends on the
// event's storage key, so a re-dispatched event keeps its id and consumers
// can deduplicate on it.
func EventID(aggregateType, aggregateID string, sequence int64) uuid.UUID {
	return uuid.NewSHA1(EventIDNamespace, []byte(aggregateType+"/"+aggregateID+"/"+strconv.FormatInt(sequence, 10)))
}

// ErrNoTopic is returned when a publisher is built without a topic.
var ErrNoTopic = errors.New("kafka topic is required")

// Writer is the part of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Config configures a Publisher.
type Config struct {
	// Topic receives every message. Required.
	Topic string

	// AggregateType is copied into the aggregate_type header.
	AggregateType string

	// Codec encodes event payloads into message values.
	// Defaults to JSON.
	Codec codec.Codec

	// Logger is an optional logger for observability.
	Logger es.Logger
}

// Publisher publishes each event of a batch as one message keyed by
// aggregate id, so a partition sees an aggregate's events in order.
type Publisher[E any] struct {
	writer Writer
	config Config
}

var _ store.EventDispatcher[struct{}] = (*Publisher[struct{}])(nil)

// NewPublisher creates a publisher writing through w.
func NewPublisher[E any](w Writer, config Config) (*Publisher[E], error) {
	if config.Topic == "" {
		return nil, ErrNoTopic
	}
	if config.Codec == nil {
		config.Codec = codec.JSON{}
	}
	return &Publisher[E]{writer: w, config: config}, nil
}

// NewWriter returns a writer for brokers that hashes message keys to
// partitions and waits for all in-sync replicas.
func NewWriter(brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// Dispatch implements store.EventDispatcher. The batch is written in one
// call; an empty batch writes nothing.
func (p *Publisher[E]) Dispatch(ctx context.Context, aggregateID string, events []es.EventContext[E]) error {
	if len(events) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, len(events))
	for i, event := range events {
		value, err := p.config.Codec.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode event %d of aggregate %s: %w", event.Sequence, aggregateID, err)
		}
		msgs[i] = kafka.Message{
			Topic:   p.config.Topic,
			Key:     []byte(aggregateID),
			Value:   value,
			Headers: headers(p.config.AggregateType, aggregateID, event),
		}
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		if p.config.Logger != nil {
			p.config.Logger.Error(ctx, "failed to publish events",
				"topic", p.config.Topic,
				"aggregate_id", aggregateID,
				"count", len(msgs),
				"error", err)
		}
		return fmt.Errorf("failed to publish events of aggregate %s: %w", aggregateID, err)
	}

	if p.config.Logger != nil {
		p.config.Logger.Debug(ctx, "events published",
			"topic", p.config.Topic,
			"aggregate_id", aggregateID,
			"count", len(msgs))
	}
	return nil
}

func headers[E any](aggregateType, aggregateID string, event es.EventContext[E]) []kafka.Header {
	hs := make([]kafka.Header, 0, 3+len(event.Metadata))
	hs = append(hs,
		kafka.Header{Key: HeaderAggregateType, Value: []byte(aggregateType)},
		kafka.Header{Key: HeaderSequence, Value: []byte(strconv.FormatInt(event.Sequence, 10))},
		kafka.Header{Key: HeaderEventID, Value: []byte(EventID(aggregateType, aggregateID, event.Sequence).String())},
	)
	for k, v := range event.Metadata {
		hs = append(hs, kafka.Header{Key: MetadataHeaderPrefix + k, Value: []byte(v)})
	}
	return hs
}
