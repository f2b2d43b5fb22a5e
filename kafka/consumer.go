package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	ledger "github.com/tair/rxsync/internal/ledger/domain"
	prescription "github.com/tair/rxsync/internal/prescription/domain"
	"github.com/tair/rxsync/internal/reconcile/domain"
	"github.com/tair/rxsync/pkg/logger"
)

// redeliveryDelay is how long a claim waits before giving up a message it
// could not handle, so a failing dependency is not hammered.
const redeliveryDelay = 5 * time.Second

// ErrMalformedMessage marks a message that no retry can make handleable.
var ErrMalformedMessage = errors.New("malformed message")

// Consumer wraps Kafka consumer
type Consumer struct {
	consumer        sarama.ConsumerGroup
	brokers         []string
	groupID         string
	topics          []string
	handlers        map[string]EventHandler
	handlersMutex   sync.RWMutex
	redeliveryDelay time.Duration
}

// EventHandler handles one decoded message body.
type EventHandler func(ctx context.Context, payload []byte) error

// NewConsumer creates a new Kafka consumer
func NewConsumer(brokers []string, groupID string, topics []string) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_6_0_0
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	logger.Logger.Info().
		Strs("brokers", brokers).
		Str("group_id", groupID).
		Strs("topics", topics).
		Msg("Kafka consumer initialized")

	return NewConsumerWithGroup(group, groupID, topics), nil
}

// NewConsumerWithGroup wraps an existing consumer group.
func NewConsumerWithGroup(group sarama.ConsumerGroup, groupID string, topics []string) *Consumer {
	return &Consumer{
		consumer:        group,
		groupID:         groupID,
		topics:          topics,
		handlers:        make(map[string]EventHandler),
		redeliveryDelay: redeliveryDelay,
	}
}

// RegisterHandler registers an event handler for a specific event type
func (c *Consumer) RegisterHandler(eventType string, handler EventHandler) {
	c.handlersMutex.Lock()
	defer c.handlersMutex.Unlock()
	c.handlers[eventType] = handler
	logger.Logger.Info().
		Str("event_type", eventType).
		Msg("Event handler registered")
}

// Start starts consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	handler := &consumerGroupHandler{
		consumer: c,
	}

	go func() {
		for {
			if err := c.consumer.Consume(ctx, c.topics, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				logger.Logger.Error().
					Err(err).
					Msg("Error from consumer")
			}
			if ctx.Err() != nil {
				logger.Logger.Info().Msg("Consumer context cancelled, stopping...")
				return
			}
		}
	}()

	go func() {
		for err := range c.consumer.Errors() {
			logger.Logger.Error().
				Err(err).
				Msg("Consumer error")
		}
	}()

	logger.Logger.Info().
		Strs("topics", c.topics).
		Str("group_id", c.groupID).
		Msg("Kafka consumer started")

	return nil
}

// Close closes the Kafka consumer
func (c *Consumer) Close() error {
	if c.consumer != nil {
		return c.consumer.Close()
	}
	return nil
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim marks a message once it is handled or rejected for good.
// On a transient failure the offset stays uncommitted and the claim ends,
// which closes the session; the next Consume resumes from that offset.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		err := h.consumer.handleMessage(session.Context(), message)
		if Redeliver(err) {
			logger.Warn(session.Context()).Err(err).
				Str("topic", message.Topic).
				Int32("partition", message.Partition).
				Int64("offset", message.Offset).
				Msg("Leaving message uncommitted for redelivery")
			select {
			case <-time.After(h.consumer.redeliveryDelay):
			case <-session.Context().Done():
			}
			return fmt.Errorf("message %s/%d@%d left for redelivery: %w",
				message.Topic, message.Partition, message.Offset, err)
		}
		session.MarkMessage(message, "")
	}
	return nil
}

// Redeliver reports whether a failed message should be consumed again.
// Malformed payloads and business rejections are final; remote outages,
// credential failures and local processing errors are not.
func Redeliver(err error) bool {
	if err == nil || errors.Is(err, ErrMalformedMessage) {
		return false
	}
	switch ledger.CategoryOf(err) {
	case ledger.CategoryRemoteTransient, ledger.CategoryRemoteAuth, ledger.CategoryProcessing:
		return true
	}
	return false
}

func (c *Consumer) handleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	// Extract trace context from Kafka headers
	carrier := propagation.MapCarrier{}
	eventType := ""
	eventID := ""
	for _, header := range message.Headers {
		switch key := string(header.Key); key {
		case "traceparent", "tracestate":
			carrier[key] = string(header.Value)
		case "event_type":
			eventType = string(header.Value)
		case "event_id":
			eventID = string(header.Value)
		}
	}
	ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)

	tracer := otel.Tracer("kafka-consumer")
	ctx, span := tracer.Start(ctx, "kafka.consume."+message.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.source", message.Topic),
			attribute.String("messaging.source_kind", "topic"),
			attribute.Int("messaging.kafka.partition", int(message.Partition)),
			attribute.Int64("messaging.kafka.offset", message.Offset),
		),
	)
	defer span.End()

	if eventType == "" {
		span.SetStatus(codes.Error, "Message without event_type header")
		logger.Warn(ctx).Str("topic", message.Topic).Msg("Message without event_type header")
		return fmt.Errorf("%w: no event_type header", ErrMalformedMessage)
	}

	span.SetAttributes(
		attribute.String("event.type", eventType),
		attribute.String("event.id", eventID),
	)

	c.handlersMutex.RLock()
	handler, exists := c.handlers[eventType]
	c.handlersMutex.RUnlock()

	if !exists {
		span.SetStatus(codes.Error, "No handler registered")
		logger.Warn(ctx).
			Str("event_type", eventType).
			Msg("No handler registered for event type")
		return fmt.Errorf("%w: no handler for event type %q", ErrMalformedMessage, eventType)
	}

	if err := handler(ctx, message.Value); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to handle event")
		logger.Error(ctx).
			Err(err).
			Str("event_type", eventType).
			Str("event_id", eventID).
			Int64("offset", message.Offset).
			Msg("Failed to handle event")
		return err
	}

	span.SetStatus(codes.Ok, "Event handled successfully")
	logger.Debug(ctx).
		Str("event_type", eventType).
		Str("event_id", eventID).
		Msg("Event handled successfully")
	return nil
}

// SyncOnCommit adapts a TransactionSyncer to transaction.committed events.
func SyncOnCommit(syncer domain.TransactionSyncer) EventHandler {
	return func(ctx context.Context, payload []byte) error {
		var event TransactionCommittedEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return fmt.Errorf("%w: failed to unmarshal event: %v", ErrMalformedMessage, err)
		}
		id, err := uuid.Parse(event.TransactionID)
		if err != nil {
			return fmt.Errorf("%w: invalid transaction id %q: %v", ErrMalformedMessage, event.TransactionID, err)
		}
		result, err := syncer.SyncTransaction(ctx, id)
		if err != nil {
			return err
		}
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("sync.outcome", string(result.Outcome)))
		return nil
	}
}

// PrescriptionProcessor ingests one authority prescription event.
type PrescriptionProcessor interface {
	Handle(ctx context.Context, event prescription.PrescriptionEvent) (*prescription.PrescriptionResult, error)
}

// IngestPrescriptions adapts a PrescriptionProcessor to prescription.received
// events.
func IngestPrescriptions(processor PrescriptionProcessor) EventHandler {
	return func(ctx context.Context, payload []byte) error {
		var event prescription.PrescriptionEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return fmt.Errorf("%w: failed to unmarshal event: %v", ErrMalformedMessage, err)
		}
		result, err := processor.Handle(ctx, event)
		if err != nil {
			return err
		}
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.String("prescription.id", event.PrescriptionID),
			attribute.String("prescription.state", string(result.State)),
		)
		return nil
	}
}
