package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"go.uber.org/zap"
)

// Publisher carries domain events off the request path. Publishing is
// best-effort; callers log failures but never fail the operation that
// produced the event.
type Publisher interface {
	Publish(ctx context.Context, event DomainEvent) error
	PublishBatch(ctx context.Context, batch []DomainEvent) error
}

// envelope is the wire shape of one event detail.
type envelope struct {
	EventID     string                 `json:"event_id"`
	EventType   string                 `json:"event_type"`
	AggregateID string                 `json:"aggregate_id"`
	User        string                 `json:"user"`
	TimestampMs int64                  `json:"timestamp_ms"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

func marshalDetail(event DomainEvent) ([]byte, error) {
	return json.Marshal(envelope{
		EventID:     event.EventID(),
		EventType:   event.EventType(),
		AggregateID: event.AggregateID(),
		User:        event.User(),
		TimestampMs: event.Timestamp().UnixMilli(),
		Data:        event.EventData(),
	})
}

// PutEventsAPI is the slice of the EventBridge client the publisher needs.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgePublisher sends events to an EventBridge bus.
type EventBridgePublisher struct {
	client  PutEventsAPI
	busName string
	source  string
	logger  *zap.Logger
}

// NewEventBridgePublisher creates an EventBridge publisher.
func NewEventBridgePublisher(client PutEventsAPI, busName string, logger *zap.Logger) *EventBridgePublisher {
	return &EventBridgePublisher{
		client:  client,
		busName: busName,
		source:  SourceBackend,
		logger:  logger.Named("events"),
	}
}

// Publish sends a single event.
func (p *EventBridgePublisher) Publish(ctx context.Context, event DomainEvent) error {
	return p.PublishBatch(ctx, []DomainEvent{event})
}

// PublishBatch sends events in chunks of the PutEvents limit.
func (p *EventBridgePublisher) PublishBatch(ctx context.Context, batch []DomainEvent) error {
	// EventBridge caps PutEvents at 10 entries per call.
	const putEventsLimit = 10

	for len(batch) > 0 {
		n := len(batch)
		if n > putEventsLimit {
			n = putEventsLimit
		}
		if err := p.put(ctx, batch[:n]); err != nil {
			return err
		}
		batch = batch[n:]
	}
	return nil
}

func (p *EventBridgePublisher) put(ctx context.Context, batch []DomainEvent) error {
	entries := make([]types.PutEventsRequestEntry, 0, len(batch))
	for _, event := range batch {
		detail, err := marshalDetail(event)
		if err != nil {
			p.logger.Error("failed to marshal event",
				zap.String("event_type", event.EventType()),
				zap.Error(err))
			continue
		}
		entries = append(entries, types.PutEventsRequestEntry{
			EventBusName: aws.String(p.busName),
			Source:       aws.String(p.source),
			DetailType:   aws.String(event.EventType()),
			Detail:       aws.String(string(detail)),
			Time:         aws.Time(event.Timestamp()),
		})
	}
	if len(entries) == 0 {
		return nil
	}

	result, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{Entries: entries})
	if err != nil {
		return fmt.Errorf("failed to publish events: %w", err)
	}
	if result.FailedEntryCount > 0 {
		for i, entry := range result.Entries {
			if entry.ErrorCode != nil {
				p.logger.Error("event rejected by bus",
					zap.String("event_type", batch[i].EventType()),
					zap.String("error_code", aws.ToString(entry.ErrorCode)),
					zap.String("error_message", aws.ToString(entry.ErrorMessage)))
			}
		}
		return fmt.Errorf("%d events failed to publish", result.FailedEntryCount)
	}

	p.logger.Debug("events published",
		zap.Int("count", len(entries)),
		zap.String("bus", p.busName))
	return nil
}

// HandlerFunc observes one event. Handlers must not block; anything slow
// belongs on the handler's own goroutine.
type HandlerFunc func(ctx context.Context, event DomainEvent)

// Dispatcher fans events out to in-process handlers. It implements
// Publisher so local mode and tests can run without a bus.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]HandlerFunc
	logger   *zap.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]HandlerFunc),
		logger:   logger.Named("events"),
	}
}

// Register subscribes fn to one event type.
func (d *Dispatcher) Register(eventType string, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = append(d.handlers[eventType], fn)
}

// Publish dispatches a single event to its handlers.
func (d *Dispatcher) Publish(ctx context.Context, event DomainEvent) error {
	d.mu.RLock()
	fns := d.handlers[event.EventType()]
	d.mu.RUnlock()
	for _, fn := range fns {
		fn(ctx, event)
	}
	d.logger.Debug("event dispatched",
		zap.String("event_type", event.EventType()),
		zap.String("aggregate_id", event.AggregateID()),
		zap.Int("handlers", len(fns)))
	return nil
}

// PublishBatch dispatches each event in order.
func (d *Dispatcher) PublishBatch(ctx context.Context, batch []DomainEvent) error {
	for _, event := range batch {
		if err := d.Publish(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish discards the event.
func (NopPublisher) Publish(context.Context, DomainEvent) error { return nil }

// PublishBatch discards the batch.
func (NopPublisher) PublishBatch(context.Context, []DomainEvent) error { return nil }

var (
	_ Publisher = (*EventBridgePublisher)(nil)
	_ Publisher = (*Dispatcher)(nil)
	_ Publisher = NopPublisher{}
)
