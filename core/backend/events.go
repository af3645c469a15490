package backend

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/campdir/campdir/core"
	"github.com/campdir/campdir/core/logger"
)

// Event is one resource change, published after the change was committed.
type Event struct {
	Resource  string         `json:"resource"`
	Operation core.Operation `json:"operation"`
	ID        uuid.UUID      `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier receives resource change events. Notification is best-effort
// and must not fail the originating request.
type Notifier interface {
	Notify(ctx context.Context, event Event)
	Close() error
}

// KafkaNotifier publishes change events to a Kafka topic, keyed by
// resource so changes to one resource stay ordered.
type KafkaNotifier struct {
	writer *kafka.Writer
}

var _ Notifier = &KafkaNotifier{}

// NewKafkaNotifier creates a notifier for the given brokers and topic.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
	}
}

// Notify publishes the event. Errors are logged, never returned.
func (n *KafkaNotifier) Notify(ctx context.Context, event Event) {
	value, err := json.Marshal(event)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("cannot marshal change event")
		return
	}
	err = n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Resource),
		Value: value,
	})
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("cannot publish change event for %s %s", event.Operation, event.Resource)
	}
}

// Close flushes and closes the underlying writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

// notify is the nil-safe internal entry point.
func (b *Backend) notify(ctx context.Context, resource string, operation core.Operation, id uuid.UUID) {
	if b.notifier == nil {
		return
	}
	b.notifier.Notify(ctx, Event{
		Resource:  resource,
		Operation: operation,
		ID:        id,
		Timestamp: time.Now().UTC(),
	})
}
