package backend

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/omicsdm/server/core/logger"
)

// entityChangeTopic is the Kafka topic entity change events are published to.
const entityChangeTopic = "entity_change"

// Notifier publishes entity change events to Kafka. Publishing is best
// effort, a broker outage never fails the request that triggered the event.
type Notifier struct {
	writer *kafka.Writer
}

// NewNotifier returns a new Notifier for the given brokers
func NewNotifier(brokers []string) *Notifier {
	return &Notifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        entityChangeTopic,
			Balancer:     &kafka.LeastBytes{},
			WriteTimeout: 5 * time.Second,
		},
	}
}

type entityChangeEvent struct {
	Kind      string    `json:"kind"`
	Operation string    `json:"operation"`
	EntityID  string    `json:"entity_id"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
}

// Notify publishes one entity change event
func (n *Notifier) Notify(ctx context.Context, kind Kind, operation, entityID, actor string) {
	if n == nil {
		return
	}
	event := entityChangeEvent{
		Kind:      kind.String(),
		Operation: operation,
		EntityID:  entityID,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
	}
	value, _ := json.Marshal(event)
	err := n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(kind.String() + "/" + entityID),
		Value: value,
	})
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warningf("Error 5001: cannot publish %s event for %s", operation, entityID)
	}
}

// Close flushes and closes the underlying Kafka writer
func (n *Notifier) Close() error {
	if n == nil {
		return nil
	}
	return n.writer.Close()
}
