package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/segmentio/kafka-go"
)

const StatusTopic = "order-status"

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// StatusPublisher writes order status changes to the status topic, keyed by
// order id so every change of one order lands on the same partition.
type StatusPublisher struct {
	writer MessageWriter
}

func NewStatusPublisher(brokers ...string) *StatusPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  StatusTopic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &StatusPublisher{writer: w}
}

func NewStatusPublisherWithWriter(w MessageWriter) *StatusPublisher {
	return &StatusPublisher{writer: w}
}

func (p *StatusPublisher) PublishStatusChange(ctx context.Context, event domain.OrderStatusEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.OrderID),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("publish status event for order %s: %w", event.OrderID, err)
	}
	return nil
}

func (p *StatusPublisher) Close() {
	if err := p.writer.Close(); err != nil {
		log.Printf("error closing kafka writer: %v", err)
	}
}
