package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// MessageReader is the part of *kafka.Reader the poller needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// StatusHandler applies one order status change.
type StatusHandler interface {
	HandleStatusChange(ctx context.Context, event domain.OrderStatusEvent) error
}

// StatusPoller feeds row-change events from the status topic to a handler.
type StatusPoller struct {
	reader  MessageReader
	handler StatusHandler
	backoff time.Duration
}

// InstanceGroupID derives a consumer group owned by this process. Order
// watches live in process memory, so every instance must read every status
// message rather than share partitions with its peers.
func InstanceGroupID(prefix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s-%s", prefix, host, uuid.NewString()[:8])
}

// readerConfig starts a fresh group at the log end: watches only exist for
// orders this process has seen since it started.
func readerConfig(topic, groupID string, brokers []string) kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MaxBytes:    10e6, // 10MB
	}
}

func NewStatusPoller(handler StatusHandler, topic, groupID string, brokers ...string) *StatusPoller {
	reader := kafka.NewReader(readerConfig(topic, groupID, brokers))
	return NewStatusPollerWithReader(handler, reader)
}

func NewStatusPollerWithReader(handler StatusHandler, reader MessageReader) *StatusPoller {
	return &StatusPoller{reader: reader, handler: handler, backoff: time.Second}
}

func (p *StatusPoller) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := p.processMessage(ctx); err != nil {
			// broker trouble: do not spin
			select {
			case <-time.After(p.backoff):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *StatusPoller) Close() {
	if err := p.reader.Close(); err != nil {
		log.Printf("error closing kafka reader: %v", err)
	}
}

// processMessage returns an error only when reading failed. Bad or
// unhandled messages are logged and skipped.
func (p *StatusPoller) processMessage(ctx context.Context) error {
	m, err := p.reader.ReadMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		log.Printf("error reading status message: %v", err)
		return err
	}

	var event domain.OrderStatusEvent
	if err := json.Unmarshal(m.Value, &event); err != nil {
		log.Printf("error parsing status message at offset %d: %v", m.Offset, err)
		return nil
	}
	if event.OrderID == "" {
		event.OrderID = string(m.Key)
	}

	if err := p.handler.HandleStatusChange(ctx, event); err != nil {
		log.Printf("failed to apply status %s for order %s: %v", event.Status, event.OrderID, err)
	}
	return nil
}
