package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSPublisher appends events to a JetStream stream for durable consumers
// such as archival and notification workers
type NATSPublisher struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// NewNATSPublisher connects to NATS and ensures the stream exists
func NewNATSPublisher(ctx context.Context, url, stream string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("crop-auction"))
	if err != nil {
		return nil, fmt.Errorf("events: failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: failed to create JetStream context: %w", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(streamCtx, jetstream.StreamConfig{
		Name:        stream,
		Description: "Crop auction lifecycle, bid and fraud events",
		Subjects:    []string{"auction.events.>"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Replicas:    1,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: failed to create/update stream %s: %w", stream, err)
	}

	return &NATSPublisher{conn: conn, js: js}, nil
}

// Subject is the JetStream subject an event is published on
func Subject(event Event) string {
	return fmt.Sprintf("auction.events.%s.%s", event.Type, event.AuctionID)
}

// Publish waits for the stream acknowledgment. The event ID doubles as the
// JetStream message ID so retried publishes are deduplicated.
func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: failed to marshal event: %w", err)
	}
	if _, err := p.js.Publish(ctx, Subject(event), data, jetstream.WithMsgID(event.EventID)); err != nil {
		return fmt.Errorf("events: jetstream publish %s: %w", event.Type, err)
	}
	return nil
}

// Close drains pending messages and closes the connection
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
