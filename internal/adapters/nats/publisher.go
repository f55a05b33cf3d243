package natsadapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/samirrijal/safewatch/internal/core/domain"
)

// Subjects and streams.
const (
	EventsStream     = "GEOFENCE_EVENTS"
	EventsSubject    = "geofence.events"
	LocationsStream  = "LOCATION_SAMPLES"
	LocationsSubject = "locations"
)

// Publisher implements ports.EventPublisher using NATS JetStream.
type Publisher struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// NewPublisher connects to NATS and enables JetStream.
func NewPublisher(url string) (*Publisher, error) {
	conn, err := RawConn(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	if err := EnsureStreams(js); err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, js: js}, nil
}

// EnsureStreams creates or updates the streams the engine relies on.
func EnsureStreams(js nats.JetStreamContext) error {
	streams := []nats.StreamConfig{
		{
			Name:      EventsStream,
			Subjects:  []string{EventsSubject + ".>"},
			Retention: nats.InterestPolicy,
			MaxAge:    72 * time.Hour,
			Storage:   nats.FileStorage,
			// Publishes carrying the same Nats-Msg-Id inside this window are
			// dropped by the server.
			Duplicates: 24 * time.Hour,
		},
		{
			Name:      LocationsStream,
			Subjects:  []string{LocationsSubject + ".>"},
			Retention: nats.WorkQueuePolicy,
			MaxAge:    time.Hour,
			Storage:   nats.FileStorage,
		},
	}

	for _, cfg := range streams {
		if _, err := js.AddStream(&cfg); err != nil {
			// Stream may already exist; try update
			if _, err := js.UpdateStream(&cfg); err != nil {
				return fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
			}
		}
	}
	return nil
}

// EventSubject returns the subject an event is published on.
func EventSubject(ev *domain.GeofenceEvent) string {
	return EventsSubject + "." + strings.ToLower(string(ev.Type)) + "." + ev.UserID
}

// Publish sends an event with its dedup key as the message id. A retried
// publish of an already stored event is acknowledged as a duplicate.
func (p *Publisher) Publish(ctx context.Context, ev *domain.GeofenceEvent) error {
	if ev.DedupKey == "" {
		return fmt.Errorf("%w: event %s has no dedup key", domain.ErrPermanentPublish, ev.ID)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: marshal event: %w", domain.ErrPermanentPublish, err)
	}

	_, err = p.js.Publish(EventSubject(ev), data, nats.MsgId(ev.DedupKey), nats.Context(ctx))
	if err != nil {
		return classify(err)
	}
	return nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, nats.ErrMaxPayload), errors.Is(err, nats.ErrBadSubject):
		return fmt.Errorf("%w: %w", domain.ErrPermanentPublish, err)
	default:
		return fmt.Errorf("%w: %w", domain.ErrPublishFailure, err)
	}
}

// PublishSample puts a location sample on the ingest stream.
func (p *Publisher) PublishSample(ctx context.Context, sample *domain.LocationSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	_, err = p.js.Publish(LocationsSubject+"."+sample.UserID, data, nats.Context(ctx))
	return err
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	_ = p.conn.Drain()
}

// RawConn creates a plain NATS connection for subscribing (e.g. WebSocket relay).
func RawConn(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}
