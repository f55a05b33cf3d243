package natsadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/samirrijal/safewatch/internal/core/domain"
)

// queueDepth is how many samples wait per worker before the subscription
// callback blocks.
const queueDepth = 64

// Subscriber implements ports.LocationSubscriber using NATS JetStream.
type Subscriber struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	subs    []*nats.Subscription
	workers int
	pools   []*dispatcher
	log     *slog.Logger
}

// NewSubscriber connects to NATS and ensures the streams exist. workers
// bounds how many users are evaluated in parallel.
func NewSubscriber(url string, workers int, logger *slog.Logger) (*Subscriber, error) {
	if logger == nil {
		logger = slog.Default()
	}
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
	return &Subscriber{
		conn:    conn,
		js:      js,
		workers: workers,
		log:     logger.With("component", "location_subscriber"),
	}, nil
}

// SubscribeLocations consumes location samples with a shared durable
// consumer. Samples are fanned out to workers keyed by user, so one user's
// samples are handled in arrival order while users proceed in parallel.
// Samples that can never be processed are terminated; transient failures are
// redelivered.
func (s *Subscriber) SubscribeLocations(ctx context.Context, handler func(ctx context.Context, sample *domain.LocationSample) error) error {
	pool := newDispatcher(s.workers, queueDepth)
	sub, err := s.js.QueueSubscribe(LocationsSubject+".>", "evaluators", func(msg *nats.Msg) {
		sample, err := decodeSample(msg.Subject, msg.Data)
		if err != nil {
			s.log.Warn("rejected location sample", "subject", msg.Subject, "error", err)
			_ = msg.Term()
			return
		}
		// Not acked when stopped; JetStream redelivers it.
		pool.dispatch(sample.UserID, func() {
			_ = settle(msg, handler(ctx, sample))
		})
	},
		nats.Durable("location-evaluator"),
		nats.ManualAck(),
		nats.MaxDeliver(5),
		nats.MaxAckPending(s.workers*queueDepth),
	)
	if err != nil {
		pool.stop()
		return err
	}
	s.subs = append(s.subs, sub)
	s.pools = append(s.pools, pool)
	return nil
}

// decodeSample parses a sample published on locations.<user_id>. The subject
// names the user; a payload naming somebody else is rejected.
func decodeSample(subject string, data []byte) (*domain.LocationSample, error) {
	userID, ok := strings.CutPrefix(subject, LocationsSubject+".")
	if !ok || userID == "" {
		return nil, fmt.Errorf("%w: subject %q names no user", domain.ErrInvalidSample, subject)
	}
	var sample domain.LocationSample
	if err := json.Unmarshal(data, &sample); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidSample, err)
	}
	switch sample.UserID {
	case "":
		sample.UserID = userID
	case userID:
	default:
		return nil, fmt.Errorf("%w: payload user %q on subject of %q", domain.ErrInvalidSample, sample.UserID, userID)
	}
	return &sample, nil
}

// ackAction is what happens to a message after its handler ran.
type ackAction int

const (
	actionAck ackAction = iota
	actionRetry
	actionDrop
)

// disposition maps a handler result to an ack action. Invalid samples are
// dropped; anything else failing is retried.
func disposition(err error) ackAction {
	switch {
	case err == nil:
		return actionAck
	case errors.Is(err, domain.ErrInvalidSample), errors.Is(err, domain.ErrInvalidCoordinate):
		return actionDrop
	default:
		return actionRetry
	}
}

func settle(msg *nats.Msg, err error) error {
	switch disposition(err) {
	case actionAck:
		return msg.Ack()
	case actionDrop:
		return msg.Term()
	default:
		return msg.Nak()
	}
}

// Close unsubscribes, waits for running evaluations and drains.
func (s *Subscriber) Close() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	for _, pool := range s.pools {
		pool.stop()
	}
	_ = s.conn.Drain()
}
