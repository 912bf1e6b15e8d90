// Package bus carries domain signals between components. Delivery is at-least-once:
// a handler error leaves the message for redelivery until MaxDeliveries is reached,
// after which it is dead-lettered.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/agaro/votecore/src/metrics"
)

// ErrClosed is returned by Publish after Stop.
var ErrClosed = errors.New("bus: closed")

// Message is one delivered signal.
type Message struct {
	ID      string
	Topic   string
	Key     string
	Payload []byte
	// Delivery is 1 on first delivery and grows with each redelivery.
	Delivery    int
	PublishedAt time.Time
}

// Handler processes a message. A non-nil error requests redelivery.
type Handler func(ctx context.Context, msg Message) error

// DeadLetterFunc is told about messages that exhausted their deliveries.
type DeadLetterFunc func(ctx context.Context, msg Message, lastErr error)

// Publisher is the publishing half of a Bus.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Bus publishes signals and fans them out to subscriber groups. Each group receives
// every message on its topic once (modulo redelivery).
type Bus interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
	Subscribe(topic, group string, h Handler) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Options tune delivery for both implementations.
type Options struct {
	MaxDeliveries  int
	RedeliverAfter time.Duration
	Concurrency    int
	OnDeadLetter   DeadLetterFunc
	Metrics        *metrics.Collector
	Logger         zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 5
	}
	if o.RedeliverAfter <= 0 {
		o.RedeliverAfter = 5 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 16
	}
	return o
}

func (o Options) deadLetter(ctx context.Context, group string, msg Message, err error) {
	o.Logger.Error().
		Err(err).
		Str("topic", msg.Topic).
		Str("group", group).
		Str("key", msg.Key).
		Str("message_id", msg.ID).
		Int("deliveries", msg.Delivery).
		Msg("signal dead-lettered")
	o.Metrics.DeadLetter(msg.Topic)
	if o.OnDeadLetter != nil {
		o.OnDeadLetter(ctx, msg, err)
	}
}
