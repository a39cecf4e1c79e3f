// Package watermillbus exposes EventFlow topics through watermill's Publisher and
// Subscriber interfaces so watermill routers and handlers can run on the in-process bus.
package watermillbus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// ErrClosed is returned by operations on a closed publisher or subscriber.
var ErrClosed = errors.New("watermillbus: closed")

// Bus is the publish surface the adapter needs.
type Bus interface {
	Publish(ctx context.Context, name string, payload any, recursive bool) error
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithRecursive publishes every message to all topics under the publish topic.
func WithRecursive() PublisherOption {
	return func(p *Publisher) {
		p.recursive = true
	}
}

// Publisher publishes watermill messages as EventFlow payloads.
type Publisher struct {
	bus       Bus
	logger    watermill.LoggerAdapter
	recursive bool
	closed    atomic.Bool
}

var _ message.Publisher = (*Publisher)(nil)

// NewPublisher wraps bus. A nil logger discards adapter logs.
func NewPublisher(bus Bus, logger watermill.LoggerAdapter, opts ...PublisherOption) *Publisher {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	p := &Publisher{bus: bus, logger: logger}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Publish delivers each message to topic in order, stopping at the first failure.
// The message context bounds a publish that suspends on a full Suspend topic.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	if p.closed.Load() {
		return ErrClosed
	}
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		if err := p.bus.Publish(msg.Context(), topic, msg, p.recursive); err != nil {
			return fmt.Errorf("publish %s to %s: %w", msg.UUID, topic, err)
		}
		p.logger.Trace("Message published", watermill.LogFields{
			"topic":        topic,
			"message_uuid": msg.UUID,
			"recursive":    p.recursive,
		})
	}
	return nil
}

// Close rejects further publishes.
func (p *Publisher) Close() error {
	p.closed.Store(true)
	return nil
}
