package watermillbus

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/eventflow/pkg/eventflow"
)

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	// Channel is used when a subscription creates its topic.
	Channel eventflow.ChannelConfig
}

// Subscriber streams EventFlow topics as watermill message channels.
//
// Each subscription receives its own copy of every message and gets the next one only
// after acking or nacking the current one. A nacked message is logged and dropped.
type Subscriber struct {
	flow   *eventflow.EventFlow
	config SubscriberConfig
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	closed  bool
	closing chan struct{}
	subs    map[*eventflow.Subscription]struct{}
	outputs conc.WaitGroup
}

var _ message.Subscriber = (*Subscriber)(nil)

// NewSubscriber creates a subscriber on flow. A zero Channel config means the bus default.
func NewSubscriber(flow *eventflow.EventFlow, config SubscriberConfig, logger watermill.LoggerAdapter) *Subscriber {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if config.Channel == (eventflow.ChannelConfig{}) {
		config.Channel = eventflow.DefaultChannelConfig()
	}
	return &Subscriber{
		flow:    flow,
		config:  config,
		logger:  logger,
		closing: make(chan struct{}),
		subs:    make(map[*eventflow.Subscription]struct{}),
	}
}

// Subscribe attaches to topic. The returned channel is closed when ctx ends, the topic
// is removed or the subscriber is closed.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	ch, err := s.flow.RegisterOrGet(topic, s.config.Channel)
	if err != nil {
		return nil, err
	}

	fields := watermill.LogFields{"topic": topic}
	out := make(chan *message.Message)
	deliver := func(msg *message.Message) {
		s.deliver(ctx, ch.Done(), out, msg, fields)
	}
	onError := func(err error) {
		s.logger.Error("Cannot deliver event", err, fields)
	}

	sub, err := eventflow.Subscribe[*message.Message](ctx, s.flow, topic, deliver, onError)
	if err != nil {
		return nil, err
	}
	s.subs[sub] = struct{}{}
	s.outputs.Go(func() {
		<-sub.Done()
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		close(out)
		s.logger.Debug("Subscription closed", fields)
	})
	s.logger.Debug("Subscribed", fields)
	return out, nil
}

func (s *Subscriber) deliver(ctx context.Context, stopped <-chan struct{}, out chan<- *message.Message, msg *message.Message, fields watermill.LogFields) {
	msgCopy := msg.Copy()
	msgCopy.SetContext(ctx)
	msgFields := fields.Add(watermill.LogFields{"message_uuid": msg.UUID})

	select {
	case out <- msgCopy:
	case <-ctx.Done():
		return
	case <-stopped:
		return
	case <-s.closing:
		return
	}

	select {
	case <-msgCopy.Acked():
		s.logger.Trace("Message acked", msgFields)
	case <-msgCopy.Nacked():
		s.logger.Info("Message nacked, dropping", msgFields)
	case <-ctx.Done():
	case <-stopped:
	case <-s.closing:
	}
}

// Close cancels every subscription and waits for their output channels to close.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closing)
	subs := s.subs
	s.subs = make(map[*eventflow.Subscription]struct{})
	s.mu.Unlock()

	for sub := range subs {
		sub.Cancel()
	}
	s.outputs.Wait()
	return nil
}

// Active returns the number of subscriptions whose output is still open.
func (s *Subscriber) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
