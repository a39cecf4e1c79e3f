// Package eventflow is the public entry point of the in-process hierarchical event bus.
//
// An EventFlow must be initialised before use and can be shut down and initialised
// again. Topics are slash-delimited paths; a recursive publish reaches every topic
// the publish topic is a literal string prefix of.
package eventflow

import (
	"context"
	"fmt"
	"log"
	"os"
	"reflect"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/eventflow/errs"
	"github.com/coachpo/eventflow/internal/domain/topic"
	"github.com/coachpo/eventflow/internal/infra/bus/eventbus"
)

type (
	// Topic is a slash-delimited topic path.
	Topic = topic.Topic
	// Namer derives a topic from a Go type.
	Namer = topic.Namer
	// ChannelConfig fixes buffering behaviour of a topic at creation.
	ChannelConfig = eventbus.ChannelConfig
	// OverflowPolicy selects what happens when a topic buffer is full.
	OverflowPolicy = eventbus.OverflowPolicy
	// Channel is the delivery channel registered for one topic.
	Channel = eventbus.Channel
	// ChannelInfo is a point-in-time dump of one topic.
	ChannelInfo = eventbus.ChannelInfo
	// Subscription is a live attachment of a consumer to a topic.
	Subscription = eventbus.Subscription
	// SubscribeOption customises a subscription.
	SubscribeOption = eventbus.SubscribeOption
)

const (
	// DropOldest evicts the oldest pending event when full.
	DropOldest = eventbus.DropOldest
	// DropLatest discards the incoming event when full.
	DropLatest = eventbus.DropLatest
	// Suspend blocks publishers until space frees up.
	Suspend = eventbus.Suspend

	// DefaultTopic is the reserved topic addressed by the default-topic forms.
	DefaultTopic = topic.Default

	loggerPrefix = "eventflow "
)

var (
	// DefaultChannelConfig returns capacity 64, DropOldest, valve disabled.
	DefaultChannelConfig = eventbus.DefaultChannelConfig
	// WithChannelConfig sets the configuration used if a subscription creates its topic.
	WithChannelConfig = eventbus.WithChannelConfig
	// WithOnComplete registers a callback run once when the subscribed topic is removed.
	WithOnComplete = eventbus.WithOnComplete
)

// Option configures an EventFlow.
type Option func(*EventFlow)

// WithLogger routes bus logs to logger.
func WithLogger(logger *log.Logger) Option {
	return func(f *EventFlow) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithMeterProvider records bus metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(f *EventFlow) {
		f.busOpts = append(f.busOpts, eventbus.WithMeterProvider(mp))
	}
}

// WithNamer replaces the function deriving topics from Go types.
func WithNamer(namer Namer) Option {
	return func(f *EventFlow) {
		if namer != nil {
			f.namer = namer
		}
	}
}

// WithSegmentMatching makes recursive publish and removal match whole path segments only.
func WithSegmentMatching() Option {
	return func(f *EventFlow) {
		f.busOpts = append(f.busOpts, eventbus.WithSegmentMatching())
	}
}

// WithFanoutWorkers bounds concurrent channel deliveries during a recursive publish.
func WithFanoutWorkers(n int) Option {
	return func(f *EventFlow) {
		f.busOpts = append(f.busOpts, eventbus.WithFanoutWorkers(n))
	}
}

type core struct {
	registry   *eventbus.Registry
	dispatcher *eventbus.Dispatcher
	subs       *eventbus.SubscriptionManager
}

// EventFlow is an explicit bus instance.
type EventFlow struct {
	logger  *log.Logger
	busOpts []eventbus.Option
	namer   Namer

	lifecycle sync.Mutex
	core      atomic.Pointer[core]
}

// New constructs an uninitialised bus.
func New(opts ...Option) *EventFlow {
	f := &EventFlow{
		logger: log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds),
		namer:  topic.ClassName,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Initialize prepares the bus for use. Calling it on an initialised bus is a no-op.
func (f *EventFlow) Initialize() error {
	f.lifecycle.Lock()
	defer f.lifecycle.Unlock()

	if f.core.Load() != nil {
		return nil
	}
	opts := append([]eventbus.Option{eventbus.WithLogger(f.logger)}, f.busOpts...)
	registry := eventbus.NewRegistry(opts...)
	c := &core{
		registry:   registry,
		dispatcher: eventbus.NewDispatcher(registry, opts...),
		subs:       eventbus.NewSubscriptionManager(registry),
	}
	f.core.Store(c)
	f.logger.Printf("initialized")
	return nil
}

// Initialized reports whether the bus accepts operations.
func (f *EventFlow) Initialized() bool {
	return f.core.Load() != nil
}

// Shutdown removes every topic, completing all subscribers, and waits for their
// delivery loops to exit or ctx to end. The bus returns to the uninitialised state.
func (f *EventFlow) Shutdown(ctx context.Context) error {
	f.lifecycle.Lock()
	defer f.lifecycle.Unlock()

	c := f.core.Swap(nil)
	if c == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	removed := c.registry.Close()
	c.subs.CancelAll()
	err := c.subs.Wait(ctx)
	c.registry.Close()
	f.logger.Printf("shutdown: removed %d topics", removed)
	if err != nil {
		return fmt.Errorf("eventflow shutdown: %w", err)
	}
	return nil
}

func (f *EventFlow) acquire(op string) (*core, error) {
	c := f.core.Load()
	if c == nil {
		return nil, errs.NotInitialized(op)
	}
	return c, nil
}

// TopicFor returns the topic the configured namer derives from typ.
func (f *EventFlow) TopicFor(typ reflect.Type) Topic {
	return f.namer(typ)
}

// RegisterOrGet returns the topic's channel, creating it with cfg if absent.
func (f *EventFlow) RegisterOrGet(name string, cfg ChannelConfig) (*Channel, error) {
	c, err := f.acquire("eventflow/register")
	if err != nil {
		return nil, err
	}
	return c.registry.RegisterOrGet(name, cfg)
}

// Lookup returns the channel registered under name.
func (f *EventFlow) Lookup(name string) (*Channel, error) {
	c, err := f.acquire("eventflow/lookup")
	if err != nil {
		return nil, err
	}
	ch, ok := c.registry.Lookup(name)
	if !ok {
		return nil, errs.New("eventflow/lookup", errs.CodeNotFound, errs.WithTopic(name), errs.WithMessage("topic not registered"))
	}
	return ch, nil
}

// Publish delivers payload to name, or with recursive to every topic under name.
// Publishing to an absent topic or one without subscribers succeeds without effect.
func (f *EventFlow) Publish(ctx context.Context, name string, payload any, recursive bool) error {
	c, err := f.acquire("eventflow/publish")
	if err != nil {
		return err
	}
	return c.dispatcher.Publish(ctx, name, payload, recursive)
}

// PublishDefault delivers payload to DefaultTopic.
func (f *EventFlow) PublishDefault(ctx context.Context, payload any) error {
	return f.Publish(ctx, string(topic.Resolve("")), payload, false)
}

// Remove stops and unregisters name and every topic under it, returning how many were removed.
func (f *EventFlow) Remove(name string) (int, error) {
	c, err := f.acquire("eventflow/remove")
	if err != nil {
		return 0, err
	}
	if !topic.Valid(name) {
		return 0, errs.InvalidTopic("eventflow/remove", name)
	}
	n := c.registry.RemovePrefix(name)
	if n > 0 {
		f.logger.Printf("removed %d topics under %s", n, name)
	}
	return n, nil
}

// SwitchValve opens or closes the valve of name. It reports false when the topic is
// absent or was created without a valve.
func (f *EventFlow) SwitchValve(name string, open bool) (bool, error) {
	c, err := f.acquire("eventflow/valve")
	if err != nil {
		return false, err
	}
	if !topic.Valid(name) {
		return false, errs.InvalidTopic("eventflow/valve", name)
	}
	ch, ok := c.registry.Lookup(name)
	if !ok {
		return false, nil
	}
	return ch.SwitchValve(open), nil
}

// SubscriberCount returns the number of subscribers attached to name.
func (f *EventFlow) SubscriberCount(name string) (int, error) {
	c, err := f.acquire("eventflow/subscribers")
	if err != nil {
		return 0, err
	}
	ch, ok := c.registry.Lookup(name)
	if !ok {
		return 0, nil
	}
	return ch.SubscriberCount(), nil
}

// Topics returns the registered topics in sorted order.
func (f *EventFlow) Topics() ([]string, error) {
	c, err := f.acquire("eventflow/topics")
	if err != nil {
		return nil, err
	}
	return c.registry.Topics(), nil
}

// Infos dumps every registered topic.
func (f *EventFlow) Infos() ([]ChannelInfo, error) {
	c, err := f.acquire("eventflow/infos")
	if err != nil {
		return nil, err
	}
	return c.registry.Infos(), nil
}
