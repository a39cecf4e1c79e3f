package eventbus

import (
	"context"
	"fmt"
	"log"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/coachpo/eventflow/errs"
)

// SubscribeOption customises a single subscription.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	channel    ChannelConfig
	onComplete func()
}

// WithChannelConfig sets the configuration used if the subscription has to create its topic.
func WithChannelConfig(cfg ChannelConfig) SubscribeOption {
	return func(c *subscribeConfig) {
		c.channel = cfg
	}
}

// WithOnComplete registers a callback invoked once when the channel stops under the subscription.
// Caller-driven cancellation does not invoke it.
func WithOnComplete(fn func()) SubscribeOption {
	return func(c *subscribeConfig) {
		c.onComplete = fn
	}
}

// Subscription is a live attachment of one consumer to one channel.
type Subscription struct {
	id        string
	topic     string
	cancel    context.CancelFunc
	ch        *Channel
	tok       Token
	done      chan struct{}
	completed atomic.Bool
}

// ID returns the attachment token.
func (s *Subscription) ID() string {
	return s.id
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// Cancel detaches the subscription and interrupts a blocked wait. Undelivered events
// are abandoned. The subscriber stops counting immediately, even while a handler is
// still running. Cancel is idempotent and does not wait for the loop to exit.
func (s *Subscription) Cancel() {
	s.cancel()
	if s.ch != nil {
		s.ch.Detach(s.tok)
	}
}

// Done is closed after the delivery loop has exited and the subscription is detached.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Completed reports whether the subscription ended because its channel stopped.
func (s *Subscription) Completed() bool {
	return s.completed.Load()
}

// SubscriptionManager runs one delivery loop per subscription.
type SubscriptionManager struct {
	registry *Registry
	logger   *log.Logger
	metrics  *busMetrics

	loops  conc.WaitGroup
	mu     sync.Mutex
	active map[*Subscription]struct{}
}

// NewSubscriptionManager constructs a manager attaching subscribers to channels of registry.
func NewSubscriptionManager(registry *Registry) *SubscriptionManager {
	return &SubscriptionManager{
		registry: registry,
		logger:   registry.logger,
		metrics:  registry.metrics,
		active:   make(map[*Subscription]struct{}),
	}
}

// Subscribe attaches onNext to name, registering the topic first if needed. Payloads
// that are not a T are reported to onError as CodeTypeMismatch and skipped. A panic in
// onNext is reported as CodeHandlerPanic. Neither ends the subscription.
func Subscribe[T any](ctx context.Context, m *SubscriptionManager, name string, onNext func(T), onError func(error), opts ...SubscribeOption) (*Subscription, error) {
	if onNext == nil {
		return nil, errs.New("subscription/subscribe", errs.CodeInvalid, errs.WithTopic(name), errs.WithMessage("onNext handler required"))
	}
	want := reflect.TypeFor[T]().String()
	deliver := func(evt Event) error {
		value, ok := evt.Payload.(T)
		if !ok {
			return errs.New("subscription/deliver", errs.CodeTypeMismatch,
				errs.WithTopic(evt.Topic),
				errs.WithMessage(fmt.Sprintf("cannot deliver %s to %s subscriber", evt.TypeName(), want)),
				errs.WithField("want", want),
				errs.WithField("got", evt.TypeName()))
		}
		onNext(value)
		return nil
	}
	return m.subscribe(ctx, name, deliver, onError, opts)
}

func (m *SubscriptionManager) subscribe(ctx context.Context, name string, deliver func(Event) error, onError func(error), opts []SubscribeOption) (*Subscription, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := subscribeConfig{channel: DefaultChannelConfig()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	ch, err := m.registry.RegisterOrGet(name, cfg.channel)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{topic: name, cancel: cancel, done: make(chan struct{})}

	tok, err := ch.Attach()
	if err != nil {
		// Stopped between lookup and attach.
		cancel()
		sub.completed.Store(true)
		close(sub.done)
		m.complete(cfg.onComplete, name)
		return sub, nil
	}
	sub.id = string(tok)
	sub.ch, sub.tok = ch, tok

	m.mu.Lock()
	m.active[sub] = struct{}{}
	m.mu.Unlock()
	m.metrics.addSubscriptions(name, 1)

	m.loops.Go(func() {
		m.run(loopCtx, ch, tok, sub, deliver, onError, cfg.onComplete)
	})
	return sub, nil
}

func (m *SubscriptionManager) run(ctx context.Context, ch *Channel, tok Token, sub *Subscription, deliver func(Event) error, onError func(error), onComplete func()) {
	defer func() {
		ch.Detach(tok)
		m.mu.Lock()
		delete(m.active, sub)
		m.mu.Unlock()
		m.metrics.addSubscriptions(sub.topic, -1)
		close(sub.done)
	}()

	for {
		evt, err := ch.Next(ctx, tok)
		if err != nil {
			// A cancelled subscription has already been detached and never completes.
			if errs.IsCode(err, errs.CodeChannelStopped) && ctx.Err() == nil {
				sub.completed.Store(true)
				m.complete(onComplete, sub.topic)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		m.handle(ctx, evt, deliver, onError)
	}
}

func (m *SubscriptionManager) handle(ctx context.Context, evt Event, deliver func(Event) error, onError func(error)) {
	var (
		pc  panics.Catcher
		err error
	)
	pc.Try(func() { err = deliver(evt) })
	if recovered := pc.Recovered(); recovered != nil {
		err = errs.New("subscription/deliver", errs.CodeHandlerPanic,
			errs.WithTopic(evt.Topic), errs.WithCause(recovered.AsError()))
	}
	if err == nil {
		return
	}

	m.metrics.recordDeliveryError(ctx, evt.Topic, string(errs.CodeOf(err)))
	if onError == nil {
		return
	}
	var guard panics.Catcher
	guard.Try(func() { onError(err) })
	if recovered := guard.Recovered(); recovered != nil {
		m.logger.Printf("subscription %s: error handler panicked: %v", evt.Topic, recovered.Value)
	}
}

func (m *SubscriptionManager) complete(onComplete func(), name string) {
	if onComplete == nil {
		return
	}
	var pc panics.Catcher
	pc.Try(onComplete)
	if recovered := pc.Recovered(); recovered != nil {
		m.logger.Printf("subscription %s: completion handler panicked: %v", name, recovered.Value)
	}
}

// Active returns the number of running delivery loops.
func (m *SubscriptionManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// CancelAll cancels every running subscription.
func (m *SubscriptionManager) CancelAll() {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.active))
	for sub := range m.active {
		subs = append(subs, sub)
	}
	m.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}

// Wait blocks until every delivery loop has exited or ctx is done.
func (m *SubscriptionManager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for subscriptions: %w", ctx.Err())
	}
}
