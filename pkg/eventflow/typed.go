package eventflow

import (
	"context"
	"reflect"

	"github.com/coachpo/eventflow/internal/infra/bus/eventbus"
)

// Subscribe attaches onNext to name, creating the topic with default configuration
// unless WithChannelConfig says otherwise. Payloads that are not a T reach onError
// with CodeTypeMismatch and are skipped.
func Subscribe[T any](ctx context.Context, f *EventFlow, name string, onNext func(T), onError func(error), opts ...SubscribeOption) (*Subscription, error) {
	c, err := f.acquire("eventflow/subscribe")
	if err != nil {
		return nil, err
	}
	return eventbus.Subscribe[T](ctx, c.subs, name, onNext, onError, opts...)
}

// SubscribeDefault attaches onNext to DefaultTopic.
func SubscribeDefault[T any](ctx context.Context, f *EventFlow, onNext func(T), onError func(error), opts ...SubscribeOption) (*Subscription, error) {
	return Subscribe[T](ctx, f, string(DefaultTopic), onNext, onError, opts...)
}

// SubscribeFor attaches onNext to the topic derived from T.
func SubscribeFor[T any](ctx context.Context, f *EventFlow, onNext func(T), onError func(error), opts ...SubscribeOption) (*Subscription, error) {
	return Subscribe[T](ctx, f, string(TopicOf[T](f)), onNext, onError, opts...)
}

// PublishFor delivers payload to the topic derived from T.
func PublishFor[T any](ctx context.Context, f *EventFlow, payload T, recursive bool) error {
	return f.Publish(ctx, string(TopicOf[T](f)), payload, recursive)
}

// RemoveFor removes the topic derived from T and every topic under it.
func RemoveFor[T any](f *EventFlow) (int, error) {
	return f.Remove(string(TopicOf[T](f)))
}

// TopicOf returns the topic f derives from T.
func TopicOf[T any](f *EventFlow) Topic {
	return f.TopicFor(reflect.TypeFor[T]())
}
