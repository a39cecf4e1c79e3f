package eventbus

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/eventflow/internal/infra/telemetry"
)

const meterName = "eventflow"

type busMetrics struct {
	eventsPublished   metric.Int64Counter
	eventsDropped     metric.Int64Counter
	publishSuspended  metric.Int64Counter
	subscriberGauge   metric.Int64UpDownCounter
	topicGauge        metric.Int64UpDownCounter
	deliveryErrors    metric.Int64Counter
	fanoutHistogram   metric.Int64Histogram
	publishDuration   metric.Float64Histogram
	subscriptionGauge metric.Int64UpDownCounter
}

func newBusMetrics(mp metric.MeterProvider) *busMetrics {
	meter := mp.Meter(meterName)
	m := new(busMetrics)
	m.eventsPublished, _ = meter.Int64Counter("eventflow.events.published",
		metric.WithDescription("Number of events accepted into a channel buffer"),
		metric.WithUnit("{event}"))
	m.eventsDropped, _ = meter.Int64Counter("eventflow.events.dropped",
		metric.WithDescription("Number of events dropped or evicted by a channel"),
		metric.WithUnit("{event}"))
	m.publishSuspended, _ = meter.Int64Counter("eventflow.publish.suspended",
		metric.WithDescription("Number of times a publisher blocked on a full Suspend channel"),
		metric.WithUnit("{wait}"))
	m.subscriberGauge, _ = meter.Int64UpDownCounter("eventflow.subscribers",
		metric.WithDescription("Number of attached subscribers"),
		metric.WithUnit("{subscriber}"))
	m.topicGauge, _ = meter.Int64UpDownCounter("eventflow.topics",
		metric.WithDescription("Number of registered topics"),
		metric.WithUnit("{topic}"))
	m.deliveryErrors, _ = meter.Int64Counter("eventflow.delivery.errors",
		metric.WithDescription("Number of errors routed to subscriber error handlers"),
		metric.WithUnit("{error}"))
	m.fanoutHistogram, _ = meter.Int64Histogram("eventflow.fanout.size",
		metric.WithDescription("Number of channels matched per recursive publish"),
		metric.WithUnit("{channel}"))
	m.publishDuration, _ = meter.Float64Histogram("eventflow.publish.duration",
		metric.WithDescription("Latency of dispatcher publish operations"),
		metric.WithUnit("ms"))
	m.subscriptionGauge, _ = meter.Int64UpDownCounter("eventflow.subscriptions.active",
		metric.WithDescription("Number of running subscription delivery loops"),
		metric.WithUnit("{subscription}"))
	return m
}

func (m *busMetrics) recordOutcome(ctx context.Context, topic string, outcome Outcome) {
	if m == nil {
		return
	}
	env := telemetry.Environment()
	switch outcome {
	case Delivered:
		if m.eventsPublished != nil {
			m.eventsPublished.Add(ctx, 1, metric.WithAttributes(telemetry.TopicAttributes(env, topic)...))
		}
	case EvictedOldest:
		if m.eventsPublished != nil {
			m.eventsPublished.Add(ctx, 1, metric.WithAttributes(telemetry.TopicAttributes(env, topic)...))
		}
		if m.eventsDropped != nil {
			m.eventsDropped.Add(ctx, 1, metric.WithAttributes(telemetry.DropAttributes(env, topic, outcome.String())...))
		}
	default:
		if m.eventsDropped != nil {
			m.eventsDropped.Add(ctx, 1, metric.WithAttributes(telemetry.DropAttributes(env, topic, outcome.String())...))
		}
	}
}

func (m *busMetrics) recordSuspended(ctx context.Context, topic string) {
	if m == nil || m.publishSuspended == nil {
		return
	}
	m.publishSuspended.Add(ctx, 1, metric.WithAttributes(telemetry.TopicAttributes(telemetry.Environment(), topic)...))
}

func (m *busMetrics) addSubscribers(topic string, delta int64) {
	if m == nil || m.subscriberGauge == nil || delta == 0 {
		return
	}
	m.subscriberGauge.Add(context.Background(), delta, metric.WithAttributes(telemetry.TopicAttributes(telemetry.Environment(), topic)...))
}

func (m *busMetrics) addTopics(delta int64) {
	if m == nil || m.topicGauge == nil {
		return
	}
	m.topicGauge.Add(context.Background(), delta, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
}

func (m *busMetrics) addSubscriptions(topic string, delta int64) {
	if m == nil || m.subscriptionGauge == nil {
		return
	}
	m.subscriptionGauge.Add(context.Background(), delta, metric.WithAttributes(telemetry.TopicAttributes(telemetry.Environment(), topic)...))
}

func (m *busMetrics) recordDeliveryError(ctx context.Context, topic, errorType string) {
	if m == nil || m.deliveryErrors == nil {
		return
	}
	m.deliveryErrors.Add(ctx, 1, metric.WithAttributes(telemetry.ErrorAttributes(telemetry.Environment(), topic, errorType)...))
}

func (m *busMetrics) recordFanout(ctx context.Context, topic string, n int) {
	if m == nil || m.fanoutHistogram == nil {
		return
	}
	m.fanoutHistogram.Record(ctx, int64(n), metric.WithAttributes(telemetry.TopicAttributes(telemetry.Environment(), topic)...))
}

func (m *busMetrics) recordPublish(ctx context.Context, start time.Time, recursive bool, result string) {
	if m == nil || m.publishDuration == nil {
		return
	}
	attrs := telemetry.OperationResultAttributes(telemetry.Environment(), "eventflow.publish", result)
	attrs = append(attrs, telemetry.AttrRecursive.Bool(recursive))
	elapsed := float64(time.Since(start).Microseconds()) / 1000
	m.publishDuration.Record(ctx, elapsed, metric.WithAttributes(attrs...))
}
