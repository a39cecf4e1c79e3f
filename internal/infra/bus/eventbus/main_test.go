package eventbus

import (
	"io"
	"log"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	base := []Option{
		WithLogger(log.New(io.Discard, "", 0)),
		WithMeterProvider(noop.NewMeterProvider()),
	}
	return NewRegistry(append(base, opts...)...)
}

func channelConfig(capacity int, policy OverflowPolicy, valve bool) ChannelConfig {
	return ChannelConfig{BufferCapacity: capacity, Overflow: policy, ValveEnabled: valve}
}

func payloads(events []Event) []any {
	out := make([]any, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.Payload)
	}
	return out
}
