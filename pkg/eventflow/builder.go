package eventflow

import (
	"reflect"

	"github.com/coachpo/eventflow/errs"
	"github.com/coachpo/eventflow/internal/infra/bus/eventbus"
)

// Builder assembles a topic and its channel configuration before registering it.
type Builder struct {
	flow  *EventFlow
	topic string
	cfg   ChannelConfig
}

// NewBuilder starts a builder with the default channel configuration.
func (f *EventFlow) NewBuilder() *Builder {
	return &Builder{flow: f, cfg: DefaultChannelConfig()}
}

// SetTopic sets the topic to register.
func (b *Builder) SetTopic(name string) *Builder {
	b.topic = name
	return b
}

// SetTopicFor sets the topic derived from typ.
func (b *Builder) SetTopicFor(typ reflect.Type) *Builder {
	b.topic = string(b.flow.TopicFor(typ))
	return b
}

// WithBackpressure selects the overflow policy.
func (b *Builder) WithBackpressure(policy OverflowPolicy) *Builder {
	b.cfg.Overflow = policy
	return b
}

// WithValve enables the runtime valve.
func (b *Builder) WithValve() *Builder {
	b.cfg.ValveEnabled = true
	return b
}

// SetBufferSize sets the buffer capacity. Values outside [1, 1024] keep the current capacity.
func (b *Builder) SetBufferSize(size int) *Builder {
	if size >= 1 && size <= eventbus.MaxBufferCapacity {
		b.cfg.BufferCapacity = size
	}
	return b
}

// Config returns the configuration built so far.
func (b *Builder) Config() ChannelConfig {
	return b.cfg
}

// Build registers the topic, or returns the existing channel unchanged.
func (b *Builder) Build() (*Channel, error) {
	if _, err := b.flow.acquire("eventflow/build"); err != nil {
		return nil, err
	}
	if b.topic == "" {
		return nil, errs.New("eventflow/build", errs.CodeInvalidTopic, errs.WithMessage("topic not set"))
	}
	return b.flow.RegisterOrGet(b.topic, b.cfg)
}
