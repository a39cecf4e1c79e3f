// Package eventbus implements the in-process topic registry, per-topic delivery channels,
// dispatch and subscription delivery loops behind EventFlow.
package eventbus

import (
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/eventflow/errs"
)

const (
	// DefaultBufferCapacity is the pending-event capacity used when a channel is created without configuration.
	DefaultBufferCapacity = 64
	// MaxBufferCapacity is the largest accepted pending-event capacity.
	MaxBufferCapacity = 1024
	// DefaultFanoutWorkers bounds concurrent channel deliveries during a recursive publish.
	DefaultFanoutWorkers = 4
)

// OverflowPolicy selects what a channel does when its buffer is full.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest pending event to make room.
	DropOldest OverflowPolicy = iota
	// DropLatest discards the incoming event.
	DropLatest
	// Suspend blocks the publisher until space frees up or the channel stops.
	Suspend
)

// String renders the policy in its configuration form.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropLatest:
		return "drop_latest"
	case Suspend:
		return "suspend"
	default:
		return fmt.Sprintf("overflow(%d)", int(p))
	}
}

// ParseOverflowPolicy accepts the configuration spellings of a policy.
func ParseOverflowPolicy(text string) (OverflowPolicy, error) {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	switch normalized {
	case "", "drop_oldest", "dropoldest":
		return DropOldest, nil
	case "drop_latest", "droplatest":
		return DropLatest, nil
	case "suspend":
		return Suspend, nil
	default:
		return DropOldest, fmt.Errorf("unknown overflow policy %q", text)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p OverflowPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *OverflowPolicy) UnmarshalText(text []byte) error {
	parsed, err := ParseOverflowPolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ChannelConfig fixes the buffering behaviour of a channel at creation time.
type ChannelConfig struct {
	BufferCapacity int            `json:"bufferCapacity" yaml:"bufferCapacity"`
	Overflow       OverflowPolicy `json:"overflowPolicy" yaml:"overflowPolicy"`
	ValveEnabled   bool           `json:"valveEnabled" yaml:"valveEnabled"`
}

// DefaultChannelConfig returns capacity 64, DropOldest, valve disabled.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		BufferCapacity: DefaultBufferCapacity,
		Overflow:       DropOldest,
		ValveEnabled:   false,
	}
}

// Validate rejects capacities outside [1, MaxBufferCapacity] and unknown policies.
func (c ChannelConfig) Validate() error {
	if c.BufferCapacity < 1 || c.BufferCapacity > MaxBufferCapacity {
		return errs.New("eventbus/config", errs.CodeInvalidConfig,
			errs.WithMessage(fmt.Sprintf("bufferCapacity must be within [1, %d], got %d", MaxBufferCapacity, c.BufferCapacity)))
	}
	switch c.Overflow {
	case DropOldest, DropLatest, Suspend:
	default:
		return errs.New("eventbus/config", errs.CodeInvalidConfig,
			errs.WithMessage(fmt.Sprintf("unsupported overflow policy %s", c.Overflow)))
	}
	return nil
}

// Event is the tagged value carried through channel buffers.
// The dynamic type of Payload is the type tag checked against each subscriber.
type Event struct {
	// Topic is the channel the event was buffered on.
	Topic string
	// Origin is the topic the publisher addressed; it differs from Topic on recursive publish.
	Origin      string
	Payload     any
	PublishedAt time.Time
}

// TypeName renders the payload's dynamic type for diagnostics.
func (e Event) TypeName() string {
	if e.Payload == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%T", e.Payload)
}

// Outcome classifies what a channel did with a published event.
type Outcome int

const (
	// Delivered means the event was appended to the buffer.
	Delivered Outcome = iota
	// EvictedOldest means the event was appended after evicting the oldest pending one.
	EvictedOldest
	// DroppedOverflow means the buffer was full and the event was discarded.
	DroppedOverflow
	// DroppedNoSubscribers means nobody was attached.
	DroppedNoSubscribers
	// DroppedValve means the valve was enabled and closed.
	DroppedValve
	// DroppedStopped means the channel had stopped, possibly while the publisher was suspended.
	DroppedStopped
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case EvictedOldest:
		return "evicted_oldest"
	case DroppedOverflow:
		return "dropped_overflow"
	case DroppedNoSubscribers:
		return "no_subscribers"
	case DroppedValve:
		return "valve_closed"
	case DroppedStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Accepted reports whether the event entered the buffer.
func (o Outcome) Accepted() bool {
	return o == Delivered || o == EvictedOldest
}

// ChannelInfo is a point-in-time dump of one registered channel.
type ChannelInfo struct {
	Topic       string        `json:"topic"`
	Config      ChannelConfig `json:"config"`
	Subscribers int           `json:"subscribers"`
	Buffered    int           `json:"buffered"`
	ValveOpen   bool          `json:"valveOpen"`
}
