package eventbus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/coachpo/eventflow/errs"
)

// Token identifies one attachment to a channel.
type Token string

type cursor struct {
	next uint64
}

// Channel is the per-topic multicast buffer. All attached subscribers read the same
// sequence from one shared ring; an event is released once every cursor has passed it.
type Channel struct {
	topic   string
	cfg     ChannelConfig
	logger  *log.Logger
	metrics *busMetrics
	onStop  func(*Channel)

	overflowLog rate.Sometimes

	mu       sync.Mutex
	ring     []Event
	start    int
	count    int
	head     uint64 // sequence number of ring[start]
	cursors  map[Token]*cursor
	readable chan struct{}
	readWait bool
	writable chan struct{}
	pubWait  bool

	subscribers atomic.Int64
	valveOpen   atomic.Bool
	stopped     atomic.Bool
	done        chan struct{}
	stopOnce    sync.Once
}

func newChannel(name string, cfg ChannelConfig, logger *log.Logger, metrics *busMetrics, onStop func(*Channel)) *Channel {
	ch := &Channel{
		topic:       name,
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		onStop:      onStop,
		overflowLog: rate.Sometimes{First: 1, Interval: 5 * time.Second},
		cursors:     make(map[Token]*cursor),
		readable:    make(chan struct{}),
		writable:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	ch.valveOpen.Store(true)
	return ch
}

// Topic returns the topic the channel is registered under.
func (c *Channel) Topic() string {
	return c.topic
}

// Config returns the immutable configuration the channel was created with.
func (c *Channel) Config() ChannelConfig {
	return c.cfg
}

// Publish appends evt for every attached subscriber, applying the overflow policy when full.
// It is a no-op when the channel is stopped, the valve is closed or nobody is attached.
// Under Suspend it blocks until space frees up, the channel stops or ctx is done.
func (c *Channel) Publish(ctx context.Context, evt Event) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	outcome, err := c.publish(ctx, evt)
	c.metrics.recordOutcome(ctx, c.topic, outcome)
	return outcome, err
}

func (c *Channel) publish(ctx context.Context, evt Event) (Outcome, error) {
	if c.stopped.Load() {
		return DroppedStopped, nil
	}
	if c.cfg.ValveEnabled && !c.valveOpen.Load() {
		return DroppedValve, nil
	}

	c.mu.Lock()
	for {
		if c.stopped.Load() {
			c.mu.Unlock()
			return DroppedStopped, nil
		}
		if len(c.cursors) == 0 {
			c.mu.Unlock()
			return DroppedNoSubscribers, nil
		}
		if c.count < c.cfg.BufferCapacity {
			break
		}

		switch c.cfg.Overflow {
		case DropLatest:
			c.mu.Unlock()
			c.logOverflow("dropped latest event")
			return DroppedOverflow, nil
		case DropOldest:
			c.evictLocked()
			c.pushLocked(evt)
			c.mu.Unlock()
			c.logOverflow("evicted oldest event")
			return EvictedOldest, nil
		default:
			c.pubWait = true
			wait := c.writable
			c.mu.Unlock()
			c.metrics.recordSuspended(ctx, c.topic)
			select {
			case <-wait:
			case <-c.done:
				return DroppedStopped, nil
			case <-ctx.Done():
				return DroppedOverflow, ctx.Err()
			}
			c.mu.Lock()
		}
	}
	c.pushLocked(evt)
	c.mu.Unlock()
	return Delivered, nil
}

// Next blocks until the subscriber identified by tok has an unread event.
// It fails with CodeChannelStopped once the channel stops, CodeNotFound if tok is
// not attached, or ctx.Err() when ctx is done.
func (c *Channel) Next(ctx context.Context, tok Token) (Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		c.mu.Lock()
		cur, ok := c.cursors[tok]
		if !ok {
			c.mu.Unlock()
			if c.stopped.Load() {
				return Event{}, c.stoppedErr("eventbus/next")
			}
			return Event{}, errs.New("eventbus/next", errs.CodeNotFound,
				errs.WithTopic(c.topic), errs.WithMessage("subscriber not attached"))
		}
		if cur.next < c.head {
			cur.next = c.head
		}
		if cur.next < c.head+uint64(c.count) {
			evt := c.ring[(c.start+int(cur.next-c.head))%len(c.ring)]
			cur.next++
			c.releaseLocked()
			c.mu.Unlock()
			return evt, nil
		}
		c.readWait = true
		wait := c.readable
		c.mu.Unlock()

		select {
		case <-wait:
		case <-c.done:
			return Event{}, c.stoppedErr("eventbus/next")
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Attach registers a new subscriber positioned at the current tail, so it never
// observes events published before it attached.
func (c *Channel) Attach() (Token, error) {
	c.mu.Lock()
	if c.stopped.Load() {
		c.mu.Unlock()
		return "", c.stoppedErr("eventbus/attach")
	}
	tok := Token(uuid.NewString())
	c.cursors[tok] = &cursor{next: c.head + uint64(c.count)}
	c.subscribers.Add(1)
	c.mu.Unlock()

	c.metrics.addSubscribers(c.topic, 1)
	return tok, nil
}

// Detach removes the subscriber. Unknown tokens are ignored.
func (c *Channel) Detach(tok Token) {
	c.mu.Lock()
	if _, ok := c.cursors[tok]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.cursors, tok)
	c.subscribers.Add(-1)
	if len(c.cursors) == 0 {
		c.resetLocked()
	} else {
		c.releaseLocked()
	}
	c.mu.Unlock()

	c.metrics.addSubscribers(c.topic, -1)
}

// SwitchValve opens or closes the valve. It reports false when the channel was
// created without a valve.
func (c *Channel) SwitchValve(open bool) bool {
	if !c.cfg.ValveEnabled {
		return false
	}
	c.valveOpen.Store(open)
	return true
}

// ValveOpen reports the current valve state. Channels without a valve are always open.
func (c *Channel) ValveOpen() bool {
	return !c.cfg.ValveEnabled || c.valveOpen.Load()
}

// Stop completes every attached subscriber, wakes blocked publishers and releases
// the buffer. Stop is idempotent.
func (c *Channel) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped.Store(true)
		detached := int64(len(c.cursors))
		c.cursors = make(map[Token]*cursor)
		c.subscribers.Store(0)
		c.ring = nil
		c.start = 0
		c.count = 0
		c.mu.Unlock()

		close(c.done)
		c.metrics.addSubscribers(c.topic, -detached)
		if c.onStop != nil {
			c.onStop(c)
		}
	})
}

// IsStopped reports whether Stop has run.
func (c *Channel) IsStopped() bool {
	return c.stopped.Load()
}

// Done is closed when the channel stops.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// SubscriberCount returns the number of attached subscribers.
func (c *Channel) SubscriberCount() int {
	return int(c.subscribers.Load())
}

// HasSubscribers reports whether at least one subscriber is attached.
func (c *Channel) HasSubscribers() bool {
	return c.subscribers.Load() > 0
}

// Buffered returns the number of events not yet read by the slowest subscriber.
func (c *Channel) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Pending returns a copy of the buffered events, oldest first.
func (c *Channel) Pending() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, 0, c.count)
	for i := 0; i < c.count; i++ {
		out = append(out, c.ring[(c.start+i)%len(c.ring)])
	}
	return out
}

// Info returns a point-in-time dump of the channel.
func (c *Channel) Info() ChannelInfo {
	return ChannelInfo{
		Topic:       c.topic,
		Config:      c.cfg,
		Subscribers: c.SubscriberCount(),
		Buffered:    c.Buffered(),
		ValveOpen:   c.ValveOpen(),
	}
}

func (c *Channel) pushLocked(evt Event) {
	if c.ring == nil {
		c.ring = make([]Event, c.cfg.BufferCapacity)
	}
	c.ring[(c.start+c.count)%len(c.ring)] = evt
	c.count++
	if c.readWait {
		c.readWait = false
		close(c.readable)
		c.readable = make(chan struct{})
	}
}

func (c *Channel) evictLocked() {
	if c.count == 0 {
		return
	}
	c.ring[c.start] = Event{}
	c.start = (c.start + 1) % len(c.ring)
	c.count--
	c.head++
}

// releaseLocked drops every event all cursors have already read.
func (c *Channel) releaseLocked() {
	if c.count == 0 {
		return
	}
	low := c.head + uint64(c.count)
	for _, cur := range c.cursors {
		if cur.next < low {
			low = cur.next
		}
	}
	if low <= c.head {
		return
	}
	n := int(low - c.head)
	for i := 0; i < n; i++ {
		c.ring[c.start] = Event{}
		c.start = (c.start + 1) % len(c.ring)
	}
	c.count -= n
	c.head = low
	c.wakePublishersLocked()
}

func (c *Channel) resetLocked() {
	c.head += uint64(c.count)
	c.ring = nil
	c.start = 0
	c.count = 0
	c.wakePublishersLocked()
}

func (c *Channel) wakePublishersLocked() {
	if !c.pubWait {
		return
	}
	c.pubWait = false
	close(c.writable)
	c.writable = make(chan struct{})
}

func (c *Channel) logOverflow(action string) {
	c.overflowLog.Do(func() {
		c.logger.Printf("channel %s buffer full (capacity=%d policy=%s); %s",
			c.topic, c.cfg.BufferCapacity, c.cfg.Overflow, action)
	})
}

func (c *Channel) stoppedErr(op string) error {
	return errs.New(op, errs.CodeChannelStopped, errs.WithTopic(c.topic), errs.WithMessage("channel stopped"))
}
