package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	concpool "github.com/sourcegraph/conc/pool"

	"github.com/coachpo/eventflow/errs"
	"github.com/coachpo/eventflow/internal/domain/topic"
)

// Dispatcher routes published payloads to the channel registered for a topic, or to
// every channel under it when publishing recursively.
type Dispatcher struct {
	registry *Registry
	workers  int
}

// NewDispatcher constructs a dispatcher over registry.
func NewDispatcher(registry *Registry, opts ...Option) *Dispatcher {
	s := newSettings(opts)
	return &Dispatcher{registry: registry, workers: s.fanoutWorkers}
}

// Publish forwards payload to the channel registered under name, or with recursive
// set to every channel whose topic has name as prefix. Absent topics and channels
// without subscribers are silently skipped.
func (d *Dispatcher) Publish(ctx context.Context, name string, payload any, recursive bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !topic.Valid(name) {
		return errs.InvalidTopic("dispatcher/publish", name)
	}
	if payload == nil {
		return errs.New("dispatcher/publish", errs.CodeInvalid, errs.WithTopic(name), errs.WithMessage("payload required"))
	}

	start := time.Now()
	result := "success"
	defer func() {
		d.registry.metrics.recordPublish(ctx, start, recursive, result)
	}()

	evt := Event{Topic: name, Origin: name, Payload: payload, PublishedAt: start}

	if !recursive {
		ch, ok := d.registry.Lookup(name)
		if !ok {
			result = "no_topic"
			return nil
		}
		if !ch.HasSubscribers() {
			result = DroppedNoSubscribers.String()
			return nil
		}
		outcome, err := ch.Publish(ctx, evt)
		result = outcome.String()
		if err != nil {
			result = "cancelled"
			return fmt.Errorf("dispatcher/publish %s: %w", name, err)
		}
		return nil
	}

	targets := d.registry.Match(name)
	d.registry.metrics.recordFanout(ctx, name, len(targets))
	if len(targets) == 0 {
		result = "no_topic"
		return nil
	}
	if err := d.fanout(ctx, targets, evt); err != nil {
		result = "cancelled"
		return fmt.Errorf("dispatcher/publish %s: %w", name, err)
	}
	return nil
}

// fanout delivers evt to each target independently. Non-blocking channels share a
// bounded pool; each Suspend channel gets its own goroutine so one full buffer cannot
// hold back delivery to the others.
func (d *Dispatcher) fanout(ctx context.Context, targets []*Channel, evt Event) error {
	workers := d.workers
	if workers <= 0 {
		workers = 1
	}
	p := concpool.New().WithMaxGoroutines(workers).WithErrors()

	var (
		blocking conc.WaitGroup
		mu       sync.Mutex
		failures []error
	)

	for _, target := range targets {
		ch := target
		if !ch.HasSubscribers() {
			continue
		}
		evt := evt
		evt.Topic = ch.Topic()
		if ch.Config().Overflow == Suspend {
			blocking.Go(func() {
				if _, err := ch.Publish(ctx, evt); err != nil {
					mu.Lock()
					failures = append(failures, err)
					mu.Unlock()
				}
			})
			continue
		}
		p.Go(func() error {
			_, err := ch.Publish(ctx, evt)
			return err
		})
	}

	poolErr := p.Wait()
	blocking.Wait()
	if poolErr != nil {
		failures = append(failures, poolErr)
	}
	return errors.Join(failures...)
}
