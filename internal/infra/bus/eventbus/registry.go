package eventbus

import (
	"log"
	"sort"
	"sync"

	"github.com/coachpo/eventflow/errs"
	"github.com/coachpo/eventflow/internal/domain/topic"
)

// Registry maps topic strings to live channels. Reads are lock-free; creation and
// prefix removal are serialised by a single mutex.
type Registry struct {
	logger  *log.Logger
	metrics *busMetrics
	matcher topic.Matcher

	mu       sync.Mutex
	closed   bool
	channels sync.Map // string -> *Channel
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...Option) *Registry {
	s := newSettings(opts)
	return &Registry{
		logger:  s.logger,
		metrics: newBusMetrics(s.meterProvider),
		matcher: s.matcher,
	}
}

// RegisterOrGet returns the live channel for name, creating it with cfg when absent.
// An existing channel is returned unchanged and cfg is ignored. A closed registry
// refuses new channels with CodeNotInitialized.
func (r *Registry) RegisterOrGet(name string, cfg ChannelConfig) (*Channel, error) {
	if ch, ok := r.Lookup(name); ok {
		return ch, nil
	}
	if !topic.Valid(name) {
		return nil, errs.InvalidTopic("registry/register", name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errs.New("registry/register", errs.CodeInvalidConfig, errs.WithTopic(name), errs.WithCause(err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errs.New("registry/register", errs.CodeNotInitialized,
			errs.WithTopic(name), errs.WithMessage("registry closed"))
	}
	if v, ok := r.channels.Load(name); ok {
		ch := v.(*Channel)
		if !ch.IsStopped() {
			return ch, nil
		}
		r.forget(ch)
	}

	ch := newChannel(name, cfg, r.logger, r.metrics, r.forget)
	r.channels.Store(name, ch)
	r.metrics.addTopics(1)
	return ch, nil
}

// Lookup returns the live channel registered under name.
func (r *Registry) Lookup(name string) (*Channel, bool) {
	v, ok := r.channels.Load(name)
	if !ok {
		return nil, false
	}
	ch := v.(*Channel)
	if ch.IsStopped() {
		return nil, false
	}
	return ch, true
}

// Match returns a snapshot of live channels whose topic falls under prefix.
func (r *Registry) Match(prefix string) []*Channel {
	var out []*Channel
	r.channels.Range(func(key, value any) bool {
		ch := value.(*Channel)
		if r.matcher(key.(string), prefix) && !ch.IsStopped() {
			out = append(out, ch)
		}
		return true
	})
	return out
}

// RemovePrefix stops and unregisters every channel under prefix, including an exact
// match, and returns how many were removed. Invalid prefixes remove nothing.
func (r *Registry) RemovePrefix(prefix string) int {
	if !topic.Valid(prefix) {
		return 0
	}
	return r.removeWhere(func(key string) bool {
		return r.matcher(key, prefix)
	})
}

// Close stops and unregisters every channel and refuses later registrations.
// Close is idempotent.
func (r *Registry) Close() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.removeLocked(func(string) bool { return true })
}

func (r *Registry) removeWhere(match func(string) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(match)
}

func (r *Registry) removeLocked(match func(string) bool) int {
	var matched []*Channel
	r.channels.Range(func(key, value any) bool {
		if match(key.(string)) {
			matched = append(matched, value.(*Channel))
		}
		return true
	})

	removed := 0
	for _, ch := range matched {
		if r.forget(ch) {
			removed++
		}
		ch.Stop()
	}
	return removed
}

// forget drops ch from the map if it is still the registered instance for its topic.
func (r *Registry) forget(ch *Channel) bool {
	if !r.channels.CompareAndDelete(ch.Topic(), ch) {
		return false
	}
	r.metrics.addTopics(-1)
	return true
}

// Topics returns the registered topic names in sorted order.
func (r *Registry) Topics() []string {
	var names []string
	r.channels.Range(func(key, value any) bool {
		if !value.(*Channel).IsStopped() {
			names = append(names, key.(string))
		}
		return true
	})
	sort.Strings(names)
	return names
}

// Infos dumps every live channel, sorted by topic.
func (r *Registry) Infos() []ChannelInfo {
	var infos []ChannelInfo
	r.channels.Range(func(_, value any) bool {
		ch := value.(*Channel)
		if !ch.IsStopped() {
			infos = append(infos, ch.Info())
		}
		return true
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].Topic < infos[j].Topic })
	return infos
}

// Len returns the number of registered topics.
func (r *Registry) Len() int {
	n := 0
	r.channels.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
