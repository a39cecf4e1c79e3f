package eventbus

import (
	"log"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/eventflow/internal/domain/topic"
)

const loggerPrefix = "eventbus "

// Option configures registries, dispatchers and subscription managers.
type Option func(*settings)

type settings struct {
	logger        *log.Logger
	meterProvider metric.MeterProvider
	matcher       topic.Matcher
	fanoutWorkers int
}

func newSettings(opts []Option) settings {
	s := settings{
		logger:        nil,
		meterProvider: nil,
		matcher:       topic.HasPrefix,
		fanoutWorkers: DefaultFanoutWorkers,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	if s.logger == nil {
		s.logger = log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
	}
	if s.meterProvider == nil {
		s.meterProvider = otel.GetMeterProvider()
	}
	if s.matcher == nil {
		s.matcher = topic.HasPrefix
	}
	if s.fanoutWorkers <= 0 {
		s.fanoutWorkers = DefaultFanoutWorkers
	}
	return s
}

// WithLogger routes component logs to logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithMeterProvider records metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *settings) {
		s.meterProvider = mp
	}
}

// WithMatcher overrides how registered keys are matched against publish and removal prefixes.
func WithMatcher(matcher topic.Matcher) Option {
	return func(s *settings) {
		s.matcher = matcher
	}
}

// WithSegmentMatching restricts prefix matching to whole path segments.
func WithSegmentMatching() Option {
	return WithMatcher(topic.IsWithin)
}

// WithFanoutWorkers bounds concurrent non-blocking channel deliveries during a recursive publish.
func WithFanoutWorkers(n int) Option {
	return func(s *settings) {
		s.fanoutWorkers = n
	}
}
