package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
)

const (
	serviceName           = "eventflow"
	serviceVersion        = "1.0.0"
	defaultEndpoint       = "localhost:4318"
	defaultExportInterval = 30 * time.Second
)

var globalEnvironment atomic.Value

// Config controls metric export for the bus.
type Config struct {
	Enabled bool
	// OTLPEndpoint is host:port or a full http(s) URL of the collector.
	OTLPEndpoint   string
	OTLPInsecure   bool
	ExportInterval time.Duration
	ServiceName    string
	Environment    string
}

// DefaultConfig reads the standard OTEL_* variables, falling back to a local collector.
func DefaultConfig() Config {
	cfg := Config{
		Enabled:        os.Getenv("OTEL_ENABLED") == "true",
		OTLPEndpoint:   envOr("OTEL_EXPORTER_OTLP_ENDPOINT", defaultEndpoint),
		OTLPInsecure:   os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		ExportInterval: defaultExportInterval,
		ServiceName:    envOr("OTEL_SERVICE_NAME", serviceName),
		Environment:    envOr("EVENTFLOW_ENV", "development"),
	}
	if raw := os.Getenv("OTEL_METRIC_EXPORT_INTERVAL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.ExportInterval = d
		}
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// Provider owns the SDK meter provider while export is enabled.
type Provider struct {
	sdk *sdkmetric.MeterProvider
}

// NewProvider starts periodic OTLP export when cfg.Enabled. A disabled provider hands
// out the global meter provider, which is a no-op unless something else installed one.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	SetEnvironment(cfg.Environment)
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(serviceVersion),
			AttrEnvironment.String(Environment()),
		),
		resource.WithProcessRuntimeName(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	exporter, err := otlpmetrichttp.New(ctx, exporterOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = defaultExportInterval
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithView(HistogramViews()...),
	)
	otel.SetMeterProvider(mp)
	return &Provider{sdk: mp}, nil
}

// exporterOptions accepts both a bare host:port and a URL; an http:// URL implies insecure.
func exporterOptions(cfg Config) []otlpmetrichttp.Option {
	var opts []otlpmetrichttp.Option
	if strings.Contains(cfg.OTLPEndpoint, "://") {
		opts = append(opts, otlpmetrichttp.WithEndpointURL(cfg.OTLPEndpoint))
	} else {
		opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
	}
	if cfg.OTLPInsecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	return opts
}

// Enabled reports whether metrics are exported.
func (p *Provider) Enabled() bool {
	return p != nil && p.sdk != nil
}

// Shutdown flushes pending metrics and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	if err := p.sdk.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter provider: %w", err)
	}
	return nil
}

// MeterProvider is what the bus records on.
func (p *Provider) MeterProvider() metric.MeterProvider {
	if !p.Enabled() {
		return otel.GetMeterProvider()
	}
	return p.sdk
}

// HistogramViews sets explicit buckets for the bus histograms.
func HistogramViews() []sdkmetric.View {
	return []sdkmetric.View{
		// Suspended publishers land in the tail.
		bucketView("eventflow.publish.duration", 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250),
		bucketView("eventflow.fanout.size", 0, 1, 2, 5, 10, 20, 50, 100),
	}
}

func bucketView(name string, boundaries ...float64) sdkmetric.View {
	return sdkmetric.NewView(
		sdkmetric.Instrument{Name: name, Kind: sdkmetric.InstrumentKindHistogram},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: boundaries}},
	)
}

// SetEnvironment sets the environment label attached to every metric.
func SetEnvironment(env string) {
	globalEnvironment.Store(strings.ToLower(strings.TrimSpace(env)))
}

// Environment returns the environment label, "development" when unset.
func Environment() string {
	if env, ok := globalEnvironment.Load().(string); ok && env != "" {
		return env
	}
	return "development"
}
