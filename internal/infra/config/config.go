// Package config manages EventFlow configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/eventflow/errs"
	"github.com/coachpo/eventflow/internal/domain/topic"
	"github.com/coachpo/eventflow/internal/infra/bus/eventbus"
	"github.com/coachpo/eventflow/internal/infra/telemetry"
)

const (
	// DefaultAdminAddr is the admin server listen address used when none is configured.
	DefaultAdminAddr = ":8890"
	// DefaultServiceName labels exported telemetry when none is configured.
	DefaultServiceName = "eventflow"
	// DefaultOTLPEndpoint is the collector address used when none is configured.
	DefaultOTLPEndpoint = "localhost:4318"
)

// Environment identifies the runtime environment EventFlow operates in.
type Environment string

const (
	// EnvDevelopment marks the development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProduction marks the production environment.
	EnvProduction Environment = "production"
)

// Hierarchy selects how recursive publish and removal match topic prefixes.
type Hierarchy string

const (
	// HierarchyLiteral matches raw string prefixes, so /a/b also reaches /a/bc.
	HierarchyLiteral Hierarchy = "literal"
	// HierarchySegment matches whole path segments only.
	HierarchySegment Hierarchy = "segment"
)

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
	fanoutWorkerDefault
)

// FanoutWorkerSetting accepts a positive integer, "auto" or "default".
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// FanoutWorkers returns an explicit worker count setting.
func FanoutWorkers(n int) FanoutWorkerSetting {
	return FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: n}
}

// UnmarshalYAML supports integer, "auto", and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{}
		return nil
	}

	text := strings.TrimSpace(node.Value)
	if text == "" {
		*s = FanoutWorkerSetting{}
		return nil
	}

	switch strings.ToLower(text) {
	case "auto":
		*s = FanoutWorkerSetting{kind: fanoutWorkerAuto}
		return nil
	case "default":
		*s = FanoutWorkerSetting{kind: fanoutWorkerDefault}
		return nil
	}

	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	*s = FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: val}
	return nil
}

// MarshalYAML renders the setting in the form it was configured.
func (s FanoutWorkerSetting) MarshalYAML() (any, error) {
	return s.String(), nil
}

// String renders the setting in its configuration form.
func (s FanoutWorkerSetting) String() string {
	switch s.kind {
	case fanoutWorkerExplicit:
		return strconv.Itoa(s.value)
	case fanoutWorkerAuto:
		return "auto"
	default:
		return "default"
	}
}

// Resolve returns the effective worker count.
func (s FanoutWorkerSetting) Resolve() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return eventbus.DefaultFanoutWorkers
	default:
		return eventbus.DefaultFanoutWorkers
	}
}

// ChannelSettings is the YAML form of a channel configuration.
type ChannelSettings struct {
	BufferCapacity int    `yaml:"bufferCapacity" validate:"min=1,max=1024"`
	OverflowPolicy string `yaml:"overflowPolicy" validate:"overflow"`
	ValveEnabled   bool   `yaml:"valveEnabled"`
}

// ChannelConfig converts validated settings into a bus channel configuration.
func (c ChannelSettings) ChannelConfig() eventbus.ChannelConfig {
	policy, _ := eventbus.ParseOverflowPolicy(c.OverflowPolicy)
	return eventbus.ChannelConfig{
		BufferCapacity: c.BufferCapacity,
		Overflow:       policy,
		ValveEnabled:   c.ValveEnabled,
	}
}

// TopicConfig pre-registers a topic at startup. Unset fields inherit the default channel.
type TopicConfig struct {
	Name           string `yaml:"name" validate:"required,topic"`
	BufferCapacity *int   `yaml:"bufferCapacity,omitempty" validate:"omitempty,min=1,max=1024"`
	OverflowPolicy string `yaml:"overflowPolicy,omitempty" validate:"omitempty,overflow"`
	ValveEnabled   *bool  `yaml:"valveEnabled,omitempty"`
}

// EventFlowConfig sizes the bus.
type EventFlowConfig struct {
	Hierarchy      Hierarchy           `yaml:"hierarchy" validate:"oneof=literal segment"`
	FanoutWorkers  FanoutWorkerSetting `yaml:"fanoutWorkers"`
	DefaultChannel ChannelSettings     `yaml:"defaultChannel"`
	Topics         []TopicConfig       `yaml:"topics" validate:"dive"`
}

// FanoutWorkerCount returns the resolved worker count for use by runtime components.
func (c EventFlowConfig) FanoutWorkerCount() int {
	return c.FanoutWorkers.Resolve()
}

// SegmentMatching reports whether prefixes match on whole path segments.
func (c EventFlowConfig) SegmentMatching() bool {
	return c.Hierarchy == HierarchySegment
}

// TopicChannelConfig merges a topic entry over the default channel settings.
func (c EventFlowConfig) TopicChannelConfig(t TopicConfig) eventbus.ChannelConfig {
	settings := c.DefaultChannel
	if t.BufferCapacity != nil {
		settings.BufferCapacity = *t.BufferCapacity
	}
	if t.OverflowPolicy != "" {
		settings.OverflowPolicy = t.OverflowPolicy
	}
	if t.ValveEnabled != nil {
		settings.ValveEnabled = *t.ValveEnabled
	}
	return settings.ChannelConfig()
}

// AdminServerConfig configures the HTTP control surface.
type AdminServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// TelemetryConfig configures the OTLP metrics exporter.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint" validate:"required_if=Enabled true"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
	ServiceName  string `yaml:"serviceName" validate:"required"`
}

// Config is the unified EventFlow configuration sourced from YAML.
type Config struct {
	Environment Environment       `yaml:"environment" validate:"oneof=development staging production"`
	EventFlow   EventFlowConfig   `yaml:"eventflow"`
	AdminServer AdminServerConfig `yaml:"adminServer"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	cfg := Config{}
	_ = cfg.Normalise()
	return cfg
}

// Load reads, normalises and validates a Config from the provided YAML file.
func Load(ctx context.Context, configPath string) (Config, error) {
	if err := ctx.Err(); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return Config{}, err
	}
	defer closer()

	return Decode(reader)
}

// LoadOrDefault behaves like Load but returns defaults when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (Config, error) {
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Decode parses YAML from r and returns the normalised, validated configuration.
func Decode(r io.Reader) (Config, error) {
	bytes, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return Config{}, errs.New("config/decode", errs.CodeInvalidConfig, errs.WithMessage("unmarshal config"), errs.WithCause(err))
	}
	if err := cfg.Normalise(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Normalise trims strings and fills defaults for unset values.
func (c *Config) Normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDevelopment
	}

	c.EventFlow.Hierarchy = Hierarchy(strings.ToLower(strings.TrimSpace(string(c.EventFlow.Hierarchy))))
	if c.EventFlow.Hierarchy == "" {
		c.EventFlow.Hierarchy = HierarchyLiteral
	}
	normaliseChannel(&c.EventFlow.DefaultChannel)

	seen := make(map[string]struct{}, len(c.EventFlow.Topics))
	for i := range c.EventFlow.Topics {
		t := &c.EventFlow.Topics[i]
		t.Name = strings.TrimSpace(t.Name)
		t.OverflowPolicy = strings.TrimSpace(t.OverflowPolicy)
		if _, dup := seen[t.Name]; dup {
			return errs.New("config/normalise", errs.CodeInvalidConfig, errs.WithTopic(t.Name), errs.WithMessage("duplicate topic"))
		}
		seen[t.Name] = struct{}{}
	}

	c.AdminServer.Addr = strings.TrimSpace(c.AdminServer.Addr)
	if c.AdminServer.Addr == "" {
		c.AdminServer.Addr = DefaultAdminAddr
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	if c.Telemetry.OTLPEndpoint == "" {
		c.Telemetry.OTLPEndpoint = DefaultOTLPEndpoint
	}
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
	return nil
}

func normaliseChannel(c *ChannelSettings) {
	if c.BufferCapacity == 0 {
		c.BufferCapacity = eventbus.DefaultBufferCapacity
	}
	c.OverflowPolicy = strings.TrimSpace(c.OverflowPolicy)
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = eventbus.DropOldest.String()
	}
}

// Validate performs structural and semantic validation on the configuration.
func (c Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			first := fieldErrs[0]
			return errs.New("config/validate", errs.CodeInvalidConfig,
				errs.WithMessage(fmt.Sprintf("%s failed %q", first.Namespace(), first.Tag())),
				errs.WithField("value", fmt.Sprint(first.Value())),
				errs.WithCause(err))
		}
		return errs.New("config/validate", errs.CodeInvalidConfig, errs.WithCause(err))
	}
	if c.EventFlow.FanoutWorkerCount() <= 0 {
		return errs.New("config/validate", errs.CodeInvalidConfig, errs.WithMessage("eventflow fanoutWorkers must be >0"))
	}
	for _, t := range c.EventFlow.Topics {
		if err := c.EventFlow.TopicChannelConfig(t).Validate(); err != nil {
			return fmt.Errorf("topic %s: %w", t.Name, err)
		}
	}
	return nil
}

// TelemetryConfig maps the file settings over the environment-derived telemetry defaults.
func (c Config) TelemetryConfig() telemetry.Config {
	out := telemetry.DefaultConfig()
	out.Enabled = out.Enabled || c.Telemetry.Enabled
	out.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	out.OTLPInsecure = c.Telemetry.OTLPInsecure
	out.ServiceName = c.Telemetry.ServiceName
	out.Environment = string(c.Environment)
	return out
}

var structValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("topic", func(fl validator.FieldLevel) bool {
		return topic.Valid(fl.Field().String())
	})
	_ = v.RegisterValidation("overflow", func(fl validator.FieldLevel) bool {
		_, err := eventbus.ParseOverflowPolicy(fl.Field().String())
		return err == nil
	})
	return v
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
