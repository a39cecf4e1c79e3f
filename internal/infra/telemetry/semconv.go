// Package telemetry provides OpenTelemetry setup and semantic conventions for EventFlow.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for EventFlow telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrTopic identifies the topic a channel or publish addressed.
	AttrTopic = attribute.Key("topic")
	// AttrOverflowPolicy labels channel metrics with the configured overflow policy.
	AttrOverflowPolicy = attribute.Key("overflow.policy")
	// AttrRecursive marks whether a publish fanned out over descendant topics.
	AttrRecursive = attribute.Key("publish.recursive")
	// AttrOperation differentiates specific bus operations (publish, subscribe, remove).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (delivered, no_subscribers, ...).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorType categorizes failures by error code.
	AttrErrorType = attribute.Key("error.type")
	// AttrReason explains why an event was dropped.
	AttrReason = attribute.Key("reason")
)

// TopicAttributes returns common attributes for per-topic metrics.
func TopicAttributes(environment, topic string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTopic.String(topic),
	}
}

// DropAttributes returns attributes for dropped-event metrics.
func DropAttributes(environment, topic, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTopic.String(topic),
		AttrReason.String(reason),
	}
}

// ErrorAttributes returns attributes for delivery error metrics.
func ErrorAttributes(environment, topic, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTopic.String(topic),
		AttrErrorType.String(errorType),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
