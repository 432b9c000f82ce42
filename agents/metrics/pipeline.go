/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package metrics provides OpenTelemetry counters for the issue-to-patch
// pipeline: model token usage, planner turns, and patch outcomes.
package metrics

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// AttributeEnricher enriches metric attributes with additional context,
// such as the repository and issue being worked on, without coupling the
// recorder to a specific caller.
type AttributeEnricher func(ctx context.Context, baseAttrs []attribute.KeyValue) []attribute.KeyValue

// Pipeline records metrics for one pipeline deployment. Counter creation
// degrades gracefully: a counter that fails to initialize logs a warning
// and becomes a no-op rather than failing the run.
type Pipeline struct {
	meter            metric.Meter
	promptTokens     metric.Int64Counter
	completionTokens metric.Int64Counter
	turns            metric.Int64Counter
	contextRequests  metric.Int64Counter
	outcomes         metric.Int64Counter
	attrEnricher     AttributeEnricher
}

// NewPipeline creates a Pipeline metrics instance with the specified meter
// name. The model name is a dimension on the recorded metrics rather than
// part of the meter name, so one meter serves all backends.
func NewPipeline(meterName string) *Pipeline {
	meter := otel.Meter(meterName, metric.WithInstrumentationVersion("1.0.0"))

	counter := func(name, desc, unit string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil {
			slog.Warn("Failed to create counter, metric will be disabled", "counter", name, "error", err, "meter", meterName)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Pipeline{
		meter:            meter,
		promptTokens:     counter("genai.token.prompt", "The number of prompt tokens used", "{tokens}"),
		completionTokens: counter("genai.token.completion", "The number of completion tokens used", "{tokens}"),
		turns:            counter("planner.turns", "The number of planner turns taken", "{turns}"),
		contextRequests:  counter("planner.context.requests", "The number of additional context requests made by the model", "{requests}"),
		outcomes:         counter("planner.outcomes", "Pipeline outcomes by terminal state", "{runs}"),
	}
}

// SetAttributeEnricher sets the attribute enricher for this metrics
// instance. The enricher is called before recording each metric.
func (m *Pipeline) SetAttributeEnricher(enricher AttributeEnricher) {
	m.attrEnricher = enricher
}

func (m *Pipeline) enrich(ctx context.Context, baseAttrs []attribute.KeyValue, attrs ...attribute.KeyValue) []attribute.KeyValue {
	if m.attrEnricher != nil {
		baseAttrs = m.attrEnricher(ctx, baseAttrs)
	}
	return append(baseAttrs, attrs...)
}

// RecordTokens records prompt and completion token usage for one model call.
func (m *Pipeline) RecordTokens(ctx context.Context, model string, promptTokens, completionTokens int64, attrs ...attribute.KeyValue) {
	all := m.enrich(ctx, []attribute.KeyValue{attribute.String("model", model)}, attrs...)
	m.promptTokens.Add(ctx, promptTokens, metric.WithAttributes(all...))
	m.completionTokens.Add(ctx, completionTokens, metric.WithAttributes(all...))
}

// RecordTurn records one planner turn.
func (m *Pipeline) RecordTurn(ctx context.Context, model string, attrs ...attribute.KeyValue) {
	all := m.enrich(ctx, []attribute.KeyValue{attribute.String("model", model)}, attrs...)
	m.turns.Add(ctx, 1, metric.WithAttributes(all...))
}

// RecordContextRequest records the model asking for more context.
func (m *Pipeline) RecordContextRequest(ctx context.Context, model string, files int64, attrs ...attribute.KeyValue) {
	all := m.enrich(ctx, []attribute.KeyValue{attribute.String("model", model)}, attrs...)
	m.contextRequests.Add(ctx, files, metric.WithAttributes(all...))
}

// RecordOutcome records the terminal state of one pipeline run.
func (m *Pipeline) RecordOutcome(ctx context.Context, state string, attrs ...attribute.KeyValue) {
	all := m.enrich(ctx, []attribute.KeyValue{attribute.String("state", state)}, attrs...)
	m.outcomes.Add(ctx, 1, metric.WithAttributes(all...))
}
