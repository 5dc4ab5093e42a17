// Copyright 2025 The Engram Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics = NoopMetrics{}
	metricsMu     sync.RWMutex
)

type Metrics interface {
	RecordLLMCall(ctx context.Context, provider, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordPipelineRun(ctx context.Context, kind string, duration time.Duration, err error)
	RecordCoalesced(ctx context.Context, kind string)
	RecordSearch(ctx context.Context, collection string, duration time.Duration)
	RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration)
}

type PrometheusMetrics struct {
	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrorsTotal  metric.Int64Counter

	runDuration    metric.Float64Histogram
	runsTotal      metric.Int64Counter
	runErrorsTotal metric.Int64Counter
	coalescedTotal metric.Int64Counter

	searchDuration metric.Float64Histogram

	httpDuration metric.Float64Histogram
	httpRequests metric.Int64Counter
}

func NewPrometheusMetrics(
	llmDuration metric.Float64Histogram,
	llmInputTokens metric.Int64Counter,
	llmOutputTokens metric.Int64Counter,
	llmErrorsTotal metric.Int64Counter,
	runDuration metric.Float64Histogram,
	runsTotal metric.Int64Counter,
	runErrorsTotal metric.Int64Counter,
	coalescedTotal metric.Int64Counter,
	searchDuration metric.Float64Histogram,
	httpDuration metric.Float64Histogram,
	httpRequests metric.Int64Counter,
) *PrometheusMetrics {
	return &PrometheusMetrics{
		llmDuration:     llmDuration,
		llmInputTokens:  llmInputTokens,
		llmOutputTokens: llmOutputTokens,
		llmErrorsTotal:  llmErrorsTotal,
		runDuration:     runDuration,
		runsTotal:       runsTotal,
		runErrorsTotal:  runErrorsTotal,
		coalescedTotal:  coalescedTotal,
		searchDuration:  searchDuration,
		httpDuration:    httpDuration,
		httpRequests:    httpRequests,
	}
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, provider, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("model", model),
	}

	m.llmDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.llmInputTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(attrs...))
	m.llmOutputTokens.Add(ctx, int64(outputTokens), metric.WithAttributes(attrs...))

	if err != nil && m.llmErrorsTotal != nil {
		m.llmErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordPipelineRun(ctx context.Context, kind string, duration time.Duration, err error) {
	if m == nil || m.runDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
	}

	m.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.runsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil && m.runErrorsTotal != nil {
		m.runErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordCoalesced(ctx context.Context, kind string) {
	if m == nil || m.coalescedTotal == nil {
		return
	}
	m.coalescedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *PrometheusMetrics) RecordSearch(ctx context.Context, collection string, duration time.Duration) {
	if m == nil || m.searchDuration == nil {
		return
	}
	m.searchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("collection", collection)))
}

func (m *PrometheusMetrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	if m == nil || m.httpDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	}

	m.httpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.httpRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
