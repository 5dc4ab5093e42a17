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
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path,omitempty" json:"path,omitempty"`
}

func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("engram")

	llmDuration, err := meter.Float64Histogram(
		"engram_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	llmInputTokens, err := meter.Int64Counter(
		"engram_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to LLM providers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}

	llmOutputTokens, err := meter.Int64Counter(
		"engram_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from LLM providers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	llmErrors, err := meter.Int64Counter(
		"engram_llm_errors_total",
		metric.WithDescription("Total LLM provider errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	runDuration, err := meter.Float64Histogram(
		"engram_pipeline_run_duration_seconds",
		metric.WithDescription("Extraction run duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline duration histogram: %w", err)
	}

	runs, err := meter.Int64Counter(
		"engram_pipeline_runs_total",
		metric.WithDescription("Total extraction runs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline runs counter: %w", err)
	}

	runErrors, err := meter.Int64Counter(
		"engram_pipeline_errors_total",
		metric.WithDescription("Total extraction run errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline errors counter: %w", err)
	}

	coalesced, err := meter.Int64Counter(
		"engram_pipeline_coalesced_total",
		metric.WithDescription("Extraction requests coalesced into a pending re-run"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline coalesced counter: %w", err)
	}

	searchDuration, err := meter.Float64Histogram(
		"engram_store_search_duration_seconds",
		metric.WithDescription("Artifact search duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store search histogram: %w", err)
	}

	httpDuration, err := meter.Float64Histogram(
		"engram_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	httpRequests, err := meter.Int64Counter(
		"engram_http_requests_total",
		metric.WithDescription("Total HTTP requests served"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	return NewPrometheusMetrics(
		llmDuration,
		llmInputTokens,
		llmOutputTokens,
		llmErrors,
		runDuration,
		runs,
		runErrors,
		coalesced,
		searchDuration,
		httpDuration,
		httpRequests,
	), nil
}
