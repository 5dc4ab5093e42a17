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
	"time"

	"go.opentelemetry.io/otel/trace/noop"
)

// NoopManager returns a manager whose tracer and metrics do nothing.
// Used when observability is disabled in the server config.
func NoopManager() *Manager {
	return &Manager{
		tracerProvider: noop.NewTracerProvider(),
		metrics:        NoopMetrics{},
	}
}

// NoopMetrics is a metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) RecordLLMCall(_ context.Context, _, _ string, _ time.Duration, _, _ int, _ error) {
}
func (NoopMetrics) RecordPipelineRun(_ context.Context, _ string, _ time.Duration, _ error)  {}
func (NoopMetrics) RecordCoalesced(_ context.Context, _ string)                              {}
func (NoopMetrics) RecordSearch(_ context.Context, _ string, _ time.Duration)                {}
func (NoopMetrics) RecordHTTPRequest(_ context.Context, _, _ string, _ int, _ time.Duration) {}

var _ Metrics = NoopMetrics{}
