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

// Package pipeline coordinates extraction runs: per-scope at-most-one
// execution with trailing coalescing, per-tenant worker pools, and the
// publish-time trigger fan-out.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/engramhq/engram/pkg/aggregate"
	"github.com/engramhq/engram/pkg/apierror"
	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/extract"
	"github.com/engramhq/engram/pkg/llm"
	"github.com/engramhq/engram/pkg/logger"
	"github.com/engramhq/engram/pkg/observability"
	"github.com/engramhq/engram/pkg/profilecache"
	"github.com/engramhq/engram/pkg/store"
	"github.com/engramhq/engram/pkg/window"
)

const (
	// runTimeout bounds one scope execution; it doubles as the stale-lock
	// age, so a crashed run frees its scope after the same interval.
	runTimeout = 300 * time.Second

	// waitTimeout caps how long a publish with wait_for_response blocks.
	waitTimeout = 60 * time.Second

	// DefaultWorkerPoolSize is the per-tenant concurrent scope limit.
	DefaultWorkerPoolSize = 8
)

// ClientFactory builds the LLM generator and embedder for one tenant's
// model configuration.
type ClientFactory func(ctx context.Context, cfg *config.TenantLLMConfig) (llm.Generator, llm.Embedder, error)

// NewClientFactory returns the production factory backed by the server's
// provider credentials.
func NewClientFactory(creds llm.Credentials) ClientFactory {
	return func(ctx context.Context, cfg *config.TenantLLMConfig) (llm.Generator, llm.Embedder, error) {
		client, err := llm.New(ctx, cfg, creds)
		if err != nil {
			return nil, nil, err
		}
		return client, client, nil
	}
}

// Coordinator schedules and executes extraction scopes.
type Coordinator struct {
	store     *store.Store
	cache     *profilecache.Cache
	asm       *window.Assembler
	newClient ClientFactory
	poolSize  int64
	metrics   observability.Metrics
	log       *slog.Logger

	mu      sync.Mutex
	tenants map[string]*semaphore.Weighted

	defaultsMu sync.RWMutex
	defaults   *config.TenantConfig
}

func New(st *store.Store, cache *profilecache.Cache, factory ClientFactory, workerPoolSize int) *Coordinator {
	if workerPoolSize <= 0 {
		workerPoolSize = DefaultWorkerPoolSize
	}
	return &Coordinator{
		store:     st,
		cache:     cache,
		asm:       window.NewAssembler(st),
		newClient: factory,
		poolSize:  int64(workerPoolSize),
		metrics:   observability.GetGlobalMetrics(),
		log:       logger.New("pipeline"),
	}
}

// scope is one schedulable unit of pipeline work.
type scope struct {
	kind     window.Kind
	name     string // extractor / feedback / evaluation name
	scopeKey string // user_id, agent_version, or request_id by kind
	agg      bool   // aggregation pass instead of window extraction
}

func (sc scope) lockKey() string {
	if sc.agg {
		return fmt.Sprintf("aggregate:%s:%s", sc.name, sc.scopeKey)
	}
	return fmt.Sprintf("%s:%s:%s", sc.kind, sc.name, sc.scopeKey)
}

// OnPublish fans the configured extractors out over the scopes a freshly
// published request touches. With wait set it blocks until the triggered
// runs finish, up to the wait timeout.
func (c *Coordinator) OnPublish(ctx context.Context, orgID string, req *store.Request, wait bool) error {
	cfg, err := c.TenantConfig(ctx, orgID)
	if err != nil {
		return err
	}

	var scopes []scope
	for i := range cfg.Profiles {
		scopes = append(scopes, scope{
			kind:     window.KindProfile,
			name:     cfg.Profiles[i].ExtractorName,
			scopeKey: req.UserID,
		})
	}
	// Requests without an agent_version land in a version scope of their
	// own instead of skipping feedback extraction.
	version := req.AgentVersion
	if version == "" {
		version = window.ScopeUnversioned
	}
	for i := range cfg.Feedbacks {
		scopes = append(scopes, scope{
			kind:     window.KindFeedback,
			name:     cfg.Feedbacks[i].FeedbackName,
			scopeKey: version,
		})
	}
	for i := range cfg.Successes {
		scfg := &cfg.Successes[i]
		if !extract.Sampled(req.RequestID, scfg.EvaluationName, samplingRate(scfg)) {
			continue
		}
		scopes = append(scopes, scope{
			kind:     window.KindSuccess,
			name:     scfg.EvaluationName,
			scopeKey: req.RequestID,
		})
	}
	if len(scopes) == 0 {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		// Runs outlive the publish request.
		done <- c.runScopes(context.Background(), orgID, cfg, scopes, req.RequestID)
	}()

	if !wait {
		return nil
	}
	select {
	case err := <-done:
		return err
	case <-time.After(waitTimeout):
		return apierror.BackendTimeout("extraction still running after %s", waitTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) runScopes(ctx context.Context, orgID string, cfg *config.TenantConfig, scopes []scope, requestID string) error {
	sem := c.tenantPool(orgID)
	g, gctx := errgroup.WithContext(ctx)
	for _, sc := range scopes {
		sc := sc
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			return c.runScope(gctx, orgID, cfg, sc, requestID)
		})
	}
	return g.Wait()
}

// runScope drives the coalescing protocol: acquire the scope lock or park
// the request id behind the running holder, then execute and re-execute
// while trailing requests keep arriving.
func (c *Coordinator) runScope(ctx context.Context, orgID string, cfg *config.TenantConfig, sc scope, requestID string) error {
	acquired, err := c.store.TryAcquire(ctx, orgID, sc.lockKey(), requestID)
	if err != nil {
		return err
	}
	if !acquired {
		c.metrics.RecordCoalesced(ctx, string(sc.kind))
		c.log.Debug("scope coalesced",
			"org_id", orgID, "scope", sc.lockKey(), "request_id", requestID)
		return nil
	}

	for {
		if err := c.executeOnce(ctx, orgID, cfg, sc); err != nil {
			// The scope must not stay locked behind a failed run.
			if clearErr := c.store.ClearLock(context.WithoutCancel(ctx), orgID, sc.lockKey()); clearErr != nil {
				c.log.Error("failed to clear scope lock",
					"org_id", orgID, "scope", sc.lockKey(), "error", clearErr)
			}
			return err
		}

		_, rerun, err := c.store.Finish(ctx, orgID, sc.lockKey())
		if err != nil {
			return err
		}
		if !rerun {
			return nil
		}
		c.log.Debug("scope re-running for trailing request",
			"org_id", orgID, "scope", sc.lockKey())
	}
}

// executeOnce runs one scope pass under the run timeout with panic
// containment.
func (c *Coordinator) executeOnce(ctx context.Context, orgID string, cfg *config.TenantConfig, sc scope) (err error) {
	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline run panicked: %v", r)
		}
		c.metrics.RecordPipelineRun(ctx, string(sc.kind), time.Since(start), err)
		if err != nil {
			c.log.Error("pipeline run failed",
				"org_id", orgID, "scope", sc.lockKey(), "error", err)
		}
	}()

	return c.execute(runCtx, orgID, cfg, sc)
}

func (c *Coordinator) execute(ctx context.Context, orgID string, cfg *config.TenantConfig, sc scope) error {
	gen, emb, err := c.newClient(ctx, &cfg.LLM)
	if err != nil {
		return err
	}

	switch {
	case sc.agg:
		fcfg, ok := cfg.FeedbackExtractor(sc.name)
		if !ok {
			return apierror.NotFound("feedback extractor %q not configured", sc.name)
		}
		return aggregate.New(c.store, gen, emb).Run(ctx, orgID, fcfg, sc.scopeKey)

	case sc.kind == window.KindProfile:
		pcfg, ok := cfg.ProfileExtractor(sc.name)
		if !ok {
			return apierror.NotFound("profile extractor %q not configured", sc.name)
		}
		windows, err := c.asm.Incremental(ctx, orgID, sc.kind, sc.name, sc.scopeKey, pcfg.Trigger)
		if err != nil {
			return err
		}
		ex := extract.NewProfileExtractor(c.store, c.cache, gen, emb)
		for _, w := range windows {
			if err := ex.Run(ctx, orgID, pcfg, w, false); err != nil {
				return err
			}
			if err := c.asm.CommitCursor(ctx, orgID, w); err != nil {
				return err
			}
		}
		return nil

	case sc.kind == window.KindFeedback:
		fcfg, ok := cfg.FeedbackExtractor(sc.name)
		if !ok {
			return apierror.NotFound("feedback extractor %q not configured", sc.name)
		}
		windows, err := c.asm.Incremental(ctx, orgID, sc.kind, sc.name, sc.scopeKey, fcfg.Trigger)
		if err != nil {
			return err
		}
		ex := extract.NewFeedbackExtractor(c.store, gen, emb)
		aggregationDue := false
		for _, w := range windows {
			due, err := ex.Run(ctx, orgID, fcfg, w)
			if err != nil {
				return err
			}
			aggregationDue = aggregationDue || due
			if err := c.asm.CommitCursor(ctx, orgID, w); err != nil {
				return err
			}
		}
		if aggregationDue {
			return c.runScope(ctx, orgID, cfg, scope{
				kind:     sc.kind,
				name:     sc.name,
				scopeKey: sc.scopeKey,
				agg:      true,
			}, "")
		}
		return nil

	case sc.kind == window.KindSuccess:
		scfg, ok := cfg.SuccessEvaluator(sc.name)
		if !ok {
			return apierror.NotFound("success evaluator %q not configured", sc.name)
		}
		// Success scopes are per request; the scope key is the request id.
		return extract.NewSuccessEvaluator(c.store, gen, emb).Run(ctx, orgID, scfg, sc.scopeKey)
	}
	return apierror.Internal("unknown scope kind %q", sc.kind)
}

func samplingRate(cfg *config.SuccessEvaluatorConfig) float64 {
	if cfg.SamplingRate == nil {
		return 1
	}
	return *cfg.SamplingRate
}

// SetTenantDefaults installs the server-level fallback configuration for
// orgs that have not stored one. Safe to call while the coordinator runs;
// the config watcher calls it on every reload.
func (c *Coordinator) SetTenantDefaults(cfg *config.TenantConfig) {
	c.defaultsMu.Lock()
	c.defaults = cfg
	c.defaultsMu.Unlock()
}

// TenantConfig loads an org's configuration document with defaults
// applied. A missing document falls back to the server-level tenant
// defaults, or the zero config: no extractors, no triggers.
func (c *Coordinator) TenantConfig(ctx context.Context, orgID string) (*config.TenantConfig, error) {
	raw, err := c.store.GetTenantConfig(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		c.defaultsMu.RLock()
		defaults := c.defaults
		c.defaultsMu.RUnlock()
		if defaults != nil {
			return defaults, nil
		}
		cfg := &config.TenantConfig{}
		cfg.SetDefaults()
		return cfg, nil
	}
	return config.ParseTenantConfig(raw)
}

func (c *Coordinator) tenantPool(orgID string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tenants == nil {
		c.tenants = make(map[string]*semaphore.Weighted)
	}
	sem, ok := c.tenants[orgID]
	if !ok {
		sem = semaphore.NewWeighted(c.poolSize)
		c.tenants[orgID] = sem
	}
	return sem
}
