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

package pipeline

import (
	"context"
	"fmt"

	"github.com/engramhq/engram/pkg/aggregate"
	"github.com/engramhq/engram/pkg/apierror"
	"github.com/engramhq/engram/pkg/extract"
	"github.com/engramhq/engram/pkg/store"
	"github.com/engramhq/engram/pkg/window"
)

// ManualRange selects the interactions a manual generation run covers:
// either an explicit request list or an interaction id interval. Empty
// means everything in scope.
type ManualRange struct {
	FromInteractionID int64
	ToInteractionID   int64
	RequestIDs        []string
}

// RerunProfiles rebuilds a user's profiles for one extractor from the full
// interaction log. Existing current rows stay untouched; fresh output lands
// as pending rows awaiting an explicit PromoteProfiles call, so readers
// never observe a half-rebuilt profile set. The scope's cursor restarts at
// the rerun's frontier.
func (c *Coordinator) RerunProfiles(ctx context.Context, orgID, extractorName, userID string) error {
	cfg, err := c.TenantConfig(ctx, orgID)
	if err != nil {
		return err
	}
	pcfg, ok := cfg.ProfileExtractor(extractorName)
	if !ok {
		return apierror.NotFound("profile extractor %q not configured", extractorName)
	}

	sc := scope{kind: window.KindProfile, name: extractorName, scopeKey: userID}
	return c.withScopeLock(ctx, orgID, sc, func(runCtx context.Context) error {
		gen, emb, err := c.newClient(runCtx, &cfg.LLM)
		if err != nil {
			return err
		}
		windows, err := c.asm.Rerun(runCtx, orgID, window.KindProfile, extractorName, userID, pcfg.Trigger)
		if err != nil {
			return err
		}

		ex := extract.NewProfileExtractor(c.store, c.cache, gen, emb)
		var frontier int64
		for _, w := range windows {
			if err := ex.Run(runCtx, orgID, pcfg, w, true); err != nil {
				return err
			}
			frontier = w.NextCursor
		}

		if err := c.asm.ResetCursor(runCtx, orgID, extractorName); err != nil {
			return err
		}
		if frontier > 0 {
			return c.store.SetCursor(runCtx, orgID, extractorName, userID, frontier)
		}
		return nil
	})
}

// PromoteProfiles swaps an extractor's pending rerun output in for the
// user's current rows in one transaction.
func (c *Coordinator) PromoteProfiles(ctx context.Context, orgID, extractorName, userID string) error {
	if err := c.store.PromotePendingProfiles(ctx, orgID, userID, extractorName); err != nil {
		return err
	}
	c.cache.Invalidate(orgID)
	return nil
}

// RerunFeedbacks reprocesses an agent version's log for one feedback
// extractor. Raw feedback inserts are content-idempotent, so reprocessed
// windows add nothing twice.
func (c *Coordinator) RerunFeedbacks(ctx context.Context, orgID, feedbackName, agentVersion string) error {
	cfg, err := c.TenantConfig(ctx, orgID)
	if err != nil {
		return err
	}
	fcfg, ok := cfg.FeedbackExtractor(feedbackName)
	if !ok {
		return apierror.NotFound("feedback extractor %q not configured", feedbackName)
	}

	sc := scope{kind: window.KindFeedback, name: feedbackName, scopeKey: agentVersion}
	return c.withScopeLock(ctx, orgID, sc, func(runCtx context.Context) error {
		gen, emb, err := c.newClient(runCtx, &cfg.LLM)
		if err != nil {
			return err
		}
		windows, err := c.asm.Rerun(runCtx, orgID, window.KindFeedback, feedbackName, agentVersion, fcfg.Trigger)
		if err != nil {
			return err
		}

		ex := extract.NewFeedbackExtractor(c.store, gen, emb)
		var frontier int64
		for _, w := range windows {
			if _, err := ex.Run(runCtx, orgID, fcfg, w); err != nil {
				return err
			}
			frontier = w.NextCursor
		}

		if err := c.asm.ResetCursor(runCtx, orgID, feedbackName); err != nil {
			return err
		}
		if frontier > 0 {
			return c.store.SetCursor(runCtx, orgID, feedbackName, agentVersion, frontier)
		}
		return nil
	})
}

// RerunSuccessEvaluations re-judges every request on the log for one
// evaluation, optionally narrowed to an agent version. The deterministic
// sampling draw still applies, so a rerun reproduces the publish-time
// sample, and verdict inserts are idempotent per request.
func (c *Coordinator) RerunSuccessEvaluations(ctx context.Context, orgID, evaluationName, agentVersion string) error {
	cfg, err := c.TenantConfig(ctx, orgID)
	if err != nil {
		return err
	}
	scfg, ok := cfg.SuccessEvaluator(evaluationName)
	if !ok {
		return apierror.NotFound("success evaluator %q not configured", evaluationName)
	}

	sc := scope{kind: window.KindSuccess, name: evaluationName, scopeKey: agentVersion}
	return c.withScopeLock(ctx, orgID, sc, func(runCtx context.Context) error {
		gen, emb, err := c.newClient(runCtx, &cfg.LLM)
		if err != nil {
			return err
		}
		requestIDs, err := c.logRequestIDs(runCtx, orgID, agentVersion, 0, 0)
		if err != nil {
			return err
		}
		ev := extract.NewSuccessEvaluator(c.store, gen, emb)
		for _, rid := range requestIDs {
			if !extract.Sampled(rid, evaluationName, samplingRate(scfg)) {
				continue
			}
			if err := ev.Run(runCtx, orgID, scfg, rid); err != nil {
				return err
			}
		}
		return nil
	})
}

// logRequestIDs walks the interaction log in id order and returns the
// distinct request ids it touches, optionally bounded to an agent version
// or an interaction id interval.
func (c *Coordinator) logRequestIDs(ctx context.Context, orgID, agentVersion string, fromID, toID int64) ([]string, error) {
	const pageSize = 1000
	filter := store.InteractionFilter{
		AgentVersion: agentVersion,
		AscendingID:  true,
		Limit:        pageSize,
	}
	if fromID > 0 {
		filter.SinceID = fromID - 1
	}

	seen := make(map[string]bool)
	var out []string
	for {
		batch, err := c.store.GetInteractions(ctx, orgID, filter)
		if err != nil {
			return nil, err
		}
		for _, in := range batch {
			if toID > 0 && in.InteractionID > toID {
				return out, nil
			}
			if !seen[in.RequestID] {
				seen[in.RequestID] = true
				out = append(out, in.RequestID)
			}
		}
		if len(batch) < pageSize {
			return out, nil
		}
		filter.SinceID = batch[len(batch)-1].InteractionID
	}
}

// ManualProfileRun extracts profiles from an explicit slice of the log.
// The window-size threshold does not apply and no cursor moves.
func (c *Coordinator) ManualProfileRun(ctx context.Context, orgID, extractorName, userID string, rng ManualRange) error {
	cfg, err := c.TenantConfig(ctx, orgID)
	if err != nil {
		return err
	}
	pcfg, ok := cfg.ProfileExtractor(extractorName)
	if !ok {
		return apierror.NotFound("profile extractor %q not configured", extractorName)
	}

	sc := scope{kind: window.KindProfile, name: extractorName, scopeKey: userID}
	return c.withScopeLock(ctx, orgID, sc, func(runCtx context.Context) error {
		gen, emb, err := c.newClient(runCtx, &cfg.LLM)
		if err != nil {
			return err
		}
		w, err := c.asm.Manual(runCtx, orgID, window.KindProfile, extractorName, userID,
			pcfg.Trigger.Sources, rng.FromInteractionID, rng.ToInteractionID, rng.RequestIDs)
		if err != nil || w == nil {
			return err
		}
		return extract.NewProfileExtractor(c.store, c.cache, gen, emb).Run(runCtx, orgID, pcfg, w, false)
	})
}

// ManualFeedbackRun extracts raw feedback from an explicit slice of the log.
func (c *Coordinator) ManualFeedbackRun(ctx context.Context, orgID, feedbackName, agentVersion string, rng ManualRange) error {
	cfg, err := c.TenantConfig(ctx, orgID)
	if err != nil {
		return err
	}
	fcfg, ok := cfg.FeedbackExtractor(feedbackName)
	if !ok {
		return apierror.NotFound("feedback extractor %q not configured", feedbackName)
	}

	sc := scope{kind: window.KindFeedback, name: feedbackName, scopeKey: agentVersion}
	return c.withScopeLock(ctx, orgID, sc, func(runCtx context.Context) error {
		gen, emb, err := c.newClient(runCtx, &cfg.LLM)
		if err != nil {
			return err
		}
		w, err := c.asm.Manual(runCtx, orgID, window.KindFeedback, feedbackName, agentVersion,
			fcfg.Trigger.Sources, rng.FromInteractionID, rng.ToInteractionID, rng.RequestIDs)
		if err != nil || w == nil {
			return err
		}
		_, err = extract.NewFeedbackExtractor(c.store, gen, emb).Run(runCtx, orgID, fcfg, w)
		return err
	})
}

// ManualSuccessRun evaluates an explicit slice of the log: the named
// requests, or every request with a turn inside the interaction interval.
// Explicit runs bypass sampling.
func (c *Coordinator) ManualSuccessRun(ctx context.Context, orgID, evaluationName, agentVersion string, rng ManualRange) error {
	cfg, err := c.TenantConfig(ctx, orgID)
	if err != nil {
		return err
	}
	scfg, ok := cfg.SuccessEvaluator(evaluationName)
	if !ok {
		return apierror.NotFound("success evaluator %q not configured", evaluationName)
	}

	sc := scope{kind: window.KindSuccess, name: evaluationName, scopeKey: agentVersion}
	return c.withScopeLock(ctx, orgID, sc, func(runCtx context.Context) error {
		gen, emb, err := c.newClient(runCtx, &cfg.LLM)
		if err != nil {
			return err
		}
		requestIDs := rng.RequestIDs
		if len(requestIDs) == 0 {
			requestIDs, err = c.logRequestIDs(runCtx, orgID, agentVersion, rng.FromInteractionID, rng.ToInteractionID)
			if err != nil {
				return err
			}
		}
		ev := extract.NewSuccessEvaluator(c.store, gen, emb)
		for _, rid := range requestIDs {
			if err := ev.Run(runCtx, orgID, scfg, rid); err != nil {
				return err
			}
		}
		return nil
	})
}

// RunAggregation executes one aggregation pass on demand, coalesced like
// any other scope.
func (c *Coordinator) RunAggregation(ctx context.Context, orgID, feedbackName, agentVersion string) error {
	cfg, err := c.TenantConfig(ctx, orgID)
	if err != nil {
		return err
	}
	if _, ok := cfg.FeedbackExtractor(feedbackName); !ok {
		return apierror.NotFound("feedback extractor %q not configured", feedbackName)
	}
	return c.runScope(ctx, orgID, cfg, scope{
		kind:     window.KindFeedback,
		name:     feedbackName,
		scopeKey: agentVersion,
		agg:      true,
	}, "")
}

// SynthesizeSkill builds a draft skill from the pair's approved aggregated
// feedbacks.
func (c *Coordinator) SynthesizeSkill(ctx context.Context, orgID, agentVersion, feedbackName string) (*store.Skill, error) {
	cfg, err := c.TenantConfig(ctx, orgID)
	if err != nil {
		return nil, err
	}
	gen, emb, err := c.newClient(ctx, &cfg.LLM)
	if err != nil {
		return nil, err
	}
	return aggregate.New(c.store, gen, emb).SynthesizeSkill(ctx, orgID, agentVersion, feedbackName)
}

// withScopeLock runs fn under the scope's coalescing lock with the run
// timeout and panic containment. Manual and rerun operations refuse to run
// concurrently with a triggered pass on the same scope. Publishes that
// landed behind the lock while fn ran are honored with incremental passes
// before the lock is released.
func (c *Coordinator) withScopeLock(ctx context.Context, orgID string, sc scope, fn func(context.Context) error) error {
	cfg, err := c.TenantConfig(ctx, orgID)
	if err != nil {
		return err
	}

	acquired, err := c.store.TryAcquire(ctx, orgID, sc.lockKey(), "")
	if err != nil {
		return err
	}
	if !acquired {
		return apierror.Conflict("scope %s is already running", sc.lockKey())
	}

	runErr := func() (err error) {
		runCtx, cancel := context.WithTimeout(ctx, runTimeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("pipeline run panicked: %v", r)
			}
		}()
		return fn(runCtx)
	}()

	for runErr == nil {
		var rerun bool
		_, rerun, runErr = c.store.Finish(ctx, orgID, sc.lockKey())
		if runErr != nil || !rerun {
			break
		}
		runErr = c.executeOnce(ctx, orgID, cfg, sc)
	}

	if runErr != nil {
		if clearErr := c.store.ClearLock(context.WithoutCancel(ctx), orgID, sc.lockKey()); clearErr != nil {
			c.log.Error("failed to clear scope lock",
				"org_id", orgID, "scope", sc.lockKey(), "error", clearErr)
		}
	}
	return runErr
}
