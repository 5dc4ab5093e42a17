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

// Package window assembles extraction windows from the interaction log.
// Extractors never scan the log themselves; they consume the windows this
// package hands them.
package window

import (
	"context"
	"log/slog"

	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/logger"
	"github.com/engramhq/engram/pkg/store"
)

// Kind selects how a window is scoped: profile windows per user,
// feedback windows per agent version. Success evaluation reads whole
// requests and only uses Kind for scope locking.
type Kind string

const (
	KindProfile  Kind = "profile"
	KindFeedback Kind = "feedback"
	KindSuccess  Kind = "success"
)

// SourceConversation marks role-based eligibility: user and agent turns
// of any request. Other source names match the request's source field.
const SourceConversation = "conversation"

// ScopeUnversioned is the scope key for requests published without an
// agent_version. They form a version scope of their own rather than
// falling out of extraction.
const ScopeUnversioned = "unversioned"

// fetchLimit is the page size for assembly reads over the log.
const fetchLimit = 1000

// Window is one slice of eligible interactions handed to an extractor.
type Window struct {
	Kind          Kind
	ExtractorName string
	ScopeKey      string // user_id for profile windows, agent_version otherwise
	Interactions  []*store.Interaction
	RequestIDs    []string

	// NextCursor is the cursor position to commit once the window has
	// been processed successfully.
	NextCursor int64
}

// Assembler builds windows over the artifact store.
type Assembler struct {
	store *store.Store
	log   *slog.Logger
}

func NewAssembler(st *store.Store) *Assembler {
	return &Assembler{store: st, log: logger.New("window")}
}

// Incremental returns every full window that is ready for a scope: the
// cursor marks the highest interaction id already consumed, a window
// fires once window_size new eligible interactions exist past it, and
// each fired window advances the would-be cursor by stride eligible
// interactions. Cursors are NOT persisted here; the caller commits them
// with CommitCursor after the extractor succeeds.
func (a *Assembler) Incremental(ctx context.Context, orgID string, kind Kind, extractorName, scopeKey string, trig config.TriggerConfig) ([]*Window, error) {
	cursor, err := a.store.GetCursor(ctx, orgID, extractorName, scopeKey)
	if err != nil {
		return nil, err
	}
	return a.assembleFrom(ctx, orgID, kind, extractorName, scopeKey, trig, cursor)
}

// Rerun rebuilds every window for a scope from the beginning of the log,
// ignoring the persisted cursor. The caller resets the cursor state via
// ResetCursor before promoting rerun output.
func (a *Assembler) Rerun(ctx context.Context, orgID string, kind Kind, extractorName, scopeKey string, trig config.TriggerConfig) ([]*Window, error) {
	return a.assembleFrom(ctx, orgID, kind, extractorName, scopeKey, trig, 0)
}

// Manual builds a single window from an explicit interaction interval or
// request list. No window-size threshold applies and no cursor moves.
func (a *Assembler) Manual(ctx context.Context, orgID string, kind Kind, extractorName, scopeKey string, sources []string, fromID, toID int64, requestIDs []string) (*Window, error) {
	var ins []*store.Interaction

	if len(requestIDs) > 0 {
		for _, rid := range requestIDs {
			batch, err := a.fetchAscending(ctx, orgID, store.InteractionFilter{RequestID: rid}, 0)
			if err != nil {
				return nil, err
			}
			ins = append(ins, batch...)
		}
	} else {
		filter := a.scopeFilter(kind, scopeKey)
		if fromID > 0 {
			filter.SinceID = fromID - 1
		}
		batch, err := a.fetchAscending(ctx, orgID, filter, toID)
		if err != nil {
			return nil, err
		}
		ins = batch
	}

	eligible := filterEligible(ins, sources)
	if len(eligible) == 0 {
		return nil, nil
	}
	return a.newWindow(kind, extractorName, scopeKey, eligible, 0), nil
}

// CommitCursor persists a window's cursor advance.
func (a *Assembler) CommitCursor(ctx context.Context, orgID string, w *Window) error {
	if w.NextCursor == 0 {
		return nil
	}
	return a.store.SetCursor(ctx, orgID, w.ExtractorName, w.ScopeKey, w.NextCursor)
}

// ResetCursor clears all cursor state for an extractor ahead of a rerun.
func (a *Assembler) ResetCursor(ctx context.Context, orgID, extractorName string) error {
	return a.store.ResetCursors(ctx, orgID, extractorName)
}

func (a *Assembler) assembleFrom(ctx context.Context, orgID string, kind Kind, extractorName, scopeKey string, trig config.TriggerConfig, cursor int64) ([]*Window, error) {
	filter := a.scopeFilter(kind, scopeKey)
	filter.SinceID = cursor

	rows, err := a.fetchAscending(ctx, orgID, filter, 0)
	if err != nil {
		return nil, err
	}
	eligible := filterEligible(rows, trig.Sources)

	// Deleted interactions are simply absent from the log; windows are
	// cut over whatever eligible rows remain, so overlap arithmetic never
	// resets.
	var windows []*Window
	for len(eligible) >= trig.WindowSize {
		slice := eligible[:trig.WindowSize]
		next := eligible[trig.Stride-1].InteractionID
		windows = append(windows, a.newWindow(kind, extractorName, scopeKey, slice, next))
		eligible = eligible[trig.Stride:]
	}

	if len(windows) > 0 {
		a.log.Debug("windows assembled",
			"org_id", orgID, "extractor", extractorName, "scope", scopeKey,
			"count", len(windows), "cursor", cursor)
	}
	return windows, nil
}

// fetchAscending pages through the log in id order so long-lived scopes
// are never capped at one read's worth of rows. A positive toID bounds
// the walk (inclusive).
func (a *Assembler) fetchAscending(ctx context.Context, orgID string, filter store.InteractionFilter, toID int64) ([]*store.Interaction, error) {
	filter.AscendingID = true
	filter.Limit = fetchLimit

	var out []*store.Interaction
	for {
		batch, err := a.store.GetInteractions(ctx, orgID, filter)
		if err != nil {
			return nil, err
		}
		for _, in := range batch {
			if toID > 0 && in.InteractionID > toID {
				return out, nil
			}
			out = append(out, in)
		}
		if len(batch) < fetchLimit {
			return out, nil
		}
		filter.SinceID = batch[len(batch)-1].InteractionID
	}
}

func (a *Assembler) scopeFilter(kind Kind, scopeKey string) store.InteractionFilter {
	if kind == KindProfile {
		return store.InteractionFilter{UserID: scopeKey}
	}
	if scopeKey == ScopeUnversioned {
		return store.InteractionFilter{Unversioned: true}
	}
	return store.InteractionFilter{AgentVersion: scopeKey}
}

func (a *Assembler) newWindow(kind Kind, extractorName, scopeKey string, ins []*store.Interaction, next int64) *Window {
	seen := make(map[string]bool)
	var requestIDs []string
	for _, in := range ins {
		if !seen[in.RequestID] {
			seen[in.RequestID] = true
			requestIDs = append(requestIDs, in.RequestID)
		}
	}
	return &Window{
		Kind:          kind,
		ExtractorName: extractorName,
		ScopeKey:      scopeKey,
		Interactions:  ins,
		RequestIDs:    requestIDs,
		NextCursor:    next,
	}
}

// filterEligible applies the source rules: "conversation" admits user and
// agent turns regardless of request source; any other entry admits turns
// whose request carries that source.
func filterEligible(ins []*store.Interaction, sources []string) []*store.Interaction {
	if len(sources) == 0 {
		sources = []string{SourceConversation}
	}
	var out []*store.Interaction
	for _, in := range ins {
		if isEligible(in, sources) {
			out = append(out, in)
		}
	}
	return out
}

func isEligible(in *store.Interaction, sources []string) bool {
	for _, src := range sources {
		if src == SourceConversation {
			if in.Role == store.RoleUser || in.Role == store.RoleAgent {
				return true
			}
			continue
		}
		if in.Source == src {
			return true
		}
	}
	return false
}
