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

// Package mcpserver exposes the read side over MCP stdio, so agent
// runtimes can retrieve profiles, feedbacks and interactions without an
// HTTP client. One server binds to one org, authenticated once by API
// key at startup.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/llm"
	"github.com/engramhq/engram/pkg/logger"
	"github.com/engramhq/engram/pkg/pipeline"
	"github.com/engramhq/engram/pkg/store"
)

// Server serves the retrieval tools for one org.
type Server struct {
	store     *store.Store
	newClient pipeline.ClientFactory
	org       *store.Org
	version   string
	log       *slog.Logger
}

// New authenticates the API key and binds the server to its org.
func New(ctx context.Context, st *store.Store, factory pipeline.ClientFactory, apiKey, version string) (*Server, error) {
	org, err := st.LookupAPIKey(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	return &Server{
		store:     st,
		newClient: factory,
		org:       org,
		version:   version,
		log:       logger.New("mcpserver"),
	}, nil
}

// ServeStdio blocks serving MCP over stdin/stdout.
func (s *Server) ServeStdio() error {
	s.log.Info("mcp server starting", "org_id", s.org.OrgID)
	return server.ServeStdio(s.MCPServer())
}

// MCPServer builds the tool registry.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("engram", s.version, server.WithToolCapabilities(false))

	srv.AddTool(mcp.NewTool("search_profiles",
		mcp.WithDescription("Hybrid search over the org's current user profiles."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query text")),
		mcp.WithString("user_id", mcp.Description("Restrict to one user")),
		mcp.WithString("extractor_name", mcp.Description("Restrict to one extractor")),
		mcp.WithString("search_type", mcp.Description("vector, fts or hybrid (default hybrid)")),
		mcp.WithNumber("top_k", mcp.Description("Number of results (default 10, max 100)")),
	), s.searchProfiles)

	srv.AddTool(mcp.NewTool("search_feedbacks",
		mcp.WithDescription("Hybrid search over approved aggregated feedbacks."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query text")),
		mcp.WithString("agent_version", mcp.Description("Restrict to one agent version")),
		mcp.WithString("feedback_name", mcp.Description("Restrict to one feedback extractor")),
		mcp.WithString("search_type", mcp.Description("vector, fts or hybrid (default hybrid)")),
		mcp.WithNumber("top_k", mcp.Description("Number of results (default 10, max 100)")),
	), s.searchFeedbacks)

	srv.AddTool(mcp.NewTool("search_interactions",
		mcp.WithDescription("Hybrid search over the interaction log."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query text")),
		mcp.WithString("user_id", mcp.Description("Restrict to one user")),
		mcp.WithString("request_id", mcp.Description("Restrict to one request")),
		mcp.WithString("search_type", mcp.Description("vector, fts or hybrid (default hybrid)")),
		mcp.WithNumber("top_k", mcp.Description("Number of results (default 10, max 100)")),
	), s.searchInteractions)

	srv.AddTool(mcp.NewTool("get_profile_change_log",
		mcp.WithDescription("Profile changes a request produced, grouped by change kind."),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("The request to inspect")),
	), s.profileChangeLog)

	return srv
}

func (s *Server) searchProfiles(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	params, err := s.params(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	profiles, err := s.store.SearchProfiles(ctx, s.org.OrgID, params, store.ProfileFilter{
		UserID:        req.GetString("user_id", ""),
		ExtractorName: req.GetString("extractor_name", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"profiles": profiles})
}

func (s *Server) searchFeedbacks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	params, err := s.params(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	feedbacks, err := s.store.SearchFeedbacks(ctx, s.org.OrgID, params, store.FeedbackFilter{
		AgentVersion: req.GetString("agent_version", ""),
		FeedbackName: req.GetString("feedback_name", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"feedbacks": feedbacks})
}

func (s *Server) searchInteractions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	params, err := s.params(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	interactions, err := s.store.SearchInteractions(ctx, s.org.OrgID, params, store.InteractionFilter{
		UserID:    req.GetString("user_id", ""),
		RequestID: req.GetString("request_id", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"interactions": interactions})
}

func (s *Server) profileChangeLog(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID, err := req.RequireString("request_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	events, err := s.store.GetProfileChangeLog(ctx, s.org.OrgID, requestID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	grouped := map[string][]*store.ProfileEvent{
		"added": {}, "removed": {}, "mentioned": {},
	}
	for _, ev := range events {
		grouped[string(ev.Change)] = append(grouped[string(ev.Change)], ev)
	}
	return jsonResult(grouped)
}

// params assembles search parameters from tool arguments, embedding the
// query unless pure full-text search was requested.
func (s *Server) params(ctx context.Context, req mcp.CallToolRequest) (store.SearchParams, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return store.SearchParams{}, err
	}

	p := store.SearchParams{
		Query: query,
		TopK:  req.GetInt("top_k", 0),
		Mode:  store.SearchMode(req.GetString("search_type", "")),
	}
	if p.Mode == "" {
		p.Mode = store.SearchHybrid
	}
	if p.Mode == store.SearchFTS || strings.TrimSpace(query) == "" {
		return p, nil
	}

	emb, err := s.embedder(ctx)
	if err == nil {
		p.Embedding, err = emb.Embed(ctx, query)
	}
	if err != nil {
		if p.Mode == store.SearchVector {
			return p, err
		}
		s.log.Warn("query embedding unavailable, vector leg skipped", "error", err)
		p.Embedding = nil
	}
	return p, nil
}

func (s *Server) embedder(ctx context.Context) (llm.Embedder, error) {
	raw, err := s.store.GetTenantConfig(ctx, s.org.OrgID)
	if err != nil {
		return nil, err
	}
	cfg := &config.TenantConfig{}
	if len(raw) > 0 {
		if cfg, err = config.ParseTenantConfig(raw); err != nil {
			return nil, err
		}
	} else {
		cfg.SetDefaults()
	}
	_, emb, err := s.newClient(ctx, &cfg.LLM)
	return emb, err
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(out)), nil
}
