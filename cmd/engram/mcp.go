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

package main

import (
	"context"
	"fmt"

	"github.com/engramhq/engram"
	"github.com/engramhq/engram/pkg/llm"
	"github.com/engramhq/engram/pkg/mcpserver"
	"github.com/engramhq/engram/pkg/pipeline"
	"github.com/engramhq/engram/pkg/store"
)

// MCPCmd serves the org-scoped retrieval tools over MCP stdio, for use
// as a local MCP server inside an agent runtime.
type MCPCmd struct {
	APIKey string `name:"api-key" env:"ENGRAM_API_KEY" required:"" help:"API key of the org to serve."`
}

func (c *MCPCmd) Run(cli *CLI) error {
	ctx := context.Background()

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}

	// stdout carries the MCP protocol, so logs must go elsewhere.
	cleanup, err := initLogger(cli, cfg.Logging)
	if err != nil {
		return err
	}
	defer cleanup()

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	factory := pipeline.NewClientFactory(llm.Credentials{
		OpenAIAPIKey:  cfg.LLM.OpenAIAPIKey,
		GeminiAPIKey:  cfg.LLM.GeminiAPIKey,
		OllamaBaseURL: cfg.LLM.OllamaBaseURL,
	})

	srv, err := mcpserver.New(ctx, st, factory, c.APIKey, engram.Version)
	if err != nil {
		return fmt.Errorf("failed to start MCP server: %w", err)
	}
	return srv.ServeStdio()
}
