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

// Package engram is a multi-tenant behavioral learning service for AI
// agents. Agents publish their interactions with users; Engram derives
// durable artifacts from them through LLM extraction pipelines:
//
//   - user profiles: stable facts and preferences per user
//   - behavioral feedbacks: correction signals mined from conversations,
//     clustered and aggregated into reviewable guidance per agent version
//   - skills: instruction blocks synthesized from approved feedbacks
//   - success evaluations: per-request outcome judgments
//
// Everything is retrievable over a REST API and an MCP stdio server,
// with hybrid (vector + full-text) search.
//
// # Quick Start
//
// Install the server:
//
//	go install github.com/engramhq/engram/cmd/engram@latest
//
// Create a minimal configuration:
//
//	database:
//	  driver: sqlite
//	  dsn: engram.db
//	auth:
//	  bootstrap_invite: my-first-invite
//	llm:
//	  openai_api_key: ${OPENAI_API_KEY}
//
// Start the server and create the first org:
//
//	engram serve --config engram.yaml
//	curl -X POST localhost:8080/v1/orgs \
//	  -d '{"invite_code": "my-first-invite", "name": "acme"}'
//
// The response carries the org's API key; every further call
// authenticates with the x-api-key header.
//
// # Using as Go Library
//
// Import specific packages:
//
//	import (
//	    "github.com/engramhq/engram/pkg/store"
//	    "github.com/engramhq/engram/pkg/pipeline"
//	    "github.com/engramhq/engram/pkg/api"
//	)
//
// # Architecture
//
// Ingest flows through a per-tenant pipeline coordinator:
//
//	Agent → REST API → Store → Coordinator → Extractors (LLM) → Artifacts
//
// Extraction runs are windowed, deduplicated and bounded by a per-tenant
// worker pool; artifacts are versioned in place with a status lifecycle
// (pending, current, archived) rather than overwritten.
//
// # Alpha Status
//
// Engram is in alpha development. APIs may change, and some features are
// experimental.
//
// # License
//
// Apache-2.0 - See LICENSE for details.
package engram
