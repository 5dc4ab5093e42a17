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

package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// StorageType selects the artifact storage backend for a tenant.
type StorageType string

const (
	StorageLocal    StorageType = "local"
	StorageSupabase StorageType = "supabase"
)

// StorageConfig configures where a tenant's artifacts live.
type StorageConfig struct {
	Type StorageType `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"title=Storage Type,description=Artifact storage backend,enum=local,enum=supabase,default=local"`
}

// LLMProvider identifies the LLM provider type.
type LLMProvider string

const (
	LLMProviderOpenAI LLMProvider = "openai"
	LLMProviderGemini LLMProvider = "gemini"
	LLMProviderOllama LLMProvider = "ollama"
)

// ProfileTTL is the retention window for extracted profiles.
type ProfileTTL string

const (
	TTLOneDay      ProfileTTL = "ONE_DAY"
	TTLOneWeek     ProfileTTL = "ONE_WEEK"
	TTLTwoWeeks    ProfileTTL = "TWO_WEEKS"
	TTLOneMonth    ProfileTTL = "ONE_MONTH"
	TTLOneQuarter  ProfileTTL = "ONE_QUARTER"
	TTLThreeMonths ProfileTTL = "THREE_MONTHS"
	TTLOneYear     ProfileTTL = "ONE_YEAR"
	TTLInfinity    ProfileTTL = "INFINITY"
)

// Duration returns the TTL as a duration. The second result is false for
// INFINITY, which never expires.
func (t ProfileTTL) Duration() (time.Duration, bool) {
	switch t {
	case TTLOneDay:
		return 24 * time.Hour, true
	case TTLOneWeek:
		return 7 * 24 * time.Hour, true
	case TTLTwoWeeks:
		return 14 * 24 * time.Hour, true
	case TTLOneMonth:
		return 30 * 24 * time.Hour, true
	case TTLOneQuarter, TTLThreeMonths:
		return 90 * 24 * time.Hour, true
	case TTLOneYear:
		return 365 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

func (t ProfileTTL) valid() bool {
	switch t {
	case TTLOneDay, TTLOneWeek, TTLTwoWeeks, TTLOneMonth, TTLOneQuarter, TTLThreeMonths, TTLOneYear, TTLInfinity:
		return true
	}
	return false
}

// TriggerConfig controls when an extractor fires on the interaction log.
type TriggerConfig struct {
	// WindowSize is the number of eligible interactions per extraction window.
	WindowSize int `yaml:"window_size,omitempty" json:"window_size,omitempty" jsonschema:"title=Window Size,description=Interactions per extraction window,minimum=1,default=20"`

	// Stride is how far the cursor advances after each window. A stride
	// smaller than the window size produces overlapping windows.
	Stride int `yaml:"stride,omitempty" json:"stride,omitempty" jsonschema:"title=Stride,description=Cursor advance per window,minimum=1,default=10"`

	// Sources filters which interactions are eligible ("conversation" plus
	// any custom request sources).
	Sources []string `yaml:"sources,omitempty" json:"sources,omitempty" jsonschema:"title=Sources,description=Eligible interaction sources"`
}

// SetDefaults applies default values.
func (c *TriggerConfig) SetDefaults() {
	if c.WindowSize == 0 {
		c.WindowSize = 20
	}
	if c.Stride == 0 {
		c.Stride = 10
	}
	if len(c.Sources) == 0 {
		c.Sources = []string{"conversation"}
	}
}

// Validate checks trigger bounds.
func (c *TriggerConfig) Validate() error {
	if c.WindowSize < 1 {
		return fmt.Errorf("window_size must be at least 1")
	}
	if c.Stride < 1 {
		return fmt.Errorf("stride must be at least 1")
	}
	if c.Stride > c.WindowSize {
		return fmt.Errorf("stride (%d) must not exceed window_size (%d)", c.Stride, c.WindowSize)
	}
	return nil
}

// ProfileExtractorConfig configures one semantic profile extractor.
type ProfileExtractorConfig struct {
	ExtractorName string `yaml:"extractor_name" json:"extractor_name" jsonschema:"title=Extractor Name,description=Unique extractor identifier"`

	Trigger TriggerConfig `yaml:"trigger,omitempty" json:"trigger,omitempty" jsonschema:"title=Trigger,description=Window trigger settings"`

	ProfileTTL ProfileTTL `yaml:"profile_ttl,omitempty" json:"profile_ttl,omitempty" jsonschema:"title=Profile TTL,description=Retention for extracted profiles,enum=ONE_DAY,enum=ONE_WEEK,enum=TWO_WEEKS,enum=ONE_MONTH,enum=ONE_QUARTER,enum=THREE_MONTHS,enum=ONE_YEAR,enum=INFINITY,default=INFINITY"`

	// CustomInstructions are appended to the extraction prompt.
	CustomInstructions string `yaml:"custom_instructions,omitempty" json:"custom_instructions,omitempty" jsonschema:"title=Custom Instructions,description=Extra instructions for the extraction prompt"`
}

// SetDefaults applies default values.
func (c *ProfileExtractorConfig) SetDefaults() {
	c.Trigger.SetDefaults()
	if c.ProfileTTL == "" {
		c.ProfileTTL = TTLInfinity
	}
}

// Validate checks the extractor configuration.
func (c *ProfileExtractorConfig) Validate() error {
	if c.ExtractorName == "" {
		return fmt.Errorf("extractor_name is required")
	}
	if err := c.Trigger.Validate(); err != nil {
		return fmt.Errorf("extractor %q: %w", c.ExtractorName, err)
	}
	if !c.ProfileTTL.valid() {
		return fmt.Errorf("extractor %q: invalid profile_ttl %q", c.ExtractorName, c.ProfileTTL)
	}
	return nil
}

// FeedbackExtractorConfig configures one behavioral feedback extractor.
type FeedbackExtractorConfig struct {
	FeedbackName string `yaml:"feedback_name" json:"feedback_name" jsonschema:"title=Feedback Name,description=Unique feedback stream identifier"`

	Trigger TriggerConfig `yaml:"trigger,omitempty" json:"trigger,omitempty" jsonschema:"title=Trigger,description=Window trigger settings"`

	// RefreshCount is how many new raw feedbacks arrive between aggregation
	// refreshes for an (agent_version, feedback_name) pair.
	RefreshCount int `yaml:"refresh_count,omitempty" json:"refresh_count,omitempty" jsonschema:"title=Refresh Count,description=Raw feedbacks between aggregation refreshes,minimum=1,default=10"`

	// MinFeedbackThreshold is the cluster density floor: a raw feedback
	// joins a cluster only with at least threshold-1 close neighbors.
	MinFeedbackThreshold int `yaml:"min_feedback_threshold,omitempty" json:"min_feedback_threshold,omitempty" jsonschema:"title=Min Feedback Threshold,description=Minimum cluster size for aggregation,minimum=2,default=3"`

	// ClusterEps overrides the neighbor cosine-distance bound.
	ClusterEps float64 `yaml:"cluster_eps,omitempty" json:"cluster_eps,omitempty" jsonschema:"title=Cluster Eps,description=Neighbor cosine distance bound,minimum=0,maximum=1,default=0.2"`

	CustomInstructions string `yaml:"custom_instructions,omitempty" json:"custom_instructions,omitempty" jsonschema:"title=Custom Instructions,description=Extra instructions for the extraction prompt"`
}

// SetDefaults applies default values.
func (c *FeedbackExtractorConfig) SetDefaults() {
	c.Trigger.SetDefaults()
	if c.RefreshCount == 0 {
		c.RefreshCount = 10
	}
	if c.MinFeedbackThreshold == 0 {
		c.MinFeedbackThreshold = 3
	}
	if c.ClusterEps == 0 {
		c.ClusterEps = 0.2
	}
}

// Validate checks the extractor configuration.
func (c *FeedbackExtractorConfig) Validate() error {
	if c.FeedbackName == "" {
		return fmt.Errorf("feedback_name is required")
	}
	if err := c.Trigger.Validate(); err != nil {
		return fmt.Errorf("feedback %q: %w", c.FeedbackName, err)
	}
	if c.RefreshCount < 1 {
		return fmt.Errorf("feedback %q: refresh_count must be at least 1", c.FeedbackName)
	}
	if c.MinFeedbackThreshold < 2 {
		return fmt.Errorf("feedback %q: min_feedback_threshold must be at least 2", c.FeedbackName)
	}
	if c.ClusterEps <= 0 || c.ClusterEps > 1 {
		return fmt.Errorf("feedback %q: cluster_eps must be in (0, 1]", c.FeedbackName)
	}
	return nil
}

// SuccessEvaluatorConfig configures one request success evaluator.
type SuccessEvaluatorConfig struct {
	EvaluationName string `yaml:"evaluation_name" json:"evaluation_name" jsonschema:"title=Evaluation Name,description=Unique evaluation identifier"`

	Trigger TriggerConfig `yaml:"trigger,omitempty" json:"trigger,omitempty" jsonschema:"title=Trigger,description=Window trigger settings"`

	// SamplingRate is the fraction of request groups evaluated, chosen
	// deterministically per (request_id, evaluation_name).
	SamplingRate *float64 `yaml:"sampling_rate,omitempty" json:"sampling_rate,omitempty" jsonschema:"title=Sampling Rate,description=Fraction of requests evaluated,minimum=0,maximum=1,default=1"`

	CustomInstructions string `yaml:"custom_instructions,omitempty" json:"custom_instructions,omitempty" jsonschema:"title=Custom Instructions,description=Extra instructions for the evaluation prompt"`
}

// SetDefaults applies default values.
func (c *SuccessEvaluatorConfig) SetDefaults() {
	c.Trigger.SetDefaults()
	if c.SamplingRate == nil {
		rate := 1.0
		c.SamplingRate = &rate
	}
}

// Validate checks the evaluator configuration.
func (c *SuccessEvaluatorConfig) Validate() error {
	if c.EvaluationName == "" {
		return fmt.Errorf("evaluation_name is required")
	}
	if err := c.Trigger.Validate(); err != nil {
		return fmt.Errorf("evaluation %q: %w", c.EvaluationName, err)
	}
	if c.SamplingRate != nil && (*c.SamplingRate < 0 || *c.SamplingRate > 1) {
		return fmt.Errorf("evaluation %q: sampling_rate must be between 0 and 1", c.EvaluationName)
	}
	return nil
}

// TenantLLMConfig configures the models a tenant's extractions run on.
type TenantLLMConfig struct {
	Provider LLMProvider `yaml:"provider,omitempty" json:"provider,omitempty" jsonschema:"title=Provider,description=LLM provider,enum=openai,enum=gemini,enum=ollama,default=openai"`

	// ShouldRunModelName is the cheap gate model consulted before extraction.
	ShouldRunModelName string `yaml:"should_run_model_name,omitempty" json:"should_run_model_name,omitempty" jsonschema:"title=Should-Run Model,description=Gate model name"`

	GenerationModelName string `yaml:"generation_model_name,omitempty" json:"generation_model_name,omitempty" jsonschema:"title=Generation Model,description=Structured generation model name"`

	EmbeddingModelName string `yaml:"embedding_model_name,omitempty" json:"embedding_model_name,omitempty" jsonschema:"title=Embedding Model,description=Embedding model name"`

	// APIKey overrides the server-level credential. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=Tenant-level API key override"`

	// BaseURL overrides the default API endpoint.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty" jsonschema:"title=Base URL,description=Custom base URL for API endpoint"`
}

// SetDefaults applies per-provider model defaults.
func (c *TenantLLMConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = LLMProviderOpenAI
	}
	switch c.Provider {
	case LLMProviderOpenAI:
		if c.ShouldRunModelName == "" {
			c.ShouldRunModelName = "gpt-4o-mini"
		}
		if c.GenerationModelName == "" {
			c.GenerationModelName = "gpt-4o"
		}
		if c.EmbeddingModelName == "" {
			c.EmbeddingModelName = "text-embedding-3-small"
		}
	case LLMProviderGemini:
		if c.ShouldRunModelName == "" {
			c.ShouldRunModelName = "gemini-2.0-flash-lite"
		}
		if c.GenerationModelName == "" {
			c.GenerationModelName = "gemini-2.0-flash"
		}
		if c.EmbeddingModelName == "" {
			c.EmbeddingModelName = "text-embedding-004"
		}
	case LLMProviderOllama:
		if c.ShouldRunModelName == "" {
			c.ShouldRunModelName = "llama3.2"
		}
		if c.GenerationModelName == "" {
			c.GenerationModelName = "llama3.2"
		}
		if c.EmbeddingModelName == "" {
			c.EmbeddingModelName = "nomic-embed-text"
		}
	}
}

// Validate checks the LLM configuration.
func (c *TenantLLMConfig) Validate() error {
	switch c.Provider {
	case LLMProviderOpenAI, LLMProviderGemini, LLMProviderOllama:
	default:
		return fmt.Errorf("invalid provider %q (valid: openai, gemini, ollama)", c.Provider)
	}
	return nil
}

// TenantConfig is the per-tenant configuration document served by
// get_config and updated by set_config.
type TenantConfig struct {
	Storage   StorageConfig             `yaml:"storage_config,omitempty" json:"storage_config,omitempty" jsonschema:"title=Storage,description=Artifact storage backend"`
	Profiles  []ProfileExtractorConfig  `yaml:"profile_config,omitempty" json:"profile_config,omitempty" jsonschema:"title=Profile Extractors,description=Semantic profile extractors"`
	Feedbacks []FeedbackExtractorConfig `yaml:"feedback_config,omitempty" json:"feedback_config,omitempty" jsonschema:"title=Feedback Extractors,description=Behavioral feedback extractors"`
	Successes []SuccessEvaluatorConfig  `yaml:"success_config,omitempty" json:"success_config,omitempty" jsonschema:"title=Success Evaluators,description=Request success evaluators"`
	LLM       TenantLLMConfig           `yaml:"llm_config,omitempty" json:"llm_config,omitempty" jsonschema:"title=LLM,description=Model configuration"`
}

// SetDefaults applies default values to every section.
func (c *TenantConfig) SetDefaults() {
	if c.Storage.Type == "" {
		c.Storage.Type = StorageLocal
	}
	for i := range c.Profiles {
		c.Profiles[i].SetDefaults()
	}
	for i := range c.Feedbacks {
		c.Feedbacks[i].SetDefaults()
	}
	for i := range c.Successes {
		c.Successes[i].SetDefaults()
	}
	c.LLM.SetDefaults()
}

// Validate checks the whole document, including name uniqueness across
// each extractor family.
func (c *TenantConfig) Validate() error {
	if c.Storage.Type != StorageLocal && c.Storage.Type != StorageSupabase {
		return fmt.Errorf("invalid storage type %q (valid: local, supabase)", c.Storage.Type)
	}

	seen := make(map[string]bool)
	for i := range c.Profiles {
		if err := c.Profiles[i].Validate(); err != nil {
			return err
		}
		if seen[c.Profiles[i].ExtractorName] {
			return fmt.Errorf("duplicate extractor_name %q", c.Profiles[i].ExtractorName)
		}
		seen[c.Profiles[i].ExtractorName] = true
	}

	seen = make(map[string]bool)
	for i := range c.Feedbacks {
		if err := c.Feedbacks[i].Validate(); err != nil {
			return err
		}
		if seen[c.Feedbacks[i].FeedbackName] {
			return fmt.Errorf("duplicate feedback_name %q", c.Feedbacks[i].FeedbackName)
		}
		seen[c.Feedbacks[i].FeedbackName] = true
	}

	seen = make(map[string]bool)
	for i := range c.Successes {
		if err := c.Successes[i].Validate(); err != nil {
			return err
		}
		if seen[c.Successes[i].EvaluationName] {
			return fmt.Errorf("duplicate evaluation_name %q", c.Successes[i].EvaluationName)
		}
		seen[c.Successes[i].EvaluationName] = true
	}

	return c.LLM.Validate()
}

// ProfileExtractor looks up a profile extractor by name.
func (c *TenantConfig) ProfileExtractor(name string) (*ProfileExtractorConfig, bool) {
	for i := range c.Profiles {
		if c.Profiles[i].ExtractorName == name {
			return &c.Profiles[i], true
		}
	}
	return nil, false
}

// FeedbackExtractor looks up a feedback extractor by name.
func (c *TenantConfig) FeedbackExtractor(name string) (*FeedbackExtractorConfig, bool) {
	for i := range c.Feedbacks {
		if c.Feedbacks[i].FeedbackName == name {
			return &c.Feedbacks[i], true
		}
	}
	return nil, false
}

// SuccessEvaluator looks up a success evaluator by name.
func (c *TenantConfig) SuccessEvaluator(name string) (*SuccessEvaluatorConfig, bool) {
	for i := range c.Successes {
		if c.Successes[i].EvaluationName == name {
			return &c.Successes[i], true
		}
	}
	return nil, false
}

// DecodeTenantConfig decodes an arbitrary JSON document into a TenantConfig,
// applies defaults, and validates. Used by set_config and when reading the
// stored per-tenant document.
func DecodeTenantConfig(input map[string]any) (*TenantConfig, error) {
	cfg := &TenantConfig{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(input); err != nil {
		return nil, fmt.Errorf("failed to decode tenant config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseTenantConfig decodes a raw JSON tenant config document.
func ParseTenantConfig(raw []byte) (*TenantConfig, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to parse tenant config: %w", err)
	}
	return DecodeTenantConfig(m)
}
