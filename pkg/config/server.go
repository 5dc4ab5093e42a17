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
	"os"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/engramhq/engram/pkg/observability"
)

// ListenConfig is the HTTP listener.
type ListenConfig struct {
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,description=Bind address,default=0.0.0.0"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"title=Port,description=Listen port,default=8080"`
}

func (c *ListenConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
}

func (c *ListenConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}

// Addr returns host:port.
func (c *ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig selects the artifact store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver,omitempty" json:"driver,omitempty" jsonschema:"title=Driver,description=Storage driver,enum=sqlite,enum=postgres,default=sqlite"`
	DSN    string `yaml:"dsn,omitempty" json:"dsn,omitempty" jsonschema:"title=DSN,description=Database path or connection string,default=engram.db"`
}

func (c *DatabaseConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.DSN == "" {
		c.DSN = "engram.db"
	}
}

func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case "sqlite", "postgres":
		return nil
	default:
		return fmt.Errorf("invalid database driver %q (valid: sqlite, postgres)", c.Driver)
	}
}

// AuthConfig seeds org bootstrap.
type AuthConfig struct {
	// BootstrapInvite is ensured as an unused invite code at startup so a
	// fresh deployment can create its first org.
	BootstrapInvite string `yaml:"bootstrap_invite,omitempty" json:"bootstrap_invite,omitempty" jsonschema:"title=Bootstrap Invite,description=Invite code ensured at startup"`
}

// CredentialsConfig carries server-level LLM provider credentials.
// Tenants without their own api_key fall back to these.
type CredentialsConfig struct {
	OpenAIAPIKey  string `yaml:"openai_api_key,omitempty" json:"openai_api_key,omitempty" jsonschema:"title=OpenAI API Key"`
	GeminiAPIKey  string `yaml:"gemini_api_key,omitempty" json:"gemini_api_key,omitempty" jsonschema:"title=Gemini API Key"`
	OllamaBaseURL string `yaml:"ollama_base_url,omitempty" json:"ollama_base_url,omitempty" jsonschema:"title=Ollama Base URL"`
}

// PipelineConfig bounds extraction concurrency.
type PipelineConfig struct {
	WorkerPoolSize int `yaml:"worker_pool_size,omitempty" json:"worker_pool_size,omitempty" jsonschema:"title=Worker Pool Size,description=Concurrent extraction scopes per tenant,default=8"`
}

func (c *PipelineConfig) SetDefaults() {
	if c.WorkerPoolSize == 0 {
		c.WorkerPoolSize = 8
	}
}

func (c *PipelineConfig) Validate() error {
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("worker_pool_size must be at least 1, got %d", c.WorkerPoolSize)
	}
	return nil
}

// LoggingConfig controls slog initialization.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty" jsonschema:"title=Level,enum=debug,enum=info,enum=warn,enum=error,default=info"`
	Format string `yaml:"format,omitempty" json:"format,omitempty" jsonschema:"title=Format,enum=text,enum=json,default=text"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

func (c *LoggingConfig) Validate() error {
	switch c.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q (valid: text, json)", c.Format)
	}
	return nil
}

// ServerConfig is the engram process configuration, loaded once at
// startup from YAML with ${ENV_VAR} expansion.
type ServerConfig struct {
	Server        ListenConfig         `yaml:"server,omitempty" json:"server,omitempty" jsonschema:"title=Server"`
	Database      DatabaseConfig       `yaml:"database,omitempty" json:"database,omitempty" jsonschema:"title=Database"`
	Auth          AuthConfig           `yaml:"auth,omitempty" json:"auth,omitempty" jsonschema:"title=Auth"`
	LLM           CredentialsConfig    `yaml:"llm,omitempty" json:"llm,omitempty" jsonschema:"title=LLM Credentials"`
	Pipeline      PipelineConfig       `yaml:"pipeline,omitempty" json:"pipeline,omitempty" jsonschema:"title=Pipeline"`
	Logging       LoggingConfig        `yaml:"logging,omitempty" json:"logging,omitempty" jsonschema:"title=Logging"`
	Observability observability.Config `yaml:"observability,omitempty" json:"observability,omitempty" jsonschema:"title=Observability"`

	// TenantDefaults applies to orgs that have not stored a configuration
	// of their own. This section hot-reloads while the server runs.
	TenantDefaults *TenantConfig `yaml:"tenant_defaults,omitempty" json:"tenant_defaults,omitempty" jsonschema:"title=Tenant Defaults,description=Configuration for orgs without one"`
}

// SetDefaults applies default values.
func (c *ServerConfig) SetDefaults() {
	c.Server.SetDefaults()
	c.Database.SetDefaults()
	c.Pipeline.SetDefaults()
	c.Logging.SetDefaults()
	c.Observability.SetDefaults()
	if c.TenantDefaults != nil {
		c.TenantDefaults.SetDefaults()
	}
}

// Validate checks the configuration.
func (c *ServerConfig) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	if c.TenantDefaults != nil {
		if err := c.TenantDefaults.Validate(); err != nil {
			return fmt.Errorf("tenant_defaults: %w", err)
		}
	}
	return nil
}

// LoadServerConfig reads a YAML config file, expands environment
// references, applies defaults and validates.
func LoadServerConfig(path string) (*ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parseServerConfig(raw)
}

func parseServerConfig(raw []byte) (*ServerConfig, error) {
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	expanded, err := yaml.Marshal(expandEnvInData(tree))
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ServerConfigSchema emits the JSON schema of the server configuration.
func ServerConfigSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{ExpandedStruct: true, DoNotReference: false}
	schema := reflector.Reflect(&ServerConfig{})
	schema.Title = "Engram Server Configuration"
	out, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return out, nil
}
