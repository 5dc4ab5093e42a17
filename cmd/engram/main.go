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

// Command engram is the CLI for the Engram behavioral learning service.
//
// Usage:
//
//	engram serve --config engram.yaml
//	engram mcp --config engram.yaml --api-key egk_...
//	engram schema > engram-config-schema.json
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/engramhq/engram"
	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the Engram server."`
	MCP     MCPCmd     `cmd:"" name:"mcp" help:"Serve retrieval tools over MCP stdio for one org."`
	Schema  SchemaCmd  `cmd:"" help:"Generate JSON Schema for the server configuration."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:""`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text, verbose, or json)." default:""`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(engram.GetVersion().String())
	return nil
}

// loadConfig reads the server configuration, or falls back to defaults
// when no file was given.
func loadConfig(path string) (*config.ServerConfig, error) {
	if path != "" {
		cfg, err := config.LoadServerConfig(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, nil
	}
	cfg := &config.ServerConfig{}
	cfg.SetDefaults()
	return cfg, cfg.Validate()
}

// initLogger applies logging configuration with CLI flags taking
// precedence over the config file. The returned cleanup closes the log
// file, if any.
func initLogger(cli *CLI, cfg config.LoggingConfig) (func(), error) {
	levelStr := cli.LogLevel
	if levelStr == "" {
		levelStr = cfg.Level
	}
	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	format := cli.LogFormat
	if format == "" {
		format = cfg.Format
	}

	output := os.Stderr
	cleanup := func() {}
	if cli.LogFile != "" {
		file, closeFn, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output, cleanup = file, closeFn
	}

	logger.Init(level, output, format)
	return cleanup, nil
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("engram"),
		kong.Description("Behavioral learning service for AI agents."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
