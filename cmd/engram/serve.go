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
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/engramhq/engram/pkg/api"
	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/llm"
	"github.com/engramhq/engram/pkg/observability"
	"github.com/engramhq/engram/pkg/pipeline"
	"github.com/engramhq/engram/pkg/profilecache"
	"github.com/engramhq/engram/pkg/store"
)

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Port  int  `help:"Override the configured listen port."`
	Watch bool `help:"Watch the config file and hot-reload tenant defaults."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	cleanup, err := initLogger(cli, cfg.Logging)
	if err != nil {
		return err
	}
	defer cleanup()

	obs := observability.NewManager(cfg.Observability)
	if err := obs.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = obs.Shutdown(shutdownCtx)
	}()

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	if cfg.Auth.BootstrapInvite != "" {
		if err := st.EnsureInvite(ctx, cfg.Auth.BootstrapInvite, "bootstrap"); err != nil {
			return err
		}
		slog.Info("Bootstrap invite ensured")
	}

	factory := pipeline.NewClientFactory(llm.Credentials{
		OpenAIAPIKey:  cfg.LLM.OpenAIAPIKey,
		GeminiAPIKey:  cfg.LLM.GeminiAPIKey,
		OllamaBaseURL: cfg.LLM.OllamaBaseURL,
	})
	cache := profilecache.New(st)
	coord := pipeline.New(st, cache, factory, cfg.Pipeline.WorkerPoolSize)
	coord.SetTenantDefaults(cfg.TenantDefaults)

	if c.Watch && cli.Config != "" {
		err := config.WatchServerConfig(ctx, cli.Config, slog.Default(), func(next *config.ServerConfig) {
			coord.SetTenantDefaults(next.TenantDefaults)
		})
		if err != nil {
			return fmt.Errorf("failed to watch config: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.New(st, cache, coord, factory).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Engram server listening",
			"addr", cfg.Server.Addr(), "driver", cfg.Database.Driver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	fmt.Printf("\nEngram server ready!\n")
	fmt.Printf("   API:      http://%s/v1\n", cfg.Server.Addr())
	fmt.Printf("   Health:   http://%s/healthz\n", cfg.Server.Addr())
	if cfg.Observability.Metrics.Enabled {
		fmt.Printf("   Metrics:  http://%s/metrics\n", cfg.Server.Addr())
	}
	fmt.Println("\nPress Ctrl+C to stop")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down...")
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	return srv.Shutdown(shutdownCtx)
}
