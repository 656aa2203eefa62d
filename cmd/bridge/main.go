// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package main is the mcp-bridge process entrypoint: load configuration,
// construct every component, wire the HTTP server, and run until a
// shutdown signal arrives.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperbridge/mcp-bridge/internal/agentclient"
	"github.com/hyperbridge/mcp-bridge/internal/config"
	"github.com/hyperbridge/mcp-bridge/internal/correlation"
	"github.com/hyperbridge/mcp-bridge/internal/dispatcher"
	"github.com/hyperbridge/mcp-bridge/internal/frontend"
	"github.com/hyperbridge/mcp-bridge/internal/logging"
	"github.com/hyperbridge/mcp-bridge/internal/mcpsession"
	"github.com/hyperbridge/mcp-bridge/internal/query"
	"github.com/hyperbridge/mcp-bridge/internal/scheduler"
	"github.com/hyperbridge/mcp-bridge/internal/transport"
)

const shutdownGracePeriod = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	baseLog, err := logging.New()
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer baseLog.Sync()

	sched := scheduler.New()
	registry := frontend.New(sched, cfg.MaxSessionsPerToken, cfg.SessionCapPolicy, cfg.SessionMaxDuration, logging.Component(baseLog, "frontend"))
	corr := correlation.New(sched, logging.Component(baseLog, "correlation"))
	agentClient := agentclient.New(cfg.AgentURL, cfg.AgentAuthToken)
	queries := query.New(cfg.AgentURL, agentClient, registry, cfg.MaxInFlightQueriesPerToken, logging.Component(baseLog, "query"))
	mcpSessions := mcpsession.New(sched, logging.Component(baseLog, "mcpsession"))

	transportHandler := transport.New(registry, corr, queries, logging.Component(baseLog, "transport"))
	mcpDispatcher := dispatcher.New(registry, corr, queries, mcpSessions, cfg, logging.Component(baseLog, "dispatcher"))

	root := chi.NewRouter()
	root.Handle("/ws", transportHandler)
	root.Mount("/", mcpDispatcher.Router())

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: root,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		baseLog.Sugar().Infof("listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			baseLog.Sugar().Fatalf("http server error: %v", err)
		}
	}()

	sig := <-shutdown
	baseLog.Sugar().Infof("received signal %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		baseLog.Sugar().Warnf("http server shutdown error: %v", err)
	}

	// Close every live frontend socket with code 1000 before tearing down
	// the registry's idle-expiry ticker (spec.md §5's close() semantics).
	for _, session := range registry.All() {
		session.Conn().Close(1000, "server shutting down")
	}
	registry.Shutdown()

	// Every live McpSession's writer slot is dropped and its entry removed.
	for _, session := range mcpSessions.All() {
		mcpSessions.Delete(session.ID)
	}
	mcpSessions.Shutdown()

	sched.Dispose()

	baseLog.Info("bridge stopped")
}
