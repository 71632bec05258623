// Package server provides the public entry point for initializing the
// AgentHub coordination substrate.
//
// This package exists in pkg/ (not internal/) so that embedders can
// compose the substrate into their own process: register in-process
// agents against Server.Registry, then serve Server.Handler.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/agenthub/agenthub/internal/api"
	"github.com/agenthub/agenthub/internal/api/handlers"
	"github.com/agenthub/agenthub/internal/bus"
	"github.com/agenthub/agenthub/internal/config"
	"github.com/agenthub/agenthub/internal/kv"
	"github.com/agenthub/agenthub/internal/notify"
	"github.com/agenthub/agenthub/internal/registry"
	"github.com/agenthub/agenthub/internal/retention"
	"github.com/agenthub/agenthub/internal/state"
	"github.com/agenthub/agenthub/internal/telemetry"
	"github.com/agenthub/agenthub/internal/workflow"
)

// Server holds the initialized AgentHub substrate.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Registry manages the agent fleet. Exposed so embedders can
	// register in-process agents with live handlers.
	Registry *registry.Registry

	// Bus routes messages between agents.
	Bus *bus.Bus

	// Workflow executes multi-agent workflow patterns.
	Workflow *workflow.Engine

	// State is the versioned distributed state store.
	State *state.Store

	// Txns coordinates two-phase-commit transactions over State.
	Txns *state.Coordinator

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to stop the
	// background loops and flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all components and returns a ready Server. Background
// loops (queue consumer, monitors, sweeps, janitor) start immediately
// and stop when ShutdownFunc is called.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the substrate with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	store, err := newKV(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	notifier := notify.NewNotifier()
	if cfg.Webhook.URL != "" {
		notifier.AddSink(notify.NewWebhookSink(cfg.Webhook.URL))
		log.Info().Str("url", cfg.Webhook.URL).Msg("✅ Alert webhook sink attached")
	}

	locks := state.NewLockManager(store)
	locks.SetSweepInterval(cfg.State.LockSweepInterval)

	stateStore := state.NewStore(store, locks, notifier)
	stateStore.SetMonitorInterval(cfg.State.MonitorInterval)

	txns := state.NewCoordinator(stateStore, locks)
	txns.SetSweepInterval(cfg.State.TxnSweepInterval)
	log.Info().Msg("✅ State store initialized")

	b := bus.New(store)
	b.SetHandlerTimeout(cfg.Bus.HandlerTimeout)
	b.SetMaxRetries(cfg.Bus.MaxRetries)
	log.Info().Msg("✅ Message bus initialized")

	reg := registry.New(b, store, notifier)
	engine := workflow.NewEngine(b, notifier, reg)
	engine.SetStuckThreshold(cfg.Bus.StuckThreshold)
	log.Info().Msg("✅ Agent registry initialized")
	log.Info().Msg("✅ Workflow engine initialized")

	janitor := retention.NewJanitor(reg, engine, stateStore, retention.DefaultInterval)

	// Background loops run until shutdown.
	runCtx, cancel := context.WithCancel(context.Background())
	go b.Run(runCtx)
	go stateStore.Run(runCtx)
	go locks.Run(runCtx)
	go txns.Run(runCtx)
	go reg.Run(runCtx)
	go engine.Run(runCtx)
	go janitor.Start(runCtx)

	h := handlers.New(reg, b, engine, stateStore, txns)
	router := api.NewRouter(cfg, h)

	shutdown := func(ctx context.Context) error {
		cancel()
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Store close failed")
		}
		return telemetryShutdown(ctx)
	}

	return &Server{
		Handler:      router,
		Registry:     reg,
		Bus:          b,
		Workflow:     engine,
		State:        stateStore,
		Txns:         txns,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// newKV picks the durable backend: Redis when an address is configured,
// the in-process store otherwise.
func newKV(ctx context.Context, cfg config.RedisConfig) (kv.KV, error) {
	if cfg.Addr == "" {
		log.Info().Msg("✅ In-memory store initialized")
		return kv.NewMemoryKV(), nil
	}
	store, err := kv.NewRedisKV(ctx, cfg.Addr, cfg.Password, cfg.DB)
	if err != nil {
		return nil, err
	}
	log.Info().Str("addr", cfg.Addr).Msg("✅ Redis store initialized")
	return store, nil
}
