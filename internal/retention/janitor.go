// Package retention implements data retention for the AgentHub
// coordination substrate. One background sweep expires stale
// coordination sessions, drops finished workflows past their retention
// window, and removes temporary-scope state entries whose TTL passed.
//
// Retention windows:
//   - coordination sessions: 1 hour of activity
//   - finished workflows:    24 hours after completion
//   - temporary state:       per-entry TTL
//
// The janitor runs as a background goroutine and respects context
// cancellation for graceful shutdown.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agenthub/agenthub/internal/registry"
	"github.com/agenthub/agenthub/internal/state"
	"github.com/agenthub/agenthub/internal/workflow"
	"github.com/agenthub/agenthub/pkg/models"
)

// DefaultInterval is how often the janitor sweeps.
const DefaultInterval = 300 * time.Second

// WorkflowRetention is how long finished workflows stay queryable.
const WorkflowRetention = 24 * time.Hour

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	SessionsExpired  int
	WorkflowsDropped int
	EntriesDropped   int
}

// Janitor periodically expires and purges aged-out coordination data.
type Janitor struct {
	registry *registry.Registry
	engine   *workflow.Engine
	store    *state.Store
	interval time.Duration
}

// NewJanitor creates a retention janitor that runs on the given interval.
func NewJanitor(reg *registry.Registry, engine *workflow.Engine, store *state.Store, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Janitor{registry: reg, engine: engine, store: store, interval: interval}
}

// Start runs the janitor. It blocks until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().Dur("interval", j.interval).Msg("🧹 Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one retention sweep.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	start := time.Now()
	stats := CycleStats{
		SessionsExpired:  j.registry.ExpireSessions(registry.SessionTTL),
		WorkflowsDropped: j.sweepWorkflows(),
		EntriesDropped:   j.sweepTemporaryState(ctx),
	}

	if stats.SessionsExpired > 0 || stats.WorkflowsDropped > 0 || stats.EntriesDropped > 0 {
		log.Info().
			Int("sessions_expired", stats.SessionsExpired).
			Int("workflows_dropped", stats.WorkflowsDropped).
			Int("entries_dropped", stats.EntriesDropped).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
	return stats
}

// sweepWorkflows drops terminal workflows past the retention window.
func (j *Janitor) sweepWorkflows() int {
	cutoff := time.Now().UTC().Add(-WorkflowRetention)
	dropped := 0
	for _, wf := range j.engine.List() {
		if wf.Terminal() && wf.UpdatedAt.Before(cutoff) {
			j.engine.Remove(wf.ID)
			dropped++
		}
	}
	return dropped
}

// sweepTemporaryState removes temporary-scope entries whose TTL passed.
// The backing store expires them lazily; the sweep makes the space
// reclaim eager and evicts them from the read cache.
func (j *Janitor) sweepTemporaryState(ctx context.Context) int {
	entries, err := j.store.ListScope(ctx, models.ScopeTemporary)
	if err != nil {
		log.Warn().Err(err).Msg("Retention janitor: temporary scope list failed")
		return 0
	}
	now := time.Now().UTC()
	dropped := 0
	for _, e := range entries {
		if e.ExpiresAt == nil || e.ExpiresAt.After(now) {
			continue
		}
		if err := j.store.Delete(ctx, e.Key, e.Scope, "retention_janitor"); err != nil {
			log.Warn().Err(err).Str("key", e.Key).Msg("Expired entry delete failed")
			continue
		}
		dropped++
	}
	return dropped
}
