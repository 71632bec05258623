// Package registry tracks the agent fleet and routes requests to it:
// capability-based selection, multi-agent coordination with consensus
// scoring, and role-priority conflict resolution. It sits on top of the
// message bus and shares its priority model with the state store.
package registry

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agenthub/agenthub/internal/bus"
	"github.com/agenthub/agenthub/internal/kv"
	"github.com/agenthub/agenthub/internal/notify"
	"github.com/agenthub/agenthub/pkg/models"
)

const (
	agentKeyPrefix = "agent:"

	// HeartbeatTimeout is how long an agent may stay silent before the
	// monitor marks it errored.
	HeartbeatTimeout = 5 * time.Minute

	// DefaultMonitorInterval is how often heartbeats are checked.
	DefaultMonitorInterval = 60 * time.Second

	// SessionTTL is how long a coordination session may stay active.
	SessionTTL = time.Hour
)

// Registry is the agent registry and request router.
type Registry struct {
	bus      *bus.Bus
	store    kv.KV
	notifier *notify.Notifier

	mu       sync.RWMutex
	agents   map[string]*models.AgentDescriptor
	sessions map[string]*models.CoordinationSession

	defaultCapability string
	heartbeatTimeout  time.Duration
	monitorInterval   time.Duration

	totalRequests atomic.Int64
	totalSessions atomic.Int64
}

// New creates a registry over the bus and durable store.
func New(b *bus.Bus, store kv.KV, notifier *notify.Notifier) *Registry {
	return &Registry{
		bus:               b,
		store:             store,
		notifier:          notifier,
		agents:            make(map[string]*models.AgentDescriptor),
		sessions:          make(map[string]*models.CoordinationSession),
		defaultCapability: DefaultCapability,
		heartbeatTimeout:  HeartbeatTimeout,
		monitorInterval:   DefaultMonitorInterval,
	}
}

// ── Fleet management ─────────────────────────────────────────

// Register adds an agent to the fleet and binds its handler on the bus.
func (r *Registry) Register(ctx context.Context, desc *models.AgentDescriptor, handler bus.Handler) error {
	if desc.ID == "" {
		return &RoutingError{Reason: "agent id is empty"}
	}
	now := time.Now().UTC()
	desc.RegisteredAt = now
	desc.LastHeartbeat = now
	if desc.Status == "" {
		desc.Status = models.AgentIdle
	}
	if desc.MaxConcurrent <= 0 {
		desc.MaxConcurrent = 5
	}

	r.mu.Lock()
	if _, exists := r.agents[desc.ID]; exists {
		r.mu.Unlock()
		return &ErrAgentExists{AgentID: desc.ID}
	}
	r.agents[desc.ID] = desc
	r.mu.Unlock()

	if handler != nil {
		r.bus.RegisterHandler(desc.ID, handler)
	}
	r.persistAgent(ctx, desc)

	log.Info().Str("agent", desc.ID).Str("role", string(desc.Role)).
		Strs("capabilities", desc.Capabilities).Msg("🤖 Agent registered")
	return nil
}

// Deregister removes an agent from the fleet and the bus.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	_, ok := r.agents[agentID]
	delete(r.agents, agentID)
	r.mu.Unlock()
	if !ok {
		return &ErrAgentNotFound{AgentID: agentID}
	}
	r.bus.UnregisterHandler(agentID)
	if err := r.store.Delete(ctx, agentKeyPrefix+agentID); err != nil {
		log.Warn().Err(err).Str("agent", agentID).Msg("Agent record delete failed")
	}
	log.Info().Str("agent", agentID).Msg("Agent deregistered")
	return nil
}

// Heartbeat records liveness and current load for an agent.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, status models.AgentStatus, load float64) error {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return &ErrAgentNotFound{AgentID: agentID}
	}
	agent.LastHeartbeat = time.Now().UTC()
	if status != "" {
		agent.Status = status
	}
	if load >= 0 {
		agent.Load = load
	}
	cp := *agent
	r.mu.Unlock()

	r.persistAgent(ctx, &cp)
	return nil
}

// Get returns a copy of one agent's descriptor.
func (r *Registry) Get(agentID string) (*models.AgentDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return nil, &ErrAgentNotFound{AgentID: agentID}
	}
	cp := *agent
	return &cp, nil
}

// List returns copies of all registered agents.
func (r *Registry) List() []models.AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.AgentDescriptor, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	return out
}

// AgentsByRole returns the ids of agents holding a role. Implements the
// workflow engine's RoleDirectory.
func (r *Registry) AgentsByRole(role models.AgentRole) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, a := range r.agents {
		if a.Role == role {
			ids = append(ids, id)
		}
	}
	return ids
}

// Metrics returns a snapshot of fleet and session gauges.
func (r *Registry) Metrics() models.RegistryMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byStatus := make(map[string]int)
	for _, a := range r.agents {
		byStatus[string(a.Status)]++
	}
	active := 0
	for _, s := range r.sessions {
		if s.Status == models.SessionActive {
			active++
		}
	}
	return models.RegistryMetrics{
		Agents:         len(r.agents),
		AgentsByStatus: byStatus,
		ActiveSessions: active,
		TotalRequests:  r.totalRequests.Load(),
		TotalSessions:  r.totalSessions.Load(),
	}
}

// ── Heartbeat monitor ────────────────────────────────────────

// Run watches agent heartbeats until ctx is cancelled. An agent silent
// past the timeout is marked errored and the loss is escalated.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.monitorInterval)
	defer ticker.Stop()
	log.Info().Dur("timeout", r.heartbeatTimeout).Msg("💓 Heartbeat monitor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Heartbeat monitor stopped")
			return
		case <-ticker.C:
			r.checkHeartbeats(ctx)
		}
	}
}

func (r *Registry) checkHeartbeats(ctx context.Context) {
	now := time.Now().UTC()
	r.mu.Lock()
	var lost []string
	for id, a := range r.agents {
		if a.Status != models.AgentError && now.Sub(a.LastHeartbeat) > r.heartbeatTimeout {
			a.Status = models.AgentError
			lost = append(lost, id)
		}
	}
	r.mu.Unlock()

	for _, id := range lost {
		log.Error().Str("agent", id).Msg("Agent heartbeat lost")
		r.notifier.Emit(ctx, notify.NewEvent(notify.EventAgentLost, "critical", id, nil))
		if _, err := r.bus.Broadcast(ctx, "agent_lost", map[string]interface{}{"agent_id": id}, "registry"); err != nil {
			log.Warn().Err(err).Str("agent", id).Msg("Agent-lost broadcast failed")
		}
	}
}

// ── Internals ────────────────────────────────────────────────

// persistAgent mirrors the descriptor into the durable store so other
// processes can see the fleet.
func (r *Registry) persistAgent(ctx context.Context, desc *models.AgentDescriptor) {
	data, err := json.Marshal(desc)
	if err != nil {
		return
	}
	if err := r.store.Set(ctx, agentKeyPrefix+desc.ID, data, 0); err != nil {
		log.Warn().Err(err).Str("agent", desc.ID).Msg("Agent record store failed")
	}
}
