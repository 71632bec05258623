// Package handlers implements the HTTP handlers for the AgentHub
// coordination substrate. Handlers are thin: they decode, call into the
// registry / bus / workflow engine / state store, and encode.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agenthub/agenthub/internal/bus"
	"github.com/agenthub/agenthub/internal/registry"
	"github.com/agenthub/agenthub/internal/state"
	"github.com/agenthub/agenthub/internal/workflow"
	"github.com/agenthub/agenthub/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Registry *registry.Registry
	Bus      *bus.Bus
	Workflow *workflow.Engine
	State    *state.Store
	Txns     *state.Coordinator
}

// New creates a new Handlers instance with all dependencies.
func New(reg *registry.Registry, b *bus.Bus, wf *workflow.Engine, st *state.Store, txns *state.Coordinator) *Handlers {
	return &Handlers{Registry: reg, Bus: b, Workflow: wf, State: st, Txns: txns}
}

// ══════════════════════════════════════════════════════════════
// ── Agent Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.Registry.List()
	if agents == nil {
		agents = []models.AgentDescriptor{}
	}
	respondJSON(w, http.StatusOK, agents)
}

func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var desc models.AgentDescriptor
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	// Agents registered over HTTP are directory entries only; in-process
	// collaborators attach a handler through Registry.Register directly.
	if err := h.Registry.Register(r.Context(), &desc, nil); err != nil {
		var exists *registry.ErrAgentExists
		if errors.As(err, &exists) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, desc)
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.Registry.Get(chi.URLParam(r, "agentID"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (h *Handlers) DeregisterAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if err := h.Registry.Deregister(r.Context(), agentID); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deregistered", "agent": agentID})
}

func (h *Handlers) AgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	var req struct {
		Status models.AgentStatus `json:"status"`
		Load   float64            `json:"load"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Status == "" {
		req.Status = models.AgentIdle
	}
	if err := h.Registry.Heartbeat(r.Context(), agentID, req.Status, req.Load); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ══════════════════════════════════════════════════════════════
// ── Request Routing ──────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) RouteRequest(w http.ResponseWriter, r *http.Request) {
	var req models.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Content == "" {
		respondError(w, http.StatusBadRequest, "Request must include a non-empty 'content' field")
		return
	}
	if req.Priority == "" {
		req.Priority = models.PriorityMedium
	}
	resp, err := h.Registry.Route(r.Context(), &req)
	if err != nil {
		var rerr *registry.RoutingError
		if errors.As(err, &rerr) {
			respondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// ══════════════════════════════════════════════════════════════
// ── Message Bus ──────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	var msg models.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	id, err := h.Bus.Send(r.Context(), &msg)
	if err != nil {
		var verr *bus.ValidationError
		if errors.As(err, &verr) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"message_id": id, "status": "accepted"})
}

func (h *Handlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.Bus.DeadLetters(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	respondJSON(w, http.StatusOK, msgs)
}

func (h *Handlers) ReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	if err := h.Bus.Replay(r.Context(), messageID); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"message_id": messageID, "status": "replayed"})
}

// ══════════════════════════════════════════════════════════════
// ── Workflows ────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) StartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID           string                 `json:"id"`
		Pattern      models.WorkflowPattern `json:"pattern"`
		Participants []string               `json:"participants"`
		Context      map[string]interface{} `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	id, err := h.Workflow.Start(r.Context(), req.ID, req.Pattern, req.Participants, req.Context)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"workflow_id": id, "status": "started"})
}

func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows := h.Workflow.List()
	if workflows == nil {
		workflows = []models.WorkflowState{}
	}
	respondJSON(w, http.StatusOK, workflows)
}

func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.Workflow.Get(chi.URLParam(r, "workflowID"))
	if !ok {
		respondError(w, http.StatusNotFound, "workflow not found")
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

func (h *Handlers) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	if err := h.Workflow.Cancel(workflowID); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"workflow_id": workflowID, "status": "cancelled"})
}

// ══════════════════════════════════════════════════════════════
// ── State Store ──────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) GetState(w http.ResponseWriter, r *http.Request) {
	scope, ok := parseScope(chi.URLParam(r, "scope"))
	if !ok {
		respondError(w, http.StatusBadRequest, "unknown scope")
		return
	}
	consistency := models.ConsistencyEventual
	if r.URL.Query().Get("consistency") == string(models.ConsistencyStrong) {
		consistency = models.ConsistencyStrong
	}
	entry, err := h.State.GetEntry(r.Context(), chi.URLParam(r, "key"), scope, consistency)
	if err != nil {
		var nf *state.ErrNotFound
		if errors.As(err, &nf) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (h *Handlers) PutState(w http.ResponseWriter, r *http.Request) {
	scope, ok := parseScope(chi.URLParam(r, "scope"))
	if !ok {
		respondError(w, http.StatusBadRequest, "unknown scope")
		return
	}
	var req struct {
		Value       interface{}             `json:"value"`
		AgentID     string                  `json:"agent_id"`
		Consistency models.ConsistencyLevel `json:"consistency"`
		Strategy    models.ConflictStrategy `json:"strategy"`
		StateType   models.StateType        `json:"state_type"`
		TTLSeconds  int                     `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.AgentID == "" {
		respondError(w, http.StatusBadRequest, "Request must include a non-empty 'agent_id' field")
		return
	}
	entry, err := h.State.Set(r.Context(), chi.URLParam(r, "key"), req.Value, scope, req.AgentID, state.SetOptions{
		Consistency: req.Consistency,
		Strategy:    req.Strategy,
		Type:        req.StateType,
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		var rejected *state.WriteRejectedError
		if errors.As(err, &rejected) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		var contention *state.LockContentionError
		if errors.As(err, &contention) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (h *Handlers) DeleteState(w http.ResponseWriter, r *http.Request) {
	scope, ok := parseScope(chi.URLParam(r, "scope"))
	if !ok {
		respondError(w, http.StatusBadRequest, "unknown scope")
		return
	}
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		agentID = "api"
	}
	key := chi.URLParam(r, "key")
	if err := h.State.Delete(r.Context(), key, scope, agentID); err != nil {
		var nf *state.ErrNotFound
		if errors.As(err, &nf) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "key": key})
}

func (h *Handlers) CreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	scope, ok := parseScope(chi.URLParam(r, "scope"))
	if !ok {
		respondError(w, http.StatusBadRequest, "unknown scope")
		return
	}
	cp, err := h.State.Checkpoint(r.Context(), scope, chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, cp)
}

func (h *Handlers) RestoreCheckpoint(w http.ResponseWriter, r *http.Request) {
	scope, ok := parseScope(chi.URLParam(r, "scope"))
	if !ok {
		respondError(w, http.StatusBadRequest, "unknown scope")
		return
	}
	name := chi.URLParam(r, "name")
	if err := h.State.Restore(r.Context(), h.Txns, scope, name); err != nil {
		var nf *state.ErrNotFound
		if errors.As(err, &nf) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "restored", "checkpoint": name})
}

// ══════════════════════════════════════════════════════════════
// ── Metrics ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) GetMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"registry": h.Registry.Metrics(),
		"bus":      h.Bus.Metrics(),
	})
}

// ── Helpers ──────────────────────────────────────────────────

func parseScope(raw string) (models.StateScope, bool) {
	for _, scope := range models.Scopes {
		if string(scope) == raw {
			return scope, true
		}
	}
	return "", false
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
