package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/agenthub/agenthub/pkg/models"
)

// ConsensusThreshold is the fraction of dispatched agents that must
// respond successfully for a session to reach consensus.
const ConsensusThreshold = 0.6

// Route selects agents for the request and dispatches it: one agent
// directly, several through a coordination session.
func (r *Registry) Route(ctx context.Context, req *models.Request) (*models.Response, error) {
	start := time.Now()
	r.totalRequests.Add(1)
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	selected := r.SelectAgents(req)
	if len(selected) == 0 {
		return nil, &RoutingError{RequestID: req.ID, Reason: "no capable agent available"}
	}

	if len(selected) == 1 {
		result, err := r.dispatch(ctx, selected[0], req, "")
		if err != nil {
			return nil, &RoutingError{RequestID: req.ID, Reason: err.Error()}
		}
		return &models.Response{
			RequestID:       req.ID,
			AgentID:         selected[0],
			Status:          "success",
			Result:          result,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
		}, nil
	}
	return r.Coordinate(ctx, req, selected)
}

// Coordinate fans the request out to all given agents concurrently,
// collects their responses, and scores consensus. Individual agent
// failures are excluded from the result set, not fatal to the session.
func (r *Registry) Coordinate(ctx context.Context, req *models.Request, agentIDs []string) (*models.Response, error) {
	start := time.Now()
	r.totalSessions.Add(1)

	session := &models.CoordinationSession{
		ID:        uuid.New().String(),
		RequestID: req.ID,
		Agents:    agentIDs,
		Responses: make(map[string]interface{}),
		Errors:    make(map[string]string),
		Status:    models.SessionActive,
		CreatedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.sessions[session.ID] = session
	r.mu.Unlock()

	log.Info().Str("session", session.ID).Str("request", req.ID).
		Int("agents", len(agentIDs)).Msg("🤝 Coordination session started")

	var (
		g, gctx = errgroup.WithContext(ctx)
		mu      sync.Mutex
	)
	for _, agentID := range agentIDs {
		agentID := agentID
		g.Go(func() error {
			result, err := r.dispatch(gctx, agentID, req, session.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				session.Errors[agentID] = err.Error()
				return nil
			}
			session.Responses[agentID] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	valid := len(session.Responses)
	consensus := float64(valid) >= float64(len(agentIDs))*ConsensusThreshold
	confidence := confidenceScore(valid)

	now := time.Now().UTC()
	r.mu.Lock()
	session.Status = models.SessionCompleted
	session.ConsensusReached = consensus
	session.Confidence = confidence
	session.CompletedAt = &now
	r.mu.Unlock()

	log.Info().Str("session", session.ID).Int("valid", valid).Int("dispatched", len(agentIDs)).
		Bool("consensus", consensus).Float64("confidence", confidence).Msg("Coordination session finished")

	return &models.Response{
		RequestID: req.ID,
		AgentID:   models.CoordinatedAgentID,
		Status:    "success",
		Result: map[string]interface{}{
			"session_id":        session.ID,
			"responses":         session.Responses,
			"errors":            session.Errors,
			"agent_count":       valid,
			"consensus_reached": consensus,
			"confidence":        confidence,
		},
		Metadata:        map[string]interface{}{"agents": agentIDs},
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

// Session returns a copy of a coordination session.
func (r *Registry) Session(id string) (*models.CoordinationSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// ExpireSessions marks sessions older than maxAge expired and drops
// ones already terminal. Returns how many were expired. The retention
// janitor drives this.
func (r *Registry) ExpireSessions(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	expired := 0
	for id, s := range r.sessions {
		if s.CreatedAt.After(cutoff) {
			continue
		}
		if s.Status == models.SessionActive {
			s.Status = models.SessionExpired
			expired++
		} else {
			delete(r.sessions, id)
		}
	}
	return expired
}

// dispatch sends the request to one agent over the bus and returns the
// reply payload.
func (r *Registry) dispatch(ctx context.Context, agentID string, req *models.Request, sessionID string) (interface{}, error) {
	msgType := models.MessageRequest
	if sessionID != "" {
		msgType = models.MessageCoordination
	}
	msg := &models.Message{
		From:          "registry",
		To:            agentID,
		Type:          msgType,
		Action:        "handle_request",
		Priority:      req.Priority,
		CorrelationID: sessionID,
		Payload: map[string]interface{}{
			"request_id": req.ID,
			"user_id":    req.UserID,
			"content":    req.Content,
			"context":    req.Context,
		},
	}
	reply, err := r.bus.Request(ctx, msg)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, nil
	}
	if result, ok := reply.Payload["result"]; ok {
		return result, nil
	}
	return reply.Payload, nil
}

// confidenceScore grows with agreeing responses: base 0.5, +0.1 each,
// capped at 1.0.
func confidenceScore(valid int) float64 {
	if valid == 0 {
		return 0
	}
	bonus := 0.1 * float64(valid)
	if bonus > 0.4 {
		bonus = 0.4
	}
	score := 0.5 + bonus
	if score > 1.0 {
		return 1.0
	}
	return score
}
