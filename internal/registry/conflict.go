package registry

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/agenthub/agenthub/internal/notify"
	"github.com/agenthub/agenthub/pkg/models"
)

// ResolveConflict picks which of the disagreeing agents' answers stands.
// A security-role agent always wins outright; otherwise the fixed role
// hierarchy decides. When no agent holds a ranked role the conflict is
// escalated to human oversight and no winner is returned.
func (r *Registry) ResolveConflict(ctx context.Context, agentIDs []string, data map[string]interface{}) (string, error) {
	if len(agentIDs) == 0 {
		return "", &RoutingError{Reason: "no agents in conflict"}
	}

	type ranked struct {
		id       string
		priority int
	}
	var candidates []ranked
	for _, id := range agentIDs {
		r.mu.RLock()
		agent, ok := r.agents[id]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		// Security overrides the hierarchy unconditionally, and the
		// override itself is never silent.
		if agent.Role == models.RoleSecurity {
			r.notifier.Emit(ctx, notify.NewEvent(notify.EventSecurityOverride, "warning", id, map[string]interface{}{
				"conflicting_agents": agentIDs,
				"data":               data,
			}))
			log.Warn().Str("winner", id).Strs("agents", agentIDs).
				Msg("🛡️ Security role won conflict resolution")
			return id, nil
		}
		if p, ok := models.RolePriority[agent.Role]; ok {
			candidates = append(candidates, ranked{id: id, priority: p})
		}
	}

	if len(candidates) == 0 {
		r.notifier.Emit(ctx, notify.NewEvent(notify.EventConflictEscalated, "critical", "", map[string]interface{}{
			"conflicting_agents": agentIDs,
			"data":               data,
		}))
		return "", &RoutingError{Reason: "no agent holds a ranked role; escalated to human oversight"}
	}

	winner := candidates[0]
	for _, c := range candidates[1:] {
		if c.priority < winner.priority {
			winner = c
		}
	}
	log.Info().Str("winner", winner.id).Strs("agents", agentIDs).Msg("Conflict resolved by role priority")
	return winner.id, nil
}
