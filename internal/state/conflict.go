package state

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/agenthub/agenthub/internal/notify"
	"github.com/agenthub/agenthub/pkg/models"
)

// resolverFunc decides a write against an existing entry. It returns the
// value to persist and whether the write is accepted at all. A rejected
// write leaves the stored entry and its version untouched.
type resolverFunc func(ctx context.Context, existing *models.StateEntry, newValue interface{}, agent string) (interface{}, bool)

func (s *Store) conflictResolvers() map[models.ConflictStrategy]resolverFunc {
	return map[models.ConflictStrategy]resolverFunc{
		models.StrategyLastWriterWins:    s.resolveLastWriterWins,
		models.StrategyVersionVector:     s.resolveVersionVector,
		models.StrategyAgentPriority:     s.resolveAgentPriority,
		models.StrategyMerge:             s.resolveMerge,
		models.StrategyHumanIntervention: s.resolveHumanIntervention,
	}
}

func (s *Store) resolveLastWriterWins(ctx context.Context, existing *models.StateEntry, newValue interface{}, agent string) (interface{}, bool) {
	return newValue, true
}

// resolveVersionVector is a stub pending a product decision on real
// vector-clock semantics; it currently behaves like last-writer-wins.
func (s *Store) resolveVersionVector(ctx context.Context, existing *models.StateEntry, newValue interface{}, agent string) (interface{}, bool) {
	log.Warn().Str("key", existing.Key).Str("scope", string(existing.Scope)).
		Msg("version_vector strategy is a stub; falling back to last-writer-wins")
	return newValue, true
}

// resolveAgentPriority accepts the write only when the writer ranks at
// least as high as the current owner. Lower number wins; unknown agents
// rank last.
func (s *Store) resolveAgentPriority(ctx context.Context, existing *models.StateEntry, newValue interface{}, agent string) (interface{}, bool) {
	if models.AgentPriority(agent) <= models.AgentPriority(existing.OwnerAgent) {
		return newValue, true
	}
	return nil, false
}

// resolveMerge shallow-merges top-level keys when both values are maps;
// otherwise it overwrites. Nested structures are replaced wholesale.
func (s *Store) resolveMerge(ctx context.Context, existing *models.StateEntry, newValue interface{}, agent string) (interface{}, bool) {
	oldMap, oldOK := existing.Value.(map[string]interface{})
	newMap, newOK := newValue.(map[string]interface{})
	if !oldOK || !newOK {
		return newValue, true
	}
	merged := make(map[string]interface{}, len(oldMap)+len(newMap))
	for k, v := range oldMap {
		merged[k] = v
	}
	for k, v := range newMap {
		merged[k] = v
	}
	return merged, true
}

// resolveHumanIntervention always rejects and escalates for manual review.
func (s *Store) resolveHumanIntervention(ctx context.Context, existing *models.StateEntry, newValue interface{}, agent string) (interface{}, bool) {
	s.notifier.Emit(ctx, notify.NewEvent(notify.EventHumanIntervention, "warning", existing.FullKey(), map[string]interface{}{
		"owner_agent":   existing.OwnerAgent,
		"writing_agent": agent,
		"version":       existing.Version,
	}))
	return nil, false
}
