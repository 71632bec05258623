// Package workflow runs multi-agent workflows over the message bus.
// Four patterns are supported: sequential (one participant per step),
// parallel (all at once, wait for all), iterative (repeat until a
// termination condition or the step budget runs out), and escalation
// (walk the participant chain until someone succeeds).
//
// A background monitor flags workflows that stop making progress and
// emits a recovery message to the orchestrator role.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/agenthub/agenthub/internal/bus"
	"github.com/agenthub/agenthub/internal/notify"
	"github.com/agenthub/agenthub/pkg/models"
)

const (
	// StuckThreshold is how long an active workflow may go without
	// progress before the monitor flags it.
	StuckThreshold = 30 * time.Minute

	// DefaultMonitorInterval is how often workflow health is checked.
	DefaultMonitorInterval = 60 * time.Second

	// DefaultMaxIterations bounds iterative workflows with no explicit
	// budget in their context.
	DefaultMaxIterations = 5

	stepAction = "workflow_step"
)

// RoleDirectory resolves which agents currently hold a role. The agent
// registry implements it; the engine uses it to find an orchestrator for
// stuck-workflow recovery.
type RoleDirectory interface {
	AgentsByRole(role models.AgentRole) []string
}

// Engine executes workflows and tracks their state.
type Engine struct {
	bus      *bus.Bus
	notifier *notify.Notifier
	roles    RoleDirectory

	mu        sync.RWMutex
	workflows map[string]*models.WorkflowState

	// runs maps workflow id -> cancel func for the executing goroutine.
	runsMu sync.Mutex
	runs   map[string]context.CancelFunc

	stuckThreshold  time.Duration
	monitorInterval time.Duration
}

// NewEngine creates a workflow engine over the bus. roles may be nil;
// stuck recovery then falls back to notification only.
func NewEngine(b *bus.Bus, notifier *notify.Notifier, roles RoleDirectory) *Engine {
	return &Engine{
		bus:             b,
		notifier:        notifier,
		roles:           roles,
		workflows:       make(map[string]*models.WorkflowState),
		runs:            make(map[string]context.CancelFunc),
		stuckThreshold:  StuckThreshold,
		monitorInterval: DefaultMonitorInterval,
	}
}

// SetStuckThreshold overrides how long a workflow may go without
// progress before it is flagged stuck.
func (e *Engine) SetStuckThreshold(d time.Duration) {
	if d > 0 {
		e.stuckThreshold = d
	}
}

// ── Lifecycle ────────────────────────────────────────────────

// Start begins executing a workflow asynchronously. id may be empty, in
// which case one is generated; the final id is returned.
func (e *Engine) Start(ctx context.Context, id string, pattern models.WorkflowPattern, participants []string, wfContext map[string]interface{}) (string, error) {
	if id == "" {
		id = uuid.New().String()
	}
	if len(participants) == 0 {
		return "", fmt.Errorf("workflow %s: no participants", id)
	}
	now := time.Now().UTC()
	wf := &models.WorkflowState{
		ID:           id,
		Pattern:      pattern,
		Participants: participants,
		Status:       models.WorkflowActive,
		Context:      wfContext,
		Results:      make(map[string]interface{}),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	switch pattern {
	case models.PatternSequential, models.PatternEscalation:
		wf.TotalSteps = len(participants)
	case models.PatternParallel:
		wf.TotalSteps = 1
	case models.PatternIterative:
		wf.TotalSteps = maxIterations(wfContext)
	default:
		return "", fmt.Errorf("workflow %s: unknown pattern %q", id, pattern)
	}

	e.mu.Lock()
	if _, exists := e.workflows[id]; exists {
		e.mu.Unlock()
		return "", fmt.Errorf("workflow %s already exists", id)
	}
	e.workflows[id] = wf
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.runsMu.Lock()
	e.runs[id] = cancel
	e.runsMu.Unlock()

	log.Info().Str("workflow", id).Str("pattern", string(pattern)).
		Int("participants", len(participants)).Msg("🔀 Workflow started")

	go func() {
		defer func() {
			e.runsMu.Lock()
			delete(e.runs, id)
			e.runsMu.Unlock()
			cancel()
		}()
		e.execute(runCtx, wf)
	}()
	return id, nil
}

// Cancel stops a running workflow.
func (e *Engine) Cancel(id string) error {
	e.runsMu.Lock()
	cancel, running := e.runs[id]
	e.runsMu.Unlock()
	if running {
		cancel()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	wf, ok := e.workflows[id]
	if !ok {
		return fmt.Errorf("workflow %s not found", id)
	}
	if !wf.Terminal() {
		wf.Status = models.WorkflowCancelled
		wf.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// Get returns a copy of the workflow state.
func (e *Engine) Get(id string) (*models.WorkflowState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[id]
	if !ok {
		return nil, false
	}
	cp := *wf
	return &cp, true
}

// List returns copies of all tracked workflows.
func (e *Engine) List() []models.WorkflowState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.WorkflowState, 0, len(e.workflows))
	for _, wf := range e.workflows {
		out = append(out, *wf)
	}
	return out
}

// Remove drops a terminal workflow from tracking. The janitor calls this.
func (e *Engine) Remove(id string) {
	e.mu.Lock()
	delete(e.workflows, id)
	e.mu.Unlock()
}

// ── Pattern execution ────────────────────────────────────────

func (e *Engine) execute(ctx context.Context, wf *models.WorkflowState) {
	var err error
	switch wf.Pattern {
	case models.PatternSequential:
		err = e.runSequential(ctx, wf)
	case models.PatternParallel:
		err = e.runParallel(ctx, wf)
	case models.PatternIterative:
		err = e.runIterative(ctx, wf)
	case models.PatternEscalation:
		err = e.runEscalation(ctx, wf)
	}
	if ctx.Err() != nil {
		return // cancelled; Cancel already set the status
	}
	if err != nil {
		e.fail(wf, err)
		return
	}
	e.complete(wf)
}

// runSequential advances one participant per step, feeding each step the
// previous step's result.
func (e *Engine) runSequential(ctx context.Context, wf *models.WorkflowState) error {
	var previous interface{}
	for i, agentID := range wf.Participants {
		reply, err := e.dispatchStep(ctx, wf, agentID, i, previous)
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", i, agentID, err)
		}
		previous = stepResult(reply)
		e.mu.Lock()
		wf.Results[agentID] = previous
		wf.CurrentStep = i + 1
		wf.UpdatedAt = time.Now().UTC()
		e.mu.Unlock()
	}
	return nil
}

// runParallel dispatches to every participant at once and waits for all.
// The workflow fails only when nobody succeeds; partial failures are
// recorded and the workflow completes.
func (e *Engine) runParallel(ctx context.Context, wf *models.WorkflowState) error {
	var (
		g, gctx = errgroup.WithContext(ctx)
		mu      sync.Mutex
	)
	succeeded := 0
	for _, agentID := range wf.Participants {
		agentID := agentID
		g.Go(func() error {
			reply, err := e.dispatchStep(gctx, wf, agentID, 0, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Individual failures are recorded, not fatal to the group.
				e.mu.Lock()
				wf.Errors = append(wf.Errors, fmt.Sprintf("%s: %v", agentID, err))
				e.mu.Unlock()
				return nil
			}
			succeeded++
			e.mu.Lock()
			wf.Results[agentID] = stepResult(reply)
			wf.UpdatedAt = time.Now().UTC()
			e.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	e.mu.Lock()
	wf.CurrentStep = 1
	wf.UpdatedAt = time.Now().UTC()
	e.mu.Unlock()
	if succeeded == 0 {
		return fmt.Errorf("all %d participants failed", len(wf.Participants))
	}
	return nil
}

// runIterative repeats the participant sequence until the termination
// condition holds or the iteration budget runs out.
func (e *Engine) runIterative(ctx context.Context, wf *models.WorkflowState) error {
	budget := maxIterations(wf.Context)
	condition, _ := wf.Context["termination_condition"].(string)

	var lastResult interface{}
	for iteration := 1; iteration <= budget; iteration++ {
		for _, agentID := range wf.Participants {
			reply, err := e.dispatchStep(ctx, wf, agentID, iteration, lastResult)
			if err != nil {
				return fmt.Errorf("iteration %d (%s): %w", iteration, agentID, err)
			}
			lastResult = stepResult(reply)
			e.mu.Lock()
			wf.Results[fmt.Sprintf("%s#%d", agentID, iteration)] = lastResult
			e.mu.Unlock()
		}
		e.mu.Lock()
		wf.CurrentStep = iteration
		wf.UpdatedAt = time.Now().UTC()
		e.mu.Unlock()

		if condition != "" && e.terminationMet(wf, condition, iteration, lastResult) {
			log.Info().Str("workflow", wf.ID).Int("iteration", iteration).
				Msg("Iterative workflow met its termination condition")
			return nil
		}
	}
	return nil // budget exhausted is normal completion
}

// runEscalation walks the participant chain in order, stopping at the
// first success. Participants are expected to be ordered from lowest to
// highest priority role.
func (e *Engine) runEscalation(ctx context.Context, wf *models.WorkflowState) error {
	var lastErr error
	for i, agentID := range wf.Participants {
		reply, err := e.dispatchStep(ctx, wf, agentID, i, nil)
		e.mu.Lock()
		wf.CurrentStep = i + 1
		wf.UpdatedAt = time.Now().UTC()
		e.mu.Unlock()
		if err == nil {
			e.mu.Lock()
			wf.Results[agentID] = stepResult(reply)
			e.mu.Unlock()
			return nil
		}
		lastErr = err
		e.mu.Lock()
		wf.Errors = append(wf.Errors, fmt.Sprintf("%s: %v", agentID, err))
		e.mu.Unlock()
		log.Warn().Str("workflow", wf.ID).Str("agent", agentID).Err(err).
			Msg("Escalation step failed, moving up the chain")
	}
	return fmt.Errorf("escalation chain exhausted: %w", lastErr)
}

func (e *Engine) dispatchStep(ctx context.Context, wf *models.WorkflowState, agentID string, step int, previous interface{}) (*models.Message, error) {
	msg := &models.Message{
		From:          "workflow_engine",
		To:            agentID,
		Type:          models.MessageCoordination,
		Action:        stepAction,
		CorrelationID: wf.ID,
		Payload: map[string]interface{}{
			"workflow_id": wf.ID,
			"pattern":     string(wf.Pattern),
			"step":        step,
			"context":     wf.Context,
			"previous":    previous,
		},
	}
	return e.bus.Request(ctx, msg)
}

// terminationMet evaluates the workflow's termination expression against
// the iteration count, the workflow context, and the last step result.
// An invalid expression falls back to the iteration budget alone.
func (e *Engine) terminationMet(wf *models.WorkflowState, condition string, iteration int, result interface{}) bool {
	env := map[string]interface{}{
		"iteration": iteration,
		"context":   wf.Context,
		"result":    result,
	}
	program, err := expr.Compile(condition, expr.Env(env), expr.AsBool())
	if err != nil {
		log.Warn().Err(err).Str("workflow", wf.ID).Str("condition", condition).
			Msg("Termination condition did not compile; using iteration budget")
		return false
	}
	out, err := expr.Run(program, env)
	if err != nil {
		log.Warn().Err(err).Str("workflow", wf.ID).Msg("Termination condition evaluation failed")
		return false
	}
	met, _ := out.(bool)
	return met
}

func (e *Engine) complete(wf *models.WorkflowState) {
	e.mu.Lock()
	wf.Status = models.WorkflowCompleted
	wf.UpdatedAt = time.Now().UTC()
	e.mu.Unlock()
	log.Info().Str("workflow", wf.ID).Str("pattern", string(wf.Pattern)).Msg("✅ Workflow completed")
}

func (e *Engine) fail(wf *models.WorkflowState, err error) {
	e.mu.Lock()
	wf.Status = models.WorkflowFailed
	wf.Errors = append(wf.Errors, err.Error())
	wf.UpdatedAt = time.Now().UTC()
	e.mu.Unlock()
	log.Error().Str("workflow", wf.ID).Err(err).Msg("Workflow failed")
}

// ── Health monitor ───────────────────────────────────────────

// Run watches for stuck workflows until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.monitorInterval)
	defer ticker.Stop()
	log.Info().Dur("threshold", e.stuckThreshold).Msg("🩺 Workflow health monitor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Workflow health monitor stopped")
			return
		case <-ticker.C:
			e.checkHealth(ctx)
		}
	}
}

func (e *Engine) checkHealth(ctx context.Context) {
	now := time.Now().UTC()
	e.mu.Lock()
	var stuck []*models.WorkflowState
	for _, wf := range e.workflows {
		if wf.Status == models.WorkflowActive && now.Sub(wf.UpdatedAt) > e.stuckThreshold {
			wf.Status = models.WorkflowStuck
			stuck = append(stuck, wf)
		}
	}
	e.mu.Unlock()

	for _, wf := range stuck {
		log.Error().Str("workflow", wf.ID).Time("last_progress", wf.UpdatedAt).Msg("Workflow is stuck")
		e.notifier.Emit(ctx, notify.NewEvent(notify.EventWorkflowStuck, "critical", wf.ID, map[string]interface{}{
			"pattern":       string(wf.Pattern),
			"current_step":  wf.CurrentStep,
			"last_progress": wf.UpdatedAt,
		}))
		e.sendRecovery(ctx, wf)
	}
}

// sendRecovery asks an orchestrator-role agent to intervene.
func (e *Engine) sendRecovery(ctx context.Context, wf *models.WorkflowState) {
	if e.roles == nil {
		return
	}
	orchestrators := e.roles.AgentsByRole(models.RoleOrchestrator)
	if len(orchestrators) == 0 {
		return
	}
	msg := &models.Message{
		From:          "workflow_engine",
		To:            orchestrators[0],
		Type:          models.MessageEscalation,
		Action:        "recover_workflow",
		Priority:      models.PriorityCritical,
		CorrelationID: wf.ID,
		Payload: map[string]interface{}{
			"workflow_id": wf.ID,
			"pattern":     string(wf.Pattern),
			"stuck_since": wf.UpdatedAt,
		},
	}
	if _, err := e.bus.Send(ctx, msg); err != nil {
		log.Warn().Err(err).Str("workflow", wf.ID).Msg("Recovery message send failed")
	}
}

// ── Helpers ──────────────────────────────────────────────────

func maxIterations(wfContext map[string]interface{}) int {
	if wfContext != nil {
		switch v := wfContext["max_iterations"].(type) {
		case int:
			if v > 0 {
				return v
			}
		case float64:
			if v > 0 {
				return int(v)
			}
		}
	}
	return DefaultMaxIterations
}

func stepResult(reply *models.Message) interface{} {
	if reply == nil {
		return nil
	}
	if result, ok := reply.Payload["result"]; ok {
		return result
	}
	return reply.Payload
}
