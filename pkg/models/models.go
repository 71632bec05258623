// Package models defines the wire-level types shared across the AgentHub
// coordination plane: messages, agent descriptors, coordination sessions,
// workflow state, and the versioned state entries managed by the state store.
package models

import (
	"time"
)

// ── Priorities & Roles ───────────────────────────────────────

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// AgentRole classifies an agent's responsibility for conflict resolution.
type AgentRole string

const (
	RoleSecurity         AgentRole = "security"
	RoleOrchestrator     AgentRole = "orchestrator"
	RoleCompliance       AgentRole = "compliance"
	RoleQualityAssurance AgentRole = "quality_assurance"
	RoleDesign           AgentRole = "design"
	RoleImplementation   AgentRole = "implementation"
	RoleInformation      AgentRole = "information"
)

// RolePriority is the fixed conflict-resolution hierarchy. Lower wins.
// Security outranks everything; see Registry.ResolveConflict for the
// override that makes that unconditional.
var RolePriority = map[AgentRole]int{
	RoleSecurity:         1,
	RoleOrchestrator:     2,
	RoleCompliance:       3,
	RoleQualityAssurance: 4,
	RoleDesign:           5,
	RoleImplementation:   6,
	RoleInformation:      7,
}

// AgentPriorities ranks well-known agent ids for the agent-priority state
// conflict strategy. Lower wins; unknown agents rank last.
var AgentPriorities = map[string]int{
	"security_validator": 1,
	"intent_router":      2,
	"audit_agent":        3,
	"test_agent":         4,
	"product_architect":  5,
	"code_engineer":      6,
	"research_agent":     7,
}

// DefaultAgentPriority is assigned to agents absent from AgentPriorities.
const DefaultAgentPriority = 999

// AgentPriority returns the conflict-resolution rank for an agent id.
func AgentPriority(agentID string) int {
	if p, ok := AgentPriorities[agentID]; ok {
		return p
	}
	return DefaultAgentPriority
}

// ── Agents ───────────────────────────────────────────────────

type AgentStatus string

const (
	AgentIdle        AgentStatus = "idle"
	AgentBusy        AgentStatus = "busy"
	AgentError       AgentStatus = "error"
	AgentMaintenance AgentStatus = "maintenance"
)

// AgentDescriptor is the registry's record of one worker agent.
type AgentDescriptor struct {
	ID            string            `json:"id"`
	Role          AgentRole         `json:"role"`
	Capabilities  []string          `json:"capabilities"`
	Status        AgentStatus       `json:"status"`
	Load          float64           `json:"load"` // 0..1
	MaxConcurrent int               `json:"max_concurrent"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	RegisteredAt  time.Time         `json:"registered_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Available reports whether the agent may take new work.
func (a *AgentDescriptor) Available() bool {
	return a.Status == AgentIdle && a.Load < 0.8
}

// ── Requests & Responses ─────────────────────────────────────

// Request is a user-originated unit of work submitted to the router.
// Immutable once created.
type Request struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	Content   string                 `json:"content"`
	Priority  Priority               `json:"priority"`
	Context   map[string]interface{} `json:"context,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Response is what the router returns for a Request. AgentID is the
// handling agent's id, or "coordinated" for multi-agent sessions.
type Response struct {
	RequestID       string                 `json:"request_id"`
	AgentID         string                 `json:"agent_id"`
	Status          string                 `json:"status"`
	Result          interface{}            `json:"result,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	ExecutionTimeMs int64                  `json:"execution_time_ms"`
}

// CoordinatedAgentID is the Response.AgentID used for multi-agent sessions.
const CoordinatedAgentID = "coordinated"

// ── Messages ─────────────────────────────────────────────────

type MessageType string

const (
	MessageRequest      MessageType = "request"
	MessageResponse     MessageType = "response"
	MessageEvent        MessageType = "event"
	MessageCoordination MessageType = "coordination"
	MessageEscalation   MessageType = "escalation"
)

// Message is the bus's wire unit. From/To are agent ids; To may be a
// broadcast topic for event messages.
type Message struct {
	ID            string                 `json:"id"`
	From          string                 `json:"from"`
	To            string                 `json:"to"`
	Type          MessageType            `json:"type"`
	Action        string                 `json:"action"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Priority      Priority               `json:"priority"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	InReplyTo     string                 `json:"in_reply_to,omitempty"`
	ExpiresAt     *time.Time             `json:"expires_at,omitempty"`
	RetryCount    int                    `json:"retry_count"`
	MaxRetries    int                    `json:"max_retries"`
}

// Expired reports whether the message's expiry has passed.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// CanRetry reports whether the message has retry budget left.
func (m *Message) CanRetry() bool {
	return m.RetryCount < m.MaxRetries
}

// ── Coordination Sessions ────────────────────────────────────

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
)

// CoordinationSession tracks one multi-agent fan-out for a single request.
type CoordinationSession struct {
	ID               string                 `json:"id"`
	RequestID        string                 `json:"request_id"`
	Agents           []string               `json:"agents"`
	Responses        map[string]interface{} `json:"responses"`
	Errors           map[string]string      `json:"errors,omitempty"`
	Status           SessionStatus          `json:"status"`
	ConsensusReached bool                   `json:"consensus_reached"`
	Confidence       float64                `json:"confidence"`
	CreatedAt        time.Time              `json:"created_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
}

// ── Workflows ────────────────────────────────────────────────

type WorkflowPattern string

const (
	PatternSequential WorkflowPattern = "sequential"
	PatternParallel   WorkflowPattern = "parallel"
	PatternIterative  WorkflowPattern = "iterative"
	PatternEscalation WorkflowPattern = "escalation"
)

type WorkflowStatus string

const (
	WorkflowActive    WorkflowStatus = "active"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
	WorkflowStuck     WorkflowStatus = "stuck"
)

// WorkflowState is the engine's record of one workflow run.
type WorkflowState struct {
	ID           string                 `json:"id"`
	Pattern      WorkflowPattern        `json:"pattern"`
	Participants []string               `json:"participants"`
	CurrentStep  int                    `json:"current_step"`
	TotalSteps   int                    `json:"total_steps"`
	Status       WorkflowStatus         `json:"status"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Results      map[string]interface{} `json:"results,omitempty"`
	Errors       []string               `json:"errors,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// Terminal reports whether the workflow can no longer advance.
func (w *WorkflowState) Terminal() bool {
	switch w.Status {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// ── State Store ──────────────────────────────────────────────

type StateScope string

const (
	ScopeGlobal    StateScope = "global"
	ScopeWorkflow  StateScope = "workflow"
	ScopeAgent     StateScope = "agent"
	ScopeUser      StateScope = "user"
	ScopeTemporary StateScope = "temporary"
)

// Scopes lists every state scope, in sweep order.
var Scopes = []StateScope{ScopeGlobal, ScopeWorkflow, ScopeAgent, ScopeUser, ScopeTemporary}

// StateType classifies what kind of data an entry holds, orthogonal to
// its scope.
type StateType string

const (
	StateConfiguration      StateType = "configuration"
	StateWorkflowState      StateType = "workflow_state"
	StateAgentState         StateType = "agent_state"
	StateUserPreferences    StateType = "user_preferences"
	StateDecisionHistory    StateType = "decision_history"
	StateRiskAssessment     StateType = "risk_assessment"
	StatePerformanceMetrics StateType = "performance_metrics"
)

type ConsistencyLevel string

const (
	ConsistencyStrong   ConsistencyLevel = "strong"
	ConsistencyEventual ConsistencyLevel = "eventual"
	ConsistencyWeak     ConsistencyLevel = "weak"
)

// ConflictStrategy selects how a write against an existing entry resolves.
type ConflictStrategy string

const (
	StrategyLastWriterWins    ConflictStrategy = "last_writer_wins"
	StrategyVersionVector     ConflictStrategy = "version_vector"
	StrategyAgentPriority     ConflictStrategy = "agent_priority"
	StrategyMerge             ConflictStrategy = "merge_strategy"
	StrategyHumanIntervention ConflictStrategy = "human_intervention"
)

// StateEntry is one versioned value in the state store.
type StateEntry struct {
	Key          string                 `json:"key"`
	Value        interface{}            `json:"value"`
	Scope        StateScope             `json:"scope"`
	Type         StateType              `json:"state_type"`
	OwnerAgent   string                 `json:"owner_agent"`
	Version      int64                  `json:"version"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	ExpiresAt    *time.Time             `json:"expires_at,omitempty"`
	Consistency  ConsistencyLevel       `json:"consistency_level"`
	Checksum     string                 `json:"checksum,omitempty"`
	Dependencies []string               `json:"dependencies,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// FullKey returns the scope-qualified store key.
func (e *StateEntry) FullKey() string {
	return string(e.Scope) + ":" + e.Key
}

// StateChangeEvent is published on state_changes:{scope} after every
// accepted write or delete.
type StateChangeEvent struct {
	Operation  string     `json:"operation"` // "updated" or "deleted"
	Key        string     `json:"key"`
	Scope      StateScope `json:"scope"`
	StateType  StateType  `json:"state_type"`
	OwnerAgent string     `json:"owner_agent"`
	Version    int64      `json:"version"`
	Timestamp  time.Time  `json:"timestamp"`
}

// ── Locks ────────────────────────────────────────────────────

type LockType string

const (
	LockExclusive LockType = "exclusive"
	LockShared    LockType = "shared"
	LockIntent    LockType = "intent"
)

// Lock is a lease on a scope-qualified key. Exclusivity is enforced by
// the durable store's set-if-absent primitive, not by this record.
type Lock struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	Type       LockType  `json:"type"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Renewable  bool      `json:"renewable"`
}

// Expired reports whether the lease has lapsed.
func (l *Lock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// ── Transactions ─────────────────────────────────────────────

type TxnStatus string

const (
	TxnPending   TxnStatus = "pending"
	TxnPreparing TxnStatus = "preparing"
	TxnCommitted TxnStatus = "committed"
	TxnAborted   TxnStatus = "aborted"
)

type TxnOpType string

const (
	TxnOpSet    TxnOpType = "set"
	TxnOpDelete TxnOpType = "delete"
)

// TxnOperation is one queued mutation inside a transaction.
type TxnOperation struct {
	Type  TxnOpType   `json:"type"`
	Key   string      `json:"key"`
	Scope StateScope  `json:"scope"`
	Value interface{} `json:"value,omitempty"`
	Agent string      `json:"agent"`
}

// Transaction is a cooperative two-phase-commit unit. Once Status is
// committed or aborted it is terminal and Operations never replay.
type Transaction struct {
	ID           string            `json:"id"`
	Coordinator  string            `json:"coordinator"`
	Participants []string          `json:"participants"`
	Operations   []TxnOperation    `json:"operations"`
	Status       TxnStatus         `json:"status"`
	Votes        map[string]string `json:"votes"` // agent id -> "commit"/"abort"
	CreatedAt    time.Time         `json:"created_at"`
	TimeoutAt    time.Time         `json:"timeout_at"`
}

// Terminal reports whether the transaction reached a final status.
func (t *Transaction) Terminal() bool {
	return t.Status == TxnCommitted || t.Status == TxnAborted
}

// ── Checkpoints ──────────────────────────────────────────────

// Checkpoint is a snapshot of every StateEntry in one scope.
type Checkpoint struct {
	Name      string       `json:"name"`
	Scope     StateScope   `json:"scope"`
	Entries   []StateEntry `json:"entries"`
	CreatedAt time.Time    `json:"created_at"`
}

// ── Audit & Metrics ──────────────────────────────────────────

// AuditRecord is the persisted trace of one message, retained 24h.
type AuditRecord struct {
	Message    Message   `json:"message"`
	Outcome    string    `json:"outcome"` // delivered, queued, rejected, dead_lettered
	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// BusMetrics is a point-in-time snapshot of bus counters.
type BusMetrics struct {
	Sent         int64 `json:"sent"`
	Delivered    int64 `json:"delivered"`
	Failed       int64 `json:"failed"`
	Rejected     int64 `json:"rejected"`
	DeadLettered int64 `json:"dead_lettered"`
	QueueDepth   int   `json:"queue_depth"`
}

// RegistryMetrics is a point-in-time snapshot of registry counters.
type RegistryMetrics struct {
	Agents         int            `json:"agents"`
	AgentsByStatus map[string]int `json:"agents_by_status"`
	ActiveSessions int            `json:"active_sessions"`
	TotalRequests  int64          `json:"total_requests"`
	TotalSessions  int64          `json:"total_sessions"`
}
