package registry

import "fmt"

// RoutingError means no capable, available agent could serve the
// request. Surfaced to the caller immediately; never retried.
type RoutingError struct {
	RequestID string
	Reason    string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing request %s failed: %s", e.RequestID, e.Reason)
}

// ErrAgentExists rejects duplicate registrations.
type ErrAgentExists struct {
	AgentID string
}

func (e *ErrAgentExists) Error() string {
	return fmt.Sprintf("agent already registered: %s", e.AgentID)
}

// ErrAgentNotFound indicates an unknown agent id.
type ErrAgentNotFound struct {
	AgentID string
}

func (e *ErrAgentNotFound) Error() string {
	return fmt.Sprintf("agent not found: %s", e.AgentID)
}
