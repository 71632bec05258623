package bus

import "fmt"

// ValidationError rejects a malformed message before it touches any
// queue. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s %s", e.Field, e.Reason)
}

// DeliveryError is a retryable handler failure or timeout.
type DeliveryError struct {
	MessageID string
	Reason    string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of %s failed: %s", e.MessageID, e.Reason)
}

// DeadLetteredError is terminal: the message exhausted its retry budget
// and sits in the dead-letter set awaiting manual replay.
type DeadLetteredError struct {
	MessageID string
}

func (e *DeadLetteredError) Error() string {
	return fmt.Sprintf("message %s dead-lettered after exhausting retries", e.MessageID)
}
