package bus

import (
	"context"

	"github.com/agenthub/agenthub/pkg/models"
)

// Handler is the single entrypoint an agent registers with the bus.
// It must return within the bus's delivery timeout or the call counts as
// a delivery failure. Because failed deliveries are retried, Handle must
// tolerate seeing the same message id more than once.
type Handler interface {
	Handle(ctx context.Context, msg *models.Message) (*models.Message, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *models.Message) (*models.Message, error)

func (f HandlerFunc) Handle(ctx context.Context, msg *models.Message) (*models.Message, error) {
	return f(ctx, msg)
}
