package ports

import (
	"context"

	"github.com/layer-3/escrowd/core"
)

// EventPublisher publishes domain events to other instances
type EventPublisher interface {
	PublishEscrow(ctx context.Context, event string, escrow *core.Escrow) error
	PublishAuthenticated(ctx context.Context, identity *core.Identity, receiptID string) error
	PublishPayment(ctx context.Context, event string, payload any) error
}
