package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/escrowd/core"
	"github.com/layer-3/escrowd/ports"
)

const (
	TopicEscrow        = "escrow.events"
	TopicAuthenticated = "siwa.authenticated"
	TopicPayments      = "payments.events"
)

// EscrowEvent is published after every committed escrow transition
type EscrowEvent struct {
	Type       string           `json:"type"`
	EscrowID   string           `json:"escrow_id"`
	State      core.EscrowState `json:"state"`
	Payer      string           `json:"payer"`
	Payee      string           `json:"payee"`
	Amount     core.Amount      `json:"amount"`
	TxRef      string           `json:"tx_ref,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// AuthenticatedEvent is published after a successful sign-in
type AuthenticatedEvent struct {
	PublicKey  string    `json:"public_key"`
	AgentID    string    `json:"agent_id"`
	ReceiptID  string    `json:"receipt_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PaymentEvent wraps a payment request or 8004 record
type PaymentEvent struct {
	Type       string    `json:"type"`
	Payload    any       `json:"payload"`
	OccurredAt time.Time `json:"occurred_at"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) ports.EventPublisher {
	return &WatermillPublisher{publisher: publisher}
}

// PublishEscrow publishes an escrow transition
func (p *WatermillPublisher) PublishEscrow(ctx context.Context, event string, escrow *core.Escrow) error {
	return p.publish(ctx, TopicEscrow, EscrowEvent{
		Type:       event,
		EscrowID:   escrow.ID,
		State:      escrow.State,
		Payer:      escrow.Participants.Payer,
		Payee:      escrow.Participants.Payee,
		Amount:     escrow.Amount,
		TxRef:      latestRef(escrow.TransactionRefs),
		OccurredAt: time.Now().UTC(),
	})
}

// PublishAuthenticated publishes a successful sign-in
func (p *WatermillPublisher) PublishAuthenticated(ctx context.Context, identity *core.Identity, receiptID string) error {
	return p.publish(ctx, TopicAuthenticated, AuthenticatedEvent{
		PublicKey:  identity.PublicKey,
		AgentID:    identity.AgentID,
		ReceiptID:  receiptID,
		OccurredAt: time.Now().UTC(),
	})
}

// PublishPayment publishes a payment outcome
func (p *WatermillPublisher) PublishPayment(ctx context.Context, event string, payload any) error {
	return p.publish(ctx, TopicPayments, PaymentEvent{
		Type:       event,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	})
}

func (p *WatermillPublisher) publish(ctx context.Context, topic string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

func latestRef(refs core.TransactionRefs) string {
	for _, ref := range []string{refs.Refund, refs.Release, refs.Funding, refs.Creation} {
		if ref != "" {
			return ref
		}
	}
	return ""
}
