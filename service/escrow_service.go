package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/escrowd/core"
	"github.com/layer-3/escrowd/ports"
)

// Escrow events
const (
	EventEscrowCreated  = "created"
	EventEscrowFunded   = "funded"
	EventEscrowReleased = "released"
	EventEscrowRefunded = "refunded"
)

// EscrowConfig holds the escrow policy
type EscrowConfig struct {
	DefaultTTL time.Duration
	// Custody is the account that holds escrowed funds. When set, funding
	// transactions are checked against the ledger.
	Custody string
}

// CreateEscrowInput are the parameters of a new escrow
type CreateEscrowInput struct {
	Payer      string          `json:"payer"`
	Payee      string          `json:"payee"`
	Arbiter    string          `json:"arbiter,omitempty"`
	Amount     core.Amount     `json:"amount"`
	ExpiresAt  *time.Time      `json:"expiresAt,omitempty"`
	Conditions core.Conditions `json:"conditions"`
}

// EscrowService is the escrow state machine
type EscrowService struct {
	store    ports.EscrowStore
	ledger   ports.Ledger
	parties  ports.SignatureVerifier
	eventPub ports.EventPublisher

	cfg   EscrowConfig
	locks keyedMutex
	options
}

// NewEscrowService creates a new escrow service. parties validates participant
// identifiers.
func NewEscrowService(
	store ports.EscrowStore,
	ledger ports.Ledger,
	parties ports.SignatureVerifier,
	eventPub ports.EventPublisher,
	cfg EscrowConfig,
	opts ...Option,
) *EscrowService {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}

	return &EscrowService{
		store:    store,
		ledger:   ledger,
		parties:  parties,
		eventPub: eventPub,
		cfg:      cfg,
		options:  applyOptions(opts),
	}
}

// Create registers a new escrow in CREATED state. No funds move.
func (s *EscrowService) Create(ctx context.Context, in CreateEscrowInput) (*core.Escrow, error) {
	if err := in.Amount.Validate(); err != nil {
		return nil, err
	}
	if err := s.validateParties(in); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	expiresAt := now.Add(s.cfg.DefaultTTL)
	if in.ExpiresAt != nil {
		if !in.ExpiresAt.After(now) {
			return nil, core.ErrInvalidRequest.WithMessage("expiresAt must be in the future")
		}
		expiresAt = in.ExpiresAt.UTC()
	}

	escrow := &core.Escrow{
		ID:           "escrow_" + uuid.New().String(),
		Participants: core.Participants{Payer: in.Payer, Payee: in.Payee, Arbiter: in.Arbiter},
		Amount:       in.Amount,
		State:        core.EscrowCreated,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
		Conditions:   in.Conditions,
	}
	escrow.Conditions.AutoReleaseAfter = cloneTimeUTC(in.Conditions.AutoReleaseAfter)

	if err := s.store.Create(ctx, escrow); err != nil {
		return nil, fmt.Errorf("failed to store escrow: %w", err)
	}

	s.logger.Info("escrow created", "id", escrow.ID, "payer", in.Payer, "payee", in.Payee, "amount", in.Amount.Value, "asset", in.Amount.AssetCode)
	s.publish(ctx, EventEscrowCreated, escrow)
	return escrow, nil
}

func (s *EscrowService) validateParties(in CreateEscrowInput) error {
	if !s.parties.ValidAddress(in.Payer) {
		return core.ErrInvalidParty.WithMessage("invalid payer")
	}
	if !s.parties.ValidAddress(in.Payee) {
		return core.ErrInvalidParty.WithMessage("invalid payee")
	}
	if in.Arbiter != "" && !s.parties.ValidAddress(in.Arbiter) {
		return core.ErrInvalidParty.WithMessage("invalid arbiter")
	}
	if sameAddress(in.Payer, in.Payee) {
		return core.ErrInvalidParty.WithMessage("payer and payee must differ")
	}
	if in.Conditions.RequireArbiterApproval && in.Arbiter == "" {
		return core.ErrInvalidParty.WithMessage("arbiter approval requires an arbiter")
	}
	return nil
}

// Get returns an escrow by id
func (s *EscrowService) Get(ctx context.Context, id string) (*core.Escrow, error) {
	escrow, err := s.store.Get(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		return nil, core.ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load escrow: %w", err)
	}
	return escrow, nil
}

// Status derives the current status view of an escrow
func (s *EscrowService) Status(ctx context.Context, id string) (core.EscrowStatus, error) {
	escrow, err := s.Get(ctx, id)
	if err != nil {
		return core.EscrowStatus{}, err
	}
	return escrow.StatusAt(s.now()), nil
}

// List returns the escrows a participant is party to
func (s *EscrowService) List(ctx context.Context, participant string) ([]*core.Escrow, error) {
	if participant == "" {
		return nil, core.ErrInvalidRequest.WithMessage("participant is required")
	}
	return s.store.ListByParticipant(ctx, participant)
}

// Fund records the funding transaction and moves the escrow to FUNDED
func (s *EscrowService) Fund(ctx context.Context, id, fundingTxRef string) (*core.Escrow, error) {
	if fundingTxRef == "" {
		return nil, core.ErrInvalidRequest.WithMessage("funding transaction reference is required")
	}

	unlock := s.locks.lock(id)
	defer unlock()

	escrow, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.State != core.EscrowCreated {
		return nil, core.ErrInvalidState.WithMessage("cannot fund escrow in state %s", escrow.State)
	}

	if s.cfg.Custody != "" {
		if err := s.checkFunding(ctx, escrow, fundingTxRef); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	escrow.State = core.EscrowFunded
	escrow.FundedAt = &now
	escrow.TransactionRefs.Funding = fundingTxRef

	if err := s.store.CompareAndSwap(ctx, escrow); err != nil {
		return nil, fmt.Errorf("failed to update escrow: %w", err)
	}

	s.logger.Info("escrow funded", "id", id, "txRef", fundingTxRef)
	s.publish(ctx, EventEscrowFunded, escrow)
	return escrow, nil
}

func (s *EscrowService) checkFunding(ctx context.Context, escrow *core.Escrow, txRef string) error {
	ctx, cancel := context.WithTimeout(ctx, s.ledgerTimeout)
	defer cancel()

	transfer, err := s.ledger.FindTransfer(ctx, txRef)
	if errors.Is(err, core.ErrTxNotFound) {
		return core.ErrFundingMismatch.WithCause(err)
	}
	if err != nil {
		return ledgerError(err)
	}

	expected := core.Transfer{From: escrow.Participants.Payer, To: s.cfg.Custody, Amount: escrow.Amount}
	if !transfer.Matches(expected) {
		return core.ErrFundingMismatch
	}
	return nil
}

// Release pays the escrowed amount to the payee
func (s *EscrowService) Release(ctx context.Context, id, requester string) (*core.Escrow, error) {
	return s.release(ctx, id, requester, func(e *core.Escrow) bool {
		return e.MayRelease(requester)
	})
}

// AutoRelease releases on behalf of the system once autoReleaseAfter has
// passed. It is time-gated instead of identity-gated.
func (s *EscrowService) AutoRelease(ctx context.Context, id string) (*core.Escrow, error) {
	return s.release(ctx, id, core.SystemRequester, func(e *core.Escrow) bool {
		return e.CanAutoRelease(s.now())
	})
}

func (s *EscrowService) release(ctx context.Context, id, requester string, authorized func(*core.Escrow) bool) (*core.Escrow, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	escrow, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch {
	case escrow.State.IsTerminal():
		return nil, core.ErrAlreadyProcessed.WithMessage("escrow already %s", escrow.State)
	case escrow.State != core.EscrowFunded:
		return nil, core.ErrInvalidState.WithMessage("cannot release escrow in state %s", escrow.State)
	case escrow.IsExpired(s.now()):
		return nil, core.ErrEscrowExpired
	case !authorized(escrow):
		return nil, core.ErrUnauthorized.WithMessage("%s may not release this escrow", requester)
	}

	tx, err := s.settle(ctx, escrow, escrow.Participants.Payee, "release")
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	escrow.State = core.EscrowReleased
	escrow.ReleasedAt = &now
	escrow.TransactionRefs.Release = tx.Hash

	if err := s.store.CompareAndSwap(ctx, escrow); err != nil {
		// The payout is keyed by escrow id, so a retry will not pay twice
		s.logger.Error("released escrow not recorded", "id", id, "txHash", tx.Hash, "error", err)
		return nil, fmt.Errorf("failed to update escrow: %w", err)
	}

	s.logger.Info("escrow released", "id", id, "requester", requester, "txHash", tx.Hash)
	s.publish(ctx, EventEscrowReleased, escrow)
	return escrow, nil
}

// Refund returns the escrowed amount to the payer. reason is optional.
func (s *EscrowService) Refund(ctx context.Context, id, requester, reason string) (*core.Escrow, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	escrow, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch {
	case escrow.State.IsTerminal():
		return nil, core.ErrAlreadyProcessed.WithMessage("escrow already %s", escrow.State)
	case escrow.State != core.EscrowFunded:
		return nil, core.ErrInvalidState.WithMessage("cannot refund escrow in state %s", escrow.State)
	case !escrow.MayRefund(requester, s.now()):
		return nil, core.ErrUnauthorized.WithMessage("%s may not refund this escrow", requester)
	}

	tx, err := s.settle(ctx, escrow, escrow.Participants.Payer, "refund")
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	escrow.State = core.EscrowRefunded
	escrow.RefundedAt = &now
	escrow.RefundReason = reason
	escrow.TransactionRefs.Refund = tx.Hash

	if err := s.store.CompareAndSwap(ctx, escrow); err != nil {
		s.logger.Error("refunded escrow not recorded", "id", id, "txHash", tx.Hash, "error", err)
		return nil, fmt.Errorf("failed to update escrow: %w", err)
	}

	s.logger.Info("escrow refunded", "id", id, "requester", requester, "txHash", tx.Hash)
	s.publish(ctx, EventEscrowRefunded, escrow)
	return escrow, nil
}

// settle asks the ledger to pay out. State is untouched on failure so the
// caller may retry; the idempotency key keeps retries from paying twice.
func (s *EscrowService) settle(ctx context.Context, escrow *core.Escrow, destination, action string) (*core.LedgerTx, error) {
	ctx, cancel := context.WithTimeout(ctx, s.ledgerTimeout)
	defer cancel()

	key := fmt.Sprintf("escrow:%s:%s", escrow.ID, action)
	tx, err := s.ledger.Pay(ctx, destination, escrow.Amount, key)
	if err != nil {
		s.logger.Warn("settlement failed", "id", escrow.ID, "action", action, "error", err)
		return nil, ledgerError(err)
	}
	if !tx.Successful {
		return nil, core.ErrSettlementFailed.WithMessage("transaction %s was not successful", tx.Hash)
	}
	return tx, nil
}

// DueForAutoRelease lists funded escrows whose auto-release time has come
func (s *EscrowService) DueForAutoRelease(ctx context.Context) ([]*core.Escrow, error) {
	funded, err := s.store.ListByState(ctx, core.EscrowFunded)
	if err != nil {
		return nil, fmt.Errorf("failed to list funded escrows: %w", err)
	}

	now := s.now()
	var due []*core.Escrow
	for _, e := range funded {
		if e.CanAutoRelease(now) && !e.IsExpired(now) {
			due = append(due, e)
		}
	}
	return due, nil
}

func (s *EscrowService) publish(ctx context.Context, event string, escrow *core.Escrow) {
	if s.eventPub == nil {
		return
	}
	if err := s.eventPub.PublishEscrow(ctx, event, escrow); err != nil {
		s.logger.Warn("failed to publish escrow event", "id", escrow.ID, "event", event, "error", err)
	}
}

func sameAddress(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}

func cloneTimeUTC(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := t.UTC()
	return &c
}
