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

// Payment events
const (
	EventPaymentCompleted = "completed"
	EventPaymentFailed    = "failed"
	EventPayment8004      = "8004"
)

const verificationFailed = "Payment verification failed"

// PaymentConfig holds the payment gate policy
type PaymentConfig struct {
	BaseURL    string
	RequestTTL time.Duration
	// Retention is how long 8004 records and failed requests are kept
	Retention time.Duration
}

// CreatePaymentInput are the parameters of a payment requirement
type CreatePaymentInput struct {
	Resource    string        `json:"resource"`
	Amount      core.Amount   `json:"amount"`
	Payee       string        `json:"payee"`
	Description string        `json:"description,omitempty"`
	TTL         time.Duration `json:"-"`
}

// PaymentService implements the x402 payment gate and 8004 processing
type PaymentService struct {
	requests ports.PaymentRequestStore
	records  ports.PaymentRecordStore
	ledger   ports.Ledger
	parties  ports.SignatureVerifier
	eventPub ports.EventPublisher

	cfg   PaymentConfig
	locks keyedMutex
	options
}

// NewPaymentService creates a new payment service
func NewPaymentService(
	requests ports.PaymentRequestStore,
	records ports.PaymentRecordStore,
	ledger ports.Ledger,
	parties ports.SignatureVerifier,
	eventPub ports.EventPublisher,
	cfg PaymentConfig,
	opts ...Option,
) *PaymentService {
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &PaymentService{
		requests: requests,
		records:  records,
		ledger:   ledger,
		parties:  parties,
		eventPub: eventPub,
		cfg:      cfg,
		options:  applyOptions(opts),
	}
}

// CreatePaymentRequest issues a PENDING payment requirement for a resource
func (s *PaymentService) CreatePaymentRequest(ctx context.Context, in CreatePaymentInput) (*core.PaymentRequest, error) {
	if strings.TrimSpace(in.Resource) == "" {
		return nil, core.ErrInvalidRequest.WithMessage("resource is required")
	}
	if err := in.Amount.Validate(); err != nil {
		return nil, err
	}
	if !s.parties.ValidAddress(in.Payee) {
		return nil, core.ErrInvalidParty.WithMessage("invalid payee")
	}

	ttl := in.TTL
	if ttl <= 0 {
		ttl = s.cfg.RequestTTL
	}

	now := s.now().UTC()
	req := &core.PaymentRequest{
		ID:          "pay_" + uuid.New().String(),
		Resource:    in.Resource,
		Amount:      in.Amount,
		Payee:       in.Payee,
		Description: in.Description,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		Status:      core.PaymentPending,
		PaymentURL:  s.cfg.BaseURL + "/api/payments/verify",
	}
	if err := s.requests.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to store payment request: %w", err)
	}

	s.logger.Info("payment requested", "id", req.ID, "resource", req.Resource, "amount", req.Amount.Value, "asset", req.Amount.AssetCode)
	return req, nil
}

// GetPaymentRequest returns a payment request by id
func (s *PaymentService) GetPaymentRequest(ctx context.Context, id string) (*core.PaymentRequest, error) {
	req, err := s.requests.Get(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		return nil, core.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment request: %w", err)
	}
	return req, nil
}

// Verify checks that txRef paid the request from fromAddress. A transfer
// that does not match leaves the request PENDING so another reference can
// be submitted.
func (s *PaymentService) Verify(ctx context.Context, requestID, txRef, fromAddress string) (*core.PaymentVerification, error) {
	unlock := s.locks.lock(requestID)
	defer unlock()

	req, err := s.GetPaymentRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != core.PaymentPending {
		return nil, core.ErrPaymentNotPending.WithMessage("request is %s", req.Status)
	}
	if s.now().After(req.ExpiresAt) {
		if err := s.fail(ctx, req); err != nil {
			return nil, err
		}
		return nil, core.ErrPaymentExpired
	}
	if txRef == "" || fromAddress == "" {
		return nil, core.ErrInvalidRequest.WithMessage("transaction reference and sender are required")
	}

	matched, err := s.transferMatches(ctx, txRef, core.Transfer{From: fromAddress, To: req.Payee, Amount: req.Amount})
	if err != nil {
		return nil, err
	}
	if !matched {
		s.logger.Info("payment proof rejected", "id", requestID, "txRef", txRef)
		return &core.PaymentVerification{RequestID: requestID, TxRef: txRef, Error: verificationFailed}, nil
	}

	now := s.now().UTC()
	req.Status = core.PaymentCompleted
	req.TxRef = txRef
	req.Payer = fromAddress
	req.CompletedAt = &now
	if err := s.requests.CompareAndSwap(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to update payment request: %w", err)
	}

	s.logger.Info("payment verified", "id", requestID, "txRef", txRef)
	s.publish(ctx, EventPaymentCompleted, req)
	return &core.PaymentVerification{Verified: true, RequestID: requestID, TxRef: txRef, Request: req}, nil
}

func (s *PaymentService) transferMatches(ctx context.Context, txRef string, expected core.Transfer) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.ledgerTimeout)
	defer cancel()

	transfer, err := s.ledger.FindTransfer(ctx, txRef)
	if errors.Is(err, core.ErrTxNotFound) {
		return false, nil
	}
	if err != nil {
		return false, ledgerError(err)
	}
	return transfer.Matches(expected), nil
}

// fail marks a pending request FAILED
func (s *PaymentService) fail(ctx context.Context, req *core.PaymentRequest) error {
	req.Status = core.PaymentFailed
	if err := s.requests.CompareAndSwap(ctx, req); err != nil {
		return fmt.Errorf("failed to expire payment request: %w", err)
	}
	s.logger.Info("payment request expired", "id", req.ID)
	s.publish(ctx, EventPaymentFailed, req)
	return nil
}

// IsPaid reports whether a COMPLETED request covers resource
func (s *PaymentService) IsPaid(ctx context.Context, requestID, resource string) (bool, error) {
	req, err := s.GetPaymentRequest(ctx, requestID)
	if errors.Is(err, core.ErrPaymentNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return req.Status == core.PaymentCompleted && req.Resource == resource, nil
}

// ExpirePending fails every PENDING request past its expiry
func (s *PaymentService) ExpirePending(ctx context.Context) (int, error) {
	pending, err := s.requests.ListByStatus(ctx, core.PaymentPending)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending payments: %w", err)
	}

	expired := 0
	for _, p := range pending {
		if !s.now().After(p.ExpiresAt) {
			continue
		}
		if s.expireOne(ctx, p.ID) {
			expired++
		}
	}
	return expired, nil
}

func (s *PaymentService) expireOne(ctx context.Context, id string) bool {
	unlock := s.locks.lock(id)
	defer unlock()

	// re-read under the lock, a verification may have won
	req, err := s.GetPaymentRequest(ctx, id)
	if err != nil || req.Status != core.PaymentPending || !s.now().After(req.ExpiresAt) {
		return false
	}
	if err := s.fail(ctx, req); err != nil {
		s.logger.Warn("failed to expire payment request", "id", id, "error", err)
		return false
	}
	return true
}

// Process8004 validates a payment transaction once per payment id. Repeated
// calls return the stored record without consulting the ledger.
func (s *PaymentService) Process8004(ctx context.Context, paymentID, txRef string) (*core.PaymentRecord, error) {
	if paymentID == "" || txRef == "" {
		return nil, core.ErrInvalidRequest.WithMessage("paymentId and transaction reference are required")
	}

	unlock := s.locks.lock("8004:" + paymentID)
	defer unlock()

	record, err := s.records.Get(ctx, paymentID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("failed to load payment record: %w", err)
	}

	tx, err := s.lookup(ctx, txRef)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	record = &core.PaymentRecord{
		PaymentID: paymentID,
		TxRef:     txRef,
		Status:    core.RecordFailed,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if tx != nil && tx.Successful {
		record.Status = core.RecordConfirmed
		record.Confirmations = max(tx.Confirmations, 1)
	}

	if err := s.records.Create(ctx, record); err != nil {
		if errors.Is(err, core.ErrAlreadyExists) {
			// processed by another instance
			return s.records.Get(ctx, paymentID)
		}
		return nil, fmt.Errorf("failed to store payment record: %w", err)
	}

	s.logger.Info("8004 payment processed", "paymentId", paymentID, "txRef", txRef, "status", record.Status)
	s.publish(ctx, EventPayment8004, record)
	return record, nil
}

// lookup returns nil without error when the ledger does not know txRef
func (s *PaymentService) lookup(ctx context.Context, txRef string) (*core.LedgerTx, error) {
	ctx, cancel := context.WithTimeout(ctx, s.ledgerTimeout)
	defer cancel()

	tx, err := s.ledger.LookupTransaction(ctx, txRef)
	if errors.Is(err, core.ErrTxNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, ledgerError(err)
	}
	return tx, nil
}

// PaymentStatus returns the stored 8004 record
func (s *PaymentService) PaymentStatus(ctx context.Context, paymentID string) (*core.PaymentRecord, error) {
	record, err := s.records.Get(ctx, paymentID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, core.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment record: %w", err)
	}
	return record, nil
}

// MarkVerified force-confirms a record. A missing record is not an error.
func (s *PaymentService) MarkVerified(ctx context.Context, paymentID string) error {
	unlock := s.locks.lock("8004:" + paymentID)
	defer unlock()

	for attempt := 0; attempt < 3; attempt++ {
		record, err := s.records.Get(ctx, paymentID)
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load payment record: %w", err)
		}
		if record.Status == core.RecordConfirmed {
			return nil
		}

		record.Status = core.RecordConfirmed
		record.Confirmations = max(record.Confirmations, 1)
		record.UpdatedAt = s.now().UTC()

		err = s.records.CompareAndSwap(ctx, record)
		if errors.Is(err, core.ErrVersionConflict) {
			continue
		}
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to update payment record: %w", err)
		}
		s.logger.Info("8004 payment marked verified", "paymentId", paymentID)
		return nil
	}
	return core.ErrVersionConflict
}

// CleanupOldPayments purges 8004 records past the retention window
func (s *PaymentService) CleanupOldPayments(ctx context.Context) (int, error) {
	n, err := s.records.DeleteOlderThan(ctx, s.now().Add(-s.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("failed to purge payment records: %w", err)
	}
	if n > 0 {
		s.logger.Debug("purged payment records", "count", n)
	}
	return n, nil
}

// PurgeFailedRequests removes FAILED payment requests past the retention
// window. Unpaid paywall hits would otherwise accumulate forever.
func (s *PaymentService) PurgeFailedRequests(ctx context.Context) (int, error) {
	n, err := s.requests.DeleteFailedBefore(ctx, s.now().Add(-s.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("failed to purge payment requests: %w", err)
	}
	if n > 0 {
		s.logger.Debug("purged failed payment requests", "count", n)
	}
	return n, nil
}

func (s *PaymentService) publish(ctx context.Context, event string, payload any) {
	if s.eventPub == nil {
		return
	}
	if err := s.eventPub.PublishPayment(ctx, event, payload); err != nil {
		s.logger.Warn("failed to publish payment event", "event", event, "error", err)
	}
}
