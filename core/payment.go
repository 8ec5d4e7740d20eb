package core

import (
	"errors"
	"time"
)

// PaymentStatus is the lifecycle state of a payment request
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// IsTerminal reports whether the request is settled one way or the other
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentCompleted || s == PaymentFailed
}

// PaymentRequest is a one-shot payment requirement for a protected resource
type PaymentRequest struct {
	ID          string        `json:"id"`
	Resource    string        `json:"resource"`
	Amount      Amount        `json:"amount"`
	Payee       string        `json:"payee"`
	Description string        `json:"description,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	ExpiresAt   time.Time     `json:"expiresAt"`
	Status      PaymentStatus `json:"status"`
	PaymentURL  string        `json:"paymentUrl,omitempty"`
	TxRef       string        `json:"transactionRef,omitempty"`
	Payer       string        `json:"payer,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	Version     int64         `json:"version"`
}

// Clone returns a deep copy
func (p *PaymentRequest) Clone() *PaymentRequest {
	if p == nil {
		return nil
	}
	c := *p
	c.CompletedAt = cloneTime(p.CompletedAt)
	return &c
}

// PaymentVerification is the outcome of checking a proof against a request
type PaymentVerification struct {
	Verified  bool            `json:"verified"`
	RequestID string          `json:"requestId"`
	TxRef     string          `json:"transactionRef,omitempty"`
	Request   *PaymentRequest `json:"request,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// RecordStatus is the stored outcome of an 8004 payment check
type RecordStatus string

const (
	RecordConfirmed RecordStatus = "confirmed"
	RecordFailed    RecordStatus = "failed"
)

// PaymentRecord is the idempotent result of processing an 8004 payment
type PaymentRecord struct {
	PaymentID     string       `json:"paymentId"`
	TxRef         string       `json:"transactionRef"`
	Status        RecordStatus `json:"status"`
	Confirmations uint64       `json:"confirmations"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
	Version       int64        `json:"-"`
}

// Validated reports whether the payment was confirmed
func (r *PaymentRecord) Validated() bool {
	return r.Status == RecordConfirmed
}

// ResultCode is the numeric outcome code of the 8004 payment protocol
type ResultCode int

const (
	ResultInvalidPayment     ResultCode = 8001
	ResultInsufficientFunds  ResultCode = 8002
	ResultPaymentExpired     ResultCode = 8003
	ResultSuccess            ResultCode = 8004
	ResultEscrowNotFound     ResultCode = 8005
	ResultEscrowInvalidState ResultCode = 8006
	ResultUnauthorized       ResultCode = 8007
	ResultNetworkError       ResultCode = 8008
)

var resultMessages = map[ResultCode]string{
	ResultInvalidPayment:     "Invalid payment",
	ResultInsufficientFunds:  "Insufficient funds",
	ResultPaymentExpired:     "Payment expired",
	ResultSuccess:            "Payment processed successfully",
	ResultEscrowNotFound:     "Escrow not found",
	ResultEscrowInvalidState: "Escrow in invalid state",
	ResultUnauthorized:       "Unauthorized",
	ResultNetworkError:       "Network error",
}

// Message is the human readable text of the code
func (c ResultCode) Message() string {
	if m, ok := resultMessages[c]; ok {
		return m
	}
	return "Unknown result"
}

// ResultCodeOf maps an error onto the 8004 code family. A nil error is success.
func ResultCodeOf(err error) ResultCode {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, ErrEscrowNotFound):
		return ResultEscrowNotFound
	case errors.Is(err, ErrPaymentExpired), errors.Is(err, ErrEscrowExpired):
		return ResultPaymentExpired
	case errors.Is(err, ErrUnauthorized):
		return ResultUnauthorized
	case errors.Is(err, ErrInsufficientFunds):
		return ResultInsufficientFunds
	}

	switch KindOf(err) {
	case KindInvalidState:
		return ResultEscrowInvalidState
	case KindSettlement:
		return ResultNetworkError
	case KindUnauthorized:
		return ResultUnauthorized
	case KindExpired:
		return ResultPaymentExpired
	default:
		return ResultInvalidPayment
	}
}
