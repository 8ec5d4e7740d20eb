package core

import (
	"errors"
	"fmt"
)

// ErrorKind groups failures by how a caller should react to them
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindNotFound     ErrorKind = "not_found"
	KindInvalidState ErrorKind = "invalid_state"
	KindUnauthorized ErrorKind = "unauthorized"
	KindExpired      ErrorKind = "expired"
	KindSettlement   ErrorKind = "settlement"
	KindSignature    ErrorKind = "signature"
	KindNonce        ErrorKind = "nonce"
	KindInternal     ErrorKind = "internal"
)

// Error is a domain failure carrying a stable machine-readable code.
// Two errors match under errors.Is when their codes are equal, so wrapped
// copies produced by WithCause or WithMessage still match the sentinel.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Cause   error
}

func newError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithCause returns a copy of the error wrapping cause
func (e *Error) WithCause(cause error) *Error {
	c := *e
	c.Cause = cause
	return &c
}

// WithMessage returns a copy of the error with a more specific message
func (e *Error) WithMessage(format string, args ...any) *Error {
	c := *e
	c.Message = fmt.Sprintf(format, args...)
	return &c
}

// AsError extracts the outermost domain error from err
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// KindOf reports the kind of a domain error, or KindInternal for anything else
func KindOf(err error) ErrorKind {
	if de, ok := AsError(err); ok {
		return de.Kind
	}
	return KindInternal
}

// CodeOf reports the code of a domain error, or INTERNAL for anything else
func CodeOf(err error) string {
	if de, ok := AsError(err); ok {
		return de.Code
	}
	return "INTERNAL"
}

// Authentication
var (
	ErrInvalidMessage     = newError(KindValidation, "INVALID_FORMAT", "invalid message format")
	ErrDomainMismatch     = newError(KindValidation, "DOMAIN_MISMATCH", "domain mismatch")
	ErrMessageExpired     = newError(KindExpired, "MESSAGE_EXPIRED", "message has expired")
	ErrMessageNotYetValid = newError(KindValidation, "MESSAGE_NOT_YET_VALID", "message is not yet valid")
	ErrNonceNotFound      = newError(KindNonce, "NONCE_NOT_FOUND", "nonce not found")
	ErrNonceMismatch      = newError(KindNonce, "NONCE_MISMATCH", "nonce mismatch")
	ErrNonceAlreadyUsed   = newError(KindNonce, "NONCE_ALREADY_USED", "nonce already used")
	ErrNonceExpired       = newError(KindNonce, "NONCE_EXPIRED", "nonce has expired")
	ErrInvalidSignature   = newError(KindSignature, "INVALID_SIGNATURE", "invalid signature")
	ErrReceiptExpired     = newError(KindSignature, "RECEIPT_EXPIRED", "receipt has expired")
	ErrReceiptInvalid     = newError(KindSignature, "RECEIPT_INVALID", "invalid receipt")
	ErrUnsupportedKey     = newError(KindValidation, "UNSUPPORTED_KEY", "unsupported public key format")
	ErrIdentityNotFound   = newError(KindNotFound, "IDENTITY_NOT_FOUND", "identity not found")
	ErrAccountNotFound    = newError(KindNotFound, "ACCOUNT_NOT_FOUND", "ledger account not found")
)

// Escrow
var (
	ErrInvalidAmount     = newError(KindValidation, "INVALID_AMOUNT", "amount must be a positive decimal")
	ErrInvalidParty      = newError(KindValidation, "INVALID_PARTY", "invalid party identifier")
	ErrEscrowNotFound    = newError(KindNotFound, "ESCROW_NOT_FOUND", "escrow not found")
	ErrInvalidState      = newError(KindInvalidState, "INVALID_STATE", "operation not allowed in current state")
	ErrAlreadyProcessed  = newError(KindInvalidState, "ALREADY_PROCESSED", "escrow already processed")
	ErrUnauthorized      = newError(KindUnauthorized, "UNAUTHORIZED", "requester is not authorized")
	ErrEscrowExpired     = newError(KindExpired, "ESCROW_EXPIRED", "escrow has expired")
	ErrSettlementFailed  = newError(KindSettlement, "SETTLEMENT_FAILED", "settlement failed")
	ErrLedgerTimeout     = newError(KindSettlement, "LEDGER_TIMEOUT", "ledger call timed out")
	ErrFundingMismatch   = newError(KindValidation, "FUNDING_MISMATCH", "funding transaction does not match escrow")
	ErrInsufficientFunds = newError(KindSettlement, "INSUFFICIENT_FUNDS", "insufficient funds")
	ErrTxNotFound        = newError(KindNotFound, "TX_NOT_FOUND", "transaction not found")
)

// Payments
var (
	ErrPaymentNotFound   = newError(KindNotFound, "PAYMENT_NOT_FOUND", "payment request not found")
	ErrPaymentNotPending = newError(KindInvalidState, "PAYMENT_NOT_PENDING", "payment request is not pending")
	ErrPaymentExpired    = newError(KindExpired, "PAYMENT_EXPIRED", "payment request has expired")
	ErrInvalidRequest    = newError(KindValidation, "INVALID_REQUEST", "invalid request")
)

// Stores
var (
	ErrVersionConflict = newError(KindInvalidState, "VERSION_CONFLICT", "record was modified concurrently")
	ErrAlreadyExists   = newError(KindInvalidState, "ALREADY_EXISTS", "record already exists")
	ErrNotFound        = newError(KindNotFound, "NOT_FOUND", "record not found")
)
