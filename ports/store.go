package ports

import (
	"context"
	"time"

	"github.com/layer-3/escrowd/core"
)

// ChallengeStore keeps at most one live challenge per (public key, agent) pair
type ChallengeStore interface {
	// Put stores the challenge, superseding any prior one for the same pair
	Put(ctx context.Context, challenge *core.Challenge) error
	// Get returns the challenge for the pair or core.ErrNotFound
	Get(ctx context.Context, publicKey, agentID string) (*core.Challenge, error)
	// Consume atomically marks the challenge used if it still holds value and
	// is unused. It fails with core.ErrNonceAlreadyUsed or core.ErrNonceMismatch
	// when another caller got there first.
	Consume(ctx context.Context, publicKey, agentID, value string) error
	// Delete removes the challenge for the pair
	Delete(ctx context.Context, publicKey, agentID string) error
	// Sweep removes challenges expired before now and reports how many
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// IdentityStore persists registered identities
type IdentityStore interface {
	// Create stores a new identity or fails with core.ErrAlreadyExists
	Create(ctx context.Context, identity *core.Identity) error
	// Get returns the identity for the key or core.ErrNotFound
	Get(ctx context.Context, publicKey string) (*core.Identity, error)
	// CompareAndSwap replaces the identity if its stored version equals
	// identity.Version, then bumps the version
	CompareAndSwap(ctx context.Context, identity *core.Identity) error
}

// EscrowStore is the durable record of escrow contracts
type EscrowStore interface {
	Create(ctx context.Context, escrow *core.Escrow) error
	Get(ctx context.Context, id string) (*core.Escrow, error)
	// CompareAndSwap writes escrow only if the stored version equals
	// escrow.Version, failing with core.ErrVersionConflict otherwise. On
	// success escrow.Version is incremented.
	CompareAndSwap(ctx context.Context, escrow *core.Escrow) error
	ListByParticipant(ctx context.Context, address string) ([]*core.Escrow, error)
	ListByState(ctx context.Context, state core.EscrowState) ([]*core.Escrow, error)
}

// PaymentRequestStore has the same shape as EscrowStore
type PaymentRequestStore interface {
	Create(ctx context.Context, req *core.PaymentRequest) error
	Get(ctx context.Context, id string) (*core.PaymentRequest, error)
	CompareAndSwap(ctx context.Context, req *core.PaymentRequest) error
	ListByStatus(ctx context.Context, status core.PaymentStatus) ([]*core.PaymentRequest, error)
	// DeleteFailedBefore removes FAILED requests created before cutoff
	DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// PaymentRecordStore keeps idempotent 8004 processing results
type PaymentRecordStore interface {
	// Create stores the record or fails with core.ErrAlreadyExists
	Create(ctx context.Context, record *core.PaymentRecord) error
	Get(ctx context.Context, paymentID string) (*core.PaymentRecord, error)
	CompareAndSwap(ctx context.Context, record *core.PaymentRecord) error
	// DeleteOlderThan purges records created before cutoff
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
