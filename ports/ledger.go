package ports

import (
	"context"

	"github.com/layer-3/escrowd/core"
)

// Ledger is the external ledger network. Every call blocks on network I/O
// and must honour ctx cancellation.
type Ledger interface {
	// LoadAccount returns balances and sequence or core.ErrAccountNotFound
	LoadAccount(ctx context.Context, address string) (*core.Account, error)
	// Pay moves amount from the custody account to destination. Resubmitting
	// the same idempotency key must not pay twice.
	Pay(ctx context.Context, destination string, amount core.Amount, idempotencyKey string) (*core.LedgerTx, error)
	// SubmitTransaction broadcasts an already signed transaction
	SubmitTransaction(ctx context.Context, signedTx []byte) (*core.LedgerTx, error)
	// LookupTransaction returns the outcome of a past transaction or core.ErrTxNotFound
	LookupTransaction(ctx context.Context, txRef string) (*core.LedgerTx, error)
	// FindTransfer returns the value movement performed by a transaction
	FindTransfer(ctx context.Context, txRef string) (*core.Transfer, error)
}

// WalletSigner holds key material and signs on request. Callers never see a key.
type WalletSigner interface {
	// Address is the public identity of the signer
	Address() string
	// SignBytes returns a detached signature over payload
	SignBytes(ctx context.Context, payload []byte) ([]byte, error)
	// SignTransaction returns the signed encoding of an unsigned transaction
	SignTransaction(ctx context.Context, unsignedTx []byte) ([]byte, error)
}
