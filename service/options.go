package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/layer-3/escrowd/core"
)

// Option configures the ambient dependencies of a service
type Option func(*options)

type options struct {
	now           func() time.Time
	logger        *slog.Logger
	ledgerTimeout time.Duration
}

func defaultOptions() options {
	return options{
		now:           time.Now,
		logger:        slog.Default(),
		ledgerTimeout: 15 * time.Second,
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLedgerTimeout bounds every call to the ledger
func WithLedgerTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ledgerTimeout = d
		}
	}
}

// ledgerError classifies a failed ledger call. Domain errors raised by the
// ledger pass through, deadlines become LedgerTimeout and anything else is
// a retryable SettlementFailed.
func ledgerError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.ErrLedgerTimeout.WithCause(err)
	}
	if _, ok := core.AsError(err); ok {
		return err
	}
	return core.ErrSettlementFailed.WithCause(err)
}
