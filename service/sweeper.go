package service

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper runs the periodic housekeeping: auto-release, challenge expiry,
// lazy payment expiry and payment retention
type Sweeper struct {
	escrows  *EscrowService
	auth     *AuthService
	payments *PaymentService
	interval time.Duration
	logger   *slog.Logger
}

// SweepResult counts the work done by one tick
type SweepResult struct {
	Released        int
	ChallengesSwept int
	PaymentsExpired int
	PaymentsPurged  int
	RequestsPurged  int
}

// NewSweeper creates a sweeper. Any of the services may be nil.
func NewSweeper(escrows *EscrowService, auth *AuthService, payments *PaymentService, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		escrows:  escrows,
		auth:     auth,
		payments: payments,
		interval: interval,
		logger:   logger,
	}
}

// Run ticks until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := s.Tick(ctx)
			if res != (SweepResult{}) {
				s.logger.Info("sweep complete",
					"released", res.Released,
					"challenges", res.ChallengesSwept,
					"paymentsExpired", res.PaymentsExpired,
					"paymentsPurged", res.PaymentsPurged,
					"requestsPurged", res.RequestsPurged)
			}
		}
	}
}

// Tick performs one sweep. Failures are logged and do not stop the others.
func (s *Sweeper) Tick(ctx context.Context) SweepResult {
	var res SweepResult

	if s.escrows != nil {
		res.Released = s.autoRelease(ctx)
	}

	if s.auth != nil {
		n, err := s.auth.SweepChallenges(ctx)
		if err != nil {
			s.logger.Warn("challenge sweep failed", "error", err)
		}
		res.ChallengesSwept = n
	}

	if s.payments != nil {
		n, err := s.payments.ExpirePending(ctx)
		if err != nil {
			s.logger.Warn("payment expiry failed", "error", err)
		}
		res.PaymentsExpired = n

		n, err = s.payments.CleanupOldPayments(ctx)
		if err != nil {
			s.logger.Warn("payment cleanup failed", "error", err)
		}
		res.PaymentsPurged = n

		n, err = s.payments.PurgeFailedRequests(ctx)
		if err != nil {
			s.logger.Warn("payment request purge failed", "error", err)
		}
		res.RequestsPurged = n
	}

	return res
}

func (s *Sweeper) autoRelease(ctx context.Context) int {
	due, err := s.escrows.DueForAutoRelease(ctx)
	if err != nil {
		s.logger.Warn("auto-release scan failed", "error", err)
		return 0
	}

	released := 0
	for _, e := range due {
		if _, err := s.escrows.AutoRelease(ctx, e.ID); err != nil {
			s.logger.Warn("auto-release failed", "id", e.ID, "error", err)
			continue
		}
		released++
	}
	return released
}
