package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/layer-3/escrowd/adapters/ledger"
	"github.com/layer-3/escrowd/adapters/signature"
	"github.com/layer-3/escrowd/adapters/store"
	"github.com/layer-3/escrowd/adapters/tokenizer"
	"github.com/layer-3/escrowd/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_Tick(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	memLedger := ledger.NewMemoryLedger("")
	registry := signature.NewRegistry()
	events := &recordingPublisher{}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	opts := []Option{WithClock(clock.Now), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}
	escrows := NewEscrowService(store.NewMemoryEscrowStore(), memLedger, registry, events, EscrowConfig{}, opts...)
	auth := NewAuthService(store.NewMemoryChallengeStore(), store.NewMemoryIdentityStore(), registry,
		tokenizer.NewJWTTokenizer(key), events, nil, AuthConfig{Domain: testDomain}, opts...)
	payments := NewPaymentService(store.NewMemoryPaymentRequestStore(), store.NewMemoryPaymentRecordStore(),
		memLedger, registry, events, PaymentConfig{}, opts...)

	payer, payee := newStellarKey(t).address, newStellarKey(t).address
	at := clock.Now().Add(10 * time.Minute)
	e, err := escrows.Create(ctx, CreateEscrowInput{Payer: payer, Payee: payee, Amount: hundredXLM, Conditions: core.Conditions{AutoReleaseAfter: &at}})
	require.NoError(t, err)
	_, err = escrows.Fund(ctx, e.ID, "tx1")
	require.NoError(t, err)

	_, err = auth.IssueChallenge(ctx, payer, "a1", 0)
	require.NoError(t, err)

	req, err := payments.CreatePaymentRequest(ctx, CreatePaymentInput{Resource: "/r", Amount: hundredXLM, Payee: payee, TTL: time.Minute})
	require.NoError(t, err)

	sweeper := NewSweeper(escrows, auth, payments, time.Second, nil)
	assert.Equal(t, SweepResult{}, sweeper.Tick(ctx))

	clock.Advance(11 * time.Minute)
	res := sweeper.Tick(ctx)
	assert.Equal(t, SweepResult{Released: 1, ChallengesSwept: 1, PaymentsExpired: 1}, res)

	released, err := escrows.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, core.EscrowReleased, released.State)

	expired, err := payments.GetPaymentRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PaymentFailed, expired.Status)

	// nothing left to do
	assert.Equal(t, SweepResult{}, sweeper.Tick(ctx))

	clock.Advance(25 * time.Hour)
	assert.Equal(t, SweepResult{RequestsPurged: 1}, sweeper.Tick(ctx))

	_, err = payments.GetPaymentRequest(ctx, req.ID)
	assert.ErrorIs(t, err, core.ErrPaymentNotFound)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sweeper := NewSweeper(nil, nil, nil, 10*time.Millisecond, nil)

	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
