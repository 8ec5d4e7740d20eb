package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/escrowd/adapters/ledger"
	"github.com/layer-3/escrowd/adapters/signature"
	"github.com/layer-3/escrowd/adapters/store"
	"github.com/layer-3/escrowd/adapters/tokenizer"
	"github.com/layer-3/escrowd/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDomain = "agents.example.com"

type authFixture struct {
	svc    *AuthService
	clock  *testClock
	events *recordingPublisher
	ledger *ledger.MemoryLedger
	key    *ecdsa.PrivateKey
}

func newAuthFixture(t *testing.T, mutate ...func(*AuthConfig)) *authFixture {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	clock := newTestClock()
	events := &recordingPublisher{}
	memLedger := ledger.NewMemoryLedger("0x00000000000000000000000000000000000000c0")

	cfg := AuthConfig{Domain: testDomain, URI: "https://agents.example.com/login", Statement: "Sign in to escrowd"}
	for _, m := range mutate {
		m(&cfg)
	}

	svc := NewAuthService(
		store.NewMemoryChallengeStore(),
		store.NewMemoryIdentityStore(),
		signature.NewRegistry(),
		tokenizer.NewJWTTokenizer(key, tokenizer.WithClock(clock.Now)),
		events,
		memLedger,
		cfg,
		WithClock(clock.Now),
	)
	return &authFixture{svc: svc, clock: clock, events: events, ledger: memLedger, key: key}
}

func TestAuthService_SignInFlow(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	agent := newStellarKey(t)

	issued, err := f.svc.IssueChallenge(ctx, agent.address, "a1", 0)
	require.NoError(t, err)
	assert.Len(t, issued.Challenge.Value, 64)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), issued.Challenge.ExpiresAt)

	result, err := f.svc.Verify(ctx, issued.Message, agent.sign(issued.Message), testDomain)
	require.NoError(t, err)
	assert.Equal(t, agent.address, result.Identity.PublicKey)
	assert.Equal(t, "a1", result.Identity.AgentID)
	assert.Equal(t, agent.address, result.Receipt.PublicKey)
	assert.Equal(t, testDomain, result.Receipt.Domain)
	assert.Equal(t, "Sign in to escrowd", result.Message.Statement)
	assert.Equal(t, []string{"authenticated"}, f.events.Events("auth"))

	receipt, err := f.svc.VerifyReceipt(ctx, result.Token)
	require.NoError(t, err)
	assert.Equal(t, agent.address, receipt.PublicKey)
	assert.Equal(t, "a1", receipt.AgentID)
	assert.Equal(t, result.Receipt.ID, receipt.ID)

	identity, err := f.svc.Identity(ctx, agent.address)
	require.NoError(t, err)
	assert.Equal(t, "a1", identity.AgentID)

	// replay
	_, err = f.svc.Verify(ctx, issued.Message, agent.sign(issued.Message), testDomain)
	assert.ErrorIs(t, err, core.ErrNonceAlreadyUsed)
}

func TestAuthService_WrongKeyDoesNotBurnNonce(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	agent := newStellarKey(t)
	impostor := newStellarKey(t)

	issued, err := f.svc.IssueChallenge(ctx, agent.address, "a1", 0)
	require.NoError(t, err)

	_, err = f.svc.Verify(ctx, issued.Message, impostor.sign(issued.Message), testDomain)
	assert.ErrorIs(t, err, core.ErrInvalidSignature)

	require.NoError(t, f.svc.ValidateChallenge(ctx, issued.Challenge.Value, agent.address, "a1"))

	_, err = f.svc.Verify(ctx, issued.Message, agent.sign(issued.Message), testDomain)
	require.NoError(t, err)
}

func TestAuthService_VerifyGates(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid format", func(t *testing.T) {
		f := newAuthFixture(t)
		_, err := f.svc.Verify(ctx, "hello", "sig", testDomain)
		assert.ErrorIs(t, err, core.ErrInvalidMessage)
	})

	t.Run("domain mismatch keeps nonce", func(t *testing.T) {
		f := newAuthFixture(t)
		agent := newStellarKey(t)
		issued, err := f.svc.IssueChallenge(ctx, agent.address, "a1", 0)
		require.NoError(t, err)

		_, err = f.svc.Verify(ctx, issued.Message, agent.sign(issued.Message), "evil.example.com")
		assert.ErrorIs(t, err, core.ErrDomainMismatch)
		assert.NoError(t, f.svc.ValidateChallenge(ctx, issued.Challenge.Value, agent.address, "a1"))
	})

	t.Run("relayed message for another domain", func(t *testing.T) {
		f := newAuthFixture(t)
		agent := newStellarKey(t)
		issued, err := f.svc.IssueChallenge(ctx, agent.address, "a1", 0)
		require.NoError(t, err)

		msg := messageFor(t, issued)
		msg.Domain = "evil.example"
		relayed, err := msg.Format()
		require.NoError(t, err)

		_, err = f.svc.Verify(ctx, relayed, agent.sign(relayed), "evil.example")
		assert.ErrorIs(t, err, core.ErrDomainMismatch)
		_, err = f.svc.Verify(ctx, relayed, agent.sign(relayed), "")
		assert.ErrorIs(t, err, core.ErrDomainMismatch)
		assert.NoError(t, f.svc.ValidateChallenge(ctx, issued.Challenge.Value, agent.address, "a1"))
	})

	t.Run("message expired", func(t *testing.T) {
		f := newAuthFixture(t)
		agent := newStellarKey(t)
		issued, err := f.svc.IssueChallenge(ctx, agent.address, "a1", 0)
		require.NoError(t, err)

		f.clock.Advance(6 * time.Minute)
		_, err = f.svc.Verify(ctx, issued.Message, agent.sign(issued.Message), "")
		assert.ErrorIs(t, err, core.ErrMessageExpired)
	})

	t.Run("not yet valid", func(t *testing.T) {
		f := newAuthFixture(t)
		agent := newStellarKey(t)
		issued, err := f.svc.IssueChallenge(ctx, agent.address, "a1", 0)
		require.NoError(t, err)

		msg := messageFor(t, issued)
		nbf := f.clock.Now().Add(time.Minute)
		msg.NotBefore = &nbf
		text, err := msg.Format()
		require.NoError(t, err)

		_, err = f.svc.Verify(ctx, text, agent.sign(text), "")
		assert.ErrorIs(t, err, core.ErrMessageNotYetValid)
	})

	t.Run("nonce expired and evicted", func(t *testing.T) {
		f := newAuthFixture(t)
		agent := newStellarKey(t)
		issued, err := f.svc.IssueChallenge(ctx, agent.address, "a1", 0)
		require.NoError(t, err)

		msg := messageFor(t, issued)
		msg.ExpirationTime = nil
		text, err := msg.Format()
		require.NoError(t, err)

		f.clock.Advance(5*time.Minute + time.Second)
		_, err = f.svc.Verify(ctx, text, agent.sign(text), "")
		assert.ErrorIs(t, err, core.ErrNonceExpired)

		err = f.svc.ValidateChallenge(ctx, issued.Challenge.Value, agent.address, "a1")
		assert.ErrorIs(t, err, core.ErrNonceNotFound)
	})

	t.Run("superseded challenge", func(t *testing.T) {
		f := newAuthFixture(t)
		agent := newStellarKey(t)
		first, err := f.svc.IssueChallenge(ctx, agent.address, "a1", 0)
		require.NoError(t, err)
		_, err = f.svc.IssueChallenge(ctx, agent.address, "a1", 0)
		require.NoError(t, err)

		_, err = f.svc.Verify(ctx, first.Message, agent.sign(first.Message), "")
		assert.ErrorIs(t, err, core.ErrNonceMismatch)
	})

	t.Run("no challenge for agent", func(t *testing.T) {
		f := newAuthFixture(t)
		agent := newStellarKey(t)
		issued, err := f.svc.IssueChallenge(ctx, agent.address, "a1", 0)
		require.NoError(t, err)

		msg := messageFor(t, issued)
		msg.AgentID = "a2"
		text, err := msg.Format()
		require.NoError(t, err)

		_, err = f.svc.Verify(ctx, text, agent.sign(text), "")
		assert.ErrorIs(t, err, core.ErrNonceNotFound)
	})
}

func messageFor(t *testing.T, issued *IssuedChallenge) *core.AuthMessage {
	t.Helper()
	msg, err := core.ParseMessage(issued.Message)
	require.NoError(t, err)
	return msg
}

func TestAuthService_ConcurrentVerifySingleWinner(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	agent := newStellarKey(t)

	issued, err := f.svc.IssueChallenge(ctx, agent.address, "a1", 0)
	require.NoError(t, err)
	sig := agent.sign(issued.Message)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Verify(ctx, issued.Message, sig, ""); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
}

func TestAuthService_EVMAgent(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	issued, err := f.svc.IssueChallenge(ctx, address, "trader", 0)
	require.NoError(t, err)

	sig, err := crypto.Sign(accounts.TextHash([]byte(issued.Message)), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27

	result, err := f.svc.Verify(ctx, issued.Message, hexutil.Encode(sig), "")
	require.NoError(t, err)
	assert.Equal(t, address, result.Identity.PublicKey)
}

func TestAuthService_RequireLedgerAccount(t *testing.T) {
	f := newAuthFixture(t, func(c *AuthConfig) { c.RequireLedgerAccount = true })
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	issued, err := f.svc.IssueChallenge(ctx, address, "a1", 0)
	require.NoError(t, err)
	sig, err := crypto.Sign(accounts.TextHash([]byte(issued.Message)), key)
	require.NoError(t, err)

	_, err = f.svc.Verify(ctx, issued.Message, hexutil.Encode(sig), "")
	assert.ErrorIs(t, err, core.ErrAccountNotFound)

	f.ledger.RecordTransfer(f.ledger.Custody(), address, core.Amount{Value: "1", AssetCode: "ETH"})

	_, err = f.svc.Verify(ctx, issued.Message, hexutil.Encode(sig), "")
	require.NoError(t, err)
}

func TestAuthService_IssueChallengeRejects(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	_, err := f.svc.IssueChallenge(ctx, "not-a-key", "a1", 0)
	assert.ErrorIs(t, err, core.ErrUnsupportedKey)

	_, err = f.svc.IssueChallenge(ctx, newStellarKey(t).address, "", 0)
	assert.ErrorIs(t, err, core.ErrInvalidRequest)

	_, err = f.svc.IssueChallenge(ctx, newStellarKey(t).address, "a\nb", 0)
	assert.ErrorIs(t, err, core.ErrInvalidRequest)
}

func TestAuthService_ReceiptExpiry(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	agent := newStellarKey(t)

	issued, err := f.svc.IssueChallenge(ctx, agent.address, "a1", 0)
	require.NoError(t, err)
	result, err := f.svc.Verify(ctx, issued.Message, agent.sign(issued.Message), "")
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	_, err = f.svc.VerifyReceipt(ctx, result.Token)
	assert.ErrorIs(t, err, core.ErrReceiptExpired)

	_, err = f.svc.VerifyReceipt(ctx, result.Token+"x")
	assert.Error(t, err)
}

func TestAuthService_ReceiptForAnotherDomain(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	token, err := tokenizer.NewJWTTokenizer(f.key, tokenizer.WithClock(f.clock.Now)).ReceiptToToken(&core.Receipt{
		ID:        "r1",
		PublicKey: newStellarKey(t).address,
		AgentID:   "a1",
		Domain:    "evil.example",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)

	_, err = f.svc.VerifyReceipt(ctx, token)
	assert.ErrorIs(t, err, core.ErrReceiptInvalid)
}

func TestAuthService_ChallengeTTLIsCapped(t *testing.T) {
	f := newAuthFixture(t, func(c *AuthConfig) { c.MaxChallengeTTL = 10 * time.Minute })
	ctx := context.Background()

	issued, err := f.svc.IssueChallenge(ctx, newStellarKey(t).address, "a1", 1000*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, issued.Challenge.ExpiresAt.Sub(issued.Challenge.CreatedAt))

	issued, err = f.svc.IssueChallenge(ctx, newStellarKey(t).address, "a1", 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, issued.Challenge.ExpiresAt.Sub(issued.Challenge.CreatedAt))
}

func TestAuthService_IdentityRegistry(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	owner := newStellarKey(t)
	other := newStellarKey(t)

	_, err := f.svc.Identity(ctx, owner.address)
	assert.ErrorIs(t, err, core.ErrIdentityNotFound)

	identity, err := f.svc.Register(ctx, owner.address, "a1", map[string]string{"role": "buyer"})
	require.NoError(t, err)
	assert.Equal(t, "buyer", identity.Metadata["role"])

	_, err = f.svc.Register(ctx, owner.address, "a1", nil)
	assert.ErrorIs(t, err, core.ErrAlreadyExists)

	_, err = f.svc.UpdateMetadata(ctx, other.address, owner.address, map[string]string{"role": "seller"})
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	updated, err := f.svc.UpdateMetadata(ctx, owner.address, owner.address, map[string]string{"role": "", "region": "eu"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"region": "eu"}, updated.Metadata)

	// a later sign-in keeps the registered identity
	issued, err := f.svc.IssueChallenge(ctx, owner.address, "a1", 0)
	require.NoError(t, err)
	result, err := f.svc.Verify(ctx, issued.Message, owner.sign(issued.Message), "")
	require.NoError(t, err)
	assert.Equal(t, "eu", result.Identity.Metadata["region"])
}

func TestAuthService_SweepChallenges(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	_, err := f.svc.IssueChallenge(ctx, newStellarKey(t).address, "a1", time.Minute)
	require.NoError(t, err)
	_, err = f.svc.IssueChallenge(ctx, newStellarKey(t).address, "a1", time.Hour)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	n, err := f.svc.SweepChallenges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
