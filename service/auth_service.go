package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/escrowd/core"
	"github.com/layer-3/escrowd/ports"
)

// AuthConfig describes the sign-in realm
type AuthConfig struct {
	Domain       string
	URI          string
	ChainID      string
	Statement    string
	ChallengeTTL time.Duration
	// MaxChallengeTTL caps the lifetime a caller may ask for
	MaxChallengeTTL time.Duration
	ReceiptTTL      time.Duration
	// RequireLedgerAccount rejects keys without an account on the ledger
	RequireLedgerAccount bool
}

// IssuedChallenge is a challenge together with the message to sign
type IssuedChallenge struct {
	Challenge *core.Challenge `json:"challenge"`
	Message   string          `json:"message"`
}

// AuthService implements Sign-In With Agent
type AuthService struct {
	challenges ports.ChallengeStore
	identities ports.IdentityStore
	verifier   ports.SignatureVerifier
	tokenizer  ports.ReceiptTokenizer
	eventPub   ports.EventPublisher
	ledger     ports.Ledger

	cfg AuthConfig
	options
}

// NewAuthService creates a new authentication service. ledger may be nil
// unless cfg.RequireLedgerAccount is set.
func NewAuthService(
	challenges ports.ChallengeStore,
	identities ports.IdentityStore,
	verifier ports.SignatureVerifier,
	tokenizer ports.ReceiptTokenizer,
	eventPub ports.EventPublisher,
	ledger ports.Ledger,
	cfg AuthConfig,
	opts ...Option,
) *AuthService {
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	if cfg.MaxChallengeTTL <= 0 {
		cfg.MaxChallengeTTL = time.Hour
	}
	if cfg.MaxChallengeTTL < cfg.ChallengeTTL {
		cfg.MaxChallengeTTL = cfg.ChallengeTTL
	}
	if cfg.ReceiptTTL <= 0 {
		cfg.ReceiptTTL = 24 * time.Hour
	}
	if cfg.ChainID == "" {
		cfg.ChainID = "testnet"
	}
	if cfg.URI == "" {
		cfg.URI = "https://" + cfg.Domain
	}

	return &AuthService{
		challenges: challenges,
		identities: identities,
		verifier:   verifier,
		tokenizer:  tokenizer,
		eventPub:   eventPub,
		ledger:     ledger,
		cfg:        cfg,
		options:    applyOptions(opts),
	}
}

// Domain is the realm messages must be addressed to
func (s *AuthService) Domain() string {
	return s.cfg.Domain
}

// IssueChallenge generates a nonce for the pair, superseding any previous one,
// and returns the canonical message the agent should sign
func (s *AuthService) IssueChallenge(ctx context.Context, publicKey, agentID string, ttl time.Duration) (*IssuedChallenge, error) {
	if !s.verifier.ValidAddress(publicKey) {
		return nil, core.ErrUnsupportedKey
	}
	if err := validAgentID(agentID); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = s.cfg.ChallengeTTL
	}
	ttl = min(ttl, s.cfg.MaxChallengeTTL)

	// Generate random nonce
	nonceBytes := make([]byte, 32)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	now := s.now().UTC()
	challenge := &core.Challenge{
		Value:     hex.EncodeToString(nonceBytes),
		PublicKey: publicKey,
		AgentID:   agentID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	expiresAt := challenge.ExpiresAt
	msg := &core.AuthMessage{
		Domain:         s.cfg.Domain,
		Address:        publicKey,
		Statement:      s.cfg.Statement,
		URI:            s.cfg.URI,
		Version:        core.MessageVersion,
		ChainID:        s.cfg.ChainID,
		Nonce:          challenge.Value,
		IssuedAt:       now,
		AgentID:        agentID,
		ExpirationTime: &expiresAt,
	}
	text, err := msg.Format()
	if err != nil {
		return nil, err
	}

	if err := s.challenges.Put(ctx, challenge); err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}

	s.logger.Debug("challenge issued", "publicKey", publicKey, "agentId", agentID, "expiresAt", challenge.ExpiresAt)
	return &IssuedChallenge{Challenge: challenge, Message: text}, nil
}

// ValidateChallenge checks a nonce without consuming it. An expired
// challenge is evicted.
func (s *AuthService) ValidateChallenge(ctx context.Context, value, publicKey, agentID string) error {
	challenge, err := s.challenges.Get(ctx, publicKey, agentID)
	if errors.Is(err, core.ErrNotFound) {
		return core.ErrNonceNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load challenge: %w", err)
	}

	switch {
	case challenge.Value != value:
		return core.ErrNonceMismatch
	case challenge.Used:
		return core.ErrNonceAlreadyUsed
	case challenge.Expired(s.now()):
		if err := s.challenges.Delete(ctx, publicKey, agentID); err != nil {
			s.logger.Warn("failed to evict expired challenge", "publicKey", publicKey, "error", err)
		}
		return core.ErrNonceExpired
	}
	return nil
}

// Verify authenticates a signed message. Each step is a hard gate and the
// nonce is only consumed once the signature has been checked. The message
// must name the configured domain; expectedDomain, when given, must name it
// too.
func (s *AuthService) Verify(ctx context.Context, messageText, signature, expectedDomain string) (*core.VerificationResult, error) {
	msg, err := core.ParseMessage(messageText)
	if err != nil {
		return nil, core.ErrInvalidMessage
	}
	if expectedDomain != "" && expectedDomain != s.cfg.Domain {
		return nil, core.ErrDomainMismatch
	}
	if msg.Domain != s.cfg.Domain {
		return nil, core.ErrDomainMismatch
	}

	now := s.now()
	if msg.ExpirationTime != nil && now.After(*msg.ExpirationTime) {
		return nil, core.ErrMessageExpired
	}
	if msg.NotBefore != nil && now.Before(*msg.NotBefore) {
		return nil, core.ErrMessageNotYetValid
	}

	if err := s.ValidateChallenge(ctx, msg.Nonce, msg.Address, msg.AgentID); err != nil {
		return nil, err
	}

	if err := s.verifier.Verify(msg.Address, []byte(messageText), signature); err != nil {
		s.logger.Info("signature rejected", "publicKey", msg.Address, "agentId", msg.AgentID)
		if errors.Is(err, core.ErrInvalidSignature) {
			return nil, err
		}
		return nil, core.ErrInvalidSignature.WithCause(err)
	}

	if s.cfg.RequireLedgerAccount {
		if err := s.checkAccount(ctx, msg.Address); err != nil {
			return nil, err
		}
	}

	if err := s.challenges.Consume(ctx, msg.Address, msg.AgentID, msg.Nonce); err != nil {
		return nil, err
	}

	identity, err := s.ensureIdentity(ctx, msg.Address, msg.AgentID)
	if err != nil {
		return nil, err
	}

	issuedAt := s.now().UTC()
	receipt := &core.Receipt{
		ID:        uuid.New().String(),
		PublicKey: msg.Address,
		AgentID:   msg.AgentID,
		Domain:    msg.Domain,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(s.cfg.ReceiptTTL),
	}
	token, err := s.tokenizer.ReceiptToToken(receipt)
	if err != nil {
		return nil, fmt.Errorf("failed to create receipt: %w", err)
	}

	if s.eventPub != nil {
		if err := s.eventPub.PublishAuthenticated(ctx, identity, receipt.ID); err != nil {
			// The sign-in already succeeded
			s.logger.Warn("failed to publish authenticated event", "error", err)
		}
	}

	s.logger.Info("agent authenticated", "publicKey", msg.Address, "agentId", msg.AgentID, "receiptId", receipt.ID)
	return &core.VerificationResult{
		Receipt:  receipt,
		Token:    token,
		Identity: identity,
		Message:  msg,
	}, nil
}

func (s *AuthService) checkAccount(ctx context.Context, address string) error {
	if s.ledger == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.ledgerTimeout)
	defer cancel()

	if _, err := s.ledger.LoadAccount(ctx, address); err != nil {
		if errors.Is(err, core.ErrAccountNotFound) {
			return core.ErrAccountNotFound
		}
		return ledgerError(err)
	}
	return nil
}

// ensureIdentity looks up the identity and registers it on first sign-in
func (s *AuthService) ensureIdentity(ctx context.Context, publicKey, agentID string) (*core.Identity, error) {
	identity, err := s.identities.Get(ctx, publicKey)
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	identity = &core.Identity{
		PublicKey:    publicKey,
		AgentID:      agentID,
		Metadata:     map[string]string{},
		RegisteredAt: s.now().UTC(),
	}
	err = s.identities.Create(ctx, identity)
	if errors.Is(err, core.ErrAlreadyExists) {
		// registered concurrently
		return s.identities.Get(ctx, publicKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to register identity: %w", err)
	}

	s.logger.Info("identity registered", "publicKey", publicKey, "agentId", agentID)
	return identity, nil
}

// VerifyReceipt checks a receipt token offline. Receipts issued for another
// domain are rejected.
func (s *AuthService) VerifyReceipt(ctx context.Context, token string) (*core.Receipt, error) {
	receipt, err := s.tokenizer.TokenToReceipt(token)
	if err != nil {
		return nil, err
	}
	if receipt.Domain != s.cfg.Domain {
		return nil, core.ErrReceiptInvalid.WithMessage("receipt was issued for another domain")
	}
	return receipt, nil
}

// Register pre-registers an identity before its first sign-in
func (s *AuthService) Register(ctx context.Context, publicKey, agentID string, metadata map[string]string) (*core.Identity, error) {
	if !s.verifier.ValidAddress(publicKey) {
		return nil, core.ErrUnsupportedKey
	}
	if err := validAgentID(agentID); err != nil {
		return nil, err
	}
	if metadata == nil {
		metadata = map[string]string{}
	}

	identity := &core.Identity{
		PublicKey:    publicKey,
		AgentID:      agentID,
		Metadata:     metadata,
		RegisteredAt: s.now().UTC(),
	}
	if err := s.identities.Create(ctx, identity); err != nil {
		if errors.Is(err, core.ErrAlreadyExists) {
			return nil, core.ErrAlreadyExists.WithMessage("identity %s already registered", publicKey)
		}
		return nil, fmt.Errorf("failed to register identity: %w", err)
	}
	return identity, nil
}

// Identity returns a registered identity
func (s *AuthService) Identity(ctx context.Context, publicKey string) (*core.Identity, error) {
	identity, err := s.identities.Get(ctx, publicKey)
	if errors.Is(err, core.ErrNotFound) {
		return nil, core.ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	return identity, nil
}

// UpdateMetadata merges changes into the identity's metadata. Only the owner
// may do so; an empty value removes the key.
func (s *AuthService) UpdateMetadata(ctx context.Context, requester, publicKey string, changes map[string]string) (*core.Identity, error) {
	if !strings.EqualFold(requester, publicKey) {
		return nil, core.ErrUnauthorized.WithMessage("only the owner may update metadata")
	}

	for attempt := 0; attempt < 3; attempt++ {
		identity, err := s.Identity(ctx, publicKey)
		if err != nil {
			return nil, err
		}
		if identity.Metadata == nil {
			identity.Metadata = map[string]string{}
		}
		for k, v := range changes {
			if v == "" {
				delete(identity.Metadata, k)
			} else {
				identity.Metadata[k] = v
			}
		}

		err = s.identities.CompareAndSwap(ctx, identity)
		if errors.Is(err, core.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update identity: %w", err)
		}
		return identity, nil
	}

	return nil, core.ErrVersionConflict
}

// SweepChallenges removes expired challenges
func (s *AuthService) SweepChallenges(ctx context.Context) (int, error) {
	return s.challenges.Sweep(ctx, s.now())
}

func validAgentID(agentID string) error {
	if agentID == "" || strings.ContainsAny(agentID, "\r\n") || strings.TrimSpace(agentID) != agentID {
		return core.ErrInvalidRequest.WithMessage("invalid agent id")
	}
	return nil
}
