package tokenizer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/escrowd/core"
	"github.com/layer-3/escrowd/ports"
)

const AudienceReceipt = "siwa:receipt"

// JWTTokenizer implements the ReceiptTokenizer interface using ES256 JWTs
type JWTTokenizer struct {
	signKey *ecdsa.PrivateKey
	now     func() time.Time
}

// Option configures a JWTTokenizer
type Option func(*JWTTokenizer)

// WithClock overrides the clock used to validate expiry
func WithClock(now func() time.Time) Option {
	return func(j *JWTTokenizer) { j.now = now }
}

// NewJWTTokenizer creates a new JWT tokenizer
func NewJWTTokenizer(signKey *ecdsa.PrivateKey, opts ...Option) ports.ReceiptTokenizer {
	j := &JWTTokenizer{signKey: signKey, now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// ReceiptToToken signs a receipt
func (j *JWTTokenizer) ReceiptToToken(receipt *core.Receipt) (string, error) {
	claims := ReceiptClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   receipt.PublicKey,
			ID:        receipt.ID,
			ExpiresAt: jwt.NewNumericDate(receipt.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(receipt.IssuedAt),
			Audience:  jwt.ClaimStrings{AudienceReceipt},
		},
		AgentID: receipt.AgentID,
		Domain:  receipt.Domain,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)

	signedToken, err := token.SignedString(j.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign receipt: %w", err)
	}

	return signedToken, nil
}

// TokenToReceipt verifies a receipt token without any store lookup
func (j *JWTTokenizer) TokenToReceipt(tokenStr string) (*core.Receipt, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &ReceiptClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &j.signKey.PublicKey, nil
	},
		jwt.WithAudience(AudienceReceipt),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	)

	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, core.ErrReceiptExpired
	}
	if err != nil {
		return nil, core.ErrReceiptInvalid.WithCause(err)
	}
	if !token.Valid {
		return nil, core.ErrReceiptInvalid
	}

	claims, ok := token.Claims.(*ReceiptClaims)
	if !ok || claims.Subject == "" || claims.IssuedAt == nil {
		return nil, core.ErrReceiptInvalid
	}

	return &core.Receipt{
		ID:        claims.ID,
		PublicKey: claims.Subject,
		AgentID:   claims.AgentID,
		Domain:    claims.Domain,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
