package signature

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/layer-3/escrowd/core"
)

// StellarVerifier verifies base64 ed25519 signatures from Stellar accounts
type StellarVerifier struct{}

func NewStellarVerifier() *StellarVerifier {
	return &StellarVerifier{}
}

func (StellarVerifier) Supports(address string) bool {
	return strings.HasPrefix(address, "G") && len(address) == 56
}

func (StellarVerifier) ValidAddress(address string) bool {
	_, err := DecodeAccountID(address)
	return err == nil
}

// Verify checks the signature over the exact message bytes
func (StellarVerifier) Verify(address string, message []byte, signature string) error {
	pub, err := DecodeAccountID(address)
	if err != nil {
		return fmt.Errorf("invalid stellar address: %w", core.ErrInvalidSignature)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", core.ErrInvalidSignature)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("signature must be %d bytes: %w", ed25519.SignatureSize, core.ErrInvalidSignature)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), message, sig) {
		return core.ErrInvalidSignature
	}
	return nil
}
