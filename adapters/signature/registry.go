package signature

import (
	"github.com/layer-3/escrowd/core"
	"github.com/layer-3/escrowd/ports"
)

// Registry dispatches to the verifier whose scheme owns the address
type Registry struct {
	verifiers []ports.SignatureVerifier
}

// NewRegistry returns a registry over verifiers. With none given it knows
// Stellar and EVM accounts.
func NewRegistry(verifiers ...ports.SignatureVerifier) *Registry {
	if len(verifiers) == 0 {
		verifiers = []ports.SignatureVerifier{NewStellarVerifier(), NewEVMVerifier()}
	}
	return &Registry{verifiers: verifiers}
}

func (r *Registry) lookup(address string) ports.SignatureVerifier {
	for _, v := range r.verifiers {
		if v.Supports(address) {
			return v
		}
	}
	return nil
}

func (r *Registry) Supports(address string) bool {
	return r.lookup(address) != nil
}

func (r *Registry) ValidAddress(address string) bool {
	v := r.lookup(address)
	return v != nil && v.ValidAddress(address)
}

func (r *Registry) Verify(address string, message []byte, signature string) error {
	v := r.lookup(address)
	if v == nil {
		return core.ErrInvalidSignature.WithCause(core.ErrUnsupportedKey)
	}
	return v.Verify(address, message, signature)
}
