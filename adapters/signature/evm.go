package signature

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/escrowd/core"
)

// EVMVerifier verifies EIP-191 personal_sign signatures from EVM accounts
type EVMVerifier struct{}

func NewEVMVerifier() *EVMVerifier {
	return &EVMVerifier{}
}

func (EVMVerifier) Supports(address string) bool {
	return strings.HasPrefix(address, "0x")
}

func (EVMVerifier) ValidAddress(address string) bool {
	return common.IsHexAddress(address) && address != (common.Address{}).Hex()
}

// Verify recovers the signer of the personal_sign hash and compares addresses
func (EVMVerifier) Verify(address string, message []byte, signature string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid evm address: %w", core.ErrInvalidSignature)
	}
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", core.ErrInvalidSignature)
	}
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("signature must be 65 bytes: %w", core.ErrInvalidSignature)
	}

	// wallets emit v as 27/28
	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return fmt.Errorf("failed to recover signer: %w", core.ErrInvalidSignature)
	}
	if crypto.PubkeyToAddress(*pub) != common.HexToAddress(address) {
		return core.ErrInvalidSignature
	}
	return nil
}
