package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Local is a WalletSigner backed by an in-process secp256k1 key. It serves
// the custody account in development; production deployments put an
// external signer behind the same interface.
type Local struct {
	key     *ecdsa.PrivateKey
	chainID *big.Int
	address string
}

// NewLocal creates a signer for key on the given chain
func NewLocal(key *ecdsa.PrivateKey, chainID *big.Int) *Local {
	return &Local{
		key:     key,
		chainID: chainID,
		address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}
}

// NewLocalFromHex parses a hex private key, with or without 0x
func NewLocalFromHex(hexKey string, chainID *big.Int) (*Local, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return NewLocal(key, chainID), nil
}

func (s *Local) Address() string {
	return s.address
}

// SignBytes produces an EIP-191 personal_sign signature with v in {27,28}
func (s *Local) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(payload), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// SignTransaction signs a binary encoded transaction for the signer's chain
func (s *Local) SignTransaction(ctx context.Context, unsignedTx []byte) ([]byte, error) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(unsignedTx); err != nil {
		return nil, fmt.Errorf("decode tx: %w", err)
	}

	signed, err := types.SignTx(&tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed.MarshalBinary()
}
