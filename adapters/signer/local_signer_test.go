package signer

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/escrowd/adapters/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_SignBytesVerifies(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s := NewLocal(key, big.NewInt(1337))

	msg := []byte("sign me")
	sig, err := s.SignBytes(context.Background(), msg)
	require.NoError(t, err)
	assert.Len(t, sig, 65)

	assert.NoError(t, signature.NewEVMVerifier().Verify(s.Address(), msg, hexutil.Encode(sig)))
}

func TestLocal_SignTransaction(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	chainID := big.NewInt(1337)
	s := NewLocal(key, chainID)

	to := common.HexToAddress("0x71C7656EC7ab88b098defB751B7401B5f6d8976F")
	unsigned, err := types.NewTx(&types.LegacyTx{Nonce: 3, To: &to, Value: big.NewInt(10), Gas: 21000, GasPrice: big.NewInt(1)}).MarshalBinary()
	require.NoError(t, err)

	raw, err := s.SignTransaction(context.Background(), unsigned)
	require.NoError(t, err)

	var tx types.Transaction
	require.NoError(t, tx.UnmarshalBinary(raw))
	from, err := types.Sender(types.LatestSignerForChainID(chainID), &tx)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), from.Hex())
	assert.EqualValues(t, 3, tx.Nonce())

	_, err = s.SignTransaction(context.Background(), []byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestNewLocalFromHex(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	s, err := NewLocalFromHex(hexutil.Encode(crypto.FromECDSA(key)), big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), s.Address())

	_, err = NewLocalFromHex("zz", big.NewInt(1))
	assert.Error(t, err)
}
