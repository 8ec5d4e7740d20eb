package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/escrowd/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrkey_KnownVector(t *testing.T) {
	zero := make([]byte, 32)
	addr, err := EncodeAccountID(zero)
	require.NoError(t, err)
	assert.Equal(t, "GAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAWHF", addr)

	pub, err := DecodeAccountID(addr)
	require.NoError(t, err)
	assert.Equal(t, zero, pub)
}

func TestStrkey_Rejects(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	addr, err := EncodeAccountID(pub)
	require.NoError(t, err)

	// flip one character to break the checksum
	b := []byte(addr)
	if b[10] == 'A' {
		b[10] = 'B'
	} else {
		b[10] = 'A'
	}
	_, err = DecodeAccountID(string(b))
	assert.Error(t, err)

	_, err = DecodeAccountID(addr[:55])
	assert.Error(t, err)

	_, err = EncodeAccountID(pub[:31])
	assert.Error(t, err)
}

func TestStellarVerifier(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	addr, err := EncodeAccountID(pub)
	require.NoError(t, err)

	msg := []byte("agents.example.com wants you to sign in")
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, msg))

	v := NewStellarVerifier()
	assert.True(t, v.Supports(addr))
	assert.True(t, v.ValidAddress(addr))
	assert.NoError(t, v.Verify(addr, msg, sig))

	assert.ErrorIs(t, v.Verify(addr, append(msg, '!'), sig), core.ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify(addr, msg, "%%%"), core.ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify(addr, msg, base64.StdEncoding.EncodeToString([]byte("short"))), core.ErrInvalidSignature)

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherAddr, err := EncodeAccountID(otherPub)
	require.NoError(t, err)
	assert.ErrorIs(t, v.Verify(otherAddr, msg, sig), core.ErrInvalidSignature)
}

func TestEVMVerifier(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()

	msg := []byte("hello agent")
	raw, err := crypto.Sign(accounts.TextHash(msg), key)
	require.NoError(t, err)

	v := NewEVMVerifier()
	assert.True(t, v.Supports(addr))
	assert.True(t, v.ValidAddress(addr))
	assert.False(t, v.ValidAddress("0x1234"))

	// both recovery id conventions
	assert.NoError(t, v.Verify(addr, msg, hexutil.Encode(raw)))
	wallet := append([]byte(nil), raw...)
	wallet[64] += 27
	assert.NoError(t, v.Verify(addr, msg, hexutil.Encode(wallet)))

	assert.ErrorIs(t, v.Verify(addr, []byte("other"), hexutil.Encode(raw)), core.ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify(addr, msg, "0x1234"), core.ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify(addr, msg, "nothex"), core.ErrInvalidSignature)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	stellar, err := EncodeAccountID(pub)
	require.NoError(t, err)

	assert.True(t, r.ValidAddress(stellar))
	assert.True(t, r.ValidAddress("0x71C7656EC7ab88b098defB751B7401B5f6d8976F"))
	assert.False(t, r.ValidAddress("alice"))
	assert.False(t, r.ValidAddress("GNOTASTRKEY"))

	err = r.Verify("alice", []byte("m"), "sig")
	assert.ErrorIs(t, err, core.ErrInvalidSignature)
	assert.ErrorIs(t, err, core.ErrUnsupportedKey)
}
