package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/layer-3/escrowd/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedger(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger("GCUSTODY")
	xlm := core.Amount{Value: "100", AssetCode: "XLM"}

	funding := l.RecordTransfer("GPAYER", "GCUSTODY", xlm)
	transfer, err := l.FindTransfer(ctx, funding)
	require.NoError(t, err)
	assert.Equal(t, "GPAYER", transfer.From)

	tx, err := l.Pay(ctx, "GPAYEE", xlm, "escrow:e1:release")
	require.NoError(t, err)
	again, err := l.Pay(ctx, "GPAYEE", xlm, "escrow:e1:release")
	require.NoError(t, err)
	assert.Equal(t, tx.Hash, again.Hash)
	assert.Len(t, l.Payments(), 1)

	account, err := l.LoadAccount(ctx, "GPAYEE")
	require.NoError(t, err)
	assert.Equal(t, "100", account.Balances["XLM"])

	_, err = l.LoadAccount(ctx, "GNOBODY")
	assert.ErrorIs(t, err, core.ErrAccountNotFound)

	failed := l.RecordFailedTransfer("GPAYER", "GPAYEE", xlm)
	lookup, err := l.LookupTransaction(ctx, failed)
	require.NoError(t, err)
	assert.False(t, lookup.Successful)
	assert.Zero(t, lookup.Confirmations)
	_, err = l.FindTransfer(ctx, failed)
	assert.ErrorIs(t, err, core.ErrTxNotFound)

	boom := errors.New("network down")
	l.FailPayments(boom)
	_, err = l.Pay(ctx, "GPAYEE", xlm, "escrow:e2:release")
	assert.ErrorIs(t, err, boom)

	raw, err := json.Marshal(core.Transfer{From: "GA", To: "GB", Amount: xlm})
	require.NoError(t, err)
	submitted, err := l.SubmitTransaction(ctx, raw)
	require.NoError(t, err)
	assert.True(t, submitted.Successful)
}
