package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/escrowd/core"
	"github.com/layer-3/escrowd/ports"
	"github.com/shopspring/decimal"
)

const erc20ABI = `[
 {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// Backend is the subset of ethclient.Client used by the EVM ledger. The
// simulated backend client satisfies it as well.
type Backend interface {
	ethereum.ChainStateReader
	ethereum.TransactionReader
	ethereum.TransactionSender
	ethereum.GasPricer
	ethereum.GasEstimator
	ethereum.ContractCaller
	ethereum.PendingStateReader
	ethereum.BlockNumberReader
}

// Token is an ERC-20 asset the ledger knows how to move
type Token struct {
	Code     string
	Address  common.Address
	Decimals int32
}

// EVMConfig describes the assets of the chain
type EVMConfig struct {
	NativeAsset    string
	NativeDecimals int32
	Tokens         []Token
	PollInterval   time.Duration
}

// EVM is a ports.Ledger on an EVM chain. Payouts are signed by the wallet
// signer of the custody account and carry keccak256(idempotency key) as
// trailing calldata.
type EVM struct {
	backend Backend
	signer  ports.WalletSigner
	cfg     EVMConfig
	erc20   abi.ABI

	mu   sync.Mutex
	sent map[string]common.Hash
}

// NewEVM creates an EVM ledger
func NewEVM(backend Backend, signer ports.WalletSigner, cfg EVMConfig) (*EVM, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	if cfg.NativeAsset == "" {
		cfg.NativeAsset = "ETH"
	}
	if cfg.NativeDecimals == 0 {
		cfg.NativeDecimals = 18
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}

	return &EVM{
		backend: backend,
		signer:  signer,
		cfg:     cfg,
		erc20:   parsed,
		sent:    make(map[string]common.Hash),
	}, nil
}

func (l *EVM) token(amount core.Amount) (*Token, error) {
	if amount.AssetIssuer == "" {
		if !strings.EqualFold(amount.AssetCode, l.cfg.NativeAsset) {
			return nil, core.ErrInvalidAmount.WithMessage("unknown asset %s", amount.AssetCode)
		}
		return nil, nil
	}
	for i := range l.cfg.Tokens {
		t := &l.cfg.Tokens[i]
		if strings.EqualFold(t.Address.Hex(), amount.AssetIssuer) && strings.EqualFold(t.Code, amount.AssetCode) {
			return t, nil
		}
	}
	return nil, core.ErrInvalidAmount.WithMessage("unknown asset %s:%s", amount.AssetCode, amount.AssetIssuer)
}

func toBaseUnits(value string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, core.ErrInvalidAmount.WithCause(err)
	}
	units := d.Shift(decimals)
	if !units.IsInteger() || !units.IsPositive() {
		return nil, core.ErrInvalidAmount.WithMessage("amount %s exceeds asset precision", value)
	}
	return units.BigInt(), nil
}

func fromBaseUnits(units *big.Int, decimals int32) string {
	return decimal.NewFromBigInt(units, -decimals).String()
}

func memo(idempotencyKey string) []byte {
	if idempotencyKey == "" {
		return nil
	}
	return crypto.Keccak256([]byte(idempotencyKey))
}

func (l *EVM) LoadAccount(ctx context.Context, address string) (*core.Account, error) {
	if !common.IsHexAddress(address) {
		return nil, core.ErrAccountNotFound
	}
	addr := common.HexToAddress(address)

	balance, err := l.backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("balance: %w", err)
	}
	nonce, err := l.backend.NonceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	if balance.Sign() == 0 && nonce == 0 {
		return nil, core.ErrAccountNotFound
	}

	account := &core.Account{
		Address:  addr.Hex(),
		Sequence: nonce,
		Balances: map[string]string{l.cfg.NativeAsset: fromBaseUnits(balance, l.cfg.NativeDecimals)},
	}
	for _, t := range l.cfg.Tokens {
		bal, err := l.tokenBalance(ctx, t, addr)
		if err != nil {
			return nil, err
		}
		account.Balances[t.Code] = fromBaseUnits(bal, t.Decimals)
	}
	return account, nil
}

func (l *EVM) tokenBalance(ctx context.Context, t Token, owner common.Address) (*big.Int, error) {
	data, err := l.erc20.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	out, err := l.backend.CallContract(ctx, ethereum.CallMsg{To: &t.Address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf %s: %w", t.Code, err)
	}
	vals, err := l.erc20.Unpack("balanceOf", out)
	if err != nil || len(vals) != 1 {
		return nil, fmt.Errorf("decode balanceOf %s: %w", t.Code, err)
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode balanceOf %s: unexpected type", t.Code)
	}
	return bal, nil
}

// Pay signs and submits a payout, then waits for it to be mined. A key that
// already produced a mined or pending transaction returns that transaction.
func (l *EVM) Pay(ctx context.Context, destination string, amount core.Amount, idempotencyKey string) (*core.LedgerTx, error) {
	if !common.IsHexAddress(destination) {
		return nil, core.ErrInvalidParty.WithMessage("invalid destination %s", destination)
	}

	if prev, ok := l.previous(idempotencyKey); ok {
		tx, err := l.LookupTransaction(ctx, prev.Hex())
		if err == nil && (tx.Successful || tx.LedgerSeq == 0) {
			return l.waitMined(ctx, prev)
		}
	}

	tx, err := l.buildPayout(ctx, common.HexToAddress(destination), amount, memo(idempotencyKey))
	if err != nil {
		return nil, err
	}
	unsigned, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode tx: %w", err)
	}
	signed, err := l.signer.SignTransaction(ctx, unsigned)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}

	hash, err := l.send(ctx, signed)
	if err != nil {
		return nil, err
	}
	if idempotencyKey != "" {
		l.mu.Lock()
		l.sent[idempotencyKey] = hash
		l.mu.Unlock()
	}

	return l.waitMined(ctx, hash)
}

func (l *EVM) previous(key string) (common.Hash, bool) {
	if key == "" {
		return common.Hash{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.sent[key]
	return h, ok
}

func (l *EVM) buildPayout(ctx context.Context, to common.Address, amount core.Amount, memo []byte) (*types.Transaction, error) {
	from := common.HexToAddress(l.signer.Address())

	token, err := l.token(amount)
	if err != nil {
		return nil, err
	}

	var (
		target common.Address
		value  = new(big.Int)
		data   []byte
	)
	if token == nil {
		units, err := toBaseUnits(amount.Value, l.cfg.NativeDecimals)
		if err != nil {
			return nil, err
		}
		target, value, data = to, units, memo
	} else {
		units, err := toBaseUnits(amount.Value, token.Decimals)
		if err != nil {
			return nil, err
		}
		packed, err := l.erc20.Pack("transfer", to, units)
		if err != nil {
			return nil, fmt.Errorf("pack transfer: %w", err)
		}
		target, data = token.Address, append(packed, memo...)
	}

	nonce, err := l.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := l.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	gas, err := l.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &target, Value: value, Data: data})
	if err != nil {
		if strings.Contains(err.Error(), "insufficient funds") {
			return nil, core.ErrInsufficientFunds.WithCause(err)
		}
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &target,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	}), nil
}

func (l *EVM) send(ctx context.Context, signed []byte) (common.Hash, error) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(signed); err != nil {
		return common.Hash{}, fmt.Errorf("decode signed tx: %w", err)
	}
	if err := l.backend.SendTransaction(ctx, &tx); err != nil {
		if strings.Contains(err.Error(), "insufficient funds") {
			return common.Hash{}, core.ErrInsufficientFunds.WithCause(err)
		}
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}
	return tx.Hash(), nil
}

// SubmitTransaction broadcasts a signed transaction and waits for it to be mined
func (l *EVM) SubmitTransaction(ctx context.Context, signedTx []byte) (*core.LedgerTx, error) {
	hash, err := l.send(ctx, signedTx)
	if err != nil {
		return nil, err
	}
	return l.waitMined(ctx, hash)
}

// waitMined polls until the receipt appears or ctx is done
func (l *EVM) waitMined(ctx context.Context, hash common.Hash) (*core.LedgerTx, error) {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		tx, err := l.LookupTransaction(ctx, hash.Hex())
		if err != nil && !errors.Is(err, core.ErrTxNotFound) {
			return nil, err
		}
		if err == nil && tx.LedgerSeq != 0 {
			if !tx.Successful {
				return tx, core.ErrSettlementFailed.WithMessage("transaction %s reverted", tx.Hash)
			}
			return tx, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// LookupTransaction reports a mined transaction with its confirmations, or a
// pending one with LedgerSeq zero
func (l *EVM) LookupTransaction(ctx context.Context, txRef string) (*core.LedgerTx, error) {
	hash := common.HexToHash(txRef)

	receipt, err := l.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		_, pending, err := l.backend.TransactionByHash(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return nil, core.ErrTxNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("transaction: %w", err)
		}
		if pending {
			return &core.LedgerTx{Hash: hash.Hex()}, nil
		}
		return nil, core.ErrTxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("receipt: %w", err)
	}

	head, err := l.backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}

	mined := receipt.BlockNumber.Uint64()
	tx := &core.LedgerTx{
		Hash:       hash.Hex(),
		Successful: receipt.Status == types.ReceiptStatusSuccessful,
		LedgerSeq:  mined,
	}
	if tx.Successful && head >= mined {
		tx.Confirmations = head - mined + 1
	}
	return tx, nil
}

// FindTransfer decodes the value movement of a successful transaction. Native
// transfers and ERC-20 transfer calls to configured tokens are understood.
func (l *EVM) FindTransfer(ctx context.Context, txRef string) (*core.Transfer, error) {
	lookup, err := l.LookupTransaction(ctx, txRef)
	if err != nil {
		return nil, err
	}
	if !lookup.Successful {
		return nil, core.ErrTxNotFound.WithMessage("transaction %s did not succeed", txRef)
	}

	tx, _, err := l.backend.TransactionByHash(ctx, common.HexToHash(txRef))
	if err != nil {
		return nil, fmt.Errorf("transaction: %w", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	if tx.To() == nil {
		return nil, core.ErrTxNotFound.WithMessage("contract creation carries no transfer")
	}

	for _, t := range l.cfg.Tokens {
		if *tx.To() != t.Address {
			continue
		}
		method := l.erc20.Methods["transfer"]
		data := tx.Data()
		if len(data) < 4 || !bytes.Equal(data[:4], method.ID) {
			return nil, core.ErrTxNotFound.WithMessage("not a token transfer")
		}
		args, err := method.Inputs.Unpack(data[4:])
		if err != nil || len(args) != 2 {
			return nil, core.ErrTxNotFound.WithMessage("malformed token transfer")
		}
		to, ok1 := args[0].(common.Address)
		value, ok2 := args[1].(*big.Int)
		if !ok1 || !ok2 {
			return nil, core.ErrTxNotFound.WithMessage("malformed token transfer")
		}
		return &core.Transfer{
			From: from.Hex(),
			To:   to.Hex(),
			Amount: core.Amount{
				Value:       fromBaseUnits(value, t.Decimals),
				AssetCode:   t.Code,
				AssetIssuer: t.Address.Hex(),
			},
		}, nil
	}

	if tx.Value().Sign() == 0 {
		return nil, core.ErrTxNotFound.WithMessage("transaction carries no value")
	}
	return &core.Transfer{
		From:   from.Hex(),
		To:     tx.To().Hex(),
		Amount: core.Amount{Value: fromBaseUnits(tx.Value(), l.cfg.NativeDecimals), AssetCode: l.cfg.NativeAsset},
	}, nil
}
