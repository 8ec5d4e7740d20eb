package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/layer-3/escrowd/core"
	"github.com/shopspring/decimal"
)

type memoryTx struct {
	tx       core.LedgerTx
	transfer core.Transfer
}

// Payment is one Pay call observed by the memory ledger
type Payment struct {
	Destination    string
	Amount         core.Amount
	IdempotencyKey string
	Hash           string
}

// MemoryLedger is an in-process ports.Ledger for development and tests.
// Balances are tracked but never enforced.
type MemoryLedger struct {
	mu       sync.Mutex
	custody  string
	seq      uint64
	balances map[string]map[string]decimal.Decimal
	txs      map[string]*memoryTx
	byKey    map[string]string
	payments []Payment
	lookups  int
	payErr   error
}

// NewMemoryLedger creates a ledger paying out from custody
func NewMemoryLedger(custody string) *MemoryLedger {
	return &MemoryLedger{
		custody:  custody,
		balances: make(map[string]map[string]decimal.Decimal),
		txs:      make(map[string]*memoryTx),
		byKey:    make(map[string]string),
	}
}

// Custody is the address payouts are made from
func (l *MemoryLedger) Custody() string {
	return l.custody
}

// FailPayments makes every following Pay return err until reset with nil
func (l *MemoryLedger) FailPayments(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.payErr = err
}

// Payments returns the Pay calls that settled
func (l *MemoryLedger) Payments() []Payment {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Payment(nil), l.payments...)
}

// Lookups counts LookupTransaction and FindTransfer calls
func (l *MemoryLedger) Lookups() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lookups
}

// RecordTransfer books a transfer made outside the service, such as a payer
// funding the custody account, and returns its hash
func (l *MemoryLedger) RecordTransfer(from, to string, amount core.Amount) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.book(core.Transfer{From: from, To: to, Amount: amount}, true)
}

// RecordFailedTransfer books a transaction that the ledger rejected
func (l *MemoryLedger) RecordFailedTransfer(from, to string, amount core.Amount) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.book(core.Transfer{From: from, To: to, Amount: amount}, false)
}

func (l *MemoryLedger) book(t core.Transfer, successful bool) string {
	l.seq++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s|%s|%s", l.seq, t.From, t.To, t.Amount.Value, t.Amount.AssetCode)))
	hash := hex.EncodeToString(sum[:])

	l.txs[hash] = &memoryTx{
		tx:       core.LedgerTx{Hash: hash, Successful: successful, LedgerSeq: l.seq},
		transfer: t,
	}
	if successful {
		v, _ := decimal.NewFromString(t.Amount.Value)
		l.adjust(t.From, t.Amount.AssetCode, v.Neg())
		l.adjust(t.To, t.Amount.AssetCode, v)
	}
	return hash
}

func (l *MemoryLedger) adjust(address, asset string, delta decimal.Decimal) {
	key := strings.ToLower(address)
	if l.balances[key] == nil {
		l.balances[key] = make(map[string]decimal.Decimal)
	}
	l.balances[key][asset] = l.balances[key][asset].Add(delta)
}

func (l *MemoryLedger) LoadAccount(ctx context.Context, address string) (*core.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	balances, ok := l.balances[strings.ToLower(address)]
	if !ok {
		return nil, core.ErrAccountNotFound
	}

	account := &core.Account{Address: address, Sequence: l.seq, Balances: make(map[string]string, len(balances))}
	for asset, v := range balances {
		account.Balances[asset] = v.String()
	}
	return account, nil
}

func (l *MemoryLedger) Pay(ctx context.Context, destination string, amount core.Amount, idempotencyKey string) (*core.LedgerTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.payErr != nil {
		return nil, l.payErr
	}
	if hash, ok := l.byKey[idempotencyKey]; ok && idempotencyKey != "" {
		tx := l.txs[hash].tx
		return &tx, nil
	}

	hash := l.book(core.Transfer{From: l.custody, To: destination, Amount: amount}, true)
	if idempotencyKey != "" {
		l.byKey[idempotencyKey] = hash
	}
	l.payments = append(l.payments, Payment{Destination: destination, Amount: amount, IdempotencyKey: idempotencyKey, Hash: hash})

	tx := l.txs[hash].tx
	return &tx, nil
}

// SubmitTransaction accepts a JSON encoded core.Transfer as the signed payload
func (l *MemoryLedger) SubmitTransaction(ctx context.Context, signedTx []byte) (*core.LedgerTx, error) {
	var t core.Transfer
	if err := json.Unmarshal(signedTx, &t); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	hash := l.book(t, true)
	tx := l.txs[hash].tx
	return &tx, nil
}

func (l *MemoryLedger) LookupTransaction(ctx context.Context, txRef string) (*core.LedgerTx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lookups++
	mt, ok := l.txs[txRef]
	if !ok {
		return nil, core.ErrTxNotFound
	}
	tx := mt.tx
	if tx.Successful {
		tx.Confirmations = l.seq - tx.LedgerSeq + 1
	}
	return &tx, nil
}

func (l *MemoryLedger) FindTransfer(ctx context.Context, txRef string) (*core.Transfer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lookups++
	mt, ok := l.txs[txRef]
	if !ok || !mt.tx.Successful {
		return nil, core.ErrTxNotFound
	}
	t := mt.transfer
	return &t, nil
}
