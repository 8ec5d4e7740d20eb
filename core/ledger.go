package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a quantity of a single ledger asset
type Amount struct {
	Value       string `json:"value"`                 // Positive decimal string
	AssetCode   string `json:"assetCode"`             // Asset symbol, e.g. ETH or USDC
	AssetIssuer string `json:"assetIssuer,omitempty"` // Token contract, empty for the native asset
}

// Decimal parses the amount value. Only positive finite decimals are accepted.
func (a Amount) Decimal() (decimal.Decimal, error) {
	v := strings.TrimSpace(a.Value)
	if v == "" || v != a.Value {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount.WithCause(err)
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// Validate checks the value and the asset code
func (a Amount) Validate() error {
	if _, err := a.Decimal(); err != nil {
		return err
	}
	if strings.TrimSpace(a.AssetCode) == "" {
		return ErrInvalidAmount.WithMessage("asset code is required")
	}
	return nil
}

// SameAsset reports whether both amounts denominate the same asset
func (a Amount) SameAsset(b Amount) bool {
	return strings.EqualFold(a.AssetCode, b.AssetCode) && strings.EqualFold(a.AssetIssuer, b.AssetIssuer)
}

// Equal compares value numerically and asset by identity
func (a Amount) Equal(b Amount) bool {
	if !a.SameAsset(b) {
		return false
	}
	da, err := decimal.NewFromString(a.Value)
	if err != nil {
		return false
	}
	db, err := decimal.NewFromString(b.Value)
	if err != nil {
		return false
	}
	return da.Equal(db)
}

// Transfer is a single value movement between two accounts
type Transfer struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount Amount `json:"amount"`
}

// Matches reports whether t moved exactly the expected value between the
// expected parties. Addresses compare case-insensitively so checksummed and
// lowercase EVM addresses are treated alike.
func (t Transfer) Matches(expected Transfer) bool {
	return strings.EqualFold(t.From, expected.From) &&
		strings.EqualFold(t.To, expected.To) &&
		t.Amount.Equal(expected.Amount)
}

// LedgerTx is the outcome of a submitted or looked-up ledger transaction
type LedgerTx struct {
	Hash          string `json:"hash"`
	Successful    bool   `json:"successful"`
	LedgerSeq     uint64 `json:"ledgerSeq"`
	Confirmations uint64 `json:"confirmations"`
}

// Account is the ledger view of an address
type Account struct {
	Address  string            `json:"address"`
	Sequence uint64            `json:"sequence"`
	Balances map[string]string `json:"balances"` // asset code to decimal balance
}
