package ports

import "github.com/layer-3/escrowd/core"

// SignatureVerifier checks detached signatures for one key scheme
type SignatureVerifier interface {
	// Supports reports whether the address belongs to this scheme
	Supports(address string) bool
	// ValidAddress reports whether the address is syntactically valid
	ValidAddress(address string) bool
	// Verify returns core.ErrInvalidSignature unless signature was produced
	// by the key behind address over message
	Verify(address string, message []byte, signature string) error
}

// ReceiptTokenizer converts receipts to and from tamper-evident tokens
type ReceiptTokenizer interface {
	ReceiptToToken(receipt *core.Receipt) (string, error)
	// TokenToReceipt fails with core.ErrReceiptExpired or core.ErrReceiptInvalid
	TokenToReceipt(token string) (*core.Receipt, error)
}
