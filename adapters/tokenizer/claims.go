package tokenizer

import "github.com/golang-jwt/jwt/v5"

// ReceiptClaims combines standard claims with receipt-specific ones
type ReceiptClaims struct {
	jwt.RegisteredClaims
	AgentID string `json:"agent_id"`
	Domain  string `json:"domain"`
}
