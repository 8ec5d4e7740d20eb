package core

import "time"

// Identity is a public key that has proven control of its private key at least once
type Identity struct {
	PublicKey    string            `json:"publicKey"`    // Stellar account id or EVM address
	AgentID      string            `json:"agentId"`      // Agent name chosen by the key holder
	Metadata     map[string]string `json:"metadata"`     // Owner-managed attributes
	RegisteredAt time.Time         `json:"registeredAt"` // First registration time
	Version      int64             `json:"-"`            // Optimistic concurrency counter
}

// Clone returns a deep copy so stored identities are never aliased by callers
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	if i.Metadata != nil {
		c.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Challenge is a single-use nonce bound to a (public key, agent) pair
type Challenge struct {
	Value     string    `json:"nonce"`     // 256-bit random token, lowercase hex
	PublicKey string    `json:"publicKey"` // Key the nonce is bound to
	AgentID   string    `json:"agentId"`   // Agent the nonce is bound to
	CreatedAt time.Time `json:"createdAt"` // When the challenge was issued
	ExpiresAt time.Time `json:"expiresAt"` // When the challenge stops validating
	Used      bool      `json:"used"`      // Set once by a successful verification
}

// Expired reports whether the challenge is past its expiry at now
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// ChallengeKey is the storage key of the live challenge for a pair
func ChallengeKey(publicKey, agentID string) string {
	return publicKey + ":" + agentID
}

// Receipt is the tamper-evident proof of a successful verification
type Receipt struct {
	ID        string    `json:"id"`
	PublicKey string    `json:"publicKey"`
	AgentID   string    `json:"agentId"`
	Domain    string    `json:"domain"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// VerificationResult is returned by a successful sign-in
type VerificationResult struct {
	Receipt  *Receipt     `json:"receipt"`
	Token    string       `json:"token"`
	Identity *Identity    `json:"identity"`
	Message  *AuthMessage `json:"message"`
}
