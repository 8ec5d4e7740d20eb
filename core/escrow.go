package core

import (
	"strings"
	"time"
)

// EscrowState is the stored lifecycle state of an escrow contract
type EscrowState string

const (
	EscrowCreated  EscrowState = "CREATED"
	EscrowFunded   EscrowState = "FUNDED"
	EscrowReleased EscrowState = "RELEASED"
	EscrowRefunded EscrowState = "REFUNDED"
	// EscrowExpired and EscrowDisputed are part of the state vocabulary but
	// no transition stores them. Expiry is derived from ExpiresAt.
	EscrowExpired  EscrowState = "EXPIRED"
	EscrowDisputed EscrowState = "DISPUTED"
)

// IsTerminal reports whether no further transition is allowed
func (s EscrowState) IsTerminal() bool {
	return s == EscrowReleased || s == EscrowRefunded || s == EscrowExpired
}

// SystemRequester is the requester recorded for time-gated auto-release
const SystemRequester = "system"

// Participants are the parties of an escrow
type Participants struct {
	Payer   string `json:"payer"`
	Payee   string `json:"payee"`
	Arbiter string `json:"arbiter,omitempty"`
}

// Conditions are optional release constraints
type Conditions struct {
	RequireArbiterApproval bool       `json:"requireArbiterApproval,omitempty"`
	AutoReleaseAfter       *time.Time `json:"autoReleaseAfter,omitempty"`
}

// TransactionRefs are ledger references for each stage of the contract
type TransactionRefs struct {
	Creation string `json:"creation,omitempty"`
	Funding  string `json:"funding,omitempty"`
	Release  string `json:"release,omitempty"`
	Refund   string `json:"refund,omitempty"`
}

// Escrow is a contract holding funds pending a release or refund decision
type Escrow struct {
	ID              string          `json:"id"`
	Participants    Participants    `json:"participants"`
	Amount          Amount          `json:"amount"`
	State           EscrowState     `json:"state"`
	CreatedAt       time.Time       `json:"createdAt"`
	FundedAt        *time.Time      `json:"fundedAt,omitempty"`
	ReleasedAt      *time.Time      `json:"releasedAt,omitempty"`
	RefundedAt      *time.Time      `json:"refundedAt,omitempty"`
	ExpiresAt       time.Time       `json:"expiresAt"`
	Conditions      Conditions      `json:"conditions"`
	TransactionRefs TransactionRefs `json:"transactionRefs"`
	RefundReason    string          `json:"refundReason,omitempty"`
	Version         int64           `json:"version"`
}

// Clone returns a deep copy
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	c := *e
	c.FundedAt = cloneTime(e.FundedAt)
	c.ReleasedAt = cloneTime(e.ReleasedAt)
	c.RefundedAt = cloneTime(e.RefundedAt)
	c.Conditions.AutoReleaseAfter = cloneTime(e.Conditions.AutoReleaseAfter)
	return &c
}

// IsExpired reports whether now is past the contract expiry
func (e *Escrow) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// CanAutoRelease reports whether the time-gated release path is open
func (e *Escrow) CanAutoRelease(now time.Time) bool {
	if e.State != EscrowFunded || e.Conditions.AutoReleaseAfter == nil {
		return false
	}
	return !now.Before(*e.Conditions.AutoReleaseAfter)
}

// HasParticipant reports whether address is payer, payee or arbiter
func (e *Escrow) HasParticipant(address string) bool {
	p := e.Participants
	return sameParty(address, p.Payer) || sameParty(address, p.Payee) || sameParty(address, p.Arbiter)
}

// MayRelease is the release authorization predicate. When arbiter approval
// is required only the arbiter qualifies. The payee never does.
func (e *Escrow) MayRelease(requester string) bool {
	p := e.Participants
	if e.Conditions.RequireArbiterApproval {
		return sameParty(requester, p.Arbiter)
	}
	return sameParty(requester, p.Payer) || sameParty(requester, p.Arbiter)
}

// MayRefund is the refund authorization predicate. The payer may only
// trigger a refund once the contract has expired.
func (e *Escrow) MayRefund(requester string, now time.Time) bool {
	p := e.Participants
	if sameParty(requester, p.Payee) || sameParty(requester, p.Arbiter) {
		return true
	}
	return sameParty(requester, p.Payer) && e.IsExpired(now)
}

// EscrowStatus is the derived view of a contract at a point in time
type EscrowStatus struct {
	State          EscrowState `json:"state"`
	CanRelease     bool        `json:"canRelease"`
	CanRefund      bool        `json:"canRefund"`
	IsExpired      bool        `json:"isExpired"`
	CanAutoRelease bool        `json:"canAutoRelease"`
}

// StatusAt derives the status of the contract at now
func (e *Escrow) StatusAt(now time.Time) EscrowStatus {
	expired := e.IsExpired(now)
	return EscrowStatus{
		State:          e.State,
		CanRelease:     e.State == EscrowFunded && !expired,
		CanRefund:      e.State == EscrowFunded,
		IsExpired:      expired,
		CanAutoRelease: e.CanAutoRelease(now),
	}
}

func sameParty(a, b string) bool {
	return a != "" && b != "" && strings.EqualFold(a, b)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
