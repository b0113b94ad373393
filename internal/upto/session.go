// Package upto implements the session store, tracking, settlement state
// machine, and sweeper for the "upto" scheme: a bounded ERC-2612 permit
// accumulated into a long-lived session and settled in batches.
package upto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	x402 "github.com/x402-io/facilitator"
	"github.com/x402-io/facilitator/types"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusOpen     Status = "open"
	StatusSettling Status = "settling"
	StatusClosed   Status = "closed"
)

// Settlement records the outcome of one settlement attempt against a session.
type Settlement struct {
	AtMs    int64              `json:"atMs"`
	Reason  string             `json:"reason"`
	Success bool               `json:"success"`
	Receipt *x402.SettleResponse `json:"receipt,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// Session is the accumulator bound to a single signed ERC-2612 permit.
type Session struct {
	ID             string  `json:"id"`
	Cap            *big.Int `json:"cap"`
	Deadline       int64   `json:"deadline"`
	PendingSpent   *big.Int `json:"pendingSpent"`
	SettledTotal   *big.Int `json:"settledTotal"`
	LastActivityMs int64   `json:"lastActivityMs"`
	SettlingSinceMs int64  `json:"settlingSinceMs,omitempty"`
	Status         Status  `json:"status"`

	PaymentPayload      types.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements types.PaymentRequirements `json:"paymentRequirements"`

	LastSettlement *Settlement `json:"lastSettlement,omitempty"`
}

// Clone returns a deep-enough copy so callers can mutate without racing the
// store's own copy between load and store.
func (s *Session) Clone() *Session {
	clone := *s
	clone.Cap = new(big.Int).Set(s.Cap)
	clone.PendingSpent = new(big.Int).Set(s.PendingSpent)
	clone.SettledTotal = new(big.Int).Set(s.SettledTotal)
	if s.LastSettlement != nil {
		ls := *s.LastSettlement
		clone.LastSettlement = &ls
	}
	return &clone
}

// FingerprintID computes the deterministic session identity fingerprint of
// (network, asset, payer, cap, deadline, nonce) so identical permits hit the
// same session and distinct permits from the same payer diverge.
func FingerprintID(network, asset, payer, cap, deadline, nonce string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s", network, asset, payer, cap, deadline, nonce)
	return hex.EncodeToString(h.Sum(nil))
}

// Store is the associative session-id → Session mapping contract shared by
// the in-memory and Redis-backed implementations.
type Store interface {
	Get(id string) (*Session, bool, error)
	Set(id string, session *Session) error
	Delete(id string) error
	// Entries returns a snapshot safe to range over concurrently with
	// further mutations; it may miss inserts or include since-deleted
	// sessions but never yields a corrupted record.
	Entries() ([]*Session, error)
}
