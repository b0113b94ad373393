package upto

import (
	"context"
	"log"
	"math/big"

	x402 "github.com/x402-io/facilitator"
)

// Settler is whatever can execute an on-chain settlement for a session's
// accumulated spend — normally the engine's Settle, scoped to the scheme
// that owns the session's network.
type Settler interface {
	Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error)
}

// SettleUptoSession implements the §4.8 state machine. It loads session
// sessionID, and if it has pending spend (or closeAfter is requested),
// submits it via settler and records the outcome.
//
// closeAfter forces the session into StatusClosed once this call returns
// regardless of pendingSpent, matching the "manual close" semantics used by
// the deadline-buffer and auto-close sweeper branches.
func SettleUptoSession(
	ctx context.Context,
	store Store,
	settler Settler,
	sessionID string,
	reason string,
	closeAfter bool,
	deadlineBufferSec int64,
) {
	session, found, err := store.Get(sessionID)
	if err != nil || !found {
		return
	}

	if session.Status == StatusSettling {
		if reason != "settling_timeout" {
			// A concurrent sweep already owns this session.
			return
		}
		// The sweeper found this settling guard stale: the attempt that set
		// it never finished, so take the session back over as open.
		session.Status = StatusOpen
		if session.PendingSpent.Sign() == 0 {
			session.SettlingSinceMs = 0
			if err := store.Set(sessionID, session); err != nil {
				log.Printf("upto: failed to clear stale settling guard for %s: %v", sessionID, err)
			}
			return
		}
	}

	if session.PendingSpent.Sign() == 0 {
		if closeAfter && session.Status == StatusOpen {
			session.Status = StatusClosed
			if err := store.Set(sessionID, session); err != nil {
				log.Printf("upto: failed to close idle session %s: %v", sessionID, err)
			}
		}
		return
	}

	initialStatus := session.Status
	session.Status = StatusSettling
	session.SettlingSinceMs = nowMs()
	if err := store.Set(sessionID, session); err != nil {
		// §9 open question resolved as abort-and-surface: do not proceed to
		// an external RPC if we failed to persist the settling guard.
		log.Printf("upto: failed to persist settling guard for %s: %v", sessionID, err)
		return
	}

	amount := new(big.Int).Set(session.PendingSpent)
	requirements := session.PaymentRequirements
	requirements.Amount = amount.String()

	receipt, settleErr := settler.Settle(ctx, session.PaymentPayload, requirements)

	success := settleErr == nil && receipt != nil && receipt.Success

	settlement := &Settlement{
		AtMs:    nowMs(),
		Reason:  reason,
		Success: success,
	}
	if settleErr != nil {
		settlement.Error = settleErr.Error()
	} else if receipt != nil {
		settlement.Receipt = receipt
		if !receipt.Success {
			settlement.Error = receipt.ErrorReason
		}
	}

	if success {
		session.SettledTotal = new(big.Int).Add(session.SettledTotal, session.PendingSpent)
		session.PendingSpent = big.NewInt(0)
	}
	session.LastSettlement = settlement

	nowSec := nowMs() / 1000
	capReached := session.SettledTotal.Cmp(session.Cap) >= 0
	nearDeadline := session.Deadline <= nowSec+deadlineBufferSec

	switch {
	case success && (closeAfter || capReached || nearDeadline):
		session.Status = StatusClosed
	case success:
		session.Status = StatusOpen
	case !success && closeAfter:
		session.Status = StatusClosed
	default:
		session.Status = initialStatus
	}

	session.SettlingSinceMs = 0
	if err := store.Set(sessionID, session); err != nil {
		log.Printf("upto: failed to persist settlement result for %s: %v", sessionID, err)
	}
}
