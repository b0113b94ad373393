package upto

import (
	"math/big"
	"sync"
	"time"

	"github.com/x402-io/facilitator/mechanisms/evm"
	"github.com/x402-io/facilitator/types"
)

// deadlineBufferSec is the minimum remaining lifetime a session must have
// for a new accrual to be accepted (§4.7 step 5).
const deadlineBufferSec = 60

// TrackingResult is the outcome of trackUptoPayment.
type TrackingResult struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	SessionID  string `json:"sessionId"`
	SpentAfter *big.Int `json:"spentAfter,omitempty"`
}

// TrackingErrorStatus maps a §4.7 tracking error to the HTTP status C11/C13
// must reply with.
var TrackingErrorStatus = map[string]int{
	"settling_in_progress":  409,
	"session_closed":        410,
	"deadline_too_close":    403,
	"cap_exhausted":         402,
	"session_creation_failed": 500,
}

// Tracker accrues upto payments into sessions. Each session id gets its own
// critical section so steps 2-7 of §4.7 appear atomic per id while
// different ids proceed concurrently.
type Tracker struct {
	store Store

	idLocksMu sync.Mutex
	idLocks   map[string]*sync.Mutex
}

// NewTracker wraps store with the per-session-id locking required by §4.7.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, idLocks: make(map[string]*sync.Mutex)}
}

func (t *Tracker) lockFor(id string) *sync.Mutex {
	t.idLocksMu.Lock()
	defer t.idLocksMu.Unlock()
	l, ok := t.idLocks[id]
	if !ok {
		l = &sync.Mutex{}
		t.idLocks[id] = l
	}
	return l
}

// TrackUptoPayment implements §4.7: load-or-create the session for payload,
// then attempt to accrue requirements.Amount into pendingSpent.
func (t *Tracker) TrackUptoPayment(payload types.PaymentPayload, requirements types.PaymentRequirements) TrackingResult {
	evmPayload, err := evm.UptoPayloadFromMap(payload.Payload)
	if err != nil {
		return TrackingResult{Success: false, Error: "session_creation_failed"}
	}

	deadlineStr := evmPayload.Authorization.Deadline
	if deadlineStr == "" {
		deadlineStr = evmPayload.Authorization.ValidBefore
	}

	sessionID := FingerprintID(
		requirements.Network,
		requirements.Asset,
		evmPayload.Authorization.Owner,
		evmPayload.Authorization.Value,
		deadlineStr,
		evmPayload.Authorization.Nonce,
	)

	lock := t.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	now := nowMs()

	session, found, err := t.store.Get(sessionID)
	if err != nil {
		return TrackingResult{Success: false, Error: "session_creation_failed", SessionID: sessionID}
	}

	if !found {
		cap, ok := new(big.Int).SetString(evmPayload.Authorization.Value, 10)
		if !ok {
			return TrackingResult{Success: false, Error: "session_creation_failed", SessionID: sessionID}
		}
		var deadline int64
		if d, ok := new(big.Int).SetString(deadlineStr, 10); ok {
			deadline = d.Int64()
		}

		session = &Session{
			ID:                  sessionID,
			Cap:                 cap,
			Deadline:            deadline,
			PendingSpent:        big.NewInt(0),
			SettledTotal:        big.NewInt(0),
			Status:              StatusOpen,
			LastActivityMs:      now,
			PaymentPayload:      payload,
			PaymentRequirements: requirements,
		}
		if err := t.store.Set(sessionID, session); err != nil {
			return TrackingResult{Success: false, Error: "session_creation_failed", SessionID: sessionID}
		}
	}

	if session.Status == StatusSettling {
		return TrackingResult{Success: false, Error: "settling_in_progress", SessionID: sessionID}
	}
	if session.Status == StatusClosed {
		return TrackingResult{Success: false, Error: "session_closed", SessionID: sessionID}
	}

	nowSec := now / 1000
	if session.Deadline <= nowSec+deadlineBufferSec {
		return TrackingResult{Success: false, Error: "deadline_too_close", SessionID: sessionID}
	}

	amount, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return TrackingResult{Success: false, Error: "session_creation_failed", SessionID: sessionID}
	}

	tentative := new(big.Int).Add(session.SettledTotal, session.PendingSpent)
	tentative.Add(tentative, amount)
	if tentative.Cmp(session.Cap) > 0 {
		return TrackingResult{Success: false, Error: "cap_exhausted", SessionID: sessionID}
	}

	session.PendingSpent = new(big.Int).Add(session.PendingSpent, amount)
	session.LastActivityMs = now

	if err := t.store.Set(sessionID, session); err != nil {
		return TrackingResult{Success: false, Error: "session_creation_failed", SessionID: sessionID}
	}

	return TrackingResult{Success: true, SessionID: sessionID, SpentAfter: new(big.Int).Set(session.PendingSpent)}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
