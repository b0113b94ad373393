package upto

import (
	"context"
	"log"
	"math/big"
	"sync"
	"time"
)

// SweeperConfig holds the §4.9 defaults, overridable per deployment.
type SweeperConfig struct {
	IntervalMs        int64
	IdleSettleMs      int64
	LongIdleCloseMs   int64
	DeadlineBufferSec int64
	CapThresholdNum   int64
	CapThresholdDen   int64
	SettlingTimeoutMs int64
}

// DefaultSweeperConfig returns the §4.9 defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		IntervalMs:        30_000,
		IdleSettleMs:      2 * 60_000,
		LongIdleCloseMs:   30 * 60_000,
		DeadlineBufferSec: 60,
		CapThresholdNum:   9,
		CapThresholdDen:   10,
		SettlingTimeoutMs: 5 * 60_000,
	}
}

// Sweeper is the periodic task that progresses sessions through settlement
// per the §4.9 condition table, guarded by an optional distributed lock so
// at most one replica sweeps at a time.
type Sweeper struct {
	store   Store
	settler Settler
	lock    Lock
	config  SweeperConfig

	running sync.Mutex // internal isSweepRunning guard, one tick in flight per process
}

// NewSweeper creates a sweeper. lock may be a *NoopLock for single-process
// deployments.
func NewSweeper(store Store, settler Settler, lock Lock, config SweeperConfig) *Sweeper {
	return &Sweeper{store: store, settler: settler, lock: lock, config: config}
}

// Run blocks, ticking every config.IntervalMs until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.config.IntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one sweep pass. Exported so tests and a manual-trigger endpoint
// can force a sweep without waiting on the ticker.
func (s *Sweeper) Tick(ctx context.Context) {
	if !s.running.TryLock() {
		return
	}
	defer s.running.Unlock()

	if s.lock != nil {
		acquired, err := s.lock.Acquire(ctx)
		if err != nil {
			log.Printf("upto sweeper: lock acquire failed: %v", err)
			return
		}
		if !acquired {
			return
		}
		defer func() {
			if err := s.lock.Release(ctx); err != nil {
				log.Printf("upto sweeper: lock release failed: %v", err)
			}
		}()
	}

	sessions, err := s.store.Entries()
	if err != nil {
		log.Printf("upto sweeper: failed to list sessions: %v", err)
		return
	}

	var wg sync.WaitGroup
	for _, session := range sessions {
		session := session
		action, ok := s.decide(session)
		if !ok {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.apply(ctx, session, action)
		}()
	}
	wg.Wait()
}

type sweepAction struct {
	kind       string // "settle", "close", or "delete"
	reason     string
	closeAfter bool
}

// decide applies the §4.9 condition table, in order, to a single session.
func (s *Sweeper) decide(session *Session) (sweepAction, bool) {
	now := nowMs()
	nowSec := now / 1000
	idleMs := now - session.LastActivityMs

	if session.Status == StatusSettling && now-session.SettlingSinceMs >= s.config.SettlingTimeoutMs {
		return sweepAction{kind: "settle", reason: "settling_timeout"}, true
	}

	if session.Status == StatusOpen && session.PendingSpent.Sign() > 0 {
		if idleMs >= s.config.IdleSettleMs {
			return sweepAction{kind: "settle", reason: "idle_timeout"}, true
		}
		if session.Deadline-nowSec <= s.config.DeadlineBufferSec {
			return sweepAction{kind: "settle", reason: "deadline_buffer", closeAfter: true}, true
		}
		if s.thresholdReached(session) {
			return sweepAction{kind: "settle", reason: "cap_threshold"}, true
		}
	}

	if idleMs >= s.config.LongIdleCloseMs || session.Deadline <= nowSec || session.SettledTotal.Cmp(session.Cap) >= 0 {
		if session.PendingSpent.Sign() > 0 {
			return sweepAction{kind: "settle", reason: "auto_close", closeAfter: true}, true
		}
		if session.Status != StatusClosed {
			return sweepAction{kind: "close"}, true
		}
		if idleMs >= s.config.LongIdleCloseMs {
			return sweepAction{kind: "delete"}, true
		}
	}

	return sweepAction{}, false
}

// thresholdReached checks (settledTotal+pendingSpent)*capThresholdDen >= cap*capThresholdNum
// without floating point, per §4.9 row 4.
func (s *Sweeper) thresholdReached(session *Session) bool {
	accrued := new(big.Int).Add(session.SettledTotal, session.PendingSpent)
	lhs := new(big.Int).Mul(accrued, big.NewInt(s.config.CapThresholdDen))
	rhs := new(big.Int).Mul(session.Cap, big.NewInt(s.config.CapThresholdNum))
	return lhs.Cmp(rhs) >= 0
}

func (s *Sweeper) apply(ctx context.Context, session *Session, action sweepAction) {
	switch action.kind {
	case "settle":
		SettleUptoSession(ctx, s.store, s.settler, session.ID, action.reason, action.closeAfter, s.config.DeadlineBufferSec)
	case "close":
		session.Status = StatusClosed
		if err := s.store.Set(session.ID, session); err != nil {
			log.Printf("upto sweeper: failed to close session %s: %v", session.ID, err)
		}
	case "delete":
		if err := s.store.Delete(session.ID); err != nil {
			log.Printf("upto sweeper: failed to delete session %s: %v", session.ID, err)
		}
	}
}
