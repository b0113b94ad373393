package tracking

import (
	"context"
	"log"
	"sync"
	"time"
)

// Engine is the async front-door for tracking writes: operations for a
// given record id are enqueued onto that id's actor (a goroutine draining a
// buffered channel) so they apply strictly in order, while different
// record ids proceed fully concurrently (§4.10, §9).
type Engine struct {
	store Store

	onTrackingError func(err error, recordID string)

	mu     sync.Mutex
	actors map[string]*actor
}

type actor struct {
	queue chan func()
	done  chan struct{}
}

const actorQueueSize = 32

// NewEngine wraps store with the per-record ordering guarantee. onError, if
// non-nil, is invoked on the record's actor goroutine whenever a queued
// operation returns an error; it must never block.
func NewEngine(store Store, onError func(err error, recordID string)) *Engine {
	return &Engine{
		store:           store,
		onTrackingError: onError,
		actors:          make(map[string]*actor),
	}
}

func (e *Engine) actorFor(recordID string) *actor {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.actors[recordID]
	if ok {
		return a
	}

	a = &actor{queue: make(chan func(), actorQueueSize), done: make(chan struct{})}
	e.actors[recordID] = a
	go e.drain(recordID, a)
	return a
}

func (e *Engine) drain(recordID string, a *actor) {
	defer close(a.done)
	idleTimer := time.NewTimer(idleActorTTL)
	defer idleTimer.Stop()

	for {
		select {
		case fn, ok := <-a.queue:
			if !ok {
				return
			}
			fn()
			if !idleTimer.Stop() {
				<-idleTimer.C
			}
			idleTimer.Reset(idleActorTTL)
		case <-idleTimer.C:
			e.retire(recordID, a)
			return
		}
	}
}

// idleActorTTL bounds how long an idle per-record actor goroutine lives
// before it's torn down; a new one is spun up on the next enqueue for that
// id.
const idleActorTTL = 30 * time.Second

func (e *Engine) retire(recordID string, a *actor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.actors[recordID] == a {
		delete(e.actors, recordID)
	}
}

func (e *Engine) enqueue(recordID string, op func() error) {
	a := e.actorFor(recordID)
	a.queue <- func() {
		if err := op(); err != nil && e.onTrackingError != nil {
			e.onTrackingError(err, recordID)
		}
	}
}

// Create enqueues the initial record write. Safe to call without waiting;
// the request path never blocks on tracking I/O.
func (e *Engine) Create(record *Record) {
	e.enqueue(record.ID, func() error {
		return e.store.Create(context.Background(), record)
	})
}

// RecordVerification merges payment details and the x402 audit fields.
func (e *Engine) RecordVerification(recordID string, mutate func(r *Record)) {
	e.enqueue(recordID, func() error {
		ctx := context.Background()
		r, err := e.store.Get(ctx, recordID)
		if err != nil {
			return err
		}
		mutate(r)
		return e.store.Update(ctx, r)
	})
}

// RecordSettlement merges the settlement outcome.
func (e *Engine) RecordSettlement(recordID string, mutate func(r *Record)) {
	e.enqueue(recordID, func() error {
		ctx := context.Background()
		r, err := e.store.Get(ctx, recordID)
		if err != nil {
			return err
		}
		mutate(r)
		return e.store.Update(ctx, r)
	})
}

// RecordUptoSession merges upto-tracking outcome fields.
func (e *Engine) RecordUptoSession(recordID string, mutate func(r *Record)) {
	e.enqueue(recordID, func() error {
		ctx := context.Background()
		r, err := e.store.Get(ctx, recordID)
		if err != nil {
			return err
		}
		mutate(r)
		return e.store.Update(ctx, r)
	})
}

// FinalizeTracking writes the terminal response fields (status, timing,
// whether the handler ran).
func (e *Engine) FinalizeTracking(recordID string, mutate func(r *Record)) {
	e.enqueue(recordID, func() error {
		ctx := context.Background()
		r, err := e.store.Get(ctx, recordID)
		if err != nil {
			return err
		}
		mutate(r)
		return e.store.Update(ctx, r)
	})
}

// List delegates straight to the store; reads don't need actor ordering.
func (e *Engine) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	return e.store.List(ctx, opts)
}

// GetStats delegates straight to the store.
func (e *Engine) GetStats(ctx context.Context, start, end time.Time) (*Stats, error) {
	return e.store.GetStats(ctx, start, end)
}

// StartAutoPrune launches a daily background tick calling store.Prune,
// until ctx is canceled.
func (e *Engine) StartAutoPrune(ctx context.Context, olderThan time.Duration) {
	ticker := time.NewTicker(24 * time.Hour)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-olderThan)
				if n, err := e.store.Prune(ctx, cutoff); err != nil {
					log.Printf("tracking: auto-prune failed: %v", err)
				} else if n > 0 {
					log.Printf("tracking: auto-prune removed %d records older than %s", n, cutoff)
				}
			}
		}
	}()
}
