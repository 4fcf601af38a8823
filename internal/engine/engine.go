// Package engine drains the sync queue against the remote authority.
//
// Each drain cycle captures the queue in FIFO order and processes every
// entry independently: the handler registered for the entry's
// (entity, action) pair builds a remote-facing payload, submits it, and on
// success writes the returned remote identifiers back into the replica.
// A failed entry stays queued and never blocks the entries after it. The
// aggregate outcome of every cycle is published on the injected status
// channel; the engine never reports per-entry failures as errors to its
// caller, except for fatal replica storage failures.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/kasa-pos/kasa/internal/queue"
	"github.com/kasa-pos/kasa/internal/status"
)

// ErrUnresolved marks a submission aborted because a required foreign key
// has no remote counterpart yet (e.g. a sale whose product is itself still
// queued). The entry stays queued and is retried once the dependency has
// been reconciled.
var ErrUnresolved = errors.New("unresolved foreign key")

// Key identifies the handler for one kind of queue entry.
type Key struct {
	Entity string
	Action queue.Action
}

// Result carries the remote identifiers returned for an accepted entry.
type Result struct {
	// RemoteID is the server-assigned id of the record or aggregate root.
	RemoteID int64
	// ItemRemoteIDs are server-assigned ids for aggregate children, in
	// submission order.
	ItemRemoteIDs []int64
}

// Handler processes queue entries for one (entity, action) pair. Adding a
// new synchronized entity type means registering a new Handler; the drain
// loop itself never changes.
type Handler interface {
	// Satisfied reports whether the entry's work is already done (the
	// underlying record carries a remote id from a partial prior
	// success). Satisfied entries are removed without a network call.
	Satisfied(ctx context.Context, e *queue.Entry) (bool, error)

	// Submit builds the remote-facing payload, translating local foreign
	// keys to remote ids, and invokes the remote authority. A missing
	// translation must be reported as an error wrapping ErrUnresolved.
	Submit(ctx context.Context, e *queue.Entry) (*Result, error)

	// ApplySuccess writes the returned remote identifiers (and any
	// server-computed fields) into the replica.
	ApplySuccess(ctx context.Context, e *queue.Entry, res *Result) error

	// ApplyFailure observes a failed submission. The entry stays queued
	// regardless; implementations typically just log.
	ApplyFailure(ctx context.Context, e *queue.Entry, err error)
}

// Config holds engine configuration.
type Config struct {
	// BaseRetryDelay seeds the backoff after a cycle with failures
	// (default 15s).
	BaseRetryDelay time.Duration

	// MaxRetryDelay caps the backoff (default 5m).
	MaxRetryDelay time.Duration

	// Publisher receives the aggregate outcome of every cycle
	// (default: discard).
	Publisher status.Publisher

	// Logger for engine activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseRetryDelay: 15 * time.Second,
		MaxRetryDelay:  5 * time.Minute,
		Publisher:      status.NopPublisher{},
		Logger:         log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Engine drains the sync queue. Each Engine instance owns its own
// reentrancy guard and backoff state, so independent engines can coexist
// in tests.
type Engine struct {
	q        *queue.Queue
	handlers map[Key]Handler
	pub      status.Publisher
	logger   *log.Logger

	baseDelay time.Duration
	maxDelay  time.Duration

	// drainMu is the reentrancy guard: at most one drain cycle runs at a
	// time, and a trigger received while draining is dropped. The next
	// periodic tick catches any residual work.
	drainMu sync.Mutex

	mu          sync.Mutex
	failStreak  int
	nextAttempt time.Time
}

// New creates an Engine over a sync queue.
func New(q *queue.Queue, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	pub := config.Publisher
	if pub == nil {
		pub = status.NopPublisher{}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	baseDelay := config.BaseRetryDelay
	if baseDelay <= 0 {
		baseDelay = 15 * time.Second
	}
	maxDelay := config.MaxRetryDelay
	if maxDelay < baseDelay {
		maxDelay = 5 * time.Minute
	}

	return &Engine{
		q:         q,
		handlers:  make(map[Key]Handler),
		pub:       pub,
		logger:    logger,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
	}
}

// Register binds a handler to an (entity, action) pair. Later
// registrations replace earlier ones.
func (e *Engine) Register(entity string, action queue.Action, h Handler) {
	e.handlers[Key{Entity: entity, Action: action}] = h
}

// NextAttempt returns the earliest time a periodic trigger should start
// another cycle. The zero time means no backoff is in effect. Forced
// triggers (connectivity regained, post-write kick) ignore this and call
// Drain directly.
func (e *Engine) NextAttempt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextAttempt
}

// TryDrain runs a cycle unless backoff is in effect. Used by the periodic
// tick.
func (e *Engine) TryDrain(ctx context.Context) error {
	e.mu.Lock()
	wait := !e.nextAttempt.IsZero() && time.Now().Before(e.nextAttempt)
	e.mu.Unlock()
	if wait {
		return nil
	}
	return e.Drain(ctx)
}

// Drain runs one processing cycle: capture the queue in FIFO order,
// process every entry, remove the confirmed ones, and publish the
// aggregate outcome.
//
// A call while another cycle is in flight returns immediately without any
// network activity. The returned error is non-nil only for fatal replica
// storage failures; per-entry failures are aggregated into the published
// status instead.
func (e *Engine) Drain(ctx context.Context) error {
	if !e.drainMu.TryLock() {
		e.logger.Printf("Drain already in progress, dropping trigger")
		return nil
	}
	defer e.drainMu.Unlock()

	entries, err := e.q.DrainOrdered(ctx)
	if err != nil {
		// Local storage failure: synchronization cannot proceed at all.
		e.logger.Printf("FATAL: cannot read sync queue: %v", err)
		return fmt.Errorf("cannot read sync queue: %w", err)
	}

	if len(entries) == 0 {
		e.pub.Publish(status.Message{Status: status.StateSynced})
		e.settleBackoff(false)
		return nil
	}

	e.logger.Printf("Draining %d entries", len(entries))
	e.pub.Publish(status.Message{Status: status.StateSyncing, Processed: 0, Total: len(entries)})

	var confirmed []int64
	failed := 0

	for i, entry := range entries {
		if e.processEntry(ctx, entry) {
			confirmed = append(confirmed, entry.ID)
		} else {
			failed++
		}
		e.pub.Publish(status.Message{Status: status.StateSyncing, Processed: i + 1, Total: len(entries)})
	}

	if err := e.q.Remove(ctx, confirmed); err != nil {
		e.logger.Printf("FATAL: cannot remove confirmed queue entries: %v", err)
		return fmt.Errorf("cannot remove confirmed queue entries: %w", err)
	}

	remaining, err := e.q.Count(ctx)
	if err != nil {
		e.logger.Printf("FATAL: cannot count sync queue: %v", err)
		return fmt.Errorf("cannot count sync queue: %w", err)
	}

	switch {
	case failed > 0:
		e.pub.Publish(status.Message{Status: status.StateError, Remaining: remaining})
	case remaining == 0:
		e.pub.Publish(status.Message{Status: status.StateSynced})
	default:
		// Entries enqueued while this cycle ran.
		e.pub.Publish(status.Message{Status: status.StatePending, Count: remaining})
	}

	e.settleBackoff(failed > 0)
	e.logger.Printf("Drain complete: confirmed=%d failed=%d remaining=%d",
		len(confirmed), failed, remaining)
	return nil
}

// processEntry handles one queue entry and reports whether it is
// confirmed (removable). All failures are caught here; nothing propagates
// out of the cycle.
func (e *Engine) processEntry(ctx context.Context, entry *queue.Entry) bool {
	h, ok := e.handlers[Key{Entity: entry.Entity, Action: entry.Action}]
	if !ok {
		e.logger.Printf("Warning: no handler for %s %s (entry %d stays queued)",
			entry.Action, entry.Entity, entry.ID)
		return false
	}

	done, err := h.Satisfied(ctx, entry)
	if err != nil {
		e.logger.Printf("Warning: satisfied check failed for %s/%d: %v",
			entry.Entity, entry.LocalID, err)
		return false
	}
	if done {
		e.logger.Printf("Entry %d for %s/%d already satisfied, removing without submission",
			entry.ID, entry.Entity, entry.LocalID)
		return true
	}

	res, err := h.Submit(ctx, entry)
	if err != nil {
		if errors.Is(err, ErrUnresolved) {
			e.logger.Printf("Entry %d for %s/%d waiting on dependency: %v",
				entry.ID, entry.Entity, entry.LocalID, err)
		} else {
			e.logger.Printf("Warning: submission failed for %s/%d: %v",
				entry.Entity, entry.LocalID, err)
		}
		h.ApplyFailure(ctx, entry, err)
		return false
	}

	if err := h.ApplySuccess(ctx, entry, res); err != nil {
		// The remote accepted the entry but the local write failed. Leave
		// the entry queued; the Satisfied check resolves it next cycle if
		// the remote id did land, and the idempotency key protects the
		// resubmission if it didn't.
		e.logger.Printf("Warning: could not record success for %s/%d: %v",
			entry.Entity, entry.LocalID, err)
		return false
	}

	return true
}

// settleBackoff updates the retry state after a cycle. Consecutive cycles
// with failures double the delay up to the cap; any clean cycle resets it.
func (e *Engine) settleBackoff(hadFailures bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !hadFailures {
		e.failStreak = 0
		e.nextAttempt = time.Time{}
		return
	}

	e.failStreak++
	delay := e.baseDelay
	for i := 1; i < e.failStreak; i++ {
		delay *= 2
		if delay >= e.maxDelay {
			delay = e.maxDelay
			break
		}
	}
	e.nextAttempt = time.Now().Add(delay)
	e.logger.Printf("Backing off %v after %d failed cycle(s)", delay, e.failStreak)
}
