// Package watcher follows one ledger's escrow events and hands them to the
// coordinator. A watcher never deduplicates and never waits on the
// coordinator's ledger submissions.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ThorbenD/htlc-relay/domain"
	"github.com/ThorbenD/htlc-relay/settlement"
)

// Handler is the interface the watcher calls when an event is observed.
// Implementations must return quickly (enqueue, don't process). cursor is the
// ledger position of the event, empty when the ledger cannot resume.
type Handler interface {
	OnLockObserved(ref domain.EscrowRef, hashlock domain.HashVariant, cursor string)
	OnSecretRevealed(ledger domain.LedgerID, secret []byte, hashlock *domain.HashVariant, cursor string)
	OnCheckpoint(ledger domain.LedgerID, cursor string)
}

// CursorReader returns the position a ledger's events were last handled up to.
type CursorReader interface {
	Cursor(ledger domain.LedgerID) (string, error)
}

type State string

const (
	StateStarting   State = "STARTING"
	StateSubscribed State = "SUBSCRIBED"
	StateStopped    State = "STOPPED"
)

// Backoff bounds the delay between resubscription attempts.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

var DefaultBackoff = Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second}

func (b Backoff) next(cur time.Duration) time.Duration {
	if cur <= 0 {
		return b.Initial
	}
	cur *= 2
	if cur > b.Max {
		return b.Max
	}
	return cur
}

// Watcher subscribes to one ledger and resubscribes whenever the stream drops.
type Watcher struct {
	ledger  settlement.Ledger
	handler Handler
	backoff Backoff
	cursors CursorReader
	logger  *slog.Logger

	mu        sync.Mutex
	state     State
	delivered int
	resubs    int
	// cursor is the latest position seen; resubscribing starts from it.
	cursor string
}

// New builds a watcher for ledger. cursors may be nil, in which case the
// first subscription starts at the ledger's head.
func New(ledger settlement.Ledger, handler Handler, backoff Backoff, cursors CursorReader, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if backoff.Initial <= 0 {
		backoff.Initial = DefaultBackoff.Initial
	}
	if backoff.Max < backoff.Initial {
		backoff.Max = backoff.Initial
	}
	return &Watcher{
		ledger:  ledger,
		handler: handler,
		backoff: backoff,
		cursors: cursors,
		logger:  logger.With("ledger", ledger.Info().ID),
		state:   StateStarting,
	}
}

// State returns the watcher's lifecycle state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Delivered returns how many events were handed to the handler.
func (w *Watcher) Delivered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.delivered
}

// Cursor returns the latest ledger position the watcher has seen.
func (w *Watcher) Cursor() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

// Resubscriptions returns how many times the subscription was re-established.
func (w *Watcher) Resubscriptions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resubs
}

func (w *Watcher) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

// Run follows the ledger until ctx is canceled. It only returns ctx's error.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.setState(StateStopped)

	w.logger.Info("🔌 [Watcher] Connecting to ledger event stream...")
	if w.cursors != nil {
		c, err := w.cursors.Cursor(w.ledger.Info().ID)
		if err != nil {
			w.logger.Warn("⚠️ [Watcher] Saved cursor unreadable, starting at head", "error", err)
		}
		w.mu.Lock()
		w.cursor = c
		w.mu.Unlock()
	}
	var delay time.Duration
	first := true

	for {
		if ctx.Err() != nil {
			w.logger.Info("🔌 [Watcher] Context cancelled, stopping.")
			return ctx.Err()
		}

		err := w.follow(ctx, first)
		if ctx.Err() != nil {
			w.logger.Info("🔌 [Watcher] Context cancelled, stopping.")
			return ctx.Err()
		}
		if errors.Is(err, errSubscribed) {
			// The stream was up; start the backoff over.
			delay = 0
			first = false
		}
		w.setState(StateStarting)

		delay = w.backoff.next(delay)
		w.logger.Warn("❌ [Watcher] Subscription dropped, resubscribing", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// errSubscribed wraps stream errors that happened after a successful subscribe.
var errSubscribed = errors.New("stream dropped after subscribe")

type droppedError struct{ cause error }

func (e droppedError) Error() string        { return "stream dropped: " + e.cause.Error() }
func (e droppedError) Is(target error) bool { return target == errSubscribed }
func (e droppedError) Unwrap() error        { return e.cause }

func (w *Watcher) follow(ctx context.Context, first bool) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	from := w.Cursor()
	events, errs, err := w.ledger.Subscribe(subCtx, from)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.state = StateSubscribed
	if !first {
		w.resubs++
	}
	w.mu.Unlock()
	w.logger.Info("✅ [Watcher] Listening for escrow events...", "from", from)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok || err == nil {
				err = errors.New("error stream closed")
			}
			return droppedError{cause: err}
		case ev, ok := <-events:
			if !ok {
				return droppedError{cause: errors.New("event stream closed")}
			}
			w.deliver(ev)
		}
	}
}

func (w *Watcher) deliver(ev *settlement.LedgerEvent) {
	if ev.Cursor != "" {
		w.mu.Lock()
		w.cursor = ev.Cursor
		w.mu.Unlock()
	}

	switch ev.Kind {
	case settlement.EventLocked:
		if ev.Escrow == nil {
			w.logger.Warn("⚠️ [Watcher] Lock event without escrow ref", "hash", ev.Hashlock.Key())
			return
		}
		w.handler.OnLockObserved(*ev.Escrow, ev.Hashlock, ev.Cursor)

	case settlement.EventRevealed:
		if len(ev.Secret) == 0 {
			// A pre-hashed reveal cannot be validated; never trust it.
			w.logger.Error("⚠️ [Watcher] Reveal event carries no secret, integration gap", "hash", ev.Hashlock.Key(), "tx_id", ev.TxID)
			return
		}
		var hashlock *domain.HashVariant
		if len(ev.Hashlock.Digest) > 0 {
			h := ev.Hashlock
			hashlock = &h
		}
		w.handler.OnSecretRevealed(ev.Ledger, ev.Secret, hashlock, ev.Cursor)

	case settlement.EventCheckpoint:
		if ev.Cursor != "" {
			w.handler.OnCheckpoint(w.ledger.Info().ID, ev.Cursor)
		}
		return

	default:
		w.logger.Debug("[Watcher] Ignoring event", "kind", ev.Kind)
		return
	}

	w.mu.Lock()
	w.delivered++
	w.mu.Unlock()
}
