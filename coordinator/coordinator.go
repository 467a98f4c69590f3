// Package coordinator turns revealed secrets into claims on the counterpart
// ledger. Watchers hand events to it through the watcher.Handler methods; a
// worker pool processes them and a retry driver re-forwards everything the
// store still lists as pending.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ThorbenD/htlc-relay/correlation"
	"github.com/ThorbenD/htlc-relay/domain"
	"github.com/ThorbenD/htlc-relay/hashes"
	"github.com/ThorbenD/htlc-relay/settlement"
)

var (
	ErrUnknownLedger   = errors.New("unknown ledger")
	ErrDuplicateLedger = errors.New("duplicate ledger id")
	ErrNotEnoughLedger = errors.New("at least two ledgers are required")
)

// Store is the part of the correlation store the coordinator uses.
type Store interface {
	RecordLock(v domain.HashVariant, ref domain.EscrowRef) (*domain.CorrelationEntry, error)
	Lookup(v domain.HashVariant) (*domain.CorrelationEntry, error)
	Link(variants []domain.HashVariant) (*domain.CorrelationEntry, error)
	SaveReveal(v domain.HashVariant, ledger domain.LedgerID, secret domain.Secret) (*domain.CorrelationEntry, error)
	MarkForwarded(v domain.HashVariant, txID string) error
	MarkAbandoned(v domain.HashVariant, reason string) error
	MarkExpired(v domain.HashVariant) error
	RecordAttempt(v domain.HashVariant, cause error) error
	RecordSubmission(v domain.HashVariant, txID string, cause error) error
	Pending() ([]*domain.CorrelationEntry, error)
	SaveCursor(ledger domain.LedgerID, cursor string) error
}

type Config struct {
	// Workers is the number of goroutines processing queued events.
	Workers int
	// QueueSize bounds the event queue before enqueueing spills into goroutines.
	QueueSize int
	// RetryInterval is the period of the retry driver.
	RetryInterval time.Duration
	// ClaimTimeout bounds a single Claim call on a ledger.
	ClaimTimeout time.Duration
	// MissRetention is how long an unmatched secret is kept in memory in
	// case its lock is observed late.
	MissRetention time.Duration
	// MissCapacity bounds the number of unmatched secrets kept.
	MissCapacity int
}

var DefaultConfig = Config{
	Workers:       4,
	QueueSize:     1024,
	RetryInterval: 15 * time.Second,
	ClaimTimeout:  2 * time.Minute,
	MissRetention: time.Hour,
	MissCapacity:  4096,
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultConfig.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultConfig.QueueSize
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultConfig.RetryInterval
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = DefaultConfig.ClaimTimeout
	}
	if c.MissRetention <= 0 {
		c.MissRetention = DefaultConfig.MissRetention
	}
	if c.MissCapacity <= 0 {
		c.MissCapacity = DefaultConfig.MissCapacity
	}
	return c
}

// Outcome says what handling one event led to.
type Outcome string

const (
	OutcomeRecorded  Outcome = "RECORDED"  // lock stored, nothing to forward yet
	OutcomeMiss      Outcome = "MISS"      // secret matches no recorded escrow
	OutcomeCached    Outcome = "CACHED"    // secret stored until the counterpart lock shows up
	OutcomeForwarded Outcome = "FORWARDED" // counterpart claimed
	OutcomeDuplicate Outcome = "DUPLICATE" // already forwarded earlier
	OutcomeFinal     Outcome = "FINAL"     // entry abandoned, expired or conflicted
	OutcomeAbandoned Outcome = "ABANDONED" // counterpart refunded
	OutcomeExpired   Outcome = "EXPIRED"   // counterpart deadline passed
	OutcomeRetry     Outcome = "RETRY"     // transient failure, left for the retry driver
	OutcomeRejected  Outcome = "REJECTED"  // invalid secret or conflicting bookkeeping
)

type jobKind int

const (
	jobReveal jobKind = iota
	jobLock
)

type job struct {
	kind     jobKind
	ledger   domain.LedgerID
	secret   []byte
	hashlock *domain.HashVariant
	ref      domain.EscrowRef
	tracked  *trackedEvent
}

// Coordinator forwards secrets between ledgers.
type Coordinator struct {
	store   Store
	ledgers map[domain.LedgerID]settlement.Ledger
	cfg     Config
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	locks   *keyedMutex
	misses  *missCache
	cursors *cursorTracker
	queue   chan job
	done    chan struct{}
}

// New builds a coordinator over ledgers. metrics may be nil.
func New(store Store, ledgers []settlement.Ledger, cfg Config, metrics *Metrics, logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if len(ledgers) < 2 {
		return nil, ErrNotEnoughLedger
	}
	byID := make(map[domain.LedgerID]settlement.Ledger, len(ledgers))
	for _, l := range ledgers {
		id := l.Info().ID
		if _, ok := byID[id]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateLedger, id)
		}
		byID[id] = l
	}
	cfg = cfg.withDefaults()
	return &Coordinator{
		store:   store,
		ledgers: byID,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		locks:   newKeyedMutex(),
		misses:  newMissCache(cfg.MissRetention, cfg.MissCapacity),
		cursors: newCursorTracker(),
		queue:   make(chan job, cfg.QueueSize),
		done:    make(chan struct{}),
	}, nil
}

// OnLockObserved queues a lock event. It never blocks the watcher.
func (c *Coordinator) OnLockObserved(ref domain.EscrowRef, hashlock domain.HashVariant, cursor string) {
	c.enqueue(job{
		kind:     jobLock,
		ledger:   ref.Ledger,
		ref:      ref,
		hashlock: &hashlock,
		tracked:  c.cursors.track(ref.Ledger, cursor),
	})
}

// OnSecretRevealed queues a reveal event. It never blocks the watcher.
func (c *Coordinator) OnSecretRevealed(ledger domain.LedgerID, secret []byte, hashlock *domain.HashVariant, cursor string) {
	c.enqueue(job{
		kind:     jobReveal,
		ledger:   ledger,
		secret:   append([]byte(nil), secret...),
		hashlock: hashlock,
		tracked:  c.cursors.track(ledger, cursor),
	})
}

// OnCheckpoint commits cursor for ledger once every event delivered before it
// has been handled.
func (c *Coordinator) OnCheckpoint(ledger domain.LedgerID, cursor string) {
	c.cursors.finish(c.cursors.track(ledger, cursor), c.commitCursor)
}

func (c *Coordinator) commitCursor(ledger domain.LedgerID, cursor string) {
	if err := c.store.SaveCursor(ledger, cursor); err != nil {
		c.logger.Error("❌ [Coordinator] Saving ledger cursor failed", "ledger", ledger, "cursor", cursor, "error", err)
		return
	}
	c.logger.Debug("[Coordinator] Ledger cursor saved", "ledger", ledger, "cursor", cursor)
}

func (c *Coordinator) enqueue(j job) {
	select {
	case c.queue <- j:
		c.metrics.QueueDepth.Inc()
		return
	default:
	}
	c.logger.Warn("⚠️ [Coordinator] Event queue full, parking event", "ledger", j.ledger)
	go func() {
		select {
		case c.queue <- j:
			c.metrics.QueueDepth.Inc()
		case <-c.done:
		}
	}()
}

// Run starts the workers and the retry driver and blocks until ctx is done.
// Events still queued at shutdown were never committed to their ledger's
// cursor, so the watchers deliver them again after a restart.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			c.work(ctx)
			return nil
		})
	}
	g.Go(func() error {
		c.retryLoop(ctx)
		return nil
	})

	c.logger.Info("🚀 [Coordinator] Running", "workers", c.cfg.Workers, "retry_interval", c.cfg.RetryInterval)
	_ = g.Wait()
	c.logger.Info("🛑 [Coordinator] Stopped")
	return ctx.Err()
}

func (c *Coordinator) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-c.queue:
			c.metrics.QueueDepth.Dec()
			c.process(ctx, j)
		}
	}
}

func (c *Coordinator) process(ctx context.Context, j job) {
	var (
		out Outcome
		err error
	)
	switch j.kind {
	case jobReveal:
		out, err = c.HandleReveal(ctx, j.ledger, j.secret, j.hashlock)
	case jobLock:
		out, err = c.HandleLock(ctx, j.ref, *j.hashlock)
	}
	if err != nil {
		c.logger.Error("❌ [Coordinator] Event handling failed", "ledger", j.ledger, "outcome", out, "error", err)
	} else {
		c.logger.Debug("[Coordinator] Event handled", "ledger", j.ledger, "outcome", out)
	}
	if out == OutcomeRetry && err != nil {
		// Not durably recorded; keep the cursor behind it so a restart replays it.
		return
	}
	c.cursors.finish(j.tracked, c.commitCursor)
}

func (c *Coordinator) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.RetryInterval)
	defer ticker.Stop()

	// Catch up on whatever was pending before the last shutdown.
	c.RetryPending(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RetryPending(ctx)
		}
	}
}

// HandleReveal processes a secret revealed on ledger. hashlock, when set, is
// the digest the secret opened there and must match it.
func (c *Coordinator) HandleReveal(ctx context.Context, ledger domain.LedgerID, raw []byte, hashlock *domain.HashVariant) (Outcome, error) {
	secret, variants, err := hashes.DeriveFromBytes(raw)
	if err != nil {
		c.logger.Warn("⚠️ [Coordinator] Discarding malformed secret", "ledger", ledger, "error", err)
		return OutcomeRejected, nil
	}
	if hashlock != nil && !hashes.Verify(*hashlock, secret) {
		c.logger.Error("🚨 [Coordinator] Revealed secret does not open its hashlock", "ledger", ledger, "hash", hashlock.Key(), "alert", true)
		return OutcomeRejected, nil
	}
	c.metrics.Reveals.WithLabelValues(string(ledger)).Inc()
	return c.reveal(ctx, ledger, secret, variants)
}

func (c *Coordinator) reveal(ctx context.Context, ledger domain.LedgerID, secret domain.Secret, variants []domain.HashVariant) (Outcome, error) {
	unlock := c.locks.Lock(hashes.LockKey(secret))
	defer unlock()

	entry, err := c.store.Link(variants)
	if errors.Is(err, correlation.ErrConflict) {
		c.metrics.Conflicts.Inc()
		return OutcomeRejected, err
	}
	if err != nil {
		return OutcomeRetry, err
	}
	if entry == nil {
		c.misses.add(&missedReveal{ledger: ledger, secret: secret, variants: variants, at: c.now()})
		// A lock recorded since Link looked for this secret in the cache too early.
		entry, err = c.store.Link(variants)
		if errors.Is(err, correlation.ErrConflict) {
			c.metrics.Conflicts.Inc()
			return OutcomeRejected, err
		}
		if err != nil {
			return OutcomeRetry, err
		}
		if entry == nil {
			c.metrics.Misses.Inc()
			c.logger.Info("🔍 [Coordinator] Correlation miss, no escrow recorded for secret", "ledger", ledger, "hash", variants[0].Key())
			return OutcomeMiss, nil
		}
		c.misses.take(variants[0].Key(), c.now())
	}
	if out, final := finalOutcome(entry); final {
		return out, nil
	}
	if !c.mayHost(entry, ledger) {
		c.logger.Warn("⚠️ [Coordinator] Secret revealed on a ledger hosting neither escrow", "entry", entry.ID, "ledger", ledger)
		return OutcomeMiss, nil
	}

	key := variants[0]
	entry, err = c.store.SaveReveal(key, ledger, secret)
	if err != nil {
		return OutcomeRetry, err
	}
	if !entry.Complete() {
		c.logger.Info("⏳ [Coordinator] Counterpart lock not seen yet, secret cached", "entry", entry.ID, "ledger", ledger)
		return OutcomeCached, nil
	}
	target := entry.CounterpartOf(ledger)
	if target == nil {
		c.logger.Warn("⚠️ [Coordinator] Secret revealed on a ledger hosting neither escrow", "entry", entry.ID, "ledger", ledger)
		return OutcomeMiss, nil
	}
	return c.forward(ctx, entry, key, *target, secret)
}

// mayHost reports whether a secret revealed on ledger can belong to e: the
// ledger holds one of its escrows, or the role of the escrow not recorded yet.
func (c *Coordinator) mayHost(e *domain.CorrelationEntry, ledger domain.LedgerID) bool {
	if (e.Source != nil && e.Source.Ledger == ledger) || (e.Destination != nil && e.Destination.Ledger == ledger) {
		return true
	}
	if e.Complete() {
		return false
	}
	l, ok := c.ledgers[ledger]
	if !ok {
		return false
	}
	missing := domain.RoleSource
	if e.Source != nil {
		missing = domain.RoleDestination
	}
	return l.Info().Role == missing
}

// HandleLock records an observed escrow and forwards at once if its secret
// was revealed before the lock was seen.
func (c *Coordinator) HandleLock(ctx context.Context, ref domain.EscrowRef, hashlock domain.HashVariant) (Outcome, error) {
	entry, err := c.store.RecordLock(hashlock, ref)
	if errors.Is(err, correlation.ErrConflict) {
		c.metrics.Conflicts.Inc()
		return OutcomeRejected, err
	}
	if err != nil {
		return OutcomeRetry, err
	}
	c.logger.Info("🔒 [Coordinator] Escrow recorded", "entry", entry.ID, "ledger", ref.Ledger, "role", ref.Role, "locator", ref.Locator)

	if entry.Secret == "" {
		if r := c.misses.take(hashlock.Key(), c.now()); r != nil {
			c.logger.Info("🔁 [Coordinator] Lock opened by an earlier unmatched secret", "entry", entry.ID, "revealed_on", r.ledger)
			return c.reveal(ctx, r.ledger, r.secret, r.variants)
		}
	}
	if entry.State != domain.EntryStateOpen || !entry.Complete() || entry.Secret == "" {
		return OutcomeRecorded, nil
	}
	return c.forwardCached(ctx, entry)
}

// RetryPending re-forwards every entry the store reports as pending.
func (c *Coordinator) RetryPending(ctx context.Context) {
	pending, err := c.store.Pending()
	if err != nil {
		c.logger.Error("❌ [Coordinator] Listing pending entries failed", "error", err)
		return
	}
	for _, e := range pending {
		if ctx.Err() != nil {
			return
		}
		out, err := c.forwardCached(ctx, e)
		if err != nil {
			c.logger.Error("❌ [Coordinator] Retry failed", "entry", e.ID, "outcome", out, "error", err)
			continue
		}
		c.logger.Debug("[Coordinator] Retried entry", "entry", e.ID, "outcome", out)
	}
}

// forwardCached forwards an entry using the secret cached on it.
func (c *Coordinator) forwardCached(ctx context.Context, e *domain.CorrelationEntry) (Outcome, error) {
	secret, err := domain.SecretFromHex(e.Secret)
	if err != nil {
		return OutcomeRejected, fmt.Errorf("entry %s: cached secret: %w", e.ID, err)
	}

	unlock := c.locks.Lock(hashes.LockKey(secret))
	defer unlock()

	key := e.Variants[0]
	entry, err := c.store.Lookup(key)
	if err != nil {
		return OutcomeRetry, err
	}
	if entry == nil {
		return OutcomeMiss, fmt.Errorf("entry %s vanished", e.ID)
	}
	if out, final := finalOutcome(entry); final {
		return out, nil
	}
	if !entry.Complete() {
		return OutcomeCached, nil
	}
	target := entry.CounterpartOf(entry.RevealedOn)
	if target == nil {
		return OutcomeMiss, fmt.Errorf("entry %s: no counterpart of %s", entry.ID, entry.RevealedOn)
	}
	return c.forward(ctx, entry, key, *target, secret)
}

func finalOutcome(e *domain.CorrelationEntry) (Outcome, bool) {
	switch {
	case e.Forwarded:
		return OutcomeDuplicate, true
	case e.State.Final():
		return OutcomeFinal, true
	}
	return "", false
}

// forward claims target with secret and records the result. The caller holds
// the swap's lock.
func (c *Coordinator) forward(ctx context.Context, e *domain.CorrelationEntry, key domain.HashVariant, target domain.EscrowRef, secret domain.Secret) (Outcome, error) {
	logger := c.logger.With("entry", e.ID, "target", target.Ledger, "locator", target.Locator)

	if target.Expired(c.now()) {
		logger.Warn("⌛ [Coordinator] Counterpart deadline passed, giving up", "deadline", target.Deadline)
		c.metrics.Claims.WithLabelValues(string(target.Ledger), string(OutcomeExpired)).Inc()
		return OutcomeExpired, c.store.MarkExpired(key)
	}

	ledger, ok := c.ledgers[target.Ledger]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownLedger, target.Ledger)
		logger.Error("❌ [Coordinator] Counterpart ledger not configured", "error", err)
		if rerr := c.store.RecordAttempt(key, err); rerr != nil {
			return OutcomeRetry, rerr
		}
		return OutcomeRetry, nil
	}

	claimCtx, cancel := context.WithTimeout(ctx, c.cfg.ClaimTimeout)
	var (
		txID string
		err  error
	)
	if resumer, ok := ledger.(settlement.ClaimResumer); ok && e.PendingTxID != "" {
		logger.Info("📤 [Coordinator] Following earlier claim", "tx_id", e.PendingTxID, "attempt", e.Attempts+1)
		txID, err = resumer.ResumeClaim(claimCtx, target, secret, e.PendingTxID)
	} else {
		logger.Info("📤 [Coordinator] Claiming counterpart escrow", "attempt", e.Attempts+1)
		txID, err = ledger.Claim(claimCtx, target, secret)
	}
	cancel()

	var pending *settlement.ClaimPendingError

	switch {
	case err == nil:
		logger.Info("✅ [Coordinator] Secret forwarded", "tx_id", txID)
		c.metrics.Claims.WithLabelValues(string(target.Ledger), string(OutcomeForwarded)).Inc()
		return OutcomeForwarded, c.store.MarkForwarded(key, txID)

	case errors.Is(err, settlement.ErrAlreadyClaimed):
		// Someone else delivered the secret; the swap completed all the same.
		logger.Info("✅ [Coordinator] Counterpart already claimed", "error", err)
		c.metrics.Claims.WithLabelValues(string(target.Ledger), string(OutcomeForwarded)).Inc()
		return OutcomeForwarded, c.store.MarkForwarded(key, "")

	case errors.Is(err, settlement.ErrRefunded):
		logger.Warn("↩️ [Coordinator] Counterpart refunded, abandoning", "error", err)
		c.metrics.Claims.WithLabelValues(string(target.Ledger), string(OutcomeAbandoned)).Inc()
		return OutcomeAbandoned, c.store.MarkAbandoned(key, err.Error())

	case errors.Is(err, settlement.ErrDeadlinePassed):
		logger.Warn("⌛ [Coordinator] Ledger reports deadline passed", "error", err)
		c.metrics.Claims.WithLabelValues(string(target.Ledger), string(OutcomeExpired)).Inc()
		return OutcomeExpired, c.store.MarkExpired(key)

	case errors.As(err, &pending):
		logger.Warn("⏳ [Coordinator] Claim sent but not confirmed, will follow it", "tx_id", pending.TxID, "error", err)
		c.metrics.Claims.WithLabelValues(string(target.Ledger), string(OutcomeRetry)).Inc()
		if rerr := c.store.RecordSubmission(key, pending.TxID, err); rerr != nil {
			return OutcomeRetry, rerr
		}
		return OutcomeRetry, nil
	}

	logger.Warn("🔁 [Coordinator] Claim failed, will retry", "error", err)
	c.metrics.Claims.WithLabelValues(string(target.Ledger), string(OutcomeRetry)).Inc()
	if rerr := c.store.RecordAttempt(key, err); rerr != nil {
		return OutcomeRetry, rerr
	}
	return OutcomeRetry, nil
}
