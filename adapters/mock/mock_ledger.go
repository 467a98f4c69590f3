package mock

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ThorbenD/htlc-relay/domain"
	"github.com/ThorbenD/htlc-relay/hashes"
	"github.com/ThorbenD/htlc-relay/settlement"
)

type escrow struct {
	ref    domain.EscrowRef
	status domain.EscrowStatus
}

type subscription struct {
	ctx    context.Context
	events chan *settlement.LedgerEvent
	errs   chan error
}

// MockLedger implements settlement.Ledger in memory for tests and demos.
// It enforces the escrow lifecycle Locked -> {Claimed | Refunded} with the
// ledger's own hash function. Every published event is kept, and its 1-based
// position in that history is its cursor.
type MockLedger struct {
	mu      sync.Mutex
	info    domain.Ledger
	escrows map[string]*escrow
	subs    []*subscription
	history []*settlement.LedgerEvent
	now     func() time.Time
	seq     int

	claimCalls   int
	claimErrs    []error
	claimDelay   time.Duration
	subscribeErr error
}

func NewMockLedger(id domain.LedgerID, alg domain.Algorithm, role domain.Role) *MockLedger {
	return &MockLedger{
		info: domain.Ledger{
			ID:        id,
			Kind:      domain.LedgerKindMock,
			Algorithm: alg,
			Role:      role,
		},
		escrows: make(map[string]*escrow),
		now:     time.Now,
	}
}

func (m *MockLedger) Info() domain.Ledger {
	return m.info
}

// SetClock replaces the ledger's notion of time.
func (m *MockLedger) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Lock funds a new escrow locked to hashlock and publishes an EventLocked.
func (m *MockLedger) Lock(locker, beneficiary string, hashlock []byte, amount uint64, deadline time.Time) domain.EscrowRef {
	m.mu.Lock()
	m.seq++
	ref := domain.EscrowRef{
		Ledger:      m.info.ID,
		Locator:     fmt.Sprintf("%s-escrow-%d", m.info.ID, m.seq),
		Role:        m.info.Role,
		Hashlock:    append([]byte(nil), hashlock...),
		Deadline:    deadline,
		Locker:      locker,
		Beneficiary: beneficiary,
		Amount:      decimal.NewFromInt(int64(amount)),
	}
	m.escrows[ref.Locator] = &escrow{ref: ref, status: domain.EscrowStatusLocked}
	m.mu.Unlock()

	slog.Info("⛓️  [MockLedger] Escrow locked", "ledger", m.info.ID, "locator", ref.Locator, "hashlock", hex.EncodeToString(hashlock))
	r := ref
	m.publish(&settlement.LedgerEvent{
		Kind:       settlement.EventLocked,
		Ledger:     m.info.ID,
		Hashlock:   domain.HashVariant{Algorithm: m.info.Algorithm, Digest: r.Hashlock},
		Escrow:     &r,
		ObservedAt: time.Now(),
	})
	return ref
}

// Claim implements settlement.Ledger.
func (m *MockLedger) Claim(ctx context.Context, ref domain.EscrowRef, secret domain.Secret) (string, error) {
	m.mu.Lock()
	m.claimCalls++
	delay := m.claimDelay
	var injected error
	if len(m.claimErrs) > 0 {
		injected, m.claimErrs = m.claimErrs[0], m.claimErrs[1:]
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	if injected != nil {
		return "", injected
	}
	return m.redeem(ref.Locator, secret)
}

// Redeem is a party claiming the escrow directly on the ledger, which reveals
// secret to every watcher.
func (m *MockLedger) Redeem(locator string, secret domain.Secret) (string, error) {
	return m.redeem(locator, secret)
}

func (m *MockLedger) redeem(locator string, secret domain.Secret) (string, error) {
	m.mu.Lock()
	e, ok := m.escrows[locator]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", settlement.ErrEscrowNotFound, locator)
	}
	switch {
	case e.status == domain.EscrowStatusClaimed:
		m.mu.Unlock()
		return "", settlement.ErrAlreadyClaimed
	case e.status == domain.EscrowStatusRefunded:
		m.mu.Unlock()
		return "", settlement.ErrRefunded
	case e.ref.Expired(m.now()):
		m.mu.Unlock()
		return "", settlement.ErrDeadlinePassed
	case !hashes.Verify(domain.HashVariant{Algorithm: m.info.Algorithm, Digest: e.ref.Hashlock}, secret):
		m.mu.Unlock()
		return "", settlement.ErrHashMismatch
	}
	e.status = domain.EscrowStatusClaimed
	m.seq++
	txID := fmt.Sprintf("tx_mock_claim_%s_%d", m.info.ID, m.seq)
	hashlock := e.ref.Hashlock
	m.mu.Unlock()

	slog.Info("🧹 [MockLedger] Escrow claimed", "ledger", m.info.ID, "locator", locator, "tx_id", txID)
	m.publish(&settlement.LedgerEvent{
		Kind:       settlement.EventRevealed,
		Ledger:     m.info.ID,
		Hashlock:   domain.HashVariant{Algorithm: m.info.Algorithm, Digest: hashlock},
		Secret:     append([]byte(nil), secret[:]...),
		TxID:       txID,
		ObservedAt: time.Now(),
	})
	return txID, nil
}

// Refund returns the funds to the locker once the deadline has passed.
func (m *MockLedger) Refund(locator, caller string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[locator]
	if !ok {
		return fmt.Errorf("%w: %s", settlement.ErrEscrowNotFound, locator)
	}
	if e.status.Terminal() {
		return fmt.Errorf("escrow %s is %s", locator, e.status)
	}
	if !e.ref.Expired(m.now()) {
		return fmt.Errorf("escrow %s not expired until %s", locator, e.ref.Deadline)
	}
	if caller != e.ref.Locker {
		return fmt.Errorf("only locker %s may refund %s", e.ref.Locker, locator)
	}
	e.status = domain.EscrowStatusRefunded
	return nil
}

// Status returns the lifecycle state of the escrow at locator.
func (m *MockLedger) Status(locator string) (domain.EscrowStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[locator]
	if !ok {
		return "", false
	}
	return e.status, true
}

// FailNextClaims makes the next len(errs) Claim calls return errs in order.
func (m *MockLedger) FailNextClaims(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimErrs = append(m.claimErrs, errs...)
}

// SetClaimDelay simulates slow transaction confirmation.
func (m *MockLedger) SetClaimDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimDelay = d
}

// ClaimCalls returns how many times Claim was invoked.
func (m *MockLedger) ClaimCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claimCalls
}

// Subscribe implements settlement.Ledger. Events after position from are
// replayed before the checkpoint.
func (m *MockLedger) Subscribe(ctx context.Context, from string) (<-chan *settlement.LedgerEvent, <-chan error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subscribeErr != nil {
		err := m.subscribeErr
		m.subscribeErr = nil
		return nil, nil, err
	}
	start := 0
	if from != "" {
		n, err := strconv.Atoi(from)
		if err != nil || n < 0 {
			return nil, nil, fmt.Errorf("mock ledger %s: bad cursor %q", m.info.ID, from)
		}
		start = min(n, len(m.history))
	}
	var replay []*settlement.LedgerEvent
	if from != "" {
		replay = m.history[start:]
	}

	sub := &subscription{
		ctx:    ctx,
		events: make(chan *settlement.LedgerEvent, 256+len(replay)),
		errs:   make(chan error, 1),
	}
	for _, ev := range replay {
		sub.events <- ev
	}
	sub.events <- &settlement.LedgerEvent{
		Kind:       settlement.EventCheckpoint,
		Ledger:     m.info.ID,
		Cursor:     strconv.Itoa(len(m.history)),
		ObservedAt: time.Now(),
	}
	m.subs = append(m.subs, sub)
	return sub.events, sub.errs, nil
}

// FailNextSubscribe makes the next Subscribe call fail with err.
func (m *MockLedger) FailNextSubscribe(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

// DropSubscriptions simulates a transient stream failure on every open subscription.
func (m *MockLedger) DropSubscriptions(err error) {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	for _, s := range subs {
		s.errs <- err
		close(s.errs)
	}
}

// Subscribers returns the number of open subscriptions.
func (m *MockLedger) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Emit publishes ev as if the ledger had produced it.
func (m *MockLedger) Emit(ev *settlement.LedgerEvent) {
	m.publish(ev)
}

// History returns how many events the ledger has published.
func (m *MockLedger) History() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

func (m *MockLedger) publish(ev *settlement.LedgerEvent) {
	m.mu.Lock()
	m.history = append(m.history, ev)
	ev.Cursor = strconv.Itoa(len(m.history))
	subs := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		if s.ctx.Err() == nil {
			subs = append(subs, s)
		}
	}
	m.subs = subs
	m.mu.Unlock()

	for _, s := range subs {
		select {
		case s.events <- ev:
		case <-s.ctx.Done():
		}
	}
}
