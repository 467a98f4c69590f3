package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThorbenD/htlc-relay/adapters/mock"
	"github.com/ThorbenD/htlc-relay/domain"
	"github.com/ThorbenD/htlc-relay/hashes"
	"github.com/ThorbenD/htlc-relay/settlement"
)

type recordingHandler struct {
	mu          sync.Mutex
	locks       []domain.EscrowRef
	reveals     [][]byte
	checkpoints []string
}

func (h *recordingHandler) OnLockObserved(ref domain.EscrowRef, hashlock domain.HashVariant, cursor string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.locks = append(h.locks, ref)
}

func (h *recordingHandler) OnSecretRevealed(ledger domain.LedgerID, secret []byte, hashlock *domain.HashVariant, cursor string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reveals = append(h.reveals, secret)
}

func (h *recordingHandler) OnCheckpoint(ledger domain.LedgerID, cursor string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkpoints = append(h.checkpoints, cursor)
}

type savedCursors map[domain.LedgerID]string

func (c savedCursors) Cursor(ledger domain.LedgerID) (string, error) {
	return c[ledger], nil
}

func (h *recordingHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.locks), len(h.reveals)
}

var fastBackoff = Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond}

func startWatcher(t *testing.T, ledger *mock.MockLedger, h Handler) (*Watcher, context.CancelFunc, chan error) {
	t.Helper()
	return startWatcherWith(t, New(ledger, h, fastBackoff, nil, nil))
}

func startWatcherWith(t *testing.T, w *Watcher) (*Watcher, context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	require.Eventually(t, func() bool { return w.State() == StateSubscribed }, time.Second, time.Millisecond)
	t.Cleanup(cancel)
	return w, cancel, done
}

func TestWatcherDeliversLockAndReveal(t *testing.T) {
	ledger := mock.NewMockLedger("a", domain.AlgSHA256, domain.RoleSource)
	h := &recordingHandler{}
	w, _, _ := startWatcher(t, ledger, h)

	secret, err := hashes.NewSecret()
	require.NoError(t, err)
	v, err := hashes.Variant(domain.AlgSHA256, secret)
	require.NoError(t, err)

	ref := ledger.Lock("alice", "bob", v.Digest, 100, time.Now().Add(time.Hour))
	_, err = ledger.Redeem(ref.Locator, secret)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		locks, reveals := h.counts()
		return locks == 1 && reveals == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 2, w.Delivered())

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, ref.Locator, h.locks[0].Locator)
	assert.Equal(t, secret[:], h.reveals[0])
}

func TestWatcherResubscribesAfterDrop(t *testing.T) {
	ledger := mock.NewMockLedger("a", domain.AlgSHA256, domain.RoleSource)
	h := &recordingHandler{}
	w, _, _ := startWatcher(t, ledger, h)

	ledger.FailNextSubscribe(errors.New("dial tcp: connection refused"))
	ledger.DropSubscriptions(errors.New("websocket: close 1006"))

	require.Eventually(t, func() bool {
		return w.Resubscriptions() == 1 && ledger.Subscribers() == 1 && w.State() == StateSubscribed
	}, time.Second, time.Millisecond)

	ledger.Lock("alice", "bob", make([]byte, 32), 1, time.Time{})
	require.Eventually(t, func() bool {
		locks, _ := h.counts()
		return locks == 1
	}, time.Second, time.Millisecond)
}

func TestWatcherReplaysEventsMissedWhileResubscribing(t *testing.T) {
	ledger := mock.NewMockLedger("a", domain.AlgSHA256, domain.RoleSource)
	h := &recordingHandler{}
	slow := Backoff{Initial: 100 * time.Millisecond, Max: 100 * time.Millisecond}
	w, _, _ := startWatcherWith(t, New(ledger, h, slow, nil, nil))

	secret, err := hashes.NewSecret()
	require.NoError(t, err)
	v, err := hashes.Variant(domain.AlgSHA256, secret)
	require.NoError(t, err)
	ref := ledger.Lock("alice", "bob", v.Digest, 100, time.Now().Add(time.Hour))
	require.Eventually(t, func() bool {
		locks, _ := h.counts()
		return locks == 1
	}, time.Second, time.Millisecond)

	ledger.DropSubscriptions(errors.New("websocket: close 1006"))
	require.Zero(t, ledger.Subscribers())
	// Claimed while nobody listens.
	_, err = ledger.Redeem(ref.Locator, secret)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, reveals := h.counts()
		return reveals == 1 && w.Resubscriptions() == 1
	}, 2*time.Second, time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, secret[:], h.reveals[0])
	assert.Equal(t, "2", w.Cursor())
}

func TestWatcherStartsFromSavedCursor(t *testing.T) {
	ledger := mock.NewMockLedger("a", domain.AlgSHA256, domain.RoleSource)
	secret, err := hashes.NewSecret()
	require.NoError(t, err)
	v, err := hashes.Variant(domain.AlgSHA256, secret)
	require.NoError(t, err)

	// Handled before the restart.
	ref := ledger.Lock("alice", "bob", v.Digest, 100, time.Now().Add(time.Hour))
	// Happened while the relayer was down.
	_, err = ledger.Redeem(ref.Locator, secret)
	require.NoError(t, err)

	h := &recordingHandler{}
	startWatcherWith(t, New(ledger, h, fastBackoff, savedCursors{"a": "1"}, nil))

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.reveals) == 1 && len(h.checkpoints) == 1
	}, time.Second, time.Millisecond)
	locks, _ := h.counts()
	assert.Zero(t, locks)
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{"2"}, h.checkpoints)
}

func TestWatcherDropsRevealWithoutSecret(t *testing.T) {
	ledger := mock.NewMockLedger("a", domain.AlgSHA256, domain.RoleSource)
	h := &recordingHandler{}
	w, _, _ := startWatcher(t, ledger, h)

	ledger.Emit(&settlement.LedgerEvent{
		Kind:     settlement.EventRevealed,
		Ledger:   "a",
		Hashlock: domain.HashVariant{Algorithm: domain.AlgSHA256, Digest: make([]byte, 32)},
	})
	ledger.Emit(&settlement.LedgerEvent{Kind: settlement.EventLocked, Ledger: "a"})
	ledger.Lock("alice", "bob", make([]byte, 32), 1, time.Time{})

	require.Eventually(t, func() bool {
		locks, _ := h.counts()
		return locks == 1
	}, time.Second, time.Millisecond)
	_, reveals := h.counts()
	assert.Zero(t, reveals)
	assert.Equal(t, 1, w.Delivered())
}

func TestWatcherStops(t *testing.T) {
	ledger := mock.NewMockLedger("a", domain.AlgSHA256, domain.RoleSource)
	w, cancel, done := startWatcher(t, ledger, &recordingHandler{})

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
	assert.Equal(t, StateStopped, w.State())
}

func TestBackoffGrowsToMax(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 5 * time.Second}
	d := b.next(0)
	assert.Equal(t, time.Second, d)
	d = b.next(d)
	assert.Equal(t, 2*time.Second, d)
	d = b.next(d)
	assert.Equal(t, 4*time.Second, d)
	d = b.next(d)
	assert.Equal(t, 5*time.Second, d)
}
