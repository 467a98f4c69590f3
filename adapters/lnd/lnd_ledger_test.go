package lnd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThorbenD/htlc-relay/adapters/mock"
	"github.com/ThorbenD/htlc-relay/domain"
	"github.com/ThorbenD/htlc-relay/hashes"
	"github.com/ThorbenD/htlc-relay/settlement"
)

func newSecret(t *testing.T) (domain.Secret, string) {
	t.Helper()
	s, err := hashes.NewSecret()
	require.NoError(t, err)
	sum := sha256.Sum256(s[:])
	return s, hex.EncodeToString(sum[:])
}

func anyEvent(t *testing.T, events <-chan *settlement.LedgerEvent) *settlement.LedgerEvent {
	t.Helper()
	select {
	case ev := <-events:
		require.NotNil(t, ev)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no ledger event")
		return nil
	}
}

// nextEvent returns the next event that is not a checkpoint.
func nextEvent(t *testing.T, events <-chan *settlement.LedgerEvent) *settlement.LedgerEvent {
	t.Helper()
	for {
		if ev := anyEvent(t, events); ev.Kind != settlement.EventCheckpoint {
			return ev
		}
	}
}

func TestLndLedgerInfo(t *testing.T) {
	l := NewLndLedger("ln", domain.RoleDestination, mock.NewMockLightningClient(100), nil)
	info := l.Info()
	assert.Equal(t, domain.LedgerID("ln"), info.ID)
	assert.Equal(t, domain.AlgSHA256, info.Algorithm)
	assert.Equal(t, domain.LedgerKindLightning, info.Kind)
	assert.Equal(t, domain.RoleDestination, info.Role)
}

func TestLndLedgerLockedAndRevealedEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := mock.NewMockLightningClient(100)
	l := NewLndLedger("ln", domain.RoleDestination, client, nil)

	events, _, err := l.Subscribe(ctx, "")
	require.NoError(t, err)
	cp := anyEvent(t, events)
	assert.Equal(t, settlement.EventCheckpoint, cp.Kind)
	assert.Equal(t, "settle=0;payment=0", cp.Cursor)

	secret, hash := newSecret(t)
	client.AcceptHoldInvoice(hash, 50_000, 106)

	ev := nextEvent(t, events)
	assert.Equal(t, settlement.EventLocked, ev.Kind)
	require.NotNil(t, ev.Escrow)
	assert.Equal(t, hash, ev.Escrow.Locator)
	assert.Equal(t, domain.RoleDestination, ev.Escrow.Role)
	assert.True(t, ev.Escrow.Deadline.IsZero())
	assert.Equal(t, "106", ev.Escrow.Params["expiry_height"])
	assert.Equal(t, "50000", ev.Escrow.Amount.String())
	assert.Equal(t, domain.AlgSHA256, ev.Hashlock.Algorithm)

	txID, err := l.Claim(ctx, *ev.Escrow, secret)
	require.NoError(t, err)
	assert.Equal(t, "ln_settle_"+hash, txID)

	// The settled invoice is reported as its escrow followed by the reveal.
	ev = nextEvent(t, events)
	assert.Equal(t, settlement.EventLocked, ev.Kind)
	assert.Equal(t, hash, ev.Escrow.Locator)
	ev = nextEvent(t, events)
	assert.Equal(t, settlement.EventRevealed, ev.Kind)
	assert.Equal(t, secret[:], ev.Secret)
	assert.Equal(t, "settle=1;payment=0", ev.Cursor)
}

func TestLndLedgerPaymentReveal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := mock.NewMockLightningClient(100)
	l := NewLndLedger("ln", domain.RoleSource, client, nil)
	events, _, err := l.Subscribe(ctx, "")
	require.NoError(t, err)

	secret, hash := newSecret(t)
	client.CompletePayment(hash, "", 10)
	client.CompletePayment(hash, secret.Hex(), 10)

	ev := nextEvent(t, events)
	assert.Equal(t, settlement.EventRevealed, ev.Kind)
	assert.Equal(t, secret[:], ev.Secret)
	assert.Equal(t, hash, hex.EncodeToString(ev.Hashlock.Digest))
	assert.Equal(t, "settle=0;payment=2", ev.Cursor)
}

func TestLndLedgerClaimErrors(t *testing.T) {
	ctx := context.Background()
	client := mock.NewMockLightningClient(100)
	l := NewLndLedger("ln", domain.RoleDestination, client, nil)

	secret, hash := newSecret(t)
	ref := domain.EscrowRef{Ledger: "ln", Locator: hash, Role: domain.RoleDestination}

	_, err := l.Claim(ctx, ref, secret)
	assert.ErrorIs(t, err, settlement.ErrEscrowNotFound)

	client.AcceptHoldInvoice(hash, 1000, 0)
	_, err = l.Claim(ctx, ref, secret)
	require.NoError(t, err)

	_, err = l.Claim(ctx, ref, secret)
	assert.ErrorIs(t, err, settlement.ErrAlreadyClaimed)

	other, otherHash := newSecret(t)
	client.AcceptHoldInvoice(otherHash, 1000, 0)
	client.CancelInvoice(otherHash)
	_, err = l.Claim(ctx, domain.EscrowRef{Ledger: "ln", Locator: otherHash}, other)
	assert.ErrorIs(t, err, settlement.ErrRefunded)

	late, lateHash := newSecret(t)
	client.AcceptHoldInvoice(lateHash, 1000, 100)
	expired := domain.EscrowRef{Ledger: "ln", Locator: lateHash, Params: map[string]string{"expiry_height": "100"}}
	_, err = l.Claim(ctx, expired, late)
	assert.ErrorIs(t, err, settlement.ErrDeadlinePassed)
}

func TestLndLedgerClaimDecidesExpiryByHeight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := mock.NewMockLightningClient(101)
	l := NewLndLedger("ln", domain.RoleDestination, client, nil)
	// Blocks come slowly: a day of wall-clock time is only one block.
	l.now = func() time.Time { return time.Now().Add(24 * time.Hour) }

	events, _, err := l.Subscribe(ctx, "")
	require.NoError(t, err)

	secret, hash := newSecret(t)
	client.AcceptHoldInvoice(hash, 50_000, 103)
	ev := nextEvent(t, events)
	require.Equal(t, settlement.EventLocked, ev.Kind)
	assert.False(t, ev.Escrow.Expired(time.Now().Add(365*24*time.Hour)))

	client.SetBlockHeight(102)
	_, err = l.Claim(ctx, *ev.Escrow, secret)
	require.NoError(t, err)
	assert.Equal(t, settlement.EventLocked, nextEvent(t, events).Kind)
	assert.Equal(t, settlement.EventRevealed, nextEvent(t, events).Kind)

	other, otherHash := newSecret(t)
	client.AcceptHoldInvoice(otherHash, 50_000, 103)
	ev = nextEvent(t, events)
	require.Equal(t, otherHash, ev.Escrow.Locator)

	client.SetBlockHeight(103)
	_, err = l.Claim(ctx, *ev.Escrow, other)
	assert.ErrorIs(t, err, settlement.ErrDeadlinePassed)

	held, err := client.PendingInvoices(ctx)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, otherHash, held[0].Hash)
}

func TestLndLedgerResumesFromCursor(t *testing.T) {
	client := mock.NewMockLightningClient(100)
	l := NewLndLedger("ln", domain.RoleDestination, client, nil)

	ctx, cancel := context.WithCancel(context.Background())
	events, _, err := l.Subscribe(ctx, "")
	require.NoError(t, err)
	cursor := anyEvent(t, events).Cursor
	require.Equal(t, "settle=0;payment=0", cursor)
	cancel()

	// While nobody listens: one invoice is held, one is held and settled,
	// and one outgoing payment succeeds.
	_, heldHash := newSecret(t)
	client.AcceptHoldInvoice(heldHash, 1_000, 150)
	settled, settledHash := newSecret(t)
	client.AcceptHoldInvoice(settledHash, 2_000, 150)
	require.NoError(t, client.SettleInvoice(context.Background(), settled.Hex()))
	paid, paidHash := newSecret(t)
	client.CompletePayment(paidHash, paid.Hex(), 3_000)

	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	events, _, err = l.Subscribe(ctx, cursor)
	require.NoError(t, err)

	ev := anyEvent(t, events)
	assert.Equal(t, settlement.EventLocked, ev.Kind)
	assert.Equal(t, heldHash, ev.Escrow.Locator)

	ev = anyEvent(t, events)
	assert.Equal(t, settlement.EventRevealed, ev.Kind)
	assert.Equal(t, paid[:], ev.Secret)
	assert.Equal(t, "settle=0;payment=1", ev.Cursor)

	ev = anyEvent(t, events)
	assert.Equal(t, settlement.EventCheckpoint, ev.Kind)
	assert.Equal(t, "settle=0;payment=1", ev.Cursor)

	ev = anyEvent(t, events)
	assert.Equal(t, settlement.EventLocked, ev.Kind)
	assert.Equal(t, settledHash, ev.Escrow.Locator)
	ev = anyEvent(t, events)
	assert.Equal(t, settlement.EventRevealed, ev.Kind)
	assert.Equal(t, settled[:], ev.Secret)
	assert.Equal(t, "settle=1;payment=1", ev.Cursor)

	// Without a cursor only what is still held is reported.
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	events, _, err = l.Subscribe(ctx2, "")
	require.NoError(t, err)
	assert.Equal(t, heldHash, anyEvent(t, events).Escrow.Locator)
	cp := anyEvent(t, events)
	assert.Equal(t, settlement.EventCheckpoint, cp.Kind)
	assert.Equal(t, "settle=1;payment=1", cp.Cursor)
}

func TestLndLedgerRejectsBadCursor(t *testing.T) {
	l := NewLndLedger("ln", domain.RoleDestination, mock.NewMockLightningClient(100), nil)
	_, _, err := l.Subscribe(context.Background(), "block=7")
	assert.Error(t, err)
}

func TestClassifySettleErrorTransient(t *testing.T) {
	err := classifySettleError(errors.New("connection reset by peer"))
	assert.False(t, settlement.IsTerminal(err))
	assert.NotErrorIs(t, err, settlement.ErrHashMismatch)
}
