package correlation

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThorbenD/htlc-relay/domain"
	"github.com/ThorbenD/htlc-relay/hashes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRef(ledger domain.LedgerID, role domain.Role, locator string, v domain.HashVariant) domain.EscrowRef {
	return domain.EscrowRef{
		Ledger:   ledger,
		Locator:  locator,
		Role:     role,
		Hashlock: v.Digest,
		Deadline: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		Amount:   decimal.NewFromInt(100_000),
	}
}

func mustSecret(t *testing.T) (domain.Secret, domain.HashVariant, domain.HashVariant) {
	t.Helper()
	s, err := hashes.NewSecret()
	require.NoError(t, err)
	sha, err := hashes.Variant(domain.AlgSHA256, s)
	require.NoError(t, err)
	kec, err := hashes.Variant(domain.AlgKeccak256, s)
	require.NoError(t, err)
	return s, sha, kec
}

func TestRecordLockIdempotent(t *testing.T) {
	store := newTestStore(t)
	_, v, _ := mustSecret(t)
	ref := testRef("a", domain.RoleSource, "S1", v)

	e, err := store.RecordLock(v, ref)
	require.NoError(t, err)
	require.NotNil(t, e.Source)
	assert.Nil(t, e.Destination)
	assert.False(t, e.Complete())

	e2, err := store.RecordLock(v, ref)
	require.NoError(t, err)
	assert.Equal(t, e.ID, e2.ID)
	assert.Equal(t, domain.EntryStateOpen, e2.State)
}

func TestRecordLockConflict(t *testing.T) {
	store := newTestStore(t)
	_, v, _ := mustSecret(t)

	_, err := store.RecordLock(v, testRef("a", domain.RoleSource, "S1", v))
	require.NoError(t, err)

	_, err = store.RecordLock(v, testRef("a", domain.RoleSource, "S2", v))
	require.ErrorIs(t, err, ErrConflict)

	e, err := store.Lookup(v)
	require.NoError(t, err)
	assert.Equal(t, domain.EntryStateConflicted, e.State)
	assert.Equal(t, "S1", e.Source.Locator)
}

func TestRecordLockSameLedgerBothRolesConflicts(t *testing.T) {
	store := newTestStore(t)
	_, v, _ := mustSecret(t)

	_, err := store.RecordLock(v, testRef("a", domain.RoleSource, "S1", v))
	require.NoError(t, err)
	_, err = store.RecordLock(v, testRef("a", domain.RoleDestination, "D1", v))
	require.ErrorIs(t, err, ErrConflict)
}

func TestRecordLockRejectsInvalidRef(t *testing.T) {
	store := newTestStore(t)
	_, v, _ := mustSecret(t)

	_, err := store.RecordLock(v, testRef("a", "SIDEWAYS", "S1", v))
	require.ErrorIs(t, err, ErrInvalidRef)
	_, err = store.RecordLock(v, testRef("", domain.RoleSource, "S1", v))
	require.ErrorIs(t, err, ErrInvalidRef)
}

func TestConflictDoesNotTouchOtherEntries(t *testing.T) {
	store := newTestStore(t)
	_, v1, _ := mustSecret(t)
	_, v2, _ := mustSecret(t)

	_, err := store.RecordLock(v1, testRef("a", domain.RoleSource, "S1", v1))
	require.NoError(t, err)
	_, err = store.RecordLock(v2, testRef("a", domain.RoleSource, "S9", v2))
	require.NoError(t, err)
	_, err = store.RecordLock(v1, testRef("a", domain.RoleSource, "S2", v1))
	require.ErrorIs(t, err, ErrConflict)

	e, err := store.Lookup(v2)
	require.NoError(t, err)
	assert.Equal(t, domain.EntryStateOpen, e.State)
}

func TestLookupUnknown(t *testing.T) {
	store := newTestStore(t)
	_, v, _ := mustSecret(t)

	e, err := store.Lookup(v)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestLinkMergesEntriesFromDifferentDigests(t *testing.T) {
	store := newTestStore(t)
	s, sha, kec := mustSecret(t)

	_, err := store.RecordLock(kec, testRef("evm", domain.RoleSource, "S1", kec))
	require.NoError(t, err)
	_, err = store.RecordLock(sha, testRef("ln", domain.RoleDestination, "D1", sha))
	require.NoError(t, err)

	e, err := store.Lookup(kec)
	require.NoError(t, err)
	assert.False(t, e.Complete())

	linked, err := store.Link(hashes.DeriveVariants(s))
	require.NoError(t, err)
	require.NotNil(t, linked)
	assert.True(t, linked.Complete())
	assert.Len(t, linked.Variants, len(hashes.Supported))

	for _, v := range hashes.DeriveVariants(s) {
		got, err := store.Lookup(v)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, linked.ID, got.ID)
	}
}

func TestLinkUnknownSecret(t *testing.T) {
	store := newTestStore(t)
	s, _, _ := mustSecret(t)

	e, err := store.Link(hashes.DeriveVariants(s))
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestLinkConflictingMerge(t *testing.T) {
	store := newTestStore(t)
	s, sha, kec := mustSecret(t)

	_, err := store.RecordLock(kec, testRef("evm", domain.RoleSource, "S1", kec))
	require.NoError(t, err)
	_, err = store.RecordLock(sha, testRef("ln", domain.RoleSource, "S2", sha))
	require.NoError(t, err)

	_, err = store.Link(hashes.DeriveVariants(s))
	require.ErrorIs(t, err, ErrConflict)
}

func TestMarkForwardedIsFinal(t *testing.T) {
	store := newTestStore(t)
	_, v, _ := mustSecret(t)
	_, err := store.RecordLock(v, testRef("a", domain.RoleSource, "S1", v))
	require.NoError(t, err)

	require.NoError(t, store.MarkForwarded(v, "tx1"))
	require.NoError(t, store.MarkForwarded(v, "tx2"))
	require.NoError(t, store.MarkAbandoned(v, "late"))
	require.NoError(t, store.MarkExpired(v))

	e, err := store.Lookup(v)
	require.NoError(t, err)
	assert.True(t, e.Forwarded)
	assert.Equal(t, "tx1", e.ClaimTxID)
	assert.Equal(t, domain.EntryStateForwarded, e.State)
}

func TestMarkUnknownEntry(t *testing.T) {
	store := newTestStore(t)
	_, v, _ := mustSecret(t)

	err := store.MarkForwarded(v, "tx")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestPending(t *testing.T) {
	store := newTestStore(t)
	s, sha, kec := mustSecret(t)

	_, err := store.RecordLock(kec, testRef("evm", domain.RoleSource, "S1", kec))
	require.NoError(t, err)
	_, err = store.SaveReveal(kec, "evm", s)
	require.NoError(t, err)

	pending, err := store.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending, "incomplete entry is not pending")

	_, err = store.RecordLock(kec, testRef("ln", domain.RoleDestination, "D1", sha))
	require.NoError(t, err)

	pending, err = store.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, s.Hex(), pending[0].Secret)
	assert.Equal(t, domain.LedgerID("evm"), pending[0].RevealedOn)

	require.NoError(t, store.MarkExpired(kec))
	pending, err = store.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSaveRevealKeepsFirstSecret(t *testing.T) {
	store := newTestStore(t)
	s, _, kec := mustSecret(t)
	other, _, _ := mustSecret(t)

	_, err := store.RecordLock(kec, testRef("evm", domain.RoleSource, "S1", kec))
	require.NoError(t, err)
	_, err = store.SaveReveal(kec, "evm", s)
	require.NoError(t, err)
	e, err := store.SaveReveal(kec, "ln", other)
	require.NoError(t, err)
	assert.Equal(t, s.Hex(), e.Secret)
	assert.Equal(t, domain.LedgerID("evm"), e.RevealedOn)
}

func TestRecordAttempt(t *testing.T) {
	store := newTestStore(t)
	_, v, _ := mustSecret(t)
	_, err := store.RecordLock(v, testRef("a", domain.RoleSource, "S1", v))
	require.NoError(t, err)

	require.NoError(t, store.RecordAttempt(v, errors.New("rpc timeout")))
	require.NoError(t, store.RecordAttempt(v, errors.New("rpc timeout again")))

	e, err := store.Lookup(v)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Attempts)
	assert.Equal(t, "rpc timeout again", e.LastError)
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	_, v, _ := mustSecret(t)
	ref := testRef("a", domain.RoleSource, "S1", v)

	store, err := Open(dir, nil)
	require.NoError(t, err)
	_, err = store.RecordLock(v, ref)
	require.NoError(t, err)
	require.NoError(t, store.MarkForwarded(v, "tx1"))
	require.NoError(t, store.Close())

	store, err = Open(dir, nil)
	require.NoError(t, err)
	defer store.Close()

	e, err := store.Lookup(v)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.True(t, e.Forwarded)
	assert.True(t, e.Source.Equal(ref))
}

func TestRecordSubmissionIsFollowedUntilForwarded(t *testing.T) {
	store := newTestStore(t)
	_, v, _ := mustSecret(t)
	_, err := store.RecordLock(v, testRef("a", domain.RoleSource, "S1", v))
	require.NoError(t, err)

	require.NoError(t, store.RecordSubmission(v, "0xfeed", errors.New("not confirmed")))
	e, err := store.Lookup(v)
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", e.PendingTxID)
	assert.Equal(t, 1, e.Attempts)

	// A plain failed attempt keeps following the same transaction.
	require.NoError(t, store.RecordAttempt(v, errors.New("rpc timeout")))
	e, err = store.Lookup(v)
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", e.PendingTxID)

	require.NoError(t, store.MarkForwarded(v, "0xfeed"))
	e, err = store.Lookup(v)
	require.NoError(t, err)
	assert.Empty(t, e.PendingTxID)
	assert.Equal(t, "0xfeed", e.ClaimTxID)
}

func TestCursorSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, nil)
	require.NoError(t, err)

	c, err := store.Cursor("evm")
	require.NoError(t, err)
	assert.Empty(t, c)

	require.NoError(t, store.SaveCursor("evm", "120"))
	require.NoError(t, store.SaveCursor("ln", "settle=4;payment=2"))
	require.NoError(t, store.SaveCursor("evm", "121"))
	require.NoError(t, store.Close())

	store, err = Open(dir, nil)
	require.NoError(t, err)
	defer store.Close()

	c, err = store.Cursor("evm")
	require.NoError(t, err)
	assert.Equal(t, "121", c)
	c, err = store.Cursor("ln")
	require.NoError(t, err)
	assert.Equal(t, "settle=4;payment=2", c)

	pending, err := store.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}
