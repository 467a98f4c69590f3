// Package correlation persists the mapping from hash variants to the escrows
// that share a secret. It is the only mutable state shared between the
// watchers and the coordinator; every mutation is synced to disk before the
// call returns.
package correlation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/ThorbenD/htlc-relay/domain"
)

var (
	// ErrConflict is returned when a different escrow is already recorded for a role.
	ErrConflict = errors.New("correlation conflict")
	// ErrNotFound is returned when no entry is known for a variant.
	ErrNotFound = errors.New("correlation entry not found")
	// ErrInvalidRef is returned for refs that cannot be recorded.
	ErrInvalidRef = errors.New("invalid escrow ref")
)

const (
	entryPrefix  = "entry/"
	aliasPrefix  = "alias/"
	cursorPrefix = "cursor/"
)

var syncWrite = &opt.WriteOptions{Sync: true}

// Store is a goleveldb-backed correlation store.
type Store struct {
	mu     sync.Mutex
	db     *leveldb.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (or creates) a store in dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open correlation db %s: %w", dir, err)
	}
	return newStore(db, logger), nil
}

// OpenMemory opens a store that lives only as long as the process.
func OpenMemory(logger *slog.Logger) (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open memory correlation db: %w", err)
	}
	return newStore(db, logger), nil
}

func newStore(db *leveldb.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger, now: time.Now}
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordLock upserts the escrow for ref.Role on the entry that v resolves to.
// Recording the same ref twice is a no-op; recording a different one is
// ErrConflict and poisons the entry.
func (s *Store) RecordLock(v domain.HashVariant, ref domain.EscrowRef) (*domain.CorrelationEntry, error) {
	if ref.Role != domain.RoleSource && ref.Role != domain.RoleDestination {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidRef, ref.Role)
	}
	if ref.Ledger == "" || len(v.Digest) == 0 {
		return nil, fmt.Errorf("%w: missing ledger or hashlock", ErrInvalidRef)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.resolve(v.Key())
	if err != nil {
		return nil, err
	}

	batch := new(leveldb.Batch)
	if e == nil {
		e = &domain.CorrelationEntry{
			ID:        v.Key(),
			Variants:  []domain.HashVariant{v},
			State:     domain.EntryStateOpen,
			CreatedAt: s.now(),
		}
		batch.Put([]byte(aliasPrefix+v.Key()), []byte(e.ID))
	}

	if existing := e.Ref(ref.Role); existing != nil {
		if existing.Equal(ref) {
			return e, nil
		}
		return e, s.conflict(e, fmt.Sprintf("%s escrow already recorded as %s on %s", ref.Role, existing.Locator, existing.Ledger))
	}
	if other := e.Ref(ref.Role.Counterpart()); other != nil && other.Ledger == ref.Ledger {
		return e, s.conflict(e, fmt.Sprintf("both escrows on ledger %s", ref.Ledger))
	}

	r := ref
	if ref.Role == domain.RoleSource {
		e.Source = &r
	} else {
		e.Destination = &r
	}
	if err := s.write(batch, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Store) conflict(e *domain.CorrelationEntry, reason string) error {
	if e.State == domain.EntryStateOpen {
		e.State = domain.EntryStateConflicted
		e.LastError = reason
		if err := s.write(new(leveldb.Batch), e); err != nil {
			return err
		}
	}
	s.logger.Error("🚨 [Correlation] Conflicting escrow bookkeeping", "entry", e.ID, "reason", reason, "alert", true)
	return fmt.Errorf("%w: entry %s: %s", ErrConflict, e.ID, reason)
}

// Lookup returns the entry v resolves to, or nil.
func (s *Store) Lookup(v domain.HashVariant) (*domain.CorrelationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolve(v.Key())
}

// Link attaches all variants of one secret to a single entry, merging entries
// that were recorded separately under different native digests. Only a holder
// of the secret can produce the variant set, which is what makes the merge
// safe. Returns nil when none of the variants is known.
func (s *Store) Link(variants []domain.HashVariant) (*domain.CorrelationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		target *domain.CorrelationEntry
		others []*domain.CorrelationEntry
	)
	for _, v := range variants {
		e, err := s.resolve(v.Key())
		if err != nil {
			return nil, err
		}
		switch {
		case e == nil:
		case target == nil:
			target = e
		case e.ID != target.ID && !containsEntry(others, e.ID):
			others = append(others, e)
		}
	}
	if target == nil {
		return nil, nil
	}

	batch := new(leveldb.Batch)
	changed := false
	for _, o := range others {
		if err := merge(target, o); err != nil {
			return target, s.conflict(target, err.Error())
		}
		for _, v := range o.Variants {
			batch.Put([]byte(aliasPrefix+v.Key()), []byte(target.ID))
		}
		batch.Delete([]byte(entryPrefix + o.ID))
		changed = true
		s.logger.Info("🔗 [Correlation] Merged entries", "entry", target.ID, "merged", o.ID)
	}
	for _, v := range variants {
		if !target.HasVariant(v.Key()) {
			target.Variants = append(target.Variants, v)
			batch.Put([]byte(aliasPrefix+v.Key()), []byte(target.ID))
			changed = true
		}
	}
	if !changed {
		return target, nil
	}
	if err := s.write(batch, target); err != nil {
		return nil, err
	}
	return target, nil
}

func containsEntry(es []*domain.CorrelationEntry, id string) bool {
	for _, e := range es {
		if e.ID == id {
			return true
		}
	}
	return false
}

func merge(dst, src *domain.CorrelationEntry) error {
	for _, role := range []domain.Role{domain.RoleSource, domain.RoleDestination} {
		a, b := dst.Ref(role), src.Ref(role)
		switch {
		case b == nil:
		case a == nil:
			if role == domain.RoleSource {
				dst.Source = b
			} else {
				dst.Destination = b
			}
		case !a.Equal(*b):
			return fmt.Errorf("merging %s into %s: different %s escrows", src.ID, dst.ID, role)
		}
	}
	if dst.Source != nil && dst.Destination != nil && dst.Source.Ledger == dst.Destination.Ledger {
		return fmt.Errorf("merging %s into %s: both escrows on ledger %s", src.ID, dst.ID, dst.Source.Ledger)
	}
	for _, v := range src.Variants {
		if !dst.HasVariant(v.Key()) {
			dst.Variants = append(dst.Variants, v)
		}
	}
	if dst.Secret == "" {
		dst.Secret, dst.RevealedOn = src.Secret, src.RevealedOn
	}
	if dst.PendingTxID == "" {
		dst.PendingTxID = src.PendingTxID
	}
	if src.Forwarded {
		dst.Forwarded, dst.ClaimTxID = true, src.ClaimTxID
		dst.State = domain.EntryStateForwarded
	} else if dst.State == domain.EntryStateOpen {
		dst.State = src.State
	}
	dst.Attempts += src.Attempts
	if src.CreatedAt.Before(dst.CreatedAt) {
		dst.CreatedAt = src.CreatedAt
	}
	return nil
}

// SaveReveal caches a revealed secret on the entry v resolves to.
func (s *Store) SaveReveal(v domain.HashVariant, ledger domain.LedgerID, secret domain.Secret) (*domain.CorrelationEntry, error) {
	return s.update(v, func(e *domain.CorrelationEntry) bool {
		if e.Secret != "" {
			return false
		}
		e.Secret = secret.Hex()
		e.RevealedOn = ledger
		return true
	})
}

// MarkForwarded records that the counterpart claim went through. Forwarding
// is final: later Abandon/Expire calls are no-ops.
func (s *Store) MarkForwarded(v domain.HashVariant, txID string) error {
	_, err := s.update(v, func(e *domain.CorrelationEntry) bool {
		if e.Forwarded || e.State == domain.EntryStateConflicted {
			return false
		}
		e.Forwarded = true
		e.ClaimTxID = txID
		e.PendingTxID = ""
		e.State = domain.EntryStateForwarded
		e.LastError = ""
		return true
	})
	return err
}

// MarkAbandoned stops all forwarding for the entry.
func (s *Store) MarkAbandoned(v domain.HashVariant, reason string) error {
	return s.finish(v, domain.EntryStateAbandoned, reason)
}

// MarkExpired stops forwarding because the claim deadline has passed.
func (s *Store) MarkExpired(v domain.HashVariant) error {
	return s.finish(v, domain.EntryStateExpired, "claim deadline passed")
}

func (s *Store) finish(v domain.HashVariant, state domain.EntryState, reason string) error {
	_, err := s.update(v, func(e *domain.CorrelationEntry) bool {
		if e.State != domain.EntryStateOpen {
			return false
		}
		e.State = state
		e.LastError = reason
		return true
	})
	return err
}

// RecordAttempt counts a failed forwarding attempt.
func (s *Store) RecordAttempt(v domain.HashVariant, cause error) error {
	_, err := s.update(v, func(e *domain.CorrelationEntry) bool {
		e.Attempts++
		if cause != nil {
			e.LastError = cause.Error()
		}
		return true
	})
	return err
}

// RecordSubmission counts an attempt whose claim transaction txID was sent
// but not confirmed. The next attempt follows txID instead of claiming anew.
func (s *Store) RecordSubmission(v domain.HashVariant, txID string, cause error) error {
	_, err := s.update(v, func(e *domain.CorrelationEntry) bool {
		e.Attempts++
		e.PendingTxID = txID
		if cause != nil {
			e.LastError = cause.Error()
		}
		return true
	})
	return err
}

// Cursor returns the saved event position of ledger, or "" if none was saved.
func (s *Store) Cursor(ledger domain.LedgerID) (string, error) {
	raw, err := s.db.Get([]byte(cursorPrefix+string(ledger)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read cursor %s: %w", ledger, err)
	}
	return string(raw), nil
}

// SaveCursor records that every event of ledger up to cursor was handled.
func (s *Store) SaveCursor(ledger domain.LedgerID, cursor string) error {
	if err := s.db.Put([]byte(cursorPrefix+string(ledger)), []byte(cursor), syncWrite); err != nil {
		return fmt.Errorf("write cursor %s: %w", ledger, err)
	}
	return nil
}

// Pending lists entries that could be forwarded now: both sides known, the
// secret revealed, and no final state reached.
func (s *Store) Pending() ([]*domain.CorrelationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()

	var out []*domain.CorrelationEntry
	for it.Next() {
		var e domain.CorrelationEntry
		if err := json.Unmarshal(it.Value(), &e); err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", it.Key(), err)
		}
		if e.State == domain.EntryStateOpen && e.Complete() && e.Secret != "" {
			out = append(out, &e)
		}
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

func (s *Store) update(v domain.HashVariant, fn func(e *domain.CorrelationEntry) bool) (*domain.CorrelationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.resolve(v.Key())
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, v.Key())
	}
	if !fn(e) {
		return e, nil
	}
	if err := s.write(new(leveldb.Batch), e); err != nil {
		return nil, err
	}
	return e, nil
}

// resolve follows the alias for key to its entry. Callers hold s.mu.
func (s *Store) resolve(key string) (*domain.CorrelationEntry, error) {
	id, err := s.db.Get([]byte(aliasPrefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read alias %s: %w", key, err)
	}
	raw, err := s.db.Get([]byte(entryPrefix+string(id)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read entry %s: %w", id, err)
	}
	var e domain.CorrelationEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", id, err)
	}
	return &e, nil
}

// write stores e together with batch in one synced write. Callers hold s.mu.
func (s *Store) write(batch *leveldb.Batch, e *domain.CorrelationEntry) error {
	e.UpdatedAt = s.now()
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", e.ID, err)
	}
	batch.Put([]byte(entryPrefix+e.ID), raw)
	if err := s.db.Write(batch, syncWrite); err != nil {
		return fmt.Errorf("write entry %s: %w", e.ID, err)
	}
	return nil
}
