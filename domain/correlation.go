package domain

import "time"

// EntryState is the relayer's own view of a correlated swap.
type EntryState string

const (
	EntryStateOpen       EntryState = "OPEN"
	EntryStateForwarded  EntryState = "FORWARDED"
	EntryStateAbandoned  EntryState = "ABANDONED"
	EntryStateExpired    EntryState = "EXPIRED"
	EntryStateConflicted EntryState = "CONFLICTED"
)

// Final reports whether the relayer will never act on the entry again.
func (s EntryState) Final() bool {
	return s != EntryStateOpen
}

// CorrelationEntry links the two escrows of one swap through every hash
// variant of their shared secret.
type CorrelationEntry struct {
	ID          string        `json:"id"`
	Variants    []HashVariant `json:"variants"`
	Source      *EscrowRef    `json:"source,omitempty"`
	Destination *EscrowRef    `json:"destination,omitempty"`
	State       EntryState    `json:"state"`
	Forwarded   bool          `json:"forwarded"`
	ClaimTxID   string        `json:"claim_tx_id,omitempty"`

	// PendingTxID is a claim transaction sent but not yet confirmed.
	PendingTxID string `json:"pending_tx_id,omitempty"`

	// Secret is cached once revealed on any ledger; revealed secrets are public.
	Secret     string   `json:"secret,omitempty"`
	RevealedOn LedgerID `json:"revealed_on,omitempty"`

	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Complete reports whether both sides of the swap are known.
func (e *CorrelationEntry) Complete() bool {
	return e.Source != nil && e.Destination != nil
}

// Ref returns the escrow recorded for role, or nil.
func (e *CorrelationEntry) Ref(role Role) *EscrowRef {
	if role == RoleSource {
		return e.Source
	}
	return e.Destination
}

// CounterpartOf returns the escrow that is not on ledger, i.e. the claim target
// for a secret revealed on ledger. Nil when that side is not known yet or when
// ledger hosts neither escrow.
func (e *CorrelationEntry) CounterpartOf(ledger LedgerID) *EscrowRef {
	switch {
	case e.Source != nil && e.Source.Ledger == ledger:
		return e.Destination
	case e.Destination != nil && e.Destination.Ledger == ledger:
		return e.Source
	}
	return nil
}

// HasVariant reports whether key is one of the entry's variant keys.
func (e *CorrelationEntry) HasVariant(key string) bool {
	for _, v := range e.Variants {
		if v.Key() == key {
			return true
		}
	}
	return false
}
