package settlement

import (
	"time"

	"github.com/ThorbenD/htlc-relay/domain"
)

type EventKind string

const (
	// EventLocked: a new escrow was funded on the ledger.
	EventLocked EventKind = "LOCKED"
	// EventRevealed: an escrow was claimed and the secret is now public.
	EventRevealed EventKind = "REVEALED"
	// EventCheckpoint: no escrow activity, only a position the ledger has
	// fully delivered up to. Emitted after a backfill.
	EventCheckpoint EventKind = "CHECKPOINT"
)

// LedgerEvent is a single decoded escrow event.
type LedgerEvent struct {
	Kind   EventKind
	Ledger domain.LedgerID

	// Hashlock is the ledger-native digest the event refers to. Set for
	// EventLocked; optional for EventRevealed.
	Hashlock domain.HashVariant

	// Escrow is set for EventLocked.
	Escrow *domain.EscrowRef

	// Secret holds the raw revealed bytes for EventRevealed. A reveal without
	// a secret cannot be validated and is never forwarded.
	Secret []byte

	// Cursor is the ledger position of the event. Subscribing again from it
	// delivers everything after this event, possibly including the event itself.
	// Empty when the ledger cannot resume.
	Cursor string

	TxID       string
	ObservedAt time.Time
}
