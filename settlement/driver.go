package settlement

import (
	"context"

	"github.com/ThorbenD/htlc-relay/domain"
)

// Ledger is the chain-agnostic port for one escrow ledger.
// Implementations include EVM escrow contracts (keccak256 hashlocks) and
// Lightning hold invoices (sha256 hashlocks). The coordinator talks ONLY to
// this interface, never to a chain client directly.
type Ledger interface {
	// Info describes the ledger: its id, native hash function and the role
	// of the escrows it hosts.
	Info() domain.Ledger

	// Subscribe opens a stream of lock and reveal events. Events after the
	// position from are replayed first, followed by an EventCheckpoint, then
	// live events. An empty from starts at the current head. Both channels
	// are closed when the stream ends; an error on the error channel means
	// the subscription dropped and the caller should resubscribe.
	Subscribe(ctx context.Context, from string) (<-chan *LedgerEvent, <-chan error, error)

	// Claim presents secret to the escrow identified by ref. Everything the
	// ledger needs for its claim call is taken from ref. Ledger rejections are
	// reported with the sentinel errors in this package.
	Claim(ctx context.Context, ref domain.EscrowRef, secret domain.Secret) (txID string, err error)
}

// ClaimResumer is implemented by ledgers whose claims can outlive a single
// Claim call. ResumeClaim follows the earlier submission txID and submits a
// new claim only when that one can no longer succeed.
type ClaimResumer interface {
	ResumeClaim(ctx context.Context, ref domain.EscrowRef, secret domain.Secret, txID string) (string, error)
}

// CursorStore keeps the position each ledger's events were handled up to.
type CursorStore interface {
	Cursor(ledger domain.LedgerID) (string, error)
	SaveCursor(ledger domain.LedgerID, cursor string) error
}
