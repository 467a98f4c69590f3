package settlement

import (
	"context"
)

// NodeInfo contains basic information about a Lightning Node.
type NodeInfo struct {
	Pubkey      string
	Alias       string
	Network     string
	Synced      bool
	BlockHeight uint32
}

// LightningClient defines the subset of the LND API the Lightning ledger needs.
type LightningClient interface {
	GetInfo(ctx context.Context) (*NodeInfo, error)
	SettleInvoice(ctx context.Context, preimage string) error

	// SubscribeInvoices streams invoice changes, first replaying every
	// invoice settled after settleIndex.
	SubscribeInvoices(ctx context.Context, settleIndex uint64) (<-chan *InvoiceUpdate, <-chan error, error)
	// PendingInvoices lists invoices that are not settled or canceled yet.
	PendingInvoices(ctx context.Context) ([]*InvoiceUpdate, error)

	TrackPayments(ctx context.Context) (<-chan *PaymentUpdate, <-chan error, error)
	// ListPayments returns finished payments with an index above afterIndex,
	// oldest first.
	ListPayments(ctx context.Context, afterIndex uint64) ([]*PaymentUpdate, error)

	// LatestIndexes returns the newest invoice settle index and payment index.
	LatestIndexes(ctx context.Context) (settle, payment uint64, err error)
}

// Invoice states as reported by LND.
const (
	InvoiceOpen     = "OPEN"
	InvoiceAccepted = "ACCEPTED"
	InvoiceSettled  = "SETTLED"
	InvoiceCanceled = "CANCELED"
)

// Payment states as reported by LND.
const (
	PaymentInFlight  = "IN_FLIGHT"
	PaymentSucceeded = "SUCCEEDED"
	PaymentFailed    = "FAILED"
)

type InvoiceUpdate struct {
	Hash     string // hex
	State    string // OPEN, SETTLED, CANCELED, ACCEPTED
	Amt      uint64
	Preimage string // hex, only once SETTLED
	Memo     string

	// ExpiryHeight is the lowest expiry height of the HTLCs held by the invoice.
	ExpiryHeight int32
	// SettleIndex orders settled invoices; zero until SETTLED.
	SettleIndex uint64
}

type PaymentUpdate struct {
	Hash     string // hex
	Preimage string // hex, only once SUCCEEDED
	Status   string
	AmtSat   uint64
	Index    uint64 // payment index, assigned when the payment was created
}
