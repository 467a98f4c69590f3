package domain

// LedgerID names one configured ledger, e.g. "sepolia" or "lnd-regtest".
type LedgerID string

// LedgerKind classifies the settlement layer behind a ledger.
type LedgerKind string

const (
	LedgerKindEVM       LedgerKind = "EVM"
	LedgerKindLightning LedgerKind = "LIGHTNING"
	LedgerKindMock      LedgerKind = "MOCK"
)

// Ledger is the identity of a ledger the relayer talks to.
// This is strictly identity metadata; it carries no connection state.
type Ledger struct {
	ID        LedgerID
	Kind      LedgerKind
	Algorithm Algorithm
	// Role of the escrows this ledger hosts for the swaps being relayed.
	Role Role
}
