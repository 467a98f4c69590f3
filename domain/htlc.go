package domain

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SecretSize is the fixed length of every swap secret in bytes.
const SecretSize = 32

// Secret is the preimage that unlocks both escrows of a swap.
// It is held by the initiating party until it is revealed on-ledger.
type Secret [SecretSize]byte

// SecretFromBytes copies b into a Secret, rejecting anything that is not exactly SecretSize long.
func SecretFromBytes(b []byte) (Secret, error) {
	var s Secret
	if len(b) != SecretSize {
		return s, fmt.Errorf("secret must be %d bytes, got %d", SecretSize, len(b))
	}
	copy(s[:], b)
	return s, nil
}

// SecretFromHex decodes a hex encoded secret.
func SecretFromHex(h string) (Secret, error) {
	b, err := hex.DecodeString(h)
	if err != nil {
		return Secret{}, fmt.Errorf("invalid secret hex: %w", err)
	}
	return SecretFromBytes(b)
}

func (s Secret) Hex() string {
	return hex.EncodeToString(s[:])
}

// Algorithm names a ledger-native hash function.
type Algorithm string

const (
	AlgSHA256     Algorithm = "sha256"
	AlgKeccak256  Algorithm = "keccak256"
	AlgBlake2b256 Algorithm = "blake2b256"
)

// HashVariant is one ledger-native digest of a Secret.
type HashVariant struct {
	Algorithm Algorithm `json:"algorithm"`
	Digest    []byte    `json:"digest"`
}

// Key is the hex form of the digest, prefixed by the algorithm so that equal
// digests under different functions never share a key.
func (v HashVariant) Key() string {
	return string(v.Algorithm) + "/" + hex.EncodeToString(v.Digest)
}

func (v HashVariant) String() string {
	return v.Key()
}

// Role tells which side of the swap an escrow is on.
type Role string

const (
	RoleSource      Role = "SOURCE"
	RoleDestination Role = "DESTINATION"
)

// Counterpart returns the opposite role.
func (r Role) Counterpart() Role {
	if r == RoleSource {
		return RoleDestination
	}
	return RoleSource
}

// EscrowRef identifies one concrete escrow instance on one ledger.
// It never changes after the lock is observed; everything a ledger needs to
// build its claim call must be derivable from it.
type EscrowRef struct {
	Ledger      LedgerID          `json:"ledger"`
	Locator     string            `json:"locator"` // contract address, payment hash, object id
	Role        Role              `json:"role"`
	Hashlock    []byte            `json:"hashlock"`
	Deadline    time.Time         `json:"deadline"`
	Locker      string            `json:"locker,omitempty"`
	Beneficiary string            `json:"beneficiary,omitempty"`
	Asset       string            `json:"asset,omitempty"`
	Amount      decimal.Decimal   `json:"amount"` // smallest unit of Asset
	Params      map[string]string `json:"params,omitempty"`
}

// Equal reports whether two refs describe the same escrow. Deadline and
// Params are left out: they are observations (a settled Lightning invoice no
// longer holds the HTLC that gave its expiry height, an EVM log may be
// re-delivered from another block) and differ between sightings of one escrow.
func (r EscrowRef) Equal(o EscrowRef) bool {
	if r.Ledger != o.Ledger || r.Locator != o.Locator || r.Role != o.Role {
		return false
	}
	if !bytes.Equal(r.Hashlock, o.Hashlock) || !r.Amount.Equal(o.Amount) {
		return false
	}
	return r.Locker == o.Locker && r.Beneficiary == o.Beneficiary && r.Asset == o.Asset
}

// Expired reports whether the escrow can no longer be claimed at now.
// A zero deadline never expires.
func (r EscrowRef) Expired(now time.Time) bool {
	return !r.Deadline.IsZero() && !now.Before(r.Deadline)
}

// EscrowStatus is the ledger-owned lifecycle of an escrow. Observed, never mutated here.
type EscrowStatus string

const (
	EscrowStatusLocked   EscrowStatus = "LOCKED"
	EscrowStatusClaimed  EscrowStatus = "CLAIMED"
	EscrowStatusRefunded EscrowStatus = "REFUNDED"
)

// Terminal reports whether no further claim or refund is possible.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowStatusClaimed || s == EscrowStatusRefunded
}
