// Package hashes derives every ledger-native hashlock digest from one secret.
//
// The input to every function is exactly the SecretSize raw secret bytes. No
// hex, no length prefix and no ABI padding is applied: an EVM contract hashing
// a bytes32 with abi.encodePacked sees the same 32 bytes. Any component that
// correlates a secret to a hashlock must go through this package.
package hashes

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/blake2b"

	"github.com/ThorbenD/htlc-relay/domain"
)

var (
	ErrInvalidSecret        = errors.New("invalid secret")
	ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")
)

// Supported lists every algorithm in derivation order.
var Supported = []domain.Algorithm{
	domain.AlgSHA256,
	domain.AlgKeccak256,
	domain.AlgBlake2b256,
}

// NewSecret draws a fresh random secret.
func NewSecret() (domain.Secret, error) {
	var s domain.Secret
	if _, err := rand.Read(s[:]); err != nil {
		return s, fmt.Errorf("read random secret: %w", err)
	}
	return s, nil
}

// Digest hashes secret with alg.
func Digest(alg domain.Algorithm, secret domain.Secret) ([]byte, error) {
	switch alg {
	case domain.AlgSHA256:
		sum := sha256.Sum256(secret[:])
		return sum[:], nil
	case domain.AlgKeccak256:
		return crypto.Keccak256(secret[:]), nil
	case domain.AlgBlake2b256:
		sum := blake2b.Sum256(secret[:])
		return sum[:], nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
}

// Variant returns the HashVariant of secret for alg.
func Variant(alg domain.Algorithm, secret domain.Secret) (domain.HashVariant, error) {
	d, err := Digest(alg, secret)
	if err != nil {
		return domain.HashVariant{}, err
	}
	return domain.HashVariant{Algorithm: alg, Digest: d}, nil
}

// DeriveVariants returns one variant per supported algorithm, in Supported order.
func DeriveVariants(secret domain.Secret) []domain.HashVariant {
	out := make([]domain.HashVariant, 0, len(Supported))
	for _, alg := range Supported {
		// Supported only holds algorithms Digest knows.
		v, _ := Variant(alg, secret)
		out = append(out, v)
	}
	return out
}

// DeriveFromBytes validates raw secret bytes before deriving.
func DeriveFromBytes(raw []byte) (domain.Secret, []domain.HashVariant, error) {
	s, err := domain.SecretFromBytes(raw)
	if err != nil {
		return s, nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return s, DeriveVariants(s), nil
}

// Verify reports whether secret opens the hashlock v.
func Verify(v domain.HashVariant, secret domain.Secret) bool {
	d, err := Digest(v.Algorithm, secret)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(d, v.Digest) == 1
}

// LockKey is the key used to serialize all work on the swap that secret opens.
func LockKey(secret domain.Secret) string {
	sum := sha256.Sum256(secret[:])
	return domain.HashVariant{Algorithm: domain.AlgSHA256, Digest: sum[:]}.Key()
}
