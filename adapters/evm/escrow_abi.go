package evm

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// EscrowABI is the interface of the hash-timelocked escrow contract. One
// escrow per hashlock; the contract hashes the secret with keccak256.
const EscrowABI = `[
	{"type":"event","name":"Locked","anonymous":false,"inputs":[
		{"name":"hashlock","type":"bytes32","indexed":true},
		{"name":"locker","type":"address","indexed":false},
		{"name":"beneficiary","type":"address","indexed":false},
		{"name":"token","type":"address","indexed":false},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"deadline","type":"uint256","indexed":false}]},
	{"type":"event","name":"Claimed","anonymous":false,"inputs":[
		{"name":"hashlock","type":"bytes32","indexed":true},
		{"name":"secret","type":"bytes32","indexed":false}]},
	{"type":"event","name":"Refunded","anonymous":false,"inputs":[
		{"name":"hashlock","type":"bytes32","indexed":true}]},
	{"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[
		{"name":"secret","type":"bytes32"},
		{"name":"params","type":"tuple","components":[
			{"name":"hashlock","type":"bytes32"},
			{"name":"locker","type":"address"},
			{"name":"beneficiary","type":"address"},
			{"name":"token","type":"address"},
			{"name":"amount","type":"uint256"},
			{"name":"deadline","type":"uint256"}]}],
		"outputs":[]},
	{"type":"function","name":"state","stateMutability":"view","inputs":[
		{"name":"hashlock","type":"bytes32"}],
		"outputs":[{"name":"","type":"uint8"}]}
]`

// On-chain escrow states returned by state(bytes32).
const (
	stateNone     uint8 = 0
	stateLocked   uint8 = 1
	stateClaimed  uint8 = 2
	stateRefunded uint8 = 3
)

// EscrowParams mirrors the params tuple of claim. The contract recomputes the
// escrow id from it, so every field must match what was locked.
type EscrowParams struct {
	Hashlock    [32]byte
	Locker      common.Address
	Beneficiary common.Address
	Token       common.Address
	Amount      *big.Int
	Deadline    *big.Int
}

type lockedEvent struct {
	Locker      common.Address
	Beneficiary common.Address
	Token       common.Address
	Amount      *big.Int
	Deadline    *big.Int
}

type claimedEvent struct {
	Secret [32]byte
}

// ParseEscrowABI parses EscrowABI.
func ParseEscrowABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(EscrowABI))
}
