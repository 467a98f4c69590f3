package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ReceiptBackend is the slice of a node connection the monitor polls.
type ReceiptBackend interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EvmChainMonitor implements settlement.ChainMonitor by polling receipts.
type EvmChainMonitor struct {
	backend      ReceiptBackend
	pollInterval time.Duration
}

// NewEvmChainMonitor creates a monitor polling every pollInterval (default 2s).
func NewEvmChainMonitor(backend ReceiptBackend, pollInterval time.Duration) *EvmChainMonitor {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &EvmChainMonitor{backend: backend, pollInterval: pollInterval}
}

// ErrReverted is returned when the transaction was mined but failed.
var ErrReverted = errors.New("transaction reverted")

// WaitForConfirmations blocks until the transaction has at least minConfs confirmations.
func (m *EvmChainMonitor) WaitForConfirmations(ctx context.Context, txid string, minConfs int) error {
	slog.Debug("⛓️  ChainMonitor: waiting for confirmations", "tx_id", txid, "confs", minConfs)

	hash := common.HexToHash(txid)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		done, err := m.check(ctx, hash, minConfs)
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *EvmChainMonitor) check(ctx context.Context, hash common.Hash, minConfs int) (bool, error) {
	receipt, err := m.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fetch receipt %s: %w", hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return false, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
	}
	if minConfs <= 1 {
		return true, nil
	}
	head, err := m.backend.BlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("fetch head: %w", err)
	}
	mined := receipt.BlockNumber.Uint64()
	return head >= mined && head-mined+1 >= uint64(minConfs), nil
}
