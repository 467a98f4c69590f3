package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/ThorbenD/htlc-relay/domain"
	"github.com/ThorbenD/htlc-relay/settlement"
)

// Backend is what the EVM ledger needs from a node connection.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// DefaultLogRange is the widest block range asked of FilterLogs at once.
const DefaultLogRange = 2000

// Config describes one EVM escrow deployment.
type Config struct {
	ID            domain.LedgerID
	Role          domain.Role
	Escrow        common.Address
	Confirmations int
	// StartBlock is where the first run without a saved cursor starts
	// reading logs. Zero starts at the head.
	StartBlock uint64
	LogRange   uint64
}

// EvmLedger implements settlement.Ledger for the keccak256 escrow contract.
type EvmLedger struct {
	cfg      Config
	backend  Backend
	signer   *bind.TransactOpts
	monitor  settlement.ChainMonitor
	abi      abi.ABI
	contract *bind.BoundContract
	logger   *slog.Logger
}

// NewEvmLedger binds the escrow contract at cfg.Escrow.
func NewEvmLedger(cfg Config, backend Backend, signer *bind.TransactOpts, monitor settlement.ChainMonitor, logger *slog.Logger) (*EvmLedger, error) {
	parsed, err := ParseEscrowABI()
	if err != nil {
		return nil, fmt.Errorf("parse escrow abi: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Confirmations <= 0 {
		cfg.Confirmations = 1
	}
	if cfg.LogRange == 0 {
		cfg.LogRange = DefaultLogRange
	}
	return &EvmLedger{
		cfg:      cfg,
		backend:  backend,
		signer:   signer,
		monitor:  monitor,
		abi:      parsed,
		contract: bind.NewBoundContract(cfg.Escrow, parsed, backend, backend, backend),
		logger:   logger.With("ledger", cfg.ID),
	}, nil
}

func (l *EvmLedger) Info() domain.Ledger {
	return domain.Ledger{
		ID:        l.cfg.ID,
		Kind:      domain.LedgerKindEVM,
		Algorithm: domain.AlgKeccak256,
		Role:      l.cfg.Role,
	}
}

// Subscribe streams Locked and Claimed logs of the escrow contract. Logs from
// block from onwards are fetched with FilterLogs before the checkpoint; with
// no cursor the backfill starts at Config.StartBlock, or not at all. The
// cursor of every event is its block number, and resuming re-reads that block.
func (l *EvmLedger) Subscribe(ctx context.Context, from string) (<-chan *settlement.LedgerEvent, <-chan error, error) {
	query := l.query()
	logs := make(chan types.Log, 64)
	// Subscribe before reading the head so no block falls between backfill and live logs.
	sub, err := l.backend.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe escrow logs: %w", err)
	}
	head, err := l.backend.BlockNumber(ctx)
	if err != nil {
		sub.Unsubscribe()
		return nil, nil, fmt.Errorf("read head: %w", err)
	}
	start, checkpoint, err := l.backfillRange(from, head)
	if err != nil {
		sub.Unsubscribe()
		return nil, nil, err
	}

	events := make(chan *settlement.LedgerEvent)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)
		defer sub.Unsubscribe()

		send := func(ev *settlement.LedgerEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if start <= head {
			l.logger.Info("🔷 [EVM] Replaying escrow logs", "from_block", start, "to_block", head)
			if err := l.backfill(ctx, query, start, head, send); err != nil {
				if ctx.Err() == nil {
					errs <- err
				}
				return
			}
		}
		if !send(&settlement.LedgerEvent{
			Kind:       settlement.EventCheckpoint,
			Ledger:     l.cfg.ID,
			Cursor:     strconv.FormatUint(checkpoint, 10),
			ObservedAt: time.Now(),
		}) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				if err == nil {
					err = errors.New("log subscription closed")
				}
				errs <- err
				return
			case lg := <-logs:
				if lg.BlockNumber <= head {
					continue
				}
				if ev := l.event(lg); ev != nil && !send(ev) {
					return
				}
			}
		}
	}()

	return events, errs, nil
}

func (l *EvmLedger) query() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{l.cfg.Escrow},
		Topics: [][]common.Hash{{
			l.abi.Events["Locked"].ID,
			l.abi.Events["Claimed"].ID,
		}},
	}
}

// backfillRange returns the first block to replay and the cursor of the
// checkpoint that follows the replay. start > head means nothing to replay.
func (l *EvmLedger) backfillRange(from string, head uint64) (start, checkpoint uint64, err error) {
	checkpoint = head
	switch {
	case from != "":
		start, err = strconv.ParseUint(from, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("evm ledger %s: bad cursor %q: %w", l.cfg.ID, from, err)
		}
		if start > head {
			// The node is behind the block we already handled.
			checkpoint = start
		}
	case l.cfg.StartBlock > 0:
		start = l.cfg.StartBlock
	default:
		start = head + 1
	}
	return start, checkpoint, nil
}

// backfill fetches escrow logs of blocks [start, head] in LogRange chunks.
func (l *EvmLedger) backfill(ctx context.Context, query ethereum.FilterQuery, start, head uint64, send func(*settlement.LedgerEvent) bool) error {
	for lo := start; lo <= head; lo += l.cfg.LogRange {
		hi := min(lo+l.cfg.LogRange-1, head)
		q := query
		q.FromBlock = new(big.Int).SetUint64(lo)
		q.ToBlock = new(big.Int).SetUint64(hi)
		logs, err := l.backend.FilterLogs(ctx, q)
		if err != nil {
			return fmt.Errorf("filter escrow logs %d-%d: %w", lo, hi, err)
		}
		for _, lg := range logs {
			if ev := l.event(lg); ev != nil && !send(ev) {
				return ctx.Err()
			}
		}
	}
	return nil
}

// event decodes lg and stamps it with its block cursor. Undecodable and
// removed logs yield nil.
func (l *EvmLedger) event(lg types.Log) *settlement.LedgerEvent {
	ev, err := l.decodeLog(lg)
	if err != nil {
		l.logger.Warn("🔷 [EVM] Skipping undecodable escrow log", "tx_id", lg.TxHash.Hex(), "error", err)
		return nil
	}
	if ev != nil {
		ev.Cursor = strconv.FormatUint(lg.BlockNumber, 10)
	}
	return ev
}

// decodeLog turns an escrow log into a ledger event. Removed (reorged) logs yield nil.
func (l *EvmLedger) decodeLog(lg types.Log) (*settlement.LedgerEvent, error) {
	if lg.Removed {
		return nil, nil
	}
	if len(lg.Topics) < 2 {
		return nil, fmt.Errorf("expected hashlock topic, got %d topics", len(lg.Topics))
	}
	hashlock := domain.HashVariant{Algorithm: domain.AlgKeccak256, Digest: lg.Topics[1].Bytes()}

	switch lg.Topics[0] {
	case l.abi.Events["Locked"].ID:
		var data lockedEvent
		if err := l.abi.UnpackIntoInterface(&data, "Locked", lg.Data); err != nil {
			return nil, fmt.Errorf("unpack Locked: %w", err)
		}
		ref := domain.EscrowRef{
			Ledger:      l.cfg.ID,
			Locator:     l.cfg.Escrow.Hex(),
			Role:        l.cfg.Role,
			Hashlock:    hashlock.Digest,
			Deadline:    time.Unix(data.Deadline.Int64(), 0).UTC(),
			Locker:      data.Locker.Hex(),
			Beneficiary: data.Beneficiary.Hex(),
			Asset:       data.Token.Hex(),
			Amount:      decimal.NewFromBigInt(data.Amount, 0),
			Params: map[string]string{
				"block": strconv.FormatUint(lg.BlockNumber, 10),
			},
		}
		l.logger.Info("🔷 [EVM] Escrow Locked", "hashlock", hashlock.Key(), "tx_id", lg.TxHash.Hex())
		return &settlement.LedgerEvent{
			Kind:       settlement.EventLocked,
			Ledger:     l.cfg.ID,
			Hashlock:   hashlock,
			Escrow:     &ref,
			TxID:       lg.TxHash.Hex(),
			ObservedAt: time.Now(),
		}, nil

	case l.abi.Events["Claimed"].ID:
		var data claimedEvent
		if err := l.abi.UnpackIntoInterface(&data, "Claimed", lg.Data); err != nil {
			return nil, fmt.Errorf("unpack Claimed: %w", err)
		}
		l.logger.Info("🔷 [EVM] Secret revealed", "hashlock", hashlock.Key(), "tx_id", lg.TxHash.Hex())
		return &settlement.LedgerEvent{
			Kind:       settlement.EventRevealed,
			Ledger:     l.cfg.ID,
			Hashlock:   hashlock,
			Secret:     append([]byte(nil), data.Secret[:]...),
			TxID:       lg.TxHash.Hex(),
			ObservedAt: time.Now(),
		}, nil
	}
	return nil, nil
}

// Claim submits claim(secret, params) after checking the escrow can still be
// claimed. A claim that was sent but not confirmed in time is reported as a
// *settlement.ClaimPendingError carrying its hash; follow it with ResumeClaim.
func (l *EvmLedger) Claim(ctx context.Context, ref domain.EscrowRef, secret domain.Secret) (string, error) {
	params, err := paramsFromRef(ref)
	if err != nil {
		return "", err
	}
	if err := l.preflight(ctx, params); err != nil {
		return "", err
	}
	txID, err := l.submit(ctx, params, secret)
	if err != nil {
		return "", err
	}
	return l.confirm(ctx, params, txID)
}

// ResumeClaim implements settlement.ClaimResumer. It waits for the earlier
// claim txID and only sends a new one when the node no longer knows txID or
// it reverted while the escrow is still locked.
func (l *EvmLedger) ResumeClaim(ctx context.Context, ref domain.EscrowRef, secret domain.Secret, txID string) (string, error) {
	params, err := paramsFromRef(ref)
	if err != nil {
		return "", err
	}
	_, _, err = l.backend.TransactionByHash(ctx, common.HexToHash(txID))
	switch {
	case errors.Is(err, ethereum.NotFound):
		l.logger.Warn("🔷 [EVM] Earlier claim dropped, sending again", "tx_id", txID)
		return l.Claim(ctx, ref, secret)
	case err != nil:
		return "", &settlement.ClaimPendingError{TxID: txID, Cause: fmt.Errorf("look up claim: %w", err)}
	}

	confirmed, err := l.confirm(ctx, params, txID)
	if errors.Is(err, ErrReverted) {
		l.logger.Warn("🔷 [EVM] Earlier claim reverted, sending again", "tx_id", txID)
		return l.Claim(ctx, ref, secret)
	}
	return confirmed, err
}

func (l *EvmLedger) submit(ctx context.Context, params EscrowParams, secret domain.Secret) (string, error) {
	opts := *l.signer
	opts.Context = ctx
	tx, err := l.contract.Transact(&opts, "claim", [32]byte(secret), params)
	if err != nil {
		return "", fmt.Errorf("submit claim: %w", err)
	}
	txID := tx.Hash().Hex()
	l.logger.Info("🔷 [EVM] Claim submitted", "hashlock", common.Hash(params.Hashlock).Hex(), "tx_id", txID)
	return txID, nil
}

// confirm waits for txID. Anything short of a revert leaves the claim pending.
func (l *EvmLedger) confirm(ctx context.Context, params EscrowParams, txID string) (string, error) {
	err := l.monitor.WaitForConfirmations(ctx, txID, l.cfg.Confirmations)
	if err == nil {
		return txID, nil
	}
	if ctx.Err() != nil || !errors.Is(err, ErrReverted) {
		return "", &settlement.ClaimPendingError{TxID: txID, Cause: err}
	}
	// Lost a race with another claimer or the deadline; the state tells which.
	if perr := l.preflight(ctx, params); perr != nil {
		return "", perr
	}
	return "", fmt.Errorf("claim %s: %w", txID, err)
}

// preflight maps the on-chain escrow state and deadline onto settlement errors.
func (l *EvmLedger) preflight(ctx context.Context, params EscrowParams) error {
	var out []interface{}
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, "state", params.Hashlock); err != nil {
		return fmt.Errorf("read escrow state: %w", err)
	}
	if len(out) != 1 {
		return fmt.Errorf("read escrow state: unexpected %d outputs", len(out))
	}
	state, ok := out[0].(uint8)
	if !ok {
		return fmt.Errorf("read escrow state: unexpected type %T", out[0])
	}
	if err := stateError(state); err != nil {
		return err
	}

	head, err := l.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("read head: %w", err)
	}
	if params.Deadline.Sign() > 0 && new(big.Int).SetUint64(head.Time).Cmp(params.Deadline) >= 0 {
		return fmt.Errorf("%w: head time %d, deadline %s", settlement.ErrDeadlinePassed, head.Time, params.Deadline)
	}
	return nil
}

func stateError(state uint8) error {
	switch state {
	case stateLocked:
		return nil
	case stateClaimed:
		return settlement.ErrAlreadyClaimed
	case stateRefunded:
		return settlement.ErrRefunded
	case stateNone:
		return settlement.ErrEscrowNotFound
	}
	return fmt.Errorf("unknown escrow state %d", state)
}

// paramsFromRef rebuilds the claim tuple from a recorded Locked event.
func paramsFromRef(ref domain.EscrowRef) (EscrowParams, error) {
	var p EscrowParams
	if len(ref.Hashlock) != 32 {
		return p, fmt.Errorf("escrow %s: hashlock must be 32 bytes", ref.Locator)
	}
	for _, a := range []string{ref.Locker, ref.Beneficiary, ref.Asset} {
		if !common.IsHexAddress(a) {
			return p, fmt.Errorf("escrow %s: invalid address %q", ref.Locator, a)
		}
	}
	if ref.Amount.Sign() < 0 || !ref.Amount.Equal(ref.Amount.Truncate(0)) {
		return p, fmt.Errorf("escrow %s: amount %s is not a base-unit integer", ref.Locator, ref.Amount)
	}
	copy(p.Hashlock[:], ref.Hashlock)
	p.Locker = common.HexToAddress(ref.Locker)
	p.Beneficiary = common.HexToAddress(ref.Beneficiary)
	p.Token = common.HexToAddress(ref.Asset)
	p.Amount = ref.Amount.BigInt()
	p.Deadline = big.NewInt(0)
	if !ref.Deadline.IsZero() {
		p.Deadline = big.NewInt(ref.Deadline.Unix())
	}
	return p, nil
}
