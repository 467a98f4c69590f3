package lnd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ThorbenD/htlc-relay/domain"
	"github.com/ThorbenD/htlc-relay/settlement"
)

// LndLedger implements settlement.Ledger on top of LND hold invoices.
// An ACCEPTED hold invoice is a locked escrow whose hashlock is the payment
// hash; settling it with the preimage is the claim. Secrets are revealed by
// SETTLED invoices and by SUCCEEDED outgoing payments.
//
// Escrows carry no wall-clock deadline. The earliest held HTLC's expiry
// height is kept in Params["expiry_height"] and checked against the node's
// height when claiming.
type LndLedger struct {
	client settlement.LightningClient
	info   domain.Ledger
	logger *slog.Logger
	now    func() time.Time
}

// NewLndLedger wraps an LND client as a ledger hosting escrows for role.
func NewLndLedger(id domain.LedgerID, role domain.Role, client settlement.LightningClient, logger *slog.Logger) *LndLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &LndLedger{
		client: client,
		info: domain.Ledger{
			ID:        id,
			Kind:      domain.LedgerKindLightning,
			Algorithm: domain.AlgSHA256,
			Role:      role,
		},
		logger: logger.With("ledger", id),
		now:    time.Now,
	}
}

func (l *LndLedger) Info() domain.Ledger {
	return l.info
}

// position is the ledger cursor: the newest invoice settle index and
// payment index delivered. Resuming replays everything after both.
type position struct {
	settle  uint64
	payment uint64
}

func (p position) String() string {
	return fmt.Sprintf("settle=%d;payment=%d", p.settle, p.payment)
}

func parsePosition(s string) (position, error) {
	var p position
	if _, err := fmt.Sscanf(s, "settle=%d;payment=%d", &p.settle, &p.payment); err != nil {
		return p, fmt.Errorf("bad lnd cursor %q: %w", s, err)
	}
	return p, nil
}

// Subscribe merges the invoice and payment streams into ledger events. With
// a cursor, invoices settled and payments finished after it are replayed.
// Invoices held right now are always reported, as their ACCEPTED update may
// have come while no one was subscribed.
func (l *LndLedger) Subscribe(ctx context.Context, from string) (<-chan *settlement.LedgerEvent, <-chan error, error) {
	var (
		pos    position
		err    error
		resume = from != ""
	)
	if resume {
		pos, err = parsePosition(from)
	} else {
		pos.settle, pos.payment, err = l.client.LatestIndexes(ctx)
	}
	if err != nil {
		return nil, nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)

	invoices, invoiceErrs, err := l.client.SubscribeInvoices(subCtx, pos.settle)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("subscribe invoices: %w", err)
	}
	payments, paymentErrs, err := l.client.TrackPayments(subCtx)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("track payments: %w", err)
	}
	held, err := l.client.PendingInvoices(subCtx)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("list pending invoices: %w", err)
	}
	var missed []*settlement.PaymentUpdate
	if resume {
		if missed, err = l.client.ListPayments(subCtx, pos.payment); err != nil {
			cancel()
			return nil, nil, fmt.Errorf("list payments: %w", err)
		}
		l.logger.Info("⚡ [LND] Resuming", "cursor", pos.String(), "held_invoices", len(held), "missed_payments", len(missed))
	}

	events := make(chan *settlement.LedgerEvent)
	errs := make(chan error, 1)

	go func() {
		defer cancel()
		defer close(events)
		defer close(errs)

		emit := func(evs ...*settlement.LedgerEvent) bool {
			for _, ev := range evs {
				ev.Cursor = pos.String()
				select {
				case events <- ev:
				case <-subCtx.Done():
					return false
				}
			}
			return true
		}
		onInvoice := func(u *settlement.InvoiceUpdate) bool {
			pos.settle = max(pos.settle, u.SettleIndex)
			return emit(l.invoiceEvents(u)...)
		}
		onPayment := func(u *settlement.PaymentUpdate) bool {
			pos.payment = max(pos.payment, u.Index)
			return emit(l.paymentEvents(u)...)
		}

		for _, u := range held {
			if !onInvoice(u) {
				return
			}
		}
		for _, u := range missed {
			if !onPayment(u) {
				return
			}
		}
		if !emit(&settlement.LedgerEvent{
			Kind:       settlement.EventCheckpoint,
			Ledger:     l.info.ID,
			ObservedAt: l.now(),
		}) {
			return
		}

		for {
			select {
			case <-subCtx.Done():
				return
			case err, ok := <-invoiceErrs:
				errs <- streamErr("invoice", err, ok)
				return
			case err, ok := <-paymentErrs:
				errs <- streamErr("payment", err, ok)
				return
			case update, ok := <-invoices:
				if !ok {
					errs <- errors.New("invoice stream closed")
					return
				}
				if !onInvoice(update) {
					return
				}
			case update, ok := <-payments:
				if !ok {
					errs <- errors.New("payment stream closed")
					return
				}
				if !onPayment(update) {
					return
				}
			}
		}
	}()

	return events, errs, nil
}

func streamErr(stream string, err error, ok bool) error {
	if !ok || err == nil {
		return fmt.Errorf("%s error stream closed", stream)
	}
	return fmt.Errorf("%s stream: %w", stream, err)
}

// invoiceEvents maps an invoice update to ledger events. A settled invoice
// is reported as Locked then Revealed so that an escrow first seen settled
// is still recorded.
func (l *LndLedger) invoiceEvents(update *settlement.InvoiceUpdate) []*settlement.LedgerEvent {
	hash, err := hex.DecodeString(update.Hash)
	if err != nil {
		l.logger.Warn("⚡ [LND] Skipping invoice with malformed hash", "hash", update.Hash)
		return nil
	}
	hashlock := domain.HashVariant{Algorithm: domain.AlgSHA256, Digest: hash}

	switch update.State {
	case settlement.InvoiceAccepted:
		l.logger.Info("⚡ [LND] Hold invoice ACCEPTED (Locked)", "hash", update.Hash, "amt", update.Amt)
		return []*settlement.LedgerEvent{l.lockEvent(update, hashlock)}

	case settlement.InvoiceSettled:
		reveal := l.revealEvent(hashlock, update.Preimage, "invoice")
		if reveal == nil {
			return nil
		}
		return []*settlement.LedgerEvent{l.lockEvent(update, hashlock), reveal}
	}
	// OPEN and CANCELED carry nothing to relay.
	return nil
}

func (l *LndLedger) lockEvent(update *settlement.InvoiceUpdate, hashlock domain.HashVariant) *settlement.LedgerEvent {
	ref := domain.EscrowRef{
		Ledger:   l.info.ID,
		Locator:  update.Hash,
		Role:     l.info.Role,
		Hashlock: hashlock.Digest,
		Asset:    "BTC",
		Amount:   decimal.NewFromInt(int64(update.Amt)),
		Params: map[string]string{
			"expiry_height": strconv.Itoa(int(update.ExpiryHeight)),
		},
	}
	return &settlement.LedgerEvent{
		Kind:       settlement.EventLocked,
		Ledger:     l.info.ID,
		Hashlock:   hashlock,
		Escrow:     &ref,
		ObservedAt: l.now(),
	}
}

func (l *LndLedger) paymentEvents(update *settlement.PaymentUpdate) []*settlement.LedgerEvent {
	if update.Status != settlement.PaymentSucceeded {
		return nil
	}
	hash, err := hex.DecodeString(update.Hash)
	if err != nil {
		l.logger.Warn("⚡ [LND] Skipping payment with malformed hash", "hash", update.Hash)
		return nil
	}
	if ev := l.revealEvent(domain.HashVariant{Algorithm: domain.AlgSHA256, Digest: hash}, update.Preimage, "payment"); ev != nil {
		return []*settlement.LedgerEvent{ev}
	}
	return nil
}

func (l *LndLedger) revealEvent(hashlock domain.HashVariant, preimage, source string) *settlement.LedgerEvent {
	secret, err := hex.DecodeString(preimage)
	if err != nil || len(secret) == 0 {
		// Only the hash is known; without the preimage there is nothing to verify.
		l.logger.Warn("⚡ [LND] Reveal without preimage, integration gap", "hash", hashlock.Key(), "source", source)
		return nil
	}
	l.logger.Info("⚡ [LND] Preimage revealed", "hash", hashlock.Key(), "source", source)
	return &settlement.LedgerEvent{
		Kind:       settlement.EventRevealed,
		Ledger:     l.info.ID,
		Hashlock:   hashlock,
		Secret:     secret,
		ObservedAt: l.now(),
	}
}

// Claim settles the hold invoice with the secret, unless the node's height
// has reached the expiry of the earliest held HTLC.
func (l *LndLedger) Claim(ctx context.Context, ref domain.EscrowRef, secret domain.Secret) (string, error) {
	if err := l.checkExpiry(ctx, ref); err != nil {
		return "", err
	}

	l.logger.Info("⚡ [LND] Settling hold invoice...", "hash", ref.Locator)
	if err := l.client.SettleInvoice(ctx, secret.Hex()); err != nil {
		return "", classifySettleError(err)
	}

	return "ln_settle_" + ref.Locator, nil
}

func (l *LndLedger) checkExpiry(ctx context.Context, ref domain.EscrowRef) error {
	expiry, err := strconv.ParseUint(ref.Params["expiry_height"], 10, 32)
	if err != nil || expiry == 0 {
		return nil
	}
	info, err := l.client.GetInfo(ctx)
	if err != nil {
		return fmt.Errorf("lnd get info: %w", err)
	}
	if uint64(info.BlockHeight) >= expiry {
		return fmt.Errorf("%w: invoice %s, height %d, htlc expiry %d", settlement.ErrDeadlinePassed, ref.Locator, info.BlockHeight, expiry)
	}
	return nil
}

// classifySettleError maps LND's invoice registry errors onto the settlement taxonomy.
func classifySettleError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already settled"):
		return fmt.Errorf("%w: %v", settlement.ErrAlreadyClaimed, err)
	case strings.Contains(msg, "already canceled"):
		return fmt.Errorf("%w: %v", settlement.ErrRefunded, err)
	case strings.Contains(msg, "unable to locate invoice"):
		return fmt.Errorf("%w: %v", settlement.ErrEscrowNotFound, err)
	case strings.Contains(msg, "preimage does not match"):
		return fmt.Errorf("%w: %v", settlement.ErrHashMismatch, err)
	}
	if code := status.Code(err); code == codes.Unavailable || code == codes.DeadlineExceeded {
		return fmt.Errorf("lnd unavailable (%s): %w", code, err)
	}
	return fmt.Errorf("lnd settle failed: %w", err)
}
