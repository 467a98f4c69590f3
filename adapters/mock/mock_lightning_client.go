package mock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/ThorbenD/htlc-relay/settlement"
)

// MockLightningClient implements settlement.LightningClient for testing the
// Lightning ledger without an LND node. Invoices are keyed by payment hash.
// Settled invoices and finished payments are numbered from 1 like LND's
// settle and payment indexes.
type MockLightningClient struct {
	mu          sync.Mutex
	invoices    map[string]*settlement.InvoiceUpdate
	added       []string
	settled     []settlement.InvoiceUpdate
	payments    []settlement.PaymentUpdate
	blockHeight uint32
	settleErr   error

	invoiceSubs []chan *settlement.InvoiceUpdate
	paymentSubs []chan *settlement.PaymentUpdate
}

func NewMockLightningClient(blockHeight uint32) *MockLightningClient {
	return &MockLightningClient{
		invoices:    make(map[string]*settlement.InvoiceUpdate),
		blockHeight: blockHeight,
	}
}

func (m *MockLightningClient) GetInfo(ctx context.Context) (*settlement.NodeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &settlement.NodeInfo{
		Pubkey:      "02mock",
		Alias:       "mock-lnd",
		Network:     "regtest",
		Synced:      true,
		BlockHeight: m.blockHeight,
	}, nil
}

// SetBlockHeight moves the node's chain tip.
func (m *MockLightningClient) SetBlockHeight(h uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockHeight = h
}

// AcceptHoldInvoice simulates a payer locking an HTLC into a hold invoice.
func (m *MockLightningClient) AcceptHoldInvoice(hash string, amt uint64, expiryHeight int32) {
	m.mu.Lock()
	inv := &settlement.InvoiceUpdate{
		Hash:         hash,
		State:        settlement.InvoiceAccepted,
		Amt:          amt,
		ExpiryHeight: expiryHeight,
	}
	if _, ok := m.invoices[hash]; !ok {
		m.added = append(m.added, hash)
	}
	m.invoices[hash] = inv
	m.mu.Unlock()
	m.publishInvoice(*inv)
}

// CancelInvoice simulates the hold invoice being canceled (refund).
func (m *MockLightningClient) CancelInvoice(hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv, ok := m.invoices[hash]; ok {
		inv.State = settlement.InvoiceCanceled
	}
}

// SetSettleError makes every SettleInvoice call fail with err until cleared.
func (m *MockLightningClient) SetSettleError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settleErr = err
}

func (m *MockLightningClient) SettleInvoice(ctx context.Context, preimage string) error {
	b, err := hex.DecodeString(preimage)
	if err != nil {
		return fmt.Errorf("invalid preimage: %v", err)
	}
	sum := sha256.Sum256(b)
	hash := hex.EncodeToString(sum[:])

	m.mu.Lock()
	if m.settleErr != nil {
		err := m.settleErr
		m.mu.Unlock()
		return err
	}
	inv, ok := m.invoices[hash]
	if !ok {
		m.mu.Unlock()
		return errors.New("rpc error: code = Unknown desc = unable to locate invoice")
	}
	switch inv.State {
	case settlement.InvoiceSettled:
		m.mu.Unlock()
		return errors.New("rpc error: code = Unknown desc = invoice already settled")
	case settlement.InvoiceCanceled:
		m.mu.Unlock()
		return errors.New("rpc error: code = Unknown desc = invoice already canceled")
	}
	inv.State = settlement.InvoiceSettled
	inv.Preimage = preimage
	inv.SettleIndex = uint64(len(m.settled) + 1)
	update := *inv
	m.settled = append(m.settled, update)
	m.mu.Unlock()

	m.publishInvoice(update)
	return nil
}

// CompletePayment simulates an outgoing payment succeeding, which reveals preimage.
func (m *MockLightningClient) CompletePayment(hash, preimage string, amt uint64) {
	m.mu.Lock()
	p := settlement.PaymentUpdate{
		Hash:     hash,
		Preimage: preimage,
		Status:   settlement.PaymentSucceeded,
		AmtSat:   amt,
		Index:    uint64(len(m.payments) + 1),
	}
	m.payments = append(m.payments, p)
	subs := append([]chan *settlement.PaymentUpdate(nil), m.paymentSubs...)
	m.mu.Unlock()
	for _, ch := range subs {
		u := p
		ch <- &u
	}
}

func (m *MockLightningClient) SubscribeInvoices(ctx context.Context, settleIndex uint64) (<-chan *settlement.InvoiceUpdate, <-chan error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var replay []settlement.InvoiceUpdate
	if settleIndex < uint64(len(m.settled)) {
		replay = m.settled[settleIndex:]
	}
	ch := make(chan *settlement.InvoiceUpdate, 64+len(replay))
	for _, u := range replay {
		ch <- &u
	}
	m.invoiceSubs = append(m.invoiceSubs, ch)
	return ch, make(chan error, 1), nil
}

func (m *MockLightningClient) PendingInvoices(ctx context.Context) ([]*settlement.InvoiceUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*settlement.InvoiceUpdate
	for _, hash := range m.added {
		inv := *m.invoices[hash]
		if inv.State == settlement.InvoiceOpen || inv.State == settlement.InvoiceAccepted {
			out = append(out, &inv)
		}
	}
	return out, nil
}

func (m *MockLightningClient) ListPayments(ctx context.Context, afterIndex uint64) ([]*settlement.PaymentUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*settlement.PaymentUpdate
	for i := range m.payments {
		if m.payments[i].Index > afterIndex {
			p := m.payments[i]
			out = append(out, &p)
		}
	}
	return out, nil
}

func (m *MockLightningClient) LatestIndexes(ctx context.Context) (uint64, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.settled)), uint64(len(m.payments)), nil
}

func (m *MockLightningClient) TrackPayments(ctx context.Context) (<-chan *settlement.PaymentUpdate, <-chan error, error) {
	ch := make(chan *settlement.PaymentUpdate, 64)
	m.mu.Lock()
	m.paymentSubs = append(m.paymentSubs, ch)
	m.mu.Unlock()
	return ch, make(chan error, 1), nil
}

func (m *MockLightningClient) publishInvoice(inv settlement.InvoiceUpdate) {
	m.mu.Lock()
	subs := append([]chan *settlement.InvoiceUpdate(nil), m.invoiceSubs...)
	m.mu.Unlock()
	for _, ch := range subs {
		u := inv
		ch <- &u
	}
}
