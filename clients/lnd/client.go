package lnd

import (
	"cmp"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"slices"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"gopkg.in/macaroon.v2"

	"github.com/ThorbenD/htlc-relay/settlement"
)

// Client implements settlement.LightningClient over an authenticated
// lnrpc connection. One gRPC connection backs all three services.
type Client struct {
	ln       lnrpc.LightningClient
	router   routerrpc.RouterClient
	invoices invoicesrpc.InvoicesClient
	conn     *grpc.ClientConn
}

// Config names the node endpoint and the credentials used to reach it.
type Config struct {
	Host         string
	TLSCertPath  string
	MacaroonPath string
}

// NewClient dials the node at cfg.Host. Dialing is lazy; the first RPC
// surfaces connectivity problems.
func NewClient(cfg Config) (*Client, error) {
	opts, err := dialOptions(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := grpc.Dial(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("lnd: dial %s: %w", cfg.Host, err)
	}
	return &Client{
		ln:       lnrpc.NewLightningClient(conn),
		router:   routerrpc.NewRouterClient(conn),
		invoices: invoicesrpc.NewInvoicesClient(conn),
		conn:     conn,
	}, nil
}

func dialOptions(cfg Config) ([]grpc.DialOption, error) {
	tlsCreds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("lnd: tls cert %s: %w", cfg.TLSCertPath, err)
	}
	raw, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("lnd: macaroon %s: %w", cfg.MacaroonPath, err)
	}
	var mac macaroon.Macaroon
	if err := mac.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("lnd: decode macaroon: %w", err)
	}
	macCreds, err := macaroons.NewMacaroonCredential(&mac)
	if err != nil {
		return nil, fmt.Errorf("lnd: macaroon credential: %w", err)
	}
	return []grpc.DialOption{
		grpc.WithTransportCredentials(tlsCreds),
		grpc.WithPerRPCCredentials(macCreds),
	}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// GetInfo returns basic information about the connected LND node.
func (c *Client) GetInfo(ctx context.Context) (*settlement.NodeInfo, error) {
	resp, err := c.ln.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return nil, err
	}
	info := &settlement.NodeInfo{
		Pubkey:      resp.IdentityPubkey,
		Alias:       resp.Alias,
		Synced:      resp.SyncedToChain,
		BlockHeight: resp.BlockHeight,
	}
	if len(resp.Chains) > 0 {
		info.Network = resp.Chains[0].Network
	}
	return info, nil
}

// SettleInvoice releases a held invoice by presenting its preimage.
func (c *Client) SettleInvoice(ctx context.Context, preimage string) error {
	raw, err := hex.DecodeString(preimage)
	if err != nil {
		return fmt.Errorf("lnd: preimage is not hex: %w", err)
	}
	_, err = c.invoices.SettleInvoice(ctx, &invoicesrpc.SettleInvoiceMsg{Preimage: raw})
	if err != nil {
		return fmt.Errorf("lnd: settle invoice: %w", err)
	}
	return nil
}

// SubscribeInvoices streams invoice changes. LND replays invoices settled
// after a non-zero settleIndex itself; for zero the settled invoices are
// listed first.
func (c *Client) SubscribeInvoices(ctx context.Context, settleIndex uint64) (<-chan *settlement.InvoiceUpdate, <-chan error, error) {
	var backlog []*settlement.InvoiceUpdate
	if settleIndex == 0 {
		err := c.eachInvoice(ctx, false, func(inv *lnrpc.Invoice) {
			if inv.State == lnrpc.Invoice_SETTLED {
				backlog = append(backlog, invoiceUpdate(inv))
			}
		})
		if err != nil {
			return nil, nil, err
		}
		slices.SortFunc(backlog, func(a, b *settlement.InvoiceUpdate) int {
			return cmp.Compare(a.SettleIndex, b.SettleIndex)
		})
	}
	stream, err := c.ln.SubscribeInvoices(ctx, &lnrpc.InvoiceSubscription{SettleIndex: settleIndex})
	if err != nil {
		return nil, nil, fmt.Errorf("lnd: subscribe invoices: %w", err)
	}
	updates := make(chan *settlement.InvoiceUpdate, len(backlog))
	for _, u := range backlog {
		updates <- u
	}
	errs := make(chan error, 1)
	go pump(ctx, stream.Recv, invoiceUpdate, updates, errs)
	return updates, errs, nil
}

// PendingInvoices lists OPEN and ACCEPTED invoices.
func (c *Client) PendingInvoices(ctx context.Context) ([]*settlement.InvoiceUpdate, error) {
	var out []*settlement.InvoiceUpdate
	err := c.eachInvoice(ctx, true, func(inv *lnrpc.Invoice) {
		out = append(out, invoiceUpdate(inv))
	})
	return out, err
}

// pageSize bounds every list call to the node.
const pageSize = 500

func (c *Client) eachInvoice(ctx context.Context, pendingOnly bool, fn func(*lnrpc.Invoice)) error {
	var offset uint64
	for {
		resp, err := c.ln.ListInvoices(ctx, &lnrpc.ListInvoiceRequest{
			PendingOnly:    pendingOnly,
			IndexOffset:    offset,
			NumMaxInvoices: pageSize,
		})
		if err != nil {
			return fmt.Errorf("lnd: list invoices: %w", err)
		}
		for _, inv := range resp.Invoices {
			fn(inv)
		}
		if len(resp.Invoices) == 0 || resp.LastIndexOffset <= offset {
			return nil
		}
		offset = resp.LastIndexOffset
	}
}

// LatestIndexes returns the highest settle index over all invoices and the
// index of the newest payment.
func (c *Client) LatestIndexes(ctx context.Context) (settle, payment uint64, err error) {
	err = c.eachInvoice(ctx, false, func(inv *lnrpc.Invoice) {
		settle = max(settle, inv.SettleIndex)
	})
	if err != nil {
		return 0, 0, err
	}
	resp, err := c.ln.ListPayments(ctx, &lnrpc.ListPaymentsRequest{
		IncludeIncomplete: true,
		MaxPayments:       1,
		Reversed:          true,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("lnd: list payments: %w", err)
	}
	return settle, max(resp.FirstIndexOffset, resp.LastIndexOffset), nil
}

// ListPayments returns finished payments created after afterIndex.
func (c *Client) ListPayments(ctx context.Context, afterIndex uint64) ([]*settlement.PaymentUpdate, error) {
	var out []*settlement.PaymentUpdate
	offset := afterIndex
	for {
		resp, err := c.ln.ListPayments(ctx, &lnrpc.ListPaymentsRequest{
			IndexOffset: offset,
			MaxPayments: pageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("lnd: list payments: %w", err)
		}
		for _, p := range resp.Payments {
			if u := paymentUpdate(p); u != nil {
				out = append(out, u)
			}
		}
		if len(resp.Payments) == 0 || resp.LastIndexOffset <= offset {
			return out, nil
		}
		offset = resp.LastIndexOffset
	}
}

// pump copies a gRPC stream into a channel until the stream fails or ctx ends.
// convert may return nil to skip a message.
func pump[M any, U any](ctx context.Context, recv func() (M, error), convert func(M) *U, out chan<- *U, errs chan<- error) {
	defer close(out)
	defer close(errs)
	for {
		msg, err := recv()
		if err != nil {
			errs <- err
			return
		}
		u := convert(msg)
		if u == nil {
			continue
		}
		select {
		case out <- u:
		case <-ctx.Done():
			return
		}
	}
}

var invoiceState = map[lnrpc.Invoice_InvoiceState]string{
	lnrpc.Invoice_OPEN:     settlement.InvoiceOpen,
	lnrpc.Invoice_ACCEPTED: settlement.InvoiceAccepted,
	lnrpc.Invoice_SETTLED:  settlement.InvoiceSettled,
	lnrpc.Invoice_CANCELED: settlement.InvoiceCanceled,
}

func invoiceUpdate(inv *lnrpc.Invoice) *settlement.InvoiceUpdate {
	u := &settlement.InvoiceUpdate{
		Hash:  hex.EncodeToString(inv.RHash),
		State: invoiceState[inv.State],
		Amt:   uint64(inv.Value),
		Memo:  inv.Memo,
	}
	if inv.State == lnrpc.Invoice_SETTLED {
		u.SettleIndex = inv.SettleIndex
	}
	if u.State == settlement.InvoiceSettled {
		u.Preimage = hex.EncodeToString(inv.RPreimage)
	}
	// The earliest held HTLC bounds how long the invoice can stay accepted.
	for _, h := range inv.Htlcs {
		if h.State == lnrpc.InvoiceHTLCState_ACCEPTED && (u.ExpiryHeight == 0 || h.ExpiryHeight < u.ExpiryHeight) {
			u.ExpiryHeight = h.ExpiryHeight
		}
	}
	return u
}

// TrackPayments streams final and in-flight status of outgoing payments.
func (c *Client) TrackPayments(ctx context.Context) (<-chan *settlement.PaymentUpdate, <-chan error, error) {
	stream, err := c.router.TrackPayments(ctx, &routerrpc.TrackPaymentsRequest{NoInflightUpdates: true})
	if err != nil {
		return nil, nil, fmt.Errorf("lnd: track payments: %w", err)
	}
	updates := make(chan *settlement.PaymentUpdate)
	errs := make(chan error, 1)
	go pump(ctx, stream.Recv, paymentUpdate, updates, errs)
	return updates, errs, nil
}

var paymentStatus = map[lnrpc.Payment_PaymentStatus]string{
	lnrpc.Payment_IN_FLIGHT: settlement.PaymentInFlight,
	lnrpc.Payment_SUCCEEDED: settlement.PaymentSucceeded,
	lnrpc.Payment_FAILED:    settlement.PaymentFailed,
}

func paymentUpdate(p *lnrpc.Payment) *settlement.PaymentUpdate {
	status, ok := paymentStatus[p.Status]
	if !ok {
		return nil
	}
	return &settlement.PaymentUpdate{
		Hash:     p.PaymentHash,
		Preimage: p.PaymentPreimage,
		Status:   status,
		AmtSat:   uint64(p.ValueSat),
		Index:    p.PaymentIndex,
	}
}
