// Package settler implements the settlement protocol between two peered
// connector nodes: answering invoice requests, validating preimage claims
// against pending invoices exactly once, reacting to settlements reported
// by the Lightning node, and running outgoing payments.
package settler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/account"
	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/btp"
	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/ilp"
	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/lightning"
)

// Sender issues requests to the peer on an established transport.
type Sender interface {
	Call(ctx context.Context, env *btp.Envelope) (*btp.Envelope, error)
}

// DataHandler forwards an inbound ILP packet to the embedding application
// and returns the response packet.
type DataHandler func(ctx context.Context, packet []byte) ([]byte, error)

// MoneyHandler informs the embedding application of settled incoming value.
type MoneyHandler func(ctx context.Context, amountSat int64) error

// HandlerRegistry exposes the currently registered application handlers.
// Nil handlers are valid and mean none is registered.
type HandlerRegistry interface {
	DataHandler() DataHandler
	MoneyHandler() MoneyHandler
}

// AccountSource resolves loaded accounts for events that arrive outside a
// peer request, such as invoice settlements reported by the node.
type AccountSource interface {
	Lookup(name string) (*account.Account, bool)
}

// Coordinator drives the settlement protocol. A single coordinator serves
// every peered account of the process; per-invoice state lives in the
// pending table and per-account state in the ledger.
type Coordinator struct {
	ln       lightning.Service
	handlers HandlerRegistry
	accounts AccountSource
	pending  *pendingInvoices
	address  string
	log      *zap.Logger
}

func NewCoordinator(ln lightning.Service, handlers HandlerRegistry, accounts AccountSource, ilpAddress string, log *zap.Logger) *Coordinator {
	return &Coordinator{
		ln:       ln,
		handlers: handlers,
		accounts: accounts,
		pending:  newPendingInvoices(),
		address:  ilpAddress,
		log:      log,
	}
}

// PendingInvoices reports how many issued invoices await resolution.
func (c *Coordinator) PendingInvoices() int {
	return c.pending.size()
}

// HandleMessage answers one MESSAGE envelope from the peer behind acct.
func (c *Coordinator) HandleMessage(ctx context.Context, acct *account.Account, env *btp.Envelope) (*btp.Envelope, error) {
	if data, ok := env.Protocol(btp.ProtoInvoice); ok {
		return c.handleInvoiceRequest(ctx, acct, data)
	}
	if packet, ok := env.Protocol(btp.ProtoILP); ok {
		return c.handleILP(ctx, acct, packet)
	}
	if data, ok := env.Protocol(btp.ProtoInfo); ok {
		c.log.Debug("peer info",
			zap.String("account", acct.Name()),
			zap.ByteString("info", data))
		return btp.NewResponse(), nil
	}
	return nil, &btp.WireError{Code: btp.CodeBadRequest, Message: "message carries no known subprotocol"}
}

func (c *Coordinator) handleILP(ctx context.Context, acct *account.Account, packet []byte) (*btp.Envelope, error) {
	typ, err := ilp.PacketType(packet)
	if err != nil {
		return nil, &btp.WireError{Code: btp.CodeBadRequest, Message: err.Error()}
	}
	if typ == ilp.TypePrepare {
		if prep, perr := ilp.DecodePrepare(packet); perr == nil && prep.Destination == ilp.PeerConfigDestination {
			return c.handlePeerConfig(acct), nil
		}
	}

	handle := c.handlers.DataHandler()
	if handle == nil {
		reject := ilp.EncodeReject(ilp.Reject{
			Code:        ilp.CodeUnreachable,
			TriggeredBy: c.address,
			Message:     "no data handler registered",
		})
		return btp.NewResponse(ilpEntry(reject)), nil
	}
	response, err := handle(ctx, packet)
	if err != nil {
		return nil, &btp.WireError{Code: btp.CodeInternal, Message: err.Error(), Err: err}
	}
	return btp.NewResponse(ilpEntry(response)), nil
}

// handlePeerConfig answers IL-DCP locally instead of forwarding: the peer
// is assigned an address under this node's own, with the fixed BTC/8 asset
// details of the Lightning ledger.
func (c *Coordinator) handlePeerConfig(acct *account.Account) *btp.Envelope {
	fulfill := ilp.EncodeConfigResponse(ilp.ConfigResponse{
		ClientAddress: c.address + "." + acct.Name(),
		AssetScale:    8,
		AssetCode:     "BTC",
	})
	return btp.NewResponse(ilpEntry(fulfill))
}

type invoiceRequest struct {
	Amount int64 `json:"amount"`
}

type invoiceResponse struct {
	PaymentRequest string `json:"paymentRequest"`
}

// handleInvoiceRequest creates an invoice on the local node and records it
// as pending for acct. Every request creates a distinct invoice, repeated
// requests for the same amount are not deduplicated.
func (c *Coordinator) handleInvoiceRequest(ctx context.Context, acct *account.Account, data []byte) (*btp.Envelope, error) {
	var req invoiceRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &btp.WireError{Code: btp.CodeBadRequest, Message: "malformed invoice request"}
	}
	if req.Amount <= 0 {
		return nil, &btp.WireError{Code: btp.CodeBadRequest, Message: fmt.Sprintf("invalid invoice amount %d", req.Amount)}
	}

	inv, err := c.ln.AddInvoice(ctx, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("add invoice: %w", err)
	}
	c.pending.add(inv.Hash.String(), acct.Name(), req.Amount)
	c.log.Info("issued settlement invoice",
		zap.String("account", acct.Name()),
		zap.String("hash", inv.Hash.String()),
		zap.Int64("amount_sat", req.Amount))

	body, err := json.Marshal(invoiceResponse{PaymentRequest: inv.PaymentRequest})
	if err != nil {
		return nil, fmt.Errorf("marshal invoice response: %w", err)
	}
	return btp.NewResponse(btp.ProtocolData{
		Name:        btp.ProtoInvoice,
		ContentType: btp.ContentJSON,
		Data:        body,
	}), nil
}

// HandleTransfer resolves a settlement claim: the peer proves it paid one
// of our invoices by presenting the preimage. The pending-table check and
// deletion happen atomically; the credit follows strictly after, so a
// concurrent node-reported settlement can never double-credit.
func (c *Coordinator) HandleTransfer(ctx context.Context, acct *account.Account, env *btp.Envelope) (*btp.Envelope, error) {
	raw, ok := env.Protocol(btp.ProtoPreimage)
	if !ok {
		return nil, &btp.WireError{Code: btp.CodeBadRequest, Message: "transfer carries no preimage"}
	}
	preimage, err := lntypes.MakePreimageFromStr(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, &btp.WireError{Code: btp.CodeBadRequest, Message: fmt.Sprintf("malformed preimage: %v", err)}
	}
	amount, err := strconv.ParseInt(env.Amount, 10, 64)
	if err != nil || amount <= 0 {
		return nil, &btp.WireError{Code: btp.CodeBadRequest, Message: fmt.Sprintf("invalid transfer amount %q", env.Amount)}
	}

	condition := preimage.Hash().String()
	if err := c.pending.resolveClaim(condition, acct.Name(), amount); err != nil {
		code := btp.CodeUnknownSettlement
		if errors.Is(err, ErrSettlementAmountMismatch) {
			code = btp.CodeAmountMismatch
		}
		c.log.Warn("rejected settlement claim",
			zap.String("account", acct.Name()),
			zap.String("condition", condition),
			zap.Int64("amount_sat", amount),
			zap.Error(err))
		return nil, &btp.WireError{Code: code, Err: err}
	}

	if err := c.credit(ctx, acct, condition, amount); err != nil {
		if errors.Is(err, account.ErrBalanceLimitExceeded) {
			return nil, &btp.WireError{Code: btp.CodeBalanceLimit, Err: err}
		}
		return nil, err
	}
	return btp.NewResponse(), nil
}

// HandleSettledInvoice reacts to the node reporting one of our invoices
// settled. When a peer claim already consumed the entry this is a no-op,
// that is the losing side of the resolution race.
func (c *Coordinator) HandleSettledInvoice(ctx context.Context, s lightning.Settlement) {
	condition := s.Hash.String()
	entry, ok := c.pending.resolveSettled(condition)
	if !ok {
		return
	}
	acct, ok := c.accounts.Lookup(entry.accountName)
	if !ok {
		c.log.Warn("settled invoice for unloaded account",
			zap.String("account", entry.accountName),
			zap.String("condition", condition))
		return
	}
	if s.AmountSat != entry.amountSat {
		c.log.Debug("settled amount differs from invoice, crediting invoice amount",
			zap.String("condition", condition),
			zap.Int64("settled_sat", s.AmountSat),
			zap.Int64("invoice_sat", entry.amountSat))
	}
	c.credit(ctx, acct, condition, entry.amountSat) //nolint:errcheck
}

// credit applies a resolved settlement. The pending entry is already gone
// at this point; a failure here is surfaced but does not restore it.
func (c *Coordinator) credit(ctx context.Context, acct *account.Account, condition string, amountSat int64) error {
	if err := acct.Credit(ctx, decimal.NewFromInt(amountSat)); err != nil {
		c.log.Error("crediting settlement failed",
			zap.String("account", acct.Name()),
			zap.String("condition", condition),
			zap.Int64("amount_sat", amountSat),
			zap.Error(err))
		return err
	}
	c.log.Info("settlement credited",
		zap.String("account", acct.Name()),
		zap.String("condition", condition),
		zap.Int64("amount_sat", amountSat))

	if handle := c.handlers.MoneyHandler(); handle != nil {
		if err := handle(ctx, amountSat); err != nil {
			c.log.Warn("money handler failed",
				zap.String("account", acct.Name()),
				zap.Error(err))
		}
	}
	return nil
}

// RequestInvoice asks the peer for a Lightning invoice over amountSat and
// validates the returned payment request before anyone pays it: it must
// decode against the local node's network and carry exactly the requested
// amount.
func (c *Coordinator) RequestInvoice(ctx context.Context, peer Sender, amountSat int64) (string, error) {
	body, err := json.Marshal(invoiceRequest{Amount: amountSat})
	if err != nil {
		return "", fmt.Errorf("marshal invoice request: %w", err)
	}
	reply, err := peer.Call(ctx, btp.NewMessage(btp.ProtocolData{
		Name:        btp.ProtoInvoice,
		ContentType: btp.ContentJSON,
		Data:        body,
	}))
	if err != nil {
		return "", fmt.Errorf("request invoice: %w", attachSentinel(err))
	}
	data, ok := reply.Protocol(btp.ProtoInvoice)
	if !ok {
		return "", errors.New("invoice response carries no invoice entry")
	}
	var resp invoiceResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("malformed invoice response: %w", err)
	}

	decoded, err := c.ln.DecodePaymentRequest(ctx, resp.PaymentRequest)
	if err != nil {
		return "", fmt.Errorf("decode peer invoice: %w", err)
	}
	if decoded.AmountSat != amountSat {
		return "", fmt.Errorf("peer invoice is over %d sat, requested %d", decoded.AmountSat, amountSat)
	}
	return resp.PaymentRequest, nil
}

// Settle pays the peer the account's full queued payout. The ledger is
// only touched after the payment attestation confirms success, so a failed
// or aborted attempt leaves the payout queued for retry. On success the
// claim is relayed to the peer so it can credit immediately instead of
// waiting for its own invoice stream; relay failure is tolerated because
// the peer's node reports the settlement anyway.
func (c *Coordinator) Settle(ctx context.Context, acct *account.Account, peer Sender) error {
	payout := acct.Balances().Payout
	if !payout.IsPositive() {
		return nil
	}
	amountSat := payout.IntPart()

	payReq, err := c.RequestInvoice(ctx, peer, amountSat)
	if err != nil {
		return err
	}
	result, err := c.ln.PayInvoice(ctx, payReq)
	if err != nil {
		c.log.Warn("outgoing settlement payment failed",
			zap.String("account", acct.Name()),
			zap.Int64("amount_sat", amountSat),
			zap.Error(err))
		return err
	}
	if err := acct.SettleOutgoing(ctx, decimal.NewFromInt(amountSat)); err != nil {
		return err
	}
	c.log.Info("outgoing settlement complete",
		zap.String("account", acct.Name()),
		zap.String("hash", result.Hash.String()),
		zap.Int64("amount_sat", amountSat))

	c.relayClaim(ctx, peer, result.Preimage, amountSat)
	return nil
}

func (c *Coordinator) relayClaim(ctx context.Context, peer Sender, preimage lntypes.Preimage, amountSat int64) {
	env := btp.NewTransfer(strconv.FormatInt(amountSat, 10), btp.ProtocolData{
		Name:        btp.ProtoPreimage,
		ContentType: btp.ContentText,
		Data:        []byte(preimage.String()),
	})
	if _, err := peer.Call(ctx, env); err != nil {
		c.log.Warn("relaying settlement claim failed",
			zap.Int64("amount_sat", amountSat),
			zap.Error(attachSentinel(err)))
	}
}

func ilpEntry(packet []byte) btp.ProtocolData {
	return btp.ProtocolData{Name: btp.ProtoILP, ContentType: btp.ContentOctetStream, Data: packet}
}
