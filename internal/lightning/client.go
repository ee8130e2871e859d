package lightning

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/macaroons"
	"github.com/lightningnetwork/lnd/zpay32"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	macaroon "gopkg.in/macaroon.v2"
)

const (
	invoiceMemo      = "ilp settlement"
	settlementBuffer = 64
	errorBuffer      = 8
)

// Config for the lnd-backed Service.
type Config struct {
	Host           string
	TLSCertPath    string
	MacaroonPath   string
	Network        string
	ConnectTimeout time.Duration
}

// Client talks to one lnd node over gRPC. It owns the process-wide payment
// and invoice streams; both are opened lazily on first use, after Connect
// has confirmed the node is reachable.
type Client struct {
	cfg    Config
	log    *zap.Logger
	params *chaincfg.Params

	conn *grpc.ClientConn
	lnd  lnrpc.LightningClient

	payMu      sync.Mutex
	payStream  lnrpc.Lightning_SendPaymentClient
	payWaiters map[string]chan payOutcome

	invMu       sync.Mutex
	settlements chan Settlement

	errs chan error
}

type payOutcome struct {
	preimage lntypes.Preimage
	err      error
}

// NewClient validates the network name and builds an unconnected client.
func NewClient(cfg Config, log *zap.Logger) (*Client, error) {
	params, err := ChainParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:        cfg,
		log:        log,
		params:     params,
		payWaiters: make(map[string]chan payOutcome),
		errs:       make(chan error, errorBuffer),
	}, nil
}

// Connect dials lnd with TLS and macaroon credentials, blocking until the
// connection is ready or the configured timeout elapses.
func (c *Client) Connect(ctx context.Context) error {
	creds, err := credentials.NewClientTLSFromFile(c.cfg.TLSCertPath, "")
	if err != nil {
		return fmt.Errorf("read tls cert %s: %w", c.cfg.TLSCertPath, err)
	}
	macBytes, err := os.ReadFile(c.cfg.MacaroonPath)
	if err != nil {
		return fmt.Errorf("read macaroon %s: %w", c.cfg.MacaroonPath, err)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return fmt.Errorf("parse macaroon: %w", err)
	}
	macCred, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return fmt.Errorf("macaroon credential: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	conn, err := grpc.DialContext(dialCtx, c.cfg.Host,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macCred),
		grpc.WithBlock(),
	)
	if err != nil {
		return fmt.Errorf("dial lnd %s: %w", c.cfg.Host, err)
	}
	c.conn = conn
	c.lnd = lnrpc.NewLightningClient(conn)
	c.log.Info("connected to lnd",
		zap.String("host", c.cfg.Host),
		zap.String("network", c.cfg.Network))
	return nil
}

// Close tears down the gRPC connection; both streams die with it.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Errors surfaces terminal stream failures.
func (c *Client) Errors() <-chan error { return c.errs }

func (c *Client) api() (lnrpc.LightningClient, error) {
	if c.lnd == nil {
		return nil, fmt.Errorf("lnd not connected")
	}
	return c.lnd, nil
}

func (c *Client) GetInfo(ctx context.Context) (*NodeInfo, error) {
	lnd, err := c.api()
	if err != nil {
		return nil, err
	}
	resp, err := lnd.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return nil, fmt.Errorf("lnd getinfo: %w", err)
	}
	return &NodeInfo{
		IdentityPubkey: resp.IdentityPubkey,
		Alias:          resp.Alias,
		SyncedToChain:  resp.SyncedToChain,
		SyncedToGraph:  resp.SyncedToGraph,
		BlockHeight:    resp.BlockHeight,
		Version:        resp.Version,
	}, nil
}

func (c *Client) AddInvoice(ctx context.Context, amountSat int64) (*Invoice, error) {
	lnd, err := c.api()
	if err != nil {
		return nil, err
	}
	resp, err := lnd.AddInvoice(ctx, &lnrpc.Invoice{Value: amountSat, Memo: invoiceMemo})
	if err != nil {
		return nil, fmt.Errorf("lnd addinvoice: %w", err)
	}
	hash, err := lntypes.MakeHash(resp.RHash)
	if err != nil {
		return nil, fmt.Errorf("addinvoice hash: %w", err)
	}
	c.log.Debug("issued invoice",
		zap.String("hash", hash.String()),
		zap.Int64("amount_sat", amountSat))
	return &Invoice{PaymentRequest: resp.PaymentRequest, Hash: hash, AmountSat: amountSat}, nil
}

// DecodePaymentRequest parses a BOLT11 payment request against the client's
// configured network. Purely local, no RPC.
func (c *Client) DecodePaymentRequest(_ context.Context, payReq string) (*PayReq, error) {
	inv, err := zpay32.Decode(payReq, c.params)
	if err != nil {
		return nil, fmt.Errorf("decode payment request: %w", err)
	}
	out := &PayReq{}
	if inv.PaymentHash != nil {
		out.Hash = lntypes.Hash(*inv.PaymentHash)
	}
	if inv.MilliSat != nil {
		out.AmountSat = int64(*inv.MilliSat) / 1000
	}
	if inv.Destination != nil {
		out.Destination = hex.EncodeToString(inv.Destination.SerializeCompressed())
	}
	return out, nil
}

// PayInvoice submits payReq on the shared payment stream and blocks until
// the stream attests the payment's outcome, correlated by payment hash.
func (c *Client) PayInvoice(ctx context.Context, payReq string) (*PaymentResult, error) {
	decoded, err := c.DecodePaymentRequest(ctx, payReq)
	if err != nil {
		return nil, err
	}
	key := decoded.Hash.String()

	stream, err := c.paymentStream()
	if err != nil {
		return nil, err
	}

	ch := make(chan payOutcome, 1)
	c.payMu.Lock()
	if _, dup := c.payWaiters[key]; dup {
		c.payMu.Unlock()
		return nil, fmt.Errorf("payment %s already in flight", key)
	}
	c.payWaiters[key] = ch
	c.payMu.Unlock()
	defer func() {
		c.payMu.Lock()
		delete(c.payWaiters, key)
		c.payMu.Unlock()
	}()

	if err := stream.Send(&lnrpc.SendRequest{PaymentRequest: payReq}); err != nil {
		return nil, fmt.Errorf("submit payment: %w", err)
	}
	c.log.Debug("submitted payment", zap.String("hash", key))

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		return &PaymentResult{Hash: decoded.Hash, Preimage: out.preimage}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// paymentStream opens the shared SendPayment stream on first use. The
// stream's context is detached from any single call since it outlives all
// of them.
func (c *Client) paymentStream() (lnrpc.Lightning_SendPaymentClient, error) {
	c.payMu.Lock()
	defer c.payMu.Unlock()
	if c.payStream != nil {
		return c.payStream, nil
	}
	lnd, err := c.api()
	if err != nil {
		return nil, err
	}
	stream, err := lnd.SendPayment(context.Background())
	if err != nil {
		return nil, fmt.Errorf("open payment stream: %w", err)
	}
	c.payStream = stream
	go c.dispatchPayments(stream)
	return stream, nil
}

func (c *Client) dispatchPayments(stream lnrpc.Lightning_SendPaymentClient) {
	for {
		resp, err := stream.Recv()
		if err != nil {
			werr := fmt.Errorf("payment stream: %w", err)
			c.payMu.Lock()
			c.payStream = nil
			waiters := c.payWaiters
			c.payWaiters = make(map[string]chan payOutcome)
			c.payMu.Unlock()
			for _, ch := range waiters {
				select {
				case ch <- payOutcome{err: werr}:
				default:
				}
			}
			c.reportError(werr)
			return
		}
		c.routeAttestation(resp)
	}
}

// routeAttestation delivers one attestation to its waiter. lnd omits the
// payment hash on some failure responses; those are routed to the sole
// in-flight waiter when that is unambiguous, otherwise dropped.
func (c *Client) routeAttestation(resp *lnrpc.SendResponse) {
	var out payOutcome
	if resp.PaymentError != "" {
		out.err = fmt.Errorf("payment failed: %s", resp.PaymentError)
	} else if pre, err := lntypes.MakePreimage(resp.PaymentPreimage); err != nil {
		out.err = fmt.Errorf("payment preimage: %w", err)
	} else {
		out.preimage = pre
	}

	key := ""
	if hash, err := lntypes.MakeHash(resp.PaymentHash); err == nil {
		key = hash.String()
	} else if out.err == nil {
		key = out.preimage.Hash().String()
	}

	c.payMu.Lock()
	defer c.payMu.Unlock()
	if key == "" {
		if len(c.payWaiters) == 1 {
			for _, ch := range c.payWaiters {
				select {
				case ch <- out:
				default:
				}
			}
			return
		}
		c.log.Warn("dropping unattributable payment attestation",
			zap.Int("in_flight", len(c.payWaiters)), zap.Error(out.err))
		return
	}
	ch, ok := c.payWaiters[key]
	if !ok {
		c.log.Warn("payment attestation with no waiter", zap.String("hash", key))
		return
	}
	select {
	case ch <- out:
	default:
	}
}

// SubscribeSettlements opens the shared invoice subscription on first use
// and returns the settlement channel. The channel is closed when the stream
// dies; the failure is also reported on Errors.
func (c *Client) SubscribeSettlements(_ context.Context) (<-chan Settlement, error) {
	c.invMu.Lock()
	defer c.invMu.Unlock()
	if c.settlements != nil {
		return c.settlements, nil
	}
	lnd, err := c.api()
	if err != nil {
		return nil, err
	}
	stream, err := lnd.SubscribeInvoices(context.Background(), &lnrpc.InvoiceSubscription{})
	if err != nil {
		return nil, fmt.Errorf("subscribe invoices: %w", err)
	}
	ch := make(chan Settlement, settlementBuffer)
	c.settlements = ch
	go c.dispatchInvoices(stream, ch)
	return ch, nil
}

func (c *Client) dispatchInvoices(stream lnrpc.Lightning_SubscribeInvoicesClient, out chan<- Settlement) {
	for {
		inv, err := stream.Recv()
		if err != nil {
			c.invMu.Lock()
			c.settlements = nil
			c.invMu.Unlock()
			close(out)
			c.reportError(fmt.Errorf("invoice stream: %w", err))
			return
		}
		if inv.State != lnrpc.Invoice_SETTLED {
			continue
		}
		hash, err := lntypes.MakeHash(inv.RHash)
		if err != nil {
			c.log.Warn("settled invoice with malformed hash", zap.Error(err))
			continue
		}
		amount := inv.AmtPaidSat
		if amount == 0 {
			amount = inv.Value
		}
		select {
		case out <- Settlement{Hash: hash, AmountSat: amount}:
		default:
			c.log.Warn("dropping settlement notification, consumer lagging",
				zap.String("hash", hash.String()))
		}
	}
}

func (c *Client) reportError(err error) {
	select {
	case c.errs <- err:
	default:
		c.log.Warn("error channel full, dropping", zap.Error(err))
	}
}

var (
	_ Service       = (*Client)(nil)
	_ Connector     = (*Client)(nil)
	_ ErrorReporter = (*Client)(nil)
)
