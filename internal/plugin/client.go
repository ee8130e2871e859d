package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/account"
	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/btp"
	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/lightning"
)

// ClientConfig wires one dialing plugin to its server peer.
type ClientConfig struct {
	URL           string // websocket endpoint of the server peer
	Token         string // shared secret presented during the handshake
	Username      string // name this node authenticates as
	PeerName      string // local account name for the server peer
	CallTimeout   time.Duration
	MaxPacketSize int64
}

// Client is the dialing role: one websocket to one server peer, one
// account tracking what the two sides owe each other.
type Client struct {
	base
	cfg ClientConfig

	conn *btp.Conn
	acct *account.Account
}

var _ Plugin = (*Client)(nil)

func NewClient(cfg ClientConfig, ln lightning.Service, registry *account.Registry, ilpAddress string, log *zap.Logger) *Client {
	return &Client{base: newBase(ln, registry, ilpAddress, log), cfg: cfg}
}

// Connect brings up the Lightning backend, dials the server and runs the
// auth handshake. Connecting an already connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	if err := c.startLightning(ctx); err != nil {
		return err
	}
	acct, err := c.registry.Load(ctx, c.cfg.PeerName)
	if err != nil {
		return fmt.Errorf("load peer account: %w", err)
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	conn := btp.NewConn(ws, c.cfg.MaxPacketSize, c.cfg.CallTimeout, c.log)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := conn.Serve(runCtx, c.envelopeHandler(acct))
		if runCtx.Err() == nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				c.log.Info("server closed the connection")
			} else {
				c.emitError(fmt.Errorf("peer connection: %w", err))
			}
		}
	}()

	if err := conn.Authenticate(ctx, c.cfg.Username, c.cfg.Token); err != nil {
		c.teardown(cancel, conn)
		return err
	}
	if err := c.shareNodeInfo(ctx, conn); err != nil {
		c.log.Warn("sharing node info failed", zap.Error(err))
	}
	if err := c.startPumps(runCtx); err != nil {
		c.teardown(cancel, conn)
		return err
	}

	c.conn = conn
	c.acct = acct
	c.cancel = cancel
	c.connected = true
	c.log.Info("connected to peer",
		zap.String("url", c.cfg.URL),
		zap.String("account", acct.Name()))
	return nil
}

func (c *Client) teardown(cancel context.CancelFunc, conn *btp.Conn) {
	cancel()
	conn.Close() //nolint:errcheck
	c.wg.Wait()
}

// shareNodeInfo sends the local node identity so the operator on the
// other side can open or point channels at it.
func (c *Client) shareNodeInfo(ctx context.Context, conn *btp.Conn) error {
	info, err := c.ln.GetInfo(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]string{"identityPubkey": info.IdentityPubkey})
	if err != nil {
		return err
	}
	_, err = conn.Call(ctx, btp.NewMessage(btp.ProtocolData{
		Name:        btp.ProtoInfo,
		ContentType: btp.ContentJSON,
		Data:        body,
	}))
	return err
}

// Disconnect tears the transport down and unloads the peer account so a
// later Connect rehydrates it from the store.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	conn, cancel := c.conn, c.cancel
	c.connected = false
	c.conn = nil
	c.acct = nil
	c.cancel = nil
	c.mu.Unlock()

	cancel()
	conn.Close() //nolint:errcheck
	c.wg.Wait()
	if err := c.registry.UnloadAll(ctx); err != nil {
		return err
	}
	c.log.Info("disconnected from peer")
	return nil
}

func (c *Client) transport() (*btp.Conn, *account.Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, nil, ErrNotConnected
	}
	return c.conn, c.acct, nil
}

// SendData forwards one ILP packet to the server peer and returns the
// response packet.
func (c *Client) SendData(ctx context.Context, packet []byte) ([]byte, error) {
	conn, _, err := c.transport()
	if err != nil {
		return nil, err
	}
	reply, err := conn.Call(ctx, btp.NewMessage(btp.ProtocolData{
		Name:        btp.ProtoILP,
		ContentType: btp.ContentOctetStream,
		Data:        packet,
	}))
	if err != nil {
		return nil, err
	}
	data, ok := reply.Protocol(btp.ProtoILP)
	if !ok {
		return nil, errors.New("response carries no ilp entry")
	}
	return data, nil
}

// SendMoney queues amountSat for the server peer and settles immediately
// over Lightning. A non-positive amount is a no-op.
func (c *Client) SendMoney(ctx context.Context, amountSat int64) error {
	conn, acct, err := c.transport()
	if err != nil {
		return err
	}
	if amountSat <= 0 {
		return nil
	}
	amount := decimal.NewFromInt(amountSat)
	if err := acct.Debit(ctx, amount); err != nil {
		return err
	}
	if err := acct.QueuePayout(ctx, amount); err != nil {
		return err
	}
	return c.coord.Settle(ctx, acct, conn)
}

// Balances reports the peer account counters, zero-valued before the
// first Connect.
func (c *Client) Balances() account.Snapshot {
	c.mu.Lock()
	acct := c.acct
	c.mu.Unlock()
	if acct == nil {
		return account.Snapshot{Name: c.cfg.PeerName}
	}
	return acct.Balances()
}
