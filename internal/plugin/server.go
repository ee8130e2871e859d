package plugin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/account"
	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/btp"
	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/ilp"
	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/lightning"
	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/settler"
)

// ServerConfig wires the listening plugin role.
type ServerConfig struct {
	Secret        string // shared secret every client authenticates with
	AuthTimeout   time.Duration
	CallTimeout   time.Duration
	MaxPacketSize int64
}

type session struct {
	acct   *account.Account
	conn   *btp.Conn
	cancel context.CancelFunc
}

// Server is the listening role: many authenticated clients, one account
// per client name. Client addresses hang under the server's own ILP
// address, which is how outbound packets are routed back to them.
type Server struct {
	base
	cfg      ServerConfig
	address  string
	upgrader websocket.Upgrader

	sessMu   sync.Mutex
	sessions map[string]*session
	runCtx   context.Context
}

var (
	_ Plugin               = (*Server)(nil)
	_ settler.SettleTarget = (*Server)(nil)
)

func NewServer(cfg ServerConfig, ln lightning.Service, registry *account.Registry, ilpAddress string, log *zap.Logger) *Server {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	return &Server{
		base:    newBase(ln, registry, ilpAddress, log),
		cfg:     cfg,
		address: ilpAddress,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Peers are other connector processes, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}
}

// Connect brings up the Lightning backend and the event pumps. Peers can
// dial in once the websocket endpoint is registered and Connect returned.
func (s *Server) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}

	if err := s.startLightning(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	if err := s.startPumps(runCtx); err != nil {
		cancel()
		return err
	}

	s.runCtx = runCtx
	s.cancel = cancel
	s.connected = true
	return nil
}

// Register mounts the websocket endpoint peers dial.
func (s *Server) Register(rg *gin.RouterGroup) {
	rg.GET("/btp", s.handleUpgrade)
}

func (s *Server) handleUpgrade(c *gin.Context) {
	s.mu.Lock()
	ready := s.connected
	runCtx := s.runCtx
	s.mu.Unlock()
	if !ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server not ready"})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	name, err := btp.AwaitAuth(ws, s.cfg.Secret, s.cfg.AuthTimeout)
	if err != nil {
		s.log.Warn("auth handshake failed",
			zap.String("remote", c.ClientIP()),
			zap.Error(err))
		ws.Close() //nolint:errcheck
		return
	}
	acct, err := s.registry.Load(runCtx, name)
	if err != nil {
		s.log.Error("loading peer account failed",
			zap.String("account", name),
			zap.Error(err))
		ws.Close() //nolint:errcheck
		return
	}
	s.attachSession(runCtx, name, acct, ws)
}

func (s *Server) attachSession(runCtx context.Context, name string, acct *account.Account, ws *websocket.Conn) {
	conn := btp.NewConn(ws, s.cfg.MaxPacketSize, s.cfg.CallTimeout, s.log)
	sessCtx, cancel := context.WithCancel(runCtx)
	sess := &session{acct: acct, conn: conn, cancel: cancel}

	s.sessMu.Lock()
	if prev, ok := s.sessions[name]; ok {
		// A reconnecting peer replaces its old transport.
		prev.cancel()
		prev.conn.Close() //nolint:errcheck
	}
	s.sessions[name] = sess
	s.sessMu.Unlock()

	s.log.Info("peer connected", zap.String("account", name))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		err := conn.Serve(sessCtx, s.envelopeHandler(acct))
		if sessCtx.Err() == nil {
			// A close frame is a deliberate disconnect, not a failure.
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				s.emitError(fmt.Errorf("peer %s connection: %w", name, err))
			}
		}
		s.detachSession(name, sess)
	}()
}

func (s *Server) detachSession(name string, sess *session) {
	s.sessMu.Lock()
	if cur, ok := s.sessions[name]; ok && cur == sess {
		delete(s.sessions, name)
	}
	s.sessMu.Unlock()
	s.log.Info("peer disconnected", zap.String("account", name))
}

func (s *Server) lookupSession(name string) (*session, bool) {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	sess, ok := s.sessions[name]
	return sess, ok
}

// Disconnect stops accepting traffic, tears down every session and
// unloads all accounts.
func (s *Server) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.connected = false
	s.cancel = nil
	s.runCtx = nil
	s.mu.Unlock()

	cancel()
	s.sessMu.Lock()
	for _, sess := range s.sessions {
		sess.conn.Close() //nolint:errcheck
	}
	s.sessions = make(map[string]*session)
	s.sessMu.Unlock()

	s.wg.Wait()
	if err := s.registry.UnloadAll(ctx); err != nil {
		return err
	}
	s.log.Info("server stopped")
	return nil
}

// SendData routes an outbound ILP packet to the client addressed by the
// segment after this node's own address.
func (s *Server) SendData(ctx context.Context, packet []byte) ([]byte, error) {
	if !s.IsConnected() {
		return nil, ErrNotConnected
	}
	prep, err := ilp.DecodePrepare(packet)
	if err != nil {
		return nil, fmt.Errorf("outbound packet: %w", err)
	}
	name, err := s.routeSegment(prep.Destination)
	if err != nil {
		return nil, err
	}
	sess, ok := s.lookupSession(name)
	if !ok {
		return nil, fmt.Errorf("peer %s not connected", name)
	}

	reply, err := sess.conn.Call(ctx, btp.NewMessage(btp.ProtocolData{
		Name:        btp.ProtoILP,
		ContentType: btp.ContentOctetStream,
		Data:        packet,
	}))
	if err != nil {
		return nil, err
	}
	data, ok := reply.Protocol(btp.ProtoILP)
	if !ok {
		return nil, fmt.Errorf("peer %s response carries no ilp entry", name)
	}
	return data, nil
}

// routeSegment extracts the client account from a destination under this
// node's address.
func (s *Server) routeSegment(destination string) (string, error) {
	prefix := s.address + "."
	if !strings.HasPrefix(destination, prefix) {
		return "", fmt.Errorf("destination %s is not under %s", destination, s.address)
	}
	rest := destination[len(prefix):]
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "", fmt.Errorf("destination %s has no account segment", destination)
	}
	return rest, nil
}

// SendMoney is a no-op for the listening role: outgoing settlement is per
// account and runs through the scheduler.
func (s *Server) SendMoney(context.Context, int64) error { return nil }

// SettleAccount queues the peer's outstanding payable and settles it over
// Lightning. The queued amount survives failed attempts, so only the
// difference between payable and the already queued payout is added.
func (s *Server) SettleAccount(ctx context.Context, accountName string) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	sess, ok := s.lookupSession(accountName)
	if !ok {
		return fmt.Errorf("peer %s not connected", accountName)
	}

	acct := sess.acct
	snap := acct.Balances()
	outstanding := snap.Payable.Sub(snap.Payout)
	if outstanding.IsPositive() {
		if err := acct.QueuePayout(ctx, outstanding); err != nil {
			return err
		}
	}
	return s.coord.Settle(ctx, acct, sess.conn)
}

// Snapshots lists balances for the currently connected peers.
func (s *Server) Snapshots() []account.Snapshot {
	s.sessMu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessMu.Unlock()

	snaps := make([]account.Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		snaps = append(snaps, sess.acct.Balances())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}
