package plugin

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/account"
	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/ilp"
	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/lightning"
	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/settler"
	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/store"
)

func init() { gin.SetMode(gin.TestMode) }

const testSecret = "hunter2"

func newRegistry(t *testing.T, maxBalance *decimal.Decimal) *account.Registry {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() }) //nolint:errcheck
	return account.NewRegistry(store.NewRedisStore(rdb), maxBalance, zap.NewNop())
}

type serverRig struct {
	srv      *Server
	ln       *lightning.FakeService
	registry *account.Registry
	url      string
}

func newServerRig(t *testing.T, maxBalance *decimal.Decimal) *serverRig {
	t.Helper()
	registry := newRegistry(t, maxBalance)
	ln := lightning.NewFakeService("server-node")
	srv := NewServer(ServerConfig{
		Secret:        testSecret,
		AuthTimeout:   2 * time.Second,
		CallTimeout:   5 * time.Second,
		MaxPacketSize: 1 << 16,
	}, ln, registry, "test.host", zap.NewNop())

	r := gin.New()
	srv.Register(r.Group("/"))
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	if err := srv.Connect(context.Background()); err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { srv.Disconnect(context.Background()) }) //nolint:errcheck

	return &serverRig{
		srv:      srv,
		ln:       ln,
		registry: registry,
		url:      "ws" + strings.TrimPrefix(ts.URL, "http") + "/btp",
	}
}

type clientRig struct {
	cl       *Client
	ln       *lightning.FakeService
	registry *account.Registry
}

// newClientRig builds a client whose Lightning node has a channel to the
// server's, and connects it as the named peer.
func newClientRig(t *testing.T, server *serverRig, username string) *clientRig {
	t.Helper()
	registry := newRegistry(t, nil)
	ln := lightning.NewFakeService("client-node-" + username)
	lightning.Link(ln, server.ln)

	cl := NewClient(ClientConfig{
		URL:           server.url,
		Token:         testSecret,
		Username:      username,
		PeerName:      "parent",
		CallTimeout:   5 * time.Second,
		MaxPacketSize: 1 << 16,
	}, ln, registry, "test.client", zap.NewNop())

	if err := cl.Connect(context.Background()); err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { cl.Disconnect(context.Background()) }) //nolint:errcheck

	return &clientRig{cl: cl, ln: ln, registry: registry}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", d, msg)
}

func testPrepare(destination string) []byte {
	return ilp.EncodePrepare(ilp.Prepare{
		Amount:      1,
		ExpiresAt:   time.Now().Add(30 * time.Second),
		Condition:   ilp.ZeroCondition,
		Destination: destination,
	})
}

// ── connection lifecycle ──────────────────────────────────────────────────────

func TestClientServer_ConnectAndAuth(t *testing.T) {
	server := newServerRig(t, nil)
	client := newClientRig(t, server, "alice")

	if !client.cl.IsConnected() {
		t.Fatalf("client reports not connected")
	}
	waitFor(t, 2*time.Second, func() bool {
		snaps := server.srv.Snapshots()
		return len(snaps) == 1 && snaps[0].Name == "alice"
	}, "server session for alice")

	if _, ok := server.registry.Lookup("alice"); !ok {
		t.Fatalf("alice account not loaded on the server")
	}
}

func TestClient_AuthRejected(t *testing.T) {
	server := newServerRig(t, nil)
	registry := newRegistry(t, nil)
	ln := lightning.NewFakeService("client-node")

	cl := NewClient(ClientConfig{
		URL:           server.url,
		Token:         "wrong",
		Username:      "mallory",
		PeerName:      "parent",
		CallTimeout:   2 * time.Second,
		MaxPacketSize: 1 << 16,
	}, ln, registry, "test.client", zap.NewNop())

	if err := cl.Connect(context.Background()); err == nil {
		t.Fatalf("connect succeeded with a bad token")
	}
	if cl.IsConnected() {
		t.Fatalf("client reports connected after failed auth")
	}
	if len(server.srv.Snapshots()) != 0 {
		t.Fatalf("server attached a session for an unauthenticated peer")
	}
}

func TestClient_ReconnectAfterDisconnect(t *testing.T) {
	server := newServerRig(t, nil)
	client := newClientRig(t, server, "alice")
	ctx := context.Background()

	if err := client.cl.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if client.cl.IsConnected() {
		t.Fatalf("client reports connected after disconnect")
	}
	if _, err := client.cl.SendData(ctx, testPrepare("test.host.x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendData after disconnect: %v, want ErrNotConnected", err)
	}

	if err := client.cl.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	request := ilp.NewConfigRequest(time.Now().Add(30 * time.Second))
	if _, err := client.cl.SendData(ctx, request); err != nil {
		t.Fatalf("SendData after reconnect: %v", err)
	}
}

// ── handler registration ──────────────────────────────────────────────────────

func TestHandlerRegistration(t *testing.T) {
	registry := newRegistry(t, nil)
	cl := NewClient(ClientConfig{}, lightning.NewFakeService("n"), registry, "test.client", zap.NewNop())

	echo := func(_ context.Context, packet []byte) ([]byte, error) { return packet, nil }
	if err := cl.RegisterDataHandler(echo); err != nil {
		t.Fatalf("register data handler: %v", err)
	}
	if err := cl.RegisterDataHandler(echo); !errors.Is(err, ErrHandlerAlreadyRegistered) {
		t.Fatalf("second register: %v, want ErrHandlerAlreadyRegistered", err)
	}
	cl.DeregisterDataHandler()
	if err := cl.RegisterDataHandler(echo); err != nil {
		t.Fatalf("register after deregister: %v", err)
	}

	money := func(context.Context, int64) error { return nil }
	if err := cl.RegisterMoneyHandler(money); err != nil {
		t.Fatalf("register money handler: %v", err)
	}
	if err := cl.RegisterMoneyHandler(money); !errors.Is(err, ErrHandlerAlreadyRegistered) {
		t.Fatalf("second money register: %v, want ErrHandlerAlreadyRegistered", err)
	}

	if _, err := cl.SendData(context.Background(), testPrepare("test.x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendData before connect: %v, want ErrNotConnected", err)
	}
	if err := cl.SendMoney(context.Background(), 10); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendMoney before connect: %v, want ErrNotConnected", err)
	}
}

// ── address configuration ─────────────────────────────────────────────────────

func TestClient_FetchesAddressFromServer(t *testing.T) {
	server := newServerRig(t, nil)
	client := newClientRig(t, server, "alice")

	reply, err := client.cl.SendData(context.Background(), ilp.NewConfigRequest(time.Now().Add(30*time.Second)))
	if err != nil {
		t.Fatalf("SendData: %v", err)
	}
	cfg, err := ilp.DecodeConfigResponse(reply)
	if err != nil {
		t.Fatalf("decode config response: %v", err)
	}
	if cfg.ClientAddress != "test.host.alice" {
		t.Fatalf("client address = %q, want test.host.alice", cfg.ClientAddress)
	}
	if cfg.AssetCode != "BTC" || cfg.AssetScale != 8 {
		t.Fatalf("asset = %s/%d, want BTC/8", cfg.AssetCode, cfg.AssetScale)
	}
}

// ── data routing ──────────────────────────────────────────────────────────────

func TestServer_SendDataRoutesToClient(t *testing.T) {
	server := newServerRig(t, nil)
	client := newClientRig(t, server, "alice")
	ctx := context.Background()

	fulfill := ilp.EncodeFulfill(ilp.Fulfill{Fulfillment: ilp.ZeroFulfillment})
	if err := client.cl.RegisterDataHandler(func(_ context.Context, packet []byte) ([]byte, error) {
		return fulfill, nil
	}); err != nil {
		t.Fatalf("register data handler: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return len(server.srv.Snapshots()) == 1
	}, "server session for alice")

	reply, err := server.srv.SendData(ctx, testPrepare("test.host.alice.child"))
	if err != nil {
		t.Fatalf("SendData: %v", err)
	}
	if string(reply) != string(fulfill) {
		t.Fatalf("reply differs from the client handler response")
	}

	if _, err := server.srv.SendData(ctx, testPrepare("test.host.bob")); err == nil {
		t.Fatalf("SendData to a disconnected peer succeeded")
	}
	if _, err := server.srv.SendData(ctx, testPrepare("other.prefix.alice")); err == nil {
		t.Fatalf("SendData outside the server prefix succeeded")
	}
}

// ── settlement, client pays server ────────────────────────────────────────────

func TestClientSendMoney_SettlesServerLedger(t *testing.T) {
	server := newServerRig(t, nil)
	client := newClientRig(t, server, "alice")
	ctx := context.Background()

	var moneyCalls atomic.Int64
	if err := server.srv.RegisterMoneyHandler(func(context.Context, int64) error {
		moneyCalls.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register money handler: %v", err)
	}

	if err := client.cl.SendMoney(ctx, 1000); err != nil {
		t.Fatalf("SendMoney: %v", err)
	}

	snap := client.cl.Balances()
	if snap.Payable.String() != "0" || snap.Payout.String() != "0" {
		t.Fatalf("client payable/payout = %s/%s, want 0/0", snap.Payable, snap.Payout)
	}

	// The claim relay and the invoice stream race to credit; exactly one
	// side must win.
	waitFor(t, 2*time.Second, func() bool {
		acct, ok := server.registry.Lookup("alice")
		return ok && acct.Balances().Receivable.String() == "1000"
	}, "server receivable for alice to reach 1000")

	time.Sleep(100 * time.Millisecond)
	acct, _ := server.registry.Lookup("alice")
	if got := acct.Balances().Receivable.String(); got != "1000" {
		t.Fatalf("server receivable settled at %s, want 1000", got)
	}
	if got := moneyCalls.Load(); got != 1 {
		t.Fatalf("server money handler calls = %d, want 1", got)
	}
}

func TestClientSendMoney_ZeroIsNoop(t *testing.T) {
	server := newServerRig(t, nil)
	client := newClientRig(t, server, "alice")

	if err := client.cl.SendMoney(context.Background(), 0); err != nil {
		t.Fatalf("SendMoney(0): %v", err)
	}
	snap := client.cl.Balances()
	if snap.Payable.String() != "0" {
		t.Fatalf("payable = %s after zero send, want 0", snap.Payable)
	}
}

// ── settlement, server pays client ────────────────────────────────────────────

func TestServer_SettleAccount(t *testing.T) {
	server := newServerRig(t, nil)
	client := newClientRig(t, server, "alice")
	ctx := context.Background()

	waitFor(t, 2*time.Second, func() bool {
		_, ok := server.registry.Lookup("alice")
		return ok
	}, "alice account on the server")

	acct, _ := server.registry.Lookup("alice")
	if err := acct.Debit(ctx, decimal.NewFromInt(700)); err != nil {
		t.Fatalf("debit: %v", err)
	}

	if err := server.srv.SettleAccount(ctx, "alice"); err != nil {
		t.Fatalf("SettleAccount: %v", err)
	}

	snap := acct.Balances()
	if snap.Payable.String() != "0" || snap.Payout.String() != "0" {
		t.Fatalf("server payable/payout = %s/%s, want 0/0", snap.Payable, snap.Payout)
	}
	waitFor(t, 2*time.Second, func() bool {
		pacct, ok := client.registry.Lookup("parent")
		return ok && pacct.Balances().Receivable.String() == "700"
	}, "client receivable for parent to reach 700")
}

func TestServer_SettleAccountNotConnected(t *testing.T) {
	server := newServerRig(t, nil)

	if err := server.srv.SettleAccount(context.Background(), "nobody"); err == nil {
		t.Fatalf("SettleAccount succeeded for an unconnected peer")
	}
}

func TestServer_SettleAccountRetriesQueuedPayout(t *testing.T) {
	server := newServerRig(t, nil)
	client := newClientRig(t, server, "alice")
	ctx := context.Background()

	waitFor(t, 2*time.Second, func() bool {
		_, ok := server.registry.Lookup("alice")
		return ok
	}, "alice account on the server")
	acct, _ := server.registry.Lookup("alice")
	if err := acct.Debit(ctx, decimal.NewFromInt(400)); err != nil {
		t.Fatalf("debit: %v", err)
	}

	server.ln.SetFailPayments(true)
	if err := server.srv.SettleAccount(ctx, "alice"); err == nil {
		t.Fatalf("SettleAccount succeeded while payments fail")
	}
	snap := acct.Balances()
	if snap.Payable.String() != "400" || snap.Payout.String() != "400" {
		t.Fatalf("payable/payout = %s/%s, want 400/400 kept for retry", snap.Payable, snap.Payout)
	}

	server.ln.SetFailPayments(false)
	if err := server.srv.SettleAccount(ctx, "alice"); err != nil {
		t.Fatalf("retry SettleAccount: %v", err)
	}
	snap = acct.Balances()
	if snap.Payable.String() != "0" || snap.Payout.String() != "0" {
		t.Fatalf("payable/payout = %s/%s after retry, want 0/0", snap.Payable, snap.Payout)
	}
	waitFor(t, 2*time.Second, func() bool {
		pacct, ok := client.registry.Lookup("parent")
		return ok && pacct.Balances().Receivable.String() == "400"
	}, "client receivable for parent to reach 400")
}

// ── scheduler integration ─────────────────────────────────────────────────────

func TestScheduler_DrivesServerSettlement(t *testing.T) {
	server := newServerRig(t, nil)
	newClientRig(t, server, "alice")
	ctx := context.Background()

	waitFor(t, 2*time.Second, func() bool {
		_, ok := server.registry.Lookup("alice")
		return ok
	}, "alice account on the server")
	acct, _ := server.registry.Lookup("alice")
	if err := acct.Debit(ctx, decimal.NewFromInt(700)); err != nil {
		t.Fatalf("debit: %v", err)
	}

	schedCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sched := settler.NewScheduler(server.srv, decimal.NewFromInt(500), 20*time.Millisecond, zap.NewNop())
	go sched.Run(schedCtx)

	waitFor(t, 3*time.Second, func() bool {
		return acct.Balances().Payable.String() == "0"
	}, "scheduler to settle alice")
}

// ── error reporting ───────────────────────────────────────────────────────────

func TestOnError_SurfacesBackendErrors(t *testing.T) {
	server := newServerRig(t, nil)

	var mu sync.Mutex
	var got []error
	server.srv.OnError(func(err error) {
		mu.Lock()
		got = append(got, err)
		mu.Unlock()
	})

	server.ln.InjectError(errors.New("chain backend unreachable"))

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "injected backend error to surface")

	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(got[0].Error(), "lightning backend") {
		t.Fatalf("error = %q, want it wrapped as a lightning backend failure", got[0])
	}
}

func TestOnError_CleanDisconnectIsSilent(t *testing.T) {
	server := newServerRig(t, nil)
	client := newClientRig(t, server, "alice")

	var calls atomic.Int64
	server.srv.OnError(func(error) { calls.Add(1) })

	if err := client.cl.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return len(server.srv.Snapshots()) == 0
	}, "server session to detach")

	if got := calls.Load(); got != 0 {
		t.Fatalf("error callbacks = %d after a clean disconnect, want 0", got)
	}
}
