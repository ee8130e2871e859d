// Package plugin exposes the two ILP plugin roles over a shared core: a
// client that dials one server, and a server that accepts many clients.
// Both settle value over the Lightning Network and speak the bilateral
// envelope protocol on websockets.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/account"
	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/btp"
	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/lightning"
	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/settler"
)

var (
	// ErrHandlerAlreadyRegistered guards the single-handler contract.
	ErrHandlerAlreadyRegistered = errors.New("handler already registered")

	// ErrNotConnected fails operations that need an established transport.
	ErrNotConnected = errors.New("plugin not connected")
)

// Plugin is the surface a connector embeds. Handlers may be registered
// before or after Connect; packets arriving while no data handler is
// registered are rejected upstream, not queued.
type Plugin interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	SendData(ctx context.Context, packet []byte) ([]byte, error)
	SendMoney(ctx context.Context, amountSat int64) error

	RegisterDataHandler(fn settler.DataHandler) error
	DeregisterDataHandler()
	RegisterMoneyHandler(fn settler.MoneyHandler) error
	DeregisterMoneyHandler()

	// OnError subscribes fn to transport and Lightning stream failures.
	// One peer's failure is reported here without tearing down others.
	OnError(fn func(error))
}

// handlers holds the registered application callbacks behind a lock so
// the coordinator can read them from transport goroutines.
type handlers struct {
	mu    sync.RWMutex
	data  settler.DataHandler
	money settler.MoneyHandler
}

func (h *handlers) DataHandler() settler.DataHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.data
}

func (h *handlers) MoneyHandler() settler.MoneyHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.money
}

func (h *handlers) registerData(fn settler.DataHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.data != nil {
		return ErrHandlerAlreadyRegistered
	}
	h.data = fn
	return nil
}

func (h *handlers) deregisterData() {
	h.mu.Lock()
	h.data = nil
	h.mu.Unlock()
}

func (h *handlers) registerMoney(fn settler.MoneyHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.money != nil {
		return ErrHandlerAlreadyRegistered
	}
	h.money = fn
	return nil
}

func (h *handlers) deregisterMoney() {
	h.mu.Lock()
	h.money = nil
	h.mu.Unlock()
}

// base carries the machinery both roles share: the Lightning service, the
// settlement coordinator, the account registry and the background pumps
// feeding node events into the coordinator.
type base struct {
	ln       lightning.Service
	registry *account.Registry
	coord    *settler.Coordinator
	handlers *handlers
	log      *zap.Logger

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	errMu  sync.Mutex
	errFns []func(error)
}

func newBase(ln lightning.Service, registry *account.Registry, ilpAddress string, log *zap.Logger) base {
	h := &handlers{}
	return base{
		ln:       ln,
		registry: registry,
		coord:    settler.NewCoordinator(ln, h, registry, ilpAddress, log),
		handlers: h,
		log:      log,
	}
}

func (b *base) RegisterDataHandler(fn settler.DataHandler) error {
	if fn == nil {
		return errors.New("nil data handler")
	}
	return b.handlers.registerData(fn)
}

func (b *base) DeregisterDataHandler() { b.handlers.deregisterData() }

func (b *base) RegisterMoneyHandler(fn settler.MoneyHandler) error {
	if fn == nil {
		return errors.New("nil money handler")
	}
	return b.handlers.registerMoney(fn)
}

func (b *base) DeregisterMoneyHandler() { b.handlers.deregisterMoney() }

func (b *base) OnError(fn func(error)) {
	if fn == nil {
		return
	}
	b.errMu.Lock()
	b.errFns = append(b.errFns, fn)
	b.errMu.Unlock()
}

// emitError logs err and fans it out to every OnError subscriber.
func (b *base) emitError(err error) {
	b.log.Error("plugin error", zap.Error(err))
	b.errMu.Lock()
	fns := make([]func(error), len(b.errFns))
	copy(fns, b.errFns)
	b.errMu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (b *base) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// startLightning brings the Lightning backend up and logs the node
// identity. Implementations without a dial step skip straight to GetInfo.
func (b *base) startLightning(ctx context.Context) error {
	if conn, ok := b.ln.(lightning.Connector); ok {
		if err := conn.Connect(ctx); err != nil {
			return fmt.Errorf("connect lightning node: %w", err)
		}
	}
	info, err := b.ln.GetInfo(ctx)
	if err != nil {
		return fmt.Errorf("lightning node info: %w", err)
	}
	b.log.Info("lightning node ready",
		zap.String("pubkey", info.IdentityPubkey),
		zap.String("alias", info.Alias),
		zap.Bool("synced", info.SyncedToChain))
	return nil
}

// startPumps subscribes to node events and fans them into the
// coordinator until ctx ends.
func (b *base) startPumps(ctx context.Context) error {
	settlements, err := b.ln.SubscribeSettlements(ctx)
	if err != nil {
		return fmt.Errorf("subscribe settlements: %w", err)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.pumpSettlements(ctx, settlements)
	}()

	if reporter, ok := b.ln.(lightning.ErrorReporter); ok {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.pumpErrors(ctx, reporter.Errors())
		}()
	}
	return nil
}

func (b *base) pumpSettlements(ctx context.Context, settlements <-chan lightning.Settlement) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-settlements:
			if !ok {
				b.log.Warn("settlement stream closed")
				return
			}
			b.coord.HandleSettledInvoice(ctx, s)
		}
	}
}

func (b *base) pumpErrors(ctx context.Context, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			b.emitError(fmt.Errorf("lightning backend: %w", err))
		}
	}
}

// envelopeHandler binds inbound envelopes from one peer connection to the
// coordinator under that peer's account.
func (b *base) envelopeHandler(acct *account.Account) btp.Handler {
	return func(ctx context.Context, env *btp.Envelope) (*btp.Envelope, error) {
		switch env.Type {
		case btp.TypeMessage:
			return b.coord.HandleMessage(ctx, acct, env)
		case btp.TypeTransfer:
			return b.coord.HandleTransfer(ctx, acct, env)
		default:
			return nil, &btp.WireError{Code: btp.CodeBadRequest, Message: fmt.Sprintf("unexpected envelope type %q", env.Type)}
		}
	}
}
