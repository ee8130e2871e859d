package account

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/store"
)

// Registry owns the set of loaded accounts. Accounts are created lazily on
// first use and become visible only after all three counters are hydrated
// from the store, so a message can never be processed against a
// zero-initialized, not-yet-loaded balance.
type Registry struct {
	store      store.Store
	maxBalance *decimal.Decimal
	log        *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	ready chan struct{}
	acct  *Account
	err   error
}

func NewRegistry(st store.Store, maxBalance *decimal.Decimal, log *zap.Logger) *Registry {
	return &Registry{
		store:      st,
		maxBalance: maxBalance,
		log:        log,
		entries:    make(map[string]*entry),
	}
}

// Load returns the account for name, hydrating it from the store on first
// use. Concurrent loads of the same name share one hydration; every caller
// waits until it completes.
func (r *Registry) Load(ctx context.Context, name string) (*Account, error) {
	r.mu.Lock()
	if e, ok := r.entries[name]; ok {
		r.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.acct, nil
	}
	e := &entry{ready: make(chan struct{})}
	r.entries[name] = e
	r.mu.Unlock()

	acct, err := load(ctx, r.store, name, r.maxBalance, r.log)
	if err != nil {
		r.mu.Lock()
		delete(r.entries, name)
		r.mu.Unlock()
		e.err = err
		close(e.ready)
		return nil, err
	}
	e.acct = acct
	close(e.ready)
	r.log.Info("account loaded",
		zap.String("account", name),
		zap.String("payable", acct.payable.String()),
		zap.String("receivable", acct.receivable.String()),
		zap.String("payout", acct.payout.String()),
	)
	return acct, nil
}

// Lookup returns an already-hydrated account without loading. Used by the
// invoice-stream path, which must never create accounts.
func (r *Registry) Lookup(name string) (*Account, bool) {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
	default:
		return nil, false
	}
	if e.err != nil {
		return nil, false
	}
	return e.acct, true
}

// Snapshots returns the balances of every hydrated account.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	accts := make([]*Account, 0, len(r.entries))
	for _, e := range r.entries {
		select {
		case <-e.ready:
			if e.err == nil {
				accts = append(accts, e.acct)
			}
		default:
		}
	}
	r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(accts))
	for _, a := range accts {
		snaps = append(snaps, a.Balances())
	}
	return snaps
}

// UnloadAll flushes and evicts every loaded account. Returns the first flush
// error; eviction proceeds regardless.
func (r *Registry) UnloadAll(ctx context.Context) error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	var firstErr error
	for name, e := range entries {
		select {
		case <-e.ready:
		default:
			continue // still hydrating, nothing to flush
		}
		if e.err != nil {
			continue
		}
		if err := e.acct.Unload(ctx); err != nil {
			r.log.Error("account unload failed", zap.String("account", name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
