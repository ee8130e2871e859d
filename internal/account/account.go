package account

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/store"
)

// KeyPrefix anchors all persisted balance keys. The full key shape is
// accounts:<name>:<counter>, so operational tooling can SCAN the keyspace.
const KeyPrefix = "accounts:"

const (
	CounterPayable    = "payable"
	CounterReceivable = "receivable"
	CounterPayout     = "payout"
)

var (
	ErrBalanceLimitExceeded = errors.New("balance limit exceeded")
	ErrAccountUnloaded      = errors.New("account is unloaded")
)

// BalanceKey returns the store key for one of an account's counters.
func BalanceKey(name, counter string) string {
	return KeyPrefix + name + ":" + counter
}

// Account tracks what one peer owes us and what we owe it. All three
// counters are persisted on every change; the mutex serializes the whole
// read-modify-persist sequence so concurrent mutations can never both pass a
// bound check against a stale value.
type Account struct {
	name       string
	maxBalance *decimal.Decimal // nil = unbounded
	store      store.Store
	log        *zap.Logger

	mu         sync.Mutex
	payable    decimal.Decimal
	receivable decimal.Decimal
	payout     decimal.Decimal
	unloaded   bool
}

// Snapshot is a point-in-time copy of an account's counters.
type Snapshot struct {
	Name       string
	Payable    decimal.Decimal
	Receivable decimal.Decimal
	Payout     decimal.Decimal
}

func load(ctx context.Context, st store.Store, name string, maxBalance *decimal.Decimal, log *zap.Logger) (*Account, error) {
	a := &Account{
		name:       name,
		maxBalance: maxBalance,
		store:      st,
		log:        log,
	}
	var err error
	if a.payable, err = loadCounter(ctx, st, name, CounterPayable); err != nil {
		return nil, err
	}
	if a.receivable, err = loadCounter(ctx, st, name, CounterReceivable); err != nil {
		return nil, err
	}
	if a.payout, err = loadCounter(ctx, st, name, CounterPayout); err != nil {
		return nil, err
	}
	return a, nil
}

func loadCounter(ctx context.Context, st store.Store, name, counter string) (decimal.Decimal, error) {
	val, ok, err := st.Get(ctx, BalanceKey(name, counter))
	if err != nil {
		return decimal.Zero, fmt.Errorf("load %s %s: %w", name, counter, err)
	}
	if !ok {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load %s %s: corrupt value %q: %w", name, counter, val, err)
	}
	return d, nil
}

func (a *Account) Name() string { return a.name }

// Balances returns a consistent snapshot of all three counters.
func (a *Account) Balances() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		Name:       a.name,
		Payable:    a.payable,
		Receivable: a.receivable,
		Payout:     a.payout,
	}
}

// Credit increases the receivable balance: the peer has settled value to us.
// The counter is left untouched when the cap would be breached or the
// persistence write fails, so the caller can safely skip side effects.
func (a *Account) Credit(ctx context.Context, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("credit amount must be positive, got %s", amount)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unloaded {
		return ErrAccountUnloaded
	}
	next := a.receivable.Add(amount)
	if a.maxBalance != nil && next.GreaterThan(*a.maxBalance) {
		return fmt.Errorf("%w: receivable %s + %s > max %s",
			ErrBalanceLimitExceeded, a.receivable, amount, a.maxBalance)
	}
	return a.setReceivable(ctx, next)
}

// Debit increases the payable balance: we owe the peer more.
func (a *Account) Debit(ctx context.Context, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("debit amount must be positive, got %s", amount)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unloaded {
		return ErrAccountUnloaded
	}
	next := a.payable.Add(amount)
	if a.maxBalance != nil && next.GreaterThan(*a.maxBalance) {
		return fmt.Errorf("%w: payable %s + %s > max %s",
			ErrBalanceLimitExceeded, a.payable, amount, a.maxBalance)
	}
	return a.setPayable(ctx, next)
}

// QueuePayout earmarks an amount for the next outgoing settlement attempt.
// Kept separate from the payable balance so a failed payment does not lose
// track of what should be retried.
func (a *Account) QueuePayout(ctx context.Context, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("payout amount must be positive, got %s", amount)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unloaded {
		return ErrAccountUnloaded
	}
	return a.setPayout(ctx, a.payout.Add(amount))
}

// SettleOutgoing clears an amount from both the payout earmark and the
// payable balance after a Lightning payment attestation confirmed success.
// Both counters floor at zero.
func (a *Account) SettleOutgoing(ctx context.Context, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("settle amount must be positive, got %s", amount)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unloaded {
		return ErrAccountUnloaded
	}
	if err := a.setPayout(ctx, floorZero(a.payout.Sub(amount))); err != nil {
		return err
	}
	return a.setPayable(ctx, floorZero(a.payable.Sub(amount)))
}

// Unload flushes all counters once more and detaches the account. Any
// mutation after Unload fails with ErrAccountUnloaded.
func (a *Account) Unload(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unloaded {
		return nil
	}
	a.unloaded = true
	var firstErr error
	for _, c := range []struct {
		counter string
		val     decimal.Decimal
	}{
		{CounterPayable, a.payable},
		{CounterReceivable, a.receivable},
		{CounterPayout, a.payout},
	} {
		if err := a.store.Put(ctx, BalanceKey(a.name, c.counter), c.val.String()); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush %s %s: %w", a.name, c.counter, err)
		}
	}
	return firstErr
}

// Counter setters mutate in memory, persist, and roll back the in-memory
// value when the write fails, so a counter never diverges from the store by
// more than an uncommitted write.

func (a *Account) setPayable(ctx context.Context, v decimal.Decimal) error {
	old := a.payable
	a.payable = v
	if err := a.store.Put(ctx, BalanceKey(a.name, CounterPayable), v.String()); err != nil {
		a.payable = old
		return fmt.Errorf("persist %s payable: %w", a.name, err)
	}
	return nil
}

func (a *Account) setReceivable(ctx context.Context, v decimal.Decimal) error {
	old := a.receivable
	a.receivable = v
	if err := a.store.Put(ctx, BalanceKey(a.name, CounterReceivable), v.String()); err != nil {
		a.receivable = old
		return fmt.Errorf("persist %s receivable: %w", a.name, err)
	}
	return nil
}

func (a *Account) setPayout(ctx context.Context, v decimal.Decimal) error {
	old := a.payout
	a.payout = v
	if err := a.store.Put(ctx, BalanceKey(a.name, CounterPayout), v.String()); err != nil {
		a.payout = old
		return fmt.Errorf("persist %s payout: %w", a.name, err)
	}
	return nil
}

func floorZero(d decimal.Decimal) decimal.Decimal {
	if d.Sign() < 0 {
		return decimal.Zero
	}
	return d
}
