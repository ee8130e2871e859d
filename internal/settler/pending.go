package settler

import "sync"

// pendingInvoices tracks invoices this node has issued and not yet seen
// settled, keyed by the hex payment hash. Both resolution paths run their
// check-and-delete inside one critical section with no I/O: whichever path
// wins deletes the entry, and the loser observes it gone.
type pendingInvoices struct {
	mu      sync.Mutex
	entries map[string]pendingInvoice
}

type pendingInvoice struct {
	accountName string
	amountSat   int64
}

func newPendingInvoices() *pendingInvoices {
	return &pendingInvoices{entries: make(map[string]pendingInvoice)}
}

func (p *pendingInvoices) add(condition, accountName string, amountSat int64) {
	p.mu.Lock()
	p.entries[condition] = pendingInvoice{accountName: accountName, amountSat: amountSat}
	p.mu.Unlock()
}

// resolveClaim validates a peer claim against the recorded entry and, on a
// full match, deletes it. Deletion is the linearization point: a rejected
// claim leaves the entry in place for a later correct claim or for the
// invoice stream.
func (p *pendingInvoices) resolveClaim(condition, accountName string, amountSat int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[condition]
	if !ok || entry.accountName != accountName {
		return ErrUnknownSettlement
	}
	if entry.amountSat != amountSat {
		return ErrSettlementAmountMismatch
	}
	delete(p.entries, condition)
	return nil
}

// resolveSettled consumes the entry for a settlement reported by the node
// itself. A missing entry means a peer claim already won the race.
func (p *pendingInvoices) resolveSettled(condition string) (pendingInvoice, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[condition]
	if !ok {
		return pendingInvoice{}, false
	}
	delete(p.entries, condition)
	return entry, true
}

func (p *pendingInvoices) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
