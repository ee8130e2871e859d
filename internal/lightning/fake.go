package lightning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/lightningnetwork/lnd/lntypes"
)

// FakeService is an in-memory Service for tests. Two linked fakes act as
// Lightning peers: paying an invoice issued by one settles it there and
// emits a settlement notification on the issuer's subscription. Preimages
// are derived deterministically from the issuer's name and a sequence
// number. Payment requests use a private "lnfake:<hash>:<amount>" format
// that only fakes can decode.
type FakeService struct {
	name string

	mu           sync.Mutex
	peer         *FakeService
	invoices     map[lntypes.Hash]*fakeInvoice
	settlements  chan Settlement
	failPayments bool
	seq          int

	errs chan error
}

type fakeInvoice struct {
	preimage  lntypes.Preimage
	amountSat int64
	settled   bool
}

func NewFakeService(name string) *FakeService {
	return &FakeService{
		name:        name,
		invoices:    make(map[lntypes.Hash]*fakeInvoice),
		settlements: make(chan Settlement, settlementBuffer),
		errs:        make(chan error, errorBuffer),
	}
}

// Link wires two fakes as each other's Lightning peer.
func Link(a, b *FakeService) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

func (f *FakeService) GetInfo(_ context.Context) (*NodeInfo, error) {
	sum := sha256.Sum256([]byte(f.name))
	return &NodeInfo{
		IdentityPubkey: hex.EncodeToString(sum[:]),
		Alias:          f.name,
		SyncedToChain:  true,
		SyncedToGraph:  true,
		Version:        "fake",
	}, nil
}

func (f *FakeService) AddInvoice(_ context.Context, amountSat int64) (*Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	pre := lntypes.Preimage(sha256.Sum256([]byte(fmt.Sprintf("%s-%d", f.name, f.seq))))
	hash := pre.Hash()
	f.invoices[hash] = &fakeInvoice{preimage: pre, amountSat: amountSat}
	return &Invoice{
		PaymentRequest: fakePayReq(hash, amountSat),
		Hash:           hash,
		AmountSat:      amountSat,
	}, nil
}

func (f *FakeService) DecodePaymentRequest(_ context.Context, payReq string) (*PayReq, error) {
	hash, amount, err := parseFakePayReq(payReq)
	if err != nil {
		return nil, err
	}
	return &PayReq{Hash: hash, AmountSat: amount}, nil
}

func (f *FakeService) PayInvoice(_ context.Context, payReq string) (*PaymentResult, error) {
	hash, _, err := parseFakePayReq(payReq)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	fail := f.failPayments
	peer := f.peer
	f.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("payment failed: injected failure")
	}
	if peer == nil {
		return nil, fmt.Errorf("payment failed: no route to destination")
	}
	pre, err := peer.SettleInvoice(hash)
	if err != nil {
		return nil, fmt.Errorf("payment failed: %w", err)
	}
	return &PaymentResult{Hash: hash, Preimage: pre}, nil
}

// SettleInvoice marks one of this fake's invoices settled and emits the
// settlement notification, as if the payment had arrived over the public
// network. Returns the invoice's preimage.
func (f *FakeService) SettleInvoice(hash lntypes.Hash) (lntypes.Preimage, error) {
	f.mu.Lock()
	inv, ok := f.invoices[hash]
	if !ok {
		f.mu.Unlock()
		return lntypes.Preimage{}, fmt.Errorf("unknown invoice %s", hash)
	}
	if inv.settled {
		f.mu.Unlock()
		return lntypes.Preimage{}, fmt.Errorf("invoice %s already settled", hash)
	}
	inv.settled = true
	pre := inv.preimage
	amount := inv.amountSat
	ch := f.settlements
	f.mu.Unlock()

	select {
	case ch <- Settlement{Hash: hash, AmountSat: amount}:
	default:
	}
	return pre, nil
}

func (f *FakeService) SubscribeSettlements(_ context.Context) (<-chan Settlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settlements, nil
}

// Preimage returns the preimage behind one of this fake's invoices.
func (f *FakeService) Preimage(hash lntypes.Hash) (lntypes.Preimage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[hash]
	if !ok {
		return lntypes.Preimage{}, false
	}
	return inv.preimage, true
}

// SetFailPayments makes every subsequent PayInvoice fail without touching
// the peer's ledger.
func (f *FakeService) SetFailPayments(fail bool) {
	f.mu.Lock()
	f.failPayments = fail
	f.mu.Unlock()
}

// InjectError surfaces err on the Errors channel.
func (f *FakeService) InjectError(err error) {
	select {
	case f.errs <- err:
	default:
	}
}

func (f *FakeService) Errors() <-chan error { return f.errs }

func (f *FakeService) Close() error { return nil }

func fakePayReq(hash lntypes.Hash, amountSat int64) string {
	return fmt.Sprintf("lnfake:%s:%d", hash, amountSat)
}

func parseFakePayReq(payReq string) (lntypes.Hash, int64, error) {
	parts := strings.Split(payReq, ":")
	if len(parts) != 3 || parts[0] != "lnfake" {
		return lntypes.Hash{}, 0, fmt.Errorf("decode payment request: not a fake invoice")
	}
	hash, err := lntypes.MakeHashFromStr(parts[1])
	if err != nil {
		return lntypes.Hash{}, 0, fmt.Errorf("decode payment request: %w", err)
	}
	amount, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return lntypes.Hash{}, 0, fmt.Errorf("decode payment request: %w", err)
	}
	return hash, amount, nil
}

var (
	_ Service       = (*FakeService)(nil)
	_ ErrorReporter = (*FakeService)(nil)
)
