// Package lightning wraps the slice of a Lightning node the plugin consumes:
// node identity, invoice issuance, BOLT11 decoding, and the two process-wide
// streams (payment submission, settled-invoice notifications).
package lightning

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lntypes"
)

// NodeInfo identifies the backing Lightning node.
type NodeInfo struct {
	IdentityPubkey string
	Alias          string
	SyncedToChain  bool
	SyncedToGraph  bool
	BlockHeight    uint32
	Version        string
}

// Invoice is a freshly issued payment request.
type Invoice struct {
	PaymentRequest string
	Hash           lntypes.Hash
	AmountSat      int64
}

// PayReq is a decoded BOLT11 payment request.
type PayReq struct {
	Hash        lntypes.Hash
	AmountSat   int64
	Destination string
}

// PaymentResult is the attestation for one successful outgoing payment.
type PaymentResult struct {
	Hash     lntypes.Hash
	Preimage lntypes.Preimage
}

// Settlement reports one of this node's invoices settling.
type Settlement struct {
	Hash      lntypes.Hash
	AmountSat int64
}

// Service is the Lightning surface consumed by the settlement engine.
// PayInvoice blocks until the payment stream attests success or failure.
// The settlement channel is shared and process-wide; it is closed when the
// backing stream dies.
type Service interface {
	GetInfo(ctx context.Context) (*NodeInfo, error)
	AddInvoice(ctx context.Context, amountSat int64) (*Invoice, error)
	DecodePaymentRequest(ctx context.Context, payReq string) (*PayReq, error)
	PayInvoice(ctx context.Context, payReq string) (*PaymentResult, error)
	SubscribeSettlements(ctx context.Context) (<-chan Settlement, error)
	Close() error
}

// Connector is implemented by backends that own a connection bootstrap.
// Injected fakes don't connect to anything.
type Connector interface {
	Connect(ctx context.Context) error
}

// ErrorReporter surfaces terminal stream failures to the daemon.
type ErrorReporter interface {
	Errors() <-chan error
}

// ChainParams maps a configured network name to BOLT11 chain parameters.
func ChainParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	}
	return nil, fmt.Errorf("unknown lightning network %q", network)
}
