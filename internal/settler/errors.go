package settler

import (
	"errors"

	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/account"
	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/btp"
)

var (
	// ErrUnknownSettlement rejects a claim with no matching pending invoice.
	ErrUnknownSettlement = errors.New("unknown settlement")

	// ErrSettlementAmountMismatch rejects a claim whose amount differs from
	// the recorded invoice amount.
	ErrSettlementAmountMismatch = errors.New("settlement amount mismatch")
)

func sentinelFor(code string) error {
	switch code {
	case btp.CodeUnknownSettlement:
		return ErrUnknownSettlement
	case btp.CodeAmountMismatch:
		return ErrSettlementAmountMismatch
	case btp.CodeBalanceLimit:
		return account.ErrBalanceLimitExceeded
	}
	return nil
}

// attachSentinel rebinds a peer-reported error code to the local sentinel
// so callers can use errors.Is across the wire boundary.
func attachSentinel(err error) error {
	var we *btp.WireError
	if errors.As(err, &we) && we.Err == nil {
		we.Err = sentinelFor(we.Code)
	}
	return err
}
