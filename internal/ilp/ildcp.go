package ilp

import (
	"bytes"
	"crypto/sha256"
	"time"
)

// PeerConfigDestination is the reserved address for IL-DCP: a child sends a
// Prepare here to ask its parent for an ILP address and asset details. The
// parent answers locally; the packet never reaches the data handler.
const PeerConfigDestination = "peer.config"

// Reject codes used by the local responder.
const (
	CodeBadRequest    = "F00"
	CodeInvalidPacket = "F01"
	CodeUnreachable   = "F02"
	CodeInternalError = "T00"
)

// ZeroFulfillment is the well-known fulfillment for locally answered
// protocol packets; ZeroCondition is its SHA-256 digest.
var (
	ZeroFulfillment [ConditionLen]byte
	ZeroCondition   = sha256.Sum256(ZeroFulfillment[:])
)

// ConfigResponse is the payload of an IL-DCP Fulfill.
type ConfigResponse struct {
	ClientAddress string
	AssetScale    uint8
	AssetCode     string
}

// NewConfigRequest builds the Prepare a child sends to request its address.
func NewConfigRequest(expiresAt time.Time) []byte {
	return EncodePrepare(Prepare{
		ExpiresAt:   expiresAt,
		Condition:   ZeroCondition,
		Destination: PeerConfigDestination,
	})
}

// EncodeConfigResponse wraps c in a Fulfill carrying the zero fulfillment.
func EncodeConfigResponse(c ConfigResponse) []byte {
	var d bytes.Buffer
	appendVarOctet(&d, []byte(c.ClientAddress))
	d.WriteByte(c.AssetScale)
	appendVarOctet(&d, []byte(c.AssetCode))
	return EncodeFulfill(Fulfill{Fulfillment: ZeroFulfillment, Data: d.Bytes()})
}

// DecodeConfigResponse parses the Fulfill a parent answers peer.config with.
func DecodeConfigResponse(pkt []byte) (ConfigResponse, error) {
	var c ConfigResponse
	f, err := DecodeFulfill(pkt)
	if err != nil {
		return c, err
	}
	r := &reader{buf: f.Data}
	addr, err := r.readVarOctet()
	if err != nil {
		return c, err
	}
	c.ClientAddress = string(addr)
	if c.AssetScale, err = r.readByte(); err != nil {
		return c, err
	}
	code, err := r.readVarOctet()
	if err != nil {
		return c, err
	}
	c.AssetCode = string(code)
	return c, r.expectEnd()
}
