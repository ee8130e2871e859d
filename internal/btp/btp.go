// Package btp carries the bilateral transport between two peers: JSON
// envelopes over a websocket, each addressed by named protocol entries
// alongside an optional ILP payload, with request/response correlation,
// an auth handshake and keepalive.
package btp

// Envelope types.
const (
	TypeMessage  = "message"
	TypeTransfer = "transfer"
	TypeResponse = "response"
	TypeError    = "error"
)

// Content types for protocol entries.
const (
	ContentOctetStream = "application/octet-stream"
	ContentJSON        = "application/json"
	ContentText        = "text/plain-utf8"
)

// Protocol entry names.
const (
	ProtoILP          = "ilp"
	ProtoInvoice      = "invoice"
	ProtoPreimage     = "preimage"
	ProtoInfo         = "info"
	ProtoAuthToken    = "auth_token"
	ProtoAuthUsername = "auth_username"
)

// Wire error codes carried in ERROR envelopes.
const (
	CodeUnknownSettlement = "unknown-settlement"
	CodeAmountMismatch    = "amount-mismatch"
	CodeBalanceLimit      = "balance-limit"
	CodeBadRequest        = "bad-request"
	CodeUnauthorized      = "unauthorized"
	CodeInternal          = "internal"
)

// ProtocolData is one named extension entry carried by an envelope. Data
// travels base64-encoded on the wire.
type ProtocolData struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
}

// ErrorData describes a failed request.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is one transport frame. Amount is set on transfers only and
// carries satoshis as decimal text.
type Envelope struct {
	Type         string         `json:"type"`
	RequestID    uint32         `json:"requestId"`
	Amount       string         `json:"amount,omitempty"`
	ProtocolData []ProtocolData `json:"protocolData"`
	Error        *ErrorData     `json:"error,omitempty"`
}

// Protocol returns the named protocol entry's data.
func (e *Envelope) Protocol(name string) ([]byte, bool) {
	for _, p := range e.ProtocolData {
		if p.Name == name {
			return p.Data, true
		}
	}
	return nil, false
}

// NewMessage builds a MESSAGE envelope carrying the given protocol entries.
func NewMessage(pd ...ProtocolData) *Envelope {
	return &Envelope{Type: TypeMessage, ProtocolData: append([]ProtocolData{}, pd...)}
}

// NewTransfer builds a TRANSFER envelope asserting a settled amount.
func NewTransfer(amount string, pd ...ProtocolData) *Envelope {
	return &Envelope{Type: TypeTransfer, Amount: amount, ProtocolData: append([]ProtocolData{}, pd...)}
}

// NewResponse builds a RESPONSE envelope.
func NewResponse(pd ...ProtocolData) *Envelope {
	return &Envelope{Type: TypeResponse, ProtocolData: append([]ProtocolData{}, pd...)}
}

// WireError maps an error to the ERROR envelope code sent to the peer, and
// carries the code on the receiving side. Err, when set, is reachable via
// errors.Is/As.
type WireError struct {
	Code    string
	Message string
	Err     error
}

func (e *WireError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code
}

func (e *WireError) Unwrap() error { return e.Err }
