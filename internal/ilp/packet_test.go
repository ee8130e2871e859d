package ilp

import (
	"bytes"
	"encoding/hex"
	"testing"
	"time"
)

var (
	testExpiry    = time.Date(2024, 1, 2, 3, 4, 5, 678e6, time.UTC)
	testCondition = func() [ConditionLen]byte {
		var c [ConditionLen]byte
		for i := range c {
			c[i] = 0xAA
		}
		return c
	}()
)

func TestEncodePrepare_WireLayout(t *testing.T) {
	pkt := EncodePrepare(Prepare{
		Amount:      1000,
		ExpiresAt:   testExpiry,
		Condition:   testCondition,
		Destination: "g.alice",
		Data:        []byte{0xDE, 0xAD},
	})

	// 1 type + 1 length + 8 amount + 17 timestamp + 32 condition +
	// (1+7) destination + (1+2) data.
	if len(pkt) != 70 {
		t.Fatalf("packet length: got %d want 70", len(pkt))
	}
	if pkt[0] != TypePrepare {
		t.Errorf("type byte: got %d want %d", pkt[0], TypePrepare)
	}
	if pkt[1] != 0x44 {
		t.Errorf("length prefix: got 0x%02x want 0x44", pkt[1])
	}
	if got := string(pkt[10:27]); got != "20240102030405678" {
		t.Errorf("timestamp bytes: got %q", got)
	}
}

func TestPrepare_RoundTrip(t *testing.T) {
	in := Prepare{
		Amount:      1000,
		ExpiresAt:   testExpiry,
		Condition:   testCondition,
		Destination: "g.alice",
		Data:        []byte{0xDE, 0xAD},
	}
	out, err := DecodePrepare(EncodePrepare(in))
	if err != nil {
		t.Fatalf("DecodePrepare: %v", err)
	}
	if out.Amount != in.Amount {
		t.Errorf("amount: got %d want %d", out.Amount, in.Amount)
	}
	if !out.ExpiresAt.Equal(in.ExpiresAt) {
		t.Errorf("expiresAt: got %v want %v", out.ExpiresAt, in.ExpiresAt)
	}
	if out.Condition != in.Condition {
		t.Errorf("condition mismatch")
	}
	if out.Destination != in.Destination {
		t.Errorf("destination: got %q want %q", out.Destination, in.Destination)
	}
	if !bytes.Equal(out.Data, in.Data) {
		t.Errorf("data: got %x want %x", out.Data, in.Data)
	}
}

func TestPrepare_MultiByteLengthPrefix(t *testing.T) {
	in := Prepare{
		Amount:      1,
		ExpiresAt:   testExpiry,
		Condition:   testCondition,
		Destination: "g.alice",
		Data:        bytes.Repeat([]byte{0x55}, 200),
	}
	pkt := EncodePrepare(in)

	// Contents are 267 bytes, so the envelope needs a two-byte length.
	if pkt[1] != 0x82 || pkt[2] != 0x01 || pkt[3] != 0x0B {
		t.Fatalf("length prefix: got % x", pkt[1:4])
	}
	out, err := DecodePrepare(pkt)
	if err != nil {
		t.Fatalf("DecodePrepare: %v", err)
	}
	if !bytes.Equal(out.Data, in.Data) {
		t.Errorf("data did not survive multi-byte length round trip")
	}
}

func TestDecodePrepare_Errors(t *testing.T) {
	valid := EncodePrepare(Prepare{
		Amount:      1,
		ExpiresAt:   testExpiry,
		Condition:   testCondition,
		Destination: "g.alice",
	})

	if _, err := DecodePrepare(nil); err == nil {
		t.Error("empty packet must fail")
	}
	if _, err := DecodePrepare(EncodeFulfill(Fulfill{})); err == nil {
		t.Error("wrong type byte must fail")
	}
	if _, err := DecodePrepare(valid[:len(valid)-1]); err == nil {
		t.Error("truncated packet must fail")
	}
	if _, err := DecodePrepare(append(append([]byte{}, valid...), 0x00)); err == nil {
		t.Error("trailing bytes must fail")
	}

	corrupt := append([]byte{}, valid...)
	corrupt[10] = 'X' // first timestamp digit
	if _, err := DecodePrepare(corrupt); err == nil {
		t.Error("corrupt timestamp must fail")
	}
}

func TestFulfill_RoundTrip(t *testing.T) {
	in := Fulfill{Fulfillment: testCondition, Data: []byte("ok")}
	out, err := DecodeFulfill(EncodeFulfill(in))
	if err != nil {
		t.Fatalf("DecodeFulfill: %v", err)
	}
	if out.Fulfillment != in.Fulfillment || !bytes.Equal(out.Data, in.Data) {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestReject_RoundTrip(t *testing.T) {
	in := Reject{
		Code:        CodeUnreachable,
		TriggeredBy: "g.me",
		Message:     "no data handler registered",
	}
	pkt := EncodeReject(in)
	if typ, _ := PacketType(pkt); typ != TypeReject {
		t.Fatalf("type byte: got %d want %d", typ, TypeReject)
	}
	out, err := DecodeReject(pkt)
	if err != nil {
		t.Fatalf("DecodeReject: %v", err)
	}
	if out.Code != in.Code || out.TriggeredBy != in.TriggeredBy || out.Message != in.Message {
		t.Errorf("round trip mismatch: %+v", out)
	}
	if len(out.Data) != 0 {
		t.Errorf("data: got %x want empty", out.Data)
	}
}

func TestPacketType(t *testing.T) {
	if _, err := PacketType(nil); err == nil {
		t.Error("empty packet must fail")
	}
	typ, err := PacketType(EncodeFulfill(Fulfill{}))
	if err != nil || typ != TypeFulfill {
		t.Errorf("got (%d, %v) want (%d, nil)", typ, err, TypeFulfill)
	}
}

// ── IL-DCP ────────────────────────────────────────────────────────────────────

func TestZeroCondition_IsDigestOfZeroFulfillment(t *testing.T) {
	const want = "66687aadf862bd776c8fc18b8e9f8e20089714856ee233b3902a591d0d5f2925"
	if got := hex.EncodeToString(ZeroCondition[:]); got != want {
		t.Errorf("zero condition: got %s want %s", got, want)
	}
}

func TestNewConfigRequest(t *testing.T) {
	p, err := DecodePrepare(NewConfigRequest(testExpiry))
	if err != nil {
		t.Fatalf("DecodePrepare: %v", err)
	}
	if p.Destination != PeerConfigDestination {
		t.Errorf("destination: got %q want %q", p.Destination, PeerConfigDestination)
	}
	if p.Amount != 0 {
		t.Errorf("amount: got %d want 0", p.Amount)
	}
	if p.Condition != ZeroCondition {
		t.Errorf("condition is not the zero condition")
	}
}

func TestConfigResponse_RoundTrip(t *testing.T) {
	in := ConfigResponse{ClientAddress: "private.moneyd.alice", AssetScale: 8, AssetCode: "BTC"}
	pkt := EncodeConfigResponse(in)

	f, err := DecodeFulfill(pkt)
	if err != nil {
		t.Fatalf("DecodeFulfill: %v", err)
	}
	if f.Fulfillment != ZeroFulfillment {
		t.Errorf("fulfillment is not the zero fulfillment")
	}

	out, err := DecodeConfigResponse(pkt)
	if err != nil {
		t.Fatalf("DecodeConfigResponse: %v", err)
	}
	if out != in {
		t.Errorf("round trip mismatch: got %+v want %+v", out, in)
	}
}

func TestDecodeConfigResponse_Truncated(t *testing.T) {
	pkt := EncodeFulfill(Fulfill{Fulfillment: ZeroFulfillment, Data: []byte{0x10}})
	if _, err := DecodeConfigResponse(pkt); err == nil {
		t.Error("truncated config payload must fail")
	}
}
