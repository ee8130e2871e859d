// Package ilp implements the slice of the ILPv4 packet format the plugin
// needs: Prepare/Fulfill/Reject framing and the IL-DCP address negotiation
// exchange. Full packet handling stays with the connector.
package ilp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"
)

// Packet type bytes per ILPv4.
const (
	TypePrepare byte = 12
	TypeFulfill byte = 13
	TypeReject  byte = 14
)

// ConditionLen is the fixed size of execution conditions and fulfillments.
const ConditionLen = 32

const (
	timestampLen    = 17
	timestampLayout = "20060102150405"
)

// Prepare carries value toward a destination, locked to a condition.
type Prepare struct {
	Amount      uint64
	ExpiresAt   time.Time
	Condition   [ConditionLen]byte
	Destination string
	Data        []byte
}

// Fulfill proves a Prepare's condition was met.
type Fulfill struct {
	Fulfillment [ConditionLen]byte
	Data        []byte
}

// Reject refuses a Prepare with a three-letter ILP error code.
type Reject struct {
	Code        string
	TriggeredBy string
	Message     string
	Data        []byte
}

// PacketType returns the type byte of a serialized packet.
func PacketType(pkt []byte) (byte, error) {
	if len(pkt) == 0 {
		return 0, fmt.Errorf("ilp: empty packet")
	}
	return pkt[0], nil
}

// EncodePrepare serializes p.
func EncodePrepare(p Prepare) []byte {
	var c bytes.Buffer
	var amt [8]byte
	binary.BigEndian.PutUint64(amt[:], p.Amount)
	c.Write(amt[:])
	c.WriteString(formatTimestamp(p.ExpiresAt))
	c.Write(p.Condition[:])
	appendVarOctet(&c, []byte(p.Destination))
	appendVarOctet(&c, p.Data)
	return envelope(TypePrepare, c.Bytes())
}

// DecodePrepare parses a serialized Prepare.
func DecodePrepare(pkt []byte) (Prepare, error) {
	var p Prepare
	r, err := unwrap(TypePrepare, pkt)
	if err != nil {
		return p, err
	}
	amt, err := r.take(8)
	if err != nil {
		return p, err
	}
	p.Amount = binary.BigEndian.Uint64(amt)
	ts, err := r.take(timestampLen)
	if err != nil {
		return p, err
	}
	if p.ExpiresAt, err = parseTimestamp(string(ts)); err != nil {
		return p, err
	}
	cond, err := r.take(ConditionLen)
	if err != nil {
		return p, err
	}
	copy(p.Condition[:], cond)
	dest, err := r.readVarOctet()
	if err != nil {
		return p, err
	}
	p.Destination = string(dest)
	if p.Data, err = r.readVarOctet(); err != nil {
		return p, err
	}
	return p, r.expectEnd()
}

// EncodeFulfill serializes f.
func EncodeFulfill(f Fulfill) []byte {
	var c bytes.Buffer
	c.Write(f.Fulfillment[:])
	appendVarOctet(&c, f.Data)
	return envelope(TypeFulfill, c.Bytes())
}

// DecodeFulfill parses a serialized Fulfill.
func DecodeFulfill(pkt []byte) (Fulfill, error) {
	var f Fulfill
	r, err := unwrap(TypeFulfill, pkt)
	if err != nil {
		return f, err
	}
	ff, err := r.take(ConditionLen)
	if err != nil {
		return f, err
	}
	copy(f.Fulfillment[:], ff)
	if f.Data, err = r.readVarOctet(); err != nil {
		return f, err
	}
	return f, r.expectEnd()
}

// EncodeReject serializes rj.
func EncodeReject(rj Reject) []byte {
	var c bytes.Buffer
	code := rj.Code
	if len(code) != 3 {
		code = "F99"
	}
	c.WriteString(code)
	appendVarOctet(&c, []byte(rj.TriggeredBy))
	appendVarOctet(&c, []byte(rj.Message))
	appendVarOctet(&c, rj.Data)
	return envelope(TypeReject, c.Bytes())
}

// DecodeReject parses a serialized Reject.
func DecodeReject(pkt []byte) (Reject, error) {
	var rj Reject
	r, err := unwrap(TypeReject, pkt)
	if err != nil {
		return rj, err
	}
	code, err := r.take(3)
	if err != nil {
		return rj, err
	}
	rj.Code = string(code)
	tb, err := r.readVarOctet()
	if err != nil {
		return rj, err
	}
	rj.TriggeredBy = string(tb)
	msg, err := r.readVarOctet()
	if err != nil {
		return rj, err
	}
	rj.Message = string(msg)
	if rj.Data, err = r.readVarOctet(); err != nil {
		return rj, err
	}
	return rj, r.expectEnd()
}

// ── OER helpers ───────────────────────────────────────────────────────────────

func envelope(typ byte, contents []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(contents) + 5)
	buf.WriteByte(typ)
	appendVarOctet(&buf, contents)
	return buf.Bytes()
}

// appendVarLen writes an OER length prefix: one byte below 128, otherwise
// 0x80|n followed by n big-endian length bytes.
func appendVarLen(buf *bytes.Buffer, n int) {
	if n < 0x80 {
		buf.WriteByte(byte(n))
		return
	}
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], uint64(n))
	i := 0
	for raw[i] == 0 {
		i++
	}
	buf.WriteByte(0x80 | byte(len(raw)-i))
	buf.Write(raw[i:])
}

func appendVarOctet(buf *bytes.Buffer, b []byte) {
	appendVarLen(buf, len(b))
	buf.Write(b)
}

type reader struct {
	buf []byte
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || len(r.buf) < n {
		return nil, fmt.Errorf("ilp: truncated packet")
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b, nil
}

func (r *reader) readByte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) readVarLen() (int, error) {
	b, err := r.readByte()
	if err != nil {
		return 0, err
	}
	if b < 0x80 {
		return int(b), nil
	}
	count := int(b & 0x7f)
	if count == 0 || count > 4 {
		return 0, fmt.Errorf("ilp: unsupported length prefix 0x%02x", b)
	}
	raw, err := r.take(count)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, x := range raw {
		n = n<<8 | int(x)
	}
	return n, nil
}

func (r *reader) readVarOctet() ([]byte, error) {
	n, err := r.readVarLen()
	if err != nil {
		return nil, err
	}
	return r.take(n)
}

func (r *reader) expectEnd() error {
	if len(r.buf) != 0 {
		return fmt.Errorf("ilp: %d trailing bytes", len(r.buf))
	}
	return nil
}

// unwrap checks the type byte and returns a reader over the envelope contents.
func unwrap(typ byte, pkt []byte) (*reader, error) {
	r := &reader{buf: pkt}
	got, err := r.readByte()
	if err != nil {
		return nil, err
	}
	if got != typ {
		return nil, fmt.Errorf("ilp: unexpected packet type %d, want %d", got, typ)
	}
	contents, err := r.readVarOctet()
	if err != nil {
		return nil, err
	}
	if err := r.expectEnd(); err != nil {
		return nil, err
	}
	return &reader{buf: contents}, nil
}

// Timestamps travel as 17 ASCII digits, YYYYMMDDHHMMSSmmm, always UTC.

func formatTimestamp(t time.Time) string {
	t = t.UTC()
	return t.Format(timestampLayout) + fmt.Sprintf("%03d", t.Nanosecond()/int(time.Millisecond))
}

func parseTimestamp(s string) (time.Time, error) {
	if len(s) != timestampLen {
		return time.Time{}, fmt.Errorf("ilp: bad timestamp %q", s)
	}
	base, err := time.Parse(timestampLayout, s[:14])
	if err != nil {
		return time.Time{}, fmt.Errorf("ilp: bad timestamp %q: %w", s, err)
	}
	ms, err := strconv.Atoi(s[14:])
	if err != nil || ms < 0 {
		return time.Time{}, fmt.Errorf("ilp: bad timestamp %q", s)
	}
	return base.Add(time.Duration(ms) * time.Millisecond), nil
}
