// Package ilp implements Interledger packet types and their standard
// binary encoding.
//
// The wire format is the OER-based encoding used by every Interledger
// implementation: a one-byte packet type, an OER length determinant, and
// the packet contents. Prepare carries a fixed 8-byte amount, a 17-byte
// interledger timestamp, a 32-byte execution condition, and var-octet
// destination and data fields. Replies are either Fulfill (32-byte
// fulfillment) or Reject (3-character code, triggering address, message).
// The encoding must match upstream connectors byte for byte.
package ilp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/Kava-Labs/switch-api/errors"
)

// Packet type identifiers on the wire.
const (
	TypePrepare byte = 12
	TypeFulfill byte = 13
	TypeReject  byte = 14
)

// ConditionLen is the length of an execution condition and a fulfillment.
const ConditionLen = 32

// timestampLayout is the fixed 17-character interledger timestamp
// (UTC, millisecond precision, no separators).
const timestampLayout = "20060102150405.000"

// Prepare is a request to transfer value, locked to an execution condition.
type Prepare struct {
	Destination        Address
	Amount             uint64
	ExecutionCondition [ConditionLen]byte
	ExpiresAt          time.Time
	Data               []byte
}

// Fulfill is the success reply to a Prepare, releasing the locked value.
type Fulfill struct {
	Fulfillment [ConditionLen]byte
	Data        []byte
}

// Reject is the failure reply to a Prepare.
type Reject struct {
	Code        string // 3-character code, e.g. "F02"
	TriggeredBy Address
	Message     string
	Data        []byte
}

// Reply is either a *Fulfill or a *Reject.
type Reply interface {
	isReply()
}

func (*Fulfill) isReply() {}
func (*Reject) isReply()  {}

// Encode serializes the Prepare into its standard binary form.
func (p *Prepare) Encode() []byte {
	var body bytes.Buffer

	var amount [8]byte
	binary.BigEndian.PutUint64(amount[:], p.Amount)
	body.Write(amount[:])

	body.WriteString(formatTimestamp(p.ExpiresAt))
	body.Write(p.ExecutionCondition[:])
	writeVarOctet(&body, []byte(p.Destination))
	writeVarOctet(&body, p.Data)

	return envelope(TypePrepare, body.Bytes())
}

// Encode serializes the Fulfill into its standard binary form.
func (f *Fulfill) Encode() []byte {
	var body bytes.Buffer
	body.Write(f.Fulfillment[:])
	writeVarOctet(&body, f.Data)
	return envelope(TypeFulfill, body.Bytes())
}

// Encode serializes the Reject into its standard binary form.
func (r *Reject) Encode() []byte {
	var body bytes.Buffer
	code := []byte(r.Code)
	if len(code) != 3 {
		code = []byte("F00")
	}
	body.Write(code)
	writeVarOctet(&body, []byte(r.TriggeredBy))
	writeVarOctet(&body, []byte(r.Message))
	writeVarOctet(&body, r.Data)
	return envelope(TypeReject, body.Bytes())
}

// EncodeReply serializes a Reply.
func EncodeReply(reply Reply) []byte {
	switch rep := reply.(type) {
	case *Fulfill:
		return rep.Encode()
	case *Reject:
		return rep.Encode()
	default:
		return (&Reject{Code: CodeInternalError, Message: "unknown reply type"}).Encode()
	}
}

// DecodePrepare parses a Prepare packet.
func DecodePrepare(raw []byte) (*Prepare, error) {
	typ, body, err := openEnvelope(raw)
	if err != nil {
		return nil, err
	}
	if typ != TypePrepare {
		return nil, errors.WrapInvalid(
			fmt.Errorf("expected prepare (12), got type %d: %w", typ, errors.ErrParsingFailed),
			"ilp", "DecodePrepare", "type check")
	}

	r := bytes.NewReader(body)

	var amount [8]byte
	if n, err := r.Read(amount[:]); err != nil || n != 8 {
		return nil, parseErr("DecodePrepare", "amount", err)
	}

	ts := make([]byte, 17)
	if n, err := r.Read(ts); err != nil || n != 17 {
		return nil, parseErr("DecodePrepare", "timestamp", err)
	}
	expiresAt, err := parseTimestamp(string(ts))
	if err != nil {
		return nil, parseErr("DecodePrepare", "timestamp", err)
	}

	var condition [ConditionLen]byte
	if n, err := r.Read(condition[:]); err != nil || n != ConditionLen {
		return nil, parseErr("DecodePrepare", "execution condition", err)
	}

	destination, err := readVarOctet(r)
	if err != nil {
		return nil, parseErr("DecodePrepare", "destination", err)
	}
	data, err := readVarOctet(r)
	if err != nil {
		return nil, parseErr("DecodePrepare", "data", err)
	}

	return &Prepare{
		Destination:        Address(destination),
		Amount:             binary.BigEndian.Uint64(amount[:]),
		ExecutionCondition: condition,
		ExpiresAt:          expiresAt,
		Data:               data,
	}, nil
}

// DecodeReply parses a Fulfill or Reject packet.
func DecodeReply(raw []byte) (Reply, error) {
	typ, body, err := openEnvelope(raw)
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(body)
	switch typ {
	case TypeFulfill:
		var fulfillment [ConditionLen]byte
		if n, err := r.Read(fulfillment[:]); err != nil || n != ConditionLen {
			return nil, parseErr("DecodeReply", "fulfillment", err)
		}
		data, err := readVarOctet(r)
		if err != nil {
			return nil, parseErr("DecodeReply", "fulfill data", err)
		}
		return &Fulfill{Fulfillment: fulfillment, Data: data}, nil

	case TypeReject:
		code := make([]byte, 3)
		if n, err := r.Read(code); err != nil || n != 3 {
			return nil, parseErr("DecodeReply", "reject code", err)
		}
		triggeredBy, err := readVarOctet(r)
		if err != nil {
			return nil, parseErr("DecodeReply", "triggered by", err)
		}
		message, err := readVarOctet(r)
		if err != nil {
			return nil, parseErr("DecodeReply", "message", err)
		}
		data, err := readVarOctet(r)
		if err != nil {
			return nil, parseErr("DecodeReply", "reject data", err)
		}
		return &Reject{
			Code:        string(code),
			TriggeredBy: Address(triggeredBy),
			Message:     string(message),
			Data:        data,
		}, nil

	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("expected reply (13 or 14), got type %d: %w", typ, errors.ErrParsingFailed),
			"ilp", "DecodeReply", "type check")
	}
}

// envelope wraps a packet body with its type byte and length determinant.
func envelope(typ byte, body []byte) []byte {
	var out bytes.Buffer
	out.WriteByte(typ)
	writeLength(&out, len(body))
	out.Write(body)
	return out.Bytes()
}

// openEnvelope splits a raw packet into type and body, validating the
// length determinant against the actual payload size.
func openEnvelope(raw []byte) (byte, []byte, error) {
	if len(raw) == 0 {
		return 0, nil, errors.WrapInvalid(errors.ErrEmptyPayload, "ilp", "openEnvelope", "payload check")
	}

	r := bytes.NewReader(raw[1:])
	length, err := readLength(r)
	if err != nil {
		return 0, nil, parseErr("openEnvelope", "length determinant", err)
	}
	body := make([]byte, length)
	if n, err := r.Read(body); err != nil || n != length {
		return 0, nil, parseErr("openEnvelope", "body", err)
	}
	return raw[0], body, nil
}

// writeLength writes an OER length determinant: one byte below 128,
// otherwise 0x80|n followed by n big-endian length bytes.
func writeLength(buf *bytes.Buffer, length int) {
	if length < 128 {
		buf.WriteByte(byte(length))
		return
	}

	var enc [8]byte
	binary.BigEndian.PutUint64(enc[:], uint64(length))
	i := 0
	for enc[i] == 0 {
		i++
	}
	buf.WriteByte(0x80 | byte(8-i))
	buf.Write(enc[i:])
}

func readLength(r *bytes.Reader) (int, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if first < 0x80 {
		return int(first), nil
	}

	numBytes := int(first & 0x7f)
	if numBytes == 0 || numBytes > 8 {
		return 0, fmt.Errorf("unsupported length determinant prefix %#x", first)
	}
	var length uint64
	for i := 0; i < numBytes; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		length = length<<8 | uint64(b)
	}
	if length > uint64(r.Len()) {
		return 0, fmt.Errorf("length %d exceeds remaining payload %d", length, r.Len())
	}
	return int(length), nil
}

func writeVarOctet(buf *bytes.Buffer, data []byte) {
	writeLength(buf, len(data))
	buf.Write(data)
}

func readVarOctet(r *bytes.Reader) ([]byte, error) {
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	data := make([]byte, length)
	if length == 0 {
		return data, nil
	}
	if n, err := r.Read(data); err != nil || n != length {
		return nil, fmt.Errorf("truncated var-octet field (want %d bytes)", length)
	}
	return data, nil
}

// formatTimestamp renders the fixed 17-character interledger timestamp.
func formatTimestamp(t time.Time) string {
	s := t.UTC().Format(timestampLayout)
	// Drop the "." the stdlib layout needs for millisecond precision.
	return s[:14] + s[15:]
}

func parseTimestamp(s string) (time.Time, error) {
	if len(s) != 17 {
		return time.Time{}, fmt.Errorf("timestamp must be 17 characters, got %d", len(s))
	}
	return time.ParseInLocation(timestampLayout, s[:14]+"."+s[14:], time.UTC)
}

func parseErr(method, field string, cause error) error {
	if cause == nil {
		cause = errors.ErrParsingFailed
	} else {
		cause = fmt.Errorf("%s: %w", cause.Error(), errors.ErrParsingFailed)
	}
	return errors.WrapInvalid(cause, "ilp", method, field+" decoding")
}
