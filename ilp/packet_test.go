package ilp

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCondition() [ConditionLen]byte {
	return sha256.Sum256([]byte("preimage"))
}

func TestPrepareRoundTrip(t *testing.T) {
	expires := time.Date(2019, 6, 1, 12, 30, 45, 123*int(time.Millisecond), time.UTC)
	original := &Prepare{
		Destination:        "g.kava.abc123",
		Amount:             123456789,
		ExecutionCondition: testCondition(),
		ExpiresAt:          expires,
		Data:               []byte("hello"),
	}

	raw := original.Encode()
	require.Equal(t, TypePrepare, raw[0])

	decoded, err := DecodePrepare(raw)
	require.NoError(t, err)

	if diff := cmp.Diff(original, decoded); diff != "" {
		t.Fatalf("prepare round trip mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, decoded.ExpiresAt.Equal(expires))
}

func TestPrepareTimestampPrecision(t *testing.T) {
	// Sub-millisecond precision is not representable on the wire and
	// must truncate rather than corrupt the timestamp.
	expires := time.Date(2019, 6, 1, 12, 30, 45, 123456789, time.UTC)
	p := &Prepare{Destination: "g.a", ExpiresAt: expires}

	decoded, err := DecodePrepare(p.Encode())
	require.NoError(t, err)
	assert.Equal(t, expires.Truncate(time.Millisecond), decoded.ExpiresAt)
}

func TestFulfillRoundTrip(t *testing.T) {
	original := &Fulfill{
		Fulfillment: sha256.Sum256([]byte("x")),
		Data:        []byte{0xde, 0xad},
	}

	reply, err := DecodeReply(original.Encode())
	require.NoError(t, err)

	decoded, ok := reply.(*Fulfill)
	require.True(t, ok)
	if diff := cmp.Diff(original, decoded); diff != "" {
		t.Fatalf("fulfill round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRejectRoundTrip(t *testing.T) {
	original := &Reject{
		Code:        CodeUnreachable,
		TriggeredBy: "g.kava",
		Message:     "no route to destination",
		Data:        []byte{},
	}

	reply, err := DecodeReply(original.Encode())
	require.NoError(t, err)

	decoded, ok := reply.(*Reject)
	require.True(t, ok)
	if diff := cmp.Diff(original, decoded); diff != "" {
		t.Fatalf("reject round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeReplyDispatch(t *testing.T) {
	raw := EncodeReply(&Reject{Code: CodeRateLimited, Message: "slow down", Data: []byte{}})
	assert.Equal(t, TypeReject, raw[0])

	raw = EncodeReply(&Fulfill{})
	assert.Equal(t, TypeFulfill, raw[0])
}

func TestDecodeRejectsEmptyPayload(t *testing.T) {
	_, err := DecodePrepare(nil)
	assert.Error(t, err)

	_, err = DecodeReply([]byte{})
	assert.Error(t, err)
}

func TestDecodeRejectsWrongType(t *testing.T) {
	prepare := (&Prepare{Destination: "g.a", ExpiresAt: time.Now()}).Encode()
	_, err := DecodeReply(prepare)
	assert.Error(t, err)

	fulfill := (&Fulfill{}).Encode()
	_, err = DecodePrepare(fulfill)
	assert.Error(t, err)
}

func TestDecodeRejectsTruncatedBody(t *testing.T) {
	raw := (&Prepare{Destination: "g.kava.abc", ExpiresAt: time.Now(), Data: []byte("data")}).Encode()

	for _, cut := range []int{2, 5, 12, len(raw) - 1} {
		_, err := DecodePrepare(raw[:cut])
		assert.Error(t, err, "truncation at %d bytes must fail", cut)
	}
}

func TestLongLengthDeterminant(t *testing.T) {
	// Data above 127 bytes forces the multi-byte length form.
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i)
	}
	original := &Prepare{
		Destination: "g.kava.abc123",
		Amount:      1,
		ExpiresAt:   time.Now().UTC().Truncate(time.Millisecond),
		Data:        data,
	}

	decoded, err := DecodePrepare(original.Encode())
	require.NoError(t, err)
	assert.Equal(t, data, decoded.Data)
}

func TestRejectCodeNormalized(t *testing.T) {
	// A malformed code must not produce an unparseable packet.
	raw := (&Reject{Code: "bogus", Data: []byte{}}).Encode()
	reply, err := DecodeReply(raw)
	require.NoError(t, err)
	assert.Equal(t, "F00", reply.(*Reject).Code)
}
