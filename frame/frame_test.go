package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := DefaultHeader
	f := Frame{Type: CtrlData, ID: 7, PartIndex: 2, TotalParts: 5, Payload: []byte("hello")}

	b, err := Encode(h, f)
	require.NoError(t, err)

	got, err := Decode(h, b)
	require.NoError(t, err)
	require.Equal(t, f, got)
}

func TestDecodeRejectsExactHeaderLength(t *testing.T) {
	h := DefaultHeader
	buf := make([]byte, h.Len())
	_, err := Decode(h, buf)
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestEncodeRejectsEmptyPayload(t *testing.T) {
	h := DefaultHeader
	_, err := Encode(h, Frame{Type: CtrlData, ID: 1, PartIndex: 0, TotalParts: 1})
	require.ErrorIs(t, err, ErrInvalidFrame)
}

func TestEncodeRejectsNonDataType(t *testing.T) {
	h := DefaultHeader
	_, err := Encode(h, Frame{Type: CtrlHeartbeat, ID: 1, PartIndex: 0, TotalParts: 1, Payload: []byte("x")})
	require.ErrorIs(t, err, ErrInvalidFrame)
}

func TestChunkExactMultipleHasNoTrailingEmptyPart(t *testing.T) {
	h := Header{IDWidth: 3, PartWidth: 2}
	mtu := 20
	capacity := mtu - h.Len()
	payload := make([]byte, capacity*4)
	for i := range payload {
		payload[i] = byte(i)
	}

	frames, err := Chunk(h, 1, payload, CtrlData, mtu)
	require.NoError(t, err)
	require.Len(t, frames, 4)
	for _, f := range frames {
		require.Equal(t, uint32(4), f.TotalParts)
		require.Len(t, f.Payload, capacity)
	}
}

func TestChunkEmptyPayloadYieldsNoFrames(t *testing.T) {
	frames, err := Chunk(DefaultHeader, 1, nil, CtrlData, 1024)
	require.NoError(t, err)
	require.Nil(t, frames)
}

func TestChunkThenReassembleRoundTrip(t *testing.T) {
	h := Header{IDWidth: 3, PartWidth: 2}
	payload := []byte("aoeu1234aoeu1234aoeu1234aoeu1234aoeu1234aoeu1234aoeu1234aoeu1234aoeu1234aoeu1234")

	frames, err := Chunk(h, 99, payload, CtrlData, 20)
	require.NoError(t, err)

	reassembled := make([]byte, 0, len(payload))
	for _, f := range frames {
		enc, err := Encode(h, f)
		require.NoError(t, err)
		dec, err := Decode(h, enc)
		require.NoError(t, err)
		reassembled = append(reassembled, dec.Payload...)
	}
	require.Equal(t, payload, reassembled)
}

func TestMessageIDOverflow(t *testing.T) {
	h := Header{IDWidth: 1, PartWidth: 1}
	_, err := Encode(h, Frame{Type: CtrlData, ID: 256, PartIndex: 0, TotalParts: 1, Payload: []byte("x")})
	require.ErrorIs(t, err, ErrOverflow)
}

func TestMaxPartsPerRequest(t *testing.T) {
	h := DefaultHeader
	n := MaxPartsPerRequest(h, 1024)
	require.Equal(t, (1024-1-h.IDWidth)/h.PartWidth, n)
}

func TestRequestMissingRoundTrip(t *testing.T) {
	h := DefaultHeader
	parts := []uint32{1, 4, 9}
	buf, err := EncodeRequestMissing(h, 42, parts)
	require.NoError(t, err)

	id, got, err := DecodeRequestMissing(h, buf[1:])
	require.NoError(t, err)
	require.Equal(t, MessageID(42), id)
	require.Equal(t, parts, got)
}

func TestMessageIDFrameRoundTrip(t *testing.T) {
	h := DefaultHeader
	buf, err := EncodeMessageIDFrame(h, CtrlDone, 123)
	require.NoError(t, err)
	require.Equal(t, byte(CtrlDone), buf[0])

	id, err := DecodeMessageIDFrame(h, buf[1:])
	require.NoError(t, err)
	require.Equal(t, MessageID(123), id)
}
