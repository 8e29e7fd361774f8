package envelope

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateParseRoundTripText(t *testing.T) {
	e := New("chat", "alice", "hello there", "")
	wire, err := e.Generate()
	require.NoError(t, err)

	got, err := Parse(wire)
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestGenerateParseRoundTripBytes(t *testing.T) {
	e := Envelope{
		Type:  Text("blob"),
		Value: Bytes([]byte{0x00, 0xff, 0x10, 0xab}),
		Data:  Bytes([]byte("binary payload\x00\x01\x02")),
		Extra: Text("meta"),
	}
	wire, err := e.Generate()
	require.NoError(t, err)

	got, err := Parse(wire)
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestParseRejectsMissingKey(t *testing.T) {
	_, err := Parse([]byte(`{"TYPE":"a","VALUE":"b","DATA":"c"}`))
	require.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestParseRejectsInvalidHexWhenFlagged(t *testing.T) {
	_, err := Parse([]byte(`{"TYPE":"a","VALUE":"not-hex","DATA":"c","EXTRA":"d","value bytes":true}`))
	require.ErrorIs(t, err, ErrInvalidEnvelope)
}
