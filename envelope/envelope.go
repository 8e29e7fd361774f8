// Package envelope implements the application-level message envelope:
// a JSON object carrying exactly the keys TYPE, VALUE, DATA, EXTRA,
// with byte-valued slots hex-encoded and flagged by a companion
// boolean so the receiver knows to hex-decode on parse. The transport
// never inspects this envelope; it exists purely for applications
// built on top of the datagram/stream endpoints.
package envelope

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ugorji/go/codec"
)

var jsonHandle = &codec.JsonHandle{}

// ErrInvalidEnvelope is returned by Parse when the input is not a
// well-formed envelope.
var ErrInvalidEnvelope = errors.New("envelope: invalid envelope")

// Slot is one of the four envelope fields. A text slot carries its
// bytes verbatim as UTF-8; a bytes slot is hex-encoded on the wire and
// flagged via its companion "<slot> bytes" key.
type Slot struct {
	Value   []byte
	IsBytes bool
}

// Text returns a Slot holding s as plain text.
func Text(s string) Slot { return Slot{Value: []byte(s)} }

// Bytes returns a Slot holding b, to be hex-encoded on the wire.
func Bytes(b []byte) Slot { return Slot{Value: b, IsBytes: true} }

// String returns the slot's value as a string, regardless of IsBytes.
func (s Slot) String() string { return string(s.Value) }

// Envelope is the four-slot application envelope.
type Envelope struct {
	Type  Slot
	Value Slot
	Data  Slot
	Extra Slot
}

// New builds an Envelope from four text slots, the common case for
// the example CLIs.
func New(typ, value, data, extra string) Envelope {
	return Envelope{Type: Text(typ), Value: Text(value), Data: Text(data), Extra: Text(extra)}
}

// Generate serializes e to its wire form.
func (e Envelope) Generate() ([]byte, error) {
	m := map[string]interface{}{
		"TYPE":  slotWireValue(e.Type),
		"VALUE": slotWireValue(e.Value),
		"DATA":  slotWireValue(e.Data),
		"EXTRA": slotWireValue(e.Extra),
	}
	if e.Type.IsBytes {
		m["type bytes"] = true
	}
	if e.Value.IsBytes {
		m["value bytes"] = true
	}
	if e.Data.IsBytes {
		m["data bytes"] = true
	}
	if e.Extra.IsBytes {
		m["extra bytes"] = true
	}

	var out []byte
	enc := codec.NewEncoderBytes(&out, jsonHandle)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("envelope: encode: %w", err)
	}
	return out, nil
}

func slotWireValue(s Slot) string {
	if s.IsBytes {
		return hex.EncodeToString(s.Value)
	}
	return string(s.Value)
}

// Parse decodes data produced by Generate; Parse(Generate(e)) == e
// for any well-formed envelope.
func Parse(data []byte) (Envelope, error) {
	var m map[string]interface{}
	dec := codec.NewDecoderBytes(data, jsonHandle)
	if err := dec.Decode(&m); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	e := Envelope{}
	var err error
	if e.Type, err = readSlot(m, "TYPE", "type bytes"); err != nil {
		return Envelope{}, err
	}
	if e.Value, err = readSlot(m, "VALUE", "value bytes"); err != nil {
		return Envelope{}, err
	}
	if e.Data, err = readSlot(m, "DATA", "data bytes"); err != nil {
		return Envelope{}, err
	}
	if e.Extra, err = readSlot(m, "EXTRA", "extra bytes"); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func readSlot(m map[string]interface{}, key, flagKey string) (Slot, error) {
	raw, ok := m[key]
	if !ok {
		return Slot{}, fmt.Errorf("%w: missing key %q", ErrInvalidEnvelope, key)
	}
	s, ok := raw.(string)
	if !ok {
		return Slot{}, fmt.Errorf("%w: key %q is not a string", ErrInvalidEnvelope, key)
	}
	isBytes, _ := m[flagKey].(bool)
	if !isBytes {
		return Text(s), nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Slot{}, fmt.Errorf("%w: key %q flagged as bytes but not valid hex: %v", ErrInvalidEnvelope, key, err)
	}
	return Bytes(b), nil
}
