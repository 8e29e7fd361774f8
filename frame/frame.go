// Package frame implements the fixed-layout binary header and payload
// splitting described for the reliable datagram transport: a data
// frame is `type || id || part || total || payload`, all integers
// big-endian, with width controlled by Header.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ControlByte is the leading byte of every on-wire datagram.
type ControlByte byte

const (
	// CtrlHeartbeat is an idle keep-alive; carries no further bytes.
	CtrlHeartbeat ControlByte = 0x00
	// CtrlPing asks the peer "are you alive?".
	CtrlPing ControlByte = 0x01
	// CtrlPong acknowledges CtrlPing, and doubles as a buffer-drain ack.
	CtrlPong ControlByte = 0x02
	// CtrlSyn opens a connection.
	CtrlSyn ControlByte = 0x03
	// CtrlAck acknowledges CtrlSyn.
	CtrlAck ControlByte = 0x04
	// CtrlData is a standard data frame.
	CtrlData ControlByte = 0x05
	// CtrlDataAlt is the reserved alternate data frame type.
	CtrlDataAlt ControlByte = 0x06
	// CtrlRequestMissing asks the peer to resend the named parts of a message.
	CtrlRequestMissing ControlByte = 0x07
	// CtrlDone is the sender's done-signal for a message.
	CtrlDone ControlByte = 0x08
	// CtrlBuilt is the receiver's fully-reassembled acknowledgement.
	CtrlBuilt ControlByte = 0x09
)

var (
	// ErrInvalidFrame is returned by Encode when a frame's fields are
	// inconsistent with its declared type.
	ErrInvalidFrame = errors.New("frame: invalid frame")
	// ErrShortBuffer is returned by Decode when the input cannot
	// possibly hold a complete header plus payload.
	ErrShortBuffer = errors.New("frame: buffer too short to decode")
	// ErrOverflow is returned by Encode when a field does not fit in
	// its configured on-wire width.
	ErrOverflow = errors.New("frame: field exceeds configured width")
)

// Header describes the fixed on-wire layout for one endpoint. All
// widths are in bytes; IDWidth defaults to 3, PartWidth defaults to 2
// (room for totals up to 65535 parts). Both sides of a channel must
// agree on the widths.
type Header struct {
	IDWidth   int
	PartWidth int
}

// DefaultHeader is the header layout new endpoints use unless
// configured otherwise.
var DefaultHeader = Header{IDWidth: 3, PartWidth: 2}

// Len returns the total header length in bytes: 1 (type) + IDWidth +
// 2*PartWidth (part index, total parts).
func (h Header) Len() int {
	return 1 + h.IDWidth + 2*h.PartWidth
}

// MaxID returns the largest message id representable in IDWidth bytes.
func (h Header) MaxID() uint64 {
	return maxForWidth(h.IDWidth)
}

// MaxPart returns the largest part index/total representable in
// PartWidth bytes.
func (h Header) MaxPart() uint64 {
	return maxForWidth(h.PartWidth)
}

func maxForWidth(width int) uint64 {
	if width >= 8 {
		return ^uint64(0)
	}
	return uint64(1)<<(uint(width)*8) - 1
}

// MessageID identifies a group of Frames belonging to one submitted
// application message. It is opaque on the wire; width is Header.IDWidth.
type MessageID uint64

// Frame is a single on-wire data unit (CtrlData/CtrlDataAlt).
type Frame struct {
	Type       ControlByte
	ID         MessageID
	PartIndex  uint32
	TotalParts uint32
	Payload    []byte
}

// Encode serializes f per h into a freshly allocated byte slice.
// Fails with ErrInvalidFrame if the frame is not a data frame, its
// payload is empty, or PartIndex >= TotalParts. Fails with
// ErrOverflow if any field does not fit in its configured width.
func Encode(h Header, f Frame) ([]byte, error) {
	if f.Type != CtrlData && f.Type != CtrlDataAlt {
		return nil, fmt.Errorf("%w: type 0x%02x is not a data frame", ErrInvalidFrame, f.Type)
	}
	if len(f.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidFrame)
	}
	if f.TotalParts == 0 || f.PartIndex >= f.TotalParts {
		return nil, fmt.Errorf("%w: part_index=%d total_parts=%d", ErrInvalidFrame, f.PartIndex, f.TotalParts)
	}
	if uint64(f.ID) > h.MaxID() {
		return nil, fmt.Errorf("%w: message id %d exceeds %d-byte width", ErrOverflow, f.ID, h.IDWidth)
	}
	if uint64(f.PartIndex) > h.MaxPart() || uint64(f.TotalParts) > h.MaxPart() {
		return nil, fmt.Errorf("%w: part/total exceeds %d-byte width", ErrOverflow, h.PartWidth)
	}

	buf := make([]byte, h.Len()+len(f.Payload))
	buf[0] = byte(f.Type)
	putUint(buf[1:1+h.IDWidth], uint64(f.ID))
	off := 1 + h.IDWidth
	putUint(buf[off:off+h.PartWidth], uint64(f.PartIndex))
	off += h.PartWidth
	putUint(buf[off:off+h.PartWidth], uint64(f.TotalParts))
	off += h.PartWidth
	copy(buf[off:], f.Payload)
	return buf, nil
}

// Decode parses buf per h. Requires len(buf) > h.Len(); a buffer
// exactly equal to the header length is rejected because a data frame
// must carry a non-empty payload. A shorter buffer is returned as
// ErrShortBuffer so callers can treat it as a bare control byte
// instead of a malformed frame.
func Decode(h Header, buf []byte) (Frame, error) {
	hl := h.Len()
	if len(buf) <= hl {
		return Frame{}, ErrShortBuffer
	}
	f := Frame{
		Type: ControlByte(buf[0]),
		ID:   MessageID(getUint(buf[1 : 1+h.IDWidth])),
	}
	off := 1 + h.IDWidth
	f.PartIndex = uint32(getUint(buf[off : off+h.PartWidth]))
	off += h.PartWidth
	f.TotalParts = uint32(getUint(buf[off : off+h.PartWidth]))
	off += h.PartWidth
	f.Payload = append([]byte(nil), buf[off:]...)
	return f, nil
}

// Chunk splits payload into ceil(len(payload)/(mtu-h.Len())) Frames of
// the given type, all carrying the caller-supplied id, in order. An empty payload yields a nil
// slice; callers must guard against submitting empty messages.
func Chunk(h Header, id MessageID, payload []byte, typ ControlByte, mtu int) ([]Frame, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	capacity := mtu - h.Len()
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: mtu %d too small for header length %d", ErrInvalidFrame, mtu, h.Len())
	}
	total := (len(payload) + capacity - 1) / capacity
	if uint64(total) > h.MaxPart() {
		return nil, fmt.Errorf("%w: payload requires %d parts, exceeds %d-byte width", ErrOverflow, total, h.PartWidth)
	}
	frames := make([]Frame, total)
	for i := 0; i < total; i++ {
		start := i * capacity
		end := start + capacity
		if end > len(payload) {
			end = len(payload)
		}
		frames[i] = Frame{
			Type:       typ,
			ID:         id,
			PartIndex:  uint32(i),
			TotalParts: uint32(total),
			Payload:    payload[start:end],
		}
	}
	return frames, nil
}

func putUint(dst []byte, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	copy(dst, tmp[8-len(dst):])
}

func getUint(src []byte) uint64 {
	var tmp [8]byte
	copy(tmp[8-len(src):], src)
	return binary.BigEndian.Uint64(tmp[:])
}
