package frame

import "fmt"

// EncodeRequestMissing builds a 0x07 <id> <part...> frame requesting
// retransmission of the given part indices of message id. Part
// indices are packed at h.PartWidth bytes each, so the caller must
// have already bounded the count to fit one MTU (see
// MaxPartsPerRequest).
func EncodeRequestMissing(h Header, id MessageID, parts []uint32) ([]byte, error) {
	if uint64(id) > h.MaxID() {
		return nil, fmt.Errorf("%w: message id %d exceeds %d-byte width", ErrOverflow, id, h.IDWidth)
	}
	buf := make([]byte, 1+h.IDWidth+len(parts)*h.PartWidth)
	buf[0] = byte(CtrlRequestMissing)
	putUint(buf[1:1+h.IDWidth], uint64(id))
	off := 1 + h.IDWidth
	for _, p := range parts {
		if uint64(p) > h.MaxPart() {
			return nil, fmt.Errorf("%w: part %d exceeds %d-byte width", ErrOverflow, p, h.PartWidth)
		}
		putUint(buf[off:off+h.PartWidth], uint64(p))
		off += h.PartWidth
	}
	return buf, nil
}

// DecodeRequestMissing parses a 0x07 frame body (buf[0] already
// consumed as the control byte is not expected here; buf starts at
// the id field).
func DecodeRequestMissing(h Header, buf []byte) (MessageID, []uint32, error) {
	if len(buf) < h.IDWidth {
		return 0, nil, ErrShortBuffer
	}
	id := MessageID(getUint(buf[:h.IDWidth]))
	rest := buf[h.IDWidth:]
	if len(rest)%h.PartWidth != 0 {
		return 0, nil, fmt.Errorf("%w: trailing %d bytes not a multiple of part width %d", ErrShortBuffer, len(rest), h.PartWidth)
	}
	n := len(rest) / h.PartWidth
	parts := make([]uint32, n)
	for i := 0; i < n; i++ {
		parts[i] = uint32(getUint(rest[i*h.PartWidth : (i+1)*h.PartWidth]))
	}
	return id, parts, nil
}

// MaxPartsPerRequest returns the largest number of part indices that
// fit in one request-missing frame bounded by mtu:
// (mtu - 1 - IDWidth) / PartWidth.
func MaxPartsPerRequest(h Header, mtu int) int {
	n := (mtu - 1 - h.IDWidth) / h.PartWidth
	if n < 0 {
		return 0
	}
	return n
}

// EncodeMessageIDFrame builds a single-id control frame: 0x08 <id>
// (sender done-signal) or 0x09 <id> (receiver fully-built ack).
func EncodeMessageIDFrame(h Header, ctrl ControlByte, id MessageID) ([]byte, error) {
	if ctrl != CtrlDone && ctrl != CtrlBuilt {
		return nil, fmt.Errorf("%w: 0x%02x is not a message-id control frame", ErrInvalidFrame, ctrl)
	}
	if uint64(id) > h.MaxID() {
		return nil, fmt.Errorf("%w: message id %d exceeds %d-byte width", ErrOverflow, id, h.IDWidth)
	}
	buf := make([]byte, 1+h.IDWidth)
	buf[0] = byte(ctrl)
	putUint(buf[1:], uint64(id))
	return buf, nil
}

// DecodeMessageIDFrame parses the id out of a 0x08/0x09 frame body
// (buf starts at the id field, control byte already consumed).
func DecodeMessageIDFrame(h Header, buf []byte) (MessageID, error) {
	if len(buf) < h.IDWidth {
		return 0, ErrShortBuffer
	}
	return MessageID(getUint(buf[:h.IDWidth])), nil
}
