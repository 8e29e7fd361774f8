package datagram

import (
	"time"

	"github.com/nmerryman/antt-go/frame"
)

// outMsg is one outgoing message: metadata plus a part_index ->
// encoded frame mapping, retained until the peer's CtrlBuilt ack
// arrives.
type outMsg struct {
	totalParts uint32
	done       bool
	lastUpdate time.Time

	parts map[uint32][]byte // part index -> encoded frame bytes
}

func newOutMsg(total uint32) *outMsg {
	return &outMsg{
		totalParts: total,
		lastUpdate: time.Now(),
		parts:      make(map[uint32][]byte, total),
	}
}

// sendMemory holds one outMsg per in-flight or awaiting-ack outgoing
// message, keyed by id.
type sendMemory struct {
	byID map[frame.MessageID]*outMsg
}

func newSendMemory() *sendMemory {
	return &sendMemory{byID: make(map[frame.MessageID]*outMsg)}
}

func (s *sendMemory) put(id frame.MessageID, part uint32, total uint32, encoded []byte) {
	m, ok := s.byID[id]
	if !ok {
		m = newOutMsg(total)
		s.byID[id] = m
	}
	m.parts[part] = encoded
	m.lastUpdate = time.Now()
}

// framesFor returns the encoded frame for each requested part that is
// still held in memory; parts already freed are silently skipped.
func (s *sendMemory) framesFor(id frame.MessageID, parts []uint32) [][]byte {
	m, ok := s.byID[id]
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(parts))
	for _, p := range parts {
		if enc, ok := m.parts[p]; ok {
			out = append(out, enc)
		}
	}
	return out
}

// free drops id's record once the peer has acknowledged the full
// message. Duplicate-id protection lives in idAllocator.release's
// tombstone, so nothing needs to linger here and the map stays
// bounded by the in-flight count.
func (s *sendMemory) free(id frame.MessageID) {
	delete(s.byID, id)
}

func (s *sendMemory) inFlightCount() int {
	return len(s.byID)
}
