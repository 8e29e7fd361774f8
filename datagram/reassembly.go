package datagram

import (
	"time"

	"github.com/nmerryman/antt-go/frame"
)

// inMsg is one incoming message: metadata plus a part_index -> Frame
// mapping. Once every part has arrived, done becomes true and the
// caller schedules a CtrlBuilt ack. After delivery to the
// application, parts are discarded but the record stays as a
// tombstone (meta only) to make duplicates idempotent.
type inMsg struct {
	expectedTotal uint32
	done          bool
	delivered     bool
	lastUpdate    time.Time

	parts map[uint32]frame.Frame
}

func newInMsg(total uint32) *inMsg {
	return &inMsg{
		expectedTotal: total,
		lastUpdate:    time.Now(),
		parts:         make(map[uint32]frame.Frame, total),
	}
}

// reassembly holds one inMsg per message currently being received or
// already delivered (as a tombstone), keyed by id.
type reassembly struct {
	byID map[frame.MessageID]*inMsg
}

func newReassembly() *reassembly {
	return &reassembly{byID: make(map[frame.MessageID]*inMsg)}
}

// receive stores f into its message's record. Returns true if this
// completed the message (all parts now present) and it was not
// already done.
func (r *reassembly) receive(f frame.Frame) (justCompleted bool) {
	m, ok := r.byID[f.ID]
	if !ok {
		m = newInMsg(f.TotalParts)
		r.byID[f.ID] = m
	}
	if m.done {
		// Tombstone: drop duplicate, idempotently.
		return false
	}
	m.parts[f.PartIndex] = f
	m.lastUpdate = time.Now()
	if uint32(len(m.parts)) == m.expectedTotal {
		m.done = true
		return true
	}
	return false
}

// missing returns the part indices not yet received:
// {0..total} minus the keys already stored.
func (m *inMsg) missing() []uint32 {
	out := make([]uint32, 0, int(m.expectedTotal)-len(m.parts))
	for i := uint32(0); i < m.expectedTotal; i++ {
		if _, ok := m.parts[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}

// assemble concatenates parts[0..total) in order. Caller must have
// checked m.done first.
func (m *inMsg) assemble() []byte {
	out := make([]byte, 0)
	for i := uint32(0); i < m.expectedTotal; i++ {
		out = append(out, m.parts[i].Payload...)
	}
	return out
}

// deliver clears part bodies, converting the record into a
// metadata-only tombstone.
func (m *inMsg) deliver() {
	m.parts = nil
	m.delivered = true
}
