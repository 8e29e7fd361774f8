package datagram

import (
	"errors"
	"net"
	"time"

	"github.com/nmerryman/antt-go/frame"
)

// loop is the endpoint's single-threaded cooperative scheduler. It
// owns conn, the outbound queue, send memory and the reassembly table
// exclusively from here until shutdown. Each tick: (1) drain the
// socket, (2) dispatch each datagram by leading byte, (3) sweep stale
// incoming messages for retransmit requests, (4) send queued frames
// under flow control, (5) deliver completed messages, (6) take
// application commands, (7) heartbeat if idle too long.
func (e *Endpoint) loop() {
	for {
		select {
		case <-e.HaltCh():
			e.closeSocket()
			return
		default:
		}

		sawTraffic, sawNonHeartbeat := e.receiveDrain()
		e.retransmitSweep()
		e.sendWithFlowControl()
		e.deliverCompleted()
		didCommand, shuttingDown := e.commandIntake()
		if shuttingDown {
			e.sendWithFlowControl() // best-effort final flush
			e.closeSocket()
			e.setState(StateClosed)
			e.Halt() // unblock Pop/BlockUntilVerified waiters
			return
		}
		e.heartbeatCheck(sawNonHeartbeat)

		if !sawTraffic && !didCommand {
			select {
			case <-time.After(e.cfg.LoopIdleSleep):
			case <-e.HaltCh():
				e.closeSocket()
				return
			}
		}
	}
}

func (e *Endpoint) closeSocket() {
	e.setState(StateShuttingDown)
	e.conn.Close()
}

const maxDrainPerTick = 256

// receiveDrain implements step 1: repeatedly read with a 1ms deadline
// until the socket yields a timeout (the WouldBlock equivalent),
// dispatching each datagram as it arrives (step 2 folded in here to
// avoid a second allocation pass). A deadline of exactly now would
// fail every read before it looks at the socket.
func (e *Endpoint) receiveDrain() (sawTraffic, sawNonHeartbeat bool) {
	buf := make([]byte, e.cfg.MTU)
	for i := 0; i < maxDrainPerTick; i++ {
		if err := e.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
			return sawTraffic, sawNonHeartbeat
		}
		n, _, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return sawTraffic, sawNonHeartbeat // WouldBlock equivalent
			}
			// Transient OS error (e.g. ECONNRESET from an ICMP port
			// unreachable): swallow and keep draining.
			e.metrics.socketReadErrors.Inc()
			continue
		}
		if n == 0 {
			continue
		}
		sawTraffic = true
		e.metrics.framesReceived.Inc()
		datagram := append([]byte(nil), buf[:n]...)
		if frame.ControlByte(datagram[0]) != frame.CtrlHeartbeat {
			sawNonHeartbeat = true
		}
		e.dispatch(datagram)
	}
	return sawTraffic, sawNonHeartbeat
}

// dispatch implements step 2's switch on leading byte.
func (e *Endpoint) dispatch(datagram []byte) {
	ctrl := frame.ControlByte(datagram[0])
	switch ctrl {
	case frame.CtrlHeartbeat:
		// Idle beat; liveness already implied by having read anything.
	case frame.CtrlPing:
		e.enqueueRaw([]byte{byte(frame.CtrlPong)})
	case frame.CtrlPong, frame.CtrlAck:
		e.peerBufferEstimatedFill = 0
		e.awaitingDrain = false
	case frame.CtrlSyn:
		e.enqueueRaw([]byte{byte(frame.CtrlAck)})
	case frame.CtrlData, frame.CtrlDataAlt:
		e.handleDataFrame(datagram)
	case frame.CtrlRequestMissing:
		e.handleRequestMissing(datagram)
	case frame.CtrlDone:
		e.handleSenderDone(datagram)
	case frame.CtrlBuilt:
		e.handleReceiverBuilt(datagram)
	default:
		e.metrics.framesDropped.Inc()
	}
}

func (e *Endpoint) handleDataFrame(datagram []byte) {
	f, err := frame.Decode(e.cfg.Header, datagram)
	if err != nil {
		e.metrics.framesDropped.Inc()
		return
	}
	e.mu.Lock()
	e.reasm.receive(f)
	e.mu.Unlock()
}

func (e *Endpoint) handleRequestMissing(datagram []byte) {
	id, parts, err := frame.DecodeRequestMissing(e.cfg.Header, datagram[1:])
	if err != nil {
		e.metrics.framesDropped.Inc()
		return
	}
	for _, enc := range e.sendMem.framesFor(id, parts) {
		e.enqueueRaw(enc)
		e.metrics.framesRetransmit.Inc()
	}
}

func (e *Endpoint) handleSenderDone(datagram []byte) {
	id, err := frame.DecodeMessageIDFrame(e.cfg.Header, datagram[1:])
	if err != nil {
		e.metrics.framesDropped.Inc()
		return
	}
	e.mu.Lock()
	m, ok := e.reasm.byID[id]
	e.mu.Unlock()
	if !ok || m.done {
		return
	}
	e.requestMissingNow(id, m)
}

func (e *Endpoint) handleReceiverBuilt(datagram []byte) {
	id, err := frame.DecodeMessageIDFrame(e.cfg.Header, datagram[1:])
	if err != nil {
		e.metrics.framesDropped.Inc()
		return
	}
	e.sendMem.free(id)
	e.ids.release(id)
	e.metrics.inFlightMessages.Set(float64(e.sendMem.inFlightCount()))
}

// retransmitSweep implements step 3.
func (e *Endpoint) retransmitSweep() {
	now := time.Now()
	e.mu.Lock()
	due := make([]frame.MessageID, 0)
	for id, m := range e.reasm.byID {
		if !m.done && m.lastUpdate.Add(e.cfg.RetransmitLatency).Before(now) {
			due = append(due, id)
		}
	}
	e.mu.Unlock()
	for _, id := range due {
		e.mu.Lock()
		m := e.reasm.byID[id]
		m.lastUpdate = now
		e.mu.Unlock()
		e.requestMissingNow(id, m)
	}
}

// requestMissingNow emits one or more CtrlRequestMissing frames for
// every missing part of m, each bounded to fit one MTU.
func (e *Endpoint) requestMissingNow(id frame.MessageID, m *inMsg) {
	e.mu.Lock()
	missing := m.missing()
	e.mu.Unlock()
	if len(missing) == 0 {
		return
	}
	perFrame := frame.MaxPartsPerRequest(e.cfg.Header, e.cfg.MTU)
	if perFrame <= 0 {
		return
	}
	for start := 0; start < len(missing); start += perFrame {
		end := start + perFrame
		if end > len(missing) {
			end = len(missing)
		}
		buf, err := frame.EncodeRequestMissing(e.cfg.Header, id, missing[start:end])
		if err != nil {
			e.log.Warn("could not encode request-missing frame", "err", err)
			continue
		}
		e.enqueueRaw(buf)
	}
}

func (e *Endpoint) enqueueRaw(b []byte) {
	e.outboundQueue = append(e.outboundQueue, b)
}

// sendWithFlowControl implements step 4.
func (e *Endpoint) sendWithFlowControl() {
	for len(e.outboundQueue) > 0 {
		next := e.outboundQueue[0]
		if len(next)+e.peerBufferEstimatedFill < e.cfg.PeerBufferCapacity {
			e.outboundQueue = e.outboundQueue[1:]
			if err := e.sendRaw(next); err != nil {
				e.log.Warn("send failed", "err", err)
				continue
			}
			e.peerBufferEstimatedFill += len(next)
			e.metrics.peerBufferFill.Set(float64(e.peerBufferEstimatedFill))
			continue
		}
		if !e.awaitingDrain {
			if err := e.sendRaw([]byte{byte(frame.CtrlPing)}); err != nil {
				e.log.Warn("drain probe failed", "err", err)
			}
			e.awaitingDrain = true
		}
		return // stop sending this tick; wait for CtrlPong to drain
	}
}

func (e *Endpoint) sendRaw(b []byte) error {
	_, err := e.conn.WriteToUDP(b, e.target)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.lastSendTime = time.Now()
	e.mu.Unlock()
	e.metrics.framesSent.Inc()
	return nil
}

// deliverCompleted implements step 5. Delivered tombstones older than
// TombstoneTTL are dropped here.
func (e *Endpoint) deliverCompleted() {
	now := time.Now()
	e.mu.Lock()
	ready := make([]frame.MessageID, 0)
	for id, m := range e.reasm.byID {
		if m.delivered && now.Sub(m.lastUpdate) >= e.cfg.TombstoneTTL {
			delete(e.reasm.byID, id)
			continue
		}
		if m.done && !m.delivered {
			ready = append(ready, id)
		}
	}
	e.mu.Unlock()

	for _, id := range ready {
		e.mu.Lock()
		m := e.reasm.byID[id]
		payload := m.assemble()
		m.deliver()
		e.mu.Unlock()

		if buf, err := frame.EncodeMessageIDFrame(e.cfg.Header, frame.CtrlBuilt, id); err == nil {
			e.enqueueRaw(buf)
		}

		e.onMessageMu.Lock()
		cb := e.onMessage
		e.onMessageMu.Unlock()
		if cb != nil {
			cb(payload)
			continue
		}
		e.outboxMu.Lock()
		e.outbox = append(e.outbox, payload)
		e.outboxMu.Unlock()
		select {
		case e.outReady <- struct{}{}:
		default:
		}
	}
}

// commandIntake implements step 6. The command channel is a closed
// sum over cmdSubmit/cmdKill; nothing else can ride it.
func (e *Endpoint) commandIntake() (didWork, shuttingDown bool) {
	for {
		c := e.pendingSubmit
		if c == nil {
			select {
			case next := <-e.cmdCh:
				c = &next
			default:
				return didWork, false
			}
		}
		if c.kind == cmdKill {
			return true, true
		}
		if e.sendMem.inFlightCount() >= e.cfg.MaxInFlightMessages {
			e.pendingSubmit = c
			return didWork, false
		}
		e.pendingSubmit = nil
		e.submitNow(c.payload)
		didWork = true
	}
}

// submitNow chunks payload, records each frame in send memory,
// queues the frames in part order and a trailing done-signal.
func (e *Endpoint) submitNow(payload []byte) {
	id, ok := e.ids.allocate()
	if !ok {
		e.log.Error("message id space exhausted, dropping submit")
		select {
		case e.errCh <- ErrIDSpaceExhausted:
		default:
		}
		return
	}
	e.mu.Lock()
	mtu := e.mtu
	e.mu.Unlock()

	frames, err := frame.Chunk(e.cfg.Header, id, payload, frame.CtrlData, mtu)
	if err != nil {
		e.log.Error("could not chunk message", "err", err)
		e.ids.release(id)
		return
	}
	for _, f := range frames {
		enc, err := frame.Encode(e.cfg.Header, f)
		if err != nil {
			e.log.Error("could not encode frame", "err", err)
			continue
		}
		e.sendMem.put(id, f.PartIndex, f.TotalParts, enc)
		e.enqueueRaw(enc)
	}
	e.metrics.inFlightMessages.Set(float64(e.sendMem.inFlightCount()))

	if doneFrame, err := frame.EncodeMessageIDFrame(e.cfg.Header, frame.CtrlDone, id); err == nil {
		e.enqueueRaw(doneFrame)
	}
}

// heartbeatCheck implements step 7. Non-heartbeat traffic arriving
// this tick forces an immediate heartbeat; under asymmetric load this
// can over-send, a known coarseness kept as-is.
func (e *Endpoint) heartbeatCheck(forceNow bool) {
	e.mu.Lock()
	due := forceNow || time.Now().After(e.lastSendTime.Add(e.cfg.MaxIdleBeforeHeartbeat))
	e.mu.Unlock()
	if !due {
		return
	}
	if err := e.sendRaw([]byte{byte(frame.CtrlHeartbeat)}); err != nil {
		e.log.Warn("heartbeat send failed", "err", err)
	}
}
