// Package datagram implements a reliable message transport over UDP:
// a single-threaded cooperative scheduler loop, owning one socket,
// that turns arbitrarily large application messages into MTU-sized
// frames, retransmits missing parts, and applies receiver-advertised
// flow control.
package datagram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/nmerryman/antt-go/frame"
	"github.com/nmerryman/antt-go/internal/sockopt"
	"github.com/nmerryman/antt-go/internal/worker"
)

// State is the endpoint's lifecycle state.
type State uint8

const (
	StateInitialising State = iota
	StateVerifying
	StateRunning
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitialising:
		return "initialising"
	case StateVerifying:
		return "verifying"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type commandKind uint8

const (
	cmdSubmit commandKind = iota
	cmdKill
)

type command struct {
	kind    commandKind
	payload []byte
}

// MessageMeta is the progress-UI facing view of an in-flight message.
type MessageMeta struct {
	TotalParts uint32
	Done       bool
}

// Endpoint is one side of a reliable datagram channel. Create one
// with NewEndpoint, call Start to run the verification handshake and
// launch the scheduler loop, then use Submit/Pop/Kill.
type Endpoint struct {
	worker.Worker

	cfg    Config
	conn   *net.UDPConn
	target *net.UDPAddr
	log    *log.Logger
	metrics *metrics
	session uuid.UUID

	mu                      sync.Mutex
	state                   State
	peerBufferEstimatedFill int
	awaitingDrain           bool
	lastSendTime            time.Time
	mtu                     int
	verified                bool

	ids     *idAllocator
	sendMem *sendMemory
	reasm   *reassembly

	outboundQueue [][]byte

	cmdCh          chan command
	pendingSubmit  *command
	onMessage      func([]byte)
	onMessageMu    sync.Mutex

	outboxMu sync.Mutex
	outbox   [][]byte
	outReady chan struct{}

	errCh chan error
}

// NewEndpoint creates an endpoint bound to conn, targeting remote.
// conn's lifetime is owned by the Endpoint from this point on; no
// other goroutine may read from or close it.
func NewEndpoint(cfg Config, conn *net.UDPConn, remote *net.UDPAddr, logger *log.Logger) *Endpoint {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.Default()
	}
	session := uuid.New()
	e := &Endpoint{
		cfg:      cfg,
		conn:     conn,
		target:   remote,
		log:      logger.With("session", session.String(), "local", conn.LocalAddr().String(), "remote", remote.String()),
		metrics:  newMetrics(map[string]string{"session": session.String()}),
		session:  session,
		state:    StateInitialising,
		mtu:      cfg.MTU,
		ids:      newIDAllocator(cfg.Header, cfg.TombstoneTTL),
		sendMem:  newSendMemory(),
		reasm:    newReassembly(),
		cmdCh:    make(chan command, 256),
		outReady: make(chan struct{}, 1),
		errCh:    make(chan error, 1),
	}
	if cfg.RecvBufferBytes > 0 {
		if err := sockopt.SetReceiveBuffer(conn, cfg.RecvBufferBytes); err != nil {
			e.log.Warn("could not size receive buffer", "err", err)
		}
	}
	return e
}

// OnMessage registers cb to be invoked synchronously from the loop
// goroutine for each reassembled message instead of queueing it for
// Pop.
func (e *Endpoint) OnMessage(cb func([]byte)) {
	e.onMessageMu.Lock()
	defer e.onMessageMu.Unlock()
	e.onMessage = cb
}

// Start runs the bounded verification handshake and, on success,
// launches the scheduler loop. actsAsServer is not used: the handshake
// is symmetric (either a CtrlAck or a CtrlSyn advances it).
func (e *Endpoint) Start(ctx context.Context, actsAsServer bool) error {
	e.setState(StateVerifying)
	if err := e.verify(ctx); err != nil {
		e.setState(StateClosed)
		e.conn.Close()
		return err
	}
	if err := e.conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("%w: %v", ErrSocketIssue, err)
	}
	e.mu.Lock()
	e.lastSendTime = time.Now()
	e.verified = true
	e.mu.Unlock()
	e.setState(StateRunning)
	e.Go(e.loop)
	return nil
}

func (e *Endpoint) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Alive reports whether the endpoint is running or shutting down after
// a successful handshake; it is false before verification and once
// the endpoint is closed.
func (e *Endpoint) Alive() bool {
	s := e.State()
	return s == StateRunning || s == StateShuttingDown
}

// Verified reports whether this endpoint has proven bidirectional
// reachability with its peer.
func (e *Endpoint) Verified() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.verified
}

// verify runs the CtrlSyn/CtrlAck exchange until either direction
// proves reachable or the retry budget runs out. The per-try timeout
// is ConnectTryTimeout/ConnectTryLimit.
func (e *Endpoint) verify(ctx context.Context) error {
	perTry := e.cfg.ConnectTryTimeout / time.Duration(e.cfg.ConnectTryLimit)
	buf := make([]byte, e.cfg.MTU)
	for attempt := 0; attempt < e.cfg.ConnectTryLimit; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := e.conn.SetReadDeadline(time.Now().Add(perTry)); err != nil {
			return fmt.Errorf("%w: %v", ErrSocketIssue, err)
		}
		if _, err := e.sendControlByte(frame.CtrlSyn); err != nil {
			e.log.Warn("verification send failed", "attempt", attempt, "err", err)
		}

		n, _, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			continue // timeout or transient error: retry
		}
		if n == 0 {
			continue
		}
		switch frame.ControlByte(buf[0]) {
		case frame.CtrlAck:
			e.log.Info("verification succeeded", "attempts", attempt+1)
			return nil
		case frame.CtrlSyn:
			if _, err := e.sendControlByte(frame.CtrlAck); err != nil {
				e.log.Warn("verification ack send failed", "err", err)
			}
			e.log.Info("verification succeeded", "attempts", attempt+1)
			return nil
		}
	}
	return fmt.Errorf("%w: exhausted %d tries", ErrConnectionNoResponse, e.cfg.ConnectTryLimit)
}

func (e *Endpoint) sendControlByte(b frame.ControlByte) (int, error) {
	return e.conn.WriteToUDP([]byte{byte(b)}, e.target)
}

// Submit enqueues payload for reliable delivery. Non-blocking:
// returns ErrQueueFull if the command queue is saturated, ErrClosed
// if the endpoint has been killed.
func (e *Endpoint) Submit(payload []byte) error {
	if e.State() == StateClosed {
		return ErrClosed
	}
	select {
	case e.cmdCh <- command{kind: cmdSubmit, payload: payload}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Kill requests orderly shutdown; the loop exits at its next
// iteration boundary and closes the socket.
func (e *Endpoint) Kill() {
	select {
	case e.cmdCh <- command{kind: cmdKill}:
	case <-e.HaltCh():
	}
}

// Pop blocks until a fully reassembled message is available or ctx is
// done. Returns ErrTimeout if ctx's deadline elapsed, or the
// context's error otherwise.
func (e *Endpoint) Pop(ctx context.Context) ([]byte, error) {
	for {
		e.outboxMu.Lock()
		if len(e.outbox) > 0 {
			msg := e.outbox[0]
			e.outbox = e.outbox[1:]
			e.outboxMu.Unlock()
			return msg, nil
		}
		e.outboxMu.Unlock()

		select {
		case <-e.outReady:
		case <-e.HaltCh():
			return nil, ErrClosed
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		}
	}
}

// BlockUntilVerified blocks until the endpoint is alive and verified,
// polling at LoopIdleSleep granularity.
func (e *Endpoint) BlockUntilVerified(ctx context.Context) error {
	for {
		if e.Verified() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrTimeout
		case <-e.HaltCh():
			return ErrClosed
		case <-time.After(e.cfg.LoopIdleSleep):
		}
	}
}

// BlockUntilShutdown blocks until the scheduler loop has exited and
// the socket is released, or ctx is done.
func (e *Endpoint) BlockUntilShutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ErrTimeout
	}
}

// SetBufferSize updates the MTU used for future chunking.
func (e *Endpoint) SetBufferSize(mtu int) {
	e.mu.Lock()
	e.mtu = mtu
	e.mu.Unlock()
}

// MessageStatus returns the known-parts count and metadata for an
// in-progress or tombstoned incoming message, for progress UIs.
func (e *Endpoint) MessageStatus(id frame.MessageID) (int, MessageMeta, bool) {
	// Only safe to call from outside the loop goroutine because
	// reasm.byID is read without mutation; callers needing a live
	// snapshot while the loop mutates concurrently should prefer
	// metrics instead. Protected by mu for that reason.
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.reasm.byID[id]
	if !ok {
		return 0, MessageMeta{}, false
	}
	return len(m.parts), MessageMeta{TotalParts: m.expectedTotal, Done: m.done}, true
}

// Errors returns a channel that receives out-of-band loop errors: the
// loop sends ErrIDSpaceExhausted when it drops a submit for lack of a
// free message id. Socket read errors do not reach this channel; the
// loop counts them in the socket-read-errors metric and keeps running.
func (e *Endpoint) Errors() <-chan error {
	return e.errCh
}
