// Package stream is the stream-oriented companion to the datagram
// package: the same submit/pop/kill surface, but carried over an
// already-reliable net.Conn, so no retransmit or flow-control
// bookkeeping is needed. Messages are framed as a 0x05 byte followed
// by a 5-byte big-endian length; bare 0x00 bytes between messages are
// heartbeats.
package stream

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/nmerryman/antt-go/internal/worker"
)

const (
	ctrlHeartbeat byte = 0x00
	ctrlVerifySyn byte = 0x01
	ctrlVerifyAck byte = 0x02
	ctrlData      byte = 0x05
)

const lengthPrefixWidth = 5

var (
	// ErrClosed is returned by Submit/Pop after Kill or peer hang-up.
	ErrClosed = errors.New("stream: endpoint closed")
	// ErrTimeout is returned by blocking helpers whose deadline elapsed.
	ErrTimeout = errors.New("stream: timeout")
	// ErrQueueFull is returned by Submit when the command queue is saturated.
	ErrQueueFull = errors.New("stream: command queue full")
	// ErrConnectionNoResponse means the verification handshake never completed.
	ErrConnectionNoResponse = errors.New("stream: no response from peer during verification")
)

type commandKind uint8

const (
	cmdSubmit commandKind = iota
	cmdKill
)

type command struct {
	kind    commandKind
	payload []byte
}

// Endpoint is one side of a stream channel. actsServer determines
// which side of the verification handshake it runs: the client sends
// first, the server expects first.
type Endpoint struct {
	worker.Worker

	conn       net.Conn
	log        *log.Logger
	session    uuid.UUID
	actsServer bool

	heartbeatEvery time.Duration

	cmdCh chan command

	onMessage   func([]byte)
	onMessageMu sync.Mutex

	outboxMu sync.Mutex
	outbox   [][]byte
	outReady chan struct{}

	mu       sync.Mutex
	verified bool
	closed   bool

	errCh chan error
}

// New wraps conn (already dialed/accepted) in an Endpoint.
// actsAsServer selects the server side of the verification handshake:
// expect 0x01 on accept, reply 0x02.
func New(conn net.Conn, actsAsServer bool, logger *log.Logger) *Endpoint {
	if logger == nil {
		logger = log.Default()
	}
	session := uuid.New()
	return &Endpoint{
		conn:           conn,
		session:        session,
		actsServer:     actsAsServer,
		heartbeatEvery: 20 * time.Second,
		log:            logger.With("session", session.String(), "remote", conn.RemoteAddr().String()),
		cmdCh:          make(chan command, 256),
		outReady:       make(chan struct{}, 1),
		errCh:          make(chan error, 1),
	}
}

// OnMessage registers cb to be invoked synchronously from the reader
// goroutine for each received message instead of queueing it for Pop.
func (e *Endpoint) OnMessage(cb func([]byte)) {
	e.onMessageMu.Lock()
	defer e.onMessageMu.Unlock()
	e.onMessage = cb
}

// Start runs the verification handshake and, on success, launches the
// reader and writer goroutines.
func (e *Endpoint) Start(ctx context.Context) error {
	if err := e.verify(ctx); err != nil {
		e.conn.Close()
		return err
	}
	e.mu.Lock()
	e.verified = true
	e.mu.Unlock()

	r := bufio.NewReader(e.conn)
	e.Go(func() { e.reader(r) })
	e.Go(e.writer)
	return nil
}

func (e *Endpoint) verify(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		e.conn.SetDeadline(deadline)
		defer e.conn.SetDeadline(time.Time{})
	}
	r := bufio.NewReader(e.conn)

	if e.actsServer {
		b, err := r.ReadByte()
		if err != nil || b != ctrlVerifySyn {
			return fmt.Errorf("%w: %v", ErrConnectionNoResponse, err)
		}
		if _, err := e.conn.Write([]byte{ctrlVerifyAck}); err != nil {
			return fmt.Errorf("%w: %v", ErrConnectionNoResponse, err)
		}
		return nil
	}

	if _, err := e.conn.Write([]byte{ctrlVerifySyn}); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionNoResponse, err)
	}
	b, err := r.ReadByte()
	if err != nil || b != ctrlVerifyAck {
		return fmt.Errorf("%w: %v", ErrConnectionNoResponse, err)
	}
	return nil
}

// reader strips 0x00 heartbeats and decodes 0x05||len(5 BE)||payload
// frames.
func (e *Endpoint) reader(r *bufio.Reader) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			e.fail(err)
			return
		}
		switch b {
		case ctrlHeartbeat:
			continue
		case ctrlData:
			payload, err := readLengthPrefixed(r)
			if err != nil {
				e.fail(err)
				return
			}
			e.deliver(payload)
		default:
			e.log.Warn("dropping unexpected stream control byte", "byte", b)
		}
	}
}

func readLengthPrefixed(r *bufio.Reader) ([]byte, error) {
	var lenBuf [lengthPrefixWidth]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	var widened [8]byte
	copy(widened[8-lengthPrefixWidth:], lenBuf[:])
	n := binary.BigEndian.Uint64(widened[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (e *Endpoint) deliver(payload []byte) {
	e.onMessageMu.Lock()
	cb := e.onMessage
	e.onMessageMu.Unlock()
	if cb != nil {
		cb(payload)
		return
	}
	e.outboxMu.Lock()
	e.outbox = append(e.outbox, payload)
	e.outboxMu.Unlock()
	select {
	case e.outReady <- struct{}{}:
	default:
	}
}

// writer drains submitted messages and periodic heartbeats onto the
// wire. Each write is a single blocking call; nothing blocks longer
// than one send.
func (e *Endpoint) writer() {
	ticker := time.NewTicker(e.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-e.HaltCh():
			e.shutdown()
			return
		case c := <-e.cmdCh:
			if c.kind == cmdKill {
				e.shutdown()
				return
			}
			if err := e.sendMessage(c.payload); err != nil {
				e.fail(err)
				return
			}
		case <-ticker.C:
			if _, err := e.conn.Write([]byte{ctrlHeartbeat}); err != nil {
				e.fail(err)
				return
			}
		}
	}
}

func (e *Endpoint) sendMessage(payload []byte) error {
	out := make([]byte, 1+lengthPrefixWidth+len(payload))
	out[0] = ctrlData
	var widened [8]byte
	binary.BigEndian.PutUint64(widened[:], uint64(len(payload)))
	copy(out[1:1+lengthPrefixWidth], widened[8-lengthPrefixWidth:])
	copy(out[1+lengthPrefixWidth:], payload)
	_, err := e.conn.Write(out)
	return err
}

func (e *Endpoint) shutdown() {
	e.mu.Lock()
	alreadyClosed := e.closed
	e.closed = true
	e.mu.Unlock()
	if alreadyClosed {
		return
	}
	e.conn.Close()
	e.Halt()
}

func (e *Endpoint) fail(err error) {
	if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		select {
		case e.errCh <- err:
		default:
		}
	}
	e.shutdown()
}

// Submit enqueues payload for delivery. Non-blocking.
func (e *Endpoint) Submit(payload []byte) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case e.cmdCh <- command{kind: cmdSubmit, payload: payload}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Kill requests orderly shutdown.
func (e *Endpoint) Kill() {
	select {
	case e.cmdCh <- command{kind: cmdKill}:
	case <-e.HaltCh():
	}
}

// Pop blocks until a message is available or ctx is done.
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

// BlockUntilVerified blocks until the handshake has completed.
func (e *Endpoint) BlockUntilVerified(ctx context.Context) error {
	for {
		e.mu.Lock()
		v := e.verified
		e.mu.Unlock()
		if v {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrTimeout
		case <-e.HaltCh():
			return ErrClosed
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// BlockUntilShutdown blocks until the reader and writer goroutines
// have exited, or ctx is done.
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

// Verified reports whether the handshake has completed.
func (e *Endpoint) Verified() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.verified
}

// Errors returns a channel that receives fatal out-of-band errors.
func (e *Endpoint) Errors() <-chan error {
	return e.errCh
}
