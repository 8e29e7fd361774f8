package datagram

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/nmerryman/antt-go/frame"
)

func loopbackConn(t *testing.T, port int) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	return conn
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectTryTimeout = time.Second
	cfg.ConnectTryLimit = 10
	cfg.RetransmitLatency = 50 * time.Millisecond
	cfg.MaxIdleBeforeHeartbeat = time.Minute
	cfg.LoopIdleSleep = 2 * time.Millisecond
	return cfg
}

func startPair(t *testing.T, portA, portB int) (a, b *Endpoint) {
	t.Helper()
	connA := loopbackConn(t, portA)
	connB := loopbackConn(t, portB)
	logger := log.New(nil)
	logger.SetLevel(log.FatalLevel)

	a = NewEndpoint(testConfig(), connA, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: portB}, logger)
	b = NewEndpoint(testConfig(), connB, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: portA}, logger)

	errCh := make(chan error, 2)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errCh <- a.Start(ctx, true)
	}()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errCh <- b.Start(ctx, false)
	}()
	require.NoError(t, <-errCh)
	require.NoError(t, <-errCh)
	return a, b
}

func TestLoopbackHandshake(t *testing.T) {
	a, b := startPair(t, 33553, 33773)
	defer a.Kill()
	defer b.Kill()
	require.True(t, a.Verified())
	require.True(t, b.Verified())
}

func TestSmallMessageEcho(t *testing.T) {
	a, b := startPair(t, 33554, 33774)
	defer a.Kill()
	defer b.Kill()

	require.NoError(t, a.Submit([]byte("hello from a")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := b.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello from a", string(msg))
}

// TestFragmentedMessage forces multi-part reassembly with a small MTU.
func TestFragmentedMessage(t *testing.T) {
	a, b := startPair(t, 33555, 33775)
	defer a.Kill()
	defer b.Kill()
	a.SetBufferSize(20)
	b.SetBufferSize(20)

	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	require.NoError(t, a.Submit(payload))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msg, err := b.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, payload, msg)
}

// TestFlowControlPing exercises the drain probe path by pushing a
// message larger than a deliberately tiny PeerBufferCapacity.
func TestFlowControlPing(t *testing.T) {
	connA := loopbackConn(t, 33556)
	connB := loopbackConn(t, 33776)
	logger := log.New(nil)
	logger.SetLevel(log.FatalLevel)

	// Frames must be smaller than the peer buffer watermark or the
	// send loop can never make progress; a 32-byte MTU keeps every
	// frame under the 64-byte capacity so the drain probe path is
	// exercised rather than wedged.
	cfgA := testConfig()
	cfgA.PeerBufferCapacity = 64
	cfgA.MTU = 32
	cfgB := testConfig()

	a := NewEndpoint(cfgA, connA, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 33776}, logger)
	b := NewEndpoint(cfgB, connB, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 33556}, logger)

	errCh := make(chan error, 2)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errCh <- a.Start(ctx, true)
	}()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errCh <- b.Start(ctx, false)
	}()
	require.NoError(t, <-errCh)
	require.NoError(t, <-errCh)
	defer a.Kill()
	defer b.Kill()

	payload := make([]byte, 500)
	require.NoError(t, a.Submit(payload))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msg, err := b.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, payload, msg)
}

// TestGapDetectionRequestsMissingParts drives an endpoint with a raw
// UDP socket acting as the peer: two of three parts arrive followed by
// the sender done-signal, and the endpoint must immediately request
// exactly the missing part, then deliver the full payload and ack it
// once supplied.
func TestGapDetectionRequestsMissingParts(t *testing.T) {
	connA := loopbackConn(t, 33559)
	peer := loopbackConn(t, 33779)
	defer peer.Close()

	logger := log.New(nil)
	logger.SetLevel(log.FatalLevel)
	cfg := testConfig()
	a := NewEndpoint(cfg, connA, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 33779}, logger)

	startErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		startErr <- a.Start(ctx, false)
	}()

	buf := make([]byte, 2048)
	peerSrc := answerHandshake(t, peer, buf)
	require.NoError(t, <-startErr)
	defer a.Kill()

	payload := []byte("aoeu1234aoeu1234aoeu")
	frames, err := frame.Chunk(cfg.Header, 9, payload, frame.CtrlData, 16)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	sendEncoded(t, cfg, peer, peerSrc, frames[0])
	sendEncoded(t, cfg, peer, peerSrc, frames[2])
	done, err := frame.EncodeMessageIDFrame(cfg.Header, frame.CtrlDone, 9)
	require.NoError(t, err)
	_, err = peer.WriteToUDP(done, peerSrc)
	require.NoError(t, err)

	// The done-signal must trigger an immediate request for part 1.
	id, parts := awaitRequestMissing(t, cfg, peer, buf)
	require.Equal(t, frame.MessageID(9), id)
	require.Equal(t, []uint32{1}, parts)

	sendEncoded(t, cfg, peer, peerSrc, frames[1])

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := a.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, payload, msg)

	awaitBuilt(t, peer, buf, 9, cfg)
}

// TestVerificationSilentPeer: a bound but silent peer exhausts the
// retry budget and surfaces ErrConnectionNoResponse.
func TestVerificationSilentPeer(t *testing.T) {
	connA := loopbackConn(t, 33560)
	silent := loopbackConn(t, 33780)
	defer silent.Close()

	logger := log.New(nil)
	logger.SetLevel(log.FatalLevel)
	cfg := testConfig()
	cfg.ConnectTryTimeout = 500 * time.Millisecond
	cfg.ConnectTryLimit = 5

	a := NewEndpoint(cfg, connA, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 33780}, logger)
	err := a.Start(context.Background(), false)
	require.ErrorIs(t, err, ErrConnectionNoResponse)
	require.Equal(t, StateClosed, a.State())
	require.False(t, a.Alive())
}

func TestKillStopsLoop(t *testing.T) {
	a, b := startPair(t, 33557, 33777)
	defer b.Kill()

	a.Kill()
	a.Wait()
	require.Equal(t, StateClosed, a.State())
}

func TestSubmitAfterCloseIsRejected(t *testing.T) {
	a, b := startPair(t, 33558, 33778)
	defer b.Kill()

	a.Kill()
	a.Wait()
	require.ErrorIs(t, a.Submit([]byte("x")), ErrClosed)
}

// answerHandshake reads from peer until the endpoint's CtrlSyn
// arrives, replies CtrlAck, and returns the endpoint's address.
func answerHandshake(t *testing.T, peer *net.UDPConn, buf []byte) *net.UDPAddr {
	t.Helper()
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		n, src, err := peer.ReadFromUDP(buf)
		require.NoError(t, err)
		if n > 0 && frame.ControlByte(buf[0]) == frame.CtrlSyn {
			_, err = peer.WriteToUDP([]byte{byte(frame.CtrlAck)}, src)
			require.NoError(t, err)
			return src
		}
	}
}

func sendEncoded(t *testing.T, cfg Config, peer *net.UDPConn, dst *net.UDPAddr, f frame.Frame) {
	t.Helper()
	enc, err := frame.Encode(cfg.Header, f)
	require.NoError(t, err)
	_, err = peer.WriteToUDP(enc, dst)
	require.NoError(t, err)
}

// awaitRequestMissing reads from peer, skipping heartbeats and other
// control traffic, until a CtrlRequestMissing frame arrives.
func awaitRequestMissing(t *testing.T, cfg Config, peer *net.UDPConn, buf []byte) (frame.MessageID, []uint32) {
	t.Helper()
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		n, _, err := peer.ReadFromUDP(buf)
		require.NoError(t, err)
		if n == 0 || frame.ControlByte(buf[0]) != frame.CtrlRequestMissing {
			continue
		}
		id, parts, err := frame.DecodeRequestMissing(cfg.Header, buf[1:n])
		require.NoError(t, err)
		return id, parts
	}
}

// awaitBuilt reads from peer until the CtrlBuilt ack for id arrives.
func awaitBuilt(t *testing.T, peer *net.UDPConn, buf []byte, id frame.MessageID, cfg Config) {
	t.Helper()
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		n, _, err := peer.ReadFromUDP(buf)
		require.NoError(t, err)
		if n == 0 || frame.ControlByte(buf[0]) != frame.CtrlBuilt {
			continue
		}
		got, err := frame.DecodeMessageIDFrame(cfg.Header, buf[1:n])
		require.NoError(t, err)
		require.Equal(t, id, got)
		return
	}
}
