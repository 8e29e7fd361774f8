package stream

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"
)

// TestStreamVariant: two stream endpoints verify within 2s and a
// submitted message arrives bytewise.
func TestStreamVariant(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	logger := log.New(nil)
	logger.SetLevel(log.FatalLevel)

	serverConnCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		serverConnCh <- c
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	serverConn := <-serverConnCh

	client := New(clientConn, false, logger)
	server := New(serverConn, true, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- client.Start(ctx) }()
	go func() { errCh <- server.Start(ctx) }()
	require.NoError(t, <-errCh)
	require.NoError(t, <-errCh)
	defer client.Kill()
	defer server.Kill()

	require.True(t, client.Verified())
	require.True(t, server.Verified())

	require.NoError(t, client.Submit([]byte("test text")))

	popCtx, popCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer popCancel()
	msg, err := server.Pop(popCtx)
	require.NoError(t, err)
	require.Equal(t, "test text", string(msg))
}

func TestStreamKillUnblocksPop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	logger := log.New(nil)
	logger.SetLevel(log.FatalLevel)

	serverConnCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		serverConnCh <- c
	}()
	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	serverConn := <-serverConnCh

	client := New(clientConn, false, logger)
	server := New(serverConn, true, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	errCh := make(chan error, 2)
	go func() { errCh <- client.Start(ctx) }()
	go func() { errCh <- server.Start(ctx) }()
	require.NoError(t, <-errCh)
	require.NoError(t, <-errCh)
	defer client.Kill()

	server.Kill()
	popCtx, popCancel := context.WithTimeout(context.Background(), time.Second)
	defer popCancel()
	_, err = server.Pop(popCtx)
	require.ErrorIs(t, err, ErrClosed)
}
