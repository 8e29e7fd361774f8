package establish

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"
)

func quietLogger() *log.Logger {
	l := log.New(nil)
	l.SetLevel(log.FatalLevel)
	return l
}

// TestLocalStrategy covers the "local" strategy: no punching, just a
// direct endpoint on the binding.
func TestLocalStrategy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DatagramConfig.ConnectTryTimeout = time.Second
	cfg.DatagramConfig.ConnectTryLimit = 10

	oA := New(cfg, quietLogger(), nil)
	oB := New(cfg, quietLogger(), nil)

	localA := ConnInfo{PrivateIP: "127.0.0.1", PrivatePort: 34001, Strategies: []StrategyName{StrategyLocal}}
	remoteA := ConnInfo{PrivateIP: "127.0.0.1", PrivatePort: 34002}
	localB := ConnInfo{PrivateIP: "127.0.0.1", PrivatePort: 34002, Strategies: []StrategyName{StrategyLocal}}
	remoteB := ConnInfo{PrivateIP: "127.0.0.1", PrivatePort: 34001}

	resA := make(chan error, 1)
	resB := make(chan error, 1)
	var epA, epB interface{ Kill() }

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		ep, err := oA.Establish(ctx, localA, remoteA)
		if err == nil {
			epA = ep
			require.True(t, ep.Verified())
		}
		resA <- err
	}()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		ep, err := oB.Establish(ctx, localB, remoteB)
		if err == nil {
			epB = ep
			require.True(t, ep.Verified())
		}
		resB <- err
	}()

	require.NoError(t, <-resA)
	require.NoError(t, <-resB)
	if epA != nil {
		defer epA.Kill()
	}
	if epB != nil {
		defer epB.Kill()
	}
}

func TestFirstFreePortSkipsBoundPort(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	require.NoError(t, err)
	defer conn.Close()
	bound := conn.LocalAddr().(*net.UDPAddr).Port

	got, err := FirstFreePort(bound)
	require.NoError(t, err)
	require.Greater(t, got, bound)
}

func TestUnimplementedStrategyAdvances(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryCount = 1
	cfg.Timeout = 50 * time.Millisecond
	o := New(cfg, quietLogger(), nil)

	local := ConnInfo{PrivateIP: "127.0.0.1", PrivatePort: 34003, Strategies: []StrategyName{StrategyUPnPConnect}}
	remote := ConnInfo{}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := o.Establish(ctx, local, remote)
	require.ErrorIs(t, err, ErrConnectionIssue)
}
