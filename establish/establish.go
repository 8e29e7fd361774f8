// Package establish decides how to reach a remote endpoint: given a
// local and remote ConnInfo, it walks an ordered strategy list,
// optionally probing an existing channel first, and hands back a
// started datagram.Endpoint, or a final ErrConnectionIssue once every
// strategy in the list has failed.
package establish

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nmerryman/antt-go/datagram"
	"github.com/nmerryman/antt-go/internal/sockopt"
)

// PunchType classifies a peer's NAT.
type PunchType uint8

const (
	PunchUnknown PunchType = iota
	PunchCone
	PunchSymmetric
)

// PortRange is the (low, high) source-port span a symmetric NAT has
// been observed to use, as reported by a detection server.
type PortRange struct {
	Low, High int
}

// StrategyName enumerates the ordered establishment strategies.
type StrategyName string

const (
	StrategyLocal          StrategyName = "local"
	StrategyUPnPConnect    StrategyName = "upnp connect"
	StrategyPunchCone      StrategyName = "punch cone"
	StrategyUPnPOpen       StrategyName = "upnp open"
	StrategyPunchSymmetric StrategyName = "punch symmetric"
	StrategyRelay          StrategyName = "relay"
)

// ConnInfo describes one side of an establishment attempt.
type ConnInfo struct {
	PrivateIP      string
	PrivatePort    int
	PublicIP       string
	PublicPort     int
	PunchType      PunchType
	SymmetricRange PortRange
	Strategies     []StrategyName
}

const (
	probeByte = 0x01
	probeAck  = 0x02
	punchByte = 0x01
	punchAck  = 0x02
	shotgun   = 0x00
)

var (
	// ErrConnectionIssue means every strategy in the list failed.
	ErrConnectionIssue = errors.New("establish: connection issue")
	// ErrNotImplemented is returned by stub collaborator strategies
	// (upnp connect, upnp open, relay) so the orchestrator advances to
	// the next strategy.
	ErrNotImplemented = errors.New("establish: strategy not implemented")
)

// Config tunes the orchestrator's retry/backoff behaviour.
type Config struct {
	RetryCount     int
	Timeout        time.Duration
	ProbeTimeout   time.Duration
	DatagramConfig datagram.Config
}

// DefaultConfig: six punch iterations of one second each, a one
// second probe wait.
func DefaultConfig() Config {
	return Config{
		RetryCount:     6,
		Timeout:        time.Second,
		ProbeTimeout:   time.Second,
		DatagramConfig: datagram.DefaultConfig(),
	}
}

// Orchestrator walks establishment strategies against one socket.
type Orchestrator struct {
	cfg     Config
	log     *log.Logger
	metrics *orchestratorMetrics
}

type orchestratorMetrics struct {
	attempts  *prometheus.CounterVec
	successes *prometheus.CounterVec
}

func newOrchestratorMetrics(reg *prometheus.Registry) *orchestratorMetrics {
	m := &orchestratorMetrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "antt_establish_attempts_total",
			Help: "Establishment attempts per strategy.",
		}, []string{"strategy"}),
		successes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "antt_establish_successes_total",
			Help: "Establishment successes per strategy.",
		}, []string{"strategy"}),
	}
	reg.MustRegister(m.attempts, m.successes)
	return m
}

// New builds an Orchestrator. reg may be nil, in which case a private
// registry is used (each Orchestrator's metrics never collide).
func New(cfg Config, logger *log.Logger, reg *prometheus.Registry) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Orchestrator{cfg: cfg, log: logger, metrics: newOrchestratorMetrics(reg)}
}

// Establish binds a probe socket, optionally probes an existing
// channel, then walks local.Strategies in order until one succeeds.
func (o *Orchestrator) Establish(ctx context.Context, local, remote ConnInfo) (*datagram.Endpoint, error) {
	bindIP := local.PrivateIP
	if bindIP == "" {
		bindIP = "0.0.0.0"
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(bindIP), Port: local.PrivatePort})
	if err != nil {
		return nil, fmt.Errorf("%w: bind probe socket: %v", ErrConnectionIssue, err)
	}

	if remote.PublicIP != "" {
		if ep, err := o.tryProbe(ctx, conn, local, remote); err == nil {
			return ep, nil
		}
	}

	for _, name := range local.Strategies {
		attemptID := uuid.New()
		o.metrics.attempts.WithLabelValues(string(name)).Inc()
		o.log.Info("establishment attempt", "strategy", name, "attempt_id", attemptID.String())

		ep, err := o.runStrategy(ctx, name, conn, local, remote)
		if err == nil {
			o.metrics.successes.WithLabelValues(string(name)).Inc()
			return ep, nil
		}
		o.log.Warn("strategy failed, advancing", "strategy", name, "attempt_id", attemptID.String(), "err", err)
	}

	conn.Close()
	return nil, fmt.Errorf("%w: all strategies exhausted", ErrConnectionIssue)
}

// tryProbe checks for an already-open channel: send 0x01 to the
// remote, wait ProbeTimeout for 0x02; on success hand off to an
// endpoint on this same local port.
func (o *Orchestrator) tryProbe(ctx context.Context, conn *net.UDPConn, local, remote ConnInfo) (*datagram.Endpoint, error) {
	target := &net.UDPAddr{IP: net.ParseIP(remote.PublicIP), Port: remote.PublicPort}
	if _, err := conn.WriteToUDP([]byte{probeByte}, target); err != nil {
		return nil, fmt.Errorf("%w: probe send: %v", ErrConnectionIssue, err)
	}
	conn.SetReadDeadline(time.Now().Add(o.cfg.ProbeTimeout))
	buf := make([]byte, 1)
	n, _, err := conn.ReadFromUDP(buf)
	conn.SetReadDeadline(time.Time{})
	if err != nil || n == 0 || buf[0] != probeAck {
		return nil, fmt.Errorf("%w: no probe ack", ErrConnectionIssue)
	}
	o.log.Info("existing channel probe succeeded", "remote", target.String())
	return o.handOff(ctx, conn, target)
}

func (o *Orchestrator) runStrategy(ctx context.Context, name StrategyName, conn *net.UDPConn, local, remote ConnInfo) (*datagram.Endpoint, error) {
	switch name {
	case StrategyLocal:
		target := &net.UDPAddr{IP: net.ParseIP(remote.PrivateIP), Port: remote.PrivatePort}
		return o.handOff(ctx, conn, target)
	case StrategyPunchCone:
		return o.punch(ctx, conn, remote, false)
	case StrategyPunchSymmetric:
		return o.punch(ctx, conn, remote, true)
	case StrategyUPnPConnect, StrategyUPnPOpen, StrategyRelay:
		return nil, fmt.Errorf("%w: %s", ErrNotImplemented, name)
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrConnectionIssue, name)
	}
}

// punch runs the cone / symmetric hole-punch: for up to RetryCount
// iterations, send 0x01 to the remote's public address and listen; on
// 0x02 the endpoint is returned, on 0x01 reply 0x02 and return. Every
// third iteration of the symmetric variant additionally fires the
// shotgun.
func (o *Orchestrator) punch(ctx context.Context, conn *net.UDPConn, remote ConnInfo, symmetric bool) (*datagram.Endpoint, error) {
	target := &net.UDPAddr{IP: net.ParseIP(remote.PublicIP), Port: remote.PublicPort}
	buf := make([]byte, 1)

	for attempt := 1; attempt <= o.cfg.RetryCount; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrConnectionIssue, ctx.Err())
		default:
		}

		if symmetric && attempt%3 == 0 {
			o.shotgun(conn, remote)
		}

		if _, err := conn.WriteToUDP([]byte{punchByte}, target); err != nil {
			time.Sleep(o.cfg.Timeout)
			continue
		}

		conn.SetReadDeadline(time.Now().Add(o.cfg.Timeout))
		n, src, err := conn.ReadFromUDP(buf)
		conn.SetReadDeadline(time.Time{})
		if err != nil {
			continue // timeout already elapsed; retry immediately
		}
		if n == 0 {
			continue
		}
		switch buf[0] {
		case punchAck:
			return o.handOff(ctx, conn, target)
		case punchByte:
			if _, err := conn.WriteToUDP([]byte{punchAck}, src); err != nil {
				continue
			}
			return o.handOff(ctx, conn, target)
		}
	}
	return nil, fmt.Errorf("%w: punch exhausted %d tries", ErrConnectionIssue, o.cfg.RetryCount)
}

// FirstFreePort returns the first port >= start that no process on
// this host currently has bound for UDP.
func FirstFreePort(start int) (int, error) {
	for p := start; p <= 65535; p++ {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: p})
		if err != nil {
			continue
		}
		conn.Close()
		return p, nil
	}
	return 0, fmt.Errorf("%w: no free port at or above %d", ErrConnectionIssue, start)
}

// shotgun bursts a filler byte at every port in the remote's observed
// symmetric range, priming the peer NAT's mappings.
func (o *Orchestrator) shotgun(conn *net.UDPConn, remote ConnInfo) {
	lo, hi := remote.SymmetricRange.Low, remote.SymmetricRange.High
	for p := lo; p <= hi; p++ {
		addr := &net.UDPAddr{IP: net.ParseIP(remote.PublicIP), Port: p}
		conn.WriteToUDP([]byte{shotgun}, addr)
	}
}

// handOff closes the probe socket and rebinds the same local port for
// the endpoint. The new socket sets SO_REUSEADDR before its bind so
// the rebind succeeds even while the old binding is still being torn
// down.
func (o *Orchestrator) handOff(ctx context.Context, conn *net.UDPConn, target *net.UDPAddr) (*datagram.Endpoint, error) {
	localAddr := conn.LocalAddr().(*net.UDPAddr)
	conn.Close()

	lc := net.ListenConfig{Control: sockopt.ControlReuseAddr}
	pc, err := lc.ListenPacket(ctx, "udp", localAddr.String())
	if err != nil {
		return nil, fmt.Errorf("%w: rebind local port %d: %v", ErrConnectionIssue, localAddr.Port, err)
	}
	newConn := pc.(*net.UDPConn)
	ep := datagram.NewEndpoint(o.cfg.DatagramConfig, newConn, target, o.log)
	if err := ep.Start(ctx, false); err != nil {
		return nil, fmt.Errorf("%w: endpoint verification after handoff: %v", ErrConnectionIssue, err)
	}
	return ep, nil
}
