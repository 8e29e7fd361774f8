package stream

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"
)

// QUICTransport opens stream Endpoint connections over a QUIC stream
// carried by an existing net.PacketConn. This lets an application
// multiplex a verified datagram endpoint and a stream endpoint over
// the same hole-punched UDP mapping without a second hole-punch.
type QUICTransport struct {
	pconn   net.PacketConn
	tlsConf *tls.Config
	qcfg    *quic.Config
}

// NewQUICTransport wraps pconn (typically the UDPConn backing a
// datagram.Endpoint) for use as a Stream Endpoint transport.
func NewQUICTransport(pconn net.PacketConn) (*QUICTransport, error) {
	tlsConf, err := selfSignedTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("stream: generate quic tls config: %w", err)
	}
	return &QUICTransport{pconn: pconn, tlsConf: tlsConf, qcfg: &quic.Config{}}, nil
}

// Accept waits for a single incoming QUIC connection and its first
// stream, returning a net.Conn usable by Endpoint.
func (t *QUICTransport) Accept(ctx context.Context) (net.Conn, error) {
	l, err := quic.Listen(t.pconn, t.tlsConf, t.qcfg)
	if err != nil {
		return nil, fmt.Errorf("stream: quic listen: %w", err)
	}
	conn, err := l.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream: quic accept: %w", err)
	}
	s, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream: quic accept stream: %w", err)
	}
	return &quicStreamConn{Stream: s, conn: conn}, nil
}

// Dial establishes a QUIC connection to addr and opens its single
// stream, returning a net.Conn usable by Endpoint.
func (t *QUICTransport) Dial(ctx context.Context, addr net.Addr) (net.Conn, error) {
	clientTLSConf := t.tlsConf.Clone()
	clientTLSConf.InsecureSkipVerify = true
	conn, err := quic.Dial(ctx, t.pconn, addr, clientTLSConf, t.qcfg)
	if err != nil {
		return nil, fmt.Errorf("stream: quic dial: %w", err)
	}
	s, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream: quic open stream: %w", err)
	}
	return &quicStreamConn{Stream: s, conn: conn}, nil
}

// quicStreamConn adapts a quic.Stream plus its parent quic.Connection
// to net.Conn.
type quicStreamConn struct {
	quic.Stream
	conn quic.Connection
}

func (c *quicStreamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicStreamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func selfSignedTLSConfig() (*tls.Config, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"antt-stream"},
	}, nil
}
