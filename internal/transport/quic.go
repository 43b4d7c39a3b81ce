// Quic-backed implementation of Endpoint/Connection/Stream, the concrete
// stand-in for the "assumed" QUIC-like session layer (spec.md §2.1),
// grounded on kulfi-iroh-utils/src/get_endpoint.rs's get_endpoint() (bind
// with a fixed ALPN, under a secret key).
package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/fastn-stack/kulfi/internal/id52"
)

// quicEndpoint binds a UDP socket and speaks QUIC with ALPN over it.
// The TLS certificate here only provides transport-level encryption, so
// it is self-signed and not chain-verified. Peers are not authenticated:
// Dial does not check that the remote side holds the key for peer, and
// the protocol header handshake above this layer exchanges no ID52s.
type quicEndpoint struct {
	self     id52.SecretKey
	conn     *net.UDPConn
	tlsConf  *tls.Config
	listener *quic.Listener
}

// NewEndpoint binds a UDP socket on addr (empty for an ephemeral port) and
// returns an Endpoint identified by self.
func NewEndpoint(self id52.SecretKey, addr string) (Endpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to bind udp socket: %w", err)
	}
	cert, err := selfSignedCert()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &quicEndpoint{
		self: self,
		conn: conn,
		tlsConf: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{ALPN},
		},
	}, nil
}

func (e *quicEndpoint) LocalID52() id52.PublicKey {
	return e.self.ID52()
}

func (e *quicEndpoint) Dial(ctx context.Context, addr string, peer id52.PublicKey) (Connection, error) {
	dialTLS := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
	}
	conn, err := quic.DialAddr(ctx, addr, dialTLS, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: failed to dial %s (%s): %w", peer, addr, err)
	}
	return &quicConnection{conn: conn}, nil
}

func (e *quicEndpoint) Listen() (Listener, error) {
	ln, err := quic.Listen(e.conn, e.tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: failed to listen: %w", err)
	}
	e.listener = ln
	return &quicListener{ln: ln}, nil
}

func (e *quicEndpoint) Close() error {
	if e.listener != nil {
		_ = e.listener.Close()
	}
	return e.conn.Close()
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
}

type quicListener struct {
	ln *quic.Listener
}

func (l *quicListener) Accept(ctx context.Context) (Connection, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: accept failed: %w", err)
	}
	return &quicConnection{conn: conn}, nil
}

func (l *quicListener) Close() error {
	return l.ln.Close()
}

type quicConnection struct {
	conn quic.Connection
}

func (c *quicConnection) OpenStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: open_bi failed: %w", err)
	}
	return s, nil
}

func (c *quicConnection) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: accept_bi failed: %w", err)
	}
	return s, nil
}

// RemotePeer is not derivable from the QUIC/TLS layer alone here (the TLS
// certificate is self-signed and carries no ID52 binding, see
// selfSignedCert), and the protocol header handshake carries no ID52
// either, so it always returns the empty string. Concrete deployments that
// want transport-level identity binding would extend the TLS certificate
// with the ID52, which is out of scope for this "assumed" layer.
func (c *quicConnection) RemotePeer() id52.PublicKey {
	return ""
}

func (c *quicConnection) Close() error {
	return c.conn.CloseWithError(0, "closed")
}

// selfSignedCert produces an ephemeral ECDSA certificate purely to satisfy
// QUIC's requirement for a TLS handshake; it carries no ID52 and is not
// used to authenticate the peer.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("transport: failed to generate tls key: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("transport: failed to create tls cert: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
