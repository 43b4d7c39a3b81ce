// Package transporttest provides an in-process transport.Endpoint for
// unit tests, so the connection manager and listener can be exercised
// without a real QUIC socket. Two endpoints created on the same Network
// can dial one another directly; streams are backed by net.Pipe, so
// closing a stream closes both directions rather than only the send half
// that transport.Stream's Close describes.
package transporttest

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/fastn-stack/kulfi/internal/id52"
	"github.com/fastn-stack/kulfi/internal/transport"
)

// Network is a registry of in-process endpoints that can dial each other.
type Network struct {
	mu        sync.Mutex
	endpoints map[id52.PublicKey]*Endpoint
}

// NewNetwork creates an empty in-process network.
func NewNetwork() *Network {
	return &Network{endpoints: map[id52.PublicKey]*Endpoint{}}
}

// NewEndpoint registers and returns a new endpoint under self on this
// network. addr is unused (no real sockets are involved) but kept so test
// code mirrors the real Endpoint's Dial(ctx, addr, peer) signature.
func (n *Network) NewEndpoint(self id52.SecretKey) *Endpoint {
	ep := &Endpoint{
		self:     self,
		net:      n,
		acceptCh: make(chan transport.Connection, 8),
		closed:   make(chan struct{}),
	}
	n.mu.Lock()
	n.endpoints[self.ID52()] = ep
	n.mu.Unlock()
	return ep
}

func (n *Network) lookup(peer id52.PublicKey) (*Endpoint, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.endpoints[peer]
	return ep, ok
}

// Endpoint is an in-process transport.Endpoint.
type Endpoint struct {
	self     id52.SecretKey
	net      *Network
	acceptCh chan transport.Connection
	closed   chan struct{}
	closeOne sync.Once
}

func (e *Endpoint) LocalID52() id52.PublicKey { return e.self.ID52() }

// Dial connects directly to the named peer on the same Network.
func (e *Endpoint) Dial(ctx context.Context, _ string, peer id52.PublicKey) (transport.Connection, error) {
	target, ok := e.net.lookup(peer)
	if !ok {
		return nil, fmt.Errorf("transporttest: peer %s is not registered on this network", peer)
	}
	select {
	case <-target.closed:
		return nil, fmt.Errorf("transporttest: peer %s is closed", peer)
	default:
	}

	mine, theirs := newConnPair()
	mine.remote = peer
	theirs.remote = e.self.ID52()
	select {
	case target.acceptCh <- theirs:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-target.closed:
		return nil, fmt.Errorf("transporttest: peer %s is closed", peer)
	}
	return mine, nil
}

// Listen returns a Listener that yields connections dialed to this
// endpoint by other endpoints on the same Network.
func (e *Endpoint) Listen() (transport.Listener, error) {
	return &listener{ep: e}, nil
}

// Close marks the endpoint closed; further Dials to it fail.
func (e *Endpoint) Close() error {
	e.closeOne.Do(func() { close(e.closed) })
	return nil
}

type listener struct {
	ep *Endpoint
}

func (l *listener) Accept(ctx context.Context) (transport.Connection, error) {
	select {
	case c := <-l.ep.acceptCh:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.ep.closed:
		return nil, fmt.Errorf("transporttest: endpoint closed")
	}
}

func (l *listener) Close() error { return nil }

// conn is one side of an in-process connection. OpenStream on one side
// delivers a net.Pipe half to the peer's AcceptStream.
type conn struct {
	streamCh chan net.Conn
	peer     *conn
	remote   id52.PublicKey
	closed   chan struct{}
	closeOne sync.Once
}

func (c *conn) RemotePeer() id52.PublicKey { return c.remote }

func newConnPair() (*conn, *conn) {
	a := &conn{streamCh: make(chan net.Conn, 8), closed: make(chan struct{})}
	b := &conn{streamCh: make(chan net.Conn, 8), closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (c *conn) OpenStream(ctx context.Context) (transport.Stream, error) {
	local, remote := net.Pipe()
	select {
	case c.peer.streamCh <- remote:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.peer.closed:
		return nil, fmt.Errorf("transporttest: peer connection closed")
	}
	return local, nil
}

func (c *conn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-c.streamCh:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, fmt.Errorf("transporttest: connection closed")
	}
}

func (c *conn) Close() error {
	c.closeOne.Do(func() { close(c.closed) })
	return nil
}
