// Package transport defines the session abstraction the connection
// manager and listener are built against: bind an endpoint under a
// secret key, dial a peer, accept and open bidirectional streams. This
// layer is assumed rather than designed (spec.md §1/§9 Non-goals); the
// concrete implementation in quic.go exists only so the rest of the
// module has something real to compile and test against.
package transport

import (
	"context"
	"io"

	"github.com/fastn-stack/kulfi/internal/id52"
)

// ALPN identifies this application to the transport. A single fixed
// constant, as spec.md §6 requires.
const ALPN = "malai/1"

// Stream is an ordered, reliable, bidirectional byte pipe with
// independent send and receive halves, mirroring iroh's
// (SendStream, RecvStream) pair.
type Stream interface {
	io.Reader
	io.Writer
	// Close closes the send half of the stream; the underlying transport
	// still allows reading any data already in flight from the peer.
	Close() error
}

// Connection is a live session to exactly one peer.
type Connection interface {
	// OpenStream opens a fresh bidirectional stream on this connection.
	OpenStream(ctx context.Context) (Stream, error)
	// AcceptStream blocks until the peer opens a bidirectional stream.
	AcceptStream(ctx context.Context) (Stream, error)
	// RemotePeer returns the ID52 of the peer on the other end of this
	// connection, as established by the transport's own handshake. A
	// concrete transport with no out-of-band identity binding (e.g. one
	// that only authenticates via TLS certificates it does not map back
	// to an ID52) may return the empty string. The protocol-level header
	// handshake carries no identity, so it cannot fill that gap.
	RemotePeer() id52.PublicKey
	// Close tears down the connection. The connection manager
	// deliberately never calls this (see connmgr's managerLoop) so
	// streams already handed to callers can fail on their own.
	Close() error
}

// Listener accepts inbound connections for a bound identity.
type Listener interface {
	Accept(ctx context.Context) (Connection, error)
	Close() error
}

// Endpoint is a bound local identity capable of dialing peers and
// listening for inbound connections.
type Endpoint interface {
	LocalID52() id52.PublicKey
	Dial(ctx context.Context, addr string, peer id52.PublicKey) (Connection, error)
	Listen() (Listener, error)
	Close() error
}
