// Package connmgr implements the per-peer connection manager and its
// registry: one goroutine per (self_id, peer_id) pair, owning at most one
// live connection and serializing stream-open requests against it.
//
// Grounded, almost line for line, on
// original_source/kulfi-iroh-utils/src/get_stream.rs: PeerStreamSenders
// becomes Registry, get_stream_request_sender's "lock, lookup, insert,
// spawn, unlock before awaiting anything" becomes Registry.channelFor,
// connection_manager/connection_manager_ become runManager/managerLoop,
// and handle_request becomes handleRequest.
package connmgr

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/op/go-logging"
	uuid "github.com/satori/go.uuid"

	"github.com/fastn-stack/kulfi/internal/graceful"
	"github.com/fastn-stack/kulfi/internal/id52"
	"github.com/fastn-stack/kulfi/internal/malaierr"
	"github.com/fastn-stack/kulfi/internal/protocol"
	"github.com/fastn-stack/kulfi/internal/transport"
)

// idleTick and idleBudget are the spec-mandated defaults (12s ticks, 5
// tolerated idle ticks ~= 60s). They are vars rather than consts solely so
// tests can shrink them; production code never reassigns them.
var (
	idleTick   = 12 * time.Second
	idleBudget = 5
)

// PeerKey is the routing key for all per-peer state: an ordered pair of
// (self_id, peer_id), since a host may run multiple identities.
type PeerKey struct {
	Self id52.PublicKey
	Peer id52.PublicKey
}

type streamRequest struct {
	id     string
	header protocol.Header
	reply  chan streamReply
}

type streamReply struct {
	stream transport.Stream
	err    error
}

// peerChannel is what the registry stores per PeerKey: the bounded queue
// into the manager goroutine, plus a "gone" signal the manager closes when
// it exits so blocked senders and waiting replies unblock immediately
// instead of hanging on a channel nobody drains anymore.
type peerChannel struct {
	requests chan streamRequest
	gone     chan struct{}
}

// Registry is the mutex-guarded mapping from PeerKey to the send-handle of
// that peer's manager goroutine. Entries are inserted by GetStream and
// removed by the manager goroutine itself on exit -- never by an external
// caller.
type Registry struct {
	mu      sync.Mutex
	byPeer  map[PeerKey]*peerChannel
}

// NewRegistry creates an empty registry, owned by whoever owns the
// transport.Endpoint it will be used with.
func NewRegistry() *Registry {
	return &Registry{byPeer: map[PeerKey]*peerChannel{}}
}

// GetStream acquires a fresh bidirectional stream to peer, dialing and/or
// reusing a pooled connection as needed. It resolves or spins up the
// peer's manager goroutine, enqueues a request, and awaits the reply.
func GetStream(
	ctx context.Context,
	ep transport.Endpoint,
	addr string,
	peer id52.PublicKey,
	header protocol.Header,
	reg *Registry,
	g *graceful.Context,
	log *logging.Logger,
) (transport.Stream, error) {
	pc := reg.channelFor(ep, addr, peer, g, log)

	reply := make(chan streamReply, 1)
	req := streamRequest{id: uuid.NewV4().String(), header: header, reply: reply}

	select {
	case pc.requests <- req:
	case <-pc.gone:
		return nil, fmt.Errorf("%w: manager for %s exited before request was accepted", malaierr.ErrConnAcquire, peer)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-reply:
		if r.err != nil {
			return nil, r.err
		}
		return r.stream, nil
	case <-pc.gone:
		return nil, fmt.Errorf("%w: manager for %s exited before reply was received", malaierr.ErrConnGone, peer)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// channelFor resolves the existing manager for (ep.LocalID52(), peer), or
// spins up a fresh one. The registry mutex is held only across the
// lookup-and-insert; no await happens while it is held.
func (r *Registry) channelFor(ep transport.Endpoint, addr string, peer id52.PublicKey, g *graceful.Context, log *logging.Logger) *peerChannel {
	key := PeerKey{Self: ep.LocalID52(), Peer: peer}

	r.mu.Lock()
	if pc, ok := r.byPeer[key]; ok {
		r.mu.Unlock()
		return pc
	}
	pc := &peerChannel{
		requests: make(chan streamRequest, 1),
		gone:     make(chan struct{}),
	}
	r.byPeer[key] = pc
	r.mu.Unlock()

	g.Spawn(func(ctx context.Context) {
		runManager(ctx, ep, addr, peer, pc, log)
		r.mu.Lock()
		delete(r.byPeer, key)
		r.mu.Unlock()
	})

	return pc
}

// runManager wraps managerLoop's core logic with the cleanup contract: on
// any error, signal "gone", then drain whatever requests are already
// buffered in the channel and fail each one with the terminal error.
func runManager(ctx context.Context, ep transport.Endpoint, addr string, peer id52.PublicKey, pc *peerChannel, log *logging.Logger) {
	err := managerLoop(ctx, ep, addr, peer, pc, log)
	if err == nil {
		log.Infof("connection manager for %s closed", peer)
		close(pc.gone)
		return
	}

	log.Errorf("connection manager for %s failed: %v", peer, err)
	close(pc.gone)

	for {
		select {
		case req := <-pc.requests:
			req.reply <- streamReply{err: fmt.Errorf("%w: %v", malaierr.ErrConnAcquire, err)}
		default:
			return
		}
	}
}

func managerLoop(ctx context.Context, ep transport.Endpoint, addr string, peer id52.PublicKey, pc *peerChannel, log *logging.Logger) error {
	conn, err := ep.Dial(ctx, addr, peer)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", peer, err)
	}
	// Deliberately no conn.Close() on any exit path below, graceful
	// shutdown included: streams already handed to callers may still be
	// in use, and force-closing the connection would fail them too. Let
	// those streams fail on their own if the connection really is dead.

	idleCounter := 0

	for {
		if idleCounter >= idleBudget {
			log.Infof("connection to %s idle timeout, evicting", peer)
			return nil
		}

		select {
		case <-ctx.Done():
			log.Infof("graceful shutdown, closing manager for %s", peer)
			return nil

		case <-time.After(idleTick):
			if err := ping(ctx, conn); err != nil {
				return fmt.Errorf("ping to %s failed: %w", peer, err)
			}
			idleCounter++

		case req := <-pc.requests:
			idleCounter = 0
			log.Debugf("handling request %s to %s: %v", req.id, peer, req.header.Protocol)
			stream, err := handleRequest(ctx, conn, req.header)
			if err != nil {
				req.reply <- streamReply{err: err}
				return fmt.Errorf("failed to handle request %s: %w", req.id, err)
			}
			req.reply <- streamReply{stream: stream}
		}
	}
}

func handleRequest(ctx context.Context, conn transport.Connection, header protocol.Header) (transport.Stream, error) {
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open_bi: %w", err)
	}

	if err := protocol.WriteHeader(stream, header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	msg, err := protocol.ReadLine(stream)
	if err != nil {
		return nil, fmt.Errorf("failed to read ack: %w", err)
	}
	if msg != protocol.Ack {
		return nil, fmt.Errorf("%w: got %q", malaierr.ErrAckMismatch, msg)
	}

	return stream, nil
}

func ping(ctx context.Context, conn transport.Connection) error {
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("failed to open ping stream: %w", err)
	}
	defer stream.Close()

	if err := protocol.WriteHeader(stream, protocol.Header{Protocol: protocol.Ping}); err != nil {
		return fmt.Errorf("failed to write ping header: %w", err)
	}

	buf := make([]byte, len(protocol.Pong))
	if _, err := io.ReadFull(stream, buf); err != nil {
		return fmt.Errorf("failed to read pong: %w", err)
	}
	if string(buf) != protocol.Pong {
		return fmt.Errorf("unexpected ping reply: %q", buf)
	}
	return nil
}
