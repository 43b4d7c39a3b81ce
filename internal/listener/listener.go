// Package listener implements the typed protocol listener: it accepts
// inbound connections for a local identity, demultiplexes bidirectional
// streams by protocol tag, and invokes a user-supplied handler with a
// bounded request/response/error shape.
//
// Grounded on original_source/malai/src/malai_server.rs's
// run_malai_server (per-identity listen + dispatch loop) and
// core/server.rs's Server.start/handle_p2p_request (spawn-per-accepted-
// stream), translated from fastn_p2p's listen!/request.handle() macros
// into an explicit Go accept loop with generic GetInput/Send helpers.
package listener

import (
	"context"
	"fmt"
	"io"

	"github.com/op/go-logging"
	uuid "github.com/satori/go.uuid"

	"github.com/fastn-stack/kulfi/internal/graceful"
	"github.com/fastn-stack/kulfi/internal/id52"
	"github.com/fastn-stack/kulfi/internal/malaierr"
	"github.com/fastn-stack/kulfi/internal/protocol"
	"github.com/fastn-stack/kulfi/internal/transport"
)

// Request is what the listener yields for each accepted, dispatched
// stream: the peer's identity, the protocol tag it named, and the raw
// stream behind GetInput/Send.
type Request struct {
	ID       string
	Peer     id52.PublicKey
	Protocol protocol.Tag
	Extra    string
	stream   transport.Stream
}

// ReplyHandle is the opaque, exactly-once handle a Request's body reading
// produces.
type ReplyHandle struct {
	stream transport.Stream
}

// Result mirrors Rust's Result<Res, Err>: exactly one of Value or Error is
// set.
type Result[Res any, Err any] struct {
	Value *Res `json:"value,omitempty"`
	Error *Err `json:"error,omitempty"`
}

// Ok builds a successful Result.
func Ok[Res any, Err any](v Res) Result[Res, Err] {
	return Result[Res, Err]{Value: &v}
}

// Fail builds a failed Result.
func Fail[Res any, Err any](e Err) Result[Res, Err] {
	return Result[Res, Err]{Error: &e}
}

// GetInput reads and decodes the typed request body following the header
// handshake, returning a ReplyHandle for the matching Send call.
func GetInput[Req any](r *Request) (Req, ReplyHandle, error) {
	var req Req
	if err := protocol.ReadJSONLine(r.stream, &req); err != nil {
		var zero Req
		return zero, ReplyHandle{}, fmt.Errorf("listener: failed to read request body: %w", err)
	}
	return req, ReplyHandle{stream: r.stream}, nil
}

// Send writes the typed response body exactly once.
func Send[Res any, Err any](h ReplyHandle, result Result[Res, Err]) error {
	if err := protocol.WriteJSONLine(h.stream, result); err != nil {
		return fmt.Errorf("listener: failed to write response body: %w", err)
	}
	return nil
}

// Call is the client-side counterpart to GetInput/Send: given a stream
// already through the header/ack handshake (e.g. via connmgr.GetStream),
// it writes the typed request body and decodes the typed Result reply.
func Call[Req any, Res any, Err any](stream transport.Stream, req Req) (Result[Res, Err], error) {
	var zero Result[Res, Err]
	if err := protocol.WriteJSONLine(stream, req); err != nil {
		return zero, fmt.Errorf("listener: failed to write request body: %w", err)
	}
	var result Result[Res, Err]
	if err := protocol.ReadJSONLine(stream, &result); err != nil {
		return zero, fmt.Errorf("listener: failed to read response body: %w", err)
	}
	return result, nil
}

// Handler processes one dispatched Request. Implementations call
// GetInput[Req](req) then Send[Res,Err](handle, result) exactly once.
type Handler func(ctx context.Context, req *Request)

// Listener accepts inbound connections for a bound identity and dispatches
// each accepted stream by protocol tag.
type Listener struct {
	ep        transport.Endpoint
	protocols map[protocol.Tag]bool
	log       *logging.Logger
}

// New declares the fixed set of protocol tags this listener accepts.
func New(ep transport.Endpoint, protocols []protocol.Tag, log *logging.Logger) *Listener {
	set := make(map[protocol.Tag]bool, len(protocols))
	for _, p := range protocols {
		set[p] = true
	}
	return &Listener{ep: ep, protocols: set, log: log}
}

// Serve runs the accept loop until ctx is cancelled, spawning everything
// through g so graceful shutdown can await drain.
func (l *Listener) Serve(ctx context.Context, g *graceful.Context, handle Handler) error {
	ln, err := l.ep.Listen()
	if err != nil {
		return fmt.Errorf("listener: failed to listen: %w", err)
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			l.log.Errorf("accept failed: %v", err)
			continue
		}
		g.Spawn(func(ctx context.Context) {
			l.serveConnection(ctx, conn, handle)
		})
	}
}

func (l *Listener) serveConnection(ctx context.Context, conn transport.Connection, handle Handler) {
	defer conn.Close()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			l.log.Debugf("connection from %s closed: %v", conn.RemotePeer(), err)
			return
		}
		// Each accepted stream is handled concurrently; framing/decode
		// failures are logged and the stream abandoned, the connection
		// stays up.
		go l.serveStream(ctx, conn.RemotePeer(), stream, handle)
	}
}

func (l *Listener) serveStream(ctx context.Context, peer id52.PublicKey, stream transport.Stream, handle Handler) {
	tag, err := protocol.ReadTag(stream)
	if err != nil {
		l.log.Errorf("failed to read protocol tag from %s: %v", peer, err)
		stream.Close()
		return
	}

	if tag == protocol.Ping {
		if _, err := stream.Write([]byte(protocol.Pong)); err != nil {
			l.log.Errorf("failed to write pong to %s: %v", peer, err)
		}
		stream.Close()
		return
	}

	// Every non-ping header carries a second line (possibly empty) -- it
	// must be drained here regardless of whether the tag ends up accepted,
	// since the sender already wrote it as part of the fixed handshake.
	extra, err := protocol.ReadLine(stream)
	if err != nil {
		l.log.Errorf("failed to read extra header from %s: %v", peer, err)
		stream.Close()
		return
	}

	if !l.protocols[tag] {
		l.log.Errorf("rejecting unsupported protocol %q from %s", tag, peer)
		_ = protocol.WriteJSONLine(stream, Fail[struct{}, string](malaierr.ErrUnknownProtocol.Error()))
		stream.Close()
		return
	}

	if err := writeAck(stream); err != nil {
		l.log.Errorf("failed to write ack to %s: %v", peer, err)
		stream.Close()
		return
	}

	handle(ctx, &Request{
		ID:       uuid.NewV4().String(),
		Peer:     peer,
		Protocol: tag,
		Extra:    extra,
		stream:   stream,
	})
}

func writeAck(w io.Writer) error {
	_, err := w.Write([]byte(protocol.Ack + "\n"))
	return err
}
