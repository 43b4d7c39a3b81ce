// Package ctlsock implements the control-socket wire protocol between
// the malai daemon and the malai CLI: a small JSON message exchanged
// over a single connection, used to trigger rescans without killing
// the daemon.
//
// Grounded on original_source/malai/src/daemon_socket.rs in full
// (DaemonMessage enum, start_daemon_socket_listener,
// handle_socket_connection, send_daemon_rescan_command -- stale
// socket removal, fixed 1024-byte read buffer, JSON request/response)
// and common/socket/socket.go's stale-socket-removal convention
// (`_ = os.Remove(socketPath)` before `net.Listen`).
package ctlsock

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/op/go-logging"

	"github.com/fastn-stack/kulfi/internal/malaierr"
)

// readBufferSize mirrors the original's fixed 1024-byte read buffer for
// control messages -- these are small, fixed-shape JSON documents, never
// streamed.
const readBufferSize = 1024

// Kind discriminates the fixed set of control messages.
type Kind string

const (
	RescanAll     Kind = "RescanAll"
	RescanCluster Kind = "RescanCluster"
	Success       Kind = "Success"
	Error         Kind = "Error"
)

// Message is the single wire type both directions use: a request
// (RescanAll/RescanCluster) or a response (Success/Error).
type Message struct {
	Kind    Kind   `json:"kind"`
	Cluster string `json:"cluster,omitempty"`
	Message string `json:"message,omitempty"`
}

// Handler processes one request message and returns the response to
// send back.
type Handler func(req Message) Message

// Serve accepts connections on ln until it errors (e.g. because the
// listener was closed during shutdown), handling each with handle.
func Serve(ln net.Listener, log *logging.Logger, handle Handler) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("ctlsock: accept failed: %w", err)
		}
		go serveConn(conn, log, handle)
	}
}

func serveConn(conn net.Conn, log *logging.Logger, handle Handler) {
	defer conn.Close()

	buf := make([]byte, readBufferSize)
	n, err := conn.Read(buf)
	if err != nil {
		log.Errorf("ctlsock: read failed: %v", err)
		return
	}
	if n == 0 {
		return
	}

	var req Message
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		log.Errorf("ctlsock: malformed request: %v", err)
		writeMessage(conn, Message{Kind: Error, Message: "malformed request"})
		return
	}

	resp := handle(req)
	writeMessage(conn, resp)
}

func writeMessage(conn net.Conn, msg Message) {
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_, _ = conn.Write(body)
}

// Send connects to the control socket at path, sends req, and returns
// the daemon's response.
func Send(path string, req Message) (Message, error) {
	conn, err := Dial(path)
	if err != nil {
		return Message{}, err
	}
	defer conn.Close()

	body, err := json.Marshal(req)
	if err != nil {
		return Message{}, fmt.Errorf("ctlsock: failed to encode request: %w", err)
	}
	if _, err := conn.Write(body); err != nil {
		return Message{}, fmt.Errorf("ctlsock: failed to send request: %w", err)
	}

	buf := make([]byte, readBufferSize)
	n, err := conn.Read(buf)
	if err != nil {
		return Message{}, fmt.Errorf("ctlsock: failed to read response: %w", err)
	}
	if n == 0 {
		return Message{}, fmt.Errorf("ctlsock: no response from daemon")
	}

	var resp Message
	if err := json.Unmarshal(buf[:n], &resp); err != nil {
		return Message{}, fmt.Errorf("ctlsock: malformed response: %w", err)
	}
	if resp.Kind == Error {
		return resp, fmt.Errorf("ctlsock: daemon rejected request: %s", resp.Message)
	}
	return resp, nil
}

// wrapSocketAbsent turns a dial failure against a non-existent socket
// into malaierr.ErrSocketAbsent, whose "daemon not running" message ends
// up in the error cmd/malai's rescan command prints.
func wrapSocketAbsent(path string, err error) error {
	return fmt.Errorf("%w: %s: %v", malaierr.ErrSocketAbsent, path, err)
}
