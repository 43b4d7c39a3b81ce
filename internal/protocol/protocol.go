// Package protocol defines the wire handshake every non-ping stream
// performs: a newline-terminated JSON protocol tag, a second
// newline-terminated "extra" line (empty when unset), and a fixed ACK
// acknowledgement. Ping streams carry only the tag and get PONG back.
//
// Grounded on kulfi-iroh-utils/src/get_stream.rs's handle_request
// (header write) and next_string (byte-at-a-time line read), and
// malai_server.rs's MalaiProtocol enum for the closed protocol-tag set.
package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// Tag is a member of the closed set of protocol tags both endpoints agree
// on. New tags may be added by extending this set; that is a closed-set
// extension, not a structural change to the framing below.
type Tag string

const (
	// Ping is the dedicated health-check tag: it never surfaces as a user
	// request and always elicits Pong.
	Ping           Tag = "Ping"
	ConfigUpdate   Tag = "ConfigUpdate"
	ExecuteCommand Tag = "ExecuteCommand"
)

// Reserved marks that the tag set is open to future additions (bridging
// modes, shell access, and the like) without any change to the framing
// or dispatch mechanism above -- adding a tag is always a closed-set
// extension. No handler exists for it; it is a placeholder, not a
// protocol.
const Reserved Tag = "Reserved"

// Ack is the fixed token a listener writes after accepting a non-ping
// protocol header.
const Ack = "ack"

// Pong is the fixed token (no trailing newline required) a listener
// writes in reply to a Ping stream.
const Pong = "pong"

// softBufferSize is the soft initial buffer spec.md §6 calls for on line
// reads; ReadLine's slice grows past it via append for longer lines.
const softBufferSize = 1024

// Header is the first lines written on every stream: the JSON-encoded
// tag, then, for every tag except Ping, one more line holding Extra. That
// second line is written even when Extra is empty; it is never omitted.
type Header struct {
	Protocol Tag
	Extra    string
}

// WriteHeader writes the protocol tag as a JSON-encoded line, followed by
// the extra line for every non-ping protocol. A ping stream never carries
// an extra line, matching the dedicated ping wire format. For every other
// protocol the extra line is always written -- using an empty string when
// h.Extra is unset -- so the receiver can read it unconditionally by tag
// alone, rather than guessing from the stream whether a second line is
// coming.
func WriteHeader(w io.Writer, h Header) error {
	tag, err := json.Marshal(h.Protocol)
	if err != nil {
		return fmt.Errorf("protocol: failed to encode tag %q: %w", h.Protocol, err)
	}
	if err := writeLine(w, tag); err != nil {
		return fmt.Errorf("protocol: failed to write tag line: %w", err)
	}
	if h.Protocol == Ping {
		return nil
	}
	if err := writeLine(w, []byte(h.Extra)); err != nil {
		return fmt.Errorf("protocol: failed to write extra line: %w", err)
	}
	return nil
}

func writeLine(w io.Writer, line []byte) error {
	if _, err := w.Write(line); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n"))
	return err
}

// ReadLine reads one newline-terminated line, byte at a time, with a soft
// initial buffer of softBufferSize. It fails if EOF is reached before a
// newline -- a stream closing mid-header is always an error, never a
// truncated-but-valid line.
func ReadLine(r io.Reader) (string, error) {
	buf := make([]byte, 0, softBufferSize)
	one := make([]byte, 1)
	for {
		n, err := r.Read(one)
		if n == 1 {
			if one[0] == '\n' {
				return string(buf), nil
			}
			buf = append(buf, one[0])
		}
		if err != nil {
			if err == io.EOF {
				return "", fmt.Errorf("protocol: %w", errEOFBeforeNewline)
			}
			return "", fmt.Errorf("protocol: read error before newline: %w", err)
		}
	}
}

var errEOFBeforeNewline = fmt.Errorf("stream closed before newline-terminated header was read")

// ReadTag reads one line and decodes it as a Tag.
func ReadTag(r io.Reader) (Tag, error) {
	line, err := ReadLine(r)
	if err != nil {
		return "", err
	}
	var tag Tag
	if err := json.Unmarshal([]byte(line), &tag); err != nil {
		return "", fmt.Errorf("protocol: failed to decode protocol tag from %q: %w", line, err)
	}
	return tag, nil
}

// WriteJSONLine JSON-encodes v and writes it as a single newline-terminated
// line -- the framing every typed request/response body uses after the
// header handshake completes.
func WriteJSONLine(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: failed to encode body: %w", err)
	}
	return writeLine(w, body)
}

// ReadJSONLine reads one newline-terminated line and decodes it into v.
func ReadJSONLine(r io.Reader, v interface{}) error {
	line, err := ReadLine(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(line), v); err != nil {
		return fmt.Errorf("protocol: failed to decode body from %q: %w", line, err)
	}
	return nil
}
