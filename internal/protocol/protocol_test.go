package protocol

import (
	"bytes"
	"strings"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	h := Header{Protocol: ExecuteCommand, Extra: "alias-1"}
	if err := WriteHeader(&buf, h); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}

	tag, err := ReadTag(&buf)
	if err != nil {
		t.Fatalf("ReadTag: %v", err)
	}
	if tag != ExecuteCommand {
		t.Fatalf("expected tag %q, got %q", ExecuteCommand, tag)
	}
	extra, err := ReadLine(&buf)
	if err != nil {
		t.Fatalf("ReadLine (extra): %v", err)
	}
	if extra != "alias-1" {
		t.Fatalf("expected extra %q, got %q", "alias-1", extra)
	}
}

func TestHeaderWithoutExtra(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHeader(&buf, Header{Protocol: Ping}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	tag, err := ReadTag(&buf)
	if err != nil {
		t.Fatalf("ReadTag: %v", err)
	}
	if tag != Ping {
		t.Fatalf("expected Ping, got %q", tag)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no extra line after a Ping tag, got %q", buf.String())
	}
}

func TestHeaderWithEmptyExtraStillWritesExtraLine(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHeader(&buf, Header{Protocol: ExecuteCommand}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	tag, err := ReadTag(&buf)
	if err != nil {
		t.Fatalf("ReadTag: %v", err)
	}
	if tag != ExecuteCommand {
		t.Fatalf("expected tag %q, got %q", ExecuteCommand, tag)
	}
	extra, err := ReadLine(&buf)
	if err != nil {
		t.Fatalf("ReadLine (extra): %v", err)
	}
	if extra != "" {
		t.Fatalf("expected empty extra, got %q", extra)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no remaining bytes after extra line, got %q", buf.String())
	}
}

func TestReadLineFailsOnEOFBeforeNewline(t *testing.T) {
	r := strings.NewReader("no newline here")
	if _, err := ReadLine(r); err == nil {
		t.Fatalf("expected error reading a line with no trailing newline")
	}
}

func TestJSONLineRoundTrip(t *testing.T) {
	type payload struct {
		Command string   `json:"command"`
		Args    []string `json:"args"`
	}
	var buf bytes.Buffer
	in := payload{Command: "ls", Args: []string{"-la"}}
	if err := WriteJSONLine(&buf, in); err != nil {
		t.Fatalf("WriteJSONLine: %v", err)
	}
	var out payload
	if err := ReadJSONLine(&buf, &out); err != nil {
		t.Fatalf("ReadJSONLine: %v", err)
	}
	if out.Command != in.Command || len(out.Args) != 1 || out.Args[0] != "-la" {
		t.Fatalf("round trip mismatch: got %+v", out)
	}
}
