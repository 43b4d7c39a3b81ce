package listener

import (
	"context"
	"testing"
	"time"

	"github.com/op/go-logging"

	"github.com/fastn-stack/kulfi/internal/connmgr"
	"github.com/fastn-stack/kulfi/internal/graceful"
	"github.com/fastn-stack/kulfi/internal/id52"
	"github.com/fastn-stack/kulfi/internal/kulfilog"
	"github.com/fastn-stack/kulfi/internal/protocol"
	"github.com/fastn-stack/kulfi/internal/transport/transporttest"
)

type echoRequest struct {
	Command string `json:"command"`
}

type echoResponse struct {
	Output string `json:"output"`
}

func testLog() *logging.Logger {
	return kulfilog.Setup("listener-test", logging.CRITICAL, false)
}

func TestHeaderRoundTripDispatchesToHandler(t *testing.T) {
	net := transporttest.NewNetwork()
	serverKey, _ := id52.Generate()
	clientKey, _ := id52.Generate()

	serverEp := net.NewEndpoint(serverKey)
	clientEp := net.NewEndpoint(clientKey)

	lg := testLog()
	l := New(serverEp, []protocol.Tag{protocol.ExecuteCommand}, lg)
	g := graceful.New()

	observedTag := make(chan protocol.Tag, 1)
	observedExtra := make(chan string, 1)
	g.Spawn(func(ctx context.Context) {
		_ = l.Serve(ctx, g, func(ctx context.Context, req *Request) {
			observedTag <- req.Protocol
			observedExtra <- req.Extra
			in, handle, err := GetInput[echoRequest](req)
			if err != nil {
				t.Errorf("GetInput: %v", err)
				return
			}
			_ = Send[echoResponse, string](handle, Ok[echoResponse, string](echoResponse{Output: "ran:" + in.Command}))
		})
	})

	reg := connmgr.NewRegistry()
	ctx := context.Background()
	stream, err := connmgr.GetStream(ctx, clientEp, "", serverKey.ID52(), protocol.Header{Protocol: protocol.ExecuteCommand, Extra: "alias-x"}, reg, g, lg)
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}
	defer stream.Close()

	result, err := Call[echoRequest, echoResponse, string](stream, echoRequest{Command: "ls"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.Error != nil {
		t.Fatalf("unexpected error result: %v", *result.Error)
	}
	if result.Value == nil || result.Value.Output != "ran:ls" {
		t.Fatalf("unexpected response: %+v", result.Value)
	}

	select {
	case tag := <-observedTag:
		if tag != protocol.ExecuteCommand {
			t.Fatalf("expected handler to observe ExecuteCommand, got %q", tag)
		}
	case <-time.After(time.Second):
		t.Fatalf("handler was never invoked")
	}

	select {
	case extra := <-observedExtra:
		if extra != "alias-x" {
			t.Fatalf("expected handler to observe extra %q, got %q", "alias-x", extra)
		}
	case <-time.After(time.Second):
		t.Fatalf("handler was never invoked")
	}

	g.Cancel()
}

func TestUnknownProtocolIsRejected(t *testing.T) {
	net := transporttest.NewNetwork()
	serverKey, _ := id52.Generate()
	clientKey, _ := id52.Generate()

	serverEp := net.NewEndpoint(serverKey)
	clientEp := net.NewEndpoint(clientKey)

	lg := testLog()
	l := New(serverEp, []protocol.Tag{protocol.ExecuteCommand}, lg)
	g := graceful.New()
	g.Spawn(func(ctx context.Context) {
		_ = l.Serve(ctx, g, func(ctx context.Context, req *Request) {
			t.Errorf("handler should not be invoked for an undeclared protocol")
		})
	})

	conn, err := clientEp.Dial(context.Background(), "", serverKey.ID52())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	stream, err := conn.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if err := protocol.WriteHeader(stream, protocol.Header{Protocol: protocol.ConfigUpdate}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}

	line, err := protocol.ReadLine(stream)
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if line == protocol.Ack {
		t.Fatalf("expected rejection, not an ack, for an undeclared protocol")
	}

	g.Cancel()
}

func TestPingNeverSurfacesAsRequest(t *testing.T) {
	net := transporttest.NewNetwork()
	serverKey, _ := id52.Generate()
	clientKey, _ := id52.Generate()

	serverEp := net.NewEndpoint(serverKey)
	clientEp := net.NewEndpoint(clientKey)

	lg := testLog()
	l := New(serverEp, []protocol.Tag{protocol.ExecuteCommand}, lg)
	g := graceful.New()
	g.Spawn(func(ctx context.Context) {
		_ = l.Serve(ctx, g, func(ctx context.Context, req *Request) {
			t.Errorf("handler should not be invoked for a ping")
		})
	})

	conn, err := clientEp.Dial(context.Background(), "", serverKey.ID52())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	stream, err := conn.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if err := protocol.WriteHeader(stream, protocol.Header{Protocol: protocol.Ping}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}

	buf := make([]byte, len(protocol.Pong))
	if _, err := stream.Read(buf); err != nil {
		t.Fatalf("Read pong: %v", err)
	}
	if string(buf) != protocol.Pong {
		t.Fatalf("expected pong, got %q", buf)
	}

	g.Cancel()
}
