package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/op/go-logging"

	"github.com/fastn-stack/kulfi/internal/graceful"
	"github.com/fastn-stack/kulfi/internal/id52"
	"github.com/fastn-stack/kulfi/internal/kulfilog"
	"github.com/fastn-stack/kulfi/internal/listener"
	"github.com/fastn-stack/kulfi/internal/protocol"
	"github.com/fastn-stack/kulfi/internal/transport"
	"github.com/fastn-stack/kulfi/internal/transport/transporttest"
)

func testLog() *logging.Logger {
	return kulfilog.Setup("daemon-test", logging.CRITICAL, false)
}

func writeKey(t *testing.T, path string) id52.SecretKey {
	t.Helper()
	key, err := id52.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := os.WriteFile(path, key.Seed(), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return key
}

// dialWithRetry accounts for the daemon's listener binding its endpoint
// asynchronously in a spawned goroutine: the client may race ahead of
// that registration.
func dialWithRetry(t *testing.T, ep transport.Endpoint, peer id52.PublicKey) transport.Connection {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := ep.Dial(context.Background(), "", peer)
		if err == nil {
			return conn
		}
		if time.Now().After(deadline) {
			t.Fatalf("Dial: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func openTaggedStream(t *testing.T, conn transport.Connection, tag protocol.Tag) transport.Stream {
	t.Helper()
	stream, err := conn.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if err := protocol.WriteHeader(stream, protocol.Header{Protocol: tag}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	line, err := protocol.ReadLine(stream)
	if err != nil {
		t.Fatalf("ReadLine ack: %v", err)
	}
	if line != protocol.Ack {
		t.Fatalf("expected ack, got %q", line)
	}
	return stream
}

func TestExecuteCommandHonorsWildcardACL(t *testing.T) {
	root := t.TempDir()
	clusterDir := filepath.Join(root, "clusters", "alias")
	if err := os.MkdirAll(clusterDir, 0700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(clusterDir, "machine.toml"), []byte(`allow_from = ["*"]`+"\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	identity := writeKey(t, filepath.Join(clusterDir, "machine.private-key"))

	net := transporttest.NewNetwork()
	lg := testLog()
	g := graceful.New()

	state, err := New(root, func(self id52.SecretKey) (transport.Endpoint, error) {
		return net.NewEndpoint(self), nil
	}, nil, lg, g)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := state.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	clientKey, _ := id52.Generate()
	clientEp := net.NewEndpoint(clientKey)
	conn := dialWithRetry(t, clientEp, identity.ID52())
	stream := openTaggedStream(t, conn, protocol.ExecuteCommand)

	result, err := listener.Call[CommandRequest, CommandResponse, CommandError](stream, CommandRequest{
		Command:    "echo",
		Args:       []string{"hi"},
		ClientID52: string(clientKey.ID52()),
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.Error != nil {
		t.Fatalf("unexpected error: %+v", *result.Error)
	}
	if result.Value.ExitCode != 0 {
		t.Fatalf("unexpected exit code: %+v", result.Value)
	}

	g.Cancel()
}

func TestExecuteCommandDeniedWithoutMembership(t *testing.T) {
	root := t.TempDir()
	clusterDir := filepath.Join(root, "clusters", "alias")
	if err := os.MkdirAll(clusterDir, 0700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(clusterDir, "machine.toml"), []byte(`allow_from = ["nobody"]`+"\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	identity := writeKey(t, filepath.Join(clusterDir, "machine.private-key"))

	net := transporttest.NewNetwork()
	lg := testLog()
	g := graceful.New()

	state, err := New(root, func(self id52.SecretKey) (transport.Endpoint, error) {
		return net.NewEndpoint(self), nil
	}, nil, lg, g)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := state.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	clientKey, _ := id52.Generate()
	clientEp := net.NewEndpoint(clientKey)
	conn := dialWithRetry(t, clientEp, identity.ID52())
	stream := openTaggedStream(t, conn, protocol.ExecuteCommand)

	result, err := listener.Call[CommandRequest, CommandResponse, CommandError](stream, CommandRequest{
		Command: "echo",
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.Error == nil || result.Error.ErrorType != "permission_denied" {
		t.Fatalf("expected permission_denied, got %+v", result)
	}

	g.Cancel()
}

func TestConfigUpdateRejectedForClusterManager(t *testing.T) {
	root := t.TempDir()
	clusterDir := filepath.Join(root, "clusters", "alias")
	if err := os.MkdirAll(clusterDir, 0700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(clusterDir, "cluster.toml"), []byte(`allow_from = "*"`+"\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	identity := writeKey(t, filepath.Join(clusterDir, "cluster.private-key"))

	net := transporttest.NewNetwork()
	lg := testLog()
	g := graceful.New()

	state, err := New(root, func(self id52.SecretKey) (transport.Endpoint, error) {
		return net.NewEndpoint(self), nil
	}, nil, lg, g)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := state.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	clientKey, _ := id52.Generate()
	clientEp := net.NewEndpoint(clientKey)
	conn := dialWithRetry(t, clientEp, identity.ID52())
	stream := openTaggedStream(t, conn, protocol.ConfigUpdate)

	result, err := listener.Call[ConfigRequest, ConfigResponse, ConfigError](stream, ConfigRequest{
		ConfigContent: "allow_from = \"*\"\n",
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.Error == nil {
		t.Fatalf("expected cluster manager to reject ConfigUpdate")
	}

	g.Cancel()
}

func TestConfigUpdateSavesMachineConfig(t *testing.T) {
	root := t.TempDir()
	clusterDir := filepath.Join(root, "clusters", "alias")
	if err := os.MkdirAll(clusterDir, 0700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	identity := writeKey(t, filepath.Join(clusterDir, "identity.key"))

	net := transporttest.NewNetwork()
	lg := testLog()
	g := graceful.New()

	state, err := New(root, func(self id52.SecretKey) (transport.Endpoint, error) {
		return net.NewEndpoint(self), nil
	}, nil, lg, g)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := state.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	clientKey, _ := id52.Generate()
	clientEp := net.NewEndpoint(clientKey)
	conn := dialWithRetry(t, clientEp, identity.ID52())
	stream := openTaggedStream(t, conn, protocol.ConfigUpdate)

	result, err := listener.Call[ConfigRequest, ConfigResponse, ConfigError](stream, ConfigRequest{
		ConfigContent: "allow_from = \"*\"\n",
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.Error != nil {
		t.Fatalf("unexpected error: %+v", *result.Error)
	}

	saved, err := os.ReadFile(filepath.Join(clusterDir, "machine.toml"))
	if err != nil {
		t.Fatalf("ReadFile machine.toml: %v", err)
	}
	if string(saved) != "allow_from = \"*\"\n" {
		t.Fatalf("unexpected saved config: %q", saved)
	}

	g.Cancel()
}
