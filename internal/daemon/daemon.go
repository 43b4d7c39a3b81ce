// Package daemon implements the supervisor that ties the rest of the
// fabric together: it acquires the exclusive daemon lock, scans the
// cluster directory, and runs one internal/listener per discovered
// identity, dispatching ConfigUpdate and ExecuteCommand requests by
// role.
//
// Grounded on original_source/malai/src/daemon.rs in full
// (DaemonState, start_real_daemon, start_all_cluster_listeners,
// stop_cluster_listeners, run_cluster_listener,
// handle_config_for_cluster, handle_command_for_cluster,
// validate_basic_acl, execute_command_real) and krd/main.go for the Go
// idiom of a supervisor main that opens sockets, spawns listener
// goroutines, and blocks on a signal channel.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/op/go-logging"

	"github.com/fastn-stack/kulfi/internal/cluster"
	"github.com/fastn-stack/kulfi/internal/graceful"
	"github.com/fastn-stack/kulfi/internal/id52"
	"github.com/fastn-stack/kulfi/internal/listener"
	"github.com/fastn-stack/kulfi/internal/malaierr"
	"github.com/fastn-stack/kulfi/internal/protocol"
	"github.com/fastn-stack/kulfi/internal/transport"
)

// ConfigRequest is the ConfigUpdate protocol's request body: a machine
// or waiting identity receiving a fresh machine.toml from its cluster
// manager.
type ConfigRequest struct {
	ConfigContent string `json:"config_content"`
}

// ConfigResponse is ConfigUpdate's success body.
type ConfigResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ConfigError is ConfigUpdate's typed error body.
type ConfigError struct {
	Message string `json:"message"`
}

// CommandRequest is the ExecuteCommand protocol's request body.
type CommandRequest struct {
	Command    string   `json:"command"`
	Args       []string `json:"args"`
	ClientID52 string   `json:"client_id52"`
}

// CommandResponse is ExecuteCommand's success body: the subprocess's
// captured output and exit status.
type CommandResponse struct {
	Stdout   []byte `json:"stdout"`
	Stderr   []byte `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// CommandError is ExecuteCommand's typed error body.
type CommandError struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

// AccessEvaluator decides whether client is allowed to run a command
// under the given role-appropriate parsed config. Kept abstract per
// spec.md §4.4; DefaultEvaluator below ships the original's
// wildcard/membership placeholder as the default.
type AccessEvaluator interface {
	Allow(cfg cluster.Config, client id52.PublicKey) bool
}

// DefaultEvaluator mirrors validate_basic_acl: an `allow_from = ["*"]`
// wildcard, or the literal ID52 listed in allow_from. allow_from must be
// a TOML array; a bare string fails to parse in cluster.LoadConfig.
type DefaultEvaluator struct{}

func (DefaultEvaluator) Allow(cfg cluster.Config, client id52.PublicKey) bool {
	for _, allowed := range cfg.AllowFrom {
		if allowed == "*" || allowed == string(client) {
			return true
		}
	}
	return false
}

// EndpointFactory binds a transport.Endpoint for one identity. Tests
// supply one backed by transporttest; production wires
// transport.NewEndpoint.
type EndpointFactory func(self id52.SecretKey) (transport.Endpoint, error)

// clusterListener is one running per-identity listener, cancellable
// independently of its siblings so a selective rescan can restart one
// alias without disturbing the others.
type clusterListener struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// State is the daemon's running picture: every cluster alias currently
// being served, and the machinery to rescan it.
type State struct {
	malaiHome  string
	dir        *cluster.Directory
	newEP      EndpointFactory
	evaluator  AccessEvaluator
	log        *logging.Logger
	g          *graceful.Context

	mu        sync.Mutex
	listeners map[string]*clusterListener
}

// New constructs a daemon State. Call Start to run the initial scan; the
// lock is acquired separately with AcquireLock.
func New(malaiHome string, newEP EndpointFactory, evaluator AccessEvaluator, log *logging.Logger, g *graceful.Context) (*State, error) {
	dir, err := cluster.NewDirectory(malaiHome, log)
	if err != nil {
		return nil, err
	}
	if evaluator == nil {
		evaluator = DefaultEvaluator{}
	}
	return &State{
		malaiHome: malaiHome,
		dir:       dir,
		newEP:     newEP,
		evaluator: evaluator,
		log:       log,
		g:         g,
		listeners: map[string]*clusterListener{},
	}, nil
}

// Start runs the initial full scan and spawns one listener per
// discovered identity. It does not acquire the process-wide lock file;
// callers (cmd/malai) do that before calling Start so the lock's
// already-running detection (malaierr.ErrDaemonRunning) can print its
// message and exit 0 without ever touching cluster state.
func (s *State) Start() error {
	return s.RescanAll()
}

// RescanAll stops every running listener, rescans the whole cluster
// tree, and starts fresh listeners for what it finds.
func (s *State) RescanAll() error {
	s.mu.Lock()
	for alias, cl := range s.listeners {
		s.log.Noticef("stopping listener for %s", alias)
		cl.cancel()
		delete(s.listeners, alias)
	}
	s.mu.Unlock()

	result, err := s.dir.ScanAll()
	if err != nil {
		return fmt.Errorf("daemon: rescan failed: %w", err)
	}
	if len(result.Entries) == 0 {
		s.log.Warningf("no clusters found under %s", filepath.Join(s.malaiHome, "clusters"))
		return nil
	}
	s.log.Noticef("found %d cluster identities", len(result.Entries))
	for _, e := range result.Entries {
		s.spawn(e)
	}
	return nil
}

// RescanCluster stops and restarts exactly one alias's listener,
// leaving its siblings untouched.
func (s *State) RescanCluster(alias string) error {
	s.mu.Lock()
	if cl, ok := s.listeners[alias]; ok {
		cl.cancel()
		delete(s.listeners, alias)
	}
	s.mu.Unlock()

	s.dir.Invalidate(alias)
	entry, err := s.dir.ScanOne(alias)
	if err != nil {
		return fmt.Errorf("daemon: rescan of %s failed: %w", alias, err)
	}
	s.spawn(entry)
	return nil
}

func (s *State) spawn(entry cluster.Entry) {
	ctx, cancel := context.WithCancel(s.g.Cancelled())
	done := make(chan struct{})
	s.mu.Lock()
	s.listeners[entry.Alias] = &clusterListener{cancel: cancel, done: done}
	s.mu.Unlock()

	s.log.Noticef("starting listener for %s (role %s, id52 %s)", entry.Alias, entry.Role, entry.Identity.ID52())

	s.g.Spawn(func(_ context.Context) {
		defer close(done)
		if err := s.runClusterListener(ctx, entry); err != nil {
			select {
			case <-ctx.Done():
				// Cancelled by a rescan; not a failure.
			default:
				s.log.Errorf("cluster listener for %s failed: %v", entry.Alias, err)
			}
		}
	})
}

func (s *State) runClusterListener(ctx context.Context, entry cluster.Entry) error {
	ep, err := s.newEP(entry.Identity)
	if err != nil {
		return fmt.Errorf("daemon: failed to bind endpoint for %s: %w", entry.Alias, err)
	}
	defer ep.Close()

	l := listener.New(ep, []protocol.Tag{protocol.ConfigUpdate, protocol.ExecuteCommand}, s.log)
	return l.Serve(ctx, s.g, func(ctx context.Context, req *listener.Request) {
		switch req.Protocol {
		case protocol.ConfigUpdate:
			s.handleConfigUpdate(req, entry)
		case protocol.ExecuteCommand:
			s.handleExecuteCommand(req, entry)
		}
	})
}

func (s *State) handleConfigUpdate(req *listener.Request, entry cluster.Entry) {
	in, handle, err := listener.GetInput[ConfigRequest](req)
	if err != nil {
		s.log.Errorf("ConfigUpdate: failed to read request from %s: %v", req.Peer, err)
		return
	}

	if entry.Role == cluster.ClusterManager {
		_ = listener.Send(handle, listener.Fail[ConfigResponse, ConfigError](ConfigError{
			Message: malaierr.ErrConfigRejected.Error(),
		}))
		return
	}

	path := filepath.Join(entry.Dir, "machine.toml")
	if err := os.WriteFile(path, []byte(in.ConfigContent), 0600); err != nil {
		_ = listener.Send(handle, listener.Fail[ConfigResponse, ConfigError](ConfigError{
			Message: fmt.Sprintf("failed to save config: %v", err),
		}))
		return
	}
	s.dir.Invalidate(entry.Alias)
	_ = listener.Send(handle, listener.Ok[ConfigResponse, ConfigError](ConfigResponse{
		Success: true,
		Message: fmt.Sprintf("config received for cluster %s", entry.Alias),
	}))
}

func (s *State) handleExecuteCommand(req *listener.Request, entry cluster.Entry) {
	in, handle, err := listener.GetInput[CommandRequest](req)
	if err != nil {
		s.log.Errorf("ExecuteCommand: failed to read request from %s: %v", req.Peer, err)
		return
	}

	if entry.Role == cluster.Waiting {
		_ = listener.Send(handle, listener.Fail[CommandResponse, CommandError](CommandError{
			ErrorType: "waiting_config",
			Message:   "machine waiting for configuration",
		}))
		return
	}

	cfg, err := s.dir.LoadConfig(entry)
	if err != nil {
		_ = listener.Send(handle, listener.Fail[CommandResponse, CommandError](CommandError{
			ErrorType: "no_config",
			Message:   err.Error(),
		}))
		return
	}

	if !s.evaluator.Allow(cfg, req.Peer) {
		_ = listener.Send(handle, listener.Fail[CommandResponse, CommandError](CommandError{
			ErrorType: "permission_denied",
			Message:   malaierr.ErrPermissionDenied.Error(),
		}))
		return
	}

	resp, cmdErr := runCommand(in)
	if cmdErr != nil {
		_ = listener.Send(handle, listener.Fail[CommandResponse, CommandError](*cmdErr))
		return
	}
	_ = listener.Send(handle, listener.Ok[CommandResponse, CommandError](*resp))
}

func runCommand(in CommandRequest) (*CommandResponse, *CommandError) {
	cmd := exec.Command(in.Command, in.Args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &CommandResponse{
				Stdout:   []byte(stdout.String()),
				Stderr:   []byte(stderr.String()),
				ExitCode: exitErr.ExitCode(),
			}, nil
		}
		return nil, &CommandError{ErrorType: "execution_failed", Message: err.Error()}
	}
	return &CommandResponse{
		Stdout:   []byte(stdout.String()),
		Stderr:   []byte(stderr.String()),
		ExitCode: 0,
	}, nil
}
