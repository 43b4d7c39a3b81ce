// Package malaierr collects the closed set of error kinds the fabric
// surfaces at its public boundaries. Callers match on these with
// errors.Is rather than inspecting message text.
package malaierr

import "fmt"

var ErrConnAcquire = fmt.Errorf("failed to acquire stream: connection manager unavailable")
var ErrConnGone = fmt.Errorf("connection manager exited before reply was received")
var ErrBothRoleFiles = fmt.Errorf("cluster directory has both cluster.toml and machine.toml")
var ErrDaemonRunning = fmt.Errorf("another instance is already running")
var ErrPermissionDenied = fmt.Errorf("permission denied")
var ErrSocketAbsent = fmt.Errorf("daemon not running (control socket not found)")
var ErrFraming = fmt.Errorf("stream closed before newline-terminated header was read")
var ErrAckMismatch = fmt.Errorf("unexpected acknowledgement token")
var ErrUnknownProtocol = fmt.Errorf("protocol tag not handled by this listener")
var ErrConfigRejected = fmt.Errorf("cluster managers do not receive config updates")
