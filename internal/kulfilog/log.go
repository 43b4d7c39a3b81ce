// Package kulfilog sets up a per-module *logging.Logger the way
// krd/main.go wires up "krypt.co/kr/common/log" -- one named logger per
// binary or long-lived component, backed by op/go-logging.
package kulfilog

import (
	"fmt"
	"os"

	"github.com/op/go-logging"
)

var backendInitialized bool

// Setup returns a logger scoped to module, writing to stderr with a
// level-colored format string. useSyslog is accepted for parity with the
// teacher's SetupLogging signature; syslog output is left to the
// platform-specific build the way krd/main.go's useSyslog() flag implies,
// and is a no-op here since this fabric has no syslog backend of its own.
func Setup(module string, level logging.Level, useSyslog bool) *logging.Logger {
	if !backendInitialized {
		format := logging.MustStringFormatter(
			`%{color}%{time:15:04:05.000} %{shortfunc} ▶ %{level:.4s} %{id:03x}%{color:reset} %{message}`,
		)
		backend := logging.NewLogBackend(os.Stderr, "", 0)
		formatted := logging.NewBackendFormatter(backend, format)
		leveled := logging.AddModuleLevel(formatted)
		leveled.SetLevel(level, "")
		logging.SetBackend(leveled)
		backendInitialized = true
	}
	return logging.MustGetLogger(module)
}

// ModuleLevel reads MALAI_LOG_LEVEL ("debug", "info", "notice", ...),
// defaulting to def when unset or unrecognized.
func ModuleLevel(def logging.Level) logging.Level {
	env := os.Getenv("MALAI_LOG_LEVEL")
	if env == "" {
		return def
	}
	lvl, err := logging.LogLevel(env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "malai: invalid MALAI_LOG_LEVEL %q, using default\n", env)
		return def
	}
	return lvl
}
