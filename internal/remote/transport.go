package remote

import (
	"context"
	"strings"
	"time"
)

// Result is the outcome of one command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK reports a zero exit code.
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// Clean reports a zero exit code with nothing written to stderr.
func (r Result) Clean() bool {
	return r.ExitCode == 0 && strings.TrimSpace(r.Stderr) == ""
}

// Shell selects the interpreter a command string is written for.
type Shell int

const (
	// ShellDefault is sh on Linux and cmd.exe on Windows.
	ShellDefault Shell = iota
	ShellPowerShell
)

// Options tune a single Execute call.
type Options struct {
	// Elevated runs the command with administrative rights. On Linux the
	// session wraps it in sudo; Windows transports already run as the
	// connecting administrator.
	Elevated bool
	// Timeout bounds the call. Zero uses the session default.
	Timeout time.Duration
	// Stdin is written to the remote process before it runs.
	Stdin string
	// PTY requests a terminal for the command.
	PTY bool
	Shell Shell
}

// Transport executes commands on one remote host.
//
// Implementations are not required to be safe for concurrent Execute
// calls; the session serializes them.
type Transport interface {
	Execute(ctx context.Context, command string, opts Options) (Result, error)
	Kind() Backend
	Close() error
}
