// Package elevation acquires administrative rights on an open session.
package elevation

import (
	"context"
	"strings"

	"github.com/ArthurPierce23/mtadmin/internal/logging"
	"github.com/ArthurPierce23/mtadmin/internal/remote"
	"github.com/ArthurPierce23/mtadmin/internal/session"
)

// Commands of the sudo probe/apply sequence.
const (
	ProbeCommand = "sudo -n id -u"
	ApplyCommand = "sudo -S -p '' id -u"
)

// WindowsAdminProbe prints True when the connecting identity holds the
// Administrator role.
const WindowsAdminProbe = `([Security.Principal.WindowsPrincipal][Security.Principal.WindowsIdentity]::GetCurrent()).IsInRole([Security.Principal.WindowsBuiltInRole]::Administrator)`

// Engine runs elevation attempts. It keeps no state of its own; results
// are recorded on the session.
type Engine struct {
	logger logging.Logger
}

// New creates an engine.
func New(logger logging.Logger) *Engine {
	return &Engine{logger: logging.OrNop(logger)}
}

// Escalate attempts elevation on s with the elevated password from creds.
// It returns nil when elevation is granted and an ElevationDenied error
// with its reason otherwise. Transport failures are returned as they are
// and leave the elevation state untouched.
func (e *Engine) Escalate(ctx context.Context, s *session.Session, creds remote.Credentials) error {
	unlock := s.LockElevation()
	defer unlock()

	var err error
	if s.OS() == remote.OSWindows {
		err = e.escalateWindows(ctx, s)
	} else {
		err = e.escalateSudo(ctx, s, creds.ElevatedPassword)
	}

	state, reason := s.Elevation()
	meta := logging.With(logging.Host(s.Host().Name), "state", state.String())
	if state == remote.ElevationDenied {
		meta = logging.With(meta, "reason", reason.String())
	}
	if err != nil && remote.IsTransportError(err) {
		e.logger.Warn("elevation interrupted", logging.With(meta, "error", err.Error()))
	} else {
		e.logger.Info("elevation attempted", meta)
	}
	return err
}

func (e *Engine) escalateSudo(ctx context.Context, s *session.Session, password string) error {
	host := s.Host().Name

	res, err := s.Execute(ctx, ProbeCommand, remote.Options{})
	if err != nil {
		return err
	}
	if IsRoot(res.Stdout) {
		s.SetElevation(remote.ElevationGranted, remote.ReasonNone, "")
		return nil
	}

	if password == "" {
		s.SetElevation(remote.ElevationDenied, remote.ReasonNoPassword, "")
		return remote.ElevationError("sudo", host, remote.ReasonNoPassword, combined(res))
	}

	opts := remote.Options{Stdin: password + "\n"}
	res, err = s.Execute(ctx, ApplyCommand, opts)
	if err != nil {
		return err
	}
	reason := remote.ReasonNone
	if !IsRoot(res.Stdout) {
		reason = ClassifySudoOutput(combined(res))
	}

	if reason == remote.ReasonTerminalRequired {
		e.logger.Debug("sudo wants a terminal, retrying with pty", logging.Host(host))
		opts.PTY = true
		res, err = s.Execute(ctx, ApplyCommand, opts)
		if err != nil {
			return err
		}
		reason = remote.ReasonNone
		if !IsRoot(res.Stdout) {
			reason = ClassifySudoOutput(combined(res))
		}
	}

	if reason == remote.ReasonNone {
		s.SetElevation(remote.ElevationGranted, remote.ReasonNone, password)
		return nil
	}
	s.SetElevation(remote.ElevationDenied, reason, "")
	// A terminal echoes stdin, so the password can show up in the output.
	raw := strings.ReplaceAll(combined(res), password, "********")
	return remote.ElevationError("sudo", host, reason, raw)
}

func (e *Engine) escalateWindows(ctx context.Context, s *session.Session) error {
	host := s.Host().Name

	res, err := s.Execute(ctx, WindowsAdminProbe, remote.Options{Shell: remote.ShellPowerShell})
	if err != nil {
		return err
	}
	switch lastLine(res.Stdout) {
	case "True":
		s.SetElevation(remote.ElevationGranted, remote.ReasonNone, "")
		return nil
	case "False":
		s.SetElevation(remote.ElevationDenied, remote.ReasonPolicyDenied, "")
		return remote.ElevationError("admin probe", host, remote.ReasonPolicyDenied, combined(res))
	}
	s.SetElevation(remote.ElevationDenied, remote.ReasonUnrecognized, "")
	return remote.ElevationError("admin probe", host, remote.ReasonUnrecognized, combined(res))
}

// IsRoot reports whether the last non-empty line of id -u output is
// exactly 0. Output such as "10" or "100" does not count.
func IsRoot(stdout string) bool {
	return lastLine(stdout) == "0"
}

func lastLine(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r", ""), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

var sudoMarkers = []struct {
	reason  remote.ElevationReason
	markers []string
}{
	{remote.ReasonTerminalRequired, []string{
		"a terminal is required",
		"no tty present",
		"must have a tty",
		"требуется терминал",
	}},
	{remote.ReasonPolicyDenied, []string{
		"is not in the sudoers",
		"is not allowed to",
		"not allowed to execute",
		"нет в файле sudoers",
		"не упомянут в файле sudoers",
	}},
	{remote.ReasonWrongPassword, []string{
		"incorrect password",
		"sorry, try again",
		"authentication failure",
		"неверный пароль",
		"попробуйте ещё раз",
		"попробуйте еще раз",
	}},
	{remote.ReasonNoPassword, []string{
		"a password is required",
		"no password was provided",
	}},
}

// ClassifySudoOutput maps a failed sudo invocation to a denial reason.
func ClassifySudoOutput(output string) remote.ElevationReason {
	lower := strings.ToLower(output)
	for _, group := range sudoMarkers {
		for _, m := range group.markers {
			if strings.Contains(lower, m) {
				return group.reason
			}
		}
	}
	return remote.ReasonUnrecognized
}

func combined(res remote.Result) string {
	out := strings.TrimSpace(res.Stdout)
	errOut := strings.TrimSpace(res.Stderr)
	switch {
	case out == "":
		return errOut
	case errOut == "":
		return out
	}
	return out + "\n" + errOut
}
