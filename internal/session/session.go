// Package session holds live remote sessions and the registry that keeps
// exactly one of them per host.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ArthurPierce23/mtadmin/internal/remote"
)

// DefaultCommandTimeout bounds an Execute call that sets no timeout.
const DefaultCommandTimeout = 15 * time.Second

// Session is one authenticated transport to a host. Execute calls are
// serialized; elevation state is guarded separately so a refresh and an
// explicit elevation request can race safely.
type Session struct {
	ID        string
	CreatedAt time.Time

	host      remote.Host
	creds     remote.Credentials
	transport remote.Transport
	timeout   time.Duration

	execMu sync.Mutex

	// elevMu serializes elevation attempts.
	elevMu sync.Mutex

	mu           sync.RWMutex
	elevation    remote.ElevationState
	reason       remote.ElevationReason
	sudoPassword string
	closed       bool
	lastError    error
	lastCheck    time.Time
	attrs        map[string]string
}

// New wraps an open transport. The registry is the usual caller; tests
// build sessions directly around fake transports.
func New(host remote.Host, creds remote.Credentials, t remote.Transport, timeout time.Duration) *Session {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	now := time.Now()
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		host:      host,
		creds:     creds,
		transport: t,
		timeout:   timeout,
		lastCheck: now,
		attrs:     make(map[string]string),
	}
}

// Host returns the host the session is bound to.
func (s *Session) Host() remote.Host {
	return s.host
}

// Credentials returns the credentials the session was opened with.
func (s *Session) Credentials() remote.Credentials {
	return s.creds
}

// OS returns the host OS family.
func (s *Session) OS() remote.OSKind {
	return s.host.OS
}

// Backend returns the transport kind.
func (s *Session) Backend() remote.Backend {
	return s.transport.Kind()
}

// Execute runs command through the transport. Elevated commands on
// non-Windows hosts are wrapped in sudo; they fail with ElevationDenied
// unless elevation was granted first.
func (s *Session) Execute(ctx context.Context, command string, opts remote.Options) (remote.Result, error) {
	if s.Closed() {
		return remote.Result{}, remote.NewError(remote.KindConnectionFailed, "execute", s.host.Name, errors.New("session closed"))
	}

	if opts.Elevated && s.host.OS != remote.OSWindows {
		wrapped, stdin, err := s.sudoWrap(command)
		if err != nil {
			return remote.Result{}, err
		}
		command = wrapped
		opts.Stdin = stdin + opts.Stdin
	}

	s.execMu.Lock()
	defer s.execMu.Unlock()

	// The timeout bounds the command itself, not the wait for the lock.
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := s.transport.Execute(ctx, command, opts)
	s.recordResult(err)
	return res, err
}

// sudoWrap returns the sudo invocation for command and the stdin prefix
// that feeds the stored password.
func (s *Session) sudoWrap(command string) (string, string, error) {
	s.mu.RLock()
	state, reason, password := s.elevation, s.reason, s.sudoPassword
	s.mu.RUnlock()

	if state != remote.ElevationGranted {
		if reason == remote.ReasonNone {
			reason = remote.ReasonNotAttempted
		}
		return "", "", remote.ElevationError("execute", s.host.Name, reason, "")
	}
	inner := "sh -c " + remote.QuoteSh(command)
	if password == "" {
		return "sudo -n " + inner, "", nil
	}
	return "sudo -S -p '' " + inner, password + "\n", nil
}

func (s *Session) recordResult(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCheck = time.Now()
	if err == nil {
		s.lastError = nil
		return
	}
	if remote.IsTransportError(err) {
		s.lastError = err
	}
}

// LockElevation serializes elevation attempts on this session. The
// returned func releases the lock.
func (s *Session) LockElevation() func() {
	s.elevMu.Lock()
	return s.elevMu.Unlock
}

// Elevation returns the current elevation state and reason.
func (s *Session) Elevation() (remote.ElevationState, remote.ElevationReason) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.elevation, s.reason
}

// Elevated reports whether elevation is granted.
func (s *Session) Elevated() bool {
	state, _ := s.Elevation()
	return state == remote.ElevationGranted
}

// SetElevation records the result of an elevation attempt. password is
// kept for later sudo invocations; it is cleared on Denied.
func (s *Session) SetElevation(state remote.ElevationState, reason remote.ElevationReason, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elevation = state
	s.reason = reason
	if state == remote.ElevationGranted {
		s.sudoPassword = password
	} else {
		s.sudoPassword = ""
	}
}

// RecordAccessDenied marks the session Denied by policy after a command
// failed for lack of rights. A granted Linux session is left alone: the
// failure belongs to the command, not to sudo.
func (s *Session) RecordAccessDenied() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.elevation == remote.ElevationGranted && s.host.OS != remote.OSWindows {
		return
	}
	s.elevation = remote.ElevationDenied
	s.reason = remote.ReasonPolicyDenied
	s.sudoPassword = ""
}

// Remember caches a per-session attribute, such as a resolved group name.
func (s *Session) Remember(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs[key] = value
}

// Recall returns a cached attribute.
func (s *Session) Recall(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.attrs[key]
	return v, ok
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// LastError returns the last transport failure, or nil after a success.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// LastCheck returns the time of the last command or health probe.
func (s *Session) LastCheck() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCheck
}

// Close tears down the transport. Waiting for execMu lets a running
// command finish first.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.sudoPassword = ""
	s.mu.Unlock()

	s.execMu.Lock()
	defer s.execMu.Unlock()
	return s.transport.Close()
}
