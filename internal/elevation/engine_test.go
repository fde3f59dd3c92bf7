package elevation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArthurPierce23/mtadmin/internal/remote"
	"github.com/ArthurPierce23/mtadmin/internal/remote/remotetest"
	"github.com/ArthurPierce23/mtadmin/internal/session"
)

var linuxHost = remote.Host{Name: "10.0.0.5", OS: remote.OSLinux}

func newSession(host remote.Host, tr *remotetest.Transport) *session.Session {
	return session.New(host, remote.Credentials{Username: "admin"}, tr, 0)
}

func reasonOf(t *testing.T, err error) remote.ElevationReason {
	t.Helper()
	var rerr *remote.Error
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, remote.KindElevationDenied, rerr.Kind)
	return rerr.Reason
}

func TestEscalate_PasswordGrantsAfterFailedProbe(t *testing.T) {
	tr := remotetest.New().
		OnResult(ProbeCommand, remote.Result{Stderr: "sudo: a password is required\n", ExitCode: 1}).
		On(ApplyCommand, "0\n")
	s := newSession(linuxHost, tr)

	state, _ := s.Elevation()
	require.Equal(t, remote.ElevationNotAttempted, state)

	err := New(nil).Escalate(context.Background(), s, remote.Credentials{ElevatedPassword: "pw"})
	require.NoError(t, err)

	state, reason := s.Elevation()
	assert.Equal(t, remote.ElevationGranted, state)
	assert.Equal(t, remote.ReasonNone, reason)

	calls := tr.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, ProbeCommand, calls[0].Command)
	assert.Equal(t, "pw\n", calls[1].Opts.Stdin)
}

func TestEscalate_ProbeGrantsWithoutPassword(t *testing.T) {
	tr := remotetest.New().On(ProbeCommand, "0\n")
	s := newSession(linuxHost, tr)

	require.NoError(t, New(nil).Escalate(context.Background(), s, remote.Credentials{}))
	assert.True(t, s.Elevated())
	assert.Equal(t, 0, tr.CountContaining(ApplyCommand))
}

func TestEscalate_ExactZeroOnly(t *testing.T) {
	for _, out := range []string{"10\n", "100\n", "1000\n", "uid 0?\n"} {
		tr := remotetest.New().On(ProbeCommand, out).On(ApplyCommand, out)
		s := newSession(linuxHost, tr)

		err := New(nil).Escalate(context.Background(), s, remote.Credentials{ElevatedPassword: "pw"})
		assert.Equal(t, remote.ReasonUnrecognized, reasonOf(t, err), out)
		assert.False(t, s.Elevated(), out)
	}
}

func TestEscalate_NoPassword(t *testing.T) {
	tr := remotetest.New().OnResult(ProbeCommand, remote.Result{Stderr: "sudo: a password is required", ExitCode: 1})
	s := newSession(linuxHost, tr)

	err := New(nil).Escalate(context.Background(), s, remote.Credentials{})
	assert.Equal(t, remote.ReasonNoPassword, reasonOf(t, err))
	state, reason := s.Elevation()
	assert.Equal(t, remote.ElevationDenied, state)
	assert.Equal(t, remote.ReasonNoPassword, reason)
}

func TestEscalate_WrongPasswordThenCorrected(t *testing.T) {
	tr := remotetest.New().
		OnResult(ProbeCommand, remote.Result{ExitCode: 1}).
		OnSeq(ApplyCommand,
			remote.Result{Stderr: "Sorry, try again.\nsudo: no password was provided\nsudo: 1 incorrect password attempt\n", ExitCode: 1},
			remote.Result{Stdout: "0\n"},
		)
	s := newSession(linuxHost, tr)
	e := New(nil)

	err := e.Escalate(context.Background(), s, remote.Credentials{ElevatedPassword: "wrong"})
	assert.Equal(t, remote.ReasonWrongPassword, reasonOf(t, err))

	require.NoError(t, e.Escalate(context.Background(), s, remote.Credentials{ElevatedPassword: "right"}))
	assert.True(t, s.Elevated())
}

func TestEscalate_TerminalRequiredRetriesWithPTY(t *testing.T) {
	tr := remotetest.New().OnResult(ProbeCommand, remote.Result{ExitCode: 1})
	tr.OnFunc(ApplyCommand, func(_ string, opts remote.Options) (remote.Result, error) {
		if !opts.PTY {
			return remote.Result{Stderr: "sudo: sorry, you must have a tty to run sudo\n", ExitCode: 1}, nil
		}
		return remote.Result{Stdout: "pw\r\n0\r\n"}, nil
	})
	s := newSession(linuxHost, tr)

	require.NoError(t, New(nil).Escalate(context.Background(), s, remote.Credentials{ElevatedPassword: "pw"}))
	assert.True(t, s.Elevated())
	assert.Equal(t, 2, tr.CountContaining(ApplyCommand))
}

func TestEscalate_TerminalRequiredHidesEchoedPassword(t *testing.T) {
	tr := remotetest.New().OnResult(ProbeCommand, remote.Result{ExitCode: 1})
	tr.OnFunc(ApplyCommand, func(_ string, opts remote.Options) (remote.Result, error) {
		if !opts.PTY {
			return remote.Result{Stderr: "sudo: a terminal is required to read the password", ExitCode: 1}, nil
		}
		return remote.Result{Stdout: "hunter2\r\nsudo: a terminal is required to read the password\r\n", ExitCode: 1}, nil
	})
	s := newSession(linuxHost, tr)

	err := New(nil).Escalate(context.Background(), s, remote.Credentials{ElevatedPassword: "hunter2"})
	assert.Equal(t, remote.ReasonTerminalRequired, reasonOf(t, err))
	assert.NotContains(t, err.Error(), "hunter2")
}

func TestEscalate_PolicyDenied(t *testing.T) {
	tr := remotetest.New().
		OnResult(ProbeCommand, remote.Result{ExitCode: 1}).
		OnResult(ApplyCommand, remote.Result{Stderr: "admin is not in the sudoers file.  This incident will be reported.\n", ExitCode: 1})
	s := newSession(linuxHost, tr)

	err := New(nil).Escalate(context.Background(), s, remote.Credentials{ElevatedPassword: "pw"})
	assert.Equal(t, remote.ReasonPolicyDenied, reasonOf(t, err))
}

func TestEscalate_TransportErrorKeepsState(t *testing.T) {
	tr := remotetest.New().OnError(ProbeCommand, remote.NewError(remote.KindTimeout, "ssh execute", "10.0.0.5", context.DeadlineExceeded))
	s := newSession(linuxHost, tr)

	err := New(nil).Escalate(context.Background(), s, remote.Credentials{ElevatedPassword: "pw"})
	assert.ErrorIs(t, err, remote.ErrTimeout)
	state, _ := s.Elevation()
	assert.Equal(t, remote.ElevationNotAttempted, state)
}

func TestEscalate_Windows(t *testing.T) {
	win := remote.Host{Name: "srv01", OS: remote.OSWindows}

	tr := remotetest.New().On("IsInRole", "True\r\n")
	s := newSession(win, tr)
	require.NoError(t, New(nil).Escalate(context.Background(), s, remote.Credentials{}))
	assert.True(t, s.Elevated())
	assert.Equal(t, remote.ShellPowerShell, tr.Calls()[0].Opts.Shell)

	tr = remotetest.New().On("IsInRole", "False\r\n")
	s = newSession(win, tr)
	err := New(nil).Escalate(context.Background(), s, remote.Credentials{})
	assert.Equal(t, remote.ReasonPolicyDenied, reasonOf(t, err))

	tr = remotetest.New().OnResult("IsInRole", remote.Result{Stderr: "garbage", ExitCode: 1})
	s = newSession(win, tr)
	err = New(nil).Escalate(context.Background(), s, remote.Credentials{})
	assert.Equal(t, remote.ReasonUnrecognized, reasonOf(t, err))
}

func TestClassifySudoOutput(t *testing.T) {
	tests := []struct {
		output string
		want   remote.ElevationReason
	}{
		{"sudo: 3 incorrect password attempts", remote.ReasonWrongPassword},
		{"Извините, попробуйте ещё раз.", remote.ReasonWrongPassword},
		{"sudo: no tty present and no askpass program specified", remote.ReasonTerminalRequired},
		{"Sorry, user admin is not allowed to execute '/usr/bin/id -u' as root on web1.", remote.ReasonPolicyDenied},
		{"sudo: a password is required", remote.ReasonNoPassword},
		{"segmentation fault", remote.ReasonUnrecognized},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifySudoOutput(tt.output), tt.output)
	}
}

func TestIsRoot(t *testing.T) {
	assert.True(t, IsRoot("0"))
	assert.True(t, IsRoot(" 0 \r\n"))
	assert.True(t, IsRoot("[sudo] password:\n0\n"))
	assert.False(t, IsRoot(""))
	assert.False(t, IsRoot("10"))
	assert.False(t, IsRoot("0\n1000\n"))
}
