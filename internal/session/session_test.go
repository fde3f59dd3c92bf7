package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArthurPierce23/mtadmin/internal/remote"
	"github.com/ArthurPierce23/mtadmin/internal/remote/remotetest"
)

func TestExecute_ElevatedRequiresGrant(t *testing.T) {
	tr := remotetest.New()
	s := New(web1, remote.Credentials{}, tr, 0)

	_, err := s.Execute(context.Background(), "dmidecode -s baseboard-product-name", remote.Options{Elevated: true})
	require.ErrorIs(t, err, remote.ErrElevationDenied)
	var rerr *remote.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, remote.ReasonNotAttempted, rerr.Reason)
	assert.Empty(t, tr.Calls(), "nothing is sent without a grant")

	s.SetElevation(remote.ElevationDenied, remote.ReasonWrongPassword, "")
	_, err = s.Execute(context.Background(), "id -u", remote.Options{Elevated: true})
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, remote.ReasonWrongPassword, rerr.Reason)
}

func TestExecute_ElevatedWrapsInSudo(t *testing.T) {
	tr := remotetest.New().On("sudo", "ok\n")
	s := New(web1, remote.Credentials{}, tr, 0)

	s.SetElevation(remote.ElevationGranted, remote.ReasonNone, "s3cret")
	_, err := s.Execute(context.Background(), "cat /etc/shadow", remote.Options{Elevated: true, Stdin: "x"})
	require.NoError(t, err)

	s.SetElevation(remote.ElevationGranted, remote.ReasonNone, "")
	_, err = s.Execute(context.Background(), "cat /etc/shadow", remote.Options{Elevated: true})
	require.NoError(t, err)

	calls := tr.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "sudo -S -p '' sh -c 'cat /etc/shadow'", calls[0].Command)
	assert.Equal(t, "s3cret\nx", calls[0].Opts.Stdin)
	assert.Equal(t, "sudo -n sh -c 'cat /etc/shadow'", calls[1].Command)
	assert.Empty(t, calls[1].Opts.Stdin)
}

func TestExecute_WindowsElevatedPassesThrough(t *testing.T) {
	tr := remotetest.New().WithBackend(remote.BackendWinRM).On("reg query", "ok")
	s := New(remote.Host{Name: "srv01", OS: remote.OSWindows}, remote.Credentials{}, tr, 0)

	_, err := s.Execute(context.Background(), "reg query HKLM", remote.Options{Elevated: true})
	require.NoError(t, err)
	assert.Equal(t, "reg query HKLM", tr.Commands()[0])
}

func TestExecute_AppliesDefaultTimeout(t *testing.T) {
	var deadline time.Time
	tr := remotetest.New()
	s := New(web1, remote.Credentials{}, tr, 3*time.Second)
	tr.OnFunc("uptime", func(string, remote.Options) (remote.Result, error) {
		return remote.Result{}, nil
	})

	wrapped := &deadlineTransport{Transport: tr, seen: &deadline}
	s.transport = wrapped
	_, err := s.Execute(context.Background(), "uptime", remote.Options{})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(3*time.Second), deadline, time.Second)

	_, err = s.Execute(context.Background(), "uptime", remote.Options{Timeout: time.Minute})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, time.Second)
}

type deadlineTransport struct {
	*remotetest.Transport
	seen *time.Time
}

func (d *deadlineTransport) Execute(ctx context.Context, command string, opts remote.Options) (remote.Result, error) {
	*d.seen, _ = ctx.Deadline()
	return d.Transport.Execute(ctx, command, opts)
}

func TestExecute_Serialized(t *testing.T) {
	var inFlight, peak atomic.Int32
	tr := remotetest.New().OnFunc("work", func(string, remote.Options) (remote.Result, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return remote.Result{}, nil
	})
	s := New(web1, remote.Credentials{}, tr, 0)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Execute(context.Background(), "work", remote.Options{})
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, peak.Load())
}

func TestExecute_TimeoutStartsAfterQueueing(t *testing.T) {
	started := make(chan struct{})
	tr := remotetest.New().
		OnFunc("slow", func(string, remote.Options) (remote.Result, error) {
			close(started)
			time.Sleep(150 * time.Millisecond)
			return remote.Result{Stdout: "slow"}, nil
		}).
		On("fast", "fast")
	s := New(web1, remote.Credentials{}, tr, 100*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background(), "slow", remote.Options{Timeout: time.Second})
		done <- err
	}()
	<-started

	res, err := s.Execute(context.Background(), "fast", remote.Options{})
	require.NoError(t, err, "time spent behind the slow command does not count")
	assert.Equal(t, "fast", res.Stdout)
	require.NoError(t, <-done)
}

func TestExecute_AfterClose(t *testing.T) {
	tr := remotetest.New()
	s := New(web1, remote.Credentials{}, tr, 0)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Execute(context.Background(), "true", remote.Options{})
	assert.ErrorIs(t, err, remote.ErrConnectionFailed)
	assert.True(t, tr.Closed())
}

func TestRecordAccessDenied(t *testing.T) {
	win := New(remote.Host{Name: "srv01", OS: remote.OSWindows}, remote.Credentials{}, remotetest.New(), 0)
	win.SetElevation(remote.ElevationGranted, remote.ReasonNone, "")
	win.RecordAccessDenied()
	state, reason := win.Elevation()
	assert.Equal(t, remote.ElevationDenied, state)
	assert.Equal(t, remote.ReasonPolicyDenied, reason)

	linux := New(web1, remote.Credentials{}, remotetest.New(), 0)
	linux.SetElevation(remote.ElevationGranted, remote.ReasonNone, "pw")
	linux.RecordAccessDenied()
	assert.True(t, linux.Elevated())

	plain := New(web1, remote.Credentials{}, remotetest.New(), 0)
	plain.RecordAccessDenied()
	state, _ = plain.Elevation()
	assert.Equal(t, remote.ElevationDenied, state)
}

func TestRememberRecall(t *testing.T) {
	s := New(web1, remote.Credentials{}, remotetest.New(), 0)
	_, ok := s.Recall("rdp.group")
	assert.False(t, ok)

	s.Remember("rdp.group", "Remote Desktop Users")
	v, ok := s.Recall("rdp.group")
	assert.True(t, ok)
	assert.Equal(t, "Remote Desktop Users", v)
	assert.NotEmpty(t, s.ID)
}
