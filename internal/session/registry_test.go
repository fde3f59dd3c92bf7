package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArthurPierce23/mtadmin/internal/remote"
	"github.com/ArthurPierce23/mtadmin/internal/remote/remotetest"
)

type fakeDialer struct {
	calls   atomic.Int32
	err     error
	release chan struct{}
	prepare func(t *remotetest.Transport)

	mu         sync.Mutex
	transports []*remotetest.Transport
}

func (d *fakeDialer) Dial(ctx context.Context, host remote.Host, creds remote.Credentials) (remote.Transport, error) {
	d.calls.Add(1)
	if d.release != nil {
		<-d.release
	}
	if d.err != nil {
		return nil, d.err
	}
	t := remotetest.New()
	if d.prepare != nil {
		d.prepare(t)
	}
	t.On("echo ok", "ok\n")
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

type recordingEscalator struct {
	calls atomic.Int32
	state remote.ElevationState
}

func (e *recordingEscalator) Escalate(ctx context.Context, s *Session, creds remote.Credentials) error {
	e.calls.Add(1)
	if e.state == remote.ElevationGranted {
		s.SetElevation(remote.ElevationGranted, remote.ReasonNone, creds.ElevatedPassword)
		return nil
	}
	s.SetElevation(remote.ElevationDenied, remote.ReasonWrongPassword, "")
	return remote.ElevationError("escalate", s.Host().Name, remote.ReasonWrongPassword, "")
}

var web1 = remote.Host{Name: "10.0.0.5", OS: remote.OSLinux}

func TestGetOrConnect_ReusesSessionIgnoringNewCredentials(t *testing.T) {
	d := &fakeDialer{}
	r := NewRegistry(d)
	ctx := context.Background()

	s1, err := r.GetOrConnect(ctx, web1, remote.Credentials{Username: "alice", Password: "a"})
	require.NoError(t, err)
	s2, err := r.GetOrConnect(ctx, remote.Host{Name: " 10.0.0.5 ", OS: remote.OSLinux}, remote.Credentials{Username: "bob", Password: "b"})
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, "alice", s2.Credentials().Username)
	assert.EqualValues(t, 1, d.calls.Load())
}

func TestGetOrConnect_CoalescesConcurrentConnects(t *testing.T) {
	d := &fakeDialer{release: make(chan struct{})}
	r := NewRegistry(d)

	const callers = 8
	sessions := make([]*Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.GetOrConnect(context.Background(), web1, remote.Credentials{Username: "root"})
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}

	// Let every caller queue up behind the first attempt.
	require.Eventually(t, func() bool { return d.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(d.release)
	wg.Wait()

	assert.EqualValues(t, 1, d.calls.Load())
	for _, s := range sessions {
		assert.Same(t, sessions[0], s)
	}
}

func TestGetOrConnect_CloseThenReconnect(t *testing.T) {
	d := &fakeDialer{}
	r := NewRegistry(d)
	ctx := context.Background()

	s1, err := r.GetOrConnect(ctx, web1, remote.Credentials{})
	require.NoError(t, err)
	require.NoError(t, r.Close("10.0.0.5"))
	assert.True(t, s1.Closed())
	assert.True(t, d.transports[0].Closed())

	s2, err := r.GetOrConnect(ctx, web1, remote.Credentials{})
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)
	assert.EqualValues(t, 2, d.calls.Load())
}

func TestGetOrConnect_FailureIsNotCached(t *testing.T) {
	d := &fakeDialer{err: remote.NewError(remote.KindAuthFailed, "ssh handshake", "10.0.0.5", errors.New("unable to authenticate"))}
	r := NewRegistry(d)

	_, err := r.GetOrConnect(context.Background(), web1, remote.Credentials{})
	assert.ErrorIs(t, err, remote.ErrAuthFailed)
	_, ok := r.Get("10.0.0.5")
	assert.False(t, ok)

	d.err = nil
	s, err := r.GetOrConnect(context.Background(), web1, remote.Credentials{})
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestGetOrConnect_UnreachableFailsFast(t *testing.T) {
	d := &fakeDialer{}
	r := NewRegistry(d)

	_, err := r.GetOrConnect(context.Background(), remote.Host{Name: "10.0.0.99", Unreachable: true}, remote.Credentials{})
	assert.ErrorIs(t, err, remote.ErrConnectionFailed)
	assert.EqualValues(t, 0, d.calls.Load())
}

func TestGetOrConnect_WaiterTimeoutLeavesAttemptRunning(t *testing.T) {
	d := &fakeDialer{release: make(chan struct{})}
	r := NewRegistry(d)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.GetOrConnect(ctx, web1, remote.Credentials{})
	assert.ErrorIs(t, err, remote.ErrTimeout)

	close(d.release)
	require.Eventually(t, func() bool {
		_, ok := r.Get("10.0.0.5")
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, d.calls.Load())
}

func TestGetOrConnect_RunsEscalatorWithElevatedCredentials(t *testing.T) {
	esc := &recordingEscalator{state: remote.ElevationGranted}
	r := NewRegistry(&fakeDialer{}, WithEscalator(esc))

	s, err := r.GetOrConnect(context.Background(), web1, remote.Credentials{Username: "u", ElevatedPassword: "pw"})
	require.NoError(t, err)
	assert.True(t, s.Elevated())
	assert.EqualValues(t, 1, esc.calls.Load())

	s2, err := r.GetOrConnect(context.Background(), remote.Host{Name: "10.0.0.6"}, remote.Credentials{Username: "u"})
	require.NoError(t, err)
	state, _ := s2.Elevation()
	assert.Equal(t, remote.ElevationNotAttempted, state)
	assert.EqualValues(t, 1, esc.calls.Load())
}

func TestGetOrConnect_EscalationFailureKeepsSession(t *testing.T) {
	esc := &recordingEscalator{state: remote.ElevationDenied}
	r := NewRegistry(&fakeDialer{}, WithEscalator(esc))

	s, err := r.GetOrConnect(context.Background(), web1, remote.Credentials{Username: "u", ElevatedPassword: "bad"})
	require.NoError(t, err)
	state, reason := s.Elevation()
	assert.Equal(t, remote.ElevationDenied, state)
	assert.Equal(t, remote.ReasonWrongPassword, reason)
	assert.False(t, s.Closed())
}

func TestRegistry_HostsStatusCloseAll(t *testing.T) {
	d := &fakeDialer{}
	r := NewRegistry(d)
	ctx := context.Background()

	_, err := r.GetOrConnect(ctx, remote.Host{Name: "b-host"}, remote.Credentials{})
	require.NoError(t, err)
	_, err = r.GetOrConnect(ctx, remote.Host{Name: "a-host"}, remote.Credentials{})
	require.NoError(t, err)

	assert.Equal(t, []string{"a-host", "b-host"}, r.Hosts())

	statuses := r.Status()
	require.Len(t, statuses, 2)
	assert.Equal(t, "a-host", statuses[0].Host)
	assert.True(t, statuses[0].Connected)
	assert.Equal(t, remote.ElevationNotAttempted, statuses[0].Elevation)

	assert.Empty(t, r.HealthCheck(ctx))

	r.CloseAll()
	assert.Empty(t, r.Hosts())
	for _, tr := range d.transports {
		assert.True(t, tr.Closed())
	}
}

func TestRegistry_HealthCheckReportsFailures(t *testing.T) {
	d := &fakeDialer{prepare: func(t *remotetest.Transport) {
		t.OnError("echo ok", remote.NewError(remote.KindConnectionFailed, "ssh execute", "10.0.0.5", errors.New("EOF")))
	}}
	r := NewRegistry(d)
	_, err := r.GetOrConnect(context.Background(), web1, remote.Credentials{})
	require.NoError(t, err)

	failures := r.HealthCheck(context.Background())
	assert.ErrorIs(t, failures["10.0.0.5"], remote.ErrConnectionFailed)
	assert.False(t, r.Status()[0].Connected)
}
