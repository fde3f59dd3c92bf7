package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ArthurPierce23/mtadmin/internal/logging"
	"github.com/ArthurPierce23/mtadmin/internal/remote"
)

// Dialer opens a transport to a host.
type Dialer interface {
	Dial(ctx context.Context, host remote.Host, creds remote.Credentials) (remote.Transport, error)
}

// Escalator acquires elevated rights on a freshly opened session. A
// failure is recorded on the session; it never tears the session down.
type Escalator interface {
	Escalate(ctx context.Context, s *Session, creds remote.Credentials) error
}

// Registry maps each host to at most one live session. Concurrent
// connects to the same host coalesce onto one attempt.
type Registry struct {
	dialer         Dialer
	escalator      Escalator
	logger         logging.Logger
	commandTimeout time.Duration
	connectTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session // host key -> session
	pending  map[string]*attempt // host key -> in-flight connect
}

type attempt struct {
	done    chan struct{}
	session *Session
	err     error
}

// Option configures a Registry.
type Option func(*Registry)

// WithEscalator runs e on every new session opened with elevated
// credentials.
func WithEscalator(e Escalator) Option {
	return func(r *Registry) { r.escalator = e }
}

// WithLogger sets the registry logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Registry) { r.logger = logging.OrNop(l) }
}

// WithCommandTimeout sets the default per-command timeout of new sessions.
func WithCommandTimeout(d time.Duration) Option {
	return func(r *Registry) { r.commandTimeout = d }
}

// WithConnectTimeout bounds dial plus escalation of a new session.
func WithConnectTimeout(d time.Duration) Option {
	return func(r *Registry) { r.connectTimeout = d }
}

// NewRegistry creates an empty registry that opens transports with d.
func NewRegistry(d Dialer, opts ...Option) *Registry {
	r := &Registry{
		dialer:         d,
		logger:         logging.Nop(),
		commandTimeout: DefaultCommandTimeout,
		connectTimeout: 30 * time.Second,
		sessions:       make(map[string]*Session),
		pending:        make(map[string]*attempt),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrConnect returns the live session for host, opening one if needed.
// An existing session is returned unchanged and creds are ignored.
//
// A caller whose ctx ends while waiting gets the context error; the
// connect attempt itself carries on for the other waiters.
func (r *Registry) GetOrConnect(ctx context.Context, host remote.Host, creds remote.Credentials) (*Session, error) {
	key := host.Key()
	if key == "" {
		return nil, remote.NewError(remote.KindConnectionFailed, "connect", host.Name, errors.New("empty host name"))
	}

	r.mu.Lock()
	if s, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		if creds != s.Credentials() {
			r.logger.Debug("reusing session, new credentials ignored", logging.Host(host.Name))
		}
		return s, nil
	}
	if host.Unreachable {
		r.mu.Unlock()
		return nil, remote.NewError(remote.KindConnectionFailed, "connect", host.Name, errors.New("host unreachable"))
	}
	a, inFlight := r.pending[key]
	if !inFlight {
		a = &attempt{done: make(chan struct{})}
		r.pending[key] = a
		go r.connect(key, host, creds, a)
	}
	r.mu.Unlock()

	select {
	case <-a.done:
		return a.session, a.err
	case <-ctx.Done():
		if err := remote.ContextError(ctx, "connect", host.Name); err != nil {
			return nil, err
		}
		return nil, ctx.Err()
	}
}

// connect runs one attempt and publishes its result. It is detached from
// any caller's context.
func (r *Registry) connect(key string, host remote.Host, creds remote.Credentials, a *attempt) {
	ctx, cancel := context.WithTimeout(context.Background(), r.connectTimeout)
	defer cancel()

	meta := logging.With(logging.Host(host.Name), "os", host.OS.String())
	r.logger.Info("connecting", meta)

	var s *Session
	t, err := r.dialer.Dial(ctx, host, creds)
	if err == nil {
		s = New(host, creds, t, r.commandTimeout)
		if creds.HasElevation() && r.escalator != nil {
			if escErr := r.escalator.Escalate(ctx, s, creds); escErr != nil {
				r.logger.Warn("elevation failed", logging.With(meta, "error", escErr.Error()))
			}
		}
	}

	r.mu.Lock()
	delete(r.pending, key)
	if err == nil {
		r.sessions[key] = s
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("connect failed", logging.With(meta, "error", err.Error()))
	} else {
		r.logger.Info("connected", logging.With(logging.With(meta, "backend", string(s.Backend())), "session", s.ID))
	}

	a.session, a.err = s, err
	close(a.done)
}

// Get returns the live session for host without connecting.
func (r *Registry) Get(host string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[remote.HostKey(host)]
	return s, ok
}

// Close tears down the session for host and forgets it. The next
// GetOrConnect opens a fresh session.
func (r *Registry) Close(host string) error {
	key := remote.HostKey(host)
	r.mu.Lock()
	s, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	r.logger.Info("session closed", logging.Host(host))
	return s.Close()
}

// CloseAll closes every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			_ = s.Close()
		}(s)
	}
	wg.Wait()
}

// Hosts returns the names of hosts with a live session, sorted.
func (r *Registry) Hosts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	hosts := make([]string, 0, len(r.sessions))
	for _, s := range r.sessions {
		hosts = append(hosts, s.Host().Name)
	}
	sort.Strings(hosts)
	return hosts
}

// Status represents the status of a session
type Status struct {
	Host      string
	SessionID string
	Backend   remote.Backend
	Elevation remote.ElevationState
	Reason    remote.ElevationReason
	Connected bool
	LastError error
	LastCheck time.Time
}

// Status reports every live session from cached state, without probing.
func (r *Registry) Status() []Status {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	statuses := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		state, reason := s.Elevation()
		lastErr := s.LastError()
		statuses = append(statuses, Status{
			Host:      s.Host().Name,
			SessionID: s.ID,
			Backend:   s.Backend(),
			Elevation: state,
			Reason:    reason,
			Connected: !s.Closed() && lastErr == nil,
			LastError: lastErr,
			LastCheck: s.LastCheck(),
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Host < statuses[j].Host })
	return statuses
}

// HealthCheck probes every live session in parallel with a trivial
// command and returns the failures by host. Sessions are never
// reconnected here.
func (r *Registry) HealthCheck(ctx context.Context) map[string]error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]error)
	)
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			_, err := s.Execute(ctx, "echo ok", remote.Options{})
			if err == nil {
				return
			}
			r.logger.Warn("health check failed", logging.With(logging.Host(s.Host().Name), "error", err.Error()))
			mu.Lock()
			results[s.Host().Name] = err
			mu.Unlock()
		}(s)
	}
	wg.Wait()
	return results
}

// StartHealthChecker starts a background goroutine that periodically checks sessions
func (r *Registry) StartHealthChecker(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.HealthCheck(context.Background())
			case <-stop:
				return
			}
		}
	}()
}
