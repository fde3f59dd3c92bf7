// Package desktop is the boundary a GUI talks to. Every remote operation
// runs in the background and hands back a future of plain records.
package desktop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ArthurPierce23/mtadmin/internal/collector"
	"github.com/ArthurPierce23/mtadmin/internal/config"
	"github.com/ArthurPierce23/mtadmin/internal/elevation"
	"github.com/ArthurPierce23/mtadmin/internal/logging"
	"github.com/ArthurPierce23/mtadmin/internal/rdp"
	"github.com/ArthurPierce23/mtadmin/internal/remote"
	"github.com/ArthurPierce23/mtadmin/internal/scheduler"
	"github.com/ArthurPierce23/mtadmin/internal/scripts"
	"github.com/ArthurPierce23/mtadmin/internal/session"
	"github.com/ArthurPierce23/mtadmin/internal/transport"
)

// Version is set at build time via ldflags
var Version = "0.1.0-dev"

// ErrNotConnected is returned for hosts without a live session.
var ErrNotConnected = errors.New("not connected")

// App struct holds the application state
type App struct {
	ctx       context.Context
	cfg       *config.Config
	logger    logging.Logger
	dialer    session.Dialer
	registry  *session.Registry
	escalator *elevation.Engine
	scheduler *scheduler.Scheduler

	mu      sync.Mutex
	watches map[scheduler.Key]*watch
	stop    chan struct{}
}

type watch struct {
	cancel func()
}

// Option configures an App.
type Option func(*App)

// WithDialer replaces the transport dialer.
func WithDialer(d session.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// NewApp creates a new App application struct
func NewApp(cfg *config.Config, logger logging.Logger, opts ...Option) *App {
	if cfg == nil {
		cfg = &config.Config{}
	}
	logger = logging.OrNop(logger)
	a := &App{
		ctx:       context.Background(),
		cfg:       cfg,
		logger:    logger,
		escalator: elevation.New(logger),
		scheduler: scheduler.New(logger),
		watches:   make(map[scheduler.Key]*watch),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.dialer == nil {
		a.dialer = transport.NewDialer(cfg, logger)
	}
	a.registry = session.NewRegistry(a.dialer,
		session.WithEscalator(a.escalator),
		session.WithLogger(logger),
		session.WithCommandTimeout(cfg.CommandTimeout()),
		session.WithConnectTimeout(cfg.ConnectTimeout()+2*cfg.CommandTimeout()),
	)
	return a
}

// Startup is called when the app starts. The context is saved and the
// session health checker is started.
func (a *App) Startup(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ctx = ctx
	if a.stop == nil {
		a.stop = make(chan struct{})
		a.registry.StartHealthChecker(a.cfg.RefreshInterval()*6, a.stop)
	}
}

// Shutdown stops background work and closes every session.
func (a *App) Shutdown(ctx context.Context) {
	a.mu.Lock()
	if a.stop != nil {
		close(a.stop)
		a.stop = nil
	}
	a.watches = make(map[scheduler.Key]*watch)
	a.mu.Unlock()

	a.scheduler.Stop()
	a.registry.CloseAll()
	a.logger.Info("shutdown complete", nil)
}

// GetVersion returns the application version
func (a *App) GetVersion() string {
	return Version
}

// Registry exposes the session registry.
func (a *App) Registry() *session.Registry {
	return a.registry
}

// Resolve turns an inventory id or hostname into a host and the
// credential fields stored in the config.
func (a *App) Resolve(name string) (remote.Host, remote.Credentials, error) {
	return a.cfg.Resolve(name)
}

// ConnectionInfo describes an open session.
type ConnectionInfo struct {
	Host      string
	SessionID string
	Backend   remote.Backend
	Elevation remote.ElevationState
	Reason    remote.ElevationReason
}

func connectionInfo(s *session.Session) ConnectionInfo {
	state, reason := s.Elevation()
	return ConnectionInfo{
		Host:      s.Host().Name,
		SessionID: s.ID,
		Backend:   s.Backend(),
		Elevation: state,
		Reason:    reason,
	}
}

// Connect opens (or reuses) the session for host.
func (a *App) Connect(host remote.Host, creds remote.Credentials) (*scheduler.Future[ConnectionInfo], error) {
	return scheduler.Go(a.scheduler, a.ctx, func(ctx context.Context) (ConnectionInfo, error) {
		s, err := a.registry.GetOrConnect(ctx, host, creds)
		if err != nil {
			return ConnectionInfo{}, err
		}
		return connectionInfo(s), nil
	})
}

// Disconnect closes the session for host.
func (a *App) Disconnect(host string) error {
	a.stopWatches(host)
	return a.registry.Close(host)
}

// Hosts reports every live session.
func (a *App) Hosts() []session.Status {
	return a.registry.Status()
}

func (a *App) session(op, host string) (*session.Session, error) {
	s, ok := a.registry.Get(host)
	if !ok {
		return nil, remote.NewError(remote.KindConnectionFailed, op, host, ErrNotConnected)
	}
	return s, nil
}

// submit runs fn against host's session, at most once at a time per kind.
func submit[T any](a *App, host string, kind collector.Kind, fn func(ctx context.Context, s *session.Session) (T, error)) (*scheduler.Future[T], error) {
	s, err := a.session(string(kind), host)
	if err != nil {
		return nil, err
	}
	key := scheduler.Key{Host: s.Host().Key(), Kind: string(kind)}
	return scheduler.Submit(a.scheduler, a.ctx, key, func(ctx context.Context) (T, error) {
		return fn(ctx, s)
	})
}

// run is submit without the per-kind exclusion, for explicit actions.
func run[T any](a *App, op, host string, fn func(ctx context.Context, s *session.Session) (T, error)) (*scheduler.Future[T], error) {
	s, err := a.session(op, host)
	if err != nil {
		return nil, err
	}
	return scheduler.Go(a.scheduler, a.ctx, func(ctx context.Context) (T, error) {
		return fn(ctx, s)
	})
}

// RefreshSystem collects a system snapshot.
func (a *App) RefreshSystem(host string) (*scheduler.Future[collector.SystemSnapshot], error) {
	return submit(a, host, collector.KindSystem, a.system)
}

func (a *App) system(ctx context.Context, s *session.Session) (collector.SystemSnapshot, error) {
	return collector.SystemInfo(ctx, s, collector.SystemOptions{SampleInterval: a.cfg.CPUSampleInterval()}).Get()
}

// RefreshProcesses lists processes.
func (a *App) RefreshProcesses(host string) (*scheduler.Future[[]collector.ProcessRecord], error) {
	return submit(a, host, collector.KindProcesses, a.processes)
}

func (a *App) processes(ctx context.Context, s *session.Session) ([]collector.ProcessRecord, error) {
	return collector.Processes(ctx, s).Get()
}

// RefreshNetwork lists network interfaces.
func (a *App) RefreshNetwork(host string) (*scheduler.Future[[]collector.NetworkInterface], error) {
	return submit(a, host, collector.KindNetwork, a.network)
}

func (a *App) network(ctx context.Context, s *session.Session) ([]collector.NetworkInterface, error) {
	return collector.Interfaces(ctx, s).Get()
}

// RefreshUsers lists logged-on users.
func (a *App) RefreshUsers(host string) (*scheduler.Future[[]collector.ActiveUserSession], error) {
	return submit(a, host, collector.KindUsers, a.users)
}

func (a *App) users(ctx context.Context, s *session.Session) ([]collector.ActiveUserSession, error) {
	return collector.ActiveUsers(ctx, s, a.cfg.Collector.IgnoredAccounts).Get()
}

// KillProcess terminates pid on host.
func (a *App) KillProcess(host string, pid int, force bool) (*scheduler.Future[struct{}], error) {
	return run(a, "kill", host, func(ctx context.Context, s *session.Session) (struct{}, error) {
		return struct{}{}, collector.KillProcess(ctx, s, pid, force)
	})
}

// Elevate acquires elevated rights on an open session.
func (a *App) Elevate(host string, creds remote.Credentials) (*scheduler.Future[ConnectionInfo], error) {
	return run(a, "elevate", host, func(ctx context.Context, s *session.Session) (ConnectionInfo, error) {
		err := a.escalator.Escalate(ctx, s, creds)
		return connectionInfo(s), err
	})
}

// RunScript runs an ad-hoc script.
func (a *App) RunScript(host string, script scripts.Script) (*scheduler.Future[remote.Result], error) {
	return run(a, "script", host, func(ctx context.Context, s *session.Session) (remote.Result, error) {
		return scripts.Run(ctx, s, script)
	})
}

func (a *App) rdpManager(s *session.Session) *rdp.Manager {
	return rdp.New(s,
		rdp.WithGroupNames(a.cfg.RDPGroupNames()),
		rdp.WithFirewallRulePrefix(a.cfg.FirewallRulePrefix()),
		rdp.WithLogger(a.logger),
	)
}

// rdpOp serializes RDP reads and writes for a host under one key.
func rdpOp[T any](a *App, host string, fn func(ctx context.Context, m *rdp.Manager) (T, error)) (*scheduler.Future[T], error) {
	return submit(a, host, collector.KindRDP, func(ctx context.Context, s *session.Session) (T, error) {
		return fn(ctx, a.rdpManager(s))
	})
}

// RDPConfig reads the RDP settings.
func (a *App) RDPConfig(host string) (*scheduler.Future[rdp.Config], error) {
	return rdpOp(a, host, func(ctx context.Context, m *rdp.Manager) (rdp.Config, error) {
		return m.Config(ctx)
	})
}

// SetRDPEnabled turns RDP on or off.
func (a *App) SetRDPEnabled(host string, enabled bool) (*scheduler.Future[struct{}], error) {
	return rdpOp(a, host, func(ctx context.Context, m *rdp.Manager) (struct{}, error) {
		return struct{}{}, m.SetEnabled(ctx, enabled)
	})
}

// SetRDPPort changes the RDP port. Invalid ports fail before anything is
// scheduled.
func (a *App) SetRDPPort(host string, port int) (*scheduler.Future[struct{}], error) {
	if err := rdp.ValidatePort(port); err != nil {
		return nil, err
	}
	return rdpOp(a, host, func(ctx context.Context, m *rdp.Manager) (struct{}, error) {
		return struct{}{}, m.SetPort(ctx, port)
	})
}

// AddRDPUser grants name RDP access.
func (a *App) AddRDPUser(host, name string) (*scheduler.Future[struct{}], error) {
	return rdpOp(a, host, func(ctx context.Context, m *rdp.Manager) (struct{}, error) {
		return struct{}{}, m.AddUser(ctx, name)
	})
}

// RemoveRDPUser revokes name's RDP access.
func (a *App) RemoveRDPUser(host, name string) (*scheduler.Future[struct{}], error) {
	return rdpOp(a, host, func(ctx context.Context, m *rdp.Manager) (struct{}, error) {
		return struct{}{}, m.RemoveUser(ctx, name)
	})
}

// SyncRDPUsers makes the RDP group contain exactly names.
func (a *App) SyncRDPUsers(host string, names []string) (*scheduler.Future[rdp.Diff], error) {
	return rdpOp(a, host, func(ctx context.Context, m *rdp.Manager) (rdp.Diff, error) {
		return m.SetUsers(ctx, names)
	})
}

// Update is one result of a watched collector.
type Update struct {
	Host  string
	Kind  collector.Kind
	RunID string
	Value any
	Err   error
}

// Watch refreshes kind on host every configured interval and passes each
// result to onUpdate. Watching the same pair again replaces the previous
// watch.
func (a *App) Watch(host string, kind collector.Kind, onUpdate func(Update)) (stop func(), err error) {
	s, err := a.session("watch", host)
	if err != nil {
		return nil, err
	}
	var collect func(ctx context.Context, s *session.Session) (any, error)
	switch kind {
	case collector.KindSystem:
		collect = func(ctx context.Context, s *session.Session) (any, error) { return a.system(ctx, s) }
	case collector.KindProcesses:
		collect = func(ctx context.Context, s *session.Session) (any, error) { return a.processes(ctx, s) }
	case collector.KindNetwork:
		collect = func(ctx context.Context, s *session.Session) (any, error) { return a.network(ctx, s) }
	case collector.KindUsers:
		collect = func(ctx context.Context, s *session.Session) (any, error) { return a.users(ctx, s) }
	case collector.KindRDP:
		collect = func(ctx context.Context, s *session.Session) (any, error) { return a.rdpManager(s).Config(ctx) }
	default:
		return nil, fmt.Errorf("unknown collector kind %q", kind)
	}

	key := scheduler.Key{Host: s.Host().Key(), Kind: string(kind)}
	w := &watch{cancel: a.scheduler.Every(key, a.cfg.RefreshInterval(), func(ctx context.Context) error {
		v, err := collect(ctx, s)
		if onUpdate != nil && ctx.Err() == nil {
			onUpdate(Update{Host: s.Host().Name, Kind: kind, RunID: scheduler.RunID(ctx), Value: v, Err: err})
		}
		return err
	}, nil)}

	// w is complete before it becomes visible to stopWatches.
	a.mu.Lock()
	prev := a.watches[key]
	a.watches[key] = w
	if prev != nil {
		prev.cancel()
	}
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		if a.watches[key] == w {
			delete(a.watches, key)
		}
		a.mu.Unlock()
		w.cancel()
	}, nil
}

func (a *App) stopWatches(host string) {
	hk := remote.HostKey(host)
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, w := range a.watches {
		if key.Host == hk {
			w.cancel()
			delete(a.watches, key)
		}
	}
}
