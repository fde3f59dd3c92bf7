// Package transport picks and dials the backend for a host.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/ArthurPierce23/mtadmin/internal/config"
	"github.com/ArthurPierce23/mtadmin/internal/local"
	"github.com/ArthurPierce23/mtadmin/internal/logging"
	"github.com/ArthurPierce23/mtadmin/internal/psexec"
	"github.com/ArthurPierce23/mtadmin/internal/remote"
	"github.com/ArthurPierce23/mtadmin/internal/ssh"
	"github.com/ArthurPierce23/mtadmin/internal/winrm"
)

// Dialer opens transports. It holds only settings and is safe for
// concurrent use.
type Dialer struct {
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	KnownHostsFile string
	SSHPort        int
	WinRMPort      int
	WinRMHTTPS     bool
	WinRMInsecure  bool
	PsExecBinary   string
	PsExecFlavor   string

	Logger logging.Logger
}

// NewDialer builds a Dialer from the operator configuration.
func NewDialer(cfg *config.Config, logger logging.Logger) *Dialer {
	return &Dialer{
		ConnectTimeout: cfg.ConnectTimeout(),
		CommandTimeout: cfg.CommandTimeout(),
		KnownHostsFile: cfg.KnownHostsFile(),
		SSHPort:        cfg.SSHPort(),
		WinRMPort:      cfg.WinRMPort(),
		WinRMHTTPS:     cfg.WinRM.HTTPS,
		WinRMInsecure:  cfg.WinRM.Insecure,
		PsExecBinary:   cfg.PsExecBinary(),
		PsExecFlavor:   cfg.PsExecFlavor(),
		Logger:         logging.OrNop(logger),
	}
}

// Select returns the backend used for host: an explicit override wins,
// then the local machine, then the OS family. Hosts of unknown OS are
// tried over SSH.
func Select(host remote.Host) remote.Backend {
	if host.Backend != remote.BackendAuto {
		return host.Backend
	}
	if host.IsLocal() {
		return remote.BackendLocal
	}
	if host.OS == remote.OSWindows {
		return remote.BackendWinRM
	}
	return remote.BackendSSH
}

// Dial connects to host with creds over the selected backend.
func (d *Dialer) Dial(ctx context.Context, host remote.Host, creds remote.Credentials) (remote.Transport, error) {
	backend := Select(host)
	log := logging.OrNop(d.Logger)
	log.Debug("dialing", logging.With(logging.Host(host.Name), "backend", string(backend)))

	switch backend {
	case remote.BackendLocal:
		return local.NewExecutor(), nil

	case remote.BackendSSH:
		port := host.Port
		if port == 0 {
			port = d.SSHPort
		}
		conn := ssh.NewConnection(ssh.Config{
			Host:           host.Name,
			User:           creds.Username,
			Password:       creds.Password,
			Port:           port,
			IdentityFile:   creds.IdentityFile,
			KnownHostsFile: d.KnownHostsFile,
			DialTimeout:    d.ConnectTimeout,
		})
		if err := conn.Dial(ctx); err != nil {
			return nil, err
		}
		return conn, nil

	case remote.BackendWinRM:
		conn := winrm.NewConnection(d.winrmConfig(host, creds))
		if err := dialWithTimeout(ctx, d.ConnectTimeout, conn.Dial); err != nil {
			return nil, err
		}
		return conn, nil

	case remote.BackendPsExec:
		conn := psexec.NewConnection(psexec.Config{
			Host:     host.Name,
			User:     creds.Username,
			Password: creds.Password,
			Domain:   creds.Domain,
			Binary:   d.PsExecBinary,
			Flavor:   d.PsExecFlavor,
			Timeout:  d.ConnectTimeout,
		})
		if err := dialWithTimeout(ctx, d.ConnectTimeout, conn.Dial); err != nil {
			return nil, err
		}
		return conn, nil
	}
	return nil, remote.NewError(remote.KindConnectionFailed, "dial", host.Name, fmt.Errorf("unsupported backend %q", backend))
}

// winrmPollWindow is how long a WinRM server may hold a receive request
// open while a command prints nothing.
const winrmPollWindow = 60 * time.Second

func (d *Dialer) winrmConfig(host remote.Host, creds remote.Credentials) winrm.Config {
	port := host.Port
	if port == 0 {
		port = d.WinRMPort
	}
	// The endpoint timeout bounds every HTTP response, so it has to cover
	// a silent command and not just the handshake.
	timeout := max(d.ConnectTimeout, d.CommandTimeout, winrmPollWindow) + 10*time.Second
	return winrm.Config{
		Host:     host.Name,
		User:     creds.QualifiedUser(),
		Password: creds.Password,
		Port:     port,
		HTTPS:    d.WinRMHTTPS,
		Insecure: d.WinRMInsecure,
		Timeout:  timeout,
	}
}

func dialWithTimeout(ctx context.Context, timeout time.Duration, dial func(context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return dial(ctx)
}
