// Package ssh implements the SSH transport on top of golang.org/x/crypto/ssh.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ArthurPierce23/mtadmin/internal/remote"
)

// authFailureHints identify rejected credentials in handshake errors.
var authFailureHints = []string{"unable to authenticate", "no supported methods remain"}

// Config holds SSH connection configuration
type Config struct {
	Host         string
	User         string
	Password     string
	Port         int    // default 22
	IdentityFile string // path to private key (optional)
	// KnownHostsFile stores accepted host keys. Empty disables host key
	// checking.
	KnownHostsFile string
	DialTimeout    time.Duration
}

// Connection represents an SSH connection to a remote host.
// One client is held for the lifetime of the session; every Execute opens
// and closes its own channel.
type Connection struct {
	cfg Config

	mu     sync.Mutex
	client *gossh.Client
}

// NewConnection creates a new SSH connection with the given configuration
func NewConnection(cfg Config) *Connection {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Connection{cfg: cfg}
}

// Address returns host:port.
func (c *Connection) Address() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// clientConfig builds the handshake configuration.
func (c *Connection) clientConfig() (*gossh.ClientConfig, error) {
	var auth []gossh.AuthMethod

	if c.cfg.IdentityFile != "" {
		key, err := os.ReadFile(c.cfg.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("read identity file: %w", err)
		}
		var signer gossh.Signer
		if c.cfg.Password != "" {
			signer, err = gossh.ParsePrivateKeyWithPassphrase(key, []byte(c.cfg.Password))
			if err != nil {
				// Key may be unencrypted; the password is then for login.
				signer, err = gossh.ParsePrivateKey(key)
			}
		} else {
			signer, err = gossh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, fmt.Errorf("parse identity file: %w", err)
		}
		auth = append(auth, gossh.PublicKeys(signer))
	}

	if c.cfg.Password != "" {
		password := c.cfg.Password
		auth = append(auth,
			gossh.Password(password),
			gossh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &gossh.ClientConfig{
		User:            c.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.cfg.DialTimeout,
	}, nil
}

// hostKeyCallback accepts and records unknown hosts, and rejects hosts
// whose key changed (StrictHostKeyChecking=accept-new).
func (c *Connection) hostKeyCallback() (gossh.HostKeyCallback, error) {
	path := c.cfg.KnownHostsFile
	if path == "" {
		return gossh.InsecureIgnoreHostKey(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open known_hosts: %w", err)
	}
	f.Close()

	check, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return func(hostname string, addr net.Addr, key gossh.PublicKey) error {
		err := check(hostname, addr, key)
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			return appendKnownHost(path, hostname, key)
		}
		return err
	}, nil
}

var knownHostsMu sync.Mutex

func appendKnownHost(path, hostname string, key gossh.PublicKey) error {
	knownHostsMu.Lock()
	defer knownHostsMu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key) + "\n")
	return err
}

// Dial establishes the SSH client. It is safe to call again after Close.
func (c *Connection) Dial(ctx context.Context) error {
	cfg, err := c.clientConfig()
	if err != nil {
		return remote.NewError(remote.KindConnectionFailed, "ssh dial", c.cfg.Host, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", c.Address())
	if err != nil {
		return remote.ClassifyDialError("ssh dial", c.cfg.Host, err)
	}

	// The handshake has no context support; bound it with a deadline.
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := gossh.NewClientConn(conn, c.Address(), cfg)
	if err != nil {
		conn.Close()
		if dialCtx.Err() != nil {
			return remote.NewError(remote.KindTimeout, "ssh handshake", c.cfg.Host, err)
		}
		return remote.ClassifyDialError("ssh handshake", c.cfg.Host, err, authFailureHints...)
	}
	_ = conn.SetDeadline(time.Time{})

	c.mu.Lock()
	c.client = gossh.NewClient(sshConn, chans, reqs)
	c.mu.Unlock()
	return nil
}

// Kind implements remote.Transport.
func (c *Connection) Kind() remote.Backend {
	return remote.BackendSSH
}

// Execute runs command on a fresh channel and waits for it to finish or
// for ctx to expire.
func (c *Connection) Execute(ctx context.Context, command string, opts remote.Options) (remote.Result, error) {
	if opts.Shell == remote.ShellPowerShell {
		ps, err := remote.PowerShellCommand(command)
		if err != nil {
			return remote.Result{}, err
		}
		command = ps
	}

	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return remote.Result{}, remote.NewError(remote.KindConnectionFailed, "ssh execute", c.cfg.Host, errors.New("not connected"))
	}

	sess, err := client.NewSession()
	if err != nil {
		return remote.Result{}, remote.NewError(remote.KindConnectionFailed, "ssh open channel", c.cfg.Host, err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if opts.Stdin != "" {
		sess.Stdin = strings.NewReader(opts.Stdin)
	}
	if opts.PTY {
		modes := gossh.TerminalModes{gossh.ECHO: 0, gossh.TTY_OP_ISPEED: 14400, gossh.TTY_OP_OSPEED: 14400}
		if err := sess.RequestPty("xterm", 40, 200, modes); err != nil {
			return remote.Result{}, remote.NewError(remote.KindConnectionFailed, "ssh request pty", c.cfg.Host, err)
		}
	}

	if err := sess.Start(command); err != nil {
		return remote.Result{}, remote.NewError(remote.KindConnectionFailed, "ssh start", c.cfg.Host, err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(gossh.SIGKILL)
		_ = sess.Close()
		<-done
		return remote.Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1},
			remote.ContextError(ctx, "ssh execute", c.cfg.Host)
	case err := <-done:
		res := remote.Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *gossh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		var missing *gossh.ExitMissingError
		if errors.As(err, &missing) {
			res.ExitCode = -1
			return res, nil
		}
		return res, remote.NewError(remote.KindConnectionFailed, "ssh execute", c.cfg.Host, err)
	}
}

// Close closes the client and every channel on it.
func (c *Connection) Close() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}
