// Package winrm implements the WinRM/PowerShell remoting transport.
package winrm

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	wrm "github.com/masterzen/winrm"

	"github.com/ArthurPierce23/mtadmin/internal/remote"
)

var authFailureHints = []string{"http response error: 401", "unauthorized", "access is denied"}

// Config holds WinRM connection configuration
type Config struct {
	Host     string
	User     string // DOMAIN\user or user
	Password string
	Port     int // default 5985, 5986 with HTTPS
	HTTPS    bool
	Insecure bool
	Timeout  time.Duration
}

// Connection keeps one remote shell open for the lifetime of the session
// and runs every command inside it.
type Connection struct {
	cfg Config

	mu     sync.Mutex
	client *wrm.Client
	shell  *wrm.Shell
}

// NewConnection creates a new WinRM connection with the given configuration
func NewConnection(cfg Config) *Connection {
	if cfg.Port == 0 {
		cfg.Port = 5985
		if cfg.HTTPS {
			cfg.Port = 5986
		}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Connection{cfg: cfg}
}

// Dial authenticates and opens the shared shell.
func (c *Connection) Dial(ctx context.Context) error {
	endpoint := wrm.NewEndpoint(c.cfg.Host, c.cfg.Port, c.cfg.HTTPS, c.cfg.Insecure, nil, nil, nil, c.cfg.Timeout)
	params := *wrm.DefaultParameters
	params.TransportDecorator = func() wrm.Transporter { return &wrm.ClientNTLM{} }

	client, err := wrm.NewClientWithParameters(endpoint, c.cfg.User, c.cfg.Password, &params)
	if err != nil {
		return remote.NewError(remote.KindConnectionFailed, "winrm dial", c.cfg.Host, err)
	}

	type result struct {
		shell *wrm.Shell
		err   error
	}
	done := make(chan result, 1)
	go func() {
		shell, err := client.CreateShell()
		done <- result{shell, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.shell != nil {
				_ = r.shell.Close()
			}
		}()
		return remote.ContextError(ctx, "winrm dial", c.cfg.Host)
	case r := <-done:
		if r.err != nil {
			return remote.ClassifyDialError("winrm dial", c.cfg.Host, r.err, authFailureHints...)
		}
		c.mu.Lock()
		c.client = client
		c.shell = r.shell
		c.mu.Unlock()
		return nil
	}
}

// Kind implements remote.Transport.
func (c *Connection) Kind() remote.Backend {
	return remote.BackendWinRM
}

// ensureShell reopens the shell if a previous command broke it.
func (c *Connection) ensureShell() (*wrm.Shell, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, remote.NewError(remote.KindConnectionFailed, "winrm execute", c.cfg.Host, errors.New("not connected"))
	}
	if c.shell != nil {
		return c.shell, nil
	}
	shell, err := c.client.CreateShell()
	if err != nil {
		return nil, remote.ClassifyDialError("winrm reopen shell", c.cfg.Host, err, authFailureHints...)
	}
	c.shell = shell
	return shell, nil
}

func (c *Connection) dropShell(shell *wrm.Shell) {
	c.mu.Lock()
	if c.shell == shell {
		c.shell = nil
	}
	c.mu.Unlock()
	_ = shell.Close()
}

// Execute runs command in the shared shell. PowerShell error records are
// decoded into Result.Stderr; they are not transport errors.
func (c *Connection) Execute(ctx context.Context, command string, opts remote.Options) (remote.Result, error) {
	if opts.Shell == remote.ShellPowerShell {
		ps, err := remote.PowerShellCommand(command)
		if err != nil {
			return remote.Result{}, err
		}
		command = ps
	}

	shell, err := c.ensureShell()
	if err != nil {
		return remote.Result{}, err
	}

	cmd, err := shell.ExecuteWithContext(ctx, command)
	if err != nil {
		c.dropShell(shell)
		if ctxErr := remote.ContextError(ctx, "winrm execute", c.cfg.Host); ctxErr != nil {
			return remote.Result{}, ctxErr
		}
		return remote.Result{}, remote.ClassifyDialError("winrm execute", c.cfg.Host, err, authFailureHints...)
	}
	defer cmd.Close()

	if opts.Stdin != "" {
		_, _ = io.WriteString(cmd.Stdin, opts.Stdin)
	}
	_ = cmd.Stdin.Close()

	var stdout, stderr bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stdout, cmd.Stdout)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stderr, cmd.Stderr)
	}()

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		_ = cmd.Close()
		<-done
		return remote.Result{ExitCode: -1}, remote.ContextError(ctx, "winrm execute", c.cfg.Host)
	case <-done:
	}

	return remote.Result{
		Stdout:   normalizeNewlines(remote.DecodeConsole(stdout.Bytes())),
		Stderr:   normalizeNewlines(remote.CleanCLIXML(remote.DecodeConsole(stderr.Bytes()))),
		ExitCode: cmd.ExitCode(),
	}, nil
}

// Close deletes the remote shell.
func (c *Connection) Close() error {
	c.mu.Lock()
	shell := c.shell
	c.shell = nil
	c.client = nil
	c.mu.Unlock()
	if shell == nil {
		return nil
	}
	return shell.Close()
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
