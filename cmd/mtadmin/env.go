package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/ArthurPierce23/mtadmin/internal/config"
	"github.com/ArthurPierce23/mtadmin/internal/desktop"
	"github.com/ArthurPierce23/mtadmin/internal/logging"
	"github.com/ArthurPierce23/mtadmin/internal/remote"
	"github.com/ArthurPierce23/mtadmin/internal/scheduler"
)

// env is the per-invocation state shared by every command.
type env struct {
	cfg    *config.Config
	logger logging.Logger
	app    *desktop.App
	out    io.Writer
	json   bool

	ctx    context.Context
	cancel context.CancelFunc

	// prompt reads a secret; replaced in tests.
	prompt func(label string) (string, error)

	secretMu sync.Mutex
	secrets  map[string]string
}

const envKey = "mtadmin.env"

// appOptions are passed to every desktop.App; tests inject a dialer here.
var appOptions []desktop.Option

func setup(c *cli.Context) error {
	var (
		cfg *config.Config
		err error
	)
	if path := c.String("config"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := cfg.LogLevel
	if l := c.String("log-level"); l != "" {
		level = l
	}
	logger := logging.New("mtadmin", os.Stderr, logging.ParseLevel(level))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	e := &env{
		cfg:    cfg,
		logger: logger,
		app:    desktop.NewApp(cfg, logger, appOptions...),
		out:    c.App.Writer,
		json:   c.Bool("json"),
		ctx:    ctx,
		cancel: cancel,
		prompt: promptPassword,
	}
	e.app.Startup(ctx)
	c.App.Metadata = map[string]interface{}{envKey: e}
	return nil
}

func teardown(c *cli.Context) error {
	if e, ok := c.App.Metadata[envKey].(*env); ok {
		e.app.Shutdown(context.Background())
		e.cancel()
	}
	return nil
}

func envFrom(c *cli.Context) *env {
	return c.App.Metadata[envKey].(*env)
}

func promptPassword(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

// secret prompts for label once per invocation; every host reuses the
// answer.
func (e *env) secret(label string) (string, error) {
	e.secretMu.Lock()
	defer e.secretMu.Unlock()
	if v, ok := e.secrets[label]; ok {
		return v, nil
	}
	v, err := e.prompt(label)
	if err != nil {
		return "", err
	}
	if e.secrets == nil {
		e.secrets = make(map[string]string)
	}
	e.secrets[label] = v
	return v, nil
}

// target resolves name through the inventory and applies the global
// overrides.
func (e *env) target(c *cli.Context, name string) (remote.Host, remote.Credentials, error) {
	host, creds, err := e.cfg.Resolve(name)
	if err != nil {
		return remote.Host{}, remote.Credentials{}, err
	}
	if v := c.String("os"); v != "" {
		host.OS = remote.ParseOSKind(v)
	}
	if v := c.String("backend"); v != "" {
		if host.Backend, err = remote.ParseBackend(v); err != nil {
			return remote.Host{}, remote.Credentials{}, err
		}
	}
	if v := c.String("user"); v != "" {
		creds.Username = v
	}
	if c.Bool("ask-pass") {
		if creds.Password, err = e.secret("Login password"); err != nil {
			return remote.Host{}, remote.Credentials{}, err
		}
	}
	if c.Bool("ask-become-pass") {
		if creds.ElevatedPassword, err = e.secret("Elevation password"); err != nil {
			return remote.Host{}, remote.Credentials{}, err
		}
	}
	return host, creds, nil
}

// connect opens the session for name and returns the host name the
// registry knows it by.
func (e *env) connect(c *cli.Context, name string) (string, error) {
	host, creds, err := e.target(c, name)
	if err != nil {
		return "", err
	}
	info, err := await(e.app.Connect(host, creds))(e.ctx)
	if err != nil {
		return "", err
	}
	e.logger.Debug("connected", map[string]string{
		"host":       info.Host,
		"session_id": info.SessionID,
		"backend":    string(info.Backend),
		"elevation":  info.Elevation.String(),
	})
	return info.Host, nil
}

// await takes the (future, error) pair a desktop call returns and yields
// a function that waits for the result:
//
//	v, err := await(e.app.RefreshSystem(host))(e.ctx)
func await[T any](f *scheduler.Future[T], err error) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		if err != nil {
			var zero T
			return zero, err
		}
		return f.Wait(ctx)
	}
}

func hostArgs(c *cli.Context) ([]string, error) {
	if c.NArg() == 0 {
		return nil, fmt.Errorf("usage: mtadmin %s %s", c.Command.Name, c.Command.ArgsUsage)
	}
	return c.Args().Slice(), nil
}

func exitCode(err error) int {
	if errors.Is(err, remote.ErrUnsupported) {
		return exitUnsupported
	}
	return exitGeneralError
}

// describe renders an error for the operator, adding the raw output of
// parse and elevation failures.
func describe(err error) string {
	msg := err.Error()
	var re *remote.Error
	if errors.As(err, &re) && re.Raw != "" {
		raw := strings.TrimSpace(re.Raw)
		if len(raw) > 200 {
			raw = raw[:200] + "..."
		}
		msg += "\n  output: " + raw
	}
	return msg
}
