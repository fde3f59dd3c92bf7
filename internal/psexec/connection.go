// Package psexec implements the service-push transport: every command is
// run by an external psexec tool and its output is collected over SMB2.
package psexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ArthurPierce23/mtadmin/internal/remote"
)

// Tool flavors.
const (
	FlavorImpacket     = "impacket"
	FlavorSysinternals = "sysinternals"
)

var authFailureHints = []string{
	"logon failure",
	"status_logon_failure",
	"user name or password is incorrect",
	"access_denied",
	"access denied",
}

// Config holds PsExec connection configuration
type Config struct {
	Host     string
	User     string
	Password string
	Domain   string
	// Binary is the psexec tool (psexec.py or PsExec.exe)
	Binary string
	// Flavor selects the argument syntax of Binary
	Flavor  string
	Timeout time.Duration
}

// runFunc runs the local psexec tool.
type runFunc func(ctx context.Context, name string, args []string) (stdout, stderr string, exitCode int, err error)

// Connection pushes one service per command. No remote state survives
// between calls.
type Connection struct {
	cfg   Config
	store fileStore
	run   runFunc
	newID func() string
}

// NewConnection creates a new PsExec connection with the given configuration
func NewConnection(cfg Config) *Connection {
	if cfg.Binary == "" {
		cfg.Binary = "psexec.py"
	}
	if cfg.Flavor == "" {
		cfg.Flavor = FlavorImpacket
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Connection{
		cfg: cfg,
		store: &smbStore{
			host:     cfg.Host,
			user:     cfg.User,
			password: cfg.Password,
			domain:   cfg.Domain,
			timeout:  cfg.Timeout,
		},
		run:   runTool,
		newID: uuid.NewString,
	}
}

// Dial verifies the credentials have administrative access to ADMIN$.
func (c *Connection) Dial(ctx context.Context) error {
	if err := c.store.Check(ctx); err != nil {
		if ctxErr := remote.ContextError(ctx, "psexec dial", c.cfg.Host); ctxErr != nil {
			return ctxErr
		}
		return remote.ClassifyDialError("psexec dial", c.cfg.Host, err, authFailureHints...)
	}
	return nil
}

// Kind implements remote.Transport.
func (c *Connection) Kind() remote.Backend {
	return remote.BackendPsExec
}

// Close implements remote.Transport. Connections hold nothing open.
func (c *Connection) Close() error {
	return nil
}

// Execute runs command through the psexec tool. The remote side redirects
// stdout, stderr and the exit code into per-call files under ADMIN$\Temp.
func (c *Connection) Execute(ctx context.Context, command string, opts remote.Options) (remote.Result, error) {
	if opts.Shell == remote.ShellPowerShell {
		ps, err := remote.PowerShellCommand(command)
		if err != nil {
			return remote.Result{}, err
		}
		command = ps
	}

	base := "mtadmin-" + c.newID()
	files := callFiles(base)

	if opts.Stdin != "" {
		if err := c.store.Put(ctx, files.in, []byte(opts.Stdin)); err != nil {
			return remote.Result{}, c.classify(ctx, err)
		}
	}

	name, args := c.toolArgs(wrapCommand(command, files, opts.Stdin != ""))
	toolOut, toolErr, toolCode, err := c.run(ctx, name, args)

	// Collection runs on a fresh context so files are removed even when
	// the caller has given up.
	collectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
	defer cancel()
	if err != nil {
		if opts.Stdin != "" {
			_, _ = c.store.Take(collectCtx, files.in)
		}
		return remote.Result{}, c.classify(ctx, err)
	}
	got, takeErr := c.store.Take(collectCtx, files.out, files.err, files.rc, files.in)

	if ctxErr := remote.ContextError(ctx, "psexec execute", c.cfg.Host); ctxErr != nil {
		return remote.Result{ExitCode: -1}, ctxErr
	}
	if takeErr != nil {
		return remote.Result{}, c.classify(ctx, takeErr)
	}

	rc, ok := got[files.rc]
	if !ok {
		// The remote shell never ran; the tool's own output says why.
		msg := strings.TrimSpace(toolErr + "\n" + toolOut)
		if msg == "" {
			msg = "exit status " + strconv.Itoa(toolCode)
		}
		return remote.Result{}, remote.ClassifyDialError("psexec execute", c.cfg.Host, errors.New(msg), authFailureHints...)
	}

	code, err := strconv.Atoi(strings.TrimSpace(string(rc)))
	if err != nil {
		return remote.Result{}, remote.ParseError("psexec exit code", string(rc), err)
	}
	return remote.Result{
		Stdout:   normalizeNewlines(remote.DecodeConsole(got[files.out])),
		Stderr:   normalizeNewlines(remote.CleanCLIXML(remote.DecodeConsole(got[files.err]))),
		ExitCode: code,
	}, nil
}

func (c *Connection) classify(ctx context.Context, err error) error {
	if ctxErr := remote.ContextError(ctx, "psexec execute", c.cfg.Host); ctxErr != nil {
		return ctxErr
	}
	return remote.ClassifyDialError("psexec execute", c.cfg.Host, err, authFailureHints...)
}

type files struct {
	in, out, err, rc string
}

func callFiles(base string) files {
	return files{
		in:  base + ".in",
		out: base + ".out",
		err: base + ".err",
		rc:  base + ".rc",
	}
}

const remoteTemp = `C:\Windows\Temp\`

// wrapCommand builds the cmd.exe line run on the host. Delayed expansion
// makes !errorlevel! read the status after the command, not at parse time.
func wrapCommand(command string, f files, stdin bool) string {
	var b strings.Builder
	b.WriteString(`cmd.exe /v:on /c "(`)
	b.WriteString(command)
	b.WriteString(`)`)
	if stdin {
		b.WriteString(` < ` + remoteTemp + f.in)
	}
	b.WriteString(` 1> ` + remoteTemp + f.out)
	b.WriteString(` 2> ` + remoteTemp + f.err)
	b.WriteString(` & echo !errorlevel! > ` + remoteTemp + f.rc + `"`)
	return b.String()
}

// toolArgs returns the argv for the configured psexec flavor.
func (c *Connection) toolArgs(remoteCmd string) (string, []string) {
	if c.cfg.Flavor == FlavorSysinternals {
		user := c.cfg.User
		if c.cfg.Domain != "" {
			user = c.cfg.Domain + `\` + user
		}
		return c.cfg.Binary, []string{
			`\\` + c.cfg.Host,
			"-accepteula", "-nobanner",
			"-u", user,
			"-p", c.cfg.Password,
			"-h",
			remoteCmd,
		}
	}
	target := c.cfg.User + ":" + c.cfg.Password + "@" + c.cfg.Host
	if c.cfg.Domain != "" {
		target = c.cfg.Domain + "/" + target
	}
	return c.cfg.Binary, []string{target, remoteCmd}
}

func runTool(ctx context.Context, name string, args []string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return "", "", -1, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return stdout.String(), stderr.String(), 0, nil
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
