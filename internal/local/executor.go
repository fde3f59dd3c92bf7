// Package local implements the transport for the machine the core runs on.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/creack/pty"

	"github.com/ArthurPierce23/mtadmin/internal/remote"
)

// Executor runs commands on the local machine
type Executor struct {
	goos string
}

// NewExecutor creates a new local executor
func NewExecutor() *Executor {
	return &Executor{goos: runtime.GOOS}
}

// Kind implements remote.Transport.
func (e *Executor) Kind() remote.Backend {
	return remote.BackendLocal
}

// Close implements remote.Transport. There is nothing to release.
func (e *Executor) Close() error {
	return nil
}

// command builds the interpreter invocation for a command string.
func (e *Executor) command(ctx context.Context, command string, shell remote.Shell) (*exec.Cmd, error) {
	cmd, err := e.buildCommand(ctx, command, shell)
	if err != nil {
		return nil, err
	}
	// Grandchildren holding the output pipes must not outlive a timeout.
	cmd.WaitDelay = waitDelay
	return cmd, nil
}

const waitDelay = time.Second

func (e *Executor) buildCommand(ctx context.Context, command string, shell remote.Shell) (*exec.Cmd, error) {
	if shell == remote.ShellPowerShell {
		encoded, err := remote.EncodePowerShell(command)
		if err != nil {
			return nil, err
		}
		bin := "powershell.exe"
		if e.goos != "windows" {
			bin = "pwsh"
		}
		return exec.CommandContext(ctx, bin, "-NoProfile", "-NonInteractive", "-EncodedCommand", encoded), nil
	}
	if e.goos == "windows" {
		return exec.CommandContext(ctx, "cmd.exe", "/C", command), nil
	}
	return exec.CommandContext(ctx, "sh", "-c", command), nil
}

// Execute runs command and waits for it to exit or for ctx to expire.
func (e *Executor) Execute(ctx context.Context, command string, opts remote.Options) (remote.Result, error) {
	cmd, err := e.command(ctx, command, opts.Shell)
	if err != nil {
		return remote.Result{}, err
	}
	if opts.PTY {
		return e.executePTY(ctx, cmd, opts.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}

	err = cmd.Run()
	return finish(ctx, cmd, stdout.String(), stderr.String(), err)
}

// executePTY runs cmd on a pseudo-terminal. Both streams arrive merged on
// stdout, as they would on a real terminal.
func (e *Executor) executePTY(ctx context.Context, cmd *exec.Cmd, stdin string) (remote.Result, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return remote.Result{}, fmt.Errorf("failed to start pty: %w", err)
	}
	defer ptmx.Close()

	if stdin != "" {
		if _, err := io.WriteString(ptmx, stdin); err != nil {
			return remote.Result{}, fmt.Errorf("pty write: %w", err)
		}
	}

	var out bytes.Buffer
	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		// Linux ends the read with EIO once the child side closes.
		_, _ = io.Copy(&out, ptmx)
	}()

	// Drain until the child side closes so no output is lost.
	<-copyDone
	err = cmd.Wait()
	return finish(ctx, cmd, out.String(), "", err)
}

func finish(ctx context.Context, cmd *exec.Cmd, stdout, stderr string, err error) (remote.Result, error) {
	res := remote.Result{Stdout: stdout, Stderr: stderr}
	if ctxErr := remote.ContextError(ctx, "local execute", "localhost"); ctxErr != nil {
		res.ExitCode = -1
		return res, ctxErr
	}
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	// The interpreter itself could not start.
	return res, remote.NewError(remote.KindConnectionFailed, "local execute", "localhost", fmt.Errorf("%s: %w", cmd.Path, err))
}
