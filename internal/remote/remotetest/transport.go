// Package remotetest provides a scripted remote.Transport for tests.
package remotetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ArthurPierce23/mtadmin/internal/remote"
)

// Call records one Execute invocation.
type Call struct {
	Command string
	Opts    remote.Options
}

type rule struct {
	substr  string
	results []remote.Result
	err     error
	fn      func(command string, opts remote.Options) (remote.Result, error)
	hits    int
}

// Transport answers commands from rules registered with On, OnSeq and
// OnFunc. Rules are matched by substring in registration order; the first
// match wins. Unmatched commands return exit code 127.
type Transport struct {
	mu      sync.Mutex
	backend remote.Backend
	rules   []*rule
	calls   []Call
	closed  bool
}

// New returns an empty scripted transport.
func New() *Transport {
	return &Transport{backend: remote.BackendSSH}
}

// WithBackend sets the value returned by Kind.
func (t *Transport) WithBackend(b remote.Backend) *Transport {
	t.backend = b
	return t
}

// On answers commands containing substr with stdout and exit code 0.
func (t *Transport) On(substr, stdout string) *Transport {
	return t.OnResult(substr, remote.Result{Stdout: stdout})
}

// OnResult answers commands containing substr with r.
func (t *Transport) OnResult(substr string, r remote.Result) *Transport {
	return t.OnSeq(substr, r)
}

// OnSeq answers successive matching calls with rs in order, repeating the
// last one once exhausted.
func (t *Transport) OnSeq(substr string, rs ...remote.Result) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = append(t.rules, &rule{substr: substr, results: rs})
	return t
}

// OnError fails commands containing substr.
func (t *Transport) OnError(substr string, err error) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = append(t.rules, &rule{substr: substr, err: err})
	return t
}

// OnFunc delegates commands containing substr to fn.
func (t *Transport) OnFunc(substr string, fn func(command string, opts remote.Options) (remote.Result, error)) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = append(t.rules, &rule{substr: substr, fn: fn})
	return t
}

// Execute implements remote.Transport.
func (t *Transport) Execute(ctx context.Context, command string, opts remote.Options) (remote.Result, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return remote.Result{}, remote.NewError(remote.KindConnectionFailed, "execute", "", fmt.Errorf("transport closed"))
	}
	t.calls = append(t.calls, Call{Command: command, Opts: opts})
	var matched *rule
	for _, r := range t.rules {
		if strings.Contains(command, r.substr) {
			matched = r
			break
		}
	}
	if matched == nil {
		t.mu.Unlock()
		return remote.Result{Stderr: "command not found", ExitCode: 127}, nil
	}
	idx := matched.hits
	matched.hits++
	fn := matched.fn
	t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return remote.Result{}, remote.ContextError(ctx, "execute", "")
	}
	if fn != nil {
		return fn(command, opts)
	}
	if matched.err != nil {
		return remote.Result{}, matched.err
	}
	if idx >= len(matched.results) {
		idx = len(matched.results) - 1
	}
	return matched.results[idx], nil
}

// Kind implements remote.Transport.
func (t *Transport) Kind() remote.Backend {
	return t.backend
}

// Close implements remote.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Calls returns a copy of the recorded calls.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Call, len(t.calls))
	copy(out, t.calls)
	return out
}

// Commands returns the recorded command strings.
func (t *Transport) Commands() []string {
	calls := t.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Command
	}
	return out
}

// CountContaining counts recorded commands containing substr.
func (t *Transport) CountContaining(substr string) int {
	n := 0
	for _, c := range t.Commands() {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}
