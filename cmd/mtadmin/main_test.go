package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArthurPierce23/mtadmin/internal/collector"
	"github.com/ArthurPierce23/mtadmin/internal/desktop"
	"github.com/ArthurPierce23/mtadmin/internal/remote"
	"github.com/ArthurPierce23/mtadmin/internal/remote/remotetest"
)

const testConfig = `
log_level = "error"

[collector]
cpu_sample_millis = 1

[hosts.web]
host = "web1.example.com"
os = "linux"
user = "ops"

[hosts.dc]
host = "dc1.example.com"
os = "windows"
backend = "winrm"
user = "administrator"
domain = "CORP"
`

// fakeDialer scripts every transport it opens with the same rules.
type fakeDialer struct {
	mu     sync.Mutex
	script func(t *remotetest.Transport)
	dialed []remote.Host
}

func (d *fakeDialer) Dial(_ context.Context, host remote.Host, _ remote.Credentials) (remote.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, host)
	t := remotetest.New()
	if d.script != nil {
		d.script(t)
	}
	return t, nil
}

func (d *fakeDialer) hosts() []remote.Host {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]remote.Host(nil), d.dialed...)
}

func runCLI(t *testing.T, d *fakeDialer, args ...string) (string, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))

	appOptions = []desktop.Option{desktop.WithDialer(d)}
	t.Cleanup(func() { appOptions = nil })

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = io.Discard
	err := app.Run(append([]string{"mtadmin", "--config", path}, args...))
	return out.String(), err
}

func linux(t *remotetest.Transport) {
	t.OnSeq(collector.ProcStatCommand,
		remote.Result{Stdout: "cpu 100 200 300 400 9000\n"},
		remote.Result{Stdout: "cpu 110 210 310 410 9050\n"},
	)
	t.On(collector.IPAddrCommand, "1: lo: <LOOPBACK>\n    inet 127.0.0.1/8 scope host lo\n2: eth0: <UP>\n    inet 10.0.0.5/24 scope global eth0\n")
	t.On("bash -c", "hello\n")
}

func TestSysinfo_RendersSnapshot(t *testing.T) {
	d := &fakeDialer{script: linux}
	out, err := runCLI(t, d, "sysinfo", "web")
	require.NoError(t, err)

	assert.Contains(t, out, "web1.example.com")
	assert.Contains(t, out, "38%")
	assert.Contains(t, out, "cores:", "missing fields are listed")

	hosts := d.hosts()
	require.Len(t, hosts, 1)
	assert.Equal(t, remote.OSLinux, hosts[0].OS)
}

func TestNet_JSON(t *testing.T) {
	out, err := runCLI(t, &fakeDialer{script: linux}, "--json", "net", "web")
	require.NoError(t, err)

	var ifaces []collector.NetworkInterface
	require.NoError(t, json.Unmarshal([]byte(out), &ifaces))
	assert.Equal(t, []collector.NetworkInterface{
		{Name: "lo", Addresses: []string{"127.0.0.1"}},
		{Name: "eth0", Addresses: []string{"10.0.0.5"}},
	}, ifaces)
}

func TestExec_InlineOnSeveralHosts(t *testing.T) {
	d := &fakeDialer{script: linux}
	out, err := runCLI(t, d, "--os", "linux", "exec", "-c", "echo hello", "web", "db1")
	require.NoError(t, err)

	assert.Equal(t, "== web1.example.com (exit 0)\nhello\n== db1 (exit 0)\nhello\n", out)
	assert.Len(t, d.hosts(), 2)
}

func TestExec_RequiresScript(t *testing.T) {
	d := &fakeDialer{}
	_, err := runCLI(t, d, "exec", "web")
	assert.Error(t, err)
	assert.Empty(t, d.hosts())
}

func TestKill_RejectsBadPIDBeforeConnecting(t *testing.T) {
	d := &fakeDialer{}
	_, err := runCLI(t, d, "kill", "web", "abc")
	assert.Error(t, err)
	assert.Empty(t, d.hosts())
}

func TestRDPPort_RejectsOutOfRangeBeforeConnecting(t *testing.T) {
	d := &fakeDialer{}
	_, err := runCLI(t, d, "rdp", "port", "dc", "70000")
	assert.Error(t, err)
	assert.Empty(t, d.hosts())
}

func TestRDPStatus_UnsupportedOnLinux(t *testing.T) {
	_, err := runCLI(t, &fakeDialer{}, "rdp", "status", "web")
	assert.ErrorIs(t, err, remote.ErrUnsupported)
	assert.Equal(t, exitUnsupported, exitCode(err))
}

func TestHosts_ListsInventory(t *testing.T) {
	out, err := runCLI(t, &fakeDialer{}, "hosts")
	require.NoError(t, err)
	assert.Contains(t, out, "dc1.example.com")
	assert.Contains(t, out, `CORP\administrator`)
	assert.Contains(t, out, "web1.example.com")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitGeneralError, exitCode(errors.New("boom")))
	assert.Equal(t, exitUnsupported, exitCode(fmt.Errorf("rdp: %w", remote.ErrUnsupported)))
}

func TestDescribe_AppendsRawOutput(t *testing.T) {
	err := remote.ParseError("nproc", "many", errors.New("not a number"))
	assert.Contains(t, describe(err), "output: many")
	assert.Equal(t, "boom", describe(errors.New("boom")))
}

func TestAwait_ReturnsSchedulingErrorWithoutWaiting(t *testing.T) {
	boom := errors.New("not connected")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v, err := await[int](nil, boom)(ctx)
	assert.Equal(t, boom, err)
	assert.Zero(t, v)
}

func TestSecret_PromptsOnce(t *testing.T) {
	calls := 0
	e := &env{prompt: func(string) (string, error) {
		calls++
		return "hunter2", nil
	}}
	for i := 0; i < 3; i++ {
		v, err := e.secret("Login password")
		require.NoError(t, err)
		assert.Equal(t, "hunter2", v)
	}
	assert.Equal(t, 1, calls)
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "0h 5m", formatUptime(5*time.Minute))
	assert.Equal(t, "1d 1h 1m", formatUptime(25*time.Hour+time.Minute+time.Second))
}
