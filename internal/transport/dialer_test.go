package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArthurPierce23/mtadmin/internal/config"
	"github.com/ArthurPierce23/mtadmin/internal/remote"
)

func TestSelect(t *testing.T) {
	tests := []struct {
		name string
		host remote.Host
		want remote.Backend
	}{
		{"linux", remote.Host{Name: "10.0.0.5", OS: remote.OSLinux}, remote.BackendSSH},
		{"windows", remote.Host{Name: "10.0.0.7", OS: remote.OSWindows}, remote.BackendWinRM},
		{"unknown os", remote.Host{Name: "10.0.0.9"}, remote.BackendSSH},
		{"override", remote.Host{Name: "dc1", OS: remote.OSWindows, Backend: remote.BackendPsExec}, remote.BackendPsExec},
		{"localhost", remote.Host{Name: "LocalHost", OS: remote.OSLinux}, remote.BackendLocal},
		{"loopback", remote.Host{Name: "127.0.0.1", OS: remote.OSWindows}, remote.BackendLocal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Select(tt.host))
		})
	}
}

func TestNewDialer_FromConfig(t *testing.T) {
	cfg, err := config.Parse("[timeouts]\nconnect_seconds = 3\n[winrm]\nhttps = true\n[psexec]\nflavor = \"sysinternals\"\n")
	require.NoError(t, err)

	d := NewDialer(cfg, nil)
	assert.Equal(t, 3*time.Second, d.ConnectTimeout)
	assert.Equal(t, cfg.CommandTimeout(), d.CommandTimeout)
	assert.Equal(t, 5986, d.WinRMPort)
	assert.True(t, d.WinRMHTTPS)
	assert.Equal(t, "sysinternals", d.PsExecFlavor)
	assert.Equal(t, 22, d.SSHPort)
}

func TestWinRMConfig_TimeoutCoversCommands(t *testing.T) {
	d := &Dialer{ConnectTimeout: 10 * time.Second, CommandTimeout: 5 * time.Minute, WinRMPort: 5985}
	cfg := d.winrmConfig(remote.Host{Name: "dc1"}, remote.Credentials{Username: "admin", Domain: "CORP"})

	assert.Greater(t, cfg.Timeout, d.CommandTimeout)
	assert.Greater(t, cfg.Timeout, d.ConnectTimeout)
	assert.Equal(t, 5985, cfg.Port)
	assert.Equal(t, `CORP\admin`, cfg.User)

	d.CommandTimeout = time.Second
	cfg = d.winrmConfig(remote.Host{Name: "dc1", Port: 15985}, remote.Credentials{})
	assert.Greater(t, cfg.Timeout, winrmPollWindow, "a silent receive poll must not time out")
	assert.Equal(t, 15985, cfg.Port)
}

func TestDial_Local(t *testing.T) {
	d := &Dialer{}
	tr, err := d.Dial(context.Background(), remote.Host{Name: "localhost"}, remote.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, remote.BackendLocal, tr.Kind())
}

func TestDial_SSHRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	d := &Dialer{ConnectTimeout: 2 * time.Second}
	host := remote.Host{Name: "127.0.0.1", OS: remote.OSLinux, Backend: remote.BackendSSH, Port: port}
	_, err = d.Dial(context.Background(), host, remote.Credentials{Username: "u", Password: "p"})
	assert.ErrorIs(t, err, remote.ErrConnectionFailed)
}

func TestDial_UnknownBackend(t *testing.T) {
	d := &Dialer{}
	_, err := d.Dial(context.Background(), remote.Host{Name: "h", Backend: "telnet"}, remote.Credentials{})
	assert.ErrorIs(t, err, remote.ErrConnectionFailed)
}
