package winrm

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArthurPierce23/mtadmin/internal/remote"
)

func TestNewConnection_PortDefaults(t *testing.T) {
	assert.Equal(t, 5985, NewConnection(Config{Host: "h"}).cfg.Port)
	assert.Equal(t, 5986, NewConnection(Config{Host: "h", HTTPS: true}).cfg.Port)
	assert.Equal(t, 8080, NewConnection(Config{Host: "h", Port: 8080}).cfg.Port)
}

func TestExecute_NotConnected(t *testing.T) {
	c := NewConnection(Config{Host: "h"})
	_, err := c.Execute(context.Background(), "hostname", remote.Options{})
	assert.ErrorIs(t, err, remote.ErrConnectionFailed)
}

func TestDial_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := NewConnection(Config{Host: "127.0.0.1", Port: port, User: "administrator", Password: "x", Timeout: 2 * time.Second})
	err = c.Dial(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrConnectionFailed)
}

func TestClose_WithoutDial(t *testing.T) {
	c := NewConnection(Config{Host: "h"})
	assert.NoError(t, c.Close())
	assert.Equal(t, remote.BackendWinRM, c.Kind())
}

func TestNormalizeNewlines(t *testing.T) {
	assert.Equal(t, "a\nb\n", normalizeNewlines("a\r\nb\r\n"))
}
