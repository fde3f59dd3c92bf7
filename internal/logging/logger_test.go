package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSyslogLogger_WritesRFC5424(t *testing.T) {
	var buf bytes.Buffer
	l := New("mtadmin", &buf, LevelDebug)

	l.Info("session opened", map[string]string{"host": "web1"})

	line := buf.String()
	assert.True(t, strings.HasPrefix(line, "<14>1 "), "user facility + info severity, got %q", line)
	assert.Contains(t, line, "mtadmin")
	assert.Contains(t, line, `host="web1"`)
	assert.Contains(t, line, "session opened")
}

func TestSyslogLogger_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New("mtadmin", &buf, LevelWarn)

	l.Debug("noise", nil)
	l.Info("noise", nil)
	assert.Empty(t, buf.String())

	l.Error("boom", nil)
	assert.Contains(t, buf.String(), "boom")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelInfo, ParseLevel(""))
}

func TestWith_DoesNotMutate(t *testing.T) {
	base := Host("web1")
	out := With(base, "op", "connect")

	assert.Len(t, base, 1)
	assert.Equal(t, "connect", out["op"])
	assert.Equal(t, "web1", out["host"])
}
