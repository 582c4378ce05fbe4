package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newBufferLogger() (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return New(slog.New(h)), &buf
}

func TestDebugLevelFiltering(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level int
		typ   Type
		want  bool
	}{
		{0, Status, true},
		{0, Error, true},
		{0, DebugWarning, false},
		{1, DebugWarning, true},
		{1, DebugInfo, false},
		{2, DebugInfo, true},
		{3, DebugVerbose, true},
		{3, DebugDebug, false},
		{4, DebugDebug, true},
		{4, Listing, false},
	}
	for _, tt := range tests {
		l := Discard()
		l.SetDebugLevel(tt.level)
		assert.Equal(t, tt.want, l.Enabled(tt.typ), "level %d type %s", tt.level, tt.typ)
	}
}

func TestLogAddsType(t *testing.T) {
	t.Parallel()
	l, buf := newBufferLogger()
	l.Log(Command, "sending", "cmd", "CWD /a")
	out := buf.String()
	assert.Contains(t, out, "type=command")
	assert.Contains(t, out, `cmd="CWD /a"`)
	assert.Contains(t, out, "level=INFO")

	buf.Reset()
	l.Log(DebugDebug, "hidden")
	assert.Empty(t, buf.String())

	l.SetRawListing(true)
	l.Log(Listing, "drwxr-xr-x 2 user group 4096 Jan 1 00:00 dir")
	assert.True(t, strings.Contains(buf.String(), "type=listing"))
}

func TestMaskCommand(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "PASS ******", MaskCommand("PASS secret"))
	assert.Equal(t, "pass ***", MaskCommand("pass abc"))
	assert.Equal(t, "USER bob", MaskCommand("USER bob"))
}

func TestAsyncHandlerFlushesOnClose(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewAsyncHandler(slog.NewTextHandler(&buf, nil), 16)
	logger := slog.New(h).With("conn", 1)
	logger.Info("one")
	logger.Info("two")
	h.Close()

	out := buf.String()
	assert.Contains(t, out, "msg=one")
	assert.Contains(t, out, "msg=two")
	assert.Contains(t, out, "conn=1")
	assert.Equal(t, int64(0), h.Dropped())
}
