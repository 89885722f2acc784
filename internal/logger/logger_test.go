package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerWritesToWriter(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLogger(WithQuiet(), WithWriter(&buf))
	lg.Info("test started", "path", "G.a")
	require.Contains(t, buf.String(), "test started")
	require.Contains(t, buf.String(), "G.a")
}

func TestLoggerDebugLevel(t *testing.T) {
	var buf bytes.Buffer

	lg := NewLogger(WithQuiet(), WithWriter(&buf))
	lg.Debug("hidden")
	require.Empty(t, buf.String())

	lg = NewLogger(WithQuiet(), WithWriter(&buf), WithDebug())
	lg.Debug("shown")
	require.Contains(t, buf.String(), "shown")
}

func TestLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLogger(WithQuiet(), WithWriter(&buf), WithFormat("json"))
	lg.Info("hello")
	require.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLogger(WithQuiet(), WithWriter(&buf))

	ctx := WithLogger(context.Background(), lg)
	Info(ctx, "from context")
	require.Contains(t, buf.String(), "from context")

	ctx = WithValues(ctx, "invocation", "abc")
	Info(ctx, "tagged")
	require.Contains(t, buf.String(), "abc")
}
