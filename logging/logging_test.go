package logging_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DragonOS-Community/go-kprobe/logging"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want logging.Level
		err  bool
	}{
		{in: "trace", want: logging.LevelTrace},
		{in: "debug", want: logging.LevelDebug},
		{in: "info", want: logging.LevelInfo},
		{in: "warn", want: logging.LevelWarn},
		{in: "warning", want: logging.LevelWarn},
		{in: "error", want: logging.LevelError},
		{in: "ERROR", want: logging.LevelError},
		{in: " info ", want: logging.LevelInfo},
		{in: "verbose", err: true},
		{in: "", err: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := logging.ParseLevel(tt.in)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSpec(t *testing.T) {
	t.Run("empty means info", func(t *testing.T) {
		spec, err := logging.ParseSpec("")
		require.NoError(t, err)
		assert.Equal(t, logging.LevelInfo, spec.Default)
		assert.Empty(t, spec.Components)
	})

	t.Run("bare level sets default", func(t *testing.T) {
		spec, err := logging.ParseSpec("warn")
		require.NoError(t, err)
		assert.Equal(t, logging.LevelWarn, spec.Default)
	})

	t.Run("component overrides", func(t *testing.T) {
		spec, err := logging.ParseSpec("warn,manager=debug,dispatch=trace")
		require.NoError(t, err)
		assert.Equal(t, logging.LevelWarn, spec.Default)
		assert.Equal(t, logging.LevelDebug, spec.LevelFor("manager"))
		assert.Equal(t, logging.LevelTrace, spec.LevelFor("dispatch"))
		assert.Equal(t, logging.LevelWarn, spec.LevelFor("other"))
	})

	t.Run("bad level rejected", func(t *testing.T) {
		_, err := logging.ParseSpec("manager=loud")
		require.Error(t, err)
	})
}

func TestFilteringHandlerEnabled(t *testing.T) {
	spec, err := logging.ParseSpec("warn,manager=debug,dispatch=trace")
	require.NoError(t, err)

	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: logging.LevelTrace.ToSlog()})
	handler := logging.NewFilteringHandler(inner, &spec)

	ctx := context.Background()

	// No component: the default level applies.
	assert.False(t, handler.Enabled(ctx, slog.LevelInfo))
	assert.True(t, handler.Enabled(ctx, slog.LevelWarn))

	mgr := handler.WithAttrs([]slog.Attr{slog.String("component", "manager")})
	assert.True(t, mgr.Enabled(ctx, slog.LevelDebug))
	assert.False(t, mgr.Enabled(ctx, logging.LevelTrace.ToSlog()))

	disp := handler.WithAttrs([]slog.Attr{slog.String("component", "dispatch")})
	assert.True(t, disp.Enabled(ctx, logging.LevelTrace.ToSlog()))
}

func TestFilteringThroughLogger(t *testing.T) {
	spec, err := logging.ParseSpec("warn,manager=debug")
	require.NoError(t, err)

	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: logging.LevelTrace.ToSlog()})
	logger := slog.New(logging.NewFilteringHandler(inner, &spec))

	logger.Info("dropped by default level")
	logger.With("component", "manager").Debug("kept for manager")
	logger.With("component", "dispatch").Debug("dropped for dispatch")

	out := buf.String()
	assert.NotContains(t, out, "dropped by default level")
	assert.Contains(t, out, "kept for manager")
	assert.NotContains(t, out, "dropped for dispatch")
}

func TestNewSpecPrecedence(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{
		EnvSpec: "error",
		CLISpec: "debug",
		Output:  &buf,
	})
	require.NoError(t, err)

	// The command line wins over the environment.
	logger.Debug("visible under cli spec")
	assert.Contains(t, buf.String(), "visible under cli spec")
}

func TestNewRejectsBadSpec(t *testing.T) {
	_, err := logging.New(logging.Options{CLISpec: "manager="})
	require.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]logging.Format{
		"":     logging.FormatText,
		"text": logging.FormatText,
		"json": logging.FormatJSON,
		"JSON": logging.FormatJSON,
	} {
		got, err := logging.ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := logging.ParseFormat("xml")
	require.Error(t, err)
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{
		Format: logging.FormatJSON,
		Output: &buf,
	})
	require.NoError(t, err)

	logger.Info("hello")
	line := strings.TrimSpace(buf.String())
	assert.True(t, strings.HasPrefix(line, "{"), "json output: %s", line)
	assert.Contains(t, line, `"msg":"hello"`)
}
