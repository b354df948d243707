package wolfe

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextLogger(t *testing.T) {
	logger := slog.Default().With("component", "test")
	ctx := WithLogger(context.Background(), logger)

	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)

	_, ok = ContextLogger(context.Background())
	assert.False(t, ok)
}

func TestWithLoggerNilFallsBackToDefault(t *testing.T) {
	ctx := WithLogger(context.Background(), nil)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.NotNil(t, got)
}

func TestDiscordgoLoggerFunc(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(
		&buf,
		&slog.HandlerOptions{Level: slog.LevelDebug},
	)
	logFunc := discordgoLoggerFunc(context.Background(), handler)

	logFunc(discordgo.LogWarning, 0, "gateway %s\n", "reconnecting")
	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "gateway reconnecting")

	buf.Reset()
	// unknown levels degrade to info
	logFunc(99, 0, "odd event")
	assert.Contains(t, buf.String(), "level=INFO")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abcde", 2))
	assert.Equal(t, "héll", truncate("héllo", 4))
}
