package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncHandlerWritesDailyFile(t *testing.T) {
	dir := t.TempDir()
	handler := NewAsyncHandler(dir, slog.LevelDebug)
	log := slog.New(handler).With("peer", "127.0.0.1:9999")

	log.Info("session created", "user", "admin")
	log.Debug("heartbeat received")
	require.NoError(t, handler.Close())

	data, err := os.ReadFile(filepath.Join(dir, time.Now().Format("2006-01-02")+".log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "session created")
	assert.Contains(t, string(data), "peer=127.0.0.1:9999")
	assert.Contains(t, string(data), "user=admin")
	assert.Contains(t, string(data), "heartbeat received")
}

func TestAsyncHandlerLevelFilter(t *testing.T) {
	handler := NewAsyncHandler("", slog.LevelInfo)
	defer handler.Close()

	assert.False(t, handler.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, handler.Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, handler.Enabled(context.Background(), LevelFatal))
}
