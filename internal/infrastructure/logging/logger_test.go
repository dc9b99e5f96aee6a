package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	return record
}

func TestLogger_StampsContextValues(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Format: "json", Output: &buf, ServiceName: "farmlink-realtime", Environment: "test"})

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithUserID(ctx, "1029")
	ctx = WithConnectionID(ctx, "conn-1")
	logger.InfoContext(ctx, "websocket connection established")

	record := decodeRecord(t, &buf)
	assert.Equal(t, "req-1", record["request_id"])
	assert.Equal(t, "1029", record["user_id"])
	assert.Equal(t, "conn-1", record["connection_id"])
	assert.Equal(t, "farmlink-realtime", record["service"])
	assert.Equal(t, "test", record["environment"])
}

func TestLogger_OmitsMissingContextValues(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Format: "json", Output: &buf})

	logger.InfoContext(context.Background(), "no identity")

	record := decodeRecord(t, &buf)
	assert.NotContains(t, record, "request_id")
	assert.NotContains(t, record, "user_id")
	assert.NotContains(t, record, "connection_id")
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(Config{Format: "json", Output: &buf})

	ctx := WithConnectionID(context.Background(), "conn-2")
	LoggerFromContext(ctx, base).Info("dropped")

	record := decodeRecord(t, &buf)
	assert.Equal(t, "conn-2", record["connection_id"])
	assert.NotContains(t, record, "user_id")

	assert.Same(t, base, LoggerFromContext(context.Background(), base))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
