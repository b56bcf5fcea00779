package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSlog(t *testing.T) {
	var buf bytes.Buffer
	log := Slog(zerolog.New(&buf).Level(zerolog.InfoLevel)).With(slog.String("worker_id", "w1"))

	log.Debug("claimed task")
	require.Zero(t, buf.Len(), "debug is below the zerolog level")

	log.Error("task failed",
		slog.String("task_id", "t1"),
		slog.Int("retry_count", 2),
		slog.Duration("duration", 1500*time.Millisecond),
		slog.Any("error", errors.New("boom")),
		slog.Group("queue", slog.String("name", "default")),
	)

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Equal(t, "error", got["level"])
	require.Equal(t, "task failed", got["message"])
	require.Equal(t, "w1", got["worker_id"])
	require.Equal(t, "t1", got["task_id"])
	require.EqualValues(t, 2, got["retry_count"])
	require.EqualValues(t, 1500, got["duration"])
	require.Equal(t, "boom", got["error"])
	require.Equal(t, "default", got["queue.name"])
}

func TestSlog_group(t *testing.T) {
	var buf bytes.Buffer
	Slog(zerolog.New(&buf)).WithGroup("task").Warn("moved to dead letter queue", slog.String("id", "t1"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Equal(t, "warn", got["level"])
	require.Equal(t, "t1", got["task.id"])
}
