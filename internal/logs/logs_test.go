package logs

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerFieldsAndSource(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelDebug, JSONFormat).WithFields(map[string]interface{}{"shard": 3})

	logger.Info(context.Background(), "session accepted", "dispatcher.key", "order-1")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "session accepted", line["msg"])
	assert.Equal(t, "order-1", line["dispatcher.key"])
	assert.EqualValues(t, 3, line["shard"])
	assert.Contains(t, line["source"], "logs_test.go")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelWarn, TextFormat)

	logger.Debug(context.Background(), "hidden")
	logger.Info(context.Background(), "hidden too")
	assert.Zero(t, buf.Len())

	logger.Warn(context.Background(), "visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}
