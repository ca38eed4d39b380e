package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, zerolog.DebugLevel)
	defer Init("test", false)

	Error("send failed", errors.New("boom"), "peer", "Kitchen-Staff", "bytes", 42)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "send failed", entry["message"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "Kitchen-Staff", entry["peer"])
	assert.EqualValues(t, 42, entry["bytes"])
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, zerolog.InfoLevel)
	defer Init("test", false)

	Debug("hidden")
	assert.Zero(t, buf.Len())

	Warn("odd", "dangling")
	assert.Contains(t, buf.String(), `"dangling":"<missing>"`)
}
