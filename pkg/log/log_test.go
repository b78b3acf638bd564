package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("debug"))
	assert.Equal(t, ErrorLevel, ParseLevel("error"))
	assert.Equal(t, InfoLevel, ParseLevel("verbose"))
	assert.Equal(t, InfoLevel, ParseLevel(""))
}

func TestWithEngineJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	logger := WithEngine("heartbeat", 3)
	logger.Info().Msg("polled")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "heartbeat", line["component"])
	assert.Equal(t, float64(3), line["engine"])
	assert.Equal(t, "polled", line["message"])
}

func TestWithCommandJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	logger := WithCommand("fault", "PAUSE_ENGINE", "abc")
	logger.Debug().Msg("hidden")
	logger.Info().Msg("accepted")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "PAUSE_ENGINE", line["cmd"])
	assert.Equal(t, "abc", line["command_id"])
	assert.Equal(t, "accepted", line["message"])
}

func TestStdLogger(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	StdLogger("api").Print("http: TLS handshake error")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "api", line["component"])
	assert.Equal(t, "stdlog", line["source"])
}
