package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{" warn ", WARN},
		{"error", ERROR},
		{"bogus", INFO},
		{"", INFO},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestInfoCF_WritesComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, true)
	SetLevel(INFO)
	t.Cleanup(func() { SetOutput(os.Stderr, false) })

	InfoCF("broker", "Request received", map[string]any{"method": "eth_accounts"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "broker", entry["component"])
	assert.Equal(t, "eth_accounts", entry["method"])
	assert.Equal(t, "Request received", entry["message"])
	assert.Equal(t, "info", entry["level"])
}

func TestLevelFiltersLowerMessages(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, true)
	SetLevel(WARN)
	t.Cleanup(func() {
		SetOutput(os.Stderr, false)
		SetLevel(INFO)
	})

	DebugC("broker", "hidden")
	InfoC("broker", "hidden too")
	WarnC("broker", "shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}
