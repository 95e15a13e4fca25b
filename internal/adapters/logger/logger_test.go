package logger

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"warning", LevelWarn},
		{" Error ", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestSlogLogger_LevelFilteringAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, LevelInfo)
	ctx := context.Background()

	l.Debug(ctx, "hidden")
	assert.Empty(t, buf.String())

	l.Info(ctx, "Entry: order placed", map[string]interface{}{"symbol": "BTCUSDT", "attempts": 1})
	out := buf.String()
	assert.Contains(t, out, "Entry: order placed")
	assert.Contains(t, out, "symbol=BTCUSDT")
	assert.Contains(t, out, "attempts=1")

	buf.Reset()
	l.Error(ctx, errors.New("boom"), "Exit failed")
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "error=boom")
}
