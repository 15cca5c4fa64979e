package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	l.Debug("should not appear")
	l.Info("should not appear either")
	require.Empty(t, buf.String())

	l.Warn("heads up")
	require.Contains(t, buf.String(), "[WARN] heads up")
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LevelDebug, Output: &buf})
	tagged := l.With("part_id", 3, "tid", 7, "cid", 11)

	tagged.Info("locked write set")

	line := buf.String()
	require.True(t, strings.Contains(line, "part_id=3"))
	require.True(t, strings.Contains(line, "tid=7"))
	require.True(t, strings.Contains(line, "cid=11"))
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, LevelDebug, ParseLevel("debug"))
	require.Equal(t, LevelWarn, ParseLevel("WARNING"))
	require.Equal(t, LevelError, ParseLevel("error"))
	require.Equal(t, LevelInfo, ParseLevel("nonsense"))
}
