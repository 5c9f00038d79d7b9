package log

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLogging(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "openplay.log")

	cfg := &LogCfg{
		LogPath:      logPath,
		LevelName:    "debug",
		FileAppender: true,
	}
	require.NoError(t, Initialize(cfg))
	assert.Equal(t, DebugLevel, cfg.LogLevel)

	testMessage := "this is a test message"
	Info().Str("module", "Inet").Msg(testMessage)
	Close()
	require.NoError(t, Initialize(nil))

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	out := string(content)
	assert.Contains(t, out, testMessage)
	assert.Contains(t, out, `"level":"info"`)
	assert.Contains(t, out, `"module":"Inet"`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithAppenders(&LogCfg{LogLevel: WarnLevel}, NewWriterAppender(&buf))

	l.Info().Msg("dropped")
	l.Warn().Msg("kept")
	l.Fatal().Msg("still running")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
	assert.Contains(t, out, "still running")
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithAppenders(&LogCfg{LogLevel: DebugLevel}, NewWriterAppender(&buf)).With("registry")
	l.Debug().Msg("bound")
	assert.True(t, strings.Contains(buf.String(), `"component":"registry"`))
}

func TestLogCfgValidate(t *testing.T) {
	t.Run("NoAppender", func(t *testing.T) {
		cfg := &LogCfg{LogLevel: InfoLevel}
		assert.Error(t, cfg.Validate())
	})
	t.Run("FileWithoutPath", func(t *testing.T) {
		cfg := &LogCfg{FileAppender: true}
		assert.Error(t, cfg.Validate())
	})
	t.Run("DefaultsToInfo", func(t *testing.T) {
		cfg := &LogCfg{ConsoleAppender: true}
		require.NoError(t, cfg.Validate())
		assert.Equal(t, InfoLevel, cfg.LogLevel)
	})
	t.Run("ParseLevel", func(t *testing.T) {
		assert.Equal(t, TraceLevel, ParseLevel("trace"))
		assert.Equal(t, ErrorLevel, ParseLevel("ERROR"))
		assert.Equal(t, InfoLevel, ParseLevel("bogus"))
		assert.Equal(t, "WARN", WarnLevel.String())
	})
}
