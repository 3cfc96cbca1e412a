package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var entries []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var m map[string]any
		require.NoError(t, dec.Decode(&m))
		entries = append(entries, m)
	}

	return entries
}

func TestZerologLogger(t *testing.T) {
	t.Run("writes service, message and fields", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewWriterLogger(&buf, "turnserver", zerolog.DebugLevel)

		l.Info("game created", Field{Key: "game_id", Value: "g1"}, Field{Key: "slots", Value: 2})

		entries := decodeLines(t, &buf)
		require.Len(t, entries, 1)
		assert.Equal(t, "turnserver", entries[0]["service"])
		assert.Equal(t, "info", entries[0]["level"])
		assert.Equal(t, "game created", entries[0]["message"])
		assert.Equal(t, "g1", entries[0]["game_id"])
		assert.Equal(t, float64(2), entries[0]["slots"])
		assert.Contains(t, entries[0], "time")
	})

	t.Run("filters below level", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewWriterLogger(&buf, "turnserver", zerolog.WarnLevel)

		l.Debug("hidden")
		l.Info("hidden")
		l.Warn("shown")
		l.Error("shown")

		assert.Len(t, decodeLines(t, &buf), 2)
	})

	t.Run("with adds fields without touching parent", func(t *testing.T) {
		var buf bytes.Buffer
		parent := NewWriterLogger(&buf, "turnserver", zerolog.InfoLevel)
		child := parent.With(Field{Key: "component", Value: "registry"})

		child.Info("child")
		parent.Info("parent")

		entries := decodeLines(t, &buf)
		require.Len(t, entries, 2)
		assert.Equal(t, "registry", entries[0]["component"])
		assert.NotContains(t, entries[1], "component")
	})

	t.Run("errors are rendered as strings", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewWriterLogger(&buf, "turnserver", zerolog.InfoLevel)

		l.Error("failed", Field{Key: "error", Value: errors.New("boom")})

		entries := decodeLines(t, &buf)
		require.Len(t, entries, 1)
		assert.Equal(t, "boom", entries[0]["error"])
	})
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace": zerolog.TraceLevel,
		"DEBUG": zerolog.DebugLevel,
		"":      zerolog.InfoLevel,
		"info":  zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
	}

	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	l.Info("nothing")
	assert.NotNil(t, l.With(Field{Key: "k", Value: "v"}))
	assert.NoError(t, l.Close())
}

func TestZerologFileLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	l, err := NewZerologFileLogger("turnserver", dir, zerolog.InfoLevel)
	require.NoError(t, err)

	l.Info("to file")
	require.NoError(t, l.Close())
	assert.NoError(t, l.Close())

	data, err := os.ReadFile(filepath.Join(dir, "turnserver_"+time.Now().Format(dateLayout)+".log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestDailyFileWriter(t *testing.T) {
	t.Run("rotates on date change", func(t *testing.T) {
		dir := t.TempDir()
		now := time.Date(2024, 1, 1, 23, 59, 0, 0, time.UTC)
		w, err := newDailyFileWriter("svc", dir, func() time.Time { return now })
		require.NoError(t, err)
		defer w.Close()

		_, err = w.Write([]byte("day one\n"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "svc_2024-01-01.log"), w.CurrentLogFile())

		now = now.Add(2 * time.Minute)
		_, err = w.Write([]byte("day two\n"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "svc_2024-01-02.log"), w.CurrentLogFile())

		first, err := os.ReadFile(filepath.Join(dir, "svc_2024-01-01.log"))
		require.NoError(t, err)
		assert.Equal(t, "day one\n", string(first))
	})

	t.Run("write after close fails", func(t *testing.T) {
		w, err := NewDailyFileWriter("svc", t.TempDir())
		require.NoError(t, err)
		require.NoError(t, w.Close())

		_, err = w.Write([]byte("late"))
		assert.Error(t, err)
		assert.Empty(t, w.CurrentLogFile())
	})
}
