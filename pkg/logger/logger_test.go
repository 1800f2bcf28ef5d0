package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInit_FileOutput(t *testing.T) {
	prev := Log
	t.Cleanup(func() {
		Log = prev
		Sugar = prev.Sugar()
	})

	path := filepath.Join(t.TempDir(), "call.log")
	require.NoError(t, Init(&Config{Level: "debug", Format: "json", Output: "file", FilePath: path}))

	Info("call started", zap.String("call_id", "c1"))
	_ = Log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"call started"`)
	assert.Contains(t, string(data), `"call_id":"c1"`)
}

func TestInit_LevelFilters(t *testing.T) {
	prev := Log
	t.Cleanup(func() {
		Log = prev
		Sugar = prev.Sugar()
	})

	path := filepath.Join(t.TempDir(), "call.log")
	require.NoError(t, Init(&Config{Level: "warn", Format: "text", Output: "file", FilePath: path}))

	Info("dropped")
	Warn("kept")
	_ = Log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}
