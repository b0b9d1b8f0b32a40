package applog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesToRotatingFile(t *testing.T) {
	dir := t.TempDir()
	logger := New(dir, "demo", Config{Level: "info"})
	logger.Printf("[info] hello")
	require.NoError(t, Close(logger))

	b, err := os.ReadFile(filepath.Join(dir, "demo.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello")
}

func TestLevelFilterDropsBelowMinimum(t *testing.T) {
	dir := t.TempDir()
	logger := New(dir, "demo", Config{Level: "warn"})
	logger.Printf("[debug] should be dropped")
	logger.Printf("[error] should appear")
	require.NoError(t, Close(logger))

	b, err := os.ReadFile(filepath.Join(dir, "demo.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(b), "should be dropped")
	assert.Contains(t, string(b), "should appear")
}

func TestLevelFilterPassesUntaggedLines(t *testing.T) {
	dir := t.TempDir()
	logger := New(dir, "demo", Config{Level: "error"})
	logger.Printf("lifecycle: plain internal line")
	require.NoError(t, Close(logger))

	b, err := os.ReadFile(filepath.Join(dir, "demo.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "plain internal line")
}
