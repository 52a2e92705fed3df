package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readCategoryLog(t *testing.T, dir string, cat Category) string {
	t.Helper()
	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, date+"_"+string(cat)+".log"))
	require.NoError(t, err)
	return string(data)
}

func TestInitialize_RequiresDir(t *testing.T) {
	assert.Error(t, Initialize("", Options{DebugMode: true}))
}

func TestDisabledDebugModeWritesNothing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, Initialize(dir, Options{DebugMode: false}))
	t.Cleanup(CloseAll)

	Agents("should not be written")

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "logs dir must not be created in production mode")
	assert.False(t, IsCategoryEnabled(CategoryAgents))
}

func TestCategoryFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Options{DebugMode: true, Level: "debug"}))
	t.Cleanup(CloseAll)

	Agents("invoking %s", "writer")
	StoreDebug("wrote %d bytes", 42)
	CloseAll()

	assert.Contains(t, readCategoryLog(t, dir, CategoryAgents), "invoking writer")
	assert.Contains(t, readCategoryLog(t, dir, CategoryStore), "wrote 42 bytes")
}

func TestCategoryFilter(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Options{
		DebugMode:  true,
		Categories: map[string]bool{"expand": false},
	}))
	t.Cleanup(CloseAll)

	assert.False(t, IsCategoryEnabled(CategoryExpand))
	assert.True(t, IsCategoryEnabled(CategoryAgents), "unlisted categories default to enabled")

	ExpandWarn("dropped")
	date := time.Now().Format("2006-01-02")
	_, err := os.Stat(filepath.Join(dir, date+"_expand.log"))
	assert.True(t, os.IsNotExist(err))
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Options{DebugMode: true, Level: "warn"}))
	t.Cleanup(CloseAll)

	AgentsDebug("debug line")
	Agents("info line")
	AgentsWarn("warn line")
	CloseAll()

	content := readCategoryLog(t, dir, CategoryAgents)
	assert.NotContains(t, content, "debug line")
	assert.NotContains(t, content, "info line")
	assert.Contains(t, content, "warn line")
}

func TestJSONFormat(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Options{DebugMode: true, JSONFormat: true}))
	t.Cleanup(CloseAll)

	Get(CategoryLibrarian).With("fragment", "pr-1").Info("analysis saved")
	CloseAll()

	content := readCategoryLog(t, dir, CategoryLibrarian)
	line := strings.TrimSpace(strings.Split(content, "\n")[0])
	assert.True(t, strings.HasPrefix(line, "{"), "expected JSON line, got %q", line)
	assert.Contains(t, content, `"fragment":"pr-1"`)
	assert.Contains(t, content, `"msg":"analysis saved"`)
}

func TestTimer(t *testing.T) {
	timer := StartTimer(CategoryBlocks, "compile")
	elapsed := timer.StopWithThreshold(time.Hour)
	assert.GreaterOrEqual(t, elapsed, time.Duration(0))
}
