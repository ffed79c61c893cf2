package files

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeIndex(t *testing.T, dir string, list []FileInfo) {
	t.Helper()
	data, err := json.MarshalIndent(list, "", "  ")
	require.NoError(t, err)
	tmp := filepath.Join(dir, "index.json.tmp")
	require.NoError(t, os.WriteFile(tmp, data, 0o600))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, IndexFileName)))
}

func store(t *testing.T, dir, id, name, content string) FileInfo {
	t.Helper()
	path := filepath.Join(dir, id+"__"+name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return FileInfo{
		ID:        id,
		Filename:  name,
		Path:      path,
		Size:      int64(len(content)),
		CreatedAt: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestOpenMissingIndex(t *testing.T) {
	idx, err := Open(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, idx.List())
	assert.Empty(t, idx.InContext())
}

func TestOpenInvalidIndex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFileName), []byte("{not json"), 0o600))
	_, err := Open(dir)
	assert.ErrorContains(t, err, "parse upload index")
}

func TestSummaryAndInContext(t *testing.T) {
	dir := t.TempDir()
	notes := store(t, dir, "f1", "notes.md", "# Q3 plan\nShip the sidecar.")
	notes.InContext = true
	budget := store(t, dir, "f2", "budget.csv", "item,cost\nlaptop,1200")
	writeIndex(t, dir, []FileInfo{notes, budget})

	idx, err := Open(dir)
	require.NoError(t, err)

	s, ok := idx.Summary("f2")
	require.True(t, ok)
	assert.Equal(t, "### budget.csv\nitem,cost\nlaptop,1200", s)

	_, ok = idx.Summary("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"### notes.md\n# Q3 plan\nShip the sidecar."}, idx.InContext())
	assert.Len(t, idx.Summaries([]string{"f2", "nope", "f1"}), 2)
}

func TestLocateFallsBackToPrefix(t *testing.T) {
	dir := t.TempDir()
	f := store(t, dir, "f3", "todo.txt", "call the dentist")
	f.Path = "/moved/elsewhere/todo.txt"
	writeIndex(t, dir, []FileInfo{f})

	idx, err := Open(dir)
	require.NoError(t, err)
	text, ok := idx.Text("f3")
	require.True(t, ok)
	assert.Equal(t, "call the dentist", text)
}

func TestReadTextRules(t *testing.T) {
	dir := t.TempDir()
	plain := store(t, dir, "a", "config.ini", "key=value")
	binary := store(t, dir, "b", "photo.jpg", string([]byte{0xff, 0xd8, 0xff, 0xe0, 0x00}))
	writeIndex(t, dir, []FileInfo{plain, binary})

	idx, err := Open(dir)
	require.NoError(t, err)

	_, ok := idx.Text("a")
	assert.True(t, ok, "small UTF-8 file without a text extension is readable")
	_, ok = idx.Text("b")
	assert.False(t, ok, "invalid UTF-8 is skipped")
}

func TestMaxChars(t *testing.T) {
	dir := t.TempDir()
	f := store(t, dir, "long", "essay.txt", "héllo wörld")
	writeIndex(t, dir, []FileInfo{f})

	idx, err := Open(dir, WithMaxChars(5))
	require.NoError(t, err)
	text, ok := idx.Text("long")
	require.True(t, ok)
	assert.Equal(t, "héllo", text)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "日本", truncate("日本語", 2))
	assert.Equal(t, "abc", truncate("abc", 0))
}

func TestSearch(t *testing.T) {
	dir := t.TempDir()
	a := store(t, dir, "a", "meeting-notes.md", "Agenda\nBudget review with Dana\nNext steps")
	b := store(t, dir, "b", "budget.csv", "item,cost")
	writeIndex(t, dir, []FileInfo{a, b})

	idx, err := Open(dir)
	require.NoError(t, err)

	matches := idx.Search("BUDGET", 0)
	require.Len(t, matches, 2)
	assert.Equal(t, Match{FileID: "a", Filename: "meeting-notes.md", Line: 2, Snippet: "Budget review with Dana"}, matches[0])
	assert.Equal(t, "budget.csv", matches[1].Filename)
	assert.Zero(t, matches[1].Line)

	assert.Len(t, idx.Search("budget", 1), 1)
	assert.Nil(t, idx.Search("  ", 5))
}

func TestSearchTool(t *testing.T) {
	dir := t.TempDir()
	writeIndex(t, dir, []FileInfo{store(t, dir, "a", "trip.txt", "Flight to Lisbon on Friday")})
	idx, err := Open(dir)
	require.NoError(t, err)

	tool := NewSearchTool(idx, 10)
	assert.Equal(t, SearchToolName, tool.Definition().Name)

	out, err := tool.Execute(context.Background(), map[string]interface{}{"query": "lisbon"})
	require.NoError(t, err)
	assert.Contains(t, out, `"snippet":"Flight to Lisbon on Friday"`)

	out, err = tool.Execute(context.Background(), map[string]interface{}{"query": "Tokyo"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "No uploaded file mentions"))

	_, err = tool.Execute(context.Background(), map[string]interface{}{})
	assert.Error(t, err)
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	writeIndex(t, dir, nil)
	idx, err := Open(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, idx.Watch(ctx))
	defer idx.Close()

	f := store(t, dir, "new", "added.txt", "fresh upload")
	writeIndex(t, dir, []FileInfo{f})

	require.Eventually(t, func() bool {
		_, ok := idx.Get("new")
		return ok
	}, 5*time.Second, 20*time.Millisecond)
}
