// Package files gives read-only access to the desktop shell's upload
// store: an index.json listing uploaded files next to the files
// themselves, stored as "<id>__<name>".
package files

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
)

const (
	// IndexFileName is the index the desktop shell maintains.
	IndexFileName = "index.json"

	DefaultMaxChars = 100_000

	// maxSniffSize bounds the files read as text without a known extension.
	maxSniffSize = 2_000_000
)

var textExtensions = map[string]bool{
	".txt":  true,
	".md":   true,
	".csv":  true,
	".log":  true,
	".json": true,
}

// FileInfo is one entry of the upload index.
type FileInfo struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	InContext bool      `json:"in_context"`
}

// Index is an in-memory copy of the upload index.
type Index struct {
	dir      string
	maxChars int
	logger   *slog.Logger

	mu    sync.RWMutex
	files map[string]FileInfo
	order []string

	watcher *fsnotify.Watcher
}

// Option configures an Index.
type Option func(*Index)

// WithMaxChars caps the characters returned per file.
func WithMaxChars(n int) Option {
	return func(i *Index) {
		if n > 0 {
			i.maxChars = n
		}
	}
}

// WithLogger sets the index logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Index) { i.logger = l }
}

// Open loads the index in dir. A missing index is an empty one.
func Open(dir string, opts ...Option) (*Index, error) {
	i := &Index{
		dir:      dir,
		maxChars: DefaultMaxChars,
		logger:   slog.Default(),
		files:    make(map[string]FileInfo),
	}
	for _, opt := range opts {
		opt(i)
	}
	if err := i.Reload(); err != nil {
		return nil, err
	}
	return i, nil
}

// Dir returns the uploads directory.
func (i *Index) Dir() string {
	return i.dir
}

// Reload reads index.json again.
func (i *Index) Reload() error {
	data, err := os.ReadFile(filepath.Join(i.dir, IndexFileName))
	if errors.Is(err, fs.ErrNotExist) {
		i.replace(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read upload index: %w", err)
	}

	var list []FileInfo
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("parse upload index: %w", err)
		}
	}
	i.replace(list)
	return nil
}

func (i *Index) replace(list []FileInfo) {
	files := make(map[string]FileInfo, len(list))
	order := make([]string, 0, len(list))
	for _, f := range list {
		if f.ID == "" {
			continue
		}
		if _, dup := files[f.ID]; !dup {
			order = append(order, f.ID)
		}
		files[f.ID] = f
	}

	i.mu.Lock()
	i.files = files
	i.order = order
	i.mu.Unlock()
}

// List returns the indexed files in index order.
func (i *Index) List() []FileInfo {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]FileInfo, 0, len(i.order))
	for _, id := range i.order {
		out = append(out, i.files[id])
	}
	return out
}

// Get returns the entry for id.
func (i *Index) Get(id string) (FileInfo, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	f, ok := i.files[id]
	return f, ok
}

// Summary returns the prompt block for file id: its name followed by its
// text, capped at the configured length. It reports false for unknown
// ids and for files that are not readable as text.
func (i *Index) Summary(id string) (string, bool) {
	f, ok := i.Get(id)
	if !ok {
		return "", false
	}
	text, ok := i.content(f)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("### %s\n%s", f.Filename, text), true
}

// Summaries resolves ids in order, skipping the ones Summary rejects.
func (i *Index) Summaries(ids []string) []string {
	var out []string
	for _, id := range ids {
		if s, ok := i.Summary(id); ok {
			out = append(out, s)
		}
	}
	return out
}

// InContext returns the summaries of every file marked in_context.
func (i *Index) InContext() []string {
	var out []string
	for _, f := range i.List() {
		if !f.InContext {
			continue
		}
		if s, ok := i.Summary(f.ID); ok {
			out = append(out, s)
		}
	}
	return out
}

// Text returns the readable text of file id.
func (i *Index) Text(id string) (string, bool) {
	f, ok := i.Get(id)
	if !ok {
		return "", false
	}
	return i.content(f)
}

func (i *Index) content(f FileInfo) (string, bool) {
	path, ok := i.locate(f)
	if !ok {
		i.logger.Debug("uploaded file missing on disk", "file_id", f.ID, "filename", f.Filename)
		return "", false
	}
	text, ok, err := readText(path)
	if err != nil {
		i.logger.Warn("read uploaded file", "file_id", f.ID, "error", err)
		return "", false
	}
	if !ok {
		return "", false
	}
	return truncate(text, i.maxChars), true
}

// locate finds the stored file, falling back to the "<id>__" prefix when
// the recorded path has moved.
func (i *Index) locate(f FileInfo) (string, bool) {
	if f.Path != "" {
		if _, err := os.Stat(f.Path); err == nil {
			return f.Path, true
		}
	}
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		return "", false
	}
	prefix := f.ID + "__"
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			return filepath.Join(i.dir, e.Name()), true
		}
	}
	return "", false
}

func readText(path string) (string, bool, error) {
	if textExtensions[strings.ToLower(filepath.Ext(path))] {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", false, err
		}
		return string(data), true, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", false, err
	}
	if info.Size() > maxSniffSize {
		return "", false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false, err
	}
	if !utf8.Valid(data) {
		return "", false, nil
	}
	return string(data), true, nil
}

func truncate(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	n := 0
	for idx := range s {
		if n == maxChars {
			return s[:idx]
		}
		n++
	}
	return s
}

// Watch reloads the index whenever the shell rewrites it, until ctx is
// done or Close is called.
func (i *Index) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create upload watcher: %w", err)
	}
	// The shell replaces the index by renaming a temp file, so the
	// directory is watched rather than the file.
	if err := watcher.Add(i.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", i.dir, err)
	}

	i.mu.Lock()
	i.watcher = watcher
	i.mu.Unlock()

	go i.watchLoop(ctx, watcher)
	return nil
}

func (i *Index) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			watcher.Close()
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != IndexFileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if err := i.Reload(); err != nil {
				i.logger.Warn("reload upload index", "error", err)
				continue
			}
			i.logger.Debug("upload index reloaded", "op", event.Op.String(), "files", len(i.List()))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			i.logger.Warn("upload watcher error", "error", err)
		}
	}
}

// Close stops the watcher, if any.
func (i *Index) Close() error {
	i.mu.Lock()
	w := i.watcher
	i.watcher = nil
	i.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}

// Match is one search hit.
type Match struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	Line     int    `json:"line,omitempty"`
	Snippet  string `json:"snippet"`
}

// Search looks for query, case-insensitively, in file names and in the
// text of every readable file. At most limit matches are returned.
func (i *Index) Search(query string, limit int) []Match {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	if limit <= 0 {
		limit = 20
	}

	var out []Match
	for _, f := range i.List() {
		if strings.Contains(strings.ToLower(f.Filename), q) {
			out = append(out, Match{FileID: f.ID, Filename: f.Filename, Snippet: f.Filename})
			if len(out) >= limit {
				return out
			}
		}
		text, ok := i.content(f)
		if !ok {
			continue
		}
		for n, line := range strings.Split(text, "\n") {
			if strings.Contains(strings.ToLower(line), q) {
				out = append(out, Match{FileID: f.ID, Filename: f.Filename, Line: n + 1, Snippet: strings.TrimSpace(line)})
				if len(out) >= limit {
					return out
				}
			}
		}
	}
	return out
}
