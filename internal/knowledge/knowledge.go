// Package knowledge concatenates the operator-maintained source material the
// generator draws verses and reflections from. Plain text is read as-is;
// JSON and CSV files are flattened to their textual values.
package knowledge

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "github.com/brunovdl/whatsapp-devocional-rapberrypi/pkg/logx"
)

// Reader loads every supported file under dir, caching the combined text
// until a file changes, appears or is removed.
type Reader struct {
	dir string
	log logx.Logger

	mu          sync.Mutex
	cache       string
	cached      bool
	cachedFiles []string
	cachedAt    time.Time
}

func NewReader(dir string, log logx.Logger) (*Reader, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "./BaseConhecimento"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reader{dir: dir, log: log.With(logx.String("component", "knowledge"))}, nil
}

var supportedExts = map[string]bool{
	".txt":  true,
	".md":   true,
	".json": true,
	".csv":  true,
}

// Content returns the combined knowledge base text. A missing or empty
// directory yields an empty string, not an error.
func (r *Reader) Content(ctx context.Context) (string, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	files, err := r.files()
	if err != nil {
		return "", err
	}
	if r.cached && !r.staleLocked(files) {
		return r.cache, nil
	}

	var parts []string
	for _, path := range files {
		text, err := readFile(path)
		if err != nil {
			r.log.Warn("skipping unreadable knowledge file",
				logx.String("file", filepath.Base(path)), logx.Err(err))
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
	}

	r.cache = strings.Join(parts, "\n\n")
	r.cached = true
	r.cachedFiles = files
	r.cachedAt = time.Now()
	r.log.Info("knowledge base loaded",
		logx.Int("files", len(files)), logx.Int("bytes", len(r.cache)))
	return r.cache, nil
}

func (r *Reader) files() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if supportedExts[strings.ToLower(filepath.Ext(e.Name()))] {
			out = append(out, filepath.Join(r.dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// staleLocked compares the sorted file list against the one the cache was
// built from, so removed files invalidate just like edited ones.
func (r *Reader) staleLocked(files []string) bool {
	if len(files) != len(r.cachedFiles) {
		return true
	}
	for i, path := range files {
		if path != r.cachedFiles[i] {
			return true
		}
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(r.cachedAt) {
			return true
		}
	}
	return false
}

func readFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			return "", err
		}
		return flattenJSON(v), nil
	case ".csv":
		return flattenCSV(b)
	default:
		return string(b), nil
	}
}

// flattenJSON collects every string value, depth first.
func flattenJSON(v any) string {
	var parts []string
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				parts = append(parts, s)
			}
		case []any:
			for _, item := range t {
				walk(item)
			}
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(t[k])
			}
		}
	}
	walk(v)
	return strings.Join(parts, "\n")
}

func flattenCSV(b []byte) (string, error) {
	reader := csv.NewReader(strings.NewReader(string(b)))
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return "", err
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, strings.Join(row, " "))
	}
	return strings.Join(lines, "\n"), nil
}
