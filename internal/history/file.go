package history

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/content"
	logx "github.com/brunovdl/whatsapp-devocional-rapberrypi/pkg/logx"
)

// fileStore persists the ledger as one JSON document, rewritten atomically
// (tmp + rename) on every Replace.
type fileStore struct {
	log  logx.Logger
	path string

	mu sync.Mutex
}

// document is the on-disk schema.
type document struct {
	UpdatedAt time.Time `json:"ultimaAtualizacao"`
	Messages  []Entry   `json:"mensagens"`
}

// legacyEntry is the oldest ledger schema: a bare array of {date, verse}
// strings. Encountered documents are migrated transparently on load.
type legacyEntry struct {
	Date  string `json:"date"`
	Verse string `json:"verse"`
}

func openFile(cfg StoreConfig, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("history.path is required for file driver")
	}
	if filepath.Ext(path) == "" {
		path += ".json"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) Load(ctx context.Context) ([]Entry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, nil
	}

	var doc document
	if err := json.Unmarshal(b, &doc); err == nil && doc.Messages != nil {
		return doc.Messages, nil
	}

	// Legacy array format: migrate and rewrite in the current schema.
	var legacy []legacyEntry
	if err := json.Unmarshal(b, &legacy); err != nil {
		return nil, errors.New("history document is neither current nor legacy format")
	}
	entries := migrateLegacy(legacy)
	s.log.Info("legacy history format detected; migrating",
		logx.Int("entries", len(entries)), logx.String("path", s.path))
	if err := s.writeLocked(entries); err != nil {
		// Migration rewrite is best-effort; the loaded entries are still usable.
		s.log.Warn("failed rewriting migrated history", logx.Err(err))
	}
	return entries, nil
}

func (s *fileStore) Replace(ctx context.Context, entries []Entry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(entries)
}

func (s *fileStore) writeLocked(entries []Entry) error {
	doc := document{UpdatedAt: time.Now(), Messages: entries}
	if doc.Messages == nil {
		doc.Messages = []Entry{}
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func migrateLegacy(legacy []legacyEntry) []Entry {
	entries := make([]Entry, 0, len(legacy))
	for _, it := range legacy {
		e := Entry{
			Date:       it.Date,
			Devotional: it.Verse,
			Timestamp:  time.Now(),
		}
		if v, ok := content.ExtractVerse(it.Verse); ok {
			e.Verse = v
		}
		entries = append(entries, e)
	}
	return entries
}
