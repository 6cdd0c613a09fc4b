package history

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/content"
	logx "github.com/brunovdl/whatsapp-devocional-rapberrypi/pkg/logx"
)

// Entry is one send recorded in the ledger. Entries are append-only; after a
// run completes only the two counters (and the flagged bit) are rewritten.
type Entry struct {
	Date       string        `json:"data"` // day key, "2006-01-02"
	Devotional string        `json:"devocional,omitempty"`
	Verse      content.Verse `json:"versiculo"`
	Total      int           `json:"totalContatos"`
	Succeeded  int           `json:"enviosComSucesso"`
	Flagged    bool          `json:"formatoIncompleto,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Store is the durable backend under the history service.
//
// The ledger is small (bounded by the retention window, ~90 entries), so the
// contract is deliberately whole-document: Load everything, Replace
// everything. Drivers must make Replace atomic.
type Store interface {
	Load(ctx context.Context) ([]Entry, error)
	Replace(ctx context.Context, entries []Entry) error
	Close() error
}

// StoreConfig configures the durable backend.
//
// Driver values:
//   - "file" (default): single JSON document, written atomically
//   - "sqlite": SQLite database file
type StoreConfig struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg StoreConfig, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown history driver: " + driver)
	}
}
