package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/content"
	logx "github.com/brunovdl/whatsapp-devocional-rapberrypi/pkg/logx"
)

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(StoreConfig{Driver: "file", Path: filepath.Join(dir, "historico.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	in := []Entry{
		{
			Date:       "2026-02-01",
			Devotional: "📅 1 de fevereiro de 2026 ...",
			Verse:      content.Verse{Text: "Tudo posso", Reference: "Filipenses 4:13"},
			Total:      3,
			Succeeded:  3,
			Timestamp:  time.Date(2026, 2, 1, 7, 0, 0, 0, time.UTC),
		},
	}
	if err := st.Replace(ctx, in); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	out, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(out))
	}
	if out[0].Verse.Reference != "Filipenses 4:13" || out[0].Succeeded != 3 {
		t.Fatalf("roundtrip mismatch: %+v", out[0])
	}
}

func TestFileStoreLoadMissingFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(StoreConfig{Path: filepath.Join(dir, "nope.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	out, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty ledger, got %d entries", len(out))
	}
}

func TestFileStoreMigratesLegacyArray(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "historico.json")

	legacy := `[{"date":"2026-01-15","verse":"\"O Senhor é meu pastor\" (Salmos 23:1)"}]`
	if err := os.WriteFile(path, []byte(legacy), 0o600); err != nil {
		t.Fatal(err)
	}

	st, err := Open(StoreConfig{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	out, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 migrated entry, got %d", len(out))
	}
	if out[0].Verse.Reference != "Salmos 23:1" {
		t.Fatalf("verse not extracted during migration: %+v", out[0])
	}

	// The document must have been rewritten in the current schema.
	reloaded, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded) != 1 || reloaded[0].Date != "2026-01-15" {
		t.Fatalf("rewritten document mismatch: %+v", reloaded)
	}
}
