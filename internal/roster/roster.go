// Package roster reads the recipient list from CSV files in a directory the
// operator maintains by hand. Column names are matched loosely so exported
// spreadsheets work without editing.
package roster

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	logx "github.com/brunovdl/whatsapp-devocional-rapberrypi/pkg/logx"
)

// Contact is one deliverable recipient.
type Contact struct {
	Name  string
	Phone string // digits only, country code included
}

var nonDigits = regexp.MustCompile(`\D`)

// NormalizePhone strips formatting and prepends the Brazilian country code to
// bare local numbers (10-11 digits without a 55 prefix).
func NormalizePhone(raw string) string {
	phone := nonDigits.ReplaceAllString(raw, "")
	if len(phone) >= 10 && len(phone) <= 11 && !strings.HasPrefix(phone, "55") {
		phone = "55" + phone
	}
	return phone
}

// SamePhone compares two numbers tolerating a missing country code on either
// side.
func SamePhone(a, b string) bool {
	a, b = nonDigits.ReplaceAllString(a, ""), nonDigits.ReplaceAllString(b, "")
	if a == b {
		return true
	}
	return strings.TrimPrefix(a, "55") == strings.TrimPrefix(b, "55")
}

// Reader loads contacts from every .csv file under dir, caching the result
// until a file changes, appears or is removed.
type Reader struct {
	dir string
	log logx.Logger

	mu          sync.Mutex
	cache       []Contact
	cachedFiles []string
	cachedAt    time.Time
}

func NewReader(dir string, log logx.Logger) (*Reader, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("roster: contacts dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reader{dir: dir, log: log.With(logx.String("component", "roster"))}, nil
}

func (r *Reader) files() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			out = append(out, filepath.Join(r.dir, e.Name()))
		}
	}
	return out, nil
}

// Contacts returns the active, deduplicated recipient list.
func (r *Reader) Contacts() ([]Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	files, err := r.files()
	if err != nil {
		return nil, err
	}

	if r.cache != nil && !r.staleLocked(files) {
		out := make([]Contact, len(r.cache))
		copy(out, r.cache)
		return out, nil
	}

	byPhone := map[string]Contact{}
	var order []string
	for _, path := range files {
		contacts, err := parseFile(path)
		if err != nil {
			r.log.Warn("skipping unreadable contact file",
				logx.String("file", filepath.Base(path)), logx.Err(err))
			continue
		}
		for _, c := range contacts {
			if _, dup := byPhone[c.Phone]; !dup {
				order = append(order, c.Phone)
			}
			byPhone[c.Phone] = c
		}
	}

	out := make([]Contact, 0, len(order))
	for _, phone := range order {
		out = append(out, byPhone[phone])
	}
	r.cache = out
	r.cachedFiles = files
	r.cachedAt = time.Now()
	r.log.Info("contact roster loaded",
		logx.Int("contacts", len(out)), logx.Int("files", len(files)))

	result := make([]Contact, len(out))
	copy(result, out)
	return result, nil
}

// staleLocked compares the current file set against the one the cache was
// built from; a removed file is as much a change as an edited one. files is
// sorted by name (os.ReadDir order), so positional comparison is enough.
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

// Invalidate drops the cache; the next Contacts call re-reads the files.
func (r *Reader) Invalidate() {
	r.mu.Lock()
	r.cache = nil
	r.mu.Unlock()
}

// column roles, matched by substring against lowercased headers.
var (
	phoneHeaders  = []string{"telefone", "celular", "whatsapp", "fone", "phone", "numero"}
	activeHeaders = []string{"ativo", "status", "habilitado"}
)

func parseFile(path string) ([]Contact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, nil
	}

	nameCol, phoneCol, activeCol := -1, -1, -1
	for i, h := range rows[0] {
		header := strings.ToLower(strings.TrimSpace(h))
		switch {
		case strings.Contains(header, "nome"):
			nameCol = i
		case matchesAny(header, phoneHeaders):
			phoneCol = i
		case matchesAny(header, activeHeaders):
			activeCol = i
		}
	}
	if phoneCol == -1 {
		return nil, fmt.Errorf("%s: no phone column found", filepath.Base(path))
	}

	var out []Contact
	for _, row := range rows[1:] {
		if phoneCol >= len(row) {
			continue
		}
		phone := NormalizePhone(row[phoneCol])
		if len(phone) < 10 {
			continue
		}
		if activeCol != -1 && activeCol < len(row) && !isActive(row[activeCol]) {
			continue
		}
		name := "Sem nome"
		if nameCol != -1 && nameCol < len(row) && strings.TrimSpace(row[nameCol]) != "" {
			name = strings.TrimSpace(row[nameCol])
		}
		out = append(out, Contact{Name: name, Phone: phone})
	}
	return out, nil
}

func matchesAny(header string, candidates []string) bool {
	for _, c := range candidates {
		if strings.Contains(header, c) {
			return true
		}
	}
	return false
}

func isActive(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "sim", "s", "true", "yes", "y", "1":
		return true
	default:
		return false
	}
}
