package roster

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "github.com/brunovdl/whatsapp-devocional-rapberrypi/pkg/logx"
)

var defaultHeader = []string{"Nome", "Telefone", "Ativo", "Observacoes"}

// Append registers a new contact in the first roster file, creating
// contatos.csv when none exists. Existing numbers (country-code tolerant) are
// left untouched and reported as false.
func (r *Reader) Append(phone, name string) (bool, error) {
	phone = NormalizePhone(phone)
	if len(phone) < 10 {
		return false, fmt.Errorf("roster: invalid phone %q", phone)
	}
	if name == "" {
		name = "Novo Contato"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	files, err := r.files()
	if err != nil {
		return false, err
	}

	note := "Adicionado automaticamente em " + time.Now().Format("02/01/2006")
	row := []string{name, phone, "Sim", note}

	if len(files) == 0 {
		path := filepath.Join(r.dir, "contatos.csv")
		if err := writeCSV(path, [][]string{defaultHeader, row}); err != nil {
			return false, err
		}
		r.cache = nil
		r.log.Info("roster file created", logx.String("file", path), logx.String("phone", phone))
		return true, nil
	}

	path := files[0]
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	_ = f.Close()
	if err != nil {
		return false, err
	}

	// Locate the phone column to detect duplicates.
	phoneCol := 1
	if len(rows) > 0 {
		for i, h := range rows[0] {
			if matchesAny(strings.ToLower(strings.TrimSpace(h)), phoneHeaders) {
				phoneCol = i
				break
			}
		}
	}
	if len(rows) == 0 {
		rows = [][]string{defaultHeader}
	}
	for _, existing := range rows[1:] {
		if phoneCol < len(existing) && SamePhone(existing[phoneCol], phone) {
			return false, nil
		}
	}
	rows = append(rows, row)
	if err := writeCSV(path, rows); err != nil {
		return false, err
	}
	r.cache = nil
	r.log.Info("contact appended to roster",
		logx.String("file", filepath.Base(path)), logx.String("phone", phone))
	return true, nil
}

func writeCSV(path string, rows [][]string) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
