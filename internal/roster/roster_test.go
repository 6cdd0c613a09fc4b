package roster

import (
	"os"
	"path/filepath"
	"testing"

	logx "github.com/brunovdl/whatsapp-devocional-rapberrypi/pkg/logx"
)

func writeRoster(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestReader(t *testing.T) (*Reader, string) {
	t.Helper()
	dir := t.TempDir()
	r, err := NewReader(dir, logx.Nop())
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	return r, dir
}

func TestNormalizePhone(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want string }{
		{"(11) 99999-8888", "5511999998888"},   // local with formatting: country code added
		{"5511999998888", "5511999998888"},     // already prefixed
		{"11 3333-4444", "551133334444"},       // 10-digit landline
		{"+55 11 99999-8888", "5511999998888"}, // formatted international
		{"123", "123"},                         // too short to touch
	}
	for _, c := range cases {
		if got := NormalizePhone(c.in); got != c.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestContactsMatchesLooseHeaders(t *testing.T) {
	t.Parallel()
	r, dir := newTestReader(t)
	writeRoster(t, dir, "lista.csv",
		"Nome Completo,Celular (WhatsApp),Status\n"+
			"Maria,(11) 98888-7777,Sim\n"+
			"José,11 97777-6666,Não\n"+
			"Ana,5521966665555,sim\n")

	contacts, err := r.Contacts()
	if err != nil {
		t.Fatalf("Contacts: %v", err)
	}
	if len(contacts) != 2 {
		t.Fatalf("expected 2 active contacts, got %d: %+v", len(contacts), contacts)
	}
	if contacts[0].Name != "Maria" || contacts[0].Phone != "5511988887777" {
		t.Fatalf("first contact = %+v", contacts[0])
	}
	if contacts[1].Phone != "5521966665555" {
		t.Fatalf("second contact = %+v", contacts[1])
	}
}

func TestContactsDeduplicatesAcrossFiles(t *testing.T) {
	t.Parallel()
	r, dir := newTestReader(t)
	writeRoster(t, dir, "a.csv", "Nome,Telefone\nMaria,5511988887777\n")
	writeRoster(t, dir, "b.csv", "Nome,Telefone\nMaria Silva,5511988887777\nPedro,5511911112222\n")

	contacts, err := r.Contacts()
	if err != nil {
		t.Fatalf("Contacts: %v", err)
	}
	if len(contacts) != 2 {
		t.Fatalf("expected 2 unique contacts, got %d", len(contacts))
	}
}

func TestContactsSkipsShortNumbers(t *testing.T) {
	t.Parallel()
	r, dir := newTestReader(t)
	writeRoster(t, dir, "lista.csv", "Nome,Telefone\nCurto,12345\nOk,5511988887777\n")

	contacts, err := r.Contacts()
	if err != nil {
		t.Fatalf("Contacts: %v", err)
	}
	if len(contacts) != 1 || contacts[0].Phone != "5511988887777" {
		t.Fatalf("contacts = %+v", contacts)
	}
}

func TestContactsDropsRemovedFile(t *testing.T) {
	t.Parallel()
	r, dir := newTestReader(t)
	writeRoster(t, dir, "a.csv", "Nome,Telefone\nMaria,5511988887777\n")
	writeRoster(t, dir, "b.csv", "Nome,Telefone\nPedro,5511911112222\n")

	contacts, err := r.Contacts()
	if err != nil || len(contacts) != 2 {
		t.Fatalf("initial load: err=%v contacts=%+v", err, contacts)
	}

	if err := os.Remove(filepath.Join(dir, "b.csv")); err != nil {
		t.Fatal(err)
	}
	contacts, err = r.Contacts()
	if err != nil {
		t.Fatalf("Contacts after removal: %v", err)
	}
	if len(contacts) != 1 || contacts[0].Phone != "5511988887777" {
		t.Fatalf("removed file still served from cache: %+v", contacts)
	}
}

func TestAppendCreatesFileAndSkipsDuplicates(t *testing.T) {
	t.Parallel()
	r, dir := newTestReader(t)

	added, err := r.Append("(11) 98888-7777", "Maria")
	if err != nil || !added {
		t.Fatalf("Append: added=%v err=%v", added, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "contatos.csv")); err != nil {
		t.Fatalf("roster file not created: %v", err)
	}

	// Same number without the country code is still a duplicate.
	added, err = r.Append("11988887777", "Maria de Novo")
	if err != nil {
		t.Fatalf("Append duplicate: %v", err)
	}
	if added {
		t.Fatal("duplicate number must not be appended")
	}

	contacts, err := r.Contacts()
	if err != nil {
		t.Fatalf("Contacts: %v", err)
	}
	if len(contacts) != 1 || contacts[0].Name != "Maria" {
		t.Fatalf("contacts = %+v", contacts)
	}
}

func TestAppendInvalidatesCache(t *testing.T) {
	t.Parallel()
	r, dir := newTestReader(t)
	writeRoster(t, dir, "lista.csv", "Nome,Telefone\nMaria,5511988887777\n")

	if _, err := r.Contacts(); err != nil {
		t.Fatal(err)
	}
	if added, err := r.Append("5521966665555", "Pedro"); err != nil || !added {
		t.Fatalf("Append: added=%v err=%v", added, err)
	}
	contacts, err := r.Contacts()
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 2 {
		t.Fatalf("expected the appended contact to appear, got %+v", contacts)
	}
}
