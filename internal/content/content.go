// Package content validates devotional text against the expected message
// contract and extracts the verse fingerprint used for dedup.
//
// The contract (all required):
//   - a date marker (📅 or a written-out date)
//   - a labeled verse section with the excerpt in quotes
//   - a bracketed citation of the form (Livro 3:16) or (Livro 3:16-18)
//   - a labeled reflection section
//   - a labeled practice section
package content

import (
	"regexp"
	"strings"
)

// Verse is the fingerprint of a devotional: the quoted excerpt plus its
// citation. Two verses are the same iff their normalized references match.
type Verse struct {
	Text      string `json:"texto"`
	Reference string `json:"referencia"`
}

// Key returns the normalized reference used for dedup comparisons
// (whitespace stripped, case folded).
func (v Verse) Key() string { return NormalizeReference(v.Reference) }

func (v Verse) IsZero() bool { return strings.TrimSpace(v.Reference) == "" }

// NormalizeReference strips all whitespace and lowercases a citation so
// "João 3:16" and "joão  3:16" compare equal.
func NormalizeReference(ref string) string {
	return strings.ToLower(strings.Join(strings.Fields(ref), ""))
}

var (
	// "2 de janeiro de 2026" (written-out pt-BR date)
	dateRe = regexp.MustCompile(`(?i)\d{1,2} de [a-zçã]+ de \d{4}`)

	// (Livro 3:16) / (1 Coríntios 13:4-7)
	citationRe = regexp.MustCompile(`\(([\p{L}0-9º]+(?: [\p{L}0-9º]+)* \d+:\d+(?:-\d+)?)\)`)

	// quoted excerpt, straight or curly quotes
	quoteRe = regexp.MustCompile(`[“"]([^”"]+)[”"]`)

	// quote followed by a citation on the same logical stretch
	verseRe = regexp.MustCompile(`(?s)[“"]([^”"]+)[”"][^()]*?\(([^)]+)\)`)
)

// Report is the result of a contract check.
type Report struct {
	Valid   bool
	Missing []string
}

// Validate is a pure predicate over the message contract. Missing lists the
// specific absent elements for diagnostics.
func Validate(text string) Report {
	if strings.TrimSpace(text) == "" {
		return Report{Missing: []string{"conteúdo vazio"}}
	}

	var missing []string
	if !strings.Contains(text, "📅") && !dateRe.MatchString(text) {
		missing = append(missing, "data")
	}
	if !containsLabel(text, "Versículo") {
		missing = append(missing, "marcador de versículo")
	}
	if !containsLabel(text, "Reflexão") {
		missing = append(missing, "marcador de reflexão")
	}
	if !containsLabel(text, "Prática") {
		missing = append(missing, "marcador de prática")
	}
	if !citationRe.MatchString(text) {
		missing = append(missing, "referência bíblica entre parênteses")
	}
	if !quoteRe.MatchString(text) {
		missing = append(missing, "texto do versículo entre aspas")
	}

	return Report{Valid: len(missing) == 0, Missing: missing}
}

func containsLabel(text, label string) bool {
	return strings.Contains(text, "*"+label+":*") || strings.Contains(text, label+":")
}

// ExtractVerse pulls the verse fingerprint out of a devotional. When only a
// citation can be found the Text is left empty; ok is false when no citation
// exists at all.
func ExtractVerse(text string) (Verse, bool) {
	if m := verseRe.FindStringSubmatch(text); len(m) >= 3 {
		return Verse{
			Text:      strings.TrimSpace(m[1]),
			Reference: strings.TrimSpace(m[2]),
		}, true
	}
	if m := citationRe.FindStringSubmatch(text); len(m) >= 2 {
		return Verse{Reference: strings.TrimSpace(m[1])}, true
	}
	return Verse{}, false
}

// Repair tries a best-effort fix of a devotional that fails Validate:
// unlabeled lines are reassigned to the nearest-matching section by keyword
// and the expected markers are reattached. Repairing already-valid content
// returns it unchanged (idempotent), but a repaired result is not guaranteed
// to pass Validate; callers use it as-is in that case.
func Repair(text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	if Validate(text).Valid {
		return text
	}

	var dateLine, verseLine, reflectLine, practiceLine string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(line, "📅") || dateRe.MatchString(line):
			if dateLine == "" {
				dateLine = line
			}
		case strings.Contains(lower, "versículo") || strings.Contains(lower, "versiculo"):
			if verseLine == "" {
				verseLine = line
			}
		case strings.Contains(lower, "reflexão") || strings.Contains(lower, "reflexao"):
			if reflectLine == "" {
				reflectLine = line
			}
		case strings.Contains(lower, "prática") || strings.Contains(lower, "pratica"):
			if practiceLine == "" {
				practiceLine = line
			}
		}
	}

	var b strings.Builder
	if dateLine != "" {
		b.WriteString("📅 " + strings.TrimSpace(strings.TrimPrefix(dateLine, "📅")) + "\n\n")
	}
	if verseLine != "" {
		b.WriteString("📖 " + relabel(verseLine, "📖", "Versículo") + "\n\n")
	}
	if reflectLine != "" {
		b.WriteString("💭 " + relabel(reflectLine, "💭", "Reflexão") + "\n\n")
	}
	if practiceLine != "" {
		b.WriteString("🧗🏼 " + relabel(practiceLine, "🧗🏼", "Prática"))
	}

	fixed := strings.TrimSpace(b.String())
	if fixed == "" {
		// Nothing recognizable; hand the original back.
		return text
	}
	return fixed
}

// relabel strips a leading emoji marker and rewrites the first occurrence of
// the section keyword (any casing/accent sloppiness) to the bold label.
func relabel(line, marker, label string) string {
	s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), marker))
	if strings.Contains(s, "*"+label+":*") {
		return s
	}
	re := regexp.MustCompile(`(?i)\*?` + labelPattern(label) + `\*?:?\s*`)
	if loc := re.FindStringIndex(s); loc != nil {
		return strings.TrimSpace(s[:loc[0]] + "*" + label + ":* " + s[loc[1]:])
	}
	return "*" + label + ":* " + s
}

// labelPattern matches the accented and unaccented spelling of a label.
func labelPattern(label string) string {
	repl := strings.NewReplacer(
		"í", "[ií]",
		"ã", "[aã]",
		"á", "[aá]",
		"ê", "[eê]",
	)
	return repl.Replace(label)
}
