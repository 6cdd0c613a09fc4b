package content

import (
	"fmt"
	"time"
)

var ptMonths = [...]string{
	"janeiro", "fevereiro", "março", "abril", "maio", "junho",
	"julho", "agosto", "setembro", "outubro", "novembro", "dezembro",
}

// FormatDate renders a date the way the devotional header expects it,
// e.g. "2 de janeiro de 2026".
func FormatDate(t time.Time) string {
	return fmt.Sprintf("%d de %s de %d", t.Day(), ptMonths[t.Month()-1], t.Year())
}

// DateKey is the stable per-day key used by the history ledger ("2006-01-02").
func DateKey(t time.Time) string { return t.Format("2006-01-02") }
