package generate

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/content"
	logx "github.com/brunovdl/whatsapp-devocional-rapberrypi/pkg/logx"
)

// minDevotionalLength rejects truncated or empty model answers.
const minDevotionalLength = 50

// TextModel is anything that turns a prompt into text.
type TextModel interface {
	Generate(ctx context.Context, prompt string, temperature float64) (string, error)
}

// KnowledgeSource feeds the prompt with source material.
type KnowledgeSource interface {
	Content(ctx context.Context) (string, error)
}

// Ledger answers verse-freshness questions; implemented by the history
// service.
type Ledger interface {
	UsedWithin(ctx context.Context, v content.Verse, days int) (bool, error)
	RecentVerses(ctx context.Context, days int) ([]content.Verse, error)
}

// ComposerConfig tunes the generate-validate loop.
type ComposerConfig struct {
	// BaseTemperature for the first attempt; each retry adds 0.1. Default 0.7.
	BaseTemperature float64
	// MaxAttempts before giving up on the model. Default 3.
	MaxAttempts int
	// DedupWindowDays is the verse-uniqueness window. Default 30.
	DedupWindowDays int
	// KnowledgeLimit caps the knowledge-base bytes fed into the prompt.
	// Default 15000.
	KnowledgeLimit int
}

func (c ComposerConfig) withDefaults() ComposerConfig {
	if c.BaseTemperature <= 0 {
		c.BaseTemperature = 0.7
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.DedupWindowDays <= 0 {
		c.DedupWindowDays = 30
	}
	if c.KnowledgeLimit <= 0 {
		c.KnowledgeLimit = knowledgeClamp
	}
	return c
}

// Result is one composed devotional ready for delivery.
type Result struct {
	Text  string
	Verse content.Verse
	// Fallback is true when the text came from the pre-written set.
	Fallback bool
	// Flagged is true when the text still fails the format contract after
	// repair. It is sent anyway and recorded as incomplete.
	Flagged  bool
	Attempts int
}

// Composer runs the generate-validate-repair loop and falls back to the
// static devotionals when the model cannot produce a fresh, well-formed one.
type Composer struct {
	cfg       ComposerConfig
	model     TextModel
	ledger    Ledger
	knowledge KnowledgeSource
	log       logx.Logger
	rng       *rand.Rand
}

func NewComposer(cfg ComposerConfig, model TextModel, ledger Ledger, knowledge KnowledgeSource, log logx.Logger) *Composer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Composer{
		cfg:       cfg.withDefaults(),
		model:     model,
		ledger:    ledger,
		knowledge: knowledge,
		log:       log.With(logx.String("component", "composer")),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Compose produces the devotional for the given day. Model trouble falls
// through to the pre-written set, and an unreadable ledger is logged and
// treated as empty history, so the day's send still goes out even when the
// freshness check cannot run.
func (c *Composer) Compose(ctx context.Context, now time.Time) (Result, error) {
	humanDate := content.FormatDate(now)

	knowledge := ""
	if c.knowledge != nil {
		k, err := c.knowledge.Content(ctx)
		if err != nil {
			c.log.Warn("knowledge base unavailable; prompting without it", logx.Err(err))
		} else {
			knowledge = k
		}
	}
	if len(knowledge) > c.cfg.KnowledgeLimit {
		knowledge = knowledge[:c.cfg.KnowledgeLimit]
	}

	recent, err := c.ledger.RecentVerses(ctx, c.cfg.DedupWindowDays)
	if err != nil {
		c.log.Warn("verse history unavailable; prompting without it", logx.Err(err))
		recent = nil
	}
	prompt := BuildPrompt(humanDate, knowledge, recent)

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		temperature := c.cfg.BaseTemperature + float64(attempt)*0.1
		c.log.Info("generating devotional",
			logx.Int("attempt", attempt), logx.Float64("temperature", temperature))

		text, err := c.model.Generate(ctx, prompt, temperature)
		if err != nil {
			c.log.Warn("model attempt failed", logx.Int("attempt", attempt), logx.Err(err))
			continue
		}
		text = strings.TrimSpace(text)
		if len(text) < minDevotionalLength {
			c.log.Warn("devotional too short; retrying", logx.Int("length", len(text)))
			continue
		}

		flagged := false
		if report := content.Validate(text); !report.Valid {
			c.log.Warn("devotional fails format contract; repairing",
				logx.Any("missing", report.Missing))
			text = content.Repair(text)
			flagged = !content.Validate(text).Valid
		}

		verse, ok := content.ExtractVerse(text)
		if !ok {
			c.log.Warn("no verse found in devotional; retrying")
			continue
		}
		used, err := c.ledger.UsedWithin(ctx, verse, c.cfg.DedupWindowDays)
		if err != nil {
			c.log.Warn("freshness check failed; accepting the verse unchecked",
				logx.String("reference", verse.Reference), logx.Err(err))
			used = false
		}
		if used {
			c.log.Warn("verse repeated inside the window; retrying",
				logx.String("reference", verse.Reference))
			continue
		}

		return Result{Text: text, Verse: verse, Flagged: flagged, Attempts: attempt}, nil
	}

	c.log.Warn("model attempts exhausted; using a pre-written devotional")
	return c.fallback(ctx, humanDate)
}

func (c *Composer) fallback(ctx context.Context, humanDate string) (Result, error) {
	exclude := func(v content.Verse) bool {
		used, err := c.ledger.UsedWithin(ctx, v, c.cfg.DedupWindowDays)
		return err == nil && used
	}
	text := Fallback(humanDate, c.rng, exclude)
	verse, _ := content.ExtractVerse(text)
	return Result{Text: text, Verse: verse, Fallback: true, Attempts: c.cfg.MaxAttempts}, nil
}
