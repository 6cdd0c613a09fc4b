// Package delivery runs the daily send: compose the devotional, record it
// provisionally, walk the roster with pacing, then finalize the counts on
// the same ledger entry.
package delivery

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/content"
	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/generate"
	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/history"
	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/roster"
	logx "github.com/brunovdl/whatsapp-devocional-rapberrypi/pkg/logx"
)

// ErrRunInProgress is returned when a run is requested while another is
// active. Duplicate triggers are dropped, never queued.
var ErrRunInProgress = errors.New("delivery: run already in progress")

// ErrDeferred is returned when the session was not ready; a retry is already
// scheduled.
var ErrDeferred = errors.New("delivery: session not ready, run deferred")

// Sender is the session facade the orchestrator sends through.
type Sender interface {
	Ready() bool
	Send(ctx context.Context, recipient, text string) error
}

// Roster lists the recipients.
type Roster interface {
	Contacts() ([]roster.Contact, error)
}

// Composer produces the day's devotional.
type Composer interface {
	Compose(ctx context.Context, now time.Time) (generate.Result, error)
}

// Ledger records run entries; implemented by the history service.
type Ledger interface {
	Record(ctx context.Context, e history.Entry) error
}

// ConvoMarker notes the devotional on each contact's conversation, feeding
// later auto-replies. Optional.
type ConvoMarker interface {
	RecordDevotional(phone, devotional string) error
}

// Config tunes one run.
type Config struct {
	// Pace is the minimum gap between consecutive sends. Default 300ms.
	Pace time.Duration
	// RetryInterval is the wait before retrying a run that found the session
	// not ready. Default 5m.
	RetryInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Pace <= 0 {
		c.Pace = 300 * time.Millisecond
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Minute
	}
	return c
}

// Orchestrator coordinates one delivery run at a time.
type Orchestrator struct {
	cfg      Config
	sender   Sender
	roster   Roster
	composer Composer
	ledger   Ledger
	convo    ConvoMarker
	log      logx.Logger
	now      func() time.Time

	running atomic.Bool
	limiter *rate.Limiter
}

func New(cfg Config, sender Sender, contacts Roster, composer Composer, ledger Ledger, convo ConvoMarker, log logx.Logger) *Orchestrator {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{
		cfg:      cfg,
		sender:   sender,
		roster:   contacts,
		composer: composer,
		ledger:   ledger,
		convo:    convo,
		log:      log.With(logx.String("component", "delivery")),
		now:      time.Now,
		limiter:  rate.NewLimiter(rate.Every(cfg.Pace), 1),
	}
}

// SetClock replaces the time source (tests).
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// Run executes one delivery. A run already in progress drops the trigger; a
// not-ready session records the devotional provisionally, releases the guard
// and schedules a retry.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		o.log.Warn("duplicate run trigger dropped")
		return ErrRunInProgress
	}
	defer o.running.Store(false)

	runID := uuid.NewString()
	log := o.log.With(logx.String("run", runID))
	log.Info("delivery run starting")

	now := o.now()
	res, err := o.composer.Compose(ctx, now)
	if err != nil {
		log.Error("compose failed", logx.Err(err))
		return err
	}
	if res.Fallback {
		log.Warn("using a pre-written devotional", logx.String("verse", res.Verse.Reference))
	}

	// Register before any send so a crash mid-run still counts the verse as
	// used.
	provisional := history.Entry{
		Date:       content.DateKey(now),
		Devotional: res.Text,
		Verse:      res.Verse,
		Flagged:    res.Flagged,
		Timestamp:  now,
	}
	if err := o.ledger.Record(ctx, provisional); err != nil {
		log.Warn("provisional history write failed", logx.Err(err))
	}

	if !o.sender.Ready() {
		log.Warn("session not ready; deferring run",
			logx.Duration("retry_in", o.cfg.RetryInterval))
		o.scheduleRetry(ctx)
		return ErrDeferred
	}

	contacts, err := o.roster.Contacts()
	if err != nil {
		log.Error("roster unavailable", logx.Err(err))
		return err
	}
	if len(contacts) == 0 {
		log.Warn("no contacts to deliver to")
		return nil
	}
	log.Info("delivering devotional",
		logx.Int("contacts", len(contacts)), logx.String("verse", res.Verse.Reference))

	succeeded := 0
	for _, c := range contacts {
		if err := o.limiter.Wait(ctx); err != nil {
			log.Warn("run canceled mid-delivery", logx.Err(err))
			break
		}
		if err := o.sender.Send(ctx, c.Phone, res.Text); err != nil {
			log.Warn("send failed",
				logx.String("contact", c.Name), logx.String("phone", c.Phone), logx.Err(err))
			continue
		}
		succeeded++
		if o.convo != nil {
			if err := o.convo.RecordDevotional(c.Phone, res.Text); err != nil {
				log.Warn("conversation marker failed",
					logx.String("phone", c.Phone), logx.Err(err))
			}
		}
	}

	final := provisional
	final.Total = len(contacts)
	final.Succeeded = succeeded
	if err := o.ledger.Record(ctx, final); err != nil {
		log.Warn("final history write failed", logx.Err(err))
	}

	log.Info("delivery run finished",
		logx.Int("succeeded", succeeded), logx.Int("total", len(contacts)))
	return nil
}

func (o *Orchestrator) scheduleRetry(ctx context.Context) {
	time.AfterFunc(o.cfg.RetryInterval, func() {
		if ctx.Err() != nil {
			return
		}
		if err := o.Run(ctx); err != nil && !errors.Is(err, ErrDeferred) && !errors.Is(err, ErrRunInProgress) {
			o.log.Error("deferred run failed", logx.Err(err))
		}
	})
}
