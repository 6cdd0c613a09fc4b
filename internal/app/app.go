// Package app assembles the daemon: configuration, logging, the session
// supervisor, the daily delivery schedule, conversations and the ops HTTP
// surface.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/config"
	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/convo"
	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/delivery"
	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/generate"
	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/history"
	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/httpapi"
	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/knowledge"
	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/roster"
	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/session"
	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/transport"
	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/transport/gateway"
	logx "github.com/brunovdl/whatsapp-devocional-rapberrypi/pkg/logx"
)

const defaultAPIKeyEnv = "GEMINI_API_KEY"

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service

	hist      *history.Service
	know      *knowledge.Reader
	contacts  *roster.Reader
	convos    *convo.Store
	responder *convo.Responder
	composer  *generate.Composer
	sess      *session.Supervisor
	orch      *delivery.Orchestrator
	api       *httpapi.Server

	cronMu sync.Mutex
	cron   *cron.Cron

	presenceMu    sync.Mutex
	presenceTimer *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewApp(cfgPath string) (*App, error) {
	// Secrets ride the environment, optionally seeded from a local .env file.
	_ = godotenv.Load()

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	cacheTTL, err := config.ParseDurationOrDefault("history.cache_ttl", cfg.History.CacheTTL, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	busyTimeout, err := config.ParseDurationOrDefault("history.busy_timeout", cfg.History.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	store, err := history.Open(history.StoreConfig{
		Driver:      cfg.History.Driver,
		Path:        cfg.History.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "history")))
	if err != nil {
		return nil, err
	}
	hist := history.New(history.Config{
		RetentionDays:   cfg.History.RetentionDays,
		DedupWindowDays: cfg.History.DedupWindowDays,
		WindowInclusive: cfg.History.WindowIsInclusive(),
		CacheTTL:        cacheTTL,
	}, store, log.With(logx.String("comp", "history")))

	know, err := knowledge.NewReader(cfg.Knowledge.Dir, log.With(logx.String("comp", "knowledge")))
	if err != nil {
		return nil, err
	}

	rosterDir := cfg.Roster.Dir
	if strings.TrimSpace(rosterDir) == "" {
		rosterDir = "./Contatos"
	}
	contacts, err := roster.NewReader(rosterDir, log.With(logx.String("comp", "roster")))
	if err != nil {
		return nil, err
	}

	convoDir := cfg.Convo.Dir
	if strings.TrimSpace(convoDir) == "" {
		convoDir = "./Conversas"
	}
	convos, err := convo.NewStore(convo.StoreConfig{
		Dir:         convoDir,
		MaxMessages: cfg.Convo.MaxHistory,
	}, log.With(logx.String("comp", "convo")))
	if err != nil {
		return nil, err
	}

	model, err := buildModel(cfg.Generation, log)
	if err != nil {
		return nil, err
	}

	composer := generate.NewComposer(generate.ComposerConfig{
		BaseTemperature: cfg.Generation.Temperature,
		MaxAttempts:     cfg.Delivery.GenerationRetries,
		DedupWindowDays: cfg.History.DedupWindowDays,
		KnowledgeLimit:  cfg.Generation.MaxKBBytes,
	}, model, hist, know, log)

	responder := convo.NewResponder(convo.ResponderConfig{
		Temperature: cfg.Generation.Temperature,
	}, convos, model, know, log)

	creds, err := session.NewCredStore(cfg.Session.AuthDir, "", 0, log.With(logx.String("comp", "session")))
	if err != nil {
		return nil, err
	}

	tuning, healthInterval, err := mapSessionTuning(cfg.Session)
	if err != nil {
		return nil, err
	}
	gatewayURL := cfg.Session.GatewayURL
	gwLog := log.With(logx.String("comp", "gateway"))
	dial := func() transport.Client {
		return gateway.New(gateway.Config{URL: gatewayURL}, gwLog)
	}
	sess := session.NewSupervisor(session.Config{
		Tuning:          tuning,
		HealthInterval:  healthInterval,
		HealthFailLimit: cfg.Session.HealthFailures,
	}, dial, creds, log)

	pace, err := config.ParseDurationOrDefault("delivery.pacing", cfg.Delivery.Pacing, 300*time.Millisecond)
	if err != nil {
		return nil, err
	}
	retryInterval, err := config.ParseDurationOrDefault("schedule.retry_interval", cfg.Schedule.RetryInterval, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	orch := delivery.New(delivery.Config{
		Pace:          pace,
		RetryInterval: retryInterval,
	}, sess, contacts, composer, hist, convos, log)

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logs,
		hist:      hist,
		know:      know,
		contacts:  contacts,
		convos:    convos,
		responder: responder,
		composer:  composer,
		sess:      sess,
		orch:      orch,
	}

	if cfg.HTTP.Enabled {
		addr := cfg.HTTP.Addr
		if strings.TrimSpace(addr) == "" {
			addr = "127.0.0.1:8080"
		}
		a.api = httpapi.New(addr, httpapi.Deps{
			Session: sess,
			Config:  &configAccess{cfgm: cfgm},
			Ledger:  hist,
			Trigger: orch.Run,
			RunBusy: delivery.ErrRunInProgress,
		}, log)
	}

	return a, nil
}

// buildModel returns the Gemini client, or a stub that forces the fallback
// path when no API key is present. The daemon still runs and delivers the
// pre-written devotionals.
func buildModel(gen config.GenerationConfig, log logx.Logger) (generate.TextModel, error) {
	env := gen.APIKeyEnv
	if strings.TrimSpace(env) == "" {
		env = defaultAPIKeyEnv
	}
	key := os.Getenv(env)
	if strings.TrimSpace(key) == "" {
		log.Warn("generation API key not set; only pre-written devotionals will be sent",
			logx.String("env", env))
		return offlineModel{}, nil
	}
	timeout, err := config.ParseDurationOrDefault("generation.timeout", gen.Timeout, 2*time.Minute)
	if err != nil {
		return nil, err
	}
	return generate.NewGeminiClient(generate.GeminiConfig{
		APIKey:  key,
		Models:  gen.Models,
		BaseURL: gen.BaseURL,
		Timeout: timeout,
	}, log.With(logx.String("comp", "gemini")))
}

// offlineModel stands in when no API key is configured.
type offlineModel struct{}

func (offlineModel) Generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	return "", generate.ErrNoAPIKey
}

func mapSessionTuning(sc config.SessionConfig) (session.Tuning, time.Duration, error) {
	var t session.Tuning
	var err error
	if t.BackoffBase, err = config.ParseDurationOrDefault("session.backoff_base", sc.BackoffBase, 5*time.Second); err != nil {
		return t, 0, err
	}
	if t.RestartPause, err = config.ParseDurationOrDefault("session.restart_pause", sc.RestartPause, 15*time.Second); err != nil {
		return t, 0, err
	}
	if t.CoolDown, err = config.ParseDurationOrDefault("session.failure_cooldown", sc.FailureCooldown, time.Hour); err != nil {
		return t, 0, err
	}
	if t.AuthTimeout, err = config.ParseDurationOrDefault("session.auth_timeout", sc.AuthTimeout, 5*time.Minute); err != nil {
		return t, 0, err
	}
	t.MaxAttempts = sc.ReconnectMax
	healthInterval, err := config.ParseDurationOrDefault("session.health_interval", sc.HealthInterval, 5*time.Minute)
	if err != nil {
		return t, 0, err
	}
	return t, healthInterval, nil
}

func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	a.sess.OnMessage(a.handleInbound)
	a.sess.Start(a.ctx)

	if err := a.scheduleDaily(cfg); err != nil {
		return err
	}

	if cfg.Schedule.SendOnStart {
		a.log.Info("send-on-start enabled; delivery run in 15s")
		time.AfterFunc(15*time.Second, func() {
			if a.ctx.Err() == nil {
				a.triggerRun()
			}
		})
	}

	// hot reload fan-out
	sub := a.cfgm.Subscribe(4)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-a.ctx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(newCfg)
			}
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(a.ctx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	if a.api != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.api.Start(a.ctx); err != nil {
				a.log.Error("ops server failed", logx.Err(err))
			}
		}()
	}

	a.notifySystemd()

	a.log.Info("app started",
		logx.String("schedule", cfg.Schedule.Time),
		logx.String("timezone", cfg.Schedule.Timezone))
	return nil
}

func (a *App) Stop() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if a.cancel != nil {
		a.cancel()
	}
	a.cronMu.Lock()
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	a.cronMu.Unlock()
	a.sess.Stop()
	a.wg.Wait()
	if err := a.hist.Close(); err != nil {
		a.log.Warn("history close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
}

// scheduleDaily (re)builds the cron runner for the configured send time.
func (a *App) scheduleDaily(cfg *config.Config) error {
	hour, minute, err := config.ParseHHMM(cfg.Schedule.Time)
	if err != nil {
		return err
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return err
		}
	}

	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(fmt.Sprintf("%d %d * * *", minute, hour), a.triggerRun); err != nil {
		return err
	}

	a.cronMu.Lock()
	old := a.cron
	a.cron = c
	a.cronMu.Unlock()
	if old != nil {
		<-old.Stop().Done()
	}
	c.Start()

	a.log.Info("daily delivery scheduled",
		logx.String("time", fmt.Sprintf("%02d:%02d", hour, minute)),
		logx.String("timezone", loc.String()))
	return nil
}

func (a *App) triggerRun() {
	err := a.orch.Run(a.ctx)
	switch {
	case err == nil, err == delivery.ErrDeferred, err == delivery.ErrRunInProgress:
	default:
		a.log.Error("delivery run failed", logx.Err(err))
	}
}

// applyConfig handles a hot reload: logging level and the daily schedule
// follow the file; structural settings (storage driver, gateway URL) need a
// restart.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err := a.scheduleDaily(cfg); err != nil {
		a.log.Warn("reschedule failed; keeping previous schedule", logx.Err(err))
	}
	a.log.Info("config reloaded")
}

// notifySystemd signals readiness and keeps the watchdog fed when running
// under systemd; outside systemd both calls are no-ops.
func (a *App) notifySystemd() {
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd readiness notified")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-a.ctx.Done():
				return
			case <-ticker.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}

// configAccess adapts the config manager to the ops API: a PUT body is
// parsed and validated first, then written to the config file, where the
// watcher picks it up like any other edit.
type configAccess struct {
	cfgm *config.Manager
}

func (c *configAccess) Snapshot() any { return c.cfgm.Get() }

func (c *configAccess) Update(raw []byte) error {
	cfg, err := config.ParseBytes(c.cfgm.Path(), raw)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	tmp := c.cfgm.Path() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.cfgm.Path())
}
