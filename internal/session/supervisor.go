package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/transport"
	logx "github.com/brunovdl/whatsapp-devocional-rapberrypi/pkg/logx"
)

// ErrNotReady is returned by Send when the session is not authenticated and
// open. Callers decide whether to defer; the supervisor never retries sends.
var ErrNotReady = errors.New("session: not ready")

// DialFunc builds a fresh transport client for one connection attempt.
type DialFunc func() transport.Client

// Config tunes the supervisor on top of the machine policy.
type Config struct {
	Tuning Tuning

	// HealthInterval is how often the probe samples the session state.
	// Default 5m.
	HealthInterval time.Duration
	// HealthFailLimit is how many consecutive not-ready samples force a full
	// reset. Default 3.
	HealthFailLimit int
}

func (c Config) withDefaults() Config {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 5 * time.Minute
	}
	if c.HealthFailLimit <= 0 {
		c.HealthFailLimit = 3
	}
	return c
}

// Status is a point-in-time snapshot for health endpoints.
type Status struct {
	State    State  `json:"state"`
	Attempts int    `json:"attempts"`
	HasQR    bool   `json:"hasQR"`
	Dir      string `json:"authDir"`
}

// Supervisor owns the session lifecycle: it executes machine effects, pumps
// transport events back into the machine, and exposes Ready/Send to the rest
// of the daemon.
type Supervisor struct {
	cfg   Config
	dial  DialFunc
	creds *CredStore
	log   logx.Logger

	inbox chan tagged

	mu        sync.Mutex
	machine   Machine
	client    transport.Client
	gen       uint64
	qr        string
	timer     *time.Timer
	onMessage func(transport.InboundMessage)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// tagged wraps a machine event with the connection generation that produced
// it, so events from an abandoned connection are dropped. gen 0 means the
// event is not tied to any connection (timers, health probe, start).
type tagged struct {
	ev  Event
	gen uint64
}

func NewSupervisor(cfg Config, dial DialFunc, creds *CredStore, log logx.Logger) *Supervisor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Supervisor{
		cfg:     cfg.withDefaults(),
		dial:    dial,
		creds:   creds,
		log:     log.With(logx.String("component", "session")),
		machine: NewMachine(cfg.Tuning),
		inbox:   make(chan tagged, 32),
	}
}

// OnMessage registers the inbound message handler. Must be called before
// Start.
func (s *Supervisor) OnMessage(fn func(transport.InboundMessage)) { s.onMessage = fn }

// Start begins the first connection attempt and runs until Stop or ctx
// cancellation.
func (s *Supervisor) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.run()
	go s.healthLoop()
	s.inbox <- tagged{ev: Event{Kind: EvStart}}
}

// Stop cancels the loops and closes the current connection.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	client := s.client
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	if client != nil {
		_ = client.Close()
	}
	s.wg.Wait()
}

// Ready reports whether the session can send right now.
func (s *Supervisor) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.State == StateReady
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.State
}

// Status returns a snapshot for the ops endpoints.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:    s.machine.State,
		Attempts: s.machine.Attempts,
		HasQR:    s.qr != "",
		Dir:      s.creds.Dir(),
	}
}

// QR returns the last unscanned pairing payload, if any.
func (s *Supervisor) QR() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qr, s.qr != ""
}

// Send delivers one text message, failing fast when the session is not
// ready.
func (s *Supervisor) Send(ctx context.Context, recipient, text string) error {
	s.mu.Lock()
	client := s.client
	ready := s.machine.State == StateReady
	s.mu.Unlock()
	if !ready || client == nil {
		return ErrNotReady
	}
	return client.SendText(ctx, recipient, text)
}

// SetPresence publishes a presence state; not-ready sessions are a no-op
// error the caller may ignore.
func (s *Supervisor) SetPresence(ctx context.Context, recipient string, state transport.PresenceState) error {
	s.mu.Lock()
	client := s.client
	ready := s.machine.State == StateReady
	s.mu.Unlock()
	if !ready || client == nil {
		return ErrNotReady
	}
	return client.SetPresence(ctx, recipient, state)
}

// Reset is the operator escape hatch out of StateLoggedOut: snapshot, wipe,
// start over with a fresh pairing.
func (s *Supervisor) Reset() error {
	if _, err := s.creds.Backup(); err != nil {
		s.log.Warn("reset backup failed", logx.Err(err))
	}
	if err := s.creds.Wipe(); err != nil {
		return err
	}
	s.mu.Lock()
	s.machine = NewMachine(s.cfg.Tuning)
	s.mu.Unlock()
	select {
	case s.inbox <- tagged{ev: Event{Kind: EvStart}}:
	default:
	}
	return nil
}

func (s *Supervisor) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbox:
			s.apply(msg)
		}
	}
}

func (s *Supervisor) apply(msg tagged) {
	s.mu.Lock()
	if msg.gen != 0 && msg.gen != s.gen {
		s.mu.Unlock()
		return
	}
	before := s.machine.State
	next, effects := Transition(s.machine, msg.ev)
	s.machine = next
	if msg.ev.Kind == EvOpen && next.State == StateReady {
		s.qr = ""
	}
	s.mu.Unlock()

	if next.State != before {
		s.log.Info("session state changed",
			logx.String("from", string(before)),
			logx.String("to", string(next.State)),
			logx.Int("attempts", next.Attempts))
	}

	for _, eff := range effects {
		s.execute(eff)
	}
}

func (s *Supervisor) execute(eff Effect) {
	switch eff.Kind {
	case EffectDial:
		s.dialOnce()

	case EffectTimer:
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		s.timer = time.AfterFunc(eff.Delay, func() {
			select {
			case s.inbox <- tagged{ev: Event{Kind: EvTimer}}:
			case <-s.ctx.Done():
			}
		})
		s.mu.Unlock()

	case EffectBackupCreds:
		if _, err := s.creds.Backup(); err != nil {
			s.log.Warn("credential backup failed", logx.Err(err))
		}

	case EffectWipeCreds:
		if err := s.creds.Wipe(); err != nil {
			s.log.Error("credential wipe failed", logx.Err(err))
		}

	case EffectPublishQR:
		s.mu.Lock()
		s.qr = eff.QR
		s.mu.Unlock()
		s.log.Info("pairing code available; scan it from the companion app")
	}
}

func (s *Supervisor) dialOnce() {
	s.mu.Lock()
	old := s.client
	s.gen++
	gen := s.gen
	client := s.dial()
	s.client = client
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	events, err := client.Connect(s.ctx)
	if err != nil {
		s.log.Warn("dial failed", logx.Err(err))
		select {
		case s.inbox <- tagged{ev: Event{Kind: EvClosed, Cause: transport.CauseNetwork}, gen: gen}:
		case <-s.ctx.Done():
		}
		return
	}

	s.wg.Add(1)
	go s.pump(events, gen)
}

// pump maps transport events to machine events until the stream closes.
func (s *Supervisor) pump(events <-chan transport.Event, gen uint64) {
	defer s.wg.Done()
	for ev := range events {
		switch ev.Kind {
		case transport.EventAuthArtifact:
			s.deliver(tagged{ev: Event{Kind: EvAuthArtifact, QR: ev.QR}, gen: gen})
		case transport.EventOpen:
			s.deliver(tagged{ev: Event{Kind: EvOpen}, gen: gen})
		case transport.EventClose:
			s.deliver(tagged{ev: Event{Kind: EvClosed, Cause: ev.Cause}, gen: gen})
		case transport.EventMessage:
			if s.onMessage != nil && ev.Message != nil {
				s.onMessage(*ev.Message)
			}
		}
	}
}

func (s *Supervisor) deliver(msg tagged) {
	select {
	case s.inbox <- msg:
	case <-s.ctx.Done():
	}
}

func (s *Supervisor) healthLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	fails := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			state := s.State()
			if state == StateReady || state == StateLoggedOut {
				fails = 0
				continue
			}
			fails++
			s.log.Warn("health probe: session not ready",
				logx.String("state", string(state)), logx.Int("consecutive", fails))
			if fails >= s.cfg.HealthFailLimit {
				fails = 0
				s.log.Error("health probe limit reached; forcing session reset")
				s.deliver(tagged{ev: Event{Kind: EvHealthReset}})
			}
		}
	}
}
