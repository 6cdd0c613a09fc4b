package session

import (
	"testing"
	"time"

	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/transport"
)

func testTuning() Tuning {
	return Tuning{
		BackoffBase:    5 * time.Second,
		BackoffCeiling: 5,
		MaxAttempts:    10,
		RestartPause:   15 * time.Second,
		CoolDown:       time.Hour,
		AuthTimeout:    5 * time.Minute,
	}
}

func kinds(effects []Effect) []EffectKind {
	out := make([]EffectKind, len(effects))
	for i, e := range effects {
		out[i] = e.Kind
	}
	return out
}

func wantEffects(t *testing.T, got []Effect, want ...EffectKind) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("effects = %v, want %v", kinds(got), want)
	}
	for i := range want {
		if got[i].Kind != want[i] {
			t.Fatalf("effect[%d] = %v, want %v", i, got[i].Kind, want[i])
		}
	}
}

func TestTuningDefaults(t *testing.T) {
	t.Parallel()
	m := NewMachine(Tuning{})
	if m.Tuning.MaxAttempts != 5 {
		t.Fatalf("MaxAttempts default = %d, want 5", m.Tuning.MaxAttempts)
	}
	if m.Tuning.BackoffBase != 5*time.Second || m.Tuning.BackoffCeiling != 5 {
		t.Fatalf("backoff defaults = %+v", m.Tuning)
	}
	if m.Tuning.RestartPause != 15*time.Second || m.Tuning.CoolDown != time.Hour {
		t.Fatalf("pause defaults = %+v", m.Tuning)
	}
	if m.Tuning.AuthTimeout != 5*time.Minute {
		t.Fatalf("AuthTimeout default = %v", m.Tuning.AuthTimeout)
	}
}

func TestHappyPathToReady(t *testing.T) {
	t.Parallel()
	m := NewMachine(testTuning())

	m, effects := Transition(m, Event{Kind: EvStart})
	if m.State != StateConnecting {
		t.Fatalf("state = %v", m.State)
	}
	wantEffects(t, effects, EffectDial)

	m, effects = Transition(m, Event{Kind: EvAuthArtifact, QR: "code"})
	if m.State != StateAwaitingAuth {
		t.Fatalf("state = %v", m.State)
	}
	wantEffects(t, effects, EffectPublishQR, EffectTimer)
	if effects[0].QR != "code" {
		t.Fatalf("qr = %q", effects[0].QR)
	}
	if effects[1].Delay != 5*time.Minute {
		t.Fatalf("auth timer = %v", effects[1].Delay)
	}

	m, effects = Transition(m, Event{Kind: EvOpen})
	if m.State != StateReady || m.Attempts != 0 {
		t.Fatalf("state = %v attempts = %d", m.State, m.Attempts)
	}
	wantEffects(t, effects)
}

func TestLinearBackoffWithCeiling(t *testing.T) {
	t.Parallel()
	m := NewMachine(testTuning())
	m.State = StateReady

	wantDelays := []time.Duration{
		5 * time.Second,  // attempt 1
		10 * time.Second, // 2
		15 * time.Second, // 3
		20 * time.Second, // 4
		25 * time.Second, // 5
		25 * time.Second, // 6: capped at the ceiling
		25 * time.Second, // 7
	}
	for i, want := range wantDelays {
		var effects []Effect
		m, effects = Transition(m, Event{Kind: EvClosed, Cause: transport.CauseNetwork})
		if m.State != StateDisconnected {
			t.Fatalf("attempt %d: state = %v", i+1, m.State)
		}
		wantEffects(t, effects, EffectTimer)
		if effects[0].Delay != want {
			t.Fatalf("attempt %d: delay = %v, want %v", i+1, effects[0].Delay, want)
		}

		m, effects = Transition(m, Event{Kind: EvTimer})
		if m.State != StateReconnecting {
			t.Fatalf("attempt %d: state = %v", i+1, m.State)
		}
		wantEffects(t, effects, EffectDial)
	}
}

func TestAttemptBudgetLeadsToFailedThenCoolDown(t *testing.T) {
	t.Parallel()
	tun := testTuning()
	tun.MaxAttempts = 3
	m := NewMachine(tun)
	m.State = StateReady

	var effects []Effect
	for i := 0; i < 3; i++ {
		m, _ = Transition(m, Event{Kind: EvClosed, Cause: transport.CauseNetwork})
		m, _ = Transition(m, Event{Kind: EvTimer})
	}

	m, effects = Transition(m, Event{Kind: EvClosed, Cause: transport.CauseNetwork})
	if m.State != StateFailed {
		t.Fatalf("state = %v, want failed after budget spent", m.State)
	}
	wantEffects(t, effects, EffectTimer)
	if effects[0].Delay != time.Hour {
		t.Fatalf("cool-down = %v", effects[0].Delay)
	}

	// Cool-down expiry: clean counter, fresh dial.
	m, effects = Transition(m, Event{Kind: EvTimer})
	if m.State != StateReconnecting || m.Attempts != 0 {
		t.Fatalf("state = %v attempts = %d", m.State, m.Attempts)
	}
	wantEffects(t, effects, EffectDial)
}

func TestRestartRequiredPausesAndBacksUp(t *testing.T) {
	t.Parallel()
	m := NewMachine(testTuning())
	m.State = StateReady
	m.Attempts = 2

	m, effects := Transition(m, Event{Kind: EvClosed, Cause: transport.CauseRestartRequired})
	if m.State != StateDisconnected {
		t.Fatalf("state = %v", m.State)
	}
	if m.Attempts != 2 {
		t.Fatalf("restart must not consume the attempt budget, attempts = %d", m.Attempts)
	}
	wantEffects(t, effects, EffectBackupCreds, EffectTimer)
	if effects[1].Delay != 15*time.Second {
		t.Fatalf("settling pause = %v", effects[1].Delay)
	}
}

func TestLoggedOutIsTerminal(t *testing.T) {
	t.Parallel()
	m := NewMachine(testTuning())
	m.State = StateReady

	m, effects := Transition(m, Event{Kind: EvClosed, Cause: transport.CauseLoggedOut})
	if m.State != StateLoggedOut {
		t.Fatalf("state = %v", m.State)
	}
	wantEffects(t, effects)

	for _, ev := range []Event{
		{Kind: EvTimer},
		{Kind: EvOpen},
		{Kind: EvClosed, Cause: transport.CauseNetwork},
		{Kind: EvHealthReset},
	} {
		next, effects := Transition(m, ev)
		if next.State != StateLoggedOut || len(effects) != 0 {
			t.Fatalf("logged_out must ignore %v, got state %v effects %v",
				ev.Kind, next.State, kinds(effects))
		}
	}
}

func TestAuthTimeoutDialsForFreshCode(t *testing.T) {
	t.Parallel()
	m := NewMachine(testTuning())
	m.State = StateAwaitingAuth

	m, effects := Transition(m, Event{Kind: EvTimer})
	if m.State != StateReconnecting {
		t.Fatalf("state = %v", m.State)
	}
	wantEffects(t, effects, EffectDial)
}

func TestStaleTimerIgnoredWhenReady(t *testing.T) {
	t.Parallel()
	m := NewMachine(testTuning())
	m.State = StateReady

	next, effects := Transition(m, Event{Kind: EvTimer})
	if next.State != StateReady || len(effects) != 0 {
		t.Fatalf("stale timer must be a no-op, got %v / %v", next.State, kinds(effects))
	}
}

func TestHealthResetWipesAndRedials(t *testing.T) {
	t.Parallel()
	m := NewMachine(testTuning())
	m.State = StateDisconnected
	m.Attempts = 7

	m, effects := Transition(m, Event{Kind: EvHealthReset})
	if m.State != StateReconnecting || m.Attempts != 0 {
		t.Fatalf("state = %v attempts = %d", m.State, m.Attempts)
	}
	wantEffects(t, effects, EffectBackupCreds, EffectWipeCreds, EffectDial)
}

func TestReconnectSuccessResetsAttempts(t *testing.T) {
	t.Parallel()
	m := NewMachine(testTuning())
	m.State = StateReconnecting
	m.Attempts = 4

	m, _ = Transition(m, Event{Kind: EvOpen})
	if m.State != StateReady || m.Attempts != 0 {
		t.Fatalf("state = %v attempts = %d", m.State, m.Attempts)
	}
}
