// Package session keeps exactly one authenticated channel session alive. The
// reconnect policy is a pure state machine (machine.go); the Supervisor wires
// it to the real transport, timers and credential directory.
package session

import (
	"time"

	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/transport"
)

// State of the session lifecycle.
type State string

const (
	StateInit         State = "init"
	StateAwaitingAuth State = "awaiting_auth"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	// StateDisconnected is the backoff wait between a drop and the next dial.
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	// StateFailed means the attempt budget is spent; a cool-down timer is the
	// only way out.
	StateFailed State = "failed"
	// StateLoggedOut is terminal: the remote side invalidated the session and
	// only an operator reset may start over.
	StateLoggedOut State = "logged_out"
)

// Tuning holds the reconnect policy knobs.
type Tuning struct {
	// BackoffBase is multiplied by the attempt number for the retry delay.
	BackoffBase time.Duration
	// BackoffCeiling caps the attempt multiplier.
	BackoffCeiling int
	// MaxAttempts is the consecutive-failure budget before StateFailed.
	MaxAttempts int
	// RestartPause is the fixed settling delay after a restart-required drop.
	RestartPause time.Duration
	// CoolDown is how long StateFailed lasts before a fresh dial.
	CoolDown time.Duration
	// AuthTimeout bounds how long an unscanned pairing code is waited on
	// before dialing again for a fresh one.
	AuthTimeout time.Duration
}

func (t Tuning) withDefaults() Tuning {
	if t.BackoffBase <= 0 {
		t.BackoffBase = 5 * time.Second
	}
	if t.BackoffCeiling <= 0 {
		t.BackoffCeiling = 5
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 5
	}
	if t.RestartPause <= 0 {
		t.RestartPause = 15 * time.Second
	}
	if t.CoolDown <= 0 {
		t.CoolDown = time.Hour
	}
	if t.AuthTimeout <= 0 {
		t.AuthTimeout = 5 * time.Minute
	}
	return t
}

// Machine is the pure reconnect policy. Transition never touches the clock,
// the network or the filesystem; it only returns effects for the caller to
// execute.
type Machine struct {
	Tuning   Tuning
	State    State
	Attempts int
}

// NewMachine returns a machine in StateInit.
func NewMachine(t Tuning) Machine {
	return Machine{Tuning: t.withDefaults(), State: StateInit}
}

// EventKind discriminates machine inputs.
type EventKind int

const (
	// EvStart kicks off the first dial.
	EvStart EventKind = iota
	// EvAuthArtifact is a pairing payload from the channel.
	EvAuthArtifact
	// EvOpen is a successful, authenticated connection.
	EvOpen
	// EvClosed is a dropped connection; Cause classifies it.
	EvClosed
	// EvTimer is the expiry of the timer the machine last scheduled.
	EvTimer
	// EvHealthReset is a forced full reset from the health checker.
	EvHealthReset
)

// Event is one machine input.
type Event struct {
	Kind  EventKind
	Cause transport.CloseCause
	QR    string
}

// EffectKind discriminates machine outputs.
type EffectKind int

const (
	// EffectDial opens a fresh transport connection.
	EffectDial EffectKind = iota
	// EffectTimer schedules EvTimer after Delay.
	EffectTimer
	// EffectBackupCreds snapshots the credential directory.
	EffectBackupCreds
	// EffectWipeCreds clears the credential directory.
	EffectWipeCreds
	// EffectPublishQR exposes a pairing payload to the operator.
	EffectPublishQR
)

// Effect is one machine output.
type Effect struct {
	Kind  EffectKind
	Delay time.Duration
	QR    string
}

func dial() Effect                 { return Effect{Kind: EffectDial} }
func timer(d time.Duration) Effect { return Effect{Kind: EffectTimer, Delay: d} }
func publishQR(qr string) Effect   { return Effect{Kind: EffectPublishQR, QR: qr} }
func backup() Effect               { return Effect{Kind: EffectBackupCreds} }
func wipe() Effect                 { return Effect{Kind: EffectWipeCreds} }

// BackoffDelay is the wait before the given attempt (1-based), linear in the
// attempt number and capped at the ceiling.
func (m Machine) BackoffDelay(attempt int) time.Duration {
	if attempt > m.Tuning.BackoffCeiling {
		attempt = m.Tuning.BackoffCeiling
	}
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * m.Tuning.BackoffBase
}

// Transition applies one event and returns the next machine plus the effects
// to execute, in order.
func Transition(m Machine, ev Event) (Machine, []Effect) {
	if m.State == StateLoggedOut {
		return m, nil
	}

	switch ev.Kind {
	case EvStart:
		if m.State != StateInit {
			return m, nil
		}
		m.State = StateConnecting
		return m, []Effect{dial()}

	case EvAuthArtifact:
		switch m.State {
		case StateConnecting, StateReconnecting, StateAwaitingAuth:
			m.State = StateAwaitingAuth
			return m, []Effect{publishQR(ev.QR), timer(m.Tuning.AuthTimeout)}
		}
		return m, nil

	case EvOpen:
		switch m.State {
		case StateConnecting, StateReconnecting, StateAwaitingAuth:
			m.State = StateReady
			m.Attempts = 0
			return m, nil
		}
		return m, nil

	case EvClosed:
		return transitionClosed(m, ev.Cause)

	case EvTimer:
		switch m.State {
		case StateDisconnected:
			m.State = StateReconnecting
			return m, []Effect{dial()}
		case StateFailed:
			// Cool-down elapsed: start over with a clean counter.
			m.Attempts = 0
			m.State = StateReconnecting
			return m, []Effect{dial()}
		case StateAwaitingAuth:
			// Pairing payload expired unscanned; dial for a fresh one.
			m.State = StateReconnecting
			return m, []Effect{dial()}
		}
		return m, nil

	case EvHealthReset:
		m.Attempts = 0
		m.State = StateReconnecting
		return m, []Effect{backup(), wipe(), dial()}
	}
	return m, nil
}

func transitionClosed(m Machine, cause transport.CloseCause) (Machine, []Effect) {
	switch m.State {
	case StateReady, StateConnecting, StateReconnecting, StateAwaitingAuth:
	default:
		return m, nil
	}

	switch cause {
	case transport.CauseLoggedOut:
		m.State = StateLoggedOut
		return m, nil

	case transport.CauseRestartRequired:
		// A deliberate channel restart: snapshot credentials and wait the
		// fixed settling pause. Does not consume the attempt budget.
		m.State = StateDisconnected
		return m, []Effect{backup(), timer(m.Tuning.RestartPause)}

	default:
		m.Attempts++
		if m.Attempts > m.Tuning.MaxAttempts {
			m.State = StateFailed
			return m, []Effect{timer(m.Tuning.CoolDown)}
		}
		m.State = StateDisconnected
		return m, []Effect{timer(m.BackoffDelay(m.Attempts))}
	}
}
