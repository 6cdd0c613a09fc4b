package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/transport"
	logx "github.com/brunovdl/whatsapp-devocional-rapberrypi/pkg/logx"
)

// scriptedClient is a transport.Client whose event stream the test drives.
type scriptedClient struct {
	mu         sync.Mutex
	events     chan transport.Event
	connectErr error
	sent       []string
	closed     bool
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{events: make(chan transport.Event, 8)}
}

func (c *scriptedClient) Connect(ctx context.Context) (<-chan transport.Event, error) {
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	return c.events, nil
}

func (c *scriptedClient) SendText(ctx context.Context, recipient, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, recipient)
	return nil
}

func (c *scriptedClient) SetPresence(ctx context.Context, recipient string, state transport.PresenceState) error {
	return nil
}

func (c *scriptedClient) Logout(ctx context.Context) error { return nil }

func (c *scriptedClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *scriptedClient) emit(ev transport.Event) { c.events <- ev }

func fastTuning() Tuning {
	return Tuning{
		BackoffBase:  5 * time.Millisecond,
		MaxAttempts:  3,
		RestartPause: 5 * time.Millisecond,
		CoolDown:     time.Hour,
		AuthTimeout:  time.Minute,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSupervisorBecomesReadyAndSends(t *testing.T) {
	t.Parallel()
	client := newScriptedClient()
	creds, _ := newTestCreds(t)
	sup := NewSupervisor(Config{Tuning: fastTuning()},
		func() transport.Client { return client }, creds, logx.Nop())

	sup.Start(context.Background())
	defer sup.Stop()

	if err := sup.Send(context.Background(), "5511999998888", "oi"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("send before open must fail with ErrNotReady, got %v", err)
	}

	client.emit(transport.Event{Kind: transport.EventAuthArtifact, QR: "pair-me"})
	waitFor(t, "pairing code", func() bool { _, ok := sup.QR(); return ok })
	client.emit(transport.Event{Kind: transport.EventOpen})
	waitFor(t, "ready state", func() bool { return sup.Ready() })

	if _, ok := sup.QR(); ok {
		t.Fatal("pairing code must clear once the session opens")
	}
	if err := sup.Send(context.Background(), "5511999998888", "oi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	client.mu.Lock()
	sent := len(client.sent)
	client.mu.Unlock()
	if sent != 1 {
		t.Fatalf("client recorded %d sends", sent)
	}
}

func TestSupervisorRedialsAfterNetworkDrop(t *testing.T) {
	t.Parallel()
	var dials atomic.Int32
	clients := []*scriptedClient{newScriptedClient(), newScriptedClient()}
	creds, _ := newTestCreds(t)
	sup := NewSupervisor(Config{Tuning: fastTuning()}, func() transport.Client {
		n := dials.Add(1)
		if int(n) > len(clients) {
			return newScriptedClient()
		}
		return clients[n-1]
	}, creds, logx.Nop())

	sup.Start(context.Background())
	defer sup.Stop()

	clients[0].emit(transport.Event{Kind: transport.EventOpen})
	waitFor(t, "first ready", func() bool { return sup.Ready() })

	clients[0].emit(transport.Event{Kind: transport.EventClose, Cause: transport.CauseNetwork})
	_ = clients[0].Close()

	waitFor(t, "second dial", func() bool { return dials.Load() >= 2 })
	clients[1].emit(transport.Event{Kind: transport.EventOpen})
	waitFor(t, "reconnected", func() bool { return sup.Ready() })

	if st := sup.Status(); st.Attempts != 0 {
		t.Fatalf("attempts must reset after reconnect, got %d", st.Attempts)
	}
}

func TestSupervisorLoggedOutIsTerminal(t *testing.T) {
	t.Parallel()
	var dials atomic.Int32
	client := newScriptedClient()
	creds, _ := newTestCreds(t)
	sup := NewSupervisor(Config{Tuning: fastTuning()}, func() transport.Client {
		dials.Add(1)
		return client
	}, creds, logx.Nop())

	sup.Start(context.Background())
	defer sup.Stop()

	client.emit(transport.Event{Kind: transport.EventOpen})
	waitFor(t, "ready", func() bool { return sup.Ready() })

	client.emit(transport.Event{Kind: transport.EventClose, Cause: transport.CauseLoggedOut, Terminal: true})
	_ = client.Close()
	waitFor(t, "logged out", func() bool { return sup.State() == StateLoggedOut })

	// no redial happens for a logged-out session
	time.Sleep(30 * time.Millisecond)
	if got := dials.Load(); got != 1 {
		t.Fatalf("logged-out session must not redial, dials = %d", got)
	}
	if err := sup.Send(context.Background(), "5511999998888", "oi"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestSupervisorResetLeavesLoggedOut(t *testing.T) {
	t.Parallel()
	var dials atomic.Int32
	creds, _ := newTestCreds(t)
	sup := NewSupervisor(Config{Tuning: fastTuning()}, func() transport.Client {
		dials.Add(1)
		return newScriptedClient()
	}, creds, logx.Nop())

	sup.Start(context.Background())
	defer sup.Stop()
	waitFor(t, "first dial", func() bool { return dials.Load() >= 1 })

	if err := sup.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	waitFor(t, "fresh dial after reset", func() bool { return dials.Load() >= 2 })
	if creds.Exists() {
		t.Fatal("reset must wipe the credential dir")
	}
}
