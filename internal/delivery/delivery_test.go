package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/content"
	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/generate"
	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/history"
	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/roster"
	logx "github.com/brunovdl/whatsapp-devocional-rapberrypi/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	ready bool
	sent  []string
	fail  map[string]bool
}

func (f *fakeSender) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeSender) SetReady(v bool) {
	f.mu.Lock()
	f.ready = v
	f.mu.Unlock()
}

func (f *fakeSender) Send(ctx context.Context, recipient, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[recipient] {
		return errors.New("recipient unavailable")
	}
	f.sent = append(f.sent, recipient)
	return nil
}

func (f *fakeSender) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeRoster struct{ contacts []roster.Contact }

func (f *fakeRoster) Contacts() ([]roster.Contact, error) { return f.contacts, nil }

type fakeComposer struct {
	mu      sync.Mutex
	calls   int
	blockCh chan struct{}
}

func (f *fakeComposer) Compose(ctx context.Context, now time.Time) (generate.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.blockCh != nil {
		<-f.blockCh
	}
	return generate.Result{
		Text:  "📅 devocional\n\n📖 *Versículo:* \"Texto.\" (Salmos 1:1)",
		Verse: content.Verse{Text: "Texto.", Reference: "Salmos 1:1"},
	}, nil
}

func (f *fakeComposer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeLedger struct {
	mu      sync.Mutex
	entries []history.Entry
}

func (f *fakeLedger) Record(ctx context.Context, e history.Entry) error {
	f.mu.Lock()
	f.entries = append(f.entries, e)
	f.mu.Unlock()
	return nil
}

func (f *fakeLedger) Entries() []history.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]history.Entry, len(f.entries))
	copy(out, f.entries)
	return out
}

type fakeConvo struct {
	mu     sync.Mutex
	marked []string
}

func (f *fakeConvo) RecordDevotional(phone, devotional string) error {
	f.mu.Lock()
	f.marked = append(f.marked, phone)
	f.mu.Unlock()
	return nil
}

func twoContacts() []roster.Contact {
	return []roster.Contact{
		{Name: "Maria", Phone: "5511988887777"},
		{Name: "Pedro", Phone: "5521966665555"},
	}
}

func TestRunDeliversAndFinalizesCounts(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{ready: true}
	ledger := &fakeLedger{}
	convo := &fakeConvo{}
	o := New(Config{Pace: time.Millisecond}, sender, &fakeRoster{contacts: twoContacts()},
		&fakeComposer{}, ledger, convo, logx.Nop())

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries := ledger.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected provisional + final records, got %d", len(entries))
	}
	if entries[0].Total != 0 || entries[0].Succeeded != 0 {
		t.Fatalf("provisional entry must carry zero counts: %+v", entries[0])
	}
	if entries[1].Total != 2 || entries[1].Succeeded != 2 {
		t.Fatalf("final entry counts wrong: %+v", entries[1])
	}
	if len(convo.marked) != 2 {
		t.Fatalf("expected both conversations marked, got %d", len(convo.marked))
	}
}

func TestRunToleratesPerRecipientFailure(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{ready: true, fail: map[string]bool{"5511988887777": true}}
	ledger := &fakeLedger{}
	o := New(Config{Pace: time.Millisecond}, sender, &fakeRoster{contacts: twoContacts()},
		&fakeComposer{}, ledger, &fakeConvo{}, logx.Nop())

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries := ledger.Entries()
	final := entries[len(entries)-1]
	if final.Total != 2 || final.Succeeded != 1 {
		t.Fatalf("final counts = %d/%d, want 1/2", final.Succeeded, final.Total)
	}
	if sent := sender.Sent(); len(sent) != 1 || sent[0] != "5521966665555" {
		t.Fatalf("sent = %v", sent)
	}
}

func TestDuplicateTriggerIsDropped(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	composer := &fakeComposer{blockCh: block}
	sender := &fakeSender{ready: true}
	o := New(Config{Pace: time.Millisecond}, sender, &fakeRoster{contacts: twoContacts()},
		composer, &fakeLedger{}, &fakeConvo{}, logx.Nop())

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background()) }()

	// Wait for the first run to take the guard.
	for composer.Calls() == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := o.Run(context.Background()); err != ErrRunInProgress {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first run failed: %v", err)
	}
}

func TestNotReadyDefersAndRetries(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{ready: false}
	ledger := &fakeLedger{}
	composer := &fakeComposer{}
	o := New(Config{Pace: time.Millisecond, RetryInterval: 20 * time.Millisecond},
		sender, &fakeRoster{contacts: twoContacts()}, composer, ledger, &fakeConvo{}, logx.Nop())

	if err := o.Run(context.Background()); err != ErrDeferred {
		t.Fatalf("expected ErrDeferred, got %v", err)
	}

	// The devotional is registered before the readiness check.
	if entries := ledger.Entries(); len(entries) != 1 || entries[0].Total != 0 {
		t.Fatalf("expected one provisional entry, got %+v", entries)
	}

	sender.SetReady(true)
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries := ledger.Entries()
		if len(entries) >= 3 && entries[len(entries)-1].Total == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("deferred retry never completed, entries = %+v", entries)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if composer.Calls() < 2 {
		t.Fatalf("expected the retry to recompose, calls = %d", composer.Calls())
	}
}

func TestPacingSpacesSends(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{ready: true}
	contacts := []roster.Contact{
		{Name: "a", Phone: "5511911111111"},
		{Name: "b", Phone: "5511922222222"},
		{Name: "c", Phone: "5511933333333"},
	}
	o := New(Config{Pace: 30 * time.Millisecond}, sender, &fakeRoster{contacts: contacts},
		&fakeComposer{}, &fakeLedger{}, &fakeConvo{}, logx.Nop())

	start := time.Now()
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("three sends finished in %v; pacing not applied", elapsed)
	}
}
