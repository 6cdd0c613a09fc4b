package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/transport"
	logx "github.com/brunovdl/whatsapp-devocional-rapberrypi/pkg/logx"
)

// fakeBridge is a minimal in-process bridge: it greets every connection with
// a qr frame and an open frame, then acks send frames (rejecting texts that
// contain "recusa").
func fakeBridge(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		if err := wsjson.Write(ctx, conn, frame{Type: "qr", QR: "pairing-payload"}); err != nil {
			return
		}
		if err := wsjson.Write(ctx, conn, frame{Type: "open"}); err != nil {
			return
		}

		for {
			var f frame
			if err := wsjson.Read(ctx, conn, &f); err != nil {
				return
			}
			switch f.Type {
			case "send":
				ack := frame{Type: "ack", ID: f.ID, OK: true}
				if strings.Contains(f.Text, "recusa") {
					ack.OK = false
					ack.Error = "recipient unavailable"
				}
				if err := wsjson.Write(ctx, conn, ack); err != nil {
					return
				}
			case "logout":
				_ = wsjson.Write(ctx, conn, frame{Type: "ack", ID: f.ID, OK: true})
				_ = wsjson.Write(ctx, conn, frame{Type: "close", Cause: "logged_out", Terminal: true})
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextEvent(t *testing.T, events <-chan transport.Event) transport.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event stream closed unexpectedly")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return transport.Event{}
}

func TestConnectStreamsAuthThenOpen(t *testing.T) {
	t.Parallel()
	srv := fakeBridge(t)
	defer srv.Close()

	c := New(Config{URL: wsURL(srv)}, logx.Nop())
	defer c.Close()

	events, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if ev := nextEvent(t, events); ev.Kind != transport.EventAuthArtifact || ev.QR != "pairing-payload" {
		t.Fatalf("expected auth artifact, got %+v", ev)
	}
	if ev := nextEvent(t, events); ev.Kind != transport.EventOpen {
		t.Fatalf("expected open, got %+v", ev)
	}
}

func TestSendTextWaitsForAck(t *testing.T) {
	t.Parallel()
	srv := fakeBridge(t)
	defer srv.Close()

	c := New(Config{URL: wsURL(srv)}, logx.Nop())
	defer c.Close()

	events, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	nextEvent(t, events) // qr
	nextEvent(t, events) // open

	if err := c.SendText(context.Background(), "5511999998888", "bom dia"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	err = c.SendText(context.Background(), "5511999998888", "mensagem recusada")
	if err == nil || !strings.Contains(err.Error(), "recipient unavailable") {
		t.Fatalf("expected bridge rejection, got %v", err)
	}
}

func TestLogoutEndsStreamTerminally(t *testing.T) {
	t.Parallel()
	srv := fakeBridge(t)
	defer srv.Close()

	c := New(Config{URL: wsURL(srv)}, logx.Nop())
	defer c.Close()

	events, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	nextEvent(t, events) // qr
	nextEvent(t, events) // open

	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	ev := nextEvent(t, events)
	if ev.Kind != transport.EventClose || ev.Cause != transport.CauseLoggedOut || !ev.Terminal {
		t.Fatalf("expected terminal logged_out close, got %+v", ev)
	}
	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("stream must close after a terminal event")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close")
	}
}

func TestSendWithoutConnect(t *testing.T) {
	t.Parallel()
	c := New(Config{URL: "ws://127.0.0.1:0"}, logx.Nop())
	if err := c.SendText(context.Background(), "55", "oi"); err != transport.ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
