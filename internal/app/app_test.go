package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/config"
	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/generate"
	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/session"
	logx "github.com/brunovdl/whatsapp-devocional-rapberrypi/pkg/logx"
)

func TestMapSessionTuning(t *testing.T) {
	t.Parallel()
	sc := config.SessionConfig{
		BackoffBase:     "2s",
		RestartPause:    "10s",
		FailureCooldown: "30m",
		AuthTimeout:     "3m",
		ReconnectMax:    7,
		HealthInterval:  "1m",
	}
	tuning, health, err := mapSessionTuning(sc)
	if err != nil {
		t.Fatalf("mapSessionTuning: %v", err)
	}
	if tuning.BackoffBase != 2*time.Second || tuning.RestartPause != 10*time.Second {
		t.Fatalf("tuning = %+v", tuning)
	}
	if tuning.CoolDown != 30*time.Minute || tuning.AuthTimeout != 3*time.Minute {
		t.Fatalf("tuning = %+v", tuning)
	}
	if tuning.MaxAttempts != 7 {
		t.Fatalf("max attempts = %d", tuning.MaxAttempts)
	}
	if health != time.Minute {
		t.Fatalf("health interval = %v", health)
	}

	if _, _, err := mapSessionTuning(config.SessionConfig{BackoffBase: "soon"}); err == nil {
		t.Fatal("invalid duration must fail")
	}
}

func TestMapSessionTuningDefaults(t *testing.T) {
	t.Parallel()
	tuning, health, err := mapSessionTuning(config.SessionConfig{})
	if err != nil {
		t.Fatalf("mapSessionTuning: %v", err)
	}
	if tuning.BackoffBase != 5*time.Second || tuning.CoolDown != time.Hour {
		t.Fatalf("defaults not applied: %+v", tuning)
	}
	if health != 5*time.Minute {
		t.Fatalf("health interval default = %v", health)
	}
	// reconnect_max is passed through as zero; the machine fills it in.
	if m := session.NewMachine(tuning); m.Tuning.MaxAttempts != 5 {
		t.Fatalf("reconnect budget default = %d, want 5", m.Tuning.MaxAttempts)
	}
}

func TestBuildModelWithoutKey(t *testing.T) {
	model, err := buildModel(config.GenerationConfig{APIKeyEnv: "TEST_KEY_THAT_IS_UNSET"}, logx.Nop())
	if err != nil {
		t.Fatalf("buildModel: %v", err)
	}
	if _, err := model.Generate(context.Background(), "x", 0.7); !errors.Is(err, generate.ErrNoAPIKey) {
		t.Fatalf("offline model must report the missing key, got %v", err)
	}
}

func TestTypingDelayBounds(t *testing.T) {
	t.Parallel()
	if d := typingDelay("oi"); d != 3*time.Second {
		t.Fatalf("short reply delay = %v", d)
	}
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	if d := typingDelay(string(long)); d != 8*time.Second {
		t.Fatalf("long reply delay = %v", d)
	}
	if d := typingDelay(string(long[:50])); d != 5*time.Second {
		t.Fatalf("mid reply delay = %v", d)
	}
}

func TestConfigAccessUpdate(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
schedule:
  time: "06:00"
session:
  auth_dir: "./auth"
  gateway_url: "ws://127.0.0.1:3001/ws"
history:
  path: "./h.json"
logging:
  level: "INFO"
  console: true
  file:
    enabled: false
    path: ""
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfgm := config.NewManager(path)
	if _, err := cfgm.Load(); err != nil {
		t.Fatal(err)
	}
	ca := &configAccess{cfgm: cfgm}

	if err := ca.Update([]byte("schedule:\n  time: \"99:00\"\n")); err == nil {
		t.Fatal("invalid document must be rejected before touching the file")
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(after) != body {
		t.Fatal("rejected update must not modify the file")
	}

	updated := []byte(strings.Replace(body, `"06:00"`, `"07:15"`, 1))
	if err := ca.Update(updated); err != nil {
		t.Fatalf("Update: %v", err)
	}
	after, err = os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(after) != string(updated) {
		t.Fatal("accepted update must replace the file")
	}
}
