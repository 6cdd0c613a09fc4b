// Package convo keeps per-contact conversation state: a bounded message
// history, the last devotional each contact received, and the auto-reply
// logic for inbound messages.
package convo

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "github.com/brunovdl/whatsapp-devocional-rapberrypi/pkg/logx"
)

// Sender values recorded in the history.
const (
	SenderUser   = "usuario"
	SenderBot    = "bot"
	SenderSystem = "sistema"
)

// Message is one conversation turn.
type Message struct {
	Timestamp time.Time `json:"timestamp"`
	Sender    string    `json:"remetente"`
	Text      string    `json:"mensagem"`
}

// Devotional is the last devotional delivered to a contact.
type Devotional struct {
	Date time.Time `json:"data"`
	Text string    `json:"conteudo"`
}

// History is the per-contact document, one JSON file per phone.
type History struct {
	Phone          string      `json:"telefone"`
	UpdatedAt      time.Time   `json:"ultimaAtualizacao"`
	LastDevotional *Devotional `json:"ultimoDevocional"`
	Messages       []Message   `json:"conversas"`
}

// StoreConfig bounds the per-contact history.
type StoreConfig struct {
	Dir string
	// MaxMessages per contact. Default 100.
	MaxMessages int
	// Retention drops messages older than this on save. Default 7 days.
	Retention time.Duration
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.MaxMessages <= 0 {
		c.MaxMessages = 100
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	return c
}

// Store persists conversation histories under one directory.
type Store struct {
	cfg StoreConfig
	log logx.Logger
	now func() time.Time

	mu sync.Mutex
}

func NewStore(cfg StoreConfig, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("convo: conversations dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		cfg: cfg.withDefaults(),
		log: log.With(logx.String("component", "convo")),
		now: time.Now,
	}, nil
}

// SetClock replaces the time source (tests).
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) path(phone string) string {
	return filepath.Join(s.cfg.Dir, phone+".json")
}

// Load returns the contact's history, empty when none exists yet.
func (s *Store) Load(phone string) (History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(phone)
}

func (s *Store) loadLocked(phone string) (History, error) {
	empty := History{Phone: phone, UpdatedAt: s.now()}
	b, err := os.ReadFile(s.path(phone))
	if errors.Is(err, os.ErrNotExist) {
		return empty, nil
	}
	if err != nil {
		return empty, err
	}
	var h History
	if err := json.Unmarshal(b, &h); err != nil {
		s.log.Warn("corrupt conversation file; starting over",
			logx.String("phone", phone), logx.Err(err))
		return empty, nil
	}
	if h.Phone == "" {
		h.Phone = phone
	}
	return h, nil
}

// FirstInteraction reports whether the contact has no recorded conversation
// yet.
func (s *Store) FirstInteraction(phone string) bool {
	h, err := s.Load(phone)
	if err != nil {
		return true
	}
	return len(h.Messages) == 0
}

// RecordMessage appends one turn to the contact's history.
func (s *Store) RecordMessage(phone, sender, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.loadLocked(phone)
	if err != nil {
		return err
	}
	h.Messages = append(h.Messages, Message{
		Timestamp: s.now(),
		Sender:    sender,
		Text:      text,
	})
	return s.saveLocked(h)
}

// RecordDevotional marks the devotional delivered to the contact, keeping the
// conversation context around it.
func (s *Store) RecordDevotional(phone, devotional string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.loadLocked(phone)
	if err != nil {
		return err
	}
	h.LastDevotional = &Devotional{Date: s.now(), Text: devotional}
	h.Messages = append(h.Messages, Message{
		Timestamp: s.now(),
		Sender:    SenderSystem,
		Text:      "Novo devocional enviado",
	})
	return s.saveLocked(h)
}

// Recent returns the last n messages, oldest first.
func (s *Store) Recent(phone string, n int) ([]Message, error) {
	h, err := s.Load(phone)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(h.Messages) {
		return h.Messages, nil
	}
	return h.Messages[len(h.Messages)-n:], nil
}

// saveLocked trims the history to the configured bounds and writes the file
// atomically.
func (s *Store) saveLocked(h History) error {
	h.UpdatedAt = s.now()

	if len(h.Messages) > s.cfg.MaxMessages {
		h.Messages = h.Messages[len(h.Messages)-s.cfg.MaxMessages:]
	}
	cutoff := s.now().Add(-s.cfg.Retention)
	kept := h.Messages[:0]
	for _, m := range h.Messages {
		if !m.Timestamp.Before(cutoff) {
			kept = append(kept, m)
		}
	}
	h.Messages = kept

	b, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path(h.Phone) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(h.Phone))
}
