package convo

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	logx "github.com/brunovdl/whatsapp-devocional-rapberrypi/pkg/logx"
)

// TextModel turns a prompt into text; satisfied by the Gemini client.
type TextModel interface {
	Generate(ctx context.Context, prompt string, temperature float64) (string, error)
}

// KnowledgeSource feeds the reply prompt with source material.
type KnowledgeSource interface {
	Content(ctx context.Context) (string, error)
}

// replyKnowledgeClamp bounds the knowledge base inside the reply prompt.
const replyKnowledgeClamp = 10000

// contextTurns is how many recent messages are quoted back to the model.
const contextTurns = 5

var accentReplacer = strings.NewReplacer(
	"á", "a", "à", "a", "â", "a", "ã", "a", "ä", "a",
	"é", "e", "è", "e", "ê", "e", "ë", "e",
	"í", "i", "ì", "i", "î", "i", "ï", "i",
	"ó", "o", "ò", "o", "ô", "o", "õ", "o", "ö", "o",
	"ú", "u", "ù", "u", "û", "u", "ü", "u",
	"ç", "c",
)

var questionKeywords = []string{
	"quem", "como", "por que", "porque", "quando", "onde", "qual", "quais",
	"o que", "oq", "pq", "me explica", "pode explicar", "explique", "significa",
	"entendi", "nao entendi", "duvida",
}

// IsQuestion reports whether the text looks like something that deserves an
// elaborate answer instead of a short acknowledgment.
func IsQuestion(text string) bool {
	normalized := accentReplacer.Replace(strings.ToLower(text))
	if strings.Contains(normalized, "?") {
		return true
	}
	for _, kw := range questionKeywords {
		if strings.Contains(normalized, kw) {
			return true
		}
	}
	return false
}

var simpleReplies = []string{
	"Amém! Tenha um dia abençoado.",
	"Que Deus te abençoe hoje e sempre.",
	"Obrigado por compartilhar. Fique na paz de Cristo.",
	"Louvado seja Deus! Tenha um excelente dia.",
	"Que a graça de Deus esteja com você hoje.",
}

const errorReply = "Agradeço sua mensagem. Estou refletindo sobre isso e logo poderei responder com mais clareza. Que Deus abençoe seu dia."

// ResponderConfig tunes the auto-reply behavior.
type ResponderConfig struct {
	// MinQuestionLength: shorter non-questions get a canned acknowledgment.
	// Default 10.
	MinQuestionLength int
	// Temperature for reply generation. Default 0.7.
	Temperature float64
}

func (c ResponderConfig) withDefaults() ResponderConfig {
	if c.MinQuestionLength <= 0 {
		c.MinQuestionLength = 10
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.7
	}
	return c
}

// Responder answers inbound messages using the contact's conversation
// context and the knowledge base.
type Responder struct {
	cfg       ResponderConfig
	store     *Store
	model     TextModel
	knowledge KnowledgeSource
	log       logx.Logger
	rng       *rand.Rand
}

func NewResponder(cfg ResponderConfig, store *Store, model TextModel, knowledge KnowledgeSource, log logx.Logger) *Responder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Responder{
		cfg:       cfg.withDefaults(),
		store:     store,
		model:     model,
		knowledge: knowledge,
		log:       log.With(logx.String("component", "responder")),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Reply records the inbound message and produces an answer. Model failures
// degrade to a polite canned reply; the error is logged, never surfaced to
// the contact.
func (r *Responder) Reply(ctx context.Context, phone, text string) (string, error) {
	if err := r.store.RecordMessage(phone, SenderUser, text); err != nil {
		r.log.Warn("failed recording inbound message",
			logx.String("phone", phone), logx.Err(err))
	}

	if !IsQuestion(text) && len(text) < r.cfg.MinQuestionLength {
		reply := simpleReplies[r.rng.Intn(len(simpleReplies))]
		_ = r.store.RecordMessage(phone, SenderBot, reply)
		return reply, nil
	}

	prompt, err := r.buildPrompt(ctx, phone, text)
	if err != nil {
		return "", err
	}
	reply, err := r.model.Generate(ctx, prompt, r.cfg.Temperature)
	if err != nil {
		r.log.Warn("reply generation failed",
			logx.String("phone", phone), logx.Err(err))
		reply = errorReply
	}
	reply = strings.TrimSpace(reply)
	if err := r.store.RecordMessage(phone, SenderBot, reply); err != nil {
		r.log.Warn("failed recording reply", logx.String("phone", phone), logx.Err(err))
	}
	return reply, nil
}

func (r *Responder) buildPrompt(ctx context.Context, phone, text string) (string, error) {
	h, err := r.store.Load(phone)
	if err != nil {
		return "", err
	}

	lastDevotional := ""
	if h.LastDevotional != nil {
		lastDevotional = h.LastDevotional.Text
	}

	recent := h.Messages
	if len(recent) > contextTurns {
		recent = recent[len(recent)-contextTurns:]
	}
	var turns []string
	for _, m := range recent {
		who := "Bot"
		if m.Sender == SenderUser {
			who = "Pessoa"
		}
		turns = append(turns, who+": "+m.Text)
	}

	knowledge := ""
	if r.knowledge != nil {
		if k, err := r.knowledge.Content(ctx); err == nil {
			knowledge = k
		}
	}
	if len(knowledge) > replyKnowledgeClamp {
		knowledge = knowledge[:replyKnowledgeClamp]
	}

	return strings.TrimSpace(fmt.Sprintf(replyTemplate,
		lastDevotional, strings.Join(turns, "\n"), text, knowledge)), nil
}

const replyTemplate = `
Você é um assistente espiritual que está respondendo perguntas sobre um devocional diário que você enviou para uma pessoa via WhatsApp.

Seu último devocional enviado foi:
%s

O contexto da conversa recente é:
%s

A pessoa acabou de enviar esta mensagem para você:
%q

Baseie-se no devocional enviado e na seguinte base de conhecimento religiosa para responder:
%s

Responda à pergunta ou comentário da pessoa de forma amigável, acolhedora e espiritual.
Mantenha a resposta concisa (até 5 frases), mas esclarecedora e relevante para a mensagem da pessoa.
Se for uma pergunta sobre o devocional, dê uma resposta específica baseada no versículo e na reflexão.
Se não for uma pergunta relacionada ao devocional, responda de forma generalista e gentil, evitando debates teológicos complexos.

Não mencione que você é uma IA ou um bot. Responda como um aconselhador espiritual amigável.
`
