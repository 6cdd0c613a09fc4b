package app

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/config"
	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/content"
	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/convo"
	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/history"
	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/roster"
	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/transport"
	logx "github.com/brunovdl/whatsapp-devocional-rapberrypi/pkg/logx"
)

// maxInboundAge drops messages delivered long after they were sent (offline
// catch-up bursts right after a reconnect).
const maxInboundAge = 10 * time.Minute

const welcomeWithDevotional = `*Bem-vindo ao Devocional-IA* 🙏📱
Olá! Seja Bem-vindo ao *Whatsapp Devocionals-IA*, devocionais diários totalmente automatizado.

Como Funciona?
- *Receba diariamente* um devocional único criado por inteligência artificial
- *Interaja respondendo* a qualquer momento
- *Explore reflexões* personalizadas e inspiradoras
- *Novos devocionais* todos os dias 06:00 da manhã

Aqui vai o devocional de hoje, Deus abençoe!`

const welcomeFreshDevotional = "Olá 😀! Seja bem-vindo(a) ao Whatsapp Devocional-IA. Aqui está o devocional de hoje:"

const welcomeNoDevotional = "Olá! Seja bem-vindo(a) ao Whatsapp Devocional-IA. Nosso sistema está preparando o devocional de hoje. Por favor, tente novamente em alguns instantes."

// audioReplies answer voice notes, which the responder cannot transcribe.
var audioReplies = []string{
	"Olá! Recebi seu áudio, mas ainda não consigo processá-lo. Você poderia, por gentileza, enviar sua pergunta ou comentário como mensagem de texto? Assim poderei lhe ajudar melhor. 🙏",
	"Agradeço pelo seu áudio! No momento, não disponho da capacidade de ouvi-lo. Poderia, por favor, compartilhar seu pensamento ou pergunta em forma de texto? Ficarei feliz em responder!",
	"Recebi sua mensagem de voz! Infelizmente, ainda não consigo compreender áudios. Se puder enviar o mesmo conteúdo em texto, será um prazer conversar sobre o devocional de hoje ou qualquer outro assunto espiritual.",
}

// handleInbound runs on the supervisor's event pump; the work moves to a
// goroutine so a slow model call never blocks connection events.
func (a *App) handleInbound(msg transport.InboundMessage) {
	if msg.Group {
		return
	}
	cfg := a.cfgm.Get()
	if cfg == nil || !cfg.Convo.AutoReplyEnabled() {
		a.log.Debug("auto-reply disabled; inbound message ignored")
		return
	}
	if !msg.Timestamp.IsZero() && time.Since(msg.Timestamp) > maxInboundAge {
		a.log.Debug("skipping stale inbound message",
			logx.String("from", msg.From), logx.Time("sent", msg.Timestamp))
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(a.ctx, 2*time.Minute)
		defer cancel()
		a.processInbound(ctx, cfg, msg)
	}()
}

func (a *App) processInbound(ctx context.Context, cfg *config.Config, msg transport.InboundMessage) {
	phone := roster.NormalizePhone(msg.From)
	log := a.log.With(logx.String("phone", phone))

	a.markOnline(ctx, cfg, msg.From)

	if a.convos.FirstInteraction(phone) {
		log.Info("first interaction detected", logx.String("name", msg.PushName))
		a.welcome(ctx, msg.From, phone, msg.PushName)
		return
	}

	if msg.Kind != "text" || strings.TrimSpace(msg.Text) == "" {
		if msg.Kind == "audio" {
			reply := audioReplies[rand.Intn(len(audioReplies))]
			if err := a.convos.RecordMessage(phone, convo.SenderUser, "[Mensagem de áudio]"); err != nil {
				log.Warn("conversation write failed", logx.Err(err))
			}
			if err := a.convos.RecordMessage(phone, convo.SenderBot, reply); err != nil {
				log.Warn("conversation write failed", logx.Err(err))
			}
			a.sendTyping(ctx, msg.From, reply, 2*time.Second)
		}
		return
	}

	reply, err := a.responder.Reply(ctx, phone, msg.Text)
	if err != nil {
		log.Warn("reply generation failed", logx.Err(err))
		return
	}
	a.sendTyping(ctx, msg.From, reply, typingDelay(reply))
}

// typingDelay scales with the reply length, bounded to feel human.
func typingDelay(reply string) time.Duration {
	d := time.Duration(len(reply)) * 100 * time.Millisecond
	if d < 3*time.Second {
		d = 3 * time.Second
	}
	if d > 8*time.Second {
		d = 8 * time.Second
	}
	return d
}

// sendTyping shows composing, waits, pauses, then delivers.
func (a *App) sendTyping(ctx context.Context, recipient, text string, d time.Duration) {
	_ = a.sess.SetPresence(ctx, recipient, transport.PresenceComposing)
	if !sleepCtx(ctx, d) {
		return
	}
	_ = a.sess.SetPresence(ctx, recipient, transport.PresencePaused)
	if !sleepCtx(ctx, 500*time.Millisecond) {
		return
	}
	if err := a.sess.Send(ctx, recipient, text); err != nil {
		a.log.Warn("send failed", logx.String("recipient", recipient), logx.Err(err))
	}
}

// welcome adds the new contact to the roster and hands them today's
// devotional: the recorded one when available, a freshly composed one
// otherwise.
func (a *App) welcome(ctx context.Context, recipient, phone, name string) {
	added, err := a.contacts.Append(phone, name)
	if err != nil {
		a.log.Warn("roster append failed", logx.String("phone", phone), logx.Err(err))
	} else if added {
		a.log.Info("contact added to roster",
			logx.String("phone", phone), logx.String("name", name))
	}

	devotional, ok, err := a.hist.LatestDevotional(ctx)
	if err != nil {
		a.log.Warn("latest devotional lookup failed", logx.Err(err))
	}
	if ok {
		if err := a.sess.Send(ctx, recipient, welcomeWithDevotional); err != nil {
			a.log.Warn("welcome send failed", logx.String("phone", phone), logx.Err(err))
			return
		}
		sleepCtx(ctx, 1500*time.Millisecond)
		if err := a.sess.Send(ctx, recipient, devotional); err != nil {
			a.log.Warn("welcome devotional send failed", logx.String("phone", phone), logx.Err(err))
			return
		}
		if err := a.convos.RecordDevotional(phone, devotional); err != nil {
			a.log.Warn("conversation write failed", logx.String("phone", phone), logx.Err(err))
		}
		a.log.Info("devotional sent to new contact", logx.String("phone", phone))
		return
	}

	// Nothing sent today yet; compose one for this contact alone.
	now := time.Now()
	res, err := a.composer.Compose(ctx, now)
	if err != nil {
		a.log.Warn("welcome compose failed", logx.String("phone", phone), logx.Err(err))
		_ = a.sess.Send(ctx, recipient, welcomeNoDevotional)
		return
	}
	if err := a.sess.Send(ctx, recipient, welcomeFreshDevotional); err != nil {
		a.log.Warn("welcome send failed", logx.String("phone", phone), logx.Err(err))
		return
	}
	sleepCtx(ctx, 1500*time.Millisecond)
	if err := a.sess.Send(ctx, recipient, res.Text); err != nil {
		a.log.Warn("welcome devotional send failed", logx.String("phone", phone), logx.Err(err))
		return
	}
	if err := a.convos.RecordDevotional(phone, res.Text); err != nil {
		a.log.Warn("conversation write failed", logx.String("phone", phone), logx.Err(err))
	}
	if err := a.hist.Record(ctx, history.Entry{
		Date:       content.DateKey(now),
		Devotional: res.Text,
		Verse:      res.Verse,
		Flagged:    res.Flagged,
		Total:      1,
		Succeeded:  1,
		Timestamp:  now,
	}); err != nil {
		a.log.Warn("history write failed", logx.Err(err))
	}
	a.log.Info("fresh devotional sent to new contact", logx.String("phone", phone))
}

// markOnline publishes availability and schedules the return to offline
// after the configured quiet window, restarting the timer on each message.
func (a *App) markOnline(ctx context.Context, cfg *config.Config, recipient string) {
	_ = a.sess.SetPresence(ctx, recipient, transport.PresenceAvailable)

	window, err := config.ParseDurationOrDefault("session.online_window", cfg.Session.OnlineWindow, time.Minute)
	if err != nil {
		window = time.Minute
	}

	a.presenceMu.Lock()
	defer a.presenceMu.Unlock()
	if a.presenceTimer != nil {
		a.presenceTimer.Stop()
	}
	a.presenceTimer = time.AfterFunc(window, func() {
		if a.ctx.Err() != nil {
			return
		}
		offCtx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
		defer cancel()
		_ = a.sess.SetPresence(offCtx, "", transport.PresenceUnavailable)
	})
}

// sleepCtx reports false when ctx ended before the delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
