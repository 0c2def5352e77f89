// Package convo contains the conversation core: the ordered intent
// cascade, the cart and checkout state machine, the fuzzy product matcher
// and the multi-item extractor.
package convo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bot-tienda/internal/cache"
	"bot-tienda/internal/metrics"
	"bot-tienda/internal/n8n"
	"bot-tienda/internal/repo"
	"bot-tienda/internal/session"
)

const (
	mediaRateWindow = 10 * time.Minute
	mediaRateLimit  = 5

	imageStylePrompt = "Eres Damon, el asistente de una tienda de productos de aseo y hogar."
)

// Store is the catalog/inventory/order persistence collaborator.
type Store interface {
	ListProducts(ctx context.Context, limit int) ([]repo.Product, error)
	SearchProducts(ctx context.Context, term string, limit int) ([]repo.Product, error)
	GetProduct(ctx context.Context, id int64) (*repo.Product, error)
	CandidatesByTokens(ctx context.Context, tokens []string, limit int) ([]repo.Product, error)
	SearchByPhrase(ctx context.Context, phrase string, limit int) ([]repo.Product, error)
	DecrementStock(ctx context.Context, id int64, qty int) (bool, error)
	SaveOrder(ctx context.Context, order repo.Order) (string, error)
	LogMessage(ctx context.Context, rec repo.MessageRecord) error
}

// NLU is the Gemini-backed collaborator. Errors mean "unsure"; the
// cascade falls through instead of failing the conversation.
type NLU interface {
	ClassifyCommand(ctx context.Context, text string) (string, error)
	ChatReply(ctx context.Context, text, userName string, history []session.Entry) (string, error)
	TranscribeAudio(ctx context.Context, audio []byte, mimeType string) (string, error)
	DescribeImage(ctx context.Context, image []byte, mimeType, stylePrompt string) (string, error)
}

// Webhook is the optional n8n collaborator; nil Result means "nothing to
// say".
type Webhook interface {
	Notify(ctx context.Context, event n8n.Event) *n8n.Result
}

// Gateway sends replies back to Telegram. SendMenu attaches the
// quick-reply keyboard.
type Gateway interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendMenu(ctx context.Context, chatID int64, text string) error
}

// Incoming identifies one inbound message's conversation and sender.
type Incoming struct {
	ChatID      int64
	UserID      int64
	Username    string
	DisplayName string
	Text        string
}

// Engine drives every conversation: one call per inbound message, with
// the gateway guaranteeing per-conversation serialization.
type Engine struct {
	store   Store
	carts   *session.CartStore
	history *session.HistoryStore
	ai      NLU
	hook    Webhook
	gateway Gateway
	cache   *cache.Redis
	metrics *metrics.Metrics
	logger  *slog.Logger

	catalogLimit int
	rules        []rule
}

// NewEngine wires the conversation core. hook and redis may be nil.
func NewEngine(store Store, carts *session.CartStore, history *session.HistoryStore, ai NLU, hook Webhook, gateway Gateway, redis *cache.Redis, m *metrics.Metrics, logger *slog.Logger, catalogLimit int) *Engine {
	if catalogLimit < 1 {
		catalogLimit = 6
	}
	e := &Engine{
		store:        store,
		carts:        carts,
		history:      history,
		ai:           ai,
		hook:         hook,
		gateway:      gateway,
		cache:        redis,
		metrics:      m,
		logger:       logger.With("component", "convo"),
		catalogLimit: catalogLimit,
	}
	e.rules = e.buildRules()
	return e
}

// HandleText runs a free-text message through the intent cascade.
func (e *Engine) HandleText(ctx context.Context, msg Incoming) {
	e.metrics.IncomingMessages.WithLabelValues("text").Inc()

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	e.logIncoming(ctx, msg, "text", text)
	e.history.Append(msg.ChatID, "usuario", text)

	e.runCascade(ctx, msg, text)
}

// HandleCommand dispatches an explicit slash command.
func (e *Engine) HandleCommand(ctx context.Context, msg Incoming, command, args string) {
	e.metrics.IncomingMessages.WithLabelValues("command").Inc()
	e.logIncoming(ctx, msg, "command", "/"+command+" "+args)

	var err error
	switch command {
	case "start":
		err = e.sendMenu(ctx, msg, "welcome", welcomeText())
	case "reset":
		e.carts.Clear(msg.ChatID)
		e.history.Clear(msg.ChatID)
		err = e.send(ctx, msg, "reset", "Contexto y carrito borrados. ¡Empecemos de cero!")
	case "ayuda", "menu":
		err = e.sendMenu(ctx, msg, "help", helpText())
	case "productos":
		err = e.showCatalog(ctx, msg)
	case "buscar":
		term := strings.TrimSpace(args)
		if term == "" {
			err = e.send(ctx, msg, "usage", "Uso: /buscar <texto>")
			break
		}
		err = e.searchProducts(ctx, msg, term)
	case "add":
		tokens := strings.Fields(args)
		if len(tokens) == 0 {
			err = e.send(ctx, msg, "usage", "Uso: /add <id|nombre> [cantidad]")
			break
		}
		err = e.resolveAndAdd(ctx, msg, tokens)
	case "carrito":
		err = e.viewCart(ctx, msg)
	case "vaciar":
		err = e.clearCart(ctx, msg)
	case "checkout":
		err = e.checkout(ctx, msg)
	default:
		err = e.sendMenu(ctx, msg, "help", helpText())
	}

	if err != nil {
		e.reportFailure(ctx, msg, "command", err)
	}
}

// HandleAudio transcribes a voice note and routes the transcript through
// the same cascade a typed message would take.
func (e *Engine) HandleAudio(ctx context.Context, msg Incoming, audio []byte, mimeType string) {
	e.metrics.IncomingMessages.WithLabelValues("audio").Inc()

	if !e.allowMediaRequest(ctx, msg.ChatID, "audio") {
		_ = e.send(ctx, msg, "rate_limited", "Estoy recibiendo muchas notas de voz tuyas 😅. Espera unos minutos o escríbeme el pedido.")
		return
	}

	transcript, err := e.ai.TranscribeAudio(ctx, audio, mimeType)
	if err != nil {
		e.logger.Error("transcribe audio failed", "error", err)
		e.metrics.Errors.WithLabelValues("asr").Inc()
		_ = e.send(ctx, msg, "asr_failed", "No pude entender el audio 🎧. ¿Puedes escribirme tu pedido?")
		return
	}
	if transcript == "" {
		_ = e.send(ctx, msg, "asr_empty", "El audio no se escuchó bien. Intenta de nuevo o escríbeme el pedido.")
		return
	}

	e.logIncoming(ctx, msg, "audio", transcript)
	e.history.Append(msg.ChatID, "usuario", transcript)
	_ = e.send(ctx, msg, "asr_echo", fmt.Sprintf("🎤 Te escuché: \"%s\"", transcript))

	e.runCascade(ctx, msg, transcript)
}

// HandlePhoto describes a customer photo with the shop persona.
func (e *Engine) HandlePhoto(ctx context.Context, msg Incoming, image []byte, mimeType string) {
	e.metrics.IncomingMessages.WithLabelValues("image").Inc()

	if !e.allowMediaRequest(ctx, msg.ChatID, "image") {
		_ = e.send(ctx, msg, "rate_limited", "Dame un momento antes de enviar más fotos 🙏. Inténtalo en unos minutos.")
		return
	}

	description, err := e.ai.DescribeImage(ctx, image, mimeType, imageStylePrompt)
	if err != nil {
		e.logger.Error("describe image failed", "error", err)
		e.metrics.Errors.WithLabelValues("vision").Inc()
		_ = e.send(ctx, msg, "vision_failed", "No pude analizar la imagen 📷. ¿Me cuentas qué buscas?")
		return
	}

	e.logIncoming(ctx, msg, "image", description)
	e.history.Append(msg.ChatID, "asistente", description)
	_ = e.sendMenu(ctx, msg, "vision", description)
}

// runCascade walks the ordered rules; the first rule that matches and
// handles the message wins. Collaborator failures become a transient
// error message and never corrupt conversation state.
func (e *Engine) runCascade(ctx context.Context, msg Incoming, text string) {
	lower := strings.ToLower(text)

	for _, r := range e.rules {
		if !r.match(lower) {
			continue
		}
		handled, err := r.handle(ctx, msg, text, lower)
		if err != nil {
			e.reportFailure(ctx, msg, r.name, err)
			return
		}
		if handled {
			e.metrics.RuleHits.WithLabelValues(r.name).Inc()
			return
		}
	}
}

func (e *Engine) reportFailure(ctx context.Context, msg Incoming, component string, err error) {
	e.logger.Error("handling failed", "component", component, "error", err)
	e.metrics.Errors.WithLabelValues(component).Inc()
	_ = e.send(ctx, msg, "transient_error", "Ups, hubo un error. Intenta de nuevo por favor 🙏")
}

func (e *Engine) send(ctx context.Context, msg Incoming, category, text string) error {
	if err := e.gateway.SendText(ctx, msg.ChatID, text); err != nil {
		return err
	}
	e.logOutgoing(ctx, msg, category, text)
	return nil
}

func (e *Engine) sendMenu(ctx context.Context, msg Incoming, category, text string) error {
	if err := e.gateway.SendMenu(ctx, msg.ChatID, text); err != nil {
		return err
	}
	e.logOutgoing(ctx, msg, category, text)
	return nil
}

func (e *Engine) logIncoming(ctx context.Context, msg Incoming, kind, content string) {
	err := e.store.LogMessage(ctx, repo.MessageRecord{
		ChatID:    msg.ChatID,
		Direction: "incoming",
		Kind:      kind,
		Content:   content,
	})
	if err != nil {
		e.logger.Warn("log incoming message failed", "error", err)
	}
}

func (e *Engine) logOutgoing(ctx context.Context, msg Incoming, kind, content string) {
	err := e.store.LogMessage(ctx, repo.MessageRecord{
		ChatID:    msg.ChatID,
		Direction: "outgoing",
		Kind:      kind,
		Content:   content,
	})
	if err != nil {
		e.logger.Warn("log outgoing message failed", "error", err)
	}
}

// allowMediaRequest rate-limits audio/image analysis per user. Without
// redis the limit is disabled.
func (e *Engine) allowMediaRequest(ctx context.Context, chatID int64, mediaType string) bool {
	if e.cache == nil {
		return true
	}
	key := fmt.Sprintf("rl:media:%s:%d", mediaType, chatID)
	client := e.cache.Client()
	res := client.Incr(ctx, key)
	if res.Err() != nil {
		e.logger.Warn("rate limit incr failed", "error", res.Err())
		return true
	}
	if res.Val() == 1 {
		client.Expire(ctx, key, mediaRateWindow)
	}
	return res.Val() <= mediaRateLimit
}

// chatContext returns the conversation history for the persona prompt,
// excluding the entry just recorded for the message being handled; the
// prompt already carries the current message as its final line.
func (e *Engine) chatContext(chatID int64, text string) []session.Entry {
	history := e.history.Recent(chatID)
	if n := len(history); n > 0 && history[n-1].Role == "usuario" && history[n-1].Content == text {
		history = history[:n-1]
	}
	return history
}

func (e *Engine) customerName(msg Incoming) string {
	if msg.DisplayName != "" {
		return msg.DisplayName
	}
	if msg.Username != "" {
		return msg.Username
	}
	return fmt.Sprintf("Usuario_%d", msg.UserID)
}
