// Package tg is the Telegram transport: long polling, per-conversation
// serialized dispatch and outbound sends.
package tg

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"bot-tienda/internal/convo"
)

const (
	pollTimeout   = 30 * time.Second
	queueCapacity = 32
	maxFileBytes  = 20 << 20
)

// Dispatcher is the conversation core seen from the transport.
type Dispatcher interface {
	HandleText(ctx context.Context, msg convo.Incoming)
	HandleCommand(ctx context.Context, msg convo.Incoming, command, args string)
	HandleAudio(ctx context.Context, msg convo.Incoming, audio []byte, mimeType string)
	HandlePhoto(ctx context.Context, msg convo.Incoming, image []byte, mimeType string)
}

// Gateway long-polls Telegram and fans updates out to one worker per
// chat, so a conversation never has two handlers in flight while
// different conversations run concurrently.
type Gateway struct {
	api    *tgbotapi.BotAPI
	logger *slog.Logger
	menu   tgbotapi.ReplyKeyboardMarkup
	files  *http.Client

	mu     sync.Mutex
	queues map[int64]chan func()
	wg     sync.WaitGroup
}

func New(token string, logger *slog.Logger) (*Gateway, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram client: %w", err)
	}
	return &Gateway{
		api:    api,
		logger: logger.With("component", "tg"),
		menu: tgbotapi.NewReplyKeyboard(
			tgbotapi.NewKeyboardButtonRow(
				tgbotapi.NewKeyboardButton("🛒 Ver productos"),
				tgbotapi.NewKeyboardButton("🧺 Ver carrito"),
			),
			tgbotapi.NewKeyboardButtonRow(
				tgbotapi.NewKeyboardButton("❓ Ayuda"),
			),
		),
		files:  &http.Client{Timeout: 60 * time.Second},
		queues: make(map[int64]chan func()),
	}, nil
}

// Username returns the authenticated bot account name.
func (g *Gateway) Username() string { return g.api.Self.UserName }

// Run polls until ctx is cancelled, then drains the per-chat queues.
func (g *Gateway) Run(ctx context.Context, d Dispatcher) {
	g.registerCommands()

	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = int(pollTimeout.Seconds())
	updates := g.api.GetUpdatesChan(cfg)

	go func() {
		<-ctx.Done()
		g.api.StopReceivingUpdates()
	}()

	for update := range updates {
		g.dispatch(ctx, d, update)
	}

	g.mu.Lock()
	for _, q := range g.queues {
		close(q)
	}
	g.queues = nil
	g.mu.Unlock()
	g.wg.Wait()
}

func (g *Gateway) registerCommands() {
	cmds := tgbotapi.NewSetMyCommands(
		tgbotapi.BotCommand{Command: "start", Description: "Empezar"},
		tgbotapi.BotCommand{Command: "productos", Description: "Ver el catálogo"},
		tgbotapi.BotCommand{Command: "buscar", Description: "Buscar un producto"},
		tgbotapi.BotCommand{Command: "carrito", Description: "Ver tu carrito"},
		tgbotapi.BotCommand{Command: "checkout", Description: "Confirmar tu pedido"},
		tgbotapi.BotCommand{Command: "vaciar", Description: "Vaciar el carrito"},
		tgbotapi.BotCommand{Command: "ayuda", Description: "Ver los comandos"},
		tgbotapi.BotCommand{Command: "reset", Description: "Empezar de cero"},
	)
	if _, err := g.api.Request(cmds); err != nil {
		g.logger.Warn("register bot commands failed", "error", err)
	}
}

func (g *Gateway) dispatch(ctx context.Context, d Dispatcher, update tgbotapi.Update) {
	m := update.Message
	if m == nil || m.From == nil || m.From.IsBot {
		return
	}

	in := convo.Incoming{
		ChatID:      m.Chat.ID,
		UserID:      m.From.ID,
		Username:    m.From.UserName,
		DisplayName: displayName(m.From),
		Text:        m.Text,
	}

	switch {
	case m.IsCommand():
		command, args := m.Command(), m.CommandArguments()
		g.enqueue(in.ChatID, func() { d.HandleCommand(ctx, in, command, args) })
	case m.Voice != nil:
		fileID, mime := m.Voice.FileID, orDefault(m.Voice.MimeType, "audio/ogg")
		g.enqueue(in.ChatID, func() { g.withFile(ctx, in, fileID, mime, d.HandleAudio) })
	case m.Audio != nil:
		fileID, mime := m.Audio.FileID, orDefault(m.Audio.MimeType, "audio/mpeg")
		g.enqueue(in.ChatID, func() { g.withFile(ctx, in, fileID, mime, d.HandleAudio) })
	case len(m.Photo) > 0:
		// Telegram orders photo sizes ascending; take the largest.
		fileID := m.Photo[len(m.Photo)-1].FileID
		g.enqueue(in.ChatID, func() { g.withFile(ctx, in, fileID, "image/jpeg", d.HandlePhoto) })
	case strings.TrimSpace(m.Text) != "":
		g.enqueue(in.ChatID, func() { d.HandleText(ctx, in) })
	}
}

// enqueue hands a job to the chat's worker, spawning it on first use. A
// full queue drops the update instead of blocking the poll loop.
func (g *Gateway) enqueue(chatID int64, job func()) {
	g.mu.Lock()
	if g.queues == nil {
		g.mu.Unlock()
		return
	}
	q, ok := g.queues[chatID]
	if !ok {
		q = make(chan func(), queueCapacity)
		g.queues[chatID] = q
		g.wg.Add(1)
		go g.worker(q)
	}
	g.mu.Unlock()

	select {
	case q <- job:
	default:
		g.logger.Warn("conversation queue full, dropping update", "chat_id", chatID)
	}
}

func (g *Gateway) worker(q <-chan func()) {
	defer g.wg.Done()
	for job := range q {
		job()
	}
}

func (g *Gateway) withFile(ctx context.Context, in convo.Incoming, fileID, mimeType string, handle func(context.Context, convo.Incoming, []byte, string)) {
	data, err := g.downloadFile(ctx, fileID)
	if err != nil {
		g.logger.Error("download file failed", "chat_id", in.ChatID, "error", err)
		_ = g.SendText(ctx, in.ChatID, "No pude descargar el archivo 😔. Intenta de nuevo.")
		return
	}
	handle(ctx, in, data, mimeType)
}

func (g *Gateway) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	url, err := g.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.files.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch file: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileBytes))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

// SendText sends a plain message.
func (g *Gateway) SendText(ctx context.Context, chatID int64, text string) error {
	return g.sendMessage(ctx, tgbotapi.NewMessage(chatID, text))
}

// SendMenu sends a message with the quick-reply keyboard attached.
func (g *Gateway) SendMenu(ctx context.Context, chatID int64, text string) error {
	m := tgbotapi.NewMessage(chatID, text)
	m.ReplyMarkup = g.menu
	return g.sendMessage(ctx, m)
}

func (g *Gateway) sendMessage(ctx context.Context, m tgbotapi.MessageConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := g.api.Send(m); err != nil {
		return fmt.Errorf("send to chat %d: %w", m.ChatID, err)
	}
	return nil
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
