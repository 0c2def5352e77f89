// Package nlu talks to the Gemini API: free-text to canonical command
// classification, the casual-chat persona, audio transcription and image
// description. Every call carries a timeout and every failure is surfaced
// so callers can fall through the intent cascade instead of crashing.
package nlu

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"bot-tienda/internal/lang"
	"bot-tienda/internal/metrics"
	"bot-tienda/internal/session"
)

const defaultAPIBase = "https://generativelanguage.googleapis.com/v1beta"

// Commands the classifier is allowed to return. Anything else collapses to
// the catalog command.
const (
	CmdProductos = "/productos"
	CmdBuscar    = "/buscar"
	CmdAdd       = "/add"
	CmdCarrito   = "/carrito"
	CmdVaciar    = "/vaciar"
	CmdCheckout  = "/checkout"
)

var (
	errQuotaExceeded = errors.New("gemini quota exceeded")
	errUnauthorised  = errors.New("gemini unauthorised")
)

// Config holds NLU client configuration.
type Config struct {
	APIBase  string
	Keys     []string
	Model    string
	Timeout  time.Duration
	Cooldown time.Duration
}

// Client is a Gemini REST client with API-key rotation: keys that hit
// quota or auth errors are put in cooldown and the next key is tried.
type Client struct {
	logger     *slog.Logger
	metrics    *metrics.Metrics
	httpClient *http.Client
	apiBase    string
	model      string
	timeout    time.Duration
	cooldown   time.Duration

	mu   sync.Mutex
	keys []apiKey
}

type apiKey struct {
	value         string
	cooldownUntil time.Time
}

type callResult struct {
	text string
	key  int
	err  error
}

// New creates a Gemini client.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		base = defaultAPIBase
	}
	keys := make([]apiKey, 0, len(cfg.Keys))
	for _, k := range cfg.Keys {
		keys = append(keys, apiKey{value: k})
	}
	return &Client{
		logger:     logger.With("component", "nlu"),
		metrics:    m,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		apiBase:    base,
		model:      cfg.Model,
		timeout:    cfg.Timeout,
		cooldown:   cfg.Cooldown,
		keys:       keys,
	}
}

// ClassifyCommand maps free text to exactly one canonical bot command.
// Whatever Gemini returns is sanitized down to an allowed command,
// defaulting to /productos. Callers must treat any error as "unsure".
func (c *Client) ClassifyCommand(ctx context.Context, text string) (string, error) {
	payload := geminiRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: buildClassifierPrompt(text)}},
		}},
		GenerationConfig: generationConfig{
			Temperature:     0.2,
			TopP:            0.9,
			MaxOutputTokens: 64,
		},
	}

	raw, key, err := c.callGemini(ctx, payload)
	if err != nil {
		return "", err
	}
	c.metrics.GeminiRequests.WithLabelValues("success").Inc()

	cmd := sanitizeCommand(raw)
	c.logger.Debug("classified message", "command", cmd, "key", key)
	return cmd, nil
}

// ChatReply generates the casual-chat persona answer. The prompt forbids
// inventing product or price facts and nudges toward catalog commands.
func (c *Client) ChatReply(ctx context.Context, text, userName string, history []session.Entry) (string, error) {
	payload := geminiRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: buildChatPrompt(text, userName, history)}},
		}},
		GenerationConfig: generationConfig{
			Temperature:     0.6,
			TopP:            0.9,
			MaxOutputTokens: 256,
		},
	}

	raw, _, err := c.callGemini(ctx, payload)
	if err != nil {
		return "", err
	}
	c.metrics.GeminiRequests.WithLabelValues("success").Inc()
	return stripPersonaPrefix(strings.TrimSpace(raw)), nil
}

// TranscribeAudio converts a voice note to Spanish text.
func (c *Client) TranscribeAudio(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("audio payload empty")
	}
	if mimeType == "" {
		mimeType = "audio/ogg"
	}

	payload := geminiRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{Text: "Transcribe la siguiente nota de voz a texto en español, tal como la diría el cliente. Responde solo con la transcripción, sin comentarios."},
				{InlineData: &inlineData{
					MimeType: mimeType,
					Data:     base64.StdEncoding.EncodeToString(audio),
				}},
			},
		}},
		GenerationConfig: generationConfig{
			Temperature:     0.2,
			MaxOutputTokens: 256,
		},
	}

	text, _, err := c.callGemini(ctx, payload)
	if err != nil {
		return "", err
	}
	c.metrics.GeminiRequests.WithLabelValues("success").Inc()
	return strings.TrimSpace(text), nil
}

// DescribeImage describes a customer photo using the shop style prompt,
// reading any visible text or prices.
func (c *Client) DescribeImage(ctx context.Context, image []byte, mimeType, stylePrompt string) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("image payload empty")
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	prompt := stylePrompt + " Responde SIEMPRE en español. Analiza la imagen: 1) describe lo que ves, 2) si hay texto o precio, léelo. Sé breve."
	payload := geminiRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{Text: prompt},
				{InlineData: &inlineData{
					MimeType: mimeType,
					Data:     base64.StdEncoding.EncodeToString(image),
				}},
			},
		}},
		GenerationConfig: generationConfig{
			Temperature:     0.2,
			MaxOutputTokens: 512,
		},
	}

	text, _, err := c.callGemini(ctx, payload)
	if err != nil {
		return "", err
	}
	c.metrics.GeminiRequests.WithLabelValues("success").Inc()
	return strings.TrimSpace(text), nil
}

func buildClassifierPrompt(text string) string {
	var sb strings.Builder
	sb.WriteString("Actúa como un bot VENDEDOR. Devuelve exactamente UN comando entre:\n")
	sb.WriteString("  /productos\n  /buscar <palabra>\n  /add <id> <cantidad>\n")
	sb.WriteString("  /add <nombre> <cantidad>   # si no sabes el id, usa el nombre del producto\n")
	sb.WriteString("  /carrito\n  /vaciar\n  /checkout\n\n")
	sb.WriteString("Reglas:\n")
	sb.WriteString("- Si el usuario saluda o pide ver el catálogo o los productos -> /productos\n")
	sb.WriteString("- Si el usuario quiere agregar pero no da ID, usa /add <nombre> <cantidad>\n")
	sb.WriteString("- Si no estás seguro -> /productos\n")
	sb.WriteString("- SOLO devuelve el comando, sin explicaciones.\n\n")
	sb.WriteString("Ejemplos:\n")
	sb.WriteString("Usuario: \"quiero agregar 2 de papel higiénico\"\nComando: /add papel higienico 2\n")
	sb.WriteString("Usuario: \"ponme 3 jabones\"\nComando: /add jabon 3\n")
	sb.WriteString("Usuario: \"pagar\"\nComando: /checkout\n")
	sb.WriteString("Usuario: \"finalizar la compra\"\nComando: /checkout\n\n")
	sb.WriteString("Usuario: \"" + text + "\"\nComando:")
	return sb.String()
}

func buildChatPrompt(text, userName string, history []session.Entry) string {
	var sb strings.Builder
	sb.WriteString("Eres Damon, un asistente virtual amigable de una tienda de productos de aseo personal, limpieza y hogar.\n")
	sb.WriteString("Responde de forma natural, cálida y concisa (máximo 2-3 líneas), con algún emoji ocasional.\n")
	sb.WriteString("NO inventes información sobre productos ni precios.\n")
	sb.WriteString("Si preguntan por productos, sugiere \"ver productos\" o \"buscar <producto>\".\n")
	sb.WriteString("Si la conversación se desvía, redirige sutilmente al catálogo.\n\n")
	if len(history) > 0 {
		sb.WriteString("Conversación reciente:\n")
		for _, h := range history {
			sb.WriteString("- " + h.Role + ": " + h.Content + "\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Usuario (" + userName + "): " + text + "\nDamon:")
	return sb.String()
}

// sanitizeCommand reduces whatever the model returned to one allowed
// command. /add arguments are reordered to "<name|id> <qty>", stop-words
// dropped and names singularized to improve the catalog match.
func sanitizeCommand(raw string) string {
	s := strings.TrimSpace(raw)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	s = strings.Join(strings.Fields(s), " ")
	lower := strings.ToLower(s)

	if lower == "" || lower == "ninguno" || lower == "none" {
		return CmdProductos
	}

	if strings.HasPrefix(lower, CmdAdd) {
		return sanitizeAdd(lower)
	}

	if strings.HasPrefix(lower, CmdBuscar) {
		parts := strings.SplitN(lower, " ", 2)
		if len(parts) == 1 || strings.TrimSpace(parts[1]) == "" {
			return CmdBuscar
		}
		return CmdBuscar + " " + strings.TrimSpace(parts[1])
	}

	for _, cmd := range []string{CmdProductos, CmdCarrito, CmdVaciar, CmdCheckout} {
		if strings.HasPrefix(lower, cmd) {
			return cmd
		}
	}

	return CmdProductos
}

func sanitizeAdd(lower string) string {
	args := dropStopWords(strings.Fields(lower)[1:])
	if len(args) == 0 {
		return CmdProductos
	}

	qty := 1
	switch {
	case isDigits(args[len(args)-1]):
		qty = lang.ParseQuantity(args[len(args)-1], 1)
		args = args[:len(args)-1]
	case isDigits(args[0]):
		qty = lang.ParseQuantity(args[0], 1)
		args = args[1:]
	}
	if len(args) == 0 {
		return CmdProductos
	}

	if len(args) == 1 && isDigits(args[0]) {
		return fmt.Sprintf("%s %s %d", CmdAdd, args[0], qty)
	}

	name := lang.SingularizePhrase(strings.Join(args, " "))
	return fmt.Sprintf("%s %s %d", CmdAdd, name, qty)
}

func dropStopWords(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		switch a {
		case "de", "del", "la", "el", "los", "las":
		default:
			out = append(out, a)
		}
	}
	return out
}

func stripPersonaPrefix(s string) string {
	for _, prefix := range []string{"damon:", "respuesta:", "asistente:"} {
		if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
			return strings.TrimSpace(s[len(prefix):])
		}
	}
	return s
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (c *Client) callGemini(ctx context.Context, payload geminiRequest) (string, int, error) {
	var lastErr error

	c.mu.Lock()
	keys := make([]apiKey, len(c.keys))
	copy(keys, c.keys)
	c.mu.Unlock()

	for i, k := range keys {
		if time.Now().Before(k.cooldownUntil) {
			continue
		}

		res := c.invokeWithKey(ctx, i, k.value, payload)
		if res.err == nil {
			return res.text, res.key, nil
		}
		lastErr = res.err

		if errors.Is(res.err, errQuotaExceeded) || errors.Is(res.err, errUnauthorised) {
			c.mu.Lock()
			c.keys[i].cooldownUntil = time.Now().Add(c.cooldown)
			c.mu.Unlock()
			c.logger.Warn("gemini key in cooldown", "key", i, "error", res.err)
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no available gemini keys")
	}
	c.metrics.GeminiRequests.WithLabelValues("failed").Inc()
	return "", 0, lastErr
}

func (c *Client) invokeWithKey(ctx context.Context, idx int, key string, payload geminiRequest) callResult {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return callResult{err: fmt.Errorf("marshal payload: %w", err)}
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.apiBase, c.model, key)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return callResult{err: fmt.Errorf("new request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.GeminiRequests.WithLabelValues("error").Inc()
		return callResult{err: fmt.Errorf("gemini http: %w", err)}
	}
	defer resp.Body.Close()

	c.metrics.GeminiLatency.WithLabelValues(fmt.Sprintf("%d", resp.StatusCode)).Observe(time.Since(start).Seconds())

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return callResult{err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode == http.StatusOK {
		text, err := extractCandidateText(body)
		if err != nil {
			return callResult{err: err}
		}
		return callResult{text: text, key: idx}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return callResult{err: errQuotaExceeded}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return callResult{err: errUnauthorised}
	}

	return callResult{err: fmt.Errorf("gemini request failed: status=%d body=%s", resp.StatusCode, string(body))}
}

func extractCandidateText(body []byte) (string, error) {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode gemini response: %w", err)
	}
	for _, cand := range resp.Candidates {
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				return part.Text, nil
			}
		}
	}
	return "", fmt.Errorf("no candidate text found")
}

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig,omitempty"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	TopP            float64 `json:"topP,omitempty"`
	MaxOutputTokens int32   `json:"maxOutputTokens,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Role  string       `json:"role"`
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}
