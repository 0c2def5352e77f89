package nlu

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bot-tienda/internal/metrics"
)

func TestSanitizeCommand(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"/productos", "/productos"},
		{"  /Productos  ", "/productos"},
		{"/carrito por favor", "/carrito"},
		{"/checkout", "/checkout"},
		{"/vaciar", "/vaciar"},
		{"/buscar jabon", "/buscar jabon"},
		{"/buscar", "/buscar"},
		{"/add 3 2", "/add 3 2"},
		{"/add papel higienico 2", "/add papel higienico 2"},
		{"/add 2 papel higienico", "/add papel higienico 2"},
		{"/add jabones", "/add jabon 1"},
		{"/add de la crema dental", "/add crema dental 1"},
		{"/add", "/productos"},
		{"hola, claro!", "/productos"},
		{"ninguno", "/productos"},
		{"", "/productos"},
		{"/checkout\nademás otra línea", "/checkout"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeCommand(tt.raw), "sanitizeCommand(%q)", tt.raw)
	}
}

func TestStripPersonaPrefix(t *testing.T) {
	assert.Equal(t, "¡Hola!", stripPersonaPrefix("Damon: ¡Hola!"))
	assert.Equal(t, "todo bien", stripPersonaPrefix("respuesta: todo bien"))
	assert.Equal(t, "sin prefijo", stripPersonaPrefix("sin prefijo"))
}

func geminiTextResponse(text string) []byte {
	body, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"role":  "model",
				"parts": []map[string]any{{"text": text}},
			},
		}},
	})
	return body
}

func newTestClient(t *testing.T, handler http.HandlerFunc, keys ...string) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return New(Config{
		APIBase:  srv.URL,
		Keys:     keys,
		Model:    "gemini-test",
		Timeout:  2 * time.Second,
		Cooldown: time.Minute,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), metrics.New("test"))
}

func TestClassifyCommandParsesResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k1", r.URL.Query().Get("key"))
		_, _ = w.Write(geminiTextResponse("/add papel 2"))
	}, "k1")

	cmd, err := c.ClassifyCommand(context.Background(), "quiero 2 de papel")
	require.NoError(t, err)
	assert.Equal(t, "/add papel 2", cmd)
}

func TestCallGeminiRotatesOnQuota(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			assert.Equal(t, "exhausted", r.URL.Query().Get("key"))
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		assert.Equal(t, "fresh", r.URL.Query().Get("key"))
		_, _ = w.Write(geminiTextResponse("/productos"))
	}, "exhausted", "fresh")

	cmd, err := c.ClassifyCommand(context.Background(), "catalogo")
	require.NoError(t, err)
	assert.Equal(t, "/productos", cmd)
	assert.Equal(t, int32(2), calls.Load())

	// the exhausted key is skipped while in cooldown
	cmd, err = c.ClassifyCommand(context.Background(), "catalogo")
	require.NoError(t, err)
	assert.Equal(t, "/productos", cmd)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCallGeminiAllKeysFailing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}, "k1", "k2")

	_, err := c.ClassifyCommand(context.Background(), "hola")
	assert.Error(t, err)
}

func TestChatReplyStripsPrefix(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(geminiTextResponse("Damon: ¡Con gusto! 😊"))
	}, "k1")

	reply, err := c.ChatReply(context.Background(), "gracias", "Ana", nil)
	require.NoError(t, err)
	assert.Equal(t, "¡Con gusto! 😊", reply)
}

func TestTranscribeAudioRejectsEmptyPayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected")
	}, "k1")

	_, err := c.TranscribeAudio(context.Background(), nil, "audio/ogg")
	assert.Error(t, err)
}
