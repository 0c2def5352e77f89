// Package n8n calls the optional workflow-automation webhook. It is a
// best-effort collaborator: any transport, auth or decoding problem yields
// nil so the conversation falls through to the fixed fallback message.
package n8n

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bot-tienda/internal/metrics"
)

// Config holds webhook settings. An empty URL disables the client.
type Config struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
}

// Event is the payload offered to the workflow.
type Event struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// Result is what the workflow answered: a direct reply, a recognized
// command, or neither.
type Result struct {
	Reply   string
	Command string
}

// Client posts events to the configured n8n webhook.
type Client struct {
	url        string
	username   string
	password   string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// New creates the webhook client. Returns nil when no URL is configured;
// callers treat a nil client as "webhook disabled".
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil
	}
	return &Client{
		url:        cfg.URL,
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "n8n"),
		metrics:    m,
	}
}

// Notify offers the event to the workflow and returns its answer, or nil
// when the workflow had nothing to say or anything failed.
func (c *Client) Notify(ctx context.Context, event Event) *Result {
	body, err := json.Marshal(event)
	if err != nil {
		c.logger.Warn("encode n8n payload failed", "error", err)
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		c.logger.Warn("build n8n request failed", "error", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" && c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.WebhookRequests.WithLabelValues("error").Inc()
		c.logger.Warn("n8n call failed", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.WebhookRequests.WithLabelValues(fmt.Sprintf("%d", resp.StatusCode)).Inc()
		c.logger.Warn("n8n returned non-2xx", "status", resp.StatusCode)
		return nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Warn("read n8n response failed", "error", err)
		return nil
	}

	c.metrics.WebhookRequests.WithLabelValues("success").Inc()
	return parseResponse(raw)
}

// parseResponse accepts the shapes n8n workflows actually emit: an object
// with a command or reply field, or an array of {json: {...}} wrappers.
func parseResponse(raw []byte) *Result {
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err == nil {
		return resultFromMap(asMap)
	}

	var asList []map[string]any
	if err := json.Unmarshal(raw, &asList); err == nil && len(asList) > 0 {
		if inner, ok := asList[0]["json"].(map[string]any); ok {
			return resultFromMap(inner)
		}
	}

	return nil
}

func resultFromMap(data map[string]any) *Result {
	res := &Result{}
	if cmd, ok := data["command"].(string); ok {
		res.Command = strings.ToLower(strings.TrimSpace(cmd))
	}
	for _, key := range []string{"respuesta", "reply", "res", "message"} {
		if val, ok := data[key].(string); ok && strings.TrimSpace(val) != "" {
			res.Reply = strings.TrimSpace(val)
			break
		}
	}
	if res.Command == "" && res.Reply == "" {
		return nil
	}
	return res
}
