// Package api is the typed client for the marketplace chat REST endpoints.
// Every request carries a bearer credential from an injected TokenSource;
// nothing here reads ambient state.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/offerta-dev/offerta-chat/internal/chat"
)

// ErrNotFound maps a 404 response. Callers that treat absence as a valid
// empty state check for it with errors.Is.
var ErrNotFound = errors.New("not found")

// TokenSource supplies the bearer credential for each request.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken adapts a fixed token string to TokenSource.
type StaticToken string

func (t StaticToken) Token() (string, error) { return string(t), nil }

type Client struct {
	base   string
	http   *http.Client
	tokens TokenSource
	log    zerolog.Logger
}

func New(baseURL string, tokens TokenSource, log zerolog.Logger) *Client {
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: 15 * time.Second},
		tokens: tokens,
		log:    log,
	}
}

// Conversations fetches the viewer's conversation summaries.
func (c *Client) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/chat/conversations", nil)
	if err != nil {
		return nil, err
	}
	var convs []chat.Conversation
	if err := c.do(req, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// StartConversation returns the existing or newly created conversation with
// the given participant. Idempotent on the backend.
func (c *Client) StartConversation(ctx context.Context, participantID string) (chat.Conversation, error) {
	body, err := json.Marshal(map[string]string{"participantId": participantID})
	if err != nil {
		return chat.Conversation{}, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/chat/start", bytes.NewReader(body))
	if err != nil {
		return chat.Conversation{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	var conv chat.Conversation
	if err := c.do(req, &conv); err != nil {
		return chat.Conversation{}, err
	}
	return conv, nil
}

// Messages fetches the ordered history, oldest first. A 404 means the
// conversation has no messages yet and yields an empty result, not an error.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/messages"
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var msgs []chat.Message
	err = c.do(req, &msgs)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkRead acknowledges read state for the conversation. The server answers
// with a messages_read event on the realtime channel.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/read"
	req, err := c.newRequest(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// SendMessage submits a multipart message: conversation id plus optional
// text and optional image file.
func (c *Client) SendMessage(ctx context.Context, conversationID, text, imagePath string) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("conversationId", conversationID); err != nil {
		return err
	}
	if text != "" {
		if err := w.WriteField("text", text); err != nil {
			return err
		}
	}
	if imagePath != "" {
		f, err := os.Open(imagePath)
		if err != nil {
			return err
		}
		part, err := w.CreateFormFile("image", filepath.Base(imagePath))
		if err != nil {
			f.Close()
			return err
		}
		if _, err := io.Copy(part, f); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/chat/messages", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req, nil)
}

// DeleteMessage removes a message for all participants. Deleting an already
// absent message is a no-op.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/chat/messages/"+url.PathEscape(messageID), nil)
	if err != nil {
		return err
	}
	err = c.do(req, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// DeleteConversation removes the conversation from the caller's own view
// only. Also idempotent.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/chat/conversations/"+url.PathEscape(conversationID), nil)
	if err != nil {
		return err
	}
	err = c.do(req, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	reqID := uuid.NewString()
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("req_id", reqID).Str("path", req.URL.Path).Msg("request failed")
		return err
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("req_id", reqID).
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("api request")

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
