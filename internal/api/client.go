package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/docpilot/internal/auth"
	"github.com/docpilot/internal/retry"
	"github.com/docpilot/pkg/models"
)

// StatusError is a non-2xx response from the backend, carrying the status
// code and the server's error message when it sent one.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Message)
}

// HTTPStatus lets the retry classifier separate 5xx from 4xx.
func (e *StatusError) HTTPStatus() int {
	return e.Code
}

// Config carries the transport settings for a Client.
type Config struct {
	BaseURL           string
	AgentID           string
	Timeout           time.Duration // per-request budget for non-streaming calls
	RequestsPerSecond float64
	TokenSource       auth.TokenSource
	Retry             retry.Config
}

// Client talks to the document-intelligence backend. It is safe for
// concurrent use; one instance serves the whole process.
type Client struct {
	baseURL string
	agentID string
	timeout time.Duration
	http    *http.Client
	tokens  auth.TokenSource
	limiter *rate.Limiter
	retry   retry.Config
}

// NewClient creates a backend client from cfg. The base URL is explicit
// configuration; there is no ambient default.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.TokenSource == nil {
		cfg.TokenSource = auth.StaticTokenSource("")
	}

	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		agentID: cfg.AgentID,
		timeout: cfg.Timeout,
		// Streaming responses outlive any sane client-level timeout, so the
		// budget for non-streaming calls is applied per request via context.
		http:    &http.Client{},
		tokens:  cfg.TokenSource,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		retry:   cfg.Retry,
	}, nil
}

// ListConversations fetches conversation summaries from the backend.
func (c *Client) ListConversations(ctx context.Context) ([]models.ConversationRecord, error) {
	var out []models.ConversationRecord
	if err := c.getJSON(ctx, "/api/conversations", &out); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return out, nil
}

// GetConversation loads one conversation with its full message history.
func (c *Client) GetConversation(ctx context.Context, id string) (*models.ConversationDetail, error) {
	var out models.ConversationDetail
	if err := c.getJSON(ctx, "/api/conversations/"+id, &out); err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	return &out, nil
}

// DeleteConversation removes a conversation on the backend.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	if _, err := c.doRequest(ctx, http.MethodDelete, "/api/conversations/"+id, nil); err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	return nil
}

// ListDocuments fetches the ingested document records.
func (c *Client) ListDocuments(ctx context.Context) ([]models.DocumentRecord, error) {
	var out []models.DocumentRecord
	if err := c.getJSON(ctx, "/api/documents", &out); err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return out, nil
}

// getJSON performs an idempotent GET under the retry policy and decodes the
// normalized response into v.
func (c *Client) getJSON(ctx context.Context, path string, v interface{}) error {
	return retry.Do(ctx, c.retry, func() error {
		body, err := c.doRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		return decodeInto(body, v)
	})
}

// doRequest executes one non-streaming request and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newStatusError(resp)
	}

	return io.ReadAll(resp.Body)
}

// newRequest builds an authenticated request after the rate limiter admits
// it. Every outbound call, streaming included, goes through here.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain bearer token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return req, nil
}

// newStatusError drains the response and extracts the server's message from
// the common error body shapes.
func newStatusError(resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	msg := strings.TrimSpace(string(body))

	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Error != "":
			msg = payload.Error
		case payload.Message != "":
			msg = payload.Message
		case payload.Detail != "":
			msg = payload.Detail
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	return &StatusError{Code: resp.StatusCode, Message: msg}
}

// decodeInto unmarshals a response body that is either the payload itself or
// wrapped in a {"data": ...} envelope. Both shapes occur in the wild; this is
// the single normalization point for them.
func decodeInto(body []byte, v interface{}) error {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Data) > 0 {
		return json.Unmarshal(envelope.Data, v)
	}
	return json.Unmarshal(body, v)
}
