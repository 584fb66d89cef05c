package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/docpilot/internal/sse"
	"github.com/docpilot/pkg/models"
)

// ChatStream is one live chat response. Recv yields events in server-send
// order and returns io.EOF when the transport closes; a *sse.DecodeError is
// local to one event. Close releases the connection and must run on every
// exit path.
type ChatStream struct {
	body io.ReadCloser
	dec  *sse.Decoder
	once sync.Once
}

// Recv returns the next decoded chat event.
func (s *ChatStream) Recv() (*models.ChatStreamEvent, error) {
	payload, err := s.dec.Next()
	if err != nil {
		return nil, err
	}

	var event models.ChatStreamEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, &sse.DecodeError{Payload: string(payload), Err: err}
	}
	return &event, nil
}

// Close releases the underlying transport handle. Idempotent.
func (s *ChatStream) Close() error {
	s.once.Do(func() { s.body.Close() })
	return nil
}

// StreamChat opens the streaming chat endpoint for req. The stream is not
// restartable; retrying means calling StreamChat again.
func (c *Client) StreamChat(ctx context.Context, chatReq models.ChatRequest) (*ChatStream, error) {
	c.applyDefaults(&chatReq)

	payload, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/chat/stream", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open chat stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, newStatusError(resp)
	}

	return &ChatStream{body: resp.Body, dec: sse.NewDecoder(resp.Body)}, nil
}

// Chat issues the non-streaming request with the same payload shape. The
// reconciler uses it as the fallback after a failed stream, so it makes
// exactly one attempt.
func (c *Client) Chat(ctx context.Context, chatReq models.ChatRequest) (*models.ChatResponse, error) {
	c.applyDefaults(&chatReq)

	body, err := c.doRequest(ctx, http.MethodPost, "/api/chat", chatReq)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}

	var out models.ChatResponse
	if err := decodeInto(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode chat response: %w", err)
	}
	return &out, nil
}

// applyDefaults fills the configured agent id when the request does not name
// one, so the streaming and fallback paths send identical payloads.
func (c *Client) applyDefaults(chatReq *models.ChatRequest) {
	if chatReq.AgentID == "" {
		chatReq.AgentID = c.agentID
	}
}
