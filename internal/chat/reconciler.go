package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/docpilot/internal/retry"
	"github.com/docpilot/internal/sse"
	"github.com/docpilot/pkg/models"
)

// Stream is one live chat response, in server-send order. Recv returns io.EOF
// when the transport closes; Close releases the connection and is safe to
// call on every exit path.
type Stream interface {
	Recv() (*models.ChatStreamEvent, error)
	Close() error
}

// Transport is the backend surface the reconciler drives. The streaming call
// and the fallback call take the same request payload.
type Transport interface {
	StreamChat(ctx context.Context, req models.ChatRequest) (Stream, error)
	Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error)
}

// ErrStreamInFlight rejects a second send for a conversation whose previous
// reply is still streaming.
var ErrStreamInFlight = errors.New("a reply is already streaming for this conversation")

// fallbackErrorText is what the placeholder message shows when both the
// stream and the fallback request fail.
const fallbackErrorText = "Failed to get a response. Please try again."

// SendOptions tweak a single send.
type SendOptions struct {
	AgentID     string
	DocumentIDs []string
	// OnToken is called after each token lands in the store, for live
	// rendering. It runs on the reconciler's goroutine.
	OnToken func(token string)
}

// Reconciler turns optimistic sends and streamed token events into store
// updates. One instance serves all conversations; each conversation has at
// most one reconciliation in flight.
type Reconciler struct {
	transport Transport
	store     *Store

	mu       sync.Mutex
	inFlight map[string]context.CancelFunc
}

func NewReconciler(transport Transport, store *Store) *Reconciler {
	return &Reconciler{
		transport: transport,
		store:     store,
		inFlight:  make(map[string]context.CancelFunc),
	}
}

// Send runs one chat turn end to end: optimistic user and placeholder
// messages, the token stream, and finalization, falling back to the
// non-streaming request when the transport fails mid-stream. It returns the
// conversation's id, which differs from conversationID when the server
// assigned a durable id to a new conversation. An empty conversationID
// starts a new conversation.
func (r *Reconciler) Send(ctx context.Context, conversationID, message string, opts SendOptions) (string, error) {
	convID := conversationID
	if convID == "" {
		convID = NewTempID()
		r.store.Put(Conversation{
			ID:        convID,
			Title:     provisionalTitle(message),
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		})
	} else if _, err := r.store.Get(convID); err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.acquire(convID, cancel); err != nil {
		return "", err
	}
	defer r.release(convID)

	// Optimistic projection: the user's turn and an empty streaming
	// placeholder appear before the backend says anything.
	userMsg := Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   message,
		CreatedAt: time.Now(),
	}
	placeholder := Message{
		ID:          uuid.NewString(),
		Role:        RoleAssistant,
		IsStreaming: true,
		CreatedAt:   time.Now(),
	}
	if err := r.store.AppendMessage(convID, userMsg); err != nil {
		return "", err
	}
	if err := r.store.AppendMessage(convID, placeholder); err != nil {
		// A turn is both messages or neither; don't leave the user's text
		// orphaned when the placeholder is refused.
		_ = r.store.RemoveMessage(convID, userMsg.ID)
		return "", err
	}

	req := models.ChatRequest{
		Message:     message,
		AgentID:     opts.AgentID,
		DocumentIDs: opts.DocumentIDs,
	}
	if !IsTempID(convID) {
		req.ConversationID = convID
	}

	return r.stream(ctx, convID, placeholder.ID, req, opts)
}

// Abort cancels the in-flight reconciliation for a conversation, if any.
// Used when the conversation is deleted or the app shuts down.
func (r *Reconciler) Abort(conversationID string) {
	r.mu.Lock()
	cancel := r.inFlight[conversationID]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Delete aborts any in-flight reconciliation for the conversation and drops
// it from the store. Late events from the aborted stream find no conversation
// and are discarded. Removing the backend record is the caller's job.
func (r *Reconciler) Delete(conversationID string) {
	r.Abort(conversationID)
	_ = r.store.Delete(conversationID)
}

func (r *Reconciler) acquire(convID string, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inFlight[convID]; busy {
		return ErrStreamInFlight
	}
	r.inFlight[convID] = cancel
	return nil
}

func (r *Reconciler) release(convID string) {
	r.mu.Lock()
	delete(r.inFlight, convID)
	r.mu.Unlock()
}

// stream consumes the token stream and reconciles it into the store.
func (r *Reconciler) stream(ctx context.Context, convID, placeholderID string, req models.ChatRequest, opts SendOptions) (string, error) {
	s, err := r.transport.StreamChat(ctx, req)
	if err != nil {
		if retry.IsRetryable(err) {
			log.Debug().Err(err).Msg("Chat stream failed to open, falling back to non-streaming request")
			return r.fallback(ctx, convID, placeholderID, req)
		}
		r.failPlaceholder(convID, placeholderID, err.Error())
		return convID, err
	}
	defer s.Close()

	var accum strings.Builder
	finalized := false

	for {
		event, err := s.Recv()
		if err != nil {
			if finalized {
				// The reply is already final; whatever ends the drain is moot.
				return convID, nil
			}
			var decodeErr *sse.DecodeError
			switch {
			case errors.As(err, &decodeErr):
				// Local to one event; the stream stays usable.
				continue
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				// The caller gave up; re-asking would only race the teardown.
				r.failPlaceholder(convID, placeholderID, err.Error())
				return convID, err
			case errors.Is(err, io.EOF):
				// The transport closed without a terminal event; the partial
				// reply is discarded and the fallback re-asks from scratch.
				log.Debug().Str("conversation", convID).Msg("Chat stream ended before completion, falling back")
				return r.fallback(ctx, convID, placeholderID, req)
			default:
				// Anything else that kills the stream mid-reply aborts the
				// transport from the consumer's point of view, framing
				// overflows included.
				log.Debug().Err(err).Str("conversation", convID).Msg("Chat stream broke mid-reply, falling back")
				return r.fallback(ctx, convID, placeholderID, req)
			}
		}

		switch {
		case event.Error != "":
			// A well-formed error event is an application failure: surfaced
			// immediately, never retried, no fallback.
			err := fmt.Errorf("backend reported: %s", event.Error)
			r.failPlaceholder(convID, placeholderID, event.Error)
			return convID, err

		case event.Done:
			newID, err := r.finalize(convID, placeholderID, finalMessage{
				messageID: event.MessageID,
				content:   accum.String(),
				sources:   event.Sources,
				title:     event.ConversationTitle,
				serverID:  event.ConversationID,
			})
			if err != nil {
				return convID, err
			}
			convID = newID
			finalized = true

		case event.Token != "" && !finalized:
			accum.WriteString(event.Token)
			snapshot := Message{
				ID:          placeholderID,
				Role:        RoleAssistant,
				Content:     accum.String(),
				IsStreaming: true,
				CreatedAt:   time.Now(),
			}
			if err := r.store.ReplaceMessage(convID, placeholderID, snapshot); err != nil {
				// The conversation vanished under us; nothing left to update.
				log.Debug().Str("conversation", convID).Msg("Dropping stream update for removed conversation")
				return convID, nil
			}
			if opts.OnToken != nil {
				opts.OnToken(event.Token)
			}
		}
	}
}

// finalMessage carries everything a terminal event contributes.
type finalMessage struct {
	messageID string
	content   string
	sources   []models.SourceRef
	title     string
	serverID  string
}

// finalize replaces the placeholder wholesale with the finished message and
// reconciles conversation identity. Matching is by placeholder id, so a
// duplicate terminal event is a no-op. Returns the conversation's final id.
func (r *Reconciler) finalize(convID, placeholderID string, fin finalMessage) (string, error) {
	msgID := fin.messageID
	if msgID == "" {
		msgID = placeholderID
	}

	final := Message{
		ID:        msgID,
		Role:      RoleAssistant,
		Content:   fin.content,
		Sources:   fin.sources,
		CreatedAt: time.Now(),
	}
	switch err := r.store.ReplaceMessage(convID, placeholderID, final); {
	case errors.Is(err, ErrNotFound):
		// Already finalized (duplicate delivery) or conversation deleted.
		return convID, nil
	case err != nil:
		return convID, err
	}

	if fin.serverID != "" && fin.serverID != convID {
		if err := r.store.SwapID(convID, fin.serverID); err != nil {
			return convID, err
		}
		convID = fin.serverID
	}
	if fin.title != "" {
		if err := r.store.SetTitle(convID, fin.title); err != nil && !errors.Is(err, ErrNotFound) {
			return convID, err
		}
	}
	return convID, nil
}

// fallback re-issues the turn as a single non-streaming request with the
// identical payload. Accumulated partial content has already been discarded;
// on success the placeholder is finalized from the response, which never
// carries a title. On failure the placeholder becomes an error message.
func (r *Reconciler) fallback(ctx context.Context, convID, placeholderID string, req models.ChatRequest) (string, error) {
	resp, err := r.transport.Chat(ctx, req)
	if err != nil {
		r.failPlaceholder(convID, placeholderID, fallbackErrorText)
		return convID, err
	}

	return r.finalize(convID, placeholderID, finalMessage{
		messageID: resp.MessageID,
		content:   resp.Response,
		sources:   resp.Sources,
		serverID:  resp.ConversationID,
	})
}

// failPlaceholder turns the placeholder into an error-flagged message with a
// user-facing failure string. Late failures for removed conversations are
// dropped silently.
func (r *Reconciler) failPlaceholder(convID, placeholderID, text string) {
	msg := Message{
		ID:        placeholderID,
		Role:      RoleAssistant,
		Content:   text,
		IsError:   true,
		CreatedAt: time.Now(),
	}
	if err := r.store.ReplaceMessage(convID, placeholderID, msg); err != nil {
		log.Debug().Str("conversation", convID).Msg("Dropping failure update for removed conversation")
	}
}

// provisionalTitle derives a placeholder title for a brand-new conversation
// from the first message; the server's title from the done event replaces it.
func provisionalTitle(message string) string {
	title := strings.TrimSpace(message)
	if len(title) > 48 {
		title = strings.TrimSpace(title[:48]) + "..."
	}
	if title == "" {
		title = "New conversation"
	}
	return title
}
