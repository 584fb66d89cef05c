package chat

// Client-side projection of conversations and messages. The store is the
// single source of UI truth: pipelines replace whole values, readers get
// copies, and nothing is persisted across sessions.

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docpilot/pkg/models"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TempIDPrefix marks conversation ids minted client-side before the server
// assigns a durable one.
const TempIDPrefix = "temp-"

// NewTempID returns a fresh client-temporary conversation id.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id was minted client-side.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Message is one chat turn. While IsStreaming is true its Content is a
// snapshot of the accumulated reply so far; every update replaces the whole
// Message value, so a reader never observes a torn intermediate state.
type Message struct {
	ID          string
	Role        Role
	Content     string
	Sources     []models.SourceRef
	IsStreaming bool
	IsError     bool
	CreatedAt   time.Time
}

// Conversation is an ordered message sequence plus listing metadata.
// Insertion order of Messages is chronological order.
type Conversation struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
	Messages  []Message
}

var (
	// ErrNotFound reports that a conversation or message is gone. Pipelines
	// use it as the "still relevant" guard for late-arriving updates.
	ErrNotFound = errors.New("conversation not found")

	// ErrStreamingConflict reports an attempt to append a second streaming
	// message to one conversation.
	ErrStreamingConflict = errors.New("conversation already has a streaming message")
)

// Store holds the conversation projection. All methods are safe for
// concurrent use; returned values are deep copies.
type Store struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]*Conversation
}

func NewStore() *Store {
	return &Store{byID: make(map[string]*Conversation)}
}

// Put inserts conv or replaces the stored conversation with the same id,
// keeping its position in the list.
func (s *Store) Put(conv Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := cloneConversation(&conv)
	if _, ok := s.byID[conv.ID]; !ok {
		s.order = append(s.order, conv.ID)
	}
	s.byID[conv.ID] = &clone
}

// Get returns a copy of the conversation with the given id.
func (s *Store) Get(id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.byID[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return cloneConversation(conv), nil
}

// List returns copies of all conversations in insertion order.
func (s *Store) List() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneConversation(s.byID[id]))
	}
	return out
}

// FromDetail converts a conversation loaded from the backend into its store
// projection, ready for Put. Timestamps the backend omits or mangles parse to
// the zero time.
func FromDetail(detail *models.ConversationDetail) Conversation {
	conv := Conversation{
		ID:        detail.ID,
		Title:     detail.Title,
		CreatedAt: parseTimestamp(detail.CreatedAt),
		UpdatedAt: parseTimestamp(detail.UpdatedAt),
	}
	for _, rec := range detail.Messages {
		conv.Messages = append(conv.Messages, Message{
			ID:        rec.ID,
			Role:      Role(rec.Role),
			Content:   rec.Content,
			Sources:   rec.Sources,
			CreatedAt: parseTimestamp(rec.CreatedAt),
		})
	}
	return conv
}

func parseTimestamp(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

// Delete removes a conversation.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return ErrNotFound
	}
	delete(s.byID, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// SwapID renames a conversation, preserving message continuity. When the new
// id is already present in the list (the backend answered for a conversation
// we also loaded), the renamed conversation replaces that entry in place,
// matched by id rather than object identity.
func (s *Store) SwapID(oldID, newID string) error {
	if oldID == newID {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.byID[oldID]
	if !ok {
		return ErrNotFound
	}

	conv.ID = newID
	conv.UpdatedAt = time.Now()
	delete(s.byID, oldID)

	if _, exists := s.byID[newID]; exists {
		// Keep the existing entry's list position and drop the old one.
		s.byID[newID] = conv
		for i, id := range s.order {
			if id == oldID {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		return nil
	}

	s.byID[newID] = conv
	for i, id := range s.order {
		if id == oldID {
			s.order[i] = newID
			break
		}
	}
	return nil
}

// SetTitle updates a conversation's title.
func (s *Store) SetTitle(id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	conv.Title = title
	conv.UpdatedAt = time.Now()
	return nil
}

// AppendMessage adds msg to the end of a conversation. At most one message
// per conversation may be streaming at a time.
func (s *Store) AppendMessage(convID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.byID[convID]
	if !ok {
		return ErrNotFound
	}

	if msg.IsStreaming {
		for i := range conv.Messages {
			if conv.Messages[i].IsStreaming {
				return ErrStreamingConflict
			}
		}
	}

	conv.Messages = append(conv.Messages, cloneMessage(&msg))
	conv.UpdatedAt = time.Now()
	return nil
}

// RemoveMessage deletes one message from a conversation.
func (s *Store) RemoveMessage(convID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.byID[convID]
	if !ok {
		return ErrNotFound
	}
	for i := range conv.Messages {
		if conv.Messages[i].ID == messageID {
			conv.Messages = append(conv.Messages[:i], conv.Messages[i+1:]...)
			conv.UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

// ReplaceMessage swaps the message with the given id for msg, wholesale. It
// returns ErrNotFound when the conversation or the message is gone, which is
// how late stream updates for deleted or already-finalized state get dropped.
func (s *Store) ReplaceMessage(convID, messageID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.byID[convID]
	if !ok {
		return ErrNotFound
	}

	for i := range conv.Messages {
		if conv.Messages[i].ID == messageID {
			if msg.IsStreaming {
				for j := range conv.Messages {
					if j != i && conv.Messages[j].IsStreaming {
						return ErrStreamingConflict
					}
				}
			}
			conv.Messages[i] = cloneMessage(&msg)
			conv.UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func cloneConversation(c *Conversation) Conversation {
	clone := *c
	clone.Messages = make([]Message, len(c.Messages))
	for i := range c.Messages {
		clone.Messages[i] = cloneMessage(&c.Messages[i])
	}
	return clone
}

func cloneMessage(m *Message) Message {
	clone := *m
	if m.Sources != nil {
		clone.Sources = make([]models.SourceRef, len(m.Sources))
		copy(clone.Sources, m.Sources)
	}
	return clone
}
