// Package devstub is a local stand-in for the document-intelligence backend.
// It serves the real wire contract (streaming chat, the non-streaming
// fallback, multipart batch upload with staged progress, and the listing
// endpoints) with synthetic data, so the client can be exercised without a
// deployment.
package devstub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/docpilot/pkg/models"
)

type conversation struct {
	models.ConversationRecord
	messages []models.MessageRecord
}

// Server holds the stub's in-memory state. All state lives for the process
// only.
type Server struct {
	echo *echo.Echo
	port int

	mu            sync.Mutex
	conversations []*conversation
	documents     []models.DocumentRecord

	tokenDelay time.Duration
	stageDelay time.Duration
}

// NewServer builds a stub listening on the given port. Token and stage delays
// default to values slow enough to watch progress render.
func NewServer(port int) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	server := &Server{
		echo:       e,
		port:       port,
		tokenDelay: 40 * time.Millisecond,
		stageDelay: 250 * time.Millisecond,
	}
	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})

	api := s.echo.Group("/api")
	api.POST("/chat/stream", s.streamChat)
	api.POST("/chat", s.chat)
	api.POST("/documents/upload", s.uploadDocuments)
	api.GET("/documents", s.listDocuments)
	api.GET("/conversations", s.listConversations)
	api.GET("/conversations/:id", s.getConversation)
	api.DELETE("/conversations/:id", s.deleteConversation)
}

// Handler exposes the stub for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start runs the stub until interrupted, then shuts down gracefully.
func (s *Server) Start() error {
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && err != http.ErrServerClosed {
			s.echo.Logger.Fatal("shutting down the server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

// writeEvent frames one payload as a "data: <json>" block.
func writeEvent(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func (s *Server) streamChat(c echo.Context) error {
	var req models.ChatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if strings.TrimSpace(req.Message) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "message is required"})
	}

	conv, created, err := s.resolveConversation(req)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}

	reply := s.syntheticReply(req)
	messageID := s.recordTurn(conv, req.Message, reply)

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	for _, token := range strings.SplitAfter(reply, " ") {
		if ctx.Err() != nil {
			return nil
		}
		if err := writeEvent(resp, models.ChatStreamEvent{Token: token}); err != nil {
			return nil
		}
		resp.Flush()
		if s.tokenDelay > 0 {
			time.Sleep(s.tokenDelay)
		}
	}

	done := models.ChatStreamEvent{
		Done:           true,
		MessageID:      messageID,
		ConversationID: conv.ID,
		Sources:        s.syntheticSources(),
	}
	if created {
		done.ConversationTitle = conv.Title
	}
	if err := writeEvent(resp, done); err != nil {
		return nil
	}
	resp.Flush()
	return nil
}

func (s *Server) chat(c echo.Context) error {
	var req models.ChatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if strings.TrimSpace(req.Message) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "message is required"})
	}

	conv, _, err := s.resolveConversation(req)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}

	reply := s.syntheticReply(req)
	messageID := s.recordTurn(conv, req.Message, reply)

	return c.JSON(http.StatusOK, models.ChatResponse{
		Response:       reply,
		ConversationID: conv.ID,
		MessageID:      messageID,
		Sources:        s.syntheticSources(),
	})
}

// resolveConversation finds the requested conversation or creates a fresh one
// when the request carries no id.
func (s *Server) resolveConversation(req models.ChatRequest) (*conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ConversationID != "" {
		for _, conv := range s.conversations {
			if conv.ID == req.ConversationID {
				return conv, false, nil
			}
		}
		return nil, false, fmt.Errorf("conversation %s not found", req.ConversationID)
	}

	title := req.Message
	if len(title) > 40 {
		title = title[:40] + "..."
	}
	conv := &conversation{ConversationRecord: models.ConversationRecord{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}}
	s.conversations = append(s.conversations, conv)
	return conv, true, nil
}

func (s *Server) recordTurn(conv *conversation, message, reply string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC().Format(time.RFC3339)
	messageID := uuid.NewString()
	conv.messages = append(conv.messages,
		models.MessageRecord{ID: uuid.NewString(), Role: "user", Content: message, CreatedAt: now},
		models.MessageRecord{ID: messageID, Role: "assistant", Content: reply, CreatedAt: now},
	)
	conv.UpdatedAt = now
	return messageID
}

func (s *Server) syntheticReply(req models.ChatRequest) string {
	s.mu.Lock()
	docs := len(s.documents)
	s.mu.Unlock()

	agent := req.AgentID
	if agent == "" {
		agent = "default"
	}
	return fmt.Sprintf(
		"The %s agent searched %d indexed documents for %q and found the passages cited below most relevant.",
		agent, docs, strings.TrimSpace(req.Message),
	)
}

func (s *Server) syntheticSources() []models.SourceRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.documents) == 0 {
		return nil
	}
	doc := s.documents[0]
	return []models.SourceRef{{
		DocumentID:   doc.ID,
		DocumentName: doc.Name,
		PageNumber:   1,
		Excerpt:      "…the relevant passage…",
	}}
}

func (s *Server) uploadDocuments(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid multipart request"})
	}
	files := form.File["files"]
	if len(files) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "no files provided"})
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	total := len(files)
	emit := func(index int, fp models.FileProgress, overall float64) bool {
		if ctx.Err() != nil {
			return false
		}
		event := models.BatchUploadEvent{
			TotalFiles:             total,
			CurrentFileIndex:       index,
			FileProgress:           &fp,
			OverallProgressPercent: overall,
		}
		if writeEvent(resp, event) != nil {
			return false
		}
		resp.Flush()
		if s.stageDelay > 0 {
			time.Sleep(s.stageDelay)
		}
		return true
	}

	for i, fh := range files {
		base := float64(i) / float64(total) * 100
		slice := 100 / float64(total)
		name := fh.Filename
		now := time.Now().UTC().Format(time.RFC3339)

		// Filenames containing "corrupt" fail on purpose, for demoing the
		// per-file error path.
		if strings.Contains(name, "corrupt") {
			emit(i, models.FileProgress{
				Filename: name, Stage: models.StageFailed, Timestamp: now,
				Error: "unsupported or corrupt file",
			}, base)
			continue
		}

		for _, pct := range []float64{30, 70, 100} {
			if !emit(i, models.FileProgress{
				Filename: name, Stage: models.StageUploading, Message: "Uploading",
				ProgressPercent: pct, Timestamp: now,
			}, base+slice*pct/100*0.5) {
				return nil
			}
		}

		docID := uuid.NewString()
		if !emit(i, models.FileProgress{
			Filename: name, DocumentID: docID, Stage: models.StageProcessing,
			Message: "Extracting text", ProgressPercent: 100, Timestamp: now,
		}, base+slice*0.8) {
			return nil
		}

		s.registerDocument(docID, name)
		if !emit(i, models.FileProgress{
			Filename: name, DocumentID: docID, Stage: models.StageCompleted,
			Message: "Ready", ProgressPercent: 100, Timestamp: now,
		}, base+slice) {
			return nil
		}
	}
	return nil
}

func (s *Server) registerDocument(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents = append(s.documents, models.DocumentRecord{
		ID:        id,
		Name:      name,
		Status:    "ready",
		PageCount: 1 + len(name)%7,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// listConversations answers in the wrapped {"data": ...} shape, matching the
// backend's list endpoints.
func (s *Server) listConversations(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]models.ConversationRecord, len(s.conversations))
	for i, conv := range s.conversations {
		records[i] = conv.ConversationRecord
	}
	return c.JSON(http.StatusOK, map[string]any{"data": records})
}

// getConversation answers bare, exercising the client's shape normalization.
func (s *Server) getConversation(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range s.conversations {
		if conv.ID == c.Param("id") {
			return c.JSON(http.StatusOK, models.ConversationDetail{
				ConversationRecord: conv.ConversationRecord,
				Messages:           conv.messages,
			})
		}
	}
	return c.JSON(http.StatusNotFound, map[string]string{"error": "conversation not found"})
}

func (s *Server) deleteConversation(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, conv := range s.conversations {
		if conv.ID == c.Param("id") {
			s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
			return c.NoContent(http.StatusNoContent)
		}
	}
	return c.JSON(http.StatusNotFound, map[string]string{"error": "conversation not found"})
}

func (s *Server) listDocuments(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.JSON(http.StatusOK, s.documents)
}
