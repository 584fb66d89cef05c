package models

// Wire contract for the document-intelligence backend. Both streaming endpoints
// frame their events as newline-delimited "data: <json>" blocks over a chunked
// response; the payload shapes below are what those blocks carry.

// ChatRequest is the request body shared by the streaming chat endpoint and the
// non-streaming fallback. The fallback path must reuse the exact payload of the
// failed streaming attempt.
type ChatRequest struct {
	ConversationID string   `json:"conversation_id,omitempty"`
	Message        string   `json:"message"`
	AgentID        string   `json:"agent_id,omitempty"`
	DocumentIDs    []string `json:"document_ids,omitempty"`
}

// ChatStreamEvent is one decoded event from the streaming chat endpoint.
// Exactly one event per stream carries Done=true; an Error event is terminal
// for the stream as well.
type ChatStreamEvent struct {
	Token             string      `json:"token,omitempty"`
	Done              bool        `json:"done"`
	MessageID         string      `json:"message_id,omitempty"`
	ConversationID    string      `json:"conversation_id,omitempty"`
	Sources           []SourceRef `json:"sources,omitempty"`
	ConversationTitle string      `json:"conversation_title,omitempty"`
	Error             string      `json:"error,omitempty"`
}

// ChatResponse is the single JSON body returned by the non-streaming fallback.
// It carries no conversation title; the fallback path never touches titles.
type ChatResponse struct {
	Response       string      `json:"response"`
	ConversationID string      `json:"conversation_id"`
	MessageID      string      `json:"message_id"`
	Sources        []SourceRef `json:"sources,omitempty"`
}

// SourceRef is a citation record attached to an assistant message.
type SourceRef struct {
	DocumentID   string `json:"document_id"`
	DocumentName string `json:"document_name"`
	PageNumber   int    `json:"page_number,omitempty"`
	Excerpt      string `json:"excerpt,omitempty"`
}

// Server-reported transfer stages carried in FileProgress.Stage.
const (
	StagePending    = "pending"
	StageUploading  = "uploading"
	StageProcessing = "processing"
	StageCompleted  = "completed"
	StageFailed     = "failed"
)

// FileProgress is the per-file fragment of a batch upload event. DocumentID is
// assigned by the server once ingestion starts, so early events may carry only
// the filename; consumers route on whichever is present.
type FileProgress struct {
	Filename        string  `json:"filename"`
	DocumentID      string  `json:"document_id,omitempty"`
	Stage           string  `json:"stage"`
	Message         string  `json:"message,omitempty"`
	ProgressPercent float64 `json:"progress_percent"`
	Timestamp       string  `json:"timestamp,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// BatchUploadEvent is one decoded event from the batch upload stream. A
// non-empty Error means the whole batch failed server-side; otherwise the
// event describes progress for one file plus the server's overall estimate.
type BatchUploadEvent struct {
	TotalFiles             int           `json:"total_files,omitempty"`
	CurrentFileIndex       int           `json:"current_file_index,omitempty"`
	FileProgress           *FileProgress `json:"file_progress,omitempty"`
	OverallProgressPercent float64       `json:"overall_progress_percent,omitempty"`
	Error                  string        `json:"error,omitempty"`
}

// ConversationRecord is a conversation summary as returned by the backend's
// listing endpoints. Message history is loaded separately.
type ConversationRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// MessageRecord is a stored message as returned when loading a conversation.
type MessageRecord struct {
	ID        string      `json:"id"`
	Role      string      `json:"role"`
	Content   string      `json:"content"`
	Sources   []SourceRef `json:"sources,omitempty"`
	CreatedAt string      `json:"created_at,omitempty"`
}

// ConversationDetail is a conversation with its full message history.
type ConversationDetail struct {
	ConversationRecord
	Messages []MessageRecord `json:"messages"`
}

// DocumentRecord is an ingested document as returned by the listing endpoint.
type DocumentRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status,omitempty"`
	PageCount int    `json:"page_count,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}
