// Package upload drives multi-file batch uploads: a per-file transfer state
// machine plus an orchestrator that streams one multipart batch, routes
// server progress events to files, and retries transport failures with
// backoff.
package upload

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
)

// Status is a file transfer's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// transitions is the legal move set. Completion always passes through
// processing, so a transfer can never skip server-side post-processing; when
// the server condenses stages into a single terminal event the orchestrator
// derives the intermediate hop before completing. Queued re-entries cover
// transport-level batch retries and user requeues.
var transitions = map[Status][]Status{
	StatusPending:    {StatusQueued, StatusUploading, StatusPaused, StatusFailed},
	StatusQueued:     {StatusUploading, StatusProcessing, StatusPaused, StatusFailed},
	StatusUploading:  {StatusProcessing, StatusQueued, StatusPaused, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusQueued, StatusPaused, StatusFailed},
	StatusPaused:     {StatusPending, StatusQueued, StatusUploading, StatusProcessing, StatusFailed},
	StatusFailed:     {StatusQueued},
	StatusCompleted:  nil,
}

// CanTransition reports whether a transfer may move from one status to
// another. Terminal states allow no moves except failed → queued (retry).
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SourceKind distinguishes where a file's bytes come from.
type SourceKind string

const (
	SourceLocal SourceKind = "local"
	SourceDrive SourceKind = "drive"
)

// Source supplies one file's name and payload bytes. Open is called lazily
// when the batch request body is written, once per issued request.
type Source interface {
	Name() string
	Kind() SourceKind
	Open(ctx context.Context) (io.ReadCloser, error)
}

// LocalFile is a Source backed by a path on disk.
type LocalFile struct {
	Path string
}

func (l LocalFile) Name() string     { return filepath.Base(l.Path) }
func (l LocalFile) Kind() SourceKind { return SourceLocal }

func (l LocalFile) Open(ctx context.Context) (io.ReadCloser, error) {
	return os.Open(l.Path)
}

// DriveOpener fetches a cloud-stored file's bytes. The identity and OAuth
// machinery stays behind this callback.
type DriveOpener func(ctx context.Context, accountID, fileID string) (io.ReadCloser, error)

// DriveFile is a Source backed by a cloud drive file id.
type DriveFile struct {
	AccountID string
	FileID    string
	Filename  string
	Opener    DriveOpener
}

func (d DriveFile) Name() string     { return d.Filename }
func (d DriveFile) Kind() SourceKind { return SourceDrive }

func (d DriveFile) Open(ctx context.Context) (io.ReadCloser, error) {
	if d.Opener == nil {
		return nil, errors.New("drive file has no opener configured")
	}
	return d.Opener(ctx, d.AccountID, d.FileID)
}

// FileItem is one transfer's full state. The orchestrator owns the mutable
// instance; everything handed out through Items or Events is a value copy.
type FileItem struct {
	ID         string
	Name       string
	Kind       SourceKind
	Status     Status
	Progress   float64
	RetryCount int
	MaxRetries int
	DocumentID string
	Message    string
	Err        string

	source         Source
	processingSeen bool
	pausedFrom     Status
}

// transition applies a legal status move and its bookkeeping, reporting
// whether anything changed. Illegal moves (including same-state) are refused
// silently so that late or duplicated server events cannot regress a file.
func (f *FileItem) transition(to Status) bool {
	if f.Status == to || !CanTransition(f.Status, to) {
		return false
	}
	if to == StatusPaused {
		f.pausedFrom = f.Status
	}
	f.Status = to
	return true
}

// applyProgress keeps progress monotonic within one attempt; a retry reset
// starts a fresh attempt at zero.
func (f *FileItem) applyProgress(p float64) {
	if p > f.Progress {
		f.Progress = p
	}
	if f.Progress > 100 {
		f.Progress = 100
	}
}

func (f *FileItem) fail(msg string) {
	if f.transition(StatusFailed) {
		f.Err = msg
	}
}

func (f *FileItem) terminal() bool {
	return f.Status == StatusCompleted || f.Status == StatusFailed
}
