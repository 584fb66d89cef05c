package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"

	"github.com/docpilot/internal/sse"
	"github.com/docpilot/pkg/models"
)

// UploadFile is one file in a batch upload. Open is called when the multipart
// body reaches the file, so payload bytes stream from their source (disk,
// drive download) without buffering whole files in memory.
type UploadFile struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// UploadStream is the event sequence of one batch upload request. Same
// contract as ChatStream: ordered Recv, io.EOF at transport close, per-event
// *sse.DecodeError, idempotent Close.
type UploadStream struct {
	body io.ReadCloser
	dec  *sse.Decoder
	once sync.Once
}

// Recv returns the next decoded batch upload event.
func (s *UploadStream) Recv() (*models.BatchUploadEvent, error) {
	payload, err := s.dec.Next()
	if err != nil {
		return nil, err
	}

	var event models.BatchUploadEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, &sse.DecodeError{Payload: string(payload), Err: err}
	}
	return &event, nil
}

// Close releases the underlying transport handle. Idempotent.
func (s *UploadStream) Close() error {
	s.once.Do(func() { s.body.Close() })
	return nil
}

// UploadBatch sends all files in one multipart request and returns the
// server's progress stream. The multipart body is produced through a pipe
// while the request is in flight; a file that fails to open or read aborts
// the request with a non-retryable error.
func (c *Client) UploadBatch(ctx context.Context, files []UploadFile) (*UploadStream, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no files to upload")
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeFiles(mw, files)
		if cerr := mw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/api/documents/upload", pr)
	if err != nil {
		pr.CloseWithError(err)
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, newStatusError(resp)
	}

	return &UploadStream{body: resp.Body, dec: sse.NewDecoder(resp.Body)}, nil
}

func writeFiles(mw *multipart.Writer, files []UploadFile) error {
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.Name)
		if err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", f.Name, err)
		}

		_, err = io.Copy(part, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
	}
	return nil
}
