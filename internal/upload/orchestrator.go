package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/docpilot/internal/retry"
	"github.com/docpilot/internal/sse"
	"github.com/docpilot/pkg/models"
)

// Stream is one live batch upload response, in server-send order.
type Stream interface {
	Recv() (*models.BatchUploadEvent, error)
	Close() error
}

// Transport issues one multipart batch request carrying every source and
// returns its progress stream.
type Transport interface {
	UploadBatch(ctx context.Context, sources []Source) (Stream, error)
}

// BatchError is a decoded batch-level error event: the server rejected or
// aborted the whole batch. Never retried.
type BatchError struct {
	Message string
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("upload batch failed: %s", e.Message)
}

// Event is one progress update emitted while the batch runs. File is a value
// snapshot; OverallProgress is computed across the whole batch locally, so it
// stays meaningful after a transport retry re-issues a subset of the files.
type Event struct {
	TotalFiles      int
	FileIndex       int
	File            FileItem
	OverallProgress float64
}

// Orchestrator drives one batch of file transfers to a terminal state. Files
// are added before Run; Run issues the multipart request, routes decoded
// progress events through each file's state machine, and re-issues the batch
// with backoff on transport failure. Controls may be called from other
// goroutines while the batch runs.
type Orchestrator struct {
	transport Transport
	cfg       retry.Config

	mu       sync.Mutex
	items    []*FileItem
	started  bool
	finished bool

	events chan Event
}

func NewOrchestrator(transport Transport, cfg retry.Config) *Orchestrator {
	return &Orchestrator{
		transport: transport,
		cfg:       cfg,
		events:    make(chan Event, 16),
	}
}

// Events returns the batch's progress stream. It is closed when Run returns,
// making the sequence finite.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// Add registers a file for the batch. It must be called before Run.
func (o *Orchestrator) Add(src Source) (FileItem, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return FileItem{}, errors.New("upload batch already running")
	}
	item := &FileItem{
		ID:         uuid.NewString(),
		Name:       src.Name(),
		Kind:       src.Kind(),
		Status:     StatusPending,
		MaxRetries: o.cfg.MaxRetries,
		source:     src,
	}
	o.items = append(o.items, item)
	return *item, nil
}

// Items returns a snapshot of every transfer's current state.
func (o *Orchestrator) Items() []FileItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]FileItem, len(o.items))
	for i, it := range o.items {
		out[i] = *it
	}
	return out
}

// Run drives the batch until no file is left pending or queued, then closes
// Events. A clean stream end loops back to the queue, so a file returned
// there by Requeue while the stream was live rides a fresh request instead
// of being stranded. Run returns nil when every file settled (per-file
// failures are visible on the items, not here), a *BatchError for a
// server-side batch rejection, and the underlying error when transport
// retries are exhausted or the context ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("upload batch already running")
	}
	if len(o.items) == 0 {
		o.mu.Unlock()
		return errors.New("no files to upload")
	}
	o.started = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.finished = true
		o.mu.Unlock()
		close(o.events)
	}()

	attempt := 0
	for {
		sources := o.dequeue()
		if len(sources) == 0 {
			// Everything left is completed, failed, or paused.
			return nil
		}

		stream, err := o.transport.UploadBatch(ctx, sources)
		if err == nil {
			err = o.consume(ctx, stream)
			stream.Close()
		}
		if err == nil {
			o.settle()
			// A Requeue during the stream put a failed file back in the
			// queue; the next pass services it. A fresh request also gets
			// a fresh transport-retry budget.
			attempt = 0
			continue
		}

		var batchErr *BatchError
		if errors.As(err, &batchErr) {
			o.failRemaining(batchErr.Message)
			return err
		}
		if ctx.Err() != nil {
			o.failRemaining("upload canceled")
			return ctx.Err()
		}
		if !retry.IsRetryable(err) || attempt >= o.cfg.MaxRetries {
			o.failRemaining(err.Error())
			return err
		}

		delay := retry.DelayFor(attempt, o.cfg.BaseDelay)
		if o.cfg.LogRetries {
			log.Warn().Err(err).
				Int("attempt", attempt+1).
				Int("max_retries", o.cfg.MaxRetries).
				Dur("delay", delay).
				Msg("Upload stream failed, retrying batch")
		}
		o.resetInFlight()

		select {
		case <-ctx.Done():
			o.failRemaining("upload canceled")
			return ctx.Err()
		case <-time.After(delay):
		}
		attempt++
	}
}

// consume reads the progress stream until it ends. Malformed events are
// skipped; a decoded batch-level error aborts with *BatchError; any other
// receive error is a transport failure for the retry loop to classify.
func (o *Orchestrator) consume(ctx context.Context, stream Stream) error {
	for {
		ev, err := stream.Recv()
		if err != nil {
			var decodeErr *sse.DecodeError
			switch {
			case errors.Is(err, io.EOF):
				return nil
			case errors.As(err, &decodeErr):
				continue
			default:
				return err
			}
		}

		if ev.Error != "" {
			return &BatchError{Message: ev.Error}
		}
		if ev.FileProgress == nil {
			continue
		}
		if out, ok := o.apply(ev.FileProgress); ok {
			select {
			case o.events <- out:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// apply routes one per-file progress fragment to its FileItem and advances
// the state machine. Events for unknown, paused, or already-settled files are
// dropped.
func (o *Orchestrator) apply(fp *models.FileProgress) (Event, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	idx, item := o.route(fp)
	if item == nil {
		log.Debug().Str("filename", fp.Filename).Msg("Dropping progress for unknown file")
		return Event{}, false
	}
	if fp.DocumentID != "" {
		item.DocumentID = fp.DocumentID
	}
	if item.Status == StatusPaused || item.terminal() {
		return Event{}, false
	}
	if fp.Message != "" {
		item.Message = fp.Message
	}

	switch {
	case fp.Error != "" || fp.Stage == models.StageFailed:
		msg := fp.Error
		if msg == "" {
			msg = fp.Message
		}
		if msg == "" {
			msg = "upload failed"
		}
		item.fail(msg)

	case fp.Stage == models.StageCompleted:
		if !item.processingSeen {
			// The server condensed its stages into one terminal event;
			// derive the hop it skipped.
			item.transition(StatusProcessing)
			item.processingSeen = true
		}
		if item.transition(StatusCompleted) {
			item.Progress = 100
		}

	case fp.Stage == models.StageProcessing:
		if item.transition(StatusProcessing) {
			item.processingSeen = true
		}
		item.applyProgress(fp.ProgressPercent)

	case fp.Stage == models.StageUploading:
		item.transition(StatusUploading)
		item.applyProgress(fp.ProgressPercent)

	default:
		item.applyProgress(fp.ProgressPercent)
	}

	out := Event{
		TotalFiles:      len(o.items),
		FileIndex:       idx,
		File:            *item,
		OverallProgress: o.overallLocked(),
	}
	return out, true
}

// route matches a progress fragment to a file, preferring the server-assigned
// document id over the filename. Filename matches prefer unsettled files so
// duplicate names resolve to the transfer still in flight.
func (o *Orchestrator) route(fp *models.FileProgress) (int, *FileItem) {
	if fp.DocumentID != "" {
		for i, it := range o.items {
			if it.DocumentID == fp.DocumentID {
				return i, it
			}
		}
	}
	for i, it := range o.items {
		if it.Name == fp.Filename && !it.terminal() {
			return i, it
		}
	}
	for i, it := range o.items {
		if it.Name == fp.Filename {
			return i, it
		}
	}
	return -1, nil
}

// dequeue collects the sources for the next request and marks them uploading.
// Completed and failed files never rejoin; paused files wait for a resume.
func (o *Orchestrator) dequeue() []Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	var sources []Source
	for _, it := range o.items {
		if it.Status == StatusPending || it.Status == StatusQueued {
			it.transition(StatusUploading)
			sources = append(sources, it.source)
		}
	}
	if len(sources) == 0 {
		// Nothing left to service; a later Requeue must not repopulate a
		// queue no one is draining.
		o.finished = true
	}
	return sources
}

// resetInFlight returns in-flight files to the queue before a batch retry.
// The re-issued request restarts their transfers, so progress and the
// processing marker reset with them. Paused files are out of any request now,
// so a later resume re-queues them instead of faking an in-flight state.
func (o *Orchestrator) resetInFlight() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, it := range o.items {
		switch it.Status {
		case StatusUploading, StatusProcessing:
			it.transition(StatusQueued)
			it.Progress = 0
			it.processingSeen = false
			it.Message = ""
		case StatusPaused:
			it.pausedFrom = StatusQueued
		}
	}
}

// settle marks files the stream left unfinished. A clean end of stream with a
// file still mid-transfer means the server never delivered its terminal
// stage.
func (o *Orchestrator) settle() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, it := range o.items {
		if it.Status == StatusUploading || it.Status == StatusProcessing {
			it.fail("upload stream ended before completion")
		}
	}
}

// failRemaining terminally fails every file that has not completed.
func (o *Orchestrator) failRemaining(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, it := range o.items {
		it.fail(msg)
	}
}

func (o *Orchestrator) overallLocked() float64 {
	if len(o.items) == 0 {
		return 0
	}
	var sum float64
	for _, it := range o.items {
		sum += it.Progress
	}
	return sum / float64(len(o.items))
}

// Pause suspends a transfer. Progress events for a paused file are ignored
// until it resumes, and a batch retry excludes it from the re-issued request.
func (o *Orchestrator) Pause(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, err := o.findLocked(id)
	if err != nil {
		return err
	}
	if !item.transition(StatusPaused) {
		return fmt.Errorf("cannot pause %s while %s", item.Name, item.Status)
	}
	return nil
}

// Resume returns a paused transfer to where it left off, or to the queue when
// a batch retry has since dropped it from the in-flight request.
func (o *Orchestrator) Resume(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, err := o.findLocked(id)
	if err != nil {
		return err
	}
	if item.Status != StatusPaused {
		return fmt.Errorf("cannot resume %s while %s", item.Name, item.Status)
	}
	target := item.pausedFrom
	if target == "" {
		target = StatusQueued
	}
	item.transition(target)
	return nil
}

// PauseAll pauses every transfer that can be paused.
func (o *Orchestrator) PauseAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, it := range o.items {
		it.transition(StatusPaused)
	}
}

// ResumeAll resumes every paused transfer.
func (o *Orchestrator) ResumeAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, it := range o.items {
		if it.Status != StatusPaused {
			continue
		}
		target := it.pausedFrom
		if target == "" {
			target = StatusQueued
		}
		it.transition(target)
	}
}

// Requeue gives a failed transfer another attempt, consuming one retry from
// its budget. Once the budget is spent the failure is sticky. During a
// running batch the requeued file is picked up after the current stream
// ends; once Run has returned, nothing would service the queue again, so
// Requeue refuses and the retry needs a new batch.
func (o *Orchestrator) Requeue(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finished {
		return errors.New("upload batch already finished")
	}
	item, err := o.findLocked(id)
	if err != nil {
		return err
	}
	if item.Status != StatusFailed {
		return fmt.Errorf("cannot requeue %s while %s", item.Name, item.Status)
	}
	if item.RetryCount >= item.MaxRetries {
		return fmt.Errorf("retries exhausted for %s", item.Name)
	}
	item.RetryCount++
	item.transition(StatusQueued)
	item.Progress = 0
	item.Err = ""
	item.Message = ""
	item.processingSeen = false
	return nil
}

// Remove drops a transfer that is not actively moving bytes.
func (o *Orchestrator) Remove(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, it := range o.items {
		if it.ID != id {
			continue
		}
		if it.Status == StatusUploading || it.Status == StatusProcessing {
			return fmt.Errorf("cannot remove %s while %s", it.Name, it.Status)
		}
		o.items = append(o.items[:i], o.items[i+1:]...)
		return nil
	}
	return fmt.Errorf("unknown file id %q", id)
}

func (o *Orchestrator) findLocked(id string) (*FileItem, error) {
	for _, it := range o.items {
		if it.ID == id {
			return it, nil
		}
	}
	return nil, fmt.Errorf("unknown file id %q", id)
}
