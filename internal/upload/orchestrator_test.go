package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpilot/internal/retry"
	"github.com/docpilot/internal/sse"
	"github.com/docpilot/pkg/models"
)

type memSource struct {
	name string
	data string
}

func (m *memSource) Name() string     { return m.name }
func (m *memSource) Kind() SourceKind { return SourceLocal }

func (m *memSource) Open(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(m.data)), nil
}

type streamItem struct {
	ev  *models.BatchUploadEvent
	err error
}

type scriptedStream struct {
	items  []streamItem
	pos    int
	closed bool
}

func (s *scriptedStream) Recv() (*models.BatchUploadEvent, error) {
	if s.pos >= len(s.items) {
		return nil, io.EOF
	}
	item := s.items[s.pos]
	s.pos++
	return item.ev, item.err
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

type batchResponse struct {
	stream Stream
	err    error
}

type fakeTransport struct {
	mu         sync.Mutex
	calls      [][]string
	responses  []batchResponse
	makeStream func(ctx context.Context) Stream
}

func (f *fakeTransport) UploadBatch(ctx context.Context, sources []Source) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = s.Name()
	}
	f.calls = append(f.calls, names)
	if f.makeStream != nil {
		return f.makeStream(ctx), nil
	}
	if len(f.responses) == 0 {
		return &scriptedStream{}, nil
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r.stream, r.err
}

func (f *fakeTransport) callNames() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type statusErr struct{ code int }

func (e statusErr) Error() string   { return fmt.Sprintf("backend returned %d", e.code) }
func (e statusErr) HTTPStatus() int { return e.code }

func progress(filename, stage string, pct float64) *models.BatchUploadEvent {
	return &models.BatchUploadEvent{
		FileProgress: &models.FileProgress{
			Filename:        filename,
			Stage:           stage,
			ProgressPercent: pct,
		},
	}
}

func newOrchestrator(t *testing.T, tr Transport, names ...string) (*Orchestrator, map[string]string) {
	t.Helper()
	o := NewOrchestrator(tr, retry.Config{MaxRetries: 2, BaseDelay: time.Millisecond})
	ids := make(map[string]string, len(names))
	for _, name := range names {
		item, err := o.Add(&memSource{name: name, data: "payload"})
		require.NoError(t, err)
		ids[name] = item.ID
	}
	return o, ids
}

// runBatch drains the event stream while Run executes and returns both.
func runBatch(t *testing.T, o *Orchestrator) ([]Event, error) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(context.Background()) }()
	var events []Event
	for ev := range o.Events() {
		events = append(events, ev)
	}
	return events, <-errCh
}

func statusByName(o *Orchestrator) map[string]FileItem {
	out := make(map[string]FileItem)
	for _, it := range o.Items() {
		out[it.Name] = it
	}
	return out
}

func TestOrchestratorHappyPath(t *testing.T) {
	stream := &scriptedStream{items: []streamItem{
		{ev: progress("a.pdf", models.StageUploading, 40)},
		{ev: &models.BatchUploadEvent{FileProgress: &models.FileProgress{
			Filename: "a.pdf", DocumentID: "doc-1", Stage: models.StageProcessing, ProgressPercent: 100,
		}}},
		{ev: progress("a.pdf", models.StageCompleted, 100)},
		{ev: progress("b.pdf", models.StageUploading, 80)},
		{ev: progress("b.pdf", models.StageProcessing, 100)},
		{ev: progress("b.pdf", models.StageCompleted, 100)},
	}}
	tr := &fakeTransport{responses: []batchResponse{{stream: stream}}}
	o, _ := newOrchestrator(t, tr, "a.pdf", "b.pdf")

	events, err := runBatch(t, o)
	require.NoError(t, err)
	require.Len(t, events, 6)

	items := statusByName(o)
	assert.Equal(t, StatusCompleted, items["a.pdf"].Status)
	assert.Equal(t, StatusCompleted, items["b.pdf"].Status)
	assert.Equal(t, 100.0, items["a.pdf"].Progress)
	assert.Equal(t, "doc-1", items["a.pdf"].DocumentID)

	last := events[len(events)-1]
	assert.Equal(t, 2, last.TotalFiles)
	assert.Equal(t, 100.0, last.OverallProgress)
	assert.True(t, stream.closed)

	// One request carried both files.
	require.Len(t, tr.callNames(), 1)
	assert.Equal(t, []string{"a.pdf", "b.pdf"}, tr.callNames()[0])
}

func TestOrchestratorPerFileErrorIsIsolated(t *testing.T) {
	stream := &scriptedStream{items: []streamItem{
		{ev: progress("a.pdf", models.StageProcessing, 100)},
		{ev: progress("a.pdf", models.StageCompleted, 100)},
		{ev: &models.BatchUploadEvent{FileProgress: &models.FileProgress{
			Filename: "b.pdf", Stage: models.StageFailed, Error: "file is corrupt",
		}}},
		{ev: progress("c.pdf", models.StageProcessing, 100)},
		{ev: progress("c.pdf", models.StageCompleted, 100)},
	}}
	tr := &fakeTransport{responses: []batchResponse{{stream: stream}}}
	o, _ := newOrchestrator(t, tr, "a.pdf", "b.pdf", "c.pdf")

	_, err := runBatch(t, o)
	require.NoError(t, err)

	items := statusByName(o)
	assert.Equal(t, StatusCompleted, items["a.pdf"].Status)
	assert.Equal(t, StatusFailed, items["b.pdf"].Status)
	assert.Equal(t, "file is corrupt", items["b.pdf"].Err)
	assert.Equal(t, StatusCompleted, items["c.pdf"].Status)

	// A per-file failure never triggers a batch retry.
	assert.Len(t, tr.callNames(), 1)
	assert.Zero(t, items["b.pdf"].RetryCount)
}

func TestOrchestratorTransportRetryReissuesOnlyUnfinished(t *testing.T) {
	first := &scriptedStream{items: []streamItem{
		{ev: progress("a.pdf", models.StageProcessing, 100)},
		{ev: progress("a.pdf", models.StageCompleted, 100)},
		{ev: progress("b.pdf", models.StageUploading, 30)},
		{err: errors.New("read: connection reset by peer")},
	}}
	second := &scriptedStream{items: []streamItem{
		{ev: progress("b.pdf", models.StageUploading, 60)},
		{ev: progress("b.pdf", models.StageProcessing, 100)},
		{ev: progress("b.pdf", models.StageCompleted, 100)},
	}}
	tr := &fakeTransport{responses: []batchResponse{{stream: first}, {stream: second}}}
	o, _ := newOrchestrator(t, tr, "a.pdf", "b.pdf")

	_, err := runBatch(t, o)
	require.NoError(t, err)

	calls := tr.callNames()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"a.pdf", "b.pdf"}, calls[0])
	assert.Equal(t, []string{"b.pdf"}, calls[1])

	items := statusByName(o)
	assert.Equal(t, StatusCompleted, items["a.pdf"].Status)
	assert.Equal(t, 100.0, items["a.pdf"].Progress)
	assert.Equal(t, StatusCompleted, items["b.pdf"].Status)
}

func TestOrchestratorRetriesExhausted(t *testing.T) {
	reset := errors.New("connection refused")
	tr := &fakeTransport{responses: []batchResponse{{err: reset}, {err: reset}, {err: reset}}}
	o, _ := newOrchestrator(t, tr, "a.pdf", "b.pdf")

	_, err := runBatch(t, o)
	require.ErrorIs(t, err, reset)

	// MaxRetries 2 means three attempts total.
	assert.Len(t, tr.callNames(), 3)
	for _, it := range o.Items() {
		assert.Equal(t, StatusFailed, it.Status)
		assert.Equal(t, "connection refused", it.Err)
	}
}

func TestOrchestratorNonRetryableTransportError(t *testing.T) {
	tr := &fakeTransport{responses: []batchResponse{{err: statusErr{code: 422}}}}
	o, _ := newOrchestrator(t, tr, "a.pdf")

	_, err := runBatch(t, o)
	require.Error(t, err)

	assert.Len(t, tr.callNames(), 1)
	assert.Equal(t, StatusFailed, o.Items()[0].Status)
}

func TestOrchestratorBatchErrorEventIsTerminal(t *testing.T) {
	stream := &scriptedStream{items: []streamItem{
		{ev: progress("a.pdf", models.StageUploading, 50)},
		{ev: &models.BatchUploadEvent{Error: "storage quota exceeded"}},
	}}
	tr := &fakeTransport{responses: []batchResponse{{stream: stream}}}
	o, _ := newOrchestrator(t, tr, "a.pdf", "b.pdf")

	_, err := runBatch(t, o)

	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, "storage quota exceeded", batchErr.Message)

	// Server-side batch rejections are never retried.
	assert.Len(t, tr.callNames(), 1)
	for _, it := range o.Items() {
		assert.Equal(t, StatusFailed, it.Status)
		assert.Equal(t, "storage quota exceeded", it.Err)
	}
}

func TestOrchestratorSkipsMalformedEvents(t *testing.T) {
	stream := &scriptedStream{items: []streamItem{
		{ev: progress("a.pdf", models.StageUploading, 50)},
		{err: &sse.DecodeError{Payload: "garbage", Err: errors.New("invalid json")}},
		{ev: progress("a.pdf", models.StageProcessing, 100)},
		{ev: progress("a.pdf", models.StageCompleted, 100)},
	}}
	tr := &fakeTransport{responses: []batchResponse{{stream: stream}}}
	o, _ := newOrchestrator(t, tr, "a.pdf")

	_, err := runBatch(t, o)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, o.Items()[0].Status)
	assert.Len(t, tr.callNames(), 1)
}

func TestOrchestratorCondensedCompletion(t *testing.T) {
	// Tiny files may jump straight to completed; the server-final event
	// stands in for the skipped processing stage.
	stream := &scriptedStream{items: []streamItem{
		{ev: progress("a.pdf", models.StageCompleted, 100)},
	}}
	tr := &fakeTransport{responses: []batchResponse{{stream: stream}}}
	o, _ := newOrchestrator(t, tr, "a.pdf")

	_, err := runBatch(t, o)
	require.NoError(t, err)

	item := o.Items()[0]
	assert.Equal(t, StatusCompleted, item.Status)
	assert.Equal(t, 100.0, item.Progress)
}

func TestOrchestratorEOFWithoutTerminalStage(t *testing.T) {
	stream := &scriptedStream{items: []streamItem{
		{ev: progress("a.pdf", models.StageUploading, 70)},
	}}
	tr := &fakeTransport{responses: []batchResponse{{stream: stream}}}
	o, _ := newOrchestrator(t, tr, "a.pdf")

	_, err := runBatch(t, o)
	require.NoError(t, err)

	item := o.Items()[0]
	assert.Equal(t, StatusFailed, item.Status)
	assert.Contains(t, item.Err, "ended before completion")
}

func TestOrchestratorRoutesByDocumentID(t *testing.T) {
	stream := &scriptedStream{items: []streamItem{
		{ev: &models.BatchUploadEvent{FileProgress: &models.FileProgress{
			Filename: "a.pdf", DocumentID: "doc-1", Stage: models.StageUploading, ProgressPercent: 20,
		}}},
		// Later events may carry a server-side name; the id still routes.
		{ev: &models.BatchUploadEvent{FileProgress: &models.FileProgress{
			Filename: "a-normalized.pdf", DocumentID: "doc-1", Stage: models.StageProcessing, ProgressPercent: 100,
		}}},
		{ev: &models.BatchUploadEvent{FileProgress: &models.FileProgress{
			Filename: "a-normalized.pdf", DocumentID: "doc-1", Stage: models.StageCompleted, ProgressPercent: 100,
		}}},
	}}
	tr := &fakeTransport{responses: []batchResponse{{stream: stream}}}
	o, _ := newOrchestrator(t, tr, "a.pdf")

	_, err := runBatch(t, o)
	require.NoError(t, err)

	item := o.Items()[0]
	assert.Equal(t, StatusCompleted, item.Status)
	assert.Equal(t, "doc-1", item.DocumentID)
}

func TestOrchestratorUnknownFileEventsDropped(t *testing.T) {
	stream := &scriptedStream{items: []streamItem{
		{ev: progress("ghost.pdf", models.StageUploading, 50)},
		{ev: progress("a.pdf", models.StageProcessing, 100)},
		{ev: progress("a.pdf", models.StageCompleted, 100)},
	}}
	tr := &fakeTransport{responses: []batchResponse{{stream: stream}}}
	o, _ := newOrchestrator(t, tr, "a.pdf")

	events, err := runBatch(t, o)
	require.NoError(t, err)
	for _, ev := range events {
		assert.NotEqual(t, "ghost.pdf", ev.File.Name)
	}
	assert.Equal(t, StatusCompleted, o.Items()[0].Status)
}

func TestOrchestratorPausedFileExcludedFromBatch(t *testing.T) {
	stream := &scriptedStream{items: []streamItem{
		{ev: progress("a.pdf", models.StageProcessing, 100)},
		{ev: progress("a.pdf", models.StageCompleted, 100)},
	}}
	tr := &fakeTransport{responses: []batchResponse{{stream: stream}}}
	o, ids := newOrchestrator(t, tr, "a.pdf", "b.pdf")

	require.NoError(t, o.Pause(ids["b.pdf"]))

	_, err := runBatch(t, o)
	require.NoError(t, err)

	calls := tr.callNames()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"a.pdf"}, calls[0])

	items := statusByName(o)
	assert.Equal(t, StatusCompleted, items["a.pdf"].Status)
	assert.Equal(t, StatusPaused, items["b.pdf"].Status)

	// Resuming after the batch returns the file to its pre-pause state so a
	// later batch can pick it up.
	require.NoError(t, o.Resume(ids["b.pdf"]))
	assert.Equal(t, StatusPending, statusByName(o)["b.pdf"].Status)
}

func TestOrchestratorPauseMidStreamIgnoresProgress(t *testing.T) {
	feed := make(chan streamItem)
	tr := &fakeTransport{makeStream: func(ctx context.Context) Stream {
		return &chanStream{feed: feed}
	}}
	o, ids := newOrchestrator(t, tr, "a.pdf", "b.pdf")

	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(context.Background()) }()

	feed <- streamItem{ev: progress("b.pdf", models.StageUploading, 40)}
	ev := <-o.Events()
	assert.Equal(t, "b.pdf", ev.File.Name)
	assert.Equal(t, 40.0, ev.File.Progress)

	require.NoError(t, o.Pause(ids["b.pdf"]))

	// Progress for a paused file is dropped without an event.
	feed <- streamItem{ev: progress("b.pdf", models.StageUploading, 90)}
	feed <- streamItem{ev: progress("a.pdf", models.StageProcessing, 100)}
	ev = <-o.Events()
	assert.Equal(t, "a.pdf", ev.File.Name)

	feed <- streamItem{ev: progress("a.pdf", models.StageCompleted, 100)}
	<-o.Events()
	close(feed)
	require.NoError(t, <-errCh)

	items := statusByName(o)
	assert.Equal(t, StatusPaused, items["b.pdf"].Status)
	assert.Equal(t, 40.0, items["b.pdf"].Progress)
}

type chanStream struct {
	feed chan streamItem
}

func (c *chanStream) Recv() (*models.BatchUploadEvent, error) {
	item, ok := <-c.feed
	if !ok {
		return nil, io.EOF
	}
	return item.ev, item.err
}

func (c *chanStream) Close() error { return nil }

func TestOrchestratorPauseAllResumeAll(t *testing.T) {
	o, _ := newOrchestrator(t, &fakeTransport{}, "a.pdf", "b.pdf", "c.pdf")

	o.PauseAll()
	for _, it := range o.Items() {
		assert.Equal(t, StatusPaused, it.Status)
	}

	o.ResumeAll()
	for _, it := range o.Items() {
		assert.Equal(t, StatusPending, it.Status)
	}
}

func TestOrchestratorRequeueBudget(t *testing.T) {
	tr := &fakeTransport{}
	o := NewOrchestrator(tr, retry.Config{MaxRetries: 1, BaseDelay: time.Millisecond})
	item, err := o.Add(&memSource{name: "a.pdf"})
	require.NoError(t, err)

	// Requeue only applies to failed transfers.
	require.Error(t, o.Requeue(item.ID))

	o.items[0].Status = StatusFailed
	o.items[0].Err = "boom"
	o.items[0].Progress = 42

	require.NoError(t, o.Requeue(item.ID))
	got := o.Items()[0]
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.Err)
	assert.Zero(t, got.Progress)

	// Budget spent; the next failure is sticky.
	o.items[0].Status = StatusFailed
	err = o.Requeue(item.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries exhausted")
}

func TestOrchestratorServicesMidRunRequeue(t *testing.T) {
	feed := make(chan streamItem)
	second := &scriptedStream{items: []streamItem{
		{ev: progress("a.pdf", models.StageProcessing, 100)},
		{ev: progress("a.pdf", models.StageCompleted, 100)},
	}}
	tr := &fakeTransport{responses: []batchResponse{
		{stream: &chanStream{feed: feed}},
		{stream: second},
	}}
	o, ids := newOrchestrator(t, tr, "a.pdf")

	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(context.Background()) }()

	feed <- streamItem{ev: &models.BatchUploadEvent{FileProgress: &models.FileProgress{
		Filename: "a.pdf", Stage: models.StageFailed, Error: "transient glitch",
	}}}
	ev := <-o.Events()
	assert.Equal(t, StatusFailed, ev.File.Status)

	// Requeued while the first stream is still open; the batch must come
	// back for it once that stream ends.
	require.NoError(t, o.Requeue(ids["a.pdf"]))
	close(feed)

	for range o.Events() {
	}
	require.NoError(t, <-errCh)

	calls := tr.callNames()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"a.pdf"}, calls[1])

	item := o.Items()[0]
	assert.Equal(t, StatusCompleted, item.Status)
	assert.Equal(t, 1, item.RetryCount)
}

func TestOrchestratorRequeueAfterRunRefused(t *testing.T) {
	stream := &scriptedStream{items: []streamItem{
		{ev: &models.BatchUploadEvent{FileProgress: &models.FileProgress{
			Filename: "a.pdf", Stage: models.StageFailed, Error: "broken",
		}}},
	}}
	tr := &fakeTransport{responses: []batchResponse{{stream: stream}}}
	o, ids := newOrchestrator(t, tr, "a.pdf")

	_, err := runBatch(t, o)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, o.Items()[0].Status)

	// No one drains the queue anymore; the file must not end up parked in
	// a non-terminal state.
	err = o.Requeue(ids["a.pdf"])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "finished")
	assert.Equal(t, StatusFailed, o.Items()[0].Status)
}

func TestOrchestratorRemove(t *testing.T) {
	o, ids := newOrchestrator(t, &fakeTransport{}, "a.pdf", "b.pdf")

	require.NoError(t, o.Remove(ids["a.pdf"]))
	require.Len(t, o.Items(), 1)
	assert.Equal(t, "b.pdf", o.Items()[0].Name)

	assert.Error(t, o.Remove("nope"))

	o.items[0].Status = StatusUploading
	err := o.Remove(ids["b.pdf"])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot remove")
}

func TestOrchestratorRunGuards(t *testing.T) {
	o := NewOrchestrator(&fakeTransport{}, retry.Config{MaxRetries: 1, BaseDelay: time.Millisecond})
	err := o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no files")

	o2, _ := newOrchestrator(t, &fakeTransport{responses: []batchResponse{{stream: &scriptedStream{}}}}, "a.pdf")
	_, err = runBatch(t, o2)
	require.NoError(t, err)

	// The batch is one-shot; a second run needs a new orchestrator.
	require.Error(t, o2.Run(context.Background()))
	_, err = o2.Add(&memSource{name: "late.pdf"})
	require.Error(t, err)
}

func TestOrchestratorContextCancellation(t *testing.T) {
	entered := make(chan struct{})
	tr := &fakeTransport{makeStream: func(ctx context.Context) Stream {
		return &blockingStream{ctx: ctx, entered: entered}
	}}
	o, _ := newOrchestrator(t, tr, "a.pdf")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(ctx) }()

	<-entered
	cancel()

	err := <-errCh
	require.ErrorIs(t, err, context.Canceled)

	item := o.Items()[0]
	assert.Equal(t, StatusFailed, item.Status)
	assert.Equal(t, "upload canceled", item.Err)
}

type blockingStream struct {
	ctx     context.Context
	entered chan struct{}
	once    sync.Once
}

func (b *blockingStream) Recv() (*models.BatchUploadEvent, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.ctx.Done()
	return nil, b.ctx.Err()
}

func (b *blockingStream) Close() error { return nil }
