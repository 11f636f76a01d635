package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/neuryx/voice-capture/internal/capture"
	"github.com/neuryx/voice-capture/internal/history"
	"github.com/neuryx/voice-capture/internal/observability"
	"github.com/neuryx/voice-capture/internal/transcribe"
)

// ErrAlreadyRunning is returned by a second call to Run
var ErrAlreadyRunning = errors.New("session controller already running")

const (
	inboxSize      = 64
	archiveTimeout = 10 * time.Second
)

// Recorder acquires the microphone and starts captures on it
type Recorder interface {
	Acquire(ctx context.Context) (capture.Stream, error)
	BeginCapture(stream capture.Stream) (*capture.Capture, error)
}

// Uploader submits a finished recording for transcription
type Uploader interface {
	Submit(ctx context.Context, audio []byte) (*transcribe.Result, error)
}

// Archive keeps finished sessions
type Archive interface {
	Save(ctx context.Context, e history.Entry) error
}

// Messages consumed by the event loop. Completions carry the ID of the
// session that started them.
type (
	toggleMsg   struct{}
	settingsMsg struct{}

	acquiredMsg struct {
		sessionID string
		stream    capture.Stream
		err       error
	}
	chunkMsg struct {
		sessionID string
		chunk     []byte
	}
	captureFinishedMsg struct {
		sessionID string
		err       error
	}
	uploadDoneMsg struct {
		sessionID string
		result    *transcribe.Result
		err       error
	}
)

// active is the bookkeeping of the current session
type active struct {
	id            string
	startedAt     time.Time
	chunks        *capture.ChunkBuffer
	capture       *capture.Capture
	cancelAcquire context.CancelFunc
	audio         []byte
	result        *transcribe.Result
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

// Controller owns the recording session. All state changes happen on the
// goroutine running Run; device, permission and upload work runs in helper
// goroutines that report back through the inbox.
type Controller struct {
	recorder Recorder
	uploader Uploader
	archive  Archive
	logger   zerolog.Logger
	now      func() time.Time

	inbox   chan any
	done    chan struct{}
	running sync.Once

	// loop-owned
	ctx     context.Context
	state   Snapshot
	current *active
	chunks  *capture.ChunkBuffer

	mu          sync.RWMutex
	published   Snapshot
	subscribers []func(Snapshot)
}

// New creates a controller. archive may be nil.
func New(recorder Recorder, uploader Uploader, archive Archive, logger zerolog.Logger) *Controller {
	return &Controller{
		recorder: recorder,
		uploader: uploader,
		archive:  archive,
		logger:   observability.WithComponent(logger, "session"),
		now:      time.Now,
		inbox:    make(chan any, inboxSize),
		done:     make(chan struct{}),
		ctx:      context.Background(),
		chunks:   capture.NewChunkBuffer(),
	}
}

// Run processes messages until ctx is cancelled. An active capture is
// aborted and the device released before Run returns.
func (c *Controller) Run(ctx context.Context) error {
	first := false
	c.running.Do(func() { first = true })
	if !first {
		return ErrAlreadyRunning
	}

	c.ctx = ctx
	defer func() {
		close(c.done)
		c.shutdown()
	}()

	c.publish()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.inbox:
			c.handle(msg)
		}
	}
}

// Toggle starts a recording when none is active and stops the current one
// otherwise. It reports false once the controller has stopped.
func (c *Controller) Toggle() bool {
	return c.post(toggleMsg{})
}

// ToggleSettings opens or closes the settings panel
func (c *Controller) ToggleSettings() bool {
	return c.post(settingsMsg{})
}

// Snapshot returns the most recently published state
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.published
}

// Subscribe registers fn to receive every published snapshot. fn runs on
// the event loop and must not block.
func (c *Controller) Subscribe(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

func (c *Controller) post(msg any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.inbox <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) handle(msg any) {
	switch m := msg.(type) {
	case toggleMsg:
		c.toggle()
	case settingsMsg:
		c.state.SettingsOpen = !c.state.SettingsOpen
		c.publish()
	case acquiredMsg:
		c.onAcquired(m)
	case chunkMsg:
		c.onChunk(m)
	case captureFinishedMsg:
		c.onCaptureFinished(m)
	case uploadDoneMsg:
		c.onUploadDone(m)
	default:
		c.logger.Warn().Msgf("Unknown controller message %T", msg)
	}
}

func (c *Controller) toggle() {
	switch c.state.State {
	case Idle, Done, Error:
		c.start()
	case Acquiring:
		c.current.logger.Info().Msg("Microphone request cancelled")
		c.current.cancelAcquire()
		c.state.State = Idle
		c.end(history.OutcomeCancelled)
	case Recording:
		c.stop()
	case Processing:
		c.current.logger.Debug().Msg("Toggle ignored while processing")
	}
}

// start resets the session and asks for the microphone
func (c *Controller) start() {
	id := observability.NewSessionID()

	prior := c.state.PriorTranscript
	if c.state.State == Done {
		prior = c.state.Transcript
	}

	// Earlier sessions only keep the concatenated audio
	c.chunks.Reset()

	acquireCtx, cancel := context.WithCancel(c.ctx)
	c.current = &active{
		id:            id,
		startedAt:     c.now(),
		chunks:        c.chunks,
		cancelAcquire: cancel,
		metrics:       observability.NewSessionMetrics(id),
		logger:        observability.WithSessionID(c.logger, id),
	}
	c.current.metrics.RecordSessionStart()

	c.state = Snapshot{
		SessionID:       id,
		State:           Acquiring,
		StartedAt:       c.current.startedAt,
		PriorTranscript: prior,
		SettingsOpen:    c.state.SettingsOpen,
	}
	c.publish()
	c.current.logger.Info().Msg("Recording session started")

	go c.acquire(acquireCtx, id)
}

func (c *Controller) acquire(ctx context.Context, sessionID string) {
	stream, err := c.recorder.Acquire(ctx)
	if !c.post(acquiredMsg{sessionID: sessionID, stream: stream, err: err}) && stream != nil {
		_ = stream.Close()
	}
}

func (c *Controller) onAcquired(m acquiredMsg) {
	if !c.isCurrent(m.sessionID) || c.state.State != Acquiring {
		if m.stream != nil {
			go m.stream.Close()
		}
		c.stale("acquire", m.sessionID)
		return
	}
	cur := c.current
	cur.cancelAcquire()

	if m.err != nil {
		c.fail(MicrophoneFailed, m.err.Error(), history.OutcomeMicrophoneBlocked)
		return
	}

	capt, err := c.recorder.BeginCapture(m.stream)
	if err != nil {
		c.fail(CaptureFailed, err.Error(), history.OutcomeCaptureFailed)
		return
	}
	cur.capture = capt
	c.state.State = Recording
	c.publish()
	cur.logger.Info().Msg("Recording")

	go c.pump(m.sessionID, capt)
}

// pump forwards capture events into the inbox
func (c *Controller) pump(sessionID string, capt *capture.Capture) {
	for ev := range capt.Events() {
		var msg any
		switch ev.Kind {
		case capture.ChunkArrived:
			msg = chunkMsg{sessionID: sessionID, chunk: ev.Chunk}
		case capture.CaptureFinished:
			msg = captureFinishedMsg{sessionID: sessionID, err: ev.Err}
		}
		if !c.post(msg) {
			capt.Abort()
			return
		}
	}
}

// stop flushes the capture; the upload starts once it has finished
func (c *Controller) stop() {
	// Processing is published before the flush; the device is released when
	// End completes, ahead of the upload
	c.state.State = Processing
	c.publish()
	c.current.logger.Info().Msg("Recording stopped, flushing capture")
	c.current.capture.End()
}

func (c *Controller) onChunk(m chunkMsg) {
	if !c.isCurrent(m.sessionID) {
		c.stale("chunk", m.sessionID)
		return
	}
	if c.state.State != Recording && c.state.State != Processing {
		return
	}
	cur := c.current
	if cur.chunks.Append(m.chunk) == 0 {
		return
	}
	cur.metrics.RecordChunk(len(m.chunk))
	c.state.ChunkCount = cur.chunks.Len()
	c.state.AudioBytes = cur.chunks.Size()
	c.publish()
}

func (c *Controller) onCaptureFinished(m captureFinishedMsg) {
	if !c.isCurrent(m.sessionID) {
		c.stale("capture", m.sessionID)
		return
	}
	cur := c.current
	cur.capture = nil

	if m.err != nil {
		c.fail(CaptureFailed, "recording failed: "+m.err.Error(), history.OutcomeCaptureFailed)
		return
	}
	if c.state.State == Recording {
		cur.logger.Info().Msg("Capture ended by the device")
		c.state.State = Processing
	}
	if cur.chunks.IsEmpty() {
		c.fail(CaptureFailed, "no audio captured", history.OutcomeCaptureFailed)
		return
	}

	cur.audio = cur.chunks.Bytes()
	cur.metrics.RecordUploadStart(len(cur.audio))
	cur.logger.Info().
		Int("chunks", cur.chunks.Len()).
		Int("bytes", len(cur.audio)).
		Msg("Uploading recording")
	c.publish()

	go c.upload(m.sessionID, cur.audio)
}

func (c *Controller) upload(sessionID string, audio []byte) {
	result, err := c.uploader.Submit(c.ctx, audio)
	c.post(uploadDoneMsg{sessionID: sessionID, result: result, err: err})
}

func (c *Controller) onUploadDone(m uploadDoneMsg) {
	if !c.isCurrent(m.sessionID) || c.state.State != Processing {
		c.stale("upload", m.sessionID)
		return
	}
	cur := c.current

	if m.err == nil && m.result == nil {
		m.err = &transcribe.TransportError{Err: errors.New("empty reply")}
	}
	if m.err == nil {
		cur.metrics.RecordUploadEnd("success")
		cur.result = m.result
		c.state.State = Done
		c.state.Transcript = m.result.FullText
		c.state.DetectedLanguage = m.result.Language
		c.state.Duration = m.result.Duration
		cur.logger.Info().
			Str("language", m.result.Language).
			Float64("duration", m.result.Duration).
			Msg("Transcription received")
		c.end(history.OutcomeDone)
		return
	}

	var backendErr *transcribe.BackendError
	if errors.As(m.err, &backendErr) {
		cur.metrics.RecordUploadEnd("backend_error")
		c.fail(BackendFailed, backendErr.Message, history.OutcomeBackendError)
		return
	}
	cur.metrics.RecordUploadEnd("transport_error")
	c.fail(TransportFailed, m.err.Error(), history.OutcomeTransportError)
}

func (c *Controller) fail(f Failure, detail string, outcome string) {
	c.state.State = Error
	c.state.Failure = f
	c.state.ErrorDetail = detail
	c.current.metrics.RecordError(f.String(), "session")
	c.current.logger.Warn().Str("failure", f.String()).Str("detail", detail).Msg("Recording session failed")
	c.end(outcome)
}

// end closes the current session after its terminal state was set
func (c *Controller) end(outcome string) {
	cur := c.current
	c.current = nil
	if cur.capture != nil {
		cur.capture.Abort()
	}
	cur.metrics.RecordSessionEnd(outcome)
	c.publish()

	if outcome != history.OutcomeCancelled {
		c.archiveSession(cur, outcome)
	}
}

func (c *Controller) archiveSession(cur *active, outcome string) {
	if c.archive == nil {
		return
	}
	entry := history.Entry{
		SessionID:  cur.id,
		StartedAt:  cur.startedAt,
		FinishedAt: c.now(),
		Outcome:    outcome,
		Detail:     c.state.ErrorDetail,
		ChunkCount: cur.chunks.Len(),
		AudioBytes: cur.chunks.Size(),
		Audio:      cur.audio,
	}
	if r := cur.result; r != nil {
		entry.Transcript = r.FullText
		entry.Language = r.Language
		entry.Duration = r.Duration
		entry.ProcessingTime = r.ProcessingTime
		entry.Segments = r.Segments
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), archiveTimeout)
		defer cancel()
		if err := c.archive.Save(ctx, entry); err != nil {
			cur.logger.Warn().Err(err).Msg("Failed to archive session")
		}
	}()
}

func (c *Controller) isCurrent(sessionID string) bool {
	return c.current != nil && c.current.id == sessionID
}

func (c *Controller) stale(kind, sessionID string) {
	observability.RecordStaleResponse(kind)
	c.logger.Debug().Str("kind", kind).Str("session_id", sessionID).Msg("Dropping stale completion")
}

func (c *Controller) publish() {
	snap := c.state

	c.mu.Lock()
	c.published = snap
	subscribers := slices.Clone(c.subscribers)
	c.mu.Unlock()

	for _, fn := range subscribers {
		fn(snap)
	}
}

// shutdown releases whatever the current session holds
func (c *Controller) shutdown() {
	cur := c.current
	if cur == nil {
		return
	}
	c.current = nil
	cur.cancelAcquire()
	if cur.capture != nil {
		cur.capture.Abort()
	}
	cur.metrics.RecordSessionEnd("aborted")
	cur.logger.Info().Str("state", c.state.State.String()).Msg("Session aborted by shutdown")
}
