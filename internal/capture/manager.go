package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/neuryx/voice-capture/internal/observability"
)

var (
	// ErrPermissionDenied means the user or the OS refused microphone access
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrDeviceUnavailable means there is no usable input device
	ErrDeviceUnavailable = errors.New("microphone unavailable")

	// ErrAborted is reported when a capture is torn down without a flush
	ErrAborted = errors.New("capture aborted")
)

// Stream is a live audio input handle returned by Device.Acquire
type Stream interface {
	// Start begins encoding. onChunk receives chunks serially in capture order
	// and takes ownership of each slice. onFail reports an encoder failure;
	// io.EOF means the device ran out of input and ended cleanly.
	Start(onChunk func([]byte), onFail func(error)) error

	// Stop asks the encoder to flush and returns once every pending chunk
	// has been passed to onChunk.
	Stop() error

	// Close releases the device. Safe to call more than once.
	Close() error
}

// Device is a source of microphone streams
type Device interface {
	Name() string
	Acquire(ctx context.Context) (Stream, error)
}

// EventKind distinguishes capture events
type EventKind int

const (
	ChunkArrived EventKind = iota
	CaptureFinished
)

// Event is emitted by a running capture. CaptureFinished is always the last
// event and arrives after the device has been released.
type Event struct {
	Kind  EventKind
	Chunk []byte
	Err   error
}

// Manager acquires the device and starts captures on it
type Manager struct {
	device Device
	logger zerolog.Logger
}

// NewManager creates a capture manager for device
func NewManager(device Device, logger zerolog.Logger) *Manager {
	return &Manager{
		device: device,
		logger: observability.WithComponent(logger, "capture").With().Str("device", device.Name()).Logger(),
	}
}

// DeviceName returns the configured device name
func (m *Manager) DeviceName() string {
	return m.device.Name()
}

// Acquire requests microphone access. Failures are always ErrPermissionDenied,
// ErrDeviceUnavailable or a context error.
func (m *Manager) Acquire(ctx context.Context) (Stream, error) {
	stream, err := m.device.Acquire(ctx)
	if err == nil {
		m.logger.Debug().Msg("Microphone acquired")
		return stream, nil
	}

	reason := "unavailable"
	switch {
	case errors.Is(err, ErrPermissionDenied):
		reason = "permission"
	case errors.Is(err, ErrDeviceUnavailable):
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	observability.RecordAcquireFailure(reason)
	m.logger.Warn().Err(err).Str("reason", reason).Msg("Microphone acquisition failed")
	return nil, err
}

// BeginCapture starts encoding on an acquired stream. If the stream fails to
// start it is closed and the error returned.
func (m *Manager) BeginCapture(stream Stream) (*Capture, error) {
	c := &Capture{
		stream:  stream,
		logger:  m.logger,
		events:  make(chan Event, 16),
		aborted: make(chan struct{}),
	}
	if err := stream.Start(c.onChunk, c.onFail); err != nil {
		if cerr := stream.Close(); cerr != nil {
			m.logger.Warn().Err(cerr).Msg("Failed to release microphone after start error")
		}
		return nil, fmt.Errorf("start capture: %w", err)
	}
	return c, nil
}

// Capture is one running recording on an acquired stream
type Capture struct {
	stream Stream
	logger zerolog.Logger

	mu       sync.Mutex
	finished bool
	events   chan Event

	endOnce   sync.Once
	abortOnce sync.Once
	aborted   chan struct{}
}

// Events delivers ChunkArrived events in capture order followed by exactly
// one CaptureFinished. The channel is closed afterwards.
func (c *Capture) Events() <-chan Event {
	return c.events
}

// End flushes the encoder in the background. Remaining chunks, then
// CaptureFinished, follow on Events. The device is released even if the
// flush fails.
func (c *Capture) End() {
	c.endOnce.Do(func() {
		go func() {
			err := c.stream.Stop()
			if err != nil {
				c.logger.Warn().Err(err).Msg("Encoder flush failed")
			}
			c.finish(err)
		}()
	})
}

// Abort releases the device immediately without waiting for a flush.
// Pending events may be dropped.
func (c *Capture) Abort() {
	c.abortOnce.Do(func() {
		close(c.aborted)
	})
	c.finish(ErrAborted)
}

func (c *Capture) onChunk(chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finished || len(chunk) == 0 {
		return
	}
	c.send(Event{Kind: ChunkArrived, Chunk: chunk})
}

func (c *Capture) onFail(err error) {
	if errors.Is(err, io.EOF) {
		c.logger.Info().Msg("Device ended the capture")
		go c.finish(nil)
		return
	}
	if err == nil {
		err = errors.New("encoder stopped unexpectedly")
	}
	c.logger.Error().Err(err).Msg("Encoder failed during capture")
	// Devices call onFail from their own goroutines; releasing them there could deadlock
	go c.finish(err)
}

// finish releases the stream and emits the terminal event once. Once
// finished is set no chunk send can start, so the terminal event goes out
// without the lock; Close may wait on a reader that is inside onChunk.
func (c *Capture) finish(err error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.mu.Unlock()

	if cerr := c.stream.Close(); cerr != nil {
		c.logger.Warn().Err(cerr).Msg("Failed to release microphone")
	}
	c.send(Event{Kind: CaptureFinished, Err: err})
	close(c.events)
}

// send delivers ev unless the capture was aborted
func (c *Capture) send(ev Event) {
	select {
	case c.events <- ev:
	case <-c.aborted:
	}
}
