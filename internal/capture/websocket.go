package capture

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Events exchanged with the browser peer
const (
	// device -> peer
	peerEventAcquire = "acquire" // ask for getUserMedia permission
	peerEventStart   = "start"   // start the MediaRecorder
	peerEventStop    = "stop"    // stop and flush the MediaRecorder
	peerEventRelease = "release" // stop the audio tracks

	// peer -> device
	peerEventPermission = "permission"
	peerEventMedia      = "media"
	peerEventStopped    = "stopped"
	peerEventError      = "error"
)

// PeerMessage is the JSON envelope exchanged with the browser peer
type PeerMessage struct {
	Event   string `json:"event"`
	Granted bool   `json:"granted,omitempty"`
	Reason  string `json:"reason,omitempty"`  // permission refusal: "denied" or "no_device"
	Payload string `json:"payload,omitempty"` // base64 encoded chunk
	Message string `json:"message,omitempty"`
}

const peerWriteTimeout = 5 * time.Second

// WebSocketDevice uses a connected browser as the microphone. The browser
// owns getUserMedia and MediaRecorder; chunks arrive as media events.
type WebSocketDevice struct {
	upgrader websocket.Upgrader
	stopWait time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	current *wsPeer
	wake    chan struct{}
}

// NewWebSocketDevice creates a device; mount Handler to accept the peer
func NewWebSocketDevice(stopWait time.Duration, logger zerolog.Logger) *WebSocketDevice {
	if stopWait <= 0 {
		stopWait = 5 * time.Second
	}
	return &WebSocketDevice{
		upgrader: websocket.Upgrader{
			// The page is served from anywhere during development
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		stopWait: stopWait,
		logger:   logger,
		wake:     make(chan struct{}),
	}
}

// Name implements Device
func (d *WebSocketDevice) Name() string { return "websocket" }

// Handler accepts one browser peer at a time
func (d *WebSocketDevice) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := d.upgrader.Upgrade(w, r, nil)
		if err != nil {
			d.logger.Warn().Err(err).Msg("Failed to upgrade capture peer connection")
			return
		}

		peer := newPeer(conn, d.logger)

		d.mu.Lock()
		if d.current != nil && !d.current.isClosed() {
			d.mu.Unlock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "another capture peer is connected"),
				time.Now().Add(peerWriteTimeout))
			conn.Close()
			return
		}
		d.current = peer
		close(d.wake)
		d.wake = make(chan struct{})
		d.mu.Unlock()

		d.logger.Info().Str("remote", r.RemoteAddr).Msg("Capture peer connected")
		peer.readLoop()

		d.mu.Lock()
		if d.current == peer {
			d.current = nil
		}
		d.mu.Unlock()
		d.logger.Info().Str("remote", r.RemoteAddr).Msg("Capture peer disconnected")
	}
}

// Acquire waits for a peer, then asks it for microphone permission
func (d *WebSocketDevice) Acquire(ctx context.Context) (Stream, error) {
	var peer *wsPeer
	for peer == nil {
		d.mu.Lock()
		p, wake := d.current, d.wake
		d.mu.Unlock()

		if p != nil && !p.isClosed() {
			peer = p
			break
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if !peer.claim() {
		return nil, fmt.Errorf("%w: capture peer is busy", ErrDeviceUnavailable)
	}
	if err := peer.send(PeerMessage{Event: peerEventAcquire}); err != nil {
		peer.unclaim()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	select {
	case answer := <-peer.permission:
		if answer.Granted {
			return &wsStream{peer: peer, stopWait: d.stopWait}, nil
		}
		peer.unclaim()
		if answer.Reason == "no_device" {
			return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, answer.Message)
		}
		return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, answer.Message)

	case <-peer.closed:
		peer.unclaim()
		return nil, fmt.Errorf("%w: capture peer disconnected", ErrDeviceUnavailable)

	case <-ctx.Done():
		_ = peer.send(PeerMessage{Event: peerEventRelease})
		peer.unclaim()
		return nil, ctx.Err()
	}
}

// wsPeer is one connected browser
type wsPeer struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	permission chan PeerMessage
	closed     chan struct{}
	closeOnce  sync.Once

	mu      sync.Mutex
	claimed bool
	onChunk func([]byte)
	onFail  func(error)
	stopped chan struct{}
}

func newPeer(conn *websocket.Conn, logger zerolog.Logger) *wsPeer {
	return &wsPeer{
		conn:       conn,
		logger:     logger,
		permission: make(chan PeerMessage, 1),
		closed:     make(chan struct{}),
	}
}

func (p *wsPeer) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *wsPeer) claim() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.claimed {
		return false
	}
	p.claimed = true
	// Drop a stale permission answer from an earlier session
	select {
	case <-p.permission:
	default:
	}
	return true
}

func (p *wsPeer) unclaim() {
	p.mu.Lock()
	p.claimed = false
	p.onChunk = nil
	p.onFail = nil
	p.mu.Unlock()
}

func (p *wsPeer) send(msg PeerMessage) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	_ = p.conn.SetWriteDeadline(time.Now().Add(peerWriteTimeout))
	return p.conn.WriteJSON(msg)
}

// readLoop dispatches peer events until the connection drops
func (p *wsPeer) readLoop() {
	defer func() {
		p.closeOnce.Do(func() { close(p.closed) })
		p.conn.Close()
	}()

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Warn().Err(err).Msg("Capture peer read error")
			}
			p.mu.Lock()
			onFail := p.onFail
			p.mu.Unlock()
			if onFail != nil {
				onFail(fmt.Errorf("%w: capture peer disconnected", ErrDeviceUnavailable))
			}
			return
		}

		var msg PeerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to parse capture peer message")
			continue
		}

		switch msg.Event {
		case peerEventPermission:
			select {
			case p.permission <- msg:
			default:
			}

		case peerEventMedia:
			chunk, err := base64.StdEncoding.DecodeString(msg.Payload)
			if err != nil {
				p.logger.Warn().Err(err).Msg("Failed to decode media payload")
				continue
			}
			p.mu.Lock()
			onChunk := p.onChunk
			p.mu.Unlock()
			if onChunk == nil {
				p.logger.Debug().Int("bytes", len(chunk)).Msg("Media outside a capture, dropping")
				continue
			}
			onChunk(chunk)

		case peerEventStopped:
			p.mu.Lock()
			if p.stopped != nil {
				close(p.stopped)
				p.stopped = nil
			}
			p.mu.Unlock()

		case peerEventError:
			p.mu.Lock()
			onFail := p.onFail
			p.mu.Unlock()
			if onFail != nil {
				onFail(errors.New("peer encoder error: " + msg.Message))
			}

		default:
			p.logger.Debug().Str("event", msg.Event).Msg("Unknown capture peer event")
		}
	}
}

// wsStream is a claimed peer
type wsStream struct {
	peer      *wsPeer
	stopWait  time.Duration
	closeOnce sync.Once
	stopped   chan struct{}
}

func (s *wsStream) Start(onChunk func([]byte), onFail func(error)) error {
	s.stopped = make(chan struct{})

	s.peer.mu.Lock()
	s.peer.onChunk = onChunk
	s.peer.onFail = onFail
	s.peer.stopped = s.stopped
	s.peer.mu.Unlock()

	if err := s.peer.send(PeerMessage{Event: peerEventStart}); err != nil {
		return fmt.Errorf("start peer recorder: %w", err)
	}
	return nil
}

// Stop waits for the peer to flush its recorder; the stopped event follows
// the last media event on the same connection.
func (s *wsStream) Stop() error {
	if s.stopped == nil {
		return nil
	}
	if err := s.peer.send(PeerMessage{Event: peerEventStop}); err != nil {
		return fmt.Errorf("stop peer recorder: %w", err)
	}

	select {
	case <-s.stopped:
		return nil
	case <-s.peer.closed:
		return fmt.Errorf("%w: capture peer disconnected during flush", ErrDeviceUnavailable)
	case <-time.After(s.stopWait):
		return fmt.Errorf("capture peer did not finish flushing within %s", s.stopWait)
	}
}

// Close tells the peer to stop its tracks and frees it for the next session
func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.peer.mu.Lock()
		s.peer.stopped = nil
		s.peer.mu.Unlock()
		s.peer.unclaim()
		if !s.peer.isClosed() {
			err = s.peer.send(PeerMessage{Event: peerEventRelease})
		}
	})
	return err
}
