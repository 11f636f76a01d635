package present

import (
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/neuryx/voice-capture/internal/session"
)

// Terminal writes a view every time it changes
type Terminal struct {
	adapter *Adapter
	out     io.Writer
	logger  zerolog.Logger

	mu   sync.Mutex
	last string
}

// NewTerminal creates a renderer writing to out
func NewTerminal(adapter *Adapter, out io.Writer, logger zerolog.Logger) *Terminal {
	return &Terminal{adapter: adapter, out: out, logger: logger}
}

// Update renders s; use it as a session subscriber
func (t *Terminal) Update(s session.Snapshot) {
	text := t.adapter.Render(s).Text()

	t.mu.Lock()
	defer t.mu.Unlock()
	if text == t.last {
		return
	}
	t.last = text
	if _, err := io.WriteString(t.out, text); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to write view")
	}
}
