package session

import (
	"time"
)

// State is the lifecycle position of the current recording session
type State int

const (
	Idle       State = iota // nothing recorded yet
	Acquiring               // waiting for microphone permission
	Recording               // chunks are arriving
	Processing              // capture flushed or flushing, upload pending
	Done                    // transcript available
	Error                   // terminal failure, see Failure
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Acquiring:
		return "acquiring"
	case Recording:
		return "recording"
	case Processing:
		return "processing"
	case Done:
		return "done"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Failure tells Error states apart
type Failure int

const (
	NoFailure        Failure = iota
	MicrophoneFailed         // permission denied or no device
	CaptureFailed            // encoder failed or nothing was recorded
	BackendFailed            // service answered with a failure status
	TransportFailed          // upload never produced an answer
)

func (f Failure) String() string {
	switch f {
	case NoFailure:
		return "none"
	case MicrophoneFailed:
		return "microphone"
	case CaptureFailed:
		return "capture"
	case BackendFailed:
		return "backend"
	case TransportFailed:
		return "transport"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable copy of the controller state. Failure and
// ErrorDetail are only set in Error; the result fields only in Done.
type Snapshot struct {
	SessionID string
	State     State
	StartedAt time.Time

	Failure     Failure
	ErrorDetail string

	ChunkCount int
	AudioBytes int

	Transcript       string
	DetectedLanguage string
	Duration         float64

	// PriorTranscript is the last successful transcript of an earlier
	// session; it stays on screen until a new one replaces it.
	PriorTranscript string

	SettingsOpen bool
}

// CanStart reports whether a toggle would start a new recording
func (s Snapshot) CanStart() bool {
	return s.State == Idle || s.State == Done || s.State == Error
}
