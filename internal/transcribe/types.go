package transcribe

import (
	"fmt"
)

// Wire constants of the transcription service
const (
	TranscribePath = "/transcribe"

	FileField     = "file"
	LanguageField = "language"

	FileName        = "recording.webm"
	FileContentType = "audio/webm"

	// AutoLanguage asks the backend to detect the spoken language
	AutoLanguage = "auto"

	StatusSuccess = "success"
)

// Segment is one timed piece of the transcript
type Segment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Result is a decoded reply from the transcription service
type Result struct {
	Status         string    `json:"status"`
	FullText       string    `json:"full_text"`
	Language       string    `json:"language"`
	Duration       float64   `json:"duration"`        // seconds of audio
	ProcessingTime float64   `json:"processing_time"` // seconds spent transcribing
	Segments       []Segment `json:"segments,omitempty"`
	Message        string    `json:"message,omitempty"`
}

// BackendError means the service answered with a non-success status
type BackendError struct {
	Status     string
	Message    string
	StatusCode int
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("transcription failed with status %q", e.Status)
	}
	return fmt.Sprintf("transcription failed: %s", e.Message)
}

// TransportError means the request never produced a usable reply: no
// connection, an unexpected HTTP status or a body that is not a reply.
type TransportError struct {
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upload failed: HTTP %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upload failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
