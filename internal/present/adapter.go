package present

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/neuryx/voice-capture/internal/session"
	"github.com/neuryx/voice-capture/internal/transcribe"
)

// Status lines
const (
	StatusReady      = "Ready"
	StatusAcquiring  = "Waiting for microphone..."
	StatusRecording  = "Recording..."
	StatusProcessing = "Processing..."
	StatusBackendErr = "Error processing"
	StatusUploadErr  = "Upload failed"
	StatusMicBlocked = "Microphone blocked"
	StatusCaptureErr = "Recording failed"
	statusDoneFormat = "Done (%s, %ss)"
	backendErrFormat = "Error: %s"
	toggleStart      = "Start Recording"
	toggleStop       = "Stop Recording"
	toggleCancel     = "Cancel"
	toggleProcessing = "Processing..."
)

// View is everything the user sees, derived from one snapshot
type View struct {
	State         string `json:"state"`
	Status        string `json:"status"`
	Transcript    string `json:"transcript"`
	LanguageBadge string `json:"language_badge,omitempty"`
	ToggleLabel   string `json:"toggle_label"`
	ToggleEnabled bool   `json:"toggle_enabled"`
	Recording     bool   `json:"recording"`
	SettingsOpen  bool   `json:"settings_open"`
}

// Adapter maps session snapshots onto views. It holds no session state.
type Adapter struct {
	labels atomic.Pointer[transcribe.LanguageLabels]
}

// NewAdapter creates an adapter; nil labels means the built-in table
func NewAdapter(labels transcribe.LanguageLabels) *Adapter {
	a := &Adapter{}
	a.SetLabels(labels)
	return a
}

// SetLabels swaps the language label table
func (a *Adapter) SetLabels(labels transcribe.LanguageLabels) {
	if labels == nil {
		labels = transcribe.DefaultLanguageLabels()
	}
	a.labels.Store(&labels)
}

// Render builds the view for s
func (a *Adapter) Render(s session.Snapshot) View {
	v := View{
		State:         s.State.String(),
		Transcript:    s.PriorTranscript,
		ToggleEnabled: true,
		SettingsOpen:  s.SettingsOpen,
	}

	if s.CanStart() {
		v.ToggleLabel = toggleStart
	}

	switch s.State {
	case session.Idle:
		v.Status = StatusReady
	case session.Acquiring:
		v.Status = StatusAcquiring
		v.ToggleLabel = toggleCancel
	case session.Recording:
		v.Status = StatusRecording
		v.ToggleLabel = toggleStop
		v.Recording = true
	case session.Processing:
		v.Status = StatusProcessing
		v.ToggleLabel = toggleProcessing
		v.ToggleEnabled = false
	case session.Done:
		v.Status = fmt.Sprintf(statusDoneFormat, s.DetectedLanguage, transcribe.FormatDuration(s.Duration))
		v.Transcript = s.Transcript
		v.LanguageBadge = a.labels.Load().Label(s.DetectedLanguage)
	case session.Error:
		switch s.Failure {
		case session.BackendFailed:
			v.Status = StatusBackendErr
			v.Transcript = fmt.Sprintf(backendErrFormat, s.ErrorDetail)
		case session.TransportFailed:
			v.Status = StatusUploadErr
		case session.MicrophoneFailed:
			v.Status = StatusMicBlocked
		default:
			v.Status = StatusCaptureErr
		}
	}
	return v
}

// Text renders v as the lines shown in a terminal
func (v View) Text() string {
	var b strings.Builder
	b.WriteString("[" + v.Status + "]")
	if v.LanguageBadge != "" {
		b.WriteString(" " + v.LanguageBadge)
	}
	b.WriteString("\n")
	if v.Transcript != "" {
		b.WriteString(v.Transcript + "\n")
	}

	hint := "Enter: " + v.ToggleLabel
	if !v.ToggleEnabled {
		hint = v.ToggleLabel
	}
	if v.SettingsOpen {
		hint += " | settings open (s to close)"
	} else {
		hint += " | s: settings"
	}
	b.WriteString(hint + " | q: quit\n")
	return b.String()
}
