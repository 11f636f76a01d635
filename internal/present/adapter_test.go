package present

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/neuryx/voice-capture/internal/session"
	"github.com/neuryx/voice-capture/internal/transcribe"
)

func TestRender_StatusAndTranscript(t *testing.T) {
	a := NewAdapter(nil)

	tests := []struct {
		name       string
		snap       session.Snapshot
		status     string
		transcript string
		badge      string
		toggle     string
		enabled    bool
	}{
		{
			name:    "idle",
			snap:    session.Snapshot{State: session.Idle},
			status:  "Ready",
			toggle:  "Start Recording",
			enabled: true,
		},
		{
			name:       "recording keeps the prior transcript on screen",
			snap:       session.Snapshot{State: session.Recording, PriorTranscript: "earlier"},
			status:     "Recording...",
			transcript: "earlier",
			toggle:     "Stop Recording",
			enabled:    true,
		},
		{
			name:    "processing",
			snap:    session.Snapshot{State: session.Processing},
			status:  "Processing...",
			toggle:  "Processing...",
			enabled: false,
		},
		{
			name: "done",
			snap: session.Snapshot{
				State: session.Done, Transcript: "hello world", DetectedLanguage: "en", Duration: 1.23,
				PriorTranscript: "earlier",
			},
			status:     "Done (en, 1.2s)",
			transcript: "hello world",
			badge:      "en",
			toggle:     "Start Recording",
			enabled:    true,
		},
		{
			name:       "backend error",
			snap:       session.Snapshot{State: session.Error, Failure: session.BackendFailed, ErrorDetail: "model not loaded"},
			status:     "Error processing",
			transcript: "Error: model not loaded",
			toggle:     "Start Recording",
			enabled:    true,
		},
		{
			name: "transport error leaves the transcript alone",
			snap: session.Snapshot{
				State: session.Error, Failure: session.TransportFailed, ErrorDetail: "connection refused",
				PriorTranscript: "hello world",
			},
			status:     "Upload failed",
			transcript: "hello world",
			toggle:     "Start Recording",
			enabled:    true,
		},
		{
			name:    "microphone blocked",
			snap:    session.Snapshot{State: session.Error, Failure: session.MicrophoneFailed, ErrorDetail: "denied"},
			status:  "Microphone blocked",
			toggle:  "Start Recording",
			enabled: true,
		},
		{
			name:    "acquiring",
			snap:    session.Snapshot{State: session.Acquiring},
			status:  "Waiting for microphone...",
			toggle:  "Cancel",
			enabled: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := a.Render(tt.snap)
			if v.Status != tt.status {
				t.Errorf("Expected status %q, got %q", tt.status, v.Status)
			}
			if v.Transcript != tt.transcript {
				t.Errorf("Expected transcript %q, got %q", tt.transcript, v.Transcript)
			}
			if v.LanguageBadge != tt.badge {
				t.Errorf("Expected badge %q, got %q", tt.badge, v.LanguageBadge)
			}
			if v.ToggleLabel != tt.toggle || v.ToggleEnabled != tt.enabled {
				t.Errorf("Expected toggle %q (enabled=%v), got %q (enabled=%v)",
					tt.toggle, tt.enabled, v.ToggleLabel, v.ToggleEnabled)
			}
		})
	}
}

func TestRender_UrduBadge(t *testing.T) {
	a := NewAdapter(nil)
	v := a.Render(session.Snapshot{State: session.Done, Transcript: "salaam", DetectedLanguage: "ur", Duration: 2})
	if v.LanguageBadge != "Urdu (Romanized)" {
		t.Errorf("Expected badge 'Urdu (Romanized)', got %q", v.LanguageBadge)
	}
}

func TestRender_CustomLabels(t *testing.T) {
	labels := transcribe.DefaultLanguageLabels()
	labels["hi"] = "Hindi"
	v := NewAdapter(labels).Render(session.Snapshot{State: session.Done, DetectedLanguage: "hi"})
	if v.LanguageBadge != "Hindi" {
		t.Errorf("Expected badge 'Hindi', got %q", v.LanguageBadge)
	}
}

func TestRender_Idempotent(t *testing.T) {
	a := NewAdapter(nil)
	snap := session.Snapshot{
		SessionID: "s", State: session.Done, Transcript: "hello world",
		DetectedLanguage: "ur", Duration: 1.23, SettingsOpen: true,
	}

	first, _ := json.Marshal(a.Render(snap))
	second, _ := json.Marshal(a.Render(snap))
	if !bytes.Equal(first, second) {
		t.Errorf("Render is not idempotent:\n%s\n%s", first, second)
	}
	if a.Render(snap).Text() != a.Render(snap).Text() {
		t.Error("Text rendering is not idempotent")
	}
}

func TestTerminal_WritesOnlyChanges(t *testing.T) {
	var out bytes.Buffer
	term := NewTerminal(NewAdapter(nil), &out, zerolog.New(io.Discard))

	term.Update(session.Snapshot{State: session.Recording, ChunkCount: 1})
	term.Update(session.Snapshot{State: session.Recording, ChunkCount: 2})
	term.Update(session.Snapshot{State: session.Processing})

	if n := strings.Count(out.String(), "[Recording...]"); n != 1 {
		t.Errorf("Expected the recording view written once, got %d:\n%s", n, out.String())
	}
	if !strings.Contains(out.String(), "[Processing...]") {
		t.Errorf("Expected processing view, got:\n%s", out.String())
	}
}

func TestViewHandler(t *testing.T) {
	snap := session.Snapshot{State: session.Done, Transcript: "hello world", DetectedLanguage: "en", Duration: 1.23}
	h := ViewHandler(NewAdapter(nil), func() session.Snapshot { return snap })

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/view", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var v View
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Status != "Done (en, 1.2s)" || v.Transcript != "hello world" {
		t.Errorf("Unexpected view: %+v", v)
	}

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/view", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

func TestActionHandler(t *testing.T) {
	calls := 0
	running := true
	h := ActionHandler(func() bool {
		calls++
		return running
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/toggle", nil))
	if rec.Code != http.StatusAccepted || calls != 1 {
		t.Errorf("Expected 202 and one call, got %d and %d", rec.Code, calls)
	}

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/toggle", nil))
	if rec.Code != http.StatusMethodNotAllowed || calls != 1 {
		t.Errorf("Expected 405 without a call, got %d and %d calls", rec.Code, calls)
	}

	running = false
	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/toggle", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 after stop, got %d", rec.Code)
	}
}

func TestAdapter_SetLabels(t *testing.T) {
	a := NewAdapter(nil)
	snap := session.Snapshot{State: session.Done, DetectedLanguage: "hi"}
	if v := a.Render(snap); v.LanguageBadge != "hi" {
		t.Fatalf("Expected raw code before reload, got %q", v.LanguageBadge)
	}
	a.SetLabels(transcribe.LanguageLabels{"hi": "Hindi"})
	if v := a.Render(snap); v.LanguageBadge != "Hindi" {
		t.Errorf("Expected reloaded label, got %q", v.LanguageBadge)
	}
}

func TestAdapter_StartLabelFollowsCanStart(t *testing.T) {
	a := NewAdapter(nil)
	states := []session.State{
		session.Idle, session.Acquiring, session.Recording,
		session.Processing, session.Done, session.Error,
	}
	for _, st := range states {
		snap := session.Snapshot{State: st}
		v := a.Render(snap)
		if got := v.ToggleLabel == "Start Recording"; got != snap.CanStart() {
			t.Errorf("%s: expected start label=%v, got %q", st, snap.CanStart(), v.ToggleLabel)
		}
	}
}
