package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		" error ": zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithSessionID(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	logger := WithSessionID(base, "abc")
	logger.Info().Msg("hello")

	if !strings.Contains(buf.String(), `"session_id":"abc"`) {
		t.Errorf("Expected session_id field in %s", buf.String())
	}

	buf.Reset()
	generated := WithSessionID(base, "")
	generated.Info().Msg("generated")
	if !strings.Contains(buf.String(), `"session_id":"`) {
		t.Errorf("Expected generated session_id in %s", buf.String())
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := WithComponent(zerolog.New(&buf), "capture")
	logger.Info().Msg("hello")

	if !strings.Contains(buf.String(), `"component":"capture"`) {
		t.Errorf("Expected component field in %s", buf.String())
	}
}

func TestHealthCheckHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheckHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != "healthy" || status.Service != "voice-capture" {
		t.Errorf("Unexpected status %+v", status)
	}
}

func TestReadinessHandler(t *testing.T) {
	ok := func(ctx context.Context) (bool, error) { return true, nil }
	down := func(ctx context.Context) (bool, error) { return false, errors.New("connection refused") }

	rec := httptest.NewRecorder()
	ReadinessHandler(map[string]HealthCheckFunc{"transcriber": ok, "skipped": nil})(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 when all checks pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	ReadinessHandler(map[string]HealthCheckFunc{"transcriber": down})(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503 when a check fails, got %d", rec.Code)
	}
	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	dep := status.Dependencies["transcriber"]
	if dep.Status != "unhealthy" || dep.Message != "connection refused" {
		t.Errorf("Unexpected dependency status %+v", dep)
	}
}
