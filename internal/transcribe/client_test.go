package transcribe

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/neuryx/voice-capture/internal/config"
	"github.com/neuryx/voice-capture/internal/resilience"
)

func testConfig(url string) *config.Config {
	return &config.Config{
		TranscribeURL:              url,
		CircuitBreakerMaxFailures:  2,
		CircuitBreakerResetTimeout: 60,
	}
}

func newTestClient(url string) *Client {
	return NewClient(testConfig(url), zerolog.New(io.Discard))
}

type upload struct {
	file        []byte
	language    string
	filename    string
	contentType string
}

func TestSubmit_SendsMultipartUpload(t *testing.T) {
	uploads := make(chan upload, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != TranscribePath {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			return
		}
		f, hdr, err := r.FormFile(FileField)
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		uploads <- upload{
			file:        data,
			language:    r.FormValue(LanguageField),
			filename:    hdr.Filename,
			contentType: hdr.Header.Get("Content-Type"),
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"success","full_text":"hello world","language":"en","duration":1.23,
			"processing_time":0.4,"segments":[{"text":"hello world","start":0,"end":1.2}]}`)
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Submit(context.Background(), []byte("chunk1chunk2"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	got := <-uploads
	if string(got.file) != "chunk1chunk2" {
		t.Errorf("Expected uploaded payload 'chunk1chunk2', got %q", got.file)
	}
	if got.language != AutoLanguage {
		t.Errorf("Expected language %q, got %q", AutoLanguage, got.language)
	}
	if got.filename != FileName || got.contentType != FileContentType {
		t.Errorf("Expected %s (%s), got %s (%s)", FileName, FileContentType, got.filename, got.contentType)
	}
	if res.FullText != "hello world" || res.Language != "en" || res.Duration != 1.23 {
		t.Errorf("Unexpected result: %+v", res)
	}
	if len(res.Segments) != 1 || res.Segments[0].End != 1.2 {
		t.Errorf("Expected one decoded segment, got %+v", res.Segments)
	}
}

func TestSubmit_BackendError(t *testing.T) {
	tests := []struct {
		name string
		code int
		body string
	}{
		{"500 with structured body", http.StatusInternalServerError, `{"status":"error","message":"model not loaded"}`},
		{"200 with error status", http.StatusOK, `{"status":"error","message":"model not loaded"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).Submit(context.Background(), []byte("x"))
			var be *BackendError
			if !errors.As(err, &be) {
				t.Fatalf("Expected BackendError, got %v", err)
			}
			if be.Message != "model not loaded" {
				t.Errorf("Expected message 'model not loaded', got %q", be.Message)
			}
		})
	}
}

func TestSubmit_TransportErrors(t *testing.T) {
	tests := []struct {
		name string
		code int
		body string
	}{
		{"gateway error page", http.StatusBadGateway, `<html>bad gateway</html>`},
		{"malformed body", http.StatusOK, `{"status":`},
		{"missing status", http.StatusOK, `{"full_text":"hi"}`},
		{"not found", http.StatusNotFound, `{"detail":"Not Found"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).Submit(context.Background(), []byte("x"))
			var te *TransportError
			if !errors.As(err, &te) {
				t.Fatalf("Expected TransportError, got %v", err)
			}
			if te.StatusCode != tt.code {
				t.Errorf("Expected status code %d, got %d", tt.code, te.StatusCode)
			}
		})
	}
}

func TestSubmit_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = newTestClient("http://"+addr).Submit(context.Background(), []byte("x"))
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Expected TransportError, got %v", err)
	}
	if te.StatusCode != 0 {
		t.Errorf("Expected no status code, got %d", te.StatusCode)
	}
}

func TestSubmit_CircuitBreakerCountsOnlyTransportFailures(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"status":"error","message":"bad audio"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)

	// Backend failures are answers, the circuit stays closed
	fail.Store(false)
	for i := 0; i < 3; i++ {
		_, _ = c.Submit(context.Background(), []byte("x"))
	}
	if c.CircuitBreaker().GetState() != resilience.StateClosed {
		t.Fatalf("Expected closed circuit after backend errors, got %s", c.CircuitBreaker().GetState())
	}

	fail.Store(true)
	for i := 0; i < 2; i++ {
		_, _ = c.Submit(context.Background(), []byte("x"))
	}
	if c.CircuitBreaker().GetState() != resilience.StateOpen {
		t.Fatalf("Expected open circuit after transport errors, got %s", c.CircuitBreaker().GetState())
	}

	_, err := c.Submit(context.Background(), []byte("x"))
	var te *TransportError
	if !errors.As(err, &te) || !errors.Is(err, resilience.ErrOpen) {
		t.Errorf("Expected TransportError wrapping ErrOpen, got %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	c := newTestClient(srv.URL)

	ok, err := c.HealthCheck(context.Background())
	if !ok || err != nil {
		t.Errorf("Expected healthy, got %v, %v", ok, err)
	}

	srv.Close()
	ok, err = c.HealthCheck(context.Background())
	if ok || err == nil {
		t.Errorf("Expected unhealthy after server shutdown, got %v, %v", ok, err)
	}
}
