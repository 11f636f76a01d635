package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/neuryx/voice-capture/internal/config"
	"github.com/neuryx/voice-capture/internal/observability"
	"github.com/neuryx/voice-capture/internal/resilience"
)

// maxReplyBytes bounds how much of a reply body is read
const maxReplyBytes = 8 << 20

// Client submits finished recordings to the transcription service
type Client struct {
	baseURL        string
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewClient creates a client for cfg.TranscribeURL
func NewClient(cfg *config.Config, logger zerolog.Logger) *Client {
	circuitBreaker := resilience.NewCircuitBreaker(
		"transcribe",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	circuitBreaker.OnStateChange = func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
		logger.Warn().Str("service", name).Str("state", state.String()).Msg("Circuit breaker state changed")
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.TranscribeURL, "/"),
		httpClient: &http.Client{
			// Zero means no limit; transcription of long recordings can take minutes
			Timeout: time.Duration(cfg.UploadTimeout) * time.Second,
		},
		circuitBreaker: circuitBreaker,
		logger:         observability.WithComponent(logger, "transcribe"),
	}
}

// CircuitBreaker exposes the breaker guarding uploads
func (c *Client) CircuitBreaker() *resilience.CircuitBreaker {
	return c.circuitBreaker
}

// Submit uploads one recording. It returns a *BackendError when the service
// reports a failure and a *TransportError for everything else that went
// wrong. Only transport failures count against the circuit breaker.
func (c *Client) Submit(ctx context.Context, audio []byte) (*Result, error) {
	var (
		result     *Result
		backendErr *BackendError
	)
	err := c.circuitBreaker.Call(func() error {
		r, err := c.post(ctx, audio)
		if errors.As(err, &backendErr) {
			return nil
		}
		if err != nil {
			return err
		}
		result = r
		return nil
	})

	switch {
	case errors.Is(err, resilience.ErrOpen):
		c.logger.Warn().Msg("Transcription service circuit is open, failing fast")
		return nil, &TransportError{Err: err}
	case err != nil:
		observability.IncrementCircuitBreakerFailures(c.circuitBreaker.Name())
		return nil, err
	case backendErr != nil:
		return nil, backendErr
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, audio []byte) (*Result, error) {
	body, contentType, err := encodeUpload(audio)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+TranscribePath, body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read reply: %w", err)}
	}

	c.logger.Debug().
		Int("status_code", resp.StatusCode).
		Int("audio_bytes", len(audio)).
		Dur("elapsed", time.Since(start)).
		Msg("Transcription reply received")

	return decodeReply(resp.StatusCode, data)
}

// encodeUpload builds the multipart body: the recording plus the language hint
func encodeUpload(audio []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, FileField, FileName))
	header.Set("Content-Type", FileContentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, "", fmt.Errorf("write file part: %w", err)
	}
	if err := w.WriteField(LanguageField, AutoLanguage); err != nil {
		return nil, "", fmt.Errorf("write language field: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// decodeReply maps an HTTP reply onto a Result or an error. Any status tag
// other than success is a backend failure; a reply without a status tag is
// not a reply at all.
func decodeReply(statusCode int, data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &TransportError{StatusCode: statusCode, Err: fmt.Errorf("malformed reply: %w", err)}
	}

	ok := statusCode >= 200 && statusCode < 300
	switch {
	case r.Status == "":
		if ok {
			return nil, &TransportError{StatusCode: statusCode, Err: errors.New("reply has no status")}
		}
		return nil, &TransportError{StatusCode: statusCode, Err: errors.New(http.StatusText(statusCode))}
	case r.Status != StatusSuccess:
		return nil, &BackendError{Status: r.Status, Message: r.Message, StatusCode: statusCode}
	case !ok:
		return nil, &TransportError{StatusCode: statusCode, Err: errors.New("success status on a failed response")}
	}
	return &r, nil
}

// HealthCheck reports whether the transcription service answers at all
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 500 {
		return false, fmt.Errorf("transcription service returned HTTP %d", resp.StatusCode)
	}
	if c.circuitBreaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrOpen
	}
	return true, nil
}
