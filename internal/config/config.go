package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Capture device kinds accepted by CAPTURE_DEVICE
const (
	DeviceExec      = "exec"
	DeviceWebSocket = "websocket"
	DeviceFile      = "file"
)

// Config holds all configuration for the capture client
type Config struct {
	// Local HTTP surface (health, metrics, view, websocket device)
	HTTPPort string `envconfig:"HTTP_PORT" default:"8090"`

	// Transcription service base URL; requests go to <base>/transcribe
	TranscribeURL string `envconfig:"TRANSCRIBE_URL" default:"http://127.0.0.1:8000"`
	UploadTimeout int    `envconfig:"UPLOAD_TIMEOUT" default:"0"` // seconds, 0 waits until the backend answers

	// Optional YAML file with extra language code -> label entries
	LanguageLabelsFile string `envconfig:"LANGUAGE_LABELS_FILE" default:""`

	// Capture device configuration
	CaptureDevice     string `envconfig:"CAPTURE_DEVICE" default:"exec"` // exec, websocket, file
	CaptureCommand    string `envconfig:"CAPTURE_COMMAND" default:"ffmpeg -hide_banner -loglevel error -f pulse -i default -c:a libopus -f webm -"`
	CaptureChunkBytes int    `envconfig:"CAPTURE_CHUNK_BYTES" default:"4096"`
	CaptureStopWait   int    `envconfig:"CAPTURE_STOP_WAIT" default:"5000"` // milliseconds to wait for the encoder to flush
	CaptureFile       string `envconfig:"CAPTURE_FILE" default:""`
	CaptureFilePace   int    `envconfig:"CAPTURE_FILE_PACE" default:"250"` // milliseconds between replayed chunks

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery

	// Session history
	HistoryPath        string `envconfig:"HISTORY_PATH" default:""` // empty disables the archive
	HistoryKeepAudio   bool   `envconfig:"HISTORY_KEEP_AUDIO" default:"false"`
	HistoryMaxSessions int    `envconfig:"HISTORY_MAX_SESSIONS" default:"500"`
	RecordingsDir      string `envconfig:"RECORDINGS_DIR" default:""`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express
func (c *Config) Validate() error {
	u, err := url.Parse(c.TranscribeURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("TRANSCRIBE_URL must be an absolute URL, got %q", c.TranscribeURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("TRANSCRIBE_URL scheme must be http or https, got %q", u.Scheme)
	}

	c.CaptureDevice = strings.ToLower(strings.TrimSpace(c.CaptureDevice))
	switch c.CaptureDevice {
	case DeviceExec:
		if strings.TrimSpace(c.CaptureCommand) == "" {
			return fmt.Errorf("CAPTURE_COMMAND is required for the exec device")
		}
	case DeviceWebSocket:
	case DeviceFile:
		if c.CaptureFile == "" {
			return fmt.Errorf("CAPTURE_FILE is required for the file device")
		}
	default:
		return fmt.Errorf("CAPTURE_DEVICE must be one of exec, websocket, file, got %q", c.CaptureDevice)
	}

	if c.CaptureChunkBytes <= 0 {
		return fmt.Errorf("CAPTURE_CHUNK_BYTES must be positive")
	}
	if c.UploadTimeout < 0 {
		return fmt.Errorf("UPLOAD_TIMEOUT must not be negative")
	}
	return nil
}
