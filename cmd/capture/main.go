package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/neuryx/voice-capture/internal/capture"
	"github.com/neuryx/voice-capture/internal/config"
	"github.com/neuryx/voice-capture/internal/history"
	"github.com/neuryx/voice-capture/internal/observability"
	"github.com/neuryx/voice-capture/internal/present"
	"github.com/neuryx/voice-capture/internal/session"
	"github.com/neuryx/voice-capture/internal/transcribe"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	printBanner(os.Stdout, cfg.LogPretty)

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.HTTPPort).
		Str("transcribe_url", cfg.TranscribeURL).
		Str("device", cfg.CaptureDevice).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice capture starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	labels, err := transcribe.LoadLanguageLabels(cfg.LanguageLabelsFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load language labels")
	}

	archive, err := history.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open session history")
	}
	defer archive.Close()

	device, wsDevice, err := newDevice(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to configure capture device")
	}

	manager := capture.NewManager(device, logger)
	logger.Info().Str("device", manager.DeviceName()).Msg("Capture device ready")

	uploader := transcribe.NewClient(cfg, logger)
	controller := session.New(manager, uploader, archive, logger)

	adapter := present.NewAdapter(labels)
	if cfg.LanguageLabelsFile != "" {
		go func() {
			if err := transcribe.WatchLanguageLabels(ctx, cfg.LanguageLabelsFile, adapter.SetLabels, logger); err != nil {
				logger.Warn().Err(err).Msg("Language label reload disabled")
			}
		}()
	}
	terminal := present.NewTerminal(adapter, os.Stdout, logger)
	controller.Subscribe(terminal.Update)

	// Create HTTP server
	mux := http.NewServeMux()
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"transcribe": uploader.HealthCheck,
		"history":    archive.HealthCheck,
	}))
	mux.HandleFunc("/view", present.ViewHandler(adapter, controller.Snapshot))
	mux.HandleFunc("/toggle", present.ActionHandler(controller.Toggle))
	mux.HandleFunc("/settings", present.ActionHandler(controller.ToggleSettings))
	if archive.Enabled() {
		mux.HandleFunc("/history", archive.Handler())
	}
	if wsDevice != nil {
		mux.HandleFunc("/capture/ws", wsDevice.Handler())
	}

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := controller.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("Session controller stopped")
		}
	}()

	go readCommands(os.Stdin, controller, stop, logger)

	<-ctx.Done()
	logger.Info().Msg("Shutting down...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	select {
	case <-runDone:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("Session controller did not stop in time")
	}

	logger.Info().Msg("Voice capture exited gracefully")
}

// newDevice builds the configured capture device. The websocket device is
// also returned on its own so its handler can be mounted.
func newDevice(cfg *config.Config, logger zerolog.Logger) (capture.Device, *capture.WebSocketDevice, error) {
	stopWait := time.Duration(cfg.CaptureStopWait) * time.Millisecond

	switch cfg.CaptureDevice {
	case config.DeviceWebSocket:
		ws := capture.NewWebSocketDevice(stopWait, logger)
		return ws, ws, nil
	case config.DeviceFile:
		pace := time.Duration(cfg.CaptureFilePace) * time.Millisecond
		return capture.NewFileDevice(cfg.CaptureFile, cfg.CaptureChunkBytes, pace), nil, nil
	default:
		d, err := capture.NewExecDevice(cfg.CaptureCommand, cfg.CaptureChunkBytes, stopWait, logger)
		if err != nil {
			return nil, nil, err
		}
		return d, nil, nil
	}
}

// readCommands drives the controller from the keyboard: Enter toggles
// recording, s toggles settings and q quits. Stdin closing only stops the
// keyboard; the HTTP controls keep working.
func readCommands(in io.Reader, controller *session.Controller, quit func(), logger zerolog.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "":
			controller.Toggle()
		case "s":
			controller.ToggleSettings()
		case "q", "quit", "exit":
			quit()
			return
		default:
			fmt.Fprintln(os.Stdout, "Enter: start/stop recording | s: settings | q: quit")
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn().Err(err).Msg("Failed to read commands from stdin")
	}
}
