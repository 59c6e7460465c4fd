package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lexiqai/speech-client/internal/audio"
	"github.com/lexiqai/speech-client/internal/capture"
	"github.com/lexiqai/speech-client/internal/config"
	"github.com/lexiqai/speech-client/internal/events"
	"github.com/lexiqai/speech-client/internal/gateway"
	"github.com/lexiqai/speech-client/internal/httpapi"
	"github.com/lexiqai/speech-client/internal/observability"
	"github.com/lexiqai/speech-client/internal/session"
	"github.com/lexiqai/speech-client/internal/stream"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("translation_url", cfg.TranslationServiceURL).
		Str("stt_url", cfg.STTServiceURL).
		Str("tts_url", cfg.TTSServiceURL).
		Str("stream_url", cfg.StreamURL()).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Speech client starting")

	gw := gateway.NewClient(cfg.GatewayConfig(), logger)
	streamMgr := stream.New(cfg.StreamConfig(), logger)
	device := audio.NewFFmpegDevice(cfg.CaptureCommand, cfg.AudioConfig(), logger)

	hub := events.NewHub(logger)
	go hub.Run()
	kafkaPub := events.NewKafkaPublisher(cfg.KafkaConfig(), logger)

	orch := session.New(gw, device, streamMgr, events.Multi{hub, kafkaPub}, session.Config{
		Capture: capture.Config{
			Language: cfg.TranscribeLanguage,
			Audio:    cfg.AudioConfig(),
		},
	}, logger)

	// Readiness reflects the three backends the client depends on.
	readiness := map[string]observability.HealthCheckFunc{}
	for _, name := range []string{gateway.ServiceTranslation, gateway.ServiceTranscription, gateway.ServiceSynthesis} {
		readiness[name] = func(ctx context.Context) (bool, error) {
			return gw.CheckService(ctx, name)
		}
	}

	router := httpapi.NewRouter(httpapi.Options{
		Service:        orch,
		Events:         hub.ServeWS,
		Readiness:      readiness,
		MetricsEnabled: cfg.MetricsEnabled,
		Logger:         logger,
	})
	if cfg.MetricsEnabled {
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts. Synthesis and transcription responses
	// can take a while, so the write timeout is generous.
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("events", fmt.Sprintf("ws://localhost:%s/api/events", cfg.Port)).
			Msg("Control API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Report initial backend connectivity without blocking startup.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		report := orch.CheckConnectivity(ctx)
		logger.Info().Bool("connected", report.Connected).Msg("Initial connectivity check")
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Finish an in-flight capture so its audio is still transcribed.
	if _, err := orch.StopCapture(ctx); err != nil && !errors.Is(err, capture.ErrNoActiveCapture) {
		logger.Warn().Err(err).Msg("Capture did not stop cleanly")
	}
	streamMgr.Disconnect()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	hub.Close()
	if err := kafkaPub.Close(); err != nil {
		logger.Warn().Err(err).Msg("Error closing Kafka publisher")
	}

	logger.Info().Msg("Speech client exited gracefully")
}
