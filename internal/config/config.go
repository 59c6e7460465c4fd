package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/lexiqai/speech-client/internal/audio"
	"github.com/lexiqai/speech-client/internal/events"
	"github.com/lexiqai/speech-client/internal/gateway"
	"github.com/lexiqai/speech-client/internal/resilience"
	"github.com/lexiqai/speech-client/internal/stream"
)

// streamPath is appended to the speech-to-text base URL when STT_STREAM_URL is unset.
const streamPath = "/ws/transcribe"

// Config holds all configuration for the speech client
type Config struct {
	// Control API configuration
	Port string `envconfig:"PORT" default:"8090"`

	// Backend service base URLs
	TranslationServiceURL string `envconfig:"TRANSLATION_SERVICE_URL" default:"http://localhost:8001"`
	STTServiceURL         string `envconfig:"STT_SERVICE_URL" default:"http://localhost:8002"`
	TTSServiceURL         string `envconfig:"TTS_SERVICE_URL" default:"http://localhost:8003"`

	// Streaming transcription endpoint. Derived from STTServiceURL when empty.
	STTStreamURL string `envconfig:"STT_STREAM_URL" default:""`

	// Per-request timeout in seconds; 0 leaves the transport default in place
	HTTPTimeout int `envconfig:"HTTP_TIMEOUT" default:"0"`

	// Reconnect policy for the streaming connection
	ReconnectMaxAttempts int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`    // Maximum reconnection attempts
	ReconnectBackoff     int `envconfig:"RECONNECT_BACKOFF" default:"1000"`      // Base backoff in milliseconds
	ReconnectMaxBackoff  int `envconfig:"RECONNECT_MAX_BACKOFF" default:"30000"` // Backoff cap in milliseconds

	// Microphone capture
	CaptureChunkInterval int    `envconfig:"CAPTURE_CHUNK_INTERVAL" default:"1000"` // Chunk interval in milliseconds
	CaptureCommand       string `envconfig:"CAPTURE_COMMAND" default:"ffmpeg"`
	CaptureInputFormat   string `envconfig:"CAPTURE_INPUT_FORMAT" default:"pulse"`
	CaptureInputDevice   string `envconfig:"CAPTURE_INPUT_DEVICE" default:"default"`
	CaptureSampleRate    int    `envconfig:"CAPTURE_SAMPLE_RATE" default:"16000"`
	CaptureChannels      int    `envconfig:"CAPTURE_CHANNELS" default:"1"`
	CaptureCodec         string `envconfig:"CAPTURE_CODEC" default:"libopus"`
	CaptureContainer     string `envconfig:"CAPTURE_CONTAINER" default:"webm"`
	TranscribeLanguage   string `envconfig:"TRANSCRIBE_LANGUAGE" default:"auto"`

	// Transcript event publishing
	KafkaEnabled      bool     `envconfig:"KAFKA_ENABLED" default:"false"`
	KafkaBrokers      []string `envconfig:"KAFKA_BROKERS" default:""`
	KafkaTopicPartial string   `envconfig:"KAFKA_TOPIC_PARTIAL" default:"transcripts.partial"`
	KafkaTopicFinal   string   `envconfig:"KAFKA_TOPIC_FINAL" default:"transcripts.final"`

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

// Validate checks service addresses and timing values.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		"TRANSLATION_SERVICE_URL": c.TranslationServiceURL,
		"STT_SERVICE_URL":         c.STTServiceURL,
		"TTS_SERVICE_URL":         c.TTSServiceURL,
	} {
		if err := validateURL(raw, "http", "https"); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.STTStreamURL != "" {
		if err := validateURL(c.STTStreamURL, "ws", "wss"); err != nil {
			return fmt.Errorf("STT_STREAM_URL: %w", err)
		}
	}

	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must not be negative")
	}
	if c.ReconnectBackoff <= 0 || c.ReconnectMaxBackoff <= 0 {
		return fmt.Errorf("RECONNECT_BACKOFF and RECONNECT_MAX_BACKOFF must be positive")
	}
	if c.CaptureChunkInterval <= 0 {
		return fmt.Errorf("CAPTURE_CHUNK_INTERVAL must be positive")
	}
	if c.HTTPTimeout < 0 {
		return fmt.Errorf("HTTP_TIMEOUT must not be negative")
	}
	if c.KafkaEnabled && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when KAFKA_ENABLED is set")
	}
	return nil
}

// StreamURL returns the streaming transcription endpoint.
func (c *Config) StreamURL() string {
	if c.STTStreamURL != "" {
		return c.STTStreamURL
	}

	base := strings.TrimRight(strings.TrimSpace(c.STTServiceURL), "/")
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + streamPath
}

// GatewayConfig returns the service addresses for the request gateway.
func (c *Config) GatewayConfig() gateway.Config {
	return gateway.Config{
		TranslationURL:   c.TranslationServiceURL,
		TranscriptionURL: c.STTServiceURL,
		SynthesisURL:     c.TTSServiceURL,
		Timeout:          time.Duration(c.HTTPTimeout) * time.Second,
	}
}

// ReconnectPolicy returns the streaming reconnect policy.
func (c *Config) ReconnectPolicy() resilience.ReconnectPolicy {
	return resilience.ReconnectPolicy{
		MaxAttempts: c.ReconnectMaxAttempts,
		BaseDelay:   time.Duration(c.ReconnectBackoff) * time.Millisecond,
		MaxDelay:    time.Duration(c.ReconnectMaxBackoff) * time.Millisecond,
	}
}

// StreamConfig returns the streaming connection manager settings.
func (c *Config) StreamConfig() stream.Config {
	return stream.Config{
		URL:    c.StreamURL(),
		Policy: c.ReconnectPolicy(),
	}
}

// AudioConfig returns microphone capture settings.
func (c *Config) AudioConfig() audio.Config {
	return audio.Config{
		SampleRate:    c.CaptureSampleRate,
		Channels:      c.CaptureChannels,
		InputFormat:   c.CaptureInputFormat,
		InputDevice:   c.CaptureInputDevice,
		Codec:         c.CaptureCodec,
		Container:     c.CaptureContainer,
		ChunkInterval: time.Duration(c.CaptureChunkInterval) * time.Millisecond,
	}
}

// KafkaConfig returns transcript publisher settings.
func (c *Config) KafkaConfig() *events.KafkaConfig {
	return &events.KafkaConfig{
		Brokers:      c.KafkaBrokers,
		TopicPartial: c.KafkaTopicPartial,
		TopicFinal:   c.KafkaTopicFinal,
		Enabled:      c.KafkaEnabled,
	}
}

func validateURL(raw string, schemes ...string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("expected %s url, got %q", strings.Join(schemes, "/"), raw)
}
