package capture

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-client/internal/audio"
	"github.com/lexiqai/speech-client/internal/gateway"
	"github.com/lexiqai/speech-client/internal/observability"
	"github.com/lexiqai/speech-client/internal/stream"
)

var (
	// ErrCaptureActive is returned by Start while a capture is running.
	ErrCaptureActive = errors.New("capture already active")
	// ErrNoActiveCapture is returned by Stop when nothing is being captured.
	ErrNoActiveCapture = errors.New("no active capture")
	// ErrNoAudio is reported when a capture ends without any audio.
	ErrNoAudio = errors.New("no audio captured")
)

// Streamer is the streaming connection used for live partial results.
type Streamer interface {
	Connect(ctx context.Context) error
	Disconnect()
	Send(msg stream.OutboundMessage) error
	IsConnected() bool
	ConnectionID() uint64
	Subscribe() (<-chan stream.InboundMessage, func())
}

// Transcriber turns the finished recording into the authoritative transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, req gateway.TranscriptionRequest) (*gateway.TranscriptionResult, error)
}

// Sink receives results as they become available.
type Sink interface {
	// CaptureStarted is called before any other callback for the session.
	CaptureStarted(sessionID string)
	// StreamMessage is called for every inbound message during a capture.
	StreamMessage(sessionID string, msg stream.InboundMessage)
	// CaptureFinished is called once per capture with the file transcription.
	CaptureFinished(sessionID string, result *Result, err error)
}

// Config controls the final transcription and the stream config message.
type Config struct {
	Language string
	Filename string
	Audio    audio.Config
}

// Result summarises a finished capture.
type Result struct {
	SessionID     string                       `json:"session_id"`
	Chunks        int                          `json:"chunks"`
	Streamed      int                          `json:"streamed"`
	Bytes         int                          `json:"bytes"`
	Duration      time.Duration                `json:"duration"`
	Forced        bool                         `json:"forced"`
	Cause         string                       `json:"cause,omitempty"`
	Transcription *gateway.TranscriptionResult `json:"transcription,omitempty"`
}

type session struct {
	id      string
	started time.Time
	rec     audio.Recording
	cancel  context.CancelFunc

	unsubscribe func()
	stopRelay   chan struct{}
	relayDone   chan struct{}
	consumed    chan struct{}
	configured  uint64 // connection that last received the config message

	mu       sync.Mutex
	chunks   [][]byte
	streamed int

	once   sync.Once
	done   chan struct{}
	result *Result
	err    error
}

// Pipeline runs at most one capture at a time: it records the microphone,
// streams chunks while the connection is up, keeps every chunk, and submits
// the full recording for transcription when the capture ends.
type Pipeline struct {
	device      audio.Device
	stream      Streamer
	transcriber Transcriber
	sink        Sink
	cfg         Config
	logger      zerolog.Logger

	mu     sync.Mutex
	active *session
}

// New creates a pipeline. A nil sink discards results.
func New(device audio.Device, streamer Streamer, transcriber Transcriber, sink Sink, cfg Config, logger zerolog.Logger) *Pipeline {
	if cfg.Language == "" {
		cfg.Language = gateway.DefaultLanguage
	}
	if cfg.Filename == "" {
		cfg.Filename = "recording." + containerOrDefault(cfg.Audio.Container)
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &Pipeline{
		device:      device,
		stream:      streamer,
		transcriber: transcriber,
		sink:        sink,
		cfg:         cfg,
		logger:      observability.WithComponent(logger, "capture"),
	}
}

// Start acquires the microphone and begins a capture. A streaming connection
// failure is logged and the capture continues without live results.
func (p *Pipeline) Start(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.active != nil {
		p.mu.Unlock()
		return "", ErrCaptureActive
	}

	// The recording outlives the request that started it.
	devCtx, cancel := context.WithCancel(context.Background())
	rec, err := p.device.Open(devCtx)
	if err != nil {
		cancel()
		p.mu.Unlock()
		observability.RecordCaptureSession("failed")
		observability.RecordError("device_open", "capture")
		p.logger.Error().Err(err).Msg("Failed to acquire microphone")
		return "", err
	}

	s := &session{
		id:        observability.NewCorrelationID(),
		started:   time.Now(),
		rec:       rec,
		cancel:    cancel,
		stopRelay: make(chan struct{}),
		relayDone: make(chan struct{}),
		consumed:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	p.active = s
	p.mu.Unlock()

	logger := observability.WithCorrelationID(p.logger, s.id)
	p.sink.CaptureStarted(s.id)

	msgs, unsubscribe := p.stream.Subscribe()
	s.unsubscribe = unsubscribe
	go p.relay(s, msgs)

	if err := p.stream.Connect(ctx); err != nil {
		logger.Warn().Err(err).Msg("Streaming unavailable, capturing without live results")
	} else {
		p.ensureConfig(s, logger)
	}

	go p.consume(s, logger)

	observability.RecordCaptureSession("started")
	logger.Info().Msg("Capture started")
	return s.id, nil
}

// Stop ends the active capture and returns its transcription. The result is
// returned even when transcription fails.
func (p *Pipeline) Stop(ctx context.Context) (*Result, error) {
	p.mu.Lock()
	s := p.active
	p.mu.Unlock()

	if s == nil {
		return nil, ErrNoActiveCapture
	}
	return p.finish(ctx, s, nil)
}

// Active reports whether a capture is running.
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active != nil
}

// SessionID returns the id of the running capture, or "".
func (p *Pipeline) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return ""
	}
	return p.active.id
}

// ensureConfig sends the config message once per streaming connection, so a
// reconnected stream is configured again before it receives audio.
func (p *Pipeline) ensureConfig(s *session, logger zerolog.Logger) {
	id := p.stream.ConnectionID()
	if id == 0 || id == s.configured {
		return
	}
	if p.sendConfig(logger) {
		s.configured = id
	}
}

// sendConfig tells the streaming service how the audio is encoded.
func (p *Pipeline) sendConfig(logger zerolog.Logger) bool {
	audioCfg := p.cfg.Audio
	msg, err := stream.ConfigMessage(map[string]any{
		"language":    p.cfg.Language,
		"sample_rate": audioCfg.SampleRate,
		"channels":    audioCfg.Channels,
		"container":   containerOrDefault(audioCfg.Container),
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to build stream config")
		return false
	}
	if err := p.stream.Send(msg); err != nil {
		logger.Warn().Err(err).Msg("Failed to send stream config")
		return false
	}
	return true
}

// consume retains every chunk and streams it when the connection is up.
func (p *Pipeline) consume(s *session, logger zerolog.Logger) {
	for chunk := range s.rec.Chunks() {
		if len(chunk) == 0 {
			continue
		}

		streamed := false
		if p.stream.IsConnected() {
			p.ensureConfig(s, logger)
			if err := p.stream.Send(stream.AudioChunk(chunk)); err != nil {
				logger.Debug().Err(err).Msg("Chunk retained without streaming")
			} else {
				streamed = true
			}
		}

		s.mu.Lock()
		s.chunks = append(s.chunks, chunk)
		if streamed {
			s.streamed++
		}
		s.mu.Unlock()

		observability.RecordChunk(len(chunk), streamed)
		logger.Debug().Int("bytes", len(chunk)).Bool("streamed", streamed).Msg("Captured chunk")
	}
	close(s.consumed)

	if err := s.rec.Err(); err != nil {
		logger.Warn().Err(err).Msg("Audio device failed, stopping capture")
		_, _ = p.finish(context.Background(), s, err)
	}
}

// relay forwards inbound stream messages to the sink until the session ends.
func (p *Pipeline) relay(s *session, msgs <-chan stream.InboundMessage) {
	defer close(s.relayDone)
	for {
		select {
		case msg := <-msgs:
			p.sink.StreamMessage(s.id, msg)
		case <-s.stopRelay:
			return
		}
	}
}

// finish runs once per session. Later callers wait for and share the outcome.
func (p *Pipeline) finish(ctx context.Context, s *session, cause error) (*Result, error) {
	s.once.Do(func() {
		logger := observability.WithCorrelationID(p.logger, s.id)

		if err := s.rec.Stop(); err != nil {
			logger.Warn().Err(err).Msg("Error releasing audio device")
		}
		<-s.consumed
		s.cancel()

		if p.stream.IsConnected() {
			if err := p.stream.Send(stream.StopMessage()); err != nil {
				logger.Debug().Err(err).Msg("Failed to send stop message")
			}
		}
		p.stream.Disconnect()

		s.unsubscribe()
		close(s.stopRelay)
		<-s.relayDone

		s.mu.Lock()
		recording := bytes.Join(s.chunks, nil)
		result := &Result{
			SessionID: s.id,
			Chunks:    len(s.chunks),
			Streamed:  s.streamed,
			Bytes:     len(recording),
			Duration:  time.Since(s.started),
			Forced:    cause != nil,
		}
		s.mu.Unlock()
		if cause != nil {
			result.Cause = cause.Error()
		}

		observability.RecordCaptureDuration(result.Duration)
		logger.Info().
			Int("chunks", result.Chunks).
			Int("streamed", result.Streamed).
			Str("size", humanize.Bytes(uint64(result.Bytes))).
			Dur("duration", result.Duration).
			Bool("forced", result.Forced).
			Msg("Capture stopped")

		if len(recording) == 0 {
			s.err = ErrNoAudio
		} else {
			transcription, err := p.transcriber.Transcribe(ctx, gateway.TranscriptionRequest{
				Audio:    recording,
				Filename: p.cfg.Filename,
				Language: p.cfg.Language,
			})
			if err != nil {
				s.err = err
				logger.Error().Err(err).Msg("Transcription failed")
			} else {
				result.Transcription = transcription
			}
		}
		s.result = result

		switch {
		case s.err != nil:
			observability.RecordCaptureSession("failed")
		case result.Forced:
			observability.RecordCaptureSession("forced")
		default:
			observability.RecordCaptureSession("stopped")
		}

		p.mu.Lock()
		if p.active == s {
			p.active = nil
		}
		p.mu.Unlock()

		p.sink.CaptureFinished(s.id, result, s.err)
		close(s.done)
	})

	<-s.done
	return s.result, s.err
}

func containerOrDefault(container string) string {
	if container == "" {
		return "webm"
	}
	return container
}

// NopSink discards all results.
type NopSink struct{}

func (NopSink) CaptureStarted(string) {}

func (NopSink) StreamMessage(string, stream.InboundMessage) {}

func (NopSink) CaptureFinished(string, *Result, error) {}
