package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-client/internal/audio"
	"github.com/lexiqai/speech-client/internal/capture"
	"github.com/lexiqai/speech-client/internal/events"
	"github.com/lexiqai/speech-client/internal/gateway"
	"github.com/lexiqai/speech-client/internal/observability"
	"github.com/lexiqai/speech-client/internal/stream"
)

// ErrEmptyTranscript is returned when there is no transcript text to act on.
var ErrEmptyTranscript = errors.New("transcript is empty")

const defaultPublishTimeout = 2 * time.Second

// Gateway is the set of backend operations the orchestrator drives.
type Gateway interface {
	capture.Transcriber
	Translate(ctx context.Context, req gateway.TranslationRequest) (*gateway.TranslationResult, error)
	TranslateBatch(ctx context.Context, req gateway.BatchTranslationRequest) (*gateway.BatchTranslationResult, error)
	DetectLanguage(ctx context.Context, data []byte, filename string) (*gateway.LanguageDetection, error)
	Synthesize(ctx context.Context, req gateway.SynthesisRequest) (*gateway.AudioPayload, error)
	PreviewVoice(ctx context.Context, req gateway.PreviewRequest) (*gateway.AudioPayload, error)
	Languages(ctx context.Context) ([]gateway.Language, error)
	Voices(ctx context.Context) ([]gateway.Voice, error)
	CheckHealth(ctx context.Context) gateway.HealthReport
}

// Stream is the streaming connection plus its status view.
type Stream interface {
	capture.Streamer
	Status() stream.Status
}

// Config holds orchestrator settings.
type Config struct {
	Capture        capture.Config
	PublishTimeout time.Duration
}

// Snapshot is the full client state for status displays.
type Snapshot struct {
	Capturing    bool                  `json:"capturing"`
	SessionID    string                `json:"session_id,omitempty"`
	Stream       stream.Status         `json:"stream"`
	Transcript   Transcript            `json:"transcript"`
	LastResult   *capture.Result       `json:"last_result,omitempty"`
	Connectivity *gateway.HealthReport `json:"connectivity,omitempty"`
}

// Orchestrator coordinates capture, the streaming connection and the
// request gateway, and publishes what it learns as events.
type Orchestrator struct {
	gw             Gateway
	stream         Stream
	pipeline       *capture.Pipeline
	publisher      events.Publisher
	publishTimeout time.Duration
	logger         zerolog.Logger

	view transcriptView

	mu           sync.Mutex
	lastResult   *capture.Result
	connectivity *gateway.HealthReport
}

// New creates an orchestrator that owns a capture pipeline reporting back to it.
func New(gw Gateway, device audio.Device, st Stream, publisher events.Publisher, cfg Config, logger zerolog.Logger) *Orchestrator {
	if publisher == nil {
		publisher = events.Discard{}
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}

	o := &Orchestrator{
		gw:             gw,
		stream:         st,
		publisher:      publisher,
		publishTimeout: cfg.PublishTimeout,
		logger:         observability.WithComponent(logger, "session"),
	}
	o.pipeline = capture.New(device, st, gw, o, cfg.Capture, logger)
	return o
}

// StartCapture begins a new capture and clears the previous transcript.
func (o *Orchestrator) StartCapture(ctx context.Context) (string, error) {
	id, err := o.pipeline.Start(ctx)
	if err != nil {
		if !errors.Is(err, capture.ErrCaptureActive) {
			ev := events.NewEvent(events.TypeCaptureError, "")
			ev.Error = err.Error()
			o.publish(ev)
		}
		return "", err
	}
	return id, nil
}

// StopCapture ends the capture and returns the file transcription result.
func (o *Orchestrator) StopCapture(ctx context.Context) (*capture.Result, error) {
	return o.pipeline.Stop(ctx)
}

// CaptureStarted implements capture.Sink.
func (o *Orchestrator) CaptureStarted(sessionID string) {
	o.view.reset(sessionID)
	o.publish(events.NewEvent(events.TypeCaptureStarted, sessionID))
}

// StreamMessage implements capture.Sink.
func (o *Orchestrator) StreamMessage(sessionID string, msg stream.InboundMessage) {
	switch {
	case msg.IsTranscript():
		o.streamTranscript(sessionID, msg)

	case msg.Type == stream.InboundError:
		ev := events.NewEvent(events.TypeStreamError, sessionID)
		ev.Error = msg.ErrorMessage()
		o.publish(ev)

	case msg.Type == stream.InboundConnected:
		o.logger.Debug().Str("session_id", sessionID).Msg("Streaming service ready")
	}
}

// streamTranscript applies a provisional partial or final result and
// publishes it unless the file transcription already superseded it.
func (o *Orchestrator) streamTranscript(sessionID string, msg stream.InboundMessage) {
	text := msg.Text()

	var (
		applied bool
		evType  events.Type
	)
	if msg.Type == stream.InboundPartial {
		applied, evType = o.view.applyPartial(sessionID, text), events.TypePartial
	} else {
		applied, evType = o.view.applyStreamFinal(sessionID, text), events.TypeFinal
	}
	if !applied {
		return
	}

	ev := events.NewEvent(evType, sessionID)
	ev.Text = text
	ev.Source = events.SourceStream
	o.publish(ev)
}

// CaptureFinished implements capture.Sink.
func (o *Orchestrator) CaptureFinished(sessionID string, result *capture.Result, err error) {
	o.mu.Lock()
	o.lastResult = result
	o.mu.Unlock()

	if err != nil {
		msg := gateway.Message(err)
		o.view.applyError(sessionID, msg)
		ev := events.NewEvent(events.TypeCaptureError, sessionID)
		ev.Error = msg
		o.publish(ev)
	} else if result != nil && result.Transcription != nil {
		tr := result.Transcription
		o.view.applyFile(sessionID, tr.Text, tr.Language, tr.Confidence)
		ev := events.NewEvent(events.TypeFinal, sessionID)
		ev.Text = tr.Text
		ev.Language = tr.Language
		ev.Confidence = tr.Confidence
		ev.Source = events.SourceFile
		o.publish(ev)
	}

	o.publish(events.NewEvent(events.TypeCaptureStopped, sessionID))
}

// Translate translates a single text.
func (o *Orchestrator) Translate(ctx context.Context, req gateway.TranslationRequest) (*gateway.TranslationResult, error) {
	return o.gw.Translate(ctx, req)
}

// TranslateBatch translates one text into several target languages.
func (o *Orchestrator) TranslateBatch(ctx context.Context, req gateway.BatchTranslationRequest) (*gateway.BatchTranslationResult, error) {
	return o.gw.TranslateBatch(ctx, req)
}

// TranslateTranscript translates the current transcript into each target
// language. The detected language is used as the source when known.
func (o *Orchestrator) TranslateTranscript(ctx context.Context, targets []string) (*gateway.BatchTranslationResult, error) {
	t := o.view.snapshot()
	text := t.Final
	if text == "" {
		text = t.Partial
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyTranscript
	}

	source := t.Language
	if source == "" {
		source = gateway.DefaultLanguage
	}
	return o.gw.TranslateBatch(ctx, gateway.BatchTranslationRequest{
		Text:            text,
		SourceLanguage:  source,
		TargetLanguages: targets,
	})
}

// DetectLanguage identifies the spoken language of an audio upload.
func (o *Orchestrator) DetectLanguage(ctx context.Context, data []byte, filename string) (*gateway.LanguageDetection, error) {
	return o.gw.DetectLanguage(ctx, data, filename)
}

// Synthesize renders text to audio.
func (o *Orchestrator) Synthesize(ctx context.Context, req gateway.SynthesisRequest) (*gateway.AudioPayload, error) {
	return o.gw.Synthesize(ctx, req)
}

// PreviewVoice renders a short sample of a voice.
func (o *Orchestrator) PreviewVoice(ctx context.Context, req gateway.PreviewRequest) (*gateway.AudioPayload, error) {
	return o.gw.PreviewVoice(ctx, req)
}

// Languages lists the translation languages.
func (o *Orchestrator) Languages(ctx context.Context) ([]gateway.Language, error) {
	return o.gw.Languages(ctx)
}

// Voices lists the synthesis voices.
func (o *Orchestrator) Voices(ctx context.Context) ([]gateway.Voice, error) {
	return o.gw.Voices(ctx)
}

// CheckConnectivity probes all backends and remembers the verdict.
func (o *Orchestrator) CheckConnectivity(ctx context.Context) gateway.HealthReport {
	report := o.gw.CheckHealth(ctx)

	o.mu.Lock()
	o.connectivity = &report
	o.mu.Unlock()

	return report
}

// Snapshot returns the current capture, stream and transcript state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	lastResult := o.lastResult
	connectivity := o.connectivity
	o.mu.Unlock()

	return Snapshot{
		Capturing:    o.pipeline.Active(),
		SessionID:    o.pipeline.SessionID(),
		Stream:       o.stream.Status(),
		Transcript:   o.view.snapshot(),
		LastResult:   lastResult,
		Connectivity: connectivity,
	}
}

// Transcript returns the current transcript view.
func (o *Orchestrator) Transcript() Transcript {
	return o.view.snapshot()
}

// publish sends ev to the publisher, logging failures.
func (o *Orchestrator) publish(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), o.publishTimeout)
	defer cancel()

	if err := o.publisher.Publish(ctx, ev); err != nil {
		o.logger.Warn().Err(err).Str("event_type", string(ev.Type)).Msg("Failed to publish event")
	}
}
