// Package httpapi exposes the client over a local HTTP control API.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-client/internal/capture"
	"github.com/lexiqai/speech-client/internal/gateway"
	"github.com/lexiqai/speech-client/internal/observability"
	"github.com/lexiqai/speech-client/internal/session"
)

const defaultRateLimit = 60

// Service is the client behaviour the API exposes.
type Service interface {
	StartCapture(ctx context.Context) (string, error)
	StopCapture(ctx context.Context) (*capture.Result, error)
	Translate(ctx context.Context, req gateway.TranslationRequest) (*gateway.TranslationResult, error)
	TranslateBatch(ctx context.Context, req gateway.BatchTranslationRequest) (*gateway.BatchTranslationResult, error)
	TranslateTranscript(ctx context.Context, targets []string) (*gateway.BatchTranslationResult, error)
	DetectLanguage(ctx context.Context, data []byte, filename string) (*gateway.LanguageDetection, error)
	Synthesize(ctx context.Context, req gateway.SynthesisRequest) (*gateway.AudioPayload, error)
	PreviewVoice(ctx context.Context, req gateway.PreviewRequest) (*gateway.AudioPayload, error)
	Languages(ctx context.Context) ([]gateway.Language, error)
	Voices(ctx context.Context) ([]gateway.Voice, error)
	CheckConnectivity(ctx context.Context) gateway.HealthReport
	Snapshot() session.Snapshot
}

// Options wires the router.
type Options struct {
	Service        Service
	Events         http.HandlerFunc
	Readiness      map[string]observability.HealthCheckFunc
	MetricsEnabled bool
	RateLimit      int // requests per minute per client on backend proxy routes
	Logger         zerolog.Logger
}

// NewRouter constructs the HTTP router for the control API.
func NewRouter(opts Options) http.Handler {
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}
	h := &handler{svc: opts.Service, logger: observability.WithComponent(opts.Logger, "httpapi")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", observability.HealthCheckHandler())
	r.Get("/ready", observability.ReadinessHandler(opts.Readiness))
	if opts.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.status)
		r.Get("/connectivity", h.connectivity)
		r.Get("/languages", h.languages)
		r.Get("/voices", h.voices)

		r.Post("/capture/start", h.startCapture)
		r.Post("/capture/stop", h.stopCapture)

		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(opts.RateLimit, time.Minute))
			r.Use(middleware.Timeout(2 * time.Minute))

			r.Post("/translate", h.translate)
			r.Post("/translate/batch", h.translateBatch)
			r.Post("/translate/transcript", h.translateTranscript)
			r.Post("/detect-language", h.detectLanguage)
			r.Post("/synthesize", h.synthesize)
			r.Post("/preview", h.preview)
		})

		if opts.Events != nil {
			r.Get("/events", opts.Events)
		}
	})

	return r
}
