package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/speech-client/internal/observability"
)

// Backend names used in health reports.
const (
	ServiceTranslation   = "translation"
	ServiceTranscription = "speech-to-text"
	ServiceSynthesis     = "text-to-speech"
)

// ErrServicesUnavailable is the message recorded when any backend is not healthy.
const ErrServicesUnavailable = "Some services are unavailable"

// ServiceHealth is the outcome of one backend's health probe.
type ServiceHealth struct {
	Healthy bool                        `json:"healthy"`
	Status  *observability.HealthStatus `json:"status,omitempty"`
	Error   string                      `json:"error,omitempty"`
}

// HealthReport is the overall connectivity verdict. Connected is true only if
// every backend answered with status "healthy"; partial and total failure are
// reported the same way.
type HealthReport struct {
	Connected bool                     `json:"connected"`
	Error     string                   `json:"error,omitempty"`
	Services  map[string]ServiceHealth `json:"services"`
}

// CheckHealth queries the health endpoint of all three backends concurrently.
func (c *Client) CheckHealth(ctx context.Context) HealthReport {
	bases := c.serviceURLs()

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	services := make(map[string]ServiceHealth, len(bases))

	for name, base := range bases {
		name, base := name, base
		g.Go(func() error {
			health := c.probe(ctx, name, base)
			mu.Lock()
			services[name] = health
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report := HealthReport{Connected: true, Services: services}
	for _, health := range services {
		if !health.Healthy {
			report.Connected = false
			report.Error = ErrServicesUnavailable
			break
		}
	}

	if !report.Connected {
		c.logger.Warn().Interface("services", services).Msg("Backend connectivity degraded")
	}
	return report
}

// CheckService probes a single backend by name.
func (c *Client) CheckService(ctx context.Context, name string) (bool, error) {
	base, ok := c.serviceURLs()[name]
	if !ok {
		return false, fmt.Errorf("unknown service %q", name)
	}
	health := c.probe(ctx, name, base)
	if health.Error != "" {
		return false, errors.New(health.Error)
	}
	return health.Healthy, nil
}

// probe queries one service health endpoint.
func (c *Client) probe(ctx context.Context, name, base string) ServiceHealth {
	var status observability.HealthStatus
	if err := c.callJSON(ctx, "health_"+name, http.MethodGet, base+"/health", nil, &status); err != nil {
		return ServiceHealth{Error: Message(err)}
	}

	health := ServiceHealth{
		Healthy: status.Status == observability.StatusHealthy,
		Status:  &status,
	}
	if !health.Healthy {
		health.Error = fmt.Sprintf("%s reported status %q", name, status.Status)
	}
	return health
}

func (c *Client) serviceURLs() map[string]string {
	return map[string]string{
		ServiceTranslation:   c.cfg.TranslationURL,
		ServiceTranscription: c.cfg.TranscriptionURL,
		ServiceSynthesis:     c.cfg.SynthesisURL,
	}
}
