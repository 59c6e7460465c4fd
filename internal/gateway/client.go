// Package gateway issues request/response calls to the translation,
// speech-to-text and text-to-speech services.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-client/internal/observability"
)

// Config holds the backend addresses. It is passed in explicitly so the
// gateway never reads the process environment.
type Config struct {
	TranslationURL   string
	TranscriptionURL string
	SynthesisURL     string

	// Timeout applies to each request; zero keeps the transport default.
	Timeout time.Duration

	// HTTPClient overrides the client used for all requests.
	HTTPClient *http.Client
}

// Client is a stateless gateway to the three backends. It never retries.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a gateway client.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	cfg.TranslationURL = strings.TrimRight(cfg.TranslationURL, "/")
	cfg.TranscriptionURL = strings.TrimRight(cfg.TranscriptionURL, "/")
	cfg.SynthesisURL = strings.TrimRight(cfg.SynthesisURL, "/")

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
	}
}

// do sends req and returns the body of a 2xx response. Any other outcome is
// a *RequestError.
func (c *Client) do(op string, req *http.Request) ([]byte, string, error) {
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.RecordGatewayRequest(op, start, false)
		c.logger.Warn().Err(err).Str("operation", op).Msg("Backend unreachable")
		return nil, "", transportError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.RecordGatewayRequest(op, start, false)
		return nil, "", transportError(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		observability.RecordGatewayRequest(op, start, false)
		reqErr := statusError(op, resp, body)
		c.logger.Warn().
			Str("operation", op).
			Int("status", resp.StatusCode).
			Str("message", reqErr.Message).
			Msg("Backend returned error status")
		return nil, "", reqErr
	}

	observability.RecordGatewayRequest(op, start, true)
	c.logger.Debug().
		Str("operation", op).
		Int("bytes", len(body)).
		Dur("latency", time.Since(start)).
		Msg("Backend request completed")
	return body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) newJSONRequest(ctx context.Context, op, method, url string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, &RequestError{Op: op, Message: fmt.Sprintf("%s: failed to marshal request: %v", op, err), Err: err}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &RequestError{Op: op, Message: fmt.Sprintf("%s: failed to create request: %v", op, err), Err: err}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// callJSON performs a JSON request and decodes a JSON response into out.
func (c *Client) callJSON(ctx context.Context, op, method, url string, payload, out any) error {
	req, err := c.newJSONRequest(ctx, op, method, url, payload)
	if err != nil {
		return err
	}

	body, _, err := c.do(op, req)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return malformedError(op, http.StatusOK, err)
	}
	return nil
}

// callBinary performs a JSON request whose successful response is raw audio.
func (c *Client) callBinary(ctx context.Context, op, url string, payload any) (*AudioPayload, error) {
	req, err := c.newJSONRequest(ctx, op, http.MethodPost, url, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "audio/*")

	body, contentType, err := c.do(op, req)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return &AudioPayload{Data: body, ContentType: contentType}, nil
}

// callMultipart uploads a file plus form fields and decodes a JSON response into out.
func (c *Client) callMultipart(ctx context.Context, op, url, filename string, file []byte, fields map[string]string, out any) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return &RequestError{Op: op, Message: fmt.Sprintf("%s: failed to build form: %v", op, err), Err: err}
	}
	if _, err := part.Write(file); err != nil {
		return &RequestError{Op: op, Message: fmt.Sprintf("%s: failed to build form: %v", op, err), Err: err}
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return &RequestError{Op: op, Message: fmt.Sprintf("%s: failed to build form: %v", op, err), Err: err}
		}
	}
	if err := writer.Close(); err != nil {
		return &RequestError{Op: op, Message: fmt.Sprintf("%s: failed to build form: %v", op, err), Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return &RequestError{Op: op, Message: fmt.Sprintf("%s: failed to create request: %v", op, err), Err: err}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	body, _, err := c.do(op, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return malformedError(op, http.StatusOK, err)
	}
	return nil
}
