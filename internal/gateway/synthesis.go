package gateway

import (
	"context"
	"net/http"
)

// Synthesize converts text to speech and returns the encoded audio.
func (c *Client) Synthesize(ctx context.Context, req SynthesisRequest) (*AudioPayload, error) {
	return c.callBinary(ctx, "synthesize", c.cfg.SynthesisURL+"/api/v1/synthesize", req)
}

// PreviewVoice returns a short sample spoken by a voice.
func (c *Client) PreviewVoice(ctx context.Context, req PreviewRequest) (*AudioPayload, error) {
	return c.callBinary(ctx, "preview", c.cfg.SynthesisURL+"/api/v1/preview", req)
}

// Voices lists the available text-to-speech voices.
func (c *Client) Voices(ctx context.Context) ([]Voice, error) {
	var resp voicesResponse
	if err := c.callJSON(ctx, "voices", http.MethodGet, c.cfg.SynthesisURL+"/api/v1/voices", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Voices, nil
}
