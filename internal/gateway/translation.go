package gateway

import (
	"context"
	"net/http"
)

// Translate translates text from one language to another.
func (c *Client) Translate(ctx context.Context, req TranslationRequest) (*TranslationResult, error) {
	var result TranslationResult
	if err := c.callJSON(ctx, "translate", http.MethodPost, c.cfg.TranslationURL+"/api/v1/translate", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// TranslateBatch translates text into several target languages at once.
func (c *Client) TranslateBatch(ctx context.Context, req BatchTranslationRequest) (*BatchTranslationResult, error) {
	var result BatchTranslationResult
	if err := c.callJSON(ctx, "translate_batch", http.MethodPost, c.cfg.TranslationURL+"/api/v1/translate/batch", req, &result); err != nil {
		return nil, err
	}
	if result.Translations == nil {
		result.Translations = map[string]TranslationResult{}
	}
	return &result, nil
}

// Languages lists the languages the translation service supports.
func (c *Client) Languages(ctx context.Context) ([]Language, error) {
	var resp languagesResponse
	if err := c.callJSON(ctx, "languages", http.MethodGet, c.cfg.TranslationURL+"/api/v1/languages", nil, &resp); err != nil {
		return nil, err
	}
	return resp.SupportedLanguages, nil
}
