package gateway

import "context"

const defaultFilename = "recording.webm"

// Transcribe submits a finite audio payload for transcription.
func (c *Client) Transcribe(ctx context.Context, req TranscriptionRequest) (*TranscriptionResult, error) {
	filename := req.Filename
	if filename == "" {
		filename = defaultFilename
	}
	language := req.Language
	if language == "" {
		language = DefaultLanguage
	}

	var result TranscriptionResult
	err := c.callMultipart(ctx, "transcribe", c.cfg.TranscriptionURL+"/api/v1/transcribe",
		filename, req.Audio, map[string]string{"language": language}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// DetectLanguage asks the speech-to-text service which language is spoken.
func (c *Client) DetectLanguage(ctx context.Context, audio []byte, filename string) (*LanguageDetection, error) {
	if filename == "" {
		filename = defaultFilename
	}

	var result LanguageDetection
	err := c.callMultipart(ctx, "detect_language", c.cfg.TranscriptionURL+"/api/v1/detect-language",
		filename, audio, nil, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}
