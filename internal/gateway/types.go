package gateway

import (
	"encoding/json"
	"fmt"
)

// DefaultLanguage asks the transcription service to detect the spoken language.
const DefaultLanguage = "auto"

// TranslationRequest is the body of POST /api/v1/translate.
type TranslationRequest struct {
	Text           string `json:"text"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
}

// TranslationResult is a single translated text.
type TranslationResult struct {
	TranslatedText string  `json:"translated_text"`
	SourceLanguage string  `json:"source_language"`
	TargetLanguage string  `json:"target_language"`
	Confidence     float64 `json:"confidence"`
}

// BatchTranslationRequest is the body of POST /api/v1/translate/batch.
type BatchTranslationRequest struct {
	Text            string   `json:"text"`
	SourceLanguage  string   `json:"source_language"`
	TargetLanguages []string `json:"target_languages"`
}

// BatchTranslationResult maps each target language to its translation.
type BatchTranslationResult struct {
	Translations map[string]TranslationResult `json:"translations"`
}

// Language is a supported language. The service may list bare codes or objects.
type Language struct {
	Code string `json:"code"`
	Name string `json:"name,omitempty"`
}

// UnmarshalJSON accepts either "en" or {"code":"en","name":"English"}.
func (l *Language) UnmarshalJSON(data []byte) error {
	var code string
	if err := json.Unmarshal(data, &code); err == nil {
		*l = Language{Code: code}
		return nil
	}

	type plain Language
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("language must be a string or object: %w", err)
	}
	*l = Language(p)
	return nil
}

type languagesResponse struct {
	SupportedLanguages []Language `json:"supported_languages"`
}

// TranscriptionRequest is a finite audio payload submitted for transcription.
type TranscriptionRequest struct {
	Audio    []byte
	Filename string // defaults to recording.webm
	Language string // defaults to DefaultLanguage
}

// TranscriptionResult is the response of POST /api/v1/transcribe.
type TranscriptionResult struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
	Duration   float64 `json:"duration"`
}

// LanguageDetection is the response of POST /api/v1/detect-language.
type LanguageDetection struct {
	DetectedLanguage string  `json:"detected_language"`
	Confidence       float64 `json:"confidence"`
}

// SynthesisRequest is the body of POST /api/v1/synthesize.
type SynthesisRequest struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Voice    string  `json:"voice"`
	Speed    float64 `json:"speed"`
	Pitch    float64 `json:"pitch"`
	Volume   float64 `json:"volume"`
}

// PreviewRequest is the body of POST /api/v1/preview.
type PreviewRequest struct {
	VoiceID  string `json:"voice_id"`
	Language string `json:"language"`
	Text     string `json:"text"`
}

// Voice is a text-to-speech voice.
type Voice struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
	Gender   string `json:"gender,omitempty"`
}

type voicesResponse struct {
	Voices []Voice `json:"voices"`
}

// AudioPayload is a binary synthesis response, ready to be written out or played.
type AudioPayload struct {
	Data        []byte
	ContentType string
}
