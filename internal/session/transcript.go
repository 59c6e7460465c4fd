package session

import (
	"strings"
	"sync"
	"time"

	"github.com/lexiqai/speech-client/internal/events"
)

// Transcript is what the user sees for the current capture. Partial text
// from the stream is provisional; once the file transcription arrives it
// replaces everything and later stream messages for that capture are ignored.
type Transcript struct {
	SessionID   string    `json:"session_id,omitempty"`
	Partial     string    `json:"partial,omitempty"`
	Final       string    `json:"final,omitempty"`
	FinalSource string    `json:"final_source,omitempty"`
	Language    string    `json:"language,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	Error       string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// Authoritative reports whether the file transcription has been applied.
func (t Transcript) Authoritative() bool {
	return t.FinalSource == events.SourceFile
}

// transcriptView guards the Transcript against out-of-order updates.
type transcriptView struct {
	mu sync.Mutex
	t  Transcript
}

func (v *transcriptView) reset(sessionID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.t = Transcript{SessionID: sessionID, UpdatedAt: time.Now()}
}

// applyPartial returns false when the update was ignored.
func (v *transcriptView) applyPartial(sessionID, text string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.t.SessionID != sessionID || v.t.Authoritative() {
		return false
	}
	v.t.Partial = text
	v.t.UpdatedAt = time.Now()
	return true
}

// applyStreamFinal appends a finished utterance from the stream.
func (v *transcriptView) applyStreamFinal(sessionID, text string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.t.SessionID != sessionID || v.t.Authoritative() {
		return false
	}
	if text != "" {
		v.t.Final = strings.TrimSpace(v.t.Final + " " + text)
	}
	v.t.FinalSource = events.SourceStream
	v.t.Partial = ""
	v.t.UpdatedAt = time.Now()
	return true
}

// applyFile overwrites the transcript with the file transcription.
func (v *transcriptView) applyFile(sessionID, text, language string, confidence float64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.t.SessionID != sessionID {
		return false
	}
	v.t.Partial = ""
	v.t.Final = text
	v.t.FinalSource = events.SourceFile
	v.t.Language = language
	v.t.Confidence = confidence
	v.t.Error = ""
	v.t.UpdatedAt = time.Now()
	return true
}

func (v *transcriptView) applyError(sessionID, msg string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.t.SessionID != sessionID {
		return false
	}
	v.t.Error = msg
	v.t.UpdatedAt = time.Now()
	return true
}

func (v *transcriptView) snapshot() Transcript {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.t
}
