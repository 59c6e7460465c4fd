package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-client/internal/audio"
	"github.com/lexiqai/speech-client/internal/capture"
	"github.com/lexiqai/speech-client/internal/gateway"
	"github.com/lexiqai/speech-client/internal/session"
)

const (
	maxJSONBody   = 1 << 20
	maxUploadBody = 32 << 20
)

type handler struct {
	svc    Service
	logger zerolog.Logger
}

type startResponse struct {
	SessionID string `json:"session_id"`
}

type stopResponse struct {
	Result *capture.Result `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type transcriptTranslationRequest struct {
	TargetLanguages []string `json:"target_languages"`
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Snapshot())
}

func (h *handler) connectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.CheckConnectivity(r.Context()))
}

func (h *handler) languages(w http.ResponseWriter, r *http.Request) {
	langs, err := h.svc.Languages(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"supported_languages": langs})
}

func (h *handler) voices(w http.ResponseWriter, r *http.Request) {
	voices, err := h.svc.Voices(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"voices": voices})
}

func (h *handler) startCapture(w http.ResponseWriter, r *http.Request) {
	id, err := h.svc.StartCapture(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{SessionID: id})
}

// stopCapture reports the capture summary even when transcription failed.
func (h *handler) stopCapture(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.StopCapture(r.Context())
	if err != nil {
		if result == nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, statusFor(err), stopResponse{Result: result, Error: gateway.Message(err)})
		return
	}
	writeJSON(w, http.StatusOK, stopResponse{Result: result})
}

func (h *handler) translate(w http.ResponseWriter, r *http.Request) {
	var req gateway.TranslationRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.svc.Translate(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) translateBatch(w http.ResponseWriter, r *http.Request) {
	var req gateway.BatchTranslationRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.svc.TranslateBatch(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) translateTranscript(w http.ResponseWriter, r *http.Request) {
	var req transcriptTranslationRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.TargetLanguages) == 0 {
		writeErrorBody(w, http.StatusBadRequest, "target_languages is required")
		return
	}
	result, err := h.svc.TranslateTranscript(r.Context(), req.TargetLanguages)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) detectLanguage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(maxUploadBody); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "expected multipart form with a file field")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	result, err := h.svc.DetectLanguage(r.Context(), data, header.Filename)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) synthesize(w http.ResponseWriter, r *http.Request) {
	var req gateway.SynthesisRequest
	if !h.decode(w, r, &req) {
		return
	}
	payload, err := h.svc.Synthesize(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeAudio(w, payload)
}

func (h *handler) preview(w http.ResponseWriter, r *http.Request) {
	var req gateway.PreviewRequest
	if !h.decode(w, r, &req) {
		return
	}
	payload, err := h.svc.PreviewVoice(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeAudio(w, payload)
}

// decode reads a JSON body, writing a 400 on failure.
func (h *handler) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// writeError maps err to a status code and writes the error body.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	event := h.logger.Warn()
	if status >= http.StatusInternalServerError {
		event = h.logger.Error()
	}
	event.Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("Request failed")

	writeErrorBody(w, status, gateway.Message(err))
}

// statusFor maps domain errors to HTTP status codes. Backend failures are
// reported as 502 regardless of the backend's own status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrRequestFailed):
		return http.StatusBadGateway
	case errors.Is(err, capture.ErrCaptureActive), errors.Is(err, capture.ErrNoActiveCapture):
		return http.StatusConflict
	case errors.Is(err, audio.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, capture.ErrNoAudio), errors.Is(err, session.ErrEmptyTranscript):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeErrorBody(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, gateway.ErrorResponse{
		Error:      msg,
		StatusCode: status,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAudio(w http.ResponseWriter, payload *gateway.AudioPayload) {
	w.Header().Set("Content-Type", payload.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(payload.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload.Data)
}
