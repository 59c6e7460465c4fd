package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to decode log line %q: %v", buf.String(), err)
	}
	return entry
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := WithComponent(zerolog.New(&buf), "stream")
	logger.Info().Msg("hello")

	entry := decodeLine(t, &buf)
	if entry["component"] != "stream" {
		t.Errorf("Expected component 'stream', got %v", entry["component"])
	}
}

func TestWithCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	logger := WithCorrelationID(zerolog.New(&buf), "session-1")
	logger.Info().Msg("hello")

	if got := decodeLine(t, &buf)["correlation_id"]; got != "session-1" {
		t.Errorf("Expected correlation_id 'session-1', got %v", got)
	}

	buf.Reset()
	logger = WithCorrelationID(zerolog.New(&buf), "")
	logger.Info().Msg("hello")

	id, _ := decodeLine(t, &buf)["correlation_id"].(string)
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("Expected a generated uuid, got %q", id)
	}
}

func TestNewCorrelationIDIsUnique(t *testing.T) {
	if NewCorrelationID() == NewCorrelationID() {
		t.Error("Expected distinct correlation IDs")
	}
}
