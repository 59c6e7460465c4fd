package stream

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedMessage is recorded for inbound data that is not a valid message.
var ErrMalformedMessage = errors.New("malformed streaming message")

// OutboundType tags client-to-server messages.
type OutboundType string

const (
	OutboundAudioChunk OutboundType = "audio_chunk"
	OutboundConfig     OutboundType = "config"
	OutboundStop       OutboundType = "stop"
)

// OutboundMessage is an immutable client-to-server message. Build it with
// AudioChunk, ConfigMessage or StopMessage.
type OutboundMessage struct {
	typ  OutboundType
	data string
}

// AudioChunk wraps an opaque encoded audio block, base64-encoded for transport.
func AudioChunk(payload []byte) OutboundMessage {
	return OutboundMessage{typ: OutboundAudioChunk, data: base64.StdEncoding.EncodeToString(payload)}
}

// ConfigMessage carries stream settings as a JSON string.
func ConfigMessage(settings map[string]any) (OutboundMessage, error) {
	data, err := json.Marshal(settings)
	if err != nil {
		return OutboundMessage{}, fmt.Errorf("failed to encode config: %w", err)
	}
	return OutboundMessage{typ: OutboundConfig, data: string(data)}, nil
}

// StopMessage tells the server no more audio will follow.
func StopMessage() OutboundMessage {
	return OutboundMessage{typ: OutboundStop}
}

// Type returns the message type.
func (m OutboundMessage) Type() OutboundType { return m.typ }

// Data returns the payload, base64 for audio chunks.
func (m OutboundMessage) Data() string { return m.data }

// Encode renders the wire form {"type": ..., "data": ...}.
func (m OutboundMessage) Encode() ([]byte, error) {
	if m.typ == "" {
		return nil, errors.New("outbound message has no type")
	}
	return json.Marshal(struct {
		Type OutboundType `json:"type"`
		Data string       `json:"data,omitempty"`
	}{Type: m.typ, Data: m.data})
}

// InboundType tags server-to-client messages.
type InboundType string

const (
	InboundConnected InboundType = "connected"
	InboundPartial   InboundType = "partial_transcript"
	InboundFinal     InboundType = "final_transcript"
	InboundError     InboundType = "error"
)

func (t InboundType) valid() bool {
	switch t {
	case InboundConnected, InboundPartial, InboundFinal, InboundError:
		return true
	}
	return false
}

// InboundMessage is a parsed server-to-client message. Raw keeps the exact
// bytes received so consumers can interpret fields this client ignores.
type InboundMessage struct {
	Type       InboundType     `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	Raw        json.RawMessage `json:"raw"`
	ReceivedAt time.Time       `json:"received_at"`
}

type inboundWire struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// ParseInbound validates raw as one of the known inbound messages.
func ParseInbound(raw []byte) (InboundMessage, error) {
	var wire inboundWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return InboundMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	msgType := InboundType(wire.Type)
	if !msgType.valid() {
		return InboundMessage{}, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, wire.Type)
	}

	data := wire.Data
	if len(data) == 0 && wire.Message != "" {
		data, _ = json.Marshal(wire.Message)
	}

	return InboundMessage{
		Type:       msgType,
		Data:       data,
		Raw:        append(json.RawMessage(nil), raw...),
		ReceivedAt: time.Now(),
	}, nil
}

// IsTranscript reports whether the message carries transcript text.
func (m InboundMessage) IsTranscript() bool {
	return m.Type == InboundPartial || m.Type == InboundFinal
}

// Text extracts human-readable text from Data: a JSON string, or the
// "text"/"transcript"/"message" field of an object.
func (m InboundMessage) Text() string {
	if len(m.Data) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(m.Data, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var obj struct {
		Text       string `json:"text"`
		Transcript string `json:"transcript"`
		Message    string `json:"message"`
	}
	if err := json.Unmarshal(m.Data, &obj); err == nil {
		for _, candidate := range []string{obj.Text, obj.Transcript, obj.Message} {
			if candidate = strings.TrimSpace(candidate); candidate != "" {
				return candidate
			}
		}
		return ""
	}

	return strings.TrimSpace(string(m.Data))
}

// ErrorMessage returns the server's error text for an error message.
func (m InboundMessage) ErrorMessage() string {
	if text := m.Text(); text != "" {
		return text
	}
	return "streaming service reported an error"
}
