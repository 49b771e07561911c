package messages

import (
	"encoding/base64"

	"github.com/bytedance/sonic"
)

// Message types
const (
	TypeAudio  = "audio"
	TypeText   = "text"
	TypeEvent  = "event"
	TypeStatus = "status"
	TypeDone   = "done"
)

// Status values
const (
	StatusConnected = "connected"
	StatusError     = "error"
)

// Text kinds carried in text_type
const (
	TextTypeASR      = "asr"
	TextTypeResponse = "response"
)

// ServerMessage is anything the gateway sends to the end user.
type ServerMessage interface {
	MessageType() string
}

// AudioMessage carries synthesized audio
type AudioMessage struct {
	Type string `json:"type"`
	Data string `json:"data"` // Base64-encoded PCM16LE mono 24 kHz
}

// TextMessage carries recognized speech or response text
type TextMessage struct {
	Type     string `json:"type"`
	TextType string `json:"text_type"`
	Content  string `json:"content"`
}

// EventMessage relays a raw provider event
type EventMessage struct {
	Type    string         `json:"type"`
	Event   uint32         `json:"event"`
	Payload map[string]any `json:"payload"`
}

// StatusMessage reports connection state
type StatusMessage struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// DoneMessage ends a voice preview
type DoneMessage struct {
	Type string `json:"type"`
}

func (m *AudioMessage) MessageType() string  { return m.Type }
func (m *TextMessage) MessageType() string   { return m.Type }
func (m *EventMessage) MessageType() string  { return m.Type }
func (m *StatusMessage) MessageType() string { return m.Type }
func (m *DoneMessage) MessageType() string   { return m.Type }

// NewAudioMessage creates an audio message from raw PCM
func NewAudioMessage(pcm []byte) *AudioMessage {
	return &AudioMessage{
		Type: TypeAudio,
		Data: base64.StdEncoding.EncodeToString(pcm),
	}
}

// NewTextMessage creates a text message
func NewTextMessage(textType, content string) *TextMessage {
	return &TextMessage{
		Type:     TypeText,
		TextType: textType,
		Content:  content,
	}
}

// NewEventMessage creates an event message. A nil payload is sent as {}.
func NewEventMessage(event uint32, payload map[string]any) *EventMessage {
	if payload == nil {
		payload = map[string]any{}
	}
	return &EventMessage{
		Type:    TypeEvent,
		Event:   event,
		Payload: payload,
	}
}

// NewStatusMessage creates a status message
func NewStatusMessage(status, message string) *StatusMessage {
	return &StatusMessage{
		Type:    TypeStatus,
		Status:  status,
		Message: message,
	}
}

// NewDoneMessage creates the preview completion message
func NewDoneMessage() *DoneMessage {
	return &DoneMessage{Type: TypeDone}
}

// Encode marshals a server message for a text frame.
func Encode(msg ServerMessage) ([]byte, error) {
	return sonic.Marshal(msg)
}
