package messages

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Client message types
const (
	TypeStart = "start"
	TypeStop  = "stop"
)

var ErrMissingType = errors.New("message has no type")

// ClientMessage represents a message from the end-user connection
type ClientMessage struct {
	Type string `json:"type"`           // "audio", "start", "stop"
	Data string `json:"data,omitempty"` // Base64-encoded PCM16LE mono 16 kHz
}

// ParseClientMessage decodes one text frame from the end user.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := sonic.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("invalid client message: %w", err)
	}
	if msg.Type == "" {
		return ClientMessage{}, ErrMissingType
	}
	return msg, nil
}

// Audio returns the decoded PCM carried by an audio message.
func (m ClientMessage) Audio() ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 audio: %w", err)
	}
	return pcm, nil
}
