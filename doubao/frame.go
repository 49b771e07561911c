package doubao

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/bytedance/sonic"
)

// Protocol header constants
const (
	ProtocolVersion  byte = 0b0001
	HeaderSizeWords  byte = 0b0001
	headerSizeBytes       = 4
	lengthPrefixSize      = 4
)

// MessageType is the high nibble of header byte 1
type MessageType byte

const (
	FullClientRequest  MessageType = 0b0001
	AudioOnlyRequest   MessageType = 0b0010
	FullServerResponse MessageType = 0b1001
	ServerAck          MessageType = 0b1011
	ServerError        MessageType = 0b1111
)

func (t MessageType) String() string {
	switch t {
	case FullClientRequest:
		return "full_client_request"
	case AudioOnlyRequest:
		return "audio_only_request"
	case FullServerResponse:
		return "full_server_response"
	case ServerAck:
		return "server_ack"
	case ServerError:
		return "server_error"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Message type specific flags (low nibble of header byte 1)
const (
	FlagNone        byte = 0b0000
	FlagNegSequence byte = 0b0010
	FlagWithEvent   byte = 0b0100
)

// Serialization methods (high nibble of header byte 2)
const (
	SerializationNone byte = 0b0000
	SerializationJSON byte = 0b0001
)

// Compression methods (low nibble of header byte 2)
const (
	CompressionNone byte = 0b0000
	CompressionGzip byte = 0b0001
)

// Frame is one decoded unit received from (or sent to) the provider.
type Frame struct {
	MessageType   MessageType
	Flags         byte
	Serialization byte
	Compression   byte

	HasEvent  bool
	Event     uint32
	SessionID string

	// ErrorCode is only set on ServerError frames.
	ErrorCode uint32

	// Payload holds the payload bytes after decompression.
	Payload []byte

	// JSON is the parsed payload when the frame declares JSON serialization
	// and parsing succeeded. It stays nil otherwise.
	JSON any
}

// IsEmpty reports whether decoding produced nothing usable.
func (f Frame) IsEmpty() bool {
	return f.MessageType == 0
}

// Object returns the JSON payload as an object, or nil.
func (f Frame) Object() map[string]any {
	obj, _ := f.JSON.(map[string]any)
	return obj
}

// Text returns the payload bytes as a string.
func (f Frame) Text() string {
	return string(f.Payload)
}

// EncodeHeader builds the fixed 4-byte frame header.
func EncodeHeader(msgType MessageType, flags, serialization, compression byte) [headerSizeBytes]byte {
	return [headerSizeBytes]byte{
		ProtocolVersion<<4 | HeaderSizeWords,
		byte(msgType)<<4 | flags&0x0f,
		serialization<<4 | compression&0x0f,
		0x00,
	}
}

// EncodeControlFrame builds a full client request carrying an event number.
// An empty sessionID omits the session id block, which is what the
// connection-level events (StartConnection, FinishConnection) expect.
func EncodeControlFrame(event uint32, sessionID string, payload []byte, compress bool) ([]byte, error) {
	compression := CompressionNone
	if compress {
		compression = CompressionGzip
		var err error
		if payload, err = gzipBytes(payload); err != nil {
			return nil, fmt.Errorf("encode control frame %d: %w", event, err)
		}
	}

	header := EncodeHeader(FullClientRequest, FlagWithEvent, SerializationJSON, compression)
	return assemble(header, event, sessionID, payload), nil
}

// EncodeAudioFrame wraps raw PCM in an audio-only request (event 200).
func EncodeAudioFrame(sessionID string, pcm []byte) ([]byte, error) {
	payload, err := gzipBytes(pcm)
	if err != nil {
		return nil, fmt.Errorf("encode audio frame: %w", err)
	}

	header := EncodeHeader(AudioOnlyRequest, FlagWithEvent, SerializationNone, CompressionGzip)
	return assemble(header, EventTaskRequest, sessionID, payload), nil
}

// EncodeJSONControlFrame marshals v and builds a gzip-compressed control frame.
func EncodeJSONControlFrame(event uint32, sessionID string, v any) ([]byte, error) {
	payload, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal event %d payload: %w", event, err)
	}
	return EncodeControlFrame(event, sessionID, payload, true)
}

func assemble(header [headerSizeBytes]byte, event uint32, sessionID string, payload []byte) []byte {
	size := headerSizeBytes + 4 + lengthPrefixSize + len(payload)
	if sessionID != "" {
		size += lengthPrefixSize + len(sessionID)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, header[:]...)
	buf = binary.BigEndian.AppendUint32(buf, event)
	if sessionID != "" {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(sessionID)))
		buf = append(buf, sessionID...)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return buf
}

// DecodeFrame parses a frame in either direction. It never fails: short or
// malformed input yields the best partially decoded value, and a buffer
// shorter than the header yields an empty Frame. Heartbeats and frames from
// newer protocol revisions must not break the stream.
func DecodeFrame(data []byte) Frame {
	if len(data) < headerSizeBytes {
		return Frame{}
	}

	f := Frame{
		MessageType:   MessageType(data[1] >> 4),
		Flags:         data[1] & 0x0f,
		Serialization: data[2] >> 4,
		Compression:   data[2] & 0x0f,
	}

	headerLen := int(data[0]&0x0f) * 4
	if headerLen < headerSizeBytes || headerLen > len(data) {
		headerLen = headerSizeBytes
	}
	r := reader{buf: data[headerLen:]}

	var raw []byte
	switch f.MessageType {
	case FullServerResponse, ServerAck:
		if f.Flags&FlagNegSequence != 0 {
			r.skip(4)
		}
		if f.Flags&FlagWithEvent != 0 {
			f.Event, f.HasEvent = r.uint32()
		}
		f.SessionID = string(r.prefixed())
		raw = r.prefixed()

	case ServerError:
		f.ErrorCode, _ = r.uint32()
		raw = r.prefixed()

	case FullClientRequest, AudioOnlyRequest:
		if f.Flags&FlagWithEvent != 0 {
			f.Event, f.HasEvent = r.uint32()
		}
		if !connectionLevel(f.Event) {
			f.SessionID = string(r.prefixed())
		}
		raw = r.prefixed()

	default:
		slog.Debug("doubao: unhandled message type", "type", f.MessageType.String(), "bytes", len(data))
		return f
	}

	f.Payload = raw
	if f.Compression == CompressionGzip && len(raw) > 0 {
		if plain, err := gunzipBytes(raw); err == nil {
			f.Payload = plain
		} else {
			slog.Debug("doubao: gzip payload kept raw", "event", f.Event, "error", err)
		}
	}

	if f.Serialization == SerializationJSON && len(f.Payload) > 0 {
		var v any
		if err := sonic.Unmarshal(f.Payload, &v); err == nil {
			f.JSON = v
		} else {
			slog.Debug("doubao: json payload kept as bytes", "event", f.Event, "error", err)
		}
	}

	return f
}

// connectionLevel events are sent without a session id block.
func connectionLevel(event uint32) bool {
	return event == EventStartConnection || event == EventFinishConnection
}

// reader is a forgiving cursor: reads past the end return what is left.
type reader struct {
	buf []byte
}

func (r *reader) skip(n int) {
	if n > len(r.buf) {
		n = len(r.buf)
	}
	r.buf = r.buf[n:]
}

func (r *reader) uint32() (uint32, bool) {
	if len(r.buf) < 4 {
		r.buf = nil
		return 0, false
	}
	v := binary.BigEndian.Uint32(r.buf)
	r.buf = r.buf[4:]
	return v, true
}

func (r *reader) prefixed() []byte {
	n, ok := r.uint32()
	if !ok {
		return nil
	}
	size := int(n)
	if size < 0 || size > len(r.buf) {
		size = len(r.buf)
	}
	out := r.buf[:size]
	r.buf = r.buf[size:]
	return out
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
