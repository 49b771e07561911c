package session

import (
	"errors"
	"sync"
)

// ErrBufferFull is returned when a chunk would push the buffer past its limit.
var ErrBufferFull = errors.New("audio buffer full")

// AudioBuffer accumulates synthesized audio for caching. Once a chunk is
// rejected the buffer stays overflowed and ignores later chunks, so a
// truncated clip is never mistaken for a complete one.
type AudioBuffer struct {
	mu         sync.Mutex
	chunks     [][]byte
	totalSize  int
	maxSize    int
	overflowed bool
}

func NewAudioBuffer(maxSize int) *AudioBuffer {
	return &AudioBuffer{maxSize: maxSize}
}

// Append adds a chunk. It returns ErrBufferFull when the chunk does not fit
// or the buffer has already overflowed.
func (ab *AudioBuffer) Append(chunk []byte) error {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	if ab.overflowed {
		return ErrBufferFull
	}
	if ab.totalSize+len(chunk) > ab.maxSize {
		ab.overflowed = true
		ab.chunks = nil
		ab.totalSize = 0
		return ErrBufferFull
	}

	ab.chunks = append(ab.chunks, chunk)
	ab.totalSize += len(chunk)
	return nil
}

// Overflowed reports whether any chunk was rejected.
func (ab *AudioBuffer) Overflowed() bool {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return ab.overflowed
}

// Flush returns the buffered audio in order and empties the buffer. An
// overflowed buffer flushes nil.
func (ab *AudioBuffer) Flush() []byte {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	if ab.overflowed || len(ab.chunks) == 0 {
		return nil
	}

	result := make([]byte, 0, ab.totalSize)
	for _, chunk := range ab.chunks {
		result = append(result, chunk...)
	}
	ab.chunks = nil
	ab.totalSize = 0
	return result
}
