package session

import (
	"bytes"
	"errors"
	"testing"
)

func TestAudioBuffer(t *testing.T) {
	ab := NewAudioBuffer(8)

	if ab.Flush() != nil || ab.Overflowed() {
		t.Fatal("new buffer not empty")
	}

	if err := ab.Append([]byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := ab.Append([]byte{4, 5}); err != nil {
		t.Fatal(err)
	}
	if got := ab.Flush(); !bytes.Equal(got, []byte{1, 2, 3, 4, 5}) {
		t.Errorf("Flush = %v", got)
	}
	if ab.Flush() != nil {
		t.Error("buffer not empty after Flush")
	}
}

func TestAudioBuffer_OverflowSticks(t *testing.T) {
	ab := NewAudioBuffer(4)

	if err := ab.Append([]byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := ab.Append([]byte{4, 5}); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("Append over limit = %v, want ErrBufferFull", err)
	}
	// A later chunk that would fit is still rejected.
	if err := ab.Append([]byte{6}); !errors.Is(err, ErrBufferFull) {
		t.Errorf("Append after overflow = %v, want ErrBufferFull", err)
	}
	if !ab.Overflowed() {
		t.Error("Overflowed = false")
	}
	if got := ab.Flush(); got != nil {
		t.Errorf("Flush after overflow = %v, want nil", got)
	}
}
