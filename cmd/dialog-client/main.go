// Command dialog-client streams a PCM file to a running gateway and plays the
// recorder's replies through sox.
package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// serverMessage is the union of every message the gateway sends.
type serverMessage struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	TextType string `json:"text_type"`
	Content  string `json:"content"`
	Event    uint32 `json:"event"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// AudioPlayer streams audio via sox
type AudioPlayer struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	mu     sync.Mutex
	closed bool
}

func NewAudioPlayer() *AudioPlayer {
	cmd := exec.Command("sox",
		"-t", "raw",
		"-r", "24000",
		"-b", "16",
		"-c", "1",
		"-e", "signed-integer",
		"-",
		"-d",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.Println("sox stdin error:", err)
		return nil
	}

	if err := cmd.Start(); err != nil {
		log.Println("sox start error:", err)
		return nil
	}

	return &AudioPlayer{cmd: cmd, stdin: stdin}
}

func (p *AudioPlayer) Play(audioData []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.stdin == nil {
		return
	}
	_, _ = p.stdin.Write(audioData)
}

func (p *AudioPlayer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Wait()
	}
}

func main() {
	serverURL := flag.String("server", "ws://localhost:8080/api/realtime/dialog", "gateway dialog endpoint")
	audioFile := flag.String("file", "examples/user.pcm", "16 kHz PCM16 mono audio to send (raw or WAV)")
	conversationID := flag.String("conversation", "", "conversation id for turn persistence")
	userID := flag.String("user", "", "user id for profile lookup")
	speaker := flag.String("speaker", "", "voice id")
	mode := flag.String("mode", "normal", "normal or profile_collection")
	wait := flag.Duration("wait", 30*time.Second, "how long to wait for replies after sending")
	flag.Parse()

	q := url.Values{}
	for key, value := range map[string]string{
		"conversation_id": *conversationID,
		"user_id":         *userID,
		"speaker":         *speaker,
		"mode":            *mode,
	} {
		if value != "" {
			q.Set(key, value)
		}
	}
	target := *serverURL
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	log.Printf("Connecting to %s...", target)
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	player := NewAudioPlayer()
	if player == nil {
		log.Fatal("Failed to create audio player (is sox installed?)")
	}
	defer player.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	connected := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		var once sync.Once
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				log.Println("Read error:", err)
				return
			}

			var msg serverMessage
			if err := sonic.Unmarshal(message, &msg); err != nil {
				log.Println("Parse error:", err)
				continue
			}

			switch msg.Type {
			case "audio":
				audioBytes, err := base64.StdEncoding.DecodeString(msg.Data)
				if err == nil {
					player.Play(audioBytes)
				}
			case "text":
				fmt.Printf("[%s] %s\n", msg.TextType, msg.Content)
			case "event":
				log.Printf("event %d", msg.Event)
			case "status":
				log.Printf("Status: %s %s", msg.Status, msg.Message)
				if msg.Status == "connected" {
					once.Do(func() { close(connected) })
				}
			}
		}
	}()

	select {
	case <-connected:
	case <-done:
		log.Fatal("Connection closed before the session started")
	case <-time.After(15 * time.Second):
		log.Fatal("Timeout waiting for the session to start")
	}

	audioData, err := loadAudioFile(*audioFile)
	if err != nil {
		log.Fatalf("Failed to load audio: %v", err)
	}

	// 100ms chunks at 16 kHz, paced in real time
	chunkSize := 3200
	for i := 0; i < len(audioData); i += chunkSize {
		end := min(i+chunkSize, len(audioData))
		if err := conn.WriteMessage(websocket.BinaryMessage, audioData[i:end]); err != nil {
			log.Printf("Send error: %v", err)
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	log.Println("Audio sent, waiting for replies...")

	select {
	case <-done:
		log.Println("Connection closed")
	case <-interrupt:
		log.Println("Interrupted")
	case <-time.After(*wait):
	}

	stop, _ := sonic.Marshal(map[string]string{"type": "stop"})
	_ = conn.WriteMessage(websocket.TextMessage, stop)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}

// loadAudioFile loads PCM or WAV file and returns raw PCM bytes
func loadAudioFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Check if it's a WAV file (starts with "RIFF")
	if len(data) > 44 && string(data[0:4]) == "RIFF" {
		return data[44:], nil
	}
	return data, nil
}
