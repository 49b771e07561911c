package doubao

import (
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
)

// TextKind tags relayed text as recognized user speech or assistant output.
type TextKind string

const (
	TextASR      TextKind = "asr"
	TextResponse TextKind = "response"
)

// Role identifies the speaker of a completed turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SignalKind discriminates Signal values.
type SignalKind int

const (
	SignalText SignalKind = iota + 1
	SignalUtterance
	SignalStop
)

// Signal is one semantic outcome of interpreting a provider event.
type Signal struct {
	Kind SignalKind

	// TextKind is set for SignalText.
	TextKind TextKind
	// Role is set for SignalUtterance.
	Role Role
	Text string
}

// EchoMatch selects how a response delta is compared with the greeting
// seeded through SayHello.
type EchoMatch string

const (
	EchoMatchExact EchoMatch = "exact"
	EchoMatchFuzzy EchoMatch = "fuzzy"
)

const defaultEchoSimilarity = 0.92

// Interpreter maps provider events to text, turn and stop signals and owns
// the per-session turn accumulators. Interpret is meant to be driven from a
// single receive loop; ArmGreeting may be called from another goroutine.
type Interpreter struct {
	match      EchoMatch
	similarity float64

	recognized strings.Builder
	response   strings.Builder

	mu              sync.Mutex
	pendingGreeting string
}

// NewInterpreter creates an interpreter with the given echo policy. A zero
// similarity uses the default threshold for fuzzy matching.
func NewInterpreter(match EchoMatch, similarity float64) *Interpreter {
	if match == "" {
		match = EchoMatchExact
	}
	if similarity <= 0 || similarity > 1 {
		similarity = defaultEchoSimilarity
	}
	return &Interpreter{match: match, similarity: similarity}
}

// ArmGreeting records the text just sent through SayHello. The next response
// delta matching it is swallowed once.
func (in *Interpreter) ArmGreeting(text string) {
	in.mu.Lock()
	in.pendingGreeting = text
	in.mu.Unlock()
}

// PendingGreeting returns the armed greeting, if any.
func (in *Interpreter) PendingGreeting() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.pendingGreeting
}

// Interpret consumes one full-response event and returns the derived signals
// in order.
func (in *Interpreter) Interpret(event uint32, payload map[string]any) []Signal {
	switch event {
	case EventASRResponse:
		text, interim := recognitionResult(payload)
		if interim || text == "" {
			return nil
		}
		in.recognized.WriteString(text)
		return []Signal{{Kind: SignalText, TextKind: TextASR, Text: text}}

	case EventASREnded:
		return in.endUserTurn()

	case EventTTSSentenceStart:
		// Synthesis only starts once the user has finished speaking.
		sigs := in.endUserTurn()
		in.response.Reset()
		return sigs

	case EventTTSEnded:
		text := in.response.String()
		in.response.Reset()
		if text == "" {
			return nil
		}
		return []Signal{{Kind: SignalUtterance, Role: RoleAssistant, Text: text}}

	case EventSessionFinished, EventSessionFailed:
		return []Signal{{Kind: SignalStop}}
	}

	if lifecycleEvents[event] {
		return nil
	}

	delta := responseText(payload)
	if delta == "" {
		return nil
	}
	if in.consumeGreetingEcho(delta) {
		return nil
	}
	in.response.WriteString(delta)
	return []Signal{{Kind: SignalText, TextKind: TextResponse, Text: delta}}
}

// Flush returns the user turn still pending when the event stream ends.
func (in *Interpreter) Flush() []Signal {
	return in.endUserTurn()
}

func (in *Interpreter) endUserTurn() []Signal {
	text := in.recognized.String()
	in.recognized.Reset()
	if text == "" {
		return nil
	}
	return []Signal{{Kind: SignalUtterance, Role: RoleUser, Text: text}}
}

// consumeGreetingEcho clears the pending greeting and reports true when
// delta is its echo.
func (in *Interpreter) consumeGreetingEcho(delta string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.pendingGreeting == "" {
		return false
	}

	matched := delta == in.pendingGreeting
	if !matched && in.match == EchoMatchFuzzy {
		matched = matchr.JaroWinkler(delta, in.pendingGreeting, true) >= in.similarity
	}
	if matched {
		in.pendingGreeting = ""
	}
	return matched
}

// recognitionResult extracts text and the interim flag from an ASR payload.
// The provider nests results in a list; a flat object is accepted too.
func recognitionResult(payload map[string]any) (string, bool) {
	result := payload
	if results, ok := payload["results"].([]any); ok {
		if len(results) == 0 {
			return "", true
		}
		first, ok := results[0].(map[string]any)
		if !ok {
			return "", true
		}
		result = first
	}

	text, _ := result["text"].(string)
	interim, _ := result["is_interim"].(bool)
	return text, interim
}

func responseText(payload map[string]any) string {
	if s, ok := payload["content"].(string); ok && s != "" {
		return s
	}
	s, _ := payload["text"].(string)
	return s
}
