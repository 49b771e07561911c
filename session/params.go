package session

import (
	"net/url"
	"strings"

	"github.com/room4-2/memoir-dialog/persona"
)

// Params are the caller-supplied connection parameters of a dialogue.
type Params struct {
	Speaker        string
	RecorderName   string
	ConversationID string // empty disables turn persistence
	UserID         string // empty disables profile lookup and the greeting pool
	Mode           persona.Mode

	Topic    string
	Context  string
	Greeting string // overrides the opening line in normal mode
}

// ParseParams reads dialogue parameters from a query string.
func ParseParams(q url.Values) Params {
	get := func(key string) string { return strings.TrimSpace(q.Get(key)) }
	return Params{
		Speaker:        get("speaker"),
		RecorderName:   get("recorder_name"),
		ConversationID: get("conversation_id"),
		UserID:         get("user_id"),
		Mode:           persona.ParseMode(q.Get("mode")),
		Topic:          get("topic"),
		Context:        get("context"),
		Greeting:       get("greeting"),
	}
}
