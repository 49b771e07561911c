package session

import (
	"context"

	"github.com/room4-2/memoir-dialog/doubao"
)

// Utterance is one completed conversational turn.
type Utterance struct {
	ConversationID string
	Role           doubao.Role
	Content        string
}

// Persister stores completed turns. Implementations must be safe for
// concurrent use by multiple sessions.
type Persister interface {
	SaveUtterance(ctx context.Context, u Utterance) error
}

// Profile is what the gateway needs to know about a user before a session.
type Profile struct {
	Completed bool
	Nickname  string
	City      string
}

// ProfileLookup reports whether a user's baseline profile is complete.
type ProfileLookup interface {
	LookupProfile(ctx context.Context, userID string) (Profile, error)
}

// GreetingPool returns one of a user's prepared opening lines, or "" when the
// user has none.
type GreetingPool interface {
	RandomGreeting(ctx context.Context, userID string) (string, error)
}
